// Package guardrailhttp provides http.Handler middleware that runs inbound
// requests through the admission pipeline: priority classification, an optional
// per-tenant rate gate, two-level concurrency limiting, and idempotent replay
// of mutating requests carrying an Idempotency-Key header.
package guardrailhttp

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"golang.org/x/time/rate"

	guardrail "github.com/guardrail-go/guardrail-go"
	"github.com/guardrail-go/guardrail-go/idempotency"
	"github.com/guardrail-go/guardrail-go/limiter"
	"github.com/guardrail-go/guardrail-go/priority"
)

const (
	tenantHeaderKey      = "X-Tenant-ID"
	userHeaderKey        = "X-User-ID"
	correlationHeaderKey = "X-Request-ID"
	idempotencyHeaderKey = "Idempotency-Key"
	replayedHeaderKey    = "X-Idempotent-Replayed"
)

// Builder builds admission middleware.
//
// This type is not concurrency safe.
type Builder interface {
	// WithLimiter configures the concurrency limiter gating every request.
	WithLimiter(l *limiter.ConcurrencyLimiter) Builder

	// WithIdempotency configures the manager replaying mutating requests that
	// carry an Idempotency-Key header. Without a manager the header is ignored.
	WithIdempotency(m *idempotency.Manager) Builder

	// WithRateLimit configures a per-tenant token-bucket gate checked before the
	// limiter. Zero limit disables the gate.
	WithRateLimit(limit rate.Limit, burst int) Builder

	// WithCorrelation configures how correlation IDs are generated for requests
	// without an X-Request-ID header.
	WithCorrelation(source guardrail.CorrelationSource) Builder

	// WithLogger configures a logger which provides debug logging of request
	// admission.
	WithLogger(logger *slog.Logger) Builder

	// NewHandler returns a handler that admits requests before innerHandler.
	NewHandler(innerHandler http.Handler) http.Handler
}

type config struct {
	limiter     *limiter.ConcurrencyLimiter
	manager     *idempotency.Manager
	rateLimit   rate.Limit
	rateBurst   int
	correlation guardrail.CorrelationSource
	logger      *slog.Logger
}

var _ Builder = &config{}

// NewBuilder returns a middleware Builder.
func NewBuilder() Builder {
	return &config{}
}

func (c *config) WithLimiter(l *limiter.ConcurrencyLimiter) Builder {
	c.limiter = l
	return c
}

func (c *config) WithIdempotency(m *idempotency.Manager) Builder {
	c.manager = m
	return c
}

func (c *config) WithRateLimit(limit rate.Limit, burst int) Builder {
	c.rateLimit = limit
	c.rateBurst = burst
	return c
}

func (c *config) WithCorrelation(source guardrail.CorrelationSource) Builder {
	c.correlation = source
	return c
}

func (c *config) WithLogger(logger *slog.Logger) Builder {
	c.logger = logger
	return c
}

func (c *config) NewHandler(innerHandler http.Handler) http.Handler {
	cCopy := *c
	if cCopy.limiter == nil {
		cCopy.limiter = limiter.New()
	}
	if cCopy.correlation == nil {
		cCopy.correlation = guardrail.UUIDCorrelation{}
	}
	return &handler{
		config:     &cCopy,
		inner:      innerHandler,
		classifier: priority.NewClassifier(),
		rateLimits: make(map[string]*rate.Limiter),
	}
}

type handler struct {
	config     *config
	inner      http.Handler
	classifier *priority.Classifier

	mu         sync.Mutex
	rateLimits map[string]*rate.Limiter // Guarded by mu
}

func (h *handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	tenantID := r.Header.Get(tenantHeaderKey)
	if tenantID == "" {
		http.Error(w, "missing "+tenantHeaderKey+" header", http.StatusBadRequest)
		return
	}

	correlationID := r.Header.Get(correlationHeaderKey)
	if correlationID == "" {
		correlationID = h.config.correlation.NextCorrelationID()
	}
	w.Header().Set(correlationHeaderKey, correlationID)

	op := &guardrail.OperationContext{
		TenantID:      tenantID,
		UserID:        r.Header.Get(userHeaderKey),
		CorrelationID: correlationID,
		Priority:      h.classifier.Classify(r.Method, r.URL.Path),
		ResourceName:  r.Method + " " + priority.NormalizePath(r.URL.Path),
	}
	ctx := guardrail.ContextWithOperation(r.Context(), op)
	r = r.WithContext(ctx)

	if !h.allowRate(tenantID) {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	idempotencyKey := r.Header.Get(idempotencyHeaderKey)
	if h.config.manager != nil && idempotencyKey != "" && isMutating(r.Method) {
		h.serveIdempotent(w, r, op, idempotencyKey)
		return
	}

	if err := h.config.limiter.Run(ctx, op, func(ctx context.Context) error {
		h.inner.ServeHTTP(w, r.WithContext(ctx))
		return nil
	}); err != nil {
		h.writeAdmissionError(w, op, err)
	}
}

// serveIdempotent runs the request through the idempotency manager so that a
// duplicate Idempotency-Key replays the recorded response without reaching the
// inner handler. The limiter is acquired first so a saturation rejection is
// surfaced as backpressure and never recorded as the operation's outcome.
func (h *handler) serveIdempotent(w http.ResponseWriter, r *http.Request, op *guardrail.OperationContext, key string) {
	input := idempotency.KeyInput{
		OperationType: op.ResourceName,
		Scope:         idempotency.ScopeTenant,
		TenantID:      op.TenantID,
		ResourceID:    key,
	}

	executed := false
	result, err := limiter.Execute(r.Context(), h.config.limiter, op, func(ctx context.Context) (*bufferedResponse, error) {
		return idempotency.Execute(ctx, h.config.manager, input, func(ctx context.Context) (*bufferedResponse, error) {
			executed = true
			recorder := newRecorder()
			h.inner.ServeHTTP(recorder, r.WithContext(ctx))
			return recorder.buffered(), nil
		})
	})
	if err != nil {
		var limitErr *limiter.ConcurrencyLimitExceededError
		switch {
		case errors.As(err, &limitErr):
			h.writeAdmissionError(w, op, err)
		case errors.Is(err, idempotency.ErrExecutionInProgress):
			http.Error(w, "operation already in progress", http.StatusConflict)
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	if !executed {
		w.Header().Set(replayedHeaderKey, "true")
	}
	result.write(w)
}

func (h *handler) writeAdmissionError(w http.ResponseWriter, op *guardrail.OperationContext, err error) {
	var limitErr *limiter.ConcurrencyLimitExceededError
	if errors.As(err, &limitErr) {
		code := http.StatusTooManyRequests
		if limitErr.Scope == limiter.ScopeGlobal {
			code = http.StatusServiceUnavailable
		}
		if h.config.logger != nil {
			h.config.logger.Debug("request rejected",
				"tenant", op.TenantID,
				"scope", string(limitErr.Scope),
				"status", code,
			)
		}
		http.Error(w, err.Error(), code)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func (h *handler) allowRate(tenantID string) bool {
	if h.config.rateLimit <= 0 {
		return true
	}
	h.mu.Lock()
	gate := h.rateLimits[tenantID]
	if gate == nil {
		gate = rate.NewLimiter(h.config.rateLimit, h.config.rateBurst)
		h.rateLimits[tenantID] = gate
	}
	h.mu.Unlock()
	return gate.Allow()
}

func isMutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// bufferedResponse is the replayable form of a response. It survives JSON
// round-trips through remote idempotency stores.
type bufferedResponse struct {
	Status      int    `json:"status"`
	ContentType string `json:"contentType,omitempty"`
	Body        string `json:"body,omitempty"`
}

func (b *bufferedResponse) write(w http.ResponseWriter) {
	if b.ContentType != "" {
		w.Header().Set("Content-Type", b.ContentType)
	}
	w.WriteHeader(b.Status)
	_, _ = w.Write([]byte(b.Body))
}

type recorder struct {
	status int
	header http.Header
	body   bytes.Buffer
}

func newRecorder() *recorder {
	return &recorder{status: http.StatusOK, header: make(http.Header)}
}

func (r *recorder) Header() http.Header {
	return r.header
}

func (r *recorder) WriteHeader(status int) {
	r.status = status
}

func (r *recorder) Write(p []byte) (int, error) {
	return r.body.Write(p)
}

func (r *recorder) buffered() *bufferedResponse {
	return &bufferedResponse{
		Status:      r.status,
		ContentType: r.header.Get("Content-Type"),
		Body:        r.body.String(),
	}
}
