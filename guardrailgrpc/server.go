// Package guardrailgrpc provides a grpc.UnaryServerInterceptor that runs
// inbound RPCs through the admission pipeline: priority classification from the
// method name, two-level concurrency limiting, and idempotent replay of RPCs
// carrying an idempotency-key metadata entry.
package guardrailgrpc

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	guardrail "github.com/guardrail-go/guardrail-go"
	"github.com/guardrail-go/guardrail-go/idempotency"
	"github.com/guardrail-go/guardrail-go/limiter"
	"github.com/guardrail-go/guardrail-go/priority"
)

const (
	tenantMetadataKey      = "x-tenant-id"
	userMetadataKey        = "x-user-id"
	correlationMetadataKey = "x-request-id"
	idempotencyMetadataKey = "idempotency-key"
)

// Builder builds admission interceptors.
//
// This type is not concurrency safe.
type Builder interface {
	// WithLimiter configures the concurrency limiter gating every RPC.
	WithLimiter(l *limiter.ConcurrencyLimiter) Builder

	// WithIdempotency configures the manager replaying RPCs that carry an
	// idempotency-key metadata entry. Without a manager the entry is ignored.
	//
	// A serializing key store such as idempotency.RedisStore hands replayed
	// responses back as generic JSON values, not the handler's proto response
	// type; use the in-memory store unless the response type survives a JSON
	// round trip.
	WithIdempotency(m *idempotency.Manager) Builder

	// WithCorrelation configures how correlation IDs are generated for RPCs
	// without an x-request-id metadata entry.
	WithCorrelation(source guardrail.CorrelationSource) Builder

	// WithLogger configures a logger which provides debug logging of RPC
	// admission.
	WithLogger(logger *slog.Logger) Builder

	// NewUnaryServerInterceptor returns the interceptor.
	NewUnaryServerInterceptor() grpc.UnaryServerInterceptor
}

type config struct {
	limiter     *limiter.ConcurrencyLimiter
	manager     *idempotency.Manager
	correlation guardrail.CorrelationSource
	logger      *slog.Logger
}

var _ Builder = &config{}

// NewBuilder returns an interceptor Builder.
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

func (c *config) WithCorrelation(source guardrail.CorrelationSource) Builder {
	c.correlation = source
	return c
}

func (c *config) WithLogger(logger *slog.Logger) Builder {
	c.logger = logger
	return c
}

func (c *config) NewUnaryServerInterceptor() grpc.UnaryServerInterceptor {
	cCopy := *c
	if cCopy.limiter == nil {
		cCopy.limiter = limiter.New()
	}
	if cCopy.correlation == nil {
		cCopy.correlation = guardrail.UUIDCorrelation{}
	}
	classifier := priority.NewClassifier()

	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		md, _ := metadata.FromIncomingContext(ctx)
		tenantID := firstValue(md, tenantMetadataKey)
		if tenantID == "" {
			return nil, status.Error(codes.InvalidArgument, "missing "+tenantMetadataKey+" metadata")
		}

		correlationID := firstValue(md, correlationMetadataKey)
		if correlationID == "" {
			correlationID = cCopy.correlation.NextCorrelationID()
		}

		op := &guardrail.OperationContext{
			TenantID:      tenantID,
			UserID:        firstValue(md, userMetadataKey),
			CorrelationID: correlationID,
			// RPCs are method invocations, so they classify as mutating requests.
			Priority:     classifier.Classify(http.MethodPost, info.FullMethod),
			ResourceName: info.FullMethod,
		}
		ctx = guardrail.ContextWithOperation(ctx, op)

		idempotencyKey := firstValue(md, idempotencyMetadataKey)
		if cCopy.manager != nil && idempotencyKey != "" {
			return serveIdempotent(ctx, &cCopy, op, idempotencyKey, req, handler)
		}

		resp, err := limiter.Execute(ctx, cCopy.limiter, op, func(ctx context.Context) (any, error) {
			return handler(ctx, req)
		})
		if err != nil {
			return nil, admissionStatus(err)
		}
		return resp, nil
	}
}

func serveIdempotent(ctx context.Context, c *config, op *guardrail.OperationContext, key string, req any, handler grpc.UnaryHandler) (any, error) {
	input := idempotency.KeyInput{
		OperationType: op.ResourceName,
		Scope:         idempotency.ScopeTenant,
		TenantID:      op.TenantID,
		ResourceID:    key,
	}

	// The limiter is acquired first so a saturation rejection is surfaced as
	// backpressure and never recorded as the operation's outcome.
	resp, err := limiter.Execute(ctx, c.limiter, op, func(ctx context.Context) (any, error) {
		return c.manager.Execute(ctx, input, func(ctx context.Context) (any, error) {
			return handler(ctx, req)
		})
	})
	if err != nil {
		var replayed *idempotency.ReplayedError
		switch {
		case errors.Is(err, idempotency.ErrExecutionInProgress):
			return nil, status.Error(codes.Aborted, "operation already in progress")
		case errors.As(err, &replayed):
			return nil, status.Error(codes.FailedPrecondition, replayed.Message)
		default:
			return nil, admissionStatus(err)
		}
	}
	return resp, nil
}

// admissionStatus maps admission rejections onto gRPC codes: tenant saturation
// is ResourceExhausted, global saturation Unavailable.
func admissionStatus(err error) error {
	var limitErr *limiter.ConcurrencyLimitExceededError
	if errors.As(err, &limitErr) {
		code := codes.ResourceExhausted
		if limitErr.Scope == limiter.ScopeGlobal {
			code = codes.Unavailable
		}
		return status.Error(code, err.Error())
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(codes.Internal, err.Error())
}

func firstValue(md metadata.MD, key string) string {
	if values := md.Get(key); len(values) > 0 {
		return values[0]
	}
	return ""
}
