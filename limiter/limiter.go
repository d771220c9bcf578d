// Package limiter provides two-level admission control for a multi-tenant
// runtime: a global concurrency cap shared by all tenants and an independent cap
// per tenant, scaled by the tenant's priority tier. Saturation at either level
// rejects the operation with a typed error after emitting an audit event.
package limiter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	guardrail "github.com/guardrail-go/guardrail-go"
	"github.com/guardrail-go/guardrail-go/audit"
	"github.com/guardrail-go/guardrail-go/capacity"
	"github.com/guardrail-go/guardrail-go/priority"
)

// Scope identifies which admission level rejected an operation.
type Scope string

const (
	ScopeGlobal Scope = "GLOBAL"
	ScopeTenant Scope = "TENANT"
)

// ConcurrencyLimitExceededError is returned when an operation cannot be admitted
// because the global or tenant concurrency level is saturated. It is never
// retried internally; callers should translate it into backpressure.
type ConcurrencyLimitExceededError struct {
	TenantID string
	Scope    Scope
	Priority priority.Priority
}

func (e *ConcurrencyLimitExceededError) Error() string {
	return fmt.Sprintf("concurrency limit exceeded for tenant %s at %s scope (priority %s)", e.TenantID, e.Scope, e.Priority)
}

// TierResolver resolves a tenant's priority tier, which scales the tenant's
// concurrency cap.
type TierResolver interface {
	ResolveTier(tenantID string) priority.Priority
}

// TierResolverFunc adapts a function to a TierResolver.
type TierResolverFunc func(tenantID string) priority.Priority

func (f TierResolverFunc) ResolveTier(tenantID string) priority.Priority {
	return f(tenantID)
}

// RejectedEvent describes an admission rejection, for metrics listeners.
type RejectedEvent struct {
	TenantID string
	Scope    Scope
	Priority priority.Priority
}

// State is a point-in-time snapshot of the limiter for one tenant. Reading it
// has no side effects; in particular it never creates a tenant semaphore.
type State struct {
	GlobalInFlight      int
	GlobalQueueDepth    int
	GlobalMaxConcurrent int
	TenantInFlight      int
	TenantQueueDepth    int
	TenantMaxConcurrent int
	// TenantTracked is false when the tenant has no semaphore yet, in which case
	// the tenant fields are zero.
	TenantTracked bool
}

// Builder builds ConcurrencyLimiter instances.
//
// This type is not concurrency safe.
type Builder interface {
	// WithProvider configures the capacity configuration provider. The provider
	// is consulted on every acquire, so hot-reloaded capacity changes apply to
	// the next admission decision.
	WithProvider(provider capacity.Provider) Builder

	// WithAuditSink configures the sink receiving saturation events.
	WithAuditSink(sink audit.Sink) Builder

	// WithTierResolver configures how tenant tiers are resolved. The default
	// resolves every tenant to PriorityNormal.
	WithTierResolver(resolver TierResolver) Builder

	// WithLogger configures a logger which provides debug logging of admission
	// decisions.
	WithLogger(logger *slog.Logger) Builder

	// OnRejected registers the listener to be called when an admission is
	// rejected.
	OnRejected(listener func(RejectedEvent)) Builder

	// Build returns a new ConcurrencyLimiter using the builder's configuration.
	Build() *ConcurrencyLimiter
}

type config struct {
	provider   capacity.Provider
	sink       audit.Sink
	tiers      TierResolver
	logger     *slog.Logger
	onRejected func(RejectedEvent)
}

var _ Builder = &config{}

// NewBuilder returns a ConcurrencyLimiter Builder.
func NewBuilder() Builder {
	return &config{}
}

// New returns a ConcurrencyLimiter with default configuration.
func New() *ConcurrencyLimiter {
	return NewBuilder().Build()
}

func (c *config) WithProvider(provider capacity.Provider) Builder {
	c.provider = provider
	return c
}

func (c *config) WithAuditSink(sink audit.Sink) Builder {
	c.sink = sink
	return c
}

func (c *config) WithTierResolver(resolver TierResolver) Builder {
	c.tiers = resolver
	return c
}

func (c *config) WithLogger(logger *slog.Logger) Builder {
	c.logger = logger
	return c
}

func (c *config) OnRejected(listener func(RejectedEvent)) Builder {
	c.onRejected = listener
	return c
}

func (c *config) Build() *ConcurrencyLimiter {
	cCopy := *c
	if cCopy.provider == nil {
		cCopy.provider = capacity.NewStatic(capacity.Default())
	}
	if cCopy.sink == nil {
		cCopy.sink = audit.Discard
	}
	if cCopy.tiers == nil {
		cCopy.tiers = TierResolverFunc(func(string) priority.Priority {
			return priority.PriorityNormal
		})
	}
	cfg := cCopy.provider.Capacity()
	return &ConcurrencyLimiter{
		config:  &cCopy,
		global:  NewDynamicSemaphore(cfg.GlobalMaxConcurrent),
		tenants: make(map[string]*DynamicSemaphore),
	}
}

// ConcurrencyLimiter gates admission to operations with a global semaphore and
// one lazily created semaphore per tenant. Both semaphores are resized to the
// provider's current capacity on every acquire.
//
// This type is concurrency safe.
type ConcurrencyLimiter struct {
	config *config
	global *DynamicSemaphore

	mu      sync.Mutex
	tenants map[string]*DynamicSemaphore // Guarded by mu
}

// Acquire admits the operation or rejects it with a ConcurrencyLimitExceededError.
// The global slot is taken first, then the tenant slot; a tenant-level rejection
// rolls the global slot back. On success the returned release function must be
// called exactly once per admission; extra calls are no-ops.
func (l *ConcurrencyLimiter) Acquire(ctx context.Context, op *guardrail.OperationContext) (func(), error) {
	cfg := l.config.provider.Capacity()

	l.global.SetMaxConcurrent(cfg.GlobalMaxConcurrent)
	if !l.global.Acquire(ctx, cfg.GlobalAcquireTimeout, cfg.GlobalQueueMaxDepth) {
		l.reject(ctx, op, ScopeGlobal, audit.SeverityCritical, audit.ActionGlobalSaturated, cfg)
		return nil, &ConcurrencyLimitExceededError{TenantID: op.TenantID, Scope: ScopeGlobal, Priority: op.Priority}
	}

	tenant := l.tenantSemaphore(op.TenantID, cfg)
	if !tenant.Acquire(ctx, cfg.PerTenantAcquireTimeout, cfg.PerTenantQueueMaxDepth) {
		l.global.Release()
		l.reject(ctx, op, ScopeTenant, audit.SeverityHigh, audit.ActionTenantSaturated, cfg)
		return nil, &ConcurrencyLimitExceededError{TenantID: op.TenantID, Scope: ScopeTenant, Priority: op.Priority}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			tenant.Release()
			l.global.Release()
		})
	}, nil
}

// Run admits the operation, invokes fn, and releases on every exit path.
func (l *ConcurrencyLimiter) Run(ctx context.Context, op *guardrail.OperationContext, fn func(context.Context) error) error {
	release, err := l.Acquire(ctx, op)
	if err != nil {
		return err
	}
	defer release()
	return fn(ctx)
}

// Execute admits the operation via the limiter, invokes fn, and releases on
// every exit path, returning fn's result.
func Execute[R any](ctx context.Context, l *ConcurrencyLimiter, op *guardrail.OperationContext, fn func(context.Context) (R, error)) (R, error) {
	release, err := l.Acquire(ctx, op)
	if err != nil {
		var zero R
		return zero, err
	}
	defer release()
	return fn(ctx)
}

// State returns an observability snapshot for the tenant.
func (l *ConcurrencyLimiter) State(tenantID string) State {
	state := State{
		GlobalInFlight:      l.global.InFlight(),
		GlobalQueueDepth:    l.global.QueueDepth(),
		GlobalMaxConcurrent: l.global.MaxConcurrent(),
	}
	l.mu.Lock()
	tenant := l.tenants[tenantID]
	l.mu.Unlock()
	if tenant != nil {
		state.TenantTracked = true
		state.TenantInFlight = tenant.InFlight()
		state.TenantQueueDepth = tenant.QueueDepth()
		state.TenantMaxConcurrent = tenant.MaxConcurrent()
	}
	return state
}

// Clear discards all tenant semaphores. Intended for tests and operational
// resets; in-flight holders keep their release closures and drain harmlessly.
func (l *ConcurrencyLimiter) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tenants = make(map[string]*DynamicSemaphore)
}

// tenantSemaphore returns the tenant's semaphore, creating it lazily and
// resizing it to the tenant's tier-scaled cap.
func (l *ConcurrencyLimiter) tenantSemaphore(tenantID string, cfg capacity.Config) *DynamicSemaphore {
	tier := l.config.tiers.ResolveTier(tenantID)
	maxConcurrent := int(float64(cfg.PerTenantMaxConcurrent) * cfg.TierMultiplier(tier))
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}

	l.mu.Lock()
	tenant := l.tenants[tenantID]
	if tenant == nil {
		tenant = NewDynamicSemaphore(maxConcurrent)
		l.tenants[tenantID] = tenant
	}
	l.mu.Unlock()

	tenant.SetMaxConcurrent(maxConcurrent)
	return tenant
}

func (l *ConcurrencyLimiter) reject(ctx context.Context, op *guardrail.OperationContext, scope Scope, severity audit.Severity, action string, cfg capacity.Config) {
	state := l.State(op.TenantID)
	l.config.sink.LogSecurityEvent(ctx, audit.Event{
		TenantID:      op.TenantID,
		ActorID:       op.UserID,
		Action:        action,
		ResourceType:  "concurrency",
		ResourceID:    op.ResourceName,
		Outcome:       audit.OutcomeDenied,
		CorrelationID: op.CorrelationID,
		Severity:      severity,
		Metadata: map[string]any{
			"scope":            string(scope),
			"priority":         op.Priority.String(),
			"globalInFlight":   state.GlobalInFlight,
			"globalQueueDepth": state.GlobalQueueDepth,
			"tenantInFlight":   state.TenantInFlight,
			"tenantQueueDepth": state.TenantQueueDepth,
		},
	})
	if l.config.logger != nil {
		l.config.logger.Debug("admission rejected",
			"tenant", op.TenantID,
			"scope", string(scope),
			"priority", op.Priority.String(),
			"globalMax", cfg.GlobalMaxConcurrent,
			"tenantMax", cfg.PerTenantMaxConcurrent,
		)
	}
	if l.config.onRejected != nil {
		l.config.onRejected(RejectedEvent{TenantID: op.TenantID, Scope: scope, Priority: op.Priority})
	}
}
