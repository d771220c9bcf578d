// Package retrypolicy wraps operations with bounded exponential backoff and
// jitter. An operation that keeps failing, or fails with a non-retryable error,
// surfaces a RetryExhaustedError after a RETRY_EXHAUSTED audit event.
package retrypolicy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	guardrail "github.com/guardrail-go/guardrail-go"
	"github.com/guardrail-go/guardrail-go/audit"
	"github.com/guardrail-go/guardrail-go/internal/util"
)

const (
	defaultMaxAttempts = 3
	defaultBaseDelay   = 100 * time.Millisecond
	defaultMaxDelay    = 5 * time.Second
	defaultMultiplier  = 2.0
	defaultJitterRatio = 0.1
)

// RetryExhaustedError is returned when an operation fails with a non-retryable
// error or keeps failing until no attempts remain. It wraps the last error.
type RetryExhaustedError struct {
	OperationName string
	Attempts      int
	lastErr       error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted for %s after %d attempts: %v", e.OperationName, e.Attempts, e.lastErr)
}

func (e *RetryExhaustedError) Unwrap() error {
	return e.lastErr
}

// AttemptEvent describes one failed attempt, for listeners.
type AttemptEvent struct {
	OperationName string
	Attempt       int
	Delay         time.Duration
	Err           error
}

// Builder builds RetryPolicy instances.
//
// This type is not concurrency safe.
type Builder interface {
	// WithMaxAttempts sets the max number of execution attempts to perform,
	// including the first. The default is 3.
	WithMaxAttempts(maxAttempts int) Builder

	// WithBackoff sets the delay between attempts, exponentially backing off from
	// baseDelay to maxDelay.
	WithBackoff(baseDelay time.Duration, maxDelay time.Duration) Builder

	// WithBackoffFactor sets the multiplier applied to consecutive delays. The
	// default is 2.
	WithBackoffFactor(multiplier float64) Builder

	// WithJitterRatio sets the ratio of each delay to randomly add to it. A delay
	// of 100ms with a ratio of 0.1 sleeps between 100ms and 110ms. Zero disables
	// jitter. The default is 0.1.
	WithJitterRatio(jitterRatio float64) Builder

	// HandleIf sets the predicate deciding whether an error is retryable. A
	// non-retryable error stops the attempt loop immediately. By default every
	// error is retryable.
	HandleIf(retryable func(error) bool) Builder

	// WithAuditSink configures the sink receiving exhaustion events.
	WithAuditSink(sink audit.Sink) Builder

	// WithLogger configures a logger which provides debug logging of retry
	// attempts.
	WithLogger(logger *slog.Logger) Builder

	// WithRandom configures the jitter randomness source, for deterministic
	// tests.
	WithRandom(random util.Random) Builder

	// OnRetryScheduled registers the listener to be called when a failed attempt
	// schedules a retry, before the backoff sleep.
	OnRetryScheduled(listener func(AttemptEvent)) Builder

	// Build returns a new RetryPolicy using the builder's configuration.
	Build() *RetryPolicy
}

type config struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	multiplier  float64
	jitterRatio float64
	retryable   func(error) bool
	sink        audit.Sink
	logger      *slog.Logger
	random      util.Random
	onScheduled func(AttemptEvent)
}

var _ Builder = &config{}

// NewBuilder returns a RetryPolicy Builder.
func NewBuilder() Builder {
	return &config{
		maxAttempts: defaultMaxAttempts,
		baseDelay:   defaultBaseDelay,
		maxDelay:    defaultMaxDelay,
		multiplier:  defaultMultiplier,
		jitterRatio: defaultJitterRatio,
	}
}

// New returns a RetryPolicy with default configuration.
func New() *RetryPolicy {
	return NewBuilder().Build()
}

func (c *config) WithMaxAttempts(maxAttempts int) Builder {
	c.maxAttempts = maxAttempts
	return c
}

func (c *config) WithBackoff(baseDelay time.Duration, maxDelay time.Duration) Builder {
	c.baseDelay = baseDelay
	c.maxDelay = maxDelay
	return c
}

func (c *config) WithBackoffFactor(multiplier float64) Builder {
	c.multiplier = multiplier
	return c
}

func (c *config) WithJitterRatio(jitterRatio float64) Builder {
	c.jitterRatio = jitterRatio
	return c
}

func (c *config) HandleIf(retryable func(error) bool) Builder {
	c.retryable = retryable
	return c
}

func (c *config) WithAuditSink(sink audit.Sink) Builder {
	c.sink = sink
	return c
}

func (c *config) WithLogger(logger *slog.Logger) Builder {
	c.logger = logger
	return c
}

func (c *config) WithRandom(random util.Random) Builder {
	c.random = random
	return c
}

func (c *config) OnRetryScheduled(listener func(AttemptEvent)) Builder {
	c.onScheduled = listener
	return c
}

func (c *config) Build() *RetryPolicy {
	cCopy := *c
	if cCopy.maxAttempts < 1 {
		cCopy.maxAttempts = 1
	}
	if cCopy.retryable == nil {
		cCopy.retryable = func(error) bool { return true }
	}
	if cCopy.sink == nil {
		cCopy.sink = audit.Discard
	}
	if cCopy.random == nil {
		cCopy.random = util.NewRandom()
	}
	return &RetryPolicy{config: &cCopy}
}

// RetryPolicy retries failing operations with exponential backoff. The policy
// itself is stateless across calls; each Run carries its own attempt counter.
//
// This type is concurrency safe.
type RetryPolicy struct {
	config *config
}

// Run invokes fn up to the configured max attempts, sleeping between failed
// attempts. A nil error from fn returns immediately. A non-retryable error or
// an exhausted attempt budget emits a RETRY_EXHAUSTED audit event and returns a
// RetryExhaustedError wrapping the last error. The backoff sleep honors ctx
// cancellation.
func (p *RetryPolicy) Run(ctx context.Context, op *guardrail.OperationContext, fn func(context.Context) error) error {
	_, err := Execute(ctx, p, op, func(ctx context.Context) (any, error) {
		return nil, fn(ctx)
	})
	return err
}

// Execute invokes fn with the policy's retry semantics, returning fn's result.
func Execute[R any](ctx context.Context, p *RetryPolicy, op *guardrail.OperationContext, fn func(context.Context) (R, error)) (R, error) {
	var zero R
	c := p.config

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !c.retryable(err) || attempt == c.maxAttempts {
			p.exhaust(ctx, op, attempt, err)
			return zero, &RetryExhaustedError{OperationName: op.ResourceName, Attempts: attempt, lastErr: err}
		}

		delay := util.BackoffDelay(attempt, c.baseDelay, c.maxDelay, c.multiplier)
		delay = util.Jitter(delay, c.jitterRatio, c.random)
		if c.logger != nil {
			c.logger.Debug("retry scheduled",
				"operation", op.ResourceName,
				"tenant", op.TenantID,
				"attempt", attempt,
				"delay", delay,
				"error", err,
			)
		}
		if c.onScheduled != nil {
			c.onScheduled(AttemptEvent{OperationName: op.ResourceName, Attempt: attempt, Delay: delay, Err: err})
		}
		if err := sleep(ctx, delay); err != nil {
			return zero, err
		}
	}
	// Unreachable with maxAttempts >= 1; kept for the compiler.
	return zero, lastErr
}

func (p *RetryPolicy) exhaust(ctx context.Context, op *guardrail.OperationContext, attempts int, lastErr error) {
	p.config.sink.LogSecurityEvent(ctx, audit.Event{
		TenantID:      op.TenantID,
		ActorID:       op.UserID,
		Action:        audit.ActionRetryExhausted,
		ResourceType:  "retry",
		ResourceID:    op.ResourceName,
		Outcome:       audit.OutcomeFailure,
		CorrelationID: op.CorrelationID,
		Severity:      audit.SeverityHigh,
		Metadata: map[string]any{
			"attempts": attempts,
			"error":    lastErr.Error(),
		},
	})
	if p.config.logger != nil {
		p.config.logger.Warn("retries exhausted",
			"operation", op.ResourceName,
			"tenant", op.TenantID,
			"attempts", attempts,
			"error", lastErr,
		)
	}
}

func sleep(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
