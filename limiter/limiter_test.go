package limiter

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	guardrail "github.com/guardrail-go/guardrail-go"
	"github.com/guardrail-go/guardrail-go/audit"
	"github.com/guardrail-go/guardrail-go/capacity"
	"github.com/guardrail-go/guardrail-go/idempotency"
	"github.com/guardrail-go/guardrail-go/priority"
)

func testConfig() capacity.Config {
	cfg := capacity.Default()
	cfg.GlobalMaxConcurrent = 2
	cfg.GlobalQueueMaxDepth = 0
	cfg.GlobalAcquireTimeout = 20 * time.Millisecond
	cfg.PerTenantMaxConcurrent = 1
	cfg.PerTenantQueueMaxDepth = 0
	cfg.PerTenantAcquireTimeout = 20 * time.Millisecond
	cfg.TierMultipliers = map[priority.Priority]float64{}
	return cfg
}

func testOp(tenantID string) *guardrail.OperationContext {
	return &guardrail.OperationContext{
		TenantID:      tenantID,
		UserID:        "u1",
		CorrelationID: "corr-1",
		Priority:      priority.PriorityHigh,
		ResourceName:  "invoice",
	}
}

func TestLimiterAcquireRelease(t *testing.T) {
	l := NewBuilder().WithProvider(capacity.NewStatic(testConfig())).Build()

	release, err := l.Acquire(context.Background(), testOp("t1"))
	require.NoError(t, err)

	state := l.State("t1")
	assert.Equal(t, 1, state.GlobalInFlight)
	assert.True(t, state.TenantTracked)
	assert.Equal(t, 1, state.TenantInFlight)
	assert.Equal(t, 1, state.TenantMaxConcurrent)

	release()
	state = l.State("t1")
	assert.Equal(t, 0, state.GlobalInFlight)
	assert.Equal(t, 0, state.TenantInFlight)
}

func TestLimiterReleaseIsIdempotent(t *testing.T) {
	l := NewBuilder().WithProvider(capacity.NewStatic(testConfig())).Build()

	release, err := l.Acquire(context.Background(), testOp("t1"))
	require.NoError(t, err)
	release()
	release()
	release()

	assert.Equal(t, 0, l.State("t1").GlobalInFlight)
}

func TestLimiterTenantSaturation(t *testing.T) {
	sink := audit.NewMemorySink()
	l := NewBuilder().
		WithProvider(capacity.NewStatic(testConfig())).
		WithAuditSink(sink).
		Build()

	release, err := l.Acquire(context.Background(), testOp("t1"))
	require.NoError(t, err)
	defer release()

	_, err = l.Acquire(context.Background(), testOp("t1"))
	var limitErr *ConcurrencyLimitExceededError
	require.ErrorAs(t, err, &limitErr)
	assert.Equal(t, ScopeTenant, limitErr.Scope)
	assert.Equal(t, "t1", limitErr.TenantID)
	assert.Equal(t, priority.PriorityHigh, limitErr.Priority)

	// The global slot taken for the rejected acquire must be rolled back.
	assert.Equal(t, 1, l.State("t1").GlobalInFlight)

	events := sink.EventsFor(audit.ActionTenantSaturated)
	require.Len(t, events, 1)
	assert.Equal(t, audit.SeverityHigh, events[0].Severity)
	assert.Equal(t, audit.OutcomeDenied, events[0].Outcome)
	assert.Equal(t, "corr-1", events[0].CorrelationID)
}

func TestLimiterGlobalSaturation(t *testing.T) {
	sink := audit.NewMemorySink()
	l := NewBuilder().
		WithProvider(capacity.NewStatic(testConfig())).
		WithAuditSink(sink).
		Build()

	r1, err := l.Acquire(context.Background(), testOp("t1"))
	require.NoError(t, err)
	defer r1()
	r2, err := l.Acquire(context.Background(), testOp("t2"))
	require.NoError(t, err)
	defer r2()

	_, err = l.Acquire(context.Background(), testOp("t3"))
	var limitErr *ConcurrencyLimitExceededError
	require.ErrorAs(t, err, &limitErr)
	assert.Equal(t, ScopeGlobal, limitErr.Scope)

	events := sink.EventsFor(audit.ActionGlobalSaturated)
	require.Len(t, events, 1)
	assert.Equal(t, audit.SeverityCritical, events[0].Severity)
}

func TestLimiterOtherTenantUnaffectedBySaturation(t *testing.T) {
	l := NewBuilder().WithProvider(capacity.NewStatic(testConfig())).Build()

	release, err := l.Acquire(context.Background(), testOp("t1"))
	require.NoError(t, err)
	defer release()

	_, err = l.Acquire(context.Background(), testOp("t1"))
	require.Error(t, err)

	r2, err := l.Acquire(context.Background(), testOp("t2"))
	require.NoError(t, err)
	r2()
}

func TestLimiterTierMultiplierScalesTenantCap(t *testing.T) {
	cfg := testConfig()
	cfg.PerTenantMaxConcurrent = 2
	cfg.TierMultipliers = map[priority.Priority]float64{
		priority.PriorityHigh: 1.5,
		priority.PriorityLow:  0.1,
	}
	l := NewBuilder().
		WithProvider(capacity.NewStatic(cfg)).
		WithTierResolver(TierResolverFunc(func(tenantID string) priority.Priority {
			if tenantID == "enterprise" {
				return priority.PriorityHigh
			}
			return priority.PriorityLow
		})).
		Build()

	release, err := l.Acquire(context.Background(), testOp("enterprise"))
	require.NoError(t, err)
	defer release()
	// floor(2 * 1.5) = 3
	assert.Equal(t, 3, l.State("enterprise").TenantMaxConcurrent)

	release2, err := l.Acquire(context.Background(), testOp("free"))
	require.NoError(t, err)
	defer release2()
	// floor(2 * 0.1) = 0, clamped to the minimum of 1
	assert.Equal(t, 1, l.State("free").TenantMaxConcurrent)
}

func TestLimiterHotReload(t *testing.T) {
	store := capacity.NewStore(testConfig())
	l := NewBuilder().WithProvider(store).Build()

	r1, err := l.Acquire(context.Background(), testOp("t1"))
	require.NoError(t, err)
	defer r1()
	_, err = l.Acquire(context.Background(), testOp("t1"))
	require.Error(t, err)

	next := testConfig()
	next.PerTenantMaxConcurrent = 2
	require.NoError(t, store.Update(next))

	r2, err := l.Acquire(context.Background(), testOp("t1"))
	require.NoError(t, err)
	r2()
}

func TestLimiterRunReleasesOnError(t *testing.T) {
	l := NewBuilder().WithProvider(capacity.NewStatic(testConfig())).Build()

	opErr := errors.New("boom")
	err := l.Run(context.Background(), testOp("t1"), func(context.Context) error {
		return opErr
	})
	assert.ErrorIs(t, err, opErr)
	assert.Equal(t, 0, l.State("t1").GlobalInFlight)
}

func TestLimiterRunReleasesOnPanic(t *testing.T) {
	l := NewBuilder().WithProvider(capacity.NewStatic(testConfig())).Build()

	assert.Panics(t, func() {
		_ = l.Run(context.Background(), testOp("t1"), func(context.Context) error {
			panic("boom")
		})
	})
	assert.Equal(t, 0, l.State("t1").GlobalInFlight)
}

func TestLimiterExecuteReturnsResult(t *testing.T) {
	l := NewBuilder().WithProvider(capacity.NewStatic(testConfig())).Build()

	result, err := Execute(context.Background(), l, testOp("t1"), func(context.Context) (string, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
}

func TestLimiterRejectedListener(t *testing.T) {
	var events []RejectedEvent
	l := NewBuilder().
		WithProvider(capacity.NewStatic(testConfig())).
		OnRejected(func(e RejectedEvent) { events = append(events, e) }).
		Build()

	release, err := l.Acquire(context.Background(), testOp("t1"))
	require.NoError(t, err)
	defer release()
	_, _ = l.Acquire(context.Background(), testOp("t1"))

	require.Len(t, events, 1)
	assert.Equal(t, ScopeTenant, events[0].Scope)
}

func TestLimiterClear(t *testing.T) {
	l := NewBuilder().WithProvider(capacity.NewStatic(testConfig())).Build()

	release, err := l.Acquire(context.Background(), testOp("t1"))
	require.NoError(t, err)
	release()
	assert.True(t, l.State("t1").TenantTracked)

	l.Clear()
	assert.False(t, l.State("t1").TenantTracked)
}

func TestLimiterWithIdempotentDuplicatesConverges(t *testing.T) {
	cfg := testConfig()
	cfg.PerTenantQueueMaxDepth = 1
	cfg.PerTenantAcquireTimeout = time.Second
	l := NewBuilder().WithProvider(capacity.NewStatic(cfg)).Build()
	m := idempotency.New()
	input := idempotency.KeyInput{
		OperationType: "BILLING_CHARGE",
		Scope:         idempotency.ScopeTenant,
		TenantID:      "t1",
		ResourceID:    "invoice-9",
	}

	var calls atomic.Int32
	var results [2]string
	var errs [2]error
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = Execute(context.Background(), l, testOp("t1"), func(ctx context.Context) (string, error) {
				return idempotency.Execute(ctx, m, input, func(context.Context) (string, error) {
					calls.Add(1)
					time.Sleep(10 * time.Millisecond)
					return "charged", nil
				})
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load(), "duplicates through the full pipeline must execute once")
	for i := 0; i < 2; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "charged", results[i])
	}
	state := l.State("t1")
	assert.Equal(t, 0, state.GlobalInFlight)
	assert.Equal(t, 0, state.TenantInFlight)
}
