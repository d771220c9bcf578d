package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guardrail-go/guardrail-go/internal/testutil"
)

func chargeInput() KeyInput {
	return KeyInput{
		OperationType: "BILLING_CHARGE",
		Scope:         ScopeTenant,
		TenantID:      "t1",
		ResourceID:    "invoice-9",
		Context:       map[string]any{"amount": 100},
	}
}

func TestCheckFirstSight(t *testing.T) {
	m := New()

	check, err := m.Check(context.Background(), chargeInput())
	require.NoError(t, err)
	assert.False(t, check.IsDuplicate)
	assert.True(t, check.ShouldExecute)
	assert.Equal(t, StatusPending, check.Status)
}

func TestCheckDuplicateWhilePending(t *testing.T) {
	m := New()

	_, err := m.Check(context.Background(), chargeInput())
	require.NoError(t, err)

	check, err := m.Check(context.Background(), chargeInput())
	require.NoError(t, err)
	assert.True(t, check.IsDuplicate)
	// Nobody has committed to running it yet, so a client retry may proceed.
	assert.True(t, check.ShouldExecute)
	assert.Equal(t, StatusPending, check.Status)
}

func TestCheckDuplicateWhileInProgress(t *testing.T) {
	m := New()

	first, err := m.Check(context.Background(), chargeInput())
	require.NoError(t, err)
	won, err := m.StartExecution(context.Background(), first.Key)
	require.NoError(t, err)
	require.True(t, won)

	check, err := m.Check(context.Background(), chargeInput())
	require.NoError(t, err)
	assert.True(t, check.IsDuplicate)
	assert.False(t, check.ShouldExecute)
	assert.Equal(t, StatusInProgress, check.Status)
}

func TestStartExecutionSingleWinner(t *testing.T) {
	m := New()
	first, err := m.Check(context.Background(), chargeInput())
	require.NoError(t, err)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			won, err := m.StartExecution(context.Background(), first.Key)
			assert.NoError(t, err)
			if won {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestExecuteCachesResult(t *testing.T) {
	m := New()
	var calls atomic.Int32

	run := func() (string, error) {
		return Execute(context.Background(), m, chargeInput(), func(context.Context) (string, error) {
			calls.Add(1)
			return "charged", nil
		})
	}

	result, err := run()
	require.NoError(t, err)
	assert.Equal(t, "charged", result)

	result, err = run()
	require.NoError(t, err)
	assert.Equal(t, "charged", result)
	assert.Equal(t, int32(1), calls.Load(), "duplicate must replay, not re-execute")
}

func TestExecuteReplaysFailure(t *testing.T) {
	m := New()
	var calls atomic.Int32
	opErr := errors.New("card declined")

	_, err := m.Execute(context.Background(), chargeInput(), func(context.Context) (any, error) {
		calls.Add(1)
		return nil, opErr
	})
	require.ErrorIs(t, err, opErr)

	_, err = m.Execute(context.Background(), chargeInput(), func(context.Context) (any, error) {
		calls.Add(1)
		return nil, nil
	})
	var replayed *ReplayedError
	require.ErrorAs(t, err, &replayed)
	assert.Equal(t, "card declined", replayed.Message)
	assert.Equal(t, int32(1), calls.Load())
}

func TestExecuteConcurrentCallersConverge(t *testing.T) {
	m := New()
	var calls atomic.Int32

	const n = 25
	results := make([]string, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = Execute(context.Background(), m, chargeInput(), func(context.Context) (string, error) {
				calls.Add(1)
				time.Sleep(10 * time.Millisecond)
				return "charged", nil
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load(), "body must execute exactly once")
	for i := 0; i < n; i++ {
		assert.NoError(t, errs[i])
		assert.Equal(t, "charged", results[i])
	}
}

func TestExecuteDistinctKeysAreIndependent(t *testing.T) {
	m := New()
	var calls atomic.Int32

	for _, tenant := range []string{"t1", "t2", "t3"} {
		in := chargeInput()
		in.TenantID = tenant
		_, err := m.Execute(context.Background(), in, func(context.Context) (any, error) {
			calls.Add(1)
			return tenant, nil
		})
		require.NoError(t, err)
	}
	assert.Equal(t, int32(3), calls.Load())
}

// serializingStore round-trips cached results through JSON on reads, the way a
// remote store such as RedisStore hands them back.
type serializingStore struct {
	KeyStore
}

func (s serializingStore) Get(ctx context.Context, key string) (*Record, bool, error) {
	rec, found, err := s.KeyStore.Get(ctx, key)
	if rec != nil && rec.Result != nil {
		b, marshalErr := json.Marshal(rec.Result)
		if marshalErr != nil {
			return nil, false, marshalErr
		}
		var v any
		if unmarshalErr := json.Unmarshal(b, &v); unmarshalErr != nil {
			return nil, false, unmarshalErr
		}
		rec.Result = v
	}
	return rec, found, err
}

func TestExecuteDecodesReplayFromSerializingStore(t *testing.T) {
	type receipt struct {
		ChargeID string `json:"chargeId"`
		Amount   int    `json:"amount"`
	}

	m := NewBuilder().WithStore(serializingStore{NewMemoryStore()}).Build()
	var calls atomic.Int32

	run := func() (receipt, error) {
		return Execute(context.Background(), m, chargeInput(), func(context.Context) (receipt, error) {
			calls.Add(1)
			return receipt{ChargeID: "ch_1", Amount: 100}, nil
		})
	}

	first, err := run()
	require.NoError(t, err)

	second, err := run()
	require.NoError(t, err)
	assert.Equal(t, first, second, "a replay that lost its concrete type must decode back into it")
	assert.Equal(t, int32(1), calls.Load())
}

func TestStaleInProgressIsReclaimed(t *testing.T) {
	clock := testutil.NewTestClock(time.Unix(1_700_000_000, 0))
	m := NewBuilder().WithClock(clock).WithStaleTimeout(5 * time.Minute).Build()

	first, err := m.Check(context.Background(), chargeInput())
	require.NoError(t, err)
	won, err := m.StartExecution(context.Background(), first.Key)
	require.NoError(t, err)
	require.True(t, won)

	// Not yet stale.
	clock.Advance(4 * time.Minute)
	check, err := m.Check(context.Background(), chargeInput())
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, check.Status)

	// Past the stale timeout the record is reclaimed as FAILED with the fixed
	// message.
	clock.Advance(2 * time.Minute)
	check, err = m.Check(context.Background(), chargeInput())
	require.NoError(t, err)
	assert.True(t, check.IsDuplicate)
	assert.False(t, check.ShouldExecute)
	assert.Equal(t, StatusFailed, check.Status)
	var replayed *ReplayedError
	require.ErrorAs(t, check.Err, &replayed)
	assert.Equal(t, "Previous execution timed out", replayed.Message)
}

func TestExpiredRecordIsFresh(t *testing.T) {
	clock := testutil.NewTestClock(time.Unix(1_700_000_000, 0))
	m := NewBuilder().WithClock(clock).WithTTL(time.Hour).Build()
	var calls atomic.Int32

	run := func() {
		_, err := m.Execute(context.Background(), chargeInput(), func(context.Context) (any, error) {
			calls.Add(1)
			return "ok", nil
		})
		require.NoError(t, err)
	}

	run()
	run()
	assert.Equal(t, int32(1), calls.Load())

	clock.Advance(2 * time.Hour)
	run()
	assert.Equal(t, int32(2), calls.Load(), "expired inputs are a brand-new operation")
}

func TestCleanupExpiredKeys(t *testing.T) {
	clock := testutil.NewTestClock(time.Unix(1_700_000_000, 0))
	m := NewBuilder().WithClock(clock).WithTTL(time.Hour).Build()

	_, err := m.Check(context.Background(), chargeInput())
	require.NoError(t, err)

	removed, err := m.CleanupExpiredKeys(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, removed)

	clock.Advance(2 * time.Hour)
	removed, err = m.CleanupExpiredKeys(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}

func TestGetStatistics(t *testing.T) {
	m := New()

	_, err := m.Execute(context.Background(), chargeInput(), func(context.Context) (any, error) {
		return "ok", nil
	})
	require.NoError(t, err)

	refund := KeyInput{OperationType: "BILLING_REFUND", Scope: ScopeUser, TenantID: "t1", UserID: "u1"}
	_, err = m.Check(context.Background(), refund)
	require.NoError(t, err)

	stats, err := m.GetStatistics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.ByStatus[StatusCompleted])
	assert.Equal(t, 1, stats.ByStatus[StatusPending])
	assert.Equal(t, 1, stats.ByScope[ScopeTenant])
	assert.Equal(t, 1, stats.ByOperationType["BILLING_REFUND"])
}

func TestClearKeyStore(t *testing.T) {
	m := New()
	_, err := m.Check(context.Background(), chargeInput())
	require.NoError(t, err)

	require.NoError(t, m.ClearKeyStore(context.Background()))
	stats, err := m.GetStatistics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Total)
}

func TestOnDuplicateListener(t *testing.T) {
	var duplicates atomic.Int32
	m := NewBuilder().
		OnDuplicate(func(CheckResult) { duplicates.Add(1) }).
		Build()

	_, err := m.Check(context.Background(), chargeInput())
	require.NoError(t, err)
	assert.Equal(t, int32(0), duplicates.Load())

	_, err = m.Check(context.Background(), chargeInput())
	require.NoError(t, err)
	assert.Equal(t, int32(1), duplicates.Load())
}

func TestCompleteExecutionRequiresInProgress(t *testing.T) {
	m := New()
	check, err := m.Check(context.Background(), chargeInput())
	require.NoError(t, err)

	assert.Error(t, m.CompleteExecution(context.Background(), check.Key, "ok", nil))
}
