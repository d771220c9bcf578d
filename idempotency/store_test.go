package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pendingRecord(key string, now time.Time) *Record {
	return &Record{
		Key:           key,
		OperationType: "TEST",
		Scope:         ScopeTenant,
		Status:        StatusPending,
		CreatedAt:     now,
		ExpiresAt:     now.Add(time.Hour),
		MaxExecutions: 1,
	}
}

func TestMemoryStoreCreateIsAtomic(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now()

	_, created, err := store.Create(context.Background(), pendingRecord("k1", now))
	require.NoError(t, err)
	assert.True(t, created)

	existing, created, err := store.Create(context.Background(), pendingRecord("k1", now))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "k1", existing.Key)
}

func TestMemoryStoreStartExecutionCAS(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now()
	_, _, err := store.Create(context.Background(), pendingRecord("k1", now))
	require.NoError(t, err)

	won, err := store.StartExecution(context.Background(), "k1", now)
	require.NoError(t, err)
	assert.True(t, won)

	// Not PENDING anymore.
	won, err = store.StartExecution(context.Background(), "k1", now)
	require.NoError(t, err)
	assert.False(t, won)

	rec, found, err := store.Get(context.Background(), "k1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, StatusInProgress, rec.Status)
	assert.Equal(t, 1, rec.ExecutionCount)
	assert.Equal(t, now, rec.LastExecutedAt)
}

func TestMemoryStoreStartExecutionHonorsMaxExecutions(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now()
	rec := pendingRecord("k1", now)
	rec.ExecutionCount = 1
	_, _, err := store.Create(context.Background(), rec)
	require.NoError(t, err)

	won, err := store.StartExecution(context.Background(), "k1", now)
	require.NoError(t, err)
	assert.False(t, won)
}

func TestMemoryStoreCompleteRequiresInProgress(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now()
	_, _, err := store.Create(context.Background(), pendingRecord("k1", now))
	require.NoError(t, err)

	ok, err := store.Complete(context.Background(), "k1", StatusCompleted, "ok", "")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = store.StartExecution(context.Background(), "k1", now)
	require.NoError(t, err)
	ok, err = store.Complete(context.Background(), "k1", StatusCompleted, "ok", "")
	require.NoError(t, err)
	assert.True(t, ok)

	rec, _, err := store.Get(context.Background(), "k1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, rec.Status)
	assert.Equal(t, "ok", rec.Result)
}

func TestMemoryStoreFailStaleCutoff(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now()
	_, _, err := store.Create(context.Background(), pendingRecord("k1", now))
	require.NoError(t, err)
	_, err = store.StartExecution(context.Background(), "k1", now)
	require.NoError(t, err)

	// Started at the cutoff is not yet stale.
	ok, err := store.FailStale(context.Background(), "k1", now, "timed out")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = store.FailStale(context.Background(), "k1", now.Add(time.Minute), "timed out")
	require.NoError(t, err)
	assert.True(t, ok)

	rec, _, err := store.Get(context.Background(), "k1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, rec.Status)
	assert.Equal(t, "timed out", rec.ErrorMessage)
}

func TestMemoryStoreGetReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now()
	_, _, err := store.Create(context.Background(), pendingRecord("k1", now))
	require.NoError(t, err)

	rec, _, err := store.Get(context.Background(), "k1")
	require.NoError(t, err)
	rec.Status = StatusCompleted

	fresh, _, err := store.Get(context.Background(), "k1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, fresh.Status)
}

func TestMemoryStoreDeleteExpired(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now()
	_, _, err := store.Create(context.Background(), pendingRecord("k1", now.Add(-2*time.Hour)))
	require.NoError(t, err)
	_, _, err = store.Create(context.Background(), pendingRecord("k2", now))
	require.NoError(t, err)

	removed, err := store.DeleteExpired(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	records, err := store.Snapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "k2", records[0].Key)
}
