package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// KeyStore persists idempotency records. Each mutating method is atomic with
// respect to concurrent callers of the same key; the manager's correctness rests
// on Create and StartExecution behaving as compare-and-swap operations.
//
// Implementations must be concurrency safe.
type KeyStore interface {
	// Get returns a copy of the record for the key, if present.
	Get(ctx context.Context, key string) (*Record, bool, error)

	// Create inserts the record if the key is absent. It returns the record now
	// stored for the key and whether this call inserted it.
	Create(ctx context.Context, record *Record) (*Record, bool, error)

	// StartExecution atomically transitions the key from PENDING to IN_PROGRESS,
	// stamping lastExecutedAt with now and incrementing executionCount. It
	// returns false when the record is missing, not PENDING, or has used up
	// maxExecutions.
	StartExecution(ctx context.Context, key string, now time.Time) (bool, error)

	// Complete atomically transitions the key from IN_PROGRESS to the terminal
	// status, caching the result or error message. It returns false when the
	// record is missing or not IN_PROGRESS.
	Complete(ctx context.Context, key string, status Status, result any, errorMessage string) (bool, error)

	// FailStale transitions the key to FAILED with the message when it is
	// IN_PROGRESS and lastExecutedAt is before the cutoff.
	FailStale(ctx context.Context, key string, cutoff time.Time, message string) (bool, error)

	// Delete removes the record for the key.
	Delete(ctx context.Context, key string) error

	// DeleteExpired removes records whose expiresAt is before now and returns
	// how many were removed.
	DeleteExpired(ctx context.Context, now time.Time) (int, error)

	// Snapshot returns copies of all records, for statistics.
	Snapshot(ctx context.Context) ([]*Record, error)

	// Clear removes all records.
	Clear(ctx context.Context) error
}

const memoryStoreShards = 16

// MemoryStore is an in-process KeyStore sharded by key hash, with one lock per
// shard.
//
// This type is concurrency safe.
type MemoryStore struct {
	shards [memoryStoreShards]memoryShard
}

type memoryShard struct {
	mu      sync.Mutex
	records map[string]*Record
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{}
	for i := range s.shards {
		s.shards[i].records = make(map[string]*Record)
	}
	return s
}

func (s *MemoryStore) shard(key string) *memoryShard {
	return &s.shards[xxhash.Sum64String(key)%memoryStoreShards]
}

func (s *MemoryStore) Get(_ context.Context, key string) (*Record, bool, error) {
	shard := s.shard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	if rec, ok := shard.records[key]; ok {
		return rec.clone(), true, nil
	}
	return nil, false, nil
}

func (s *MemoryStore) Create(_ context.Context, record *Record) (*Record, bool, error) {
	shard := s.shard(record.Key)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	if existing, ok := shard.records[record.Key]; ok {
		return existing.clone(), false, nil
	}
	shard.records[record.Key] = record.clone()
	return record.clone(), true, nil
}

func (s *MemoryStore) StartExecution(_ context.Context, key string, now time.Time) (bool, error) {
	shard := s.shard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	rec, ok := shard.records[key]
	if !ok || rec.Status != StatusPending {
		return false, nil
	}
	if rec.MaxExecutions > 0 && rec.ExecutionCount >= rec.MaxExecutions {
		return false, nil
	}
	rec.Status = StatusInProgress
	rec.LastExecutedAt = now
	rec.ExecutionCount++
	return true, nil
}

func (s *MemoryStore) Complete(_ context.Context, key string, status Status, result any, errorMessage string) (bool, error) {
	shard := s.shard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	rec, ok := shard.records[key]
	if !ok || rec.Status != StatusInProgress {
		return false, nil
	}
	rec.Status = status
	rec.Result = result
	rec.ErrorMessage = errorMessage
	return true, nil
}

func (s *MemoryStore) FailStale(_ context.Context, key string, cutoff time.Time, message string) (bool, error) {
	shard := s.shard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	rec, ok := shard.records[key]
	if !ok || rec.Status != StatusInProgress || !rec.LastExecutedAt.Before(cutoff) {
		return false, nil
	}
	rec.Status = StatusFailed
	rec.ErrorMessage = message
	return true, nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	shard := s.shard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	delete(shard.records, key)
	return nil
}

func (s *MemoryStore) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	removed := 0
	for i := range s.shards {
		shard := &s.shards[i]
		shard.mu.Lock()
		for key, rec := range shard.records {
			if rec.ExpiresAt.Before(now) {
				delete(shard.records, key)
				removed++
			}
		}
		shard.mu.Unlock()
	}
	return removed, nil
}

func (s *MemoryStore) Snapshot(_ context.Context) ([]*Record, error) {
	var out []*Record
	for i := range s.shards {
		shard := &s.shards[i]
		shard.mu.Lock()
		for _, rec := range shard.records {
			out = append(out, rec.clone())
		}
		shard.mu.Unlock()
	}
	return out, nil
}

func (s *MemoryStore) Clear(_ context.Context) error {
	for i := range s.shards {
		shard := &s.shards[i]
		shard.mu.Lock()
		shard.records = make(map[string]*Record)
		shard.mu.Unlock()
	}
	return nil
}
