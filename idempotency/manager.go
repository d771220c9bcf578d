// Package idempotency guarantees at-most-one effective execution of a
// side-effecting operation per logical key, under concurrent duplicates and
// client retries. Every caller, first or duplicate, observes the same terminal
// outcome until the key's TTL expires.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/guardrail-go/guardrail-go/internal/util"
)

const (
	defaultTTL          = 24 * time.Hour
	defaultStaleTimeout = 5 * time.Minute

	// staleMessage is the fixed failure message recorded when an abandoned
	// IN_PROGRESS record is reclaimed.
	staleMessage = "Previous execution timed out"
)

// ErrExecutionInProgress is returned to a duplicate caller while the operation
// is running in another process and no cached outcome exists yet.
var ErrExecutionInProgress = errors.New("idempotent execution already in progress")

// ReplayedError is the error returned to duplicate callers of a key whose
// execution failed. Only the message of the original error survives caching.
type ReplayedError struct {
	Key     string
	Message string
}

func (e *ReplayedError) Error() string {
	return e.Message
}

// CheckResult reports the idempotency status of a key at check time.
type CheckResult struct {
	Key string

	// IsDuplicate is true when a record for the key already existed.
	IsDuplicate bool

	// ShouldExecute is true when no caller has committed to running the
	// operation yet. A duplicate on a still-PENDING key reports true, supporting
	// client retries issued before execution starts; the PENDING → IN_PROGRESS
	// transition remains a compare-and-swap that only one caller wins.
	ShouldExecute bool

	Status Status

	// Result is the cached result when Status is COMPLETED.
	Result any

	// Err is the replayed failure when Status is FAILED.
	Err error
}

// Statistics aggregates record counts for observability.
type Statistics struct {
	Total           int
	ByStatus        map[Status]int
	ByScope         map[Scope]int
	ByOperationType map[string]int
}

// Builder builds Manager instances.
//
// This type is not concurrency safe.
type Builder interface {
	// WithStore configures the key store. The default is an in-process
	// MemoryStore.
	WithStore(store KeyStore) Builder

	// WithTTL configures how long records live after creation. The default is
	// 24 hours.
	WithTTL(ttl time.Duration) Builder

	// WithStaleTimeout configures how long a record may sit IN_PROGRESS before
	// it is treated as abandoned. The default is 5 minutes.
	WithStaleTimeout(timeout time.Duration) Builder

	// WithMaxExecutions configures how many times a key's operation may start.
	// The default is 1.
	WithMaxExecutions(max int) Builder

	// WithClock configures the time source, for deterministic tests.
	WithClock(clock util.Clock) Builder

	// WithLogger configures a logger which provides debug logging of duplicate
	// and reclamation decisions.
	WithLogger(logger *slog.Logger) Builder

	// OnDuplicate registers the listener to be called when a duplicate check
	// occurs.
	OnDuplicate(listener func(CheckResult)) Builder

	// Build returns a new Manager using the builder's configuration.
	Build() *Manager
}

type managerConfig struct {
	store         KeyStore
	ttl           time.Duration
	staleTimeout  time.Duration
	maxExecutions int
	clock         util.Clock
	logger        *slog.Logger
	onDuplicate   func(CheckResult)
}

var _ Builder = &managerConfig{}

// NewBuilder returns a Manager Builder.
func NewBuilder() Builder {
	return &managerConfig{
		ttl:           defaultTTL,
		staleTimeout:  defaultStaleTimeout,
		maxExecutions: 1,
	}
}

// New returns a Manager with default configuration.
func New() *Manager {
	return NewBuilder().Build()
}

func (c *managerConfig) WithStore(store KeyStore) Builder {
	c.store = store
	return c
}

func (c *managerConfig) WithTTL(ttl time.Duration) Builder {
	c.ttl = ttl
	return c
}

func (c *managerConfig) WithStaleTimeout(timeout time.Duration) Builder {
	c.staleTimeout = timeout
	return c
}

func (c *managerConfig) WithMaxExecutions(max int) Builder {
	c.maxExecutions = max
	return c
}

func (c *managerConfig) WithClock(clock util.Clock) Builder {
	c.clock = clock
	return c
}

func (c *managerConfig) WithLogger(logger *slog.Logger) Builder {
	c.logger = logger
	return c
}

func (c *managerConfig) OnDuplicate(listener func(CheckResult)) Builder {
	c.onDuplicate = listener
	return c
}

func (c *managerConfig) Build() *Manager {
	cCopy := *c
	if cCopy.store == nil {
		cCopy.store = NewMemoryStore()
	}
	if cCopy.clock == nil {
		cCopy.clock = util.WallClock
	}
	return &Manager{config: &cCopy}
}

// Manager owns an idempotency key store and enforces the record lifecycle.
//
// This type is concurrency safe.
type Manager struct {
	config *managerConfig
	group  singleflight.Group
}

// Check reports the idempotency status for the input's key, creating a PENDING
// record on first sight. It reclaims abandoned IN_PROGRESS records older than
// the stale timeout, and treats expired records as never seen.
func (m *Manager) Check(ctx context.Context, in KeyInput) (CheckResult, error) {
	return m.checkKey(ctx, BuildKey(in), in)
}

func (m *Manager) checkKey(ctx context.Context, key string, in KeyInput) (CheckResult, error) {
	store := m.config.store
	for {
		now := m.config.clock.Now()
		rec, found, err := store.Get(ctx, key)
		if err != nil {
			return CheckResult{}, err
		}

		if found && rec.ExpiresAt.Before(now) {
			// Expired records are purged lazily; the same inputs are then a
			// brand-new operation.
			if err := store.Delete(ctx, key); err != nil {
				return CheckResult{}, err
			}
			found = false
		}

		if !found {
			created := &Record{
				Key:           key,
				OperationType: in.OperationType,
				Scope:         in.Scope,
				Status:        StatusPending,
				CreatedAt:     now,
				ExpiresAt:     now.Add(m.config.ttl),
				MaxExecutions: m.config.maxExecutions,
			}
			stored, inserted, err := store.Create(ctx, created)
			if err != nil {
				return CheckResult{}, err
			}
			if !inserted {
				// Lost the creation race; evaluate the winner's record.
				rec = stored
			} else {
				return CheckResult{Key: key, ShouldExecute: true, Status: StatusPending}, nil
			}
		}

		switch rec.Status {
		case StatusPending:
			return m.duplicate(CheckResult{Key: key, IsDuplicate: true, ShouldExecute: true, Status: StatusPending}), nil
		case StatusInProgress:
			if now.Sub(rec.LastExecutedAt) > m.config.staleTimeout {
				reclaimed, err := store.FailStale(ctx, key, now.Add(-m.config.staleTimeout), staleMessage)
				if err != nil {
					return CheckResult{}, err
				}
				if reclaimed {
					if m.config.logger != nil {
						m.config.logger.Debug("reclaimed stale idempotent execution", "key", key)
					}
					return m.duplicate(CheckResult{
						Key:         key,
						IsDuplicate: true,
						Status:      StatusFailed,
						Err:         &ReplayedError{Key: key, Message: staleMessage},
					}), nil
				}
				continue
			}
			return m.duplicate(CheckResult{Key: key, IsDuplicate: true, Status: StatusInProgress}), nil
		case StatusCompleted:
			return m.duplicate(CheckResult{Key: key, IsDuplicate: true, Status: StatusCompleted, Result: rec.Result}), nil
		default: // StatusFailed
			return m.duplicate(CheckResult{
				Key:         key,
				IsDuplicate: true,
				Status:      StatusFailed,
				Err:         &ReplayedError{Key: key, Message: rec.ErrorMessage},
			}), nil
		}
	}
}

func (m *Manager) duplicate(result CheckResult) CheckResult {
	if m.config.onDuplicate != nil {
		m.config.onDuplicate(result)
	}
	return result
}

// StartExecution attempts the PENDING → IN_PROGRESS transition for the key.
// Exactly one concurrent caller wins.
func (m *Manager) StartExecution(ctx context.Context, key string) (bool, error) {
	return m.config.store.StartExecution(ctx, key, m.config.clock.Now())
}

// CompleteExecution records the terminal outcome for the key.
func (m *Manager) CompleteExecution(ctx context.Context, key string, result any, opErr error) error {
	var ok bool
	var err error
	if opErr != nil {
		ok, err = m.config.store.Complete(ctx, key, StatusFailed, nil, opErr.Error())
	} else {
		ok, err = m.config.store.Complete(ctx, key, StatusCompleted, result, "")
	}
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("idempotency key %s is not IN_PROGRESS", key)
	}
	return nil
}

// Execute runs fn at most once for the input's key. Concurrent callers sharing
// the key coalesce onto one in-process execution and all observe its outcome;
// later callers replay the cached result or error without invoking fn. A
// duplicate arriving while another process runs the key receives
// ErrExecutionInProgress.
func (m *Manager) Execute(ctx context.Context, in KeyInput, fn func(context.Context) (any, error)) (any, error) {
	key := BuildKey(in)
	v, err, _ := m.group.Do(key, func() (any, error) {
		return m.executeOnce(ctx, key, in, fn)
	})
	return v, err
}

func (m *Manager) executeOnce(ctx context.Context, key string, in KeyInput, fn func(context.Context) (any, error)) (any, error) {
	// A lost StartExecution CAS means another process moved the key first;
	// re-check once to pick up its terminal outcome.
	for attempt := 0; attempt < 2; attempt++ {
		check, err := m.checkKey(ctx, key, in)
		if err != nil {
			return nil, err
		}
		if !check.ShouldExecute {
			switch check.Status {
			case StatusCompleted:
				return check.Result, nil
			case StatusFailed:
				return nil, check.Err
			default:
				return nil, ErrExecutionInProgress
			}
		}

		won, err := m.StartExecution(ctx, key)
		if err != nil {
			return nil, err
		}
		if !won {
			continue
		}

		result, opErr := fn(ctx)
		if completeErr := m.CompleteExecution(ctx, key, result, opErr); completeErr != nil {
			return nil, completeErr
		}
		return result, opErr
	}
	return nil, ErrExecutionInProgress
}

// Execute runs fn at most once for the input's key with a typed result. See
// Manager.Execute. Results replayed from serializing stores come back as
// generic JSON values and are decoded into R, so R must survive a JSON round
// trip for those stores.
func Execute[R any](ctx context.Context, m *Manager, in KeyInput, fn func(context.Context) (R, error)) (R, error) {
	v, err := m.Execute(ctx, in, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	if err != nil {
		var zero R
		return zero, err
	}
	if r, ok := v.(R); ok {
		return r, nil
	}
	r, err := decodeResult[R](v)
	if err != nil {
		var zero R
		return zero, fmt.Errorf("cached result for %s has type %T: %w", BuildKey(in), v, err)
	}
	return r, nil
}

// decodeResult converts a result that was replayed through a serializing store,
// and so lost its concrete type, back into R via a JSON round trip.
func decodeResult[R any](v any) (R, error) {
	var r R
	b, err := json.Marshal(v)
	if err != nil {
		return r, err
	}
	if err := json.Unmarshal(b, &r); err != nil {
		return r, err
	}
	return r, nil
}

// GetStatistics aggregates record counts by status, scope, and operation type.
func (m *Manager) GetStatistics(ctx context.Context) (Statistics, error) {
	records, err := m.config.store.Snapshot(ctx)
	if err != nil {
		return Statistics{}, err
	}
	stats := Statistics{
		Total:           len(records),
		ByStatus:        make(map[Status]int),
		ByScope:         make(map[Scope]int),
		ByOperationType: make(map[string]int),
	}
	for _, rec := range records {
		stats.ByStatus[rec.Status]++
		stats.ByScope[rec.Scope]++
		stats.ByOperationType[rec.OperationType]++
	}
	return stats, nil
}

// CleanupExpiredKeys purges records past their TTL and returns how many were
// removed.
func (m *Manager) CleanupExpiredKeys(ctx context.Context) (int, error) {
	return m.config.store.DeleteExpired(ctx, m.config.clock.Now())
}

// ScheduleCleanup runs CleanupExpiredKeys on the interval until the ctx is done
// or the returned CancelFunc is called.
func (m *Manager) ScheduleCleanup(ctx context.Context, interval time.Duration) context.CancelFunc {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := m.CleanupExpiredKeys(ctx); err != nil && m.config.logger != nil {
					m.config.logger.Debug("idempotency cleanup failed", "error", err)
				}
			}
		}
	}()
	return cancel
}

// ClearKeyStore removes all records. Intended for tests and operational resets.
func (m *Manager) ClearKeyStore(ctx context.Context) error {
	return m.config.store.Clear(ctx)
}
