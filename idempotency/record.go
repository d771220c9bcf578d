package idempotency

import "time"

// Status is an idempotency record's lifecycle state. Records only move
// PENDING → IN_PROGRESS → COMPLETED or FAILED; terminal outcomes are immutable
// until TTL expiry.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// Terminal returns whether the status is COMPLETED or FAILED.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Record is the stored execution state for one idempotency key.
type Record struct {
	Key           string    `json:"key"`
	OperationType string    `json:"operationType"`
	Scope         Scope     `json:"scope"`
	Status        Status    `json:"status"`
	Result        any       `json:"result,omitempty"`
	ErrorMessage  string    `json:"error,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	ExpiresAt     time.Time `json:"expiresAt"`
	// LastExecutedAt is stamped on the PENDING → IN_PROGRESS transition and
	// drives stale-execution reclamation.
	LastExecutedAt time.Time `json:"lastExecutedAt,omitempty"`
	ExecutionCount int       `json:"executionCount"`
	MaxExecutions  int       `json:"maxExecutions"`
}

func (r *Record) clone() *Record {
	c := *r
	return &c
}
