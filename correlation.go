package guardrail

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// CorrelationSource generates correlation IDs for operations that arrive without
// one.
//
// Implementations must be concurrency safe.
type CorrelationSource interface {
	// NextCorrelationID returns a new correlation ID.
	NextCorrelationID() string
}

// UUIDCorrelation generates random UUIDv4 correlation IDs.
type UUIDCorrelation struct{}

func (UUIDCorrelation) NextCorrelationID() string {
	return uuid.NewString()
}

// SequenceCorrelation generates deterministic, monotonically increasing
// correlation IDs. It is intended for reproducible tests and must not be used in
// production, where IDs need to be unique across processes.
type SequenceCorrelation struct {
	// Prefix is prepended to every generated ID.
	Prefix string

	counter atomic.Uint64
}

func (s *SequenceCorrelation) NextCorrelationID() string {
	return fmt.Sprintf("%s%d", s.Prefix, s.counter.Add(1))
}
