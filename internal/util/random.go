package util

import (
	"math/rand"
	"sync"
	"time"
)

// Random provides uniform random values. Policies draw randomness only through a
// Random so tests can force determinism.
type Random interface {
	// Float64 returns a uniform value in [0, 1).
	Float64() float64
}

type lockedRandom struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

func (r *lockedRandom) Float64() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rnd.Float64()
}

// NewRandom returns a concurrency safe Random seeded from the current time.
func NewRandom() Random {
	return &lockedRandom{rnd: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// ZeroRandom always returns 0, which disables jitter. It stands in for a real
// Random under deterministic test configurations.
var ZeroRandom Random = zeroRandom{}

type zeroRandom struct{}

func (zeroRandom) Float64() float64 {
	return 0
}
