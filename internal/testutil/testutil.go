// Package testutil provides fixtures shared by policy tests.
package testutil

import (
	"errors"
	"sync"
	"time"
)

// ErrConnection stands in for a transient failure that retries should handle.
var ErrConnection = errors.New("connection failed")

// ErrInvalidInput stands in for a permanent failure that retries must not handle.
var ErrInvalidInput = errors.New("invalid input")

// TestClock is a Clock whose time only moves when advanced.
type TestClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewTestClock returns a TestClock starting at the given time.
func NewTestClock(start time.Time) *TestClock {
	return &TestClock{now: start}
}

func (c *TestClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *TestClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// FixedRandom always returns the configured value from Float64.
type FixedRandom struct {
	Value float64
}

func (r FixedRandom) Float64() float64 {
	return r.Value
}
