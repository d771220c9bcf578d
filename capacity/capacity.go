// Package capacity supplies admission-control capacity configuration. A Provider
// is read on every acquire, so capacity changes take effect without restarting
// in-flight policies.
package capacity

import (
	"errors"
	"fmt"
	"time"

	"github.com/guardrail-go/guardrail-go/priority"
)

// Config holds the capacity limits for the two-level concurrency limiter.
type Config struct {
	// GlobalMaxConcurrent bounds concurrent executions across all tenants.
	GlobalMaxConcurrent int

	// GlobalQueueMaxDepth bounds waiters queued on the global semaphore.
	GlobalQueueMaxDepth int

	// GlobalAcquireTimeout bounds how long an execution waits for a global slot.
	GlobalAcquireTimeout time.Duration

	// PerTenantMaxConcurrent bounds concurrent executions for a single tenant,
	// before the tier multiplier is applied.
	PerTenantMaxConcurrent int

	// PerTenantQueueMaxDepth bounds waiters queued on one tenant's semaphore.
	PerTenantQueueMaxDepth int

	// PerTenantAcquireTimeout bounds how long an execution waits for a tenant slot.
	PerTenantAcquireTimeout time.Duration

	// TierMultipliers scales PerTenantMaxConcurrent by tenant tier. Missing tiers
	// use a multiplier of 1.
	TierMultipliers map[priority.Priority]float64
}

// Default returns the capacity configuration used when none is supplied.
func Default() Config {
	return Config{
		GlobalMaxConcurrent:     100,
		GlobalQueueMaxDepth:     50,
		GlobalAcquireTimeout:    5 * time.Second,
		PerTenantMaxConcurrent:  10,
		PerTenantQueueMaxDepth:  20,
		PerTenantAcquireTimeout: 3 * time.Second,
		TierMultipliers: map[priority.Priority]float64{
			priority.PriorityCritical:   2.0,
			priority.PriorityHigh:       1.5,
			priority.PriorityNormal:     1.0,
			priority.PriorityLow:        0.5,
			priority.PriorityBackground: 0.25,
		},
	}
}

// Validate reports whether the configuration is usable.
func (c Config) Validate() error {
	var errs []error
	if c.GlobalMaxConcurrent < 1 {
		errs = append(errs, fmt.Errorf("globalMaxConcurrent must be positive, got %d", c.GlobalMaxConcurrent))
	}
	if c.PerTenantMaxConcurrent < 1 {
		errs = append(errs, fmt.Errorf("perTenantMaxConcurrent must be positive, got %d", c.PerTenantMaxConcurrent))
	}
	if c.GlobalQueueMaxDepth < 0 {
		errs = append(errs, fmt.Errorf("globalQueueMaxDepth must not be negative, got %d", c.GlobalQueueMaxDepth))
	}
	if c.PerTenantQueueMaxDepth < 0 {
		errs = append(errs, fmt.Errorf("perTenantQueueMaxDepth must not be negative, got %d", c.PerTenantQueueMaxDepth))
	}
	for tier, multiplier := range c.TierMultipliers {
		if !tier.Valid() {
			errs = append(errs, fmt.Errorf("unknown tier %d in multipliers", tier))
		}
		if multiplier <= 0 {
			errs = append(errs, fmt.Errorf("tier %s multiplier must be positive, got %v", tier, multiplier))
		}
	}
	return errors.Join(errs...)
}

// TierMultiplier returns the multiplier for the tier, defaulting to 1.
func (c Config) TierMultiplier(tier priority.Priority) float64 {
	if m, ok := c.TierMultipliers[tier]; ok {
		return m
	}
	return 1
}

// Provider supplies the current capacity configuration. Implementations must be
// concurrency safe; the limiter calls Capacity on every acquire.
type Provider interface {
	Capacity() Config
}

// Static is a Provider that always returns the same configuration.
type Static struct {
	config Config
}

// NewStatic returns a Provider pinned to the configuration.
func NewStatic(config Config) *Static {
	return &Static{config: config}
}

func (s *Static) Capacity() Config {
	return s.config
}
