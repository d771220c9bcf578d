// Package audit defines the security audit event model and sinks. Every admission
// rejection and retry exhaustion produces an audit event before the corresponding
// error is surfaced, so no failure path is silent.
package audit

import (
	"context"
	"time"
)

// Severity is the severity of an audit event.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Outcome is the outcome an audit event records.
type Outcome string

const (
	OutcomeDenied  Outcome = "DENIED"
	OutcomeFailure Outcome = "FAILURE"
	OutcomeSuccess Outcome = "SUCCESS"
)

// Actions recorded by the resilience policies.
const (
	ActionGlobalSaturated = "CONCURRENCY_GLOBAL_SATURATED"
	ActionTenantSaturated = "CONCURRENCY_TENANT_SATURATED"
	ActionRetryExhausted  = "RETRY_EXHAUSTED"
)

// Event is a security-relevant occurrence attributed to a tenant and operation.
type Event struct {
	Time          time.Time
	TenantID      string
	ActorID       string
	Action        string
	ResourceType  string
	ResourceID    string
	Outcome       Outcome
	CorrelationID string
	Severity      Severity
	Metadata      map[string]any
}

// Sink receives audit events. Implementations must be concurrency safe and should
// never block the calling operation for long; use AsyncSink in front of slow
// backends.
type Sink interface {
	// LogSecurityEvent records the event. Failures to record must not propagate
	// into the operation being audited.
	LogSecurityEvent(ctx context.Context, event Event)
}

// Discard is a Sink that drops all events.
var Discard Sink = discardSink{}

type discardSink struct{}

func (discardSink) LogSecurityEvent(context.Context, Event) {}
