// Package metrics exposes Prometheus collectors for admission control,
// idempotency, and retry activity. The Metrics type plugs into the policy
// builders through their listener hooks and the audit sink, so policies stay
// unaware of Prometheus.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/guardrail-go/guardrail-go/audit"
	"github.com/guardrail-go/guardrail-go/idempotency"
	"github.com/guardrail-go/guardrail-go/limiter"
	"github.com/guardrail-go/guardrail-go/retrypolicy"
)

const namespace = "guardrail"

// Metrics holds the collectors. Wire it up with the policy builders:
//
//	m := metrics.New(prometheus.DefaultRegisterer)
//	l := limiter.NewBuilder().OnRejected(m.OnRejected).WithAuditSink(m.Sink(sink)).Build()
//
// This type is concurrency safe.
type Metrics struct {
	admissionRejections *prometheus.CounterVec
	idempotencyChecks   *prometheus.CounterVec
	retriesScheduled    prometheus.Counter
	auditEvents         *prometheus.CounterVec
}

// New returns Metrics with its collectors registered on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		admissionRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_rejections_total",
			Help:      "Operations rejected by the concurrency limiter, by scope and priority.",
		}, []string{"scope", "priority"}),
		idempotencyChecks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "idempotency_checks_total",
			Help:      "Idempotency key checks, by outcome.",
		}, []string{"outcome"}),
		retriesScheduled: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_scheduled_total",
			Help:      "Retry attempts scheduled after a transient failure.",
		}),
		auditEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_events_total",
			Help:      "Audit events emitted, by action and severity.",
		}, []string{"action", "severity"}),
	}
}

// OnRejected counts an admission rejection. Pass it to
// limiter.Builder.OnRejected.
func (m *Metrics) OnRejected(e limiter.RejectedEvent) {
	m.admissionRejections.WithLabelValues(string(e.Scope), e.Priority.String()).Inc()
}

// OnDuplicate counts a duplicate idempotency check. Pass it to
// idempotency.Builder.OnDuplicate.
func (m *Metrics) OnDuplicate(r idempotency.CheckResult) {
	if r.Status.Terminal() {
		m.idempotencyChecks.WithLabelValues("replayed").Inc()
		return
	}
	m.idempotencyChecks.WithLabelValues("duplicate").Inc()
}

// OnRetryScheduled counts a scheduled retry. Pass it to
// retrypolicy.Builder.OnRetryScheduled.
func (m *Metrics) OnRetryScheduled(retrypolicy.AttemptEvent) {
	m.retriesScheduled.Inc()
}

// Sink wraps next with a sink that counts every event before forwarding it.
func (m *Metrics) Sink(next audit.Sink) audit.Sink {
	return &countingSink{metrics: m, next: next}
}

type countingSink struct {
	metrics *Metrics
	next    audit.Sink
}

func (s *countingSink) LogSecurityEvent(ctx context.Context, event audit.Event) {
	s.metrics.auditEvents.WithLabelValues(event.Action, string(event.Severity)).Inc()
	s.next.LogSecurityEvent(ctx, event)
}

// ObserveLimiter registers gauges tracking the limiter's global in-flight count
// and queue depth on reg.
func ObserveLimiter(reg prometheus.Registerer, l *limiter.ConcurrencyLimiter) {
	factory := promauto.With(reg)
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "global_in_flight",
		Help:      "Operations currently admitted through the global semaphore.",
	}, func() float64 {
		return float64(l.State("").GlobalInFlight)
	})
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "global_queue_depth",
		Help:      "Waiters queued on the global semaphore.",
	}, func() float64 {
		return float64(l.State("").GlobalQueueDepth)
	})
}
