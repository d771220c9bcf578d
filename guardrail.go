// Package guardrail provides the resilience core for a multi-tenant SaaS runtime:
// two-level admission control (per-tenant and global), idempotent execution of
// side-effecting operations, and bounded exponential-backoff retries. The policies
// are built and composed per process and share nothing globally; see the limiter,
// idempotency, and retrypolicy packages.
package guardrail
