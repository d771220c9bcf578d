package guardrail

import (
	"context"

	"github.com/guardrail-go/guardrail-go/priority"
)

// OperationContext describes a single inbound operation for the purposes of
// admission control, idempotency, and auditing. It is created once per operation,
// treated as read-only, and discarded when the operation completes.
type OperationContext struct {
	// TenantID identifies the tenant the operation executes on behalf of.
	TenantID string

	// UserID identifies the acting user, if any.
	UserID string

	// CorrelationID ties together audit events, logs, and errors for one operation.
	CorrelationID string

	// Priority is the operation's classified priority tier.
	Priority priority.Priority

	// ResourceName names the resource the operation acts on, such as "invoice" or
	// "tenant".
	ResourceName string

	// Metadata carries free-form operation attributes. It contributes to audit
	// events but never to admission decisions.
	Metadata map[string]any
}

type contextKey int

const operationKey contextKey = 0

// NewOperationContext returns an OperationContext for the tenant with the given
// priority, assigning a correlation ID from the source if none is provided.
func NewOperationContext(tenantID string, p priority.Priority, correlation CorrelationSource) *OperationContext {
	return &OperationContext{
		TenantID:      tenantID,
		Priority:      p,
		CorrelationID: correlation.NextCorrelationID(),
	}
}

// ContextWithOperation returns a context with the OperationContext stored in it.
func ContextWithOperation(ctx context.Context, op *OperationContext) context.Context {
	return context.WithValue(ctx, operationKey, op)
}

// OperationFromContext returns the OperationContext from the context, else nil.
func OperationFromContext(ctx context.Context) *OperationContext {
	if untyped := ctx.Value(operationKey); untyped != nil {
		if op, ok := untyped.(*OperationContext); ok {
			return op
		}
	}
	return nil
}
