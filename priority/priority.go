// Package priority classifies inbound operations into priority tiers. Tiers size
// per-tenant capacity allocation and drive audit severity for rejections.
package priority

// Priority is an operation's priority tier. Higher tiers receive larger capacity
// multipliers during admission control.
type Priority int

const (
	// PriorityBackground is for deferrable work such as report generation.
	PriorityBackground Priority = iota

	// PriorityLow is for operations that tolerate delay.
	PriorityLow

	// PriorityNormal is the default tier for reads.
	PriorityNormal

	// PriorityHigh is for mutating operations and sensitive paths such as billing.
	PriorityHigh

	// PriorityCritical is for health and readiness probes that must never queue
	// behind tenant traffic.
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityBackground:
		return "background"
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Valid returns whether p is a defined tier.
func (p Priority) Valid() bool {
	return p >= PriorityBackground && p <= PriorityCritical
}
