package idempotency

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Scope controls which identity fields participate in an idempotency key.
// TenantID is always part of the key for every scope except ScopeGlobal, so
// cross-tenant collisions are prevented by construction.
type Scope string

const (
	ScopeGlobal    Scope = "GLOBAL"
	ScopeTenant    Scope = "TENANT"
	ScopeUser      Scope = "USER"
	ScopeOperation Scope = "OPERATION"
)

// KeyInput is everything that identifies one logical operation instance.
type KeyInput struct {
	OperationType string
	Scope         Scope
	TenantID      string
	UserID        string
	ResourceID    string

	// Context carries additional request attributes that distinguish logical
	// operations of the same type, such as an amount or a target account. It is
	// hashed canonically: structurally equal contexts always produce the same
	// key regardless of construction order.
	Context map[string]any
}

// keyEscaper escapes the separator inside caller-supplied key parts, so an ID
// containing a colon can never collide with another input across part
// boundaries.
var keyEscaper = strings.NewReplacer("%", "%25", ":", "%3a")

// BuildKey derives the idempotency key for the input.
func BuildKey(in KeyInput) string {
	parts := []string{"idem", "v1", keyEscaper.Replace(in.OperationType), string(in.Scope)}
	switch in.Scope {
	case ScopeGlobal:
	case ScopeUser:
		parts = append(parts, keyEscaper.Replace(in.TenantID), keyEscaper.Replace(in.UserID))
	case ScopeOperation:
		parts = append(parts, keyEscaper.Replace(in.TenantID), keyEscaper.Replace(in.UserID), keyEscaper.Replace(in.ResourceID))
	default: // ScopeTenant
		parts = append(parts, keyEscaper.Replace(in.TenantID))
	}
	if in.ResourceID != "" && in.Scope != ScopeOperation {
		parts = append(parts, keyEscaper.Replace(in.ResourceID))
	}
	parts = append(parts, StableHash(in.Context))
	return strings.Join(parts, ":")
}

// StableHash returns a canonical hash of the context map. encoding/json
// serializes map keys in sorted order at every nesting level, which makes the
// serialization canonical for structurally equal maps; the bytes are then
// hashed with xxhash64.
func StableHash(context map[string]any) string {
	if len(context) == 0 {
		return "0"
	}
	b, err := json.Marshal(context)
	if err != nil {
		// Unmarshalable values cannot be part of a stable identity; fall back to
		// a constant so the operation still gets a key from the other fields.
		return "unhashable"
	}
	return strconv.FormatUint(xxhash.Sum64(b), 16)
}
