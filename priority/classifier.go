package priority

import (
	"regexp"
	"strings"
)

var (
	uuidSegment = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
	hexSegment  = regexp.MustCompile(`^[0-9a-fA-F]{8,}$`)
	numSegment  = regexp.MustCompile(`^[0-9]+$`)
)

// Classifier maps an inbound operation's method and path to a Priority. It is
// pure and deterministic: equal inputs always classify identically, and
// classification never fails.
//
// This type is concurrency safe.
type Classifier struct{}

// NewClassifier returns a Classifier.
func NewClassifier() *Classifier {
	return &Classifier{}
}

// Classify returns the Priority for the method and path. Rules are applied in
// order against the normalized path:
//
//   - health and readiness paths are PriorityCritical
//   - auth paths are PriorityHigh
//   - billing, webhook, and admin paths are PriorityHigh when mutating, else PriorityNormal
//   - remaining GETs are PriorityNormal
//   - remaining mutating methods are PriorityHigh
//   - everything else is PriorityLow
func (c *Classifier) Classify(method, path string) Priority {
	method = strings.ToUpper(method)
	normalized := NormalizePath(path)

	switch {
	case isHealthPath(normalized):
		return PriorityCritical
	case isAuthPath(normalized):
		return PriorityHigh
	case isSensitivePath(normalized):
		if isMutating(method) {
			return PriorityHigh
		}
		return PriorityNormal
	case method == "GET":
		return PriorityNormal
	case isMutating(method):
		return PriorityHigh
	default:
		return PriorityLow
	}
}

// NormalizePath lowercases the path and replaces identifier-like segments with
// placeholders: UUIDs become ":id", long hex strings become ":hex", and numbers
// become ":n". Normalization keeps path cardinality bounded so classification
// rules match route shapes rather than individual resources.
func NormalizePath(path string) string {
	path = strings.SplitN(path, "?", 2)[0]
	segments := strings.Split(path, "/")
	for i, segment := range segments {
		switch {
		case segment == "":
		case uuidSegment.MatchString(segment):
			segments[i] = ":id"
		case numSegment.MatchString(segment):
			segments[i] = ":n"
		case hexSegment.MatchString(segment):
			segments[i] = ":hex"
		default:
			segments[i] = strings.ToLower(segment)
		}
	}
	return strings.Join(segments, "/")
}

func isMutating(method string) bool {
	switch method {
	case "POST", "PUT", "PATCH", "DELETE":
		return true
	}
	return false
}

func isHealthPath(path string) bool {
	return hasSegment(path, "health", "healthz", "ready", "readiness", "live", "liveness", "ping")
}

func isAuthPath(path string) bool {
	return hasSegment(path, "auth", "login", "logout", "token", "oauth", "sessions")
}

func isSensitivePath(path string) bool {
	return hasSegment(path, "billing", "webhooks", "admin", "payments", "charges")
}

func hasSegment(path string, names ...string) bool {
	for _, segment := range strings.Split(path, "/") {
		for _, name := range names {
			if segment == name {
				return true
			}
		}
	}
	return false
}
