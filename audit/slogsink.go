package audit

import (
	"context"
	"log/slog"
)

// SlogSink writes audit events to a slog.Logger.
//
// This type is concurrency safe.
type SlogSink struct {
	logger *slog.Logger
}

// NewSlogSink returns a SlogSink writing to the logger, or to slog.Default when
// nil.
func NewSlogSink(logger *slog.Logger) *SlogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogSink{logger: logger}
}

func (s *SlogSink) LogSecurityEvent(ctx context.Context, event Event) {
	s.logger.LogAttrs(ctx, level(event.Severity), "security event",
		slog.String("action", event.Action),
		slog.String("tenant", event.TenantID),
		slog.String("actor", event.ActorID),
		slog.String("resourceType", event.ResourceType),
		slog.String("resourceId", event.ResourceID),
		slog.String("outcome", string(event.Outcome)),
		slog.String("severity", string(event.Severity)),
		slog.String("correlationId", event.CorrelationID),
		slog.Any("metadata", event.Metadata),
	)
}

func level(severity Severity) slog.Level {
	switch severity {
	case SeverityCritical, SeverityHigh:
		return slog.LevelError
	case SeverityMedium:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}
