package audit

import (
	"context"
	"time"

	"github.com/platinummonkey/loom/pkg/contextkeys"
)

// Logger is the interface for audit logging
type Logger interface {
	// Log records an audit event
	Log(ctx context.Context, event *AuditEvent) error

	// Close flushes any buffered events and releases resources
	Close() error
}

// contextKey is the type for context keys
type contextKey string

// AuditLoggerKey is the context key for the audit logger
const AuditLoggerKey contextKey = "audit_logger"

// WithLogger adds an audit logger to the context
func WithLogger(ctx context.Context, logger Logger) context.Context {
	return context.WithValue(ctx, AuditLoggerKey, logger)
}

// FromContext retrieves the audit logger from context, or a no-op logger
func FromContext(ctx context.Context) Logger {
	if logger, ok := ctx.Value(AuditLoggerKey).(Logger); ok {
		return logger
	}
	return NewNoOpLogger()
}

// NewNoOpLogger returns a logger that discards every event
func NewNoOpLogger() Logger {
	return noOpLogger{}
}

type noOpLogger struct{}

func (noOpLogger) Log(context.Context, *AuditEvent) error { return nil }
func (noOpLogger) Close() error                           { return nil }

// NewEvent builds a successful event with actor and request id taken from ctx
func NewEvent(ctx context.Context, eventType EventType, resourceType ResourceType, resourceID string) *AuditEvent {
	return &AuditEvent{
		Timestamp:    time.Now().UTC(),
		EventType:    eventType,
		Status:       EventStatusSuccess,
		ActorUserID:  contextkeys.GetUserID(ctx),
		ResourceType: resourceType,
		ResourceID:   resourceID,
		RequestID:    contextkeys.GetRequestID(ctx),
		Details:      make(map[string]interface{}),
	}
}
