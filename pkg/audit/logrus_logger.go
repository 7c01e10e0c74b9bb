package audit

import (
	"context"
	"io"

	"github.com/sirupsen/logrus"
)

// LogrusLogger writes audit events as JSON lines through logrus
type LogrusLogger struct {
	log *logrus.Logger
}

// NewLogrusLogger creates an audit sink writing to out
func NewLogrusLogger(out io.Writer) *LogrusLogger {
	log := logrus.New()
	log.SetOutput(out)
	log.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyMsg: "message",
		},
	})
	log.SetLevel(logrus.InfoLevel)
	return &LogrusLogger{log: log}
}

// Log writes the event; failures are logged at warn level
func (l *LogrusLogger) Log(_ context.Context, event *AuditEvent) error {
	fields := logrus.Fields{
		"audit":         true,
		"event_type":    string(event.EventType),
		"status":        string(event.Status),
		"resource_type": string(event.ResourceType),
		"resource_id":   event.ResourceID,
	}
	if event.ActorUserID != "" {
		fields["actor_user_id"] = event.ActorUserID
	}
	if event.OrganizationID != "" {
		fields["organization_id"] = event.OrganizationID
	}
	if event.RequestID != "" {
		fields["request_id"] = event.RequestID
	}
	if len(event.Details) > 0 {
		fields["details"] = event.Details
	}
	if event.Changes != nil {
		fields["changes"] = event.Changes
	}

	entry := l.log.WithFields(fields).WithTime(event.Timestamp)
	msg := event.Message
	if msg == "" {
		msg = string(event.EventType)
	}
	if event.Status == EventStatusFailure {
		entry.Warn(msg)
	} else {
		entry.Info(msg)
	}
	return nil
}

// Close is a no-op; the writer belongs to the caller
func (l *LogrusLogger) Close() error {
	return nil
}
