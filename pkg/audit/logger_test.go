package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/platinummonkey/loom/pkg/contextkeys"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockLogger records events in memory
type mockLogger struct {
	mu       sync.Mutex
	events   []*AuditEvent
	logErr   error
	closed   bool
	closeErr error
}

func (m *mockLogger) Log(ctx context.Context, event *AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return m.logErr
}

func (m *mockLogger) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return m.closeErr
}

func (m *mockLogger) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

func TestFromContext(t *testing.T) {
	t.Run("defaults to no-op", func(t *testing.T) {
		logger := FromContext(context.Background())
		require.NotNil(t, logger)
		assert.NoError(t, logger.Log(context.Background(), &AuditEvent{}))
		assert.NoError(t, logger.Close())
	})

	t.Run("returns stored logger", func(t *testing.T) {
		mock := &mockLogger{}
		ctx := WithLogger(context.Background(), mock)
		assert.Same(t, mock, FromContext(ctx))
	})
}

func TestNewEvent(t *testing.T) {
	ctx := contextkeys.WithUserID(context.Background(), "admin_1")
	ctx = contextkeys.WithRequestID(ctx, "req_1")

	event := NewEvent(ctx, EventTypeRoleCreate, ResourceTypeRole, "role_1")

	assert.Equal(t, EventTypeRoleCreate, event.EventType)
	assert.Equal(t, EventStatusSuccess, event.Status)
	assert.Equal(t, "admin_1", event.ActorUserID)
	assert.Equal(t, "req_1", event.RequestID)
	assert.Equal(t, ResourceTypeRole, event.ResourceType)
	assert.Equal(t, "role_1", event.ResourceID)
	assert.NotNil(t, event.Details)
	assert.False(t, event.Timestamp.IsZero())
}

func TestLogrusLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogrusLogger(&buf)

	ctx := contextkeys.WithUserID(context.Background(), "admin_1")
	event := NewEvent(ctx, EventTypeUserRoleAssign, ResourceTypeUserRole, "role_1")
	event.Details["user_id"] = "user_2"

	require.NoError(t, logger.Log(ctx, event))
	require.NoError(t, logger.Close())

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "rbac.user_role_assign", entry["message"])
	assert.Equal(t, "admin_1", entry["actor_user_id"])
	assert.Equal(t, "user_role", entry["resource_type"])
	assert.Equal(t, true, entry["audit"])
	details, ok := entry["details"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "user_2", details["user_id"])
}

func TestLogrusLogger_FailureIsWarn(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogrusLogger(&buf)

	event := NewEvent(context.Background(), EventTypeRoleDelete, ResourceTypeRole, "r")
	event.Status = EventStatusFailure
	event.Message = "system role"
	require.NoError(t, logger.Log(context.Background(), event))

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "warning", entry["level"])
	assert.Equal(t, "system role", entry["message"])
}

func TestMultiLogger(t *testing.T) {
	errA := errors.New("sink a down")
	a := &mockLogger{logErr: errA}
	b := &mockLogger{}

	multi := NewMultiLogger(a, b)
	err := multi.Log(context.Background(), &AuditEvent{EventType: EventTypeGroupCreate})

	assert.ErrorIs(t, err, errA)
	assert.Equal(t, 1, a.count())
	assert.Equal(t, 1, b.count(), "every sink is attempted")

	b.closeErr = errors.New("close b")
	err = multi.Close()
	assert.EqualError(t, err, "close b")
	assert.True(t, a.closed)
	assert.True(t, b.closed)
}

func TestMultiLogger_Empty(t *testing.T) {
	multi := NewMultiLogger()
	assert.NoError(t, multi.Log(context.Background(), &AuditEvent{}))
	assert.NoError(t, multi.Close())
}
