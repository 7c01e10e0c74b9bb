package rbac

import (
	"context"
	"testing"
	"time"

	"github.com/platinummonkey/loom/pkg/audit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewResyncer_InvalidSchedule(t *testing.T) {
	manager := NewManager(setupTestDB(t), DefaultConfig())

	_, err := NewResyncer(manager, "not a schedule", nil)
	assert.Error(t, err)
}

func TestResyncer_RestoresSystemRoles(t *testing.T) {
	auditLogger := &mockAuditLogger{}
	manager := setupManager(t, WithAuditLogger(auditLogger))
	ctx := context.Background()
	viewer := roleByName(t, manager.Store(), RoleViewer)

	empty := []PermissionKey{}
	_, err := manager.UpdateRole(ctx, viewer.ID, RoleUpdate{Permissions: &empty})
	require.NoError(t, err)

	r, err := NewResyncer(manager, "@every 1s", nil)
	require.NoError(t, err)
	r.Start()
	defer func() {
		stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		assert.NoError(t, r.Stop(stopCtx))
	}()

	assert.Eventually(t, func() bool {
		return len(auditLogger.ofType(audit.EventTypeSeed)) >= 2
	}, 5*time.Second, 50*time.Millisecond)

	assert.Len(t, roleByName(t, manager.Store(), RoleViewer).Permissions, 3)
}
