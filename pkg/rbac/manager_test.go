package rbac

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/platinummonkey/loom/pkg/audit"
	"github.com/platinummonkey/loom/pkg/auth"
	"github.com/platinummonkey/loom/pkg/contextkeys"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingInvalidator struct {
	published atomic.Int32
	err       error
}

func (c *countingInvalidator) Publish(ctx context.Context) error {
	c.published.Add(1)
	return c.err
}

type failingAuditLogger struct{}

func (failingAuditLogger) Log(ctx context.Context, event *audit.AuditEvent) error {
	return errors.New("sink unavailable")
}

func (failingAuditLogger) Close() error { return nil }

func setupManager(t testing.TB, opts ...Option) *Manager {
	t.Helper()
	manager := NewManager(setupTestDB(t), DefaultConfig(), opts...)
	_, err := manager.Seed(context.Background())
	require.NoError(t, err)
	return manager
}

// actorContext mimics what the auth middleware installs
func actorContext(userID, orgID string) context.Context {
	authCtx := &auth.AuthContext{User: &auth.User{ID: userID}, Organization: &auth.Organization{ID: orgID}}
	ctx := contextkeys.WithAuth(context.Background(), authCtx)
	ctx = contextkeys.WithUserID(ctx, userID)
	return contextkeys.WithRequestID(ctx, "req-1")
}

func TestManager_Initialize(t *testing.T) {
	auditLogger := &mockAuditLogger{}
	manager := NewManager(setupTestDB(t), DefaultConfig(), WithAuditLogger(auditLogger))
	ctx := context.Background()

	result, err := manager.Initialize(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, result.RolesCreated)
	assert.Equal(t, len(Catalog()), result.PermissionsCreated)

	seeds := auditLogger.ofType(audit.EventTypeSeed)
	require.Len(t, seeds, 1)
	assert.Equal(t, audit.EventStatusSuccess, seeds[0].Status)
	assert.Equal(t, 4, seeds[0].Details["roles_created"])
}

func TestManager_RoleMutationsAreAudited(t *testing.T) {
	auditLogger := &mockAuditLogger{}
	manager := setupManager(t, WithAuditLogger(auditLogger))
	ctx := actorContext("admin", "org_a")

	role, err := manager.CreateRole(ctx, RoleInput{Name: "Editor", Permissions: []PermissionKey{key("page:write")}})
	require.NoError(t, err)

	creates := auditLogger.ofType(audit.EventTypeRoleCreate)
	require.Len(t, creates, 1)
	event := creates[0]
	assert.Equal(t, audit.EventStatusSuccess, event.Status)
	assert.Equal(t, "admin", event.ActorUserID)
	assert.Equal(t, "org_a", event.OrganizationID)
	assert.Equal(t, "req-1", event.RequestID)
	assert.Equal(t, audit.ResourceTypeRole, event.ResourceType)
	assert.Equal(t, role.ID, event.ResourceID)
	assert.Equal(t, []string{"page:write"}, event.Details["permissions"])

	perms := []PermissionKey{key("page:read"), key("page:write")}
	_, err = manager.UpdateRole(ctx, role.ID, RoleUpdate{Permissions: &perms})
	require.NoError(t, err)

	updates := auditLogger.ofType(audit.EventTypeRoleUpdate)
	require.Len(t, updates, 1)
	require.NotNil(t, updates[0].Changes)
	assert.Equal(t, []string{"page:write"}, updates[0].Changes.Before["permissions"])
	assert.Equal(t, []string{"page:read", "page:write"}, updates[0].Changes.After["permissions"])

	require.NoError(t, manager.DeleteRole(ctx, role.ID))
	deletes := auditLogger.ofType(audit.EventTypeRoleDelete)
	require.Len(t, deletes, 1)
	assert.Equal(t, "Editor", deletes[0].Details["name"])
}

func TestManager_FailedMutationIsAudited(t *testing.T) {
	auditLogger := &mockAuditLogger{}
	inv := &countingInvalidator{}
	manager := setupManager(t, WithAuditLogger(auditLogger), WithInvalidator(inv))
	ctx := actorContext("admin", "org_a")
	before := inv.published.Load()

	admin := roleByName(t, manager.Store(), RoleAdministrator)
	err := manager.DeleteRole(ctx, admin.ID)
	assert.ErrorIs(t, err, ErrInvariantViolation)

	deletes := auditLogger.ofType(audit.EventTypeRoleDelete)
	require.Len(t, deletes, 1)
	assert.Equal(t, audit.EventStatusFailure, deletes[0].Status)
	assert.Contains(t, deletes[0].Message, "cannot be deleted")
	assert.Equal(t, before, inv.published.Load(), "failed mutations do not invalidate")
}

func TestManager_AssignmentsAreAudited(t *testing.T) {
	auditLogger := &mockAuditLogger{}
	manager := setupManager(t, WithAuditLogger(auditLogger))
	ctx := actorContext("admin", "org_a")
	viewer := roleByName(t, manager.Store(), RoleViewer)

	require.NoError(t, manager.AssignRoleToUser(ctx, "u1", viewer.ID, strPtr("project_1")))
	require.NoError(t, manager.AssignRoleToUser(ctx, "u1", viewer.ID, strPtr("project_1")))

	assigns := auditLogger.ofType(audit.EventTypeUserRoleAssign)
	require.Len(t, assigns, 2)
	assert.Equal(t, true, assigns[0].Details["created"])
	assert.Equal(t, false, assigns[1].Details["created"])
	assert.Equal(t, "project_1", assigns[0].Details["resource_id"])
	assert.Equal(t, audit.ResourceTypeUserRole, assigns[0].ResourceType)

	require.NoError(t, manager.RemoveRoleFromUser(ctx, "u1", viewer.ID, strPtr("project_1")))
	removes := auditLogger.ofType(audit.EventTypeUserRoleRemove)
	require.Len(t, removes, 1)
	assert.Equal(t, true, removes[0].Details["removed"])
}

func TestManager_GroupMutationsAreAudited(t *testing.T) {
	auditLogger := &mockAuditLogger{}
	manager := setupManager(t, WithAuditLogger(auditLogger))
	ctx := actorContext("admin", "org_a")
	viewer := roleByName(t, manager.Store(), RoleViewer)

	g, err := manager.CreateGroup(ctx, GroupInput{OrganizationID: "org_b", Name: "ops"})
	require.NoError(t, err)
	name := "sre"
	_, err = manager.UpdateGroup(ctx, g.ID, GroupUpdate{Name: &name})
	require.NoError(t, err)
	require.NoError(t, manager.AddGroupMember(ctx, g.ID, "u1"))
	require.NoError(t, manager.AssignRoleToGroup(ctx, g.ID, viewer.ID, "org_b"))
	require.NoError(t, manager.RemoveRoleFromGroup(ctx, g.ID, viewer.ID, "org_b"))
	require.NoError(t, manager.RemoveGroupMember(ctx, g.ID, "u1"))
	require.NoError(t, manager.DeleteGroup(ctx, g.ID))

	for _, eventType := range []audit.EventType{
		audit.EventTypeGroupCreate,
		audit.EventTypeGroupUpdate,
		audit.EventTypeGroupMemberAdd,
		audit.EventTypeGroupRoleAssign,
		audit.EventTypeGroupRoleRemove,
		audit.EventTypeGroupMemberRemove,
		audit.EventTypeGroupDelete,
	} {
		events := auditLogger.ofType(eventType)
		require.Len(t, events, 1, string(eventType))
		assert.Equal(t, audit.EventStatusSuccess, events[0].Status, string(eventType))
	}

	create := auditLogger.ofType(audit.EventTypeGroupCreate)[0]
	assert.Equal(t, "org_b", create.OrganizationID, "the group's organization wins over the caller's")
	assert.Equal(t, g.ID, create.ResourceID)
}

func TestManager_RoleMutationsInvalidate(t *testing.T) {
	inv := &countingInvalidator{}
	manager := setupManager(t, WithInvalidator(inv))
	ctx := context.Background()
	viewer := roleByName(t, manager.Store(), RoleViewer)
	base := inv.published.Load()

	ok, err := manager.HasPermission(ctx, "u1", key("project:read"), nil)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, manager.AssignRoleToUser(ctx, "u1", viewer.ID, nil))
	assert.Equal(t, base, inv.published.Load(), "assignments are read live and need no invalidation")

	ok, err = manager.HasPermission(ctx, "u1", key("project:read"), nil)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Positive(t, manager.Cache().Len())

	perms := []PermissionKey{key("audit:read")}
	_, err = manager.UpdateRole(ctx, viewer.ID, RoleUpdate{Permissions: &perms})
	require.NoError(t, err)
	assert.Equal(t, base+1, inv.published.Load())
	assert.Zero(t, manager.Cache().Len())

	ok, err = manager.HasPermission(ctx, "u1", key("project:read"), nil)
	require.NoError(t, err)
	assert.False(t, ok, "the update is visible immediately on this instance")

	keys, err := manager.UserPermissions(ctx, "u1", nil)
	require.NoError(t, err)
	assert.Equal(t, []PermissionKey{key("audit:read")}, keys)
}

func TestManager_SinkAndPublishFailuresDoNotFailMutations(t *testing.T) {
	manager := setupManager(t,
		WithAuditLogger(failingAuditLogger{}),
		WithInvalidator(&countingInvalidator{err: errors.New("redis down")}),
	)

	role, err := manager.CreateRole(context.Background(), RoleInput{Name: "Resilient"})
	require.NoError(t, err)
	assert.NotEmpty(t, role.ID)
}

func TestManager_CacheDisabled(t *testing.T) {
	manager := setupManager(t, WithCache(nil))
	assert.Nil(t, manager.Cache())

	viewer := roleByName(t, manager.Store(), RoleViewer)
	keys, err := manager.GetEffectivePermissions(context.Background(), viewer.ID)
	require.NoError(t, err)
	assert.Len(t, keys, 3)
}
