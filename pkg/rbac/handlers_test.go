package rbac

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/platinummonkey/loom/pkg/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type handlerEnv struct {
	manager *Manager
	router  *mux.Router
	audit   *mockAuditLogger
}

// setupHandlerEnv wires the RBAC routes behind header authentication.
// "admin" holds Administrator and "viewer" holds Viewer.
func setupHandlerEnv(t *testing.T) *handlerEnv {
	t.Helper()

	auditLogger := &mockAuditLogger{}
	manager := NewManager(setupTestDB(t), DefaultConfig(), WithAuditLogger(auditLogger))
	ctx := context.Background()
	_, err := manager.Seed(ctx)
	require.NoError(t, err)

	admin := roleByName(t, manager.Store(), RoleAdministrator)
	viewer := roleByName(t, manager.Store(), RoleViewer)
	require.NoError(t, manager.AssignRoleToUser(ctx, "admin", admin.ID, nil))
	require.NoError(t, manager.AssignRoleToUser(ctx, "viewer", viewer.ID, nil))

	router := mux.NewRouter()
	router.Use(middleware.NewAuthMiddleware(middleware.HeaderIdentityProvider{}, true).Handler)
	NewHandlers(manager, manager.NewGate()).RegisterRoutes(router)

	return &handlerEnv{manager: manager, router: router, audit: auditLogger}
}

func (e *handlerEnv) do(t *testing.T, method, path, userID string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set(middleware.UserIDHeader, userID)
	}

	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, dest interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(w.Body).Decode(dest))
}

func TestHandlers_Authentication(t *testing.T) {
	env := setupHandlerEnv(t)

	w := env.do(t, http.MethodGet, "/rbac/roles", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.do(t, http.MethodGet, "/rbac/roles", "nobody", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.do(t, http.MethodPost, "/rbac/check", "", map[string]string{"permission": "project:read"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandlers_Roles(t *testing.T) {
	env := setupHandlerEnv(t)

	// Viewer cannot create roles
	w := env.do(t, http.MethodPost, "/rbac/roles", "viewer", RoleInput{Name: "Editor"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.do(t, http.MethodPost, "/rbac/roles", "admin", map[string]interface{}{
		"name":        "Editor",
		"description": "Edits pages",
		"permissions": []string{"page:read", "page:write"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created Role
	decode(t, w, &created)
	assert.Equal(t, "Editor", created.Name)
	assert.Len(t, created.Permissions, 2)

	w = env.do(t, http.MethodPost, "/rbac/roles", "admin", RoleInput{Name: "Editor"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = env.do(t, http.MethodPost, "/rbac/roles", "admin", map[string]interface{}{"name": "Bad", "permissions": []string{"nope"}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodGet, "/rbac/roles", "admin", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var roles []Role
	decode(t, w, &roles)
	assert.Len(t, roles, 5)

	w = env.do(t, http.MethodGet, "/rbac/roles/"+created.ID, "admin", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodGet, "/rbac/roles/missing", "admin", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodPut, "/rbac/roles/"+created.ID, "admin", map[string]interface{}{"permissions": []string{"page:read"}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var updated Role
	decode(t, w, &updated)
	assert.Len(t, updated.Permissions, 1)

	w = env.do(t, http.MethodDelete, "/rbac/roles/"+created.ID, "admin", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	admin := roleByName(t, env.manager.Store(), RoleAdministrator)
	w = env.do(t, http.MethodDelete, "/rbac/roles/"+admin.ID, "admin", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestHandlers_EffectivePermissions(t *testing.T) {
	env := setupHandlerEnv(t)
	dev := roleByName(t, env.manager.Store(), RoleDeveloper)

	lead, err := env.manager.CreateRole(context.Background(), RoleInput{
		Name:         "Lead",
		Permissions:  []PermissionKey{key("role:read")},
		ParentRoleID: &dev.ID,
	})
	require.NoError(t, err)

	w := env.do(t, http.MethodGet, "/rbac/roles/"+lead.ID+"/permissions", "admin", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		RoleID      string          `json:"role_id"`
		Permissions []PermissionKey `json:"permissions"`
	}
	decode(t, w, &resp)
	assert.Equal(t, lead.ID, resp.RoleID)
	assert.Len(t, resp.Permissions, len(dev.Permissions)+1)
	assert.Contains(t, resp.Permissions, key("role:read"))
}

func TestHandlers_UserAssignments(t *testing.T) {
	env := setupHandlerEnv(t)
	viewer := roleByName(t, env.manager.Store(), RoleViewer)

	w := env.do(t, http.MethodPost, "/rbac/users/u1/roles", "viewer", map[string]string{"role_id": viewer.ID})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.do(t, http.MethodPost, "/rbac/users/u1/roles", "admin", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	for i := 0; i < 2; i++ {
		w = env.do(t, http.MethodPost, "/rbac/users/u1/roles", "admin", map[string]string{"role_id": viewer.ID})
		assert.Equal(t, http.StatusNoContent, w.Code, "assignment is idempotent")
	}
	w = env.do(t, http.MethodPost, "/rbac/users/u1/roles", "admin", map[string]string{"role_id": viewer.ID, "resource_id": "project_1"})
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = env.do(t, http.MethodGet, "/rbac/users/u1/roles", "admin", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var view UserWithRoles
	decode(t, w, &view)
	assert.Len(t, view.Assignments, 2)
	assert.Len(t, view.Roles, 1)

	w = env.do(t, http.MethodGet, "/rbac/users/u1/permissions", "admin", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var perms struct {
		Permissions []PermissionKey `json:"permissions"`
	}
	decode(t, w, &perms)
	assert.ElementsMatch(t, []PermissionKey{key("datasource:read"), key("project:read"), key("workflow:read")}, perms.Permissions)

	w = env.do(t, http.MethodDelete, "/rbac/users/u1/roles/"+viewer.ID+"?resource_id=project_1", "admin", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	assignments, err := env.manager.ListAssignmentsForUser(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, assignments, 1)
	assert.True(t, assignments[0].IsGlobal(), "only the scoped grant is removed")

	w = env.do(t, http.MethodPost, "/rbac/users/u1/roles", "admin", map[string]string{"role_id": "missing"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandlers_CheckPermission(t *testing.T) {
	env := setupHandlerEnv(t)

	w := env.do(t, http.MethodPost, "/rbac/check", "viewer", map[string]string{"permission": "project:read"})
	require.Equal(t, http.StatusOK, w.Code)
	var result CheckResult
	decode(t, w, &result)
	assert.True(t, result.Allowed)
	assert.Equal(t, []string{RoleViewer}, result.MatchedRoles)

	w = env.do(t, http.MethodPost, "/rbac/check", "viewer", map[string]string{"permission": "project:delete"})
	require.Equal(t, http.StatusOK, w.Code)
	result = CheckResult{}
	decode(t, w, &result)
	assert.False(t, result.Allowed)

	// checking someone else needs role:read
	w = env.do(t, http.MethodPost, "/rbac/check", "viewer", map[string]string{"user_id": "admin", "permission": "project:delete"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.do(t, http.MethodPost, "/rbac/check", "admin", map[string]string{"user_id": "viewer", "permission": "project:read"})
	require.Equal(t, http.StatusOK, w.Code)
	result = CheckResult{}
	decode(t, w, &result)
	assert.True(t, result.Allowed)

	w = env.do(t, http.MethodPost, "/rbac/check", "viewer", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/rbac/check", "viewer", map[string]string{"permission": "garbage"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandlers_Groups(t *testing.T) {
	env := setupHandlerEnv(t)
	dev := roleByName(t, env.manager.Store(), RoleDeveloper)

	w := env.do(t, http.MethodPost, "/rbac/groups", "admin", GroupInput{OrganizationID: "org_a", Name: "devs"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var g Group
	decode(t, w, &g)

	w = env.do(t, http.MethodPost, "/rbac/groups", "admin", GroupInput{Name: "no-org"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodGet, "/rbac/groups?organization_id=org_a", "admin", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var groups []Group
	decode(t, w, &groups)
	assert.Len(t, groups, 1)

	w = env.do(t, http.MethodPut, "/rbac/groups/"+g.ID, "admin", map[string]string{"description": "developers"})
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodPost, "/rbac/groups/"+g.ID+"/members", "admin", map[string]string{"user_id": "u3"})
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = env.do(t, http.MethodPost, "/rbac/groups/"+g.ID+"/roles", "admin", map[string]string{"role_id": dev.ID})
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = env.do(t, http.MethodGet, "/rbac/groups/"+g.ID+"/roles", "admin", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var grants []GroupRoleAssignment
	decode(t, w, &grants)
	require.Len(t, grants, 1)
	assert.Equal(t, "org_a", grants[0].OrganizationID, "organization defaults to the group's")

	w = env.do(t, http.MethodGet, "/rbac/groups/"+g.ID+"/members", "admin", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var members []GroupMember
	decode(t, w, &members)
	require.Len(t, members, 1)

	w = env.do(t, http.MethodGet, "/rbac/users/u3/groups", "admin", nil)
	require.Equal(t, http.StatusOK, w.Code)
	groups = nil
	decode(t, w, &groups)
	assert.Len(t, groups, 1)

	w = env.do(t, http.MethodPost, "/rbac/check", "u3", map[string]string{"permission": "workflow:execute"})
	require.Equal(t, http.StatusOK, w.Code)
	var result CheckResult
	decode(t, w, &result)
	assert.True(t, result.Allowed, "group members inherit the group's roles")

	w = env.do(t, http.MethodDelete, "/rbac/groups/"+g.ID+"/roles/"+dev.ID, "admin", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = env.do(t, http.MethodDelete, "/rbac/groups/"+g.ID+"/members/u3", "admin", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = env.do(t, http.MethodDelete, "/rbac/groups/"+g.ID, "admin", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = env.do(t, http.MethodGet, "/rbac/groups/"+g.ID, "admin", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandlers_ListPermissions(t *testing.T) {
	env := setupHandlerEnv(t)

	w := env.do(t, http.MethodGet, "/rbac/permissions", "admin", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var perms []Permission
	decode(t, w, &perms)
	assert.Len(t, perms, len(Catalog()))
}
