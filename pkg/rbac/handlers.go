package rbac

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/platinummonkey/loom/pkg/httputil"
	"github.com/platinummonkey/loom/pkg/middleware"
	"github.com/platinummonkey/loom/pkg/observability"
)

// Handlers provides HTTP handlers for RBAC administration
type Handlers struct {
	manager *Manager
	gate    *Gate
}

// NewHandlers creates new RBAC handlers
func NewHandlers(manager *Manager, gate *Gate) *Handlers {
	return &Handlers{manager: manager, gate: gate}
}

// RegisterRoutes registers all RBAC routes. Every route except /rbac/check is
// gated; /rbac/check only requires an authenticated caller.
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	// Catalog
	h.handle(router, "/rbac/permissions", "GET", h.ListPermissions, "role:read")

	// Role management
	h.handle(router, "/rbac/roles", "POST", h.CreateRole, "role:create")
	h.handle(router, "/rbac/roles", "GET", h.ListRoles, "role:read")
	h.handle(router, "/rbac/roles/{id}", "GET", h.GetRole, "role:read")
	h.handle(router, "/rbac/roles/{id}", "PUT", h.UpdateRole, "role:update")
	h.handle(router, "/rbac/roles/{id}", "DELETE", h.DeleteRole, "role:delete")
	h.handle(router, "/rbac/roles/{id}/permissions", "GET", h.GetEffectivePermissions, "role:read")

	// User role assignments
	h.handle(router, "/rbac/users/{id}/roles", "POST", h.AssignRoleToUser, "role:assign")
	h.handle(router, "/rbac/users/{id}/roles", "GET", h.GetUserRoles, "role:read", "user:read")
	h.handle(router, "/rbac/users/{id}/roles/{role_id}", "DELETE", h.RemoveRoleFromUser, "role:assign")
	h.handle(router, "/rbac/users/{id}/permissions", "GET", h.GetUserPermissions, "role:read", "user:read")
	h.handle(router, "/rbac/users/{id}/groups", "GET", h.GetUserGroups, "group:read", "user:read")

	// Permission checking
	router.HandleFunc("/rbac/check", h.CheckPermission).Methods("POST")

	// Group management
	h.handle(router, "/rbac/groups", "POST", h.CreateGroup, "group:create")
	h.handle(router, "/rbac/groups", "GET", h.ListGroups, "group:read")
	h.handle(router, "/rbac/groups/{id}", "GET", h.GetGroup, "group:read")
	h.handle(router, "/rbac/groups/{id}", "PUT", h.UpdateGroup, "group:update")
	h.handle(router, "/rbac/groups/{id}", "DELETE", h.DeleteGroup, "group:delete")

	// Group member management
	h.handle(router, "/rbac/groups/{id}/members", "POST", h.AddGroupMember, "group:update")
	h.handle(router, "/rbac/groups/{id}/members", "GET", h.GetGroupMembers, "group:read")
	h.handle(router, "/rbac/groups/{id}/members/{user_id}", "DELETE", h.RemoveGroupMember, "group:update")

	// Group role assignments
	h.handle(router, "/rbac/groups/{id}/roles", "POST", h.AssignRoleToGroup, "role:assign")
	h.handle(router, "/rbac/groups/{id}/roles", "GET", h.GetGroupRoles, "group:read", "role:read")
	h.handle(router, "/rbac/groups/{id}/roles/{role_id}", "DELETE", h.RemoveRoleFromGroup, "role:assign")
}

func (h *Handlers) handle(router *mux.Router, path, method string, fn http.HandlerFunc, perms ...string) {
	router.Handle(path, h.gate.RequireAny(perms...)(fn)).Methods(method)
}

// writeError maps RBAC errors to status codes; internal errors are logged, not echoed
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := HTTPStatus(err)
	if status == http.StatusInternalServerError {
		observability.FromContext(r.Context()).WithError(err).Error("rbac request failed")
		httputil.WriteInternalError(w)
		return
	}
	httputil.WriteError(w, status, err)
}

// Catalog

// ListPermissions returns the permission catalog
func (h *Handlers) ListPermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := h.manager.ListPermissions(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, perms)
}

// Roles

// CreateRole creates a new custom role
func (h *Handlers) CreateRole(w http.ResponseWriter, r *http.Request) {
	var req RoleInput
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	role, err := h.manager.CreateRole(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteCreated(w, role)
}

// ListRoles lists all roles
func (h *Handlers) ListRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.manager.ListRoles(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, roles)
}

// GetRole retrieves a role
func (h *Handlers) GetRole(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}

	role, err := h.manager.GetRole(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, role)
}

// UpdateRole updates a role
func (h *Handlers) UpdateRole(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	var req RoleUpdate
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	role, err := h.manager.UpdateRole(r.Context(), id, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, role)
}

// DeleteRole deletes a role
func (h *Handlers) DeleteRole(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}

	if err := h.manager.DeleteRole(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// GetEffectivePermissions returns a role's own and inherited permissions
func (h *Handlers) GetEffectivePermissions(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}

	keys, err := h.manager.GetEffectivePermissions(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{
		"role_id":     id,
		"permissions": keys,
	})
}

// User assignments

type assignUserRoleRequest struct {
	RoleID     string  `json:"role_id"`
	ResourceID *string `json:"resource_id,omitempty"`
}

// AssignRoleToUser assigns a role to a user
func (h *Handlers) AssignRoleToUser(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	var req assignUserRoleRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.RoleID == "" {
		httputil.WriteBadRequest(w, "role_id is required")
		return
	}

	if err := h.manager.AssignRoleToUser(r.Context(), userID, req.RoleID, normalizeScope(req.ResourceID)); err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// RemoveRoleFromUser revokes a role; ?resource_id= selects a scoped assignment
func (h *Handlers) RemoveRoleFromUser(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	roleID, ok := httputil.ParsePathStringOrError(w, r, "role_id")
	if !ok {
		return
	}

	if err := h.manager.RemoveRoleFromUser(r.Context(), userID, roleID, httputil.OptionalQueryString(r, "resource_id")); err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// GetUserRoles returns the user's assignments with role details
func (h *Handlers) GetUserRoles(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}

	view, err := h.manager.GetUserWithRoles(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, view)
}

// GetUserPermissions returns the user's effective permissions; ?resource_id= adds scoped grants
func (h *Handlers) GetUserPermissions(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	resourceID := httputil.OptionalQueryString(r, "resource_id")

	keys, err := h.manager.UserPermissions(r.Context(), userID, resourceID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	resp := map[string]interface{}{
		"user_id":     userID,
		"permissions": keys,
	}
	if resourceID != nil {
		resp["resource_id"] = *resourceID
	}
	httputil.WriteSuccess(w, resp)
}

// GetUserGroups returns the groups a user belongs to
func (h *Handlers) GetUserGroups(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}

	groups, err := h.manager.ListGroupsForUser(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, groups)
}

// Permission checking

type checkRequest struct {
	UserID     string        `json:"user_id,omitempty"`
	Permission PermissionKey `json:"permission"`
	ResourceID *string       `json:"resource_id,omitempty"`
}

// CheckPermission checks a permission for the caller, or for another user when
// the caller holds role:read
func (h *Handlers) CheckPermission(w http.ResponseWriter, r *http.Request) {
	authCtx := middleware.GetAuthContext(r)
	if !authCtx.IsAuthenticated() {
		httputil.WriteUnauthorized(w, ErrUnauthenticated.Error())
		return
	}

	var req checkRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Permission.Resource == "" {
		httputil.WriteBadRequest(w, "permission is required")
		return
	}

	userID := authCtx.UserID()
	if req.UserID != "" && req.UserID != userID {
		if err := h.gate.Authorize(r.Context(), authCtx, MustParsePermissionKeys("role:read"), nil); err != nil {
			writeError(w, r, err)
			return
		}
		userID = req.UserID
	}

	result, err := h.manager.Check(r.Context(), PermissionCheck{
		UserID:         userID,
		Permission:     req.Permission,
		ResourceID:     normalizeScope(req.ResourceID),
		OrganizationID: authCtx.OrganizationID(),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, result)
}

// Groups

// CreateGroup creates a group
func (h *Handlers) CreateGroup(w http.ResponseWriter, r *http.Request) {
	var req GroupInput
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.OrganizationID == "" {
		if org := middleware.GetAuthContext(r).OrganizationID(); org != nil {
			req.OrganizationID = *org
		}
	}

	g, err := h.manager.CreateGroup(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteCreated(w, g)
}

// ListGroups lists groups; ?organization_id= filters by organization
func (h *Handlers) ListGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := h.manager.ListGroups(r.Context(), httputil.OptionalQueryString(r, "organization_id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, groups)
}

// GetGroup retrieves a group
func (h *Handlers) GetGroup(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}

	g, err := h.manager.GetGroup(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, g)
}

// UpdateGroup updates a group
func (h *Handlers) UpdateGroup(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	var req GroupUpdate
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	g, err := h.manager.UpdateGroup(r.Context(), id, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, g)
}

// DeleteGroup deletes a group
func (h *Handlers) DeleteGroup(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}

	if err := h.manager.DeleteGroup(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

type groupMemberRequest struct {
	UserID string `json:"user_id"`
}

// AddGroupMember adds a user to a group
func (h *Handlers) AddGroupMember(w http.ResponseWriter, r *http.Request) {
	groupID, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	var req groupMemberRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	if err := h.manager.AddGroupMember(r.Context(), groupID, req.UserID); err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// GetGroupMembers lists a group's members
func (h *Handlers) GetGroupMembers(w http.ResponseWriter, r *http.Request) {
	groupID, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}

	members, err := h.manager.ListGroupMembers(r.Context(), groupID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, members)
}

// RemoveGroupMember removes a user from a group
func (h *Handlers) RemoveGroupMember(w http.ResponseWriter, r *http.Request) {
	groupID, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	userID, ok := httputil.ParsePathStringOrError(w, r, "user_id")
	if !ok {
		return
	}

	if err := h.manager.RemoveGroupMember(r.Context(), groupID, userID); err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

type assignGroupRoleRequest struct {
	RoleID         string `json:"role_id"`
	OrganizationID string `json:"organization_id,omitempty"`
}

// AssignRoleToGroup grants a role to a group. organization_id defaults to the group's own.
func (h *Handlers) AssignRoleToGroup(w http.ResponseWriter, r *http.Request) {
	groupID, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	var req assignGroupRoleRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.RoleID == "" {
		httputil.WriteBadRequest(w, "role_id is required")
		return
	}

	if req.OrganizationID == "" {
		g, err := h.manager.GetGroup(r.Context(), groupID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		req.OrganizationID = g.OrganizationID
	}

	if err := h.manager.AssignRoleToGroup(r.Context(), groupID, req.RoleID, req.OrganizationID); err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// GetGroupRoles lists a group's role grants
func (h *Handlers) GetGroupRoles(w http.ResponseWriter, r *http.Request) {
	groupID, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}

	assignments, err := h.manager.ListAssignmentsForGroup(r.Context(), groupID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, assignments)
}

// RemoveRoleFromGroup revokes a group's role grant. organization_id defaults to the group's own.
func (h *Handlers) RemoveRoleFromGroup(w http.ResponseWriter, r *http.Request) {
	groupID, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	roleID, ok := httputil.ParsePathStringOrError(w, r, "role_id")
	if !ok {
		return
	}

	orgID := httputil.ParseQueryString(r, "organization_id", "")
	if orgID == "" {
		g, err := h.manager.GetGroup(r.Context(), groupID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		orgID = g.OrganizationID
	}

	if err := h.manager.RemoveRoleFromGroup(r.Context(), groupID, roleID, orgID); err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// normalizeScope treats an empty resource id as global
func normalizeScope(resourceID *string) *string {
	if resourceID == nil || *resourceID == "" {
		return nil
	}
	return resourceID
}
