package rbac

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

// Resource represents a resource type in the system
type Resource string

const (
	ResourceProject    Resource = "project"
	ResourcePage       Resource = "page"
	ResourceDatasource Resource = "datasource"
	ResourceWorkflow   Resource = "workflow"
	ResourceRole       Resource = "role"
	ResourceUser       Resource = "user"
	ResourceGroup      Resource = "group"
	ResourceAudit      Resource = "audit"
)

// Action represents an action that can be performed on a resource
type Action string

const (
	ActionCreate  Action = "create"
	ActionRead    Action = "read"
	ActionUpdate  Action = "update"
	ActionWrite   Action = "write"
	ActionDelete  Action = "delete"
	ActionQuery   Action = "query"
	ActionExecute Action = "execute"
	ActionAssign  Action = "assign"
)

// PermissionKey is a parsed "resource:action" pair
type PermissionKey struct {
	Resource Resource `json:"resource"`
	Action   Action   `json:"action"`
}

// NewPermissionKey builds a key without validation; use ParsePermissionKey for untrusted input
func NewPermissionKey(resource Resource, action Action) PermissionKey {
	return PermissionKey{Resource: resource, Action: action}
}

// permissionSegment is the alphabet of both halves of a permission key
var permissionSegment = regexp.MustCompile(`^[a-z0-9_-]+$`)

// ParsePermissionKey parses the "resource:action" wire format. Both halves
// are non-empty and limited to lowercase letters, digits, '_' and '-'.
func ParsePermissionKey(s string) (PermissionKey, error) {
	resource, action, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || !permissionSegment.MatchString(resource) || !permissionSegment.MatchString(action) {
		return PermissionKey{}, fmt.Errorf("%w: %q, expected resource:action", ErrInvalidPermission, s)
	}
	return PermissionKey{Resource: Resource(resource), Action: Action(action)}, nil
}

// ParsePermissionKeys parses every string, failing on the first malformed one
func ParsePermissionKeys(values ...string) ([]PermissionKey, error) {
	keys := make([]PermissionKey, 0, len(values))
	for _, v := range values {
		key, err := ParsePermissionKey(v)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// String returns the "resource:action" form
func (k PermissionKey) String() string {
	return string(k.Resource) + ":" + string(k.Action)
}

// MarshalText encodes the key as "resource:action"
func (k PermissionKey) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText decodes "resource:action"
func (k *PermissionKey) UnmarshalText(text []byte) error {
	parsed, err := ParsePermissionKey(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

func lessKey(a, b PermissionKey) bool {
	if a.Resource != b.Resource {
		return a.Resource < b.Resource
	}
	return a.Action < b.Action
}

// PermissionSet is a set of (resource, action) pairs.
// Sets handed out by the resolver are shared and must be treated as read-only.
type PermissionSet map[PermissionKey]struct{}

// NewPermissionSet returns a set holding keys
func NewPermissionSet(keys ...PermissionKey) PermissionSet {
	s := make(PermissionSet, len(keys))
	for _, k := range keys {
		s[k] = struct{}{}
	}
	return s
}

// Add inserts key
func (s PermissionSet) Add(key PermissionKey) {
	s[key] = struct{}{}
}

// Has reports membership
func (s PermissionSet) Has(key PermissionKey) bool {
	_, ok := s[key]
	return ok
}

// Union adds every key of other into s
func (s PermissionSet) Union(other PermissionSet) {
	for k := range other {
		s[k] = struct{}{}
	}
}

// ContainsAll reports whether s is a superset of other
func (s PermissionSet) ContainsAll(other PermissionSet) bool {
	for k := range other {
		if !s.Has(k) {
			return false
		}
	}
	return true
}

// Clone returns an independent copy
func (s PermissionSet) Clone() PermissionSet {
	c := make(PermissionSet, len(s))
	c.Union(s)
	return c
}

// Keys returns the members ordered by (resource, action)
func (s PermissionSet) Keys() []PermissionKey {
	keys := make([]PermissionKey, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return lessKey(keys[i], keys[j]) })
	return keys
}

// Permission is a catalog entry. ResourceID is nil for catalog-level definitions.
type Permission struct {
	ID          string    `json:"id"`
	Resource    Resource  `json:"resource"`
	Action      Action    `json:"action"`
	ResourceID  *string   `json:"resource_id,omitempty"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

// Key drops the resource instance and returns the (resource, action) pair
func (p Permission) Key() PermissionKey {
	return PermissionKey{Resource: p.Resource, Action: p.Action}
}

// String returns a string representation of the permission
func (p Permission) String() string {
	if p.ResourceID != nil {
		return p.Key().String() + "@" + *p.ResourceID
	}
	return p.Key().String()
}

// Role is a named set of direct permissions with an optional parent
type Role struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Description  string       `json:"description"`
	IsSystem     bool         `json:"is_system"`
	ParentRoleID *string      `json:"parent_role_id,omitempty"`
	Permissions  []Permission `json:"permissions"`
	Children     []RoleRef    `json:"children,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// PermissionKeys returns the role's direct permissions as keys
func (r *Role) PermissionKeys() []PermissionKey {
	keys := make([]PermissionKey, 0, len(r.Permissions))
	for _, p := range r.Permissions {
		keys = append(keys, p.Key())
	}
	return keys
}

// RoleRef identifies a role without its permissions
type RoleRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// RoleInput describes a role to create
type RoleInput struct {
	Name         string          `json:"name"`
	Description  string          `json:"description"`
	Permissions  []PermissionKey `json:"permissions"`
	ParentRoleID *string         `json:"parent_role_id,omitempty"`
}

// RoleUpdate describes changes to a role. Nil fields are left untouched;
// a non-nil Permissions slice (even empty) replaces the direct permission set.
type RoleUpdate struct {
	Name         *string          `json:"name,omitempty"`
	Description  *string          `json:"description,omitempty"`
	Permissions  *[]PermissionKey `json:"permissions,omitempty"`
	ParentRoleID *string          `json:"parent_role_id,omitempty"`
	ClearParent  bool             `json:"clear_parent,omitempty"`
}

// UserRoleAssignment grants a role to a user, globally or for one resource instance
type UserRoleAssignment struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	RoleID     string    `json:"role_id"`
	RoleName   string    `json:"role_name,omitempty"`
	ResourceID *string   `json:"resource_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// IsGlobal reports whether the assignment applies to every resource instance
func (a UserRoleAssignment) IsGlobal() bool {
	return a.ResourceID == nil
}

// Group is a set of users that can be granted roles as a unit
type Group struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	Name           string    `json:"name"`
	Description    string    `json:"description"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// GroupInput describes a group to create
type GroupInput struct {
	OrganizationID string `json:"organization_id"`
	Name           string `json:"name"`
	Description    string `json:"description"`
}

// GroupUpdate describes changes to a group; nil fields are left untouched
type GroupUpdate struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
}

// GroupMember represents a user's membership in a group
type GroupMember struct {
	GroupID string    `json:"group_id"`
	UserID  string    `json:"user_id"`
	AddedAt time.Time `json:"added_at"`
}

// GroupRoleAssignment grants a role to every member of a group within one organization
type GroupRoleAssignment struct {
	ID             string    `json:"id"`
	GroupID        string    `json:"group_id"`
	RoleID         string    `json:"role_id"`
	RoleName       string    `json:"role_name,omitempty"`
	OrganizationID string    `json:"organization_id"`
	CreatedAt      time.Time `json:"created_at"`
}

// PermissionCheck represents a permission check request
type PermissionCheck struct {
	UserID         string        `json:"user_id"`
	Permission     PermissionKey `json:"permission"`
	ResourceID     *string       `json:"resource_id,omitempty"`
	OrganizationID *string       `json:"organization_id,omitempty"` // narrows group-derived roles
}

// CheckResult represents the result of a permission check
type CheckResult struct {
	Allowed      bool      `json:"allowed"`
	Reason       string    `json:"reason,omitempty"`
	MatchedRoles []string  `json:"matched_roles,omitempty"`
	CheckedAt    time.Time `json:"checked_at"`
}

// UserWithRoles is the display projection of a user's direct assignments
type UserWithRoles struct {
	UserID      string               `json:"user_id"`
	Assignments []UserRoleAssignment `json:"assignments"`
	Roles       []Role               `json:"roles"`
	Permissions []PermissionKey      `json:"permissions"`
}

// grant is one role reaching a user, either directly or through a group
type grant struct {
	RoleID         string
	RoleName       string
	ResourceID     string // "" for global
	OrganizationID string // set for group-derived grants
	ViaGroup       bool
}

// applies reports whether the grant is in scope for a query. Global grants always
// apply; scoped grants only when the query names the same resource instance.
// A non-nil organization narrows group-derived grants to that organization.
func (g grant) applies(resourceID, organizationID *string) bool {
	if g.ViaGroup && organizationID != nil && g.OrganizationID != *organizationID {
		return false
	}
	if g.ResourceID == "" {
		return true
	}
	return resourceID != nil && *resourceID == g.ResourceID
}

// checkScope rejects a present but empty resource id. The empty string is the
// stored form of a global grant, so accepting it would widen the grant.
func checkScope(resourceID *string) error {
	if resourceID != nil && *resourceID == "" {
		return fmt.Errorf("%w: resource id must be omitted for a global grant, not empty", ErrInvalidInput)
	}
	return nil
}

// scopeValue converts an optional resource scope to its stored form
func scopeValue(resourceID *string) string {
	if resourceID == nil {
		return ""
	}
	return *resourceID
}

// scopePtr converts a stored scope back to its optional form
func scopePtr(stored string) *string {
	if stored == "" {
		return nil
	}
	s := stored
	return &s
}
