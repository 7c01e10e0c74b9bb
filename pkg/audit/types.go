package audit

import (
	"encoding/json"
	"time"
)

// EventType represents the category of audit event
type EventType string

const (
	// Role graph events
	EventTypeRoleCreate EventType = "rbac.role_create"
	EventTypeRoleUpdate EventType = "rbac.role_update"
	EventTypeRoleDelete EventType = "rbac.role_delete"

	// Assignment events
	EventTypeUserRoleAssign  EventType = "rbac.user_role_assign"
	EventTypeUserRoleRemove  EventType = "rbac.user_role_remove"
	EventTypeGroupRoleAssign EventType = "rbac.group_role_assign"
	EventTypeGroupRoleRemove EventType = "rbac.group_role_remove"

	// Group events
	EventTypeGroupCreate       EventType = "rbac.group_create"
	EventTypeGroupUpdate       EventType = "rbac.group_update"
	EventTypeGroupDelete       EventType = "rbac.group_delete"
	EventTypeGroupMemberAdd    EventType = "rbac.group_member_add"
	EventTypeGroupMemberRemove EventType = "rbac.group_member_remove"

	// Bootstrap
	EventTypeSeed EventType = "rbac.seed"
)

// EventStatus represents the outcome of an event
type EventStatus string

const (
	EventStatusSuccess EventStatus = "success"
	EventStatusFailure EventStatus = "failure"
)

// ResourceType represents the kind of RBAC entity an event concerns
type ResourceType string

const (
	ResourceTypeRole        ResourceType = "role"
	ResourceTypeUserRole    ResourceType = "user_role"
	ResourceTypeGroup       ResourceType = "group"
	ResourceTypeGroupMember ResourceType = "group_member"
	ResourceTypeGroupRole   ResourceType = "group_role"
	ResourceTypeCatalog     ResourceType = "catalog"
)

// AuditEvent represents a single audit log entry
type AuditEvent struct {
	Timestamp time.Time   `json:"timestamp"`
	EventType EventType   `json:"event_type"`
	Status    EventStatus `json:"status"`

	// Actor information
	ActorUserID    string `json:"actor_user_id,omitempty"`
	OrganizationID string `json:"organization_id,omitempty"`

	// Resource information
	ResourceType ResourceType `json:"resource_type,omitempty"`
	ResourceID   string       `json:"resource_id,omitempty"`

	RequestID string                 `json:"request_id,omitempty"`
	Message   string                 `json:"message,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`

	// Changes tracking (before/after for updates)
	Changes *ChangeDetails `json:"changes,omitempty"`
}

// ChangeDetails tracks before/after values for updates
type ChangeDetails struct {
	Before map[string]interface{} `json:"before,omitempty"`
	After  map[string]interface{} `json:"after,omitempty"`
}

// ToJSON converts the audit event to JSON
func (e *AuditEvent) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}
