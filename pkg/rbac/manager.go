package rbac

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/platinummonkey/loom/pkg/audit"
	"github.com/platinummonkey/loom/pkg/auth"
	"github.com/platinummonkey/loom/pkg/contextkeys"
	"github.com/platinummonkey/loom/pkg/observability"
)

// Config holds RBAC configuration
type Config struct {
	// CacheTTL is how long a role's effective permission set is cached
	CacheTTL time.Duration

	// CacheSize bounds the number of cached roles; 0 disables the cache
	CacheSize int
}

// DefaultConfig returns default RBAC configuration
func DefaultConfig() Config {
	return Config{
		CacheTTL:  time.Minute,
		CacheSize: 1024,
	}
}

// Option configures a Manager
type Option func(*Manager)

// WithAuditLogger sets the audit sink for mutations
func WithAuditLogger(logger audit.Logger) Option {
	return func(m *Manager) { m.auditLogger = logger }
}

// WithInvalidator announces role mutations to other instances
func WithInvalidator(inv Invalidator) Option {
	return func(m *Manager) { m.invalidator = inv }
}

// WithLogger sets the diagnostic logger
func WithLogger(logger *observability.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithMetrics sets the metrics the resolver and cache report to
func WithMetrics(metrics *observability.Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithCache replaces the role cache built from Config
func WithCache(cache *RoleCache) Option {
	return func(m *Manager) {
		m.cache = cache
		m.cacheSet = true
	}
}

// Manager is the RBAC core API used by controllers and the gate. Mutations
// purge the role cache, notify other instances and emit audit events.
type Manager struct {
	store       *Store
	resolver    *Resolver
	cache       *RoleCache
	cacheSet    bool
	invalidator Invalidator
	auditLogger audit.Logger
	logger      *observability.Logger
	metrics     *observability.Metrics
	config      Config
}

// NewManager creates a new RBAC manager
func NewManager(db *sql.DB, config Config, opts ...Option) *Manager {
	m := &Manager{
		store:  NewStore(db),
		config: config,
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.auditLogger == nil {
		m.auditLogger = audit.NewNoOpLogger()
	}
	if m.logger == nil {
		m.logger = observability.NopLogger()
	}
	if m.metrics == nil {
		m.metrics = observability.NewNopMetrics()
	}
	if !m.cacheSet {
		m.cache = NewRoleCache(config.CacheSize, config.CacheTTL, m.metrics)
	}
	m.resolver = NewResolver(m.store, m.cache, m.metrics)
	return m
}

// Store returns the RBAC store
func (m *Manager) Store() *Store {
	return m.store
}

// Resolver returns the permission resolver
func (m *Manager) Resolver() *Resolver {
	return m.resolver
}

// Cache returns the role cache, which may be nil
func (m *Manager) Cache() *RoleCache {
	return m.cache
}

// NewGate returns a gate backed by this manager
func (m *Manager) NewGate() *Gate {
	return NewGate(m, m.logger, m.metrics)
}

// Migrate applies pending schema migrations
func (m *Manager) Migrate(ctx context.Context) error {
	if err := RunMigrations(ctx, m.store.db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Seed runs InitializeRBAC and invalidates cached role data
func (m *Manager) Seed(ctx context.Context) (*SeedResult, error) {
	result, err := InitializeRBAC(ctx, m.store)
	m.emit(ctx, audit.EventTypeSeed, audit.ResourceTypeCatalog, "", err, func(e *audit.AuditEvent) {
		if result != nil {
			e.Details["permissions_created"] = result.PermissionsCreated
			e.Details["roles_created"] = result.RolesCreated
			e.Details["roles_synced"] = result.RolesSynced
		}
	})
	if err != nil {
		return nil, err
	}
	m.roleGraphChanged(ctx)
	return result, nil
}

// Initialize migrates the schema and seeds the catalog and system roles
func (m *Manager) Initialize(ctx context.Context) (*SeedResult, error) {
	if err := m.Migrate(ctx); err != nil {
		return nil, err
	}
	return m.Seed(ctx)
}

// Queries

// Check evaluates a permission check
func (m *Manager) Check(ctx context.Context, check PermissionCheck) (*CheckResult, error) {
	return m.resolver.Check(ctx, check)
}

// HasPermission reports whether userID holds key in the given scope
func (m *Manager) HasPermission(ctx context.Context, userID string, key PermissionKey, resourceID *string) (bool, error) {
	return m.resolver.HasPermission(ctx, userID, key, resourceID)
}

// GetEffectivePermissions returns the role's own and inherited permissions
func (m *Manager) GetEffectivePermissions(ctx context.Context, roleID string) ([]PermissionKey, error) {
	return m.resolver.GetEffectivePermissions(ctx, roleID)
}

// UserPermissions returns the user's aggregate permissions in the given scope
func (m *Manager) UserPermissions(ctx context.Context, userID string, resourceID *string) ([]PermissionKey, error) {
	set, err := m.resolver.UserPermissions(ctx, userID, resourceID)
	if err != nil {
		return nil, err
	}
	return set.Keys(), nil
}

// GetUserWithRoles returns the display projection of the user's assignments
func (m *Manager) GetUserWithRoles(ctx context.Context, userID string) (*UserWithRoles, error) {
	return m.store.GetUserWithRoles(ctx, userID)
}

// GetRole retrieves a role with its direct permissions and children
func (m *Manager) GetRole(ctx context.Context, roleID string) (*Role, error) {
	return m.store.GetRole(ctx, roleID)
}

// ListRoles returns every role
func (m *Manager) ListRoles(ctx context.Context) ([]Role, error) {
	return m.store.ListRoles(ctx)
}

// ListPermissions returns the permission catalog
func (m *Manager) ListPermissions(ctx context.Context) ([]Permission, error) {
	return m.store.ListPermissions(ctx)
}

// ListAssignmentsForUser returns the user's direct role assignments
func (m *Manager) ListAssignmentsForUser(ctx context.Context, userID string) ([]UserRoleAssignment, error) {
	return m.store.ListAssignmentsForUser(ctx, userID)
}

// GetGroup retrieves a group
func (m *Manager) GetGroup(ctx context.Context, groupID string) (*Group, error) {
	return m.store.GetGroup(ctx, groupID)
}

// ListGroups returns groups, optionally for one organization
func (m *Manager) ListGroups(ctx context.Context, organizationID *string) ([]Group, error) {
	return m.store.ListGroups(ctx, organizationID)
}

// ListGroupMembers returns the members of a group
func (m *Manager) ListGroupMembers(ctx context.Context, groupID string) ([]GroupMember, error) {
	return m.store.ListGroupMembers(ctx, groupID)
}

// ListGroupsForUser returns the groups a user belongs to
func (m *Manager) ListGroupsForUser(ctx context.Context, userID string) ([]Group, error) {
	return m.store.ListGroupsForUser(ctx, userID)
}

// ListAssignmentsForGroup returns the role grants of a group
func (m *Manager) ListAssignmentsForGroup(ctx context.Context, groupID string) ([]GroupRoleAssignment, error) {
	return m.store.ListAssignmentsForGroup(ctx, groupID)
}

// Role graph mutations

// CreateRole creates a custom role
func (m *Manager) CreateRole(ctx context.Context, in RoleInput) (*Role, error) {
	role, err := m.store.CreateRole(ctx, in)

	resourceID := ""
	if role != nil {
		resourceID = role.ID
	}
	m.emit(ctx, audit.EventTypeRoleCreate, audit.ResourceTypeRole, resourceID, err, func(e *audit.AuditEvent) {
		e.Details["name"] = in.Name
		e.Details["permissions"] = keyStrings(in.Permissions)
		if in.ParentRoleID != nil {
			e.Details["parent_role_id"] = *in.ParentRoleID
		}
	})
	if err != nil {
		return nil, err
	}

	m.roleGraphChanged(ctx)
	return role, nil
}

// UpdateRole applies upd atomically
func (m *Manager) UpdateRole(ctx context.Context, roleID string, upd RoleUpdate) (*Role, error) {
	before, _ := m.store.GetRole(ctx, roleID)
	role, err := m.store.UpdateRole(ctx, roleID, upd)

	m.emit(ctx, audit.EventTypeRoleUpdate, audit.ResourceTypeRole, roleID, err, func(e *audit.AuditEvent) {
		if before != nil && role != nil {
			e.Changes = &audit.ChangeDetails{
				Before: roleSnapshot(before),
				After:  roleSnapshot(role),
			}
		}
	})
	if err != nil {
		return nil, err
	}

	m.roleGraphChanged(ctx)
	return role, nil
}

// DeleteRole deletes a non-system role and its assignments
func (m *Manager) DeleteRole(ctx context.Context, roleID string) error {
	before, _ := m.store.GetRole(ctx, roleID)
	err := m.store.DeleteRole(ctx, roleID)

	m.emit(ctx, audit.EventTypeRoleDelete, audit.ResourceTypeRole, roleID, err, func(e *audit.AuditEvent) {
		if before != nil {
			e.Details["name"] = before.Name
		}
	})
	if err != nil {
		return err
	}

	m.roleGraphChanged(ctx)
	return nil
}

// User assignments

// AssignRoleToUser grants a role to a user; repeating an existing grant succeeds
func (m *Manager) AssignRoleToUser(ctx context.Context, userID, roleID string, resourceID *string) error {
	created, err := m.store.AssignRoleToUser(ctx, userID, roleID, resourceID)
	m.emit(ctx, audit.EventTypeUserRoleAssign, audit.ResourceTypeUserRole, roleID, err, func(e *audit.AuditEvent) {
		e.Details["user_id"] = userID
		e.Details["resource_id"] = scopeValue(resourceID)
		e.Details["created"] = created
	})
	return err
}

// RemoveRoleFromUser revokes exactly the matching grant; absent grants are a no-op
func (m *Manager) RemoveRoleFromUser(ctx context.Context, userID, roleID string, resourceID *string) error {
	removed, err := m.store.RemoveRoleFromUser(ctx, userID, roleID, resourceID)
	m.emit(ctx, audit.EventTypeUserRoleRemove, audit.ResourceTypeUserRole, roleID, err, func(e *audit.AuditEvent) {
		e.Details["user_id"] = userID
		e.Details["resource_id"] = scopeValue(resourceID)
		e.Details["removed"] = removed
	})
	return err
}

// Groups

// CreateGroup creates a group
func (m *Manager) CreateGroup(ctx context.Context, in GroupInput) (*Group, error) {
	g, err := m.store.CreateGroup(ctx, in)
	resourceID := ""
	if g != nil {
		resourceID = g.ID
	}
	m.emit(ctx, audit.EventTypeGroupCreate, audit.ResourceTypeGroup, resourceID, err, func(e *audit.AuditEvent) {
		e.OrganizationID = in.OrganizationID
		e.Details["name"] = in.Name
	})
	return g, err
}

// UpdateGroup updates a group's name or description
func (m *Manager) UpdateGroup(ctx context.Context, groupID string, upd GroupUpdate) (*Group, error) {
	g, err := m.store.UpdateGroup(ctx, groupID, upd)
	m.emit(ctx, audit.EventTypeGroupUpdate, audit.ResourceTypeGroup, groupID, err, func(e *audit.AuditEvent) {
		if upd.Name != nil {
			e.Details["name"] = *upd.Name
		}
		if upd.Description != nil {
			e.Details["description"] = *upd.Description
		}
	})
	return g, err
}

// DeleteGroup deletes a group, its memberships and its role grants
func (m *Manager) DeleteGroup(ctx context.Context, groupID string) error {
	err := m.store.DeleteGroup(ctx, groupID)
	m.emit(ctx, audit.EventTypeGroupDelete, audit.ResourceTypeGroup, groupID, err, nil)
	return err
}

// AddGroupMember adds a user to a group
func (m *Manager) AddGroupMember(ctx context.Context, groupID, userID string) error {
	created, err := m.store.AddGroupMember(ctx, groupID, userID)
	m.emit(ctx, audit.EventTypeGroupMemberAdd, audit.ResourceTypeGroupMember, groupID, err, func(e *audit.AuditEvent) {
		e.Details["user_id"] = userID
		e.Details["created"] = created
	})
	return err
}

// RemoveGroupMember removes a user from a group
func (m *Manager) RemoveGroupMember(ctx context.Context, groupID, userID string) error {
	removed, err := m.store.RemoveGroupMember(ctx, groupID, userID)
	m.emit(ctx, audit.EventTypeGroupMemberRemove, audit.ResourceTypeGroupMember, groupID, err, func(e *audit.AuditEvent) {
		e.Details["user_id"] = userID
		e.Details["removed"] = removed
	})
	return err
}

// AssignRoleToGroup grants a role to a group within an organization
func (m *Manager) AssignRoleToGroup(ctx context.Context, groupID, roleID, organizationID string) error {
	created, err := m.store.AssignRoleToGroup(ctx, groupID, roleID, organizationID)
	m.emit(ctx, audit.EventTypeGroupRoleAssign, audit.ResourceTypeGroupRole, roleID, err, func(e *audit.AuditEvent) {
		e.OrganizationID = organizationID
		e.Details["group_id"] = groupID
		e.Details["created"] = created
	})
	return err
}

// RemoveRoleFromGroup revokes a group's role grant
func (m *Manager) RemoveRoleFromGroup(ctx context.Context, groupID, roleID, organizationID string) error {
	removed, err := m.store.RemoveRoleFromGroup(ctx, groupID, roleID, organizationID)
	m.emit(ctx, audit.EventTypeGroupRoleRemove, audit.ResourceTypeGroupRole, roleID, err, func(e *audit.AuditEvent) {
		e.OrganizationID = organizationID
		e.Details["group_id"] = groupID
		e.Details["removed"] = removed
	})
	return err
}

// roleGraphChanged drops cached effective sets here and on other instances
func (m *Manager) roleGraphChanged(ctx context.Context) {
	m.cache.Purge(PurgeLocal)
	if m.invalidator == nil {
		return
	}
	if err := m.invalidator.Publish(ctx); err != nil {
		m.logger.WithError(err).Warn("failed to publish role cache invalidation")
	}
}

// emit sends an audit event without letting sink failures affect the caller
func (m *Manager) emit(ctx context.Context, eventType audit.EventType, resourceType audit.ResourceType, resourceID string, opErr error, decorate func(*audit.AuditEvent)) {
	event := audit.NewEvent(ctx, eventType, resourceType, resourceID)
	if authCtx, ok := ctx.Value(contextkeys.AuthKey).(*auth.AuthContext); ok {
		if org := authCtx.OrganizationID(); org != nil {
			event.OrganizationID = *org
		}
	}
	if decorate != nil {
		decorate(event)
	}
	if opErr != nil {
		event.Status = audit.EventStatusFailure
		event.Message = opErr.Error()
	}

	if err := m.auditLogger.Log(ctx, event); err != nil {
		m.logger.WithError(err).WithField("event_type", string(eventType)).Warn("failed to record audit event")
	}
}

func roleSnapshot(r *Role) map[string]interface{} {
	snap := map[string]interface{}{
		"name":        r.Name,
		"description": r.Description,
		"permissions": keyStrings(r.PermissionKeys()),
	}
	if r.ParentRoleID != nil {
		snap["parent_role_id"] = *r.ParentRoleID
	}
	return snap
}
