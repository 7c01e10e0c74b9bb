package rbac

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/platinummonkey/loom/pkg/database"
)

// querier is satisfied by both *sql.DB and *sql.Tx
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// Store handles RBAC data persistence.
// Every multi-statement mutation runs in a single transaction; inside one, only
// the transaction handle is used so a single-connection pool cannot deadlock.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a new RBAC store
func NewStore(db *sql.DB) *Store {
	return &Store{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// DB returns the underlying database handle
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Permission catalog

const permissionColumns = "id, resource, action, resource_id, description, created_at"

func scanPermission(row rowScanner) (Permission, error) {
	var p Permission
	var resourceID string
	if err := row.Scan(&p.ID, &p.Resource, &p.Action, &resourceID, &p.Description, &p.CreatedAt); err != nil {
		return Permission{}, err
	}
	p.ResourceID = scopePtr(resourceID)
	return p, nil
}

// EnsurePermission creates the permission if no entry with the same
// (resource, action, resource_id) exists. It reports whether a row was inserted.
func (s *Store) EnsurePermission(ctx context.Context, key PermissionKey, resourceID *string, description string) (bool, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		"SELECT id FROM permissions WHERE resource = $1 AND action = $2 AND resource_id = $3",
		key.Resource, key.Action, scopeValue(resourceID),
	).Scan(&id)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return false, classify(err, "look up permission")
	}

	_, err = s.db.ExecContext(ctx,
		"INSERT INTO permissions ("+permissionColumns+") VALUES ($1, $2, $3, $4, $5, $6)",
		uuid.NewString(), key.Resource, key.Action, scopeValue(resourceID), description, s.now(),
	)
	if database.IsUniqueViolation(err) {
		// lost a race with a concurrent seed
		return false, nil
	}
	if err != nil {
		return false, classify(err, "create permission")
	}
	return true, nil
}

// ListPermissions returns the catalog ordered by (resource, action, resource_id)
func (s *Store) ListPermissions(ctx context.Context) ([]Permission, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+permissionColumns+" FROM permissions ORDER BY resource, action, resource_id")
	if err != nil {
		return nil, classify(err, "list permissions")
	}
	defer rows.Close()

	var perms []Permission
	for rows.Next() {
		p, err := scanPermission(rows)
		if err != nil {
			return nil, classify(err, "scan permission")
		}
		perms = append(perms, p)
	}
	return perms, classify(rows.Err(), "list permissions")
}

// permissionIDs resolves catalog-level keys to permission ids. Unknown keys are skipped.
func permissionIDs(ctx context.Context, q querier, keys []PermissionKey) ([]string, error) {
	seen := make(map[PermissionKey]bool, len(keys))
	ids := make([]string, 0, len(keys))
	for _, key := range keys {
		if seen[key] {
			continue
		}
		seen[key] = true

		var id string
		err := q.QueryRowContext(ctx,
			"SELECT id FROM permissions WHERE resource = $1 AND action = $2 AND resource_id = ''",
			key.Resource, key.Action,
		).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, classify(err, "resolve permission "+key.String())
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// replacePermissions swaps the role's direct permission set inside tx
func replacePermissions(ctx context.Context, tx *sql.Tx, roleID string, keys []PermissionKey) error {
	ids, err := permissionIDs(ctx, tx, keys)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM role_permissions WHERE role_id = $1", roleID); err != nil {
		return classify(err, "clear role permissions")
	}
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO role_permissions (role_id, permission_id) VALUES ($1, $2)", roleID, id,
		); err != nil {
			return classify(err, "insert role permission")
		}
	}
	return nil
}

func directPermissions(ctx context.Context, q querier, roleID string) ([]Permission, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT p.id, p.resource, p.action, p.resource_id, p.description, p.created_at
		FROM role_permissions rp
		JOIN permissions p ON p.id = rp.permission_id
		WHERE rp.role_id = $1
		ORDER BY p.resource, p.action, p.resource_id
	`, roleID)
	if err != nil {
		return nil, classify(err, "load role permissions")
	}
	defer rows.Close()

	perms := []Permission{}
	for rows.Next() {
		p, err := scanPermission(rows)
		if err != nil {
			return nil, classify(err, "scan permission")
		}
		perms = append(perms, p)
	}
	return perms, classify(rows.Err(), "load role permissions")
}

// Roles

const roleColumns = "id, name, description, is_system, parent_role_id, created_at, updated_at"

func scanRole(row rowScanner) (*Role, error) {
	var role Role
	var parent sql.NullString
	if err := row.Scan(&role.ID, &role.Name, &role.Description, &role.IsSystem, &parent, &role.CreatedAt, &role.UpdatedAt); err != nil {
		return nil, err
	}
	if parent.Valid && parent.String != "" {
		p := parent.String
		role.ParentRoleID = &p
	}
	return &role, nil
}

func getRoleRow(ctx context.Context, q querier, roleID string) (*Role, error) {
	role, err := scanRole(q.QueryRowContext(ctx, "SELECT "+roleColumns+" FROM roles WHERE id = $1", roleID))
	if err != nil {
		return nil, classify(err, "get role "+roleID)
	}
	return role, nil
}

func roleExists(ctx context.Context, q querier, roleID string) error {
	var id string
	if err := q.QueryRowContext(ctx, "SELECT id FROM roles WHERE id = $1", roleID).Scan(&id); err != nil {
		return classify(err, "get role "+roleID)
	}
	return nil
}

// CreateRole creates a non-system role. Unknown permission keys are ignored.
func (s *Store) CreateRole(ctx context.Context, in RoleInput) (*Role, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: role name is required", ErrInvalidInput)
	}
	if in.ParentRoleID != nil && *in.ParentRoleID == "" {
		return nil, fmt.Errorf("%w: parent role id must not be empty", ErrInvalidInput)
	}

	id := uuid.NewString()
	now := s.now()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if in.ParentRoleID != nil {
			if err := roleExists(ctx, tx, *in.ParentRoleID); err != nil {
				return fmt.Errorf("parent role: %w", err)
			}
		}

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO roles ("+roleColumns+") VALUES ($1, $2, $3, $4, $5, $6, $7)",
			id, name, in.Description, false, in.ParentRoleID, now, now,
		); err != nil {
			return classify(err, "create role "+name)
		}

		return replacePermissions(ctx, tx, id, in.Permissions)
	})
	if err != nil {
		return nil, err
	}

	return s.GetRole(ctx, id)
}

// GetRole retrieves a role with its direct permissions and immediate children
func (s *Store) GetRole(ctx context.Context, roleID string) (*Role, error) {
	role, err := getRoleRow(ctx, s.db, roleID)
	if err != nil {
		return nil, err
	}
	return s.hydrate(ctx, role)
}

// GetRoleByName retrieves a role by its unique name
func (s *Store) GetRoleByName(ctx context.Context, name string) (*Role, error) {
	role, err := scanRole(s.db.QueryRowContext(ctx, "SELECT "+roleColumns+" FROM roles WHERE name = $1", name))
	if err != nil {
		return nil, classify(err, "get role "+name)
	}
	return s.hydrate(ctx, role)
}

func (s *Store) hydrate(ctx context.Context, role *Role) (*Role, error) {
	perms, err := directPermissions(ctx, s.db, role.ID)
	if err != nil {
		return nil, err
	}
	role.Permissions = perms

	children, err := childRoles(ctx, s.db, role.ID)
	if err != nil {
		return nil, err
	}
	role.Children = children
	return role, nil
}

func childRoles(ctx context.Context, q querier, roleID string) ([]RoleRef, error) {
	rows, err := q.QueryContext(ctx, "SELECT id, name FROM roles WHERE parent_role_id = $1 ORDER BY name", roleID)
	if err != nil {
		return nil, classify(err, "list child roles")
	}
	defer rows.Close()

	var children []RoleRef
	for rows.Next() {
		var ref RoleRef
		if err := rows.Scan(&ref.ID, &ref.Name); err != nil {
			return nil, classify(err, "scan child role")
		}
		children = append(children, ref)
	}
	return children, classify(rows.Err(), "list child roles")
}

// ListRoles returns every role with its direct permissions, system roles first
func (s *Store) ListRoles(ctx context.Context) ([]Role, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+roleColumns+" FROM roles ORDER BY is_system DESC, name")
	if err != nil {
		return nil, classify(err, "list roles")
	}

	var roles []Role
	index := make(map[string]int)
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			rows.Close()
			return nil, classify(err, "scan role")
		}
		role.Permissions = []Permission{}
		index[role.ID] = len(roles)
		roles = append(roles, *role)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, classify(err, "list roles")
	}
	rows.Close()

	permRows, err := s.db.QueryContext(ctx, `
		SELECT rp.role_id, p.id, p.resource, p.action, p.resource_id, p.description, p.created_at
		FROM role_permissions rp
		JOIN permissions p ON p.id = rp.permission_id
		ORDER BY p.resource, p.action, p.resource_id
	`)
	if err != nil {
		return nil, classify(err, "list role permissions")
	}
	defer permRows.Close()

	for permRows.Next() {
		var roleID, resourceID string
		var p Permission
		if err := permRows.Scan(&roleID, &p.ID, &p.Resource, &p.Action, &resourceID, &p.Description, &p.CreatedAt); err != nil {
			return nil, classify(err, "scan role permission")
		}
		p.ResourceID = scopePtr(resourceID)
		if i, ok := index[roleID]; ok {
			roles[i].Permissions = append(roles[i].Permissions, p)
		}
	}
	return roles, classify(permRows.Err(), "list role permissions")
}

// UpdateRole applies upd in a single transaction. Readers observe either the
// old or the new permission set, never an empty intermediate one.
func (s *Store) UpdateRole(ctx context.Context, roleID string, upd RoleUpdate) (*Role, error) {
	if !upd.ClearParent && upd.ParentRoleID != nil && *upd.ParentRoleID == "" {
		return nil, fmt.Errorf("%w: parent role id must not be empty, use ClearParent", ErrInvalidInput)
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		role, err := getRoleRow(ctx, tx, roleID)
		if err != nil {
			return err
		}

		if upd.Name != nil {
			name := strings.TrimSpace(*upd.Name)
			if name == "" {
				return fmt.Errorf("%w: role name is required", ErrInvalidInput)
			}
			if name != role.Name && role.IsSystem {
				return fmt.Errorf("%w: system role %q cannot be renamed", ErrInvariantViolation, role.Name)
			}
			role.Name = name
		}
		if upd.Description != nil {
			role.Description = *upd.Description
		}

		switch {
		case upd.ClearParent:
			role.ParentRoleID = nil
		case upd.ParentRoleID != nil:
			if err := checkParentEdge(ctx, tx, roleID, *upd.ParentRoleID); err != nil {
				return err
			}
			parent := *upd.ParentRoleID
			role.ParentRoleID = &parent
		}

		if _, err := tx.ExecContext(ctx,
			"UPDATE roles SET name = $1, description = $2, parent_role_id = $3, updated_at = $4 WHERE id = $5",
			role.Name, role.Description, role.ParentRoleID, s.now(), roleID,
		); err != nil {
			return classify(err, "update role "+roleID)
		}

		if upd.Permissions != nil {
			return replacePermissions(ctx, tx, roleID, *upd.Permissions)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return s.GetRole(ctx, roleID)
}

// checkParentEdge fails if making parentID the parent of roleID would close a cycle
func checkParentEdge(ctx context.Context, q querier, roleID, parentID string) error {
	visited := map[string]bool{}
	for cur := parentID; cur != ""; {
		if cur == roleID || visited[cur] {
			return fmt.Errorf("%w: %s -> %s", ErrCycleDetected, roleID, parentID)
		}
		visited[cur] = true

		var next sql.NullString
		err := q.QueryRowContext(ctx, "SELECT parent_role_id FROM roles WHERE id = $1", cur).Scan(&next)
		if err != nil {
			if cur == parentID {
				return fmt.Errorf("parent role: %w", classify(err, "get role "+cur))
			}
			return classify(err, "walk parent chain")
		}
		cur = next.String
	}
	return nil
}

// DeleteRole removes a non-system role and every assignment that targets it.
// A role that is still the parent of another role cannot be deleted.
func (s *Store) DeleteRole(ctx context.Context, roleID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		role, err := getRoleRow(ctx, tx, roleID)
		if err != nil {
			return err
		}
		if role.IsSystem {
			return fmt.Errorf("%w: system role %q cannot be deleted", ErrInvariantViolation, role.Name)
		}

		var children int
		if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM roles WHERE parent_role_id = $1", roleID).Scan(&children); err != nil {
			return classify(err, "count child roles")
		}
		if children > 0 {
			return fmt.Errorf("%w: role %q is the parent of %d role(s)", ErrInvariantViolation, role.Name, children)
		}

		for _, stmt := range []string{
			"DELETE FROM role_permissions WHERE role_id = $1",
			"DELETE FROM user_roles WHERE role_id = $1",
			"DELETE FROM group_roles WHERE role_id = $1",
			"DELETE FROM roles WHERE id = $1",
		} {
			if _, err := tx.ExecContext(ctx, stmt, roleID); err != nil {
				return classify(err, "delete role "+roleID)
			}
		}
		return nil
	})
}

// upsertSystemRole creates or re-syncs a built-in role. It reports whether the role was created.
func (s *Store) upsertSystemRole(ctx context.Context, def BuiltInRole) (bool, error) {
	var err error
	for attempt := 0; attempt < seedAttempts; attempt++ {
		var created bool
		created, err = s.upsertSystemRoleOnce(ctx, def)
		if !errors.Is(err, ErrConflict) {
			return created, err
		}
		// another instance seeded the same role concurrently; its rows are visible now
	}
	return false, err
}

const seedAttempts = 5

func (s *Store) upsertSystemRoleOnce(ctx context.Context, def BuiltInRole) (bool, error) {
	created := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.now()
		var id string
		err := tx.QueryRowContext(ctx, "SELECT id FROM roles WHERE name = $1", def.Name).Scan(&id)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			id = uuid.NewString()
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO roles ("+roleColumns+") VALUES ($1, $2, $3, $4, $5, $6, $7)",
				id, def.Name, def.Description, true, nil, now, now,
			); err != nil {
				return classify(err, "create role "+def.Name)
			}
			created = true
		case err != nil:
			return classify(err, "get role "+def.Name)
		default:
			if _, err := tx.ExecContext(ctx,
				"UPDATE roles SET is_system = $1, description = $2, updated_at = $3 WHERE id = $4",
				true, def.Description, now, id,
			); err != nil {
				return classify(err, "sync role "+def.Name)
			}
		}
		return replacePermissions(ctx, tx, id, def.Permissions)
	})
	return created, err
}

// roleNode is the minimal view of a role the resolver walks
type roleNode struct {
	ID           string
	Name         string
	ParentRoleID *string
	Permissions  PermissionSet
}

func (s *Store) loadRoleNode(ctx context.Context, roleID string) (*roleNode, error) {
	node := &roleNode{ID: roleID, Permissions: PermissionSet{}}
	var parent sql.NullString
	err := s.db.QueryRowContext(ctx, "SELECT name, parent_role_id FROM roles WHERE id = $1", roleID).Scan(&node.Name, &parent)
	if err != nil {
		return nil, classify(err, "get role "+roleID)
	}
	if parent.Valid && parent.String != "" {
		p := parent.String
		node.ParentRoleID = &p
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT p.resource, p.action
		FROM role_permissions rp
		JOIN permissions p ON p.id = rp.permission_id
		WHERE rp.role_id = $1
	`, roleID)
	if err != nil {
		return nil, classify(err, "load role permissions")
	}
	defer rows.Close()

	for rows.Next() {
		var key PermissionKey
		if err := rows.Scan(&key.Resource, &key.Action); err != nil {
			return nil, classify(err, "scan permission")
		}
		node.Permissions.Add(key)
	}
	return node, classify(rows.Err(), "load role permissions")
}

// User assignments

// AssignRoleToUser grants roleID to userID, globally when resourceID is nil.
// Assigning an already-held (user, role, scope) triple is a no-op; the return
// value reports whether a row was created.
func (s *Store) AssignRoleToUser(ctx context.Context, userID, roleID string, resourceID *string) (bool, error) {
	if strings.TrimSpace(userID) == "" {
		return false, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	if err := checkScope(resourceID); err != nil {
		return false, err
	}

	created := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := roleExists(ctx, tx, roleID); err != nil {
			return err
		}

		var id string
		err := tx.QueryRowContext(ctx,
			"SELECT id FROM user_roles WHERE user_id = $1 AND role_id = $2 AND resource_id = $3",
			userID, roleID, scopeValue(resourceID),
		).Scan(&id)
		if err == nil {
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return classify(err, "look up user role")
		}

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO user_roles (id, user_id, role_id, resource_id, created_at) VALUES ($1, $2, $3, $4, $5)",
			uuid.NewString(), userID, roleID, scopeValue(resourceID), s.now(),
		); err != nil {
			return err
		}
		created = true
		return nil
	})
	if database.IsUniqueViolation(err) {
		return false, nil
	}
	if err != nil {
		return false, classify(err, "assign role")
	}
	return created, nil
}

// RemoveRoleFromUser deletes exactly the matching (user, role, scope) triple.
// It reports whether anything was removed.
func (s *Store) RemoveRoleFromUser(ctx context.Context, userID, roleID string, resourceID *string) (bool, error) {
	if err := checkScope(resourceID); err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM user_roles WHERE user_id = $1 AND role_id = $2 AND resource_id = $3",
		userID, roleID, scopeValue(resourceID),
	)
	if err != nil {
		return false, classify(err, "remove user role")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, classify(err, "remove user role")
	}
	return n > 0, nil
}

// ListAssignmentsForUser returns the user's direct role assignments
func (s *Store) ListAssignmentsForUser(ctx context.Context, userID string) ([]UserRoleAssignment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ur.id, ur.user_id, ur.role_id, r.name, ur.resource_id, ur.created_at
		FROM user_roles ur
		JOIN roles r ON r.id = ur.role_id
		WHERE ur.user_id = $1
		ORDER BY r.name, ur.resource_id
	`, userID)
	if err != nil {
		return nil, classify(err, "list user roles")
	}
	defer rows.Close()

	assignments := []UserRoleAssignment{}
	for rows.Next() {
		var a UserRoleAssignment
		var resourceID string
		if err := rows.Scan(&a.ID, &a.UserID, &a.RoleID, &a.RoleName, &resourceID, &a.CreatedAt); err != nil {
			return nil, classify(err, "scan user role")
		}
		a.ResourceID = scopePtr(resourceID)
		assignments = append(assignments, a)
	}
	return assignments, classify(rows.Err(), "list user roles")
}

// grantsForUser returns every role reaching userID, directly or through group membership
func (s *Store) grantsForUser(ctx context.Context, userID string) ([]grant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ur.role_id, r.name, ur.resource_id, '' AS organization_id, 0 AS via_group
		FROM user_roles ur
		JOIN roles r ON r.id = ur.role_id
		WHERE ur.user_id = $1
		UNION ALL
		SELECT gr.role_id, r.name, '' AS resource_id, gr.organization_id, 1 AS via_group
		FROM group_roles gr
		JOIN group_members gm ON gm.group_id = gr.group_id
		JOIN roles r ON r.id = gr.role_id
		WHERE gm.user_id = $1
	`, userID)
	if err != nil {
		return nil, classify(err, "load user grants")
	}
	defer rows.Close()

	var grants []grant
	for rows.Next() {
		var g grant
		var viaGroup int
		if err := rows.Scan(&g.RoleID, &g.RoleName, &g.ResourceID, &g.OrganizationID, &viaGroup); err != nil {
			return nil, classify(err, "scan user grant")
		}
		g.ViaGroup = viaGroup == 1
		grants = append(grants, g)
	}
	return grants, classify(rows.Err(), "load user grants")
}

// GetUserWithRoles returns the user's direct assignments with each assigned role
// and the union of those roles' direct permissions. It is a display projection:
// inheritance and group membership are not resolved here.
func (s *Store) GetUserWithRoles(ctx context.Context, userID string) (*UserWithRoles, error) {
	assignments, err := s.ListAssignmentsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	out := &UserWithRoles{
		UserID:      userID,
		Assignments: assignments,
		Roles:       []Role{},
	}
	perms := PermissionSet{}
	seen := make(map[string]bool)
	for _, a := range assignments {
		if seen[a.RoleID] {
			continue
		}
		seen[a.RoleID] = true

		role, err := s.GetRole(ctx, a.RoleID)
		if err != nil {
			return nil, err
		}
		out.Roles = append(out.Roles, *role)
		for _, p := range role.Permissions {
			perms.Add(p.Key())
		}
	}
	out.Permissions = perms.Keys()
	return out, nil
}
