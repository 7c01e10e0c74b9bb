package rbac

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/platinummonkey/loom/pkg/database"
)

const groupColumns = "id, organization_id, name, description, created_at, updated_at"

func scanGroup(row rowScanner) (*Group, error) {
	var g Group
	if err := row.Scan(&g.ID, &g.OrganizationID, &g.Name, &g.Description, &g.CreatedAt, &g.UpdatedAt); err != nil {
		return nil, err
	}
	return &g, nil
}

func groupExists(ctx context.Context, q querier, groupID string) error {
	var id string
	if err := q.QueryRowContext(ctx, "SELECT id FROM rbac_groups WHERE id = $1", groupID).Scan(&id); err != nil {
		return classify(err, "get group "+groupID)
	}
	return nil
}

// CreateGroup creates a group inside an organization
func (s *Store) CreateGroup(ctx context.Context, in GroupInput) (*Group, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" || strings.TrimSpace(in.OrganizationID) == "" {
		return nil, fmt.Errorf("%w: group name and organization id are required", ErrInvalidInput)
	}

	now := s.now()
	g := &Group{
		ID:             uuid.NewString(),
		OrganizationID: in.OrganizationID,
		Name:           name,
		Description:    in.Description,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO rbac_groups ("+groupColumns+") VALUES ($1, $2, $3, $4, $5, $6)",
		g.ID, g.OrganizationID, g.Name, g.Description, g.CreatedAt, g.UpdatedAt,
	)
	if err != nil {
		return nil, classify(err, "create group "+name)
	}
	return g, nil
}

// GetGroup retrieves a group by ID
func (s *Store) GetGroup(ctx context.Context, groupID string) (*Group, error) {
	g, err := scanGroup(s.db.QueryRowContext(ctx, "SELECT "+groupColumns+" FROM rbac_groups WHERE id = $1", groupID))
	if err != nil {
		return nil, classify(err, "get group "+groupID)
	}
	return g, nil
}

// ListGroups returns groups ordered by name, optionally limited to one organization
func (s *Store) ListGroups(ctx context.Context, organizationID *string) ([]Group, error) {
	query := "SELECT " + groupColumns + " FROM rbac_groups"
	var args []interface{}
	if organizationID != nil {
		query += " WHERE organization_id = $1"
		args = append(args, *organizationID)
	}
	query += " ORDER BY organization_id, name"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err, "list groups")
	}
	defer rows.Close()

	groups := []Group{}
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, classify(err, "scan group")
		}
		groups = append(groups, *g)
	}
	return groups, classify(rows.Err(), "list groups")
}

// UpdateGroup renames or re-describes a group
func (s *Store) UpdateGroup(ctx context.Context, groupID string, upd GroupUpdate) (*Group, error) {
	g, err := s.GetGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if upd.Name != nil {
		name := strings.TrimSpace(*upd.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: group name is required", ErrInvalidInput)
		}
		g.Name = name
	}
	if upd.Description != nil {
		g.Description = *upd.Description
	}
	g.UpdatedAt = s.now()

	if _, err := s.db.ExecContext(ctx,
		"UPDATE rbac_groups SET name = $1, description = $2, updated_at = $3 WHERE id = $4",
		g.Name, g.Description, g.UpdatedAt, groupID,
	); err != nil {
		return nil, classify(err, "update group "+groupID)
	}
	return g, nil
}

// DeleteGroup removes a group with its memberships and role grants
func (s *Store) DeleteGroup(ctx context.Context, groupID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := groupExists(ctx, tx, groupID); err != nil {
			return err
		}
		for _, stmt := range []string{
			"DELETE FROM group_roles WHERE group_id = $1",
			"DELETE FROM group_members WHERE group_id = $1",
			"DELETE FROM rbac_groups WHERE id = $1",
		} {
			if _, err := tx.ExecContext(ctx, stmt, groupID); err != nil {
				return classify(err, "delete group "+groupID)
			}
		}
		return nil
	})
}

// Membership

// AddGroupMember adds userID to the group; adding an existing member is a no-op
func (s *Store) AddGroupMember(ctx context.Context, groupID, userID string) (bool, error) {
	if strings.TrimSpace(userID) == "" {
		return false, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}

	created := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := groupExists(ctx, tx, groupID); err != nil {
			return err
		}

		var existing string
		err := tx.QueryRowContext(ctx,
			"SELECT user_id FROM group_members WHERE group_id = $1 AND user_id = $2", groupID, userID,
		).Scan(&existing)
		if err == nil {
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return classify(err, "look up group member")
		}

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO group_members (group_id, user_id, added_at) VALUES ($1, $2, $3)",
			groupID, userID, s.now(),
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
		return false, classify(err, "add group member")
	}
	return created, nil
}

// RemoveGroupMember removes userID from the group. It reports whether a membership existed.
func (s *Store) RemoveGroupMember(ctx context.Context, groupID, userID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM group_members WHERE group_id = $1 AND user_id = $2", groupID, userID)
	if err != nil {
		return false, classify(err, "remove group member")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, classify(err, "remove group member")
	}
	return n > 0, nil
}

// ListGroupMembers returns the members of a group
func (s *Store) ListGroupMembers(ctx context.Context, groupID string) ([]GroupMember, error) {
	if err := groupExists(ctx, s.db, groupID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT group_id, user_id, added_at FROM group_members WHERE group_id = $1 ORDER BY user_id", groupID)
	if err != nil {
		return nil, classify(err, "list group members")
	}
	defer rows.Close()

	members := []GroupMember{}
	for rows.Next() {
		var m GroupMember
		if err := rows.Scan(&m.GroupID, &m.UserID, &m.AddedAt); err != nil {
			return nil, classify(err, "scan group member")
		}
		members = append(members, m)
	}
	return members, classify(rows.Err(), "list group members")
}

// ListGroupsForUser returns every group userID belongs to
func (s *Store) ListGroupsForUser(ctx context.Context, userID string) ([]Group, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT g.id, g.organization_id, g.name, g.description, g.created_at, g.updated_at
		FROM rbac_groups g
		JOIN group_members gm ON gm.group_id = g.id
		WHERE gm.user_id = $1
		ORDER BY g.organization_id, g.name
	`, userID)
	if err != nil {
		return nil, classify(err, "list user groups")
	}
	defer rows.Close()

	groups := []Group{}
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, classify(err, "scan group")
		}
		groups = append(groups, *g)
	}
	return groups, classify(rows.Err(), "list user groups")
}

// Group role assignments

// AssignRoleToGroup grants roleID to every member of the group within organizationID.
// Re-assigning an existing grant is a no-op.
func (s *Store) AssignRoleToGroup(ctx context.Context, groupID, roleID, organizationID string) (bool, error) {
	if strings.TrimSpace(organizationID) == "" {
		return false, fmt.Errorf("%w: organization id is required", ErrInvalidInput)
	}

	created := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := groupExists(ctx, tx, groupID); err != nil {
			return err
		}
		if err := roleExists(ctx, tx, roleID); err != nil {
			return err
		}

		var id string
		err := tx.QueryRowContext(ctx,
			"SELECT id FROM group_roles WHERE group_id = $1 AND role_id = $2 AND organization_id = $3",
			groupID, roleID, organizationID,
		).Scan(&id)
		if err == nil {
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return classify(err, "look up group role")
		}

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO group_roles (id, group_id, role_id, organization_id, created_at) VALUES ($1, $2, $3, $4, $5)",
			uuid.NewString(), groupID, roleID, organizationID, s.now(),
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
		return false, classify(err, "assign group role")
	}
	return created, nil
}

// RemoveRoleFromGroup deletes the matching grant. It reports whether one existed.
func (s *Store) RemoveRoleFromGroup(ctx context.Context, groupID, roleID, organizationID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM group_roles WHERE group_id = $1 AND role_id = $2 AND organization_id = $3",
		groupID, roleID, organizationID,
	)
	if err != nil {
		return false, classify(err, "remove group role")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, classify(err, "remove group role")
	}
	return n > 0, nil
}

// ListAssignmentsForGroup returns the role grants of a group
func (s *Store) ListAssignmentsForGroup(ctx context.Context, groupID string) ([]GroupRoleAssignment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT gr.id, gr.group_id, gr.role_id, r.name, gr.organization_id, gr.created_at
		FROM group_roles gr
		JOIN roles r ON r.id = gr.role_id
		WHERE gr.group_id = $1
		ORDER BY gr.organization_id, r.name
	`, groupID)
	if err != nil {
		return nil, classify(err, "list group roles")
	}
	defer rows.Close()

	assignments := []GroupRoleAssignment{}
	for rows.Next() {
		var a GroupRoleAssignment
		if err := rows.Scan(&a.ID, &a.GroupID, &a.RoleID, &a.RoleName, &a.OrganizationID, &a.CreatedAt); err != nil {
			return nil, classify(err, "scan group role")
		}
		assignments = append(assignments, a)
	}
	return assignments, classify(rows.Err(), "list group roles")
}
