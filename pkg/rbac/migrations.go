package rbac

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/platinummonkey/loom/pkg/observability"
)

// Migration represents a database migration
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// GetMigrations returns all RBAC migrations in order.
// The SQL is limited to what both PostgreSQL and SQLite accept.
func GetMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create permissions table",
			SQL: `
				CREATE TABLE IF NOT EXISTS permissions (
					id TEXT PRIMARY KEY,
					resource TEXT NOT NULL,
					action TEXT NOT NULL,
					resource_id TEXT NOT NULL DEFAULT '',
					description TEXT NOT NULL DEFAULT '',
					created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
					UNIQUE (resource, action, resource_id)
				);
			`,
		},
		{
			Version:     2,
			Description: "Create roles and role_permissions tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS roles (
					id TEXT PRIMARY KEY,
					name TEXT NOT NULL UNIQUE,
					description TEXT NOT NULL DEFAULT '',
					is_system BOOLEAN NOT NULL DEFAULT FALSE,
					parent_role_id TEXT REFERENCES roles(id),
					created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
					updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
				);

				CREATE INDEX IF NOT EXISTS idx_roles_parent_role_id ON roles(parent_role_id);

				CREATE TABLE IF NOT EXISTS role_permissions (
					role_id TEXT NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
					permission_id TEXT NOT NULL REFERENCES permissions(id),
					PRIMARY KEY (role_id, permission_id)
				);
			`,
		},
		{
			Version:     3,
			Description: "Create user_roles table",
			SQL: `
				CREATE TABLE IF NOT EXISTS user_roles (
					id TEXT PRIMARY KEY,
					user_id TEXT NOT NULL,
					role_id TEXT NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
					resource_id TEXT NOT NULL DEFAULT '',
					created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
					UNIQUE (user_id, role_id, resource_id)
				);

				CREATE INDEX IF NOT EXISTS idx_user_roles_user_id ON user_roles(user_id);
				CREATE INDEX IF NOT EXISTS idx_user_roles_role_id ON user_roles(role_id);
			`,
		},
		{
			Version:     4,
			Description: "Create groups, group_members and group_roles tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS rbac_groups (
					id TEXT PRIMARY KEY,
					organization_id TEXT NOT NULL,
					name TEXT NOT NULL,
					description TEXT NOT NULL DEFAULT '',
					created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
					updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
					UNIQUE (organization_id, name)
				);

				CREATE TABLE IF NOT EXISTS group_members (
					group_id TEXT NOT NULL REFERENCES rbac_groups(id) ON DELETE CASCADE,
					user_id TEXT NOT NULL,
					added_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
					PRIMARY KEY (group_id, user_id)
				);

				CREATE INDEX IF NOT EXISTS idx_group_members_user_id ON group_members(user_id);

				CREATE TABLE IF NOT EXISTS group_roles (
					id TEXT PRIMARY KEY,
					group_id TEXT NOT NULL REFERENCES rbac_groups(id) ON DELETE CASCADE,
					role_id TEXT NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
					organization_id TEXT NOT NULL,
					created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
					UNIQUE (group_id, role_id, organization_id)
				);

				CREATE INDEX IF NOT EXISTS idx_group_roles_role_id ON group_roles(role_id);
			`,
		},
	}
}

// RunMigrations executes all pending migrations
func RunMigrations(ctx context.Context, db *sql.DB) error {
	logger := observability.FromContext(ctx)

	// Create migration tracking table
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS rbac_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	applied, err := appliedVersions(ctx, db)
	if err != nil {
		return err
	}

	for _, migration := range GetMigrations() {
		if applied[migration.Version] {
			continue
		}

		logger.WithField("version", migration.Version).Infof("running migration: %s", migration.Description)

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to start transaction: %w", err)
		}

		if _, err := tx.ExecContext(ctx, migration.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to execute migration %d: %w", migration.Version, err)
		}

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO rbac_migrations (version, description) VALUES ($1, $2)",
			migration.Version, migration.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, err)
		}
	}

	return nil
}

func appliedVersions(ctx context.Context, db *sql.DB) (map[int]bool, error) {
	rows, err := db.QueryContext(ctx, "SELECT version FROM rbac_migrations ORDER BY version")
	if err != nil {
		return nil, fmt.Errorf("failed to query migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

// SeedResult summarizes what InitializeRBAC changed
type SeedResult struct {
	PermissionsCreated int `json:"permissions_created"`
	RolesCreated       int `json:"roles_created"`
	RolesSynced        int `json:"roles_synced"`
}

// InitializeRBAC seeds the permission catalog and the built-in system roles.
// It is safe to run on every start: permissions are looked up by key before
// insert, and system roles are upserted by name with their permission sets
// re-synced to the built-in definition.
func InitializeRBAC(ctx context.Context, store *Store) (*SeedResult, error) {
	logger := observability.FromContext(ctx)
	result := &SeedResult{}

	for _, entry := range Catalog() {
		created, err := store.EnsurePermission(ctx, entry.Key, nil, entry.Description)
		if err != nil {
			return nil, fmt.Errorf("failed to seed permission %s: %w", entry.Key, err)
		}
		if created {
			result.PermissionsCreated++
		}
	}

	for _, def := range BuiltInRoles() {
		created, err := store.upsertSystemRole(ctx, def)
		if err != nil {
			return nil, fmt.Errorf("failed to seed built-in role %s: %w", def.Name, err)
		}
		if created {
			result.RolesCreated++
			logger.WithField("role", def.Name).Info("created built-in role")
		} else {
			result.RolesSynced++
		}
	}

	return result, nil
}
