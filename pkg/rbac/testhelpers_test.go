package rbac

import (
	"context"
	"database/sql"
	"sync"
	"testing"

	"github.com/platinummonkey/loom/pkg/audit"
	"github.com/stretchr/testify/require"

	_ "github.com/mattn/go-sqlite3"
)

// setupTestDB opens a private in-memory SQLite database with the RBAC schema.
// The pool is pinned to one connection so every query sees the same database.
func setupTestDB(t testing.TB) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, RunMigrations(context.Background(), db))
	return db
}

// setupSeededStore returns a store with the catalog and built-in roles in place
func setupSeededStore(t *testing.T) *Store {
	t.Helper()

	store := NewStore(setupTestDB(t))
	_, err := InitializeRBAC(context.Background(), store)
	require.NoError(t, err)
	return store
}

func roleByName(t testing.TB, store *Store, name string) *Role {
	t.Helper()

	role, err := store.GetRoleByName(context.Background(), name)
	require.NoError(t, err)
	return role
}

func key(s string) PermissionKey {
	k, err := ParsePermissionKey(s)
	if err != nil {
		panic(err)
	}
	return k
}

func strPtr(s string) *string {
	return &s
}

// mockAuditLogger records events for assertions
type mockAuditLogger struct {
	mu     sync.Mutex
	events []*audit.AuditEvent
}

func (m *mockAuditLogger) Log(ctx context.Context, event *audit.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *mockAuditLogger) Close() error {
	return nil
}

func (m *mockAuditLogger) ofType(eventType audit.EventType) []*audit.AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*audit.AuditEvent
	for _, e := range m.events {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}
