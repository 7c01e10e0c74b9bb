// Package rbac provides role-based access control for loom projects, pages,
// datasources and workflows.
//
// # Overview
//
// The model has five parts:
//
//  1. Permission catalog: fixed (resource, action) pairs such as "project:read",
//     seeded once by InitializeRBAC.
//  2. Role graph: named roles, each with a direct permission set and at most one
//     parent role. A role's effective permissions are its own plus everything its
//     parent chain grants.
//  3. Assignments: a user holds a role globally or for one resource instance; a
//     group holds a role within an organization and passes it to every member.
//  4. Resolver: computes effective permissions and answers "may user U do
//     resource:action on instance X?".
//  5. Gate: HTTP middleware that lets a request through when the caller holds any
//     of the listed permissions.
//
// # Scoping
//
// An assignment scoped to resource "page_1" applies only to queries naming
// "page_1". Global assignments apply to every query. A query without a resource
// id sees only global assignments. Group grants are global in resource scope;
// a check carrying an organization id only counts group grants made in that
// organization.
//
// # Usage
//
//	manager := rbac.NewManager(db, rbac.DefaultConfig(),
//		rbac.WithAuditLogger(auditLogger),
//		rbac.WithLogger(logger),
//	)
//	if _, err := manager.Initialize(ctx); err != nil {
//		return err
//	}
//
//	gate := manager.NewGate()
//	router.Handle("/projects/{id}", gate.RequireAnyScoped(
//		rbac.ResourceIDFromVar("id"), "project:read",
//	)(projectHandler))
//
//	ok, err := manager.HasPermission(ctx, userID,
//		rbac.NewPermissionKey(rbac.ResourcePage, rbac.ActionWrite), &pageID)
//
// # Errors
//
// Operations return errors wrapping ErrNotFound, ErrInvariantViolation,
// ErrCycleDetected, ErrConflict or ErrInvalidInput; HTTPStatus maps them to
// response codes. The gate returns ErrUnauthenticated (401) when no identity is
// present and ErrForbidden (403) otherwise, including when the resolver fails.
//
// # Caching
//
// Effective role sets are memoized per request (WithRequestCache) and cached
// process-wide in a TTL LRU that every role mutation purges. RedisInvalidator
// carries purges to other instances. Assignments are always read from the store.
package rbac
