// Package auth defines the identity types loom receives from its identity collaborator.
//
// loom performs no credential verification. An upstream component (reverse proxy,
// session layer) authenticates the caller; pkg/middleware turns what it asserts into
// an AuthContext that the RBAC gate consumes:
//
//	authCtx := &auth.AuthContext{
//		User:         &auth.User{ID: "user_123"},
//		Organization: &auth.Organization{ID: "org_9"},
//	}
package auth
