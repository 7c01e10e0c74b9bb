// Package middleware provides the HTTP authentication middleware.
//
// AuthMiddleware asks an IdentityProvider for the caller's identity and stores the
// resulting auth.AuthContext on the request context, where rbac.Gate reads it:
//
//	authn := middleware.NewAuthMiddleware(middleware.HeaderIdentityProvider{}, false)
//	router.Use(authn.Handler)
//
// OIDCIdentityProvider verifies bearer ID tokens against an OpenID Connect issuer
// instead of trusting proxy headers.
//
// Authorization is not done here; see pkg/rbac.
package middleware
