package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/platinummonkey/loom/pkg/auth"
	"github.com/platinummonkey/loom/pkg/contextkeys"
	"github.com/platinummonkey/loom/pkg/httputil"
	"github.com/platinummonkey/loom/pkg/observability"
)

const (
	// UserIDHeader is set by the authenticating proxy in front of loom
	UserIDHeader = "X-User-ID"
	// OrganizationIDHeader optionally names the tenant the request acts in
	OrganizationIDHeader = "X-Organization-ID"
)

// ErrNoIdentity is returned by an IdentityProvider when the request carries no identity
var ErrNoIdentity = errors.New("no identity on request")

// IdentityProvider extracts a verified identity from a request
type IdentityProvider interface {
	Identify(r *http.Request) (*auth.AuthContext, error)
}

// IdentityProviderFunc adapts a function to IdentityProvider
type IdentityProviderFunc func(r *http.Request) (*auth.AuthContext, error)

func (f IdentityProviderFunc) Identify(r *http.Request) (*auth.AuthContext, error) {
	return f(r)
}

// HeaderIdentityProvider trusts X-User-ID / X-Organization-ID headers.
// Only deploy it behind a proxy that strips these headers from client traffic.
type HeaderIdentityProvider struct{}

func (HeaderIdentityProvider) Identify(r *http.Request) (*auth.AuthContext, error) {
	userID := strings.TrimSpace(r.Header.Get(UserIDHeader))
	if userID == "" {
		return nil, ErrNoIdentity
	}

	authCtx := &auth.AuthContext{User: &auth.User{ID: userID}}
	if orgID := strings.TrimSpace(r.Header.Get(OrganizationIDHeader)); orgID != "" {
		authCtx.Organization = &auth.Organization{ID: orgID}
	}
	return authCtx, nil
}

// AuthMiddleware provides authentication middleware
type AuthMiddleware struct {
	provider IdentityProvider
	optional bool // If true, requests without identity continue anonymously
}

// NewAuthMiddleware creates a new authentication middleware
func NewAuthMiddleware(provider IdentityProvider, optional bool) *AuthMiddleware {
	return &AuthMiddleware{
		provider: provider,
		optional: optional,
	}
}

// Handler wraps an HTTP handler with authentication
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authCtx, err := m.provider.Identify(r)
		if err != nil {
			if errors.Is(err, ErrNoIdentity) && m.optional {
				next.ServeHTTP(w, r)
				return
			}
			if !errors.Is(err, ErrNoIdentity) {
				observability.FromContext(r.Context()).WithError(err).Warn("identity provider rejected request")
			}
			httputil.WriteUnauthorized(w, "authentication required")
			return
		}

		ctx := contextkeys.WithAuth(r.Context(), authCtx)
		ctx = contextkeys.WithUserID(ctx, authCtx.UserID())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetAuthContext extracts auth context from request
func GetAuthContext(r *http.Request) *auth.AuthContext {
	authCtx, ok := r.Context().Value(contextkeys.AuthKey).(*auth.AuthContext)
	if !ok {
		return nil
	}
	return authCtx
}
