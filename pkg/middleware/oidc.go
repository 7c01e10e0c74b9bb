package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/platinummonkey/loom/pkg/auth"
	"golang.org/x/oauth2"
)

// OIDCConfig configures bearer token verification
type OIDCConfig struct {
	IssuerURL string
	ClientID  string

	// OrganizationClaim names the claim carrying the tenant id; empty disables it
	OrganizationClaim string

	// UserInfoFallback asks the userinfo endpoint for the organization claim
	// when the ID token does not carry it
	UserInfoFallback bool
}

// OIDCIdentityProvider verifies "Authorization: Bearer <id token>" against an
// OpenID Connect issuer and maps the subject to the user id.
type OIDCIdentityProvider struct {
	config   OIDCConfig
	provider *oidc.Provider
	verifier *oidc.IDTokenVerifier
}

// NewOIDCIdentityProvider discovers the issuer and builds a token verifier
func NewOIDCIdentityProvider(ctx context.Context, cfg OIDCConfig) (*OIDCIdentityProvider, error) {
	provider, err := oidc.NewProvider(ctx, cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("failed to discover OIDC provider: %w", err)
	}
	p := NewOIDCIdentityProviderWithVerifier(cfg, provider.Verifier(&oidc.Config{ClientID: cfg.ClientID}))
	p.provider = provider
	return p, nil
}

// NewOIDCIdentityProviderWithVerifier uses a prepared verifier, e.g. one built
// on a static key set. Userinfo lookups are unavailable without discovery.
func NewOIDCIdentityProviderWithVerifier(cfg OIDCConfig, verifier *oidc.IDTokenVerifier) *OIDCIdentityProvider {
	return &OIDCIdentityProvider{config: cfg, verifier: verifier}
}

func (p *OIDCIdentityProvider) Identify(r *http.Request) (*auth.AuthContext, error) {
	raw, err := bearerToken(r)
	if err != nil {
		return nil, err
	}

	idToken, err := p.verifier.Verify(r.Context(), raw)
	if err != nil {
		return nil, fmt.Errorf("failed to verify ID token: %w", err)
	}
	if idToken.Subject == "" {
		return nil, errors.New("missing subject in ID token")
	}

	authCtx := &auth.AuthContext{User: &auth.User{ID: idToken.Subject}}
	if p.config.OrganizationClaim == "" {
		return authCtx, nil
	}

	var claims map[string]interface{}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("failed to parse claims: %w", err)
	}
	orgID := stringClaim(claims, p.config.OrganizationClaim)
	if orgID == "" && p.config.UserInfoFallback && p.provider != nil {
		orgID = p.userInfoOrganization(r.Context(), raw)
	}
	if orgID != "" {
		authCtx.Organization = &auth.Organization{ID: orgID}
	}
	return authCtx, nil
}

func (p *OIDCIdentityProvider) userInfoOrganization(ctx context.Context, raw string) string {
	info, err := p.provider.UserInfo(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: raw, TokenType: "Bearer"}))
	if err != nil {
		return ""
	}
	var claims map[string]interface{}
	if err := info.Claims(&claims); err != nil {
		return ""
	}
	return stringClaim(claims, p.config.OrganizationClaim)
}

func bearerToken(r *http.Request) (string, error) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return "", ErrNoIdentity
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", errors.New("malformed authorization header")
	}
	return strings.TrimSpace(token), nil
}

func stringClaim(claims map[string]interface{}, name string) string {
	if v, ok := claims[name].(string); ok {
		return v
	}
	return ""
}
