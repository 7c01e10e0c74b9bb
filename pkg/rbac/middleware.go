package rbac

import (
	"context"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/platinummonkey/loom/pkg/auth"
	"github.com/platinummonkey/loom/pkg/contextkeys"
	"github.com/platinummonkey/loom/pkg/httputil"
	"github.com/platinummonkey/loom/pkg/middleware"
	"github.com/platinummonkey/loom/pkg/observability"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Gate decision labels
const (
	DecisionAllow           = "allow"
	DecisionDeny            = "deny"
	DecisionUnauthenticated = "unauthenticated"
	DecisionError           = "error"
)

// Authorizer answers permission checks; *Resolver and *Manager implement it
type Authorizer interface {
	Check(ctx context.Context, check PermissionCheck) (*CheckResult, error)
}

// Gate is the request-time enforcement point. It only reads RBAC state.
type Gate struct {
	authz   Authorizer
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewGate creates a gate backed by authz
func NewGate(authz Authorizer, logger *observability.Logger, metrics *observability.Metrics) *Gate {
	if logger == nil {
		logger = observability.NopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNopMetrics()
	}
	return &Gate{authz: authz, logger: logger, metrics: metrics}
}

// Authorize allows the call when identity holds any of keys (logical OR).
// A missing identity yields ErrUnauthenticated without consulting the resolver;
// a resolver error yields ErrForbidden.
func (g *Gate) Authorize(ctx context.Context, identity *auth.AuthContext, keys []PermissionKey, resourceID *string) error {
	if !identity.IsAuthenticated() {
		g.metrics.AuthzDecisionsTotal.WithLabelValues(DecisionUnauthenticated).Inc()
		return ErrUnauthenticated
	}

	ctx, span := observability.Tracer().Start(ctx, "rbac.Authorize", trace.WithAttributes(
		attribute.String("rbac.user_id", identity.UserID()),
		attribute.Int("rbac.required", len(keys)),
	))
	defer span.End()

	ctx = WithRequestCache(ctx)
	logger := g.loggerFor(ctx)

	for _, key := range keys {
		result, err := g.authz.Check(ctx, PermissionCheck{
			UserID:         identity.UserID(),
			Permission:     key,
			ResourceID:     resourceID,
			OrganizationID: identity.OrganizationID(),
		})
		if err != nil {
			g.metrics.AuthzDecisionsTotal.WithLabelValues(DecisionError).Inc()
			span.RecordError(err)
			logger.WithError(err).WithField("permission", key.String()).Error("permission check failed, denying")
			return ErrForbidden
		}
		if result.Allowed {
			g.metrics.AuthzDecisionsTotal.WithLabelValues(DecisionAllow).Inc()
			span.SetAttributes(attribute.String("rbac.granted", key.String()))
			logger.WithFields(map[string]interface{}{
				"permission": key.String(),
				"reason":     result.Reason,
			}).Debug("permission granted")
			return nil
		}
	}

	g.metrics.AuthzDecisionsTotal.WithLabelValues(DecisionDeny).Inc()
	logger.WithField("required", keyStrings(keys)).Debug("permission denied")
	return ErrForbidden
}

// RequireAny rejects requests whose identity holds none of perms, given as
// "resource:action" strings. Malformed strings panic at registration.
func (g *Gate) RequireAny(perms ...string) func(http.Handler) http.Handler {
	return g.RequireAnyScoped(nil, perms...)
}

// RequireAnyScoped is RequireAny with a per-request resource id, e.g. ResourceIDFromVar("id")
func (g *Gate) RequireAnyScoped(resourceID func(*http.Request) *string, perms ...string) func(http.Handler) http.Handler {
	keys := MustParsePermissionKeys(perms...)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var scope *string
			if resourceID != nil {
				scope = resourceID(r)
			}

			ctx := WithRequestCache(r.Context())
			err := g.Authorize(ctx, middleware.GetAuthContext(r), keys, scope)
			switch {
			case err == nil:
				next.ServeHTTP(w, r.WithContext(ctx))
			case errors.Is(err, ErrUnauthenticated):
				httputil.WriteUnauthorized(w, ErrUnauthenticated.Error())
			default:
				httputil.WriteForbidden(w, ErrForbidden.Error())
			}
		})
	}
}

// ResourceIDFromVar reads a gorilla/mux route variable as the resource scope
func ResourceIDFromVar(name string) func(*http.Request) *string {
	return func(r *http.Request) *string {
		v, ok := mux.Vars(r)[name]
		if !ok || v == "" {
			return nil
		}
		return &v
	}
}

// MustParsePermissionKeys is like ParsePermissionKeys but panics on malformed input.
// It is meant for route registration, where the strings are constants.
func MustParsePermissionKeys(perms ...string) []PermissionKey {
	keys, err := ParsePermissionKeys(perms...)
	if err != nil {
		panic("rbac: " + err.Error())
	}
	return keys
}

// loggerFor prefers the request-scoped logger installed by RequestIDMiddleware
func (g *Gate) loggerFor(ctx context.Context) *observability.Logger {
	if _, ok := ctx.Value(contextkeys.LoggerKey).(*observability.Logger); ok {
		return observability.FromContext(ctx)
	}
	return g.logger
}

func keyStrings(keys []PermissionKey) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k.String()
	}
	return out
}
