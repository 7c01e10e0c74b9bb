package rbac

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/platinummonkey/loom/pkg/observability"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

// sharedLoadTimeout bounds a role load detached from its callers
const sharedLoadTimeout = 30 * time.Second

// Resolver computes effective permissions for roles and users.
// It is safe for concurrent use and takes no locks around store state;
// results are a best-effort snapshot of the store.
type Resolver struct {
	store   *Store
	cache   *RoleCache
	loads   singleflight.Group
	metrics *observability.Metrics

	// loadHook runs at the start of every shared load; tests use it to pause one
	loadHook func(ctx context.Context)
}

// NewResolver creates a resolver. cache may be nil to disable cross-request caching.
func NewResolver(store *Store, cache *RoleCache, metrics *observability.Metrics) *Resolver {
	if metrics == nil {
		metrics = observability.NewNopMetrics()
	}
	return &Resolver{
		store:   store,
		cache:   cache,
		metrics: metrics,
	}
}

// EffectivePermissions returns the union of the role's direct permissions and
// everything inherited along its parent chain. The returned set is a copy.
func (r *Resolver) EffectivePermissions(ctx context.Context, roleID string) (PermissionSet, error) {
	set, err := r.effective(ctx, roleID)
	if err != nil {
		return nil, err
	}
	return set.Clone(), nil
}

// GetEffectivePermissions returns the role's effective permissions ordered by (resource, action)
func (r *Resolver) GetEffectivePermissions(ctx context.Context, roleID string) ([]PermissionKey, error) {
	set, err := r.effective(ctx, roleID)
	if err != nil {
		return nil, err
	}
	return set.Keys(), nil
}

// effective returns a shared, read-only set
func (r *Resolver) effective(ctx context.Context, roleID string) (PermissionSet, error) {
	memo := memoFrom(ctx)
	if set, ok := memo.role(roleID); ok {
		return set, nil
	}
	if set, ok := r.cache.Get(roleID); ok {
		memo.putRole(roleID, set)
		return set, nil
	}

	// The load is shared by every caller waiting on roleID, so it must not
	// inherit the cancellation of whichever caller happened to start it.
	ch := r.loads.DoChan(roleID, func() (interface{}, error) {
		gen := r.cache.Generation()
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sharedLoadTimeout)
		defer cancel()
		if r.loadHook != nil {
			r.loadHook(loadCtx)
		}

		set, err := r.walk(loadCtx, roleID, make(map[string]bool))
		if err != nil {
			return nil, err
		}
		r.cache.AddIfCurrent(roleID, set, gen)
		return set, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		set := res.Val.(PermissionSet)
		memo.putRole(roleID, set)
		return set, nil
	}
}

// walk follows the parent chain, failing on the first revisited role
func (r *Resolver) walk(ctx context.Context, roleID string, visited map[string]bool) (PermissionSet, error) {
	if visited[roleID] {
		return nil, fmt.Errorf("%w: role %s reached twice", ErrCycleDetected, roleID)
	}
	visited[roleID] = true

	node, err := r.store.loadRoleNode(ctx, roleID)
	if err != nil {
		return nil, err
	}

	set := node.Permissions
	if node.ParentRoleID != nil {
		inherited, err := r.walk(ctx, *node.ParentRoleID, visited)
		if err != nil {
			return nil, err
		}
		set.Union(inherited)
	}
	return set, nil
}

// HasPermission reports whether userID holds key, directly, through role
// inheritance or through group membership. resourceID narrows the query to one
// resource instance; nil means only globally scoped assignments apply.
func (r *Resolver) HasPermission(ctx context.Context, userID string, key PermissionKey, resourceID *string) (bool, error) {
	result, err := r.Check(ctx, PermissionCheck{UserID: userID, Permission: key, ResourceID: resourceID})
	if err != nil {
		return false, err
	}
	return result.Allowed, nil
}

// Check evaluates a permission check and reports which roles granted it
func (r *Resolver) Check(ctx context.Context, check PermissionCheck) (*CheckResult, error) {
	ctx, span := observability.Tracer().Start(ctx, "rbac.Check", trace.WithAttributes(
		attribute.String("rbac.user_id", check.UserID),
		attribute.String("rbac.permission", check.Permission.String()),
	))
	defer span.End()

	start := time.Now()
	defer func() { r.metrics.ResolveDuration.Observe(time.Since(start).Seconds()) }()

	grants, err := r.store.grantsForUser(ctx, check.UserID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "load grants")
		return nil, err
	}

	result := &CheckResult{CheckedAt: time.Now().UTC()}
	applied := make(map[string]bool)
	for _, g := range grants {
		if applied[g.RoleID] || !g.applies(check.ResourceID, check.OrganizationID) {
			continue
		}
		applied[g.RoleID] = true

		set, err := r.effective(ctx, g.RoleID)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "resolve role")
			return nil, err
		}
		if set.Has(check.Permission) {
			result.MatchedRoles = append(result.MatchedRoles, g.RoleName)
		}
	}

	sort.Strings(result.MatchedRoles)
	result.Allowed = len(result.MatchedRoles) > 0
	switch {
	case result.Allowed:
		result.Reason = "granted by " + strings.Join(result.MatchedRoles, ", ")
	case len(applied) == 0:
		result.Reason = "no applicable role assignments"
	default:
		result.Reason = fmt.Sprintf("none of %d applicable role(s) grants %s", len(applied), check.Permission)
	}

	span.SetAttributes(attribute.Bool("rbac.allowed", result.Allowed))
	return result, nil
}

// UserPermissions returns the aggregate permission set of every assignment
// applying to the given scope
func (r *Resolver) UserPermissions(ctx context.Context, userID string, resourceID *string) (PermissionSet, error) {
	memoKey := userID + "\x00" + scopeValue(resourceID)
	memo := memoFrom(ctx)
	if set, ok := memo.user(memoKey); ok {
		return set.Clone(), nil
	}

	grants, err := r.store.grantsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	aggregate := PermissionSet{}
	for _, g := range grants {
		if !g.applies(resourceID, nil) {
			continue
		}
		set, err := r.effective(ctx, g.RoleID)
		if err != nil {
			return nil, err
		}
		aggregate.Union(set)
	}

	memo.putUser(memoKey, aggregate)
	return aggregate.Clone(), nil
}
