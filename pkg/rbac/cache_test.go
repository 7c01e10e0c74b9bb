package rbac

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/platinummonkey/loom/pkg/observability"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoleCache_NilIsDisabled(t *testing.T) {
	var cache *RoleCache
	assert.Nil(t, NewRoleCache(0, time.Minute, nil))

	cache.Add("r1", NewPermissionSet(key("page:read")))
	_, ok := cache.Get("r1")
	assert.False(t, ok)
	assert.Zero(t, cache.Len())
	cache.Purge(PurgeLocal)
}

func TestRoleCache_Metrics(t *testing.T) {
	metrics := observability.NewNopMetrics()
	cache := NewRoleCache(4, time.Minute, metrics)

	_, ok := cache.Get("r1")
	assert.False(t, ok)

	cache.Add("r1", NewPermissionSet(key("page:read")))
	set, ok := cache.Get("r1")
	require.True(t, ok)
	assert.True(t, set.Has(key("page:read")))

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.CacheHitsTotal))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.CacheMissesTotal))

	cache.Purge(PurgeLocal)
	assert.Zero(t, cache.Len())
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.CachePurgesTotal.WithLabelValues(PurgeLocal)))
}

func TestRoleCache_Expiry(t *testing.T) {
	cache := NewRoleCache(4, 20*time.Millisecond, nil)
	cache.Add("r1", NewPermissionSet(key("page:read")))

	assert.Eventually(t, func() bool {
		_, ok := cache.Get("r1")
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestRoleCache_Bounded(t *testing.T) {
	cache := NewRoleCache(2, time.Minute, nil)
	cache.Add("r1", PermissionSet{})
	cache.Add("r2", PermissionSet{})
	cache.Add("r3", PermissionSet{})

	assert.Equal(t, 2, cache.Len())
	_, ok := cache.Get("r1")
	assert.False(t, ok, "least recently used entry is evicted")
}

func TestRoleCache_AddIfCurrent(t *testing.T) {
	cache := NewRoleCache(4, time.Minute, nil)
	set := NewPermissionSet(key("page:read"))

	gen := cache.Generation()
	assert.True(t, cache.AddIfCurrent("r1", set, gen))
	assert.Equal(t, 1, cache.Len())

	stale := cache.Generation()
	cache.Purge(PurgeLocal)
	assert.False(t, cache.AddIfCurrent("r1", set, stale), "a set read before the purge is dropped")
	assert.Zero(t, cache.Len())

	assert.True(t, cache.AddIfCurrent("r1", set, cache.Generation()))

	var disabled *RoleCache
	assert.Zero(t, disabled.Generation())
	assert.False(t, disabled.AddIfCurrent("r1", set, 0))
}

func newRedisClient(t *testing.T, mr *miniredis.Miniredis) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRedisInvalidator_PurgesOtherInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	metricsA := observability.NewNopMetrics()
	metricsB := observability.NewNopMetrics()
	cacheA := NewRoleCache(8, time.Minute, metricsA)
	cacheB := NewRoleCache(8, time.Minute, metricsB)

	invA := NewRedisInvalidator(newRedisClient(t, mr), "rbac:test", cacheA, nil)
	invB := NewRedisInvalidator(newRedisClient(t, mr), "rbac:test", cacheB, nil)
	require.NoError(t, invA.Start(ctx))
	require.NoError(t, invB.Start(ctx))
	defer invA.Close()
	defer invB.Close()

	cacheA.Add("r1", PermissionSet{})
	cacheB.Add("r1", PermissionSet{})

	require.NoError(t, invA.Publish(ctx))
	assert.Eventually(t, func() bool { return cacheB.Len() == 0 }, 2*time.Second, 10*time.Millisecond)

	// A's own announcement is delivered before B's, so once B's arrives A has
	// seen both and purged exactly once
	require.NoError(t, invB.Publish(ctx))
	assert.Eventually(t, func() bool { return cacheA.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, float64(1), testutil.ToFloat64(metricsA.CachePurgesTotal.WithLabelValues(PurgeRemote)))
}

func TestRedisInvalidator_Lifecycle(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	inv := NewRedisInvalidator(newRedisClient(t, mr), "rbac:test", nil, nil)

	require.NoError(t, inv.Start(ctx))
	assert.Error(t, inv.Start(ctx), "second start is rejected")

	require.NoError(t, inv.Close())
	assert.NoError(t, inv.Close(), "close is idempotent")
}

func TestRedisInvalidator_PublishError(t *testing.T) {
	mr := miniredis.RunT(t)
	inv := NewRedisInvalidator(newRedisClient(t, mr), "rbac:test", nil, nil)
	mr.Close()

	assert.Error(t, inv.Publish(context.Background()))
}

func TestManager_PublishesAndPurgesThroughRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	db := setupTestDB(t)

	remoteMetrics := observability.NewNopMetrics()
	remoteCache := NewRoleCache(8, time.Minute, remoteMetrics)
	remote := NewRedisInvalidator(newRedisClient(t, mr), "rbac:test", remoteCache, nil)
	require.NoError(t, remote.Start(ctx))
	defer remote.Close()

	localCache := NewRoleCache(8, time.Minute, nil)
	local := NewRedisInvalidator(newRedisClient(t, mr), "rbac:test", localCache, nil)
	manager := NewManager(db, DefaultConfig(), WithCache(localCache), WithInvalidator(local))
	_, err := manager.Seed(ctx)
	require.NoError(t, err)
	remotePurges := func() float64 {
		return testutil.ToFloat64(remoteMetrics.CachePurgesTotal.WithLabelValues(PurgeRemote))
	}
	require.Eventually(t, func() bool { return remotePurges() == 1 }, 2*time.Second, 10*time.Millisecond)

	viewer := roleByName(t, manager.Store(), RoleViewer)
	_, err = manager.GetEffectivePermissions(ctx, viewer.ID)
	require.NoError(t, err)
	require.Equal(t, 1, localCache.Len())
	remoteCache.Add(viewer.ID, PermissionSet{})

	desc := "read only"
	_, err = manager.UpdateRole(ctx, viewer.ID, RoleUpdate{Description: &desc})
	require.NoError(t, err)

	assert.Zero(t, localCache.Len())
	assert.Eventually(t, func() bool { return remotePurges() == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, remoteCache.Len())
}
