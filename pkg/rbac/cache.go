package rbac

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/platinummonkey/loom/pkg/contextkeys"
	"github.com/platinummonkey/loom/pkg/observability"
)

// Cache purge origins, used as the metric label
const (
	PurgeLocal  = "local"
	PurgeRemote = "remote"
)

// requestMemo holds effective sets computed during one request
type requestMemo struct {
	mu    sync.Mutex
	roles map[string]PermissionSet
	users map[string]PermissionSet
}

// WithRequestCache installs a request-scoped memo of role and user permission sets.
// Calling it on a context that already carries one is a no-op.
func WithRequestCache(ctx context.Context) context.Context {
	if memoFrom(ctx) != nil {
		return ctx
	}
	return context.WithValue(ctx, contextkeys.PermissionMemoKey, &requestMemo{
		roles: make(map[string]PermissionSet),
		users: make(map[string]PermissionSet),
	})
}

func memoFrom(ctx context.Context) *requestMemo {
	memo, _ := ctx.Value(contextkeys.PermissionMemoKey).(*requestMemo)
	return memo
}

func (m *requestMemo) role(id string) (PermissionSet, bool) {
	if m == nil {
		return nil, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.roles[id]
	return set, ok
}

func (m *requestMemo) putRole(id string, set PermissionSet) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.roles[id] = set
	m.mu.Unlock()
}

func (m *requestMemo) user(key string) (PermissionSet, bool) {
	if m == nil {
		return nil, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.users[key]
	return set, ok
}

func (m *requestMemo) putUser(key string, set PermissionSet) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.users[key] = set
	m.mu.Unlock()
}

// RoleCache is a process-wide TTL cache of role effective permission sets.
// A nil *RoleCache is a valid, disabled cache.
type RoleCache struct {
	lru     *expirable.LRU[string, PermissionSet]
	metrics *observability.Metrics

	// gen counts purges; a load started before a purge must not be cached
	mu  sync.Mutex
	gen uint64
}

// NewRoleCache returns a cache holding up to size roles for ttl, or nil when size <= 0
func NewRoleCache(size int, ttl time.Duration, metrics *observability.Metrics) *RoleCache {
	if size <= 0 {
		return nil
	}
	if metrics == nil {
		metrics = observability.NewNopMetrics()
	}
	return &RoleCache{
		lru:     expirable.NewLRU[string, PermissionSet](size, nil, ttl),
		metrics: metrics,
	}
}

// Get returns the cached effective set for roleID
func (c *RoleCache) Get(roleID string) (PermissionSet, bool) {
	if c == nil {
		return nil, false
	}
	set, ok := c.lru.Get(roleID)
	if ok {
		c.metrics.CacheHitsTotal.Inc()
	} else {
		c.metrics.CacheMissesTotal.Inc()
	}
	return set, ok
}

// Add stores the effective set for roleID
func (c *RoleCache) Add(roleID string, set PermissionSet) {
	if c == nil {
		return
	}
	c.lru.Add(roleID, set)
}

// Generation identifies the cache contents between purges. Capture it before
// reading the store and pass it to AddIfCurrent.
func (c *RoleCache) Generation() uint64 {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

// AddIfCurrent stores set only if no purge happened since gen was captured.
// It reports whether the set was stored.
func (c *RoleCache) AddIfCurrent(roleID string, set PermissionSet, gen uint64) bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return false
	}
	c.lru.Add(roleID, set)
	return true
}

// Purge drops every entry. Effective sets depend on ancestors, so any role
// mutation invalidates the whole cache.
func (c *RoleCache) Purge(origin string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.gen++
	c.lru.Purge()
	c.mu.Unlock()
	c.metrics.CachePurgesTotal.WithLabelValues(origin).Inc()
}

// Len returns the number of cached roles
func (c *RoleCache) Len() int {
	if c == nil {
		return 0
	}
	return c.lru.Len()
}

// Invalidator tells other instances that role data changed
type Invalidator interface {
	Publish(ctx context.Context) error
}

// RedisInvalidator broadcasts role mutations over Redis pub/sub and purges
// the local RoleCache when another instance announces one.
type RedisInvalidator struct {
	client     *redis.Client
	channel    string
	cache      *RoleCache
	logger     *observability.Logger
	instanceID string

	mu     sync.Mutex
	pubsub *redis.PubSub
	done   chan struct{}
}

// NewRedisInvalidator creates an invalidator on channel
func NewRedisInvalidator(client *redis.Client, channel string, cache *RoleCache, logger *observability.Logger) *RedisInvalidator {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &RedisInvalidator{
		client:     client,
		channel:    channel,
		cache:      cache,
		logger:     logger.WithField("component", "rbac_invalidator"),
		instanceID: uuid.NewString(),
	}
}

// Publish announces a role mutation to every subscribed instance
func (ri *RedisInvalidator) Publish(ctx context.Context) error {
	if err := ri.client.Publish(ctx, ri.channel, ri.instanceID).Err(); err != nil {
		return fmt.Errorf("failed to publish cache invalidation: %w", err)
	}
	return nil
}

// Start subscribes to the channel and purges the cache on every message from
// another instance. The subscription is confirmed before Start returns.
func (ri *RedisInvalidator) Start(ctx context.Context) error {
	ri.mu.Lock()
	defer ri.mu.Unlock()
	if ri.pubsub != nil {
		return errors.New("invalidator already started")
	}

	pubsub := ri.client.Subscribe(ctx, ri.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", ri.channel, err)
	}
	ri.pubsub = pubsub
	ri.done = make(chan struct{})

	go ri.listen(pubsub.Channel(), ri.done)
	return nil
}

func (ri *RedisInvalidator) listen(messages <-chan *redis.Message, done chan struct{}) {
	defer close(done)
	defer observability.RecoverPanic(ri.logger, "rbac invalidator")

	for msg := range messages {
		if msg.Payload == ri.instanceID {
			continue
		}
		ri.cache.Purge(PurgeRemote)
		ri.logger.WithField("origin", msg.Payload).Debug("role cache purged by remote instance")
	}
}

// Close stops the subscription and waits for the listener to exit
func (ri *RedisInvalidator) Close() error {
	ri.mu.Lock()
	pubsub, done := ri.pubsub, ri.done
	ri.pubsub = nil
	ri.mu.Unlock()

	if pubsub == nil {
		return nil
	}
	err := pubsub.Close()
	<-done
	return err
}
