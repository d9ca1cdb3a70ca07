package policy

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// InvalidationChannel is the pub/sub channel carrying policy.updated
// notifications between nodes.
const InvalidationChannel = "trustplane:policy.updated"

// Cache fronts Registry.List for the hot decision paths. Policies are
// read-mostly; entries live for a TTL and are dropped early when a
// policy.updated audit event lands (locally via chain handler, across nodes
// via Redis pub/sub).
type Cache struct {
	registry Registry
	ttl      time.Duration
	logger   *slog.Logger

	mu      sync.RWMutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	policies []*Policy
	loadedAt time.Time
}

// NewCache wraps registry with a TTL cache.
func NewCache(registry Registry, ttl time.Duration) *Cache {
	return &Cache{
		registry: registry,
		ttl:      ttl,
		logger:   slog.Default().With("component", "policy.cache"),
		entries:  make(map[string]cacheEntry),
	}
}

// List returns policies in the given states, served from cache when fresh.
func (c *Cache) List(ctx context.Context, states ...State) ([]*Policy, error) {
	key := cacheKey(states)

	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if ok && time.Since(entry.loadedAt) < c.ttl {
		return entry.policies, nil
	}

	policies, err := c.registry.List(ctx, states...)
	if err != nil {
		// Serve stale on transient registry failure rather than failing
		// the decision path.
		if ok {
			c.logger.Warn("policy list failed, serving stale cache", "error", err)
			return entry.policies, nil
		}
		return nil, err
	}

	c.mu.Lock()
	c.entries[key] = cacheEntry{policies: policies, loadedAt: time.Now()}
	c.mu.Unlock()
	return policies, nil
}

// Invalidate drops every cached entry.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.entries = make(map[string]cacheEntry)
	c.mu.Unlock()
}

// HandleAuditEvent is registered as a chain handler; a policy.updated event
// (or any policy lifecycle write) drops the cache.
func (c *Cache) HandleAuditEvent(eventType string) {
	switch eventType {
	case "policy.updated", "policy.created", "policy.transitioned", "policy.canary.rollback":
		c.Invalidate()
	}
}

// SubscribeInvalidations listens for cross-node invalidations until ctx is
// cancelled.
func (c *Cache) SubscribeInvalidations(ctx context.Context, rdb *redis.Client) {
	sub := rdb.Subscribe(ctx, InvalidationChannel)
	go func() {
		defer func() { _ = sub.Close() }()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				c.logger.Debug("policy cache invalidated", "source", msg.Payload)
				c.Invalidate()
			}
		}
	}()
}

// PublishInvalidation notifies other nodes after a policy write.
func PublishInvalidation(ctx context.Context, rdb *redis.Client, source string) error {
	return rdb.Publish(ctx, InvalidationChannel, source).Err()
}

func cacheKey(states []State) string {
	key := ""
	for _, s := range states {
		key += string(s) + "|"
	}
	return key
}
