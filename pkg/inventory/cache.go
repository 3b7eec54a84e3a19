package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dev-geek/syntopia-v1-sub001/pkg/cache"
)

// Cache stores filtered summaries per tenant. Misses return ok=false and a
// nil error; errors are reported only for a broken backend.
type Cache interface {
	Get(ctx context.Context, tenantID string) ([]Offer, bool, error)
	Set(ctx context.Context, tenantID string, offers []Offer, ttl time.Duration) error
	Delete(ctx context.Context, tenantID string) error
}

type memoryCache struct {
	lru *cache.LRUCache[string, []Offer]
}

// NewMemoryCache keeps up to capacity tenant summaries in process.
func NewMemoryCache(capacity int) Cache {
	return &memoryCache{lru: cache.NewLRUCache[string, []Offer](capacity)}
}

func (c *memoryCache) Get(_ context.Context, tenantID string) ([]Offer, bool, error) {
	offers, ok := c.lru.Get(tenantID)
	if !ok {
		return nil, false, nil
	}
	return append([]Offer(nil), offers...), true, nil
}

func (c *memoryCache) Set(_ context.Context, tenantID string, offers []Offer, ttl time.Duration) error {
	c.lru.PutWithTTL(tenantID, append([]Offer(nil), offers...), ttl)
	return nil
}

func (c *memoryCache) Delete(_ context.Context, tenantID string) error {
	c.lru.Remove(tenantID)
	return nil
}

type redisCache struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisCache stores summaries as JSON under prefix+"inventory:"+tenant.
func NewRedisCache(client redis.UniversalClient, prefix string) Cache {
	return &redisCache{client: client, prefix: prefix + "inventory:"}
}

func (c *redisCache) Get(ctx context.Context, tenantID string) ([]Offer, bool, error) {
	raw, err := c.client.Get(ctx, c.prefix+tenantID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var offers []Offer
	if err := json.Unmarshal(raw, &offers); err != nil {
		return nil, false, err
	}
	return offers, true, nil
}

func (c *redisCache) Set(ctx context.Context, tenantID string, offers []Offer, ttl time.Duration) error {
	raw, err := json.Marshal(offers)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.prefix+tenantID, raw, ttl).Err()
}

func (c *redisCache) Delete(ctx context.Context, tenantID string) error {
	return c.client.Del(ctx, c.prefix+tenantID).Err()
}
