package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/contentforge/licensing-api/pkg/models"
	"github.com/redis/go-redis/v9"
)

// Cache provides caching functionality using Redis
type Cache struct {
	client   *redis.Client
	usageTTL time.Duration
}

// NewCache creates a new cache instance
func NewCache(host string, port int, password string, db int, usageTTL time.Duration) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       db,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	if usageTTL <= 0 {
		usageTTL = 30 * time.Second
	}

	return &Cache{client: client, usageTTL: usageTTL}, nil
}

// Close closes the Redis connection
func (c *Cache) Close() error {
	return c.client.Close()
}

// Usage Snapshot Operations

func usageKey(scope, id string) string {
	return fmt.Sprintf("usage:%s:%s", scope, id)
}

// SetUsage caches a quota snapshot. The TTL is short; deductions also
// invalidate explicitly.
func (c *Cache) SetUsage(ctx context.Context, scope, id string, usage *models.UsageSnapshot) error {
	data, err := json.Marshal(usage)
	if err != nil {
		return fmt.Errorf("failed to marshal usage: %w", err)
	}

	return c.client.Set(ctx, usageKey(scope, id), data, c.usageTTL).Err()
}

// GetUsage retrieves a cached quota snapshot, nil on miss
func (c *Cache) GetUsage(ctx context.Context, scope, id string) (*models.UsageSnapshot, error) {
	data, err := c.client.Get(ctx, usageKey(scope, id)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil // Cache miss
		}
		return nil, fmt.Errorf("failed to get usage from cache: %w", err)
	}

	var usage models.UsageSnapshot
	if err := json.Unmarshal(data, &usage); err != nil {
		return nil, fmt.Errorf("failed to unmarshal usage: %w", err)
	}

	return &usage, nil
}

// InvalidateUsage removes a cached quota snapshot
func (c *Cache) InvalidateUsage(ctx context.Context, scope, id string) error {
	return c.client.Del(ctx, usageKey(scope, id)).Err()
}

// Site Cache Operations

// SetSite caches a site row keyed by hash
func (c *Cache) SetSite(ctx context.Context, site *models.Site, ttl time.Duration) error {
	data, err := json.Marshal(site)
	if err != nil {
		return fmt.Errorf("failed to marshal site: %w", err)
	}

	key := fmt.Sprintf("site:%s", site.SiteHash)
	return c.client.Set(ctx, key, data, ttl).Err()
}

// GetSite retrieves a cached site by hash, nil on miss
func (c *Cache) GetSite(ctx context.Context, siteHash string) (*models.Site, error) {
	key := fmt.Sprintf("site:%s", siteHash)
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil // Cache miss
		}
		return nil, fmt.Errorf("failed to get site from cache: %w", err)
	}

	var site models.Site
	if err := json.Unmarshal(data, &site); err != nil {
		return nil, fmt.Errorf("failed to unmarshal site: %w", err)
	}

	return &site, nil
}

// DeleteSite removes a site from cache
func (c *Cache) DeleteSite(ctx context.Context, siteHash string) error {
	key := fmt.Sprintf("site:%s", siteHash)
	return c.client.Del(ctx, key).Err()
}

// Rate Limiting Operations

// CheckRateLimit checks if a rate limit has been exceeded
func (c *Cache) CheckRateLimit(ctx context.Context, key string, limit int64, window time.Duration) (bool, error) {
	rateLimitKey := fmt.Sprintf("ratelimit:%s", key)

	// Increment counter
	count, err := c.client.Incr(ctx, rateLimitKey).Result()
	if err != nil {
		return false, fmt.Errorf("failed to increment rate limit: %w", err)
	}

	// Set expiry on first request
	if count == 1 {
		if err := c.client.Expire(ctx, rateLimitKey, window).Err(); err != nil {
			return false, fmt.Errorf("failed to set expiry: %w", err)
		}
	}

	// Check if limit exceeded
	return count <= limit, nil
}

// Locking Operations for Distributed Systems

// AcquireLock attempts to acquire a distributed lock
func (c *Cache) AcquireLock(ctx context.Context, resource string, ttl time.Duration) (bool, error) {
	key := fmt.Sprintf("lock:%s", resource)
	return c.client.SetNX(ctx, key, "locked", ttl).Result()
}

// ReleaseLock releases a distributed lock
func (c *Cache) ReleaseLock(ctx context.Context, resource string) error {
	key := fmt.Sprintf("lock:%s", resource)
	return c.client.Del(ctx, key).Err()
}

// Health check
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
