package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/redis/go-redis/v9"
)

// incrScript increments a counter and starts its expiry window on the first
// hit. Running it as one script keeps INCR and PEXPIRE atomic so a crash
// between them cannot leave an immortal counter.
var incrScript = redis.NewScript(`
	local current = redis.call('INCR', KEYS[1])
	if current == 1 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
	end
	return current
`)

// RedisCache is the shared cache for multi-instance deployments.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache connects to Redis and fails fast if it is unreachable.
func NewRedisCache(addr, password string, db int) (*RedisCache, error) {
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis at %s: %w", addr, err)
	}
	return &RedisCache{client: client}, nil
}

// Get returns the cached value, or nil when the key is absent.
func (c *RedisCache) Get(ctx context.Context, tenantID string, key string) ([]byte, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	val, err := c.client.Get(ctx, c.redisKey(tenantID, key)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return val, nil
}

// Set stores a value with the given TTL.
func (c *RedisCache) Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}
	return c.client.Set(ctx, c.redisKey(tenantID, key), value, ttl).Err()
}

// Delete removes a value.
func (c *RedisCache) Delete(ctx context.Context, tenantID string, key string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}
	return c.client.Del(ctx, c.redisKey(tenantID, key)).Err()
}

// GetProfile returns a cached behavioral profile, or nil on a miss.
func (c *RedisCache) GetProfile(ctx context.Context, tenantID string, userID string) (*domain.BehavioralProfile, error) {
	data, err := c.Get(ctx, tenantID, profileKey(userID))
	if err != nil || data == nil {
		return nil, err
	}
	var p domain.BehavioralProfile
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// SetProfile caches a behavioral profile.
func (c *RedisCache) SetProfile(ctx context.Context, tenantID string, userID string, p *domain.BehavioralProfile, ttl time.Duration) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return c.Set(ctx, tenantID, profileKey(userID), data, ttl)
}

// IncrementCounter bumps a fixed-window counter and returns the new count.
func (c *RedisCache) IncrementCounter(ctx context.Context, tenantID string, key string, window time.Duration) (int64, error) {
	if tenantID == "" {
		return 0, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	fullKey := c.redisKey(tenantID, "counter:"+key)
	return incrScript.Run(ctx, c.client, []string{fullKey}, window.Milliseconds()).Int64()
}

// GetCounter reads a counter without bumping it. Redis expires the key at
// the end of its window, so a missing key simply means no window is open.
func (c *RedisCache) GetCounter(ctx context.Context, tenantID string, key string) (int64, bool, error) {
	if tenantID == "" {
		return 0, false, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	n, err := c.client.Get(ctx, c.redisKey(tenantID, "counter:"+key)).Int64()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return n, true, nil
}

// Ping checks Redis connectivity.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) redisKey(tenantID, key string) string {
	return "kestrel:" + tenantID + ":" + key
}
