package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// New builds the cache for the configured backend. "memory" is the local
// LRU; "redis" is the shared cache, optionally fronted by a local tier when
// EnableTwoPhase is set.
func New(cfg domain.CacheConfig) (domain.Cache, error) {
	switch cfg.Type {
	case "memory":
		return NewLRUCache(cfg.LocalMaxSize), nil
	case "redis":
		if cfg.EnableTwoPhase {
			return NewTieredCache(cfg)
		}
		return NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	default:
		return nil, fmt.Errorf("%w: unsupported cache type %q", domain.ErrConfiguration, cfg.Type)
	}
}

// TieredCache reads through a local LRU in front of Redis. Profile reads on
// the scoring path are the hot case; the local tier holds them briefly so a
// burst of transactions for one user does not hammer Redis.
type TieredCache struct {
	local    *LRUCache
	shared   *RedisCache
	localTTL time.Duration
}

// NewTieredCache builds the tiered cache. Redis must be reachable; the
// local tier alone cannot serve velocity counters across instances.
func NewTieredCache(cfg domain.CacheConfig) (*TieredCache, error) {
	shared, err := NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return nil, err
	}

	localTTL := cfg.LocalTTL
	if localTTL == 0 {
		localTTL = 5 * time.Minute
	}
	return &TieredCache{
		local:    NewLRUCache(cfg.LocalMaxSize),
		shared:   shared,
		localTTL: localTTL,
	}, nil
}

// Get checks the local tier first and backfills it on a shared-tier hit.
func (c *TieredCache) Get(ctx context.Context, tenantID string, key string) ([]byte, error) {
	val, err := c.local.Get(ctx, tenantID, key)
	if err != nil || val != nil {
		return val, err
	}

	val, err = c.shared.Get(ctx, tenantID, key)
	if err != nil {
		return nil, err
	}
	if val != nil {
		_ = c.local.Set(ctx, tenantID, key, val, c.localTTL)
	}
	return val, nil
}

// Set writes to both tiers. The local copy never outlives the shared one.
func (c *TieredCache) Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error {
	if err := c.local.Set(ctx, tenantID, key, value, c.clampLocalTTL(ttl)); err != nil {
		return err
	}
	return c.shared.Set(ctx, tenantID, key, value, ttl)
}

// Delete removes the key from both tiers.
func (c *TieredCache) Delete(ctx context.Context, tenantID string, key string) error {
	if err := c.local.Delete(ctx, tenantID, key); err != nil {
		return err
	}
	return c.shared.Delete(ctx, tenantID, key)
}

// GetProfile checks local first, backfilling on a shared-tier hit.
func (c *TieredCache) GetProfile(ctx context.Context, tenantID string, userID string) (*domain.BehavioralProfile, error) {
	p, err := c.local.GetProfile(ctx, tenantID, userID)
	if err != nil || p != nil {
		return p, err
	}

	p, err = c.shared.GetProfile(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}
	if p != nil {
		_ = c.local.SetProfile(ctx, tenantID, userID, p, c.localTTL)
	}
	return p, nil
}

// SetProfile writes the profile to both tiers.
func (c *TieredCache) SetProfile(ctx context.Context, tenantID string, userID string, p *domain.BehavioralProfile, ttl time.Duration) error {
	if err := c.local.SetProfile(ctx, tenantID, userID, p, c.clampLocalTTL(ttl)); err != nil {
		return err
	}
	return c.shared.SetProfile(ctx, tenantID, userID, p, ttl)
}

// IncrementCounter always goes to Redis. Velocity counts must be exact
// across instances, so the local tier is never consulted.
func (c *TieredCache) IncrementCounter(ctx context.Context, tenantID string, key string, window time.Duration) (int64, error) {
	return c.shared.IncrementCounter(ctx, tenantID, key, window)
}

// GetCounter reads the shared counter; see IncrementCounter.
func (c *TieredCache) GetCounter(ctx context.Context, tenantID string, key string) (int64, bool, error) {
	return c.shared.GetCounter(ctx, tenantID, key)
}

// Ping verifies both tiers.
func (c *TieredCache) Ping(ctx context.Context) error {
	if err := c.local.Ping(ctx); err != nil {
		return fmt.Errorf("local tier: %w", err)
	}
	if err := c.shared.Ping(ctx); err != nil {
		return fmt.Errorf("shared tier: %w", err)
	}
	return nil
}

// Close closes both tiers.
func (c *TieredCache) Close() error {
	_ = c.local.Close()
	return c.shared.Close()
}

// Stats reports local-tier statistics.
func (c *TieredCache) Stats() (size int, capacity int) {
	return c.local.Stats()
}

func (c *TieredCache) clampLocalTTL(ttl time.Duration) time.Duration {
	if ttl < c.localTTL {
		return ttl
	}
	return c.localTTL
}
