package domain

import (
	"context"
	"time"
)

// Cache fronts the repository for profile reads and holds the velocity
// counters. Every call takes a tenantID; keys never cross tenants.
type Cache interface {
	// Get returns the cached value, or nil, nil when the key is absent.
	Get(ctx context.Context, tenantID string, key string) ([]byte, error)

	// Set stores a value with the given TTL.
	Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error

	// Delete removes a value.
	Delete(ctx context.Context, tenantID string, key string) error

	// GetProfile returns a cached behavioral profile, or nil on a miss.
	GetProfile(ctx context.Context, tenantID string, userID string) (*BehavioralProfile, error)

	// SetProfile caches a behavioral profile.
	SetProfile(ctx context.Context, tenantID string, userID string, p *BehavioralProfile, ttl time.Duration) error

	// IncrementCounter bumps a fixed-window counter and returns the new
	// count. Velocity rules read these counts.
	IncrementCounter(ctx context.Context, tenantID string, key string, window time.Duration) (int64, error)

	// GetCounter reads a counter without bumping it. ok is false when the
	// counter is absent or its window has lapsed.
	GetCounter(ctx context.Context, tenantID string, key string) (count int64, ok bool, err error)

	Ping(ctx context.Context) error
	Close() error
}

// CacheConfig selects and configures the cache backend.
type CacheConfig struct {
	// Type is "memory" or "redis".
	Type string

	// Local LRU settings.
	LocalMaxSize int
	LocalTTL     time.Duration

	// Redis settings.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// EnableTwoPhase puts the local LRU in front of Redis as a read-through
	// tier.
	EnableTwoPhase bool
}
