// Package cache holds the profile and counter caches in front of the
// repository.
package cache

import (
	"container/list"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// LRUCache is an in-process cache with per-entry TTL. It backs the default
// deployment and serves as the local tier when Redis is configured.
type LRUCache struct {
	mu       sync.RWMutex
	capacity int
	index    map[string]*list.Element
	recency  *list.List
	counters map[string]*windowCounter
}

type lruEntry struct {
	key       string
	value     []byte
	expiresAt time.Time
}

// windowCounter is a fixed-window velocity counter. The window restarts on
// the first increment after expiry.
type windowCounter struct {
	count     int64
	expiresAt time.Time
}

// NewLRUCache creates a cache bounded to capacity entries.
func NewLRUCache(capacity int) *LRUCache {
	if capacity <= 0 {
		capacity = 10000
	}
	return &LRUCache{
		capacity: capacity,
		index:    make(map[string]*list.Element),
		recency:  list.New(),
		counters: make(map[string]*windowCounter),
	}
}

// Get returns the cached value, or nil when absent or expired.
func (c *LRUCache) Get(ctx context.Context, tenantID string, key string) ([]byte, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.index[scopedKey(tenantID, key)]
	if !ok {
		return nil, nil
	}
	entry := elem.Value.(*lruEntry)
	if time.Now().After(entry.expiresAt) {
		c.evict(elem)
		return nil, nil
	}
	c.recency.MoveToFront(elem)
	return entry.value, nil
}

// Set stores a value, evicting the least recently used entries when the
// cache is over capacity.
func (c *LRUCache) Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	sk := scopedKey(tenantID, key)

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.index[sk]; ok {
		c.recency.MoveToFront(elem)
		entry := elem.Value.(*lruEntry)
		entry.value = value
		entry.expiresAt = time.Now().Add(ttl)
		return nil
	}

	c.index[sk] = c.recency.PushFront(&lruEntry{
		key:       sk,
		value:     value,
		expiresAt: time.Now().Add(ttl),
	})
	for c.recency.Len() > c.capacity {
		c.evict(c.recency.Back())
	}
	return nil
}

// Delete removes a value.
func (c *LRUCache) Delete(ctx context.Context, tenantID string, key string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.index[scopedKey(tenantID, key)]; ok {
		c.evict(elem)
	}
	return nil
}

// GetProfile returns a cached behavioral profile, or nil on a miss.
func (c *LRUCache) GetProfile(ctx context.Context, tenantID string, userID string) (*domain.BehavioralProfile, error) {
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
func (c *LRUCache) SetProfile(ctx context.Context, tenantID string, userID string, p *domain.BehavioralProfile, ttl time.Duration) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return c.Set(ctx, tenantID, profileKey(userID), data, ttl)
}

// IncrementCounter bumps a fixed-window counter and returns the new count.
func (c *LRUCache) IncrementCounter(ctx context.Context, tenantID string, key string, window time.Duration) (int64, error) {
	if tenantID == "" {
		return 0, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	sk := scopedKey(tenantID, "counter:"+key)

	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	ctr, ok := c.counters[sk]
	if !ok || now.After(ctr.expiresAt) {
		c.counters[sk] = &windowCounter{count: 1, expiresAt: now.Add(window)}
		return 1, nil
	}
	ctr.count++
	return ctr.count, nil
}

// GetCounter reads a fixed-window counter without bumping it.
func (c *LRUCache) GetCounter(ctx context.Context, tenantID string, key string) (int64, bool, error) {
	if tenantID == "" {
		return 0, false, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	ctr, ok := c.counters[scopedKey(tenantID, "counter:"+key)]
	if !ok || time.Now().After(ctr.expiresAt) {
		return 0, false, nil
	}
	return ctr.count, true, nil
}

// Ping always succeeds for the in-process cache.
func (c *LRUCache) Ping(ctx context.Context) error {
	return nil
}

// Close drops all entries.
func (c *LRUCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.index = make(map[string]*list.Element)
	c.recency = list.New()
	c.counters = make(map[string]*windowCounter)
	return nil
}

// Stats reports current entry count and capacity.
func (c *LRUCache) Stats() (size int, capacity int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.recency.Len(), c.capacity
}

func scopedKey(tenantID, key string) string {
	return tenantID + ":" + key
}

func profileKey(userID string) string {
	return "profile:" + userID
}

func (c *LRUCache) evict(elem *list.Element) {
	if elem == nil {
		return
	}
	c.recency.Remove(elem)
	delete(c.index, elem.Value.(*lruEntry).key)
}
