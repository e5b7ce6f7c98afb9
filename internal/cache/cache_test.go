package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestLRUCacheBasics(t *testing.T) {
	c := NewLRUCache(100)
	ctx := context.Background()
	const tenant = "tenant-001"

	if err := c.Set(ctx, tenant, "k1", []byte("v1"), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := c.Get(ctx, tenant, "k1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "v1" {
		t.Errorf("Get = %q, want %q", got, "v1")
	}

	if miss, _ := c.Get(ctx, tenant, "absent"); miss != nil {
		t.Errorf("miss returned %q, want nil", miss)
	}

	if err := c.Delete(ctx, tenant, "k1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if got, _ := c.Get(ctx, tenant, "k1"); got != nil {
		t.Error("value survived Delete")
	}
}

func TestLRUCacheTTL(t *testing.T) {
	c := NewLRUCache(100)
	ctx := context.Background()
	const tenant = "tenant-001"

	_ = c.Set(ctx, tenant, "short", []byte("x"), 10*time.Millisecond)
	if got, _ := c.Get(ctx, tenant, "short"); got == nil {
		t.Fatal("value missing before expiry")
	}
	time.Sleep(20 * time.Millisecond)
	if got, _ := c.Get(ctx, tenant, "short"); got != nil {
		t.Error("value survived past its TTL")
	}
}

func TestLRUCacheEviction(t *testing.T) {
	c := NewLRUCache(3)
	ctx := context.Background()
	const tenant = "tenant-001"

	for _, k := range []string{"a", "b", "c"} {
		_ = c.Set(ctx, tenant, k, []byte(k), time.Minute)
	}
	// Touch "a" so "b" becomes the eviction candidate.
	_, _ = c.Get(ctx, tenant, "a")
	_ = c.Set(ctx, tenant, "d", []byte("d"), time.Minute)

	if got, _ := c.Get(ctx, tenant, "b"); got != nil {
		t.Error("least recently used entry was not evicted")
	}
	if got, _ := c.Get(ctx, tenant, "a"); got == nil {
		t.Error("recently used entry was evicted")
	}

	if size, capacity := c.Stats(); size != 3 || capacity != 3 {
		t.Errorf("Stats = (%d, %d), want (3, 3)", size, capacity)
	}
}

func TestLRUCacheTenantIsolation(t *testing.T) {
	c := NewLRUCache(100)
	ctx := context.Background()

	_ = c.Set(ctx, "tenant-001", "shared", []byte("one"), time.Minute)
	_ = c.Set(ctx, "tenant-002", "shared", []byte("two"), time.Minute)

	if got, _ := c.Get(ctx, "tenant-001", "shared"); string(got) != "one" {
		t.Errorf("tenant-001 sees %q", got)
	}
	if got, _ := c.Get(ctx, "tenant-002", "shared"); string(got) != "two" {
		t.Errorf("tenant-002 sees %q", got)
	}
}

func TestLRUCacheRejectsEmptyTenant(t *testing.T) {
	c := NewLRUCache(10)
	ctx := context.Background()

	if err := c.Set(ctx, "", "k", []byte("v"), time.Minute); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("Set error = %v, want ErrInvalidInput", err)
	}
	if _, err := c.Get(ctx, "", "k"); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("Get error = %v, want ErrInvalidInput", err)
	}
	if _, err := c.IncrementCounter(ctx, "", "k", time.Minute); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("IncrementCounter error = %v, want ErrInvalidInput", err)
	}
}

func TestLRUCacheCounterWindow(t *testing.T) {
	c := NewLRUCache(10)
	ctx := context.Background()
	const tenant = "tenant-001"
	window := 100 * time.Millisecond

	for want := int64(1); want <= 3; want++ {
		got, err := c.IncrementCounter(ctx, tenant, "velocity:user-1", window)
		if err != nil {
			t.Fatalf("IncrementCounter: %v", err)
		}
		if got != want {
			t.Errorf("count = %d, want %d", got, want)
		}
	}

	time.Sleep(150 * time.Millisecond)
	if got, _ := c.IncrementCounter(ctx, tenant, "velocity:user-1", window); got != 1 {
		t.Errorf("count after window reset = %d, want 1", got)
	}
}

func TestLRUCacheGetCounter(t *testing.T) {
	c := NewLRUCache(10)
	ctx := context.Background()
	const tenant = "tenant-001"

	if _, ok, err := c.GetCounter(ctx, tenant, "velocity:user-1"); err != nil || ok {
		t.Errorf("GetCounter on missing key = ok=%v err=%v, want miss", ok, err)
	}

	c.IncrementCounter(ctx, tenant, "velocity:user-1", 50*time.Millisecond)
	c.IncrementCounter(ctx, tenant, "velocity:user-1", 50*time.Millisecond)

	got, ok, err := c.GetCounter(ctx, tenant, "velocity:user-1")
	if err != nil || !ok || got != 2 {
		t.Errorf("GetCounter = %d ok=%v err=%v, want 2", got, ok, err)
	}

	// Reads do not bump the counter.
	if got, _, _ := c.GetCounter(ctx, tenant, "velocity:user-1"); got != 2 {
		t.Errorf("GetCounter after re-read = %d, want 2", got)
	}

	// Counters from another tenant stay invisible.
	if _, ok, _ := c.GetCounter(ctx, "tenant-002", "velocity:user-1"); ok {
		t.Error("GetCounter crossed tenants")
	}

	time.Sleep(80 * time.Millisecond)
	if _, ok, _ := c.GetCounter(ctx, tenant, "velocity:user-1"); ok {
		t.Error("GetCounter returned an expired counter")
	}
}

func TestLRUCacheProfiles(t *testing.T) {
	c := NewLRUCache(10)
	ctx := context.Background()
	const tenant = "tenant-001"

	p := &domain.BehavioralProfile{
		UserID:         "user-001",
		TenantID:       tenant,
		TypicalAmount:  120.75,
		TxCount:        8,
		UsualLocations: []string{"US"},
		RiskTolerance:  1.0,
		UpdatedAt:      time.Now().UTC(),
	}
	if err := c.SetProfile(ctx, tenant, p.UserID, p, time.Minute); err != nil {
		t.Fatalf("SetProfile: %v", err)
	}

	got, err := c.GetProfile(ctx, tenant, p.UserID)
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	if got.TypicalAmount != p.TypicalAmount || got.TxCount != p.TxCount {
		t.Errorf("profile round-trip = %+v", got)
	}
	if !got.KnowsLocation("US") {
		t.Errorf("locations not round-tripped: %v", got.UsualLocations)
	}

	if missing, err := c.GetProfile(ctx, tenant, "unknown-user"); err != nil || missing != nil {
		t.Errorf("GetProfile(miss) = (%+v, %v), want (nil, nil)", missing, err)
	}
}

func TestLRUCacheClose(t *testing.T) {
	c := NewLRUCache(10)
	ctx := context.Background()
	_ = c.Set(ctx, "tenant-001", "k", []byte("v"), time.Minute)

	if err := c.Ping(ctx); err != nil {
		t.Errorf("Ping: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if got, _ := c.Get(ctx, "tenant-001", "k"); got != nil {
		t.Error("entries survived Close")
	}
}

func TestNewCache(t *testing.T) {
	c, err := New(domain.CacheConfig{Type: "memory", LocalMaxSize: 100})
	if err != nil {
		t.Fatalf("New(memory): %v", err)
	}
	defer c.Close()
	if _, ok := c.(*LRUCache); !ok {
		t.Errorf("New(memory) = %T, want *LRUCache", c)
	}

	if _, err := New(domain.CacheConfig{Type: "memcached"}); !errors.Is(err, domain.ErrConfiguration) {
		t.Errorf("New(memcached) error = %v, want ErrConfiguration", err)
	}
}
