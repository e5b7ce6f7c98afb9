// Package profile maintains per-user behavioral baselines.
package profile

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/syncutil"
)

// emaAlpha is the smoothing factor for the typical-amount moving average.
const emaAlpha = 0.2

// Store owns all behavioral profiles. Mutations happen only through
// Observe after a transaction completes analysis; per-user serialization
// is enforced with a sharded mutex so two analyses for the same user
// never interleave their profile reads and writes.
type Store struct {
	locks    syncutil.ShardedMutex
	repo     domain.Repository
	cache    domain.Cache
	ringSize int
	cacheTTL time.Duration

	mu       sync.RWMutex
	profiles map[string]*domain.BehavioralProfile // key: tenant:user
}

// Config holds store settings.
type Config struct {
	// RingSize bounds the usual-locations/devices/hours rings.
	RingSize int

	// CacheTTL is how long profiles stay in the shared cache.
	CacheTTL time.Duration
}

// NewStore creates a profile store backed by the repository, with
// write-through to the shared cache.
func NewStore(repo domain.Repository, cache domain.Cache, cfg Config) *Store {
	if cfg.RingSize <= 0 {
		cfg.RingSize = 10
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	return &Store{
		repo:     repo,
		cache:    cache,
		ringSize: cfg.RingSize,
		cacheTTL: cfg.CacheTTL,
		profiles: make(map[string]*domain.BehavioralProfile),
	}
}

// Lock acquires the per-user analysis lock and returns the unlock
// function. Callers hold it across the read-score-observe sequence.
func (s *Store) Lock(tenantID, userID string) func() {
	return s.locks.Lock(tenantID + ":" + userID)
}

// Get returns a copy of the user's profile, creating an empty one on
// first sight. The returned value is a snapshot; callers never observe
// concurrent mutation.
func (s *Store) Get(ctx context.Context, tenantID, userID string) *domain.BehavioralProfile {
	key := tenantID + ":" + userID

	s.mu.RLock()
	p, ok := s.profiles[key]
	s.mu.RUnlock()
	if ok {
		return p.Clone()
	}

	// Fall back to cache, then repository.
	if s.cache != nil {
		if cached, err := s.cache.GetProfile(ctx, tenantID, userID); err == nil && cached != nil {
			s.put(key, cached)
			return cached.Clone()
		}
	}
	if s.repo != nil {
		stored, err := s.repo.GetProfile(ctx, tenantID, userID)
		if err == nil && stored != nil {
			s.put(key, stored)
			return stored.Clone()
		}
	}

	fresh := &domain.BehavioralProfile{
		UserID:        userID,
		TenantID:      tenantID,
		RiskTolerance: 1.0,
		UpdatedAt:     time.Now().UTC(),
	}
	s.put(key, fresh)
	return fresh.Clone()
}

// Observe folds a completed transaction into the user's baseline:
// EMA update of the typical amount and most-recent-N ring updates for
// locations, devices, hours and counterparties.
func (s *Store) Observe(ctx context.Context, tx *domain.Transaction) {
	key := tx.TenantID + ":" + tx.UserID

	s.mu.Lock()
	p, ok := s.profiles[key]
	if !ok {
		p = &domain.BehavioralProfile{
			UserID:        tx.UserID,
			TenantID:      tx.TenantID,
			RiskTolerance: 1.0,
		}
		s.profiles[key] = p
	}

	if p.TxCount == 0 {
		p.TypicalAmount = tx.Amount
	} else {
		p.TypicalAmount = emaAlpha*tx.Amount + (1-emaAlpha)*p.TypicalAmount
	}
	p.TxCount++

	if tx.Location != "" {
		p.UsualLocations = appendRing(p.UsualLocations, tx.Location, s.ringSize)
	}
	if tx.DeviceID != "" {
		p.UsualDevices = appendRing(p.UsualDevices, tx.DeviceID, s.ringSize)
	}
	p.UsualHours = appendIntRing(p.UsualHours, tx.Hour(), s.ringSize)
	if tx.CounterpartyID != "" {
		p.Counterparties = appendRing(p.Counterparties, tx.CounterpartyID, s.ringSize*2)
	}
	p.UpdatedAt = time.Now().UTC()

	snapshot := p.Clone()
	s.mu.Unlock()

	// Write-through outside the lock; persistence failures are logged,
	// not surfaced to the analysis path.
	if s.cache != nil {
		if err := s.cache.SetProfile(ctx, tx.TenantID, tx.UserID, snapshot, s.cacheTTL); err != nil {
			slog.Warn("failed to cache profile", "user_id", tx.UserID, "error", err)
		}
	}
	if s.repo != nil {
		if err := s.repo.SaveProfile(ctx, tx.TenantID, snapshot); err != nil {
			slog.Warn("failed to persist profile", "user_id", tx.UserID, "error", err)
		}
	}
}

func (s *Store) put(key string, p *domain.BehavioralProfile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.profiles[key]; !exists {
		s.profiles[key] = p.Clone()
	}
}

// appendRing appends v to the ring unless already present, evicting the
// oldest entry beyond max.
func appendRing(ring []string, v string, max int) []string {
	for _, existing := range ring {
		if existing == v {
			return ring
		}
	}
	ring = append(ring, v)
	if len(ring) > max {
		ring = ring[len(ring)-max:]
	}
	return ring
}

func appendIntRing(ring []int, v int, max int) []int {
	for _, existing := range ring {
		if existing == v {
			return ring
		}
	}
	ring = append(ring, v)
	if len(ring) > max {
		ring = ring[len(ring)-max:]
	}
	return ring
}
