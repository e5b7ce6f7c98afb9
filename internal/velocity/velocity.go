// Package velocity answers window-bounded transaction counts for the
// time-windowed rule comparators. Each observed transaction bumps a
// fixed-window cache counter; counts for the tracker's own window are
// served from that counter, and other windows fall through to the
// repository.
package velocity

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Tracker implements domain.HistoryQuery. The cache counter is a
// fixed-window approximation of the sliding repository count; rules that
// use the default window accept that trade for not touching the database
// on every evaluation.
type Tracker struct {
	repo   domain.Repository
	cache  domain.Cache
	window time.Duration
}

// NewTracker creates a velocity tracker. window is the counter window
// used by Record; counts requested for the same window read the counter.
func NewTracker(repo domain.Repository, cache domain.Cache, window time.Duration) *Tracker {
	return &Tracker{repo: repo, cache: cache, window: window}
}

// Record notes a transaction for velocity accounting. The transaction
// itself is persisted by the caller; Record only bumps the rolling
// counters.
func (t *Tracker) Record(ctx context.Context, tx *domain.Transaction) {
	if t.cache == nil {
		return
	}
	if _, err := t.cache.IncrementCounter(ctx, tx.TenantID, counterKey(tx.UserID, false), t.window); err != nil {
		slog.Warn("failed to bump velocity counter", "user_id", tx.UserID, "error", err)
	}
	if tx.Status == domain.TxStatusFailed {
		if _, err := t.cache.IncrementCounter(ctx, tx.TenantID, counterKey(tx.UserID, true), t.window); err != nil {
			slog.Warn("failed to bump failed-attempt counter", "user_id", tx.UserID, "error", err)
		}
	}
}

// TransactionCount returns the user's transaction count within the window.
func (t *Tracker) TransactionCount(ctx context.Context, tenantID, userID string, window time.Duration) (int64, error) {
	return t.count(ctx, tenantID, userID, window, false)
}

// FailedAttemptCount returns the user's failed-transaction count within
// the window.
func (t *Tracker) FailedAttemptCount(ctx context.Context, tenantID, userID string, window time.Duration) (int64, error) {
	return t.count(ctx, tenantID, userID, window, true)
}

func (t *Tracker) count(ctx context.Context, tenantID, userID string, window time.Duration, onlyFailed bool) (int64, error) {
	if t.cache != nil && window == t.window {
		n, ok, err := t.cache.GetCounter(ctx, tenantID, counterKey(userID, onlyFailed))
		if err != nil {
			slog.Warn("failed to read velocity counter", "user_id", userID, "error", err)
		} else if ok {
			return n, nil
		}
	}

	if t.repo == nil {
		return 0, fmt.Errorf("%w: velocity tracker has no repository", domain.ErrConfiguration)
	}
	since := time.Now().Add(-window)
	n, err := t.repo.CountTransactions(ctx, tenantID, userID, since, onlyFailed)
	if err != nil {
		return 0, fmt.Errorf("counting transactions for %s: %w", userID, err)
	}
	return n, nil
}

func counterKey(userID string, failed bool) string {
	if failed {
		return "velocity:failed:" + userID
	}
	return "velocity:tx:" + userID
}
