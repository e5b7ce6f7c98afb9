package engine

import (
	"context"
	"log/slog"
	"time"
)

// Monitor periodically expires workflows past their deadline. It runs
// as a background goroutine independent of analysis calls and stops
// cleanly on context cancellation without losing in-flight state.
type Monitor struct {
	engine   *Engine
	interval time.Duration
	done     chan struct{}
}

// NewMonitor creates a monitor sweeping at the configured interval.
func NewMonitor(e *Engine, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Monitor{
		engine:   e,
		interval: interval,
		done:     make(chan struct{}),
	}
}

// Run sweeps until ctx is cancelled. Blocks; callers run it on its own
// goroutine.
func (m *Monitor) Run(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	slog.Info("expiry monitor started", "interval", m.interval)
	for {
		select {
		case <-ctx.Done():
			slog.Info("expiry monitor stopped")
			return
		case <-ticker.C:
			if n := m.engine.SweepExpired(ctx); n > 0 {
				slog.Info("expired stale workflows", "count", n)
			}
		}
	}
}

// Wait blocks until Run has returned.
func (m *Monitor) Wait() {
	<-m.done
}
