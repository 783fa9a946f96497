// Package refresh periodically re-synchronizes the warm window around
// the current Korean date, so reads inside it are always served from a
// fresh cache.
package refresh

import (
	"context"
	"log/slog"
	"time"

	"github.com/hdmeal/hdmeal/server/syncer"
	"github.com/hdmeal/hdmeal/server/timezone"
	"github.com/hdmeal/hdmeal/store"
)

type Runner struct {
	engine     *syncer.Engine
	interval   time.Duration
	windowDays int
	now        func() time.Time
}

// NewRunner creates a refresh runner that keeps windowDays on each side
// of today synchronized every interval.
func NewRunner(engine *syncer.Engine, interval time.Duration, windowDays int) *Runner {
	return &Runner{
		engine:     engine,
		interval:   interval,
		windowDays: windowDays,
		now:        timezone.NowKST,
	}
}

// Run starts the background task. It synchronizes once on startup and
// then on every tick until the context is canceled.
func (r *Runner) Run(ctx context.Context) {
	r.RunOnce(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.RunOnce(ctx)
		case <-ctx.Done():
			slog.Info("refresh runner stopped")
			return
		}
	}
}

// RunOnce synchronizes the warm window a single time.
func (r *Runner) RunOnce(ctx context.Context) {
	window := r.warmWindow()
	started := time.Now()
	result, err := r.engine.EnsureSynced(ctx, window)
	if err != nil {
		slog.Error("warm window refresh failed", "range", window.String(), "error", err)
		return
	}
	if result.State == syncer.SyncStatePartialFailure {
		slog.Warn("warm window refresh partially failed",
			"range", window.String(),
			"failed", result.FailedTypes(),
			"duration", time.Since(started))
		return
	}
	slog.Info("warm window refreshed", "range", window.String(), "duration", time.Since(started))
}

func (r *Runner) warmWindow() store.DateRange {
	today := store.Day(r.now().In(timezone.KST))
	return store.DateRange{
		Start: today.AddDate(0, 0, -r.windowDays),
		End:   today.AddDate(0, 0, r.windowDays),
	}
}
