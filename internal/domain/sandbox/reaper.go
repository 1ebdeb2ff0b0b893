package sandbox

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/framewright/backend/internal/infrastructure/logging"
	"github.com/framewright/backend/internal/infrastructure/monitoring"
)

// Reaper destroys sandboxes that sat idle past the idle timeout, and any
// sandbox past the absolute lifetime regardless of activity. Reaped
// destructions are logged, never reported to callers: they are routine
// reclamation, not failures.
type Reaper struct {
	manager  *Manager
	interval time.Duration
	idle     time.Duration
	lifetime time.Duration
	logger   *logging.Logger
	metrics  *monitoring.Metrics

	// now is swappable in tests.
	now func() time.Time
}

// NewReaper creates a reaper over the manager's registry.
func NewReaper(manager *Manager, interval, idle, lifetime time.Duration, logger *logging.Logger) *Reaper {
	return &Reaper{
		manager:  manager,
		interval: interval,
		idle:     idle,
		lifetime: lifetime,
		logger:   logger,
		now:      time.Now,
	}
}

// WithMetrics adds metrics tracking to the reaper.
func (r *Reaper) WithMetrics(metrics *monitoring.Metrics) *Reaper {
	r.metrics = metrics
	return r
}

// Run loops until ctx is cancelled, scanning on every tick.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep destroys every instance past its idle or absolute deadline. Exported
// so tests can drive ticks directly.
func (r *Reaper) Sweep(ctx context.Context) {
	now := r.now()

	for _, inst := range r.manager.List() {
		if inst.Status == StatusDestroyed {
			continue
		}

		var reason string
		switch {
		case now.Sub(inst.CreatedAt) > r.lifetime:
			reason = "lifetime"
		case now.Sub(inst.LastActivityAt) > r.idle:
			reason = "idle"
		default:
			continue
		}

		if err := r.manager.Destroy(ctx, inst.ID); err != nil {
			r.logger.Warn("reaper destroy failed",
				zap.String("id", inst.ID),
				zap.Error(err),
			)
			continue
		}

		if r.metrics != nil {
			r.metrics.RecordReaped(reason)
		}
		r.logger.Info("sandbox reaped",
			zap.String("id", inst.ID),
			zap.String("reason", reason),
			zap.Duration("age", now.Sub(inst.CreatedAt)),
		)
	}
}
