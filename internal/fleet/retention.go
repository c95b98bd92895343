package fleet

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/majorcontext/buildfleet/internal/config"
	"github.com/majorcontext/buildfleet/internal/inventory"
	"github.com/majorcontext/buildfleet/internal/metrics"
)

// RetentionChecker decides when a worker should leave the fleet.
type RetentionChecker interface {
	// Check evicts w if it should go and reports whether it did.
	Check(ctx context.Context, w *Worker, now time.Time) bool
	TaskAccepted(w *Worker)
	TaskCompleted(ctx context.Context, w *Worker, outcome TaskOutcome)
}

// Retention is the RetentionChecker of one cloud.
//
// Until a worker is connected the launcher owns its lifetime, so Check
// never evicts it; two independent timeouts would race. Once connected, a
// worker idle past the threshold, or one that dropped offline, is evicted.
type Retention struct {
	cloud   string
	config  func() config.CloudConfig
	inv     *inventory.Inventory
	pool    *Pool
	clock   clockwork.Clock
	metrics *metrics.Metrics
}

// Check implements RetentionChecker.
func (r *Retention) Check(ctx context.Context, w *Worker, now time.Time) bool {
	if w.Phase() != PhaseConnected || w.Terminated() {
		return false
	}

	reason := ""
	switch idle := w.idleFor(now); {
	case !w.Online():
		reason = "offline"
	case idle > r.config().IdleLimit():
		reason = "idle"
	default:
		return false
	}

	w.Logger().Info("evicting worker", "reason", reason)
	r.metrics.Evicted(r.cloud, reason)
	return r.inv.Remove(ctx, w.Name())
}

// TaskAccepted implements RetentionChecker.
func (r *Retention) TaskAccepted(w *Worker) {
	w.taskAccepted(r.clock.Now())
}

// TaskCompleted implements RetentionChecker. In single-task mode the worker
// stops accepting work and is removed after the grace delay.
func (r *Retention) TaskCompleted(ctx context.Context, w *Worker, outcome TaskOutcome) {
	w.taskCompleted(r.clock.Now(), outcome)
	cfg := r.config()
	if !cfg.SingleTaskMode() {
		return
	}

	w.stopAccepting()
	w.Logger().Info("task finished, shutting down single-task worker", "outcome", outcome, "grace", cfg.GracePeriod())
	shutdown := func(ctx context.Context) {
		select {
		case <-r.clock.After(cfg.GracePeriod()):
		case <-ctx.Done():
		}
		r.inv.Remove(context.WithoutCancel(ctx), w.Name())
	}
	if !r.pool.Submit(shutdown) {
		r.inv.Remove(context.WithoutCancel(ctx), w.Name())
	}
}
