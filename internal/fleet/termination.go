package fleet

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/majorcontext/buildfleet/internal/buildservice"
	"github.com/majorcontext/buildfleet/internal/metrics"
)

// TerminationPolicy decides what happens to a worker's remote job when the
// worker leaves the inventory.
type TerminationPolicy interface {
	Terminate(ctx context.Context, w *Worker)
}

// Terminator stops the remote job unless the worker's last task succeeded,
// in which case the job is left to finish and record its own result.
// Remote errors are logged; termination always completes locally.
type Terminator struct {
	cloud   string
	client  buildservice.Client
	metrics *metrics.Metrics
	// newBackOff paces retries of throttled stop calls.
	newBackOff func() backoff.BackOff
}

func defaultStopBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxElapsedTime = 20 * time.Second
	return b
}

// Terminate implements TerminationPolicy. Only the first call per worker
// has any effect.
func (t *Terminator) Terminate(ctx context.Context, w *Worker) {
	if !w.markTerminated() {
		return
	}
	jobID := w.clearJob()
	if jobID == "" {
		t.metrics.Terminated(t.cloud, metrics.TerminateNoJob)
		return
	}
	if w.Outcome() == OutcomeSucceeded {
		w.Logger().Info("last task succeeded, letting job finish", "job", jobID)
		t.metrics.Terminated(t.cloud, metrics.TerminateLetFinish)
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	stop := func() error {
		err := buildservice.IgnoreNotFound(t.client.StopJob(ctx, jobID))
		if err != nil && !errors.Is(err, buildservice.ErrThrottled) {
			return backoff.Permanent(err)
		}
		return err
	}
	newBackOff := t.newBackOff
	if newBackOff == nil {
		newBackOff = defaultStopBackOff
	}
	if err := backoff.Retry(stop, backoff.WithContext(newBackOff(), ctx)); err != nil {
		w.Logger().Warn("stopping job during termination", "job", jobID, "error", err)
		t.metrics.Terminated(t.cloud, metrics.TerminateStopFailed)
		return
	}
	w.Logger().Info("job stopped", "job", jobID, "outcome", w.Outcome())
	t.metrics.Terminated(t.cloud, metrics.TerminateStopped)
}
