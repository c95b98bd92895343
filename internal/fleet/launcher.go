package fleet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/majorcontext/buildfleet/internal/buildservice"
	"github.com/majorcontext/buildfleet/internal/config"
	"github.com/majorcontext/buildfleet/internal/handshake"
	"github.com/majorcontext/buildfleet/internal/inventory"
	"github.com/majorcontext/buildfleet/internal/log"
	"github.com/majorcontext/buildfleet/internal/metrics"
	"github.com/majorcontext/buildfleet/internal/secrets"
)

const (
	// DefaultPollInterval is how often a launch checks for the handshake.
	DefaultPollInterval = 500 * time.Millisecond
	// DefaultStatusInterval is how often a launch asks the build service
	// whether the job is still running.
	DefaultStatusInterval = 30 * time.Second

	cleanupTimeout = 30 * time.Second
)

// LaunchStateMachine starts a worker's job and waits for it to connect.
type LaunchStateMachine interface {
	// Launch drives w from NotLaunched to Connected or Failed. It blocks
	// until the handshake arrives or the launch fails.
	Launch(ctx context.Context, w *Worker) error
	// BeforeDisconnect unbinds the job when the worker's transport closes.
	BeforeDisconnect(w *Worker)
}

// StatusChecker is the periodic out-of-band health check of a launch.
type StatusChecker interface {
	// Check returns an error when the job can no longer produce a worker.
	Check(ctx context.Context, jobID string) error
}

// RemoteStatusChecker asks the build service for the job's status. Lookup
// errors are logged and ignored; only a finished status fails the launch.
type RemoteStatusChecker struct {
	Client buildservice.Client
}

func (c RemoteStatusChecker) Check(ctx context.Context, jobID string) error {
	status, err := c.Client.JobStatus(ctx, jobID)
	if err != nil {
		log.Warn("job status check failed", "job", jobID, "error", err)
		return nil
	}
	if status.Finished() {
		return &JobFailedError{JobID: jobID, Status: status}
	}
	return nil
}

// Launcher is the LaunchStateMachine of one cloud.
type Launcher struct {
	cloud          string
	config         func() config.CloudConfig
	client         buildservice.Client
	secrets        *handshake.Secrets
	checker        StatusChecker
	inv            *inventory.Inventory
	clock          clockwork.Clock
	metrics        *metrics.Metrics
	pollInterval   time.Duration
	statusInterval time.Duration
}

// Launch implements LaunchStateMachine.
func (l *Launcher) Launch(ctx context.Context, w *Worker) error {
	if !w.transition(PhaseNotLaunched, PhaseStarting) {
		return ErrAlreadyLaunched
	}
	started := l.clock.Now()

	err := l.run(ctx, w, l.config())
	if err != nil {
		l.fail(ctx, w, err)
		result := metrics.LaunchFailed
		var timeout *HandshakeTimeoutError
		if errors.As(err, &timeout) {
			result = metrics.LaunchTimeout
		}
		l.metrics.Launch(l.cloud, result, l.clock.Since(started))
		return err
	}
	l.metrics.Launch(l.cloud, metrics.LaunchConnected, l.clock.Since(started))
	return nil
}

func (l *Launcher) run(ctx context.Context, w *Worker, cfg config.CloudConfig) error {
	proxy, err := secrets.ResolveOptional(ctx, cfg.Handshake.ProxyCredentials)
	if err != nil {
		return fmt.Errorf("resolving proxy credentials: %w", err)
	}
	vars := handshake.Variables(cfg.Handshake, handshake.Params{
		AgentName:        w.Name(),
		Secret:           l.secrets.For(w.Name()),
		ProxyCredentials: proxy,
	})

	jobID, err := l.client.StartJob(ctx, buildservice.StartJobInput{
		Project:                  cfg.Project,
		Image:                    cfg.DockerImage,
		ComputeType:              cfg.ComputeType,
		EnvironmentType:          cfg.EnvironmentType,
		BuildSpec:                cfg.BuildSpec,
		Privileged:               cfg.PrivilegedMode(),
		ImagePullCredentialsType: cfg.ImagePullCredentials,
		Variables:                vars,
	})
	if err != nil {
		return err
	}
	if !w.bindJob(jobID) {
		l.stopUnbound(ctx, w, jobID)
		return ErrTerminated
	}
	w.setPhase(PhaseAwaitingHandshake)

	attrs := []any{"job", jobID, "mode", handshake.SelectMode(cfg.Handshake).String()}
	if cfg.Backend == config.BackendCodeBuild {
		attrs = append(attrs, "console", buildservice.ConsoleURL(cfg.Region, cfg.Project, jobID))
	}
	w.Logger().Info("job started, awaiting handshake", attrs...)

	return l.await(ctx, w, jobID, cfg.ConnectTimeout)
}

// await polls for the handshake for at most timeout, checking the job's
// status every statusInterval. It gives up early once w is terminated.
func (l *Launcher) await(ctx context.Context, w *Worker, jobID string, timeout time.Duration) error {
	iterations := int(timeout / l.pollInterval)
	statusEvery := max(int(l.statusInterval/l.pollInterval), 1)

	for i := 0; i < iterations; i++ {
		if w.Terminated() {
			return ErrTerminated
		}
		if w.ready() {
			return l.connected(w)
		}
		if i > 0 && i%statusEvery == 0 {
			// A slow lookup may use at most what is left of the poll budget.
			budget := min(l.statusInterval, timeout-time.Duration(i)*l.pollInterval)
			checkCtx, cancel := context.WithTimeout(ctx, budget)
			err := l.checker.Check(checkCtx, jobID)
			cancel()
			if err != nil {
				return err
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.clock.After(l.pollInterval):
		}
	}
	if w.ready() {
		return l.connected(w)
	}
	return &HandshakeTimeoutError{Worker: w.Name(), JobID: jobID, Timeout: timeout}
}

func (l *Launcher) connected(w *Worker) error {
	if !w.transition(PhaseAwaitingHandshake, PhaseConnected) {
		return fmt.Errorf("worker %s left awaiting handshake as %s", w.Name(), w.Phase())
	}
	w.Logger().Info("worker connected")
	return nil
}

// fail stops a job that may still be running, unbinds it, records the
// error in the worker's log and removes the worker from the inventory.
func (l *Launcher) fail(ctx context.Context, w *Worker, cause error) {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	// A finished job needs no stop, and a terminated worker's job was
	// stopped by termination or by run.
	var finished *JobFailedError
	skipStop := errors.As(cause, &finished) || errors.Is(cause, ErrTerminated)
	if jobID := w.JobID(); jobID != "" && !skipStop {
		if err := buildservice.IgnoreNotFound(l.client.StopJob(cleanupCtx, jobID)); err != nil {
			w.Logger().Warn("stopping job after failed launch", "job", jobID, "error", err)
		}
	}
	w.clearJob()
	w.setPhase(PhaseFailed)
	w.Logger().Error("launch failed", "error", cause)
	l.inv.Remove(cleanupCtx, w.Name())
}

// stopUnbound stops a job that started after its worker was terminated.
func (l *Launcher) stopUnbound(ctx context.Context, w *Worker, jobID string) {
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := buildservice.IgnoreNotFound(l.client.StopJob(stopCtx, jobID)); err != nil {
		w.Logger().Warn("stopping job of terminated worker", "job", jobID, "error", err)
		return
	}
	w.Logger().Info("worker terminated while starting, job stopped", "job", jobID)
}

// BeforeDisconnect implements LaunchStateMachine.
func (l *Launcher) BeforeDisconnect(w *Worker) {
	if jobID := w.clearJob(); jobID != "" {
		w.Logger().Info("transport closing, unbinding job", "job", jobID)
	}
}
