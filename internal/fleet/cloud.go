// Package fleet is the agent lifecycle controller: admission, launch,
// retention and termination of ephemeral build workers.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/majorcontext/buildfleet/internal/allowlist"
	"github.com/majorcontext/buildfleet/internal/buildservice"
	"github.com/majorcontext/buildfleet/internal/config"
	"github.com/majorcontext/buildfleet/internal/handshake"
	"github.com/majorcontext/buildfleet/internal/inventory"
	"github.com/majorcontext/buildfleet/internal/metrics"
)

// Deps are the collaborators of a Cloud. Client, Inventory, Pool and
// Secrets are required.
type Deps struct {
	Client    buildservice.Client
	Inventory *inventory.Inventory
	Pool      *Pool
	Secrets   *handshake.Secrets
	// Gate is consulted when the cloud verifies source addresses.
	Gate    *allowlist.Gate
	Metrics *metrics.Metrics
	Clock   clockwork.Clock
	// Ceilings defaults to a cache over Client.
	Ceilings *buildservice.CeilingCache
	// StatusChecker defaults to RemoteStatusChecker over Client.
	StatusChecker  StatusChecker
	PollInterval   time.Duration
	StatusInterval time.Duration
}

// Cloud is one configured build project serving one label.
type Cloud struct {
	name     string
	cfg      atomic.Pointer[config.CloudConfig]
	inv      *inventory.Inventory
	secrets  *handshake.Secrets
	gate     *allowlist.Gate
	ceilings *buildservice.CeilingCache
	clock    clockwork.Clock
	metrics  *metrics.Metrics

	provisioner ProvisionerService
	launcher    LaunchStateMachine
	retention   RetentionChecker
	terminator  TerminationPolicy
}

// NewCloud validates cfg and composes the cloud's policies.
func NewCloud(cfg config.CloudConfig, deps Deps) (*Cloud, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Client == nil || deps.Inventory == nil || deps.Pool == nil || deps.Secrets == nil {
		return nil, errors.New("fleet: client, inventory, pool and secrets are required")
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Ceilings == nil {
		deps.Ceilings = buildservice.NewCeilingCache(deps.Client, buildservice.DefaultCeilingTTL, deps.Clock)
	}
	if deps.StatusChecker == nil {
		deps.StatusChecker = RemoteStatusChecker{Client: deps.Client}
	}
	if deps.PollInterval <= 0 {
		deps.PollInterval = DefaultPollInterval
	}
	if deps.StatusInterval <= 0 {
		deps.StatusInterval = DefaultStatusInterval
	}

	c := &Cloud{
		name:     cfg.Name,
		inv:      deps.Inventory,
		secrets:  deps.Secrets,
		gate:     deps.Gate,
		ceilings: deps.Ceilings,
		clock:    deps.Clock,
		metrics:  deps.Metrics,
	}
	c.cfg.Store(&cfg)

	terminator := &Terminator{cloud: c.name, client: deps.Client, metrics: deps.Metrics}
	launcher := &Launcher{
		cloud:          c.name,
		config:         c.Config,
		client:         deps.Client,
		secrets:        deps.Secrets,
		checker:        deps.StatusChecker,
		inv:            deps.Inventory,
		clock:          deps.Clock,
		metrics:        deps.Metrics,
		pollInterval:   deps.PollInterval,
		statusInterval: deps.StatusInterval,
	}
	c.terminator = terminator
	c.launcher = launcher
	c.retention = &Retention{
		cloud:   c.name,
		config:  c.Config,
		inv:     deps.Inventory,
		pool:    deps.Pool,
		clock:   deps.Clock,
		metrics: deps.Metrics,
	}
	c.provisioner = &Provisioner{
		cloud:     c.name,
		config:    c.Config,
		ceilings:  deps.Ceilings,
		inv:       deps.Inventory,
		pool:      deps.Pool,
		clock:     deps.Clock,
		metrics:   deps.Metrics,
		newWorker: c.newWorker,
		launch:    launcher.Launch,
	}
	return c, nil
}

func (c *Cloud) newWorker(name string) *Worker {
	return newWorker(name, c.name, c.clock.Now(), c.terminator.Terminate)
}

// Name returns the cloud's name.
func (c *Cloud) Name() string { return c.name }

// Config returns the current configuration value.
func (c *Cloud) Config() config.CloudConfig { return *c.cfg.Load() }

// UpdateConfig replaces the configuration as a whole. The name cannot change.
func (c *Cloud) UpdateConfig(cfg config.CloudConfig) error {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.Name != c.name {
		return &config.Error{Cloud: c.name, Field: "name", Reason: fmt.Sprintf("cannot change to %q", cfg.Name)}
	}
	old := c.cfg.Swap(&cfg)
	if old.Project != cfg.Project {
		c.ceilings.Invalidate(old.Project)
	}
	return nil
}

// CanProvision reports whether label selects this cloud.
func (c *Cloud) CanProvision(label string) bool {
	return c.provisioner.CanProvision(label)
}

// Provision plans workers for excess units of work on label.
func (c *Cloud) Provision(ctx context.Context, label string, excess int) []PlannedNode {
	return c.provisioner.Provision(ctx, label, excess)
}

// Workers returns this cloud's workers in the inventory, sorted by name.
func (c *Cloud) Workers() []*Worker {
	var ws []*Worker
	for _, node := range c.inv.List() {
		if w, ok := node.(*Worker); ok && w.Cloud() == c.name {
			ws = append(ws, w)
		}
	}
	return ws
}

// LiveWorkers counts this cloud's non-terminated workers.
func (c *Cloud) LiveWorkers() int {
	return liveWorkers(c.inv, c.name)
}

// Connect admits a worker phoning home from addr. The allowlist runs
// first when source verification is enabled; a refusal is an
// *allowlist.RefusedError.
func (c *Cloud) Connect(ctx context.Context, w *Worker, addr netip.Addr, secret string) error {
	if c.Config().VerifySourceIP {
		if c.gate == nil {
			c.metrics.Connection(metrics.ConnectRefused)
			return &allowlist.RefusedError{Addr: addr}
		}
		if err := c.gate.Admit(ctx, addr); err != nil {
			c.metrics.Connection(metrics.ConnectRefused)
			w.Logger().Warn("connection refused", "addr", addr, "error", err)
			return err
		}
	}
	if !c.secrets.Verify(w.Name(), secret) {
		c.metrics.Connection(metrics.ConnectBadSecret)
		w.Logger().Warn("connection with bad secret", "addr", addr)
		return ErrBadSecret
	}
	switch w.Phase() {
	case PhaseStarting, PhaseAwaitingHandshake, PhaseConnected:
	default:
		return ErrNotConnectable
	}
	w.markOnline(c.clock.Now(), addr)
	c.metrics.Connection(metrics.ConnectAdmitted)
	w.Logger().Info("worker online", "addr", addr)
	return nil
}

// Disconnect runs the pre-disconnect hook and marks the worker offline.
func (c *Cloud) Disconnect(w *Worker) {
	c.launcher.BeforeDisconnect(w)
	w.markOffline()
}

// TaskAccepted records that w started a task.
func (c *Cloud) TaskAccepted(w *Worker) {
	c.retention.TaskAccepted(w)
}

// TaskCompleted records that w finished a task with outcome.
func (c *Cloud) TaskCompleted(ctx context.Context, w *Worker, outcome TaskOutcome) {
	c.retention.TaskCompleted(ctx, w, outcome)
}
