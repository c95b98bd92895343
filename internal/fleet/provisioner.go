package fleet

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/majorcontext/buildfleet/internal/buildservice"
	"github.com/majorcontext/buildfleet/internal/config"
	"github.com/majorcontext/buildfleet/internal/inventory"
	"github.com/majorcontext/buildfleet/internal/log"
	"github.com/majorcontext/buildfleet/internal/metrics"
	"github.com/majorcontext/buildfleet/internal/name"
)

// ProvisionerService decides how many workers to create for a workload.
type ProvisionerService interface {
	CanProvision(label string) bool
	Provision(ctx context.Context, label string, excess int) []PlannedNode
}

// PlannedNode is a worker the queue can count on before it is live.
type PlannedNode struct {
	DisplayName  string
	Cloud        string
	NumExecutors int
	Future       *Future
}

// Provisioner is the admission controller of one cloud. Every decision
// runs under one lock so concurrent ticks cannot overshoot the ceiling.
type Provisioner struct {
	cloud     string
	config    func() config.CloudConfig
	ceilings  *buildservice.CeilingCache
	inv       *inventory.Inventory
	pool      *Pool
	clock     clockwork.Clock
	metrics   *metrics.Metrics
	newWorker func(name string) *Worker
	launch    func(ctx context.Context, w *Worker) error

	// pending counts planned workers not yet in the inventory.
	pending atomic.Int64

	mu            sync.Mutex
	lastProvision time.Time
}

// CanProvision reports whether label selects this cloud.
func (p *Provisioner) CanProvision(label string) bool {
	ok, err := MatchLabel(label, p.config().Label)
	if err != nil {
		log.Debug("unparseable label expression", "cloud", p.cloud, "label", label, "error", err)
		return false
	}
	return ok
}

// Provision plans up to excess workers, bounded by the remaining capacity
// min(remote ceiling, local maximum) minus live workers, and by the
// cooldown since the last nonzero provision.
func (p *Provisioner) Provision(ctx context.Context, label string, excess int) []PlannedNode {
	p.mu.Lock()
	defer p.mu.Unlock()

	if excess <= 0 || !p.CanProvision(label) {
		return nil
	}
	cfg := p.config()

	ceiling, err := p.ceilings.Ceiling(ctx, cfg.Project)
	if err != nil {
		// Availability over strictness: the local maximum still bounds us.
		log.Warn("concurrency ceiling lookup failed, using local maximum",
			"cloud", p.cloud, "project", cfg.Project, "error", err)
	}
	live := liveWorkers(p.inv, p.cloud) + int(p.pending.Load())
	remaining := min(ceiling, cfg.AgentLimit()) - live
	if remaining <= 0 {
		log.Debug("no capacity", "cloud", p.cloud, "live", live, "max_agents", cfg.AgentLimit())
		return nil
	}
	if since := p.clock.Since(p.lastProvision); since < cfg.CooldownWindow() {
		log.Debug("provisioning cooling down", "cloud", p.cloud, "since_last", since)
		return nil
	}

	n := min(remaining, excess)
	planned := make([]PlannedNode, 0, n)
	reserved := make(map[string]bool, n)
	for range n {
		w := p.newWorker(p.uniqueName(reserved))
		f := newFuture()
		p.pending.Add(1)
		if !p.pool.Submit(func(ctx context.Context) { p.register(ctx, w, f) }) {
			p.pending.Add(-1)
			f.resolve(nil, ErrPoolClosed)
		}
		planned = append(planned, PlannedNode{
			DisplayName:  w.Name(),
			Cloud:        p.cloud,
			NumExecutors: 1,
			Future:       f,
		})
	}

	p.lastProvision = p.clock.Now()
	p.metrics.Provisioned(p.cloud, n)
	log.Info("provisioning workers", "cloud", p.cloud, "count", n, "excess", excess, "live", live)
	return planned
}

// register adds w to the inventory and starts its launch. A failure here
// only affects this slot.
func (p *Provisioner) register(ctx context.Context, w *Worker, f *Future) {
	if ctx.Err() != nil {
		p.pending.Add(-1)
		f.resolve(nil, ErrPoolClosed)
		return
	}
	err := p.inv.Add(w)
	p.pending.Add(-1)
	if err != nil {
		w.Logger().Error("registering worker", "error", err)
		f.resolve(nil, err)
		return
	}
	f.resolve(w, nil)

	if !p.pool.Go(func(ctx context.Context) { _ = p.launch(ctx, w) }) {
		p.inv.Remove(context.Background(), w.Name())
	}
}

func (p *Provisioner) uniqueName(reserved map[string]bool) string {
	for {
		n := name.Agent(p.cloud)
		if _, taken := p.inv.Get(n); !taken && !reserved[n] {
			reserved[n] = true
			return n
		}
	}
}

// liveWorkers counts the non-terminated workers of cloud in inv.
func liveWorkers(inv *inventory.Inventory, cloud string) int {
	n := 0
	for _, node := range inv.List() {
		if w, ok := node.(*Worker); ok && w.Cloud() == cloud && !w.Terminated() {
			n++
		}
	}
	return n
}
