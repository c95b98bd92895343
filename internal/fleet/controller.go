package fleet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/majorcontext/buildfleet/internal/inventory"
	"github.com/majorcontext/buildfleet/internal/log"
	"github.com/majorcontext/buildfleet/internal/metrics"
)

// DefaultRetentionInterval is how often the retention scanner runs.
const DefaultRetentionInterval = time.Minute

// Controller serves the job queue across every configured cloud. The
// clouds share one inventory and one pool.
type Controller struct {
	clouds  []*Cloud
	byName  map[string]*Cloud
	inv     *inventory.Inventory
	pool    *Pool
	clock   clockwork.Clock
	metrics *metrics.Metrics
}

// NewController composes clouds that were built over inv and pool.
func NewController(inv *inventory.Inventory, pool *Pool, clock clockwork.Clock, m *metrics.Metrics, clouds ...*Cloud) (*Controller, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	c := &Controller{
		clouds:  clouds,
		byName:  make(map[string]*Cloud, len(clouds)),
		inv:     inv,
		pool:    pool,
		clock:   clock,
		metrics: m,
	}
	for _, cl := range clouds {
		if _, dup := c.byName[cl.Name()]; dup {
			return nil, fmt.Errorf("duplicate cloud %q", cl.Name())
		}
		c.byName[cl.Name()] = cl
	}
	return c, nil
}

// Initialize disposes of every worker already in the inventory. It is
// called once, before the controller serves the queue.
func (c *Controller) Initialize(ctx context.Context) error {
	var stale []string
	for _, node := range c.inv.List() {
		if _, ok := node.(*Worker); ok {
			stale = append(stale, node.NodeName())
		}
	}
	if len(stale) == 0 {
		return nil
	}
	log.Info("disposing of pre-existing workers", "count", len(stale))
	return c.removeAll(ctx, stale)
}

func (c *Controller) removeAll(ctx context.Context, names []string) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(16)
	for _, name := range names {
		g.Go(func() error {
			c.inv.Remove(ctx, name)
			return ctx.Err()
		})
	}
	return g.Wait()
}

// Clouds returns the clouds in configuration order.
func (c *Controller) Clouds() []*Cloud { return c.clouds }

// Cloud finds a cloud by name.
func (c *Controller) Cloud(name string) (*Cloud, bool) {
	cl, ok := c.byName[name]
	return cl, ok
}

// Worker finds a worker and its cloud by name.
func (c *Controller) Worker(name string) (*Worker, *Cloud, bool) {
	node, ok := c.inv.Get(name)
	if !ok {
		return nil, nil, false
	}
	w, ok := node.(*Worker)
	if !ok {
		return nil, nil, false
	}
	cl, ok := c.byName[w.Cloud()]
	return w, cl, ok
}

// Workers returns every worker, sorted by name.
func (c *Controller) Workers() []*Worker {
	var ws []*Worker
	for _, node := range c.inv.List() {
		if w, ok := node.(*Worker); ok {
			ws = append(ws, w)
		}
	}
	return ws
}

// RemoveWorker removes a worker from the inventory, terminating it. It
// reports whether the worker was present.
func (c *Controller) RemoveWorker(ctx context.Context, name string) bool {
	return c.inv.Remove(ctx, name)
}

// CanProvision reports whether any cloud serves label.
func (c *Controller) CanProvision(label string) bool {
	for _, cl := range c.clouds {
		if cl.CanProvision(label) {
			return true
		}
	}
	return false
}

// Provision asks each matching cloud in turn for workers until excess is
// covered.
func (c *Controller) Provision(ctx context.Context, label string, excess int) []PlannedNode {
	var planned []PlannedNode
	for _, cl := range c.clouds {
		remaining := excess - len(planned)
		if remaining <= 0 {
			break
		}
		if !cl.CanProvision(label) {
			continue
		}
		planned = append(planned, cl.Provision(ctx, label, remaining)...)
	}
	return planned
}

// ScanOnce applies each cloud's retention check to its workers once.
func (c *Controller) ScanOnce(ctx context.Context) {
	now := c.clock.Now()
	for _, w := range c.Workers() {
		if cl, ok := c.byName[w.Cloud()]; ok {
			cl.retention.Check(ctx, w, now)
		}
	}
	for _, cl := range c.clouds {
		c.metrics.SetLive(cl.Name(), cl.LiveWorkers())
	}
}

// RunRetention scans every interval until ctx is canceled.
func (c *Controller) RunRetention(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultRetentionInterval
	}
	log.Debug("retention scanner started", "interval", interval)
	ticker := c.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			c.ScanOnce(ctx)
		}
	}
}

// Close cancels in-flight launches and removes every remaining worker.
func (c *Controller) Close(ctx context.Context) error {
	c.pool.Close()
	var names []string
	for _, w := range c.Workers() {
		names = append(names, w.Name())
	}
	if err := c.removeAll(ctx, names); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
