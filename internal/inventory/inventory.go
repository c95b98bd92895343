// Package inventory is the node registry shared by every cloud. The job
// queue only ever refers to nodes by name; the inventory owns them.
package inventory

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// ErrNodeExists is returned by Add when the name is already registered.
var ErrNodeExists = errors.New("node already registered")

// Node is an entry in the inventory.
type Node interface {
	NodeName() string
	// Terminate is called once, after the node has left the inventory.
	Terminate(ctx context.Context)
}

// Inventory is a thread-safe mapping of node names to nodes. Each
// operation is atomic on its own; callers needing more must lock around it.
type Inventory struct {
	mu    sync.RWMutex
	nodes map[string]Node
}

// New creates an empty Inventory.
func New() *Inventory {
	return &Inventory{nodes: make(map[string]Node)}
}

// Add registers n.
func (inv *Inventory) Add(n Node) error {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if _, ok := inv.nodes[n.NodeName()]; ok {
		return ErrNodeExists
	}
	inv.nodes[n.NodeName()] = n
	return nil
}

// Remove unregisters the named node and terminates it. It reports whether
// the node was present; removing a missing node is not an error.
// Termination runs on the caller's goroutine, outside the lock.
func (inv *Inventory) Remove(ctx context.Context, name string) bool {
	inv.mu.Lock()
	n, ok := inv.nodes[name]
	delete(inv.nodes, name)
	inv.mu.Unlock()

	if ok {
		n.Terminate(ctx)
	}
	return ok
}

// Get finds a node by name.
func (inv *Inventory) Get(name string) (Node, bool) {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	n, ok := inv.nodes[name]
	return n, ok
}

// List returns every node, sorted by name.
func (inv *Inventory) List() []Node {
	inv.mu.RLock()
	result := make([]Node, 0, len(inv.nodes))
	for _, n := range inv.nodes {
		result = append(result, n)
	}
	inv.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool { return result[i].NodeName() < result[j].NodeName() })
	return result
}

// Count returns the number of registered nodes.
func (inv *Inventory) Count() int {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	return len(inv.nodes)
}
