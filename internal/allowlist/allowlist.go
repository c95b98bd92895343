// Package allowlist admits inbound worker connections only from the build
// service's published address ranges.
//
// The admitted set is the build-service ranges minus the general-compute
// ranges, rebuilt wholesale on each refresh. A failed refresh empties the
// set, so every connection is refused until the next successful one.
package allowlist

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"github.com/majorcontext/buildfleet/internal/log"
)

const (
	// DefaultTTL is how long a snapshot is used before refreshing.
	DefaultTTL = 24 * time.Hour
	// DefaultRetryAfter is how long an empty snapshot from a failed refresh
	// is kept before trying again.
	DefaultRetryAfter = 5 * time.Minute

	fetchTimeout = 10 * time.Second
)

// Service tags of the two groups in the published document.
var (
	buildServices   = map[string]bool{"AMAZON": true, "CODEBUILD": true}
	computeServices = map[string]bool{"EC2": true}
)

// RefusedError rejects a connection from an address outside the admitted set.
type RefusedError struct {
	Addr netip.Addr
}

func (e *RefusedError) Error() string {
	return fmt.Sprintf("connection refused: source address %s is not a build service address", e.Addr)
}

// Fetcher retrieves the address-range document.
type Fetcher interface {
	Fetch(ctx context.Context) ([]byte, error)
}

// HTTPFetcher fetches the document from a URL.
type HTTPFetcher struct {
	URL    string
	Client *http.Client
}

// Fetch performs a GET and returns the body of a 200 response.
func (f *HTTPFetcher) Fetch(ctx context.Context) ([]byte, error) {
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", f.URL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching %s: unexpected status %s", f.URL, resp.Status)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 32<<20))
}

// Snapshot is one immutable admitted set.
type Snapshot struct {
	Prefixes  []netip.Prefix
	FetchedAt time.Time
	// Err is the refresh failure that produced an empty snapshot, if any.
	Err error
}

// Options configures a Gate.
type Options struct {
	TTL        time.Duration
	RetryAfter time.Duration
	Clock      clockwork.Clock
}

// Gate is a TTL-cached, single-flight-refreshed allowlist.
type Gate struct {
	fetcher    Fetcher
	ttl        time.Duration
	retryAfter time.Duration
	clock      clockwork.Clock

	group singleflight.Group

	mu      sync.RWMutex
	snap    *Snapshot
	expires time.Time
}

// NewGate creates a gate that refreshes lazily on first use.
func NewGate(f Fetcher, opts Options) *Gate {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.RetryAfter <= 0 {
		opts.RetryAfter = DefaultRetryAfter
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Gate{
		fetcher:    f,
		ttl:        opts.TTL,
		retryAfter: opts.RetryAfter,
		clock:      opts.Clock,
		snap:       &Snapshot{},
	}
}

// Snapshot returns the current admitted set. Readers during a refresh see
// the previous snapshot.
func (g *Gate) Snapshot() *Snapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.snap
}

func (g *Gate) stale() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return !g.clock.Now().Before(g.expires)
}

// Refresh rebuilds the snapshot now. Concurrent calls share one fetch.
func (g *Gate) Refresh(ctx context.Context) error {
	_, err, _ := g.group.Do("refresh", func() (any, error) {
		return nil, g.refresh(ctx)
	})
	return err
}

// ensureFresh refreshes if the snapshot has expired. Callers that arrive
// while a refresh is in flight wait for it instead of fetching again.
func (g *Gate) ensureFresh(ctx context.Context) {
	if !g.stale() {
		return
	}
	g.group.Do("refresh", func() (any, error) {
		// Another caller may have refreshed between the check and here.
		if !g.stale() {
			return nil, nil
		}
		return nil, g.refresh(ctx)
	})
}

func (g *Gate) refresh(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), fetchTimeout)
	defer cancel()

	now := g.clock.Now()
	prefixes, err := g.load(ctx)
	snap := &Snapshot{Prefixes: prefixes, FetchedAt: now, Err: err}
	expires := now.Add(g.ttl)
	if err != nil {
		snap.Prefixes = nil
		expires = now.Add(g.retryAfter)
		log.Warn("allowlist refresh failed, refusing all connections", "error", err, "retry_in", g.retryAfter)
	} else {
		log.Info("allowlist refreshed", "prefixes", len(prefixes))
	}

	g.mu.Lock()
	g.snap = snap
	g.expires = expires
	g.mu.Unlock()
	return err
}

func (g *Gate) load(ctx context.Context) ([]netip.Prefix, error) {
	data, err := g.fetcher.Fetch(ctx)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Admit returns nil if addr is inside the admitted set and a *RefusedError
// otherwise. It refreshes the set first when it has expired.
func (g *Gate) Admit(ctx context.Context, addr netip.Addr) error {
	g.ensureFresh(ctx)
	addr = addr.Unmap()
	for _, p := range g.Snapshot().Prefixes {
		if p.Contains(addr) {
			return nil
		}
	}
	return &RefusedError{Addr: addr}
}

type document struct {
	Prefixes []struct {
		IPPrefix string `json:"ip_prefix"`
		Service  string `json:"service"`
	} `json:"prefixes"`
	IPv6Prefixes []struct {
		IPv6Prefix string `json:"ipv6_prefix"`
		Service    string `json:"service"`
	} `json:"ipv6_prefixes"`
}

// Parse computes the admitted set from an address-range document: every
// build-service prefix that is not also listed as a general-compute prefix.
func Parse(data []byte) ([]netip.Prefix, error) {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing address ranges: %w", err)
	}

	type entry struct {
		prefix  string
		service string
	}
	entries := make([]entry, 0, len(doc.Prefixes)+len(doc.IPv6Prefixes))
	for _, p := range doc.Prefixes {
		entries = append(entries, entry{p.IPPrefix, p.Service})
	}
	for _, p := range doc.IPv6Prefixes {
		entries = append(entries, entry{p.IPv6Prefix, p.Service})
	}

	var build []netip.Prefix
	compute := make(map[netip.Prefix]bool)
	for _, e := range entries {
		if !buildServices[e.service] && !computeServices[e.service] {
			continue
		}
		p, err := netip.ParsePrefix(e.prefix)
		if err != nil {
			return nil, fmt.Errorf("parsing prefix %q: %w", e.prefix, err)
		}
		p = p.Masked()
		if computeServices[e.service] {
			compute[p] = true
		} else {
			build = append(build, p)
		}
	}

	seen := make(map[netip.Prefix]bool, len(build))
	admitted := make([]netip.Prefix, 0, len(build))
	for _, p := range build {
		if compute[p] || seen[p] {
			continue
		}
		seen[p] = true
		admitted = append(admitted, p)
	}
	return admitted, nil
}
