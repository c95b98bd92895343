package buildservice

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"
)

// DefaultCeilingTTL is how long a successful ceiling lookup is reused.
const DefaultCeilingTTL = time.Hour

// Unlimited is reported for projects without a concurrency limit and for
// failed lookups.
const Unlimited = math.MaxInt

type ceilingEntry struct {
	limit   int
	fetched time.Time
}

// CeilingCache memoizes project concurrency ceilings. Concurrent lookups
// for the same project share one remote call. Failed lookups are not
// cached, so the next call retries.
type CeilingCache struct {
	client Client
	ttl    time.Duration
	clock  clockwork.Clock

	group   singleflight.Group
	mu      sync.Mutex
	entries map[string]ceilingEntry
}

// NewCeilingCache creates a cache over c. A zero ttl uses DefaultCeilingTTL
// and a nil clock uses the real clock.
func NewCeilingCache(c Client, ttl time.Duration, clock clockwork.Clock) *CeilingCache {
	if ttl <= 0 {
		ttl = DefaultCeilingTTL
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &CeilingCache{
		client:  c,
		ttl:     ttl,
		clock:   clock,
		entries: make(map[string]ceilingEntry),
	}
}

// Ceiling returns the project's ceiling, or Unlimited when it has none.
// On error the returned limit is Unlimited so callers may fall back to
// their local maximum.
func (cc *CeilingCache) Ceiling(ctx context.Context, project string) (int, error) {
	cc.mu.Lock()
	e, ok := cc.entries[project]
	cc.mu.Unlock()
	if ok && cc.clock.Since(e.fetched) < cc.ttl {
		return e.limit, nil
	}

	v, err, _ := cc.group.Do(project, func() (any, error) {
		limit, has, err := cc.client.ProjectConcurrencyCeiling(ctx, project)
		if err != nil {
			return Unlimited, err
		}
		if !has {
			limit = Unlimited
		}
		cc.mu.Lock()
		cc.entries[project] = ceilingEntry{limit: limit, fetched: cc.clock.Now()}
		cc.mu.Unlock()
		return limit, nil
	})
	if err != nil {
		return Unlimited, err
	}
	return v.(int), nil
}

// Invalidate drops the cached ceiling for project.
func (cc *CeilingCache) Invalidate(project string) {
	cc.mu.Lock()
	delete(cc.entries, project)
	cc.mu.Unlock()
}
