package allowlist

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const ranges = `{
  "syncToken": "1700000000",
  "prefixes": [
    {"ip_prefix": "3.5.0.0/16", "region": "us-east-1", "service": "AMAZON"},
    {"ip_prefix": "3.5.0.0/16", "region": "us-east-1", "service": "EC2"},
    {"ip_prefix": "34.228.4.208/28", "region": "us-east-1", "service": "CODEBUILD"},
    {"ip_prefix": "52.95.0.0/20", "region": "us-east-1", "service": "AMAZON"},
    {"ip_prefix": "13.32.0.0/15", "region": "GLOBAL", "service": "CLOUDFRONT"}
  ],
  "ipv6_prefixes": [
    {"ipv6_prefix": "2600:1f18::/33", "region": "us-east-1", "service": "AMAZON"},
    {"ipv6_prefix": "2600:1f19::/36", "region": "us-east-1", "service": "EC2"},
    {"ipv6_prefix": "2600:1f19::/36", "region": "us-east-1", "service": "CODEBUILD"}
  ]
}`

type countingFetcher struct {
	calls atomic.Int32
	data  []byte
	err   error
	gate  chan struct{}
}

func (f *countingFetcher) Fetch(ctx context.Context) ([]byte, error) {
	f.calls.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	return f.data, f.err
}

func TestParseSetDifference(t *testing.T) {
	got, err := Parse([]byte(ranges))
	require.NoError(t, err)

	want := []netip.Prefix{
		netip.MustParsePrefix("34.228.4.208/28"),
		netip.MustParsePrefix("52.95.0.0/20"),
		netip.MustParsePrefix("2600:1f18::/33"),
	}
	assert.Equal(t, want, got)
}

func TestParseErrors(t *testing.T) {
	_, err := Parse([]byte("not json"))
	assert.Error(t, err)

	_, err = Parse([]byte(`{"prefixes":[{"ip_prefix":"bogus","service":"CODEBUILD"}]}`))
	assert.Error(t, err)
}

func TestAdmit(t *testing.T) {
	g := NewGate(&countingFetcher{data: []byte(ranges)}, Options{Clock: clockwork.NewFakeClock()})
	ctx := context.Background()

	assert.NoError(t, g.Admit(ctx, netip.MustParseAddr("34.228.4.210")))
	assert.NoError(t, g.Admit(ctx, netip.MustParseAddr("52.95.1.1")))
	assert.NoError(t, g.Admit(ctx, netip.MustParseAddr("2600:1f18::1")))
	assert.NoError(t, g.Admit(ctx, netip.MustParseAddr("::ffff:34.228.4.210")))

	for _, addr := range []string{"3.5.1.1", "2600:1f19::1", "13.32.0.1", "10.0.0.1"} {
		err := g.Admit(ctx, netip.MustParseAddr(addr))
		var refused *RefusedError
		require.ErrorAs(t, err, &refused, addr)
		assert.Equal(t, netip.MustParseAddr(addr), refused.Addr)
	}
}

func TestFetchFailureFailsClosed(t *testing.T) {
	clock := clockwork.NewFakeClock()
	f := &countingFetcher{data: []byte(ranges)}
	g := NewGate(f, Options{Clock: clock, TTL: time.Hour, RetryAfter: time.Minute})
	ctx := context.Background()
	addr := netip.MustParseAddr("34.228.4.210")

	require.NoError(t, g.Admit(ctx, addr))

	clock.Advance(time.Hour)
	f.err = errors.New("connection reset")
	assert.Error(t, g.Admit(ctx, addr))
	assert.Empty(t, g.Snapshot().Prefixes)
	assert.Error(t, g.Snapshot().Err)
	assert.EqualValues(t, 2, f.calls.Load())

	// Still within the retry window: no new fetch.
	assert.Error(t, g.Admit(ctx, addr))
	assert.EqualValues(t, 2, f.calls.Load())

	clock.Advance(time.Minute)
	f.err = nil
	assert.NoError(t, g.Admit(ctx, addr))
	assert.EqualValues(t, 3, f.calls.Load())
}

func TestTTL(t *testing.T) {
	clock := clockwork.NewFakeClock()
	f := &countingFetcher{data: []byte(ranges)}
	g := NewGate(f, Options{Clock: clock})
	addr := netip.MustParseAddr("52.95.1.1")

	for range 5 {
		require.NoError(t, g.Admit(context.Background(), addr))
	}
	assert.EqualValues(t, 1, f.calls.Load())

	clock.Advance(DefaultTTL - time.Second)
	require.NoError(t, g.Admit(context.Background(), addr))
	assert.EqualValues(t, 1, f.calls.Load())

	clock.Advance(time.Second)
	require.NoError(t, g.Admit(context.Background(), addr))
	assert.EqualValues(t, 2, f.calls.Load())
}

func TestConcurrentRefreshSingleFetch(t *testing.T) {
	f := &countingFetcher{data: []byte(ranges), gate: make(chan struct{})}
	g := NewGate(f, Options{Clock: clockwork.NewFakeClock()})
	addr := netip.MustParseAddr("52.95.1.1")

	var wg sync.WaitGroup
	errs := make([]error, 16)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = g.Admit(context.Background(), addr)
		}()
	}

	require.Eventually(t, func() bool { return f.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(f.gate)
	wg.Wait()

	assert.EqualValues(t, 1, f.calls.Load())
	for _, err := range errs {
		assert.NoError(t, err)
	}
}

func TestForcedRefreshReplacesSet(t *testing.T) {
	f := &countingFetcher{data: []byte(ranges)}
	g := NewGate(f, Options{Clock: clockwork.NewFakeClock()})
	require.NoError(t, g.Refresh(context.Background()))
	assert.Len(t, g.Snapshot().Prefixes, 3)

	f.data = []byte(`{"prefixes":[{"ip_prefix":"1.2.3.0/24","service":"CODEBUILD"}],"ipv6_prefixes":[]}`)
	require.NoError(t, g.Refresh(context.Background()))
	assert.Equal(t, []netip.Prefix{netip.MustParsePrefix("1.2.3.0/24")}, g.Snapshot().Prefixes)
}

func TestHTTPFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ip-ranges.json" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(ranges))
	}))
	defer srv.Close()

	f := &HTTPFetcher{URL: srv.URL + "/ip-ranges.json"}
	data, err := f.Fetch(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, ranges, string(data))

	f.URL = srv.URL + "/missing"
	_, err = f.Fetch(context.Background())
	assert.Error(t, err)
}
