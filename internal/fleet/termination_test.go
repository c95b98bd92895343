package fleet

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/majorcontext/buildfleet/internal/buildservice"
	"github.com/majorcontext/buildfleet/internal/buildservice/fake"
)

// throttlingClient fails the first failures StopJob calls with ErrThrottled.
type throttlingClient struct {
	*fake.Client
	mu       sync.Mutex
	failures int
}

func (c *throttlingClient) StopJob(ctx context.Context, jobID string) error {
	c.mu.Lock()
	if c.failures > 0 {
		c.failures--
		c.mu.Unlock()
		return &buildservice.RemoteError{Op: "StopBuild", JobID: jobID, Err: buildservice.ErrThrottled}
	}
	c.mu.Unlock()
	return c.Client.StopJob(ctx, jobID)
}

func newTestWorker(jobID string, outcome TaskOutcome) *Worker {
	w := newWorker("linux.test-worker-abcd", "linux", clockwork.NewFakeClock().Now(), nil)
	w.bindJob(jobID)
	w.outcome = outcome
	return w
}

func TestTerminate(t *testing.T) {
	tests := []struct {
		name      string
		jobID     string
		outcome   TaskOutcome
		wantStops int
	}{
		{"no job", "", OutcomeUnknown, 0},
		{"succeeded lets job finish", "fleet:job-1", OutcomeSucceeded, 0},
		{"failed stops job", "fleet:job-1", OutcomeFailed, 1},
		{"unknown stops job", "fleet:job-1", OutcomeUnknown, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := fake.New()
			if tt.jobID != "" {
				client.SetStatus(tt.jobID, buildservice.StatusInProgress)
			}
			term := &Terminator{cloud: "linux", client: client}
			w := newTestWorker(tt.jobID, tt.outcome)

			term.Terminate(context.Background(), w)
			assert.Len(t, client.Stops(), tt.wantStops)
			assert.True(t, w.Terminated())
			assert.Empty(t, w.JobID())
		})
	}
}

func TestTerminateIsIdempotent(t *testing.T) {
	client := fake.New()
	client.SetStatus("fleet:job-1", buildservice.StatusInProgress)
	term := &Terminator{cloud: "linux", client: client}
	w := newTestWorker("fleet:job-1", OutcomeFailed)

	for range 3 {
		term.Terminate(context.Background(), w)
	}
	assert.Equal(t, []string{"fleet:job-1"}, client.Stops())
}

func TestTerminateRetriesThrottledStop(t *testing.T) {
	client := &throttlingClient{Client: fake.New(), failures: 2}
	client.SetStatus("fleet:job-1", buildservice.StatusInProgress)
	term := &Terminator{
		cloud:      "linux",
		client:     client,
		newBackOff: func() backoff.BackOff { return &backoff.ZeroBackOff{} },
	}
	w := newTestWorker("fleet:job-1", OutcomeUnknown)

	term.Terminate(context.Background(), w)
	assert.Equal(t, []string{"fleet:job-1"}, client.Stops())

	status, err := client.JobStatus(context.Background(), "fleet:job-1")
	require.NoError(t, err)
	assert.Equal(t, buildservice.StatusStopped, status)
}

func TestTerminateSwallowsRemoteErrors(t *testing.T) {
	client := fake.New()
	client.StopErr = errors.New("access denied")
	term := &Terminator{cloud: "linux", client: client}
	w := newTestWorker("fleet:job-1", OutcomeFailed)

	term.Terminate(context.Background(), w)
	assert.Len(t, client.Stops(), 1, "permanent errors are not retried")
	assert.True(t, w.Terminated())
	assert.Empty(t, w.JobID())
	assert.True(t, hasLine(w.Log(), "access denied"))
}

func TestTerminateUnknownJob(t *testing.T) {
	client := fake.New()
	term := &Terminator{cloud: "linux", client: client}
	w := newTestWorker("fleet:gone", OutcomeFailed)

	term.Terminate(context.Background(), w)
	assert.Len(t, client.Stops(), 1)
	assert.False(t, hasLine(w.Log(), "stopping job during termination"))
}
