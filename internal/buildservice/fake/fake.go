// Package fake provides an in-memory buildservice.Client for tests.
package fake

import (
	"context"
	"fmt"
	"sync"

	"github.com/majorcontext/buildfleet/internal/buildservice"
)

// Client is an in-memory build service. The zero value is not usable; call New.
type Client struct {
	mu sync.Mutex

	seq      int
	starts   []buildservice.StartJobInput
	stops    []string
	statuses map[string]buildservice.JobStatus

	// Ceiling is returned by ProjectConcurrencyCeiling when HasCeiling is set.
	Ceiling    int
	HasCeiling bool
	CeilingErr error
	// CeilingCalls counts ProjectConcurrencyCeiling calls.
	CeilingCalls int

	StartErr  error
	StopErr   error
	StatusErr error

	// Pages are served by ListProjectsPage; page i is returned for token "" (i=0) or fmt.Sprint(i).
	Pages []buildservice.Page
}

// New returns an empty fake.
func New() *Client {
	return &Client{statuses: make(map[string]buildservice.JobStatus)}
}

func (c *Client) StartJob(_ context.Context, in buildservice.StartJobInput) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.StartErr != nil {
		return "", c.StartErr
	}
	c.seq++
	id := fmt.Sprintf("%s:job-%d", in.Project, c.seq)
	c.starts = append(c.starts, in)
	c.statuses[id] = buildservice.StatusInProgress
	return id, nil
}

func (c *Client) StopJob(_ context.Context, jobID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stops = append(c.stops, jobID)
	if c.StopErr != nil {
		return c.StopErr
	}
	s, ok := c.statuses[jobID]
	if !ok {
		return buildservice.ErrJobNotFound
	}
	if s == buildservice.StatusInProgress {
		c.statuses[jobID] = buildservice.StatusStopped
	}
	return nil
}

func (c *Client) JobStatus(_ context.Context, jobID string) (buildservice.JobStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.StatusErr != nil {
		return "", c.StatusErr
	}
	s, ok := c.statuses[jobID]
	if !ok {
		return "", buildservice.ErrJobNotFound
	}
	return s, nil
}

func (c *Client) ProjectConcurrencyCeiling(_ context.Context, _ string) (int, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CeilingCalls++
	if c.CeilingErr != nil {
		return 0, false, c.CeilingErr
	}
	return c.Ceiling, c.HasCeiling, nil
}

func (c *Client) ListProjectsPage(_ context.Context, token string) (buildservice.Page, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := 0
	if token != "" {
		if _, err := fmt.Sscan(token, &i); err != nil {
			return buildservice.Page{}, fmt.Errorf("bad token %q", token)
		}
	}
	if i >= len(c.Pages) {
		return buildservice.Page{}, nil
	}
	return c.Pages[i], nil
}

// SetStatus overrides the status of a job.
func (c *Client) SetStatus(jobID string, s buildservice.JobStatus) {
	c.mu.Lock()
	c.statuses[jobID] = s
	c.mu.Unlock()
}

// Starts returns the inputs of every StartJob call.
func (c *Client) Starts() []buildservice.StartJobInput {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]buildservice.StartJobInput(nil), c.starts...)
}

// Stops returns the job IDs of every StopJob call.
func (c *Client) Stops() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.stops...)
}

// LastJobID returns the ID of the most recently started job.
func (c *Client) LastJobID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.starts) == 0 {
		return ""
	}
	return fmt.Sprintf("%s:job-%d", c.starts[len(c.starts)-1].Project, c.seq)
}

var _ buildservice.Client = (*Client)(nil)
