// Package buildservice defines the contract between the controller and the
// remote service that runs worker jobs.
package buildservice

import (
	"context"
	"errors"
	"fmt"
)

// JobStatus is the remote state of a job.
type JobStatus string

const (
	StatusFailed     JobStatus = "FAILED"
	StatusFault      JobStatus = "FAULT"
	StatusInProgress JobStatus = "IN_PROGRESS"
	StatusStopped    JobStatus = "STOPPED"
	StatusSucceeded  JobStatus = "SUCCEEDED"
	StatusTimedOut   JobStatus = "TIMED_OUT"
)

// Finished reports whether the job can no longer host a worker.
func (s JobStatus) Finished() bool {
	switch s {
	case StatusFailed, StatusFault, StatusStopped, StatusSucceeded, StatusTimedOut:
		return true
	}
	return false
}

// Variable is a plaintext environment variable injected into a job.
type Variable struct {
	Name  string
	Value string
}

// StartJobInput describes a job launch.
type StartJobInput struct {
	Project         string
	Image           string
	ComputeType     string
	EnvironmentType string
	// BuildSpec overrides the project's build spec when non-empty.
	BuildSpec  string
	Privileged bool
	// ImagePullCredentialsType is CODEBUILD or SERVICE_ROLE; empty keeps the project setting.
	ImagePullCredentialsType string
	Variables                []Variable
}

// Page is one page of a project listing.
type Page struct {
	Projects  []string
	NextToken string
}

// Client runs and inspects jobs. Implementations must be safe for
// concurrent use.
type Client interface {
	// StartJob launches a job and returns its identifier.
	StartJob(ctx context.Context, in StartJobInput) (string, error)
	// StopJob stops a job. Stopping a job that is no longer running is not
	// an error. A job the service does not know yields ErrJobNotFound.
	StopJob(ctx context.Context, jobID string) error
	// JobStatus returns the current state of a job.
	JobStatus(ctx context.Context, jobID string) (JobStatus, error)
	// ProjectConcurrencyCeiling returns the project's concurrent job limit,
	// or ok=false when the project has none.
	ProjectConcurrencyCeiling(ctx context.Context, project string) (limit int, ok bool, err error)
	// ListProjectsPage returns one page of project names.
	ListProjectsPage(ctx context.Context, token string) (Page, error)
}

var (
	// ErrJobNotFound is returned when the service has no record of a job.
	ErrJobNotFound = errors.New("job not found")
	// ErrThrottled is returned when the service rejects a call for rate reasons.
	ErrThrottled = errors.New("request throttled")
)

// RemoteError wraps a failed call to the build service.
type RemoteError struct {
	Op    string
	JobID string
	Err   error
}

func (e *RemoteError) Error() string {
	if e.JobID != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.JobID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *RemoteError) Unwrap() error { return e.Err }

// IgnoreNotFound returns nil if err is ErrJobNotFound, and err otherwise.
func IgnoreNotFound(err error) error {
	if errors.Is(err, ErrJobNotFound) {
		return nil
	}
	return err
}
