package fleet

import (
	"errors"
	"fmt"
	"time"

	"github.com/majorcontext/buildfleet/internal/buildservice"
)

var (
	// ErrAlreadyLaunched is returned by Launch for a worker past NotLaunched.
	ErrAlreadyLaunched = errors.New("worker already launched")
	// ErrBadSecret rejects a connection whose agent secret does not match.
	ErrBadSecret = errors.New("agent secret mismatch")
	// ErrNotConnectable rejects a connection for a worker that is not launching.
	ErrNotConnectable = errors.New("worker is not awaiting a connection")
	// ErrTerminated ends a launch whose worker was removed from the inventory.
	ErrTerminated = errors.New("worker terminated during launch")
	// ErrPoolClosed is returned for work submitted after shutdown began.
	ErrPoolClosed = errors.New("worker pool closed")
)

// HandshakeTimeoutError is a launch that never received its handshake.
type HandshakeTimeoutError struct {
	Worker  string
	JobID   string
	Timeout time.Duration
}

func (e *HandshakeTimeoutError) Error() string {
	return fmt.Sprintf("worker %s (job %s) did not connect within %s", e.Worker, e.JobID, e.Timeout)
}

// JobFailedError is a job that reached a finished status while its worker
// was still expected to connect.
type JobFailedError struct {
	JobID  string
	Status buildservice.JobStatus
}

func (e *JobFailedError) Error() string {
	return fmt.Sprintf("job %s entered status %s before its worker connected", e.JobID, e.Status)
}
