package fleet

import (
	"context"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/majorcontext/buildfleet/internal/log"
)

// Phase is a worker's position in the launch state machine.
type Phase int32

const (
	PhaseNotLaunched Phase = iota
	PhaseStarting
	PhaseAwaitingHandshake
	PhaseConnected
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseNotLaunched:
		return "not_launched"
	case PhaseStarting:
		return "starting"
	case PhaseAwaitingHandshake:
		return "awaiting_handshake"
	case PhaseConnected:
		return "connected"
	case PhaseFailed:
		return "failed"
	}
	return "unknown"
}

// TaskOutcome is the result of the last task a worker ran.
type TaskOutcome int

const (
	OutcomeUnknown TaskOutcome = iota
	OutcomeSucceeded
	OutcomeFailed
)

func (o TaskOutcome) String() string {
	switch o {
	case OutcomeSucceeded:
		return "succeeded"
	case OutcomeFailed:
		return "failed"
	}
	return "unknown"
}

// Worker ties a remote job to a node in the inventory. The inventory owns
// it; the job queue refers to it by name only.
type Worker struct {
	name      string
	cloud     string
	createdAt time.Time
	sink      *log.Sink
	logger    *slog.Logger
	terminate func(ctx context.Context, w *Worker)

	mu          sync.Mutex
	phase       Phase
	jobID       string
	outcome     TaskOutcome
	online      bool
	accepting   bool
	busy        bool
	idleSince   time.Time
	connectedAt time.Time
	remoteAddr  netip.Addr
	terminated  bool
}

func newWorker(name, cloud string, now time.Time, terminate func(context.Context, *Worker)) *Worker {
	sink := log.NewSink(log.DefaultSinkLines)
	return &Worker{
		name:      name,
		cloud:     cloud,
		createdAt: now,
		sink:      sink,
		logger:    log.Tee(sink, "worker", name, "cloud", cloud),
		terminate: terminate,
		idleSince: now,
	}
}

// Name returns the worker's display name.
func (w *Worker) Name() string { return w.name }

// NodeName implements inventory.Node.
func (w *Worker) NodeName() string { return w.name }

// Terminate implements inventory.Node by applying the owning cloud's
// termination policy.
func (w *Worker) Terminate(ctx context.Context) {
	if w.terminate != nil {
		w.terminate(ctx, w)
	}
}

// Cloud returns the name of the owning cloud.
func (w *Worker) Cloud() string { return w.cloud }

// Logger writes to the process log and to the worker's own sink.
func (w *Worker) Logger() *slog.Logger { return w.logger }

// Log returns the lines in the worker's sink.
func (w *Worker) Log() []string { return w.sink.Lines() }

func (w *Worker) Phase() Phase {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.phase
}

func (w *Worker) JobID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.jobID
}

func (w *Worker) Outcome() TaskOutcome {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.outcome
}

func (w *Worker) Terminated() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.terminated
}

func (w *Worker) Online() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.online
}

// ready reports whether the worker is online and accepting tasks.
func (w *Worker) ready() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.online && w.accepting
}

// transition moves from one phase to another and reports whether the
// worker was in from.
func (w *Worker) transition(from, to Phase) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.phase != from {
		return false
	}
	w.phase = to
	return true
}

func (w *Worker) setPhase(p Phase) {
	w.mu.Lock()
	w.phase = p
	w.mu.Unlock()
}

// bindJob records the worker's job. It refuses once the worker is
// terminated, leaving the caller to stop the job.
func (w *Worker) bindJob(jobID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.terminated {
		return false
	}
	w.jobID = jobID
	return true
}

// clearJob unbinds the job and returns the ID that was bound.
func (w *Worker) clearJob() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	id := w.jobID
	w.jobID = ""
	return id
}

// markTerminated flips terminated to true and reports whether this call did it.
func (w *Worker) markTerminated() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.terminated {
		return false
	}
	w.terminated = true
	return true
}

func (w *Worker) markOnline(now time.Time, addr netip.Addr) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.online = true
	w.accepting = true
	w.idleSince = now
	w.connectedAt = now
	w.remoteAddr = addr
}

func (w *Worker) markOffline() {
	w.mu.Lock()
	w.online = false
	w.mu.Unlock()
}

func (w *Worker) stopAccepting() {
	w.mu.Lock()
	w.accepting = false
	w.mu.Unlock()
}

func (w *Worker) taskAccepted(now time.Time) {
	w.mu.Lock()
	w.busy = true
	w.idleSince = now
	w.mu.Unlock()
}

func (w *Worker) taskCompleted(now time.Time, outcome TaskOutcome) {
	w.mu.Lock()
	w.busy = false
	w.idleSince = now
	w.outcome = outcome
	w.mu.Unlock()
}

// idleFor returns how long the worker has been without a task, or zero
// while it is running one.
func (w *Worker) idleFor(now time.Time) time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.busy {
		return 0
	}
	return now.Sub(w.idleSince)
}

// Info is a point-in-time view of a worker.
type Info struct {
	Name        string    `json:"name"`
	Cloud       string    `json:"cloud"`
	Phase       string    `json:"phase"`
	JobID       string    `json:"job_id,omitempty"`
	ConsoleURL  string    `json:"console_url,omitempty"`
	Outcome     string    `json:"last_task_outcome"`
	Online      bool      `json:"online"`
	Accepting   bool      `json:"accepting_tasks"`
	Busy        bool      `json:"busy"`
	Terminated  bool      `json:"terminated"`
	RemoteAddr  string    `json:"remote_addr,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	ConnectedAt time.Time `json:"connected_at,omitzero"`
}

// Info returns a snapshot of the worker.
func (w *Worker) Info() Info {
	w.mu.Lock()
	defer w.mu.Unlock()
	info := Info{
		Name:        w.name,
		Cloud:       w.cloud,
		Phase:       w.phase.String(),
		JobID:       w.jobID,
		Outcome:     w.outcome.String(),
		Online:      w.online,
		Accepting:   w.accepting,
		Busy:        w.busy,
		Terminated:  w.terminated,
		CreatedAt:   w.createdAt,
		ConnectedAt: w.connectedAt,
	}
	if w.remoteAddr.IsValid() {
		info.RemoteAddr = w.remoteAddr.String()
	}
	return info
}
