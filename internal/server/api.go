package server

import "github.com/majorcontext/buildfleet/internal/fleet"

// HealthResponse is returned from GET /v1/health.
type HealthResponse struct {
	PID         int      `json:"pid"`
	Clouds      []string `json:"clouds"`
	WorkerCount int      `json:"worker_count"`
	StartedAt   string   `json:"started_at"`
}

// ProvisionRequest is sent to POST /v1/provision.
type ProvisionRequest struct {
	Label          string `json:"label"`
	ExcessWorkload int    `json:"excess_workload"`
}

// PlannedNode is an element of the list returned by POST /v1/provision.
type PlannedNode struct {
	DisplayName  string `json:"display_name"`
	NumExecutors int    `json:"num_executors"`
	Cloud        string `json:"cloud"`
}

// CanProvisionResponse is returned from GET /v1/provision/can.
type CanProvisionResponse struct {
	CanProvision bool `json:"can_provision"`
}

// Task events accepted by POST /v1/agents/{name}/tasks.
const (
	TaskAccepted  = "accepted"
	TaskCompleted = "completed"
	TaskFailed    = "failed"
)

// TaskEvent is sent to POST /v1/agents/{name}/tasks.
type TaskEvent struct {
	Event      string `json:"event"`
	Task       string `json:"task,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
}

// AgentInfo is returned from the agent endpoints.
type AgentInfo = fleet.Info

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}
