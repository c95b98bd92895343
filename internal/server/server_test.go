package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/majorcontext/buildfleet/internal/allowlist"
	"github.com/majorcontext/buildfleet/internal/buildservice/fake"
	"github.com/majorcontext/buildfleet/internal/config"
	"github.com/majorcontext/buildfleet/internal/fleet"
	"github.com/majorcontext/buildfleet/internal/handshake"
	"github.com/majorcontext/buildfleet/internal/inventory"
	"github.com/majorcontext/buildfleet/internal/metrics"
)

const testRanges = `{"prefixes": [
  {"ip_prefix": "3.5.0.0/16", "service": "AMAZON"},
  {"ip_prefix": "3.5.0.0/16", "service": "EC2"},
  {"ip_prefix": "34.228.4.208/28", "service": "CODEBUILD"}
]}`

type staticFetcher string

func (f staticFetcher) Fetch(context.Context) ([]byte, error) { return []byte(f), nil }

type testServer struct {
	srv     *Server
	ctrl    *fleet.Controller
	client  *fake.Client
	secrets *handshake.Secrets
}

func newTestServer(t *testing.T, verifySource bool) *testServer {
	t.Helper()
	secrets, err := handshake.NewSecrets([]byte("test-key"))
	require.NoError(t, err)
	clock := clockwork.NewFakeClock()
	inv, pool, m := inventory.New(), fleet.NewPool(4), metrics.New()
	t.Cleanup(pool.Close)
	client := fake.New()

	cl, err := fleet.NewCloud(config.CloudConfig{
		Name:            "linux",
		Project:         "fleet",
		Region:          "us-east-1",
		Label:           "linux",
		DockerImage:     "aws/codebuild/standard:7.0",
		ComputeType:     "BUILD_GENERAL1_SMALL",
		EnvironmentType: "LINUX_CONTAINER",
		VerifySourceIP:  verifySource,
		Handshake:       config.Handshake{URL: "https://ci.example.com/"},
	}, fleet.Deps{
		Client:    client,
		Inventory: inv,
		Pool:      pool,
		Secrets:   secrets,
		Gate:      allowlist.NewGate(staticFetcher(testRanges), allowlist.Options{Clock: clock}),
		Metrics:   m,
		Clock:     clock,
	})
	require.NoError(t, err)
	ctrl, err := fleet.NewController(inv, pool, clock, m, cl)
	require.NoError(t, err)

	return &testServer{srv: NewServer("127.0.0.1:0", ctrl, m), ctrl: ctrl, client: client, secrets: secrets}
}

func (ts *testServer) do(t *testing.T, method, path string, body any, header http.Header, remote string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range header {
		req.Header[k] = v
	}
	if remote != "" {
		req.RemoteAddr = remote
	}
	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)
	return rec
}

// provisionOne plans a worker over HTTP and waits for its launch to start.
func (ts *testServer) provisionOne(t *testing.T) *fleet.Worker {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/v1/provision", ProvisionRequest{Label: "linux", ExcessWorkload: 1}, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var planned []PlannedNode
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&planned))
	require.Len(t, planned, 1)

	var wk *fleet.Worker
	require.Eventually(t, func() bool {
		w, _, ok := ts.ctrl.Worker(planned[0].DisplayName)
		if ok && w.Phase() == fleet.PhaseAwaitingHandshake {
			wk = w
			return true
		}
		return false
	}, 5*time.Second, time.Millisecond)
	return wk
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, false)
	rec := ts.do(t, http.MethodGet, "/v1/health", nil, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var health HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&health))
	assert.NotZero(t, health.PID)
	assert.Equal(t, []string{"linux"}, health.Clouds)
	assert.Zero(t, health.WorkerCount)
	assert.NotEmpty(t, health.StartedAt)
}

func TestProvision(t *testing.T) {
	ts := newTestServer(t, false)

	rec := ts.do(t, http.MethodPost, "/v1/provision", ProvisionRequest{Label: "linux", ExcessWorkload: 2}, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var planned []PlannedNode
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&planned))
	require.Len(t, planned, 2)
	for _, p := range planned {
		assert.Equal(t, "linux", p.Cloud)
		assert.Equal(t, 1, p.NumExecutors)
		assert.True(t, strings.HasPrefix(p.DisplayName, "linux."))
	}

	rec = ts.do(t, http.MethodPost, "/v1/provision", ProvisionRequest{Label: "linux", ExcessWorkload: 2}, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String(), "cooldown yields an empty plan, not an error")

	rec = ts.do(t, http.MethodPost, "/v1/provision", ProvisionRequest{Label: "linux", ExcessWorkload: -1}, nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCanProvision(t *testing.T) {
	ts := newTestServer(t, false)
	tests := []struct {
		label string
		want  bool
	}{
		{"linux", true},
		{"linux%20%26%26%20!arm", true},
		{"windows", false},
		{"", false},
	}
	for _, tt := range tests {
		rec := ts.do(t, http.MethodGet, "/v1/provision/can?label="+tt.label, nil, nil, "")
		require.Equal(t, http.StatusOK, rec.Code)
		var resp CanProvisionResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		assert.Equal(t, tt.want, resp.CanProvision, tt.label)
	}
}

func TestAgentEndpoints(t *testing.T) {
	ts := newTestServer(t, false)
	wk := ts.provisionOne(t)

	rec := ts.do(t, http.MethodGet, "/v1/agents", nil, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var infos []AgentInfo
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&infos))
	require.Len(t, infos, 1)
	assert.Equal(t, wk.Name(), infos[0].Name)
	assert.Equal(t, "awaiting_handshake", infos[0].Phase)
	assert.Contains(t, infos[0].ConsoleURL, "https://us-east-1.console.aws.amazon.com/codesuite/codebuild/projects/fleet/build/")

	rec = ts.do(t, http.MethodGet, "/v1/agents/"+wk.Name(), nil, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/v1/agents/"+wk.Name()+"/log", nil, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "awaiting handshake")

	rec = ts.do(t, http.MethodGet, "/v1/agents/linux.missing", nil, nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRemoveAgent(t *testing.T) {
	ts := newTestServer(t, false)
	wk := ts.provisionOne(t)
	jobID := wk.JobID()

	rec := ts.do(t, http.MethodDelete, "/v1/agents/"+wk.Name(), nil, nil, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.True(t, wk.Terminated())
	assert.Contains(t, ts.client.Stops(), jobID)

	rec = ts.do(t, http.MethodDelete, "/v1/agents/"+wk.Name(), nil, nil, "")
	assert.Equal(t, http.StatusNoContent, rec.Code, "removal is idempotent")
}

func TestConnect(t *testing.T) {
	ts := newTestServer(t, false)
	wk := ts.provisionOne(t)
	path := "/v1/agents/" + wk.Name() + "/connect"

	rec := ts.do(t, http.MethodPost, path, nil, http.Header{SecretHeader: {"nope"}}, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(t, http.MethodPost, path, nil, http.Header{SecretHeader: {ts.secrets.For(wk.Name())}}, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var info AgentInfo
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&info))
	assert.True(t, info.Online)
	assert.Equal(t, "192.0.2.1", info.RemoteAddr)
}

func TestConnectRefusedBySourceAddress(t *testing.T) {
	ts := newTestServer(t, true)
	wk := ts.provisionOne(t)
	path := "/v1/agents/" + wk.Name() + "/connect"
	secret := http.Header{SecretHeader: {ts.secrets.For(wk.Name())}}

	rec := ts.do(t, http.MethodPost, path, nil, secret, "3.5.1.1:40000")
	require.Equal(t, http.StatusForbidden, rec.Code)
	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Contains(t, resp.Error, "3.5.1.1")
	assert.Contains(t, resp.Error, "refused")
	assert.False(t, wk.Online())

	rec = ts.do(t, http.MethodPost, path, nil, secret, "34.228.4.210:40000")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestDisconnectAndTasks(t *testing.T) {
	ts := newTestServer(t, false)
	wk := ts.provisionOne(t)
	base := "/v1/agents/" + wk.Name()

	rec := ts.do(t, http.MethodPost, base+"/connect", nil, http.Header{SecretHeader: {ts.secrets.For(wk.Name())}}, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodPost, base+"/tasks", TaskEvent{Event: TaskAccepted, Task: "build #1"}, nil, "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.True(t, wk.Info().Busy)

	rec = ts.do(t, http.MethodPost, base+"/tasks", TaskEvent{Event: "exploded"}, nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, base+"/tasks", TaskEvent{Event: TaskFailed, Task: "build #1", DurationMS: 1200}, nil, "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, fleet.OutcomeFailed, wk.Outcome())
	assert.False(t, wk.Info().Accepting, "single-task workers stop accepting after a task")

	rec = ts.do(t, http.MethodPost, base+"/disconnect", nil, nil, "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.False(t, wk.Online())
	assert.Empty(t, wk.JobID())
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, false)
	ts.provisionOne(t)

	rec := ts.do(t, http.MethodGet, "/metrics", nil, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `buildfleet_workers_provisioned_total{cloud="linux"} 1`)
}
