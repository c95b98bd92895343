package fleet

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/majorcontext/buildfleet/internal/buildservice"
	"github.com/majorcontext/buildfleet/internal/buildservice/fake"
	"github.com/majorcontext/buildfleet/internal/config"
	"github.com/majorcontext/buildfleet/internal/handshake"
	"github.com/majorcontext/buildfleet/internal/inventory"
)

var workerAddr = netip.MustParseAddr("34.228.4.210")

type testEnv struct {
	client  *fake.Client
	inv     *inventory.Inventory
	pool    *Pool
	clock   clockwork.Clock
	secrets *handshake.Secrets
	cloud   *Cloud
}

func baseConfig() config.CloudConfig {
	return config.CloudConfig{
		Name:            "linux",
		Project:         "fleet",
		Region:          "us-east-1",
		Label:           "linux",
		DockerImage:     "aws/codebuild/standard:7.0",
		ComputeType:     "BUILD_GENERAL1_SMALL",
		EnvironmentType: "LINUX_CONTAINER",
		Handshake:       config.Handshake{URL: "https://ci.example.com/"},
	}
}

// newEnv builds a cloud over a fake build service. Launch loops poll every
// millisecond and check job status every five.
func newEnv(t *testing.T, cfg config.CloudConfig, clock clockwork.Clock) *testEnv {
	t.Helper()
	return newEnvWith(t, cfg, clock, nil)
}

// newEnvWith is newEnv with a hook to replace collaborators before the
// cloud is composed.
func newEnvWith(t *testing.T, cfg config.CloudConfig, clock clockwork.Clock, override func(*Deps)) *testEnv {
	t.Helper()
	secrets, err := handshake.NewSecrets([]byte("test-key"))
	require.NoError(t, err)

	env := &testEnv{
		client:  fake.New(),
		inv:     inventory.New(),
		pool:    NewPool(4),
		clock:   clock,
		secrets: secrets,
	}
	deps := Deps{
		Client:         env.client,
		Inventory:      env.inv,
		Pool:           env.pool,
		Secrets:        secrets,
		Clock:          clock,
		PollInterval:   time.Millisecond,
		StatusInterval: 5 * time.Millisecond,
	}
	if override != nil {
		override(&deps)
	}
	env.cloud, err = NewCloud(cfg, deps)
	require.NoError(t, err)
	t.Cleanup(env.pool.Close)
	return env
}

// addWorker registers a worker without launching it.
func (e *testEnv) addWorker(t *testing.T, name string) *Worker {
	t.Helper()
	w := e.cloud.newWorker(name)
	require.NoError(t, e.inv.Add(w))
	return w
}

// connectedWorker registers a worker that already completed its handshake
// for job jobID.
func (e *testEnv) connectedWorker(t *testing.T, name, jobID string) *Worker {
	t.Helper()
	w := e.addWorker(t, name)
	w.bindJob(jobID)
	w.setPhase(PhaseAwaitingHandshake)
	require.NoError(t, e.cloud.Connect(context.Background(), w, workerAddr, e.secrets.For(name)))
	require.True(t, w.transition(PhaseAwaitingHandshake, PhaseConnected))
	return w
}

func startInput(c *Cloud) buildservice.StartJobInput {
	return buildservice.StartJobInput{Project: c.Config().Project}
}

func (e *testEnv) startJob(t *testing.T) string {
	t.Helper()
	id, err := e.client.StartJob(context.Background(), startInput(e.cloud))
	require.NoError(t, err)
	return id
}
