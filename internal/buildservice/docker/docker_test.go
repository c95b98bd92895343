package docker

import (
	"testing"

	"github.com/docker/docker/api/types/container"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/majorcontext/buildfleet/internal/buildservice"
)

func TestStatus(t *testing.T) {
	tests := []struct {
		name    string
		state   *container.State
		stopped bool
		want    buildservice.JobStatus
	}{
		{"nil", nil, false, buildservice.StatusFault},
		{"created", &container.State{Status: container.StateCreated}, false, buildservice.StatusInProgress},
		{"running", &container.State{Status: container.StateRunning, Running: true}, false, buildservice.StatusInProgress},
		{"clean exit", &container.State{Status: container.StateExited}, false, buildservice.StatusSucceeded},
		{"failed exit", &container.State{Status: container.StateExited, ExitCode: 2}, false, buildservice.StatusFailed},
		{"stopped by us", &container.State{Status: container.StateExited, ExitCode: 143}, true, buildservice.StatusStopped},
		{"oom", &container.State{Status: container.StateExited, ExitCode: 137, OOMKilled: true}, false, buildservice.StatusFault},
		{"dead", &container.State{Status: container.StateDead}, false, buildservice.StatusFault},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Status(tt.state, tt.stopped))
		})
	}
}

func TestCommand(t *testing.T) {
	cmd, err := Command("")
	require.NoError(t, err)
	assert.Nil(t, cmd)

	spec := `
version: 0.2
phases:
  build:
    commands:
      - java -jar agent.jar
  install:
    commands:
      - curl -sO "$BUILDFLEET_AGENT_URL"
`
	cmd, err = Command(spec)
	require.NoError(t, err)
	assert.Equal(t, []string{"sh", "-c", "set -e\ncurl -sO \"$BUILDFLEET_AGENT_URL\"\njava -jar agent.jar"}, cmd)

	_, err = Command("version: 0.2\n")
	assert.Error(t, err)

	_, err = Command("phases: [")
	assert.Error(t, err)
}

func TestContainerName(t *testing.T) {
	assert.Equal(t, "buildfleet-fleet-0123abcd", ContainerName("fleet:0123abcd"))
	assert.Equal(t, "buildfleet-my_proj.v2-x", ContainerName("my_proj.v2/x"))
}

func TestEnv(t *testing.T) {
	got := Env([]buildservice.Variable{{Name: "A", Value: "1"}, {Name: "B", Value: "x=y"}})
	assert.Equal(t, []string{"A=1", "B=x=y"}, got)
}

func TestFinishedFilter(t *testing.T) {
	f := FinishedFilter("fleet")
	assert.True(t, f.ExactMatch("label", "buildfleet.project=fleet"))
	assert.True(t, f.ExactMatch("status", "exited"))
	assert.True(t, f.ExactMatch("status", "dead"))
	assert.False(t, f.ExactMatch("status", "running"))
	assert.False(t, f.ExactMatch("label", "buildfleet.project=other"))
}
