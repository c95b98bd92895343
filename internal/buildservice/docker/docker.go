// Package docker implements buildservice.Client on a local Docker daemon.
// A job is a container; the project is a label on it.
package docker

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"gopkg.in/yaml.v3"

	"github.com/majorcontext/buildfleet/internal/buildservice"
	"github.com/majorcontext/buildfleet/internal/id"
	"github.com/majorcontext/buildfleet/internal/log"
)

const (
	labelProject = "buildfleet.project"
	labelJob     = "buildfleet.job"
)

// Client runs jobs as containers.
type Client struct {
	cli *client.Client

	mu      sync.Mutex
	stopped map[string]bool
}

// NewClient connects to the daemon named by the environment.
func NewClient() (*Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	return &Client{cli: cli, stopped: make(map[string]bool)}, nil
}

// Close releases Docker client resources.
func (c *Client) Close() error {
	return c.cli.Close()
}

// Ping verifies the Docker daemon is accessible.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker daemon not accessible: %w", err)
	}
	return nil
}

// StartJob pulls the image if needed, then creates and starts a container.
// Finished containers of the same project are removed first.
func (c *Client) StartJob(ctx context.Context, in buildservice.StartJobInput) (string, error) {
	cmd, err := Command(in.BuildSpec)
	if err != nil {
		return "", &buildservice.RemoteError{Op: "start container", Err: err}
	}
	c.reap(ctx, in.Project)
	if err := c.ensureImage(ctx, in.Image); err != nil {
		return "", &buildservice.RemoteError{Op: "start container", Err: err}
	}

	jobID := id.Job(in.Project)
	resp, err := c.cli.ContainerCreate(ctx,
		&container.Config{
			Image: in.Image,
			Cmd:   cmd,
			Env:   Env(in.Variables),
			Labels: map[string]string{
				labelProject: in.Project,
				labelJob:     jobID,
			},
		},
		&container.HostConfig{
			Privileged:  in.Privileged,
			NetworkMode: "bridge",
		},
		nil, // network config
		nil, // platform
		ContainerName(jobID),
	)
	if err != nil {
		return "", &buildservice.RemoteError{Op: "create container", Err: err}
	}
	if err := c.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = c.cli.ContainerRemove(context.WithoutCancel(ctx), resp.ID, container.RemoveOptions{Force: true})
		return "", &buildservice.RemoteError{Op: "start container", JobID: jobID, Err: err}
	}
	log.Debug("started job container", "job", jobID, "container", resp.ID[:12], "compute_type", in.ComputeType)
	return jobID, nil
}

// StopJob stops the job's container if it is running, then removes it.
func (c *Client) StopJob(ctx context.Context, jobID string) error {
	inspect, err := c.cli.ContainerInspect(ctx, ContainerName(jobID))
	if err != nil {
		return classify("stop container", jobID, err)
	}
	if inspect.State != nil && inspect.State.Running {
		c.mu.Lock()
		c.stopped[jobID] = true
		c.mu.Unlock()
		if err := c.cli.ContainerStop(ctx, inspect.ID, container.StopOptions{}); err != nil {
			return classify("stop container", jobID, err)
		}
	}
	if err := c.cli.ContainerRemove(ctx, inspect.ID, container.RemoveOptions{Force: true}); err != nil && !errdefs.IsNotFound(err) {
		return classify("remove container", jobID, err)
	}
	c.mu.Lock()
	delete(c.stopped, jobID)
	c.mu.Unlock()
	return nil
}

// reap removes project's containers that have exited on their own, such
// as jobs left to finish after a successful task. Failures are logged.
func (c *Client) reap(ctx context.Context, project string) {
	finished, err := c.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: FinishedFilter(project)})
	if err != nil {
		log.Debug("listing finished job containers", "project", project, "error", err)
		return
	}
	for _, ctr := range finished {
		if err := c.cli.ContainerRemove(ctx, ctr.ID, container.RemoveOptions{}); err != nil && !errdefs.IsNotFound(err) {
			log.Debug("removing finished job container", "container", ctr.ID, "error", err)
			continue
		}
		c.mu.Lock()
		delete(c.stopped, ctr.Labels[labelJob])
		c.mu.Unlock()
	}
}

// FinishedFilter selects project's job containers that are no longer running.
func FinishedFilter(project string) filters.Args {
	return filters.NewArgs(
		filters.Arg("label", labelProject+"="+project),
		filters.Arg("status", "exited"),
		filters.Arg("status", "dead"),
	)
}

// JobStatus maps the container state onto a job status.
func (c *Client) JobStatus(ctx context.Context, jobID string) (buildservice.JobStatus, error) {
	inspect, err := c.cli.ContainerInspect(ctx, ContainerName(jobID))
	if err != nil {
		return "", classify("inspect container", jobID, err)
	}
	c.mu.Lock()
	stopped := c.stopped[jobID]
	c.mu.Unlock()
	return Status(inspect.State, stopped), nil
}

// ProjectConcurrencyCeiling always reports no ceiling: the daemon has none.
func (c *Client) ProjectConcurrencyCeiling(context.Context, string) (int, bool, error) {
	return 0, false, nil
}

// ListProjectsPage returns every project label seen on a buildfleet
// container, in a single page.
func (c *Client) ListProjectsPage(ctx context.Context, _ string) (buildservice.Page, error) {
	containers, err := c.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", labelProject)),
	})
	if err != nil {
		return buildservice.Page{}, &buildservice.RemoteError{Op: "list containers", Err: err}
	}
	seen := make(map[string]bool)
	var projects []string
	for _, ctr := range containers {
		p := ctr.Labels[labelProject]
		if p != "" && !seen[p] {
			seen[p] = true
			projects = append(projects, p)
		}
	}
	sort.Strings(projects)
	return buildservice.Page{Projects: projects}, nil
}

func (c *Client) ensureImage(ctx context.Context, ref string) error {
	if _, err := c.cli.ImageInspect(ctx, ref); err == nil {
		return nil
	}
	log.Info("pulling image", "image", ref)
	reader, err := c.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pulling image %s: %w", ref, err)
	}
	defer reader.Close()
	_, err = io.Copy(io.Discard, reader)
	return err
}

func classify(op, jobID string, err error) error {
	if errdefs.IsNotFound(err) {
		return &buildservice.RemoteError{Op: op, JobID: jobID, Err: fmt.Errorf("%w: %v", buildservice.ErrJobNotFound, err)}
	}
	return &buildservice.RemoteError{Op: op, JobID: jobID, Err: err}
}

// ContainerName derives a valid container name from a job ID.
func ContainerName(jobID string) string {
	var b strings.Builder
	b.WriteString("buildfleet-")
	for _, r := range jobID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '.', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return b.String()
}

// Status maps a container state onto a job status. stopped marks
// containers this client stopped itself.
func Status(state *container.State, stopped bool) buildservice.JobStatus {
	if state == nil {
		return buildservice.StatusFault
	}
	switch state.Status {
	case container.StateCreated, container.StateRunning, container.StatePaused, container.StateRestarting:
		return buildservice.StatusInProgress
	case container.StateExited:
		switch {
		case stopped:
			return buildservice.StatusStopped
		case state.OOMKilled:
			return buildservice.StatusFault
		case state.ExitCode == 0:
			return buildservice.StatusSucceeded
		default:
			return buildservice.StatusFailed
		}
	}
	return buildservice.StatusFault
}

// Env renders job variables as KEY=VALUE pairs.
func Env(vars []buildservice.Variable) []string {
	env := make([]string, 0, len(vars))
	for _, v := range vars {
		env = append(env, v.Name+"="+v.Value)
	}
	return env
}

type buildSpec struct {
	Phases map[string]struct {
		Commands []string `yaml:"commands"`
	} `yaml:"phases"`
}

var phaseOrder = []string{"install", "pre_build", "build", "post_build"}

// Command turns a build spec into a shell invocation running every phase's
// commands in order. An empty spec keeps the image's default command.
func Command(spec string) ([]string, error) {
	if spec == "" {
		return nil, nil
	}
	var bs buildSpec
	if err := yaml.Unmarshal([]byte(spec), &bs); err != nil {
		return nil, fmt.Errorf("parsing build spec: %w", err)
	}
	var lines []string
	for _, phase := range phaseOrder {
		lines = append(lines, bs.Phases[phase].Commands...)
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("build spec has no commands")
	}
	return []string{"sh", "-c", "set -e\n" + strings.Join(lines, "\n")}, nil
}

var _ buildservice.Client = (*Client)(nil)
