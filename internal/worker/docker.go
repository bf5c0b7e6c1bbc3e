package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"

	"github.com/nanoscale/nanoscale/internal/executor"
)

// ProjectLabel marks containers started for a project. The deploy hook is
// expected to set it to the project id.
const ProjectLabel = "io.nanoscale.project"

const stopGraceSeconds = 20

// containerAPI is the subset of the Docker SDK client DockerRuntime uses.
type containerAPI interface {
	ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error)
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

// DockerRuntime deploys through the hook and manages the resulting
// containers directly: stop and remove act on labelled containers and
// uptime comes from the container start time.
type DockerRuntime struct {
	hook   Runtime
	docker containerAPI
	logger *slog.Logger
	now    func() time.Time
}

var _ Runtime = (*DockerRuntime)(nil)

// NewDockerClient connects to the daemon from the environment, or to host when set.
func NewDockerClient(ctx context.Context, host string) (*client.Client, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("docker ping: %w", err)
	}
	return cli, nil
}

// NewDockerRuntime wraps hook with container lifecycle management.
func NewDockerRuntime(hook Runtime, docker containerAPI, logger *slog.Logger) *DockerRuntime {
	return &DockerRuntime{
		hook:   hook,
		docker: docker,
		logger: logger.With("component", "docker_runtime"),
		now:    time.Now,
	}
}

// Deploy runs the hook's deploy action.
func (d *DockerRuntime) Deploy(ctx context.Context, req executor.DeployRequest) error {
	return d.hook.Deploy(ctx, req)
}

// Stop stops every running container of the project.
func (d *DockerRuntime) Stop(ctx context.Context, projectID string) error {
	list, err := d.containers(ctx, projectID, false)
	if err != nil {
		return err
	}
	timeout := stopGraceSeconds
	for _, c := range list {
		if err := d.docker.ContainerStop(ctx, c.ID, container.StopOptions{Timeout: &timeout}); err != nil && !client.IsErrNotFound(err) {
			return fmt.Errorf("stop container %s: %w", shortID(c.ID), err)
		}
		d.logger.Info("container stopped", "project_id", projectID, "container_id", shortID(c.ID))
	}
	return nil
}

// Remove force-removes every container of the project, running or not.
func (d *DockerRuntime) Remove(ctx context.Context, projectID string) error {
	list, err := d.containers(ctx, projectID, true)
	if err != nil {
		return err
	}
	for _, c := range list {
		err := d.docker.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true, RemoveVolumes: true})
		if err != nil && !client.IsErrNotFound(err) {
			return fmt.Errorf("remove container %s: %w", shortID(c.ID), err)
		}
		d.logger.Info("container removed", "project_id", projectID, "container_id", shortID(c.ID))
	}
	return nil
}

// Activity reports connections from the hook and uptime from the oldest
// running container. A project with no running container reports zero.
func (d *DockerRuntime) Activity(ctx context.Context, projectID string) (executor.Activity, error) {
	list, err := d.containers(ctx, projectID, false)
	if err != nil {
		return executor.Activity{}, err
	}
	if len(list) == 0 {
		return executor.Activity{}, nil
	}
	var oldest time.Time
	for _, c := range list {
		info, err := d.docker.ContainerInspect(ctx, c.ID)
		if err != nil {
			if client.IsErrNotFound(err) {
				continue
			}
			return executor.Activity{}, fmt.Errorf("inspect container %s: %w", shortID(c.ID), err)
		}
		if info.ContainerJSONBase == nil || info.State == nil || !info.State.Running {
			continue
		}
		started, err := time.Parse(time.RFC3339Nano, info.State.StartedAt)
		if err != nil {
			continue
		}
		if oldest.IsZero() || started.Before(oldest) {
			oldest = started
		}
	}

	activity, err := d.hook.Activity(ctx, projectID)
	if err != nil {
		return executor.Activity{}, err
	}
	if !oldest.IsZero() {
		activity.UptimeSeconds = int64(d.now().Sub(oldest).Seconds())
	}
	return activity, nil
}

func (d *DockerRuntime) containers(ctx context.Context, projectID string, all bool) ([]types.Container, error) {
	list, err := d.docker.ContainerList(ctx, container.ListOptions{
		All:     all,
		Filters: filters.NewArgs(filters.Arg("label", ProjectLabel+"="+projectID)),
	})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	return list, nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
