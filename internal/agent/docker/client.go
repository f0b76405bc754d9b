// Package docker wraps the Docker SDK to manage one GUI-sandbox container
// per task: pull the sandbox image, start/stop/remove the container, and
// resolve its address for the Backend Adapter to reach the sandbox's
// display/input surface through.
package docker

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/lybic/agentcore/internal/common/logger"
	"github.com/lybic/agentcore/internal/config"
)

// ContainerConfig describes the GUI-sandbox container to create.
type ContainerConfig struct {
	Name        string
	Image       string
	Env         []string
	Mounts      []MountConfig
	NetworkMode string
	Memory      int64 // bytes, 0 = unbounded
	Labels      map[string]string
	AutoRemove  bool
}

// MountConfig is a single bind mount into the sandbox container.
type MountConfig struct {
	Source   string
	Target   string
	ReadOnly bool
}

// ContainerInfo is the subset of container state the Backend Adapter needs
// to decide whether a sandbox is still usable.
type ContainerInfo struct {
	ID        string
	State     string // created, running, paused, restarting, removing, exited, dead
	StartedAt time.Time
	ExitCode  int
}

// Client wraps the Docker SDK client for sandbox container lifecycle.
type Client struct {
	cli    *client.Client
	logger *logger.Logger
}

// NewClient dials the Docker daemon described by cfg.
func NewClient(cfg config.DockerConfig, log *logger.Logger) (*Client, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	log.Info("docker client created", zap.String("host", cfg.Host))
	return &Client{cli: cli, logger: log}, nil
}

// Close releases the underlying Docker client connection.
func (c *Client) Close() error {
	return c.cli.Close()
}

// Ping verifies the Docker daemon is reachable before a sandbox container
// is provisioned for a task.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker daemon unreachable: %w", err)
	}
	return nil
}

// PullImage pulls the sandbox image, draining the pull's progress stream.
func (c *Client) PullImage(ctx context.Context, imageName string) error {
	reader, err := c.cli.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pulling image %s: %w", imageName, err)
	}
	defer reader.Close()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("reading image pull output for %s: %w", imageName, err)
	}
	return nil
}

// CreateContainer creates (without starting) a sandbox container from cfg.
func (c *Client) CreateContainer(ctx context.Context, cfg ContainerConfig) (string, error) {
	mounts := make([]mount.Mount, 0, len(cfg.Mounts))
	for _, m := range cfg.Mounts {
		mounts = append(mounts, mount.Mount{Type: mount.TypeBind, Source: m.Source, Target: m.Target, ReadOnly: m.ReadOnly})
	}

	containerCfg := &container.Config{Image: cfg.Image, Env: cfg.Env, Labels: cfg.Labels}
	hostCfg := &container.HostConfig{
		Mounts:      mounts,
		NetworkMode: container.NetworkMode(cfg.NetworkMode),
		AutoRemove:  cfg.AutoRemove,
		Resources:   container.Resources{Memory: cfg.Memory},
	}

	resp, err := c.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, cfg.Name)
	if err != nil {
		return "", fmt.Errorf("creating sandbox container %s: %w", cfg.Name, err)
	}
	c.logger.Info("sandbox container created", zap.String("id", resp.ID), zap.String("name", cfg.Name))
	return resp.ID, nil
}

// StartContainer starts a previously created sandbox container.
func (c *Client) StartContainer(ctx context.Context, containerID string) error {
	if err := c.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return fmt.Errorf("starting sandbox container %s: %w", containerID, err)
	}
	return nil
}

// StopContainer stops a running sandbox container, giving it timeout to
// exit cleanly before a forced kill.
func (c *Client) StopContainer(ctx context.Context, containerID string, timeout time.Duration) error {
	seconds := int(timeout.Seconds())
	if err := c.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &seconds}); err != nil {
		return fmt.Errorf("stopping sandbox container %s: %w", containerID, err)
	}
	return nil
}

// RemoveContainer removes a sandbox container and its volumes.
func (c *Client) RemoveContainer(ctx context.Context, containerID string, force bool) error {
	if err := c.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: force, RemoveVolumes: true}); err != nil {
		return fmt.Errorf("removing sandbox container %s: %w", containerID, err)
	}
	return nil
}

// GetContainerInfo reports a sandbox container's current lifecycle state,
// used to detect a crashed sandbox before dispatching an action to it.
func (c *Client) GetContainerInfo(ctx context.Context, containerID string) (*ContainerInfo, error) {
	inspect, err := c.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return nil, fmt.Errorf("inspecting sandbox container %s: %w", containerID, err)
	}
	info := &ContainerInfo{ID: inspect.ID, State: inspect.State.Status, ExitCode: inspect.State.ExitCode}
	if inspect.State.StartedAt != "" {
		if t, err := time.Parse(time.RFC3339Nano, inspect.State.StartedAt); err == nil {
			info.StartedAt = t
		}
	}
	return info, nil
}

// GetContainerIP resolves the sandbox container's address, which the
// Backend Adapter's device/API layer connects to for input injection and
// screen capture (that layer is an external collaborator; this only hands
// it an endpoint).
func (c *Client) GetContainerIP(ctx context.Context, containerID string) (string, error) {
	inspect, err := c.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return "", fmt.Errorf("inspecting sandbox container %s for address: %w", containerID, err)
	}
	if inspect.NetworkSettings == nil {
		return "", fmt.Errorf("no network settings for sandbox container %s", containerID)
	}
	if inspect.NetworkSettings.IPAddress != "" {
		return inspect.NetworkSettings.IPAddress, nil
	}
	for _, netSettings := range inspect.NetworkSettings.Networks {
		if netSettings.IPAddress != "" {
			return netSettings.IPAddress, nil
		}
	}
	return "", fmt.Errorf("no IP address found for sandbox container %s", containerID)
}
