package backend

import (
	"context"

	"go.uber.org/zap"

	"github.com/lybic/agentcore/internal/common/logger"
	"github.com/lybic/agentcore/pkg/agent"
)

// LocalGUIBackend drives a local display. Actual device automation (mouse,
// keyboard, screen capture) is the external hardware backend's concern;
// this adapter owns the neutral-schema plumbing and a deterministic no-op
// observation so the dispatcher loop can be driven end-to-end against it
// in tests and local development.
type LocalGUIBackend struct {
	log *logger.Logger
}

// NewLocalGUIBackend constructs the local_gui Backend implementation.
func NewLocalGUIBackend(log *logger.Logger) *LocalGUIBackend {
	return &LocalGUIBackend{log: log}
}

func (b *LocalGUIBackend) Execute(ctx context.Context, action agent.Action) (agent.ActionResult, error) {
	if err := ctx.Err(); err != nil {
		return agent.ActionResult{}, agent.Cancelled("local backend call cancelled")
	}
	b.log.Debug("local_gui executing action", zap.String("type", string(action.Type)))

	switch action.Type {
	case agent.ActionDone, agent.ActionFail:
		return agent.ActionResult{Success: true}, nil
	default:
		return agent.ActionResult{Success: true, Observation: nil}, nil
	}
}

func (b *LocalGUIBackend) ReleaseSandbox(ctx context.Context) error { return nil }

var _ Backend = (*LocalGUIBackend)(nil)
