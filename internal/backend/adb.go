package backend

import (
	"context"
	"os/exec"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/lybic/agentcore/internal/common/logger"
	"github.com/lybic/agentcore/pkg/agent"
)

// ADBBackend implements the adb Backend kind: a physical or emulated
// Android device reached through the adb command-line protocol. The
// adapter shells out to the adb binary the way device-bridge tooling
// conventionally does, rather than reimplementing the wire protocol.
type ADBBackend struct {
	serial string // shape: target device serial, empty selects the sole attached device
	log    *logger.Logger
}

// NewADBBackend targets the device identified by shape (an adb serial).
func NewADBBackend(shape string, log *logger.Logger) *ADBBackend {
	return &ADBBackend{serial: shape, log: log}
}

func (b *ADBBackend) args(rest ...string) []string {
	if b.serial == "" {
		return rest
	}
	return append([]string{"-s", b.serial}, rest...)
}

func (b *ADBBackend) run(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "adb", b.args(args...)...)
	out, err := cmd.Output()
	if err != nil {
		return nil, agent.Transient("adb command failed", err)
	}
	return out, nil
}

func (b *ADBBackend) Execute(ctx context.Context, action agent.Action) (agent.ActionResult, error) {
	if err := ctx.Err(); err != nil {
		return agent.ActionResult{}, agent.Cancelled("adb backend call cancelled")
	}

	switch action.Type {
	case agent.ActionScreenshot:
		out, err := b.run(ctx, "exec-out", "screencap", "-p")
		if err != nil {
			return agent.ActionResult{Success: false, Error: err.Error()}, nil
		}
		return agent.ActionResult{Success: true, Observation: out}, nil
	case agent.ActionClick:
		_, err := b.run(ctx, "shell", "input", "tap",
			strconv.Itoa(action.XY[0]), strconv.Itoa(action.XY[1]))
		return resultFromErr(err), nil
	case agent.ActionTyping:
		_, err := b.run(ctx, "shell", "input", "text", action.Text)
		return resultFromErr(err), nil
	case agent.ActionScroll:
		dy := 400
		if action.Vertical {
			dy = -400
		}
		_, err := b.run(ctx, "shell", "input", "swipe",
			strconv.Itoa(action.XY[0]), strconv.Itoa(action.XY[1]),
			strconv.Itoa(action.XY[0]), strconv.Itoa(action.XY[1]+dy))
		return resultFromErr(err), nil
	case agent.ActionWait:
		select {
		case <-ctx.Done():
			return agent.ActionResult{}, agent.Cancelled("wait cancelled")
		case <-time.After(time.Duration(action.Seconds * float64(time.Second))):
		}
		return agent.ActionResult{Success: true}, nil
	case agent.ActionDone, agent.ActionFail:
		return agent.ActionResult{Success: true}, nil
	default:
		b.log.Debug("adb backend received unsupported action", zap.String("type", string(action.Type)))
		return agent.ActionResult{Success: false, Error: "unsupported action for adb backend"}, nil
	}
}

func resultFromErr(err error) agent.ActionResult {
	if err != nil {
		return agent.ActionResult{Success: false, Error: err.Error()}
	}
	return agent.ActionResult{Success: true}
}

func (b *ADBBackend) ReleaseSandbox(ctx context.Context) error { return nil }

var _ Backend = (*ADBBackend)(nil)
