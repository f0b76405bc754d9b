package eventbus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/lybic/agentcore/internal/common/logger"
	"github.com/lybic/agentcore/pkg/agent"
)

// NatsBridge forwards every StageEvent a Bus publishes onto a NATS subject,
// so a second process (another API node, a log shipper) can fan out the
// same stream without holding a subscription on this process's in-memory
// Bus. The in-process Bus stays the source of truth and the only thing a
// caller Subscribes to; the bridge only shadows its published events onto
// NATS.
type NatsBridge struct {
	conn *nats.Conn
	log  *logger.Logger
}

// NewNatsBridge connects to a NATS server at url for event fan-out. An
// empty url means NATS fan-out is disabled; callers should skip wiring a
// bridge entirely in that case rather than calling this.
func NewNatsBridge(url, clientName string, log *logger.Logger) (*NatsBridge, error) {
	conn, err := nats.Connect(url,
		nats.Name(clientName),
		nats.MaxReconnects(10),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats event bridge disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats event bridge reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting nats event bridge: %w", err)
	}
	return &NatsBridge{conn: conn, log: log}, nil
}

// Subject is the NATS subject a task's events are forwarded to.
func Subject(taskID string) string {
	return "agentcore.task." + taskID
}

// Forward publishes ev to its task's NATS subject. Marshal/publish errors
// are logged, never returned: a fan-out failure must not affect the
// in-process Event Bus this is attached alongside.
func (n *NatsBridge) Forward(ev agent.StageEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		n.log.Warn("failed to marshal stage event for nats forwarding", zap.Error(err))
		return
	}
	if err := n.conn.Publish(Subject(ev.TaskID), data); err != nil {
		n.log.Warn("failed to publish stage event to nats", zap.String("subject", Subject(ev.TaskID)), zap.Error(err))
	}
}

// Close drains and closes the underlying NATS connection.
func (n *NatsBridge) Close() {
	if n.conn == nil {
		return
	}
	if err := n.conn.Drain(); err != nil {
		n.conn.Close()
	}
}
