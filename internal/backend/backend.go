// Package backend is the Backend Adapter: a uniform neutral action
// schema dispatched to a concrete device/API. The hardware/sandbox
// backend itself (remote cloud sandbox, local GUI automation, VM control)
// is an external collaborator; this package owns the contract, the
// retry/timeout discipline, and the thin lifecycle wiring to the domain
// SDKs (Docker, Sprites), not pixel-level device automation.
package backend

import (
	"context"
	"time"

	"github.com/lybic/agentcore/internal/common/logger"
	"github.com/lybic/agentcore/pkg/agent"
)

// Backend is the contract every concrete adapter satisfies. It is the
// only component allowed to block on external I/O without going through
// the Tool Invoker.
type Backend interface {
	// Execute dispatches a single neutral Action and returns its result.
	// Logical failures (missing element, permission denied) surface as
	// ActionResult{Success: false}, never as an error; only transport-level
	// failures return a non-nil error, and only Transient ones are retried
	// here.
	Execute(ctx context.Context, action agent.Action) (agent.ActionResult, error)

	// ReleaseSandbox tears down any sandbox resources this backend holds.
	// Backends with no sandbox concept (local_gui) implement it as a no-op.
	ReleaseSandbox(ctx context.Context) error
}

// MaxTransientRetries is the retry bound for transient transport errors.
const MaxTransientRetries = 2

// RetryingBackend wraps any Backend with the transient-retry and
// per-call-timeout discipline every Backend call carries (default 30s,
// configurable). It is the adapter every concrete backend should be
// wrapped in before being handed to the Dispatcher.
type RetryingBackend struct {
	inner   Backend
	timeout time.Duration
}

// Wrap returns inner wrapped with retry/timeout enforcement.
func Wrap(inner Backend, timeout time.Duration) *RetryingBackend {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &RetryingBackend{inner: inner, timeout: timeout}
}

func (b *RetryingBackend) Execute(ctx context.Context, action agent.Action) (agent.ActionResult, error) {
	var lastErr error
	for attempt := 0; attempt <= MaxTransientRetries; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, b.timeout)
		result, err := b.inner.Execute(callCtx, action)
		cancel()

		if err == nil {
			return result, nil
		}
		if agent.KindOf(err) != agent.ErrTransient {
			return agent.ActionResult{}, err
		}
		lastErr = err

		if ctx.Err() != nil {
			return agent.ActionResult{}, agent.Cancelled("backend call cancelled during retry")
		}
	}
	return agent.ActionResult{}, lastErr
}

func (b *RetryingBackend) ReleaseSandbox(ctx context.Context) error {
	return b.inner.ReleaseSandbox(ctx)
}

var _ Backend = (*RetryingBackend)(nil)

// ScreenBounds is the declared screen size a task's backend reports.
// A screenshot whose dimensions disagree with it surfaces as Transient,
// not Fatal, so a transport-level retry can ride out a late resize.
type ScreenBounds struct {
	Width  int
	Height int
}

// ValidateScreenshot checks observation's declared dimensions (as reported
// by the caller, e.g. decoded PNG header) against bounds, in strict mode.
func ValidateScreenshot(bounds ScreenBounds, width, height int) error {
	if bounds.Width == 0 && bounds.Height == 0 {
		return nil // backend never declared a size; nothing to validate against
	}
	if width != bounds.Width || height != bounds.Height {
		return agent.Transient("screenshot dimensions do not match declared screen size", nil)
	}
	return nil
}

// ValidateCoordinates checks that xy falls within bounds, as the Worker
// requires of grounded coordinates.
func ValidateCoordinates(bounds ScreenBounds, xy [2]int) bool {
	if bounds.Width == 0 && bounds.Height == 0 {
		return true
	}
	return xy[0] >= 0 && xy[0] < bounds.Width && xy[1] >= 0 && xy[1] < bounds.Height
}

// Sandboxer is implemented by Backend kinds that can provision a sandbox
// ahead of any task being assigned to it, satisfying the CreateSandbox
// RPC operation. Kinds with no separate provisioning step (local_gui,
// adb, vm) don't implement it.
type Sandboxer interface {
	CreateSandbox(ctx context.Context, maxLifeSeconds int) (string, error)
}

// CreateSandbox provisions a standalone sandbox for kind/shape, independent
// of any task, for the CreateSandbox RPC. Only kinds whose Backend
// implements Sandboxer support this; others surface a Validation error.
func CreateSandbox(ctx context.Context, kind agent.BackendKind, shape string, maxLifeSeconds int, log *logger.Logger) (string, error) {
	var impl Backend
	var err error
	switch kind {
	case agent.BackendLybic, agent.BackendLybicMobile:
		impl, err = NewSpritesBackend(shape, log)
	default:
		return "", agent.Validation("backend kind does not support standalone sandbox provisioning: " + string(kind))
	}
	if err != nil {
		return "", err
	}
	sb, ok := impl.(Sandboxer)
	if !ok {
		return "", agent.Validation("backend kind does not support standalone sandbox provisioning: " + string(kind))
	}
	return sb.CreateSandbox(ctx, maxLifeSeconds)
}

// New constructs the Backend implementation selected by kind, wrapped with
// retry/timeout discipline. shape and credentials are backend-specific
// configuration from the request's configuration object.
func New(kind agent.BackendKind, shape string, timeout time.Duration, log *logger.Logger) (Backend, error) {
	var impl Backend
	var err error
	switch kind {
	case agent.BackendLocalGUI:
		impl = NewLocalGUIBackend(log)
	case agent.BackendVM:
		impl, err = NewDockerBackend(shape, log)
	case agent.BackendLybic, agent.BackendLybicMobile:
		impl, err = NewSpritesBackend(shape, log)
	case agent.BackendADB:
		impl = NewADBBackend(shape, log)
	default:
		return nil, agent.Validation("unknown backend: " + string(kind))
	}
	if err != nil {
		return nil, err
	}
	return Wrap(impl, timeout), nil
}
