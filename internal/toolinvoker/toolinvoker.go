// Package toolinvoker is the single-call seam to the LLM tool layer
// (planner, actor, grounder, reflector, ...), which is an external
// collaborator of the core. This package owns everything the core is
// responsible for around that call:
// the closed tool-name contract, per-tool rate limiting, retry policy for
// retryable ToolErrors, and metrics recording; not prompt templates or
// provider wire protocols.
package toolinvoker

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/lybic/agentcore/pkg/agent"
)

// Provider is the external collaborator this package wraps: whatever
// actually talks to the planner/actor/grounder/reflector models. The core
// never implements Provider itself, only the seam around it.
type Provider interface {
	Invoke(ctx context.Context, tool agent.ToolName, textInput string, imageInput []byte, cfg agent.PerToolOverride) (agent.ToolResult, error)
}

// MetricsSink receives token/cost observations, keyed by tool name.
// Satisfied by internal/metrics.Metrics; declared here to avoid a
// dependency cycle.
type MetricsSink interface {
	RecordTokens(toolName string, inputTokens, outputTokens int64)
	RecordCost(toolName string, cost float64, currency string)
}

// RetryAttempts bounds the retries for a retryable ToolError.
const RetryAttempts = 2

// DefaultTimeout bounds one provider call, so a hung provider can never
// stall a dispatcher step indefinitely.
const DefaultTimeout = 120 * time.Second

var retryBackoff = []time.Duration{500 * time.Millisecond, 2 * time.Second}

// Invoker is the public Tool Invoker surface the Planner, Worker and
// Reflector call through.
type Invoker struct {
	provider Provider
	metrics  MetricsSink
	timeout  time.Duration

	mu       sync.Mutex
	limiters map[agent.ToolName]*rate.Limiter

	overrides map[agent.ToolName]agent.PerToolOverride

	exchangeSink func(ctx context.Context, msg agent.ConversationMessage)
}

// New constructs an Invoker. rateLimits maps a tool name to a requests-
// per-second budget (0 entries mean "no limit configured" for that tool).
// timeout bounds each provider call; zero or negative picks DefaultTimeout.
func New(provider Provider, metrics MetricsSink, rateLimits map[agent.ToolName]float64, overrides map[agent.ToolName]agent.PerToolOverride, timeout time.Duration) *Invoker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	inv := &Invoker{
		provider:  provider,
		metrics:   metrics,
		timeout:   timeout,
		limiters:  make(map[agent.ToolName]*rate.Limiter),
		overrides: overrides,
	}
	for tool, rps := range rateLimits {
		if rps <= 0 {
			continue
		}
		inv.limiters[tool] = rate.NewLimiter(rate.Limit(rps), 1)
	}
	return inv
}

// Invoke runs tool with textInput/imageInput, sleeping the caller if a
// per-tool rate limit is configured, retrying a Retryable
// ToolError up to RetryAttempts times with the 500ms/2s backoff, and
// recording token/cost metrics on success. A non-retryable ToolError, or
// one that survives all retries, propagates to the caller.
func (inv *Invoker) Invoke(ctx context.Context, tool agent.ToolName, textInput string, imageInput []byte) (agent.ToolResult, error) {
	if limiter, ok := inv.limiters[tool]; ok {
		if err := limiter.Wait(ctx); err != nil {
			return agent.ToolResult{}, agent.Cancelled("rate limit wait cancelled")
		}
	}

	inv.mu.Lock()
	cfg := inv.overrides[tool]
	sink := inv.exchangeSink
	inv.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt <= RetryAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, inv.timeout)
		result, err := inv.provider.Invoke(callCtx, tool, textInput, imageInput, cfg)
		if err != nil && callCtx.Err() != nil && ctx.Err() == nil {
			// Per-call deadline elapsed while the parent is still live:
			// surface the timeout as retryable.
			err = &agent.ToolError{Kind: agent.ToolErrorTransient, Retryable: true, Message: "tool call timed out", Err: err}
		}
		cancel()
		if err == nil {
			if inv.metrics != nil {
				inv.metrics.RecordTokens(string(tool), result.InputTokens, result.OutputTokens)
				inv.metrics.RecordCost(string(tool), result.Cost, "usd")
			}
			if sink != nil {
				sink(ctx, agent.ConversationMessage{
					Timestamp: time.Now().UTC(),
					Tool:      tool,
					Input:     textInput,
					Output:    result.Text,
				})
			}
			return result, nil
		}

		var toolErr *agent.ToolError
		if !asToolError(err, &toolErr) || !toolErr.Retryable {
			if toolErr != nil && toolErr.Kind == agent.ToolErrorBudget {
				// Callers treat a blown budget as a downgrade signal (skip
				// the reflector, keep stepping), not a task failure.
				return agent.ToolResult{}, agent.ToolBudgetExhausted(toolErr.Error())
			}
			return agent.ToolResult{}, err
		}
		lastErr = err

		if attempt < RetryAttempts {
			select {
			case <-ctx.Done():
				return agent.ToolResult{}, agent.Cancelled("tool invocation cancelled during retry")
			case <-time.After(retryBackoff[attempt]):
			}
		}
	}
	return agent.ToolResult{}, lastErr
}

func asToolError(err error, target **agent.ToolError) bool {
	te, ok := err.(*agent.ToolError)
	if !ok {
		return false
	}
	*target = te
	return true
}

// SetExchangeSink attaches a callback invoked with every successful tool
// exchange, used by the Task Manager to persist the conversation log
// without this package depending on the State Store. A nil sink disables
// recording.
func (inv *Invoker) SetExchangeSink(sink func(ctx context.Context, msg agent.ConversationMessage)) {
	inv.mu.Lock()
	inv.exchangeSink = sink
	inv.mu.Unlock()
}

// SetOverride updates the per-tool provider override at runtime. It is
// meant for a privileged set-global-config path; the authorization check
// is the caller's responsibility (e.g. an admin-only RPC handler), this
// method just applies the change.
func (inv *Invoker) SetOverride(tool agent.ToolName, override agent.PerToolOverride) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if inv.overrides == nil {
		inv.overrides = make(map[agent.ToolName]agent.PerToolOverride)
	}
	inv.overrides[tool] = override
}
