// Package mockprovider is a placeholder implementation of the Tool
// Invoker's Provider collaborator. The LLM tool layer is an external
// system the core only calls through an interface; this stand-in lets
// agentcored run end to end without a configured planner/actor/grounder
// backend.
package mockprovider

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/lybic/agentcore/pkg/agent"
)

// Provider returns small, deterministic responses shaped the way the real
// planner/actor/grounder/reflector tools are expected to respond, so the
// Planner/Worker/Reflector parsers exercise their real parsing paths. The
// action generator flips to done() after a couple of clicks so a demo task
// reaches a terminal state instead of looping until the step budget is
// exhausted.
type Provider struct {
	clicks int64
}

// New constructs a placeholder Provider.
func New() *Provider {
	return &Provider{}
}

// Invoke implements toolinvoker.Provider.
func (p *Provider) Invoke(ctx context.Context, tool agent.ToolName, textInput string, imageInput []byte, cfg agent.PerToolOverride) (agent.ToolResult, error) {
	if err := ctx.Err(); err != nil {
		return agent.ToolResult{}, agent.Cancelled("mock provider call cancelled")
	}

	text := p.respond(tool)
	return agent.ToolResult{
		Text:         text,
		InputTokens:  int64(len(textInput) / 4),
		OutputTokens: int64(len(text) / 4),
		Cost:         0,
	}, nil
}

func (p *Provider) respond(tool agent.ToolName) string {
	switch tool {
	case agent.ToolSubtaskPlanner:
		return "1. OpenTarget: bring the target application to the foreground\n" +
			"2. PerformInstruction: carry out the requested action\n" +
			"3. Verify: confirm the instruction completed"

	case agent.ToolDAGTranslator:
		return `{"nodes":[{"name":"OpenTarget","info":"bring the target application to the foreground"},` +
			`{"name":"PerformInstruction","info":"carry out the requested action"},` +
			`{"name":"Verify","info":"confirm the instruction completed"}],` +
			`"edges":[{"from":"OpenTarget","to":"PerformInstruction"},{"from":"PerformInstruction","to":"Verify"}]}`

	case agent.ToolActionGenerator, agent.ToolActionGeneratorWithTakeover,
		agent.ToolFastActionGenerator, agent.ToolFastActionGeneratorWithTakeover:
		n := atomic.AddInt64(&p.clicks, 1)
		if n > 2 {
			return "The subtask looks complete.\ndone()"
		}
		return fmt.Sprintf("Click the next element on screen.\nclick(element=\"step %d target\", button_type=\"left\", num_clicks=1)", n)

	case agent.ToolGrounding:
		return "(640, 400)"

	case agent.ToolTrajReflector, agent.ToolEvaluator:
		return `{"status":"good","recommendation":"continue","confidence":0.8}`

	default:
		return ""
	}
}
