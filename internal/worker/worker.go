// Package worker turns one subtask and the current observation into a
// single neutral Action, via an action generator tool call that returns
// pseudocode and a grounding tool call that resolves any element
// reference the pseudocode names into screen coordinates.
package worker

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/lybic/agentcore/internal/backend"
	"github.com/lybic/agentcore/internal/common/logger"
	"github.com/lybic/agentcore/pkg/agent"
)

// Invoker is the subset of the Tool Invoker the Worker needs.
type Invoker interface {
	Invoke(ctx context.Context, tool agent.ToolName, textInput string, imageInput []byte) (agent.ToolResult, error)
}

// Input bundles everything the Worker needs to produce the next action
// for one subtask.
type Input struct {
	Instruction    string
	Subtask        agent.Subtask
	FutureNames    []string
	CompletedNames []string
	Reflection     *agent.QualityReport
	Screenshot     []byte
	Mode           agent.Mode
	EnableTakeover bool
	Bounds         backend.ScreenBounds
}

// Worker produces the next neutral Action for a subtask.
type Worker struct {
	invoker Invoker
	log     *logger.Logger
}

// New constructs a Worker.
func New(invoker Invoker, log *logger.Logger) *Worker {
	return &Worker{invoker: invoker, log: log}
}

// GroundingFailure is returned alongside a wait(1s) action when an element
// reference could not be grounded, so the Dispatcher can hand it to the
// Reflector as a signal.
type GroundingFailure struct {
	ElementDescription string
	Reason             string
}

// Next produces the next action for in. When grounding fails it returns a
// 1-second wait action plus a non-nil GroundingFailure describing why,
// rather than an error, so an ungroundable element never fails the task
// outright.
func (w *Worker) Next(ctx context.Context, in Input) (agent.Action, *GroundingFailure, error) {
	tool := actionGeneratorTool(in.Mode, in.EnableTakeover)

	prompt := composePrompt(in)
	result, err := w.invoker.Invoke(ctx, tool, prompt, in.Screenshot)
	if err != nil {
		return agent.Action{}, nil, err
	}

	call, err := parsePseudocode(result.Text)
	if err != nil {
		w.log.Warn("worker could not parse action pseudocode, failing subtask", zap.String("raw", result.Text))
		return agent.Action{Type: agent.ActionFail, ReturnValue: "could not parse worker output"}, nil, nil
	}

	action, elementDesc, err := toAction(call)
	if err != nil {
		return agent.Action{Type: agent.ActionFail, ReturnValue: err.Error()}, nil, nil
	}

	if action.Type == agent.ActionDrag {
		return w.groundDrag(ctx, action, call.str("start_element"), call.str("end_element"), in.Screenshot, in.Bounds)
	}

	if elementDesc == "" {
		return action, nil, nil
	}

	xy, ok, err := w.ground(ctx, elementDesc, in.Screenshot, in.Bounds)
	if err != nil {
		return agent.Action{}, nil, err
	}
	if !ok {
		return agent.Action{Type: agent.ActionWait, Seconds: 1}, &GroundingFailure{
			ElementDescription: elementDesc,
			Reason:             "grounding tool returned out-of-bounds or unparseable coordinates",
		}, nil
	}

	switch action.Type {
	case agent.ActionClick:
		action.XY = xy
	case agent.ActionScroll:
		action.XY = xy
	}
	return action, nil, nil
}

// groundDrag resolves both ends of a drag action, each via its own
// grounding tool call against the same observation.
func (w *Worker) groundDrag(ctx context.Context, action agent.Action, startDesc, endDesc string, screenshot []byte, bounds backend.ScreenBounds) (agent.Action, *GroundingFailure, error) {
	start, ok, err := w.ground(ctx, startDesc, screenshot, bounds)
	if err != nil {
		return agent.Action{}, nil, err
	}
	if !ok {
		return agent.Action{Type: agent.ActionWait, Seconds: 1}, &GroundingFailure{ElementDescription: startDesc, Reason: "drag start element could not be grounded"}, nil
	}
	end, ok, err := w.ground(ctx, endDesc, screenshot, bounds)
	if err != nil {
		return agent.Action{}, nil, err
	}
	if !ok {
		return agent.Action{Type: agent.ActionWait, Seconds: 1}, &GroundingFailure{ElementDescription: endDesc, Reason: "drag end element could not be grounded"}, nil
	}
	action.Start = start
	action.End = end
	return action, nil, nil
}

func actionGeneratorTool(mode agent.Mode, takeover bool) agent.ToolName {
	switch {
	case mode == agent.ModeFast && takeover:
		return agent.ToolFastActionGeneratorWithTakeover
	case mode == agent.ModeFast:
		return agent.ToolFastActionGenerator
	case takeover:
		return agent.ToolActionGeneratorWithTakeover
	default:
		return agent.ToolActionGenerator
	}
}

func composePrompt(in Input) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Overall instruction: %s\n", in.Instruction)
	fmt.Fprintf(&b, "Current subtask: %s (%s)\n", in.Subtask.Name, in.Subtask.Info)
	fmt.Fprintf(&b, "Completed subtasks: %s\n", strings.Join(in.CompletedNames, ", "))
	fmt.Fprintf(&b, "Future subtasks: %s\n", strings.Join(in.FutureNames, ", "))
	if in.Reflection != nil {
		fmt.Fprintf(&b, "Reflector guidance: %s (%s)\n", in.Reflection.Recommendation, strings.Join(in.Reflection.Suggestions, "; "))
	}
	return b.String()
}

// call is a parsed pseudocode function call: a name plus keyword args.
type call struct {
	name string
	args map[string]string
}

var callPattern = regexp.MustCompile(`(?s)(\w+)\s*\((.*)\)\s*$`)

// parsePseudocode extracts the `name(key=value, ...)` call on the last line
// that holds one, falling back to matching the whole text, tolerating
// surrounding prose or code fences; LLM-authored text is
// parsed defensively rather than trusted to be bare pseudocode.
func parsePseudocode(text string) (call, error) {
	text = strings.TrimSpace(text)
	// Prefer the last line containing a call if the model narrated first.
	lines := strings.Split(text, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if m := callPattern.FindStringSubmatch(strings.TrimSpace(lines[i])); m != nil {
			return call{name: strings.ToLower(m[1]), args: parseKwargs(m[2])}, nil
		}
	}
	if m := callPattern.FindStringSubmatch(text); m != nil {
		return call{name: strings.ToLower(m[1]), args: parseKwargs(m[2])}, nil
	}
	return call{}, fmt.Errorf("no recognizable action call in worker output")
}

var kwargPattern = regexp.MustCompile(`(\w+)\s*=\s*(\[[^\]]*\]|"[^"]*"|'[^']*'|[^,]+)`)

func parseKwargs(argStr string) map[string]string {
	out := make(map[string]string)
	for _, m := range kwargPattern.FindAllStringSubmatch(argStr, -1) {
		key := strings.TrimSpace(m[1])
		val := strings.TrimSpace(m[2])
		val = strings.Trim(val, `"'`)
		out[key] = val
	}
	return out
}

func (c call) str(key string) string {
	return c.args[key]
}

func (c call) intOr(key string, def int) int {
	v, ok := c.args[key]
	if !ok {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return n
}

func (c call) floatOr(key string, def float64) float64 {
	v, ok := c.args[key]
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return def
	}
	return f
}

func (c call) boolOr(key string, def bool) bool {
	v, ok := c.args[key]
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return b
}

func (c call) list(key string) []string {
	v, ok := c.args[key]
	if !ok {
		return nil
	}
	v = strings.Trim(v, "[]")
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, strings.Trim(strings.TrimSpace(p), `"'`))
	}
	return out
}

// toAction converts a parsed call into a neutral Action. The second return
// value is the free-text element description that still needs grounding,
// empty when the action carries no element reference.
func toAction(c call) (agent.Action, string, error) {
	switch c.name {
	case "click":
		return agent.Action{
			Type:     agent.ActionClick,
			Button:   agent.MouseButton(orDefault(c.str("button_type"), string(agent.ButtonLeft))),
			Count:    c.intOr("num_clicks", 1),
			HoldKeys: c.list("hold_keys"),
		}, c.str("element"), nil

	case "type":
		return agent.Action{
			Type:       agent.ActionTyping,
			Text:       c.str("text"),
			Overwrite:  c.boolOr("overwrite", false),
			PressEnter: c.boolOr("enter", false),
		}, "", nil

	case "drag":
		return agent.Action{Type: agent.ActionDrag, HoldKeys: c.list("hold_keys")}, c.str("start_element"), nil

	case "scroll":
		return agent.Action{
			Type:     agent.ActionScroll,
			Clicks:   c.intOr("clicks", 1),
			Vertical: c.boolOr("vertical", true),
		}, c.str("element"), nil

	case "hotkey":
		return agent.Action{Type: agent.ActionHotkey, Keys: c.list("keys")}, "", nil

	case "hold_and_press":
		return agent.Action{
			Type:      agent.ActionHoldAndPress,
			HoldKeys:  c.list("hold_keys"),
			PressKeys: c.list("press_keys"),
		}, "", nil

	case "open":
		return agent.Action{Type: agent.ActionOpen, AppOrFilename: c.str("app_or_filename")}, "", nil

	case "switch_app":
		return agent.Action{Type: agent.ActionSwitchApp, AppCode: c.str("app_code")}, "", nil

	case "wait":
		return agent.Action{Type: agent.ActionWait, Seconds: c.floatOr("seconds", 1)}, "", nil

	case "done":
		return agent.Action{Type: agent.ActionDone, ReturnValue: c.str("return_value")}, "", nil

	case "fail":
		return agent.Action{Type: agent.ActionFail, ReturnValue: c.str("error")}, "", nil

	default:
		return agent.Action{}, "", fmt.Errorf("unrecognized action %q", c.name)
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// ground resolves an element description plus the current screenshot into
// screen coordinates via the grounding tool, validating against bounds.
func (w *Worker) ground(ctx context.Context, elementDesc string, screenshot []byte, bounds backend.ScreenBounds) ([2]int, bool, error) {
	result, err := w.invoker.Invoke(ctx, agent.ToolGrounding, elementDesc, screenshot)
	if err != nil {
		return [2]int{}, false, err
	}
	xy, ok := parseCoordinates(result.Text)
	if !ok || !backend.ValidateCoordinates(bounds, xy) {
		return [2]int{}, false, nil
	}
	return xy, true, nil
}

var coordPattern = regexp.MustCompile(`(-?\d+)\s*,\s*(-?\d+)`)

func parseCoordinates(text string) ([2]int, bool) {
	m := coordPattern.FindStringSubmatch(text)
	if m == nil {
		return [2]int{}, false
	}
	x, errX := strconv.Atoi(m[1])
	y, errY := strconv.Atoi(m[2])
	if errX != nil || errY != nil {
		return [2]int{}, false
	}
	return [2]int{x, y}, true
}
