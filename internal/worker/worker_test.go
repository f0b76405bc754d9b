package worker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lybic/agentcore/internal/backend"
	"github.com/lybic/agentcore/internal/common/logger"
	"github.com/lybic/agentcore/pkg/agent"
)

type scriptedInvoker struct {
	byTool map[agent.ToolName][]string
	calls  map[agent.ToolName]int
}

func newScripted() *scriptedInvoker {
	return &scriptedInvoker{byTool: map[agent.ToolName][]string{}, calls: map[agent.ToolName]int{}}
}

func (s *scriptedInvoker) Invoke(ctx context.Context, tool agent.ToolName, textInput string, imageInput []byte) (agent.ToolResult, error) {
	i := s.calls[tool]
	s.calls[tool]++
	outs := s.byTool[tool]
	if i >= len(outs) {
		return agent.ToolResult{}, nil
	}
	return agent.ToolResult{Text: outs[i]}, nil
}

func testLogger() *logger.Logger {
	l, _ := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "json", OutputPath: "stdout"})
	return l
}

func TestNextClickActionGetsGrounded(t *testing.T) {
	inv := newScripted()
	inv.byTool[agent.ToolActionGenerator] = []string{`click(element="Submit button", num_clicks=1, button_type="left")`}
	inv.byTool[agent.ToolGrounding] = []string{"120,340"}

	w := New(inv, testLogger())
	action, failure, err := w.Next(context.Background(), Input{
		Bounds: backend.ScreenBounds{Width: 1920, Height: 1080},
	})
	require.NoError(t, err)
	require.Nil(t, failure)
	require.Equal(t, agent.ActionClick, action.Type)
	require.Equal(t, [2]int{120, 340}, action.XY)
}

func TestNextGroundingOutOfBoundsYieldsWait(t *testing.T) {
	inv := newScripted()
	inv.byTool[agent.ToolActionGenerator] = []string{`click(element="Submit button")`}
	inv.byTool[agent.ToolGrounding] = []string{"5000,5000"}

	w := New(inv, testLogger())
	action, failure, err := w.Next(context.Background(), Input{
		Bounds: backend.ScreenBounds{Width: 1920, Height: 1080},
	})
	require.NoError(t, err)
	require.NotNil(t, failure)
	require.Equal(t, agent.ActionWait, action.Type)
}

func TestNextDoneAction(t *testing.T) {
	inv := newScripted()
	inv.byTool[agent.ToolActionGenerator] = []string{`done(return_value="finished")`}

	w := New(inv, testLogger())
	action, failure, err := w.Next(context.Background(), Input{})
	require.NoError(t, err)
	require.Nil(t, failure)
	require.True(t, action.IsDone())
	require.Equal(t, "finished", action.ReturnValue)
}

func TestNextUnparseableOutputFailsSubtask(t *testing.T) {
	inv := newScripted()
	inv.byTool[agent.ToolActionGenerator] = []string{"I am not sure what to do here."}

	w := New(inv, testLogger())
	action, failure, err := w.Next(context.Background(), Input{})
	require.NoError(t, err)
	require.Nil(t, failure)
	require.True(t, action.IsFail())
}

func TestNextTypeAction(t *testing.T) {
	inv := newScripted()
	inv.byTool[agent.ToolActionGenerator] = []string{`type(text="hello world", enter=true)`}

	w := New(inv, testLogger())
	action, _, err := w.Next(context.Background(), Input{})
	require.NoError(t, err)
	require.Equal(t, agent.ActionTyping, action.Type)
	require.Equal(t, "hello world", action.Text)
	require.True(t, action.PressEnter)
}

func TestNextClickCarriesHoldKeys(t *testing.T) {
	inv := newScripted()
	inv.byTool[agent.ToolActionGenerator] = []string{`click(element="second file", num_clicks=1, hold_keys=["ctrl"])`}
	inv.byTool[agent.ToolGrounding] = []string{"300,200"}

	w := New(inv, testLogger())
	action, failure, err := w.Next(context.Background(), Input{
		Bounds: backend.ScreenBounds{Width: 1920, Height: 1080},
	})
	require.NoError(t, err)
	require.Nil(t, failure)
	require.Equal(t, agent.ActionClick, action.Type)
	require.Equal(t, []string{"ctrl"}, action.HoldKeys)
}

func TestNextDragCarriesHoldKeys(t *testing.T) {
	inv := newScripted()
	inv.byTool[agent.ToolActionGenerator] = []string{`drag(start_element="file icon", end_element="trash icon", hold_keys=["shift"])`}
	inv.byTool[agent.ToolGrounding] = []string{"10,10", "500,500"}

	w := New(inv, testLogger())
	action, failure, err := w.Next(context.Background(), Input{Bounds: backend.ScreenBounds{Width: 1920, Height: 1080}})
	require.NoError(t, err)
	require.Nil(t, failure)
	require.Equal(t, agent.ActionDrag, action.Type)
	require.Equal(t, []string{"shift"}, action.HoldKeys)
}

func TestNextDragActionGroundsBothEnds(t *testing.T) {
	inv := newScripted()
	inv.byTool[agent.ToolActionGenerator] = []string{`drag(start_element="file icon", end_element="trash icon")`}
	inv.byTool[agent.ToolGrounding] = []string{"10,10", "500,500"}

	w := New(inv, testLogger())
	action, failure, err := w.Next(context.Background(), Input{Bounds: backend.ScreenBounds{Width: 1920, Height: 1080}})
	require.NoError(t, err)
	require.Nil(t, failure)
	require.Equal(t, agent.ActionDrag, action.Type)
	require.Equal(t, [2]int{10, 10}, action.Start)
	require.Equal(t, [2]int{500, 500}, action.End)
}

func TestActionGeneratorToolSelection(t *testing.T) {
	require.Equal(t, agent.ToolActionGenerator, actionGeneratorTool(agent.ModeNormal, false))
	require.Equal(t, agent.ToolActionGeneratorWithTakeover, actionGeneratorTool(agent.ModeNormal, true))
	require.Equal(t, agent.ToolFastActionGenerator, actionGeneratorTool(agent.ModeFast, false))
	require.Equal(t, agent.ToolFastActionGeneratorWithTakeover, actionGeneratorTool(agent.ModeFast, true))
}
