package dispatcher

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lybic/agentcore/internal/common/logger"
	"github.com/lybic/agentcore/internal/eventbus"
	"github.com/lybic/agentcore/internal/metrics"
	"github.com/lybic/agentcore/internal/planner"
	"github.com/lybic/agentcore/internal/reflector"
	"github.com/lybic/agentcore/internal/store"
	"github.com/lybic/agentcore/internal/worker"
	"github.com/lybic/agentcore/internal/workspace"
	"github.com/lybic/agentcore/pkg/agent"
)

// scriptedInvoker replays fixed text per tool, used by Planner/Worker/Reflector.
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
		i = len(outs) - 1
	}
	if i < 0 {
		return agent.ToolResult{}, nil
	}
	return agent.ToolResult{Text: outs[i]}, nil
}

type fakeBackend struct{}

func (f *fakeBackend) Execute(ctx context.Context, action agent.Action) (agent.ActionResult, error) {
	if action.Type == agent.ActionScreenshot {
		return agent.ActionResult{Success: true, Observation: []byte("fake-png-bytes")}, nil
	}
	return agent.ActionResult{Success: true}, nil
}

func (f *fakeBackend) ReleaseSandbox(ctx context.Context) error { return nil }

func testLogger() *logger.Logger {
	l, _ := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "json", OutputPath: "stdout"})
	return l
}

func newTestDeps(t *testing.T, invoker *scriptedInvoker) (Deps, *agent.Task) {
	dir := t.TempDir()
	ws, err := workspace.New(dir, "task-1", time.Now())
	require.NoError(t, err)

	mem := store.NewMemoryStore()
	task := &agent.Task{
		TaskID:      "task-1",
		Instruction: "open notepad and type hello",
		Status:      agent.TaskPending,
		CreatedAt:   time.Now().UTC(),
		Config:      agent.TaskConfig{MaxSteps: 20, Mode: agent.ModeNormal},
	}
	require.NoError(t, mem.Create(context.Background(), agent.Record{Task: *task}))

	log := testLogger()
	deps := Deps{
		Store:     mem,
		Workspace: ws,
		Bus:       eventbus.New(32, 16),
		Backend:   &fakeBackend{},
		Planner:   planner.New(invoker, log),
		Worker:    worker.New(invoker, log),
		Reflector: reflector.New(invoker, log, 5),
		Metrics:   metrics.New(nil, false),
		Log:       log,
	}
	return deps, task
}

func TestDispatcherRunCompletesTaskOnDone(t *testing.T) {
	inv := newScripted()
	inv.byTool[agent.ToolSubtaskPlanner] = []string{"1. Open app: launch notepad"}
	inv.byTool[agent.ToolDAGTranslator] = []string{`{"nodes":[{"name":"Open app"}],"edges":[]}`}
	inv.byTool[agent.ToolActionGenerator] = []string{`done(return_value="finished")`}

	deps, task := newTestDeps(t, inv)
	d := New(task, deps)

	err := d.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, agent.TaskCompleted, task.Status)
	require.Len(t, task.Plan.Completed, 1)
	require.Empty(t, task.Plan.Remaining)
}

func TestDispatcherHappyPathSingleSubtask(t *testing.T) {
	inv := newScripted()
	inv.byTool[agent.ToolSubtaskPlanner] = []string{"1. OpenCalculator: click dock icon"}
	inv.byTool[agent.ToolDAGTranslator] = []string{`{"nodes":[{"name":"OpenCalculator"}],"edges":[]}`}
	inv.byTool[agent.ToolActionGenerator] = []string{
		`click(element="dock icon", num_clicks=1, button_type="left")`,
		`done()`,
	}
	inv.byTool[agent.ToolGrounding] = []string{"120,800"}

	deps, task := newTestDeps(t, inv)
	sub := deps.Bus.Subscribe()
	d := New(task, deps)

	require.NoError(t, d.Run(context.Background()))
	require.Equal(t, agent.TaskCompleted, task.Status)
	require.Equal(t, 2, task.Stats.Steps)
	require.Equal(t, []agent.Subtask{{Name: "OpenCalculator", Info: "click dock icon"}}, task.Plan.Completed)

	var stages []agent.Stage
	var lastSeq uint64
	var lastTS time.Time
	for {
		select {
		case ev := <-sub.Events:
			require.Greater(t, ev.Seq, lastSeq)
			require.False(t, ev.Timestamp.Before(lastTS))
			lastSeq, lastTS = ev.Seq, ev.Timestamp
			stages = append(stages, ev.Stage)
			if ev.Stage.IsTerminal() {
				goto done
			}
		default:
			goto done
		}
	}
done:
	require.Equal(t, []agent.Stage{
		agent.StageStarting,
		agent.StagePlanning,
		agent.StageExecuting,
		agent.StageExecuting,
		agent.StageFinished,
	}, stages)
}

func TestDispatcherReplansOnWorkerFail(t *testing.T) {
	inv := newScripted()
	inv.byTool[agent.ToolSubtaskPlanner] = []string{
		"1. First: initial attempt",
		"1. Second: recovery path",
	}
	inv.byTool[agent.ToolDAGTranslator] = []string{
		`{"nodes":[{"name":"First"}],"edges":[]}`,
		`{"nodes":[{"name":"Second"}],"edges":[]}`,
	}
	inv.byTool[agent.ToolActionGenerator] = []string{`fail()`, `done()`}

	deps, task := newTestDeps(t, inv)
	sub := deps.Bus.Subscribe()
	d := New(task, deps)

	require.NoError(t, d.Run(context.Background()))
	require.Equal(t, agent.TaskCompleted, task.Status)
	require.Equal(t, []agent.Subtask{{Name: "First", Info: "initial attempt"}}, task.Plan.Failed)
	require.Equal(t, []agent.Subtask{{Name: "Second", Info: "recovery path"}}, task.Plan.Completed)
	require.Equal(t, 2, inv.calls[agent.ToolSubtaskPlanner])

	sawReplanning := false
	for {
		select {
		case ev := <-sub.Events:
			if ev.Stage == agent.StageReplanning {
				sawReplanning = true
			}
			if ev.Stage.IsTerminal() {
				goto checked
			}
		default:
			goto checked
		}
	}
checked:
	require.True(t, sawReplanning)
}

func TestDispatcherRunFailsOnStepBudgetExhaustion(t *testing.T) {
	inv := newScripted()
	inv.byTool[agent.ToolSubtaskPlanner] = []string{"1. Open app: launch notepad"}
	inv.byTool[agent.ToolDAGTranslator] = []string{`{"nodes":[{"name":"Open app"}],"edges":[]}`}
	inv.byTool[agent.ToolActionGenerator] = []string{`wait(seconds=1)`}

	deps, task := newTestDeps(t, inv)
	task.Config.MaxSteps = 3
	d := New(task, deps)

	err := d.Run(context.Background())
	require.Error(t, err)
	require.Equal(t, agent.TaskFailed, task.Status)
	require.Contains(t, task.FinalMessage, "step_budget_exhausted")
	require.Equal(t, 3, task.Stats.Steps)
}

func TestDispatcherRunHonorsCancellation(t *testing.T) {
	inv := newScripted()
	inv.byTool[agent.ToolSubtaskPlanner] = []string{"1. Open app: launch notepad"}
	inv.byTool[agent.ToolDAGTranslator] = []string{`{"nodes":[{"name":"Open app"}],"edges":[]}`}
	inv.byTool[agent.ToolActionGenerator] = []string{`wait(seconds=1)`}

	deps, task := newTestDeps(t, inv)
	d := New(task, deps)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := d.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, agent.TaskCancelled, task.Status)
}
