package taskmanager

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lybic/agentcore/internal/common/logger"
	"github.com/lybic/agentcore/internal/metrics"
	"github.com/lybic/agentcore/internal/store"
	"github.com/lybic/agentcore/internal/toolinvoker"
	"github.com/lybic/agentcore/pkg/agent"
)

// scriptedProvider answers every tool call with a canned response keyed by
// tool name, satisfying toolinvoker.Provider for end-to-end Manager tests.
type scriptedProvider struct {
	responses map[agent.ToolName]string
}

func (p *scriptedProvider) Invoke(ctx context.Context, tool agent.ToolName, text string, image []byte, cfg agent.PerToolOverride) (agent.ToolResult, error) {
	return agent.ToolResult{Text: p.responses[tool]}, nil
}

// slowProvider answers like scriptedProvider but takes a beat per call,
// honoring ctx, so cancellation tests reliably land while the task is
// still mid-run.
type slowProvider struct {
	scriptedProvider
	delay time.Duration
}

func (p *slowProvider) Invoke(ctx context.Context, tool agent.ToolName, text string, image []byte, cfg agent.PerToolOverride) (agent.ToolResult, error) {
	select {
	case <-ctx.Done():
		return agent.ToolResult{}, agent.Cancelled("tool call cancelled")
	case <-time.After(p.delay):
	}
	return p.scriptedProvider.Invoke(ctx, tool, text, image, cfg)
}

func testLogger() *logger.Logger {
	l, _ := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "json", OutputPath: "stdout"})
	return l
}

func testResponses() map[agent.ToolName]string {
	return map[agent.ToolName]string{
		agent.ToolSubtaskPlanner:  "1. Open app: launch notepad",
		agent.ToolDAGTranslator:   `{"nodes":[{"name":"Open app"}],"edges":[]}`,
		agent.ToolActionGenerator: `wait(seconds=1)`,
	}
}

func newTestManager(t *testing.T) *Manager {
	provider := &scriptedProvider{responses: testResponses()}
	return newTestManagerWith(t, provider)
}

func newTestManagerWith(t *testing.T, provider toolinvoker.Provider) *Manager {
	return New(store.NewMemoryStore(), provider, metrics.New(nil, false), testLogger(), Options{
		LogDir:          t.TempDir(),
		MaxConcurrent:   2,
		EventBusLinger:  50 * time.Millisecond,
		EventBufferSize: 16,
		EventReplayLen:  8,
		ReflectorPeriod: 5,
	})
}

func TestTaskRunsToCompletionAndStreamsTerminalEvent(t *testing.T) {
	provider := &scriptedProvider{responses: map[agent.ToolName]string{
		agent.ToolSubtaskPlanner:  "1. Open app: launch notepad",
		agent.ToolDAGTranslator:   `{"nodes":[{"name":"Open app"}],"edges":[]}`,
		agent.ToolActionGenerator: `done()`,
	}}
	m := New(store.NewMemoryStore(), provider, metrics.New(nil, false), testLogger(), Options{
		LogDir:         t.TempDir(),
		MaxConcurrent:  1,
		EventBusLinger: time.Second,
	})

	task, err := m.Submit(context.Background(), agent.SubmitRequest{
		Instruction: "open notepad",
		Config:      agent.TaskConfig{Backend: agent.BackendLocalGUI, MaxSteps: 5},
	})
	require.NoError(t, err)

	sub, err := m.Subscribe(task.TaskID)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, open := <-sub.Events:
			require.True(t, open)
			if !ev.Stage.IsTerminal() {
				continue
			}
			require.Equal(t, agent.StageFinished, ev.Stage)
			rec, err := m.Query(context.Background(), task.TaskID)
			require.NoError(t, err)
			require.Equal(t, agent.TaskCompleted, rec.Status)
			require.NotNil(t, rec.EndedAt)
			return
		case <-deadline:
			t.Fatal("timed out waiting for terminal event")
		}
	}
}

func TestCancelStopsRunningTask(t *testing.T) {
	m := newTestManagerWith(t, &slowProvider{
		scriptedProvider: scriptedProvider{responses: testResponses()},
		delay:            20 * time.Millisecond,
	})
	task, err := m.Submit(context.Background(), agent.SubmitRequest{
		Instruction: "loop forever",
		Config:      agent.TaskConfig{Backend: agent.BackendLocalGUI, MaxSteps: 100000},
	})
	require.NoError(t, err)

	sub, err := m.Subscribe(task.TaskID)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	cancelled, err := m.Cancel(context.Background(), task.TaskID)
	require.NoError(t, err)
	require.True(t, cancelled)

	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, open := <-sub.Events:
			if !open {
				t.Fatal("stream closed before a terminal event")
			}
			if ev.Stage.IsTerminal() {
				require.Equal(t, agent.StageCancelled, ev.Stage)
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for cancellation")
		}
	}
}

func TestSubmitAdmitsTaskAndTracksIt(t *testing.T) {
	m := newTestManager(t)
	task, err := m.Submit(context.Background(), agent.SubmitRequest{
		Instruction: "do a thing",
		Config:      agent.TaskConfig{Backend: agent.BackendLocalGUI, Mode: agent.ModeNormal, MaxSteps: 2},
	})
	require.NoError(t, err)
	require.NotEmpty(t, task.TaskID)

	rec, err := m.Query(context.Background(), task.TaskID)
	require.NoError(t, err)
	require.Equal(t, task.TaskID, rec.TaskID)
}

func TestSubmitRejectsBeyondMaxConcurrent(t *testing.T) {
	m := newTestManager(t)
	cfg := agent.TaskConfig{Backend: agent.BackendLocalGUI, Mode: agent.ModeNormal, MaxSteps: 1000}

	_, err := m.Submit(context.Background(), agent.SubmitRequest{Instruction: "task one", Config: cfg})
	require.NoError(t, err)
	_, err = m.Submit(context.Background(), agent.SubmitRequest{Instruction: "task two", Config: cfg})
	require.NoError(t, err)

	_, err = m.Submit(context.Background(), agent.SubmitRequest{Instruction: "task three", Config: cfg})
	require.Error(t, err)
	require.Equal(t, agent.ErrUnavailable, agent.KindOf(err))
}

func TestCancelIsIdempotent(t *testing.T) {
	m := newTestManagerWith(t, &slowProvider{
		scriptedProvider: scriptedProvider{responses: testResponses()},
		delay:            20 * time.Millisecond,
	})
	task, err := m.Submit(context.Background(), agent.SubmitRequest{
		Instruction: "do a thing",
		Config:      agent.TaskConfig{Backend: agent.BackendLocalGUI, Mode: agent.ModeNormal, MaxSteps: 1000},
	})
	require.NoError(t, err)

	cancelled, err := m.Cancel(context.Background(), task.TaskID)
	require.NoError(t, err)
	require.True(t, cancelled)

	_, err = m.Cancel(context.Background(), task.TaskID)
	require.NoError(t, err)

	// Once the task has wound down, further cancels report false: the task
	// is no longer in a cancellable state.
	require.Eventually(t, func() bool {
		cancelled, err := m.Cancel(context.Background(), task.TaskID)
		return err == nil && !cancelled
	}, 5*time.Second, 10*time.Millisecond)
}

func TestCancelUnknownTerminalTaskReportsFalse(t *testing.T) {
	m := newTestManager(t)
	rec := agent.Record{Task: agent.Task{TaskID: "ghost", Status: agent.TaskCompleted, CreatedAt: time.Now()}}
	require.NoError(t, m.store.Create(context.Background(), rec))

	cancelled, err := m.Cancel(context.Background(), "ghost")
	require.NoError(t, err)
	require.False(t, cancelled)
}

func TestSubmitContinueContextUnknownPreviousTaskFailsValidation(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Submit(context.Background(), agent.SubmitRequest{
		Instruction:     "do a thing",
		Config:          agent.TaskConfig{Backend: agent.BackendLocalGUI, MaxSteps: 1},
		ContinueContext: true,
		PreviousTaskID:  "does-not-exist",
	})
	require.Error(t, err)
	require.Equal(t, agent.ErrValidation, agent.KindOf(err))
}

func TestSubscribeUnknownTaskReturnsNotFound(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Subscribe("does-not-exist")
	require.Error(t, err)
	require.Equal(t, agent.ErrNotFound, agent.KindOf(err))
}

func TestSubscribeEndedTaskReturnsAlreadyTerminal(t *testing.T) {
	m := newTestManager(t)
	rec := agent.Record{Task: agent.Task{TaskID: "done-task", Status: agent.TaskCompleted, CreatedAt: time.Now()}}
	require.NoError(t, m.store.Create(context.Background(), rec))

	_, err := m.Subscribe("done-task")
	require.Error(t, err)
	require.Equal(t, agent.ErrAlreadyTerminal, agent.KindOf(err))
}

func TestListReturnsSubmittedTasks(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Submit(context.Background(), agent.SubmitRequest{
		Instruction: "first",
		Config:      agent.TaskConfig{Backend: agent.BackendLocalGUI, MaxSteps: 1000},
	})
	require.NoError(t, err)

	recs, total, err := m.List(context.Background(), 10, 0)
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Len(t, recs, 1)
}
