// Package taskmanager is the single entry point that admits, runs, and
// tracks Tasks, bounded by a configured concurrency ceiling. It owns the
// task_id -> in-memory Task map and hands each admitted task to its own
// Dispatcher goroutine, wiring in a fresh Workspace, Event Bus and Tool
// Invoker per task.
package taskmanager

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/lybic/agentcore/internal/backend"
	"github.com/lybic/agentcore/internal/common/logger"
	"github.com/lybic/agentcore/internal/dispatcher"
	"github.com/lybic/agentcore/internal/eventbus"
	"github.com/lybic/agentcore/internal/metrics"
	"github.com/lybic/agentcore/internal/planner"
	"github.com/lybic/agentcore/internal/reflector"
	"github.com/lybic/agentcore/internal/store"
	"github.com/lybic/agentcore/internal/toolinvoker"
	"github.com/lybic/agentcore/internal/worker"
	"github.com/lybic/agentcore/internal/workspace"
	"github.com/lybic/agentcore/pkg/agent"
)

// Options bundles the process-wide settings the Manager needs at
// construction.
type Options struct {
	LogDir          string
	MaxConcurrent   int64
	ToolTimeout     time.Duration
	BackendTimeout  time.Duration
	EventBusLinger  time.Duration
	EventBufferSize int
	EventReplayLen  int
	ReflectorPeriod int
	RateLimits      map[agent.ToolName]float64
	NATSURL         string
}

// DefaultMaxSteps is the step budget applied when a request leaves
// max_steps unset.
const DefaultMaxSteps = 50

// entry is the Manager's bookkeeping for one admitted task.
type entry struct {
	task   *agent.Task
	cancel context.CancelFunc
	bus    *eventbus.Bus
	done   chan struct{}
}

// Manager admits, runs and tracks Tasks.
type Manager struct {
	opts     Options
	store    store.Store
	buses    *eventbus.Manager
	provider toolinvoker.Provider
	metrics  *metrics.Metrics
	log      *logger.Logger
	nats     *eventbus.NatsBridge

	sem *semaphore.Weighted

	mu    sync.Mutex
	tasks map[string]*entry
}

// New constructs a Task Manager. provider is the external Tool Invoker
// collaborator; the Manager never implements it itself.
// When opts.NATSURL is set, every task's Event Bus also fans its
// StageEvents out to NATS; a connection failure is logged and otherwise
// ignored so the in-process Event Bus still works without NATS reachable.
func New(st store.Store, provider toolinvoker.Provider, m *metrics.Metrics, log *logger.Logger, opts Options) *Manager {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 5
	}
	mgr := &Manager{
		opts:     opts,
		store:    st,
		buses:    eventbus.NewManager(opts.EventBufferSize, opts.EventReplayLen),
		provider: provider,
		metrics:  m,
		log:      log,
		sem:      semaphore.NewWeighted(opts.MaxConcurrent),
		tasks:    make(map[string]*entry),
	}
	if opts.NATSURL != "" {
		bridge, err := eventbus.NewNatsBridge(opts.NATSURL, "agentcore-taskmanager", log)
		if err != nil {
			log.Warn("nats event fan-out disabled: " + err.Error())
		} else {
			mgr.nats = bridge
		}
	}
	return mgr
}

// Submit admits a new task and starts its Dispatcher in the background.
// Admission is non-blocking: when the concurrency ceiling is already
// saturated, Submit returns an Unavailable AppError immediately rather
// than queuing the caller.
func (m *Manager) Submit(ctx context.Context, req agent.SubmitRequest) (*agent.Task, error) {
	if req.Instruction == "" {
		return nil, agent.Validation("instruction must not be empty")
	}

	// continue_context against a previous_task_id that doesn't exist
	// fails validation rather than silently starting fresh, so a typo'd
	// or stale id surfaces to the caller instead of hiding behind a
	// successful new task.
	var priorConversation json.RawMessage
	if req.ContinueContext {
		if req.PreviousTaskID == "" {
			return nil, agent.Validation("continue_context requires previous_task_id")
		}
		prior, err := m.store.Get(ctx, req.PreviousTaskID)
		if err != nil {
			if agent.KindOf(err) == agent.ErrNotFound {
				return nil, agent.Validation("continue_context: unknown previous_task_id " + req.PreviousTaskID)
			}
			return nil, agent.Wrap(err, "continue_context previous_task_id")
		}
		priorConversation = prior.Conversation
	}

	if !m.sem.TryAcquire(1) {
		return nil, agent.Unavailable("task manager is at max concurrent tasks")
	}

	cfg := req.Config
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = DefaultMaxSteps
	}
	task := &agent.Task{
		TaskID:               uuid.NewString(),
		Instruction:          req.Instruction,
		Status:               agent.TaskPending,
		CreatedAt:            time.Now().UTC(),
		SandboxID:            req.Sandbox,
		DestroySandboxOnExit: req.DestroySandbox,
		Config:               cfg,
		Conversation:         priorConversation,
	}

	if err := m.store.Create(ctx, agent.Record{Task: *task}); err != nil {
		m.sem.Release(1)
		return nil, err
	}

	ws, err := workspace.New(m.opts.LogDir, task.TaskID, task.CreatedAt)
	if err != nil {
		m.sem.Release(1)
		return nil, err
	}

	be, err := backend.New(cfg.Backend, cfg.Shape, m.opts.BackendTimeout, m.log)
	if err != nil {
		m.sem.Release(1)
		return nil, err
	}

	bus := m.buses.Create(task.TaskID)
	if m.nats != nil {
		bus.SetForward(m.nats.Forward)
	}
	overrides := toolOverrides(cfg.PerToolOverrides)
	invoker := toolinvoker.New(m.provider, m.metrics, m.opts.RateLimits, overrides, m.opts.ToolTimeout)
	taskLog := m.taskLogger(ws, task.TaskID)

	taskID := task.TaskID
	invoker.SetExchangeSink(func(ctx context.Context, msg agent.ConversationMessage) {
		data, err := json.Marshal([]agent.ConversationMessage{msg})
		if err != nil {
			return
		}
		if err := m.store.AppendConversation(ctx, taskID, data); err != nil {
			taskLog.Warn("failed to append conversation message: " + err.Error())
		}
	})

	deps := dispatcher.Deps{
		Store:     m.store,
		Workspace: ws,
		Bus:       bus,
		Backend:   be,
		Planner:   planner.New(invoker, taskLog),
		Worker:    worker.New(invoker, taskLog),
		Reflector: reflector.New(invoker, taskLog, m.opts.ReflectorPeriod),
		Metrics:   m.metrics,
		Log:       taskLog,
	}
	d := dispatcher.New(task, deps)

	runCtx, cancel := context.WithCancel(context.Background())
	e := &entry{task: task, cancel: cancel, bus: bus, done: make(chan struct{})}

	m.mu.Lock()
	m.tasks[task.TaskID] = e
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.TaskCreated(string(task.Status))
		m.metrics.TaskStarted()
	}

	go m.run(runCtx, d, be, e)

	return task, nil
}

// taskLogger builds the per-task dispatcher logger: a JSON file sink at
// ws.LogsPath() (logs/dispatcher.log), tagged with task_id. If the file
// sink can't be opened, it falls back to
// the process-wide logger tagged the same way rather than failing the task
// over a logging concern.
func (m *Manager) taskLogger(ws *workspace.Workspace, taskID string) *logger.Logger {
	fileLog, err := logger.NewTaskFileLogger(ws.LogsPath())
	if err != nil {
		m.log.Warn("falling back to process logger for task: " + err.Error())
		return m.log.WithTaskID(taskID)
	}
	return fileLog.WithTaskID(taskID)
}

func toolOverrides(cfg map[string]agent.PerToolOverride) map[agent.ToolName]agent.PerToolOverride {
	if len(cfg) == 0 {
		return nil
	}
	out := make(map[agent.ToolName]agent.PerToolOverride, len(cfg))
	for k, v := range cfg {
		out[agent.ToolName(k)] = v
	}
	return out
}

// run drives one task's Dispatcher to completion, releases the admission
// semaphore and sandbox, then keeps the Event Bus open for the linger
// window so late subscribers still see the terminal event before it closes.
func (m *Manager) run(ctx context.Context, d *dispatcher.Dispatcher, be backend.Backend, e *entry) {
	defer m.sem.Release(1)
	defer close(e.done)

	if err := d.Run(ctx); err != nil {
		m.log.WithTaskID(e.task.TaskID).Warn("task run ended with error: " + err.Error())
	}

	if e.task.DestroySandboxOnExit {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := be.ReleaseSandbox(releaseCtx); err != nil {
			m.log.WithTaskID(e.task.TaskID).Warn("failed to release sandbox: " + err.Error())
		}
		cancel()
	}

	linger := m.opts.EventBusLinger
	if linger <= 0 {
		linger = 10 * time.Second
	}
	time.AfterFunc(linger, func() { m.buses.Remove(e.task.TaskID) })
}

// Subscribe returns a live event Subscription for taskID. A task that has
// already ended and outlived its bus's linger window yields AlreadyTerminal;
// an id the Manager has never seen yields NotFound.
func (m *Manager) Subscribe(taskID string) (*eventbus.Subscription, error) {
	bus, ok := m.buses.Get(taskID)
	if !ok {
		if rec, err := m.store.Get(context.Background(), taskID); err == nil && rec.Status.IsTerminal() {
			return nil, agent.AlreadyTerminal("task already ended: " + taskID)
		}
		return nil, agent.NotFound("no active event stream for task: " + taskID)
	}
	return bus.Subscribe(), nil
}

// Query returns the current persisted record for taskID.
func (m *Manager) Query(ctx context.Context, taskID string) (agent.Record, error) {
	return m.store.Get(ctx, taskID)
}

// List returns a page of task records, most recent first.
func (m *Manager) List(ctx context.Context, limit, offset int) ([]agent.Record, int, error) {
	return m.store.List(ctx, limit, offset)
}

// Cancel requests that taskID stop running. It is idempotent: cancelling
// an already-terminal or already-cancelled task is a no-op, never an
// error. The bool reports whether the task was still in a cancellable
// state; false means it had already ended by the time the cancel landed.
func (m *Manager) Cancel(ctx context.Context, taskID string) (bool, error) {
	m.mu.Lock()
	e, ok := m.tasks[taskID]
	m.mu.Unlock()
	if !ok {
		rec, err := m.store.Get(ctx, taskID)
		if err != nil {
			return false, err
		}
		if rec.Status.IsTerminal() {
			return false, nil
		}
		return false, agent.NotFound("task not actively running: " + taskID)
	}

	select {
	case <-e.done:
		return false, nil // already finished; cancel is idempotent
	default:
	}

	e.cancel()
	return true, nil
}

// ActiveCount reports how many admitted tasks have not yet finished, for
// the utilization gauge (active / max_concurrent).
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.tasks {
		select {
		case <-e.done:
		default:
			n++
		}
	}
	return n
}

// MaxConcurrent reports the admission ceiling the Manager was built with.
func (m *Manager) MaxConcurrent() int64 { return m.opts.MaxConcurrent }

// Close releases process-wide resources the Manager holds outside any one
// task's lifecycle, currently just the NATS fan-out connection (if wired).
func (m *Manager) Close() {
	if m.nats != nil {
		m.nats.Close()
	}
}
