// Package dispatcher is the per-task state machine that drives one Task
// from its first subtask to a terminal status, wiring together the
// Planner, Worker, Reflector and Backend Adapter and mirroring every
// transition to the Event Bus and State Store.
package dispatcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/lybic/agentcore/internal/backend"
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

// trajectoryWindow bounds how many recent actions/screenshot hashes the
// Reflector's fast path is shown; its rules only ever look a few steps
// back.
const trajectoryWindow = 8

// Dispatcher drives one Task's execution loop.
type Dispatcher struct {
	task *agent.Task

	store     store.Store
	ws        *workspace.Workspace
	bus       *eventbus.Bus
	backend   backend.Backend
	planner   *planner.Planner
	worker    *worker.Worker
	reflector *reflector.Reflector
	metrics   *metrics.Metrics
	log       *logger.Logger

	retrievedKnowledge string

	recentActions []agent.Action
	recentHashes  []string
	stepsOnTask   int
}

// Deps bundles the collaborators a Dispatcher is wired against.
type Deps struct {
	Store     store.Store
	Workspace *workspace.Workspace
	Bus       *eventbus.Bus
	Backend   backend.Backend
	Planner   *planner.Planner
	Worker    *worker.Worker
	Reflector *reflector.Reflector
	Metrics   *metrics.Metrics
	Log       *logger.Logger
}

// New constructs a Dispatcher for task, which must already be persisted
// to the Store; the Task Manager does this at submission.
func New(task *agent.Task, deps Deps) *Dispatcher {
	return &Dispatcher{
		task:      task,
		store:     deps.Store,
		ws:        deps.Workspace,
		bus:       deps.Bus,
		backend:   deps.Backend,
		planner:   deps.Planner,
		worker:    deps.Worker,
		reflector: deps.Reflector,
		metrics:   deps.Metrics,
		log:       deps.Log.WithTaskID(task.TaskID),
	}
}

// Run drives the task to completion: building the initial plan, then
// stepping the worker/backend/reflector loop until a subtask-queue drain,
// a step-budget exhaustion, a cancellation or a fatal error ends it. Run
// always leaves task in a terminal TaskStatus before returning.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.publish(agent.StageStarting, "task starting", nil)
	d.setStatus(ctx, agent.TaskRunning, true)

	if err := d.ws.WriteState("instruction", map[string]interface{}{
		"text":       d.task.Instruction,
		"created_at": d.task.CreatedAt,
	}); err != nil {
		d.log.Warn("failed to persist instruction to workspace")
	}

	if err := d.buildInitialPlan(ctx); err != nil {
		if isCancellation(ctx, err) {
			return d.finish(ctx, agent.TaskCancelled, agent.StageCancelled, "task cancelled")
		}
		return d.finish(ctx, agent.TaskFailed, agent.StageFailed, "initial planning failed: "+err.Error())
	}

	for {
		if ctx.Err() != nil {
			return d.finish(ctx, agent.TaskCancelled, agent.StageCancelled, "task cancelled")
		}

		// Failed subtasks are history, not a verdict: each one already
		// triggered a replan, so draining the queue means the plan the
		// Planner last stood behind is done.
		if len(d.task.Plan.Remaining) == 0 {
			return d.finish(ctx, agent.TaskCompleted, agent.StageFinished, "all subtasks completed")
		}

		if d.task.Stats.Steps >= d.task.Config.MaxSteps && d.task.Config.MaxSteps > 0 {
			return d.finish(ctx, agent.TaskFailed, agent.StageFailed, "step_budget_exhausted")
		}

		if err := d.step(ctx); err != nil {
			if isCancellation(ctx, err) {
				return d.finish(ctx, agent.TaskCancelled, agent.StageCancelled, "task cancelled")
			}
			return d.finish(ctx, agent.TaskFailed, agent.StageFailed, "step failed: "+err.Error())
		}
	}
}

// isCancellation reports whether err (returned from a step or the initial
// plan) reflects a cancellation rather than a genuine failure: either ctx
// itself was cancelled, or the error is the Cancelled kind any Backend or
// Tool Invoker call surfaces once ctx.Err() is set.
func isCancellation(ctx context.Context, err error) bool {
	return ctx.Err() != nil || agent.KindOf(err) == agent.ErrCancelled
}

func (d *Dispatcher) buildInitialPlan(ctx context.Context) error {
	d.publish(agent.StagePlanning, "building initial plan", nil)

	screenshot, err := d.screenshot(ctx)
	if err != nil {
		return err
	}

	result, err := d.planner.InitialPlan(ctx, d.task.Instruction, screenshot, d.retrievedKnowledge)
	if err != nil {
		return err
	}
	if result.Warning != "" {
		d.log.Warn(result.Warning)
	}

	d.task.Plan = agent.Plan{Remaining: result.Subtasks}
	return d.persistPlan(ctx)
}

// step runs exactly one subtask-advancing iteration on the active (first
// remaining) subtask: take a screenshot, give the Reflector a look at the
// trajectory so far, ask the Worker for the next action with any
// reflection attached, then execute it and record it.
func (d *Dispatcher) step(ctx context.Context) error {
	subtask := d.task.Plan.Remaining[0]

	screenshot, err := d.screenshot(ctx)
	if err != nil {
		return err
	}

	reflection, err := d.reflector.Evaluate(ctx, reflector.Input{
		Instruction:      d.task.Instruction,
		Subtask:          subtask,
		RecentActions:    d.recentActions,
		RecentScreenHash: d.recentHashes,
		StepsOnSubtask:   d.stepsOnTask,
		StepIndex:        d.task.Stats.Steps,
		Screenshot:       screenshot,
	})
	if err != nil {
		d.log.Warn("reflector call failed, proceeding without guidance")
		reflection = nil
	}

	if reflection != nil {
		if werr := d.ws.AppendJSONLine("reflections", reflection); werr != nil {
			d.log.Warn("failed to append quality report")
		}
		if reflection.Recommendation == agent.RecommendReplan {
			d.publish(agent.StageReplanning, "reflector recommended replanning", reflection)
			if err := d.replan(ctx); err != nil {
				return err
			}
			return nil
		}
		d.publish(agent.StageReflecting, "reflector: "+string(reflection.Status), reflection)
	}

	action, groundingFailure, err := d.worker.Next(ctx, worker.Input{
		Instruction:    d.task.Instruction,
		Subtask:        subtask,
		FutureNames:    subtaskNames(d.task.Plan.Remaining[1:]),
		CompletedNames: subtaskNames(d.task.Plan.Completed),
		Reflection:     reflection,
		Screenshot:     screenshot,
		Mode:           d.task.Config.Mode,
		EnableTakeover: d.task.Config.EnableTakeover,
		Bounds:         backend.ScreenBounds{}, // declared screen size is backend-specific; validated inside Worker only when non-zero
	})
	if err != nil {
		return err
	}
	if groundingFailure != nil {
		d.log.Warn("worker could not ground an element, waiting a step: " + groundingFailure.Reason)
	}

	d.rememberAction(action, screenshot)

	switch {
	case action.IsDone():
		d.task.Stats.Steps++
		d.completeSubtask(subtask)
		d.publish(agent.StageExecuting, "subtask completed: "+subtask.Name, nil)
		return d.persistPlan(ctx)

	case action.IsFail():
		d.task.Stats.Steps++
		d.failSubtask(subtask)
		d.publish(agent.StageReplanning, "subtask failed, replanning: "+subtask.Name, nil)
		return d.replan(ctx)

	default:
		return d.execute(ctx, subtask, action)
	}
}

func (d *Dispatcher) execute(ctx context.Context, subtask agent.Subtask, action agent.Action) error {
	result, err := d.backend.Execute(ctx, action)
	d.task.Stats.Steps++
	d.stepsOnTask++

	rec := agent.ActionRecord{
		Step:        d.task.Stats.Steps,
		Timestamp:   time.Now().UTC(),
		Subtask:     subtask.Name,
		Description: string(action.Type),
		Action:      action,
	}
	if err != nil {
		rec.Success = false
		rec.Error = err.Error()
	} else {
		rec.Success = result.Success
		rec.Error = result.Error
	}

	if werr := d.ws.AppendJSONLine("actions", rec); werr != nil {
		d.log.Warn("failed to append action record")
	}
	d.publish(agent.StageExecuting, "executed action "+string(action.Type), rec)

	if err != nil && agent.KindOf(err) != agent.ErrTransient {
		return err
	}
	return nil
}

func (d *Dispatcher) replan(ctx context.Context) error {
	screenshot, err := d.screenshot(ctx)
	if err != nil {
		return err
	}

	result, err := d.planner.Replan(ctx, d.task.Instruction, screenshot,
		d.task.Plan.Completed, d.task.Plan.Failed, d.task.Plan.Remaining, "")
	if err != nil {
		return err
	}
	if result.Warning != "" {
		d.log.Warn(result.Warning)
	}

	d.task.Plan.Remaining = result.Subtasks
	d.stepsOnTask = 0
	return d.persistPlan(ctx)
}

func (d *Dispatcher) screenshot(ctx context.Context) ([]byte, error) {
	result, err := d.backend.Execute(ctx, agent.Action{Type: agent.ActionScreenshot})
	if err != nil {
		return nil, err
	}
	if len(result.Observation) > 0 {
		if _, werr := d.ws.SaveScreenshot(result.Observation); werr != nil {
			d.log.Warn("failed to persist screenshot")
		}
	}
	return result.Observation, nil
}

func (d *Dispatcher) rememberAction(action agent.Action, screenshot []byte) {
	d.recentActions = append(d.recentActions, action)
	if len(d.recentActions) > trajectoryWindow {
		d.recentActions = d.recentActions[len(d.recentActions)-trajectoryWindow:]
	}

	sum := sha256.Sum256(screenshot)
	d.recentHashes = append(d.recentHashes, hex.EncodeToString(sum[:]))
	if len(d.recentHashes) > trajectoryWindow {
		d.recentHashes = d.recentHashes[len(d.recentHashes)-trajectoryWindow:]
	}
}

func (d *Dispatcher) completeSubtask(subtask agent.Subtask) {
	d.task.Plan.Remaining = removeFirst(d.task.Plan.Remaining)
	d.task.Plan.Completed = append(d.task.Plan.Completed, subtask)
	d.stepsOnTask = 0
}

func (d *Dispatcher) failSubtask(subtask agent.Subtask) {
	d.task.Plan.Remaining = removeFirst(d.task.Plan.Remaining)
	d.task.Plan.Failed = append(d.task.Plan.Failed, subtask)
	d.stepsOnTask = 0
}

func removeFirst(subtasks []agent.Subtask) []agent.Subtask {
	if len(subtasks) == 0 {
		return subtasks
	}
	return subtasks[1:]
}

func subtaskNames(subtasks []agent.Subtask) []string {
	names := make([]string, len(subtasks))
	for i, s := range subtasks {
		names[i] = s.Name
	}
	return names
}

func (d *Dispatcher) persistPlan(ctx context.Context) error {
	if werr := d.ws.WriteState("plan", d.task.Plan); werr != nil {
		d.log.Warn("failed to persist plan to workspace")
	}
	plan := d.task.Plan
	return d.store.Update(ctx, d.task.TaskID, store.Patch{Plan: &plan})
}

func (d *Dispatcher) setStatus(ctx context.Context, status agent.TaskStatus, started bool) {
	d.task.Status = status
	patch := store.Patch{Status: &status}
	if started {
		now := time.Now().UTC()
		d.task.StartedAt = &now
		nanos := now.UnixNano()
		patch.StartedAt = &nanos
		if d.metrics != nil {
			d.metrics.ObserveQueueWaitDuration(now.Sub(d.task.CreatedAt).Seconds())
		}
	}
	if err := d.store.Update(ctx, d.task.TaskID, patch); err != nil {
		d.log.Warn("failed to persist status transition")
	}
}

// finish transitions the task to a terminal status, publishes the final
// StageEvent and returns an error only for TaskFailed so the Task Manager
// can distinguish a clean run from one that errored out.
func (d *Dispatcher) finish(ctx context.Context, status agent.TaskStatus, stage agent.Stage, message string) error {
	d.task.Status = status
	now := time.Now().UTC()
	d.task.EndedAt = &now
	d.task.FinalMessage = message
	nanos := now.UnixNano()

	if err := d.store.Update(ctx, d.task.TaskID, store.Patch{
		Status:       &status,
		EndedAt:      &nanos,
		FinalMessage: &message,
		Stats:        &d.task.Stats,
	}); err != nil {
		d.log.Warn("failed to persist terminal status")
	}

	if werr := d.ws.WriteState("termination", map[string]interface{}{
		"status":   status,
		"reason":   message,
		"ended_at": now,
	}); werr != nil {
		d.log.Warn("failed to persist termination record")
	}

	d.publish(stage, message, nil)
	if d.metrics != nil {
		d.metrics.TaskFinished()
		d.metrics.ObserveTaskSteps(int64(d.task.Stats.Steps))
		d.metrics.ObserveTaskLatency(now.Sub(d.task.CreatedAt).Seconds())
		if d.task.StartedAt != nil {
			d.metrics.ObserveTaskExecutionDuration(now.Sub(*d.task.StartedAt).Seconds())
		}
	}

	if status == agent.TaskFailed {
		return agent.Fatal(message, nil)
	}
	return nil
}

func (d *Dispatcher) publish(stage agent.Stage, message string, payload interface{}) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(agent.StageEvent{
		TaskID:    d.task.TaskID,
		Stage:     stage,
		Message:   message,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	})
}
