package agent

import "time"

// Stage is the closed set of values a StageEvent carries.
type Stage string

const (
	StageStarting     Stage = "starting"
	StagePlanning     Stage = "planning"
	StageExecuting    Stage = "executing"
	StageReflecting   Stage = "reflecting"
	StageReplanning   Stage = "replanning"
	StageAwaitingUser Stage = "awaiting_user"
	StageFinished     Stage = "finished"
	StageFailed       Stage = "failed"
	StageCancelled    Stage = "cancelled"
)

// IsTerminal reports whether a stage is one the Event Bus closes after.
func (s Stage) IsTerminal() bool {
	switch s {
	case StageFinished, StageFailed, StageCancelled:
		return true
	default:
		return false
	}
}

// StageEvent is the streaming message published by the Dispatcher and
// delivered to subscribers by the Event Bus. Seq is assigned by the bus,
// never by the publisher, so it stays strictly monotonic regardless of how
// the Dispatcher constructs the event.
type StageEvent struct {
	TaskID    string      `json:"task_id"`
	Seq       uint64      `json:"seq"`
	Stage     Stage       `json:"stage"`
	Message   string      `json:"message"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload,omitempty"`
}
