// Package agent holds the wire and domain types shared by every component
// of the task execution core: tasks, plans, actions, events and errors.
package agent

import (
	"encoding/json"
	"time"
)

// TaskStatus is the lifecycle state of a Task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// IsTerminal reports whether the status is one a task never leaves.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	default:
		return false
	}
}

// Mode controls whether the Worker uses the normal or fast action generator tools.
type Mode string

const (
	ModeNormal Mode = "normal"
	ModeFast   Mode = "fast"
)

// Platform is the target GUI platform for action grounding.
type Platform string

const (
	PlatformWindows Platform = "windows"
	PlatformLinux   Platform = "linux"
	PlatformMacOS   Platform = "macos"
	PlatformAndroid Platform = "android"
)

// BackendKind selects which Backend Adapter implementation serves a task.
type BackendKind string

const (
	BackendLybic       BackendKind = "lybic"
	BackendLybicMobile BackendKind = "lybic_mobile"
	BackendLocalGUI    BackendKind = "local_gui"
	BackendVM          BackendKind = "vm"
	BackendADB         BackendKind = "adb"
)

// Stats accumulates per-task counters that Metrics also exports.
type Stats struct {
	Steps        int     `json:"steps"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	Cost         float64 `json:"cost"`
	Currency     string  `json:"currency"`
}

// PerToolOverride customizes provider routing for one closed-set tool name.
type PerToolOverride struct {
	Provider    string `json:"provider,omitempty"`
	ModelName   string `json:"model_name,omitempty"`
	APIKey      string `json:"api_key,omitempty"`
	APIEndpoint string `json:"api_endpoint,omitempty"`
}

// TaskConfig is the per-task configuration object of the RPC surface.
type TaskConfig struct {
	Backend          BackendKind                `json:"backend"`
	Mode             Mode                       `json:"mode"`
	MaxSteps         int                        `json:"max_steps"`
	Platform         Platform                   `json:"platform"`
	Shape            string                     `json:"shape,omitempty"`
	EnableSearch     bool                       `json:"enable_search"`
	EnableTakeover   bool                       `json:"enable_takeover"`
	PerToolOverrides map[string]PerToolOverride `json:"per_tool_overrides,omitempty"`
}

// SubmitRequest is the input shape of the RunAgentInstruction /
// RunAgentInstructionAsync RPC operations.
type SubmitRequest struct {
	Instruction     string     `json:"instruction"`
	Sandbox         string     `json:"sandbox,omitempty"`
	Config          TaskConfig `json:"config"`
	DestroySandbox  bool       `json:"destroy_sandbox"`
	ContinueContext bool       `json:"continue_context"`
	PreviousTaskID  string     `json:"previous_task_id,omitempty"`
}

// Subtask is one unit of plan work.
type Subtask struct {
	Name string `json:"name"`
	Info string `json:"info"`
}

// Plan is the ordered subtask queue for a task, partitioned into three
// disjoint lists.
type Plan struct {
	Remaining []Subtask `json:"remaining"`
	Completed []Subtask `json:"completed"`
	Failed    []Subtask `json:"failed"`
}

// ActionRecord is one executed action, as persisted to the actions.jsonl log.
type ActionRecord struct {
	Step        int       `json:"step"`
	Timestamp   time.Time `json:"timestamp"`
	Subtask     string    `json:"subtask"`
	Description string    `json:"description"`
	Action      Action    `json:"action"`
	Success     bool      `json:"success"`
	Error       string    `json:"error,omitempty"`
	Screenshot  string    `json:"screenshot,omitempty"`
}

// QualityStatus is the coarse health verdict a QualityReport carries.
type QualityStatus string

const (
	QualityGood       QualityStatus = "good"
	QualityConcerning QualityStatus = "concerning"
	QualityCritical   QualityStatus = "critical"
)

// Recommendation is the Reflector's suggested next move.
type Recommendation string

const (
	RecommendContinue Recommendation = "continue"
	RecommendAdjust   Recommendation = "adjust"
	RecommendReplan   Recommendation = "replan"
)

// QualityReport is the Reflector's verdict for a reflection point.
type QualityReport struct {
	Status         QualityStatus  `json:"status"`
	Recommendation Recommendation `json:"recommendation"`
	Confidence     float64        `json:"confidence"`
	Issues         []string       `json:"issues,omitempty"`
	Suggestions    []string       `json:"suggestions,omitempty"`
}

// Task is the root entity of the execution core.
type Task struct {
	TaskID               string          `json:"task_id"`
	Instruction          string          `json:"instruction"`
	Status               TaskStatus      `json:"status"`
	CreatedAt            time.Time       `json:"created_at"`
	StartedAt            *time.Time      `json:"started_at,omitempty"`
	EndedAt              *time.Time      `json:"ended_at,omitempty"`
	SandboxID            string          `json:"sandbox_id,omitempty"`
	DestroySandboxOnExit bool            `json:"destroy_sandbox_on_exit"`
	Config               TaskConfig      `json:"config"`
	Stats                Stats           `json:"stats"`
	FinalMessage         string          `json:"final_message,omitempty"`
	Plan                 Plan            `json:"plan"`
	Conversation         json.RawMessage `json:"conversation,omitempty"`
}

// Record is the persisted representation the State Store keeps; it embeds
// Task and currently adds no store-only fields of its own; a store can add
// bookkeeping here without changing the Task wire type.
type Record struct {
	Task
}
