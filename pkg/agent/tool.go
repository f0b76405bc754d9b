package agent

import "time"

// ToolName is the closed enumeration of tools the Tool Invoker may be
// asked to run.
type ToolName string

const (
	ToolWebSearch                       ToolName = "web_search"
	ToolContextFusion                   ToolName = "context_fusion"
	ToolSubtaskPlanner                  ToolName = "subtask_planner"
	ToolTrajReflector                   ToolName = "traj_reflector"
	ToolMemoryRetrieval                 ToolName = "memory_retrieval"
	ToolGrounding                       ToolName = "grounding"
	ToolEvaluator                       ToolName = "evaluator"
	ToolActionGenerator                 ToolName = "action_generator"
	ToolActionGeneratorWithTakeover     ToolName = "action_generator_with_takeover"
	ToolFastActionGenerator             ToolName = "fast_action_generator"
	ToolFastActionGeneratorWithTakeover ToolName = "fast_action_generator_with_takeover"
	ToolDAGTranslator                   ToolName = "dag_translator"
	ToolEmbedding                       ToolName = "embedding"
	ToolQueryFormulator                 ToolName = "query_formulator"
	ToolNarrativeSummarization          ToolName = "narrative_summarization"
	ToolTextSpan                        ToolName = "text_span"
	ToolEpisodeSummarization            ToolName = "episode_summarization"
)

// ToolResult is what the Tool Invoker returns on success.
type ToolResult struct {
	Text         string  `json:"text"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	Cost         float64 `json:"cost"`
}

// ConversationMessage is one opaque entry in a Task's persisted
// conversation log: LLM message history minus images. Every successful
// Tool Invoker call appends one of these, tagged with the tool that
// produced it, so the State Store's conversation column reconstructs the
// task's LLM exchange history without parsing tool-specific payloads.
type ConversationMessage struct {
	Timestamp time.Time `json:"timestamp"`
	Tool      ToolName  `json:"tool"`
	Input     string    `json:"input"`
	Output    string    `json:"output"`
}

// ToolErrorKind classifies why a tool invocation failed.
type ToolErrorKind string

const (
	ToolErrorTransient   ToolErrorKind = "transient"
	ToolErrorRateLimited ToolErrorKind = "rate_limited"
	ToolErrorBudget      ToolErrorKind = "budget_exhausted"
	ToolErrorInvalid     ToolErrorKind = "invalid_request"
	ToolErrorProvider    ToolErrorKind = "provider_error"
)

// ToolError is the error the Tool Invoker surfaces to a caller.
type ToolError struct {
	Kind      ToolErrorKind
	Retryable bool
	Message   string
	Err       error
}

func (e *ToolError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Kind)
}

func (e *ToolError) Unwrap() error { return e.Err }
