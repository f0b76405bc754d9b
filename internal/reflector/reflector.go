// Package reflector evaluates trajectory quality: a rule-based fast path
// that catches obvious stuck states without any LLM call, backed by a
// periodic trajectory-reflector tool call every K steps for the slower,
// model-judged quality verdict.
package reflector

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/lybic/agentcore/internal/common/logger"
	"github.com/lybic/agentcore/pkg/agent"
)

// Invoker is the subset of the Tool Invoker the Reflector needs.
type Invoker interface {
	Invoke(ctx context.Context, tool agent.ToolName, textInput string, imageInput []byte) (agent.ToolResult, error)
}

// DefaultPeriod is K, the step interval between trajectory-reflector tool
// calls.
const DefaultPeriod = 5

// RepeatedActionThreshold is the number of consecutive identical actions
// that trips the fast-path rule.
const RepeatedActionThreshold = 3

// StuckSubtaskThreshold is the step count on a single subtask that trips
// the fast-path rule.
const StuckSubtaskThreshold = 10

// UnchangedScreenshotThreshold is the run of identical screenshot hashes
// that trips the fast-path rule.
const UnchangedScreenshotThreshold = 3

// Reflector evaluates trajectory quality and recommends continue/adjust/replan.
type Reflector struct {
	invoker Invoker
	log     *logger.Logger
	period  int
}

// New constructs a Reflector with the given periodic tool-call interval.
// A period <= 0 uses DefaultPeriod.
func New(invoker Invoker, log *logger.Logger, period int) *Reflector {
	if period <= 0 {
		period = DefaultPeriod
	}
	return &Reflector{invoker: invoker, log: log, period: period}
}

// Input bundles the recent trajectory the Reflector judges.
type Input struct {
	Instruction      string
	Subtask          agent.Subtask
	RecentActions    []agent.Action // most recent last
	RecentScreenHash []string       // most recent last, parallel in time to RecentActions
	StepsOnSubtask   int
	StepIndex        int // steps the task has executed so far (0 before the first)
	Screenshot       []byte
	History          string
}

// Evaluate returns a QualityReport when either a fast-path rule fires or
// this step lands on the periodic boundary; it returns (nil, nil) when
// neither condition holds, meaning the Dispatcher proceeds without
// consulting the Reflector this step.
func (r *Reflector) Evaluate(ctx context.Context, in Input) (*agent.QualityReport, error) {
	if report := fastPath(in); report != nil {
		return report, nil
	}

	if in.StepIndex == 0 || in.StepIndex%r.period != 0 {
		return nil, nil
	}

	return r.judge(ctx, in)
}

// fastPath runs the three rule-based checks in order, before any tool
// call. Each is independent; the first to trigger wins.
func fastPath(in Input) *agent.QualityReport {
	if n := len(in.RecentActions); n >= RepeatedActionThreshold {
		last := in.RecentActions[n-RepeatedActionThreshold:]
		if allEqual(last) {
			return &agent.QualityReport{
				Status:         agent.QualityConcerning,
				Recommendation: agent.RecommendAdjust,
				Confidence:     1,
				Issues:         []string{fmt.Sprintf("the last %d actions were identical", RepeatedActionThreshold)},
			}
		}
	}

	if in.StepsOnSubtask > StuckSubtaskThreshold {
		return &agent.QualityReport{
			Status:         agent.QualityConcerning,
			Recommendation: agent.RecommendReplan,
			Confidence:     1,
			Issues:         []string{fmt.Sprintf("subtask %q has run for more than %d steps", in.Subtask.Name, StuckSubtaskThreshold)},
		}
	}

	if n := len(in.RecentScreenHash); n >= UnchangedScreenshotThreshold {
		last := in.RecentScreenHash[n-UnchangedScreenshotThreshold:]
		if allSame(last) {
			return &agent.QualityReport{
				Status:         agent.QualityConcerning,
				Recommendation: agent.RecommendAdjust,
				Confidence:     1,
				Issues:         []string{fmt.Sprintf("the screenshot was unchanged for %d consecutive steps", UnchangedScreenshotThreshold)},
			}
		}
	}

	return nil
}

func allEqual(actions []agent.Action) bool {
	for i := 1; i < len(actions); i++ {
		if !reflect.DeepEqual(actions[i], actions[0]) {
			return false
		}
	}
	return true
}

func allSame(hashes []string) bool {
	for i := 1; i < len(hashes); i++ {
		if hashes[i] != hashes[0] {
			return false
		}
	}
	return true
}

type judgment struct {
	Status         string   `json:"status"`
	Recommendation string   `json:"recommendation"`
	Confidence     float64  `json:"confidence"`
	Issues         []string `json:"issues"`
	Suggestions    []string `json:"suggestions"`
}

// judge calls the traj_reflector tool and parses its JSON verdict. A
// malformed response degrades to a "good/continue" report with a logged
// warning, never an error.
func (r *Reflector) judge(ctx context.Context, in Input) (*agent.QualityReport, error) {
	prompt := fmt.Sprintf(
		"Instruction: %s\nCurrent subtask: %s\nSteps on this subtask: %d\nRecent history:\n%s",
		in.Instruction, in.Subtask.Name, in.StepsOnSubtask, in.History,
	)

	result, err := r.invoker.Invoke(ctx, agent.ToolTrajReflector, prompt, in.Screenshot)
	if err != nil {
		return nil, err
	}

	raw := extractJSON(result.Text)
	var j judgment
	if err := json.Unmarshal([]byte(raw), &j); err != nil {
		r.log.Warn("traj_reflector returned malformed JSON, defaulting to continue")
		return &agent.QualityReport{Status: agent.QualityGood, Recommendation: agent.RecommendContinue, Confidence: 0}, nil
	}

	return &agent.QualityReport{
		Status:         normalizeStatus(j.Status),
		Recommendation: normalizeRecommendation(j.Recommendation),
		Confidence:     j.Confidence,
		Issues:         j.Issues,
		Suggestions:    j.Suggestions,
	}, nil
}

func extractJSON(text string) string {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end == -1 || end < start {
		return text
	}
	return text[start : end+1]
}

func normalizeStatus(s string) agent.QualityStatus {
	switch agent.QualityStatus(strings.ToLower(s)) {
	case agent.QualityConcerning:
		return agent.QualityConcerning
	case agent.QualityCritical:
		return agent.QualityCritical
	default:
		return agent.QualityGood
	}
}

func normalizeRecommendation(s string) agent.Recommendation {
	switch agent.Recommendation(strings.ToLower(s)) {
	case agent.RecommendAdjust:
		return agent.RecommendAdjust
	case agent.RecommendReplan:
		return agent.RecommendReplan
	default:
		return agent.RecommendContinue
	}
}
