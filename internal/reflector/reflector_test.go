package reflector

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lybic/agentcore/internal/common/logger"
	"github.com/lybic/agentcore/pkg/agent"
)

type fakeInvoker struct {
	text string
	err  error
}

func (f *fakeInvoker) Invoke(ctx context.Context, tool agent.ToolName, textInput string, imageInput []byte) (agent.ToolResult, error) {
	if f.err != nil {
		return agent.ToolResult{}, f.err
	}
	return agent.ToolResult{Text: f.text}, nil
}

func testLogger() *logger.Logger {
	l, _ := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "json", OutputPath: "stdout"})
	return l
}

func TestFastPathRepeatedActions(t *testing.T) {
	r := New(&fakeInvoker{}, testLogger(), 5)
	action := agent.Action{Type: agent.ActionClick, XY: [2]int{1, 1}}
	report, err := r.Evaluate(context.Background(), Input{
		RecentActions: []agent.Action{action, action, action},
		StepIndex:     2,
	})
	require.NoError(t, err)
	require.NotNil(t, report)
	require.Equal(t, agent.QualityConcerning, report.Status)
	require.Equal(t, agent.RecommendAdjust, report.Recommendation)
}

func TestFastPathStuckSubtask(t *testing.T) {
	r := New(&fakeInvoker{}, testLogger(), 5)
	report, err := r.Evaluate(context.Background(), Input{
		StepsOnSubtask: 11,
		StepIndex:      3,
	})
	require.NoError(t, err)
	require.NotNil(t, report)
	require.Equal(t, agent.RecommendReplan, report.Recommendation)
}

func TestFastPathUnchangedScreenshot(t *testing.T) {
	r := New(&fakeInvoker{}, testLogger(), 5)
	report, err := r.Evaluate(context.Background(), Input{
		RecentScreenHash: []string{"abc", "abc", "abc"},
		StepIndex:        4,
	})
	require.NoError(t, err)
	require.NotNil(t, report)
	require.Equal(t, agent.QualityConcerning, report.Status)
}

func TestNoReportBetweenPeriodBoundaries(t *testing.T) {
	r := New(&fakeInvoker{}, testLogger(), 5)
	report, err := r.Evaluate(context.Background(), Input{StepIndex: 3})
	require.NoError(t, err)
	require.Nil(t, report)
}

func TestPeriodicJudgmentParsesJSON(t *testing.T) {
	inv := &fakeInvoker{text: `{"status":"concerning","recommendation":"adjust","confidence":0.7,"issues":["drifted"]}`}
	r := New(inv, testLogger(), 5)
	report, err := r.Evaluate(context.Background(), Input{StepIndex: 5})
	require.NoError(t, err)
	require.NotNil(t, report)
	require.Equal(t, agent.QualityConcerning, report.Status)
	require.Equal(t, agent.RecommendAdjust, report.Recommendation)
	require.Equal(t, 0.7, report.Confidence)
}

func TestPeriodicJudgmentMalformedJSONDefaultsToContinue(t *testing.T) {
	inv := &fakeInvoker{text: "not json at all"}
	r := New(inv, testLogger(), 5)
	report, err := r.Evaluate(context.Background(), Input{StepIndex: 10})
	require.NoError(t, err)
	require.NotNil(t, report)
	require.Equal(t, agent.QualityGood, report.Status)
	require.Equal(t, agent.RecommendContinue, report.Recommendation)
}

func TestPeriodicJudgmentToolErrorPropagates(t *testing.T) {
	inv := &fakeInvoker{err: agent.Transient("tool down", nil)}
	r := New(inv, testLogger(), 5)
	_, err := r.Evaluate(context.Background(), Input{StepIndex: 5})
	require.Error(t, err)
}
