package metrics

import (
	"testing"

	"go.opentelemetry.io/otel/sdk/metric"

	"github.com/stretchr/testify/require"
)

func TestDisabledMetricsAreNoOps(t *testing.T) {
	m := New(nil, false)
	require.NotPanics(t, func() {
		m.TaskCreated("pending")
		m.RecordTokens("grounding", 10, 5)
		m.RecordCost("grounding", 0.01, "usd")
		m.TaskStarted()
		m.TaskFinished()
		m.SetUtilization(0.5)
		m.ObserveTaskExecutionDuration(12.3)
		m.ObserveTaskSteps(4)
		m.Error("CancelTask", "not_found")
	})
}

func TestEnabledMetricsRecordAgainstRealMeter(t *testing.T) {
	provider := metric.NewMeterProvider()
	meter := provider.Meter("agentcore-test")
	m := New(meter, true)
	require.NotPanics(t, func() {
		m.TaskCreated("completed")
		m.GRPCRequest("RunAgentInstruction")
		m.SandboxCreated("vm")
		m.StreamOpened("RunAgentInstruction")
		m.StreamClosed("RunAgentInstruction")
		m.ObserveGRPCRequestDuration("QueryTaskStatus", 0.02)
		m.ObserveQueueWaitDuration(1.2)
		m.ObserveTaskLatency(30.0)
		m.SetUptime(100.0)
	})
}
