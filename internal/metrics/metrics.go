// Package metrics provides the counters, gauges and histograms recorded
// at task transitions and tool calls, built on the OpenTelemetry metrics
// API. Every method is a no-op when metrics are disabled, so callers
// never branch on whether metrics are on.
package metrics

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics is the process-wide metrics registry, constructed once at
// process start and injected into the Task Manager and Dispatcher;
// nothing reaches for a global.
type Metrics struct {
	meter metric.Meter

	createdTotal      metric.Int64Counter
	grpcRequestsTotal metric.Int64Counter
	tokensConsumed    metric.Int64Counter
	costTotal         metric.Float64Counter
	sandboxesCreated  metric.Int64Counter
	errorsTotal       metric.Int64Counter

	activeTasks   metric.Int64UpDownCounter
	activeStreams metric.Int64UpDownCounter
	utilization   metric.Float64Gauge
	uptimeSeconds metric.Float64Gauge

	taskExecutionDuration metric.Float64Histogram
	taskQueueWaitDuration metric.Float64Histogram
	grpcRequestDuration   metric.Float64Histogram
	taskSteps             metric.Int64Histogram
	taskLatency           metric.Float64Histogram

	mu sync.Mutex
}

// New builds a Metrics instance against meter. When enabled is false,
// meter is ignored and a no-op MeterProvider is used instead, so every
// recording call becomes a cheap no-op.
func New(meter metric.Meter, enabled bool) *Metrics {
	if !enabled {
		meter = noop.NewMeterProvider().Meter("agentcore")
	}
	m := &Metrics{meter: meter}
	m.mustInit()
	return m
}

func (m *Metrics) mustInit() {
	m.createdTotal, _ = m.meter.Int64Counter("created_total")
	m.grpcRequestsTotal, _ = m.meter.Int64Counter("grpc_requests_total")
	m.tokensConsumed, _ = m.meter.Int64Counter("tokens_consumed_total")
	m.costTotal, _ = m.meter.Float64Counter("cost_total")
	m.sandboxesCreated, _ = m.meter.Int64Counter("sandboxes_created_total")
	m.errorsTotal, _ = m.meter.Int64Counter("errors_total")

	m.activeTasks, _ = m.meter.Int64UpDownCounter("active_tasks")
	m.activeStreams, _ = m.meter.Int64UpDownCounter("active_streams")
	m.utilization, _ = m.meter.Float64Gauge("utilization")
	m.uptimeSeconds, _ = m.meter.Float64Gauge("uptime_seconds")

	m.taskExecutionDuration, _ = m.meter.Float64Histogram("task_execution_duration_seconds")
	m.taskQueueWaitDuration, _ = m.meter.Float64Histogram("task_queue_wait_duration_seconds")
	m.grpcRequestDuration, _ = m.meter.Float64Histogram("grpc_request_duration_seconds")
	m.taskSteps, _ = m.meter.Int64Histogram("task_steps")
	m.taskLatency, _ = m.meter.Float64Histogram("task_latency_seconds")
}

func (m *Metrics) TaskCreated(status string) {
	m.createdTotal.Add(context.Background(), 1, metric.WithAttributes(attribute.String("status", status)))
}

func (m *Metrics) GRPCRequest(method string) {
	m.grpcRequestsTotal.Add(context.Background(), 1, metric.WithAttributes(attribute.String("method", method)))
}

func (m *Metrics) RecordTokens(toolName string, inputTokens, outputTokens int64) {
	ctx := context.Background()
	m.tokensConsumed.Add(ctx, inputTokens, metric.WithAttributes(attribute.String("type", "input"), attribute.String("tool", toolName)))
	m.tokensConsumed.Add(ctx, outputTokens, metric.WithAttributes(attribute.String("type", "output"), attribute.String("tool", toolName)))
}

func (m *Metrics) RecordCost(toolName string, cost float64, currency string) {
	m.costTotal.Add(context.Background(), cost, metric.WithAttributes(attribute.String("currency", currency), attribute.String("tool", toolName)))
}

func (m *Metrics) SandboxCreated(backendKind string) {
	m.sandboxesCreated.Add(context.Background(), 1, metric.WithAttributes(attribute.String("type", backendKind)))
}

func (m *Metrics) Error(method, code string) {
	m.errorsTotal.Add(context.Background(), 1, metric.WithAttributes(attribute.String("method", method), attribute.String("code", code)))
}

func (m *Metrics) TaskStarted()   { m.activeTasks.Add(context.Background(), 1) }
func (m *Metrics) TaskFinished()  { m.activeTasks.Add(context.Background(), -1) }
func (m *Metrics) StreamOpened(method string) {
	m.activeStreams.Add(context.Background(), 1, metric.WithAttributes(attribute.String("method", method)))
}
func (m *Metrics) StreamClosed(method string) {
	m.activeStreams.Add(context.Background(), -1, metric.WithAttributes(attribute.String("method", method)))
}

func (m *Metrics) SetUtilization(fraction float64) {
	m.utilization.Record(context.Background(), fraction)
}

func (m *Metrics) SetUptime(seconds float64) {
	m.uptimeSeconds.Record(context.Background(), seconds)
}

func (m *Metrics) ObserveTaskExecutionDuration(seconds float64) {
	m.taskExecutionDuration.Record(context.Background(), seconds)
}

func (m *Metrics) ObserveQueueWaitDuration(seconds float64) {
	m.taskQueueWaitDuration.Record(context.Background(), seconds)
}

func (m *Metrics) ObserveGRPCRequestDuration(method string, seconds float64) {
	m.grpcRequestDuration.Record(context.Background(), seconds, metric.WithAttributes(attribute.String("method", method)))
}

func (m *Metrics) ObserveTaskSteps(steps int64) {
	m.taskSteps.Record(context.Background(), steps)
}

func (m *Metrics) ObserveTaskLatency(seconds float64) {
	m.taskLatency.Record(context.Background(), seconds)
}

