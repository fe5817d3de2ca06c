// Package observability carries the telemetry surface shared by the
// pipeline, the digest worker and the embedding router: OpenTelemetry
// metrics with a Prometheus exporter, a tracer, and a typed in-process
// event bus.
package observability

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	globalMetrics Metrics
	metricsMu     sync.RWMutex
)

// Metrics is the recording interface. All counters accumulate
// monotonically; histograms record seconds.
type Metrics interface {
	RecordPipelineStage(ctx context.Context, stage string, duration time.Duration, err error)
	RecordToolExecution(ctx context.Context, tool string, duration time.Duration, err error)
	RecordLLMCall(ctx context.Context, model string, duration time.Duration, inputTokens, outputTokens int, err error)
	RecordContextBuild(ctx context.Context, mode string, chars int, duration time.Duration)
	RecordDigestCycle(ctx context.Context, cycle string, written, skipped int)
	RecordRoutingFallback(ctx context.Context, from, to string)
	RecordRoutingTargetError(ctx context.Context, target string)
	RecordEmbeddingLatency(ctx context.Context, target string, duration time.Duration)
}

// PrometheusMetrics implements Metrics on otel instruments.
type PrometheusMetrics struct {
	stageDuration    metric.Float64Histogram
	stageCallsTotal  metric.Int64Counter
	stageErrorsTotal metric.Int64Counter

	toolDuration    metric.Float64Histogram
	toolCallsTotal  metric.Int64Counter
	toolErrorsTotal metric.Int64Counter

	llmDuration     metric.Float64Histogram
	llmInputTokens  metric.Int64Counter
	llmOutputTokens metric.Int64Counter
	llmErrorsTotal  metric.Int64Counter

	contextChars    metric.Int64Counter
	contextDuration metric.Float64Histogram

	digestWritten metric.Int64Counter
	digestSkipped metric.Int64Counter

	routingFallbackTotal     metric.Int64Counter
	routingTargetErrorsTotal metric.Int64Counter
	embeddingLatencyByTarget metric.Float64Histogram
}

func (m *PrometheusMetrics) RecordPipelineStage(ctx context.Context, stage string, duration time.Duration, err error) {
	if m == nil || m.stageDuration == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("stage", stage))
	m.stageDuration.Record(ctx, duration.Seconds(), attrs)
	m.stageCallsTotal.Add(ctx, 1, attrs)
	if err != nil {
		m.stageErrorsTotal.Add(ctx, 1, attrs)
	}
}

func (m *PrometheusMetrics) RecordToolExecution(ctx context.Context, tool string, duration time.Duration, err error) {
	if m == nil || m.toolDuration == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("tool", tool))
	m.toolDuration.Record(ctx, duration.Seconds(), attrs)
	m.toolCallsTotal.Add(ctx, 1, attrs)
	if err != nil {
		m.toolErrorsTotal.Add(ctx, 1, attrs)
	}
}

func (m *PrometheusMetrics) RecordLLMCall(ctx context.Context, model string, duration time.Duration, inputTokens, outputTokens int, err error) {
	if m == nil || m.llmDuration == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("model", model))
	m.llmDuration.Record(ctx, duration.Seconds(), attrs)
	m.llmInputTokens.Add(ctx, int64(inputTokens), attrs)
	m.llmOutputTokens.Add(ctx, int64(outputTokens), attrs)
	if err != nil {
		m.llmErrorsTotal.Add(ctx, 1, attrs)
	}
}

func (m *PrometheusMetrics) RecordContextBuild(ctx context.Context, mode string, chars int, duration time.Duration) {
	if m == nil || m.contextDuration == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("mode", mode))
	m.contextDuration.Record(ctx, duration.Seconds(), attrs)
	m.contextChars.Add(ctx, int64(chars), attrs)
}

func (m *PrometheusMetrics) RecordDigestCycle(ctx context.Context, cycle string, written, skipped int) {
	if m == nil || m.digestWritten == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("cycle", cycle))
	m.digestWritten.Add(ctx, int64(written), attrs)
	m.digestSkipped.Add(ctx, int64(skipped), attrs)
}

func (m *PrometheusMetrics) RecordRoutingFallback(ctx context.Context, from, to string) {
	if m == nil || m.routingFallbackTotal == nil {
		return
	}
	m.routingFallbackTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

func (m *PrometheusMetrics) RecordRoutingTargetError(ctx context.Context, target string) {
	if m == nil || m.routingTargetErrorsTotal == nil {
		return
	}
	m.routingTargetErrorsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("target", target)))
}

func (m *PrometheusMetrics) RecordEmbeddingLatency(ctx context.Context, target string, duration time.Duration) {
	if m == nil || m.embeddingLatencyByTarget == nil {
		return
	}
	m.embeddingLatencyByTarget.Record(ctx, duration.Seconds(), metric.WithAttributes(attribute.String("target", target)))
}

// SetGlobalMetrics installs the process-wide recorder.
func SetGlobalMetrics(m Metrics) {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	globalMetrics = m
}

// GetGlobalMetrics returns the process-wide recorder, or a noop when
// metrics were never initialized.
func GetGlobalMetrics() Metrics {
	metricsMu.RLock()
	defer metricsMu.RUnlock()
	if globalMetrics == nil {
		return NoopMetrics{}
	}
	return globalMetrics
}
