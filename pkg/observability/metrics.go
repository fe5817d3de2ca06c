package observability

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

type MetricsConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

func (c *MetricsConfig) SetDefaults() {
	if c.Endpoint == "" {
		c.Endpoint = "/metrics"
	}
}

// InitMetrics wires the otel meter provider to the Prometheus exporter
// and creates every instrument the platform records.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (*PrometheusMetrics, error) {
	if !cfg.Enabled {
		return &PrometheusMetrics{}, nil
	}

	promExporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(promExporter),
	)

	meter := meterProvider.Meter("hausgeist")

	m := &PrometheusMetrics{}

	if m.stageDuration, err = meter.Float64Histogram(
		"hausgeist_pipeline_stage_duration_seconds",
		metric.WithDescription("Pipeline stage duration in seconds"),
	); err != nil {
		return nil, fmt.Errorf("failed to create stage duration histogram: %w", err)
	}
	if m.stageCallsTotal, err = meter.Int64Counter(
		"hausgeist_pipeline_stage_calls_total",
		metric.WithDescription("Total pipeline stage executions"),
	); err != nil {
		return nil, fmt.Errorf("failed to create stage calls counter: %w", err)
	}
	if m.stageErrorsTotal, err = meter.Int64Counter(
		"hausgeist_pipeline_stage_errors_total",
		metric.WithDescription("Total pipeline stage errors"),
	); err != nil {
		return nil, fmt.Errorf("failed to create stage errors counter: %w", err)
	}

	if m.toolDuration, err = meter.Float64Histogram(
		"hausgeist_tool_execution_duration_seconds",
		metric.WithDescription("Tool execution duration in seconds"),
	); err != nil {
		return nil, fmt.Errorf("failed to create tool duration histogram: %w", err)
	}
	if m.toolCallsTotal, err = meter.Int64Counter(
		"hausgeist_tool_calls_total",
		metric.WithDescription("Total tool calls"),
	); err != nil {
		return nil, fmt.Errorf("failed to create tool calls counter: %w", err)
	}
	if m.toolErrorsTotal, err = meter.Int64Counter(
		"hausgeist_tool_errors_total",
		metric.WithDescription("Total tool errors"),
	); err != nil {
		return nil, fmt.Errorf("failed to create tool errors counter: %w", err)
	}

	if m.llmDuration, err = meter.Float64Histogram(
		"hausgeist_llm_request_duration_seconds",
		metric.WithDescription("LLM request duration in seconds"),
	); err != nil {
		return nil, fmt.Errorf("failed to create llm duration histogram: %w", err)
	}
	if m.llmInputTokens, err = meter.Int64Counter(
		"hausgeist_llm_tokens_input_total",
		metric.WithDescription("Total input tokens sent to the LLM"),
	); err != nil {
		return nil, fmt.Errorf("failed to create llm input tokens counter: %w", err)
	}
	if m.llmOutputTokens, err = meter.Int64Counter(
		"hausgeist_llm_tokens_output_total",
		metric.WithDescription("Total output tokens from the LLM"),
	); err != nil {
		return nil, fmt.Errorf("failed to create llm output tokens counter: %w", err)
	}
	if m.llmErrorsTotal, err = meter.Int64Counter(
		"hausgeist_llm_errors_total",
		metric.WithDescription("Total LLM errors"),
	); err != nil {
		return nil, fmt.Errorf("failed to create llm errors counter: %w", err)
	}

	if m.contextChars, err = meter.Int64Counter(
		"hausgeist_context_chars_total",
		metric.WithDescription("Total characters of assembled context"),
	); err != nil {
		return nil, fmt.Errorf("failed to create context chars counter: %w", err)
	}
	if m.contextDuration, err = meter.Float64Histogram(
		"hausgeist_context_build_duration_seconds",
		metric.WithDescription("Context assembly duration in seconds"),
	); err != nil {
		return nil, fmt.Errorf("failed to create context duration histogram: %w", err)
	}

	if m.digestWritten, err = meter.Int64Counter(
		"hausgeist_digest_written_total",
		metric.WithDescription("Total digest rows written"),
	); err != nil {
		return nil, fmt.Errorf("failed to create digest written counter: %w", err)
	}
	if m.digestSkipped, err = meter.Int64Counter(
		"hausgeist_digest_skipped_total",
		metric.WithDescription("Total digest cycles skipped"),
	); err != nil {
		return nil, fmt.Errorf("failed to create digest skipped counter: %w", err)
	}

	if m.routingFallbackTotal, err = meter.Int64Counter(
		"routing_fallback_total",
		metric.WithDescription("Embedding routing fallbacks by from/to target"),
	); err != nil {
		return nil, fmt.Errorf("failed to create routing fallback counter: %w", err)
	}
	if m.routingTargetErrorsTotal, err = meter.Int64Counter(
		"routing_target_errors_total",
		metric.WithDescription("Embedding routing hard errors by target"),
	); err != nil {
		return nil, fmt.Errorf("failed to create routing target errors counter: %w", err)
	}
	if m.embeddingLatencyByTarget, err = meter.Float64Histogram(
		"embedding_latency_by_target",
		metric.WithDescription("Embedding call latency by effective target"),
	); err != nil {
		return nil, fmt.Errorf("failed to create embedding latency histogram: %w", err)
	}

	return m, nil
}

// MetricsHandler serves the Prometheus scrape endpoint.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
