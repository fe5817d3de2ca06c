package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Span names for the cognitive pipeline and background workers.
const (
	SpanPipelineRun    = "pipeline.run"
	SpanToolSelect     = "pipeline.tool_select"
	SpanThinking       = "pipeline.thinking"
	SpanControl        = "pipeline.control"
	SpanOutput         = "pipeline.output"
	SpanContextBuild   = "context.build"
	SpanToolExecution  = "tool.execute"
	SpanLLMRequest     = "llm.request"
	SpanDigestCycle    = "digest.cycle"
	SpanGraphHygiene   = "graph.hygiene"
	SpanSkillCreate    = "skill.create"
	SpanEmbeddingRoute = "embedding.route"
)

// Common attribute keys.
const (
	AttrConversationID  = "conversation.id"
	AttrLLMModel        = "llm.model"
	AttrLLMTokensInput  = "llm.tokens.input"
	AttrLLMTokensOutput = "llm.tokens.output"
	AttrContextMode     = "context.mode"
	AttrContextChars    = "context.chars"
	AttrToolName        = "tool.name"
)

// TracerConfig controls span collection. Spans stay in-process; the
// Prometheus metrics endpoint is the primary observability surface.
type TracerConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
}

// InitTracing registers a global tracer provider. When disabled, the otel
// default noop provider stays in place.
func InitTracing(ctx context.Context, cfg TracerConfig) (*sdktrace.TracerProvider, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "hausgeist"
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to build tracing resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(sdktrace.WithResource(res))
	otel.SetTracerProvider(tp)
	return tp, nil
}

// GetTracer returns a tracer from the globally registered provider. The
// provider is a noop until the SDK is initialized, so call sites never
// need nil checks.
func GetTracer(name string) trace.Tracer {
	return otel.Tracer(name)
}
