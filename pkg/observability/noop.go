package observability

import (
	"context"
	"time"
)

// NoopMetrics records nothing. Used when metrics are disabled and in tests.
type NoopMetrics struct{}

func (NoopMetrics) RecordPipelineStage(context.Context, string, time.Duration, error)     {}
func (NoopMetrics) RecordToolExecution(context.Context, string, time.Duration, error)     {}
func (NoopMetrics) RecordLLMCall(context.Context, string, time.Duration, int, int, error) {}
func (NoopMetrics) RecordContextBuild(context.Context, string, int, time.Duration)        {}
func (NoopMetrics) RecordDigestCycle(context.Context, string, int, int)                   {}
func (NoopMetrics) RecordRoutingFallback(context.Context, string, string)                 {}
func (NoopMetrics) RecordRoutingTargetError(context.Context, string)                      {}
func (NoopMetrics) RecordEmbeddingLatency(context.Context, string, time.Duration)         {}
