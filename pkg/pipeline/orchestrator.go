// Package pipeline drives one user request through the four-layer
// cognitive pipeline: tool selection, thinking, control, output. The
// orchestrator owns stream event ordering and workspace persistence;
// the sync path is a materialization of the stream path, so both always
// produce the same final text from the same request.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/hausgeist/hausgeist/pkg/config"
	"github.com/hausgeist/hausgeist/pkg/contextengine"
	"github.com/hausgeist/hausgeist/pkg/llms"
	"github.com/hausgeist/hausgeist/pkg/memory"
	"github.com/hausgeist/hausgeist/pkg/observability"
	"github.com/hausgeist/hausgeist/pkg/protocol"
	"github.com/hausgeist/hausgeist/pkg/tools"
)

// Workspace entry types the orchestrator writes, in request order.
const (
	entryUserMessage    = "user_message"
	entryToolResult     = "tool_result"
	entryFinalAssistant = "final_assistant"
)

// ContextBuilder is the single entry point for prompt assembly.
type ContextBuilder interface {
	BuildEffectiveContext(ctx context.Context, in contextengine.Input) (string, *contextengine.Trace)
}

// ToolSelector narrows the tool catalog for one query.
type ToolSelector interface {
	Select(ctx context.Context, query string) []string
}

// FinalResponse is the sync-path result of one request.
type FinalResponse struct {
	Content        string   `json:"content"`
	Model          string   `json:"model"`
	ContextSources []string `json:"context_sources,omitempty"`
	CodeModelUsed  bool     `json:"code_model_used,omitempty"`
	DurationMs     int64    `json:"duration_ms"`
}

// Orchestrator sequences the pipeline stages for one request at a time.
type Orchestrator struct {
	builder   ContextBuilder
	selector  ToolSelector
	tools     *tools.Registry
	models    *llms.Registry
	planner   *Planner
	control   *Controller
	output    *OutputStage
	workspace memory.WorkspaceStore

	stageTimeout atomic.Int64
}

func NewOrchestrator(cfg *config.Config, builder ContextBuilder, selector ToolSelector, registry *tools.Registry, hub *tools.Hub, models *llms.Registry, workspace memory.WorkspaceStore) (*Orchestrator, error) {
	small, err := models.ForRole(llms.RoleSmall)
	if err != nil {
		return nil, err
	}
	o := &Orchestrator{
		builder:   builder,
		selector:  selector,
		tools:     registry,
		models:    models,
		planner:   NewPlanner(small),
		control:   NewController(small),
		output:    NewOutputStage(models, registry, hub, cfg.Pipeline.MaxToolLoops),
		workspace: workspace,
	}
	o.stageTimeout.Store(int64(cfg.Pipeline.StageTimeout))
	return o, nil
}

// ApplySettings takes over the reloadable pipeline tunables from a new
// config. Safe while requests are running; in-flight stages keep the
// values they started with.
func (o *Orchestrator) ApplySettings(p config.PipelineConfig) {
	o.stageTimeout.Store(int64(p.StageTimeout))
	o.output.setMaxToolLoops(p.MaxToolLoops)
}

// ProcessStream runs the request asynchronously. The returned channel
// carries the totally ordered event stream and closes after the done or
// final error event.
func (o *Orchestrator) ProcessStream(ctx context.Context, req *protocol.Request) (<-chan protocol.StreamEvent, error) {
	if req == nil || req.LastUserMessage() == "" {
		return nil, fmt.Errorf("request requires a user message")
	}

	ch := make(chan protocol.StreamEvent, 64)
	go func() {
		defer close(ch)
		emit := func(ev protocol.StreamEvent) {
			select {
			case ch <- ev:
			case <-ctx.Done():
			}
		}
		o.run(ctx, req, emit)
	}()
	return ch, nil
}

// Process runs the request synchronously by materializing the stream:
// content events concatenate into the final text, so the sync and stream
// paths cannot diverge.
func (o *Orchestrator) Process(ctx context.Context, req *protocol.Request) (*FinalResponse, error) {
	ch, err := o.ProcessStream(ctx, req)
	if err != nil {
		return nil, err
	}

	resp := &FinalResponse{}
	var content strings.Builder
	for ev := range ch {
		switch ev.Type {
		case protocol.EventContent:
			content.WriteString(ev.Text)
		case protocol.EventError:
			content.Reset()
			content.WriteString(ev.Text)
		case protocol.EventDone:
			if model, ok := ev.Data["model"].(string); ok {
				resp.Model = model
			}
			if sources, ok := ev.Data["context_sources"].([]string); ok {
				resp.ContextSources = sources
			}
			if used, ok := ev.Data["code_model_used"].(bool); ok {
				resp.CodeModelUsed = used
			}
			if ms, ok := ev.Data["duration_ms"].(int64); ok {
				resp.DurationMs = ms
			}
		}
	}
	resp.Content = content.String()
	return resp, nil
}

func (o *Orchestrator) run(ctx context.Context, req *protocol.Request, emit func(protocol.StreamEvent)) {
	tracer := observability.GetTracer("hausgeist.pipeline")
	ctx, span := tracer.Start(ctx, observability.SpanPipelineRun,
		trace.WithAttributes(attribute.String(observability.AttrConversationID, req.ConversationID)))
	defer span.End()

	start := time.Now()
	query := req.LastUserMessage()

	o.persist(ctx, req.ConversationID, entryUserMessage, map[string]any{"text": query})

	// Tool selection and the single context build.
	trigger := DetectTrigger(query)
	var selected []string
	if o.selector != nil {
		selected = o.selector.Select(ctx, query)
	}
	summaries := make([]contextengine.ToolSummary, 0, len(selected))
	for _, name := range selected {
		if tool, ok := o.tools.Get(name); ok {
			summaries = append(summaries, contextengine.ToolSummary{Name: tool.Name, Description: tool.Description})
		}
	}
	contextText, contextTrace := o.builder.BuildEffectiveContext(ctx, contextengine.Input{
		Request:       req,
		Trigger:       trigger,
		Mode:          protocol.ModeFull,
		SelectedTools: summaries,
	})

	// Thinking.
	stageCtx, cancel := o.stageContext(ctx)
	plan, reasoning := o.planner.Plan(stageCtx, query, contextText)
	timedOut := stageCtx.Err() == context.DeadlineExceeded
	cancel()
	if timedOut {
		o.fail(ctx, req, emit, "timeout", "Zeitüberschreitung in der Planungsschicht")
		return
	}
	if reasoning != "" {
		emit(protocol.StreamEvent{Type: protocol.EventThinkingStream, Text: reasoning})
	}
	emit(protocol.StreamEvent{Type: protocol.EventThinkingDone, Data: map[string]any{
		"intent":     plan.Intent,
		"complexity": plan.Complexity,
		"risk":       string(plan.HallucinationRisk),
	}})

	// Control.
	stageCtx, cancel = o.stageContext(ctx)
	decision := o.control.Decide(stageCtx, plan, query, emit)
	timedOut = stageCtx.Err() == context.DeadlineExceeded
	cancel()
	if timedOut {
		o.fail(ctx, req, emit, "timeout", "Zeitüberschreitung in der Kontrollschicht")
		return
	}
	emit(protocol.StreamEvent{Type: protocol.EventControl, Data: map[string]any{
		"action":  string(decision.Action),
		"passed":  decision.Passed,
		"source":  decision.Source,
		"reasons": decision.Reasons,
	}})

	if !permitted(decision) {
		reason := "Anfrage blockiert"
		if len(decision.Reasons) > 0 {
			reason = strings.Join(decision.Reasons, "; ")
		}
		o.finish(ctx, req, emit, "❌ Fehler: "+reason, contextTrace, false, false, start)
		return
	}

	// Output with the tool loop. Tool results persist as they execute so
	// the workspace order is user_message, tool results, final answer.
	stageCtx, cancel = o.stageContext(ctx)
	result, err := o.output.Run(stageCtx, plan, decision, contextText, req, selected, emit, func(call *protocol.ToolCall) {
		o.persist(ctx, req.ConversationID, entryToolResult, map[string]any{
			"tool_name": call.ToolName,
			"status":    string(call.Status),
			"result":    call.Result,
			"error":     call.Error,
		})
	})
	timedOut = stageCtx.Err() == context.DeadlineExceeded
	cancel()
	if err != nil {
		code := "output_failed"
		if timedOut {
			code = "timeout"
		}
		o.fail(ctx, req, emit, code, err.Error())
		return
	}

	o.finish(ctx, req, emit, result.Text, contextTrace, result.CodeModelUsed, result.Streamed, start)
}

// finish persists the final answer and emits the closing events shared
// by the success and policy-block paths. When the output stage already
// streamed the answer as content events, only the closing events go out;
// the persisted text equals the stream concatenation either way.
func (o *Orchestrator) finish(ctx context.Context, req *protocol.Request, emit func(protocol.StreamEvent), text string, contextTrace *contextengine.Trace, codeModelUsed, streamed bool, start time.Time) {
	o.persist(ctx, req.ConversationID, entryFinalAssistant, map[string]any{"text": text})
	emit(protocol.StreamEvent{Type: protocol.EventMemory, Data: map[string]any{
		"conversation_id": req.ConversationID,
	}})
	if !streamed {
		emit(protocol.StreamEvent{Type: protocol.EventContent, Text: text})
	}

	duration := time.Since(start)
	emit(protocol.StreamEvent{Type: protocol.EventDone, Data: map[string]any{
		"model":           o.modelName(req),
		"context_sources": contextTrace.ContextSources,
		"code_model_used": codeModelUsed,
		"duration_ms":     duration.Milliseconds(),
	}})

	observability.GetBus().Emit(observability.KindPipeline, "request_finished", map[string]any{
		"conversation_id": req.ConversationID,
		"duration_ms":     duration.Milliseconds(),
		"code_model_used": codeModelUsed,
	})
}

// fail emits the terminal error event. No content event follows; the
// sync path surfaces the error text as the final answer.
func (o *Orchestrator) fail(ctx context.Context, req *protocol.Request, emit func(protocol.StreamEvent), code, reason string) {
	text := "❌ Fehler: " + reason
	o.persist(ctx, req.ConversationID, entryFinalAssistant, map[string]any{"text": text, "error_code": code})
	emit(protocol.StreamEvent{Type: protocol.EventError, Text: text, Code: code})
	slog.Error("Pipeline run failed", "conversation_id", req.ConversationID, "code", code, "reason", reason)
}

func (o *Orchestrator) stageContext(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := time.Duration(o.stageTimeout.Load())
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}

func (o *Orchestrator) persist(ctx context.Context, conversationID, entryType string, content map[string]any) {
	err := o.workspace.Append(ctx, &protocol.WorkspaceEntry{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		EntryType:      entryType,
		SourceLayer:    "orchestrator",
		Content:        content,
		Source:         protocol.WorkspaceSourceEvent,
		CreatedAt:      time.Now().UTC(),
	})
	if err != nil {
		slog.Warn("Workspace write failed", "entry_type", entryType, "error", err)
	}
}

func (o *Orchestrator) modelName(req *protocol.Request) string {
	if req.Model != "" {
		return req.Model
	}
	if provider, err := o.models.ForRole(llms.RoleMain); err == nil {
		return provider.ModelName()
	}
	return ""
}
