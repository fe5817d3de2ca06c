package pipeline

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/hausgeist/hausgeist/pkg/llms"
	"github.com/hausgeist/hausgeist/pkg/observability"
	"github.com/hausgeist/hausgeist/pkg/protocol"
	"github.com/hausgeist/hausgeist/pkg/tools"
)

// codeIntentPattern switches the output stage to the code model.
var codeIntentPattern = regexp.MustCompile(`(?i)\b(code|script|programm|funktion schreiben|implement|refactor|debug)\b`)

// OutputStage generates the final answer, executing the tool loop along
// the way. It never runs before the control layer has permitted the
// request.
type OutputStage struct {
	models       *llms.Registry
	tools        *tools.Registry
	hub          *tools.Hub
	maxToolLoops atomic.Int32
}

func NewOutputStage(models *llms.Registry, registry *tools.Registry, hub *tools.Hub, maxToolLoops int) *OutputStage {
	s := &OutputStage{models: models, tools: registry, hub: hub}
	s.setMaxToolLoops(maxToolLoops)
	return s
}

// setMaxToolLoops updates the loop budget; a running loop keeps the
// budget it started with.
func (o *OutputStage) setMaxToolLoops(n int) {
	if n <= 0 {
		n = 6
	}
	o.maxToolLoops.Store(int32(n))
}

// Result is what one output run produced. Streamed reports whether the
// answer already went out as content events.
type Result struct {
	Text          string
	ToolCalls     []*protocol.ToolCall
	CodeModelUsed bool
	Streamed      bool
}

// permitted mirrors the fail-closed decision semantics regardless of
// which authority issued the decision.
func permitted(decision *protocol.ControlDecision) bool {
	if decision == nil || !decision.Passed {
		return false
	}
	return decision.Action == protocol.ActionApprove || decision.Action == protocol.ActionWarn
}

// Run drives generation plus the tool loop. Executed tool calls are
// reported through onTool in execution order so the orchestrator can
// persist them as they happen.
func (o *OutputStage) Run(ctx context.Context, plan *protocol.Plan, decision *protocol.ControlDecision, contextText string, req *protocol.Request, selected []string, emit func(protocol.StreamEvent), onTool func(*protocol.ToolCall)) (*Result, error) {
	tracer := observability.GetTracer("hausgeist.pipeline")
	ctx, span := tracer.Start(ctx, observability.SpanOutput)
	defer span.End()

	start := time.Now()
	result, err := o.run(ctx, plan, decision, contextText, req, selected, emit, onTool)
	observability.GetGlobalMetrics().RecordPipelineStage(ctx, "output", time.Since(start), err)
	return result, err
}

func (o *OutputStage) run(ctx context.Context, plan *protocol.Plan, decision *protocol.ControlDecision, contextText string, req *protocol.Request, selected []string, emit func(protocol.StreamEvent), onTool func(*protocol.ToolCall)) (*Result, error) {
	if !permitted(decision) {
		return nil, fmt.Errorf("control decision does not permit execution")
	}

	result := &Result{}
	query := req.LastUserMessage()
	role := llms.RoleMain
	if codeIntentPattern.MatchString(query) || codeIntentPattern.MatchString(plan.Intent) {
		role = llms.RoleCode
		result.CodeModelUsed = true
	}
	provider, err := o.models.ForRole(role)
	if err != nil {
		return nil, err
	}

	messages := make([]llms.ChatMessage, 0, len(req.Messages)+1)
	messages = append(messages, llms.ChatMessage{Role: protocol.RoleSystem, Content: contextText})
	messages = append(messages, llms.FromMessages(req.Messages)...)

	var defs []llms.ToolDefinition
	if len(selected) > 0 {
		defs = o.tools.Definitions(selected...)
	}

	containerOpen := false
	panelOpen := false
	var answer strings.Builder
	budget := int(o.maxToolLoops.Load())
	for loop := 0; loop < budget; loop++ {
		text, calls, err := o.streamTurn(ctx, provider, messages, defs, emit, result)
		if err != nil {
			return nil, err
		}
		answer.WriteString(text)
		if len(calls) == 0 {
			if containerOpen {
				emit(protocol.StreamEvent{Type: protocol.EventContainerDone})
			}
			result.Text = answer.String()
			return result, nil
		}

		messages = append(messages, llms.ChatMessage{Role: protocol.RoleAssistant, Content: text, ToolCalls: calls})
		for _, call := range calls {
			if call.ID == "" {
				call.ID = uuid.NewString()
			}
			if plan.NeedsContainer && !containerOpen {
				emit(protocol.StreamEvent{
					Type: protocol.EventContainerStart,
					Data: map[string]any{"container_name": plan.ContainerName},
				})
				containerOpen = true
			}

			executed := o.hub.Call(ctx, call)
			result.ToolCalls = append(result.ToolCalls, executed)
			if onTool != nil {
				onTool(executed)
			}

			if !panelOpen {
				emit(protocol.StreamEvent{
					Type: protocol.EventPanelCreateTab,
					Data: map[string]any{"tool_name": executed.ToolName},
				})
				panelOpen = true
			}
			emit(protocol.StreamEvent{
				Type: protocol.EventPanelUpdate,
				Data: map[string]any{
					"tool_name": executed.ToolName,
					"status":    string(executed.Status),
				},
			})

			content := executed.Result
			if executed.Status == protocol.ToolCallError {
				content = "Fehler: " + executed.Error
			}
			messages = append(messages, llms.ChatMessage{
				Role:       protocol.RoleTool,
				Content:    content,
				ToolName:   executed.ToolName,
				ToolCallID: executed.ID,
			})
		}
	}

	// Loop budget exhausted: one last pass without tools forces prose.
	text, _, err := o.streamTurn(ctx, provider, messages, nil, emit, result)
	if err != nil {
		return nil, err
	}
	answer.WriteString(text)
	if containerOpen {
		emit(protocol.StreamEvent{Type: protocol.EventContainerDone})
	}
	result.Text = answer.String()
	return result, nil
}

// streamTurn runs one model turn over the streaming API. Text chunks go
// out as content events the moment they arrive, so a cancel stops token
// delivery at a chunk boundary; tool calls are collected for the loop.
func (o *OutputStage) streamTurn(ctx context.Context, provider llms.Provider, messages []llms.ChatMessage, defs []llms.ToolDefinition, emit func(protocol.StreamEvent), result *Result) (string, []*protocol.ToolCall, error) {
	ch, err := provider.GenerateStreaming(ctx, messages, defs)
	if err != nil {
		return "", nil, err
	}

	var text strings.Builder
	var calls []*protocol.ToolCall
	for chunk := range ch {
		switch chunk.Type {
		case "text":
			if chunk.Text == "" {
				continue
			}
			text.WriteString(chunk.Text)
			emit(protocol.StreamEvent{Type: protocol.EventContent, Text: chunk.Text})
			result.Streamed = true
		case "tool_call":
			calls = append(calls, chunk.ToolCall)
		case "error":
			return "", nil, chunk.Error
		}
	}
	if err := ctx.Err(); err != nil {
		return "", nil, err
	}
	return text.String(), calls, nil
}
