package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/hausgeist/hausgeist/pkg/llms"
	"github.com/hausgeist/hausgeist/pkg/observability"
	"github.com/hausgeist/hausgeist/pkg/protocol"
	"github.com/hausgeist/hausgeist/pkg/skills"
)

// ControlSource tags decisions issued by the control layer itself.
// Skill-mutating requests carry the skill authority's source instead,
// because the executor later verifies that provenance.
const ControlSource = "control_layer"

// sequentialThreshold is the plan complexity at which the critic runs
// full sequential reasoning instead of a single pass.
const sequentialThreshold = 7

// Fixed parsing contract for sequential reasoning output. The step
// regex is part of the stream protocol; clients render steps from it.
var (
	stepPattern    = regexp.MustCompile(`(?m)^## Step (\d+): (.+)$`)
	verdictPattern = regexp.MustCompile(`(?m)^Ergebnis:\s*(approve|warn|block)\s*$`)

	skillIntentPattern = regexp.MustCompile(`(?i)\b(skill (erstellen|anlegen|bauen)|create (a |new )?skill|new skill)\b`)
	codeBlockPattern   = regexp.MustCompile("(?s)```(?:[a-z]+\n)?(.*?)```")
)

// Controller is the control layer: a critic over the plan. It runs the
// keyword pre-filter first, consults the skill authority's validator for
// skill-mutating intents, and reasons sequentially over complex plans.
type Controller struct {
	llm       llms.Provider
	validator *skills.Validator
}

func NewController(llm llms.Provider) *Controller {
	return &Controller{llm: llm, validator: skills.NewValidator()}
}

const sequentialPrompt = `Du bist die Kontrollschicht eines Assistenten. Prüfe den Plan Schritt für Schritt auf Risiken: Halluzination, unnötige Werkzeugnutzung, Seiteneffekte.

Gib jede Überlegung als eigene Zeile im Format "## Step N: ..." aus.
Schließe mit genau einer Zeile "Ergebnis: approve", "Ergebnis: warn" oder "Ergebnis: block" ab.

Plan: %s
Anfrage: %s`

// Decide produces the control decision for one plan. Stream events for
// sequential reasoning go through emit; callers running sync pass a
// collector instead.
func (c *Controller) Decide(ctx context.Context, plan *protocol.Plan, query string, emit func(protocol.StreamEvent)) *protocol.ControlDecision {
	tracer := observability.GetTracer("hausgeist.pipeline")
	ctx, span := tracer.Start(ctx, observability.SpanControl)
	defer span.End()

	start := time.Now()
	decision := c.decide(ctx, plan, query, emit)
	observability.GetGlobalMetrics().RecordPipelineStage(ctx, "control", time.Since(start), nil)
	return decision
}

func (c *Controller) decide(ctx context.Context, plan *protocol.Plan, query string, emit func(protocol.StreamEvent)) *protocol.ControlDecision {
	// Pattern check always runs before any authority or model consult.
	if blocked, keyword := skills.PatternBlocked(query); blocked {
		return &protocol.ControlDecision{
			Action:  protocol.ActionBlock,
			Passed:  false,
			Source:  ControlSource,
			Reasons: []string{fmt.Sprintf("blocked keyword: %s", keyword)},
		}
	}

	if skillIntentPattern.MatchString(query) || skillIntentPattern.MatchString(plan.Intent) {
		return c.validator.Validate(&protocol.SkillCreateRequest{
			Name:     plan.Intent,
			Code:     extractCode(query),
			Language: "python",
		})
	}

	// Low risk without side effects needs no deep reasoning.
	if plan.HallucinationRisk == protocol.RiskLow && !plan.NeedsContainer {
		return &protocol.ControlDecision{
			Action:  protocol.ActionApprove,
			Passed:  true,
			Source:  ControlSource,
			Reasons: []string{"low risk, no side effects"},
		}
	}

	if plan.Complexity >= sequentialThreshold || plan.HallucinationRisk == protocol.RiskHigh {
		return c.sequential(ctx, plan, query, emit)
	}

	return &protocol.ControlDecision{
		Action:  protocol.ActionApprove,
		Passed:  true,
		Source:  ControlSource,
		Reasons: []string{"within complexity bounds"},
	}
}

// sequential streams the critic's step-by-step reasoning and derives the
// decision from the final verdict line.
func (c *Controller) sequential(ctx context.Context, plan *protocol.Plan, query string, emit func(protocol.StreamEvent)) *protocol.ControlDecision {
	emit(protocol.StreamEvent{Type: protocol.EventSequentialStart})

	prompt := fmt.Sprintf(sequentialPrompt, plan.Intent, query)
	text := c.streamReasoning(ctx, prompt, emit)

	steps := stepPattern.FindAllStringSubmatch(text, -1)
	for _, step := range steps {
		emit(protocol.StreamEvent{
			Type: protocol.EventSequentialStep,
			Text: step[2],
			Data: map[string]any{"step": step[1]},
		})
	}
	emit(protocol.StreamEvent{Type: protocol.EventSequentialDone, Data: map[string]any{"steps": len(steps)}})

	action := protocol.ActionWarn
	reason := "no verdict from sequential reasoning"
	if m := verdictPattern.FindStringSubmatch(text); m != nil {
		action = protocol.ControlAction(m[1])
		reason = fmt.Sprintf("sequential reasoning over %d steps", len(steps))
	} else {
		slog.Warn("Sequential reasoning produced no verdict line", "steps", len(steps))
	}

	return &protocol.ControlDecision{
		Action:  action,
		Passed:  action != protocol.ActionBlock,
		Source:  ControlSource,
		Reasons: []string{reason},
	}
}

// streamReasoning runs the critic model, forwarding tokens as
// seq_thinking_stream events, and returns the accumulated text.
func (c *Controller) streamReasoning(ctx context.Context, prompt string, emit func(protocol.StreamEvent)) string {
	messages := []llms.ChatMessage{{Role: protocol.RoleUser, Content: prompt}}

	ch, err := c.llm.GenerateStreaming(ctx, messages, nil)
	if err != nil {
		slog.Warn("Sequential reasoning stream failed to start", "error", err)
		text, _, _, genErr := c.llm.Generate(ctx, messages, nil)
		if genErr != nil {
			return ""
		}
		emit(protocol.StreamEvent{Type: protocol.EventSeqThinkingStream, Text: text})
		emit(protocol.StreamEvent{Type: protocol.EventSeqThinkingDone})
		return text
	}

	var sb strings.Builder
	for chunk := range ch {
		if chunk.Type == "text" || chunk.Type == "thinking" {
			sb.WriteString(chunk.Text)
			emit(protocol.StreamEvent{Type: protocol.EventSeqThinkingStream, Text: chunk.Text})
		}
	}
	emit(protocol.StreamEvent{Type: protocol.EventSeqThinkingDone})
	return sb.String()
}

// extractCode pulls fenced code out of a request, falling back to the
// raw text so the validator always has something to inspect.
func extractCode(query string) string {
	if m := codeBlockPattern.FindStringSubmatch(query); m != nil {
		return strings.TrimSpace(m[1])
	}
	return query
}
