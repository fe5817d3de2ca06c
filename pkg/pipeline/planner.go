package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/invopop/jsonschema"

	"github.com/hausgeist/hausgeist/pkg/llms"
	"github.com/hausgeist/hausgeist/pkg/observability"
	"github.com/hausgeist/hausgeist/pkg/protocol"
)

// Planner is the thinking layer. It produces a Plan and nothing else:
// no tool calls, no side effects. Malformed model output gets one retry,
// then the safe default plan.
type Planner struct {
	llm llms.Provider
}

func NewPlanner(llm llms.Provider) *Planner {
	return &Planner{llm: llm}
}

const plannerPrompt = `Du bist die Planungsschicht eines Assistenten. Analysiere die Anfrage und erstelle einen Plan als JSON.

Bewerte:
- intent: kurze Beschreibung der Absicht
- suggested_tools: Werkzeuge aus dem Katalog, die helfen würden
- needs_memory / needs_chat_history / needs_container: was die Antwort braucht
- complexity: 1 (trivial) bis 10 (mehrstufig)
- hallucination_risk: low, med oder high
- reasoning: ein Satz Begründung

Kontext:
%s

Anfrage: %s`

var planSchema = func() *jsonschema.Schema {
	r := jsonschema.Reflector{DoNotReference: true}
	return r.Reflect(&protocol.Plan{})
}()

// Plan runs the thinking layer once. The returned string is the model's
// raw reasoning text for the thinking stream events.
func (p *Planner) Plan(ctx context.Context, query, contextText string) (*protocol.Plan, string) {
	tracer := observability.GetTracer("hausgeist.pipeline")
	ctx, span := tracer.Start(ctx, observability.SpanThinking)
	defer span.End()

	start := time.Now()
	messages := []llms.ChatMessage{
		{Role: protocol.RoleUser, Content: fmt.Sprintf(plannerPrompt, contextText, query)},
	}
	structCfg := &llms.StructuredOutputConfig{Format: "json", Schema: planSchema}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		text, _, _, err := p.llm.GenerateStructured(ctx, messages, nil, structCfg)
		if err != nil {
			lastErr = err
			continue
		}
		plan, err := parsePlan(text)
		if err != nil {
			lastErr = err
			continue
		}
		observability.GetGlobalMetrics().RecordPipelineStage(ctx, "thinking", time.Since(start), nil)
		return plan, plan.Reasoning
	}

	slog.Warn("Planner output unusable, using default plan", "error", lastErr)
	observability.GetGlobalMetrics().RecordPipelineStage(ctx, "thinking", time.Since(start), lastErr)
	return protocol.DefaultPlan(), ""
}

// parsePlan extracts the plan JSON from model output, tolerating code
// fences and prose around the object.
func parsePlan(text string) (*protocol.Plan, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in planner output")
	}

	var plan protocol.Plan
	if err := json.Unmarshal([]byte(text[start:end+1]), &plan); err != nil {
		return nil, fmt.Errorf("failed to parse plan: %w", err)
	}

	if plan.Complexity < 1 {
		plan.Complexity = 1
	}
	if plan.Complexity > 10 {
		plan.Complexity = 10
	}
	switch plan.HallucinationRisk {
	case protocol.RiskLow, protocol.RiskMed, protocol.RiskHigh:
	default:
		plan.HallucinationRisk = protocol.RiskMed
	}
	return &plan, nil
}
