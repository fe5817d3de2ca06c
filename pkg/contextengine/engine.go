package contextengine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/hausgeist/hausgeist/pkg/config"
	"github.com/hausgeist/hausgeist/pkg/memory"
	"github.com/hausgeist/hausgeist/pkg/observability"
	"github.com/hausgeist/hausgeist/pkg/protocol"
)

// SkillsRenderer is the single channel through which the skills catalog
// reaches the prompt. Nothing else may inject skill descriptions.
type SkillsRenderer interface {
	RenderTypedState(ctx context.Context) (string, error)
	Hints(ctx context.Context) []string
}

// Engine composes the effective context. All sources are optional; a nil
// or failing source contributes nothing.
type Engine struct {
	cfg       *config.Config
	persona   *memory.PersonaLoader
	facts     memory.FactStore
	workspace memory.WorkspaceStore
	csv       *memory.CSVSource
	skills    SkillsRenderer
}

func NewEngine(cfg *config.Config, persona *memory.PersonaLoader, facts memory.FactStore, workspace memory.WorkspaceStore, csv *memory.CSVSource, skills SkillsRenderer) *Engine {
	return &Engine{
		cfg:       cfg,
		persona:   persona,
		facts:     facts,
		workspace: workspace,
		csv:       csv,
		skills:    skills,
	}
}

type section struct {
	name string
	text string
}

// Drop order when the assembled context exceeds the final cap. Whole
// sections go first; only the last survivor may be tail-truncated.
var dropOrder = []string{"history", "facts", "skills", "tools", "RULES", "NOW"}

// BuildEffectiveContext assembles the prompt context for one request and
// returns it with its trace. Never fails: missing sources degrade to
// empty contributions and rendering failures to a minimal NOW block.
func (e *Engine) BuildEffectiveContext(ctx context.Context, in Input) (string, *Trace) {
	startTime := time.Now()

	tracer := observability.GetTracer("hausgeist.context")
	ctx, span := tracer.Start(ctx, observability.SpanContextBuild)
	defer span.End()

	trace := &Trace{Mode: in.Mode}
	now := time.Now()

	factsTopK := e.cfg.Context.FactsTopK
	if factsTopK <= 0 {
		factsTopK = 5
	}
	maxTurns := e.cfg.Context.HistoryMaxTurns
	maxTokens := e.cfg.Context.HistoryMaxTokens
	observationBudget := 10
	if in.Mode == protocol.ModeSmallModel {
		factsTopK = (factsTopK + 1) / 2
		maxTurns = (maxTurns + 1) / 2
		observationBudget = 5
	}

	query := in.Request.LastUserMessage()

	// JIT observations first: they feed the NOW block.
	observations := e.loadJITObservations(in.Trigger, observationBudget)
	trace.RetrievalCount += len(observations)

	var relevant []item
	if in.Mode != protocol.ModeFailureCompact && e.facts != nil && query != "" {
		found, err := e.facts.Search(ctx, query, factsTopK)
		if err != nil {
			slog.Warn("Fact retrieval failed, continuing without", "error", err)
		} else {
			for _, f := range found {
				relevant = append(relevant, item{ID: f.ID, Content: f.Content, CreatedAt: f.CreatedAt})
			}
			trace.RetrievalCount += len(found)
		}
	}

	sections := e.assembleSections(ctx, in, now, observations, relevant, maxTurns, maxTokens, trace)

	prompt, included := e.applyCap(sections, trace)

	trace.ContextSources = included
	trace.ContextCharsFinal = len(prompt)

	span.SetAttributes(
		attribute.String(observability.AttrContextMode, string(in.Mode)),
		attribute.Int("context.chars_final", trace.ContextCharsFinal),
		attribute.Int("context.retrieval_count", trace.RetrievalCount),
	)
	observability.GetGlobalMetrics().RecordContextBuild(ctx, string(in.Mode), trace.ContextCharsFinal, time.Since(startTime))

	// One-line marker, identical on sync and stream paths.
	slog.Info("Context built",
		"mode", in.Mode,
		"sources", strings.Join(included, ","),
		"chars", trace.ContextCharsFinal,
		"retrieved", trace.RetrievalCount,
		"truncated", trace.Flags.Truncated,
	)

	return prompt, trace
}

func (e *Engine) assembleSections(ctx context.Context, in Input, now time.Time, observations, relevant []item, maxTurns, maxTokens int, trace *Trace) []section {
	compact := in.Mode == protocol.ModeFailureCompact

	var sections []section
	add := func(name, text string) {
		if text != "" {
			sections = append(sections, section{name: name, text: text})
		}
	}

	if e.persona != nil {
		add("persona", e.persona.Load())
	}

	// NOW facts are the freshest stored facts; the semantically relevant
	// set gets its own section further down.
	var nowFacts []item
	if len(relevant) > 0 {
		nowFacts = selectTop(relevant, 3)
	}
	add("NOW", renderNOW(now, nowFacts, selectTop(observations, 10)))

	if !compact {
		add("RULES", rulesBlock)
		trace.Flags.DetectionRulesUsed = true

		add("containers", renderContainers(e.activeContainers(ctx, now)))
		add("tools", renderTools(in.SelectedTools))

		if e.skills != nil {
			skillsText, err := e.skills.RenderTypedState(ctx)
			if err != nil {
				slog.Warn("Skills catalog rendering failed, continuing without", "error", err)
			} else if skillsText != "" {
				add("skills", skillsText)
				trace.Flags.SkillsPrefetchUsed = true
			}
		}

		add("facts", renderFacts(relevant))
	}

	history := boundHistory(in.Request.Messages, maxTurns, maxTokens)
	if compact && len(history) > 1 {
		history = history[len(history)-1:]
	}
	for _, m := range history {
		if m.Role == protocol.RoleAssistant && len(m.Content) > 2000 {
			trace.Flags.OutputReinjectionRisk = true
		}
	}
	add("history", renderHistory(history))

	if !compact && e.skills != nil {
		add("NEXT", renderNEXT(e.skills.Hints(ctx)))
	}

	return sections
}

// loadJITObservations loads CSV digest events gated by trigger. The
// window is fixed per trigger; everything outside it is filtered before
// load.
func (e *Engine) loadJITObservations(trigger protocol.Trigger, budget int) []item {
	if e.csv == nil {
		return nil
	}

	jitOnly := config.BoolValue(e.cfg.Context.CSVJITOnly, true)
	var window time.Duration
	switch trigger {
	case protocol.TriggerTimeReference:
		window = time.Duration(e.cfg.Context.JITWindowTimeReferenceH) * time.Hour
	case protocol.TriggerFactRecall:
		window = time.Duration(e.cfg.Context.JITWindowFactRecallH) * time.Hour
	case protocol.TriggerRemember:
		window = time.Duration(e.cfg.Context.JITWindowRememberH) * time.Hour
	default:
		if jitOnly {
			return nil
		}
		window = time.Duration(e.cfg.Context.JITWindowTimeReferenceH) * time.Hour
	}

	events, err := e.csv.LoadSince(window)
	if err != nil {
		slog.Warn("JIT event load failed, continuing without", "error", err)
		return nil
	}

	items := make([]item, 0, len(events))
	for i, ev := range events {
		items = append(items, item{
			ID:        fmt.Sprintf("csv-%d", i),
			ConvID:    ev.ConversationID,
			EventType: ev.EventType,
			Content:   ev.Content,
			CreatedAt: ev.Timestamp,
		})
	}

	items = normalize(items)
	crossConv := !config.BoolValue(e.cfg.Digest.DedupeIncludeConv, true)
	items = dedupe(items, 24*time.Hour, crossConv)
	items = correlate(items)
	return selectTop(items, budget)
}

// activeContainers derives today's running containers from workspace
// events: started minus stopped.
func (e *Engine) activeContainers(ctx context.Context, now time.Time) []string {
	if e.workspace == nil {
		return nil
	}
	events, err := e.workspace.ListEvents(ctx, 200)
	if err != nil {
		slog.Warn("Container lookup failed, continuing without", "error", err)
		return nil
	}

	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	running := make(map[string]bool)
	// ListEvents is newest-first; walk oldest-first so stop beats start.
	for i := len(events) - 1; i >= 0; i-- {
		ev := events[i]
		if ev.CreatedAt.Before(dayStart) {
			continue
		}
		name, _ := ev.EventData["container"].(string)
		if name == "" {
			continue
		}
		switch ev.EntryType {
		case "container_started":
			running[name] = true
		case "container_stopped":
			delete(running, name)
		}
	}

	var names []string
	for name := range running {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// applyCap enforces the final character cap by dropping whole sections
// in reverse priority order, then tail-truncating the survivor if it
// still does not fit.
func (e *Engine) applyCap(sections []section, trace *Trace) (string, []string) {
	finalCap := e.cfg.Context.FinalCap

	present := make(map[string]bool, len(sections))
	for _, s := range sections {
		present[s.name] = true
	}

	for _, victim := range dropOrder {
		if joinedLen(sections) <= finalCap {
			break
		}
		if !present[victim] {
			continue
		}
		if len(sections) == 1 {
			break
		}
		filtered := sections[:0:0]
		for _, s := range sections {
			if s.name != victim {
				filtered = append(filtered, s)
			}
		}
		sections = filtered
		delete(present, victim)
	}

	prompt := joinSections(sections)
	if len(prompt) > finalCap && finalCap > 0 {
		prompt = prompt[:finalCap]
		trace.Flags.Truncated = true
	}

	included := make([]string, 0, len(sections))
	for _, s := range sections {
		included = append(included, s.name)
	}
	return prompt, included
}

func joinSections(sections []section) string {
	parts := make([]string, 0, len(sections))
	for _, s := range sections {
		parts = append(parts, s.text)
	}
	return strings.Join(parts, "\n\n")
}

func joinedLen(sections []section) int {
	total := 0
	for i, s := range sections {
		if i > 0 {
			total += 2
		}
		total += len(s.text)
	}
	return total
}
