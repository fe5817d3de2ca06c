package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel/attribute"

	"github.com/hausgeist/hausgeist/pkg/llms"
	"github.com/hausgeist/hausgeist/pkg/observability"
	"github.com/hausgeist/hausgeist/pkg/protocol"
)

const (
	selectorCollection = "tool-catalog"
	semanticCandidates = 15
	maxSelectedDefault = 5
	minSelectedForRank = 3
)

// Selector narrows the full catalog to at most five tool names per
// request. Semantic similarity over catalog descriptions produces up to
// fifteen candidates, then the small model re-ranks them with a fixed
// instruction template. Without an embedding function the candidate pass
// falls back to keyword overlap, which keeps the selector usable before
// any embedding target is reachable.
type Selector struct {
	registry      *Registry
	llm           llms.Provider
	maxSelected   int
	db            *chromem.DB
	embeddingFunc chromem.EmbeddingFunc
}

type SelectorOption func(*Selector)

// WithEmbeddingFunc enables the semantic candidate pass.
func WithEmbeddingFunc(fn chromem.EmbeddingFunc) SelectorOption {
	return func(s *Selector) { s.embeddingFunc = fn }
}

func WithMaxSelected(n int) SelectorOption {
	return func(s *Selector) {
		if n > 0 {
			s.maxSelected = n
		}
	}
}

func NewSelector(registry *Registry, llm llms.Provider, opts ...SelectorOption) *Selector {
	s := &Selector{
		registry:    registry,
		llm:         llm,
		maxSelected: maxSelectedDefault,
		db:          chromem.NewDB(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SyncCatalog rebuilds the semantic index from the current catalog.
// Call after tool servers (re-)announce. No-op without an embedding func.
func (s *Selector) SyncCatalog(ctx context.Context) error {
	if s.embeddingFunc == nil {
		return nil
	}

	// Drop and rebuild; the catalog is small and announcements are rare.
	_ = s.db.DeleteCollection(selectorCollection)
	col, err := s.db.GetOrCreateCollection(selectorCollection, nil, s.embeddingFunc)
	if err != nil {
		return fmt.Errorf("failed to create selector collection: %w", err)
	}

	tools := s.registry.List()
	docs := make([]chromem.Document, 0, len(tools))
	for _, tool := range tools {
		docs = append(docs, chromem.Document{
			ID:      tool.Name,
			Content: tool.Name + ": " + tool.Description,
		})
	}
	if len(docs) == 0 {
		return nil
	}
	if err := col.AddDocuments(ctx, docs, 1); err != nil {
		return fmt.Errorf("failed to index tool catalog: %w", err)
	}
	return nil
}

type scoredTool struct {
	name  string
	score float64
}

// Select returns an ordered list of at most maxSelected tool names for
// the query. Deterministic given identical inputs: candidate ties break
// by name, and the re-rank model runs at temperature zero.
func (s *Selector) Select(ctx context.Context, query string) []string {
	tracer := observability.GetTracer("hausgeist.tools")
	ctx, span := tracer.Start(ctx, observability.SpanToolSelect)
	defer span.End()

	catalog := s.registry.List()
	if len(catalog) == 0 {
		return nil
	}

	// Small catalogs skip the candidate pass entirely.
	candidates := s.semanticCandidates(ctx, query, catalog)
	if len(candidates) == 0 {
		candidates = keywordCandidates(query, catalog)
	}
	if len(candidates) > semanticCandidates {
		candidates = candidates[:semanticCandidates]
	}

	selected := s.rerank(ctx, query, candidates)
	if len(selected) > s.maxSelected {
		selected = selected[:s.maxSelected]
	}

	span.SetAttributes(
		attribute.Int("tools.candidates", len(candidates)),
		attribute.Int("tools.selected", len(selected)),
	)
	return selected
}

func (s *Selector) semanticCandidates(ctx context.Context, query string, catalog []*Tool) []scoredTool {
	if s.embeddingFunc == nil {
		return nil
	}
	col := s.db.GetCollection(selectorCollection, s.embeddingFunc)
	if col == nil || col.Count() == 0 {
		return nil
	}

	topK := semanticCandidates
	if count := col.Count(); count < topK {
		topK = count
	}
	results, err := col.Query(ctx, query, topK, nil, nil)
	if err != nil {
		slog.Warn("Semantic tool selection failed, using keyword fallback", "error", err)
		return nil
	}

	scored := make([]scoredTool, 0, len(results))
	for _, r := range results {
		scored = append(scored, scoredTool{name: r.ID, score: float64(r.Similarity)})
	}
	sortScored(scored)
	return scored
}

// keywordCandidates scores tools by query-term overlap with name and
// description. Zero-score tools still participate so the re-rank model
// sees the whole (bounded) catalog when nothing matches textually.
func keywordCandidates(query string, catalog []*Tool) []scoredTool {
	terms := strings.Fields(strings.ToLower(query))

	scored := make([]scoredTool, 0, len(catalog))
	for _, tool := range catalog {
		haystack := strings.ToLower(tool.Name + " " + tool.Description)
		var score float64
		for _, term := range terms {
			if strings.Contains(haystack, term) {
				score++
			}
		}
		scored = append(scored, scoredTool{name: tool.Name, score: score})
	}
	sortScored(scored)
	return scored
}

func sortScored(scored []scoredTool) {
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		return scored[i].name < scored[j].name
	})
}

const rerankTemplate = `You select tools for an assistant. Given the user request and the candidate tools below, pick the %d to %d most relevant tool names, most relevant first. Only pick from the candidates.

User request: %s

Candidate tools:
%s`

var rerankSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"tools": map[string]any{
			"type":  "array",
			"items": map[string]any{"type": "string"},
		},
	},
	"required": []string{"tools"},
}

func (s *Selector) rerank(ctx context.Context, query string, candidates []scoredTool) []string {
	if len(candidates) == 0 {
		return nil
	}

	candidateNames := make(map[string]bool, len(candidates))
	var sb strings.Builder
	for _, c := range candidates {
		candidateNames[c.name] = true
		if tool, ok := s.registry.Get(c.name); ok {
			fmt.Fprintf(&sb, "- %s: %s\n", tool.Name, tool.Description)
		}
	}

	prompt := fmt.Sprintf(rerankTemplate, minSelectedForRank, s.maxSelected, query, sb.String())

	text, _, _, err := s.llm.GenerateStructured(ctx,
		[]llms.ChatMessage{{Role: protocol.RoleUser, Content: prompt}},
		nil,
		&llms.StructuredOutputConfig{Format: "json", Schema: rerankSchema},
	)
	if err != nil {
		slog.Warn("Tool re-rank failed, using candidate order", "error", err)
		return candidateOrder(candidates, s.maxSelected)
	}

	var parsed struct {
		Tools []string `json:"tools"`
	}
	if err := json.Unmarshal([]byte(text), &parsed); err != nil || len(parsed.Tools) == 0 {
		return candidateOrder(candidates, s.maxSelected)
	}

	// Keep only real candidates, drop duplicates, preserve model order.
	seen := make(map[string]bool)
	var out []string
	for _, name := range parsed.Tools {
		if candidateNames[name] && !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	if len(out) == 0 {
		return candidateOrder(candidates, s.maxSelected)
	}
	return out
}

func candidateOrder(candidates []scoredTool, max int) []string {
	out := make([]string, 0, max)
	for _, c := range candidates {
		out = append(out, c.name)
		if len(out) == max {
			break
		}
	}
	return out
}
