package digest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hausgeist/hausgeist/pkg/llms"
	"github.com/hausgeist/hausgeist/pkg/protocol"
)

// eventRecord is one deduped input event for a digest.
type eventRecord struct {
	ConversationID string
	EventType      string
	Content        string
}

// Summarizer turns a day's (or week's, or month's) material into digest
// prose.
type Summarizer interface {
	Summarize(ctx context.Context, action, period string, lines []string) (string, error)
}

// LLMSummarizer summarizes with the small model. A failed or empty model
// response falls back to a deterministic rollup so a digest is never
// lost to a flaky model.
type LLMSummarizer struct {
	llm llms.Provider
}

func NewLLMSummarizer(llm llms.Provider) *LLMSummarizer {
	return &LLMSummarizer{llm: llm}
}

const summaryPrompt = `Fasse die folgenden Ereignisse zu einem kompakten %s-Digest zusammen.
Behalte konkrete Fakten, Namen und Zeiten. Keine Einleitung, keine Wiederholung der Rohdaten.

Zeitraum: %s

Ereignisse:
%s`

func (s *LLMSummarizer) Summarize(ctx context.Context, action, period string, lines []string) (string, error) {
	if len(lines) == 0 {
		return "", fmt.Errorf("nothing to summarize")
	}
	if s.llm == nil {
		return fallbackSummary(action, period, lines), nil
	}

	prompt := fmt.Sprintf(summaryPrompt, action, period, strings.Join(lines, "\n"))
	text, _, _, err := s.llm.Generate(ctx, []llms.ChatMessage{
		{Role: protocol.RoleUser, Content: prompt},
	}, nil)
	if err != nil || strings.TrimSpace(text) == "" {
		slog.Warn("Digest summarization fell back to rollup",
			"action", action, "period", period, "error", err)
		return fallbackSummary(action, period, lines), nil
	}
	return strings.TrimSpace(text), nil
}

// fallbackSummary is the deterministic no-model rollup.
func fallbackSummary(action, period string, lines []string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s digest %s (%d Ereignisse)\n", action, period, len(lines))
	for _, line := range lines {
		sb.WriteString("- ")
		sb.WriteString(line)
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}
