package contextengine

import (
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// rulesBlock is a fixed template. It is policy text, not model output,
// so it never varies per request.
const rulesBlock = `## RULES
- Use tools only when the request needs external data or actions; answer directly otherwise.
- Call tools by their exact catalog name with schema-conforming arguments.
- You run in the user's home. Treat devices, files and routines as theirs; never act outside it.
- State uncertainty instead of guessing. Facts you were not given are not facts.`

// renderNOW builds the NOW block from facts and short-term observations.
// Any panic inside rendering degrades to the minimal NOW block; the
// pipeline must never lose its temporal anchor.
func renderNOW(now time.Time, facts []item, observations []item) (out string) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("NOW renderer failed, using minimal block", "panic", r)
			out = minimalNOW(now)
		}
	}()

	var sb strings.Builder
	sb.WriteString("## NOW\n")
	fmt.Fprintf(&sb, "Zeit: %s\n", now.UTC().Format("2006-01-02 15:04 MST"))

	if len(facts) > 0 {
		sb.WriteString("Fakten:\n")
		for _, f := range facts {
			fmt.Fprintf(&sb, "- %s\n", f.Content)
		}
	}
	if len(observations) > 0 {
		sb.WriteString("Beobachtungen:\n")
		for _, o := range observations {
			fmt.Fprintf(&sb, "- [%s] %s\n", o.CreatedAt.UTC().Format("15:04"), o.Content)
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

func minimalNOW(now time.Time) string {
	return fmt.Sprintf("## NOW\nZeit: %s", now.UTC().Format("2006-01-02 15:04 MST"))
}

// renderNEXT builds the typed-state hint block. Empty hints render
// nothing.
func renderNEXT(hints []string) string {
	if len(hints) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("## NEXT\n")
	for _, h := range hints {
		h = strings.TrimSpace(h)
		if h == "" {
			continue
		}
		fmt.Fprintf(&sb, "- %s\n", h)
	}
	out := strings.TrimRight(sb.String(), "\n")
	if out == "## NEXT" {
		return ""
	}
	return out
}

func renderTools(tools []ToolSummary) string {
	if len(tools) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("## TOOLS\n")
	for _, t := range tools {
		fmt.Fprintf(&sb, "- %s: %s\n", t.Name, t.Description)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func renderContainers(names []string) string {
	if len(names) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("## ACTIVE CONTAINERS\n")
	for _, n := range names {
		fmt.Fprintf(&sb, "- %s\n", n)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func renderFacts(facts []item) string {
	if len(facts) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("## RELEVANT\n")
	for _, f := range facts {
		fmt.Fprintf(&sb, "- %s\n", f.Content)
	}
	return strings.TrimRight(sb.String(), "\n")
}
