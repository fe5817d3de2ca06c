package contextengine

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/hausgeist/hausgeist/pkg/protocol"
)

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

// tokenCount approximates tokens with the cl100k_base encoding. Local
// models tokenize differently, but the bound only needs to be stable and
// roughly proportional. Falls back to chars/4 when the encoding cannot
// be loaded (offline first run).
func tokenCount(text string) int {
	encodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			slog.Warn("Failed to load token encoding, using char estimate", "error", err)
			return
		}
		encoding = enc
	})
	if encoding == nil {
		return len(text) / 4
	}
	return len(encoding.Encode(text, nil, nil))
}

// boundHistory keeps the most recent turns that fit both the turn and
// token budgets. The latest user message always survives.
func boundHistory(messages []protocol.Message, maxTurns, maxTokens int) []protocol.Message {
	if len(messages) == 0 {
		return nil
	}
	if maxTurns > 0 && len(messages) > maxTurns {
		messages = messages[len(messages)-maxTurns:]
	}
	if maxTokens <= 0 {
		return messages
	}

	total := 0
	start := len(messages)
	for i := len(messages) - 1; i >= 0; i-- {
		total += tokenCount(messages[i].Content)
		if total > maxTokens && start < len(messages) {
			break
		}
		start = i
	}
	return messages[start:]
}

// renderHistory formats bounded history as a prompt section.
func renderHistory(messages []protocol.Message) string {
	if len(messages) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("## HISTORY\n")
	for _, m := range messages {
		fmt.Fprintf(&sb, "%s: %s\n", m.Role, m.Content)
	}
	return strings.TrimRight(sb.String(), "\n")
}
