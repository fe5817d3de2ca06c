package llms

import (
	"github.com/hausgeist/hausgeist/pkg/protocol"
)

// ChatMessage is one turn as sent to a model, including tool traffic.
type ChatMessage struct {
	Role       protocol.Role        `json:"role"`
	Content    string               `json:"content"`
	ToolCalls  []*protocol.ToolCall `json:"tool_calls,omitempty"`
	ToolName   string               `json:"tool_name,omitempty"`
	ToolCallID string               `json:"tool_call_id,omitempty"`
}

// FromMessages converts conversation turns into chat messages.
func FromMessages(messages []protocol.Message) []ChatMessage {
	out := make([]ChatMessage, 0, len(messages))
	for _, m := range messages {
		out = append(out, ChatMessage{Role: m.Role, Content: m.Content})
	}
	return out
}

// ToolDefinition describes a callable tool to the model.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// StreamChunk is one unit of a streaming generation.
type StreamChunk struct {
	Type     string // "text", "thinking", "tool_call", "done", "error"
	Text     string
	ToolCall *protocol.ToolCall
	Tokens   int
	Error    error
}

// StructuredOutputConfig requests schema-constrained JSON output.
type StructuredOutputConfig struct {
	Format string `json:"format,omitempty"`
	Schema any    `json:"schema,omitempty"`
}
