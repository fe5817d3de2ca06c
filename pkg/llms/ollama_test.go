package llms

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hausgeist/hausgeist/pkg/config"
	"github.com/hausgeist/hausgeist/pkg/protocol"
)

func testLLMConfig(host string) *config.LLMConfig {
	return &config.LLMConfig{
		Host:        host,
		Model:       "qwen3:8b",
		Temperature: 0.7,
		MaxTokens:   4096,
	}
}

func TestOllamaProvider_Generate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		assert.Equal(t, "POST", r.Method)

		var req ollamaRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "qwen3:8b", req.Model)
		assert.False(t, req.Stream)

		json.NewEncoder(w).Encode(ollamaResponse{
			Model:           req.Model,
			Message:         ollamaMessage{Role: "assistant", Content: "Hello there"},
			Done:            true,
			PromptEvalCount: 10,
			EvalCount:       5,
		})
	}))
	defer server.Close()

	p, err := NewOllamaProvider(testLLMConfig(server.URL), "")
	require.NoError(t, err)

	text, toolCalls, tokens, err := p.Generate(context.Background(), []ChatMessage{
		{Role: protocol.RoleUser, Content: "Hi"},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "Hello there", text)
	assert.Empty(t, toolCalls)
	assert.Equal(t, 15, tokens)
}

func TestOllamaProvider_GenerateWithToolCalls(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ollamaRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Tools, 1)
		assert.Equal(t, "get_weather", req.Tools[0].Function.Name)

		json.NewEncoder(w).Encode(ollamaResponse{
			Message: ollamaMessage{
				Role: "assistant",
				ToolCalls: []ollamaToolCall{
					{
						Type: "function",
						Function: ollamaToolCallFunction{
							Index:     0,
							Name:      "get_weather",
							Arguments: map[string]any{"city": "Berlin"},
						},
					},
				},
			},
			Done: true,
		})
	}))
	defer server.Close()

	p, err := NewOllamaProvider(testLLMConfig(server.URL), "")
	require.NoError(t, err)

	_, toolCalls, _, err := p.Generate(context.Background(), []ChatMessage{
		{Role: protocol.RoleUser, Content: "Weather in Berlin?"},
	}, []ToolDefinition{
		{Name: "get_weather", Description: "Get weather", Parameters: map[string]any{"type": "object"}},
	})
	require.NoError(t, err)
	require.Len(t, toolCalls, 1)
	assert.Equal(t, "get_weather", toolCalls[0].ToolName)
	assert.Equal(t, "Berlin", toolCalls[0].Args["city"])
}

func TestOllamaProvider_GenerateAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ollamaResponse{Error: "model not found"})
	}))
	defer server.Close()

	p, err := NewOllamaProvider(testLLMConfig(server.URL), "")
	require.NoError(t, err)

	_, _, _, err = p.Generate(context.Background(), []ChatMessage{
		{Role: protocol.RoleUser, Content: "Hi"},
	}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model not found")
}

func TestOllamaProvider_GenerateStreaming(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ollamaRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Stream)

		chunks := []ollamaResponse{
			{Message: ollamaMessage{Role: "assistant", Content: "Hel"}},
			{Message: ollamaMessage{Role: "assistant", Content: "lo"}},
			{
				Message: ollamaMessage{
					Role: "assistant",
					ToolCalls: []ollamaToolCall{
						{
							Type: "function",
							Function: ollamaToolCallFunction{
								Index:     0,
								Name:      "remember",
								Arguments: map[string]any{"fact": "likes tea"},
							},
						},
					},
				},
			},
			{Done: true, PromptEvalCount: 8, EvalCount: 4},
		}
		for _, c := range chunks {
			json.NewEncoder(w).Encode(c)
			fmt.Fprint(w, "\n")
		}
	}))
	defer server.Close()

	p, err := NewOllamaProvider(testLLMConfig(server.URL), "")
	require.NoError(t, err)

	ch, err := p.GenerateStreaming(context.Background(), []ChatMessage{
		{Role: protocol.RoleUser, Content: "Hi"},
	}, nil)
	require.NoError(t, err)

	var text string
	var toolCalls []*protocol.ToolCall
	var tokens int
	for chunk := range ch {
		switch chunk.Type {
		case "text":
			text += chunk.Text
		case "tool_call":
			toolCalls = append(toolCalls, chunk.ToolCall)
		case "done":
			tokens = chunk.Tokens
		case "error":
			t.Fatalf("unexpected error chunk: %v", chunk.Error)
		}
	}

	assert.Equal(t, "Hello", text)
	require.Len(t, toolCalls, 1)
	assert.Equal(t, "remember", toolCalls[0].ToolName)
	assert.Equal(t, 12, tokens)
}

func TestOllamaProvider_GenerateStructured(t *testing.T) {
	schema := map[string]any{
		"type":     "object",
		"required": []string{"intent"},
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ollamaRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.NotNil(t, req.Format)
		// schema is restated as a system preamble
		require.NotEmpty(t, req.Messages)
		assert.Equal(t, "system", req.Messages[0].Role)
		assert.Contains(t, req.Messages[0].Content, "valid JSON")

		json.NewEncoder(w).Encode(ollamaResponse{
			Message: ollamaMessage{Role: "assistant", Content: `{"intent":"greet"}`},
			Done:    true,
		})
	}))
	defer server.Close()

	p, err := NewOllamaProvider(testLLMConfig(server.URL), "")
	require.NoError(t, err)

	text, _, _, err := p.GenerateStructured(context.Background(), []ChatMessage{
		{Role: protocol.RoleUser, Content: "Hi"},
	}, nil, &StructuredOutputConfig{Format: "json", Schema: schema})
	require.NoError(t, err)
	assert.JSONEq(t, `{"intent":"greet"}`, text)
}

func TestOllamaProvider_ToolResultMapping(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ollamaRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Messages, 3)
		assert.Equal(t, "tool", req.Messages[2].Role)
		assert.Equal(t, "get_weather", req.Messages[2].ToolName)

		json.NewEncoder(w).Encode(ollamaResponse{
			Message: ollamaMessage{Role: "assistant", Content: "Sunny."},
			Done:    true,
		})
	}))
	defer server.Close()

	p, err := NewOllamaProvider(testLLMConfig(server.URL), "")
	require.NoError(t, err)

	_, _, _, err = p.Generate(context.Background(), []ChatMessage{
		{Role: protocol.RoleUser, Content: "Weather?"},
		{Role: protocol.RoleAssistant, ToolCalls: []*protocol.ToolCall{
			{ID: "call_0_get_weather", ToolName: "get_weather", Args: map[string]any{"city": "Berlin"}},
		}},
		{Role: protocol.RoleTool, Content: `{"temp": 22}`, ToolCallID: "call_0_get_weather"},
	}, nil)
	require.NoError(t, err)
}

func TestNewRegistryFromConfig(t *testing.T) {
	cfg := &config.LLMConfig{
		Host:       "http://localhost:11434",
		Model:      "qwen3:8b",
		SmallModel: "qwen3:1.7b",
	}

	r, err := NewRegistryFromConfig(cfg)
	require.NoError(t, err)

	main, err := r.ForRole(RoleMain)
	require.NoError(t, err)
	assert.Equal(t, "qwen3:8b", main.ModelName())

	small, err := r.ForRole(RoleSmall)
	require.NoError(t, err)
	assert.Equal(t, "qwen3:1.7b", small.ModelName())

	// no dedicated code model: falls back to main
	code, err := r.ForRole(RoleCode)
	require.NoError(t, err)
	assert.Equal(t, "qwen3:8b", code.ModelName())

	// unknown role falls back to main
	p, err := r.ForRole("planner")
	require.NoError(t, err)
	assert.Equal(t, "qwen3:8b", p.ModelName())
}
