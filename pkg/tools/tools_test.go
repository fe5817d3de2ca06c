package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hausgeist/hausgeist/pkg/llms"
	"github.com/hausgeist/hausgeist/pkg/protocol"
)

func TestRegistry_RegisterTool(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.RegisterTool(&Tool{
		Name:        "get_weather",
		Description: "Get current weather",
		ServerAddr:  "http://localhost:9001",
	}))

	require.Error(t, r.RegisterTool(nil))
	require.Error(t, r.RegisterTool(&Tool{ServerAddr: "http://x"}))
	require.Error(t, r.RegisterTool(&Tool{Name: "no_addr"}))

	// re-announce replaces
	require.NoError(t, r.RegisterTool(&Tool{
		Name:        "get_weather",
		Description: "Get current weather v2",
		ServerAddr:  "http://localhost:9002",
	}))
	tool, ok := r.Get("get_weather")
	require.True(t, ok)
	assert.Equal(t, "http://localhost:9002", tool.ServerAddr)
}

func TestRegistry_Definitions(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterTool(&Tool{Name: "b_tool", Description: "B", ServerAddr: "http://x"}))
	require.NoError(t, r.RegisterTool(&Tool{Name: "a_tool", Description: "A", ServerAddr: "http://x"}))

	defs := r.Definitions()
	require.Len(t, defs, 2)
	assert.Equal(t, "a_tool", defs[0].Name)
	assert.Equal(t, "b_tool", defs[1].Name)
	assert.NotNil(t, defs[0].Parameters)

	defs = r.Definitions("b_tool", "missing")
	require.Len(t, defs, 1)
	assert.Equal(t, "b_tool", defs[0].Name)
}

func TestHub_Call(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/call", r.URL.Path)
		var req callRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "get_weather", req.Tool)
		assert.Equal(t, "Berlin", req.Args["city"])
		json.NewEncoder(w).Encode(callResponse{Result: `{"temp": 22}`})
	}))
	defer server.Close()

	r := NewRegistry()
	require.NoError(t, r.RegisterTool(&Tool{Name: "get_weather", ServerAddr: server.URL}))
	hub := NewHub(r)

	result := hub.Call(context.Background(), &protocol.ToolCall{
		ID:       "call_0_get_weather",
		ToolName: "get_weather",
		Args:     map[string]any{"city": "Berlin"},
	})
	assert.Equal(t, protocol.ToolCallSuccess, result.Status)
	assert.Equal(t, `{"temp": 22}`, result.Result)
	assert.Empty(t, result.Error)
}

func TestHub_CallUnknownTool(t *testing.T) {
	hub := NewHub(NewRegistry())

	result := hub.Call(context.Background(), &protocol.ToolCall{ToolName: "nope"})
	assert.Equal(t, protocol.ToolCallError, result.Status)
	assert.Contains(t, result.Error, "unknown tool")
}

func TestHub_CallServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(callResponse{Error: "container not running"})
	}))
	defer server.Close()

	r := NewRegistry()
	require.NoError(t, r.RegisterTool(&Tool{Name: "run_code", ServerAddr: server.URL}))
	hub := NewHub(r)

	result := hub.Call(context.Background(), &protocol.ToolCall{ToolName: "run_code"})
	assert.Equal(t, protocol.ToolCallError, result.Status)
	assert.Equal(t, "container not running", result.Error)
}

func TestHub_CallUnreachableServer(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterTool(&Tool{Name: "flaky", ServerAddr: "http://127.0.0.1:1"}))
	hub := NewHub(r)

	result := hub.Call(context.Background(), &protocol.ToolCall{ToolName: "flaky"})
	assert.Equal(t, protocol.ToolCallError, result.Status)
	assert.Contains(t, result.Error, "unreachable")
}

// fakeRerankLLM returns a canned tool list from GenerateStructured.
type fakeRerankLLM struct {
	tools []string
	fail  bool
	calls int
}

func (f *fakeRerankLLM) Generate(ctx context.Context, messages []llms.ChatMessage, tools []llms.ToolDefinition) (string, []*protocol.ToolCall, int, error) {
	return "", nil, 0, nil
}

func (f *fakeRerankLLM) GenerateStreaming(ctx context.Context, messages []llms.ChatMessage, tools []llms.ToolDefinition) (<-chan llms.StreamChunk, error) {
	ch := make(chan llms.StreamChunk)
	close(ch)
	return ch, nil
}

func (f *fakeRerankLLM) GenerateStructured(ctx context.Context, messages []llms.ChatMessage, tools []llms.ToolDefinition, cfg *llms.StructuredOutputConfig) (string, []*protocol.ToolCall, int, error) {
	f.calls++
	if f.fail {
		return "", nil, 0, fmt.Errorf("model unavailable")
	}
	out, _ := json.Marshal(map[string]any{"tools": f.tools})
	return string(out), nil, 0, nil
}

func (f *fakeRerankLLM) ModelName() string { return "fake" }
func (f *fakeRerankLLM) Close() error      { return nil }

func selectorRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()
	for name, desc := range map[string]string{
		"get_weather":   "Get current weather for a city",
		"remember_fact": "Store a fact in long term memory",
		"run_code":      "Execute code in a sandbox container",
		"web_search":    "Search the web for information",
	} {
		require.NoError(t, r.RegisterTool(&Tool{Name: name, Description: desc, ServerAddr: "http://x"}))
	}
	return r
}

func TestSelector_Select(t *testing.T) {
	r := selectorRegistry(t)
	llm := &fakeRerankLLM{tools: []string{"get_weather", "web_search", "bogus_tool", "get_weather"}}
	s := NewSelector(r, llm)

	selected := s.Select(context.Background(), "what is the weather in Berlin")
	// bogus names and duplicates are dropped, model order preserved
	assert.Equal(t, []string{"get_weather", "web_search"}, selected)
	assert.Equal(t, 1, llm.calls)
}

func TestSelector_SelectRerankFailureFallsBack(t *testing.T) {
	r := selectorRegistry(t)
	s := NewSelector(r, &fakeRerankLLM{fail: true})

	selected := s.Select(context.Background(), "weather city")
	require.NotEmpty(t, selected)
	// keyword overlap puts get_weather first deterministically
	assert.Equal(t, "get_weather", selected[0])
	assert.LessOrEqual(t, len(selected), 5)
}

func TestSelector_SelectEmptyCatalog(t *testing.T) {
	s := NewSelector(NewRegistry(), &fakeRerankLLM{})
	assert.Empty(t, s.Select(context.Background(), "anything"))
}

func TestKeywordCandidates_DeterministicTies(t *testing.T) {
	catalog := []*Tool{
		{Name: "b_tool", Description: "unrelated"},
		{Name: "a_tool", Description: "unrelated"},
		{Name: "c_tool", Description: "unrelated"},
	}
	// all score zero: ties break by name ascending
	scored := keywordCandidates("nothing matches", catalog)
	require.Len(t, scored, 3)
	assert.Equal(t, "a_tool", scored[0].name)
	assert.Equal(t, "b_tool", scored[1].name)
	assert.Equal(t, "c_tool", scored[2].name)
}
