package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hausgeist/hausgeist/pkg/config"
	"github.com/hausgeist/hausgeist/pkg/contextengine"
	"github.com/hausgeist/hausgeist/pkg/digest"
	"github.com/hausgeist/hausgeist/pkg/llms"
	"github.com/hausgeist/hausgeist/pkg/memory"
	"github.com/hausgeist/hausgeist/pkg/pipeline"
	"github.com/hausgeist/hausgeist/pkg/protocol"
	"github.com/hausgeist/hausgeist/pkg/skills"
	"github.com/hausgeist/hausgeist/pkg/tools"
)

// cannedLLM answers every call the same way so HTTP tests stay about
// the HTTP layer.
type cannedLLM struct{}

func (cannedLLM) Generate(ctx context.Context, messages []llms.ChatMessage, defs []llms.ToolDefinition) (string, []*protocol.ToolCall, int, error) {
	return "Alles klar.", nil, 0, nil
}

func (cannedLLM) GenerateStructured(ctx context.Context, messages []llms.ChatMessage, defs []llms.ToolDefinition, cfg *llms.StructuredOutputConfig) (string, []*protocol.ToolCall, int, error) {
	return `{"intent":"antworten","complexity":1,"hallucination_risk":"low","reasoning":"direkt"}`, nil, 0, nil
}

func (cannedLLM) GenerateStreaming(ctx context.Context, messages []llms.ChatMessage, defs []llms.ToolDefinition) (<-chan llms.StreamChunk, error) {
	ch := make(chan llms.StreamChunk, 1)
	ch <- llms.StreamChunk{Type: "text", Text: "Alles klar."}
	close(ch)
	return ch, nil
}

func (cannedLLM) ModelName() string { return "test-model" }
func (cannedLLM) Close() error      { return nil }

type stubBuilder struct{}

func (stubBuilder) BuildEffectiveContext(ctx context.Context, in contextengine.Input) (string, *contextengine.Trace) {
	return "KONTEXT", &contextengine.Trace{Mode: in.Mode, ContextSources: []string{"persona"}}
}

func testServer(t *testing.T) (*httptest.Server, Deps) {
	t.Helper()

	cfg := &config.Config{}
	cfg.SetDefaults()
	cfg.Skills.Home = t.TempDir()
	cfg.Digest.StateDir = t.TempDir()

	allowlistSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string][]string{"packages": {"pandas", "numpy"}})
	}))
	t.Cleanup(allowlistSrv.Close)
	cfg.Skills.AllowlistURL = allowlistSrv.URL

	workspace, err := memory.NewSQLWorkspaceStore(filepath.Join(t.TempDir(), "workspace.db"))
	require.NoError(t, err)
	t.Cleanup(func() { workspace.Close() })

	models := llms.NewRegistry()
	for _, role := range []string{llms.RoleMain, llms.RoleSmall, llms.RoleCode} {
		require.NoError(t, models.Register(role, cannedLLM{}))
	}

	toolReg := tools.NewRegistry()
	orchestrator, err := pipeline.NewOrchestrator(cfg, stubBuilder{}, nil, toolReg, tools.NewHub(toolReg), models, workspace)
	require.NoError(t, err)

	skillReg := skills.NewRegistry(cfg.Skills.Home)
	allowlist := skills.NewAllowlist(cfg.Skills.AllowlistURL, cfg.Skills.AllowlistTTL)
	executor := skills.NewExecutor(&cfg.Skills, skillReg, nil, nil)
	authority := skills.NewAuthority(&cfg.Skills, allowlist, executor, workspace)

	deps := Deps{
		Orchestrator: orchestrator,
		Jobs:         pipeline.NewJobManager(orchestrator),
		Workspace:    workspace,
		Authority:    authority,
		SkillReg:     skillReg,
		Allowlist:    allowlist,
		Digest:       digest.NewPipeline(cfg, nil, nil, nil, "test"),
		Tools:        toolReg,
	}

	srv := httptest.NewServer(New(cfg, deps).Router())
	t.Cleanup(srv.Close)
	return srv, deps
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func chatRequest() map[string]any {
	return map[string]any{
		"conversation_id": "conv-1",
		"messages":        []map[string]string{{"role": "user", "content": "Hallo"}},
	}
}

func TestServer_Health(t *testing.T) {
	srv, _ := testServer(t)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", decodeBody(t, resp)["status"])
}

func TestServer_ChatNonStream(t *testing.T) {
	srv, _ := testServer(t)

	resp := postJSON(t, srv.URL+"/api/chat", chatRequest())
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, true, body["done"])
	assert.Equal(t, "test-model", body["model"])
	message := body["message"].(map[string]any)
	assert.Equal(t, "Alles klar.", message["content"])
}

func TestServer_ChatStream(t *testing.T) {
	srv, _ := testServer(t)

	req := chatRequest()
	req["stream"] = true
	resp := postJSON(t, srv.URL+"/api/chat", req)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/x-ndjson", resp.Header.Get("Content-Type"))

	var types []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var ev protocol.StreamEvent
		require.NoError(t, json.Unmarshal([]byte(line), &ev))
		types = append(types, string(ev.Type))
	}
	assert.Contains(t, types, "content")
	assert.Equal(t, "done", types[len(types)-1])
}

func TestServer_ChatRejectsEmptyMessage(t *testing.T) {
	srv, _ := testServer(t)

	resp := postJSON(t, srv.URL+"/api/chat", map[string]any{"conversation_id": "conv-1"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, decodeBody(t, resp)["error"], "❌ Fehler:")
}

func TestServer_DeepJobs(t *testing.T) {
	srv, _ := testServer(t)

	resp := postJSON(t, srv.URL+"/api/chat/deep-jobs", chatRequest())
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	jobID := decodeBody(t, resp)["job_id"].(string)
	require.NotEmpty(t, jobID)

	require.Eventually(t, func() bool {
		statusResp, err := http.Get(srv.URL + "/api/chat/deep-jobs/" + jobID)
		if err != nil {
			return false
		}
		return decodeBody(t, statusResp)["status"] == "succeeded"
	}, 5*time.Second, 20*time.Millisecond)

	resp, err := http.Get(srv.URL + "/api/chat/deep-jobs/gibt-es-nicht")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestServer_WorkspaceCRUD(t *testing.T) {
	srv, deps := testServer(t)
	ctx := context.Background()

	entry := &protocol.WorkspaceEntry{
		ID:             "entry-1",
		ConversationID: "conv-1",
		EntryType:      "note",
		SourceLayer:    "ui",
		Content:        map[string]any{"text": "Einkaufsliste"},
		Source:         protocol.WorkspaceSourceEntry,
		CreatedAt:      time.Now().UTC(),
	}
	require.NoError(t, deps.Workspace.Append(ctx, entry))
	event := &protocol.WorkspaceEntry{
		ID:             "event-1",
		ConversationID: "conv-1",
		EntryType:      "tool_result",
		SourceLayer:    "orchestrator",
		Source:         protocol.WorkspaceSourceEvent,
		CreatedAt:      time.Now().UTC(),
	}
	require.NoError(t, deps.Workspace.Append(ctx, event))

	resp, err := http.Get(srv.URL + "/api/workspace?conversation_id=conv-1")
	require.NoError(t, err)
	entries := decodeBody(t, resp)["entries"].([]any)
	assert.Len(t, entries, 2)

	resp, err = http.Get(srv.URL + "/api/workspace")
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	update, err := json.Marshal(map[string]any{"text": "Einkaufsliste v2"})
	require.NoError(t, err)
	putReq, err := http.NewRequest(http.MethodPut, srv.URL+"/api/workspace/entry-1", bytes.NewReader(update))
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(putReq)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// event rows are read-only
	putReq, err = http.NewRequest(http.MethodPut, srv.URL+"/api/workspace/event-1", bytes.NewReader(update))
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(putReq)
	require.NoError(t, err)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()

	delReq, err := http.NewRequest(http.MethodDelete, srv.URL+"/api/workspace/entry-1", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(delReq)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/api/workspace-events?limit=10")
	require.NoError(t, err)
	events := decodeBody(t, resp)["events"].([]any)
	assert.Len(t, events, 2)
}

func TestServer_SkillCreateAndGet(t *testing.T) {
	srv, _ := testServer(t)

	create := map[string]any{
		"name":     "demo",
		"code":     "print('hallo')",
		"language": "python",
		"control_decision": map[string]any{
			"action":         "approve",
			"passed":         true,
			"source":         "skill_server",
			"policy_version": "2026-08",
		},
	}
	resp := postJSON(t, srv.URL+"/v1/skills/create", create)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, true, body["created"])

	resp, err := http.Get(srv.URL + "/v1/skills/demo")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	record := decodeBody(t, resp)
	assert.Equal(t, "demo", record["name"])

	resp, err = http.Get(srv.URL + "/v1/skills/unbekannt")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestServer_SkillCreateWithoutDecisionRejected(t *testing.T) {
	srv, _ := testServer(t)

	resp := postJSON(t, srv.URL+"/v1/skills/create", map[string]any{
		"name": "demo", "code": "print('x')",
	})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, true, body["rejected"])
	assert.Equal(t, "missing_authority_decision", body["code"])
}

func TestServer_Packages(t *testing.T) {
	srv, _ := testServer(t)

	resp, err := http.Get(srv.URL + "/v1/packages")
	require.NoError(t, err)
	body := decodeBody(t, resp)
	assert.ElementsMatch(t, []any{"numpy", "pandas"}, body["packages"].([]any))

	resp = postJSON(t, srv.URL+"/v1/packages", map[string]any{"packages": []string{"pandas", "acme-widget"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body = decodeBody(t, resp)
	assert.Equal(t, true, body["needs_package_approval"])
	assert.Equal(t, []any{"acme-widget"}, body["missing_packages"].([]any))
	assert.Equal(t, []any{"pandas"}, body["installed"].([]any))
}

func TestServer_DigestState(t *testing.T) {
	srv, _ := testServer(t)

	resp, err := http.Get(srv.URL + "/api/runtime/digest-state")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Contains(t, body, "jit_only")
	assert.Contains(t, body, "locking")
	locking := body["locking"].(map[string]any)
	assert.Equal(t, "FREE", locking["status"])
}

func TestServer_ToolAnnounce(t *testing.T) {
	srv, deps := testServer(t)

	resp := postJSON(t, srv.URL+"/v1/tools/announce", map[string]string{
		"name":        "get_weather",
		"description": "Aktuelles Wetter abfragen",
		"server_addr": "http://localhost:9001",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	_, ok := deps.Tools.Get("get_weather")
	assert.True(t, ok)

	resp = postJSON(t, srv.URL+"/v1/tools/announce", map[string]string{"name": "kaputt"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestServer_Schema(t *testing.T) {
	srv, _ := testServer(t)

	resp, err := http.Get(srv.URL + "/api/schema")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	for _, key := range []string{"request", "stream_event", "create_response", "digest_state"} {
		assert.Contains(t, body, key, fmt.Sprintf("schema %s missing", key))
	}
}
