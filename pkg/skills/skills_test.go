package skills

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hausgeist/hausgeist/pkg/config"
	"github.com/hausgeist/hausgeist/pkg/memory"
	"github.com/hausgeist/hausgeist/pkg/protocol"
)

func testSkillsConfig(t *testing.T, allowlistURL string) *config.SkillsConfig {
	t.Helper()
	return &config.SkillsConfig{
		Authority:    config.AuthoritySkillServer,
		InstallMode:  config.InstallAllowlistAuto,
		Home:         t.TempDir(),
		AllowlistURL: allowlistURL,
		AllowlistTTL: time.Minute,
	}
}

func allowlistServer(t *testing.T, packages ...string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(allowlistPayload{Packages: packages})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestAuthority(t *testing.T, cfg *config.SkillsConfig, workspace memory.WorkspaceStore) (*Authority, *Registry) {
	t.Helper()
	registry := NewRegistry(cfg.Home)
	executor := NewExecutor(cfg, registry, nil, nil)
	allowlist := NewAllowlist(cfg.AllowlistURL, cfg.AllowlistTTL)
	return NewAuthority(cfg, allowlist, executor, workspace), registry
}

func TestCreateSkill_HappyPath(t *testing.T) {
	srv := allowlistServer(t, "pandas", "numpy")
	cfg := testSkillsConfig(t, srv.URL)
	authority, registry := newTestAuthority(t, cfg, nil)

	resp, err := authority.CreateSkill(context.Background(), &protocol.SkillCreateRequest{
		Name:              "demo",
		Code:              "import pandas\n\ndef run():\n    return 1\n",
		Language:          "python",
		RequestedPackages: []string{"pandas"},
	}, "conv-1")
	require.NoError(t, err)

	assert.True(t, resp.Created)
	assert.Equal(t, StatusCreated, resp.Status)
	assert.Equal(t, protocol.ActionApprove, resp.Decision.Action)
	require.NotNil(t, resp.Skill)
	assert.Equal(t, 1, resp.Skill.Version)

	record, err := registry.Get(context.Background(), "demo")
	require.NoError(t, err)
	assert.Equal(t, protocol.SkillActive, record.Status)
}

func TestCreateSkill_PendingPackageApproval(t *testing.T) {
	srv := allowlistServer(t, "pandas", "numpy")
	cfg := testSkillsConfig(t, srv.URL)

	workspace, err := memory.NewSQLWorkspaceStore(filepath.Join(t.TempDir(), "ws.db"))
	require.NoError(t, err)
	defer workspace.Close()

	authority, registry := newTestAuthority(t, cfg, workspace)

	resp, err := authority.CreateSkill(context.Background(), &protocol.SkillCreateRequest{
		Name:              "demo",
		Code:              "import pandas",
		Language:          "python",
		RequestedPackages: []string{"pandas", "acme-widget"},
	}, "conv-1")
	require.NoError(t, err)

	assert.False(t, resp.Created)
	assert.Equal(t, StatusPendingPackageApproval, resp.Status)
	assert.True(t, resp.PendingPackageApproval)
	assert.Equal(t, []string{"acme-widget"}, resp.MissingPackages)
	assert.True(t, resp.NeedsPackageInstall)
	assert.True(t, resp.NeedsPackageApproval)
	assert.Equal(t, protocol.EntryTypeApprovalRequested, resp.EventType)

	// the wire body names the outcome
	body, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"status":"pending_package_approval"`)

	// nothing reached the registry
	_, err = registry.Get(context.Background(), "demo")
	assert.Error(t, err)

	// the approval request is in the workspace
	entries, err := workspace.List(context.Background(), "conv-1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, protocol.EntryTypeApprovalRequested, entries[0].EntryType)
	assert.Equal(t, "demo", entries[0].Content["skill_name"])
}

func TestCreateSkill_AllowlistFetchFailureFailsClosed(t *testing.T) {
	cfg := testSkillsConfig(t, "http://127.0.0.1:1")
	authority, _ := newTestAuthority(t, cfg, nil)

	resp, err := authority.CreateSkill(context.Background(), &protocol.SkillCreateRequest{
		Name:              "demo",
		Code:              "import pandas",
		RequestedPackages: []string{"pandas"},
	}, "conv-1")
	require.NoError(t, err)
	assert.True(t, resp.PendingPackageApproval)
	assert.Equal(t, []string{"pandas"}, resp.MissingPackages)
}

func TestCreateSkill_ManualOnlyNeverInstalls(t *testing.T) {
	srv := allowlistServer(t, "pandas")
	cfg := testSkillsConfig(t, srv.URL)
	cfg.InstallMode = config.InstallManualOnly
	authority, _ := newTestAuthority(t, cfg, nil)

	resp, err := authority.CreateSkill(context.Background(), &protocol.SkillCreateRequest{
		Name:              "demo",
		Code:              "import pandas",
		RequestedPackages: []string{"pandas"},
	}, "conv-1")
	require.NoError(t, err)
	assert.True(t, resp.PendingPackageApproval)
	assert.True(t, resp.NeedsPackageInstall)
	assert.Equal(t, []string{"pandas"}, resp.MissingPackages)
}

func TestCreateSkill_BlockedBySafety(t *testing.T) {
	cfg := testSkillsConfig(t, "")
	authority, registry := newTestAuthority(t, cfg, nil)

	resp, err := authority.CreateSkill(context.Background(), &protocol.SkillCreateRequest{
		Name: "evil",
		Code: "import os\nos.system('rm -rf /')\n",
	}, "conv-1")
	require.NoError(t, err)
	assert.True(t, resp.Rejected)
	assert.Equal(t, CodeBlockedBySafety, resp.Code)

	_, err = registry.Get(context.Background(), "evil")
	assert.Error(t, err)
}

func TestHandleCreate_MissingDecisionRejected(t *testing.T) {
	cfg := testSkillsConfig(t, "")
	authority, _ := newTestAuthority(t, cfg, nil)

	resp, err := authority.HandleCreate(context.Background(), &protocol.SkillCreateRequest{
		Name: "demo",
		Code: "def run():\n    return 1\n",
	}, "conv-1")
	require.NoError(t, err)
	assert.True(t, resp.Rejected)
	assert.Equal(t, CodeMissingAuthorityDecision, resp.Code)
}

func TestHandleCreate_DecisionProvenance(t *testing.T) {
	tests := []struct {
		name     string
		decision *protocol.ControlDecision
		wantCode string
	}{
		{
			name: "valid decision accepted",
			decision: &protocol.ControlDecision{
				Action: protocol.ActionApprove, Passed: true, Source: AuthoritySource,
			},
		},
		{
			name: "warn decision accepted",
			decision: &protocol.ControlDecision{
				Action: protocol.ActionWarn, Passed: true, Source: AuthoritySource,
			},
		},
		{
			name:     "empty decision object counts as absent",
			decision: &protocol.ControlDecision{},
			wantCode: CodeMissingAuthorityDecision,
		},
		{
			name: "not passed",
			decision: &protocol.ControlDecision{
				Action: protocol.ActionApprove, Passed: false, Source: AuthoritySource,
			},
			wantCode: CodeRejectedByAuthority,
		},
		{
			name: "wrong source",
			decision: &protocol.ControlDecision{
				Action: protocol.ActionApprove, Passed: true, Source: "control_layer",
			},
			wantCode: CodeRejectedByAuthority,
		},
		{
			name: "block action",
			decision: &protocol.ControlDecision{
				Action: protocol.ActionBlock, Passed: true, Source: AuthoritySource,
			},
			wantCode: CodeRejectedByAuthority,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testSkillsConfig(t, "")
			authority, _ := newTestAuthority(t, cfg, nil)

			resp, err := authority.HandleCreate(context.Background(), &protocol.SkillCreateRequest{
				Name:            "demo",
				Code:            "def run():\n    return 1\n",
				ControlDecision: tt.decision,
			}, "conv-1")
			require.NoError(t, err)

			if tt.wantCode == "" {
				assert.True(t, resp.Created)
			} else {
				assert.True(t, resp.Rejected)
				assert.Equal(t, tt.wantCode, resp.Code)
			}
		})
	}
}

func TestCreateSkill_LegacyDualExecutorWins(t *testing.T) {
	cfg := testSkillsConfig(t, "")
	cfg.Authority = config.AuthorityLegacyDual
	authority, _ := newTestAuthority(t, cfg, nil)

	// the executor validates the code itself; a forged approve on unsafe
	// code does not help
	resp, err := authority.CreateSkill(context.Background(), &protocol.SkillCreateRequest{
		Name: "evil",
		Code: "import ctypes\n",
		ControlDecision: &protocol.ControlDecision{
			Action: protocol.ActionApprove, Passed: true, Source: AuthoritySource,
		},
	}, "conv-1")
	require.NoError(t, err)
	assert.True(t, resp.Rejected)
	assert.Equal(t, CodeRejectedByAuthority, resp.Code)

	// safe code passes even without any decision
	resp, err = authority.CreateSkill(context.Background(), &protocol.SkillCreateRequest{
		Name: "demo",
		Code: "def run():\n    return 1\n",
	}, "conv-1")
	require.NoError(t, err)
	assert.True(t, resp.Created)
}

func TestRegistry_DedupeOneLatestPerKey(t *testing.T) {
	ctx := context.Background()
	registry := NewRegistry(t.TempDir())

	code := "def run():\n    return 1\n"
	key := protocol.SkillKey("demo", code, "python")

	first, err := registry.Install(ctx, &protocol.SkillRecord{Name: "demo", Key: key, Status: protocol.SkillActive})
	require.NoError(t, err)
	assert.Equal(t, 1, first.Version)

	second, err := registry.Install(ctx, &protocol.SkillRecord{Name: "demo", Key: key, Status: protocol.SkillActive})
	require.NoError(t, err)
	assert.Equal(t, 2, second.Version)

	records, err := registry.Load()
	require.NoError(t, err)
	nonRevoked := 0
	for _, r := range records {
		if r.Key == key && r.Status != protocol.SkillRevoked {
			nonRevoked++
		}
	}
	assert.Equal(t, 1, nonRevoked)
}

func TestRegistry_SkillKeyNormalization(t *testing.T) {
	a := protocol.SkillKey("demo", "def run():\r\n    return 1  \r\n", "python")
	b := protocol.SkillKey("demo", "def run():\n    return 1\n", "python")
	assert.Equal(t, a, b)

	c := protocol.SkillKey("demo", "def run():\n    return 2\n", "python")
	assert.NotEqual(t, a, c)
}

func TestRegistry_RevokeAndActiveSet(t *testing.T) {
	ctx := context.Background()
	registry := NewRegistry(t.TempDir())

	keyA := protocol.SkillKey("a", "code a", "python")
	keyB := protocol.SkillKey("b", "code b", "python")
	_, err := registry.Install(ctx, &protocol.SkillRecord{Name: "a", Key: keyA, Status: protocol.SkillActive})
	require.NoError(t, err)
	_, err = registry.Install(ctx, &protocol.SkillRecord{Name: "b", Key: keyB, Status: protocol.SkillActive})
	require.NoError(t, err)

	active, err := registry.ActiveBlueprintIDs(ctx)
	require.NoError(t, err)
	assert.True(t, active[keyA])
	assert.True(t, active[keyB])

	revoked, err := registry.Revoke(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []string{keyA}, revoked)

	active, err = registry.ActiveBlueprintIDs(ctx)
	require.NoError(t, err)
	assert.False(t, active[keyA])
	assert.True(t, active[keyB])
}

func TestAllowlist_CacheAndSingleflight(t *testing.T) {
	var fetches atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		json.NewEncoder(w).Encode(allowlistPayload{Packages: []string{"pandas"}})
	}))
	defer srv.Close()

	allowlist := NewAllowlist(srv.URL, time.Minute)
	ctx := context.Background()

	assert.True(t, allowlist.Get(ctx)["pandas"])
	assert.True(t, allowlist.Get(ctx)["pandas"])
	assert.Equal(t, int32(1), fetches.Load())

	allowlist.Invalidate()
	allowlist.Get(ctx)
	assert.Equal(t, int32(2), fetches.Load())
}

func TestValidator_Escalates(t *testing.T) {
	v := NewValidator()
	decision := v.Validate(&protocol.SkillCreateRequest{
		Name: "cred",
		Code: "import keyring\n",
	})
	assert.Equal(t, protocol.ActionEscalate, decision.Action)
	assert.False(t, decision.Permits(AuthoritySource))
}

func TestRenderer_CatalogAndHints(t *testing.T) {
	ctx := context.Background()
	registry := NewRegistry(t.TempDir())
	renderer := NewRenderer(registry)

	// empty registry renders nothing
	text, err := renderer.RenderTypedState(ctx)
	require.NoError(t, err)
	assert.Empty(t, text)

	_, err = registry.Install(ctx, &protocol.SkillRecord{
		Name: "fetch_rss", Key: protocol.SkillKey("fetch_rss", "code", "python"), Status: protocol.SkillActive,
	})
	require.NoError(t, err)

	text, err = renderer.RenderTypedState(ctx)
	require.NoError(t, err)
	assert.Contains(t, text, "## SKILLS")
	assert.Contains(t, text, "fetch_rss v1")

	renderer.AddHint("rss feed pending")
	assert.Equal(t, []string{"rss feed pending"}, renderer.Hints(ctx))
}
