package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hausgeist/hausgeist/pkg/config"
)

func upTarget(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// downURL points at a port nothing listens on.
const downURL = "http://127.0.0.1:1"

func TestRouter_DecisionMatrix(t *testing.T) {
	up := upTarget(t)

	tests := []struct {
		name          string
		policy        string
		cpuURL        string
		gpuURL        string
		wantTarget    string
		wantHardError bool
		wantFallback  string
	}{
		{
			name:   "cpu_only with cpu up",
			policy: config.EmbeddingPolicyCPUOnly, cpuURL: up.URL, gpuURL: up.URL,
			wantTarget: TargetCPU,
		},
		{
			name:   "cpu_only never routes to gpu",
			policy: config.EmbeddingPolicyCPUOnly, cpuURL: downURL, gpuURL: up.URL,
			wantHardError: true,
		},
		{
			name:   "prefer_gpu with gpu up",
			policy: config.EmbeddingPolicyPreferGPU, cpuURL: up.URL, gpuURL: up.URL,
			wantTarget: TargetGPU,
		},
		{
			name:   "prefer_gpu falls back to cpu",
			policy: config.EmbeddingPolicyPreferGPU, cpuURL: up.URL, gpuURL: downURL,
			wantTarget: TargetCPU, wantFallback: "gpu_down",
		},
		{
			name:   "auto with gpu up",
			policy: config.EmbeddingPolicyAuto, cpuURL: up.URL, gpuURL: up.URL,
			wantTarget: TargetGPU,
		},
		{
			name:   "auto falls back to cpu",
			policy: config.EmbeddingPolicyAuto, cpuURL: up.URL, gpuURL: downURL,
			wantTarget: TargetCPU, wantFallback: "gpu_down",
		},
		{
			name:   "auto with both down",
			policy: config.EmbeddingPolicyAuto, cpuURL: downURL, gpuURL: downURL,
			wantHardError: true,
		},
		{
			name:   "unconfigured gpu counts as down",
			policy: config.EmbeddingPolicyPreferGPU, cpuURL: up.URL, gpuURL: "",
			wantTarget: TargetCPU, wantFallback: "gpu_down",
		},
		{
			name:   "unknown policy fails closed",
			policy: "fastest", cpuURL: up.URL, gpuURL: up.URL,
			wantHardError: true, wantFallback: "unknown_policy",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRouter(&config.EmbeddingConfig{
				Policy:     tt.policy,
				CPUBaseURL: tt.cpuURL,
				GPUBaseURL: tt.gpuURL,
			})

			d := r.Resolve(context.Background(), "", RoleArchiveEmbedding)
			assert.Equal(t, tt.wantHardError, d.HardError)
			if tt.wantHardError {
				assert.Equal(t, http.StatusServiceUnavailable, d.ErrorCode)
				assert.Empty(t, d.EffectiveTarget)
			} else {
				assert.Equal(t, tt.wantTarget, d.EffectiveTarget)
			}
			assert.Equal(t, tt.wantFallback, d.FallbackReason)
		})
	}
}

func TestRouter_ExplicitPolicyOverridesConfig(t *testing.T) {
	up := upTarget(t)
	r := NewRouter(&config.EmbeddingConfig{
		Policy:     config.EmbeddingPolicyAuto,
		CPUBaseURL: up.URL,
		GPUBaseURL: up.URL,
	})

	d := r.Resolve(context.Background(), config.EmbeddingPolicyCPUOnly, RoleSQLMemoryEmbedding)
	assert.Equal(t, TargetCPU, d.EffectiveTarget)
	assert.Equal(t, config.EmbeddingPolicyCPUOnly, d.RequestedPolicy)
}

func TestRouter_AvailabilityCache(t *testing.T) {
	var probes atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		probes.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	r := NewRouter(&config.EmbeddingConfig{
		Policy:          config.EmbeddingPolicyCPUOnly,
		CPUBaseURL:      srv.URL,
		AvailabilityTTL: time.Minute,
	})

	r.Resolve(context.Background(), "", RoleArchiveEmbedding)
	r.Resolve(context.Background(), "", RoleArchiveEmbedding)
	assert.Equal(t, int32(1), probes.Load())

	r.Invalidate()
	r.Resolve(context.Background(), "", RoleArchiveEmbedding)
	assert.Equal(t, int32(2), probes.Load())
}

func TestClient_Embed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/version":
			w.WriteHeader(http.StatusOK)
		case "/api/embeddings":
			var req embedRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "nomic-embed-text", req.Model)
			assert.Equal(t, "der Kaffee ist fertig", req.Prompt)
			json.NewEncoder(w).Encode(embedResponse{Embedding: []float32{0.1, 0.2, 0.3}})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	cfg := &config.EmbeddingConfig{
		Policy:     config.EmbeddingPolicyCPUOnly,
		CPUBaseURL: srv.URL,
	}
	c := NewClient(cfg, NewRouter(cfg), "nomic-embed-text", RoleSQLMemoryEmbedding)

	vec, err := c.Embed(context.Background(), "der Kaffee ist fertig")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vec)
}

func TestClient_EmbedHardError(t *testing.T) {
	cfg := &config.EmbeddingConfig{
		Policy:     config.EmbeddingPolicyCPUOnly,
		CPUBaseURL: downURL,
	}
	c := NewClient(cfg, NewRouter(cfg), "nomic-embed-text", RoleArchiveEmbedding)

	_, err := c.Embed(context.Background(), "text")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no embedding target available")
}
