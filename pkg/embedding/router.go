// Package embedding routes embedding calls between the CPU and GPU
// targets deterministically. A cpu_only policy never reaches a GPU
// target; when no permitted target is up the router hard-errors instead
// of guessing.
package embedding

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/hausgeist/hausgeist/pkg/config"
	"github.com/hausgeist/hausgeist/pkg/httpclient"
	"github.com/hausgeist/hausgeist/pkg/observability"
	"github.com/hausgeist/hausgeist/pkg/protocol"
)

// Target names as they appear in routing decisions and metrics.
const (
	TargetCPU = "cpu"
	TargetGPU = "gpu"
)

// Caller roles, for log attribution only.
const (
	RoleArchiveEmbedding   = "archive_embedding"
	RoleSQLMemoryEmbedding = "sql_memory_embedding"
)

const hardErrorCode = http.StatusServiceUnavailable

// availability is a cached probe result per target.
type availability struct {
	up        bool
	checkedAt time.Time
}

// Router resolves the effective embedding target for one call.
type Router struct {
	cfg        *config.EmbeddingConfig
	httpClient *httpclient.Client

	mu    sync.Mutex
	cache map[string]availability
}

func NewRouter(cfg *config.EmbeddingConfig) *Router {
	return &Router{
		cfg: cfg,
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: 3 * time.Second}),
			httpclient.WithMaxRetries(0),
		),
		cache: make(map[string]availability),
	}
}

// Resolve applies the decision matrix for the given policy. callerRole
// only labels logs and events. An empty policy falls back to the
// configured one.
func (r *Router) Resolve(ctx context.Context, policy string, callerRole string) *protocol.EmbeddingRoutingDecision {
	if policy == "" {
		policy = r.cfg.Policy
	}

	tracer := observability.GetTracer("hausgeist.embedding")
	ctx, span := tracer.Start(ctx, observability.SpanEmbeddingRoute)
	defer span.End()

	cpuUp := r.targetAvailable(ctx, TargetCPU, r.cfg.CPUBaseURL)
	gpuUp := r.targetAvailable(ctx, TargetGPU, r.cfg.GPUBaseURL)

	decision := &protocol.EmbeddingRoutingDecision{RequestedPolicy: policy}

	switch policy {
	case config.EmbeddingPolicyCPUOnly:
		decision.RequestedTarget = TargetCPU
		if cpuUp {
			decision.EffectiveTarget = TargetCPU
		} else {
			decision.HardError = true
			decision.ErrorCode = hardErrorCode
		}

	case config.EmbeddingPolicyPreferGPU, config.EmbeddingPolicyAuto:
		decision.RequestedTarget = TargetGPU
		switch {
		case gpuUp:
			decision.EffectiveTarget = TargetGPU
		case cpuUp:
			decision.EffectiveTarget = TargetCPU
			decision.FallbackReason = "gpu_down"
		default:
			decision.HardError = true
			decision.ErrorCode = hardErrorCode
		}

	default:
		// Unknown policy is a caller bug; fail closed.
		decision.HardError = true
		decision.ErrorCode = hardErrorCode
		decision.FallbackReason = "unknown_policy"
	}

	r.report(ctx, decision, callerRole, policy)
	return decision
}

// report logs and counts the decision. prefer_gpu logs fallbacks at
// warn; auto treats them as routine.
func (r *Router) report(ctx context.Context, d *protocol.EmbeddingRoutingDecision, callerRole, policy string) {
	metrics := observability.GetGlobalMetrics()

	switch {
	case d.HardError:
		slog.Error("Embedding routing hard error",
			"policy", policy, "caller", callerRole, "code", d.ErrorCode)
		metrics.RecordRoutingTargetError(ctx, d.RequestedTarget)

	case d.FallbackReason != "":
		metrics.RecordRoutingFallback(ctx, d.RequestedTarget, d.EffectiveTarget)
		if policy == config.EmbeddingPolicyPreferGPU {
			slog.Warn("Embedding routing fell back",
				"policy", policy, "caller", callerRole,
				"from", d.RequestedTarget, "to", d.EffectiveTarget, "reason", d.FallbackReason)
		} else {
			slog.Info("Embedding routing fell back",
				"policy", policy, "caller", callerRole,
				"from", d.RequestedTarget, "to", d.EffectiveTarget, "reason", d.FallbackReason)
		}

	default:
		slog.Info("Embedding routed",
			"policy", policy, "caller", callerRole, "target", d.EffectiveTarget)
	}

	observability.GetBus().Emit(observability.KindRouting, "embedding_resolved", map[string]any{
		"policy":     policy,
		"caller":     callerRole,
		"effective":  d.EffectiveTarget,
		"hard_error": d.HardError,
		"fallback":   d.FallbackReason,
	})
}

// targetAvailable probes GET /api/version with a TTL cache. An
// unconfigured target counts as down; a probe that cannot run at all
// (no cache, transport dead) stays optimistic for backward
// compatibility with targets lacking the version endpoint.
func (r *Router) targetAvailable(ctx context.Context, target, baseURL string) bool {
	if baseURL == "" {
		return false
	}

	ttl := r.cfg.AvailabilityTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}

	r.mu.Lock()
	if cached, ok := r.cache[target]; ok && time.Since(cached.checkedAt) < ttl {
		r.mu.Unlock()
		return cached.up
	}
	r.mu.Unlock()

	up, known := r.probe(ctx, baseURL)
	if !known {
		// Unknown availability: optimistic all-available.
		return true
	}

	r.mu.Lock()
	r.cache[target] = availability{up: up, checkedAt: time.Now()}
	r.mu.Unlock()

	if !up {
		observability.GetGlobalMetrics().RecordRoutingTargetError(ctx, target)
	}
	return up
}

// probe returns (up, known). known=false means the check itself could
// not be made.
func (r *Router) probe(ctx context.Context, baseURL string) (bool, bool) {
	req, err := http.NewRequestWithContext(ctx, "GET", baseURL+"/api/version", nil)
	if err != nil {
		return false, false
	}
	resp, err := r.httpClient.Do(req)
	if resp != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		return false, true
	}
	return resp.StatusCode == http.StatusOK, true
}

// Invalidate clears the availability cache. Used by tests and after
// configuration reloads.
func (r *Router) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[string]availability)
}
