package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/hausgeist/hausgeist/pkg/config"
	"github.com/hausgeist/hausgeist/pkg/contextengine"
	"github.com/hausgeist/hausgeist/pkg/digest"
	"github.com/hausgeist/hausgeist/pkg/embedding"
	"github.com/hausgeist/hausgeist/pkg/llms"
	"github.com/hausgeist/hausgeist/pkg/memory"
	"github.com/hausgeist/hausgeist/pkg/observability"
	"github.com/hausgeist/hausgeist/pkg/pipeline"
	"github.com/hausgeist/hausgeist/pkg/server"
	"github.com/hausgeist/hausgeist/pkg/skills"
	"github.com/hausgeist/hausgeist/pkg/tools"
)

// defaultEmbeddingModel is the local embedding model served by both the
// CPU and GPU targets.
const defaultEmbeddingModel = "nomic-embed-text"

// app holds the fully wired server process.
type app struct {
	cfg          *config.Config
	server       *server.Server
	runner       *digest.Runner
	orchestrator *pipeline.Orchestrator

	closers []func() error
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			slog.Warn("Close failed during shutdown", "error", err)
		}
	}
}

// buildApp wires every component for the serve command.
func buildApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}

	metrics, err := observability.InitMetrics(ctx, observability.MetricsConfig{
		Enabled:  cfg.Observability.MetricsEnabled,
		Endpoint: cfg.Observability.MetricsPath,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to init metrics: %w", err)
	}
	observability.SetGlobalMetrics(metrics)

	if cfg.Observability.TracingEnabled {
		provider, err := observability.InitTracing(ctx, observability.TracerConfig{
			Enabled:     true,
			ServiceName: "hausgeist",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to init tracing: %w", err)
		}
		a.closers = append(a.closers, func() error {
			return provider.Shutdown(context.Background())
		})
	}

	if err := os.MkdirAll(cfg.Memory.SpeicherDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state dir: %w", err)
	}

	// Embedding routing, shared by facts and the tool selector.
	router := embedding.NewRouter(&cfg.Embedding)
	embedder := embedding.NewClient(&cfg.Embedding, router, defaultEmbeddingModel, "sql_memory_embedding")

	workspace, err := memory.NewSQLWorkspaceStore(cfg.Memory.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open workspace store: %w", err)
	}
	a.closers = append(a.closers, workspace.Close)

	facts, err := memory.NewChromemFactStore(filepath.Join(cfg.Memory.SpeicherDir, "facts"), embedder.ChromemFunc())
	if err != nil {
		return nil, fmt.Errorf("failed to open fact store: %w", err)
	}
	a.closers = append(a.closers, facts.Close)

	graphStore, err := memory.NewSQLGraphStore(filepath.Join(cfg.Memory.SpeicherDir, "graph.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to open graph store: %w", err)
	}
	a.closers = append(a.closers, graphStore.Close)

	csv := memory.NewCSVSource(cfg.Memory.SpeicherDir)
	persona := memory.NewPersonaLoader(cfg.Memory.PersonaPath)

	// Skill authority stack.
	skillReg := skills.NewRegistry(cfg.Skills.Home)
	allowlist := skills.NewAllowlist(cfg.Skills.AllowlistURL, cfg.Skills.AllowlistTTL)
	executor := skills.NewExecutor(&cfg.Skills, skillReg, graphStore, nil)
	authority := skills.NewAuthority(&cfg.Skills, allowlist, executor, workspace)
	renderer := skills.NewRenderer(skillReg)

	models, err := llms.NewRegistryFromConfig(&cfg.LLM)
	if err != nil {
		return nil, err
	}
	small, err := models.ForRole(llms.RoleSmall)
	if err != nil {
		return nil, err
	}

	toolReg := tools.NewRegistry()
	hub := tools.NewHub(toolReg)
	selector := tools.NewSelector(toolReg, small,
		tools.WithEmbeddingFunc(embedder.ChromemFunc()),
		tools.WithMaxSelected(cfg.Pipeline.MaxSelectedTools),
	)

	engine := contextengine.NewEngine(cfg, persona, facts, workspace, csv, renderer)
	orchestrator, err := pipeline.NewOrchestrator(cfg, engine, selector, toolReg, hub, models, workspace)
	if err != nil {
		return nil, err
	}
	a.orchestrator = orchestrator

	archive, err := digest.NewSQLArchive(filepath.Join(cfg.Digest.StateDir, "digests.db"), facts)
	if err != nil {
		return nil, fmt.Errorf("failed to open digest archive: %w", err)
	}
	a.closers = append(a.closers, archive.Close)

	digestPipeline := digest.NewPipeline(cfg, csv, archive, digest.NewLLMSummarizer(small),
		fmt.Sprintf("serve-%d", os.Getpid()))
	a.runner = digest.NewRunner(cfg, digestPipeline)

	a.server = server.New(cfg, server.Deps{
		Orchestrator: orchestrator,
		Jobs:         pipeline.NewJobManager(orchestrator),
		Workspace:    workspace,
		Authority:    authority,
		SkillReg:     skillReg,
		Allowlist:    allowlist,
		Digest:       digestPipeline,
		Tools:        toolReg,
		Selector:     selector,
	})
	return a, nil
}

// digestApp is the sidecar process wiring: only what a digest run needs.
type digestApp struct {
	pipeline *digest.Pipeline
	runner   *digest.Runner

	closers []func() error
}

func (a *digestApp) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			slog.Warn("Close failed during shutdown", "error", err)
		}
	}
}

func buildDigest(cfg *config.Config) (*digestApp, error) {
	a := &digestApp{}

	if err := os.MkdirAll(cfg.Digest.StateDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state dir: %w", err)
	}

	csv := memory.NewCSVSource(cfg.Memory.SpeicherDir)
	archive, err := digest.NewSQLArchive(filepath.Join(cfg.Digest.StateDir, "digests.db"), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open digest archive: %w", err)
	}
	a.closers = append(a.closers, archive.Close)

	// The sidecar summarizes with the small model when the host is up,
	// falling back to the deterministic rollup otherwise.
	var summarizer digest.Summarizer
	if models, err := llms.NewRegistryFromConfig(&cfg.LLM); err == nil {
		if small, err := models.ForRole(llms.RoleSmall); err == nil {
			summarizer = digest.NewLLMSummarizer(small)
		}
	}
	if summarizer == nil {
		summarizer = digest.NewLLMSummarizer(nil)
	}

	a.pipeline = digest.NewPipeline(cfg, csv, archive, summarizer,
		fmt.Sprintf("sidecar-%d", os.Getpid()))
	a.runner = digest.NewRunner(cfg, a.pipeline)
	return a, nil
}

// buildGraphDeps opens the graph store and skill registry for the
// reconcile command.
func buildGraphDeps(cfg *config.Config) (memory.GraphStore, *skills.Registry, func(), error) {
	store, err := memory.NewSQLGraphStore(filepath.Join(cfg.Memory.SpeicherDir, "graph.db"))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open graph store: %w", err)
	}
	registry := skills.NewRegistry(cfg.Skills.Home)
	return store, registry, func() { store.Close() }, nil
}
