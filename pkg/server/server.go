// Package server exposes the HTTP surface: the chat endpoint with its
// NDJSON stream, deep jobs, workspace access, the skill authority's v1
// endpoints, and the digest runtime API.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hausgeist/hausgeist/pkg/config"
	"github.com/hausgeist/hausgeist/pkg/digest"
	"github.com/hausgeist/hausgeist/pkg/memory"
	"github.com/hausgeist/hausgeist/pkg/observability"
	"github.com/hausgeist/hausgeist/pkg/pipeline"
	"github.com/hausgeist/hausgeist/pkg/skills"
	"github.com/hausgeist/hausgeist/pkg/tools"
)

// Deps bundles everything the HTTP layer serves. Any nil member just
// disables its routes; tests wire only what they exercise.
type Deps struct {
	Orchestrator *pipeline.Orchestrator
	Jobs         *pipeline.JobManager
	Workspace    memory.WorkspaceStore
	Authority    *skills.Authority
	SkillReg     *skills.Registry
	Allowlist    *skills.Allowlist
	Digest       *digest.Pipeline
	Tools        *tools.Registry
	Selector     *tools.Selector
}

// Server is the HTTP front of the assistant.
type Server struct {
	cfg  *config.Config
	deps Deps
	http *http.Server
}

func New(cfg *config.Config, deps Deps) *Server {
	s := &Server{cfg: cfg, deps: deps}
	s.http = &http.Server{
		Addr:              cfg.Server.Address(),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Router builds the chi router. Exposed separately so tests can drive
// handlers through httptest without binding a port.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", observability.MetricsHandler())
	r.Get("/api/schema", s.handleSchema)

	r.Route("/api", func(r chi.Router) {
		r.Post("/chat", s.handleChat)
		r.Post("/chat/deep-jobs", s.handleDeepJobSubmit)
		r.Get("/chat/deep-jobs/{id}", s.handleDeepJobStatus)

		r.Get("/workspace", s.handleWorkspaceList)
		r.Put("/workspace/{id}", s.handleWorkspaceUpdate)
		r.Delete("/workspace/{id}", s.handleWorkspaceDelete)
		r.Get("/workspace-events", s.handleWorkspaceEvents)

		r.Get("/runtime/digest-state", s.handleDigestState)
	})

	r.Route("/v1", func(r chi.Router) {
		r.Get("/skills/{name}", s.handleSkillGet)
		r.Post("/skills/create", s.handleSkillCreate)
		r.Get("/packages", s.handlePackagesList)
		r.Post("/packages", s.handlePackagesInstall)

		r.Post("/tools/announce", s.handleToolAnnounce)
	})

	return r
}

// Start serves until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	slog.Info("HTTP server listening", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// requestLogger is the one-line access log.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Failed to encode response", "error", err)
	}
}

// writeError renders the uniform user-visible error shape.
func writeError(w http.ResponseWriter, status int, reason string) {
	writeJSON(w, status, map[string]any{
		"error": "❌ Fehler: " + reason,
		"done":  true,
	})
}
