package skills

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hausgeist/hausgeist/pkg/config"
	"github.com/hausgeist/hausgeist/pkg/memory"
	"github.com/hausgeist/hausgeist/pkg/observability"
	"github.com/hausgeist/hausgeist/pkg/protocol"
)

// Rejection codes the executor returns without creating anything.
const (
	CodeMissingAuthorityDecision = "missing_authority_decision"
	CodeRejectedByAuthority      = "rejected_by_authority"
)

const graphSyncRetries = 3

// PackageInstaller installs allowlisted packages into the skill runtime.
// The container runtime owns the actual installation; this is its
// contract surface.
type PackageInstaller interface {
	Install(ctx context.Context, packages []string) error
}

// LogInstaller records install requests without acting on them. Used when
// no runtime is attached (tests, dry runs).
type LogInstaller struct{}

func (LogInstaller) Install(ctx context.Context, packages []string) error {
	slog.Info("Package install requested", "packages", packages)
	return nil
}

// Executor owns every side effect of skill creation: registry writes,
// code files, package installs, and the weak graph sync. It never
// decides; in the default authority mode it only verifies that a
// decision exists and came from the authority.
type Executor struct {
	authorityMode string
	registry      *Registry
	graph         memory.GraphStore
	validator     *Validator
	installer     PackageInstaller
}

func NewExecutor(cfg *config.SkillsConfig, registry *Registry, graph memory.GraphStore, installer PackageInstaller) *Executor {
	if installer == nil {
		installer = LogInstaller{}
	}
	return &Executor{
		authorityMode: cfg.Authority,
		registry:      registry,
		graph:         graph,
		validator:     NewValidator(),
		installer:     installer,
	}
}

// Create persists one validated skill. In skill_server mode the decision
// must be present, passed, approve or warn, and sourced from the
// authority. In legacy_dual rollback mode the executor validates the
// code itself and the provided decision is ignored; when the two
// configurations disagree the executor wins.
func (e *Executor) Create(ctx context.Context, req *protocol.SkillCreateRequest, decision *protocol.ControlDecision) (*protocol.SkillRecord, string, error) {
	switch e.authorityMode {
	case config.AuthorityLegacyDual:
		ownDecision := e.validator.Validate(req)
		if !ownDecision.Permits(AuthoritySource) {
			return nil, CodeRejectedByAuthority, nil
		}
	default:
		// A decoded-but-empty decision carries no authority judgment and
		// counts as absent.
		if decision == nil || (decision.Source == "" && decision.Action == "") {
			return nil, CodeMissingAuthorityDecision, nil
		}
		if !decision.Permits(AuthoritySource) {
			return nil, CodeRejectedByAuthority, nil
		}
	}

	key := protocol.SkillKey(req.Name, req.Code, req.Language)
	record, err := e.registry.Install(ctx, &protocol.SkillRecord{
		Name:   req.Name,
		Status: protocol.SkillActive,
		Key:    key,
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to persist skill: %w", err)
	}

	if err := e.registry.WriteCode(req.Name, req.Language, req.Code); err != nil {
		return nil, "", fmt.Errorf("failed to write skill code: %w", err)
	}

	e.syncGraph(ctx, record, req)

	observability.GetBus().Emit(observability.KindSkill, "skill_created", map[string]any{
		"name":    record.Name,
		"version": record.Version,
		"key":     record.Key,
	})
	return record, "", nil
}

// InstallPackages delegates to the attached installer.
func (e *Executor) InstallPackages(ctx context.Context, packages []string) error {
	if len(packages) == 0 {
		return nil
	}
	return e.installer.Install(ctx, packages)
}

// syncGraph pushes the new skill into the weak graph index with bounded
// retries. The registry write already succeeded; a sync failure is
// dropped with a log and left to the next reconcile.
func (e *Executor) syncGraph(ctx context.Context, record *protocol.SkillRecord, req *protocol.SkillCreateRequest) {
	if e.graph == nil {
		return
	}

	candidate := &protocol.GraphCandidate{
		BlueprintID: record.Key,
		NodeID:      fmt.Sprintf("%s-v%d", record.Key, record.Version),
		Content:     req.Name,
		UpdatedAt:   time.Now().UTC(),
		Meta: map[string]any{
			"name":     record.Name,
			"language": req.Language,
		},
	}

	var err error
	for attempt := 1; attempt <= graphSyncRetries; attempt++ {
		if err = e.graph.UpsertNode(ctx, candidate); err == nil {
			return
		}
		time.Sleep(time.Duration(attempt) * 100 * time.Millisecond)
	}
	slog.Warn("Graph sync dropped after retries",
		"skill", record.Name, "attempts", graphSyncRetries, "error", err)
}
