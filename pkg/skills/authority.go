package skills

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hausgeist/hausgeist/pkg/config"
	"github.com/hausgeist/hausgeist/pkg/memory"
	"github.com/hausgeist/hausgeist/pkg/protocol"
)

// CodeBlockedBySafety rejects a create whose code failed the safety
// validator outright.
const CodeBlockedBySafety = "blocked_by_safety"

// Status values naming a create's terminal outcome on the wire.
const (
	StatusCreated                = "created"
	StatusRejected               = "rejected"
	StatusPendingPackageApproval = "pending_package_approval"
	StatusPendingSkillApproval   = "pending_skill_approval"
)

// CreateResponse is the authority's answer to one create request. At
// most one of Created, Rejected, PendingPackageApproval,
// PendingSkillApproval is set; Status names the same outcome.
type CreateResponse struct {
	Status                 string                    `json:"status,omitempty"`
	Created                bool                      `json:"created"`
	Rejected               bool                      `json:"rejected,omitempty"`
	Code                   string                    `json:"code,omitempty"`
	PendingPackageApproval bool                      `json:"pending_package_approval,omitempty"`
	PendingSkillApproval   bool                      `json:"pending_skill_approval,omitempty"`
	EventType              string                    `json:"event_type,omitempty"`
	SkillName              string                    `json:"skill_name"`
	MissingPackages        []string                  `json:"missing_packages,omitempty"`
	NeedsPackageInstall    bool                      `json:"needs_package_install,omitempty"`
	NeedsPackageApproval   bool                      `json:"needs_package_approval,omitempty"`
	Decision               *protocol.ControlDecision `json:"control_decision,omitempty"`
	Skill                  *protocol.SkillRecord     `json:"skill,omitempty"`
}

// Authority is the single component that validates skill-create
// requests. Package policy runs first, then the safety validator; only
// an approving decision reaches the executor. In legacy_dual rollback
// mode validation moves to the executor and this component passes
// requests through.
type Authority struct {
	cfg       *config.SkillsConfig
	allowlist *Allowlist
	validator *Validator
	executor  *Executor
	workspace memory.WorkspaceStore
}

func NewAuthority(cfg *config.SkillsConfig, allowlist *Allowlist, executor *Executor, workspace memory.WorkspaceStore) *Authority {
	return &Authority{
		cfg:       cfg,
		allowlist: allowlist,
		validator: NewValidator(),
		executor:  executor,
		workspace: workspace,
	}
}

// CreateSkill runs the full create flow for one request.
func (a *Authority) CreateSkill(ctx context.Context, req *protocol.SkillCreateRequest, conversationID string) (*CreateResponse, error) {
	if req == nil || req.Name == "" || req.Code == "" {
		return nil, fmt.Errorf("skill create request requires name and code")
	}
	if req.Language == "" {
		req.Language = "python"
	}

	if resp := a.applyPackagePolicy(ctx, req, conversationID); resp != nil {
		return resp, nil
	}

	if a.cfg.Authority == config.AuthorityLegacyDual {
		return a.delegate(ctx, req, req.ControlDecision)
	}

	decision := a.validator.Validate(req)
	switch decision.Action {
	case protocol.ActionBlock:
		slog.Warn("Skill create blocked by safety validator",
			"skill", req.Name, "reasons", decision.Reasons)
		return &CreateResponse{
			Status:    StatusRejected,
			Rejected:  true,
			Code:      CodeBlockedBySafety,
			SkillName: req.Name,
			Decision:  decision,
		}, nil

	case protocol.ActionEscalate:
		a.persistApprovalRequest(ctx, conversationID, req.Name, nil)
		return &CreateResponse{
			Status:               StatusPendingSkillApproval,
			PendingSkillApproval: true,
			EventType:            protocol.EntryTypeApprovalRequested,
			SkillName:            req.Name,
			Decision:             decision,
		}, nil
	}

	return a.delegate(ctx, req, decision)
}

// HandleCreate serves the external create endpoint. Package policy still
// applies, but the decision travels with the request: the executor
// verifies its provenance instead of validating twice.
func (a *Authority) HandleCreate(ctx context.Context, req *protocol.SkillCreateRequest, conversationID string) (*CreateResponse, error) {
	if req == nil || req.Name == "" || req.Code == "" {
		return nil, fmt.Errorf("skill create request requires name and code")
	}
	if req.Language == "" {
		req.Language = "python"
	}

	if resp := a.applyPackagePolicy(ctx, req, conversationID); resp != nil {
		return resp, nil
	}
	return a.delegate(ctx, req, req.ControlDecision)
}

// applyPackagePolicy classifies requested packages and short-circuits
// with a pending response when any need approval. Returns nil when the
// create may proceed.
func (a *Authority) applyPackagePolicy(ctx context.Context, req *protocol.SkillCreateRequest, conversationID string) *CreateResponse {
	if len(req.RequestedPackages) == 0 {
		return nil
	}

	var allowed, missing []string
	if a.cfg.InstallMode == config.InstallManualOnly {
		// Manual mode never installs; every requested package waits.
		_, missing = classifyPackages(req.RequestedPackages, nil)
	} else {
		allowed, missing = classifyPackages(req.RequestedPackages, a.allowlist.Get(ctx))
	}

	if len(missing) > 0 {
		slog.Info("Skill create pending package approval",
			"skill", req.Name, "missing", missing)
		a.persistApprovalRequest(ctx, conversationID, req.Name, missing)
		return &CreateResponse{
			Status:                 StatusPendingPackageApproval,
			PendingPackageApproval: true,
			EventType:              protocol.EntryTypeApprovalRequested,
			SkillName:              req.Name,
			MissingPackages:        missing,
			NeedsPackageInstall:    true,
			NeedsPackageApproval:   true,
		}
	}

	if err := a.executor.InstallPackages(ctx, allowed); err != nil {
		slog.Warn("Package install failed", "skill", req.Name, "error", err)
	}
	return nil
}

// ClassifyPackages splits requested packages by the active install
// policy. Manual mode classifies everything as missing.
func (a *Authority) ClassifyPackages(ctx context.Context, requested []string) (allowed, missing []string) {
	if a.cfg.InstallMode == config.InstallManualOnly {
		return classifyPackages(requested, nil)
	}
	return classifyPackages(requested, a.allowlist.Get(ctx))
}

// InstallPackages forwards an approved install to the executor.
func (a *Authority) InstallPackages(ctx context.Context, packages []string) error {
	return a.executor.InstallPackages(ctx, packages)
}

func (a *Authority) delegate(ctx context.Context, req *protocol.SkillCreateRequest, decision *protocol.ControlDecision) (*CreateResponse, error) {
	record, rejectionCode, err := a.executor.Create(ctx, req, decision)
	if err != nil {
		return nil, err
	}
	if rejectionCode != "" {
		return &CreateResponse{
			Status:    StatusRejected,
			Rejected:  true,
			Code:      rejectionCode,
			SkillName: req.Name,
			Decision:  decision,
		}, nil
	}
	return &CreateResponse{
		Status:    StatusCreated,
		Created:   true,
		SkillName: req.Name,
		Decision:  decision,
		Skill:     record,
	}, nil
}

// persistApprovalRequest writes the approval_requested workspace entry.
// missing may be empty for skill-level escalations; the key is always
// present.
func (a *Authority) persistApprovalRequest(ctx context.Context, conversationID, skillName string, missing []string) {
	if a.workspace == nil || conversationID == "" {
		return
	}
	if missing == nil {
		missing = []string{}
	}

	entry := &protocol.WorkspaceEntry{
		ConversationID: conversationID,
		EntryType:      protocol.EntryTypeApprovalRequested,
		SourceLayer:    "skill_authority",
		Source:         protocol.WorkspaceSourceEvent,
		Content: map[string]any{
			"skill_name":       skillName,
			"missing_packages": missing,
		},
	}
	if err := a.workspace.Append(ctx, entry); err != nil {
		slog.Warn("Failed to persist approval request", "skill", skillName, "error", err)
	}
}
