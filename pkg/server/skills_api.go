package server

import (
	"encoding/json"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"
	"github.com/invopop/jsonschema"

	"github.com/hausgeist/hausgeist/pkg/digest"
	"github.com/hausgeist/hausgeist/pkg/pipeline"
	"github.com/hausgeist/hausgeist/pkg/protocol"
	"github.com/hausgeist/hausgeist/pkg/skills"
	"github.com/hausgeist/hausgeist/pkg/tools"
)

func (s *Server) handleSkillGet(w http.ResponseWriter, r *http.Request) {
	record, err := s.deps.SkillReg.Get(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, record)
}

// handleSkillCreate serves POST /v1/skills/create. The control decision
// travels inside the request; provenance checking happens downstream in
// the executor, never here.
func (s *Server) handleSkillCreate(w http.ResponseWriter, r *http.Request) {
	var req protocol.SkillCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "ungültige Anfrage: "+err.Error())
		return
	}

	resp, err := s.deps.Authority.HandleCreate(r.Context(), &req, r.URL.Query().Get("conversation_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	status := http.StatusOK
	if resp.Rejected {
		status = http.StatusForbidden
	}
	writeJSON(w, status, resp)
}

func (s *Server) handlePackagesList(w http.ResponseWriter, r *http.Request) {
	allowlisted := s.deps.Allowlist.Get(r.Context())
	packages := make([]string, 0, len(allowlisted))
	for name := range allowlisted {
		packages = append(packages, name)
	}
	sort.Strings(packages)
	writeJSON(w, http.StatusOK, map[string]any{"packages": packages})
}

// handlePackagesInstall classifies a requested package set and installs
// the allowlisted part. Non-allowlisted packages come back as missing;
// nothing is installed speculatively for them.
func (s *Server) handlePackagesInstall(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Packages []string `json:"packages"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "ungültige Anfrage: "+err.Error())
		return
	}
	if len(body.Packages) == 0 {
		writeError(w, http.StatusBadRequest, "keine Pakete angegeben")
		return
	}

	allowed, missing := s.deps.Authority.ClassifyPackages(r.Context(), body.Packages)
	if len(allowed) > 0 {
		if err := s.deps.Authority.InstallPackages(r.Context(), allowed); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"installed":              allowed,
		"missing_packages":       missing,
		"needs_package_approval": len(missing) > 0,
	})
}

// handleToolAnnounce registers (or re-registers) a tool server's
// catalog entry and refreshes the selector's semantic index.
func (s *Server) handleToolAnnounce(w http.ResponseWriter, r *http.Request) {
	var tool tools.Tool
	if err := json.NewDecoder(r.Body).Decode(&tool); err != nil {
		writeError(w, http.StatusBadRequest, "ungültige Anfrage: "+err.Error())
		return
	}
	if err := s.deps.Tools.RegisterTool(&tool); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.deps.Selector != nil {
		if err := s.deps.Selector.SyncCatalog(r.Context()); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]bool{"registered": true})
}

// handleSchema publishes the JSON schemas of the wire types so UI and
// tool servers can validate against the running version.
func (s *Server) handleSchema(w http.ResponseWriter, r *http.Request) {
	reflector := jsonschema.Reflector{DoNotReference: true}
	schemas := map[string]*jsonschema.Schema{
		"request":         reflector.Reflect(&protocol.Request{}),
		"stream_event":    reflector.Reflect(&protocol.StreamEvent{}),
		"final_response":  reflector.Reflect(&pipeline.FinalResponse{}),
		"skill_create":    reflector.Reflect(&protocol.SkillCreateRequest{}),
		"create_response": reflector.Reflect(&skills.CreateResponse{}),
		"workspace_entry": reflector.Reflect(&protocol.WorkspaceEntry{}),
		"digest_state":    reflector.Reflect(&digest.RuntimeStateV2{}),
	}
	writeJSON(w, http.StatusOK, schemas)
}
