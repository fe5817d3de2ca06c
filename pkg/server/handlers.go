package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hausgeist/hausgeist/pkg/protocol"
)

// chatEnvelope is the non-stream chat response.
type chatEnvelope struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Model string `json:"model"`
	Done  bool   `json:"done"`
}

// handleChat serves POST /api/chat. Streaming responses are
// newline-delimited JSON, one stream event per line; the non-stream
// variant materializes the run into a single envelope.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req protocol.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "ungültige Anfrage: "+err.Error())
		return
	}
	if req.LastUserMessage() == "" {
		writeError(w, http.StatusBadRequest, "Nachricht fehlt")
		return
	}

	stream := req.Stream || r.URL.Query().Get("response_mode") == "stream"
	if !stream {
		resp, err := s.deps.Orchestrator.Process(r.Context(), &req)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		envelope := chatEnvelope{Model: resp.Model, Done: true}
		envelope.Message.Content = resp.Content
		writeJSON(w, http.StatusOK, envelope)
		return
	}

	ch, err := s.deps.Orchestrator.ProcessStream(r.Context(), &req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	for ev := range ch {
		if err := enc.Encode(ev); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func (s *Server) handleDeepJobSubmit(w http.ResponseWriter, r *http.Request) {
	var req protocol.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "ungültige Anfrage: "+err.Error())
		return
	}
	req.DeepJob = true

	id, err := s.deps.Jobs.Submit(r.Context(), &req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": id})
}

func (s *Server) handleDeepJobStatus(w http.ResponseWriter, r *http.Request) {
	job, ok := s.deps.Jobs.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "unbekannter Job")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleWorkspaceList(w http.ResponseWriter, r *http.Request) {
	conversationID := r.URL.Query().Get("conversation_id")
	if conversationID == "" {
		writeError(w, http.StatusBadRequest, "conversation_id fehlt")
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, "ungültiges Limit")
			return
		}
		limit = parsed
	}

	entries, err := s.deps.Workspace.List(r.Context(), conversationID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleWorkspaceUpdate(w http.ResponseWriter, r *http.Request) {
	var content map[string]any
	if err := json.NewDecoder(r.Body).Decode(&content); err != nil {
		writeError(w, http.StatusBadRequest, "ungültiger Inhalt: "+err.Error())
		return
	}

	if err := s.deps.Workspace.Update(r.Context(), chi.URLParam(r, "id"), content); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"updated": true})
}

func (s *Server) handleWorkspaceDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Workspace.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (s *Server) handleWorkspaceEvents(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	events, err := s.deps.Workspace.ListEvents(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleDigestState(w http.ResponseWriter, r *http.Request) {
	state, err := s.deps.Digest.RuntimeState()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, state)
}
