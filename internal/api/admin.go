package api

import (
	"net/http"

	"connector-orchestrator/internal/admin"
)

func (s *Server) handleListDLQ(w http.ResponseWriter, r *http.Request) {
	queues, err := s.deps.Admin.ListDLQ(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"queues": queues})
}

func (s *Server) handleReplayDLQ(w http.ResponseWriter, r *http.Request) {
	var req admin.ReplayRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.deps.Admin.Replay(r.Context(), principal(r), req); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "replayed", "job_id": req.JobID})
}

func (s *Server) handlePurgeDLQ(w http.ResponseWriter, r *http.Request) {
	var req admin.PurgeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	removed, err := s.deps.Admin.Purge(r.Context(), principal(r), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "purged", "removed": removed})
}

func (s *Server) handleIssueImpersonation(w http.ResponseWriter, r *http.Request) {
	var req admin.IssueRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	issued, err := s.deps.Admin.IssueImpersonation(r.Context(), principal(r), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, issued)
}

func (s *Server) handleStopImpersonation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.deps.Admin.StopImpersonation(r.Context(), principal(r), req.Reason, r.URL.Path); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}
