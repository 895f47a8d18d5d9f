package api

import (
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"connector-orchestrator/internal/apperrors"
	"connector-orchestrator/internal/gateway"
	"connector-orchestrator/internal/jobs"
	"connector-orchestrator/internal/models"
	"connector-orchestrator/internal/telemetry"
	"connector-orchestrator/internal/webhook"
)

type executeRequest struct {
	Connector struct {
		ID string `json:"id"`
	} `json:"connector"`
	Operation string         `json:"operation"`
	Input     any            `json:"input"`
	Options   map[string]any `json:"options"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := decodeJSONNumbers(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	p := principal(r)
	resp, err := s.deps.Gateway.Execute(r.Context(), gateway.Call{
		TenantID:       p.Tenant(),
		ConnectorID:    req.Connector.ID,
		Operation:      req.Operation,
		Input:          req.Input,
		Options:        req.Options,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
		RequestID:      requestID(r.Context()),
		TraceID:        traceID(r.Context()),
		ActorType:      "api",
		ActorID:        p.Actor(),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type createJobRequest struct {
	Type           string         `json:"type"`
	Payload        map[string]any `json:"payload"`
	RunAt          *time.Time     `json:"run_at"`
	IdempotencyKey string         `json:"idempotency_key"`
	MaxAttempts    int            `json:"max_attempts"`
}

type createJobResponse struct {
	JobID    string    `json:"job_id"`
	Status   string    `json:"status"`
	QueuedAt time.Time `json:"queued_at"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	var req createJobRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	p := principal(r)
	job, _, err := s.deps.Jobs.Enqueue(r.Context(), jobs.CreateParams{
		TenantID:       p.Tenant(),
		Type:           req.Type,
		Payload:        req.Payload,
		RunAt:          req.RunAt,
		IdempotencyKey: req.IdempotencyKey,
		MaxAttempts:    req.MaxAttempts,
		CorrelationID:  requestID(r.Context()),
		TraceID:        traceID(r.Context()),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	if err := s.deps.Store.AppendRequestLog(r.Context(), models.RequestLog{
		ID:             uuid.NewString(),
		TenantID:       job.TenantID,
		RequestID:      requestID(r.Context()),
		TraceID:        traceID(r.Context()),
		ActorType:      "api",
		ActorID:        p.Actor(),
		Operation:      "jobs.create",
		Status:         "success",
		HTTPStatus:     http.StatusAccepted,
		LatencyMs:      time.Since(started).Milliseconds(),
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      time.Now().UTC(),
	}); err != nil {
		telemetry.FromContext(r.Context()).Warn("request log write failed", "error", err)
	}

	writeJSON(w, http.StatusAccepted, createJobResponse{
		JobID:    job.ID,
		Status:   job.Status,
		QueuedAt: job.CreatedAt,
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, runs, err := s.deps.Jobs.Get(r.Context(), principal(r).Tenant(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job, "runs": runs})
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "provider")
	provider, ok := s.deps.Webhooks.Provider(name)
	if !ok {
		writeError(w, r, apperrors.NewNotFound("unknown_provider", "unknown_provider", map[string]any{"provider": name}))
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, r, apperrors.NewValidation("body_too_large", "body_too_large", nil).WithCause(err))
		return
	}
	res, err := s.deps.Webhooks.Ingest(r.Context(), webhook.Delivery{
		Provider:  name,
		Body:      body,
		Signature: r.Header.Get(provider.SignatureHeader()),
		RequestID: requestID(r.Context()),
		TraceID:   traceID(r.Context()),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
