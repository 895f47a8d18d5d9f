package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"connector-orchestrator/internal/admin"
	"connector-orchestrator/internal/apperrors"
	"connector-orchestrator/internal/events"
	"connector-orchestrator/internal/models"
	"connector-orchestrator/internal/policy"
	"connector-orchestrator/internal/store"
)

// ControlStore is the persistence behind the control-plane endpoints.
type ControlStore interface {
	CreateConnector(ctx context.Context, c models.Connector) (models.Connector, error)
	ListConnectors(ctx context.Context, tenantID string) ([]models.Connector, error)
	CreatePolicy(ctx context.Context, p models.Policy) (models.Policy, error)
	ListPolicies(ctx context.Context, tenantID string) ([]models.Policy, error)
	CreateSecretRef(ctx context.Context, r models.SecretRef) (models.SecretRef, error)
	ListSecretRefs(ctx context.Context, tenantID string) ([]models.SecretRef, error)
	CreateConfig(ctx context.Context, tenantID, name string, doc json.RawMessage) (models.OrchestratorConfig, error)
	ListConfigs(ctx context.Context, tenantID, name string) ([]models.OrchestratorConfig, error)
	ActivateConfig(ctx context.Context, tenantID, name string, version int) (models.ActiveConfig, error)
	GetActiveConfig(ctx context.Context, tenantID, name string) (models.ActiveConfig, error)
	ListAudit(ctx context.Context, f store.AuditFilter) ([]models.AuditLog, error)
	AppendRequestLog(ctx context.Context, l models.RequestLog) error
}

func blank(s string) bool { return strings.TrimSpace(s) == "" }

func emptyDoc(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) == 0 || bytes.Equal(t, []byte("null"))
}

func invalidDocument(section string, err error) error {
	return apperrors.NewValidation("invalid_"+section, "invalid_"+section, map[string]any{"error": err.Error()})
}

// record writes the audit row for a control-plane mutation. Failing to audit fails the request.
func (s *Server) record(r *http.Request, act admin.Action) error {
	if err := s.deps.Auditor.Record(r.Context(), principal(r), act); err != nil {
		return apperrors.NewUnavailable("audit_unavailable", "audit_unavailable", nil).WithCause(err)
	}
	return nil
}

type createConnectorRequest struct {
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Settings    json.RawMessage `json:"settings"`
	SecretRefID *string         `json:"secret_ref_id"`
	PolicyID    *string         `json:"policy_id"`
	Reason      string          `json:"reason"`
}

func (s *Server) handleCreateConnector(w http.ResponseWriter, r *http.Request) {
	var req createConnectorRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if blank(req.Type) || blank(req.Name) || blank(req.Reason) {
		writeError(w, r, apperrors.NewValidation("missing_type_or_name", "missing_type_or_name", nil))
		return
	}
	if err := policy.ValidateDocument(policy.SectionConnectorSettings, req.Settings); err != nil {
		writeError(w, r, invalidDocument("settings", err))
		return
	}
	settings := map[string]any{}
	if !emptyDoc(req.Settings) {
		if err := json.Unmarshal(req.Settings, &settings); err != nil {
			writeError(w, r, invalidDocument("settings", err))
			return
		}
	}

	tenant := principal(r).Tenant()
	c, err := s.deps.Store.CreateConnector(r.Context(), models.Connector{
		TenantID:    tenant,
		Type:        req.Type,
		Name:        req.Name,
		Status:      "active",
		Settings:    settings,
		SecretRefID: nonEmpty(req.SecretRefID),
		PolicyID:    nonEmpty(req.PolicyID),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.record(r, admin.Action{
		Name:         "connector.create",
		ResourceType: "connector",
		ResourceID:   c.ID,
		Diff:         map[string]any{"type": c.Type, "name": c.Name, "policy_id": c.PolicyID},
		Reason:       req.Reason,
	}); err != nil {
		writeError(w, r, err)
		return
	}
	s.deps.Events.Emit(r.Context(), events.Entry{
		TenantID:      tenant,
		Type:          "connector_created",
		Message:       "Connector created",
		Data:          map[string]any{"connector_id": c.ID, "type": c.Type, "name": c.Name},
		CorrelationID: requestID(r.Context()),
		TraceID:       traceID(r.Context()),
	})
	writeJSON(w, http.StatusCreated, map[string]string{"id": c.ID})
}

func (s *Server) handleListConnectors(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Store.ListConnectors(r.Context(), principal(r).Tenant())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"connectors": list})
}

type createPolicyRequest struct {
	Name           string          `json:"name"`
	RateLimit      json.RawMessage `json:"rate_limit_json"`
	Retry          json.RawMessage `json:"retry_json"`
	Timeout        json.RawMessage `json:"timeout_json"`
	CircuitBreaker json.RawMessage `json:"circuit_breaker_json"`
	Concurrency    json.RawMessage `json:"concurrency_json"`
	Reason         string          `json:"reason"`
}

func (s *Server) handleCreatePolicy(w http.ResponseWriter, r *http.Request) {
	var req createPolicyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if blank(req.Name) || blank(req.Reason) {
		writeError(w, r, apperrors.NewValidation("missing_name_or_reason", "missing_name_or_reason", nil))
		return
	}
	sections := []struct {
		name string
		doc  *json.RawMessage
	}{
		{policy.SectionRateLimit, &req.RateLimit},
		{policy.SectionRetry, &req.Retry},
		{policy.SectionTimeout, &req.Timeout},
		{policy.SectionCircuitBreaker, &req.CircuitBreaker},
		{policy.SectionConcurrency, &req.Concurrency},
	}
	for _, sec := range sections {
		if err := policy.ValidateDocument(sec.name, *sec.doc); err != nil {
			writeError(w, r, invalidDocument(sec.name, err))
			return
		}
		if emptyDoc(*sec.doc) {
			*sec.doc = json.RawMessage(`{}`)
		}
	}

	p, err := s.deps.Store.CreatePolicy(r.Context(), models.Policy{
		TenantID:       principal(r).Tenant(),
		Name:           req.Name,
		RateLimit:      req.RateLimit,
		Retry:          req.Retry,
		Timeout:        req.Timeout,
		CircuitBreaker: req.CircuitBreaker,
		Concurrency:    req.Concurrency,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.record(r, admin.Action{
		Name:         "policy.create",
		ResourceType: "policy",
		ResourceID:   p.ID,
		Diff:         map[string]any{"name": p.Name},
		Reason:       req.Reason,
	}); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": p.ID})
}

func (s *Server) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Store.ListPolicies(r.Context(), principal(r).Tenant())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"policies": list})
}

type createSecretRefRequest struct {
	Provider string  `json:"provider"`
	Ref      string  `json:"ref"`
	Version  *string `json:"version"`
	Reason   string  `json:"reason"`
}

func (s *Server) handleCreateSecretRef(w http.ResponseWriter, r *http.Request) {
	var req createSecretRefRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if blank(req.Provider) || blank(req.Ref) || blank(req.Reason) {
		writeError(w, r, apperrors.NewValidation("missing_provider_ref_or_reason", "missing_provider_ref_or_reason", nil))
		return
	}
	ref, err := s.deps.Store.CreateSecretRef(r.Context(), models.SecretRef{
		TenantID: principal(r).Tenant(),
		Provider: req.Provider,
		Ref:      req.Ref,
		Version:  nonEmpty(req.Version),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.record(r, admin.Action{
		Name:         "secret_ref.create",
		ResourceType: "secret_ref",
		ResourceID:   ref.ID,
		Diff:         map[string]any{"provider": ref.Provider, "ref": ref.Ref, "version": ref.Version},
		Reason:       req.Reason,
	}); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": ref.ID})
}

func (s *Server) handleListSecretRefs(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Store.ListSecretRefs(r.Context(), principal(r).Tenant())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"secret_refs": list})
}

type createConfigRequest struct {
	Name   string          `json:"name"`
	Config json.RawMessage `json:"config"`
	Reason string          `json:"reason"`
}

func (s *Server) handleCreateConfig(w http.ResponseWriter, r *http.Request) {
	var req createConfigRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if blank(req.Name) || emptyDoc(req.Config) || blank(req.Reason) {
		writeError(w, r, apperrors.NewValidation("missing_name_config_or_reason", "missing_name_config_or_reason", nil))
		return
	}
	cfg, err := s.deps.Store.CreateConfig(r.Context(), principal(r).Tenant(), req.Name, req.Config)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.record(r, admin.Action{
		Name:         "config.create",
		ResourceType: "orchestrator_config",
		ResourceID:   cfg.ID,
		Diff:         map[string]any{"name": cfg.Name, "version": cfg.Version},
		Reason:       req.Reason,
	}); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": cfg.ID, "name": cfg.Name, "version": cfg.Version})
}

type activateConfigRequest struct {
	Name     string `json:"name"`
	ConfigID string `json:"config_id"`
	Version  int    `json:"version"`
	Reason   string `json:"reason"`
}

// handleActivateConfig points name at a stored version, chosen by version number or by
// config_id.
func (s *Server) handleActivateConfig(w http.ResponseWriter, r *http.Request) {
	var req activateConfigRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if blank(req.Name) || (req.ConfigID == "" && req.Version <= 0) || blank(req.Reason) {
		writeError(w, r, apperrors.NewValidation("missing_name_config_or_reason", "missing_name_config_or_reason", nil))
		return
	}
	tenant := principal(r).Tenant()
	notFound := apperrors.NewNotFound("config_not_found", "config_not_found", map[string]any{"name": req.Name})

	version := req.Version
	if req.ConfigID != "" {
		versions, err := s.deps.Store.ListConfigs(r.Context(), tenant, req.Name)
		if err != nil {
			writeError(w, r, err)
			return
		}
		version = 0
		for _, c := range versions {
			if c.ID == req.ConfigID {
				version = c.Version
				break
			}
		}
		if version == 0 {
			writeError(w, r, notFound)
			return
		}
	}

	active, err := s.deps.Store.ActivateConfig(r.Context(), tenant, req.Name, version)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, r, notFound)
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.record(r, admin.Action{
		Name:         "config.activate",
		ResourceType: "config_pointer",
		ResourceID:   active.ConfigID,
		Diff:         map[string]any{"name": active.Name, "version": active.Version},
		Reason:       req.Reason,
	}); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "active", "config_id": active.ConfigID, "version": active.Version})
}

func (s *Server) handleListConfigs(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Store.ListConfigs(r.Context(), principal(r).Tenant(), r.URL.Query().Get("name"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"configs": list})
}

func (s *Server) handleActiveConfig(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		writeError(w, r, apperrors.NewValidation("missing_name", "missing_name", nil))
		return
	}
	active, err := s.deps.Store.GetActiveConfig(r.Context(), principal(r).Tenant(), name)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, r, apperrors.NewNotFound("config_not_active", "config_not_active", map[string]any{"name": name}))
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"active": active})
}

func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	list, err := s.deps.Store.ListAudit(r.Context(), store.AuditFilter{
		TenantID:   principal(r).Tenant(),
		OperatorID: q.Get("operator_id"),
		Action:     q.Get("action"),
		Limit:      store.ClampLimit(limit, 50, 200),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"audits": list})
}

func nonEmpty(v *string) *string {
	if v == nil || *v == "" {
		return nil
	}
	return v
}
