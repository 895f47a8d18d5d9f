package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"connector-orchestrator/internal/models"
)

// CreateConnector inserts a connector, assigning id and created_at.
func (s *Store) CreateConnector(ctx context.Context, c models.Connector) (models.Connector, error) {
	c.ID = uuid.NewString()
	c.CreatedAt = time.Now().UTC()
	if c.Status == "" {
		c.Status = "active"
	}
	settings, err := marshalMap(c.Settings)
	if err != nil {
		return models.Connector{}, fmt.Errorf("marshal settings: %w", err)
	}
	if settings == nil {
		settings = []byte(`{}`)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO connector (id, tenant_id, type, name, status, settings_json, secret_ref_id, policy_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, c.ID, c.TenantID, c.Type, c.Name, c.Status, settings, c.SecretRefID, c.PolicyID, c.CreatedAt)
	if err != nil {
		return models.Connector{}, fmt.Errorf("insert connector: %w", err)
	}
	return c, nil
}

const connectorColumns = `id, tenant_id, type, name, status, settings_json, secret_ref_id::text, policy_id::text, created_at`

// GetConnector resolves a connector by (tenant, id).
func (s *Store) GetConnector(ctx context.Context, tenantID, id string) (models.Connector, error) {
	if _, err := uuid.Parse(id); err != nil {
		return models.Connector{}, ErrNotFound
	}
	row := s.pool.QueryRow(ctx, `SELECT `+connectorColumns+` FROM connector WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	return scanConnector(row)
}

// ListConnectors returns a tenant's connectors, newest first.
func (s *Store) ListConnectors(ctx context.Context, tenantID string) ([]models.Connector, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+connectorColumns+` FROM connector WHERE tenant_id = $1 ORDER BY created_at DESC`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("query connectors: %w", err)
	}
	defer rows.Close()
	out := []models.Connector{}
	for rows.Next() {
		c, err := scanConnector(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanConnector(row pgx.Row) (models.Connector, error) {
	var c models.Connector
	var settings []byte
	var secretRef, policyID pgtype.Text
	if err := row.Scan(&c.ID, &c.TenantID, &c.Type, &c.Name, &c.Status, &settings, &secretRef, &policyID, &c.CreatedAt); err != nil {
		return models.Connector{}, notFound(err)
	}
	m, err := unmarshalMap(settings)
	if err != nil {
		return models.Connector{}, fmt.Errorf("unmarshal settings: %w", err)
	}
	c.Settings = m
	c.SecretRefID = textPtr(secretRef)
	c.PolicyID = textPtr(policyID)
	return c, nil
}

// CreatePolicy inserts a policy with its raw section documents.
func (s *Store) CreatePolicy(ctx context.Context, p models.Policy) (models.Policy, error) {
	p.ID = uuid.NewString()
	p.CreatedAt = time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO policy (id, tenant_id, name, rate_limit_json, retry_json, timeout_json, circuit_breaker_json, concurrency_json, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, p.ID, p.TenantID, p.Name, rawOrNull(p.RateLimit), rawOrNull(p.Retry), rawOrNull(p.Timeout),
		rawOrNull(p.CircuitBreaker), rawOrNull(p.Concurrency), p.CreatedAt)
	if err != nil {
		return models.Policy{}, fmt.Errorf("insert policy: %w", err)
	}
	return p, nil
}

const policyColumns = `id, tenant_id, name, rate_limit_json, retry_json, timeout_json, circuit_breaker_json, concurrency_json, created_at`

// GetPolicy resolves a policy by (tenant, id).
func (s *Store) GetPolicy(ctx context.Context, tenantID, id string) (models.Policy, error) {
	if _, err := uuid.Parse(id); err != nil {
		return models.Policy{}, ErrNotFound
	}
	row := s.pool.QueryRow(ctx, `SELECT `+policyColumns+` FROM policy WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	return scanPolicy(row)
}

// ListPolicies returns a tenant's policies, newest first.
func (s *Store) ListPolicies(ctx context.Context, tenantID string) ([]models.Policy, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+policyColumns+` FROM policy WHERE tenant_id = $1 ORDER BY created_at DESC`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("query policies: %w", err)
	}
	defer rows.Close()
	out := []models.Policy{}
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPolicy(row pgx.Row) (models.Policy, error) {
	var p models.Policy
	var rl, retry, timeout, cb, conc []byte
	if err := row.Scan(&p.ID, &p.TenantID, &p.Name, &rl, &retry, &timeout, &cb, &conc, &p.CreatedAt); err != nil {
		return models.Policy{}, notFound(err)
	}
	p.RateLimit = json.RawMessage(rl)
	p.Retry = json.RawMessage(retry)
	p.Timeout = json.RawMessage(timeout)
	p.CircuitBreaker = json.RawMessage(cb)
	p.Concurrency = json.RawMessage(conc)
	return p, nil
}

// CreateSecretRef stores a pointer to an external secret.
func (s *Store) CreateSecretRef(ctx context.Context, r models.SecretRef) (models.SecretRef, error) {
	r.ID = uuid.NewString()
	r.CreatedAt = time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO secret_ref (id, tenant_id, provider, ref, version, created_at) VALUES ($1, $2, $3, $4, $5, $6)
	`, r.ID, r.TenantID, r.Provider, r.Ref, r.Version, r.CreatedAt)
	if err != nil {
		return models.SecretRef{}, fmt.Errorf("insert secret ref: %w", err)
	}
	return r, nil
}

// GetSecretRef resolves a secret ref by (tenant, id).
func (s *Store) GetSecretRef(ctx context.Context, tenantID, id string) (models.SecretRef, error) {
	if _, err := uuid.Parse(id); err != nil {
		return models.SecretRef{}, ErrNotFound
	}
	var r models.SecretRef
	var version pgtype.Text
	err := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, provider, ref, version, created_at FROM secret_ref WHERE tenant_id = $1 AND id = $2
	`, tenantID, id).Scan(&r.ID, &r.TenantID, &r.Provider, &r.Ref, &version, &r.CreatedAt)
	if err != nil {
		return models.SecretRef{}, notFound(err)
	}
	r.Version = textPtr(version)
	return r, nil
}

// ListSecretRefs returns a tenant's secret refs, newest first.
func (s *Store) ListSecretRefs(ctx context.Context, tenantID string) ([]models.SecretRef, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, provider, ref, version, created_at FROM secret_ref WHERE tenant_id = $1 ORDER BY created_at DESC
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("query secret refs: %w", err)
	}
	defer rows.Close()
	out := []models.SecretRef{}
	for rows.Next() {
		var r models.SecretRef
		var version pgtype.Text
		if err := rows.Scan(&r.ID, &r.TenantID, &r.Provider, &r.Ref, &version, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan secret ref: %w", err)
		}
		r.Version = textPtr(version)
		out = append(out, r)
	}
	return out, rows.Err()
}

// CreateConfig stores the next version of a named config document.
func (s *Store) CreateConfig(ctx context.Context, tenantID, name string, doc json.RawMessage) (models.OrchestratorConfig, error) {
	cfg := models.OrchestratorConfig{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		Name:      name,
		Config:    doc,
		CreatedAt: time.Now().UTC(),
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO orchestrator_config (id, tenant_id, name, version, config_json, created_at)
		SELECT $1, $2, $3, COALESCE(MAX(version), 0) + 1, $4, $5
		FROM orchestrator_config WHERE tenant_id = $2 AND name = $3
		RETURNING version
	`, cfg.ID, tenantID, name, []byte(doc), cfg.CreatedAt).Scan(&cfg.Version)
	if err != nil {
		return models.OrchestratorConfig{}, fmt.Errorf("insert config: %w", err)
	}
	return cfg, nil
}

// ListConfigs lists config versions of a tenant, optionally restricted to one name.
func (s *Store) ListConfigs(ctx context.Context, tenantID, name string) ([]models.OrchestratorConfig, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, name, version, config_json, created_at FROM orchestrator_config
		WHERE tenant_id = $1 AND ($2 = '' OR name = $2)
		ORDER BY name ASC, version DESC
	`, tenantID, name)
	if err != nil {
		return nil, fmt.Errorf("query configs: %w", err)
	}
	defer rows.Close()
	out := []models.OrchestratorConfig{}
	for rows.Next() {
		var c models.OrchestratorConfig
		var doc []byte
		if err := rows.Scan(&c.ID, &c.TenantID, &c.Name, &c.Version, &doc, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan config: %w", err)
		}
		c.Config = json.RawMessage(doc)
		out = append(out, c)
	}
	return out, rows.Err()
}

// ActivateConfig points the named config at version.
func (s *Store) ActivateConfig(ctx context.Context, tenantID, name string, version int) (models.ActiveConfig, error) {
	var configID string
	err := s.pool.QueryRow(ctx, `
		SELECT id FROM orchestrator_config WHERE tenant_id = $1 AND name = $2 AND version = $3
	`, tenantID, name, version).Scan(&configID)
	if err != nil {
		return models.ActiveConfig{}, notFound(err)
	}
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO config_pointer (tenant_id, name, config_id, updated_at) VALUES ($1, $2, $3, NOW())
		ON CONFLICT (tenant_id, name) DO UPDATE SET config_id = EXCLUDED.config_id, updated_at = NOW()
	`, tenantID, name, configID); err != nil {
		return models.ActiveConfig{}, fmt.Errorf("upsert config pointer: %w", err)
	}
	return s.GetActiveConfig(ctx, tenantID, name)
}

// GetActiveConfig returns the version the pointer currently selects.
func (s *Store) GetActiveConfig(ctx context.Context, tenantID, name string) (models.ActiveConfig, error) {
	var a models.ActiveConfig
	var doc []byte
	err := s.pool.QueryRow(ctx, `
		SELECT c.name, c.id, c.version, c.config_json, c.created_at
		FROM config_pointer p JOIN orchestrator_config c ON c.id = p.config_id
		WHERE p.tenant_id = $1 AND p.name = $2
	`, tenantID, name).Scan(&a.Name, &a.ConfigID, &a.Version, &doc, &a.CreatedAt)
	if err != nil {
		return models.ActiveConfig{}, notFound(err)
	}
	a.Config = json.RawMessage(doc)
	return a, nil
}
