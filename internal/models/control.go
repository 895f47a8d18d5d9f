package models

import (
	"encoding/json"
	"time"
)

// Connector describes how to reach one upstream endpoint for a tenant.
type Connector struct {
	ID          string         `json:"id"`
	TenantID    string         `json:"tenant_id"`
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Status      string         `json:"status"`
	Settings    map[string]any `json:"settings"`
	SecretRefID *string        `json:"secret_ref_id"`
	PolicyID    *string        `json:"policy_id"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Policy holds the raw resilience documents as stored. Use package policy to normalize them.
type Policy struct {
	ID             string          `json:"id"`
	TenantID       string          `json:"tenant_id"`
	Name           string          `json:"name"`
	RateLimit      json.RawMessage `json:"rate_limit_json"`
	Retry          json.RawMessage `json:"retry_json"`
	Timeout        json.RawMessage `json:"timeout_json"`
	CircuitBreaker json.RawMessage `json:"circuit_breaker_json"`
	Concurrency    json.RawMessage `json:"concurrency_json"`
	CreatedAt      time.Time       `json:"created_at"`
}

// SecretRef points at a secret held outside the database.
type SecretRef struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Provider  string    `json:"provider"`
	Ref       string    `json:"ref"`
	Version   *string   `json:"version"`
	CreatedAt time.Time `json:"created_at"`
}

// OrchestratorConfig is one immutable version of a named tenant config document.
type OrchestratorConfig struct {
	ID        string          `json:"id"`
	TenantID  string          `json:"tenant_id"`
	Name      string          `json:"name"`
	Version   int             `json:"version"`
	Config    json.RawMessage `json:"config_json"`
	CreatedAt time.Time       `json:"created_at"`
}

// ActiveConfig is the version a config pointer currently selects.
type ActiveConfig struct {
	Name      string          `json:"name"`
	ConfigID  string          `json:"config_id"`
	Version   int             `json:"version"`
	Config    json.RawMessage `json:"config_json"`
	CreatedAt time.Time       `json:"created_at"`
}

// IdempotencyRecord caches the response of an execute call under a client key.
type IdempotencyRecord struct {
	TenantID    string          `json:"tenant_id"`
	Key         string          `json:"idempotency_key"`
	RequestHash string          `json:"request_hash"`
	Response    json.RawMessage `json:"response_json"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Webhook inbox states.
const (
	InboxReceived  = "received"
	InboxProcessed = "processed"
)

// WebhookInboxEntry records one accepted provider delivery.
type WebhookInboxEntry struct {
	ID             string         `json:"id"`
	TenantID       string         `json:"tenant_id"`
	Provider       string         `json:"provider"`
	EventID        string         `json:"event_id"`
	SignatureValid bool           `json:"signature_valid"`
	Status         string         `json:"status"`
	PayloadRef     *string        `json:"payload_ref"`
	Payload        map[string]any `json:"payload_json"`
	ReceivedAt     time.Time      `json:"received_at"`
}
