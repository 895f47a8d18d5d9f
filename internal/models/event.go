package models

import (
	"time"
)

// Event severities.
const (
	SeverityInfo  = "info"
	SeverityWarn  = "warn"
	SeverityError = "error"
)

// Event is an append-only entry in the tenant event log.
type Event struct {
	ID            string         `json:"id"`
	TenantID      string         `json:"tenant_id"`
	Severity      string         `json:"severity"`
	Type          string         `json:"type"`
	Message       string         `json:"message"`
	Data          map[string]any `json:"data_json"`
	CorrelationID *string        `json:"correlation_id"`
	TraceID       *string        `json:"trace_id"`
	CreatedAt     time.Time      `json:"created_at"`
}

// RequestLog is one row per handled execute/webhook/job request.
type RequestLog struct {
	ID             string    `json:"id"`
	TenantID       string    `json:"tenant_id"`
	RequestID      string    `json:"request_id"`
	TraceID        string    `json:"trace_id"`
	ActorType      string    `json:"actor_type"`
	ActorID        string    `json:"actor_id"`
	Operation      string    `json:"operation"`
	Status         string    `json:"status"`
	HTTPStatus     int       `json:"http_status"`
	LatencyMs      int64     `json:"latency_ms"`
	IdempotencyKey string    `json:"idempotency_key"`
	RetryCount     int       `json:"retry_count"`
	CreatedAt      time.Time `json:"created_at"`
}

// AuditLog is an operator action record.
type AuditLog struct {
	ID           string         `json:"id"`
	TenantID     string         `json:"tenant_id"`
	OperatorID   string         `json:"operator_user_id"`
	Action       string         `json:"action"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id"`
	Diff         map[string]any `json:"diff_json"`
	Reason       string         `json:"reason"`
	CreatedAt    time.Time      `json:"created_at"`
}
