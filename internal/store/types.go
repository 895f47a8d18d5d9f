package store

import (
	"errors"
	"time"

	"connector-orchestrator/internal/models"
)

// ErrNotFound is returned when a tenant-scoped lookup matches no row.
var ErrNotFound = errors.New("store: not found")

// CreateJobParams collects inputs required to insert a job.
type CreateJobParams struct {
	TenantID       string
	Type           string
	Queue          string
	Payload        map[string]any
	PayloadRef     *string
	IdempotencyKey string
	RunAt          *time.Time
	MaxAttempts    int
}

// EventFilter narrows event queries. Empty fields match everything.
type EventFilter struct {
	TenantID string
	Type     string
	Severity string
	TraceID  string
	Since    *time.Time
	Limit    int
}

// EventCursor is a tail position. Events are ordered by (CreatedAt, ID). An empty ID
// means "strictly after CreatedAt".
type EventCursor struct {
	CreatedAt time.Time
	ID        string
}

// Precedes reports whether e sorts after the cursor.
func (c EventCursor) Precedes(e models.Event) bool {
	if c.ID == "" || !e.CreatedAt.Equal(c.CreatedAt) {
		return e.CreatedAt.After(c.CreatedAt)
	}
	return e.ID > c.ID
}

// AuditFilter narrows audit log listings.
type AuditFilter struct {
	TenantID   string
	OperatorID string
	Action     string
	Limit      int
}

// RetentionTarget names a table subject to time-based cleanup.
type RetentionTarget string

const (
	RetentionEvents      RetentionTarget = "event_log"
	RetentionRequests    RetentionTarget = "request_log"
	RetentionWebhooks    RetentionTarget = "webhook_inbox"
	RetentionJobs        RetentionTarget = "job"
	RetentionAudit       RetentionTarget = "operator_audit_log"
	RetentionIdempotency RetentionTarget = "idempotency_cache"
)

// RetentionTargets lists every sweepable table in sweep order.
var RetentionTargets = []RetentionTarget{
	RetentionEvents,
	RetentionRequests,
	RetentionWebhooks,
	RetentionJobs,
	RetentionAudit,
	RetentionIdempotency,
}

// timestamp column used for retention on each target
func (t RetentionTarget) column() string {
	switch t {
	case RetentionWebhooks:
		return "received_at"
	default:
		return "created_at"
	}
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

// ClampLimit applies a default and an upper bound to list limits.
func ClampLimit(limit, def, max int) int {
	if limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}
