package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"connector-orchestrator/internal/models"
)

const eventColumns = `id, tenant_id, severity, type, message, data_json, correlation_id, trace_id, created_at`

// AppendEvent inserts one event log row. The caller assigns id and created_at.
func (s *Store) AppendEvent(ctx context.Context, e models.Event) error {
	data, err := marshalMap(e.Data)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO event_log (`+eventColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, e.ID, e.TenantID, e.Severity, e.Type, e.Message, data, e.CorrelationID, e.TraceID, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// QueryEvents returns matching events newest first. Since is inclusive.
func (s *Store) QueryEvents(ctx context.Context, f EventFilter) ([]models.Event, error) {
	where, args := eventWhere(f)
	if f.Since != nil {
		args = append(args, *f.Since)
		where = append(where, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	args = append(args, f.Limit)
	q := `SELECT ` + eventColumns + ` FROM event_log WHERE ` + strings.Join(where, " AND ") +
		fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, len(args))
	return s.queryEvents(ctx, q, args...)
}

// EventsAfter returns events that sort after the cursor, oldest first.
func (s *Store) EventsAfter(ctx context.Context, f EventFilter, after EventCursor, limit int) ([]models.Event, error) {
	where, args := eventWhere(f)
	args = append(args, after.CreatedAt)
	if after.ID == "" {
		where = append(where, fmt.Sprintf("created_at > $%d", len(args)))
	} else {
		args = append(args, after.ID)
		where = append(where, fmt.Sprintf("(created_at, id) > ($%d, $%d::uuid)", len(args)-1, len(args)))
	}
	args = append(args, limit)
	q := `SELECT ` + eventColumns + ` FROM event_log WHERE ` + strings.Join(where, " AND ") +
		fmt.Sprintf(` ORDER BY created_at ASC, id ASC LIMIT $%d`, len(args))
	return s.queryEvents(ctx, q, args...)
}

// GetEvent fetches one event of a tenant.
func (s *Store) GetEvent(ctx context.Context, tenantID, id string) (models.Event, error) {
	if _, err := uuid.Parse(id); err != nil {
		return models.Event{}, ErrNotFound
	}
	row := s.pool.QueryRow(ctx, `SELECT `+eventColumns+` FROM event_log WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	return scanEvent(row)
}

func eventWhere(f EventFilter) ([]string, []any) {
	where := []string{"tenant_id = $1"}
	args := []any{f.TenantID}
	add := func(col, v string) {
		if v == "" {
			return
		}
		args = append(args, v)
		where = append(where, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	add("type", f.Type)
	add("severity", f.Severity)
	add("trace_id", f.TraceID)
	return where, args
}

func (s *Store) queryEvents(ctx context.Context, q string, args ...any) ([]models.Event, error) {
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()
	out := []models.Event{}
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEvent(row pgx.Row) (models.Event, error) {
	var e models.Event
	var data []byte
	var corr, trace pgtype.Text
	if err := row.Scan(&e.ID, &e.TenantID, &e.Severity, &e.Type, &e.Message, &data, &corr, &trace, &e.CreatedAt); err != nil {
		return models.Event{}, notFound(err)
	}
	m, err := unmarshalMap(data)
	if err != nil {
		return models.Event{}, fmt.Errorf("unmarshal event data: %w", err)
	}
	e.Data = m
	e.CorrelationID = textPtr(corr)
	e.TraceID = textPtr(trace)
	return e, nil
}

// AppendRequestLog inserts one request log row.
func (s *Store) AppendRequestLog(ctx context.Context, l models.RequestLog) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO request_log (id, tenant_id, request_id, trace_id, actor_type, actor_id, operation, status, http_status, latency_ms, idempotency_key, retry_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, l.ID, l.TenantID, l.RequestID, l.TraceID, l.ActorType, l.ActorID, l.Operation, l.Status, l.HTTPStatus,
		l.LatencyMs, emptyToNil(l.IdempotencyKey), l.RetryCount, l.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert request log: %w", err)
	}
	return nil
}

// AppendAudit inserts one operator audit row.
func (s *Store) AppendAudit(ctx context.Context, a models.AuditLog) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	diff, err := marshalMap(a.Diff)
	if err != nil {
		return fmt.Errorf("marshal audit diff: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO operator_audit_log (id, tenant_id, operator_user_id, action, resource_type, resource_id, diff_json, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, a.ID, a.TenantID, a.OperatorID, a.Action, a.ResourceType, a.ResourceID, diff, a.Reason, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	return nil
}

// ListAudit returns audit rows newest first.
func (s *Store) ListAudit(ctx context.Context, f AuditFilter) ([]models.AuditLog, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, operator_user_id, action, resource_type, resource_id, diff_json, reason, created_at
		FROM operator_audit_log
		WHERE tenant_id = $1 AND ($2 = '' OR operator_user_id = $2) AND ($3 = '' OR action = $3)
		ORDER BY created_at DESC LIMIT $4
	`, f.TenantID, f.OperatorID, f.Action, f.Limit)
	if err != nil {
		return nil, fmt.Errorf("query audit logs: %w", err)
	}
	defer rows.Close()
	out := []models.AuditLog{}
	for rows.Next() {
		var a models.AuditLog
		var diff []byte
		if err := rows.Scan(&a.ID, &a.TenantID, &a.OperatorID, &a.Action, &a.ResourceType, &a.ResourceID, &diff, &a.Reason, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit log: %w", err)
		}
		if a.Diff, err = unmarshalMap(diff); err != nil {
			return nil, fmt.Errorf("unmarshal audit diff: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
