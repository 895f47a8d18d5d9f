package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"connector-orchestrator/internal/models"
)

// CreateInboxEntry records a webhook delivery. An existing (provider, event_id) row is
// returned with inserted=false.
func (s *Store) CreateInboxEntry(ctx context.Context, e models.WebhookInboxEntry) (models.WebhookInboxEntry, bool, error) {
	e.ID = uuid.NewString()
	e.ReceivedAt = time.Now().UTC()
	if e.Status == "" {
		e.Status = models.InboxReceived
	}
	payload, err := marshalMap(e.Payload)
	if err != nil {
		return models.WebhookInboxEntry{}, false, fmt.Errorf("marshal inbox payload: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO webhook_inbox (id, tenant_id, provider, event_id, signature_valid, status, payload_ref, payload_json, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (provider, event_id) DO NOTHING
	`, e.ID, e.TenantID, e.Provider, e.EventID, e.SignatureValid, e.Status, e.PayloadRef, payload, e.ReceivedAt)
	if err != nil {
		return models.WebhookInboxEntry{}, false, fmt.Errorf("insert inbox entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		existing, err := scanInbox(s.pool.QueryRow(ctx, `SELECT `+inboxColumns+` FROM webhook_inbox WHERE provider = $1 AND event_id = $2`, e.Provider, e.EventID))
		if err != nil {
			return models.WebhookInboxEntry{}, false, fmt.Errorf("load existing inbox entry: %w", err)
		}
		return existing, false, nil
	}
	return e, true, nil
}

const inboxColumns = `id, tenant_id, provider, event_id, signature_valid, status, payload_ref, payload_json, received_at`

// GetInboxEntry fetches an inbox row by id.
func (s *Store) GetInboxEntry(ctx context.Context, id string) (models.WebhookInboxEntry, error) {
	if _, err := uuid.Parse(id); err != nil {
		return models.WebhookInboxEntry{}, ErrNotFound
	}
	return scanInbox(s.pool.QueryRow(ctx, `SELECT `+inboxColumns+` FROM webhook_inbox WHERE id = $1`, id))
}

// MarkInboxProcessed flags an inbox row as handled by its job.
func (s *Store) MarkInboxProcessed(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE webhook_inbox SET status = $2, processed_at = NOW() WHERE id = $1
	`, id, models.InboxProcessed)
	if err != nil {
		return fmt.Errorf("mark inbox processed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanInbox(row pgx.Row) (models.WebhookInboxEntry, error) {
	var e models.WebhookInboxEntry
	var ref pgtype.Text
	var payload []byte
	if err := row.Scan(&e.ID, &e.TenantID, &e.Provider, &e.EventID, &e.SignatureValid, &e.Status, &ref, &payload, &e.ReceivedAt); err != nil {
		return models.WebhookInboxEntry{}, notFound(err)
	}
	m, err := unmarshalMap(payload)
	if err != nil {
		return models.WebhookInboxEntry{}, fmt.Errorf("unmarshal inbox payload: %w", err)
	}
	e.Payload = m
	e.PayloadRef = textPtr(ref)
	return e, nil
}

// LookupIdempotency returns the cached record, or nil when the key is unused.
func (s *Store) LookupIdempotency(ctx context.Context, tenantID, key string) (*models.IdempotencyRecord, error) {
	var rec models.IdempotencyRecord
	var resp []byte
	err := s.pool.QueryRow(ctx, `
		SELECT tenant_id, idempotency_key, request_hash, response_json, created_at
		FROM idempotency_cache WHERE tenant_id = $1 AND idempotency_key = $2
	`, tenantID, key).Scan(&rec.TenantID, &rec.Key, &rec.RequestHash, &resp, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query idempotency record: %w", err)
	}
	rec.Response = json.RawMessage(resp)
	return &rec, nil
}

// InsertIdempotency writes the record only if the key is unused.
func (s *Store) InsertIdempotency(ctx context.Context, rec models.IdempotencyRecord) (bool, error) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO idempotency_cache (tenant_id, idempotency_key, request_hash, response_json, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tenant_id, idempotency_key) DO NOTHING
	`, rec.TenantID, rec.Key, rec.RequestHash, []byte(rec.Response), rec.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("insert idempotency record: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}
