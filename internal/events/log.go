package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"connector-orchestrator/internal/models"
	"connector-orchestrator/internal/store"
	"connector-orchestrator/internal/telemetry"
)

const (
	DefaultQueryLimit = 50
	MaxQueryLimit     = 200
	TailBatch         = 100
)

// Store is the persistence the event log needs.
type Store interface {
	AppendEvent(ctx context.Context, e models.Event) error
	QueryEvents(ctx context.Context, f store.EventFilter) ([]models.Event, error)
	EventsAfter(ctx context.Context, f store.EventFilter, after store.EventCursor, limit int) ([]models.Event, error)
	GetEvent(ctx context.Context, tenantID, id string) (models.Event, error)
}

// Log appends and queries tenant events.
type Log struct {
	store Store
	now   func() time.Time
}

func NewLog(s Store) *Log {
	return &Log{store: s, now: time.Now}
}

// Append assigns id and timestamp and writes e. Timestamps are cut to microseconds so a
// watermark read back from Postgres compares equal to the value written.
func (l *Log) Append(ctx context.Context, e models.Event) (models.Event, error) {
	e.ID = uuid.NewString()
	e.CreatedAt = l.now().UTC().Truncate(time.Microsecond)
	if e.Severity == "" {
		e.Severity = models.SeverityInfo
	}
	if err := l.store.AppendEvent(ctx, e); err != nil {
		return models.Event{}, err
	}
	return e, nil
}

// Entry describes an event before it is stored.
type Entry struct {
	TenantID      string
	Severity      string
	Type          string
	Message       string
	Data          map[string]any
	CorrelationID string
	TraceID       string
}

// Emit appends best effort. Failures are logged and never surface to the caller.
func (l *Log) Emit(ctx context.Context, en Entry) {
	e := models.Event{
		TenantID:      en.TenantID,
		Severity:      en.Severity,
		Type:          en.Type,
		Message:       en.Message,
		Data:          en.Data,
		CorrelationID: optional(en.CorrelationID),
		TraceID:       optional(en.TraceID),
	}
	if e.Message == "" {
		e.Message = en.Type
	}
	if _, err := l.Append(ctx, e); err != nil {
		telemetry.FromContext(ctx).Warn("event append failed", "type", en.Type, "error", err)
	}
}

// Query returns events newest first, applying the default and maximum limits.
func (l *Log) Query(ctx context.Context, f store.EventFilter) ([]models.Event, error) {
	f.Limit = store.ClampLimit(f.Limit, DefaultQueryLimit, MaxQueryLimit)
	return l.store.QueryEvents(ctx, f)
}

// TailFilter selects the events to follow and where to start.
type TailFilter struct {
	store.EventFilter
	LastEventID string
}

// Tailer follows the event log by polling.
type Tailer struct {
	store    Store
	interval time.Duration
	now      func() time.Time
}

func NewTailer(s Store, interval time.Duration) *Tailer {
	if interval <= 0 {
		interval = time.Second
	}
	return &Tailer{store: s, interval: interval, now: time.Now}
}

// Watermark resolves the starting point: the created_at of LastEventID when it exists,
// else Since, else now.
func (t *Tailer) Watermark(ctx context.Context, f TailFilter) (time.Time, error) {
	mark := t.now().UTC()
	if f.Since != nil {
		mark = *f.Since
	}
	if f.LastEventID != "" {
		e, err := t.store.GetEvent(ctx, f.TenantID, f.LastEventID)
		switch {
		case err == nil:
			mark = e.CreatedAt
		case !errors.Is(err, store.ErrNotFound):
			return time.Time{}, fmt.Errorf("resolve last event id: %w", err)
		}
	}
	return mark, nil
}

// Tail polls for events created strictly after the watermark and hands them to emit in
// (created_at, id) order. After the first emit the cursor carries the last id, so events
// sharing one timestamp across batches are not skipped. It returns nil when ctx ends and
// emit's error when emit fails.
func (t *Tailer) Tail(ctx context.Context, f TailFilter, emit func(models.Event) error) error {
	start, err := t.Watermark(ctx, f)
	if err != nil {
		return err
	}
	cursor := store.EventCursor{CreatedAt: start}
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		batch, err := t.store.EventsAfter(ctx, f.EventFilter, cursor, TailBatch)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			telemetry.FromContext(ctx).Warn("event tail poll failed", "error", err)
			continue
		}
		for _, e := range batch {
			if err := emit(e); err != nil {
				return err
			}
			cursor = store.EventCursor{CreatedAt: e.CreatedAt, ID: e.ID}
		}
	}
}

// StreamPayload is the wire shape of one streamed event.
type StreamPayload struct {
	EventID       string         `json:"event_id"`
	TS            time.Time      `json:"ts"`
	TenantID      string         `json:"tenant_id"`
	Severity      string         `json:"severity"`
	Type          string         `json:"type"`
	Message       string         `json:"message"`
	CorrelationID *string        `json:"correlation_id"`
	TraceID       *string        `json:"trace_id"`
	Data          map[string]any `json:"data"`
}

func NewStreamPayload(e models.Event) StreamPayload {
	return StreamPayload{
		EventID:       e.ID,
		TS:            e.CreatedAt,
		TenantID:      e.TenantID,
		Severity:      e.Severity,
		Type:          e.Type,
		Message:       e.Message,
		CorrelationID: e.CorrelationID,
		TraceID:       e.TraceID,
		Data:          e.Data,
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
