package webhook

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"connector-orchestrator/internal/apperrors"
	"connector-orchestrator/internal/events"
	"connector-orchestrator/internal/jobs"
	"connector-orchestrator/internal/models"
	"connector-orchestrator/internal/telemetry"
)

const webhookMaxAttempts = 4

// InboxStore persists accepted deliveries.
type InboxStore interface {
	CreateInboxEntry(ctx context.Context, e models.WebhookInboxEntry) (models.WebhookInboxEntry, bool, error)
	AppendRequestLog(ctx context.Context, l models.RequestLog) error
}

// Enqueuer creates the follow-up job for an accepted delivery.
type Enqueuer interface {
	Enqueue(ctx context.Context, p jobs.CreateParams) (models.Job, bool, error)
}

// Delivery is one inbound webhook request.
type Delivery struct {
	Provider  string
	Body      []byte
	Signature string
	RequestID string
	TraceID   string
}

// Result is the response body for a handled delivery.
type Result struct {
	Received  bool   `json:"received"`
	Duplicate bool   `json:"duplicate"`
	InboxID   string `json:"inbox_id,omitempty"`
}

// Options configures an Ingestor.
type Options struct {
	TenantID string
	Queue    string
	DedupTTL time.Duration
}

// Ingestor verifies, dedupes, records and enqueues webhook deliveries.
type Ingestor struct {
	redis    redis.Cmdable
	store    InboxStore
	jobs     Enqueuer
	payloads jobs.Offloader
	events   *events.Log
	opts     Options

	mu        sync.RWMutex
	providers map[string]Provider
}

func NewIngestor(client redis.Cmdable, st InboxStore, enq Enqueuer, payloads jobs.Offloader, log *events.Log, opts Options) *Ingestor {
	if opts.DedupTTL <= 0 {
		opts.DedupTTL = 24 * time.Hour
	}
	return &Ingestor{
		redis:     client,
		store:     st,
		jobs:      enq,
		payloads:  payloads,
		events:    log,
		opts:      opts,
		providers: map[string]Provider{},
	}
}

func (in *Ingestor) Register(p Provider) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.providers[p.Name()] = p
}

// Provider returns the registered provider for name.
func (in *Ingestor) Provider(name string) (Provider, bool) {
	in.mu.RLock()
	defer in.mu.RUnlock()
	p, ok := in.providers[name]
	return p, ok
}

func dedupKey(provider, eventID string) string {
	return "webhook:" + provider + ":" + eventID
}

// Ingest handles one delivery. Nothing is persisted unless the signature verifies.
func (in *Ingestor) Ingest(ctx context.Context, d Delivery) (Result, error) {
	started := time.Now()
	logger := telemetry.FromContext(ctx).With("provider", d.Provider)

	provider, ok := in.Provider(d.Provider)
	if !ok {
		return Result{}, apperrors.NewNotFound("unknown_provider", "unknown_provider", map[string]any{"provider": d.Provider})
	}
	if strings.TrimSpace(d.Signature) == "" {
		telemetry.Webhooks.WithLabelValues(d.Provider, "rejected").Inc()
		return Result{}, apperrors.NewValidation("missing_signature", "missing_signature", nil)
	}
	if len(d.Body) == 0 {
		telemetry.Webhooks.WithLabelValues(d.Provider, "rejected").Inc()
		return Result{}, apperrors.NewValidation("missing_raw_body", "missing_raw_body", nil)
	}

	ev, err := provider.Verify(d.Body, d.Signature)
	if err != nil {
		telemetry.Webhooks.WithLabelValues(d.Provider, "rejected").Inc()
		logger.Warn("webhook verification failed", "error", err)
		if errors.Is(err, ErrMissingEventID) {
			return Result{}, apperrors.NewValidation("missing_event_id", "missing_event_id", nil)
		}
		return Result{}, apperrors.NewValidation("invalid_signature", "invalid_signature", nil).WithCause(err)
	}

	fresh, err := in.redis.SetNX(ctx, dedupKey(d.Provider, ev.ID), 1, in.opts.DedupTTL).Result()
	if err != nil {
		return Result{}, apperrors.NewUnavailable("dedup_unavailable", "dedup_unavailable", nil).WithCause(err)
	}
	if !fresh {
		telemetry.Webhooks.WithLabelValues(d.Provider, "duplicate").Inc()
		return Result{Received: true, Duplicate: true}, nil
	}

	payload, ref, err := in.offload(ctx, d.Provider, ev.Payload)
	if err != nil {
		in.release(ctx, d.Provider, ev.ID)
		return Result{}, apperrors.NewUnavailable("payload_store_unavailable", "payload_store_unavailable", nil).WithCause(err)
	}
	if payload == nil {
		payload = map[string]any{}
	}
	payload["type"] = ev.Type
	payload["event_id"] = ev.ID

	entry, inserted, err := in.store.CreateInboxEntry(ctx, models.WebhookInboxEntry{
		ID:             uuid.NewString(),
		TenantID:       in.opts.TenantID,
		Provider:       d.Provider,
		EventID:        ev.ID,
		SignatureValid: true,
		Status:         models.InboxReceived,
		PayloadRef:     ref,
		Payload:        payload,
	})
	if err != nil {
		in.release(ctx, d.Provider, ev.ID)
		return Result{}, fmt.Errorf("record webhook: %w", err)
	}
	if !inserted {
		// The dedup marker expired or was released, but the inbox still holds this event.
		// An entry that was never processed gets its job published again if that failed.
		if entry.Status == models.InboxReceived {
			if _, err := in.enqueue(ctx, d, entry.ID, ev.ID); err != nil {
				in.release(ctx, d.Provider, ev.ID)
				return Result{}, err
			}
		}
		telemetry.Webhooks.WithLabelValues(d.Provider, "duplicate").Inc()
		return Result{Received: true, Duplicate: true, InboxID: entry.ID}, nil
	}

	in.events.Emit(ctx, events.Entry{
		TenantID:      in.opts.TenantID,
		Type:          "webhook_received",
		Message:       d.Provider + " webhook received",
		Data:          map[string]any{"inbox_id": entry.ID, "event_id": ev.ID, "event_type": ev.Type, "provider": d.Provider},
		CorrelationID: d.RequestID,
		TraceID:       d.TraceID,
	})

	job, err := in.enqueue(ctx, d, entry.ID, ev.ID)
	if err != nil {
		in.release(ctx, d.Provider, ev.ID)
		return Result{}, err
	}
	logger.Info("webhook accepted", "event_id", ev.ID, "inbox_id", entry.ID, "job_id", job.ID)
	telemetry.Webhooks.WithLabelValues(d.Provider, "accepted").Inc()

	if err := in.store.AppendRequestLog(ctx, models.RequestLog{
		ID:         uuid.NewString(),
		TenantID:   in.opts.TenantID,
		RequestID:  d.RequestID,
		TraceID:    d.TraceID,
		ActorType:  "webhook",
		Operation:  "webhooks." + d.Provider,
		Status:     "success",
		HTTPStatus: 200,
		LatencyMs:  time.Since(started).Milliseconds(),
		CreatedAt:  time.Now().UTC(),
	}); err != nil {
		logger.Warn("request log write failed", "error", err)
	}

	return Result{Received: true, Duplicate: false, InboxID: entry.ID}, nil
}

// enqueue is keyed by provider and event id, so a retried delivery reuses the same job.
func (in *Ingestor) enqueue(ctx context.Context, d Delivery, inboxID, eventID string) (models.Job, error) {
	job, _, err := in.jobs.Enqueue(ctx, jobs.CreateParams{
		TenantID:       in.opts.TenantID,
		Type:           d.Provider + ".webhook",
		Queue:          in.opts.Queue,
		Payload:        map[string]any{"inbox_id": inboxID, "event_id": eventID},
		IdempotencyKey: dedupKey(d.Provider, eventID),
		MaxAttempts:    webhookMaxAttempts,
		CorrelationID:  d.RequestID,
		TraceID:        d.TraceID,
	})
	return job, err
}

func (in *Ingestor) offload(ctx context.Context, provider string, payload map[string]any) (map[string]any, *string, error) {
	if in.payloads == nil {
		return maps.Clone(payload), nil, nil
	}
	inline, ref, err := in.payloads.MaybeOffload(ctx, in.opts.TenantID, "webhook/"+provider, payload)
	if err != nil {
		return nil, nil, err
	}
	return maps.Clone(inline), ref, nil
}

// release drops the dedup marker so the provider's retry is not mistaken for a duplicate.
func (in *Ingestor) release(ctx context.Context, provider, eventID string) {
	if err := in.redis.Del(context.WithoutCancel(ctx), dedupKey(provider, eventID)).Err(); err != nil {
		telemetry.FromContext(ctx).Warn("dedup marker release failed", "event_id", eventID, "error", err)
	}
}
