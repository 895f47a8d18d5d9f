package jobs

import (
	"context"
	"errors"
	"strings"
	"time"

	"connector-orchestrator/internal/apperrors"
	"connector-orchestrator/internal/events"
	"connector-orchestrator/internal/models"
	"connector-orchestrator/internal/queue"
	"connector-orchestrator/internal/store"
	"connector-orchestrator/internal/telemetry"
)

// Store is the job persistence the service needs.
type Store interface {
	CreateJob(ctx context.Context, p store.CreateJobParams) (models.Job, bool, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	ListRuns(ctx context.Context, jobID string) ([]models.Run, error)
	UpdateJobStatus(ctx context.Context, id, status string) error
}

// Offloader moves large payloads out of the job row.
type Offloader interface {
	MaybeOffload(ctx context.Context, tenantID, kind string, payload map[string]any) (map[string]any, *string, error)
}

// CreateParams is a job submission.
type CreateParams struct {
	TenantID       string
	Type           string
	Queue          string
	Payload        map[string]any
	RunAt          *time.Time
	IdempotencyKey string
	MaxAttempts    int
	CorrelationID  string
	TraceID        string
}

// Service creates jobs and hands them to the broker.
type Service struct {
	store              Store
	broker             queue.Broker
	events             *events.Log
	payloads           Offloader
	defaultQueue       string
	defaultMaxAttempts int
	now                func() time.Time
}

func NewService(st Store, broker queue.Broker, log *events.Log, payloads Offloader, defaultQueue string, defaultMaxAttempts int) *Service {
	if defaultQueue == "" {
		defaultQueue = "default"
	}
	if defaultMaxAttempts <= 0 {
		defaultMaxAttempts = 1
	}
	return &Service{
		store:              st,
		broker:             broker,
		events:             log,
		payloads:           payloads,
		defaultQueue:       defaultQueue,
		defaultMaxAttempts: defaultMaxAttempts,
		now:                time.Now,
	}
}

// Enqueue inserts a queued job and publishes it. A repeated idempotency key returns the
// original job with created=false and nothing is published, unless that job failed to
// publish and never ran, in which case it is published again.
func (s *Service) Enqueue(ctx context.Context, p CreateParams) (models.Job, bool, error) {
	p.Type = strings.TrimSpace(p.Type)
	if p.Type == "" {
		return models.Job{}, false, apperrors.NewValidation("missing_type", "missing_type", map[string]any{"field": "type"})
	}
	if p.Queue == "" {
		p.Queue = s.defaultQueue
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = s.defaultMaxAttempts
	}
	if p.Payload == nil {
		p.Payload = map[string]any{}
	}

	inline, ref, err := s.offload(ctx, p.TenantID, p.Payload)
	if err != nil {
		return models.Job{}, false, apperrors.NewUnavailable("payload_store_unavailable", "could not store job payload", nil).WithCause(err)
	}

	job, existing, err := s.store.CreateJob(ctx, store.CreateJobParams{
		TenantID:       p.TenantID,
		Type:           p.Type,
		Queue:          p.Queue,
		Payload:        inline,
		PayloadRef:     ref,
		IdempotencyKey: p.IdempotencyKey,
		RunAt:          p.RunAt,
		MaxAttempts:    p.MaxAttempts,
	})
	if err != nil {
		return models.Job{}, false, err
	}
	if existing {
		if job.Status != models.StatusFailed || job.Attempts > 0 {
			return job, false, nil
		}
		// The first publish failed before any delivery. Publish again under the same row.
		if err := s.store.UpdateJobStatus(ctx, job.ID, models.StatusQueued); err != nil {
			return models.Job{}, false, err
		}
		job.Status = models.StatusQueued
	}

	var delay time.Duration
	if p.RunAt != nil {
		delay = p.RunAt.Sub(s.now())
	}
	msg := queue.Message{
		JobID:         job.ID,
		TenantID:      job.TenantID,
		Name:          job.Type,
		Queue:         job.Queue,
		CorrelationID: p.CorrelationID,
		TraceID:       p.TraceID,
		MaxAttempts:   job.MaxAttempts,
	}
	if err := s.broker.Enqueue(ctx, msg, delay); err != nil {
		_ = s.store.UpdateJobStatus(context.WithoutCancel(ctx), job.ID, models.StatusFailed)
		return models.Job{}, false, apperrors.NewUnavailable("queue_unavailable", "could not enqueue job", nil).WithCause(err)
	}
	telemetry.JobsEnqueued.WithLabelValues(job.Queue).Inc()

	s.events.Emit(ctx, events.Entry{
		TenantID:      job.TenantID,
		Type:          "job_enqueued",
		Data:          map[string]any{"job_id": job.ID, "type": job.Type, "queue": job.Queue},
		CorrelationID: p.CorrelationID,
		TraceID:       p.TraceID,
	})
	return job, !existing, nil
}

func (s *Service) offload(ctx context.Context, tenantID string, payload map[string]any) (map[string]any, *string, error) {
	if s.payloads == nil {
		return payload, nil, nil
	}
	return s.payloads.MaybeOffload(ctx, tenantID, "job", payload)
}

// Get returns a tenant's job and its runs in start order.
func (s *Service) Get(ctx context.Context, tenantID, id string) (models.Job, []models.Run, error) {
	job, err := s.store.GetJob(ctx, id)
	if errors.Is(err, store.ErrNotFound) || (err == nil && job.TenantID != tenantID) {
		return models.Job{}, nil, apperrors.NewNotFound("job_not_found", "job not found", map[string]any{"job_id": id})
	}
	if err != nil {
		return models.Job{}, nil, err
	}
	runs, err := s.store.ListRuns(ctx, id)
	if err != nil {
		return models.Job{}, nil, err
	}
	if runs == nil {
		runs = []models.Run{}
	}
	return job, runs, nil
}
