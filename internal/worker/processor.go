package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"connector-orchestrator/internal/events"
	"connector-orchestrator/internal/models"
	"connector-orchestrator/internal/queue"
	"connector-orchestrator/internal/store"
	"connector-orchestrator/internal/telemetry"
)

// Store is the job persistence the processor writes through.
type Store interface {
	StartRun(ctx context.Context, jobID string) (models.Run, models.Job, error)
	FinishRun(ctx context.Context, runID, jobID, status string, errDetail map[string]any) error
}

// PayloadFetcher loads payloads that were offloaded to object storage.
type PayloadFetcher interface {
	Fetch(ctx context.Context, ref string) (map[string]any, error)
}

// Handler executes a job for a given type.
type Handler func(ctx context.Context, job models.Job) error

// Processor records every delivery as a Run and drives the job state machine.
type Processor struct {
	store          Store
	events         *events.Log
	payloads       PayloadFetcher
	handlers       map[string]Handler
	defaultHandler Handler
}

func NewProcessor(st Store, log *events.Log, payloads PayloadFetcher) *Processor {
	return &Processor{
		store:          st,
		events:         log,
		payloads:       payloads,
		handlers:       make(map[string]Handler),
		defaultHandler: handleDefault,
	}
}

// RegisterHandler binds a handler to a job type.
func (p *Processor) RegisterHandler(jobType string, handler Handler) {
	if jobType == "" || handler == nil {
		return
	}
	p.handlers[jobType] = handler
}

// Handle is the queue.Handler for job messages. A returned error goes back to the broker,
// whose retry and dead-letter policy decides what happens next.
func (p *Processor) Handle(ctx context.Context, m queue.Message) error {
	logger := telemetry.WithJob(telemetry.FromContext(ctx), m.JobID, m.Name, m.Queue)
	if m.TraceID != "" {
		logger = logger.With("trace_id", m.TraceID)
	}
	ctx = telemetry.WithLogger(ctx, logger)

	run, job, err := p.store.StartRun(ctx, m.JobID)
	if errors.Is(err, store.ErrNotFound) {
		logger.Warn("job row missing, dropping delivery")
		return nil
	}
	if err != nil {
		return fmt.Errorf("start run: %w", err)
	}
	p.emit(ctx, job, m, models.SeverityInfo, "job_started", map[string]any{"run_id": run.ID, "attempt": job.Attempts})

	started := time.Now()
	herr := p.runJob(ctx, job)
	// Run bookkeeping must land even when shutdown cancelled the handler.
	bg := context.WithoutCancel(ctx)

	if herr == nil {
		if err := p.store.FinishRun(bg, run.ID, job.ID, models.StatusSuccess, nil); err != nil {
			logger.Error("finish run failed", "run_id", run.ID, "error", err)
		}
		p.emit(bg, job, m, models.SeverityInfo, "job_succeeded", map[string]any{"run_id": run.ID, "duration_ms": time.Since(started).Milliseconds()})
		logger.Info("job succeeded", "run_id", run.ID, "attempt", job.Attempts)
		return nil
	}

	detail := map[string]any{"message": herr.Error()}
	if err := p.store.FinishRun(bg, run.ID, job.ID, models.StatusFailed, detail); err != nil {
		logger.Error("finish run failed", "run_id", run.ID, "error", err)
	}
	p.emit(bg, job, m, models.SeverityError, "job_failed", map[string]any{"run_id": run.ID, "attempt": job.Attempts, "error": herr.Error()})
	logger.Warn("job_failed", "run_id", run.ID, "attempt", job.Attempts, "max_attempts", job.MaxAttempts, "error", herr)
	return herr
}

func (p *Processor) emit(ctx context.Context, job models.Job, m queue.Message, severity, typ string, data map[string]any) {
	if p.events == nil {
		return
	}
	data["job_id"] = job.ID
	data["type"] = job.Type
	p.events.Emit(ctx, events.Entry{
		TenantID:      job.TenantID,
		Severity:      severity,
		Type:          typ,
		Data:          data,
		CorrelationID: m.CorrelationID,
		TraceID:       m.TraceID,
	})
}

// runJob hydrates an offloaded payload and dispatches on job type.
func (p *Processor) runJob(ctx context.Context, job models.Job) error {
	if job.PayloadRef != nil && *job.PayloadRef != "" && p.payloads != nil {
		payload, err := p.payloads.Fetch(ctx, *job.PayloadRef)
		if err != nil {
			return fmt.Errorf("load payload: %w", err)
		}
		job.Payload = payload
	}
	handler, ok := p.handlers[job.Type]
	if !ok {
		if p.defaultHandler == nil {
			return queue.Permanent(fmt.Errorf("no handler registered for type %q", job.Type))
		}
		handler = p.defaultHandler
	}
	return handler(ctx, job)
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case float64:
		return int(t), true
	case int:
		return t, true
	case int64:
		return int(t), true
	default:
		return 0, false
	}
}

// handleDefault serves job types without a dedicated handler. Payload flags
// should_fail and duration_ms simulate failures and slow work.
func handleDefault(ctx context.Context, job models.Job) error {
	if val, ok := job.Payload["should_fail"].(bool); ok && val {
		return errors.New("simulated failure requested by payload.should_fail")
	}
	if ms, ok := asInt(job.Payload["duration_ms"]); ok && ms > 0 {
		t := time.NewTimer(time.Duration(ms) * time.Millisecond)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return nil
}
