package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"connector-orchestrator/internal/models"
)

const jobColumns = `id, tenant_id, type, queue, status, attempts, max_attempts, run_at, payload_json, payload_ref, idempotency_key, created_at, updated_at`

// CreateJob inserts a queued job row. When the tenant already holds a job under the same
// idempotency key, that job is returned with existing=true and nothing is inserted.
func (s *Store) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, bool, error) {
	if p.IdempotencyKey != "" {
		existing, err := s.findJobByIdempotencyKey(ctx, p.TenantID, p.IdempotencyKey)
		if err == nil {
			return existing, true, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return models.Job{}, false, err
		}
	}

	payloadJSON, err := marshalMap(p.Payload)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("marshal payload: %w", err)
	}

	now := time.Now().UTC()
	job := models.Job{
		ID:             uuid.NewString(),
		TenantID:       p.TenantID,
		Type:           p.Type,
		Queue:          p.Queue,
		Status:         models.StatusQueued,
		MaxAttempts:    p.MaxAttempts,
		RunAt:          p.RunAt,
		Payload:        p.Payload,
		PayloadRef:     p.PayloadRef,
		IdempotencyKey: emptyToNil(p.IdempotencyKey),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO job (id, tenant_id, type, queue, status, attempts, max_attempts, run_at, payload_json, payload_ref, idempotency_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, $7, $8, $9, $10, $11, $11)
		ON CONFLICT (tenant_id, idempotency_key) WHERE idempotency_key IS NOT NULL DO NOTHING
	`, job.ID, job.TenantID, job.Type, job.Queue, job.Status, job.MaxAttempts, job.RunAt, payloadJSON, job.PayloadRef, job.IdempotencyKey, now)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("insert job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Lost a race on the idempotency key.
		existing, err := s.findJobByIdempotencyKey(ctx, p.TenantID, p.IdempotencyKey)
		if err != nil {
			return models.Job{}, false, fmt.Errorf("idempotency conflict lookup: %w", err)
		}
		return existing, true, nil
	}
	return job, false, nil
}

func (s *Store) findJobByIdempotencyKey(ctx context.Context, tenantID, key string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM job WHERE tenant_id = $1 AND idempotency_key = $2`, tenantID, key)
	return scanJob(row)
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	if _, err := uuid.Parse(id); err != nil {
		return models.Job{}, ErrNotFound
	}
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM job WHERE id = $1`, id)
	return scanJob(row)
}

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var payloadJSON []byte
	var runAt pgtype.Timestamptz
	var ref, idem pgtype.Text
	if err := row.Scan(&job.ID, &job.TenantID, &job.Type, &job.Queue, &job.Status, &job.Attempts, &job.MaxAttempts,
		&runAt, &payloadJSON, &ref, &idem, &job.CreatedAt, &job.UpdatedAt); err != nil {
		return models.Job{}, notFound(err)
	}
	payload, err := unmarshalMap(payloadJSON)
	if err != nil {
		return models.Job{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	job.Payload = payload
	job.RunAt = timePtr(runAt)
	job.PayloadRef = textPtr(ref)
	job.IdempotencyKey = textPtr(idem)
	return job, nil
}

// StartRun records a new delivery: the job moves to running with attempts+1 and a
// running Run row is appended, in one transaction.
func (s *Store) StartRun(ctx context.Context, jobID string) (models.Run, models.Job, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Run{}, models.Job{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	job, err := scanJob(tx.QueryRow(ctx, `
		UPDATE job SET status = $2, attempts = attempts + 1, updated_at = NOW()
		WHERE id = $1
		RETURNING `+jobColumns, jobID, models.StatusRunning))
	if err != nil {
		return models.Run{}, models.Job{}, fmt.Errorf("mark job running: %w", err)
	}

	run := models.Run{
		ID:        uuid.NewString(),
		JobID:     job.ID,
		TenantID:  job.TenantID,
		Status:    models.StatusRunning,
		StartedAt: time.Now().UTC(),
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO job_run (id, job_id, tenant_id, status, started_at) VALUES ($1, $2, $3, $4, $5)
	`, run.ID, run.JobID, run.TenantID, run.Status, run.StartedAt); err != nil {
		return models.Run{}, models.Job{}, fmt.Errorf("insert run: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Run{}, models.Job{}, fmt.Errorf("commit: %w", err)
	}
	return run, job, nil
}

// FinishRun closes an open run and moves its job to the same terminal status.
// A run that already has finished_at is left untouched.
func (s *Store) FinishRun(ctx context.Context, runID, jobID, status string, errDetail map[string]any) error {
	errJSON, err := marshalMap(errDetail)
	if err != nil {
		return fmt.Errorf("marshal run error: %w", err)
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE job_run SET status = $2, finished_at = NOW(), error_json = $3
		WHERE id = $1 AND finished_at IS NULL
	`, runID, status, errJSON)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	if _, err := tx.Exec(ctx, `UPDATE job SET status = $2, updated_at = NOW() WHERE id = $1`, jobID, status); err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	return tx.Commit(ctx)
}

// UpdateJobStatus sets the job status, used by administrative replay.
func (s *Store) UpdateJobStatus(ctx context.Context, id, status string) error {
	if _, err := uuid.Parse(id); err != nil {
		return ErrNotFound
	}
	tag, err := s.pool.Exec(ctx, `UPDATE job SET status = $2, updated_at = NOW() WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListRuns returns every run of a job, oldest first.
func (s *Store) ListRuns(ctx context.Context, jobID string) ([]models.Run, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, job_id, tenant_id, status, started_at, finished_at, error_json
		FROM job_run WHERE job_id = $1 ORDER BY started_at ASC
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	runs := []models.Run{}
	for rows.Next() {
		var r models.Run
		var finished pgtype.Timestamptz
		var errJSON []byte
		if err := rows.Scan(&r.ID, &r.JobID, &r.TenantID, &r.Status, &r.StartedAt, &finished, &errJSON); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.FinishedAt = timePtr(finished)
		if r.Error, err = unmarshalMap(errJSON); err != nil {
			return nil, fmt.Errorf("unmarshal run error: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
