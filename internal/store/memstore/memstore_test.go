package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"connector-orchestrator/internal/models"
	"connector-orchestrator/internal/store"
)

func TestCreateJobHonoursIdempotencyKey(t *testing.T) {
	s := New()
	ctx := context.Background()
	first, existing, err := s.CreateJob(ctx, store.CreateJobParams{TenantID: "t1", Type: "demo", IdempotencyKey: "k", MaxAttempts: 3})
	if err != nil || existing {
		t.Fatalf("first create: existing=%v err=%v", existing, err)
	}
	second, existing, err := s.CreateJob(ctx, store.CreateJobParams{TenantID: "t1", Type: "demo", IdempotencyKey: "k", MaxAttempts: 3})
	if err != nil || !existing || second.ID != first.ID {
		t.Fatalf("expected reuse of %s, got %s existing=%v err=%v", first.ID, second.ID, existing, err)
	}
	other, existing, _ := s.CreateJob(ctx, store.CreateJobParams{TenantID: "t2", Type: "demo", IdempotencyKey: "k", MaxAttempts: 3})
	if existing || other.ID == first.ID {
		t.Fatalf("keys must be tenant scoped")
	}
}

func TestFinishRunIsWriteOnce(t *testing.T) {
	s := New()
	ctx := context.Background()
	job, _, _ := s.CreateJob(ctx, store.CreateJobParams{TenantID: "t1", Type: "demo", MaxAttempts: 3})
	run, _, err := s.StartRun(ctx, job.ID)
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	if err := s.FinishRun(ctx, run.ID, job.ID, models.StatusSuccess, nil); err != nil {
		t.Fatalf("finish run: %v", err)
	}
	if err := s.FinishRun(ctx, run.ID, job.ID, models.StatusFailed, nil); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected finished run to stay closed, got %v", err)
	}
	runs, _ := s.ListRuns(ctx, job.ID)
	if runs[0].Status != models.StatusSuccess {
		t.Fatalf("run status changed after finish: %s", runs[0].Status)
	}
}

func TestPurgeBeforeCascadesRuns(t *testing.T) {
	s := New()
	ctx := context.Background()
	job, _, _ := s.CreateJob(ctx, store.CreateJobParams{TenantID: "t1", Type: "demo", MaxAttempts: 1})
	_, _, _ = s.StartRun(ctx, job.ID)
	n, err := s.PurgeBefore(ctx, store.RetentionJobs, time.Now().Add(time.Minute))
	if err != nil || n != 1 {
		t.Fatalf("expected 1 purged job, got %d err=%v", n, err)
	}
	runs, _ := s.ListRuns(ctx, job.ID)
	if len(runs) != 0 {
		t.Fatalf("runs should be removed with their job")
	}
}
