package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"connector-orchestrator/internal/apperrors"
	"connector-orchestrator/internal/events"
	"connector-orchestrator/internal/models"
	"connector-orchestrator/internal/queue"
	"connector-orchestrator/internal/store"
	"connector-orchestrator/internal/store/memstore"
)

func newService(t *testing.T) (*Service, *memstore.Store, *queue.RedisBroker) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	st := memstore.New()
	broker := queue.NewRedisBroker(client, queue.RedisOptions{})
	return NewService(st, broker, events.NewLog(st), nil, "default", 4), st, broker
}

func TestEnqueueInsertsQueuedJobAndPublishes(t *testing.T) {
	svc, st, broker := newService(t)
	ctx := context.Background()

	job, created, err := svc.Enqueue(ctx, CreateParams{TenantID: "t1", Type: "report.build", Payload: map[string]any{"n": 1}})
	if err != nil || !created {
		t.Fatalf("enqueue: created=%v err=%v", created, err)
	}
	if job.Status != models.StatusQueued || job.Attempts != 0 || job.MaxAttempts != 4 || job.Queue != "default" {
		t.Fatalf("unexpected job %+v", job)
	}
	if d, _ := broker.Depth(ctx, "default"); d.Ready != 1 {
		t.Fatalf("expected one ready message, got %+v", d)
	}
	evs, _ := st.QueryEvents(ctx, store.EventFilter{TenantID: "t1", Type: "job_enqueued", Limit: 10})
	if len(evs) != 1 || evs[0].Data["job_id"] != job.ID {
		t.Fatalf("expected job_enqueued event, got %+v", evs)
	}
}

func TestEnqueueIdempotencyKeyReturnsExistingJob(t *testing.T) {
	svc, _, broker := newService(t)
	ctx := context.Background()
	p := CreateParams{TenantID: "t1", Type: "sync", IdempotencyKey: "abc"}

	first, created, _ := svc.Enqueue(ctx, p)
	second, createdAgain, err := svc.Enqueue(ctx, p)
	if err != nil {
		t.Fatalf("second enqueue: %v", err)
	}
	if !created || createdAgain || first.ID != second.ID {
		t.Fatalf("expected reuse: first=%s second=%s created=%v/%v", first.ID, second.ID, created, createdAgain)
	}
	if d, _ := broker.Depth(ctx, "default"); d.Ready != 1 {
		t.Fatalf("duplicate key must not publish twice, depth %+v", d)
	}
}

func TestEnqueueRunAtDelaysDelivery(t *testing.T) {
	svc, _, broker := newService(t)
	ctx := context.Background()
	runAt := time.Now().Add(time.Hour)
	if _, _, err := svc.Enqueue(ctx, CreateParams{TenantID: "t1", Type: "later", RunAt: &runAt}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	d, _ := broker.Depth(ctx, "default")
	if d.Ready != 0 || d.Scheduled != 1 {
		t.Fatalf("future run_at should be scheduled, got %+v", d)
	}
}

func TestEnqueueRequiresType(t *testing.T) {
	svc, _, _ := newService(t)
	_, _, err := svc.Enqueue(context.Background(), CreateParams{TenantID: "t1", Type: "  "})
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) || appErr.HTTPStatus() != 400 {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestGetIsTenantScoped(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()
	job, _, _ := svc.Enqueue(ctx, CreateParams{TenantID: "t1", Type: "demo"})

	got, runs, err := svc.Get(ctx, "t1", job.ID)
	if err != nil || got.ID != job.ID || runs == nil {
		t.Fatalf("get: %+v runs=%v err=%v", got, runs, err)
	}
	_, _, err = svc.Get(ctx, "t2", job.ID)
	if appErr := apperrors.From(err); appErr == nil || appErr.Code != "job_not_found" {
		t.Fatalf("expected job_not_found for other tenant, got %v", err)
	}
	_, _, err = svc.Get(ctx, "t1", "missing")
	if appErr := apperrors.From(err); appErr == nil || appErr.Code != "job_not_found" {
		t.Fatalf("expected job_not_found, got %v", err)
	}
}

type failingBroker struct {
	queue.Broker
	down atomic.Bool
}

func (b *failingBroker) Enqueue(ctx context.Context, m queue.Message, delay time.Duration) error {
	if b.down.Load() {
		return errors.New("broker down")
	}
	return b.Broker.Enqueue(ctx, m, delay)
}

func TestEnqueueRepublishesJobWhosePublishFailed(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	st := memstore.New()
	redisBroker := queue.NewRedisBroker(client, queue.RedisOptions{})
	broker := &failingBroker{Broker: redisBroker}
	svc := NewService(st, broker, events.NewLog(st), nil, "default", 4)
	ctx := context.Background()
	p := CreateParams{TenantID: "t1", Type: "sync", IdempotencyKey: "retry-me"}

	broker.down.Store(true)
	if _, _, err := svc.Enqueue(ctx, p); apperrors.From(err).Code != "queue_unavailable" {
		t.Fatalf("expected queue_unavailable, got %v", err)
	}
	broker.down.Store(false)

	job, created, err := svc.Enqueue(ctx, p)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if created || job.Status != models.StatusQueued {
		t.Fatalf("expected the existing job requeued, created=%v job=%+v", created, job)
	}
	if got, _ := st.GetJob(ctx, job.ID); got.Status != models.StatusQueued {
		t.Fatalf("stored status = %s", got.Status)
	}
	if d, _ := redisBroker.Depth(ctx, "default"); d.Ready != 1 {
		t.Fatalf("expected one ready message, got %+v", d)
	}
}
