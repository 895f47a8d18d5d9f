package webhook

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	stripewebhook "github.com/stripe/stripe-go/v76/webhook"

	"connector-orchestrator/internal/apperrors"
	"connector-orchestrator/internal/events"
	"connector-orchestrator/internal/jobs"
	"connector-orchestrator/internal/models"
	"connector-orchestrator/internal/queue"
	"connector-orchestrator/internal/store"
	"connector-orchestrator/internal/store/memstore"
)

const tenant = "00000000-0000-0000-0000-000000000000"

type fixture struct {
	in     *Ingestor
	st     *memstore.Store
	mr     *miniredis.Miniredis
	broker *queue.RedisBroker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	st := memstore.New()
	log := events.NewLog(st)
	broker := queue.NewRedisBroker(client, queue.RedisOptions{})
	svc := jobs.NewService(st, broker, log, nil, "default", 4)
	in := NewIngestor(client, st, svc, nil, log, Options{TenantID: tenant, Queue: "webhook"})
	in.Register(NewHMACProvider("acme", "hook-secret"))
	in.Register(NewStripeProvider("whsec_test"))
	return &fixture{in: in, st: st, mr: mr, broker: broker}
}

func signed(body string) Delivery {
	return Delivery{
		Provider:  "acme",
		Body:      []byte(body),
		Signature: "sha256=" + Sign([]byte("hook-secret"), []byte(body)),
		RequestID: "req-1",
	}
}

func code(err error) string {
	if err == nil {
		return ""
	}
	return apperrors.From(err).Code
}

func TestIngestDedupesByEventID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := signed(`{"id":"evt_1","type":"invoice.paid"}`)

	first, err := f.in.Ingest(ctx, d)
	if err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if !first.Received || first.Duplicate || first.InboxID == "" {
		t.Fatalf("unexpected first result %+v", first)
	}
	second, err := f.in.Ingest(ctx, d)
	if err != nil {
		t.Fatalf("second delivery: %v", err)
	}
	if !second.Duplicate {
		t.Fatalf("redelivery should be a duplicate: %+v", second)
	}

	js := f.st.Jobs()
	if len(js) != 1 {
		t.Fatalf("expected exactly one job, got %d", len(js))
	}
	job := js[0]
	if job.Type != "acme.webhook" || job.MaxAttempts != 4 || job.Queue != "webhook" || job.Payload["event_id"] != "evt_1" || job.Payload["inbox_id"] != first.InboxID {
		t.Fatalf("unexpected job %+v", job)
	}
	if f.st.InboxCount() != 1 {
		t.Fatalf("expected one inbox entry, got %d", f.st.InboxCount())
	}
	if depth, _ := f.broker.Depth(ctx, "webhook"); depth.Ready != 1 {
		t.Fatalf("expected one queued webhook message, got %+v", depth)
	}
	evs, _ := f.st.QueryEvents(ctx, store.EventFilter{TenantID: tenant, Limit: 50})
	types := map[string]bool{}
	for _, e := range evs {
		types[e.Type] = true
	}
	if !types["webhook_received"] || !types["job_enqueued"] {
		t.Fatalf("expected webhook_received and job_enqueued events, got %v", types)
	}
}

func TestIngestInboxGuardsAfterDedupExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := signed(`{"id":"evt_2"}`)
	first, _ := f.in.Ingest(ctx, d)

	f.mr.FastForward(25 * time.Hour)
	again, err := f.in.Ingest(ctx, d)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if !again.Duplicate || again.InboxID != first.InboxID {
		t.Fatalf("expired dedup marker must still yield a duplicate: %+v", again)
	}
	if len(f.st.Jobs()) != 1 {
		t.Fatalf("expected one job, got %d", len(f.st.Jobs()))
	}
}

func TestIngestRejectsBadDeliveries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	bad := signed(`{"id":"evt_3"}`)
	bad.Signature = "sha256=deadbeef"
	_, err := f.in.Ingest(ctx, bad)
	if code(err) != "invalid_signature" || apperrors.From(err).HTTPStatus() != 400 {
		t.Fatalf("expected 400 invalid_signature, got %v", err)
	}
	noSig := signed(`{"id":"evt_3"}`)
	noSig.Signature = ""
	if _, err := f.in.Ingest(ctx, noSig); code(err) != "missing_signature" {
		t.Fatalf("expected missing_signature, got %v", err)
	}
	empty := Delivery{Provider: "acme", Signature: "sha256=x"}
	if _, err := f.in.Ingest(ctx, empty); code(err) != "missing_raw_body" {
		t.Fatalf("expected missing_raw_body, got %v", err)
	}
	if _, err := f.in.Ingest(ctx, signed(`{"type":"x"}`)); code(err) != "missing_event_id" {
		t.Fatalf("expected missing_event_id, got %v", err)
	}
	if _, err := f.in.Ingest(ctx, Delivery{Provider: "nope", Body: []byte("{}"), Signature: "x"}); code(err) != "unknown_provider" {
		t.Fatalf("expected unknown_provider, got %v", err)
	}
	if f.st.InboxCount() != 0 || len(f.st.Jobs()) != 0 {
		t.Fatalf("rejected deliveries must not persist anything")
	}
}

func TestIngestStripeSignature(t *testing.T) {
	f := newFixture(t)
	payload := []byte(`{"id":"evt_stripe_1","object":"event","type":"charge.succeeded","data":{"object":{}}}`)
	sp := stripewebhook.GenerateTestSignedPayload(&stripewebhook.UnsignedPayload{
		Payload:   payload,
		Secret:    "whsec_test",
		Timestamp: time.Now(),
	})

	res, err := f.in.Ingest(context.Background(), Delivery{Provider: "stripe", Body: sp.Payload, Signature: sp.Header})
	if err != nil || res.Duplicate {
		t.Fatalf("stripe delivery: %+v err=%v", res, err)
	}
	if js := f.st.Jobs(); len(js) != 1 || js[0].Type != "stripe.webhook" {
		t.Fatalf("expected a stripe.webhook job, got %+v", js)
	}

	_, err = f.in.Ingest(context.Background(), Delivery{Provider: "stripe", Body: payload, Signature: "t=1,v1=bad"})
	if code(err) != "invalid_signature" {
		t.Fatalf("expected invalid_signature, got %v", err)
	}
}

type downBroker struct {
	queue.Broker
	failures atomic.Int32
}

func (b *downBroker) Enqueue(ctx context.Context, m queue.Message, delay time.Duration) error {
	if b.failures.Add(-1) >= 0 {
		return errors.New("broker down")
	}
	return b.Broker.Enqueue(ctx, m, delay)
}

func TestIngestRetryAfterEnqueueFailurePublishesJob(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	st := memstore.New()
	log := events.NewLog(st)
	redisBroker := queue.NewRedisBroker(client, queue.RedisOptions{})
	broker := &downBroker{Broker: redisBroker}
	broker.failures.Store(1)
	in := NewIngestor(client, st, jobs.NewService(st, broker, log, nil, "default", 4), nil, log, Options{TenantID: tenant, Queue: "webhook"})
	in.Register(NewHMACProvider("acme", "hook-secret"))

	ctx := context.Background()
	d := signed(`{"id":"evt_down","type":"invoice.paid"}`)
	if _, err := in.Ingest(ctx, d); code(err) != "queue_unavailable" {
		t.Fatalf("expected queue_unavailable, got %v", err)
	}
	if js := st.Jobs(); len(js) != 1 || js[0].Status != models.StatusFailed {
		t.Fatalf("expected one failed job after the broker error, got %+v", js)
	}

	// The provider retries: it must not be swallowed as a duplicate of a job that never ran.
	res, err := in.Ingest(ctx, d)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if !res.Received {
		t.Fatalf("unexpected retry result %+v", res)
	}
	js := st.Jobs()
	if len(js) != 1 || js[0].Status != models.StatusQueued {
		t.Fatalf("expected the same job requeued, got %+v", js)
	}
	if depth, _ := redisBroker.Depth(ctx, "webhook"); depth.Ready != 1 {
		t.Fatalf("expected one queued webhook message, got %+v", depth)
	}

	// Later duplicates publish nothing more.
	if _, err := in.Ingest(ctx, d); err != nil {
		t.Fatalf("duplicate: %v", err)
	}
	if depth, _ := redisBroker.Depth(ctx, "webhook"); depth.Ready != 1 {
		t.Fatalf("duplicate must not publish again, got %+v", depth)
	}
}
