package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"connector-orchestrator/internal/events"
	"connector-orchestrator/internal/models"
	"connector-orchestrator/internal/store"
	"connector-orchestrator/internal/webhook"
)

func (f *fixture) createConnector(t *testing.T) string {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/connectors", map[string]any{
		"type":     "http",
		"name":     "crm",
		"settings": map[string]any{"base_url": f.upstream.URL},
		"reason":   "onboarding",
	}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create connector: %d %s", rec.Code, rec.Body.String())
	}
	return decode(t, rec)["id"].(string)
}

func TestExecuteReplaysIdempotentRequests(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	id := f.createConnector(t)
	body := map[string]any{"connector": map[string]any{"id": id}, "operation": "/contacts", "input": map[string]any{"name": "ada"}}
	key := map[string]string{"Idempotency-Key": "k-1"}

	first := f.do(t, http.MethodPost, "/execute", body, key)
	if first.Code != http.StatusOK {
		t.Fatalf("first execute: %d %s", first.Code, first.Body.String())
	}
	second := f.do(t, http.MethodPost, "/execute", body, key)
	if second.Code != http.StatusOK {
		t.Fatalf("replay: %d %s", second.Code, second.Body.String())
	}
	idem := decode(t, second)["idempotency"].(map[string]any)
	if idem["replayed"] != true || idem["key"] != "k-1" {
		t.Fatalf("expected replayed response, got %v", idem)
	}
	if f.hits.Load() != 1 {
		t.Fatalf("upstream should be called once, got %d", f.hits.Load())
	}

	body["operation"] = "/deals"
	expectError(t, f.do(t, http.MethodPost, "/execute", body, key), http.StatusConflict, "IDEMPOTENCY_CONFLICT")

	expectError(t, f.do(t, http.MethodPost, "/execute", map[string]any{"operation": "/x"}, nil), http.StatusBadRequest, "missing_connector_or_operation")
	expectError(t, f.do(t, http.MethodPost, "/execute", map[string]any{"connector": map[string]any{"id": "missing"}, "operation": "/x"}, nil), http.StatusNotFound, "CONNECTOR_NOT_FOUND")
}

func TestExecuteIdempotencyDistinguishesLargeIntegers(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	id := f.createConnector(t)
	key := map[string]string{"Idempotency-Key": "k-big"}
	body := func(n string) json.RawMessage {
		return json.RawMessage(`{"connector":{"id":"` + id + `"},"operation":"/contacts","input":{"account":` + n + `}}`)
	}

	if rec := f.do(t, http.MethodPost, "/execute", body("9007199254740993"), key); rec.Code != http.StatusOK {
		t.Fatalf("first execute: %d %s", rec.Code, rec.Body.String())
	}
	if rec := f.do(t, http.MethodPost, "/execute", body("9007199254740993"), key); rec.Code != http.StatusOK {
		t.Fatalf("replay: %d %s", rec.Code, rec.Body.String())
	}
	expectError(t, f.do(t, http.MethodPost, "/execute", body("9007199254740992"), key), http.StatusConflict, "IDEMPOTENCY_CONFLICT")
	if f.hits.Load() != 1 {
		t.Fatalf("upstream should be called once, got %d", f.hits.Load())
	}
}

func TestJobsCreateAndGet(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	expectError(t, f.do(t, http.MethodPost, "/jobs", map[string]any{"payload": map[string]any{}}, nil), http.StatusBadRequest, "missing_type")

	rec := f.do(t, http.MethodPost, "/jobs", map[string]any{"type": "sync", "payload": map[string]any{"n": 1}}, map[string]string{"x-request-id": "req-job"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("create job: %d %s", rec.Code, rec.Body.String())
	}
	created := decode(t, rec)
	if created["status"] != models.StatusQueued || created["queued_at"] == nil {
		t.Fatalf("unexpected create body %v", created)
	}
	jobID := created["job_id"].(string)

	rec = f.do(t, http.MethodGet, "/jobs/"+jobID, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get job: %d %s", rec.Code, rec.Body.String())
	}
	got := decode(t, rec)
	if got["job"].(map[string]any)["id"] != jobID {
		t.Fatalf("unexpected job %v", got["job"])
	}
	if runs, ok := got["runs"].([]any); !ok || len(runs) != 0 {
		t.Fatalf("runs should be an empty list, got %v", got["runs"])
	}

	expectError(t, f.do(t, http.MethodGet, "/jobs/does-not-exist", nil, nil), http.StatusNotFound, "job_not_found")

	var logged bool
	for _, l := range f.st.RequestLogs() {
		if l.Operation == "jobs.create" && l.RequestID == "req-job" && l.HTTPStatus == http.StatusAccepted {
			logged = true
		}
	}
	if !logged {
		t.Fatalf("jobs.create request log missing: %+v", f.st.RequestLogs())
	}
}

func TestWebhookDeliveriesAreDeduplicated(t *testing.T) {
	f := newFixture(t, fixtureOptions{auth: true})
	payload := []byte(`{"id":"evt_9","type":"invoice.paid"}`)
	sig := "sha256=" + webhook.Sign([]byte(hookSecret), payload)

	post := func(sig string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/acme", bytes.NewReader(payload))
		req.Header.Set("X-Signature", sig)
		rec := httptest.NewRecorder()
		f.handler.ServeHTTP(rec, req)
		return rec
	}

	first := post(sig)
	if first.Code != http.StatusOK || decode(t, first)["duplicate"] != false {
		t.Fatalf("first delivery: %d %s", first.Code, first.Body.String())
	}
	second := post(sig)
	if second.Code != http.StatusOK || decode(t, second)["duplicate"] != true {
		t.Fatalf("redelivery: %d %s", second.Code, second.Body.String())
	}
	if n := f.st.InboxCount(); n != 1 {
		t.Fatalf("expected one inbox row, got %d", n)
	}
	expectError(t, post("sha256=00"), http.StatusBadRequest, "invalid_signature")
	expectError(t, f.do(t, http.MethodPost, "/webhooks/unknown", map[string]any{}, nil), http.StatusNotFound, "unknown_provider")
}

func TestControlPlaneCRUD(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()

	expectError(t, f.do(t, http.MethodPost, "/connectors", map[string]any{"type": "http", "name": "crm"}, nil), http.StatusBadRequest, "missing_type_or_name")
	expectError(t, f.do(t, http.MethodPost, "/connectors", map[string]any{
		"type": "http", "name": "crm", "reason": "r", "settings": map[string]any{"base_url": 42},
	}, nil), http.StatusBadRequest, "invalid_settings")
	id := f.createConnector(t)

	rec := f.do(t, http.MethodGet, "/connectors", nil, nil)
	if list := decode(t, rec)["connectors"].([]any); len(list) != 1 || list[0].(map[string]any)["id"] != id {
		t.Fatalf("unexpected connectors %s", rec.Body.String())
	}
	if evs, _ := f.log.Query(ctx, store.EventFilter{TenantID: defaultTenant, Type: "connector_created"}); len(evs) != 1 {
		t.Fatalf("expected connector_created event, got %+v", evs)
	}

	expectError(t, f.do(t, http.MethodPost, "/policies", map[string]any{"name": "p"}, nil), http.StatusBadRequest, "missing_name_or_reason")
	expectError(t, f.do(t, http.MethodPost, "/policies", map[string]any{
		"name": "p", "reason": "r", "retry_json": map[string]any{"max_attempts": 0},
	}, nil), http.StatusBadRequest, "invalid_retry")
	if rec := f.do(t, http.MethodPost, "/policies", map[string]any{
		"name": "p", "reason": "r", "retry_json": map[string]any{"max_attempts": 3},
	}, nil); rec.Code != http.StatusCreated {
		t.Fatalf("create policy: %d %s", rec.Code, rec.Body.String())
	}

	expectError(t, f.do(t, http.MethodPost, "/secret-refs", map[string]any{"provider": "env"}, nil), http.StatusBadRequest, "missing_provider_ref_or_reason")

	expectError(t, f.do(t, http.MethodPost, "/configs", map[string]any{"name": "routing", "reason": "r"}, nil), http.StatusBadRequest, "missing_name_config_or_reason")
	for i := range 2 {
		rec := f.do(t, http.MethodPost, "/configs", map[string]any{"name": "routing", "config": map[string]any{"rev": i}, "reason": "r"}, nil)
		if rec.Code != http.StatusCreated || decode(t, rec)["version"] != float64(i+1) {
			t.Fatalf("create config %d: %d %s", i, rec.Code, rec.Body.String())
		}
	}
	expectError(t, f.do(t, http.MethodGet, "/configs/active?name=routing", nil, nil), http.StatusNotFound, "config_not_active")
	expectError(t, f.do(t, http.MethodGet, "/configs/active", nil, nil), http.StatusBadRequest, "missing_name")
	expectError(t, f.do(t, http.MethodPost, "/configs/activate", map[string]any{"name": "routing", "version": 9, "reason": "r"}, nil), http.StatusNotFound, "config_not_found")

	if rec := f.do(t, http.MethodPost, "/configs/activate", map[string]any{"name": "routing", "version": 1, "reason": "rollback"}, nil); rec.Code != http.StatusOK {
		t.Fatalf("activate: %d %s", rec.Code, rec.Body.String())
	}
	rec = f.do(t, http.MethodGet, "/configs/active?name=routing", nil, nil)
	if active := decode(t, rec)["active"].(map[string]any); active["version"] != float64(1) {
		t.Fatalf("unexpected active config %v", active)
	}

	rec = f.do(t, http.MethodGet, "/audit-logs?action=config.activate", nil, nil)
	audits := decode(t, rec)["audits"].([]any)
	if len(audits) != 1 || audits[0].(map[string]any)["reason"] != "rollback" {
		t.Fatalf("unexpected audits %s", rec.Body.String())
	}
	all, _ := f.st.ListAudit(ctx, store.AuditFilter{TenantID: defaultTenant, Limit: 50})
	if len(all) != 5 {
		t.Fatalf("expected connector, policy, two config and one activate audits, got %d", len(all))
	}
}

func TestEventStreamResumesAfterLastEventID(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ts := httptest.NewServer(f.handler)
	t.Cleanup(ts.Close)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Minute).Truncate(time.Microsecond)
	for i, id := range []string{"evt-1", "evt-2", "evt-3"} {
		if err := f.st.AppendEvent(ctx, models.Event{
			ID: id, TenantID: defaultTenant, Severity: models.SeverityInfo, Type: "job_succeeded",
			Message: "ok", CreatedAt: base.Add(time.Duration(i) * time.Second),
		}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(reqCtx, http.MethodGet, ts.URL+"/events/stream", nil)
	req.Header.Set("Last-Event-ID", "evt-1")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	var ids []string
	sc := bufio.NewScanner(resp.Body)
	for len(ids) < 2 && sc.Scan() {
		if id, ok := strings.CutPrefix(sc.Text(), "id: "); ok {
			ids = append(ids, id)
		}
	}
	if len(ids) != 2 || ids[0] != "evt-2" || ids[1] != "evt-3" {
		t.Fatalf("expected evt-2 then evt-3, got %v", ids)
	}
}

func TestEventWebSocketDeliversStreamPayloads(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ts := httptest.NewServer(f.handler)
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/events/ws?type=webhook_received", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	go func() {
		time.Sleep(30 * time.Millisecond)
		f.log.Emit(context.Background(), events.Entry{TenantID: defaultTenant, Type: "job_enqueued"})
		f.log.Emit(context.Background(), events.Entry{TenantID: defaultTenant, Type: "webhook_received", TraceID: "tr-1"})
	}()

	var got events.StreamPayload
	if err := wsjson.Read(ctx, conn, &got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Type != "webhook_received" || got.TraceID == nil || *got.TraceID != "tr-1" || got.EventID == "" {
		t.Fatalf("unexpected payload %+v", got)
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

func TestListEventsFilters(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()
	f.log.Emit(ctx, events.Entry{TenantID: defaultTenant, Type: "job_failed", Severity: models.SeverityError})
	f.log.Emit(ctx, events.Entry{TenantID: defaultTenant, Type: "job_succeeded"})
	f.log.Emit(ctx, events.Entry{TenantID: otherTenant, Type: "job_failed", Severity: models.SeverityError})

	rec := f.do(t, http.MethodGet, "/events?severity=error", nil, nil)
	if list := decode(t, rec)["events"].([]any); len(list) != 1 {
		t.Fatalf("expected one tenant error event, got %s", rec.Body.String())
	}
	rec = f.do(t, http.MethodGet, "/events?tenant_id="+otherTenant, nil, nil)
	if list := decode(t, rec)["events"].([]any); len(list) != 1 {
		t.Fatalf("admin override should read the other tenant, got %s", rec.Body.String())
	}
	expectError(t, f.do(t, http.MethodGet, "/events?since=yesterday", nil, nil), http.StatusBadRequest, "invalid_since")
}
