package connector

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"connector-orchestrator/internal/models"
)

func TestHTTPExecutorBuildsRequest(t *testing.T) {
	var gotMethod, gotPath, gotAuth string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath, gotAuth = r.Method, r.URL.Path, r.Header.Get("x-api-key")
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &gotBody)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	exec := NewHTTPExecutor(srv.Client())
	out := exec.Invoke(context.Background(), Request{
		Connector: models.Connector{Type: TypeHTTP, Settings: map[string]any{"base_url": srv.URL, "method": "put"}},
		Operation: "/charges",
		Input:     map[string]any{"amount": 10},
		Headers:   map[string]string{"x-api-key": "Bearer k"},
	})
	if out.Err != nil {
		t.Fatalf("unexpected error %v", out.Err)
	}
	if gotMethod != http.MethodPut || gotPath != "/charges" || gotAuth != "Bearer k" {
		t.Fatalf("got %s %s auth=%q", gotMethod, gotPath, gotAuth)
	}
	if gotBody["amount"] != float64(10) {
		t.Fatalf("body not forwarded: %v", gotBody)
	}
	o := out.Output()
	if o["http_status"] != http.StatusCreated || o["body"] != `{"ok":true}` {
		t.Fatalf("unexpected output %v", o)
	}
	if out.Retriable() {
		t.Fatalf("201 is terminal")
	}
}

func TestHTTPExecutorOptionsOverride(t *testing.T) {
	var gotMethod string
	var gotLen int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotLen = r.Method, r.ContentLength
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	out := NewHTTPExecutor(nil).Invoke(context.Background(), Request{
		Connector: models.Connector{Settings: map[string]any{"base_url": "http://unused.invalid"}},
		Options:   map[string]any{"url": srv.URL + "/x", "method": "GET"},
	})
	if gotMethod != http.MethodGet || gotLen > 0 {
		t.Fatalf("GET must not carry a body, method=%s len=%d", gotMethod, gotLen)
	}
	if !out.Retriable() || !out.Failed() {
		t.Fatalf("503 is retriable")
	}
}

func TestHTTPExecutorTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	out := NewHTTPExecutor(nil).Invoke(ctx, Request{
		Connector: models.Connector{Settings: map[string]any{"base_url": srv.URL}},
	})
	if !out.TimedOut || out.Err == nil {
		t.Fatalf("expected timeout outcome, got %+v", out)
	}
	if _, ok := out.Output()["error"]; !ok {
		t.Fatalf("timeout output should carry an error")
	}
}

func TestRetriableStatuses(t *testing.T) {
	cases := map[int]bool{200: false, 400: false, 404: false, 408: true, 429: true, 500: true, 502: true}
	for status, want := range cases {
		if got := (Outcome{HTTPStatus: status}).Retriable(); got != want {
			t.Errorf("status %d: expected %v", status, want)
		}
	}
}

func TestRegistry(t *testing.T) {
	r := NewDefaultRegistry(NewHTTPExecutor(nil))
	if _, ok := r.Lookup(TypeHTTP); !ok {
		t.Fatalf("http executor should be registered")
	}
	if _, ok := r.Lookup("grpc"); ok {
		t.Fatalf("grpc is not registered")
	}
}

func TestAuthHeaderName(t *testing.T) {
	if AuthHeaderName(nil) != "authorization" {
		t.Fatalf("default header should be authorization")
	}
	if AuthHeaderName(map[string]any{"auth_header": "x-api-key"}) != "x-api-key" {
		t.Fatalf("settings header should win")
	}
}
