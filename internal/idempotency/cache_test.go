package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"connector-orchestrator/internal/store/memstore"
)

func TestHashRequestIgnoresKeyOrder(t *testing.T) {
	var a, b map[string]any
	_ = json.Unmarshal([]byte(`{"operation":"charge","input":{"amount":10,"currency":"usd"}}`), &a)
	_ = json.Unmarshal([]byte(`{"input":{"currency":"usd","amount":10},"operation":"charge"}`), &b)
	ha, err := HashRequest(a)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	hb, _ := HashRequest(b)
	if ha != hb {
		t.Fatalf("same logical body must hash equally")
	}
	b["operation"] = "refund"
	if hc, _ := HashRequest(b); hc == ha {
		t.Fatalf("different body must hash differently")
	}
}

func TestHashRequestKeepsLargeIntegers(t *testing.T) {
	// Both values round to the same float64.
	ha, err := HashRequest(json.RawMessage(`{"input":{"id":9007199254740993}}`))
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	hb, _ := HashRequest(json.RawMessage(`{"input":{"id":9007199254740992}}`))
	if ha == hb {
		t.Fatalf("integers above 2^53 must hash differently")
	}

	hn, _ := HashRequest(map[string]any{"input": map[string]any{"id": json.Number("9007199254740993")}})
	if hn != ha {
		t.Fatalf("decoded json.Number must hash like the raw body")
	}
}

func backends(t *testing.T) map[string]Backend {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return map[string]Backend{
		"postgres-shaped": memstore.New(),
		"redis":           NewRedisBackend(client, time.Hour),
	}
}

func TestCacheLookupAndConflict(t *testing.T) {
	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			c := NewCache(backend)
			if _, found, err := c.Lookup(ctx, "t1", "k1", "h1"); found || err != nil {
				t.Fatalf("empty cache: found=%v err=%v", found, err)
			}
			stored, err := c.Commit(ctx, "t1", "k1", "h1", json.RawMessage(`{"output":1}`))
			if err != nil || string(stored) != `{"output":1}` {
				t.Fatalf("commit: %s err=%v", stored, err)
			}
			resp, found, err := c.Lookup(ctx, "t1", "k1", "h1")
			if err != nil || !found || string(resp) != `{"output":1}` {
				t.Fatalf("lookup: %s found=%v err=%v", resp, found, err)
			}
			if _, _, err := c.Lookup(ctx, "t1", "k1", "h2"); !errors.Is(err, ErrConflict) {
				t.Fatalf("expected conflict, got %v", err)
			}
			if _, found, _ := c.Lookup(ctx, "t2", "k1", "h2"); found {
				t.Fatalf("keys are tenant scoped")
			}
		})
	}
}

func TestCacheCommitRaceLoser(t *testing.T) {
	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			c := NewCache(backend)
			if _, err := c.Commit(ctx, "t1", "k1", "h1", json.RawMessage(`{"winner":true}`)); err != nil {
				t.Fatalf("first commit: %v", err)
			}
			got, err := c.Commit(ctx, "t1", "k1", "h1", json.RawMessage(`{"winner":false}`))
			if err != nil || string(got) != `{"winner":true}` {
				t.Fatalf("loser should receive winner response, got %s err=%v", got, err)
			}
			if _, err := c.Commit(ctx, "t1", "k1", "other", json.RawMessage(`{}`)); !errors.Is(err, ErrConflict) {
				t.Fatalf("racing different body should conflict, got %v", err)
			}
		})
	}
}
