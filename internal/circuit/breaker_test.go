package circuit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"connector-orchestrator/internal/policy"
)

func setup(t *testing.T) (*miniredis.Miniredis, *Breaker) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, NewBreaker(client)
}

func TestBreakerOpensAtThresholdAndExpires(t *testing.T) {
	ctx := context.Background()
	mr, b := setup(t)
	cfg := policy.CircuitBreaker{Enabled: true, FailureThreshold: 2, Window: time.Minute, Open: 30 * time.Second}

	opened, err := b.Record(ctx, "t1", "c1", cfg, false)
	if err != nil || opened {
		t.Fatalf("first failure must not open: opened=%v err=%v", opened, err)
	}
	if open, _ := b.IsOpen(ctx, "t1", "c1", cfg); open {
		t.Fatalf("breaker should still be closed")
	}
	opened, _ = b.Record(ctx, "t1", "c1", cfg, false)
	if !opened {
		t.Fatalf("second failure should open")
	}
	if open, _ := b.IsOpen(ctx, "t1", "c1", cfg); !open {
		t.Fatalf("breaker should be open")
	}
	if mr.Exists("cb:t1:c1:failures") {
		t.Fatalf("failure streak should be cleared when opening")
	}
	if open, _ := b.IsOpen(ctx, "t1", "c2", cfg); open {
		t.Fatalf("other connectors are unaffected")
	}

	mr.FastForward(30*time.Second + time.Millisecond)
	if open, _ := b.IsOpen(ctx, "t1", "c1", cfg); open {
		t.Fatalf("breaker should close once the open marker expires")
	}
}

func TestBreakerSuccessClearsStreak(t *testing.T) {
	ctx := context.Background()
	mr, b := setup(t)
	cfg := policy.CircuitBreaker{Enabled: true, FailureThreshold: 2, Window: time.Minute, Open: time.Minute}

	_, _ = b.Record(ctx, "t1", "c1", cfg, false)
	_, _ = b.Record(ctx, "t1", "c1", cfg, true)
	if mr.Exists("cb:t1:c1:failures") {
		t.Fatalf("success should clear failures")
	}
	if opened, _ := b.Record(ctx, "t1", "c1", cfg, false); opened {
		t.Fatalf("streak restarted, one failure must not open")
	}

	mr.Set("cb:t1:c1:open", "1")
	_, _ = b.Record(ctx, "t1", "c1", cfg, true)
	if open, _ := b.IsOpen(ctx, "t1", "c1", cfg); open {
		t.Fatalf("success should also clear an open marker")
	}
}

func TestBreakerFailureWindowExpires(t *testing.T) {
	ctx := context.Background()
	mr, b := setup(t)
	cfg := policy.CircuitBreaker{Enabled: true, FailureThreshold: 2, Window: time.Second, Open: time.Minute}

	_, _ = b.Record(ctx, "t1", "c1", cfg, false)
	mr.FastForward(2 * time.Second)
	if opened, _ := b.Record(ctx, "t1", "c1", cfg, false); opened {
		t.Fatalf("failures outside the window must not accumulate")
	}
}

func TestBreakerDisabled(t *testing.T) {
	ctx := context.Background()
	mr, b := setup(t)
	cfg := policy.CircuitBreaker{}
	if opened, err := b.Record(ctx, "t1", "c1", cfg, false); opened || err != nil {
		t.Fatalf("disabled breaker must be inert")
	}
	mr.Set("cb:t1:c1:open", "1")
	if open, _ := b.IsOpen(ctx, "t1", "c1", cfg); open {
		t.Fatalf("disabled breaker is never open")
	}
}
