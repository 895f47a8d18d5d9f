package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"connector-orchestrator/internal/policy"
)

// Result reports the outcome of one admission check.
type Result struct {
	Allowed   bool  `json:"allowed"`
	Limit     int   `json:"limit"`
	Remaining int   `json:"remaining"`
	ResetMs   int64 `json:"reset_ms"`
}

// FixedWindow counts requests per key in Redis. The window starts at the first hit.
type FixedWindow struct {
	client redis.Cmdable
}

func NewFixedWindow(client redis.Cmdable) *FixedWindow {
	return &FixedWindow{client: client}
}

// Check counts one request against key and reports whether it fits in limit.
func (w *FixedWindow) Check(ctx context.Context, key string, limit int, interval time.Duration) (Result, error) {
	res, err := windowScript.Run(ctx, w.client, []string{key}, interval.Milliseconds()).Int64Slice()
	if err != nil {
		return Result{}, fmt.Errorf("rate limit script: %w", err)
	}
	if len(res) < 2 {
		return Result{}, fmt.Errorf("rate limit script: unexpected reply %v", res)
	}
	count, ttl := res[0], res[1]
	reset := ttl
	if reset <= 0 {
		reset = interval.Milliseconds()
	}
	return Result{
		Allowed:   count <= int64(limit),
		Limit:     limit,
		Remaining: max(limit-int(count), 0),
		ResetMs:   reset,
	}, nil
}

var windowScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
return {count, ttl}
`)

// Key builds the counter key for a policy scope.
func Key(scope, tenantID, connectorID string) string {
	if scope == policy.ScopeTenant {
		return "rl:" + tenantID
	}
	return "rl:" + tenantID + ":" + connectorID
}

// Limiter applies a resolved rate limit policy.
type Limiter struct {
	window *FixedWindow
}

func NewLimiter(client redis.Cmdable) *Limiter {
	return &Limiter{window: NewFixedWindow(client)}
}

// Allow admits or rejects one call. When Redis is unreachable the call is admitted and
// the error is returned so the caller can log it.
func (l *Limiter) Allow(ctx context.Context, tenantID, connectorID string, rl policy.RateLimit) (Result, error) {
	if !rl.Enabled {
		return Result{Allowed: true}, nil
	}
	res, err := l.window.Check(ctx, Key(rl.Scope, tenantID, connectorID), rl.MaxRequests, rl.Interval)
	if err != nil {
		return Result{Allowed: true, Limit: rl.MaxRequests, Remaining: rl.MaxRequests, ResetMs: rl.Interval.Milliseconds()}, err
	}
	return res, nil
}
