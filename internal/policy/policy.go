package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"connector-orchestrator/internal/models"
	"connector-orchestrator/internal/store"
)

const (
	ScopeConnector = "connector"
	ScopeTenant    = "tenant"

	DefaultRetryBase   = 250 * time.Millisecond
	DefaultRetryMax    = 5000 * time.Millisecond
	DefaultTimeout     = 15000 * time.Millisecond
	DefaultCircuitWin  = 60000 * time.Millisecond
	DefaultCircuitOpen = 30000 * time.Millisecond
)

type RateLimit struct {
	Enabled     bool
	MaxRequests int
	Interval    time.Duration
	Scope       string
}

type CircuitBreaker struct {
	Enabled          bool
	FailureThreshold int
	Window           time.Duration
	Open             time.Duration
}

type Retry struct {
	MaxAttempts int
	Base        time.Duration
	Max         time.Duration
}

// Resolved is a policy with every field defaulted. Nothing downstream re-checks it.
type Resolved struct {
	RateLimit      RateLimit
	CircuitBreaker CircuitBreaker
	Retry          Retry
	Timeout        time.Duration
}

// EffectiveTimeout returns the per-call override when positive, else the policy timeout.
func (r Resolved) EffectiveTimeout(override time.Duration) time.Duration {
	if override > 0 {
		return override
	}
	return r.Timeout
}

// Defaults is the policy applied when a connector has none.
func Defaults(defaultMaxAttempts int) Resolved {
	return Normalize(nil, defaultMaxAttempts)
}

// Normalize substitutes defaults for every missing, mistyped or non-positive field.
func Normalize(p *models.Policy, defaultMaxAttempts int) Resolved {
	if defaultMaxAttempts <= 0 {
		defaultMaxAttempts = 1
	}
	var rl, cb, retry, timeout map[string]any
	if p != nil {
		rl = decode(p.RateLimit)
		cb = decode(p.CircuitBreaker)
		retry = decode(p.Retry)
		timeout = decode(p.Timeout)
	}

	out := Resolved{
		Retry: Retry{
			MaxAttempts: positiveInt(retry, "max_attempts", defaultMaxAttempts),
			Base:        positiveMillis(retry, "base_ms", DefaultRetryBase),
			Max:         positiveMillis(retry, "max_ms", DefaultRetryMax),
		},
		Timeout: positiveMillis(timeout, "total_ms", DefaultTimeout),
	}

	maxReq := positiveInt(rl, "max_requests", 0)
	interval := positiveMillis(rl, "interval_ms", 0)
	scope := ScopeConnector
	if s, _ := rl["scope"].(string); s == ScopeTenant {
		scope = ScopeTenant
	}
	out.RateLimit = RateLimit{
		Enabled:     maxReq > 0 && interval > 0,
		MaxRequests: maxReq,
		Interval:    interval,
		Scope:       scope,
	}

	enabled, _ := cb["enabled"].(bool)
	threshold := positiveInt(cb, "failure_threshold", 0)
	out.CircuitBreaker = CircuitBreaker{
		Enabled:          enabled && threshold > 0,
		FailureThreshold: threshold,
		Window:           positiveMillis(cb, "window_ms", DefaultCircuitWin),
		Open:             positiveMillis(cb, "open_ms", DefaultCircuitOpen),
	}
	return out
}

func decode(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}

// number accepts JSON numbers and numeric strings.
func number(m map[string]any, key string) (float64, bool) {
	switch v := m[key].(type) {
	case float64:
		return v, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// Upper bounds for policy numbers. Larger values are clamped so conversions cannot overflow.
const (
	MaxPolicyInt      = math.MaxInt32
	MaxPolicyDuration = 30 * 24 * time.Hour
)

func positiveInt(m map[string]any, key string, def int) int {
	if f, ok := number(m, key); ok && f >= 1 {
		return int(min(f, MaxPolicyInt))
	}
	return def
}

func positiveMillis(m map[string]any, key string, def time.Duration) time.Duration {
	if f, ok := number(m, key); ok && f > 0 {
		return time.Duration(min(f, float64(MaxPolicyDuration/time.Millisecond)) * float64(time.Millisecond))
	}
	return def
}

// PolicyReader is the store capability the resolver needs.
type PolicyReader interface {
	GetPolicy(ctx context.Context, tenantID, id string) (models.Policy, error)
}

// Resolver loads and normalizes a connector's policy.
type Resolver struct {
	Store              PolicyReader
	DefaultMaxAttempts int
}

// Resolve returns defaults when policyID is nil or the row is gone.
func (r *Resolver) Resolve(ctx context.Context, tenantID string, policyID *string) (Resolved, error) {
	if policyID == nil || *policyID == "" {
		return Defaults(r.DefaultMaxAttempts), nil
	}
	p, err := r.Store.GetPolicy(ctx, tenantID, *policyID)
	if errors.Is(err, store.ErrNotFound) {
		return Defaults(r.DefaultMaxAttempts), nil
	}
	if err != nil {
		return Resolved{}, fmt.Errorf("load policy %s: %w", *policyID, err)
	}
	return Normalize(&p, r.DefaultMaxAttempts), nil
}
