package policy

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"connector-orchestrator/internal/models"
	"connector-orchestrator/internal/store/memstore"
)

func TestNormalizeDefaults(t *testing.T) {
	r := Normalize(nil, 4)
	if r.RateLimit.Enabled || r.CircuitBreaker.Enabled {
		t.Fatalf("rate limit and breaker must be off without a policy: %+v", r)
	}
	if r.Retry.MaxAttempts != 4 || r.Retry.Base != 250*time.Millisecond || r.Retry.Max != 5*time.Second {
		t.Fatalf("unexpected retry defaults %+v", r.Retry)
	}
	if r.Timeout != 15*time.Second {
		t.Fatalf("expected 15s timeout, got %v", r.Timeout)
	}
	if r.RateLimit.Scope != ScopeConnector {
		t.Fatalf("expected connector scope by default")
	}
}

func TestNormalizeFields(t *testing.T) {
	cases := []struct {
		name  string
		p     models.Policy
		check func(t *testing.T, r Resolved)
	}{
		{
			name: "rate limit tenant scope",
			p:    models.Policy{RateLimit: json.RawMessage(`{"max_requests":1,"interval_ms":60000,"scope":"tenant"}`)},
			check: func(t *testing.T, r Resolved) {
				if !r.RateLimit.Enabled || r.RateLimit.MaxRequests != 1 || r.RateLimit.Interval != time.Minute || r.RateLimit.Scope != ScopeTenant {
					t.Fatalf("got %+v", r.RateLimit)
				}
			},
		},
		{
			name: "rate limit needs both fields",
			p:    models.Policy{RateLimit: json.RawMessage(`{"max_requests":5}`)},
			check: func(t *testing.T, r Resolved) {
				if r.RateLimit.Enabled {
					t.Fatalf("should be disabled without interval")
				}
			},
		},
		{
			name: "unknown scope falls back to connector",
			p:    models.Policy{RateLimit: json.RawMessage(`{"max_requests":5,"interval_ms":10,"scope":"global"}`)},
			check: func(t *testing.T, r Resolved) {
				if r.RateLimit.Scope != ScopeConnector {
					t.Fatalf("got scope %q", r.RateLimit.Scope)
				}
			},
		},
		{
			name: "breaker requires explicit enable",
			p:    models.Policy{CircuitBreaker: json.RawMessage(`{"failure_threshold":3}`)},
			check: func(t *testing.T, r Resolved) {
				if r.CircuitBreaker.Enabled {
					t.Fatalf("breaker should stay disabled")
				}
			},
		},
		{
			name: "breaker with defaults",
			p:    models.Policy{CircuitBreaker: json.RawMessage(`{"enabled":true,"failure_threshold":1}`)},
			check: func(t *testing.T, r Resolved) {
				cb := r.CircuitBreaker
				if !cb.Enabled || cb.FailureThreshold != 1 || cb.Window != time.Minute || cb.Open != 30*time.Second {
					t.Fatalf("got %+v", cb)
				}
			},
		},
		{
			name: "breaker enabled with zero threshold",
			p:    models.Policy{CircuitBreaker: json.RawMessage(`{"enabled":true,"failure_threshold":0}`)},
			check: func(t *testing.T, r Resolved) {
				if r.CircuitBreaker.Enabled {
					t.Fatalf("zero threshold must disable the breaker")
				}
			},
		},
		{
			name: "numeric string timeout",
			p:    models.Policy{Timeout: json.RawMessage(`{"total_ms":"2500"}`)},
			check: func(t *testing.T, r Resolved) {
				if r.Timeout != 2500*time.Millisecond {
					t.Fatalf("got %v", r.Timeout)
				}
			},
		},
		{
			name: "invalid retry fields fall back",
			p:    models.Policy{Retry: json.RawMessage(`{"max_attempts":-1,"base_ms":"x","max_ms":0}`)},
			check: func(t *testing.T, r Resolved) {
				if r.Retry.MaxAttempts != 4 || r.Retry.Base != DefaultRetryBase || r.Retry.Max != DefaultRetryMax {
					t.Fatalf("got %+v", r.Retry)
				}
			},
		},
		{
			name: "malformed json ignored",
			p:    models.Policy{Retry: json.RawMessage(`[1,2`)},
			check: func(t *testing.T, r Resolved) {
				if r.Retry.MaxAttempts != 4 {
					t.Fatalf("got %+v", r.Retry)
				}
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.check(t, Normalize(&tc.p, 4))
		})
	}
}

func TestEffectiveTimeoutOverride(t *testing.T) {
	r := Normalize(nil, 1)
	if got := r.EffectiveTimeout(0); got != DefaultTimeout {
		t.Fatalf("expected policy timeout, got %v", got)
	}
	if got := r.EffectiveTimeout(50 * time.Millisecond); got != 50*time.Millisecond {
		t.Fatalf("override should win, got %v", got)
	}
}

func TestResolverMissingPolicyUsesDefaults(t *testing.T) {
	st := memstore.New()
	res := &Resolver{Store: st, DefaultMaxAttempts: 3}
	missing := "does-not-exist"
	got, err := res.Resolve(context.Background(), "t1", &missing)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.Retry.MaxAttempts != 3 {
		t.Fatalf("expected default attempts, got %d", got.Retry.MaxAttempts)
	}

	p, _ := st.CreatePolicy(context.Background(), models.Policy{TenantID: "t1", Retry: json.RawMessage(`{"max_attempts":7}`)})
	got, err = res.Resolve(context.Background(), "t1", &p.ID)
	if err != nil || got.Retry.MaxAttempts != 7 {
		t.Fatalf("expected stored policy, got %+v err=%v", got.Retry, err)
	}
	// other tenants cannot see the policy
	got, _ = res.Resolve(context.Background(), "t2", &p.ID)
	if got.Retry.MaxAttempts != 3 {
		t.Fatalf("policy leaked across tenants")
	}
}

func TestValidateDocument(t *testing.T) {
	if err := ValidateDocument(SectionRateLimit, json.RawMessage(`{"max_requests":10,"interval_ms":1000}`)); err != nil {
		t.Fatalf("valid doc rejected: %v", err)
	}
	if err := ValidateDocument(SectionRateLimit, json.RawMessage(`{"max_requests":"ten"}`)); err == nil {
		t.Fatalf("string max_requests should be rejected")
	}
	if err := ValidateDocument(SectionCircuitBreaker, json.RawMessage(`{"enabled":"yes"}`)); err == nil {
		t.Fatalf("non-boolean enabled should be rejected")
	}
	if err := ValidateDocument(SectionRetry, nil); err != nil {
		t.Fatalf("empty doc should pass: %v", err)
	}
	if err := ValidateDocument("bogus", json.RawMessage(`{}`)); err == nil {
		t.Fatalf("unknown section should fail")
	}
}

func TestNormalizeClampsHugeNumbers(t *testing.T) {
	r := Normalize(&models.Policy{
		RateLimit:      json.RawMessage(`{"max_requests":1e300,"interval_ms":1e300}`),
		Retry:          json.RawMessage(`{"max_attempts":"1e300","base_ms":1e300,"max_ms":1e19}`),
		Timeout:        json.RawMessage(`{"total_ms":1e300}`),
		CircuitBreaker: json.RawMessage(`{"failure_threshold":1e300,"open_ms":1e300,"window_ms":1e300}`),
	}, 3)
	if r.RateLimit.MaxRequests != MaxPolicyInt || r.Retry.MaxAttempts != MaxPolicyInt || r.CircuitBreaker.FailureThreshold != MaxPolicyInt {
		t.Fatalf("counts not clamped: %d %d %d", r.RateLimit.MaxRequests, r.Retry.MaxAttempts, r.CircuitBreaker.FailureThreshold)
	}
	for name, d := range map[string]time.Duration{
		"interval": r.RateLimit.Interval,
		"base":     r.Retry.Base,
		"max":      r.Retry.Max,
		"timeout":  r.Timeout,
		"open":     r.CircuitBreaker.Open,
		"window":   r.CircuitBreaker.Window,
	} {
		if d != MaxPolicyDuration {
			t.Fatalf("%s = %v, want %v", name, d, MaxPolicyDuration)
		}
	}
}
