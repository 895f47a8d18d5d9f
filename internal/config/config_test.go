package config

import (
	"errors"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	if cfg.DefaultMaxAttempts != 4 {
		t.Fatalf("expected default max attempts 4, got %d", cfg.DefaultMaxAttempts)
	}
	if cfg.IdempotencyTTL != 72*time.Hour {
		t.Fatalf("unexpected idempotency ttl %s", cfg.IdempotencyTTL)
	}
	if cfg.WebhookDedupTTL != 24*time.Hour {
		t.Fatalf("unexpected dedup ttl %s", cfg.WebhookDedupTTL)
	}
	if cfg.WorkerID == "" {
		t.Fatalf("worker id should default to the hostname or pid")
	}
	if cfg.PayloadStoreEnabled() {
		t.Fatalf("payload store should be disabled without a bucket")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("WORKER_CONCURRENCY", "9")
	t.Setenv("WORKER_ID", "worker-eu-1")
	t.Setenv("VISIBILITY_TIMEOUT", "45s")
	t.Setenv("IMPERSONATION_HEADERS_ALLOWED", "true")
	t.Setenv("WEBHOOK_HMAC_SECRETS", "github=abc, shopify = def ,broken")
	t.Setenv("WS_ALLOWED_ORIGINS", "console.example.com, ops.example.com")

	cfg := Load()
	if cfg.WorkerConcurrency != 9 {
		t.Fatalf("expected concurrency 9, got %d", cfg.WorkerConcurrency)
	}
	if cfg.WorkerID != "worker-eu-1" {
		t.Fatalf("expected worker id from env, got %q", cfg.WorkerID)
	}
	if cfg.VisibilityTimeout != 45*time.Second {
		t.Fatalf("expected 45s visibility, got %s", cfg.VisibilityTimeout)
	}
	if !cfg.ImpersonationHeadersAllowed {
		t.Fatalf("expected impersonation headers allowed")
	}
	if cfg.WebhookHMACSecrets["github"] != "abc" || cfg.WebhookHMACSecrets["shopify"] != "def" {
		t.Fatalf("unexpected hmac secrets %v", cfg.WebhookHMACSecrets)
	}
	if _, ok := cfg.WebhookHMACSecrets["broken"]; ok {
		t.Fatalf("malformed pair should be skipped")
	}
	if len(cfg.WSAllowedOrigins) != 2 {
		t.Fatalf("expected two origins, got %v", cfg.WSAllowedOrigins)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		mut  func(*Config)
		key  string
	}{
		{"queue backend", func(c *Config) { c.QueueBackend = "sqs" }, "QUEUE_BACKEND"},
		{"idempotency backend", func(c *Config) { c.IdempotencyBackend = "memory" }, "IDEMPOTENCY_BACKEND"},
		{"auth without secret", func(c *Config) { c.AuthMode = "enabled" }, "JWT_SHARED_SECRET"},
		{"concurrency", func(c *Config) { c.WorkerConcurrency = 0 }, "WORKER_CONCURRENCY"},
		{"api mode", func(c *Config) { c.APIMode = "admin" }, "API_MODE"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Load()
			tc.mut(&cfg)
			err := cfg.Validate()
			var cfgErr *Error
			if !errors.As(err, &cfgErr) {
				t.Fatalf("expected *config.Error, got %v", err)
			}
			if cfgErr.Key != tc.key {
				t.Fatalf("expected key %s, got %s", tc.key, cfgErr.Key)
			}
		})
	}
}
