package secrets

import (
	"context"
	"errors"
	"testing"

	"connector-orchestrator/internal/models"
)

func TestEnvResolver(t *testing.T) {
	t.Setenv("UPSTREAM_TOKEN", "s3cret")
	r := NewEnvResolver()
	got, err := r.Resolve(context.Background(), models.SecretRef{Ref: "env://UPSTREAM_TOKEN"})
	if err != nil || got != "s3cret" {
		t.Fatalf("got %q err=%v", got, err)
	}
	if _, err := r.Resolve(context.Background(), models.SecretRef{Ref: "env://MISSING_TOKEN_X"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := r.Resolve(context.Background(), models.SecretRef{Ref: "vault://a/b"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected unsupported scheme to be not found, got %v", err)
	}
}
