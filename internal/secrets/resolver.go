package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"connector-orchestrator/internal/models"
)

// ErrNotFound is returned when a reference resolves to nothing.
var ErrNotFound = errors.New("secret not found")

// Resolver turns a stored secret reference into its value.
type Resolver interface {
	Resolve(ctx context.Context, ref models.SecretRef) (string, error)
}

// EnvResolver reads env://NAME references from the process environment.
type EnvResolver struct {
	lookup func(string) (string, bool)
}

func NewEnvResolver() *EnvResolver {
	return &EnvResolver{lookup: os.LookupEnv}
}

func (r *EnvResolver) Resolve(_ context.Context, ref models.SecretRef) (string, error) {
	name, ok := strings.CutPrefix(ref.Ref, "env://")
	if !ok {
		return "", fmt.Errorf("unsupported secret ref %q: %w", ref.Ref, ErrNotFound)
	}
	v, ok := r.lookup(name)
	if !ok || v == "" {
		return "", fmt.Errorf("env %s: %w", name, ErrNotFound)
	}
	return v, nil
}

// StaticResolver serves fixed values keyed by ref, for tests and local runs.
type StaticResolver map[string]string

func (s StaticResolver) Resolve(_ context.Context, ref models.SecretRef) (string, error) {
	v, ok := s[ref.Ref]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}
