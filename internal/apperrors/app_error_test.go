package apperrors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestHTTPStatus(t *testing.T) {
	cases := map[*AppError]int{
		NewValidation("missing_type", "missing_type", nil):  http.StatusBadRequest,
		NewUnauthorized("auth_required", "auth_required"):   http.StatusUnauthorized,
		NewForbidden("forbidden", "forbidden"):              http.StatusForbidden,
		NewNotFound("job_not_found", "job_not_found", nil):  http.StatusNotFound,
		NewConflict("IDEMPOTENCY_CONFLICT", "x", nil):       http.StatusConflict,
		NewRateLimited("RATE_LIMITED", "RATE_LIMITED", nil): http.StatusTooManyRequests,
		NewUnavailable("CIRCUIT_OPEN", "CIRCUIT_OPEN", nil): http.StatusServiceUnavailable,
		NewTimeout("upstream_timeout", "x", nil):            http.StatusGatewayTimeout,
		NewInternal("internal_error", "x", nil):             http.StatusInternalServerError,
	}
	for e, want := range cases {
		if got := e.HTTPStatus(); got != want {
			t.Errorf("%s: expected %d got %d", e.Code, want, got)
		}
	}
}

func TestFromWrapsUnknownErrors(t *testing.T) {
	cause := errors.New("pq: connection refused")
	e := From(fmt.Errorf("load job: %w", cause))
	if e.Code != "internal_error" || e.Message != "internal_error" {
		t.Fatalf("unexpected mapping %+v", e)
	}
	if !errors.Is(e, cause) {
		t.Fatalf("cause should stay reachable for logging")
	}

	nf := NewNotFound("job_not_found", "job_not_found", nil)
	if got := From(fmt.Errorf("handler: %w", nf)); got != nf {
		t.Fatalf("wrapped AppError should be returned as-is")
	}
	if From(nil) != nil {
		t.Fatalf("nil should map to nil")
	}
}
