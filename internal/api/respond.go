package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"connector-orchestrator/internal/apperrors"
	"connector-orchestrator/internal/telemetry"
)

const maxBodyBytes = 1 << 20

type ctxKey int

const (
	requestIDKey ctxKey = iota
	traceIDKey
)

func requestID(ctx context.Context) string {
	v, _ := ctx.Value(requestIDKey).(string)
	return v
}

func traceID(ctx context.Context) string {
	v, _ := ctx.Value(traceIDKey).(string)
	return v
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorBody struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details"`
	RequestID string         `json:"request_id"`
	TraceID   string         `json:"trace_id"`
}

// writeError renders err as the common error body. Errors that are not AppErrors become
// internal_error and are only logged.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	appErr := apperrors.From(err)
	status := appErr.HTTPStatus()
	logger := telemetry.FromContext(r.Context())
	if status >= http.StatusInternalServerError && appErr.Type != apperrors.TypeTimeout {
		logger.Error("request failed", "code", appErr.Code, "error", err)
	}
	writeJSON(w, status, errorBody{
		Code:      appErr.Code,
		Message:   appErr.Message,
		Details:   appErr.Details,
		RequestID: requestID(r.Context()),
		TraceID:   traceID(r.Context()),
	})
}

// decodeJSON reads a JSON body into dst. An empty body leaves dst untouched.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	return decodeBody(w, r, dst, false)
}

// decodeJSONNumbers is decodeJSON with untyped numbers kept as json.Number,
// so large integers survive into hashing and forwarding.
func decodeJSONNumbers(w http.ResponseWriter, r *http.Request, dst any) error {
	return decodeBody(w, r, dst, true)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any, useNumber bool) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if useNumber {
		dec.UseNumber()
	}
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return apperrors.NewValidation("invalid_json", "invalid_json", nil).WithCause(err)
	}
	return nil
}
