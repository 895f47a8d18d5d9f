package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"connector-orchestrator/internal/apperrors"
	"connector-orchestrator/internal/circuit"
	"connector-orchestrator/internal/connector"
	"connector-orchestrator/internal/events"
	"connector-orchestrator/internal/idempotency"
	"connector-orchestrator/internal/models"
	"connector-orchestrator/internal/policy"
	"connector-orchestrator/internal/ratelimit"
	"connector-orchestrator/internal/secrets"
	"connector-orchestrator/internal/store"
	"connector-orchestrator/internal/telemetry"
)

const maxJitter = 100 * time.Millisecond

var errUnsupportedType = errors.New("unsupported_connector_type")

// ConnectorStore reads the records a call needs.
type ConnectorStore interface {
	GetConnector(ctx context.Context, tenantID, id string) (models.Connector, error)
	GetSecretRef(ctx context.Context, tenantID, id string) (models.SecretRef, error)
}

type PolicyResolver interface {
	Resolve(ctx context.Context, tenantID string, policyID *string) (policy.Resolved, error)
}

type RequestLogger interface {
	AppendRequestLog(ctx context.Context, l models.RequestLog) error
}

// Call is one execute request.
type Call struct {
	TenantID       string
	ConnectorID    string
	Operation      string
	Input          any
	Options        map[string]any
	IdempotencyKey string
	RequestID      string
	TraceID        string
	ActorType      string
	ActorID        string
}

// body is the part of a call covered by the idempotency hash.
func (c Call) body() map[string]any {
	b := map[string]any{
		"connector": map[string]any{"id": c.ConnectorID},
		"operation": c.Operation,
	}
	if c.Input != nil {
		b["input"] = c.Input
	}
	if c.Options != nil {
		b["options"] = c.Options
	}
	return b
}

type IdempotencyInfo struct {
	Key      *string `json:"key"`
	Replayed bool    `json:"replayed"`
}

// Response is the success body of an execute call. Upstream failures are reported in Output.
type Response struct {
	Status      string          `json:"status"`
	Output      map[string]any  `json:"output"`
	LatencyMs   int64           `json:"latency_ms"`
	Attempts    int             `json:"attempts"`
	Idempotency IdempotencyInfo `json:"idempotency"`
	RequestID   string          `json:"request_id"`
}

// UpstreamStatus returns output.http_status. Replayed responses come back from JSON, so the
// number may be a float64 or json.Number rather than an int.
func (r *Response) UpstreamStatus() (int, bool) {
	switch v := r.Output["http_status"].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case json.Number:
		n, err := v.Int64()
		return int(n), err == nil
	}
	return 0, false
}

// UpstreamFailed reports a transport error or a 408/429/5xx status recorded in Output.
func (r *Response) UpstreamFailed() error {
	if msg, ok := r.Output["error"].(string); ok && msg != "" {
		return fmt.Errorf("connector call failed: %s", msg)
	}
	if status, ok := r.UpstreamStatus(); ok && (status == 408 || status == 429 || status >= 500) {
		return fmt.Errorf("connector returned http %d", status)
	}
	return nil
}

// Deps wires a Pipeline. Events and RequestLog may be nil.
type Deps struct {
	Store       ConnectorStore
	Policies    PolicyResolver
	Limiter     *ratelimit.Limiter
	Breaker     *circuit.Breaker
	Idempotency *idempotency.Cache
	Secrets     secrets.Resolver
	Executors   *connector.Registry
	RequestLog  RequestLogger
	Events      *events.Log
}

// Pipeline runs execute calls: idempotency, admission, retries and circuit scoring.
type Pipeline struct {
	d      Deps
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() time.Duration
	now    func() time.Time
}

func NewPipeline(d Deps) *Pipeline {
	return &Pipeline{
		d:      d,
		sleep:  sleepContext,
		jitter: func() time.Duration { return time.Duration(rand.Int64N(int64(maxJitter))) },
		now:    time.Now,
	}
}

// Backoff is the pre-jitter delay after the given failed attempt.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max || d <= 0 {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Execute runs one call end to end.
func (p *Pipeline) Execute(ctx context.Context, c Call) (*Response, error) {
	started := p.now()
	logger := telemetry.FromContext(ctx)
	if c.ActorType == "" {
		c.ActorType = "api"
	}

	if c.ConnectorID == "" || c.Operation == "" {
		return nil, apperrors.NewValidation("missing_connector_or_operation", "connector.id and operation are required", nil)
	}

	var hash string
	if c.IdempotencyKey != "" {
		var err error
		if hash, err = idempotency.HashRequest(c.body()); err != nil {
			return nil, apperrors.NewValidation("invalid_request", "request body cannot be hashed", nil).WithCause(err)
		}
		cached, found, err := p.d.Idempotency.Lookup(ctx, c.TenantID, c.IdempotencyKey, hash)
		if errors.Is(err, idempotency.ErrConflict) {
			p.logRequest(ctx, c, started, "conflict", 409, 0)
			return nil, conflictError(c.IdempotencyKey)
		}
		if err != nil {
			return nil, fmt.Errorf("idempotency lookup: %w", err)
		}
		if found {
			resp, err := p.replay(cached, c)
			if err != nil {
				return nil, err
			}
			p.logRequest(ctx, c, started, "success", 200, 0)
			return resp, nil
		}
	}

	conn, err := p.d.Store.GetConnector(ctx, c.TenantID, c.ConnectorID)
	if errors.Is(err, store.ErrNotFound) {
		p.logRequest(ctx, c, started, "not_found", 404, 0)
		return nil, apperrors.NewNotFound("CONNECTOR_NOT_FOUND", "CONNECTOR_NOT_FOUND", map[string]any{"connector_id": c.ConnectorID})
	}
	if err != nil {
		return nil, fmt.Errorf("load connector: %w", err)
	}

	pol, err := p.d.Policies.Resolve(ctx, c.TenantID, conn.PolicyID)
	if err != nil {
		return nil, err
	}

	rl, err := p.d.Limiter.Allow(ctx, c.TenantID, conn.ID, pol.RateLimit)
	if err != nil {
		logger.Warn("rate limiter unavailable, admitting call", "connector_id", conn.ID, "error", err)
	}
	if !rl.Allowed {
		telemetry.RateLimited.WithLabelValues(c.TenantID, conn.ID).Inc()
		p.logRequest(ctx, c, started, "rate_limited", 429, 0)
		return nil, apperrors.NewRateLimited("RATE_LIMITED", "RATE_LIMITED", map[string]any{
			"limit":     rl.Limit,
			"remaining": rl.Remaining,
			"reset_ms":  rl.ResetMs,
		})
	}

	open, err := p.d.Breaker.IsOpen(ctx, c.TenantID, conn.ID, pol.CircuitBreaker)
	if err != nil {
		logger.Warn("circuit state unavailable, treating as closed", "connector_id", conn.ID, "error", err)
	}
	if open {
		telemetry.CircuitOpen.WithLabelValues(c.TenantID, conn.ID).Inc()
		p.logRequest(ctx, c, started, "circuit_open", 503, 0)
		return nil, apperrors.NewUnavailable("CIRCUIT_OPEN", "CIRCUIT_OPEN", map[string]any{
			"open_ms": pol.CircuitBreaker.Open.Milliseconds(),
		})
	}

	headers := p.authHeaders(ctx, conn)
	timeout := pol.EffectiveTimeout(optionMillis(c.Options, "timeout_ms"))

	out, retries, err := p.invoke(ctx, conn, c, headers, pol, timeout)
	if err != nil {
		return nil, err
	}
	if retries > 0 {
		telemetry.Retries.WithLabelValues(c.TenantID, conn.ID).Add(float64(retries))
	}
	telemetry.UpstreamLatency.WithLabelValues(conn.Type).Observe(p.now().Sub(started).Seconds())

	if out.TimedOut {
		p.logRequest(ctx, c, started, "timeout", 504, retries)
		return nil, apperrors.NewTimeout("upstream_timeout", "upstream_timeout", map[string]any{"timeout_ms": timeout.Milliseconds()})
	}

	opened, err := p.d.Breaker.Record(ctx, c.TenantID, conn.ID, pol.CircuitBreaker, !out.Failed())
	if err != nil {
		logger.Warn("circuit record failed", "connector_id", conn.ID, "error", err)
	}
	if opened {
		logger.Warn("circuit opened", "tenant_id", c.TenantID, "connector_id", conn.ID, "open_ms", pol.CircuitBreaker.Open.Milliseconds())
		if p.d.Events != nil {
			p.d.Events.Emit(ctx, events.Entry{
				TenantID: c.TenantID,
				Severity: models.SeverityWarn,
				Type:     "circuit_opened",
				Data:     map[string]any{"connector_id": conn.ID, "open_ms": pol.CircuitBreaker.Open.Milliseconds()},
				TraceID:  c.TraceID,
			})
		}
	}

	resp := &Response{
		Status:      "ok",
		Output:      out.Output(),
		LatencyMs:   p.now().Sub(started).Milliseconds(),
		Attempts:    1 + retries,
		Idempotency: IdempotencyInfo{Key: optional(c.IdempotencyKey)},
		RequestID:   c.RequestID,
	}

	if c.IdempotencyKey != "" {
		resp, err = p.commit(ctx, c, hash, resp)
		if err != nil {
			return nil, err
		}
	}

	p.logRequest(ctx, c, started, "success", 200, retries)
	return resp, nil
}

// invoke runs the retry loop. A timed out attempt ends the loop at once.
func (p *Pipeline) invoke(ctx context.Context, conn models.Connector, c Call, headers map[string]string, pol policy.Resolved, timeout time.Duration) (connector.Outcome, int, error) {
	exec, ok := p.d.Executors.Lookup(conn.Type)
	if !ok {
		return connector.Outcome{Err: errUnsupportedType}, 0, nil
	}
	req := connector.Request{
		Connector: conn,
		Operation: c.Operation,
		Input:     c.Input,
		Options:   c.Options,
		Headers:   headers,
	}

	retries := 0
	for attempt := 1; ; attempt++ {
		actx, cancel := context.WithTimeout(ctx, timeout)
		out := exec.Invoke(actx, req)
		cancel()

		if out.TimedOut || !out.Retriable() || attempt >= pol.Retry.MaxAttempts {
			return out, retries, nil
		}
		retries++
		wait := Backoff(pol.Retry.Base, pol.Retry.Max, attempt) + p.jitter()
		if err := p.sleep(ctx, wait); err != nil {
			return out, retries, err
		}
	}
}

func (p *Pipeline) authHeaders(ctx context.Context, conn models.Connector) map[string]string {
	if conn.SecretRefID == nil || *conn.SecretRefID == "" || p.d.Secrets == nil {
		return nil
	}
	logger := telemetry.FromContext(ctx)
	ref, err := p.d.Store.GetSecretRef(ctx, conn.TenantID, *conn.SecretRefID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			logger.Warn("secret ref lookup failed", "secret_ref_id", *conn.SecretRefID, "error", err)
		}
		return nil
	}
	secret, err := p.d.Secrets.Resolve(ctx, ref)
	if err != nil || secret == "" {
		logger.Warn("secret unresolved, calling without auth", "secret_ref_id", ref.ID, "error", err)
		return nil
	}
	return map[string]string{connector.AuthHeaderName(conn.Settings): "Bearer " + secret}
}

func (p *Pipeline) replay(cached json.RawMessage, c Call) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(cached, &resp); err != nil {
		return nil, fmt.Errorf("decode cached response: %w", err)
	}
	resp.Idempotency = IdempotencyInfo{Key: optional(c.IdempotencyKey), Replayed: true}
	resp.RequestID = c.RequestID
	return &resp, nil
}

// commit stores resp under the key. When a concurrent request already stored a response
// for the same body, that response is returned instead.
func (p *Pipeline) commit(ctx context.Context, c Call, hash string, resp *Response) (*Response, error) {
	raw, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	stored, err := p.d.Idempotency.Commit(ctx, c.TenantID, c.IdempotencyKey, hash, raw)
	if errors.Is(err, idempotency.ErrConflict) {
		return nil, conflictError(c.IdempotencyKey)
	}
	if err != nil {
		telemetry.FromContext(ctx).Warn("idempotency commit failed", "idempotency_key", c.IdempotencyKey, "error", err)
		return resp, nil
	}
	if string(stored) == string(raw) {
		return resp, nil
	}
	return p.replay(stored, c)
}

func (p *Pipeline) logRequest(ctx context.Context, c Call, started time.Time, status string, httpStatus, retries int) {
	if p.d.RequestLog == nil {
		return
	}
	err := p.d.RequestLog.AppendRequestLog(ctx, models.RequestLog{
		ID:             uuid.NewString(),
		TenantID:       c.TenantID,
		RequestID:      c.RequestID,
		TraceID:        c.TraceID,
		ActorType:      c.ActorType,
		ActorID:        c.ActorID,
		Operation:      "execute",
		Status:         status,
		HTTPStatus:     httpStatus,
		LatencyMs:      p.now().Sub(started).Milliseconds(),
		IdempotencyKey: c.IdempotencyKey,
		RetryCount:     retries,
		CreatedAt:      p.now().UTC(),
	})
	if err != nil {
		telemetry.FromContext(ctx).Warn("request log write failed", "error", err)
	}
}

func conflictError(key string) error {
	return apperrors.NewConflict("IDEMPOTENCY_CONFLICT", "IDEMPOTENCY_CONFLICT", map[string]any{"idempotency_key": key})
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// optionMillis reads a positive millisecond option.
func optionMillis(opts map[string]any, key string) time.Duration {
	if v, ok := opts[key].(float64); ok && v > 0 {
		return time.Duration(v * float64(time.Millisecond))
	}
	if v, ok := opts[key].(json.Number); ok {
		if f, err := v.Float64(); err == nil && f > 0 {
			return time.Duration(f * float64(time.Millisecond))
		}
	}
	return 0
}
