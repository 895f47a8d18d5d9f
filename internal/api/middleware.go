package api

import (
	"context"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"connector-orchestrator/internal/admin"
	"connector-orchestrator/internal/apperrors"
	"connector-orchestrator/internal/auth"
	"connector-orchestrator/internal/telemetry"
)

// requestContext assigns request and trace ids, echoes them as response headers and
// attaches a request-scoped logger.
func (s *Server) requestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("x-request-id")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		trace := r.Header.Get("x-trace-id")
		if trace == "" {
			trace = r.Header.Get("traceparent")
		}
		if trace == "" {
			trace = reqID
		}
		w.Header().Set("x-request-id", reqID)
		w.Header().Set("x-trace-id", trace)

		ctx := context.WithValue(r.Context(), requestIDKey, reqID)
		ctx = context.WithValue(ctx, traceIDKey, trace)
		ctx = telemetry.WithLogger(ctx, s.logger.With("request_id", reqID, "trace_id", trace))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				telemetry.FromContext(r.Context()).Error("panic recovered",
					"error", rec,
					"stack", string(debug.Stack()),
					"path", r.URL.Path,
				)
				writeError(w, r, apperrors.NewInternal("internal_error", "internal_error", nil))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// observe records request metrics by chi route pattern and logs completion.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		code := strconv.Itoa(status)
		telemetry.HTTPRequests.WithLabelValues(route, r.Method, code).Inc()
		if status >= http.StatusBadRequest {
			telemetry.HTTPErrors.WithLabelValues(route, r.Method, code).Inc()
		}
		telemetry.FromContext(r.Context()).Info("request completed",
			"method", r.Method,
			"route", route,
			"status", status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func isOpenPath(path string) bool {
	return path == "/health" || path == "/health/live" || strings.HasPrefix(path, "/webhooks/")
}

func needsExecAudience(path string) bool {
	return strings.HasPrefix(path, "/execute") || strings.HasPrefix(path, "/jobs")
}

func isMutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// authenticate resolves the request principal. With auth disabled every caller is the
// default tenant with all scopes.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.deps.Auth.Enabled() || isOpenPath(r.URL.Path) {
			ctx := auth.WithPrincipal(r.Context(), auth.Anonymous(s.opts.DefaultTenantID))
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			writeError(w, r, apperrors.NewUnauthorized("auth_required", "auth_required"))
			return
		}
		p, err := s.deps.Auth.Verify(strings.TrimSpace(strings.TrimPrefix(header, "Bearer ")), needsExecAudience(r.URL.Path))
		if err != nil {
			telemetry.FromContext(r.Context()).Warn("jwt verification failed", "error", err)
			writeError(w, r, apperrors.NewUnauthorized("invalid_token", "invalid_token"))
			return
		}

		if p.Role == auth.RoleBreakGlassAdmin && isMutating(r.Method) {
			reason := r.Header.Get("x-breakglass-reason")
			if reason == "" {
				writeError(w, r, apperrors.NewForbidden("breakglass_reason_required", "breakglass_reason_required"))
				return
			}
			s.audit(r, p, admin.Action{
				Name:         "breakglass",
				ResourceType: "request",
				ResourceID:   r.URL.RequestURI(),
				Diff:         map[string]any{"method": r.Method},
				Reason:       reason,
			})
		}

		p, err = s.impersonate(r, p)
		if err != nil {
			writeError(w, r, err)
			return
		}
		logger := telemetry.FromContext(r.Context()).With("tenant_id", p.Tenant())
		ctx := telemetry.WithLogger(auth.WithPrincipal(r.Context(), p), logger)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// impersonate applies an x-impersonation-token, or raw x-impersonate-* headers when they
// are allowed, and audits the switch.
func (s *Server) impersonate(r *http.Request, p auth.Principal) (auth.Principal, error) {
	token := r.Header.Get("x-impersonation-token")
	sub := r.Header.Get("x-impersonate-sub")
	tenant := r.Header.Get("x-impersonate-tenant")
	if (sub != "" || tenant != "") && !s.opts.ImpersonationHeadersAllowed {
		return p, apperrors.NewForbidden("impersonation_headers_disabled", "impersonation_headers_disabled")
	}
	if token == "" && sub == "" && tenant == "" {
		return p, nil
	}
	if !p.Has(auth.ScopeImpersonate) && !p.Has(auth.ScopeAdmin) {
		return p, apperrors.NewForbidden("impersonation_forbidden", "impersonation_forbidden")
	}

	var reason string
	if token != "" {
		claims, err := s.deps.Auth.VerifyImpersonation(token)
		if err != nil {
			telemetry.FromContext(r.Context()).Warn("invalid impersonation token", "error", err)
			return p, apperrors.NewUnauthorized("invalid_impersonation_token", "invalid_impersonation_token")
		}
		sub, tenant, reason = claims.Subject, claims.TenantID, claims.Reason
	} else {
		if sub != "" && uuid.Validate(sub) != nil {
			return p, apperrors.NewValidation("invalid_impersonate_sub", "invalid_impersonate_sub", nil)
		}
		if tenant != "" && uuid.Validate(tenant) != nil {
			return p, apperrors.NewValidation("invalid_impersonate_tenant", "invalid_impersonate_tenant", nil)
		}
		reason = r.Header.Get("x-impersonate-reason")
	}
	if reason == "" {
		reason = "not_provided"
	}

	p.ImpersonatedSub = sub
	p.ImpersonatedTenant = tenant
	resource := tenant
	if resource == "" {
		resource = sub
	}
	if resource == "" {
		resource = s.opts.DefaultTenantID
	}
	s.audit(r, p, admin.Action{
		Name:         "impersonation.start",
		ResourceType: "tenant",
		ResourceID:   resource,
		Diff:         map[string]any{"impersonated_sub": nullable(sub), "impersonated_tenant": nullable(tenant)},
		Reason:       reason,
	})
	return p, nil
}

func (s *Server) audit(r *http.Request, p auth.Principal, act admin.Action) {
	if err := s.deps.Auditor.Record(r.Context(), p, act); err != nil {
		telemetry.FromContext(r.Context()).Warn("audit write failed", "action", act.Name, "error", err)
	}
}

// requireScope rejects principals without scope.
func requireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := auth.FromContext(r.Context())
			if !ok || !p.Has(scope) {
				writeError(w, r, apperrors.NewForbidden("forbidden", "forbidden"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func principal(r *http.Request) auth.Principal {
	p, _ := auth.FromContext(r.Context())
	return p
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
