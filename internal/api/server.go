package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"connector-orchestrator/internal/admin"
	"connector-orchestrator/internal/apperrors"
	"connector-orchestrator/internal/auth"
	"connector-orchestrator/internal/events"
	"connector-orchestrator/internal/gateway"
	"connector-orchestrator/internal/jobs"
	"connector-orchestrator/internal/telemetry"
	"connector-orchestrator/internal/webhook"
)

// API modes select which route groups are mounted.
const (
	ModeAll     = "all"
	ModeControl = "control"
	ModeExec    = "exec"
)

// HealthCheck is one dependency checked by GET /health.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Deps are the services behind the HTTP surface.
type Deps struct {
	Store    ControlStore
	Gateway  *gateway.Pipeline
	Jobs     *jobs.Service
	Webhooks *webhook.Ingestor
	Events   *events.Log
	Tailer   *events.Tailer
	Admin    *admin.Service
	Auditor  *admin.Auditor
	Auth     *auth.Authenticator
	Health   []HealthCheck
}

// Options tune routing and request handling.
type Options struct {
	Mode                        string
	DefaultTenantID             string
	ImpersonationHeadersAllowed bool
	WSAllowedOrigins            []string
	HealthTimeout               time.Duration
}

// Server wires HTTP handlers for the orchestrator API.
type Server struct {
	deps   Deps
	opts   Options
	logger *slog.Logger
}

// New constructs the API server.
func New(deps Deps, opts Options, logger *slog.Logger) *Server {
	if opts.Mode == "" {
		opts.Mode = ModeAll
	}
	if opts.HealthTimeout <= 0 {
		opts.HealthTimeout = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{deps: deps, opts: opts, logger: logger}
}

func (s *Server) mounts(mode string) bool {
	return s.opts.Mode == ModeAll || s.opts.Mode == mode
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestContext, s.recovery, s.observe, s.authenticate)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, apperrors.NewNotFound("not_found", "not_found", nil))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, apperrors.NewNotFound("not_found", "not_found", nil))
	})

	r.Get("/health", s.handleHealth)
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	if s.mounts(ModeExec) {
		r.Post("/execute", s.handleExecute)
		r.Post("/jobs", s.handleCreateJob)
		r.Get("/jobs/{id}", s.handleGetJob)
	}

	if s.mounts(ModeControl) {
		r.Handle("/metrics", telemetry.Handler())
		r.Post("/webhooks/{provider}", s.handleWebhook)

		r.Get("/events", s.handleListEvents)
		r.Get("/events/stream", s.handleStreamEvents)
		r.Get("/events/ws", s.handleEventsWS)

		r.Route("/admin", func(r chi.Router) {
			r.Use(requireScope(auth.ScopeAdmin))
			r.Get("/dlq", s.handleListDLQ)
			r.Post("/dlq/replay", s.handleReplayDLQ)
			r.Post("/dlq/purge", s.handlePurgeDLQ)
			r.Post("/impersonation/issue", s.handleIssueImpersonation)
			r.Post("/impersonation/stop", s.handleStopImpersonation)
		})
	}

	r.Group(func(r chi.Router) {
		r.Use(requireScope(auth.ScopeControlRead))
		r.Get("/connectors", s.handleListConnectors)
		r.Get("/policies", s.handleListPolicies)
		r.Get("/secret-refs", s.handleListSecretRefs)
		r.Get("/configs", s.handleListConfigs)
		r.Get("/configs/active", s.handleActiveConfig)
		r.Get("/audit-logs", s.handleListAudit)
	})
	r.Group(func(r chi.Router) {
		r.Use(requireScope(auth.ScopeControlWrite))
		r.Post("/connectors", s.handleCreateConnector)
		r.Post("/policies", s.handleCreatePolicy)
		r.Post("/secret-refs", s.handleCreateSecretRef)
		r.Post("/configs", s.handleCreateConfig)
		r.Post("/configs/activate", s.handleActivateConfig)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.opts.HealthTimeout)
	defer cancel()

	body := map[string]any{}
	healthy := true
	for _, hc := range s.deps.Health {
		err := hc.Check(ctx)
		body[hc.Name] = err == nil
		if err != nil {
			healthy = false
			telemetry.FromContext(r.Context()).Warn("health check failed", "check", hc.Name, "error", err)
		}
	}
	if !healthy {
		body["status"] = "degraded"
		writeJSON(w, http.StatusInternalServerError, body)
		return
	}
	body["status"] = "ok"
	writeJSON(w, http.StatusOK, body)
}
