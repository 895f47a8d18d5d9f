package admin

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"connector-orchestrator/internal/apperrors"
	"connector-orchestrator/internal/auth"
	"connector-orchestrator/internal/models"
	"connector-orchestrator/internal/queue"
	"connector-orchestrator/internal/store"
	"connector-orchestrator/internal/telemetry"
)

const dlqListLimit = 100

// JobStore is the job row access replay needs.
type JobStore interface {
	UpdateJobStatus(ctx context.Context, id, status string) error
}

// DeadJob is one dead-lettered job as listed to operators.
type DeadJob struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	TenantID     string    `json:"tenant_id"`
	AttemptsMade int       `json:"attempts_made"`
	Error        string    `json:"error"`
	DeadAt       time.Time `json:"dead_at"`
}

// QueueDeadLetters groups dead jobs by queue.
type QueueDeadLetters struct {
	Queue string    `json:"queue"`
	Jobs  []DeadJob `json:"jobs"`
}

type ReplayRequest struct {
	Queue  string `json:"queue"`
	JobID  string `json:"job_id"`
	Reason string `json:"reason"`
}

type PurgeRequest struct {
	Queue  string `json:"queue"`
	Reason string `json:"reason"`
}

type IssueRequest struct {
	ImpersonateSub    string `json:"impersonate_sub,omitempty"`
	ImpersonateTenant string `json:"impersonate_tenant,omitempty"`
	Reason            string `json:"reason"`
	TTLMinutes        int    `json:"ttl_minutes,omitempty"`
}

type Issued struct {
	Token      string    `json:"token"`
	ExpiresAt  time.Time `json:"expires_at"`
	TTLMinutes int       `json:"ttl_minutes"`
}

// Service implements the operator endpoints: DLQ inspection and impersonation.
// Callers must have checked the admin scope.
type Service struct {
	broker  queue.Broker
	jobs    JobStore
	auditor *Auditor
	authn   *auth.Authenticator
	queues  []string
}

func NewService(b queue.Broker, jobs JobStore, auditor *Auditor, authn *auth.Authenticator, queues []string) *Service {
	return &Service{broker: b, jobs: jobs, auditor: auditor, authn: authn, queues: queues}
}

func (s *Service) knownQueue(q string) error {
	if !slices.Contains(s.queues, q) {
		return apperrors.NewValidation("unknown_queue", "unknown_queue", map[string]any{"queue": q, "queues": s.queues})
	}
	return nil
}

// ListDLQ returns the dead letters of every managed queue.
func (s *Service) ListDLQ(ctx context.Context) ([]QueueDeadLetters, error) {
	out := make([]QueueDeadLetters, 0, len(s.queues))
	for _, q := range s.queues {
		dead, err := s.broker.DeadLetters(ctx, q, dlqListLimit)
		if err != nil {
			return nil, apperrors.NewUnavailable("queue_unavailable", "queue_unavailable", map[string]any{"queue": q}).WithCause(err)
		}
		jobs := make([]DeadJob, 0, len(dead))
		for _, d := range dead {
			jobs = append(jobs, DeadJob{
				ID:           d.Message.JobID,
				Name:         d.Message.Name,
				TenantID:     d.Message.TenantID,
				AttemptsMade: d.Message.Attempt,
				Error:        d.Error,
				DeadAt:       d.DeadAt,
			})
		}
		out = append(out, QueueDeadLetters{Queue: q, Jobs: jobs})
	}
	return out, nil
}

// Replay moves a dead-lettered job back to its queue with a fresh attempt budget.
func (s *Service) Replay(ctx context.Context, op auth.Principal, req ReplayRequest) error {
	if req.Queue == "" || req.JobID == "" || strings.TrimSpace(req.Reason) == "" {
		return apperrors.NewValidation("missing_queue_job_or_reason", "missing_queue_job_or_reason", nil)
	}
	if err := s.knownQueue(req.Queue); err != nil {
		return err
	}
	if err := s.broker.Replay(ctx, req.Queue, req.JobID); err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			return apperrors.NewNotFound("job_not_found", "job_not_found", map[string]any{"job_id": req.JobID})
		}
		return apperrors.NewUnavailable("queue_unavailable", "queue_unavailable", nil).WithCause(err)
	}
	if err := s.jobs.UpdateJobStatus(ctx, req.JobID, models.StatusQueued); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("requeue job row: %w", err)
	}
	telemetry.FromContext(ctx).Info("dead letter replayed", "queue", req.Queue, "job_id", req.JobID)
	return s.auditor.Record(ctx, op, Action{
		Name:         "dlq.replay",
		ResourceType: "job",
		ResourceID:   req.JobID,
		Diff:         map[string]any{"queue": req.Queue},
		Reason:       req.Reason,
	})
}

// Purge discards every dead letter on a queue and reports how many were removed.
func (s *Service) Purge(ctx context.Context, op auth.Principal, req PurgeRequest) (int, error) {
	if req.Queue == "" || strings.TrimSpace(req.Reason) == "" {
		return 0, apperrors.NewValidation("missing_queue_or_reason", "missing_queue_or_reason", nil)
	}
	if err := s.knownQueue(req.Queue); err != nil {
		return 0, err
	}
	removed, err := s.broker.Purge(ctx, req.Queue)
	if err != nil {
		return 0, apperrors.NewUnavailable("queue_unavailable", "queue_unavailable", nil).WithCause(err)
	}
	telemetry.FromContext(ctx).Warn("dead letters purged", "queue", req.Queue, "removed", removed)
	err = s.auditor.Record(ctx, op, Action{
		Name:         "dlq.purge",
		ResourceType: "queue",
		ResourceID:   req.Queue,
		Diff:         map[string]any{"removed": removed},
		Reason:       req.Reason,
	})
	return removed, err
}

func validUUID(v string) bool {
	_, err := uuid.Parse(v)
	return err == nil
}

// IssueImpersonation signs a short-lived token that lets op act as another subject or tenant.
func (s *Service) IssueImpersonation(ctx context.Context, op auth.Principal, req IssueRequest) (Issued, error) {
	if strings.TrimSpace(req.Reason) == "" {
		return Issued{}, apperrors.NewValidation("missing_reason", "missing_reason", nil)
	}
	if req.ImpersonateSub != "" && !validUUID(req.ImpersonateSub) {
		return Issued{}, apperrors.NewValidation("invalid_impersonate_sub", "invalid_impersonate_sub", nil)
	}
	if req.ImpersonateTenant != "" && !validUUID(req.ImpersonateTenant) {
		return Issued{}, apperrors.NewValidation("invalid_impersonate_tenant", "invalid_impersonate_tenant", nil)
	}
	ttl := s.authn.ImpersonationTTL()
	if req.TTLMinutes > 0 {
		ttl = time.Duration(req.TTLMinutes) * time.Minute
	}
	operator := op
	operator.Subject = s.auditor.OperatorID(op)
	operator.TenantID = op.Tenant()
	token, exp, err := s.authn.IssueImpersonation(operator, req.ImpersonateSub, req.ImpersonateTenant, req.Reason, ttl)
	if errors.Is(err, auth.ErrNotConfigured) {
		return Issued{}, apperrors.NewInternal("impersonation_secret_not_configured", "impersonation_secret_not_configured", nil)
	}
	if err != nil {
		return Issued{}, err
	}

	resource := req.ImpersonateTenant
	if resource == "" {
		resource = req.ImpersonateSub
	}
	if resource == "" {
		resource = s.authn.DefaultTenant()
	}
	if err := s.auditor.Record(ctx, op, Action{
		Name:         "impersonation.issue",
		ResourceType: "tenant",
		ResourceID:   resource,
		Diff:         map[string]any{"impersonated_sub": nullable(req.ImpersonateSub), "impersonated_tenant": nullable(req.ImpersonateTenant)},
		Reason:       req.Reason,
	}); err != nil {
		return Issued{}, err
	}
	return Issued{Token: token, ExpiresAt: exp.UTC(), TTLMinutes: int(ttl / time.Minute)}, nil
}

// StopImpersonation records that op ended an impersonation session. Tokens are not
// revocable; they expire on their own.
func (s *Service) StopImpersonation(ctx context.Context, op auth.Principal, reason, resource string) error {
	if strings.TrimSpace(reason) == "" {
		return apperrors.NewValidation("missing_reason", "missing_reason", nil)
	}
	return s.auditor.Record(ctx, op, Action{
		Name:         "impersonation.stop",
		ResourceType: "request",
		ResourceID:   resource,
		Reason:       reason,
	})
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
