package admin

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"connector-orchestrator/internal/auth"
	"connector-orchestrator/internal/models"
)

// AuditStore appends operator audit rows.
type AuditStore interface {
	AppendAudit(ctx context.Context, a models.AuditLog) error
}

// Action is one audited operator action.
type Action struct {
	Name         string
	ResourceType string
	ResourceID   string
	Diff         map[string]any
	Reason       string
}

// Auditor writes operator_audit_log rows on behalf of a principal.
type Auditor struct {
	store         AuditStore
	defaultTenant string
}

func NewAuditor(st AuditStore, defaultTenant string) *Auditor {
	return &Auditor{store: st, defaultTenant: defaultTenant}
}

// OperatorID is the principal's subject when it is a UUID, else the default tenant id.
// The audit table keys operators by UUID.
func (a *Auditor) OperatorID(p auth.Principal) string {
	if _, err := uuid.Parse(p.Subject); err == nil {
		return p.Subject
	}
	return a.defaultTenant
}

func (a *Auditor) Record(ctx context.Context, p auth.Principal, act Action) error {
	diff := act.Diff
	if diff == nil {
		diff = map[string]any{}
	}
	tenant := p.Tenant()
	if tenant == "" {
		tenant = a.defaultTenant
	}
	err := a.store.AppendAudit(ctx, models.AuditLog{
		ID:           uuid.NewString(),
		TenantID:     tenant,
		OperatorID:   a.OperatorID(p),
		Action:       act.Name,
		ResourceType: act.ResourceType,
		ResourceID:   act.ResourceID,
		Diff:         diff,
		Reason:       act.Reason,
		CreatedAt:    time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("append audit %s: %w", act.Name, err)
	}
	return nil
}
