// Package memstore is an in-memory stand-in for the Postgres store, used by tests.
package memstore

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"connector-orchestrator/internal/models"
	"connector-orchestrator/internal/store"
)

type idemKey struct{ tenant, key string }
type inboxKey struct{ provider, eventID string }
type configKey struct{ tenant, name string }

// Store keeps every table in maps guarded by one mutex.
type Store struct {
	mu sync.Mutex

	connectors  map[string]models.Connector
	policies    map[string]models.Policy
	secretRefs  map[string]models.SecretRef
	configs     []models.OrchestratorConfig
	pointers    map[configKey]string
	idempotency map[idemKey]models.IdempotencyRecord
	inbox       map[string]models.WebhookInboxEntry
	inboxByKey  map[inboxKey]string
	jobs        map[string]models.Job
	runs        map[string][]models.Run
	events      []models.Event
	requestLogs []models.RequestLog
	audit       []models.AuditLog

	// PingErr is returned by Ping when set.
	PingErr error
}

func New() *Store {
	return &Store{
		connectors:  map[string]models.Connector{},
		policies:    map[string]models.Policy{},
		secretRefs:  map[string]models.SecretRef{},
		pointers:    map[configKey]string{},
		idempotency: map[idemKey]models.IdempotencyRecord{},
		inbox:       map[string]models.WebhookInboxEntry{},
		inboxByKey:  map[inboxKey]string{},
		jobs:        map[string]models.Job{},
		runs:        map[string][]models.Run{},
	}
}

func (s *Store) Ping(context.Context) error { return s.PingErr }

func (s *Store) CreateConnector(_ context.Context, c models.Connector) (models.Connector, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.ID = uuid.NewString()
	c.CreatedAt = time.Now().UTC()
	if c.Status == "" {
		c.Status = "active"
	}
	s.connectors[c.ID] = c
	return c, nil
}

func (s *Store) GetConnector(_ context.Context, tenantID, id string) (models.Connector, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.connectors[id]
	if !ok || c.TenantID != tenantID {
		return models.Connector{}, store.ErrNotFound
	}
	return c, nil
}

func (s *Store) ListConnectors(_ context.Context, tenantID string) ([]models.Connector, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []models.Connector{}
	for _, c := range s.connectors {
		if c.TenantID == tenantID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) CreatePolicy(_ context.Context, p models.Policy) (models.Policy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.ID = uuid.NewString()
	p.CreatedAt = time.Now().UTC()
	s.policies[p.ID] = p
	return p, nil
}

func (s *Store) GetPolicy(_ context.Context, tenantID, id string) (models.Policy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.policies[id]
	if !ok || p.TenantID != tenantID {
		return models.Policy{}, store.ErrNotFound
	}
	return p, nil
}

func (s *Store) ListPolicies(_ context.Context, tenantID string) ([]models.Policy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []models.Policy{}
	for _, p := range s.policies {
		if p.TenantID == tenantID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) CreateSecretRef(_ context.Context, r models.SecretRef) (models.SecretRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r.ID = uuid.NewString()
	r.CreatedAt = time.Now().UTC()
	s.secretRefs[r.ID] = r
	return r, nil
}

func (s *Store) GetSecretRef(_ context.Context, tenantID, id string) (models.SecretRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.secretRefs[id]
	if !ok || r.TenantID != tenantID {
		return models.SecretRef{}, store.ErrNotFound
	}
	return r, nil
}

func (s *Store) ListSecretRefs(_ context.Context, tenantID string) ([]models.SecretRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []models.SecretRef{}
	for _, r := range s.secretRefs {
		if r.TenantID == tenantID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) CreateConfig(_ context.Context, tenantID, name string, doc json.RawMessage) (models.OrchestratorConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	version := 0
	for _, c := range s.configs {
		if c.TenantID == tenantID && c.Name == name && c.Version > version {
			version = c.Version
		}
	}
	c := models.OrchestratorConfig{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		Name:      name,
		Version:   version + 1,
		Config:    doc,
		CreatedAt: time.Now().UTC(),
	}
	s.configs = append(s.configs, c)
	return c, nil
}

func (s *Store) ListConfigs(_ context.Context, tenantID, name string) ([]models.OrchestratorConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []models.OrchestratorConfig{}
	for _, c := range s.configs {
		if c.TenantID == tenantID && (name == "" || c.Name == name) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Version > out[j].Version
	})
	return out, nil
}

func (s *Store) ActivateConfig(ctx context.Context, tenantID, name string, version int) (models.ActiveConfig, error) {
	s.mu.Lock()
	found := false
	for _, c := range s.configs {
		if c.TenantID == tenantID && c.Name == name && c.Version == version {
			s.pointers[configKey{tenantID, name}] = c.ID
			found = true
			break
		}
	}
	s.mu.Unlock()
	if !found {
		return models.ActiveConfig{}, store.ErrNotFound
	}
	return s.GetActiveConfig(ctx, tenantID, name)
}

func (s *Store) GetActiveConfig(_ context.Context, tenantID, name string) (models.ActiveConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.pointers[configKey{tenantID, name}]
	if !ok {
		return models.ActiveConfig{}, store.ErrNotFound
	}
	for _, c := range s.configs {
		if c.ID == id {
			return models.ActiveConfig{Name: c.Name, ConfigID: c.ID, Version: c.Version, Config: c.Config, CreatedAt: c.CreatedAt}, nil
		}
	}
	return models.ActiveConfig{}, store.ErrNotFound
}

func (s *Store) LookupIdempotency(_ context.Context, tenantID, key string) (*models.IdempotencyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.idempotency[idemKey{tenantID, key}]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (s *Store) InsertIdempotency(_ context.Context, rec models.IdempotencyRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := idemKey{rec.TenantID, rec.Key}
	if _, ok := s.idempotency[k]; ok {
		return false, nil
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	s.idempotency[k] = rec
	return true, nil
}

func (s *Store) CreateInboxEntry(_ context.Context, e models.WebhookInboxEntry) (models.WebhookInboxEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := inboxKey{e.Provider, e.EventID}
	if id, ok := s.inboxByKey[k]; ok {
		return s.inbox[id], false, nil
	}
	e.ID = uuid.NewString()
	e.ReceivedAt = time.Now().UTC()
	if e.Status == "" {
		e.Status = models.InboxReceived
	}
	s.inbox[e.ID] = e
	s.inboxByKey[k] = e.ID
	return e, true, nil
}

func (s *Store) GetInboxEntry(_ context.Context, id string) (models.WebhookInboxEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.inbox[id]
	if !ok {
		return models.WebhookInboxEntry{}, store.ErrNotFound
	}
	return e, nil
}

func (s *Store) MarkInboxProcessed(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.inbox[id]
	if !ok {
		return store.ErrNotFound
	}
	e.Status = models.InboxProcessed
	s.inbox[id] = e
	return nil
}

// InboxCount reports how many inbox rows exist.
func (s *Store) InboxCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inbox)
}

func (s *Store) CreateJob(_ context.Context, p store.CreateJobParams) (models.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.IdempotencyKey != "" {
		for _, j := range s.jobs {
			if j.TenantID == p.TenantID && j.IdempotencyKey != nil && *j.IdempotencyKey == p.IdempotencyKey {
				return j, true, nil
			}
		}
	}
	now := time.Now().UTC()
	j := models.Job{
		ID:          uuid.NewString(),
		TenantID:    p.TenantID,
		Type:        p.Type,
		Queue:       p.Queue,
		Status:      models.StatusQueued,
		MaxAttempts: p.MaxAttempts,
		RunAt:       p.RunAt,
		Payload:     p.Payload,
		PayloadRef:  p.PayloadRef,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if p.IdempotencyKey != "" {
		k := p.IdempotencyKey
		j.IdempotencyKey = &k
	}
	s.jobs[j.ID] = j
	return j, false, nil
}

func (s *Store) GetJob(_ context.Context, id string) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return models.Job{}, store.ErrNotFound
	}
	return j, nil
}

// Jobs returns every stored job.
func (s *Store) Jobs() []models.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	return out
}

func (s *Store) StartRun(_ context.Context, jobID string) (models.Run, models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return models.Run{}, models.Job{}, store.ErrNotFound
	}
	j.Attempts++
	j.Status = models.StatusRunning
	j.UpdatedAt = time.Now().UTC()
	s.jobs[jobID] = j
	r := models.Run{
		ID:        uuid.NewString(),
		JobID:     jobID,
		TenantID:  j.TenantID,
		Status:    models.StatusRunning,
		StartedAt: time.Now().UTC(),
	}
	s.runs[jobID] = append(s.runs[jobID], r)
	return r, j, nil
}

func (s *Store) FinishRun(_ context.Context, runID, jobID, status string, errDetail map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	runs := s.runs[jobID]
	for i := range runs {
		if runs[i].ID != runID {
			continue
		}
		if runs[i].FinishedAt != nil {
			return store.ErrNotFound
		}
		now := time.Now().UTC()
		runs[i].Status = status
		runs[i].FinishedAt = &now
		runs[i].Error = errDetail
		j := s.jobs[jobID]
		j.Status = status
		j.UpdatedAt = now
		s.jobs[jobID] = j
		return nil
	}
	return store.ErrNotFound
}

func (s *Store) UpdateJobStatus(_ context.Context, id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	j.Status = status
	j.UpdatedAt = time.Now().UTC()
	s.jobs[id] = j
	return nil
}

func (s *Store) ListRuns(_ context.Context, jobID string) ([]models.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Run{}, s.runs[jobID]...), nil
}

func (s *Store) AppendEvent(_ context.Context, e models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *Store) QueryEvents(_ context.Context, f store.EventFilter) ([]models.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []models.Event{}
	for _, e := range s.events {
		if matches(e, f) && (f.Since == nil || !e.CreatedAt.Before(*f.Since)) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *Store) EventsAfter(_ context.Context, f store.EventFilter, after store.EventCursor, limit int) ([]models.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []models.Event{}
	for _, e := range s.events {
		if matches(e, f) && after.Precedes(e) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) GetEvent(_ context.Context, tenantID, id string) (models.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.events {
		if e.ID == id && e.TenantID == tenantID {
			return e, nil
		}
	}
	return models.Event{}, store.ErrNotFound
}

func matches(e models.Event, f store.EventFilter) bool {
	if e.TenantID != f.TenantID {
		return false
	}
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	if f.Severity != "" && e.Severity != f.Severity {
		return false
	}
	if f.TraceID != "" && (e.TraceID == nil || *e.TraceID != f.TraceID) {
		return false
	}
	return true
}

func (s *Store) AppendRequestLog(_ context.Context, l models.RequestLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	s.requestLogs = append(s.requestLogs, l)
	return nil
}

// RequestLogs returns every recorded request log row.
func (s *Store) RequestLogs() []models.RequestLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.RequestLog{}, s.requestLogs...)
}

func (s *Store) AppendAudit(_ context.Context, a models.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	s.audit = append(s.audit, a)
	return nil
}

func (s *Store) ListAudit(_ context.Context, f store.AuditFilter) ([]models.AuditLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []models.AuditLog{}
	for i := len(s.audit) - 1; i >= 0; i-- {
		a := s.audit[i]
		if a.TenantID != f.TenantID {
			continue
		}
		if f.OperatorID != "" && a.OperatorID != f.OperatorID {
			continue
		}
		if f.Action != "" && a.Action != f.Action {
			continue
		}
		out = append(out, a)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func (s *Store) PurgeBefore(_ context.Context, target store.RetentionTarget, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	switch target {
	case store.RetentionEvents:
		kept := s.events[:0]
		for _, e := range s.events {
			if e.CreatedAt.Before(cutoff) {
				n++
				continue
			}
			kept = append(kept, e)
		}
		s.events = kept
	case store.RetentionRequests:
		kept := s.requestLogs[:0]
		for _, l := range s.requestLogs {
			if l.CreatedAt.Before(cutoff) {
				n++
				continue
			}
			kept = append(kept, l)
		}
		s.requestLogs = kept
	case store.RetentionAudit:
		kept := s.audit[:0]
		for _, a := range s.audit {
			if a.CreatedAt.Before(cutoff) {
				n++
				continue
			}
			kept = append(kept, a)
		}
		s.audit = kept
	case store.RetentionWebhooks:
		for id, e := range s.inbox {
			if e.ReceivedAt.Before(cutoff) {
				delete(s.inbox, id)
				delete(s.inboxByKey, inboxKey{e.Provider, e.EventID})
				n++
			}
		}
	case store.RetentionJobs:
		for id, j := range s.jobs {
			if j.CreatedAt.Before(cutoff) {
				delete(s.jobs, id)
				delete(s.runs, id)
				n++
			}
		}
	case store.RetentionIdempotency:
		for k, rec := range s.idempotency {
			if rec.CreatedAt.Before(cutoff) {
				delete(s.idempotency, k)
				n++
			}
		}
	}
	return n, nil
}
