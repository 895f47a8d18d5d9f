package models

import (
	"time"
)

// Job lifecycle states persisted in Postgres.
const (
	StatusQueued  = "queued"
	StatusRunning = "running"
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Job represents a unit of background work. Only the worker mutates status and attempts.
type Job struct {
	ID             string         `json:"id"`
	TenantID       string         `json:"tenant_id"`
	Type           string         `json:"type"`
	Queue          string         `json:"queue"`
	Status         string         `json:"status"`
	Attempts       int            `json:"attempts"`
	MaxAttempts    int            `json:"max_attempts"`
	RunAt          *time.Time     `json:"run_at"`
	Payload        map[string]any `json:"payload"`
	PayloadRef     *string        `json:"payload_ref"`
	IdempotencyKey *string        `json:"idempotency_key"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Run is one delivery attempt of a Job. It is never updated once FinishedAt is set.
type Run struct {
	ID         string         `json:"id"`
	JobID      string         `json:"job_id"`
	TenantID   string         `json:"tenant_id"`
	Status     string         `json:"status"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt *time.Time     `json:"finished_at"`
	Error      map[string]any `json:"error"`
}
