package worker

import (
	"context"
	"errors"
	"fmt"

	"connector-orchestrator/internal/apperrors"
	"connector-orchestrator/internal/gateway"
	"connector-orchestrator/internal/models"
	"connector-orchestrator/internal/queue"
	"connector-orchestrator/internal/store"
	"connector-orchestrator/internal/telemetry"
)

// JobTypeExecute runs a connector call in the background.
const JobTypeExecute = "connector.execute"

// InboxStore is what the webhook handler touches.
type InboxStore interface {
	GetInboxEntry(ctx context.Context, id string) (models.WebhookInboxEntry, error)
	MarkInboxProcessed(ctx context.Context, id string) error
}

// WebhookHandler processes a <provider>.webhook job: it loads the inbox entry, pulls an
// offloaded payload when there is one, and marks the entry processed.
func WebhookHandler(st InboxStore, payloads PayloadFetcher) Handler {
	return func(ctx context.Context, job models.Job) error {
		inboxID, _ := job.Payload["inbox_id"].(string)
		if inboxID == "" {
			return queue.Permanent(errors.New("webhook job without inbox_id"))
		}
		entry, err := st.GetInboxEntry(ctx, inboxID)
		if errors.Is(err, store.ErrNotFound) {
			return queue.Permanent(fmt.Errorf("inbox entry %s: %w", inboxID, err))
		}
		if err != nil {
			return fmt.Errorf("load inbox entry: %w", err)
		}
		if entry.Status == models.InboxProcessed {
			return nil
		}
		payload := entry.Payload
		if entry.PayloadRef != nil && *entry.PayloadRef != "" && payloads != nil {
			if payload, err = payloads.Fetch(ctx, *entry.PayloadRef); err != nil {
				return fmt.Errorf("load webhook payload: %w", err)
			}
		}
		telemetry.FromContext(ctx).Info("webhook processed",
			"provider", entry.Provider,
			"event_id", entry.EventID,
			"event_type", payload["type"],
		)
		return st.MarkInboxProcessed(ctx, inboxID)
	}
}

// Executor runs connector calls; *gateway.Pipeline satisfies it.
type Executor interface {
	Execute(ctx context.Context, c gateway.Call) (*gateway.Response, error)
}

// ExecuteHandler runs a connector.execute job through the gateway pipeline. Payload:
// {connector_id, operation, input?, options?, idempotency_key?}. Upstream failures are
// returned as errors so the broker retries the job.
func ExecuteHandler(exec Executor) Handler {
	return func(ctx context.Context, job models.Job) error {
		connectorID, _ := job.Payload["connector_id"].(string)
		operation, _ := job.Payload["operation"].(string)
		options, _ := job.Payload["options"].(map[string]any)
		key, _ := job.Payload["idempotency_key"].(string)

		resp, err := exec.Execute(ctx, gateway.Call{
			TenantID:       job.TenantID,
			ConnectorID:    connectorID,
			Operation:      operation,
			Input:          job.Payload["input"],
			Options:        options,
			IdempotencyKey: key,
			RequestID:      job.ID,
			ActorType:      "worker",
		})
		if err != nil {
			if appErr := apperrors.From(err); appErr.Type == apperrors.TypeValidation || appErr.Type == apperrors.TypeNotFound || appErr.Type == apperrors.TypeConflict {
				return queue.Permanent(err)
			}
			return err
		}
		return resp.UpstreamFailed()
	}
}
