package queue

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// ErrNotFound is returned by Replay when the job is not dead-lettered on that queue.
var ErrNotFound = errors.New("queue: message not found")

// Message is what travels through a broker. The job row holds the payload.
type Message struct {
	JobID         string    `json:"job_id"`
	TenantID      string    `json:"tenant_id"`
	Name          string    `json:"name"`
	Queue         string    `json:"queue"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	TraceID       string    `json:"trace_id,omitempty"`
	Attempt       int       `json:"attempt"`
	MaxAttempts   int       `json:"max_attempts"`
	EnqueuedAt    time.Time `json:"enqueued_at"`
}

// exhausted reports whether a message that has failed Attempt times may not run again.
func (m Message) exhausted() bool {
	limit := m.MaxAttempts
	if limit <= 0 {
		limit = 1
	}
	return m.Attempt >= limit
}

// DeadLetter is a message that exhausted its deliveries.
type DeadLetter struct {
	Message Message   `json:"message"`
	Error   string    `json:"error"`
	DeadAt  time.Time `json:"dead_at"`
}

// Depth counts messages by state.
type Depth struct {
	Ready     int64 `json:"ready"`
	Scheduled int64 `json:"scheduled"`
	InFlight  int64 `json:"inflight"`
	Dead      int64 `json:"dead"`
}

// Handler processes one delivery. A returned error triggers retry or dead-lettering.
type Handler func(ctx context.Context, m Message) error

// Broker is the durable queue boundary. Delivery is at least once.
type Broker interface {
	Enqueue(ctx context.Context, m Message, delay time.Duration) error
	Consume(ctx context.Context, queue string, concurrency int, h Handler) error
	DeadLetters(ctx context.Context, queue string, limit int) ([]DeadLetter, error)
	Replay(ctx context.Context, queue, jobID string) error
	Purge(ctx context.Context, queue string) (int, error)
	Depth(ctx context.Context, queue string) (Depth, error)
	Close() error
}

// RetryPolicy shapes redelivery delays.
type RetryPolicy struct {
	Initial time.Duration
	Max     time.Duration
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	return backoffWithJitter(p.Initial, p.Max, attempt)
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying; the message goes straight to the dead letters.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max || exp > float64(math.MaxInt64) {
		wait = max
	}
	if wait < 2 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
