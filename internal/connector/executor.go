package connector

import (
	"context"
	"sync"

	"connector-orchestrator/internal/models"
)

// TypeHTTP is the only connector type shipped by default.
const TypeHTTP = "http"

// Request is one upstream attempt.
type Request struct {
	Connector models.Connector
	Operation string
	Input     any
	Options   map[string]any
	Headers   map[string]string
}

// Outcome is the result of a single attempt. Upstream failures are values, not errors.
type Outcome struct {
	HTTPStatus int
	Body       string
	Err        error
	TimedOut   bool
}

// Output renders the outcome the way it is returned to clients.
func (o Outcome) Output() map[string]any {
	if o.Err != nil {
		return map[string]any{"error": o.Err.Error()}
	}
	return map[string]any{"http_status": o.HTTPStatus, "body": o.Body}
}

// Retriable reports transport errors and 408/429/5xx statuses.
func (o Outcome) Retriable() bool {
	if o.Err != nil {
		return true
	}
	return o.HTTPStatus == 408 || o.HTTPStatus == 429 || o.HTTPStatus >= 500
}

// Failed is what the circuit breaker scores as a failure.
func (o Outcome) Failed() bool {
	return o.Retriable()
}

// Executor performs one attempt against an upstream. It must honour ctx's deadline.
type Executor interface {
	Invoke(ctx context.Context, req Request) Outcome
}

// Registry maps connector types to executors.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

func NewRegistry() *Registry {
	return &Registry{executors: map[string]Executor{}}
}

// NewDefaultRegistry registers the http executor.
func NewDefaultRegistry(exec *HTTPExecutor) *Registry {
	r := NewRegistry()
	r.Register(TypeHTTP, exec)
	return r
}

func (r *Registry) Register(connectorType string, e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[connectorType] = e
}

func (r *Registry) Lookup(connectorType string) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[connectorType]
	return e, ok
}
