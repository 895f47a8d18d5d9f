// Package app builds the shared infrastructure and services every binary runs on.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"connector-orchestrator/internal/admin"
	"connector-orchestrator/internal/api"
	"connector-orchestrator/internal/auth"
	"connector-orchestrator/internal/circuit"
	"connector-orchestrator/internal/config"
	"connector-orchestrator/internal/connector"
	"connector-orchestrator/internal/events"
	"connector-orchestrator/internal/gateway"
	"connector-orchestrator/internal/idempotency"
	"connector-orchestrator/internal/jobs"
	"connector-orchestrator/internal/payload"
	"connector-orchestrator/internal/policy"
	"connector-orchestrator/internal/queue"
	"connector-orchestrator/internal/ratelimit"
	"connector-orchestrator/internal/retention"
	"connector-orchestrator/internal/secrets"
	"connector-orchestrator/internal/store"
	"connector-orchestrator/internal/webhook"
	"connector-orchestrator/internal/worker"
)

// Container owns one Redis client, one Postgres pool and one broker, plus the services
// built on them.
type Container struct {
	Config config.Config
	Logger *slog.Logger

	Redis    *redis.Client
	Store    *store.Store
	Broker   queue.Broker
	Payloads *payload.Store

	Events   *events.Log
	Tailer   *events.Tailer
	Auth     *auth.Authenticator
	Auditor  *admin.Auditor
	Jobs     *jobs.Service
	Gateway  *gateway.Pipeline
	Webhooks *webhook.Ingestor
	Admin    *admin.Service
	Sweeper  *retention.Sweeper

	closers []func()
}

// Build connects to Redis, Postgres and the configured broker and wires every service.
// On error everything opened so far is released.
func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (c *Container, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c = &Container{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			c.Close()
		}
	}()

	c.Redis = redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	c.onClose(func() { _ = c.Redis.Close() })
	if err := c.Redis.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	if c.Store, err = store.New(ctx, cfg.PostgresDSN); err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	c.onClose(c.Store.Close)

	if c.Broker, err = newBroker(cfg, c.Redis, logger); err != nil {
		return nil, err
	}
	c.onClose(func() { _ = c.Broker.Close() })

	if c.Payloads, err = payload.New(ctx, cfg); err != nil {
		return nil, fmt.Errorf("payload store: %w", err)
	}

	c.Events = events.NewLog(c.Store)
	c.Tailer = events.NewTailer(c.Store, cfg.StreamPollInterval)
	c.Auth = auth.NewAuthenticator(auth.Config{
		Enabled:             cfg.AuthEnabled(),
		Secret:              cfg.JWTSharedSecret,
		Issuer:              cfg.JWTIssuer,
		AudienceControl:     cfg.JWTAudienceControl,
		AudienceExec:        cfg.JWTAudienceExec,
		ImpersonationSecret: cfg.ImpersonationSecret,
		ImpersonationTTL:    cfg.ImpersonationTTL,
		DefaultTenantID:     cfg.DefaultTenantID,
	})
	c.Auditor = admin.NewAuditor(c.Store, cfg.DefaultTenantID)
	c.Jobs = jobs.NewService(c.Store, c.Broker, c.Events, c.Payloads, cfg.DefaultQueue, cfg.DefaultMaxAttempts)

	var idemBackend idempotency.Backend = c.Store
	if cfg.IdempotencyBackend == "redis" {
		idemBackend = idempotency.NewRedisBackend(c.Redis, cfg.IdempotencyTTL)
	}
	c.Gateway = gateway.NewPipeline(gateway.Deps{
		Store:       c.Store,
		Policies:    &policy.Resolver{Store: c.Store, DefaultMaxAttempts: cfg.DefaultMaxAttempts},
		Limiter:     ratelimit.NewLimiter(c.Redis),
		Breaker:     circuit.NewBreaker(c.Redis),
		Idempotency: idempotency.NewCache(idemBackend),
		Secrets:     secrets.NewEnvResolver(),
		Executors:   connector.NewDefaultRegistry(connector.NewHTTPExecutor(nil)),
		RequestLog:  c.Store,
		Events:      c.Events,
	})

	c.Webhooks = webhook.NewIngestor(c.Redis, c.Store, c.Jobs, c.Payloads, c.Events, webhook.Options{
		TenantID: cfg.DefaultTenantID,
		Queue:    cfg.WebhookQueue,
		DedupTTL: cfg.WebhookDedupTTL,
	})
	for _, p := range c.providers() {
		c.Webhooks.Register(p)
	}

	c.Admin = admin.NewService(c.Broker, c.Store, c.Auditor, c.Auth, c.Queues())
	c.Sweeper = retention.NewSweeper(c.Store, RetentionPolicy(cfg))
	return c, nil
}

// RetentionPolicy maps each swept table to its configured TTL.
func RetentionPolicy(cfg config.Config) retention.Policy {
	return retention.Policy{
		store.RetentionEvents:      cfg.EventLogTTL,
		store.RetentionRequests:    cfg.RequestLogTTL,
		store.RetentionWebhooks:    cfg.WebhookInboxTTL,
		store.RetentionJobs:        cfg.JobTTL,
		store.RetentionAudit:       cfg.AuditLogTTL,
		store.RetentionIdempotency: cfg.IdempotencyTTL,
	}
}

func newBroker(cfg config.Config, client *redis.Client, logger *slog.Logger) (queue.Broker, error) {
	retry := queue.RetryPolicy{Initial: cfg.BackoffInitial, Max: cfg.BackoffMax}
	if cfg.QueueBackend == "amqp" {
		b, err := queue.NewAMQPBroker(cfg.AMQPURL, retry, logger)
		if err != nil {
			return nil, fmt.Errorf("connect amqp: %w", err)
		}
		return b, nil
	}
	return queue.NewRedisBroker(client, queue.RedisOptions{
		VisibilityTimeout: cfg.VisibilityTimeout,
		PollInterval:      cfg.WorkerPollInterval,
		Retry:             retry,
	}), nil
}

func (c *Container) providers() []webhook.Provider {
	var out []webhook.Provider
	if c.Config.StripeWebhookSecret != "" {
		out = append(out, webhook.NewStripeProvider(c.Config.StripeWebhookSecret))
	}
	for name, secret := range c.Config.WebhookHMACSecrets {
		out = append(out, webhook.NewHMACProvider(name, secret))
	}
	return out
}

// Queues lists the queues workers consume and operators manage.
func (c *Container) Queues() []string {
	return []string{c.Config.DefaultQueue, c.Config.WebhookQueue}
}

// APIServer builds the HTTP server over the container's services.
func (c *Container) APIServer() *api.Server {
	return api.New(api.Deps{
		Store:    c.Store,
		Gateway:  c.Gateway,
		Jobs:     c.Jobs,
		Webhooks: c.Webhooks,
		Events:   c.Events,
		Tailer:   c.Tailer,
		Admin:    c.Admin,
		Auditor:  c.Auditor,
		Auth:     c.Auth,
		Health: []api.HealthCheck{
			{Name: "postgres", Check: c.Store.Ping},
			{Name: "redis", Check: func(ctx context.Context) error { return c.Redis.Ping(ctx).Err() }},
		},
	}, api.Options{
		Mode:                        c.Config.APIMode,
		DefaultTenantID:             c.Config.DefaultTenantID,
		ImpersonationHeadersAllowed: c.Config.ImpersonationHeadersAllowed,
		WSAllowedOrigins:            c.Config.WSAllowedOrigins,
	}, c.Logger)
}

// WorkerPool builds a pool with the webhook and connector handlers registered.
func (c *Container) WorkerPool() *worker.Pool {
	proc := worker.NewProcessor(c.Store, c.Events, c.Payloads)
	webhookHandler := worker.WebhookHandler(c.Store, c.Payloads)
	for _, p := range c.providers() {
		proc.RegisterHandler(p.Name()+".webhook", webhookHandler)
	}
	proc.RegisterHandler(worker.JobTypeExecute, worker.ExecuteHandler(c.Gateway))

	return worker.NewPool(c.Broker, proc, worker.PoolOptions{
		Queues:      c.Queues(),
		Concurrency: c.Config.WorkerConcurrency,
		WorkerID:    c.Config.WorkerID,
	}, c.Logger)
}

// RetentionScheduler runs the sweeper on the configured schedules.
func (c *Container) RetentionScheduler() (*retention.Scheduler, error) {
	return retention.NewScheduler(c.Sweeper, c.Config.RetentionSchedule, c.Config.IdempotencySweepInterval, c.Logger)
}

func (c *Container) onClose(fn func()) {
	c.closers = append(c.closers, fn)
}

// Close releases resources in reverse order of creation. It is safe to call more than once.
func (c *Container) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
	c.closers = nil
}
