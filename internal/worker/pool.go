package worker

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"connector-orchestrator/internal/queue"
	"connector-orchestrator/internal/telemetry"
)

// PoolOptions configures a Pool.
type PoolOptions struct {
	Queues        []string
	Concurrency   int
	DepthInterval time.Duration
	WorkerID      string
}

// Pool consumes every configured queue with the processor until ctx is cancelled.
type Pool struct {
	broker    queue.Broker
	processor *Processor
	opts      PoolOptions
	logger    *slog.Logger
}

func NewPool(b queue.Broker, p *Processor, opts PoolOptions, logger *slog.Logger) *Pool {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.DepthInterval <= 0 {
		opts.DepthInterval = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	if opts.WorkerID != "" {
		logger = logger.With("worker_id", opts.WorkerID)
	}
	return &Pool{broker: b, processor: p, opts: opts, logger: logger}
}

// Run blocks until ctx is done and every in-flight delivery has returned.
func (p *Pool) Run(ctx context.Context) error {
	ctx = telemetry.WithLogger(ctx, p.logger)
	p.logger.Info("worker pool started", "queues", p.opts.Queues, "concurrency", p.opts.Concurrency)

	g, ctx := errgroup.WithContext(ctx)
	for _, q := range p.opts.Queues {
		g.Go(func() error {
			return p.broker.Consume(ctx, q, p.opts.Concurrency, p.processor.Handle)
		})
	}
	g.Go(func() error {
		p.reportDepth(ctx)
		return nil
	})
	err := g.Wait()
	p.logger.Info("worker pool stopped")
	return err
}

func (p *Pool) reportDepth(ctx context.Context) {
	t := time.NewTicker(p.opts.DepthInterval)
	defer t.Stop()
	for {
		p.sampleDepth(ctx)
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func (p *Pool) sampleDepth(ctx context.Context) {
	for _, q := range p.opts.Queues {
		d, err := p.broker.Depth(ctx, q)
		if err != nil {
			if ctx.Err() == nil {
				p.logger.Warn("queue depth unavailable", "queue", q, "error", err)
			}
			continue
		}
		telemetry.QueueDepth.WithLabelValues(q, "ready").Set(float64(d.Ready))
		telemetry.QueueDepth.WithLabelValues(q, "scheduled").Set(float64(d.Scheduled))
		telemetry.QueueDepth.WithLabelValues(q, "inflight").Set(float64(d.InFlight))
		telemetry.QueueDepth.WithLabelValues(q, "dead").Set(float64(d.Dead))
	}
}
