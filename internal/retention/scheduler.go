package retention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"connector-orchestrator/internal/telemetry"
)

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateSchedule reports whether spec is a usable cron expression or descriptor
// such as "@every 24h".
func ValidateSchedule(spec string) error {
	if _, err := parser.Parse(spec); err != nil {
		return fmt.Errorf("parse schedule %q: %w", spec, err)
	}
	return nil
}

// Scheduler triggers the full sweep on a cron schedule and the idempotency sweep on a
// fixed interval.
type Scheduler struct {
	sweeper *Sweeper
	cron    *cron.Cron
	logger  *slog.Logger

	// Timeout bounds a single sweep.
	Timeout time.Duration

	mu   sync.Mutex
	base context.Context
}

// DefaultSweepTimeout bounds one sweep when Scheduler.Timeout is unset.
const DefaultSweepTimeout = 30 * time.Minute

func NewScheduler(s *Sweeper, schedule string, idempotencyEvery time.Duration, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := cron.New(cron.WithParser(parser))
	sc := &Scheduler{sweeper: s, cron: c, logger: logger, Timeout: DefaultSweepTimeout, base: context.Background()}
	if _, err := c.AddFunc(schedule, func() { sc.fire("full", s.Run) }); err != nil {
		return nil, fmt.Errorf("retention schedule %q: %w", schedule, err)
	}
	if idempotencyEvery > 0 {
		c.Schedule(cron.Every(idempotencyEvery), cron.FuncJob(func() { sc.fire("idempotency", s.RunIdempotency) }))
	}
	return sc, nil
}

// bind makes every later sweep run under ctx.
func (sc *Scheduler) bind(ctx context.Context) {
	sc.mu.Lock()
	sc.base = ctx
	sc.mu.Unlock()
}

func (sc *Scheduler) fire(kind string, run func(context.Context) (Result, error)) {
	sc.mu.Lock()
	base := sc.base
	sc.mu.Unlock()
	if base.Err() != nil {
		return
	}
	timeout := sc.Timeout
	if timeout <= 0 {
		timeout = DefaultSweepTimeout
	}
	ctx, cancel := context.WithTimeout(base, timeout)
	defer cancel()
	ctx = telemetry.WithLogger(ctx, sc.logger.With("sweep", kind))
	if _, err := run(ctx); err != nil {
		if errors.Is(err, ErrSweepInProgress) {
			sc.logger.Info("retention sweep skipped, previous run still active", "sweep", kind)
			return
		}
		if base.Err() != nil {
			sc.logger.Info("retention sweep cancelled by shutdown", "sweep", kind)
			return
		}
		sc.logger.Error("retention sweep failed", "sweep", kind, "error", err)
	}
}

// Run starts the schedule and blocks until ctx is done. Cancelling ctx also cancels a
// sweep in progress; Run returns once it has stopped.
func (sc *Scheduler) Run(ctx context.Context) {
	sc.bind(ctx)
	sc.cron.Start()
	<-ctx.Done()
	<-sc.cron.Stop().Done()
}
