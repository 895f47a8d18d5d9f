package retention

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"connector-orchestrator/internal/store"
	"connector-orchestrator/internal/telemetry"
)

// ErrSweepInProgress is returned when a sweep is requested while one is running.
var ErrSweepInProgress = errors.New("retention: sweep already in progress")

// Store deletes rows older than a cutoff.
type Store interface {
	PurgeBefore(ctx context.Context, target store.RetentionTarget, cutoff time.Time) (int64, error)
}

// Policy is the TTL per table. A zero TTL keeps rows forever.
type Policy map[store.RetentionTarget]time.Duration

// Result reports rows removed per table and the tables that failed.
type Result struct {
	Deleted map[store.RetentionTarget]int64  `json:"deleted"`
	Failed  map[store.RetentionTarget]string `json:"failed,omitempty"`
}

// Sweeper runs retention deletes. At most one sweep runs at a time per Sweeper.
type Sweeper struct {
	store   Store
	policy  Policy
	running atomic.Bool
	now     func() time.Time
}

func NewSweeper(st Store, policy Policy) *Sweeper {
	return &Sweeper{store: st, policy: policy, now: time.Now}
}

// Run sweeps every table in the policy.
func (s *Sweeper) Run(ctx context.Context) (Result, error) {
	return s.sweep(ctx, store.RetentionTargets)
}

// RunIdempotency sweeps only the idempotency cache.
func (s *Sweeper) RunIdempotency(ctx context.Context) (Result, error) {
	return s.sweep(ctx, []store.RetentionTarget{store.RetentionIdempotency})
}

func (s *Sweeper) sweep(ctx context.Context, targets []store.RetentionTarget) (Result, error) {
	if !s.running.CompareAndSwap(false, true) {
		return Result{}, ErrSweepInProgress
	}
	defer s.running.Store(false)

	logger := telemetry.FromContext(ctx)
	res := Result{Deleted: map[store.RetentionTarget]int64{}}
	now := s.now().UTC()
	for _, target := range targets {
		ttl := s.policy[target]
		if ttl <= 0 {
			continue
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}
		n, err := s.store.PurgeBefore(ctx, target, now.Add(-ttl))
		if err != nil {
			// One bad table does not stop the rest of the sweep.
			logger.Error("retention sweep failed", "table", string(target), "error", err)
			if res.Failed == nil {
				res.Failed = map[store.RetentionTarget]string{}
			}
			res.Failed[target] = err.Error()
			continue
		}
		res.Deleted[target] = n
		telemetry.SweepDeleted.WithLabelValues(string(target)).Add(float64(n))
	}
	logger.Info("retention sweep done", "deleted", res.Deleted, "failed", len(res.Failed))
	return res, nil
}
