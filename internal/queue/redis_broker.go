package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"connector-orchestrator/internal/telemetry"
)

const promoteBatch = 100

// RedisBroker coordinates ready, in-flight, scheduled and dead messages per queue in Redis.
type RedisBroker struct {
	client        redis.Cmdable
	visibilityTTL time.Duration
	pollInterval  time.Duration
	retry         RetryPolicy
	now           func() time.Time
}

// RedisOptions tunes a RedisBroker.
type RedisOptions struct {
	VisibilityTimeout time.Duration
	PollInterval      time.Duration
	Retry             RetryPolicy
}

// NewRedisBroker builds a broker on an existing client. The caller owns the client.
func NewRedisBroker(client redis.Cmdable, opts RedisOptions) *RedisBroker {
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = 30 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	return &RedisBroker{
		client:        client,
		visibilityTTL: opts.VisibilityTimeout,
		pollInterval:  opts.PollInterval,
		retry:         opts.Retry,
		now:           time.Now,
	}
}

func readyKey(q string) string     { return "queue:" + q + ":ready" }
func inflightKey(q string) string  { return "queue:" + q + ":inflight" }
func scheduledKey(q string) string { return "queue:" + q + ":scheduled" }
func deadKey(q string) string      { return "queue:" + q + ":dead" }
func msgPrefix(q string) string    { return "queue:" + q + ":msg:" }
func msgKey(q, id string) string   { return msgPrefix(q) + id }

// Enqueue stores the message and makes it ready now or after delay.
func (b *RedisBroker) Enqueue(ctx context.Context, m Message, delay time.Duration) error {
	if m.EnqueuedAt.IsZero() {
		m.EnqueuedAt = b.now().UTC()
	}
	body, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	pipe := b.client.TxPipeline()
	pipe.HSet(ctx, msgKey(m.Queue, m.JobID), "body", body)
	if delay > 0 {
		pipe.ZAdd(ctx, scheduledKey(m.Queue), redis.Z{Score: float64(b.now().Add(delay).UnixMilli()), Member: m.JobID})
	} else {
		pipe.RPush(ctx, readyKey(m.Queue), m.JobID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("enqueue %s: %w", m.JobID, err)
	}
	return nil
}

// promote moves due scheduled messages and expired leases back to ready.
func (b *RedisBroker) promote(ctx context.Context, q string) error {
	now := b.now().UnixMilli()
	if err := promoteScript.Run(ctx, b.client, []string{scheduledKey(q), readyKey(q)}, now, promoteBatch).Err(); err != nil {
		return fmt.Errorf("promote scheduled: %w", err)
	}
	if err := promoteScript.Run(ctx, b.client, []string{inflightKey(q), readyKey(q)}, now, promoteBatch).Err(); err != nil {
		return fmt.Errorf("reclaim expired leases: %w", err)
	}
	return nil
}

// dequeue pops one ready message into in-flight with a visibility deadline.
func (b *RedisBroker) dequeue(ctx context.Context, q string) (string, error) {
	deadline := b.now().Add(b.visibilityTTL).UnixMilli()
	id, err := dequeueScript.Run(ctx, b.client, []string{readyKey(q), inflightKey(q)}, deadline).Text()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("dequeue: %w", err)
	}
	return id, nil
}

func (b *RedisBroker) load(ctx context.Context, q, id string) (Message, error) {
	raw, err := b.client.HGet(ctx, msgKey(q, id), "body").Bytes()
	if err != nil {
		return Message{}, err
	}
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return Message{}, fmt.Errorf("decode message %s: %w", id, err)
	}
	return m, nil
}

// extendLease pushes the visibility deadline of an in-flight message forward.
func (b *RedisBroker) extendLease(ctx context.Context, q, id string) error {
	return b.client.ZAddXX(ctx, inflightKey(q), redis.Z{
		Score:  float64(b.now().Add(b.visibilityTTL).UnixMilli()),
		Member: id,
	}).Err()
}

func (b *RedisBroker) ack(ctx context.Context, q, id string) error {
	pipe := b.client.TxPipeline()
	pipe.ZRem(ctx, inflightKey(q), id)
	pipe.Del(ctx, msgKey(q, id))
	_, err := pipe.Exec(ctx)
	return err
}

// fail records a failed delivery: the message is rescheduled with backoff or dead-lettered.
func (b *RedisBroker) fail(ctx context.Context, q string, m Message, cause error) (bool, error) {
	m.Attempt++
	body, err := json.Marshal(m)
	if err != nil {
		return false, fmt.Errorf("encode message: %w", err)
	}
	dead := IsPermanent(cause) || m.exhausted()
	pipe := b.client.TxPipeline()
	pipe.ZRem(ctx, inflightKey(q), m.JobID)
	if dead {
		pipe.HSet(ctx, msgKey(q, m.JobID), "body", body, "error", cause.Error(), "dead_at", b.now().UnixMilli())
		pipe.RPush(ctx, deadKey(q), m.JobID)
	} else {
		next := b.now().Add(b.retry.delay(m.Attempt))
		pipe.HSet(ctx, msgKey(q, m.JobID), "body", body, "error", cause.Error())
		pipe.ZAdd(ctx, scheduledKey(q), redis.Z{Score: float64(next.UnixMilli()), Member: m.JobID})
	}
	_, err = pipe.Exec(ctx)
	return dead, err
}

// Consume runs concurrency workers against q until ctx is cancelled.
func (b *RedisBroker) Consume(ctx context.Context, q string, concurrency int, h Handler) error {
	if concurrency <= 0 {
		concurrency = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.loop(ctx, q, h)
		}()
	}
	wg.Wait()
	return nil
}

func (b *RedisBroker) loop(ctx context.Context, q string, h Handler) {
	logger := telemetry.FromContext(ctx).With("queue", q)
	for {
		if ctx.Err() != nil {
			return
		}
		if err := b.promote(ctx, q); err != nil && ctx.Err() == nil {
			logger.Warn("queue promote failed", "error", err)
		}
		id, err := b.dequeue(ctx, q)
		if err != nil && ctx.Err() == nil {
			logger.Warn("queue dequeue failed", "error", err)
		}
		if id == "" {
			select {
			case <-ctx.Done():
				return
			case <-time.After(b.pollInterval):
			}
			continue
		}
		b.deliver(ctx, logger, q, id, h)
	}
}

func (b *RedisBroker) deliver(ctx context.Context, logger *slog.Logger, q, id string, h Handler) {
	m, err := b.load(ctx, q, id)
	if err != nil {
		logger.Error("queue message unreadable, dropping", "job_id", id, "error", err)
		_ = b.ack(ctx, q, id)
		return
	}

	leaseCtx, stopLease := context.WithCancel(ctx)
	go b.keepLease(leaseCtx, q, id)
	telemetry.InFlightGauge.Inc()
	herr := h(ctx, m)
	telemetry.InFlightGauge.Dec()
	stopLease()

	if herr == nil {
		telemetry.JobsCompleted.WithLabelValues(q, "success").Inc()
		if err := b.ack(context.WithoutCancel(ctx), q, id); err != nil {
			logger.Warn("queue ack failed", "job_id", id, "error", err)
		}
		return
	}
	if ctx.Err() != nil {
		// Shutting down: the lease expires and another worker picks the message up.
		return
	}
	dead, err := b.fail(ctx, q, m, herr)
	if err != nil {
		logger.Error("queue retry bookkeeping failed", "job_id", id, "error", err)
		return
	}
	if dead {
		telemetry.JobsCompleted.WithLabelValues(q, "dead").Inc()
		logger.Warn("message dead-lettered", "job_id", id, "attempt", m.Attempt+1, "error", herr)
		return
	}
	telemetry.JobsCompleted.WithLabelValues(q, "retry").Inc()
}

func (b *RedisBroker) keepLease(ctx context.Context, q, id string) {
	ticker := time.NewTicker(b.visibilityTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = b.extendLease(ctx, q, id)
		}
	}
}

// DeadLetters lists up to limit dead messages, oldest first.
func (b *RedisBroker) DeadLetters(ctx context.Context, q string, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := b.client.LRange(ctx, deadKey(q), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	out := make([]DeadLetter, 0, len(ids))
	for _, id := range ids {
		fields, err := b.client.HMGet(ctx, msgKey(q, id), "body", "error", "dead_at").Result()
		if err != nil {
			return nil, fmt.Errorf("load dead letter %s: %w", id, err)
		}
		dl := DeadLetter{Message: Message{JobID: id, Queue: q}}
		if s, ok := fields[0].(string); ok {
			_ = json.Unmarshal([]byte(s), &dl.Message)
		}
		dl.Error, _ = fields[1].(string)
		if s, ok := fields[2].(string); ok {
			if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
				dl.DeadAt = time.UnixMilli(ms).UTC()
			}
		}
		out = append(out, dl)
	}
	return out, nil
}

// Replay moves a dead message back to ready with a fresh attempt budget.
func (b *RedisBroker) Replay(ctx context.Context, q, jobID string) error {
	m, err := b.load(ctx, q, jobID)
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	m.Attempt = 0
	body, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	moved, err := replayScript.Run(ctx, b.client, []string{deadKey(q), readyKey(q), msgKey(q, jobID)}, jobID, body).Int()
	if err != nil {
		return fmt.Errorf("replay %s: %w", jobID, err)
	}
	if moved == 0 {
		return ErrNotFound
	}
	return nil
}

// Purge discards every dead message of q and reports how many were removed.
func (b *RedisBroker) Purge(ctx context.Context, q string) (int, error) {
	n, err := purgeScript.Run(ctx, b.client, []string{deadKey(q)}, msgPrefix(q)).Int()
	if err != nil {
		return 0, fmt.Errorf("purge %s: %w", q, err)
	}
	return n, nil
}

// Depth returns message counts per state.
func (b *RedisBroker) Depth(ctx context.Context, q string) (Depth, error) {
	pipe := b.client.Pipeline()
	ready := pipe.LLen(ctx, readyKey(q))
	scheduled := pipe.ZCard(ctx, scheduledKey(q))
	inflight := pipe.ZCard(ctx, inflightKey(q))
	dead := pipe.LLen(ctx, deadKey(q))
	if _, err := pipe.Exec(ctx); err != nil {
		return Depth{}, fmt.Errorf("queue depth: %w", err)
	}
	return Depth{Ready: ready.Val(), Scheduled: scheduled.Val(), InFlight: inflight.Val(), Dead: dead.Val()}, nil
}

// Close is a no-op; the Redis client belongs to the application container.
func (b *RedisBroker) Close() error { return nil }

var dequeueScript = redis.NewScript(`
local job = redis.call('LPOP', KEYS[1])
if job then
  redis.call('ZADD', KEYS[2], ARGV[1], job)
  return job
end
return nil
`)

var promoteScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('RPUSH', KEYS[2], id)
end
return #ids
`)

var replayScript = redis.NewScript(`
local n = redis.call('LREM', KEYS[1], 1, ARGV[1])
if n == 0 then
  return 0
end
redis.call('HSET', KEYS[3], 'body', ARGV[2])
redis.call('HDEL', KEYS[3], 'error', 'dead_at')
redis.call('RPUSH', KEYS[2], ARGV[1])
return 1
`)

var purgeScript = redis.NewScript(`
local ids = redis.call('LRANGE', KEYS[1], 0, -1)
for _, id in ipairs(ids) do
  redis.call('DEL', ARGV[1] .. id)
end
redis.call('DEL', KEYS[1])
return #ids
`)
