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

	amqp "github.com/rabbitmq/amqp091-go"

	"connector-orchestrator/internal/telemetry"
)

const (
	headerError  = "x-error"
	headerDeadAt = "x-dead-at"
)

// Each logical queue maps to three durable AMQP queues:
//
//	<q>        work queue, consumed with manual acks
//	<q>.delay  holding queue; expired messages dead-letter back into <q>
//	<q>.dlq    messages that exhausted their attempts
func delayQueue(q string) string { return q + ".delay" }
func deadQueue(q string) string  { return q + ".dlq" }

func delayQueueArgs(q string) amqp.Table {
	return amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": q,
	}
}

// AMQPBroker implements Broker on RabbitMQ.
type AMQPBroker struct {
	conn   *amqpConnection
	retry  RetryPolicy
	logger *slog.Logger

	mu       sync.Mutex
	declared map[string]bool
}

// NewAMQPBroker dials url. Queue topology is declared on first use.
func NewAMQPBroker(url string, retry RetryPolicy, logger *slog.Logger) (*AMQPBroker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := dialAMQP(url, logger)
	if err != nil {
		return nil, err
	}
	return &AMQPBroker{conn: conn, retry: retry, logger: logger, declared: map[string]bool{}}, nil
}

func (b *AMQPBroker) channel(q string) (*amqp.Channel, error) {
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.declared[q] {
		return ch, nil
	}
	decls := []struct {
		name string
		args amqp.Table
	}{
		{q, nil},
		{delayQueue(q), delayQueueArgs(q)},
		{deadQueue(q), nil},
	}
	for _, d := range decls {
		if _, err := ch.QueueDeclare(d.name, true, false, false, false, d.args); err != nil {
			return nil, fmt.Errorf("declare queue %s: %w", d.name, err)
		}
	}
	b.declared[q] = true
	return ch, nil
}

func (b *AMQPBroker) resetTopology() {
	b.mu.Lock()
	b.declared = map[string]bool{}
	b.mu.Unlock()
}

func encodePublishing(m Message, headers amqp.Table) (amqp.Publishing, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("encode message: %w", err)
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    m.JobID,
		Timestamp:    m.EnqueuedAt,
		Headers:      headers,
		Body:         body,
	}, nil
}

func decodeDeadLetter(d amqp.Delivery) (DeadLetter, error) {
	var dl DeadLetter
	if err := json.Unmarshal(d.Body, &dl.Message); err != nil {
		return dl, fmt.Errorf("decode message: %w", err)
	}
	if s, ok := d.Headers[headerError].(string); ok {
		dl.Error = s
	}
	if ms, ok := d.Headers[headerDeadAt].(int64); ok {
		dl.DeadAt = time.UnixMilli(ms).UTC()
	}
	return dl, nil
}

// expiration renders a delay as the per-message TTL string AMQP expects.
func expiration(delay time.Duration) string {
	ms := delay.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	return strconv.FormatInt(ms, 10)
}

func (b *AMQPBroker) publish(ctx context.Context, ch *amqp.Channel, target string, m Message, headers amqp.Table, delay time.Duration) error {
	pub, err := encodePublishing(m, headers)
	if err != nil {
		return err
	}
	if delay > 0 {
		target = delayQueue(target)
		pub.Expiration = expiration(delay)
	}
	if err := ch.PublishWithContext(ctx, "", target, false, false, pub); err != nil {
		return fmt.Errorf("publish to %s: %w", target, err)
	}
	return nil
}

// Enqueue publishes to the work queue, or to the delay queue when delay is positive.
func (b *AMQPBroker) Enqueue(ctx context.Context, m Message, delay time.Duration) error {
	if m.EnqueuedAt.IsZero() {
		m.EnqueuedAt = time.Now().UTC()
	}
	ch, err := b.channel(m.Queue)
	if err != nil {
		return err
	}
	return b.publish(ctx, ch, m.Queue, m, nil, delay)
}

// Consume delivers messages to concurrency workers, resubscribing after reconnects.
func (b *AMQPBroker) Consume(ctx context.Context, q string, concurrency int, h Handler) error {
	if concurrency <= 0 {
		concurrency = 1
	}
	logger := b.logger.With("queue", q)
	for {
		if ctx.Err() != nil {
			return nil
		}
		deliveries, err := b.subscribe(q, concurrency)
		if err != nil {
			logger.Error("amqp subscribe failed", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-b.conn.ReconnectNotify():
				b.resetTopology()
				continue
			case <-time.After(5 * time.Second):
				continue
			}
		}

		var wg sync.WaitGroup
		for i := 0; i < concurrency; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					select {
					case <-ctx.Done():
						return
					case d, ok := <-deliveries:
						if !ok {
							return
						}
						b.handle(ctx, logger, q, d, h)
					}
				}
			}()
		}
		wg.Wait()
		if ctx.Err() != nil {
			return nil
		}
		logger.Warn("amqp deliveries closed, waiting for reconnect")
		select {
		case <-ctx.Done():
			return nil
		case <-b.conn.ReconnectNotify():
			b.resetTopology()
		}
	}
}

func (b *AMQPBroker) subscribe(q string, prefetch int) (<-chan amqp.Delivery, error) {
	ch, err := b.channel(q)
	if err != nil {
		return nil, err
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("set qos: %w", err)
	}
	deliveries, err := ch.Consume(q, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", q, err)
	}
	return deliveries, nil
}

func (b *AMQPBroker) handle(ctx context.Context, logger *slog.Logger, q string, d amqp.Delivery, h Handler) {
	var m Message
	if err := json.Unmarshal(d.Body, &m); err != nil {
		logger.Error("amqp message unreadable, dropping", "error", err)
		_ = d.Nack(false, false)
		return
	}

	telemetry.InFlightGauge.Inc()
	herr := h(ctx, m)
	telemetry.InFlightGauge.Dec()

	if herr == nil {
		telemetry.JobsCompleted.WithLabelValues(q, "success").Inc()
		_ = d.Ack(false)
		return
	}
	if ctx.Err() != nil {
		_ = d.Nack(false, true)
		return
	}

	bg := context.WithoutCancel(ctx)
	ch, err := b.channel(q)
	if err != nil {
		logger.Error("amqp retry bookkeeping failed", "job_id", m.JobID, "error", err)
		_ = d.Nack(false, true)
		return
	}
	m.Attempt++
	if IsPermanent(herr) || m.exhausted() {
		headers := amqp.Table{headerError: herr.Error(), headerDeadAt: time.Now().UnixMilli()}
		err = b.publish(bg, ch, deadQueue(q), m, headers, 0)
		telemetry.JobsCompleted.WithLabelValues(q, "dead").Inc()
		logger.Warn("message dead-lettered", "job_id", m.JobID, "attempt", m.Attempt, "error", herr)
	} else {
		err = b.publish(bg, ch, q, m, amqp.Table{headerError: herr.Error()}, b.retry.delay(m.Attempt))
		telemetry.JobsCompleted.WithLabelValues(q, "retry").Inc()
	}
	if err != nil {
		logger.Error("amqp republish failed", "job_id", m.JobID, "error", err)
		_ = d.Nack(false, true)
		return
	}
	_ = d.Ack(false)
}

// scanDead pulls up to limit dead messages without consuming them. visit may ack one
// delivery by returning true; everything else is requeued.
func (b *AMQPBroker) scanDead(q string, limit int, visit func(amqp.Delivery) (bool, error)) error {
	ch, err := b.channel(q)
	if err != nil {
		return err
	}
	var held []amqp.Delivery
	defer func() {
		for _, d := range held {
			_ = d.Nack(false, true)
		}
	}()
	for i := 0; i < limit; i++ {
		d, ok, err := ch.Get(deadQueue(q), false)
		if err != nil {
			return fmt.Errorf("get %s: %w", deadQueue(q), err)
		}
		if !ok {
			return nil
		}
		stop, err := visit(d)
		if err != nil {
			held = append(held, d)
			return err
		}
		if stop {
			return d.Ack(false)
		}
		held = append(held, d)
	}
	return nil
}

// DeadLetters peeks at the dead-letter queue.
func (b *AMQPBroker) DeadLetters(ctx context.Context, q string, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []DeadLetter
	err := b.scanDead(q, limit, func(d amqp.Delivery) (bool, error) {
		dl, err := decodeDeadLetter(d)
		if err != nil {
			b.logger.Warn("skipping unreadable dead letter", "queue", q, "error", err)
			return false, nil
		}
		out = append(out, dl)
		return false, nil
	})
	return out, err
}

// Replay republishes one dead message to the work queue with attempts reset.
func (b *AMQPBroker) Replay(ctx context.Context, q, jobID string) error {
	found := false
	err := b.scanDead(q, 10000, func(d amqp.Delivery) (bool, error) {
		if d.MessageId != jobID {
			return false, nil
		}
		dl, err := decodeDeadLetter(d)
		if err != nil {
			return false, err
		}
		ch, err := b.channel(q)
		if err != nil {
			return false, err
		}
		dl.Message.Attempt = 0
		if err := b.publish(ctx, ch, q, dl.Message, nil, 0); err != nil {
			return false, err
		}
		found = true
		return true, nil
	})
	if err != nil {
		return err
	}
	if !found {
		return ErrNotFound
	}
	return nil
}

// Purge drops every dead message of q.
func (b *AMQPBroker) Purge(ctx context.Context, q string) (int, error) {
	ch, err := b.channel(q)
	if err != nil {
		return 0, err
	}
	n, err := ch.QueuePurge(deadQueue(q), false)
	if err != nil {
		return 0, fmt.Errorf("purge %s: %w", deadQueue(q), err)
	}
	return n, nil
}

// Depth reports ready, delayed and dead counts. Unacked deliveries are not visible through a passive declare.
func (b *AMQPBroker) Depth(ctx context.Context, q string) (Depth, error) {
	ch, err := b.channel(q)
	if err != nil {
		return Depth{}, err
	}
	counts := make([]int64, 3)
	for i, name := range []string{q, delayQueue(q), deadQueue(q)} {
		args := amqp.Table(nil)
		if name == delayQueue(q) {
			args = delayQueueArgs(q)
		}
		info, err := ch.QueueDeclarePassive(name, true, false, false, false, args)
		if err != nil {
			return Depth{}, fmt.Errorf("inspect %s: %w", name, err)
		}
		counts[i] = int64(info.Messages)
	}
	return Depth{Ready: counts[0], Scheduled: counts[1], Dead: counts[2]}, nil
}

func (b *AMQPBroker) Close() error {
	err := b.conn.Close()
	if errors.Is(err, amqp.ErrClosed) {
		return nil
	}
	return err
}
