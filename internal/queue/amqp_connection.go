package queue

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

var errNoChannel = errors.New("amqp: no channel available")

// amqpConnection keeps one connection and channel open, redialling with backoff when the broker drops it.
type amqpConnection struct {
	url    string
	logger *slog.Logger

	mu      sync.RWMutex
	conn    *amqp.Connection
	channel *amqp.Channel
	closed  bool

	closedCh    chan struct{}
	reconnectCh chan struct{}
}

func dialAMQP(url string, logger *slog.Logger) (*amqpConnection, error) {
	c := &amqpConnection{
		url:         url,
		logger:      logger,
		closedCh:    make(chan struct{}),
		reconnectCh: make(chan struct{}, 1),
	}
	if err := c.connect(); err != nil {
		return nil, err
	}
	go c.watch()
	return c, nil
}

func (c *amqpConnection) connect() error {
	conn, err := amqp.Dial(c.url)
	if err != nil {
		return fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	c.mu.Lock()
	c.conn = conn
	c.channel = ch
	c.mu.Unlock()
	c.logger.Info("connected to amqp broker")
	return nil
}

func (c *amqpConnection) watch() {
	for {
		c.mu.RLock()
		conn, closed := c.conn, c.closed
		c.mu.RUnlock()
		if closed {
			return
		}
		notify := conn.NotifyClose(make(chan *amqp.Error, 1))
		select {
		case <-c.closedCh:
			return
		case err := <-notify:
			if err != nil {
				c.logger.Warn("amqp connection lost", "error", err)
			}
			c.reconnect()
		}
	}
}

func (c *amqpConnection) reconnect() {
	delay := time.Second
	for {
		select {
		case <-c.closedCh:
			return
		case <-time.After(delay):
		}
		if err := c.connect(); err != nil {
			c.logger.Warn("amqp reconnect failed", "error", err, "retry_in", delay)
			delay = min(delay*2, 30*time.Second)
			continue
		}
		select {
		case c.reconnectCh <- struct{}{}:
		default:
		}
		return
	}
}

func (c *amqpConnection) Channel() (*amqp.Channel, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.channel == nil || c.channel.IsClosed() {
		return nil, errNoChannel
	}
	return c.channel, nil
}

func (c *amqpConnection) ReconnectNotify() <-chan struct{} { return c.reconnectCh }

func (c *amqpConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.closedCh)

	var errs []error
	if c.channel != nil {
		if err := c.channel.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, fmt.Errorf("close channel: %w", err))
		}
	}
	if c.conn != nil {
		if err := c.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, fmt.Errorf("close connection: %w", err))
		}
	}
	return errors.Join(errs...)
}
