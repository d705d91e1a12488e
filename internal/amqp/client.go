// Package amqp broadcasts expense collection changes between processes
// sharing one database, over a RabbitMQ fanout exchange.
package amqp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
)

// Circuit breaker states.
const (
	StateClosed int32 = iota
	StateOpen
	StateHalfOpen
)

const (
	maxFailures    = 5
	openTimeout    = 30 * time.Second
	maxBackoff     = 30 * time.Second
	publishTimeout = 5 * time.Second
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

type Client struct {
	url          string
	exchangeName string
	queueName    string
	origin       string

	mu      sync.Mutex
	conn    *amqp091.Connection
	channel *amqp091.Channel

	state        int32
	failureCount int64
	failMu       sync.Mutex
	lastFailure  time.Time
}

// NewClient connects and declares the fanout exchange. Each client gets a
// private queue named after queuePrefix and a random origin id, which is
// also stamped on published messages so a process skips its own changes.
func NewClient(url, exchangeName, queuePrefix string) (*Client, error) {
	origin := uuid.NewString()
	c := &Client{
		url:          url,
		exchangeName: exchangeName,
		queueName:    queuePrefix + "." + origin,
		origin:       origin,
	}
	if err := c.connect(); err != nil {
		return nil, err
	}
	return c, nil
}

// Origin identifies this client on the wire.
func (c *Client) Origin() string {
	return c.origin
}

func (c *Client) connect() error {
	conn, err := amqp091.Dial(c.url)
	if err != nil {
		return fmt.Errorf("dial AMQP: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	if err := c.setup(ch); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("setup exchange and queue: %w", err)
	}

	c.mu.Lock()
	c.conn, c.channel = conn, ch
	c.mu.Unlock()
	return nil
}

func (c *Client) setup(ch *amqp091.Channel) error {
	err := ch.ExchangeDeclare(
		c.exchangeName, // name
		"fanout",       // type
		true,           // durable
		false,          // auto-deleted
		false,          // internal
		false,          // no-wait
		nil,            // arguments
	)
	if err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}

	_, err = ch.QueueDeclare(
		c.queueName, // name
		false,       // durable
		true,        // delete when unused
		true,        // exclusive
		false,       // no-wait
		nil,         // arguments
	)
	if err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}

	if err := ch.QueueBind(c.queueName, "", c.exchangeName, false, nil); err != nil {
		return fmt.Errorf("bind queue: %w", err)
	}
	return nil
}

func (c *Client) reconnect(ctx context.Context) error {
	c.closeConn()
	for attempt := 0; ; attempt++ {
		err := c.connect()
		if err == nil {
			slog.InfoContext(ctx, "Reconnected to AMQP", "attempt", attempt+1)
			return nil
		}
		wait := exponentialBackoff(attempt)
		slog.WarnContext(ctx, "AMQP reconnect failed", "attempt", attempt+1, "retry_in", wait, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// PublishChange tells every other process that userID's collection changed.
func (c *Client) PublishChange(ctx context.Context, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.isCircuitOpen() {
		return fmt.Errorf("publish change: %w", ErrCircuitOpen)
	}

	body, err := NewChangeMessage(userID, c.origin).ToJSON()
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	err = c.publish(ctx, body)
	if err != nil && isConnectionError(err) {
		c.closeConn()
		if rerr := c.connect(); rerr == nil {
			err = c.publish(ctx, body)
		}
	}
	if err != nil {
		c.recordFailure()
		return fmt.Errorf("publish message: %w", err)
	}
	c.recordSuccess()

	slog.DebugContext(ctx, "Published expense change", "user_id", userID, "exchange", c.exchangeName)
	return nil
}

func (c *Client) publish(ctx context.Context, body []byte) error {
	c.mu.Lock()
	ch := c.channel
	c.mu.Unlock()
	if ch == nil {
		return amqp091.ErrClosed
	}
	return ch.PublishWithContext(
		ctx,
		c.exchangeName, // exchange
		"",             // routing key, ignored by fanout
		false,          // mandatory
		false,          // immediate
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Transient,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
}

// ConsumeChanges calls handler for every change published by other
// processes until ctx is done, reconnecting when the broker goes away.
func (c *Client) ConsumeChanges(ctx context.Context, handler func(context.Context, *ChangeMessage) error) error {
	for {
		err := c.consume(ctx, handler)
		if ctx.Err() != nil {
			slog.InfoContext(ctx, "Stopping change consumption", "reason", ctx.Err())
			return ctx.Err()
		}
		slog.WarnContext(ctx, "Change consumer interrupted", "error", err)
		if err := c.reconnect(ctx); err != nil {
			return err
		}
	}
}

func (c *Client) consume(ctx context.Context, handler func(context.Context, *ChangeMessage) error) error {
	c.mu.Lock()
	ch := c.channel
	c.mu.Unlock()
	if ch == nil {
		return amqp091.ErrClosed
	}

	msgs, err := ch.Consume(
		c.queueName, // queue
		c.origin,    // consumer
		false,       // auto-ack
		true,        // exclusive
		false,       // no-local
		false,       // no-wait
		nil,         // args
	)
	if err != nil {
		return fmt.Errorf("start consuming: %w", err)
	}
	slog.InfoContext(ctx, "Started consuming expense changes", "queue", c.queueName)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case delivery, ok := <-msgs:
			if !ok {
				return errors.New("message channel closed")
			}
			c.handle(ctx, delivery, handler)
		}
	}
}

func (c *Client) handle(ctx context.Context, d amqp091.Delivery, handler func(context.Context, *ChangeMessage) error) {
	msg, err := ChangeMessageFromJSON(d.Body)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to unmarshal change message", "error", err)
		d.Nack(false, false)
		return
	}
	if msg.Origin == c.origin {
		d.Ack(false)
		return
	}
	if err := handler(ctx, msg); err != nil {
		slog.ErrorContext(ctx, "Failed to handle change message", "user_id", msg.UserID, "error", err)
		d.Nack(false, false)
		return
	}
	d.Ack(false)
}

func (c *Client) closeConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.channel != nil {
		c.channel.Close()
		c.channel = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *Client) Close() error {
	c.closeConn()
	return nil
}

func (c *Client) isCircuitOpen() bool {
	if atomic.LoadInt32(&c.state) != StateOpen {
		return false
	}
	c.failMu.Lock()
	last := c.lastFailure
	c.failMu.Unlock()
	if time.Since(last) > openTimeout {
		atomic.CompareAndSwapInt32(&c.state, StateOpen, StateHalfOpen)
		return false
	}
	return true
}

func (c *Client) recordFailure() {
	c.failMu.Lock()
	c.lastFailure = time.Now()
	c.failMu.Unlock()
	if atomic.AddInt64(&c.failureCount, 1) >= maxFailures || atomic.LoadInt32(&c.state) == StateHalfOpen {
		atomic.StoreInt32(&c.state, StateOpen)
	}
}

func (c *Client) recordSuccess() {
	atomic.StoreInt64(&c.failureCount, 0)
	atomic.StoreInt32(&c.state, StateClosed)
}

func exponentialBackoff(attempt int) time.Duration {
	if attempt >= 5 {
		return maxBackoff
	}
	d := time.Second << attempt
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, amqp091.ErrClosed) {
		return true
	}
	msg := err.Error()
	for _, s := range []string{"connection", "EOF", "broken pipe"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
