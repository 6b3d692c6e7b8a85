// Package bus implements durable topic pub/sub over AMQP 0-9-1.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sethvargo/go-retry"
)

// ErrMalformedPayload marks a delivery whose payload cannot be decoded
// into the expected type. Handlers return it (wrapped) to have the
// message dropped to the dead-letter queue instead of requeued.
var ErrMalformedPayload = errors.New("malformed payload")

// Envelope wraps every published message with a unique id, a type tag,
// and a publish timestamp.
type Envelope struct {
	MessageID   string          `json:"messageId"`
	MessageType string          `json:"messageType"`
	Timestamp   time.Time       `json:"timestamp"`
	Payload     json.RawMessage `json:"payload"`
}

// DecodePayload unmarshals the envelope payload into v. A decode
// failure is reported as ErrMalformedPayload so the consumer drops the
// message rather than retrying it.
func DecodePayload(env Envelope, v any) error {
	if err := json.Unmarshal(env.Payload, v); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrMalformedPayload, env.MessageType, err)
	}
	return nil
}

// Handler processes one delivered envelope. A nil return acknowledges
// the message; ErrMalformedPayload drops it; any other error requeues
// it until the redelivery cap is reached.
type Handler func(ctx context.Context, env Envelope) error

// Bus is a durable topic-exchange publisher and consumer over one AMQP
// connection. Each consumer runs on its own channel with prefetch 1.
type Bus struct {
	conn *amqp.Connection
	ch   *amqp.Channel
	log  *slog.Logger

	maxRedeliveries int

	mu sync.Mutex // serializes publishes on the shared channel
}

// Dial connects to the broker, retrying with fibonacci backoff, and
// opens the publish channel.
func Dial(ctx context.Context, url string, maxRedeliveries int, log *slog.Logger) (*Bus, error) {
	var conn *amqp.Connection
	backoff := retry.WithMaxRetries(6, retry.NewFibonacci(500*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		c, err := amqp.Dial(url)
		if err != nil {
			log.Warn("broker dial failed, retrying", "error", err)
			return retry.RetryableError(err)
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("dial broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	return &Bus{conn: conn, ch: ch, log: log, maxRedeliveries: maxRedeliveries}, nil
}

// Close shuts down the publish channel and the connection.
func (b *Bus) Close() error {
	if err := b.ch.Close(); err != nil {
		_ = b.conn.Close()
		return fmt.Errorf("close channel: %w", err)
	}
	return b.conn.Close()
}

// Publish serializes payload, wraps it in an envelope, and publishes it
// as a persistent message to the given exchange and routing key.
// Delivery is fire-and-forget; no publish confirms are awaited.
func (b *Bus) Publish(ctx context.Context, exchange, routingKey, messageType string, payload any) error {
	return b.publish(ctx, exchange, routingKey, messageType, payload)
}

// PublishToQueue publishes directly to a queue via the default exchange.
func (b *Bus) PublishToQueue(ctx context.Context, queue, messageType string, payload any) error {
	return b.publish(ctx, "", queue, messageType, payload)
}

func (b *Bus) publish(ctx context.Context, exchange, routingKey, messageType string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", messageType, err)
	}

	env := Envelope{
		MessageID:   uuid.NewString(),
		MessageType: messageType,
		Timestamp:   time.Now().UTC(),
		Payload:     body,
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    env.MessageID,
		Type:         messageType,
		Timestamp:    env.Timestamp,
		Body:         raw,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ch.PublishWithContext(ctx, exchange, routingKey, false, false, msg); err != nil {
		return fmt.Errorf("publish %s to %s/%s: %w", messageType, exchange, routingKey, err)
	}
	return nil
}

// Consume registers a handler on a queue with prefetch 1 and blocks
// until ctx is cancelled or the delivery channel closes. In-flight
// handlers finish before the loop returns.
func (b *Bus) Consume(ctx context.Context, queue string, handler Handler) error {
	ch, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("open consumer channel: %w", err)
	}
	defer func() { _ = ch.Close() }()

	// One unacknowledged message at a time per consumer.
	if err := ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("set prefetch: %w", err)
	}

	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", queue, err)
	}

	c := &consumer{
		queue:           queue,
		handler:         handler,
		maxRedeliveries: b.maxRedeliveries,
		redeliveries:    make(map[string]int),
		pub:             b,
		log:             b.log,
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel for %s closed", queue)
			}
			c.handle(ctx, d)
		}
	}
}

type deadLetterer interface {
	PublishToQueue(ctx context.Context, queue, messageType string, payload any) error
}

// consumer applies the acknowledgement policy for one queue: ack on
// success, dead-letter undecodable messages, requeue handler errors up
// to the redelivery cap and dead-letter past it.
type consumer struct {
	queue           string
	handler         Handler
	maxRedeliveries int
	redeliveries    map[string]int
	pub             deadLetterer
	log             *slog.Logger
}

// deadLetter is the record placed on the dead-letter queue for a
// message that could not be processed.
type deadLetter struct {
	Queue     string `json:"queue"`
	MessageID string `json:"messageId,omitempty"`
	Reason    string `json:"reason"`
	// Body is the original message body verbatim; kept as a string
	// because an undecodable body need not be valid JSON.
	Body string `json:"body"`
}

func (c *consumer) handle(ctx context.Context, d amqp.Delivery) {
	var env Envelope
	if err := json.Unmarshal(d.Body, &env); err != nil {
		c.log.Warn("dropping undecodable message", "queue", c.queue, "error", err)
		c.toDeadLetter(ctx, d, "", "undecodable envelope: "+err.Error())
		return
	}

	// The redelivery counter is keyed by message id; without one the
	// message cannot be retried safely, so it goes straight to the
	// dead-letter queue.
	if env.MessageID == "" {
		c.log.Warn("dropping message without id", "queue", c.queue)
		c.toDeadLetter(ctx, d, "", "missing messageId")
		return
	}

	err := c.handler(ctx, env)
	if err == nil {
		delete(c.redeliveries, env.MessageID)
		if err := d.Ack(false); err != nil {
			c.log.Error("ack failed", "queue", c.queue, "message_id", env.MessageID, "error", err)
		}
		return
	}

	if errors.Is(err, ErrMalformedPayload) {
		c.log.Warn("dropping malformed message", "queue", c.queue, "message_id", env.MessageID, "error", err)
		c.toDeadLetter(ctx, d, env.MessageID, err.Error())
		return
	}

	c.redeliveries[env.MessageID]++
	if c.redeliveries[env.MessageID] >= c.maxRedeliveries {
		c.log.Error("redelivery cap reached, dead-lettering",
			"queue", c.queue, "message_id", env.MessageID, "attempts", c.redeliveries[env.MessageID], "error", err)
		delete(c.redeliveries, env.MessageID)
		c.toDeadLetter(ctx, d, env.MessageID, err.Error())
		return
	}

	c.log.Warn("handler failed, requeueing",
		"queue", c.queue, "message_id", env.MessageID, "attempt", c.redeliveries[env.MessageID], "error", err)
	if err := d.Nack(false, true); err != nil {
		c.log.Error("nack failed", "queue", c.queue, "message_id", env.MessageID, "error", err)
	}
}

func (c *consumer) toDeadLetter(ctx context.Context, d amqp.Delivery, messageID, reason string) {
	dl := deadLetter{Queue: c.queue, MessageID: messageID, Reason: reason, Body: string(d.Body)}
	if err := c.pub.PublishToQueue(ctx, DeadLetterQueue, "DeadLetter", dl); err != nil {
		c.log.Error("dead-letter publish failed, rejecting without requeue",
			"queue", c.queue, "message_id", messageID, "error", err)
		if err := d.Reject(false); err != nil {
			c.log.Error("reject failed", "queue", c.queue, "message_id", messageID, "error", err)
		}
		return
	}
	if err := d.Ack(false); err != nil {
		c.log.Error("ack after dead-letter failed", "queue", c.queue, "message_id", messageID, "error", err)
	}
}
