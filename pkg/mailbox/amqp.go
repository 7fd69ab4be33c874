package mailbox

import (
	"context"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/waggle/pluginmanager/pkg/message"
)

// AMQPConfig configures mailboxes stored as RabbitMQ queues.
type AMQPConfig struct {
	URL string

	// Prefix is prepended to queue names, e.g. "pluginmanager.".
	Prefix string

	// Capacity becomes the queue's x-max-length; 0 means DefaultCapacity.
	Capacity int

	// Durable declares durable queues.
	Durable bool

	// Codec serializes envelopes; defaults to JSON.
	Codec message.Codec
}

func (c *AMQPConfig) applyDefaults() {
	if c.Prefix == "" {
		c.Prefix = "pluginmanager."
	}
	if c.Capacity <= 0 {
		c.Capacity = DefaultCapacity
	}
	if c.Codec == nil {
		c.Codec = message.JSONCodec{}
	}
}

// AMQPBroker owns one connection and opens a channel per mailbox.
type AMQPBroker struct {
	conn *amqp.Connection
	cfg  AMQPConfig

	mu     sync.Mutex
	opened map[string]*AMQPMailbox
	closed bool
}

// NewAMQPBroker dials the broker at cfg.URL.
func NewAMQPBroker(cfg AMQPConfig) (*AMQPBroker, error) {
	if cfg.URL == "" {
		return nil, errors.New("amqp url is required")
	}
	cfg.applyDefaults()
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to amqp broker: %w", err)
	}
	return &AMQPBroker{conn: conn, cfg: cfg, opened: make(map[string]*AMQPMailbox)}, nil
}

// Open implements Broker. Opening the same name twice returns the same mailbox.
// The queue rejects publishes beyond Capacity, which surfaces as a negative
// publisher confirm and ErrFull.
func (b *AMQPBroker) Open(name string) (Mailbox, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	if mb, ok := b.opened[name]; ok && !mb.ch.IsClosed() {
		return mb, nil
	}

	ch, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open amqp channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
	}
	if err := ch.Qos(1, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to set amqp qos: %w", err)
	}

	queue := b.cfg.Prefix + name
	_, err = ch.QueueDeclare(queue, b.cfg.Durable, false, false, false, amqp.Table{
		"x-max-length": int32(b.cfg.Capacity),
		"x-overflow":   "reject-publish",
	})
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}

	mb := &AMQPMailbox{name: name, queue: queue, ch: ch, codec: b.cfg.Codec}
	b.opened[name] = mb
	return mb, nil
}

// Close implements Broker.
func (b *AMQPBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, mb := range b.opened {
		mb.Close()
	}
	b.opened = nil
	return b.conn.Close()
}

// AMQPMailbox is one RabbitMQ queue reached through a dedicated channel.
type AMQPMailbox struct {
	name  string
	queue string
	codec message.Codec

	pubMu sync.Mutex
	ch    *amqp.Channel

	consumeOnce sync.Once
	deliveries  <-chan amqp.Delivery
	consumeErr  error

	closeOnce sync.Once
}

// Name implements Mailbox.
func (m *AMQPMailbox) Name() string { return m.name }

// Put implements Mailbox.
func (m *AMQPMailbox) Put(ctx context.Context, env *message.Envelope) error {
	return putWithRetry(ctx, m, env)
}

// TryPut implements Mailbox.
func (m *AMQPMailbox) TryPut(ctx context.Context, env *message.Envelope) error {
	if m.ch.IsClosed() {
		return ErrClosed
	}
	body, err := m.codec.Encode(env)
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}

	contentType := "application/json"
	if m.codec.Name() == message.CodecProto {
		contentType = "application/x-protobuf"
	}

	m.pubMu.Lock()
	defer m.pubMu.Unlock()
	confirm, err := m.ch.PublishWithDeferredConfirmWithContext(ctx, "", m.queue, false, false, amqp.Publishing{
		ContentType: contentType,
		Body:        body,
	})
	if err != nil {
		if errors.Is(err, amqp.ErrClosed) {
			return ErrClosed
		}
		return fmt.Errorf("amqp publish to %s failed: %w", m.queue, err)
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return err
	}
	if !acked {
		return ErrFull
	}
	return nil
}

// Get implements Mailbox. Deliveries are acknowledged once decoded; frames that
// fail to decode are dropped from the queue and reported.
func (m *AMQPMailbox) Get(ctx context.Context) (*message.Envelope, error) {
	m.consumeOnce.Do(func() {
		m.deliveries, m.consumeErr = m.ch.Consume(m.queue, "", false, false, false, false, nil)
	})
	if m.consumeErr != nil {
		return nil, fmt.Errorf("failed to consume %s: %w", m.queue, m.consumeErr)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case d, ok := <-m.deliveries:
		if !ok {
			return nil, ErrClosed
		}
		env, err := m.codec.Decode(d.Body)
		if err != nil {
			_ = d.Nack(false, false)
			return nil, fmt.Errorf("failed to decode envelope from %s: %w", m.queue, err)
		}
		if err := d.Ack(false); err != nil {
			return nil, fmt.Errorf("failed to ack delivery from %s: %w", m.queue, err)
		}
		return env, nil
	}
}

// Len implements Mailbox.
func (m *AMQPMailbox) Len(ctx context.Context) (int, error) {
	q, err := m.ch.QueueDeclarePassive(m.queue, false, false, false, false, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to inspect queue %s: %w", m.queue, err)
	}
	return q.Messages, nil
}

// Close implements Mailbox.
func (m *AMQPMailbox) Close() error {
	var err error
	m.closeOnce.Do(func() {
		err = m.ch.Close()
	})
	return err
}
