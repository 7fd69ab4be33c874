package mailbox

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/waggle/pluginmanager/pkg/message"
)

// boundedPush pushes ARGV[1] unless the list already holds ARGV[2] (>0) items.
var boundedPush = redis.NewScript(`
local limit = tonumber(ARGV[2])
if limit > 0 and redis.call('LLEN', KEYS[1]) >= limit then
  return 0
end
redis.call('LPUSH', KEYS[1], ARGV[1])
return 1
`)

// RedisConfig configures mailboxes stored as Redis lists.
type RedisConfig struct {
	// Prefix namespaces the list keys, e.g. "pluginmanager".
	Prefix string

	// Capacity bounds each list; 0 means DefaultCapacity, negative means unbounded.
	Capacity int

	// BlockWait is the BRPOP timeout between context checks.
	BlockWait time.Duration

	// Codec serializes envelopes; defaults to JSON.
	Codec message.Codec
}

func (c *RedisConfig) applyDefaults() {
	if c.Prefix == "" {
		c.Prefix = "pluginmanager"
	}
	if c.Capacity == 0 {
		c.Capacity = DefaultCapacity
	}
	if c.BlockWait <= 0 {
		c.BlockWait = time.Second
	}
	if c.Codec == nil {
		c.Codec = message.JSONCodec{}
	}
}

// RedisMailbox is a Redis list used as a FIFO: producers LPUSH, consumers BRPOP.
type RedisMailbox struct {
	client redis.UniversalClient
	name   string
	key    string
	cfg    RedisConfig
	closed atomic.Bool
}

// RedisBroker opens RedisMailboxes on a shared client. The client is owned by the caller.
type RedisBroker struct {
	client redis.UniversalClient
	cfg    RedisConfig
	closed atomic.Bool
}

// NewRedisBroker creates a broker over client.
func NewRedisBroker(client redis.UniversalClient, cfg RedisConfig) *RedisBroker {
	cfg.applyDefaults()
	return &RedisBroker{client: client, cfg: cfg}
}

// Open implements Broker.
func (b *RedisBroker) Open(name string) (Mailbox, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	if b.closed.Load() {
		return nil, ErrClosed
	}
	return &RedisMailbox{
		client: b.client,
		name:   name,
		key:    fmt.Sprintf("%s:mailbox:%s", b.cfg.Prefix, name),
		cfg:    b.cfg,
	}, nil
}

// Close implements Broker.
func (b *RedisBroker) Close() error {
	b.closed.Store(true)
	return nil
}

// Name implements Mailbox.
func (m *RedisMailbox) Name() string { return m.name }

// Key returns the Redis list key backing the mailbox.
func (m *RedisMailbox) Key() string { return m.key }

// Put implements Mailbox.
func (m *RedisMailbox) Put(ctx context.Context, env *message.Envelope) error {
	return putWithRetry(ctx, m, env)
}

// TryPut implements Mailbox.
func (m *RedisMailbox) TryPut(ctx context.Context, env *message.Envelope) error {
	if m.closed.Load() {
		return ErrClosed
	}
	frame, err := m.cfg.Codec.Encode(env)
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}
	limit := m.cfg.Capacity
	if limit < 0 {
		limit = 0
	}
	pushed, err := boundedPush.Run(ctx, m.client, []string{m.key}, frame, limit).Int()
	if err != nil {
		return fmt.Errorf("redis push to %s failed: %w", m.key, err)
	}
	if pushed == 0 {
		return ErrFull
	}
	return nil
}

// Get implements Mailbox.
func (m *RedisMailbox) Get(ctx context.Context) (*message.Envelope, error) {
	for {
		if m.closed.Load() {
			return nil, ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		values, err := m.client.BRPop(ctx, m.cfg.BlockWait, m.key).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errors.Is(err, redis.ErrClosed) {
				return nil, ErrClosed
			}
			return nil, fmt.Errorf("redis pop from %s failed: %w", m.key, err)
		}
		if len(values) != 2 {
			continue
		}
		env, err := m.cfg.Codec.Decode([]byte(values[1]))
		if err != nil {
			return nil, fmt.Errorf("failed to decode envelope from %s: %w", m.key, err)
		}
		return env, nil
	}
}

// Len implements Mailbox.
func (m *RedisMailbox) Len(ctx context.Context) (int, error) {
	n, err := m.client.LLen(ctx, m.key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis llen %s failed: %w", m.key, err)
	}
	return int(n), nil
}

// Close implements Mailbox.
func (m *RedisMailbox) Close() error {
	m.closed.Store(true)
	return nil
}
