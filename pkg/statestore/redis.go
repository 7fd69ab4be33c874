package statestore

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps intent and acknowledgement in two Redis hashes so that
// worker processes spawned by the agent can reach them.
type RedisStore struct {
	client    redis.UniversalClient
	intentKey string
	ackKey    string
}

// NewRedisStore creates a store using hashes "<prefix>:signal" and "<prefix>:ack".
// The client is owned by the caller.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "pluginmanager"
	}
	return &RedisStore{
		client:    client,
		intentKey: prefix + ":signal",
		ackKey:    prefix + ":ack",
	}
}

func (r *RedisStore) get(ctx context.Context, key, name string) (Signal, bool, error) {
	v, err := r.client.HGet(ctx, key, name).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("redis hget %s %s failed: %w", key, name, err)
	}
	s, err := ParseSignal(v)
	if err != nil {
		return 0, false, err
	}
	return s, true, nil
}

func (r *RedisStore) set(ctx context.Context, key, name string, sig Signal) error {
	if !sig.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidSignal, sig)
	}
	if err := r.client.HSet(ctx, key, name, int(sig)).Err(); err != nil {
		return fmt.Errorf("redis hset %s %s failed: %w", key, name, err)
	}
	return nil
}

// Signal implements Store.
func (r *RedisStore) Signal(ctx context.Context, name string) (Signal, bool, error) {
	return r.get(ctx, r.intentKey, name)
}

// SetSignal implements Store.
func (r *RedisStore) SetSignal(ctx context.Context, name string, sig Signal) error {
	return r.set(ctx, r.intentKey, name, sig)
}

// Ack implements Store.
func (r *RedisStore) Ack(ctx context.Context, name string) (Signal, bool, error) {
	return r.get(ctx, r.ackKey, name)
}

// SetAck implements Store.
func (r *RedisStore) SetAck(ctx context.Context, name string, sig Signal) error {
	return r.set(ctx, r.ackKey, name, sig)
}

// Signals implements Store. Unparseable entries are skipped.
func (r *RedisStore) Signals(ctx context.Context) (map[string]Signal, error) {
	raw, err := r.client.HGetAll(ctx, r.intentKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall %s failed: %w", r.intentKey, err)
	}
	out := make(map[string]Signal, len(raw))
	for name, v := range raw {
		if s, err := ParseSignal(v); err == nil {
			out[name] = s
		}
	}
	return out, nil
}

// Delete implements Store.
func (r *RedisStore) Delete(ctx context.Context, name string) error {
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HDel(ctx, r.intentKey, name)
		p.HDel(ctx, r.ackKey, name)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis delete %s failed: %w", name, err)
	}
	return nil
}

// Close implements Store.
func (r *RedisStore) Close() error { return nil }
