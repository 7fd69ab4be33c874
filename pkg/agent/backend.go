package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/waggle/pluginmanager/pkg/mailbox"
	"github.com/waggle/pluginmanager/pkg/message"
	"github.com/waggle/pluginmanager/pkg/statestore"
)

// Backend is the shared storage of lifecycle signals and mailboxes.
type Backend struct {
	Store  statestore.Store
	Broker mailbox.Broker

	redis redis.UniversalClient
}

// OpenBackend connects to the backend cfg selects. cfg must be validated.
func OpenBackend(ctx context.Context, cfg *Config, logger *zap.Logger) (*Backend, error) {
	codec, err := message.CodecByName(cfg.Codec)
	if err != nil {
		return nil, err
	}

	switch cfg.Backend {
	case mailbox.BackendMemory:
		logger.Info("Using in-memory backend")
		return &Backend{
			Store:  statestore.NewMemoryStore(),
			Broker: mailbox.NewMemoryBroker(cfg.QueueCapacity),
		}, nil

	case mailbox.BackendRedis, mailbox.BackendAMQP:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Redis.Addr, err)
		}
		b := &Backend{
			Store: statestore.NewRedisStore(client, cfg.Redis.Prefix),
			redis: client,
		}

		if cfg.Backend == mailbox.BackendRedis {
			logger.Info("Using redis backend", zap.String("addr", cfg.Redis.Addr))
			b.Broker = mailbox.NewRedisBroker(client, mailbox.RedisConfig{
				Prefix:   cfg.Redis.Prefix,
				Capacity: cfg.QueueCapacity,
				Codec:    codec,
			})
			return b, nil
		}

		logger.Info("Using amqp mailboxes with redis lifecycle state", zap.String("redis", cfg.Redis.Addr))
		broker, err := mailbox.NewAMQPBroker(mailbox.AMQPConfig{
			URL:      cfg.AMQP.URL,
			Prefix:   cfg.AMQP.Prefix,
			Capacity: cfg.QueueCapacity,
			Durable:  cfg.AMQP.Durable,
			Codec:    codec,
		})
		if err != nil {
			client.Close()
			return nil, err
		}
		b.Broker = broker
		return b, nil

	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

// Close releases the broker, the store and the Redis client.
func (b *Backend) Close() error {
	var errs []error
	if b.Broker != nil {
		errs = append(errs, b.Broker.Close())
	}
	if b.Store != nil {
		errs = append(errs, b.Store.Close())
	}
	if b.redis != nil {
		errs = append(errs, b.redis.Close())
	}
	return errors.Join(errs...)
}
