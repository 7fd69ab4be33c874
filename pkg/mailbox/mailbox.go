// Package mailbox provides process-safe blocking queues carrying message envelopes.
//
// A Mailbox is a bounded FIFO with a blocking Get, a blocking Put and a non-blocking
// TryPut that fails with ErrFull. A Broker opens mailboxes by name so that a worker
// process and the agent can reach the same queue. Backends:
//
//   - memory: buffered channels, for in-process workers and tests
//   - redis: Redis lists (LPUSH/BRPOP), shared across processes
//   - amqp: RabbitMQ queues with a max length and publisher confirms
package mailbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/waggle/pluginmanager/pkg/message"
)

var (
	// ErrFull is returned by TryPut when the mailbox is at capacity.
	ErrFull = errors.New("mailbox full")

	// ErrClosed is returned by operations on a closed mailbox or broker.
	ErrClosed = errors.New("mailbox closed")
)

// DefaultCapacity bounds a mailbox when the configuration does not.
const DefaultCapacity = 1024

// putRetryInterval paces blocking Put on backends without a native blocking push.
const putRetryInterval = 50 * time.Millisecond

// Mailbox is a process-safe FIFO of envelopes.
type Mailbox interface {
	// Name identifies the mailbox within its broker.
	Name() string

	// Put enqueues env, blocking while the mailbox is full.
	Put(ctx context.Context, env *message.Envelope) error

	// TryPut enqueues env or fails immediately with ErrFull.
	TryPut(ctx context.Context, env *message.Envelope) error

	// Get blocks until an envelope is available or ctx is done.
	Get(ctx context.Context) (*message.Envelope, error)

	// Len reports the number of queued envelopes.
	Len(ctx context.Context) (int, error)

	// Close releases the handle. Other handles to the same queue are unaffected
	// for cross-process backends.
	Close() error
}

// Broker opens named mailboxes on a shared backend.
type Broker interface {
	Open(name string) (Mailbox, error)
	Close() error
}

// Backend names accepted by the agent configuration.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendAMQP   = "amqp"
)

// putWithRetry implements a blocking Put on top of TryPut.
func putWithRetry(ctx context.Context, mb Mailbox, env *message.Envelope) error {
	for {
		err := mb.TryPut(ctx, env)
		if !errors.Is(err, ErrFull) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(putRetryInterval):
		}
	}
}

func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("mailbox name is required")
	}
	return nil
}
