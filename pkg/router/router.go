// Package router implements the message router: a broadcast bus that drains the
// shared mailbox and hands a copy of every message to every registered listener.
//
// There is no destination field. Every listener in the directory receives every
// message, in the order the shared mailbox produced them. Delivery is best
// effort: a listener whose queue is full misses that message and the pass
// continues.
package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/waggle/pluginmanager/pkg/directory"
	"github.com/waggle/pluginmanager/pkg/mailbox"
	"github.com/waggle/pluginmanager/pkg/message"
	"github.com/waggle/pluginmanager/pkg/observability"
)

// DefaultSweepInterval is how often listener liveness is checked.
const DefaultSweepInterval = 10 * time.Second

// Config tunes the router.
type Config struct {
	// SweepInterval is the minimum wall-clock time between two liveness sweeps.
	SweepInterval time.Duration

	// IdleWait bounds a single wait on the shared mailbox so that sweeps and
	// pending removals are applied even when no traffic arrives. Defaults to
	// SweepInterval.
	IdleWait time.Duration
}

// Validate fills defaults.
func (c *Config) Validate() error {
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.IdleWait <= 0 {
		c.IdleWait = c.SweepInterval
	}
	if c.IdleWait > c.SweepInterval {
		return fmt.Errorf("idle wait %s exceeds sweep interval %s", c.IdleWait, c.SweepInterval)
	}
	return nil
}

// Router owns the dispatch loop. It is the only component that applies
// directory removals.
type Router struct {
	cfg    Config
	shared mailbox.Mailbox
	dir    *directory.Directory
	events *observability.EventStream
	logger *zap.Logger

	now       func() time.Time
	lastSweep time.Time
}

// New creates a Router draining shared into the listeners of dir.
func New(cfg Config, shared mailbox.Mailbox, dir *directory.Directory, events *observability.EventStream, logger *zap.Logger) (*Router, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if shared == nil {
		return nil, errors.New("shared mailbox is required")
	}
	if dir == nil {
		return nil, errors.New("listener directory is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		cfg:    cfg,
		shared: shared,
		dir:    dir,
		events: events,
		logger: observability.ComponentLogger(logger, "router"),
		now:    time.Now,
	}, nil
}

// Run dispatches until ctx is done. A closed shared mailbox ends the loop with
// mailbox.ErrClosed.
func (r *Router) Run(ctx context.Context) error {
	r.lastSweep = r.now()
	for _, e := range r.dir.Entries() {
		r.logger.Info("Listener", zap.String("listener", e.Name), zap.Int("pid", e.PID))
	}
	r.logger.Info("Router started",
		zap.String("mailbox", r.shared.Name()),
		zap.Duration("sweep_interval", r.cfg.SweepInterval),
	)

	for {
		env, err := r.receive(ctx)
		if ctx.Err() != nil {
			r.logger.Info("Router stopping", zap.Error(ctx.Err()))
			return nil
		}
		switch {
		case err == nil:
			r.Dispatch(ctx, env)
		case errors.Is(err, context.DeadlineExceeded):
			// Idle pass: nothing to deliver, but sweep and commit still run.
		case errors.Is(err, mailbox.ErrClosed):
			return err
		case errors.Is(err, message.ErrMalformed):
			r.logger.Warn("Discarding malformed message", zap.Error(err))
		default:
			r.logger.Error("Failed to receive from shared mailbox", zap.Error(err))
			if !sleep(ctx, time.Second) {
				return nil
			}
		}

		if r.now().Sub(r.lastSweep) >= r.cfg.SweepInterval {
			r.Sweep(ctx)
		}
		r.Commit(ctx)
	}
}

// receive blocks on the shared mailbox for at most IdleWait.
func (r *Router) receive(ctx context.Context) (*message.Envelope, error) {
	waitCtx, cancel := context.WithTimeout(ctx, r.cfg.IdleWait)
	defer cancel()
	return r.shared.Get(waitCtx)
}

// Dispatch offers a copy of env to every listener without blocking and returns
// how many accepted it.
func (r *Router) Dispatch(ctx context.Context, env *message.Envelope) int {
	observability.RouterMessagesReceivedTotal.Inc()

	delivered := 0
	for _, entry := range r.dir.Entries() {
		err := entry.Queue.TryPut(ctx, env.Clone())
		switch {
		case err == nil:
			delivered++
			observability.RouterDeliveriesTotal.WithLabelValues("delivered").Inc()
		case errors.Is(err, mailbox.ErrFull):
			observability.RouterDeliveriesTotal.WithLabelValues("dropped").Inc()
			r.logger.Warn("Listener queue full, dropping message",
				zap.String("listener", entry.Name),
				zap.String("plugin", env.Plugin),
				zap.String("category", env.Category),
			)
		default:
			observability.RouterDeliveriesTotal.WithLabelValues("error").Inc()
			r.logger.Warn("Failed to deliver message",
				zap.String("listener", entry.Name),
				zap.String("plugin", env.Plugin),
				zap.Error(err),
			)
		}
	}

	r.logger.Debug("Message dispatched",
		zap.String("plugin", env.Plugin),
		zap.String("category", env.Category),
		zap.Int("delivered", delivered),
	)
	return delivered
}

// Sweep probes bound listeners and schedules the dead ones for removal. They
// stop receiving messages immediately and are removed by the next Commit.
func (r *Router) Sweep(ctx context.Context) []string {
	start := r.now()
	r.lastSweep = start
	marked := r.dir.Sweep()
	observability.RouterSweepDurationSeconds.Observe(time.Since(start).Seconds())

	for _, name := range marked {
		r.logger.Info("Listener process is gone", zap.String("listener", name))
	}
	return marked
}

// Commit applies pending removals and returns the removed entries.
func (r *Router) Commit(ctx context.Context) []directory.Entry {
	removed := r.dir.Commit()
	for _, e := range removed {
		observability.RouterListenersPrunedTotal.Inc()
		r.logger.Info("Listener removed", zap.String("listener", e.Name), zap.Int("pid", e.PID))
		if r.events != nil {
			r.events.RecordEvent(ctx, observability.NewListenerEvent(observability.EventListenerRemoved, e.Name, e.PID, "removed"))
		}
	}
	observability.RouterListeners.Set(float64(r.dir.Len()))
	return removed
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
