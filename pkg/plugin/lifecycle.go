package plugin

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/waggle/pluginmanager/pkg/statestore"
)

// DefaultPollInterval paces how often a worker re-reads its signal.
const DefaultPollInterval = 500 * time.Millisecond

// Lifecycle is the worker side of the lifecycle signal: it reads the intent the
// supervisor wrote and records the state the worker is actually in.
type Lifecycle struct {
	name   string
	store  statestore.Store
	logger *zap.Logger
	poll   time.Duration
}

// NewLifecycle creates a Lifecycle for the worker called name.
func NewLifecycle(name string, store statestore.Store, logger *zap.Logger, poll time.Duration) *Lifecycle {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Lifecycle{name: name, store: store, logger: logger, poll: poll}
}

// Acknowledge records sig as the worker's current state.
func (l *Lifecycle) Acknowledge(ctx context.Context, sig statestore.Signal) {
	if err := l.store.SetAck(ctx, l.name, sig); err != nil && ctx.Err() == nil {
		l.logger.Warn("Failed to acknowledge lifecycle state",
			zap.String("state", sig.String()),
			zap.Error(err),
		)
	}
}

// Intent returns the signal the supervisor wrote. A missing key reads as running.
func (l *Lifecycle) Intent(ctx context.Context) (statestore.Signal, error) {
	sig, ok, err := l.store.Signal(ctx, l.name)
	if err != nil {
		return statestore.SignalRunning, err
	}
	if !ok {
		return statestore.SignalRunning, nil
	}
	return sig, nil
}

// Watch returns a context that is cancelled once the stop signal is written.
func (l *Lifecycle) Watch(ctx context.Context) (context.Context, context.CancelFunc) {
	wctx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(l.poll)
		defer ticker.Stop()
		for {
			select {
			case <-wctx.Done():
				return
			case <-ticker.C:
				sig, err := l.Intent(wctx)
				if err != nil {
					if wctx.Err() == nil {
						l.logger.Debug("Failed to read lifecycle signal", zap.Error(err))
					}
					continue
				}
				if sig == statestore.SignalStop {
					l.logger.Info("Stop signal received")
					cancel()
					return
				}
			}
		}
	}()
	return wctx, cancel
}

// Gate blocks while the worker is paused. Workers call it once per iteration of
// their loop; it returns ctx.Err() if the worker is stopped meanwhile.
func (l *Lifecycle) Gate(ctx context.Context) error {
	sig, err := l.Intent(ctx)
	if err != nil || sig != statestore.SignalPaused {
		return ctx.Err()
	}

	l.Acknowledge(ctx, statestore.SignalPaused)
	l.logger.Info("Paused")

	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		sig, err := l.Intent(ctx)
		if err != nil {
			continue
		}
		switch sig {
		case statestore.SignalPaused:
			continue
		case statestore.SignalStop:
			return context.Canceled
		default:
			l.Acknowledge(ctx, statestore.SignalRunning)
			l.logger.Info("Resumed")
			return nil
		}
	}
}

// Run executes desc's entry point under the lifecycle: it acknowledges running,
// stops the entry when the stop signal arrives, and acknowledges stop on return.
func Run(ctx context.Context, desc Descriptor, env *Env) error {
	if err := desc.Check(); err != nil {
		return err
	}
	if env.Lifecycle == nil {
		env.Lifecycle = NewLifecycle(env.Name, env.Store, env.Logger, 0)
	}
	if env.Logger == nil {
		env.Logger = zap.NewNop()
	}

	runCtx, cancel := env.Lifecycle.Watch(ctx)
	defer cancel()

	env.Lifecycle.Acknowledge(runCtx, statestore.SignalRunning)
	err := desc.Entry(runCtx, env)

	// The run context is gone by now; the final ack uses a fresh one.
	ackCtx, ackCancel := context.WithTimeout(context.Background(), time.Second)
	defer ackCancel()
	env.Lifecycle.Acknowledge(ackCtx, statestore.SignalStop)

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
