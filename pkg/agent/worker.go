package agent

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/waggle/pluginmanager/pkg/mailbox"
	"github.com/waggle/pluginmanager/pkg/observability"
	"github.com/waggle/pluginmanager/pkg/plugin"
)

// ErrNotProcessHostable means the plugin needs handles only the agent holds.
var ErrNotProcessHostable = errors.New("plugin cannot run in a worker process")

// RunWorker runs one plugin in the current process. It is the entry point of
// the worker processes the supervisor spawns: the plugin reaches its lifecycle
// signal and mailboxes by name through the shared backend. It returns when the
// plugin stops or ctx is cancelled, which the command does on SIGTERM.
func RunWorker(ctx context.Context, cfg *Config, name string) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.Backend == mailbox.BackendMemory {
		return fmt.Errorf("%w: the memory backend is not shared across processes", ErrNotProcessHostable)
	}
	logger := observability.ComponentLogger(cfg.Logger, "worker").With(zap.String("plugin", name))

	catalog, err := Catalog(cfg, nil, nil)
	if err != nil {
		return err
	}
	desc, ok := catalog.Lookup(name)
	if !ok {
		return fmt.Errorf("unknown plugin %s", name)
	}
	if desc.Privilege != plugin.PrivilegeNone {
		return fmt.Errorf("%w: %s", ErrNotProcessHostable, name)
	}

	backend, err := OpenBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer backend.Close()

	out, err := backend.Broker.Open(plugin.SharedMailbox)
	if err != nil {
		return fmt.Errorf("failed to open mailbox %s: %w", plugin.SharedMailbox, err)
	}
	env := &plugin.Env{
		Name:    name,
		Store:   backend.Store,
		Mailbox: out,
		Logger:  logger,
	}
	if desc.Listens {
		inbox, err := backend.Broker.Open(plugin.InboxName(name))
		if err != nil {
			return fmt.Errorf("failed to open inbox for %s: %w", name, err)
		}
		env.Inbound = inbox
	}

	logger.Info("Worker starting")
	err = plugin.Run(ctx, desc, env)
	logger.Info("Worker exiting", zap.Error(err))
	return err
}
