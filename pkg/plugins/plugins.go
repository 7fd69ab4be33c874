// Package plugins is the compiled-in plugin catalog: the three system plugins
// that form the messaging backbone plus the bundled user plugins.
package plugins

import (
	"context"
	"errors"
	"time"

	"github.com/waggle/pluginmanager/pkg/gateway"
	"github.com/waggle/pluginmanager/pkg/observability"
	"github.com/waggle/pluginmanager/pkg/plugin"
	"github.com/waggle/pluginmanager/pkg/router"
)

// Plugin names.
const (
	SystemRouter  = "system_router"
	SystemSend    = "system_send"
	SystemReceive = "system_receive"
	SystemStatus  = "system_status"
	ExampleSensor = "example_sensor"
)

// Options configure the compiled-in plugins.
type Options struct {
	Version string

	Router   router.Config
	Sender   gateway.SenderConfig
	Receiver gateway.ReceiverConfig

	// Gateway carries the dialer and health hook of the uplink and downlink.
	Gateway gateway.Deps

	Events *observability.EventStream

	SensorInterval time.Duration
	StatusInterval time.Duration
	StatusDiskPath string
}

func (o *Options) applyDefaults() {
	if o.Version == "" {
		o.Version = "1"
	}
	if o.SensorInterval <= 0 {
		o.SensorInterval = 10 * time.Second
	}
	if o.StatusInterval <= 0 {
		o.StatusInterval = time.Minute
	}
	if o.StatusDiskPath == "" {
		o.StatusDiskPath = "/"
	}
}

// Builtin returns a catalog holding every compiled-in plugin.
func Builtin(opts Options) (*plugin.Catalog, error) {
	opts.applyDefaults()
	return plugin.NewCatalog(
		plugin.Descriptor{
			Name:        SystemRouter,
			Version:     opts.Version,
			Description: "Broadcasts the shared mailbox to every registered listener",
			System:      true,
			Hosting:     plugin.HostInProcess,
			Privilege:   plugin.PrivilegeDirectory,
			Entry:       routerEntry(opts),
		},
		plugin.Descriptor{
			Name:        SystemSend,
			Version:     opts.Version,
			Description: "Sends the uplink queue to the collector",
			System:      true,
			Hosting:     plugin.HostInProcess,
			Privilege:   plugin.PrivilegeDedicatedQueue,
			Entry:       sendEntry(opts),
		},
		plugin.Descriptor{
			Name:        SystemReceive,
			Version:     opts.Version,
			Description: "Pulls collector messages onto the shared mailbox",
			System:      true,
			Hosting:     plugin.HostInProcess,
			Entry:       receiveEntry(opts),
		},
		plugin.Descriptor{
			Name:        SystemStatus,
			Version:     opts.Version,
			Description: "Reports memory, disk, load and uptime of the node",
			Hosting:     plugin.HostInProcess,
			Entry:       StatusEntry(opts.StatusInterval, opts.StatusDiskPath),
		},
		plugin.Descriptor{
			Name:        ExampleSensor,
			Version:     opts.Version,
			Description: "Publishes the CPU temperature, or a random number without a sensor",
			Listens:     true,
			Entry:       SensorEntry(opts.SensorInterval),
		},
	)
}

func routerEntry(opts Options) plugin.Entry {
	return func(ctx context.Context, env *plugin.Env) error {
		if env.Directory == nil {
			return errors.New("system_router needs the listener directory")
		}
		r, err := router.New(opts.Router, env.Mailbox, env.Directory, opts.Events, env.Logger)
		if err != nil {
			return err
		}
		return r.Run(ctx)
	}
}

func sendEntry(opts Options) plugin.Entry {
	return func(ctx context.Context, env *plugin.Env) error {
		deps := opts.Gateway
		deps.Events = opts.Events
		deps.Logger = env.Logger
		s, err := gateway.NewSender(opts.Sender, env.Mailbox, deps)
		if err != nil {
			return err
		}
		return s.Run(ctx)
	}
}

func receiveEntry(opts Options) plugin.Entry {
	return func(ctx context.Context, env *plugin.Env) error {
		deps := opts.Gateway
		deps.Events = opts.Events
		deps.Logger = env.Logger
		r, err := gateway.NewReceiver(opts.Receiver, env.Mailbox, deps)
		if err != nil {
			return err
		}
		return r.Run(ctx)
	}
}
