// Package plugin defines the contract between the supervisor and the workers it
// hosts: the descriptor a plugin is registered under, the environment handed to
// its entry point, and the worker side of the lifecycle signal.
package plugin

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/waggle/pluginmanager/pkg/directory"
	"github.com/waggle/pluginmanager/pkg/mailbox"
	"github.com/waggle/pluginmanager/pkg/statestore"
)

// Well-known mailbox names shared by the agent and worker processes.
const (
	// SharedMailbox carries every worker's output to the router.
	SharedMailbox = "outgoing"

	// UplinkMailbox is the dedicated queue drained by the uplink sender.
	UplinkMailbox = "to_collector"
)

// InboxName returns the inbound mailbox name for a listening plugin.
func InboxName(plugin string) string {
	return "inbox." + plugin
}

// Hosting selects where a worker runs.
type Hosting int

const (
	// HostProcess runs the worker in a child process of the agent.
	HostProcess Hosting = iota
	// HostInProcess runs the worker on a goroutine of the agent.
	HostInProcess
)

func (h Hosting) String() string {
	if h == HostInProcess {
		return "inprocess"
	}
	return "process"
}

// Privilege grants an entry point extra handles beyond the shared mailbox.
type Privilege int

const (
	PrivilegeNone Privilege = iota
	// PrivilegeDirectory hands the entry point the listener directory.
	PrivilegeDirectory
	// PrivilegeDedicatedQueue replaces the shared mailbox with the uplink queue.
	PrivilegeDedicatedQueue
)

func (p Privilege) String() string {
	switch p {
	case PrivilegeDirectory:
		return "directory"
	case PrivilegeDedicatedQueue:
		return "dedicated-queue"
	default:
		return "none"
	}
}

// Entry is a plugin's run loop. It returns when ctx is cancelled, which happens
// once the supervisor writes the stop signal or the hosting process is terminated.
type Entry func(ctx context.Context, env *Env) error

// Env is everything a running worker is given.
type Env struct {
	Name string

	// Store is the lifecycle state store.
	Store statestore.Store

	// Mailbox is the worker's outbound mailbox. For the uplink sender it is the
	// dedicated queue it drains.
	Mailbox mailbox.Mailbox

	// Inbound receives router broadcasts when the descriptor sets Listens.
	Inbound mailbox.Mailbox

	// Directory is set only for PrivilegeDirectory.
	Directory *directory.Directory

	Lifecycle *Lifecycle
	Logger    *zap.Logger
}

// Descriptor registers a plugin under a name.
type Descriptor struct {
	Name        string
	Version     string
	Description string

	// System plugins are listed separately and are not part of bulk operations.
	System bool

	Hosting   Hosting
	Privilege Privilege

	// Listens asks for an inbound mailbox registered in the listener directory.
	Listens bool

	Entry Entry
}

var (
	// ErrMissingEntry means the descriptor has no entry point.
	ErrMissingEntry = errors.New("plugin has no entry point")

	// ErrPrivilegedOutOfProcess means a privileged plugin was declared process-hosted.
	ErrPrivilegedOutOfProcess = errors.New("privileged plugin must be hosted in-process")
)

// Check validates that the descriptor can be started.
func (d Descriptor) Check() error {
	if d.Entry == nil {
		return fmt.Errorf("%w: %s", ErrMissingEntry, d.Name)
	}
	if d.Privilege != PrivilegeNone && d.Hosting != HostInProcess {
		return fmt.Errorf("%w: %s", ErrPrivilegedOutOfProcess, d.Name)
	}
	return nil
}

// Catalog is the compiled-in registry of plugins.
type Catalog struct {
	mu    sync.RWMutex
	descs map[string]Descriptor
}

// NewCatalog creates a catalog holding descs.
func NewCatalog(descs ...Descriptor) (*Catalog, error) {
	c := &Catalog{descs: make(map[string]Descriptor)}
	for _, d := range descs {
		if err := c.Register(d); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Register adds d. Names are unique.
func (c *Catalog) Register(d Descriptor) error {
	if d.Name == "" {
		return errors.New("plugin name is required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.descs[d.Name]; exists {
		return fmt.Errorf("plugin %s registered twice", d.Name)
	}
	c.descs[d.Name] = d
	return nil
}

// Lookup returns the descriptor for name.
func (c *Catalog) Lookup(name string) (Descriptor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.descs[name]
	return d, ok
}

// Names returns every plugin name, sorted.
func (c *Catalog) Names() []string {
	return c.filter(func(Descriptor) bool { return true })
}

// System returns the system plugin names, sorted.
func (c *Catalog) System() []string {
	return c.filter(func(d Descriptor) bool { return d.System })
}

// User returns the non-system plugin names, sorted.
func (c *Catalog) User() []string {
	return c.filter(func(d Descriptor) bool { return !d.System })
}

func (c *Catalog) filter(keep func(Descriptor) bool) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.descs))
	for name, d := range c.descs {
		if keep(d) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
