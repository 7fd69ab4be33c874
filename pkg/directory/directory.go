// Package directory implements the listener directory: the table of queues that
// receive a copy of every message the router dispatches.
package directory

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/waggle/pluginmanager/pkg/mailbox"
)

var (
	// ErrDuplicateName is returned when a live entry already uses the name.
	ErrDuplicateName = errors.New("listener already registered")

	// ErrInvalidPID is returned when a bound pid is not a positive integer.
	ErrInvalidPID = errors.New("invalid listener pid")
)

// Entry is one registered listener. PID is zero for entries that are never swept.
type Entry struct {
	Name       string
	Queue      mailbox.Mailbox
	PID        int
	Registered time.Time
}

// Bound reports whether the entry is tied to a process and therefore swept.
func (e Entry) Bound() bool { return e.PID > 0 }

// Directory maps listener names to queues. Additions take effect immediately;
// removals, whether found by Sweep or requested through Unregister, are only
// applied by Commit so the dispatching loop never loses an entry mid-pass.
type Directory struct {
	prober Prober

	mu      sync.RWMutex
	entries map[string]Entry
	pending map[string]struct{}
}

// New creates an empty directory. A nil prober uses ProcessProber.
func New(prober Prober) *Directory {
	if prober == nil {
		prober = ProcessProber{}
	}
	return &Directory{
		prober:  prober,
		entries: make(map[string]Entry),
		pending: make(map[string]struct{}),
	}
}

// Register adds a listener owned by process pid.
func (d *Directory) Register(name string, queue mailbox.Mailbox, pid int) error {
	if pid <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidPID, pid)
	}
	return d.add(name, queue, pid)
}

// RegisterUnbound adds a listener that is not tied to a process.
func (d *Directory) RegisterUnbound(name string, queue mailbox.Mailbox) error {
	return d.add(name, queue, 0)
}

func (d *Directory) add(name string, queue mailbox.Mailbox, pid int) error {
	if name == "" {
		return errors.New("listener name is required")
	}
	if queue == nil {
		return fmt.Errorf("listener %s has no queue", name)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.entries[name]; exists {
		if _, leaving := d.pending[name]; !leaving {
			return fmt.Errorf("%w: %s", ErrDuplicateName, name)
		}
		// A new owner replaces an entry that is already on its way out.
		delete(d.pending, name)
	}
	d.entries[name] = Entry{Name: name, Queue: queue, PID: pid, Registered: time.Now()}
	return nil
}

// Exists reports whether a listener named name is registered and not pending removal.
func (d *Directory) Exists(name string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if _, leaving := d.pending[name]; leaving {
		return false
	}
	_, ok := d.entries[name]
	return ok
}

// LookupPID returns the names of the live entries owned by pid, sorted.
func (d *Directory) LookupPID(pid int) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var names []string
	for name, e := range d.entries {
		if _, leaving := d.pending[name]; leaving {
			continue
		}
		if pid > 0 && e.PID == pid {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Entries returns the entries a dispatch pass should deliver to, sorted by name.
func (d *Directory) Entries() []Entry {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Entry, 0, len(d.entries))
	for name, e := range d.entries {
		if _, leaving := d.pending[name]; leaving {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of entries, including those pending removal.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.entries)
}

// Unregister schedules name for removal at the next Commit.
func (d *Directory) Unregister(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.entries[name]; !ok {
		return false
	}
	d.pending[name] = struct{}{}
	return true
}

// Sweep probes every bound entry and schedules those whose process is gone for
// removal. It returns the names newly scheduled.
func (d *Directory) Sweep() []string {
	d.mu.RLock()
	candidates := make([]Entry, 0, len(d.entries))
	for name, e := range d.entries {
		if _, leaving := d.pending[name]; leaving || !e.Bound() {
			continue
		}
		candidates = append(candidates, e)
	}
	d.mu.RUnlock()

	var dead []string
	for _, e := range candidates {
		if !d.prober.Alive(e.PID) {
			dead = append(dead, e.Name)
		}
	}
	if len(dead) == 0 {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	var marked []string
	for _, name := range dead {
		// Skip names re-registered by another owner while probing.
		if cur, ok := d.entries[name]; ok && cur.Bound() && !d.prober.Alive(cur.PID) {
			d.pending[name] = struct{}{}
			marked = append(marked, name)
		}
	}
	sort.Strings(marked)
	return marked
}

// Commit applies every scheduled removal and returns the removed entries.
func (d *Directory) Commit() []Entry {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.pending) == 0 {
		return nil
	}
	removed := make([]Entry, 0, len(d.pending))
	for name := range d.pending {
		if e, ok := d.entries[name]; ok {
			removed = append(removed, e)
			delete(d.entries, name)
		}
		delete(d.pending, name)
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i].Name < removed[j].Name })
	return removed
}
