package mailbox

import (
	"context"
	"sync"

	"github.com/waggle/pluginmanager/pkg/message"
)

// MemoryMailbox is a channel-backed mailbox. It only crosses goroutines, not processes.
type MemoryMailbox struct {
	name string
	ch   chan *message.Envelope

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewMemoryMailbox creates a mailbox holding at most capacity envelopes.
func NewMemoryMailbox(name string, capacity int) *MemoryMailbox {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &MemoryMailbox{
		name: name,
		ch:   make(chan *message.Envelope, capacity),
		done: make(chan struct{}),
	}
}

// Name implements Mailbox.
func (m *MemoryMailbox) Name() string { return m.name }

// Put implements Mailbox.
func (m *MemoryMailbox) Put(ctx context.Context, env *message.Envelope) error {
	if m.isClosed() {
		return ErrClosed
	}
	select {
	case m.ch <- env:
		return nil
	case <-m.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryPut implements Mailbox.
func (m *MemoryMailbox) TryPut(ctx context.Context, env *message.Envelope) error {
	if m.isClosed() {
		return ErrClosed
	}
	select {
	case m.ch <- env:
		return nil
	default:
		return ErrFull
	}
}

// Get implements Mailbox. Envelopes still queued at Close are drained before
// ErrClosed is reported.
func (m *MemoryMailbox) Get(ctx context.Context) (*message.Envelope, error) {
	select {
	case env := <-m.ch:
		return env, nil
	default:
	}
	select {
	case env := <-m.ch:
		return env, nil
	case <-m.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Len implements Mailbox.
func (m *MemoryMailbox) Len(ctx context.Context) (int, error) {
	return len(m.ch), nil
}

// Close implements Mailbox.
func (m *MemoryMailbox) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.done)
	}
	return nil
}

// MemoryBroker hands out one MemoryMailbox per name.
type MemoryBroker struct {
	capacity int

	mu        sync.Mutex
	mailboxes map[string]*MemoryMailbox
	closed    bool
}

// NewMemoryBroker creates a broker whose mailboxes hold capacity envelopes each.
func NewMemoryBroker(capacity int) *MemoryBroker {
	return &MemoryBroker{
		capacity:  capacity,
		mailboxes: make(map[string]*MemoryMailbox),
	}
}

// Open implements Broker. Opening the same name twice returns the same mailbox.
func (b *MemoryBroker) Open(name string) (Mailbox, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	if mb, ok := b.mailboxes[name]; ok && !mb.isClosed() {
		return mb, nil
	}
	mb := NewMemoryMailbox(name, b.capacity)
	b.mailboxes[name] = mb
	return mb, nil
}

// Close implements Broker.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for name, mb := range b.mailboxes {
		mb.Close()
		delete(b.mailboxes, name)
	}
	return nil
}

func (m *MemoryMailbox) isClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}
