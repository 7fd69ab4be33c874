// Package statestore holds the per-plugin lifecycle signals shared between the
// supervisor and its workers.
//
// Two key spaces are kept apart so each has exactly one writer: the supervisor
// writes the intent signal, a worker writes the acknowledgement of its own state.
package statestore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
)

// Signal is the lifecycle state requested for, or acknowledged by, a plugin.
type Signal int

const (
	SignalPaused  Signal = -1
	SignalStop    Signal = 0
	SignalRunning Signal = 1
)

// ErrInvalidSignal is returned when a stored value is not a known signal.
var ErrInvalidSignal = errors.New("invalid lifecycle signal")

func (s Signal) String() string {
	switch s {
	case SignalPaused:
		return "paused"
	case SignalStop:
		return "stop"
	case SignalRunning:
		return "running"
	default:
		return "signal(" + strconv.Itoa(int(s)) + ")"
	}
}

// Valid reports whether s is one of the three lifecycle signals.
func (s Signal) Valid() bool {
	return s >= SignalPaused && s <= SignalRunning
}

// ParseSignal parses the integer form used on the wire and in Redis.
func ParseSignal(v string) (Signal, error) {
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidSignal, v)
	}
	s := Signal(n)
	if !s.Valid() {
		return 0, fmt.Errorf("%w: %d", ErrInvalidSignal, n)
	}
	return s, nil
}

// Store is the cross-process lifecycle key-value store.
type Store interface {
	// Signal returns the intent signal for name; ok is false if none was written.
	Signal(ctx context.Context, name string) (sig Signal, ok bool, err error)

	// SetSignal records the supervisor's intent for name.
	SetSignal(ctx context.Context, name string, sig Signal) error

	// Ack returns the state the worker last acknowledged.
	Ack(ctx context.Context, name string) (sig Signal, ok bool, err error)

	// SetAck records the worker's own state.
	SetAck(ctx context.Context, name string, sig Signal) error

	// Signals returns every intent signal currently stored.
	Signals(ctx context.Context) (map[string]Signal, error)

	// Delete forgets both keys for name.
	Delete(ctx context.Context, name string) error

	Close() error
}

// MemoryStore is a Store for workers sharing the agent's address space.
type MemoryStore struct {
	mu     sync.RWMutex
	intent map[string]Signal
	ack    map[string]Signal
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		intent: make(map[string]Signal),
		ack:    make(map[string]Signal),
	}
}

// Signal implements Store.
func (m *MemoryStore) Signal(_ context.Context, name string) (Signal, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.intent[name]
	return s, ok, nil
}

// SetSignal implements Store.
func (m *MemoryStore) SetSignal(_ context.Context, name string, sig Signal) error {
	if !sig.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidSignal, sig)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.intent[name] = sig
	return nil
}

// Ack implements Store.
func (m *MemoryStore) Ack(_ context.Context, name string) (Signal, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.ack[name]
	return s, ok, nil
}

// SetAck implements Store.
func (m *MemoryStore) SetAck(_ context.Context, name string, sig Signal) error {
	if !sig.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidSignal, sig)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ack[name] = sig
	return nil
}

// Signals implements Store.
func (m *MemoryStore) Signals(_ context.Context) (map[string]Signal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Signal, len(m.intent))
	for k, v := range m.intent {
		out[k] = v
	}
	return out, nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.intent, name)
	delete(m.ack, name)
	return nil
}

// Close implements Store.
func (m *MemoryStore) Close() error { return nil }
