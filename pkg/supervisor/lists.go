package supervisor

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// NameList is a newline-delimited list of plugin names backed by a file.
// A missing file is an empty list; an empty path keeps the list in memory.
type NameList struct {
	path string

	mu    sync.RWMutex
	names []string
}

// LoadNameList reads path.
func LoadNameList(path string) (*NameList, error) {
	l := &NameList{path: path}
	if path == "" {
		return l, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return l, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		name := strings.TrimSpace(scanner.Text())
		if name == "" || strings.HasPrefix(name, "#") || l.index(name) >= 0 {
			continue
		}
		l.names = append(l.names, name)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return l, nil
}

// NewNameList creates an in-memory list.
func NewNameList(names ...string) *NameList {
	l := &NameList{}
	for _, n := range names {
		if l.index(n) < 0 {
			l.names = append(l.names, n)
		}
	}
	return l
}

// Path returns the backing file, if any.
func (l *NameList) Path() string { return l.path }

// Contains reports whether name is listed.
func (l *NameList) Contains(name string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.index(name) >= 0
}

// Names returns the list in file order.
func (l *NameList) Names() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]string(nil), l.names...)
}

// Add puts name at the front of the list and rewrites the file.
// Adding a name already present is a no-op.
func (l *NameList) Add(name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.index(name) >= 0 {
		return nil
	}
	next := append([]string{name}, l.names...)
	if err := l.write(next); err != nil {
		return err
	}
	l.names = next
	return nil
}

// Remove drops name and rewrites the file. It reports whether name was listed.
func (l *NameList) Remove(name string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	i := l.index(name)
	if i < 0 {
		return false, nil
	}
	next := append(append([]string{}, l.names[:i]...), l.names[i+1:]...)
	if err := l.write(next); err != nil {
		return false, err
	}
	l.names = next
	return true, nil
}

func (l *NameList) index(name string) int {
	for i, n := range l.names {
		if n == name {
			return i
		}
	}
	return -1
}

func (l *NameList) write(names []string) error {
	if l.path == "" {
		return nil
	}
	var buf bytes.Buffer
	for _, n := range names {
		buf.WriteString(n)
		buf.WriteByte('\n')
	}
	tmp := l.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", l.path, err)
	}
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, l.path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", l.path, err)
	}
	return nil
}
