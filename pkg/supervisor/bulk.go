package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/waggle/pluginmanager/pkg/observability"
	"github.com/waggle/pluginmanager/pkg/statestore"
)

// BulkResult aggregates a bulk operation. Individual failures never stop it.
type BulkResult struct {
	Op     string
	Total  int
	Failed int
	Errors map[string]error
}

// OK reports whether every individual operation succeeded.
func (r BulkResult) OK() bool { return r.Failed == 0 }

// Err summarises the failures, or returns nil.
func (r BulkResult) Err() error {
	if r.OK() {
		return nil
	}
	return fmt.Errorf("%s: %d of %d operations failed", r.Op, r.Failed, r.Total)
}

// Failures returns the failed plugin names, sorted.
func (r BulkResult) Failures() []string {
	names := make([]string, 0, len(r.Errors))
	for name := range r.Errors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// StartAll starts every user plugin that is not blacklisted.
func (s *Supervisor) StartAll(ctx context.Context) BulkResult {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	var names []string
	for _, name := range s.deps.Catalog.User() {
		if !s.cfg.Blacklist.Contains(name) {
			names = append(names, name)
		}
	}
	return s.bulk(ctx, "startall", OpStart, names, func(ctx context.Context, name string) error {
		_, err := s.start(ctx, name)
		return err
	})
}

// StartWhitelist starts every whitelisted plugin that is not blacklisted.
func (s *Supervisor) StartWhitelist(ctx context.Context) BulkResult {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	var names []string
	for _, name := range s.cfg.Whitelist.Names() {
		if !s.cfg.Blacklist.Contains(name) {
			names = append(names, name)
		}
	}
	return s.bulk(ctx, "startwhitelist", OpStart, names, func(ctx context.Context, name string) error {
		_, err := s.start(ctx, name)
		return err
	})
}

// StopAll stops every active user plugin.
func (s *Supervisor) StopAll(ctx context.Context) BulkResult {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.bulk(ctx, "stopall", OpStop, s.activeUser(), s.stop)
}

// KillAll kills every active user plugin.
func (s *Supervisor) KillAll(ctx context.Context) BulkResult {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.bulk(ctx, "killall", OpKill, s.activeUser(), s.kill)
}

// PauseAll pauses every active user plugin.
func (s *Supervisor) PauseAll(ctx context.Context) BulkResult {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.bulk(ctx, "pauseall", OpPause, s.activeUser(), s.pause)
}

// UnpauseAll resumes every active user plugin whose signal is paused.
func (s *Supervisor) UnpauseAll(ctx context.Context) BulkResult {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	var names []string
	for _, name := range s.activeUser() {
		sig, ok, err := s.deps.Store.Signal(ctx, name)
		if err != nil || (ok && sig == statestore.SignalPaused) {
			names = append(names, name)
		}
	}
	return s.bulk(ctx, "unpauseall", OpResume, names, s.resume)
}

func (s *Supervisor) bulk(ctx context.Context, bulkOp, op string, names []string, fn func(context.Context, string) error) BulkResult {
	result := BulkResult{Op: bulkOp, Total: len(names), Errors: make(map[string]error)}
	for _, name := range names {
		err := s.observe(ctx, op, name, func(ctx context.Context) error {
			return fn(ctx, name)
		})
		if err != nil {
			result.Failed++
			result.Errors[name] = err
		}
	}

	if result.Failed > 0 {
		observability.SupervisorBulkFailuresTotal.WithLabelValues(bulkOp).Add(float64(result.Failed))
		s.logger.Warn("Bulk operation finished with failures",
			zap.String("op", bulkOp),
			zap.Int("total", result.Total),
			zap.Int("failed", result.Failed),
			zap.Strings("plugins", result.Failures()),
		)
	} else {
		s.logger.Info("Bulk operation finished",
			zap.String("op", bulkOp),
			zap.Int("total", result.Total),
		)
	}
	return result
}

// activeUser returns the names of user plugins with a job, sorted.
func (s *Supervisor) activeUser() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.jobs))
	for name, job := range s.jobs {
		if !job.desc.System {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// List kinds accepted by AddToList and RemoveFromList.
const (
	ListBlack = "blacklist"
	ListWhite = "whitelist"
)

// AddToList adds name to the blacklist or whitelist. A name may not be on both.
func (s *Supervisor) AddToList(ctx context.Context, list, name string) error {
	target, other, err := s.lists(list)
	if err != nil {
		return err
	}
	if _, ok := s.deps.Catalog.Lookup(name); !ok {
		return &OpError{Op: list + " add", Plugin: name, Err: ErrNotFound}
	}
	if other.Contains(name) {
		return &OpError{Op: list + " add", Plugin: name, Err: ErrListConflict}
	}
	if err := target.Add(name); err != nil {
		return &OpError{Op: list + " add", Plugin: name, Err: err}
	}
	s.recordEvent(ctx, observability.NewPluginEvent(observability.EventListChanged, name, "added to "+list, 0, nil))
	return nil
}

// RemoveFromList removes name from the blacklist or whitelist.
func (s *Supervisor) RemoveFromList(ctx context.Context, list, name string) error {
	target, _, err := s.lists(list)
	if err != nil {
		return err
	}
	removed, err := target.Remove(name)
	if err != nil {
		return &OpError{Op: list + " rm", Plugin: name, Err: err}
	}
	if !removed {
		return &OpError{Op: list + " rm", Plugin: name, Err: fmt.Errorf("not on the %s", list)}
	}
	s.recordEvent(ctx, observability.NewPluginEvent(observability.EventListChanged, name, "removed from "+list, 0, nil))
	return nil
}

func (s *Supervisor) lists(list string) (target, other *NameList, err error) {
	switch list {
	case ListBlack:
		return s.cfg.Blacklist, s.cfg.Whitelist, nil
	case ListWhite:
		return s.cfg.Whitelist, s.cfg.Blacklist, nil
	default:
		return nil, nil, errors.New("unknown list " + list)
	}
}
