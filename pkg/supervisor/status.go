package supervisor

import (
	"context"
	"errors"
	"fmt"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/waggle/pluginmanager/pkg/plugin"
	"github.com/waggle/pluginmanager/pkg/statestore"
)

// Status describes one catalog entry for operators.
type Status struct {
	Name        string
	System      bool
	PID         int
	Active      bool
	Signal      statestore.Signal
	HasSignal   bool
	Whitelisted bool
	Blacklisted bool
	// Hosting is where the plugin runs when started. In-process jobs report
	// the agent's own pid.
	Hosting plugin.Hosting
}

// List reports every plugin in the catalog. A job whose worker has exited is
// shown with its last pid and Active false until an operation prunes it.
func (s *Supervisor) List(ctx context.Context) ([]Status, error) {
	signals, err := s.deps.Store.Signals(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read lifecycle signals: %w", err)
	}

	names := s.deps.Catalog.Names()
	out := make([]Status, 0, len(names))
	for _, name := range names {
		desc, _ := s.deps.Catalog.Lookup(name)
		st := Status{
			Name:        name,
			System:      desc.System,
			Whitelisted: s.cfg.Whitelist.Contains(name),
			Blacklisted: s.cfg.Blacklist.Contains(name),
			Hosting:     s.hosting(desc),
		}
		st.Signal, st.HasSignal = signals[name]
		if job, ok := s.job(name); ok {
			st.PID = job.PID
			st.Active = job.Alive()
		}
		out = append(out, st)
	}
	return out, nil
}

// PID returns the pid of the plugin's job.
func (s *Supervisor) PID(name string) (int, error) {
	if _, ok := s.deps.Catalog.Lookup(name); !ok {
		return 0, &OpError{Op: "get_pid", Plugin: name, Err: ErrNotFound}
	}
	job, ok := s.job(name)
	if !ok {
		return 0, &OpError{Op: "get_pid", Plugin: name, Err: ErrNotActive}
	}
	return job.PID, nil
}

// ProcessInfo is resource usage of a plugin's process.
type ProcessInfo struct {
	Name          string
	PID           int
	Alive         bool
	MemoryPercent float32
	CPUPercent    float64
	RSSBytes      uint64
	NumThreads    int32
}

// Info samples the plugin's process through gopsutil. In-process workers report
// the agent's own process.
func (s *Supervisor) Info(ctx context.Context, name string) (ProcessInfo, error) {
	pid, err := s.PID(name)
	if err != nil {
		var opErr *OpError
		if errors.As(err, &opErr) {
			opErr.Op = "info"
		}
		return ProcessInfo{}, err
	}
	job, _ := s.job(name)
	info := ProcessInfo{Name: name, PID: pid, Alive: job.Alive()}
	if !info.Alive {
		return info, nil
	}

	proc, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return info, &OpError{Op: "info", Plugin: name, Err: err}
	}
	if v, err := proc.MemoryPercentWithContext(ctx); err == nil {
		info.MemoryPercent = v
	}
	if v, err := proc.CPUPercentWithContext(ctx); err == nil {
		info.CPUPercent = v
	}
	if mem, err := proc.MemoryInfoWithContext(ctx); err == nil && mem != nil {
		info.RSSBytes = mem.RSS
	}
	if n, err := proc.NumThreadsWithContext(ctx); err == nil {
		info.NumThreads = n
	}
	return info, nil
}
