// Package supervisor starts, stops, pauses, kills and restarts plugin workers
// and tracks which of them are alive.
//
// Every operation that changes a job is serialized; reads (List, PID, Info) only
// take the job table lock and never wait behind a stop or kill grace period.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/waggle/pluginmanager/pkg/directory"
	"github.com/waggle/pluginmanager/pkg/mailbox"
	"github.com/waggle/pluginmanager/pkg/observability"
	"github.com/waggle/pluginmanager/pkg/plugin"
	"github.com/waggle/pluginmanager/pkg/statestore"
)

const tracerName = "github.com/waggle/pluginmanager/pkg/supervisor"

// Operation names used in errors, metrics and spans.
const (
	OpStart   = "start"
	OpStop    = "stop"
	OpKill    = "kill"
	OpPause   = "pause"
	OpResume  = "resume"
	OpRestart = "restart"
)

// Config holds the supervisor's grace periods and plugin lists.
type Config struct {
	// StopGrace bounds how long stop waits for a worker to exit on its own.
	StopGrace time.Duration

	// KillGrace bounds each of the terminate and force-kill waits.
	KillGrace time.Duration

	// InProcess hosts every worker on a goroutine regardless of its descriptor.
	InProcess bool

	Blacklist *NameList
	Whitelist *NameList
}

// Validate fills defaults.
func (c *Config) Validate() error {
	if c.StopGrace <= 0 {
		c.StopGrace = 10 * time.Second
	}
	if c.KillGrace <= 0 {
		c.KillGrace = 5 * time.Second
	}
	if c.Blacklist == nil {
		c.Blacklist = NewNameList()
	}
	if c.Whitelist == nil {
		c.Whitelist = NewNameList()
	}
	return nil
}

// Deps are the collaborators a Supervisor hands to the workers it starts.
type Deps struct {
	Catalog   *plugin.Catalog
	Store     statestore.Store
	Broker    mailbox.Broker
	Directory *directory.Directory

	// InProcess hosts in-process workers; defaults to a GoroutineSpawner.
	InProcess Spawner

	// Exec hosts process workers; when nil they are hosted in-process.
	Exec Spawner

	Events *observability.EventStream
	Logger *zap.Logger
}

// Job is one supervised worker.
type Job struct {
	Name    string
	PID     int
	Started time.Time

	desc  plugin.Descriptor
	proc  Process
	inbox mailbox.Mailbox
}

// Alive reports whether the worker has not exited.
func (j *Job) Alive() bool { return alive(j.proc) }

// Supervisor owns the job table.
type Supervisor struct {
	cfg  Config
	deps Deps

	logger *zap.Logger

	// opMu serializes mutating operations.
	opMu sync.Mutex

	mu   sync.RWMutex
	jobs map[string]*Job
}

// New creates a Supervisor.
func New(cfg Config, deps Deps) (*Supervisor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Catalog == nil {
		return nil, errors.New("plugin catalog is required")
	}
	if deps.Store == nil {
		return nil, errors.New("state store is required")
	}
	if deps.Broker == nil {
		return nil, errors.New("mailbox broker is required")
	}
	if deps.Directory == nil {
		return nil, errors.New("listener directory is required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.InProcess == nil {
		deps.InProcess = GoroutineSpawner{Logger: deps.Logger}
	}

	return &Supervisor{
		cfg:    cfg,
		deps:   deps,
		logger: observability.ComponentLogger(deps.Logger, "supervisor"),
		jobs:   make(map[string]*Job),
	}, nil
}

// Catalog returns the plugin catalog.
func (s *Supervisor) Catalog() *plugin.Catalog { return s.deps.Catalog }

// Blacklist returns the blacklist.
func (s *Supervisor) Blacklist() *NameList { return s.cfg.Blacklist }

// Whitelist returns the whitelist.
func (s *Supervisor) Whitelist() *NameList { return s.cfg.Whitelist }

// Start spawns the named plugin and returns its pid.
func (s *Supervisor) Start(ctx context.Context, name string) (int, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	var pid int
	err := s.observe(ctx, OpStart, name, func(ctx context.Context) error {
		var err error
		pid, err = s.start(ctx, name)
		return err
	})
	return pid, err
}

// Stop asks the plugin to exit and waits for it up to the stop grace period.
func (s *Supervisor) Stop(ctx context.Context, name string) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.observe(ctx, OpStop, name, func(ctx context.Context) error {
		return s.stop(ctx, name)
	})
}

// Kill terminates the plugin, escalating to a forced kill if it does not exit.
func (s *Supervisor) Kill(ctx context.Context, name string) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.observe(ctx, OpKill, name, func(ctx context.Context) error {
		return s.kill(ctx, name)
	})
}

// Pause asks the plugin to pause.
func (s *Supervisor) Pause(ctx context.Context, name string) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.observe(ctx, OpPause, name, func(ctx context.Context) error {
		return s.pause(ctx, name)
	})
}

// Resume asks a paused plugin to continue.
func (s *Supervisor) Resume(ctx context.Context, name string) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.observe(ctx, OpResume, name, func(ctx context.Context) error {
		return s.resume(ctx, name)
	})
}

// Restart stops (or kills, when force is set) the plugin if it is running and
// starts it again. The start is skipped when the stop or kill step fails.
func (s *Supervisor) Restart(ctx context.Context, name string, force bool) (int, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	var pid int
	err := s.observe(ctx, OpRestart, name, func(ctx context.Context) error {
		if _, ok := s.job(name); ok {
			var err error
			if force {
				err = s.kill(ctx, name)
			} else {
				err = s.stop(ctx, name)
			}
			if err != nil && !errors.Is(err, ErrNotActive) {
				return fmt.Errorf("%w: %w", ErrRestartFailed, err)
			}
		}
		var err error
		pid, err = s.start(ctx, name)
		return err
	})
	return pid, err
}

func (s *Supervisor) start(ctx context.Context, name string) (int, error) {
	desc, ok := s.deps.Catalog.Lookup(name)
	if !ok {
		return 0, ErrNotFound
	}
	if err := desc.Check(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidPlugin, err)
	}
	if s.cfg.Blacklist.Contains(name) {
		return 0, ErrBlacklisted
	}
	if job, ok := s.job(name); ok {
		if job.Alive() {
			return 0, ErrAlreadyRunning
		}
		s.forget(job)
	}

	if err := s.deps.Store.SetSignal(ctx, name, statestore.SignalRunning); err != nil {
		return 0, fmt.Errorf("failed to write lifecycle signal: %w", err)
	}

	env, inbox, err := s.environment(desc)
	if err != nil {
		return 0, err
	}

	proc, err := s.spawner(desc).Spawn(ctx, desc, env)
	if err != nil {
		return 0, fmt.Errorf("failed to spawn %s: %w", name, err)
	}

	job := &Job{
		Name:    name,
		PID:     proc.PID(),
		Started: time.Now(),
		desc:    desc,
		proc:    proc,
		inbox:   inbox,
	}

	if inbox != nil {
		if err := s.deps.Directory.Register(name, inbox, job.PID); err != nil {
			s.logger.Warn("Failed to register listener",
				zap.String("plugin", name),
				zap.Int("pid", job.PID),
				zap.Error(err),
			)
		} else {
			s.recordEvent(ctx, observability.NewListenerEvent(observability.EventListenerRegistered, name, job.PID, "registered"))
		}
	}

	s.mu.Lock()
	s.jobs[name] = job
	observability.SupervisorActiveJobs.Set(float64(len(s.jobs)))
	s.mu.Unlock()

	s.logger.Info("Plugin started",
		zap.String("plugin", name),
		zap.Int("pid", job.PID),
		zap.String("hosting", s.hosting(desc).String()),
	)
	return job.PID, nil
}

// environment opens the handles a worker is given and returns the queue to
// register in the directory, if any: the inbox of a listening plugin, or the
// dedicated queue the uplink drains. Brokers hand out one handle per name, so
// handles are shared and never closed here. Process-hosted workers open their
// own handles by name.
func (s *Supervisor) environment(desc plugin.Descriptor) (*plugin.Env, mailbox.Mailbox, error) {
	env := &plugin.Env{
		Name:   desc.Name,
		Store:  s.deps.Store,
		Logger: s.deps.Logger.With(zap.String("plugin", desc.Name)),
	}

	outName := plugin.SharedMailbox
	if desc.Privilege == plugin.PrivilegeDedicatedQueue {
		outName = plugin.UplinkMailbox
	}
	out, err := s.deps.Broker.Open(outName)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open mailbox %s: %w", outName, err)
	}
	env.Mailbox = out

	if desc.Privilege == plugin.PrivilegeDirectory {
		env.Directory = s.deps.Directory
	}

	var inbox mailbox.Mailbox
	if desc.Privilege == plugin.PrivilegeDedicatedQueue {
		inbox = out
	} else if desc.Listens {
		inbox, err = s.deps.Broker.Open(plugin.InboxName(desc.Name))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open inbox for %s: %w", desc.Name, err)
		}
		env.Inbound = inbox
	}
	return env, inbox, nil
}

func (s *Supervisor) hosting(desc plugin.Descriptor) plugin.Hosting {
	if s.cfg.InProcess || s.deps.Exec == nil {
		return plugin.HostInProcess
	}
	return desc.Hosting
}

func (s *Supervisor) spawner(desc plugin.Descriptor) Spawner {
	if s.hosting(desc) == plugin.HostInProcess {
		return s.deps.InProcess
	}
	return s.deps.Exec
}

func (s *Supervisor) stop(ctx context.Context, name string) error {
	job, ok := s.job(name)
	if !ok {
		return ErrNotActive
	}
	if err := s.deps.Store.SetSignal(ctx, name, statestore.SignalStop); err != nil {
		return fmt.Errorf("failed to write lifecycle signal: %w", err)
	}

	if !s.wait(ctx, job, s.cfg.StopGrace) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrStopTimeout
	}
	s.forget(job)
	s.logger.Info("Plugin stopped", zap.String("plugin", name), zap.Int("pid", job.PID))
	return nil
}

func (s *Supervisor) kill(ctx context.Context, name string) error {
	defer s.prune(ctx)

	job, ok := s.job(name)
	if !ok {
		return ErrNotActive
	}
	// Keep the intent consistent with what is about to happen to the worker.
	if err := s.deps.Store.SetSignal(ctx, name, statestore.SignalStop); err != nil {
		s.logger.Warn("Failed to write lifecycle signal", zap.String("plugin", name), zap.Error(err))
	}

	if err := job.proc.Signal(syscall.SIGTERM); err != nil {
		s.logger.Warn("Failed to terminate plugin", zap.String("plugin", name), zap.Error(err))
	}
	if s.wait(ctx, job, s.cfg.KillGrace) {
		s.logger.Info("Plugin terminated", zap.String("plugin", name), zap.Int("pid", job.PID))
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	s.logger.Warn("Plugin ignored terminate, sending kill",
		zap.String("plugin", name),
		zap.Int("pid", job.PID),
	)
	observability.SupervisorEscalationsTotal.Inc()
	if err := job.proc.Signal(syscall.SIGKILL); err != nil {
		s.logger.Warn("Failed to kill plugin", zap.String("plugin", name), zap.Error(err))
	}
	if s.wait(ctx, job, s.cfg.KillGrace) {
		s.logger.Info("Plugin killed", zap.String("plugin", name), zap.Int("pid", job.PID))
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return ErrKillTimeout
}

func (s *Supervisor) pause(ctx context.Context, name string) error {
	if _, ok := s.job(name); !ok {
		return ErrNotActive
	}
	return s.deps.Store.SetSignal(ctx, name, statestore.SignalPaused)
}

func (s *Supervisor) resume(ctx context.Context, name string) error {
	if _, ok := s.job(name); !ok {
		return ErrNotActive
	}
	sig, ok, err := s.deps.Store.Signal(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to read lifecycle signal: %w", err)
	}
	if !ok || sig != statestore.SignalPaused {
		return ErrNotPaused
	}
	return s.deps.Store.SetSignal(ctx, name, statestore.SignalRunning)
}

// wait blocks until the job exits, the grace period elapses or ctx is done.
func (s *Supervisor) wait(ctx context.Context, job *Job, grace time.Duration) bool {
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-job.proc.Done():
		return true
	case <-timer.C:
		return !job.Alive()
	case <-ctx.Done():
		return !job.Alive()
	}
}

func (s *Supervisor) job(name string) (*Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[name]
	return j, ok
}

// forget drops a job and schedules its listener for removal.
func (s *Supervisor) forget(job *Job) {
	s.mu.Lock()
	if cur, ok := s.jobs[job.Name]; ok && cur == job {
		delete(s.jobs, job.Name)
	}
	observability.SupervisorActiveJobs.Set(float64(len(s.jobs)))
	s.mu.Unlock()

	if job.inbox != nil {
		s.deps.Directory.Unregister(job.Name)
	}
}

// prune forgets every job whose worker has exited.
func (s *Supervisor) prune(ctx context.Context) {
	s.mu.RLock()
	var dead []*Job
	for _, j := range s.jobs {
		if !j.Alive() {
			dead = append(dead, j)
		}
	}
	s.mu.RUnlock()

	for _, j := range dead {
		s.forget(j)
		s.recordEvent(ctx, observability.NewPluginEvent(observability.EventPluginExited, j.Name, "exited", j.PID, nil))
	}
}

// Shutdown stops every job, user plugins first, killing those that do not stop.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.RLock()
	jobs := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	s.mu.RUnlock()
	sort.Slice(jobs, func(i, k int) bool {
		if jobs[i].desc.System != jobs[k].desc.System {
			return !jobs[i].desc.System
		}
		return jobs[i].Name < jobs[k].Name
	})

	for _, j := range jobs {
		if err := s.stop(ctx, j.Name); err != nil && !errors.Is(err, ErrNotActive) {
			s.logger.Warn("Plugin did not stop during shutdown, killing",
				zap.String("plugin", j.Name),
				zap.Error(err),
			)
			if err := s.kill(ctx, j.Name); err != nil && !errors.Is(err, ErrNotActive) {
				s.logger.Error("Failed to kill plugin during shutdown",
					zap.String("plugin", j.Name),
					zap.Error(err),
				)
			}
		}
	}
}

var opEvents = map[string]observability.EventType{
	OpStart:   observability.EventPluginStarted,
	OpStop:    observability.EventPluginStopped,
	OpKill:    observability.EventPluginKilled,
	OpPause:   observability.EventPluginPaused,
	OpResume:  observability.EventPluginResumed,
	OpRestart: observability.EventPluginRestart,
}

// observe wraps an operation with a span, metrics, an audit event and OpError.
func (s *Supervisor) observe(ctx context.Context, op, name string, fn func(ctx context.Context) error) error {
	start := time.Now()
	ctx = observability.WithPlugin(ctx, name)
	ctx, span := observability.StartSpan(ctx, tracerName, "supervisor."+op,
		trace.WithAttributes(attribute.String("plugin", name)),
	)
	err := fn(ctx)
	observability.EndSpan(span, err)

	observability.SupervisorOperationDurationSeconds.WithLabelValues(op).Observe(time.Since(start).Seconds())
	observability.SupervisorOperationsTotal.WithLabelValues(op, ErrorKind(err)).Inc()

	pid := 0
	if job, ok := s.job(name); ok {
		pid = job.PID
	}
	s.recordEvent(ctx, observability.NewPluginEvent(opEvents[op], name, op, pid, err))

	if err != nil {
		observability.ContextLogger(ctx, s.logger).Debug("Supervisor operation failed",
			zap.String("op", op),
			zap.Error(err),
		)
		return &OpError{Op: op, Plugin: name, Err: err}
	}
	return nil
}

func (s *Supervisor) recordEvent(ctx context.Context, event observability.Event) {
	if s.deps.Events != nil {
		s.deps.Events.RecordEvent(ctx, event)
	}
}
