package supervisor

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound means the name is not in the plugin catalog.
	ErrNotFound = errors.New("plugin not found")

	// ErrInvalidPlugin means the plugin cannot be started as declared.
	ErrInvalidPlugin = errors.New("invalid plugin")

	// ErrAlreadyRunning means a live job already exists for the plugin.
	ErrAlreadyRunning = errors.New("plugin is already running")

	// ErrNotActive means no job exists for the plugin.
	ErrNotActive = errors.New("plugin is not active")

	// ErrNotPaused means resume was requested while the signal is not paused.
	ErrNotPaused = errors.New("plugin is not paused")

	// ErrStopTimeout means the process was still alive after the stop grace period.
	ErrStopTimeout = errors.New("plugin did not stop within the grace period")

	// ErrKillTimeout means the process survived both terminate and kill.
	ErrKillTimeout = errors.New("plugin could not be killed")

	// ErrRestartFailed means the stop or kill step of a restart failed.
	ErrRestartFailed = errors.New("plugin restart failed")

	// ErrBlacklisted means the plugin is on the blacklist.
	ErrBlacklisted = errors.New("plugin is blacklisted")

	// ErrListConflict means a name would be on both the blacklist and the whitelist.
	ErrListConflict = errors.New("plugin cannot be on both blacklist and whitelist")
)

// OpError records the supervisor operation and plugin that failed.
type OpError struct {
	Op     string // start, stop, kill, pause, resume, restart
	Plugin string
	Err    error
}

// Error implements the error interface
func (e *OpError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Plugin, e.Err)
}

// Unwrap returns the underlying error
func (e *OpError) Unwrap() error { return e.Err }

// IsNotActive reports whether err means the plugin had no job.
func IsNotActive(err error) bool {
	return errors.Is(err, ErrNotActive)
}

// IsTimeout reports whether err is a stop or kill escalation failure.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrStopTimeout) || errors.Is(err, ErrKillTimeout)
}

// ErrorKind maps err to a short label for metrics and operator output.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrRestartFailed):
		return "restart_failed"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidPlugin):
		return "invalid_plugin"
	case errors.Is(err, ErrAlreadyRunning):
		return "already_running"
	case errors.Is(err, ErrNotActive):
		return "not_active"
	case errors.Is(err, ErrNotPaused):
		return "not_paused"
	case errors.Is(err, ErrStopTimeout):
		return "stop_timeout"
	case errors.Is(err, ErrKillTimeout):
		return "kill_timeout"
	case errors.Is(err, ErrBlacklisted):
		return "blacklisted"
	case errors.Is(err, ErrListConflict):
		return "list_conflict"
	default:
		return "error"
	}
}
