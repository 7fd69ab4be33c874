package directory

import (
	"github.com/shirou/gopsutil/v3/process"
)

// Prober checks whether a process exists.
type Prober interface {
	Alive(pid int) bool
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(pid int) bool

// Alive implements Prober.
func (f ProberFunc) Alive(pid int) bool { return f(pid) }

// ProcessProber asks the OS through gopsutil. A probe error counts as alive so a
// transient failure never evicts a listener.
type ProcessProber struct{}

// Alive implements Prober.
func (ProcessProber) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	ok, err := process.PidExists(int32(pid))
	if err != nil {
		return true
	}
	return ok
}
