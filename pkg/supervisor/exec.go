package supervisor

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"

	"go.uber.org/zap"

	"github.com/waggle/pluginmanager/pkg/plugin"
)

// ExecSpawner runs each worker as a child process: Path Args... --plugin <name>.
// The child reaches the state store and mailboxes by name through the shared
// backend described by Env.
type ExecSpawner struct {
	Path   string
	Args   []string
	Env    []string
	Stdout io.Writer
	Stderr io.Writer
	Logger *zap.Logger
}

type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
}

// Spawn implements Spawner.
func (s ExecSpawner) Spawn(_ context.Context, desc plugin.Descriptor, _ *plugin.Env) (Process, error) {
	logger := s.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	args := append(append([]string{}, s.Args...), "--plugin", desc.Name)
	// Not CommandContext: the worker's lifetime is governed by signals, not by the caller.
	cmd := exec.Command(s.Path, args...)
	cmd.Env = append(os.Environ(), s.Env...)
	cmd.Stdout = s.Stdout
	cmd.Stderr = s.Stderr
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start worker process: %w", err)
	}

	p := &execProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		defer close(p.done)
		err := cmd.Wait()
		logger.Info("Worker process exited",
			zap.String("plugin", desc.Name),
			zap.Int("pid", cmd.Process.Pid),
			zap.Int("exit_code", cmd.ProcessState.ExitCode()),
			zap.Error(err),
		)
	}()
	return p, nil
}

func (p *execProcess) PID() int { return p.cmd.Process.Pid }

func (p *execProcess) Signal(sig os.Signal) error {
	if !alive(p) {
		return nil
	}
	if err := p.cmd.Process.Signal(sig); err != nil && err != os.ErrProcessDone {
		return err
	}
	return nil
}

func (p *execProcess) Done() <-chan struct{} { return p.done }
