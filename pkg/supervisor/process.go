package supervisor

import (
	"context"
	"os"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"github.com/waggle/pluginmanager/pkg/plugin"
)

// Process is a running worker as seen by the supervisor.
type Process interface {
	PID() int

	// Signal delivers sig. The supervisor only sends SIGTERM and SIGKILL.
	Signal(sig os.Signal) error

	// Done is closed once the worker has exited.
	Done() <-chan struct{}
}

// Spawner starts workers.
type Spawner interface {
	Spawn(ctx context.Context, desc plugin.Descriptor, env *plugin.Env) (Process, error)
}

func alive(p Process) bool {
	select {
	case <-p.Done():
		return false
	default:
		return true
	}
}

// GoroutineSpawner hosts workers on goroutines of the agent. Terminate and kill
// both cancel the worker's context; its pid is the agent's.
type GoroutineSpawner struct {
	Logger *zap.Logger
}

type goroutineProcess struct {
	pid    int
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

// Spawn implements Spawner.
func (s GoroutineSpawner) Spawn(_ context.Context, desc plugin.Descriptor, env *plugin.Env) (Process, error) {
	logger := s.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	// Workers outlive the request that started them.
	ctx, cancel := context.WithCancel(context.Background())
	p := &goroutineProcess{
		pid:    os.Getpid(),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		defer close(p.done)
		defer cancel()
		err := plugin.Run(ctx, desc, env)
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		if err != nil {
			logger.Warn("Worker exited with error",
				zap.String("plugin", desc.Name),
				zap.Error(err),
			)
			return
		}
		logger.Debug("Worker exited", zap.String("plugin", desc.Name))
	}()
	return p, nil
}

func (p *goroutineProcess) PID() int { return p.pid }

func (p *goroutineProcess) Signal(sig os.Signal) error {
	if sig == syscall.SIGTERM || sig == syscall.SIGKILL || sig == os.Interrupt {
		p.cancel()
	}
	return nil
}

func (p *goroutineProcess) Done() <-chan struct{} { return p.done }

// Err returns the error the worker's entry point returned, once it has exited.
func (p *goroutineProcess) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}
