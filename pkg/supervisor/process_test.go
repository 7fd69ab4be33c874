package supervisor

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/waggle/pluginmanager/pkg/plugin"
	"github.com/waggle/pluginmanager/pkg/statestore"
)

func waitDone(t *testing.T, p Process, within time.Duration) {
	t.Helper()
	select {
	case <-p.Done():
	case <-time.After(within):
		t.Fatalf("process %d still running after %s", p.PID(), within)
	}
}

func TestGoroutineSpawner_StopsOnSignalAndAcks(t *testing.T) {
	store := statestore.NewMemoryStore()
	ctx := context.Background()
	env := &plugin.Env{
		Name:      "worker",
		Store:     store,
		Lifecycle: plugin.NewLifecycle("worker", store, nil, 10*time.Millisecond),
	}
	desc := plugin.Descriptor{Name: "worker", Entry: idle}

	p, err := GoroutineSpawner{Logger: zaptest.NewLogger(t)}.Spawn(ctx, desc, env)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), p.PID())
	assert.True(t, alive(p))

	require.Eventually(t, func() bool {
		sig, ok, _ := store.Ack(ctx, "worker")
		return ok && sig == statestore.SignalRunning
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, store.SetSignal(ctx, "worker", statestore.SignalStop))
	waitDone(t, p, time.Second)

	ack, ok, err := store.Ack(ctx, "worker")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, statestore.SignalStop, ack)
	assert.NoError(t, p.(*goroutineProcess).Err())
}

func TestGoroutineSpawner_TerminateCancels(t *testing.T) {
	store := statestore.NewMemoryStore()
	env := &plugin.Env{Name: "worker", Store: store}
	desc := plugin.Descriptor{Name: "worker", Entry: idle}

	p, err := GoroutineSpawner{}.Spawn(context.Background(), desc, env)
	require.NoError(t, err)

	require.NoError(t, p.Signal(syscall.SIGTERM))
	waitDone(t, p, time.Second)
	assert.False(t, alive(p))
}

func TestGoroutineSpawner_RecordsEntryError(t *testing.T) {
	store := statestore.NewMemoryStore()
	env := &plugin.Env{Name: "worker", Store: store}
	boom := errors.New("sensor unplugged")
	desc := plugin.Descriptor{Name: "worker", Entry: func(context.Context, *plugin.Env) error { return boom }}

	p, err := GoroutineSpawner{}.Spawn(context.Background(), desc, env)
	require.NoError(t, err)
	waitDone(t, p, time.Second)
	assert.ErrorIs(t, p.(*goroutineProcess).Err(), boom)
}

func shell(t *testing.T) string {
	t.Helper()
	path, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	return path
}

func TestExecSpawner_TerminateChild(t *testing.T) {
	s := ExecSpawner{
		Path:   shell(t),
		Args:   []string{"-c", "exec sleep 30"},
		Logger: zaptest.NewLogger(t),
	}
	p, err := s.Spawn(context.Background(), plugin.Descriptor{Name: "sleeper"}, nil)
	require.NoError(t, err)
	assert.Positive(t, p.PID())
	assert.NotEqual(t, os.Getpid(), p.PID())

	require.NoError(t, p.Signal(syscall.SIGTERM))
	waitDone(t, p, 5*time.Second)

	// Signalling an exited child is not an error.
	assert.NoError(t, p.Signal(syscall.SIGKILL))
}

func TestExecSpawner_KillChildIgnoringTerminate(t *testing.T) {
	s := ExecSpawner{
		Path: shell(t),
		Args: []string{"-c", `trap "" TERM; while :; do sleep 0.05; done`},
	}
	p, err := s.Spawn(context.Background(), plugin.Descriptor{Name: "stubborn"}, nil)
	require.NoError(t, err)

	// Give the shell time to install its trap.
	time.Sleep(200 * time.Millisecond)
	require.NoError(t, p.Signal(syscall.SIGTERM))
	select {
	case <-p.Done():
		t.Fatal("child exited on terminate")
	case <-time.After(200 * time.Millisecond):
	}

	require.NoError(t, p.Signal(syscall.SIGKILL))
	waitDone(t, p, 5*time.Second)
}

func TestExecSpawner_MissingBinary(t *testing.T) {
	s := ExecSpawner{Path: "/nonexistent/plugin-manager"}
	_, err := s.Spawn(context.Background(), plugin.Descriptor{Name: "x"}, nil)
	assert.Error(t, err)
}

func TestSupervisor_ExecHosting(t *testing.T) {
	catalog, err := plugin.NewCatalog(
		plugin.Descriptor{Name: "sleeper", Entry: idle},
		plugin.Descriptor{Name: "inproc", Hosting: plugin.HostInProcess, Entry: idle},
	)
	require.NoError(t, err)
	store := statestore.NewMemoryStore()

	fixture := newFixture(t)
	sup, err := New(Config{StopGrace: 100 * time.Millisecond, KillGrace: 2 * time.Second}, Deps{
		Catalog:   catalog,
		Store:     store,
		Broker:    fixture.sup.deps.Broker,
		Directory: fixture.dir,
		InProcess: fixture.spawner,
		Exec:      ExecSpawner{Path: shell(t), Args: []string{"-c", "exec sleep 30"}},
		Logger:    zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	ctx := context.Background()

	pid, err := sup.Start(ctx, "sleeper")
	require.NoError(t, err)
	assert.NotEqual(t, os.Getpid(), pid)
	assert.Equal(t, 0, fixture.spawner.count("sleeper"))

	_, err = sup.Start(ctx, "inproc")
	require.NoError(t, err)
	assert.Equal(t, 1, fixture.spawner.count("inproc"))

	statuses, err := sup.List(ctx)
	require.NoError(t, err)
	hosting := map[string]plugin.Hosting{}
	for _, st := range statuses {
		hosting[st.Name] = st.Hosting
	}
	assert.Equal(t, plugin.HostProcess, hosting["sleeper"])
	assert.Equal(t, plugin.HostInProcess, hosting["inproc"])

	// sleep ignores the store; stop times out and kill finishes it.
	assert.ErrorIs(t, sup.Stop(ctx, "sleeper"), ErrStopTimeout)
	require.NoError(t, sup.Kill(ctx, "sleeper"))
}
