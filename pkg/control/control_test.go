package control

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/waggle/pluginmanager/pkg/directory"
	"github.com/waggle/pluginmanager/pkg/mailbox"
	"github.com/waggle/pluginmanager/pkg/observability"
	"github.com/waggle/pluginmanager/pkg/plugin"
	"github.com/waggle/pluginmanager/pkg/statestore"
	"github.com/waggle/pluginmanager/pkg/supervisor"
)

func idle(ctx context.Context, env *plugin.Env) error {
	<-ctx.Done()
	return ctx.Err()
}

func newHandler(t *testing.T) (*Handler, *supervisor.Supervisor) {
	t.Helper()

	catalog, err := plugin.NewCatalog(
		plugin.Descriptor{Name: "sensor", Entry: idle},
		plugin.Descriptor{Name: "camera", Entry: idle},
		plugin.Descriptor{Name: "system_router", System: true, Hosting: plugin.HostInProcess, Entry: idle},
	)
	require.NoError(t, err)

	logger := zaptest.NewLogger(t)
	events := observability.NewEventStream(observability.EventStreamConfig{MaxSize: 50}, zap.NewNop())
	sup, err := supervisor.New(supervisor.Config{
		StopGrace: 3 * time.Second,
		KillGrace: time.Second,
		InProcess: true,
		Blacklist: supervisor.NewNameList(),
		Whitelist: supervisor.NewNameList(),
	}, supervisor.Deps{
		Catalog:   catalog,
		Store:     statestore.NewMemoryStore(),
		Broker:    mailbox.NewMemoryBroker(8),
		Directory: directory.New(directory.ProberFunc(func(int) bool { return true })),
		Events:    events,
		Logger:    logger,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		sup.Shutdown(ctx)
	})

	return NewHandler(sup, events, logger), sup
}

func row(t *testing.T, tbl Table, name string) []any {
	t.Helper()
	for _, r := range tbl.Data {
		if r[0] == name {
			return r
		}
	}
	t.Fatalf("no row for %s in %q", name, tbl.Title)
	return nil
}

func TestExecute_UnknownAndMalformed(t *testing.T) {
	h, _ := newHandler(t)
	ctx := context.Background()

	tests := []struct {
		line    string
		message string
	}{
		{"frobnicate", "command frobnicate is unknown"},
		{"   ", "empty command"},
		{"start", "usage: start <plugin>"},
		{"list extra", "usage: list"},
		{"restart sensor now", "usage: restart <plugin> [force]"},
		{"blacklist put sensor", "usage: blacklist add|rm <plugin>"},
		{"events zero", `invalid limit "zero"`},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			resp := h.Execute(ctx, tt.line)
			assert.Equal(t, StatusError, resp.Status)
			assert.Equal(t, tt.message, resp.Message)
		})
	}
}

func TestExecute_Help(t *testing.T) {
	h, _ := newHandler(t)
	resp := h.Execute(context.Background(), "help")
	require.True(t, resp.OK())
	require.Len(t, resp.Objects, 1)

	help := resp.Objects[0]
	assert.Equal(t, "table", help.Type)
	assert.Equal(t, []string{"command", "arguments", "description"}, help.Header)
	assert.Len(t, help.Data, len(h.commands))
	assert.Equal(t, "<plugin> [force]", row(t, help, "restart")[1])
}

func TestExecute_ListSplitsSystemAndUser(t *testing.T) {
	h, _ := newHandler(t)
	ctx := context.Background()

	require.True(t, h.Execute(ctx, "start sensor").OK())
	require.True(t, h.Execute(ctx, "whitelist add camera").OK())

	resp := h.Execute(ctx, "list")
	require.True(t, resp.OK())
	require.Len(t, resp.Objects, 2)

	system, user := resp.Objects[0], resp.Objects[1]
	assert.Equal(t, "System plugins", system.Title)
	assert.Equal(t, "User plugins", user.Title)
	assert.Equal(t, ListHeader, user.Header)
	assert.Len(t, system.Data, 1)
	assert.Len(t, user.Data, 2)

	sensor := row(t, user, "sensor")
	assert.NotEmpty(t, sensor[1])
	assert.Equal(t, true, sensor[2])
	assert.Equal(t, "running", sensor[3])
	assert.Equal(t, "inprocess", sensor[6])

	camera := row(t, user, "camera")
	assert.Equal(t, "", camera[1])
	assert.Equal(t, false, camera[2])
	assert.Equal(t, true, camera[4])
	assert.Equal(t, false, camera[5])
}

func TestExecute_Lifecycle(t *testing.T) {
	h, _ := newHandler(t)
	ctx := context.Background()

	resp := h.Execute(ctx, "start sensor")
	require.True(t, resp.OK(), resp.Message)
	assert.Contains(t, resp.Message, "started with pid")

	resp = h.Execute(ctx, "start sensor")
	assert.False(t, resp.OK())
	assert.Contains(t, resp.Message, supervisor.ErrAlreadyRunning.Error())

	resp = h.Execute(ctx, "get_pid sensor")
	require.True(t, resp.OK())
	assert.Equal(t, strconv.Itoa(os.Getpid()), resp.Message)

	assert.True(t, h.Execute(ctx, "pause sensor").OK())
	assert.True(t, h.Execute(ctx, "unpause sensor").OK())

	resp = h.Execute(ctx, "unpause sensor")
	assert.False(t, resp.OK())
	assert.Contains(t, resp.Message, supervisor.ErrNotPaused.Error())

	resp = h.Execute(ctx, "info sensor")
	require.True(t, resp.OK(), resp.Message)
	assert.Contains(t, resp.Message, "memory")

	resp = h.Execute(ctx, "restart sensor force")
	require.True(t, resp.OK(), resp.Message)
	assert.Contains(t, resp.Message, "restarted")

	assert.True(t, h.Execute(ctx, "stop sensor").OK())

	resp = h.Execute(ctx, "kill sensor")
	assert.False(t, resp.OK())
	assert.Contains(t, resp.Message, supervisor.ErrNotActive.Error())

	resp = h.Execute(ctx, "get_pid missing")
	assert.False(t, resp.OK())
	assert.Contains(t, resp.Message, supervisor.ErrNotFound.Error())
}

func TestExecute_BlacklistBlocksStart(t *testing.T) {
	h, _ := newHandler(t)
	ctx := context.Background()

	require.True(t, h.Execute(ctx, "blacklist add camera").OK())

	resp := h.Execute(ctx, "start camera")
	assert.False(t, resp.OK())
	assert.Equal(t, "Cannot start plugin camera because it is blacklisted.", resp.Message)

	resp = h.Execute(ctx, "whitelist add camera")
	assert.False(t, resp.OK())
	assert.Contains(t, resp.Message, supervisor.ErrListConflict.Error())

	require.True(t, h.Execute(ctx, "blacklist rm camera").OK())
	resp = h.Execute(ctx, "blacklist rm camera")
	assert.False(t, resp.OK())
}

func TestExecute_Bulk(t *testing.T) {
	h, sup := newHandler(t)
	ctx := context.Background()

	resp := h.Execute(ctx, "startall")
	require.True(t, resp.OK(), resp.Message)
	assert.Equal(t, "startall: 2 plugins processed", resp.Message)

	resp = h.Execute(ctx, "startall")
	assert.False(t, resp.OK())
	assert.Contains(t, resp.Message, "failed for 2 of 2 plugins: camera, sensor")

	require.True(t, h.Execute(ctx, "pauseall").OK())
	require.True(t, h.Execute(ctx, "unpauseall").OK())
	require.True(t, h.Execute(ctx, "stopall").OK())

	list, err := sup.List(ctx)
	require.NoError(t, err)
	for _, st := range list {
		assert.False(t, st.Active, st.Name)
	}

	require.True(t, h.Execute(ctx, "whitelist add sensor").OK())
	resp = h.Execute(ctx, "startwhitelist")
	require.True(t, resp.OK(), resp.Message)
	assert.Equal(t, "startwhitelist: 1 plugins processed", resp.Message)

	require.True(t, h.Execute(ctx, "killall").OK())
}

func TestExecute_Events(t *testing.T) {
	h, _ := newHandler(t)
	ctx := context.Background()

	require.True(t, h.Execute(ctx, "start sensor").OK())
	require.True(t, h.Execute(ctx, "stop sensor").OK())

	resp := h.Execute(ctx, "events 1")
	require.True(t, resp.OK(), resp.Message)
	require.Len(t, resp.Objects, 1)
	require.Len(t, resp.Objects[0].Data, 1)
	assert.Equal(t, string(observability.EventPluginStopped), resp.Objects[0].Data[0][1])

	disabled := NewHandler(nil, nil, nil)
	assert.False(t, disabled.Execute(ctx, "events").OK())
}

func TestServer_RoundTrip(t *testing.T) {
	h, _ := newHandler(t)
	path := filepath.Join(t.TempDir(), "pm.sock")

	// A stale socket file from a previous run is replaced.
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	srv, err := NewServer(ServerConfig{Path: path}, h, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, srv.Start(ctx))

	client := NewClient(path, 5*time.Second)

	resp, err := client.Do(ctx, "start", "sensor")
	require.NoError(t, err)
	assert.True(t, resp.OK(), resp.Message)

	resp, err = client.Do(ctx, "list")
	require.NoError(t, err)
	require.Len(t, resp.Objects, 2)
	assert.Equal(t, true, row(t, resp.Objects[1], "sensor")[2])

	resp, err = client.Do(ctx, "nope")
	require.NoError(t, err)
	assert.Equal(t, StatusError, resp.Status)
	assert.EqualError(t, resp.Err(), "command nope is unknown")

	cancel()
	srv.Wait()
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	_, err = client.Do(context.Background(), "list")
	assert.Error(t, err)
}

func TestClient_EmptyCommand(t *testing.T) {
	_, err := NewClient("", 0).Do(context.Background())
	assert.Error(t, err)
}

// slowManager answers every command after delay.
func slowManager(t *testing.T, delay time.Duration) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "ctl")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	path := filepath.Join(dir, "pm.sock")

	ln, err := net.Listen("unix", path)
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				_, _ = io.ReadAll(conn)
				time.Sleep(delay)
				_ = json.NewEncoder(conn).Encode(&Response{Status: StatusSuccess, Message: "done"})
			}()
		}
	}()
	return path
}

func TestClient_BulkCommandsGetLongerTimeout(t *testing.T) {
	path := slowManager(t, 300*time.Millisecond)
	client := NewClient(path, 50*time.Millisecond)
	assert.Equal(t, DefaultBulkTimeout, client.BulkTimeout)

	_, err := client.Do(context.Background(), "stop", "sensor")
	assert.ErrorContains(t, err, "failed to decode reply")

	for _, cmd := range []string{"stopall", "killall", "startwhitelist"} {
		resp, err := client.Do(context.Background(), cmd)
		require.NoError(t, err, cmd)
		assert.True(t, resp.OK())
	}

	client.BulkTimeout = 0
	_, err = client.Do(context.Background(), "stopall")
	assert.Error(t, err, "a bulk timeout below the regular one is ignored")
}

func TestIsBulk(t *testing.T) {
	assert.True(t, IsBulk("stopall"))
	assert.True(t, IsBulk("unpauseall"))
	assert.False(t, IsBulk("stop"))
	assert.False(t, IsBulk("list"))
}
