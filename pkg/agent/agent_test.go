package agent

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/waggle/pluginmanager/pkg/control"
	"github.com/waggle/pluginmanager/pkg/gateway"
	"github.com/waggle/pluginmanager/pkg/message"
	"github.com/waggle/pluginmanager/pkg/plugins"
	"github.com/waggle/pluginmanager/pkg/supervisor"
	"github.com/waggle/pluginmanager/test/testutil"
	"github.com/waggle/pluginmanager/test/testutil/mocks"
)

func testConfig(t *testing.T, c *testutil.Collector) *Config {
	t.Helper()
	dir := t.TempDir()
	return &Config{
		NodeID:         "0000001e06107d97",
		CollectorHost:  c.Host(),
		UplinkPort:     c.UplinkPort(),
		DownlinkPort:   c.DownlinkPort(),
		UplinkRetry:    20 * time.Millisecond,
		DownlinkRetry:  20 * time.Millisecond,
		DownlinkSettle: 10 * time.Millisecond,
		SweepInterval:  50 * time.Millisecond,
		StopGrace:      time.Second,
		KillGrace:      time.Second,
		SensorInterval: 20 * time.Millisecond,
		StatusInterval: time.Hour,
		ControlSocket:  testutil.SocketPath(t),
		BlacklistFile:  filepath.Join(dir, "blacklist.txt"),
		WhitelistFile:  testutil.WriteFile(t, dir, "whitelist.txt", plugins.ExampleSensor+"\n"),
		HealthAddr:     "127.0.0.1:0",
		Version:        "0.9.0",
		Logger:         testutil.NewTestLogger(t),
	}
}

func startAgent(t *testing.T, cfg *Config) *Agent {
	t.Helper()
	ctx := context.Background()
	a, err := New(ctx, cfg)
	require.NoError(t, err)
	require.NoError(t, a.Start(ctx))
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		assert.NoError(t, a.Stop(stopCtx))
	})
	return a
}

func TestAgent_RegistersAndForwardsSensorReadings(t *testing.T) {
	collector := testutil.NewCollector(t, false)
	a := startAgent(t, testConfig(t, collector))

	reg := collector.Next(t, 3*time.Second)
	assert.Equal(t, "registration", reg.Category)
	require.Len(t, reg.Payload, 1)
	assert.Equal(t, "0000001e06107d97", reg.Payload[0].String())

	env := collector.WaitFor(t, 3*time.Second, func(e *message.Envelope) bool {
		return e.Plugin == plugins.ExampleSensor
	})
	assert.Equal(t, "0000001e06107d97", collector.NodeID(t, 3*time.Second))
	assert.NotEmpty(t, env.Payload)

	assert.Eventually(t, func() bool { return a.Ready() == nil }, 3*time.Second, 20*time.Millisecond)
}

func TestAgent_EchoesDownlinkToUplink(t *testing.T) {
	collector := testutil.NewCollector(t, false)
	startAgent(t, testConfig(t, collector))

	cmd := message.New("collector", "1", "command", message.Text("reboot"))
	frame, err := message.JSONCodec{}.Encode(cmd)
	require.NoError(t, err)
	collector.Reply(frame)

	got := collector.WaitFor(t, 5*time.Second, func(e *message.Envelope) bool {
		return e.Plugin == "collector"
	})
	assert.Equal(t, "command", got.Category)
	assert.Equal(t, "reboot", got.Payload[0].String())
}

func TestAgent_ControlSocket(t *testing.T) {
	collector := testutil.NewCollector(t, false)
	a := startAgent(t, testConfig(t, collector))

	client := control.NewClient(a.ControlSocket(), 5*time.Second)
	resp, err := client.Do(context.Background(), "list")
	require.NoError(t, err)
	require.True(t, resp.OK(), resp.Message)
	require.Len(t, resp.Objects, 2)

	active := map[string]bool{}
	for _, table := range resp.Objects {
		for _, row := range table.Data {
			name, _ := row[0].(string)
			on, _ := row[2].(bool)
			active[name] = on
		}
	}
	assert.True(t, active[plugins.SystemRouter])
	assert.True(t, active[plugins.SystemSend])
	assert.True(t, active[plugins.SystemReceive])
	assert.True(t, active[plugins.ExampleSensor], "whitelisted plugin is started")
	assert.False(t, active[plugins.SystemStatus])

	resp, err = client.Do(context.Background(), "pause", plugins.ExampleSensor)
	require.NoError(t, err)
	assert.True(t, resp.OK(), resp.Message)
}

func TestAgent_HealthService(t *testing.T) {
	collector := testutil.NewCollector(t, false)
	a := startAgent(t, testConfig(t, collector))
	require.NotNil(t, a.HealthAddr())

	conn, err := grpc.NewClient(a.HealthAddr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	client := grpc_health_v1.NewHealthClient(conn)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := client.Check(ctx, &grpc_health_v1.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, resp.Status)

	assert.Eventually(t, func() bool {
		resp, err := client.Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: gateway.ComponentUplink})
		return err == nil && resp.Status == grpc_health_v1.HealthCheckResponse_SERVING
	}, 3*time.Second, 20*time.Millisecond)
}

func TestAgent_StopRemovesSocketAndIsIdempotent(t *testing.T) {
	collector := testutil.NewCollector(t, false)
	cfg := testConfig(t, collector)
	logger, logs := mocks.NewObservedLogger(zapcore.InfoLevel)
	cfg.Logger = logger

	ctx := context.Background()
	a, err := New(ctx, cfg)
	require.NoError(t, err)
	require.NoError(t, a.Start(ctx))
	assert.Error(t, a.Start(ctx))

	_, err = os.Stat(cfg.ControlSocket)
	require.NoError(t, err)

	require.NoError(t, a.Stop(ctx))
	require.NoError(t, a.Stop(ctx))

	_, err = os.Stat(cfg.ControlSocket)
	assert.True(t, os.IsNotExist(err))
	assert.Equal(t, 1, logs.FilterMessage("Agent stopped").Len())
	for _, name := range SystemStartOrder {
		_, err := a.Supervisor().PID(name)
		assert.ErrorIs(t, err, supervisor.ErrNotActive, name)
	}
}

func TestAgent_RunStopsOnCancel(t *testing.T) {
	collector := testutil.NewCollector(t, false)
	a, err := New(context.Background(), testConfig(t, collector))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	collector.Next(t, 3*time.Second)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("agent did not stop")
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	_, err := New(context.Background(), &Config{})
	assert.Error(t, err)
}
