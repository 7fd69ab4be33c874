package agent

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waggle/pluginmanager/pkg/mailbox"
	"github.com/waggle/pluginmanager/pkg/message"
	"github.com/waggle/pluginmanager/pkg/plugin"
	"github.com/waggle/pluginmanager/pkg/plugins"
	"github.com/waggle/pluginmanager/pkg/statestore"
	"github.com/waggle/pluginmanager/test/testutil"
)

func workerConfig(t *testing.T, addr string) *Config {
	return &Config{
		NodeID:         "0000001e06107d97",
		CollectorHost:  "127.0.0.1",
		Backend:        mailbox.BackendRedis,
		Redis:          RedisConfig{Addr: addr, Prefix: "test"},
		SensorInterval: 20 * time.Millisecond,
		Logger:         testutil.NewTestLogger(t),
	}
}

func TestRunWorker_PublishesThroughRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- RunWorker(ctx, workerConfig(t, mr.Addr()), plugins.ExampleSensor) }()

	broker := mailbox.NewRedisBroker(client, mailbox.RedisConfig{
		Prefix:    "test",
		Codec:     message.JSONCodec{},
		BlockWait: 50 * time.Millisecond,
	})
	shared, err := broker.Open(plugin.SharedMailbox)
	require.NoError(t, err)

	getCtx, getCancel := context.WithTimeout(ctx, 5*time.Second)
	defer getCancel()
	env, err := shared.Get(getCtx)
	require.NoError(t, err)
	assert.Equal(t, plugins.ExampleSensor, env.Plugin)

	store := statestore.NewRedisStore(client, "test")
	assert.Eventually(t, func() bool {
		sig, ok, err := store.Ack(ctx, plugins.ExampleSensor)
		return err == nil && ok && sig == statestore.SignalRunning
	}, 3*time.Second, 20*time.Millisecond)

	require.NoError(t, store.SetSignal(ctx, plugins.ExampleSensor, statestore.SignalStop))
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop on the stop signal")
	}

	sig, ok, err := store.Ack(ctx, plugins.ExampleSensor)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, statestore.SignalStop, sig)
}

func TestRunWorker_Rejections(t *testing.T) {
	ctx := context.Background()

	cfg := workerConfig(t, "127.0.0.1:1")
	cfg.Backend = mailbox.BackendMemory
	assert.ErrorIs(t, RunWorker(ctx, cfg, plugins.ExampleSensor), ErrNotProcessHostable)

	assert.ErrorIs(t, RunWorker(ctx, workerConfig(t, "127.0.0.1:1"), plugins.SystemRouter), ErrNotProcessHostable)
	assert.ErrorIs(t, RunWorker(ctx, workerConfig(t, "127.0.0.1:1"), plugins.SystemSend), ErrNotProcessHostable)

	err := RunWorker(ctx, workerConfig(t, "127.0.0.1:1"), "camera")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown plugin camera")
}
