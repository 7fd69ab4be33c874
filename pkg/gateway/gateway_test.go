package gateway

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/waggle/pluginmanager/pkg/mailbox"
	"github.com/waggle/pluginmanager/pkg/message"
	"github.com/waggle/pluginmanager/pkg/observability"
)

// flakyDialer lets the first after dials through, then refuses the next
// failures dials.
type flakyDialer struct {
	after    int32
	failures int32
	dials    atomic.Int32
}

func (d *flakyDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	n := d.dials.Add(1)
	if n > d.after && n <= d.after+d.failures {
		return nil, errors.New("connection refused")
	}
	var nd net.Dialer
	return nd.DialContext(ctx, network, addr)
}

// collector accepts uplink connections and records every frame it reads.
type collector struct {
	ln     net.Listener
	frames chan []byte
	conns  atomic.Int32
}

func newCollector(t *testing.T, lines bool) *collector {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	c := &collector{ln: ln, frames: make(chan []byte, 64)}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			c.conns.Add(1)
			// The sender holds one connection at a time, so serving them in
			// accept order keeps frames in send order.
			if lines {
				scanner := bufio.NewScanner(conn)
				for scanner.Scan() {
					c.frames <- append([]byte(nil), scanner.Bytes()...)
				}
			} else if data, err := io.ReadAll(conn); err == nil && len(data) > 0 {
				c.frames <- data
			}
			conn.Close()
		}
	}()
	return c
}

func (c *collector) addr() string { return c.ln.Addr().String() }

func (c *collector) next(t *testing.T) *message.Envelope {
	t.Helper()
	select {
	case frame := <-c.frames:
		env, err := message.JSONCodec{}.Decode(frame)
		require.NoError(t, err)
		return env
	case <-time.After(3 * time.Second):
		t.Fatal("collector received nothing")
		return nil
	}
}

func (c *collector) quiet(t *testing.T) {
	t.Helper()
	select {
	case frame := <-c.frames:
		t.Fatalf("unexpected frame %q", frame)
	case <-time.After(100 * time.Millisecond):
	}
}

func reading(n string) *message.Envelope {
	return message.New("fake_sensor", "1", "reading", message.Text(n))
}

func runInBackground(t *testing.T, run func(context.Context) error) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(3 * time.Second):
			t.Error("gateway loop did not stop")
		}
	})
	return cancel
}

func TestSenderConfig_Validate(t *testing.T) {
	cfg := SenderConfig{}
	assert.Error(t, cfg.Validate())

	cfg = SenderConfig{Addr: "collector:9090"}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 2*time.Second, cfg.RetryInterval)
	assert.Equal(t, message.CodecJSON, cfg.Codec.Name())
}

func TestSender_RetriesRegistrationUntilDelivered(t *testing.T) {
	col := newCollector(t, false)
	queue := mailbox.NewMemoryMailbox("to_collector", 8)
	ctx := context.Background()
	for _, n := range []string{"1", "2", "3"} {
		require.NoError(t, queue.Put(ctx, reading(n)))
	}

	dialer := &flakyDialer{failures: 3}
	s, err := NewSender(SenderConfig{
		Addr:          col.addr(),
		NodeID:        "0000001e06107d97",
		RetryInterval: 10 * time.Millisecond,
	}, queue, Deps{Dialer: dialer, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	runInBackground(t, s.Run)

	reg := col.next(t)
	assert.Equal(t, "registration", reg.Category)
	assert.Equal(t, "0000001e06107d97", reg.Payload[0].String())

	for _, want := range []string{"1", "2", "3"} {
		env := col.next(t)
		assert.Equal(t, want, env.Payload[0].String())
	}
	col.quiet(t)

	// Three refused dials, then one connection per frame.
	assert.Equal(t, int32(7), dialer.dials.Load())
	assert.Equal(t, int32(4), col.conns.Load())
}

func TestSender_RetriesSameMessageUntilDelivered(t *testing.T) {
	col := newCollector(t, false)
	queue := mailbox.NewMemoryMailbox("to_collector", 8)
	ctx := context.Background()
	for _, n := range []string{"1", "2", "3"} {
		require.NoError(t, queue.Put(ctx, reading(n)))
	}
	events := observability.NewEventStream(observability.EventStreamConfig{MaxSize: 10}, zap.NewNop())

	// Registration goes through; the first reading hits three refusals.
	dialer := &flakyDialer{after: 1, failures: 3}
	s, err := NewSender(SenderConfig{
		Addr:          col.addr(),
		NodeID:        "0000001e06107d97",
		RetryInterval: 10 * time.Millisecond,
	}, queue, Deps{Dialer: dialer, Events: events, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	runInBackground(t, s.Run)

	assert.Equal(t, "registration", col.next(t).Category)
	for _, want := range []string{"1", "2", "3"} {
		env := col.next(t)
		assert.Equal(t, want, env.Payload[0].String())
	}
	col.quiet(t)

	assert.Equal(t, int32(7), dialer.dials.Load())
	assert.Equal(t, int32(4), col.conns.Load())
	n, err := queue.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	failed := events.GetEvents(observability.EventFilter{Types: []observability.EventType{observability.EventUplinkFailed}})
	require.Len(t, failed, 1)
	assert.Equal(t, "0000001e06107d97", failed[0].NodeID)
}

func TestSender_LogsCarryNodeID(t *testing.T) {
	col := newCollector(t, false)
	queue := mailbox.NewMemoryMailbox("to_collector", 8)
	core, logs := observer.New(zapcore.InfoLevel)

	s, err := NewSender(SenderConfig{Addr: col.addr(), NodeID: "0000001e06107d97"}, queue, Deps{Logger: zap.New(core)})
	require.NoError(t, err)
	runInBackground(t, s.Run)

	col.next(t)
	require.Eventually(t, func() bool {
		return logs.FilterMessage("Registered with collector").Len() == 1
	}, time.Second, 5*time.Millisecond)

	entry := logs.FilterMessage("Registered with collector").All()[0]
	assert.Equal(t, "0000001e06107d97", entry.ContextMap()["node_id"])
	assert.Equal(t, "uplink", entry.ContextMap()["component"])
}

func TestSender_PersistentConnection(t *testing.T) {
	col := newCollector(t, true)
	queue := mailbox.NewMemoryMailbox("to_collector", 8)
	ctx := context.Background()
	require.NoError(t, queue.Put(ctx, reading("1")))
	require.NoError(t, queue.Put(ctx, reading("2")))

	s, err := NewSender(SenderConfig{Addr: col.addr(), NodeID: "node", Persistent: true}, queue, Deps{})
	require.NoError(t, err)
	runInBackground(t, s.Run)

	assert.Equal(t, "registration", col.next(t).Category)
	assert.Equal(t, "1", col.next(t).Payload[0].String())
	assert.Equal(t, "2", col.next(t).Payload[0].String())
	assert.Equal(t, int32(1), col.conns.Load())
}

func TestSender_ReportsHealthAndFailureEvent(t *testing.T) {
	col := newCollector(t, false)
	queue := mailbox.NewMemoryMailbox("to_collector", 8)
	events := observability.NewEventStream(observability.EventStreamConfig{MaxSize: 10}, zap.NewNop())

	var mu sync.Mutex
	var states []bool
	s, err := NewSender(SenderConfig{Addr: col.addr(), NodeID: "node", RetryInterval: 10 * time.Millisecond}, queue, Deps{
		Dialer: &flakyDialer{failures: 2},
		Events: events,
		Health: func(component string, serving bool) {
			assert.Equal(t, ComponentUplink, component)
			mu.Lock()
			states = append(states, serving)
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	runInBackground(t, s.Run)

	col.next(t)
	require.Eventually(t, func() bool {
		return len(events.GetEvents(observability.EventFilter{Types: []observability.EventType{observability.EventUplinkRegistered}})) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []bool{false, false, true}, states)
	mu.Unlock()

	// Only the transition to failing is recorded.
	failed := events.GetEvents(observability.EventFilter{Types: []observability.EventType{observability.EventUplinkFailed}})
	assert.Len(t, failed, 1)
}

func TestSender_StopsWhileCollectorUnreachable(t *testing.T) {
	queue := mailbox.NewMemoryMailbox("to_collector", 8)
	dialer := &flakyDialer{failures: 1 << 30}
	s, err := NewSender(SenderConfig{Addr: "127.0.0.1:1", RetryInterval: 10 * time.Millisecond}, queue, Deps{Dialer: dialer})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.NoError(t, s.Run(ctx))
	assert.Greater(t, dialer.dials.Load(), int32(1))
}

// downlinkCollector answers each connection with the next reply after reading
// the node id.
type downlinkCollector struct {
	ln      net.Listener
	replies chan []byte
	ids     chan string
}

func newDownlinkCollector(t *testing.T) *downlinkCollector {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	c := &downlinkCollector{ln: ln, replies: make(chan []byte, 8), ids: make(chan string, 8)}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				buf := make([]byte, 64)
				n, err := conn.Read(buf)
				if err != nil {
					return
				}
				select {
				case c.ids <- string(buf[:n]):
				default:
				}
				select {
				case reply := <-c.replies:
					_, _ = conn.Write(reply)
				case <-time.After(50 * time.Millisecond):
				}
			}()
		}
	}()
	return c
}

func frame(t *testing.T, env *message.Envelope) []byte {
	t.Helper()
	data, err := message.JSONCodec{}.Encode(env)
	require.NoError(t, err)
	return data
}

func newTestReceiver(t *testing.T, addr string, shared mailbox.Mailbox, dialer Dialer) *Receiver {
	t.Helper()
	r, err := NewReceiver(ReceiverConfig{
		Addr:          addr,
		NodeID:        "0000001e06107d97",
		RetryInterval: 10 * time.Millisecond,
		Settle:        10 * time.Millisecond,
	}, shared, Deps{Dialer: dialer, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	return r
}

func TestReceiverConfig_Validate(t *testing.T) {
	cfg := ReceiverConfig{Addr: "collector:9091"}
	assert.Error(t, cfg.Validate())

	cfg.NodeID = "node"
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 3*time.Second, cfg.RetryInterval)
	assert.Equal(t, time.Second, cfg.Settle)
	assert.Equal(t, 4096, cfg.ReadBuffer)
}

func TestReceiver_CycleQueuesDecodedFrame(t *testing.T) {
	col := newDownlinkCollector(t)
	shared := mailbox.NewMemoryMailbox("outgoing", 4)
	r := newTestReceiver(t, col.ln.Addr().String(), shared, nil)

	col.replies <- frame(t, message.New("nodecontroller", "1", "command", message.Text("reboot")))
	require.NoError(t, r.Cycle(context.Background()))

	assert.Equal(t, "0000001e06107d97", <-col.ids)
	env, err := shared.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "command", env.Category)
	assert.Equal(t, "reboot", env.Payload[0].String())
}

func TestReceiver_CycleDiscardsMalformedFrame(t *testing.T) {
	col := newDownlinkCollector(t)
	shared := mailbox.NewMemoryMailbox("outgoing", 4)
	r := newTestReceiver(t, col.ln.Addr().String(), shared, nil)

	col.replies <- []byte("{not an envelope")
	require.NoError(t, r.Cycle(context.Background()))

	n, err := shared.Len(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReceiver_CycleWithNothingToRead(t *testing.T) {
	col := newDownlinkCollector(t)
	r := newTestReceiver(t, col.ln.Addr().String(), mailbox.NewMemoryMailbox("outgoing", 4), nil)
	assert.NoError(t, r.Cycle(context.Background()))
}

func TestReceiver_CycleDialError(t *testing.T) {
	r := newTestReceiver(t, "127.0.0.1:1", mailbox.NewMemoryMailbox("outgoing", 4), &flakyDialer{failures: 1})
	assert.Error(t, r.Cycle(context.Background()))
}

func TestReceiver_RunReconnectsAfterFailures(t *testing.T) {
	col := newDownlinkCollector(t)
	shared := mailbox.NewMemoryMailbox("outgoing", 4)
	dialer := &flakyDialer{failures: 2}
	r := newTestReceiver(t, col.ln.Addr().String(), shared, dialer)

	col.replies <- frame(t, reading("downlink"))
	runInBackground(t, r.Run)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	env, err := shared.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "downlink", env.Payload[0].String())
	assert.GreaterOrEqual(t, dialer.dials.Load(), int32(3))
}

func TestReceiver_CancelInterruptsRead(t *testing.T) {
	// A collector that accepts but never answers.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			// Held open until the listener closes.
			defer conn.Close()
		}
	}()

	r := newTestReceiver(t, ln.Addr().String(), mailbox.NewMemoryMailbox("outgoing", 4), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	assert.NoError(t, r.Run(ctx))
	assert.Less(t, time.Since(start), 2*time.Second)
}
