package testutil

import (
	"bufio"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/waggle/pluginmanager/pkg/message"
)

// NewTestLogger creates a logger suitable for testing that outputs to the test log
func NewTestLogger(t *testing.T) *zap.Logger {
	return zaptest.NewLogger(t)
}

// WriteFile writes content to name inside dir and returns the full path.
func WriteFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write %s: %v", path, err)
	}
	return path
}

// SocketPath returns a unix socket path short enough for sun_path.
func SocketPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "pm")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "ctl.sock")
}

// Collector is a fake collector: it accepts uplink frames on one port and
// answers downlink connections on another.
type Collector struct {
	uplink   net.Listener
	downlink net.Listener

	frames  chan []byte
	ids     chan string
	replies chan []byte
}

// NewCollector starts a fake collector on loopback. lines selects newline
// framed uplink connections instead of one frame per connection.
func NewCollector(t *testing.T, lines bool) *Collector {
	t.Helper()
	up, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	down, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		up.Close()
		t.Fatalf("Failed to listen: %v", err)
	}
	c := &Collector{
		uplink:   up,
		downlink: down,
		frames:   make(chan []byte, 256),
		ids:      make(chan string, 64),
		replies:  make(chan []byte, 16),
	}
	t.Cleanup(func() {
		up.Close()
		down.Close()
	})
	go c.serveUplink(lines)
	go c.serveDownlink()
	return c
}

func (c *Collector) serveUplink(lines bool) {
	for {
		conn, err := c.uplink.Accept()
		if err != nil {
			return
		}
		if lines {
			scanner := bufio.NewScanner(conn)
			for scanner.Scan() {
				c.push(append([]byte(nil), scanner.Bytes()...))
			}
		} else if data, err := io.ReadAll(conn); err == nil && len(data) > 0 {
			c.push(data)
		}
		conn.Close()
	}
}

func (c *Collector) push(frame []byte) {
	select {
	case c.frames <- frame:
	default:
	}
}

func (c *Collector) serveDownlink() {
	for {
		conn, err := c.downlink.Accept()
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
}

// Host is the collector's address without a port.
func (c *Collector) Host() string { return "127.0.0.1" }

// UplinkPort is the port uplink frames are accepted on.
func (c *Collector) UplinkPort() int { return port(c.uplink) }

// DownlinkPort is the port downlink connections are answered on.
func (c *Collector) DownlinkPort() int { return port(c.downlink) }

// Reply queues a frame for the next downlink connection.
func (c *Collector) Reply(frame []byte) { c.replies <- frame }

// Next returns the next uplink envelope, failing the test after timeout.
func (c *Collector) Next(t *testing.T, timeout time.Duration) *message.Envelope {
	t.Helper()
	select {
	case frame := <-c.frames:
		env, err := message.JSONCodec{}.Decode(frame)
		if err != nil {
			t.Fatalf("Collector received undecodable frame %q: %v", frame, err)
		}
		return env
	case <-time.After(timeout):
		t.Fatal("Collector received nothing")
		return nil
	}
}

// WaitFor reads uplink envelopes until match accepts one.
func (c *Collector) WaitFor(t *testing.T, timeout time.Duration, match func(*message.Envelope) bool) *message.Envelope {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			t.Fatal("Collector never received a matching envelope")
			return nil
		}
		if env := c.Next(t, remaining); match(env) {
			return env
		}
	}
}

// NodeID returns the next node id a downlink connection identified with.
func (c *Collector) NodeID(t *testing.T, timeout time.Duration) string {
	t.Helper()
	select {
	case id := <-c.ids:
		return id
	case <-time.After(timeout):
		t.Fatal("No downlink connection")
		return ""
	}
}

func port(ln net.Listener) int {
	_, p, _ := net.SplitHostPort(ln.Addr().String())
	n, _ := strconv.Atoi(p)
	return n
}
