package control

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strings"
	"time"
)

const (
	DefaultTimeout = 30 * time.Second

	// DefaultBulkTimeout covers bulk commands, which the manager runs one
	// plugin at a time, each allowed its full stop or kill grace.
	DefaultBulkTimeout = 10 * time.Minute
)

var bulkCommands = map[string]bool{
	"startall":       true,
	"startwhitelist": true,
	"stopall":        true,
	"killall":        true,
	"pauseall":       true,
	"unpauseall":     true,
}

// IsBulk reports whether command acts on every plugin in turn.
func IsBulk(command string) bool {
	return bulkCommands[command]
}

// Client sends commands to a control socket.
type Client struct {
	Path    string
	Timeout time.Duration
	// BulkTimeout replaces Timeout for bulk commands.
	BulkTimeout time.Duration
}

// NewClient creates a Client for the socket at path.
func NewClient(path string, timeout time.Duration) *Client {
	if path == "" {
		path = DefaultSocketPath
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{Path: path, Timeout: timeout, BulkTimeout: max(timeout, DefaultBulkTimeout)}
}

func (c *Client) timeoutFor(command string) time.Duration {
	if IsBulk(command) && c.BulkTimeout > c.Timeout {
		return c.BulkTimeout
	}
	return c.Timeout
}

// Do sends one command and decodes the reply. A reply with status error is
// returned as is; only transport and decoding failures produce an error.
func (c *Client) Do(ctx context.Context, args ...string) (*Response, error) {
	line := strings.Join(args, " ")
	if strings.TrimSpace(line) == "" {
		return nil, fmt.Errorf("empty command")
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeoutFor(strings.Fields(line)[0]))
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", c.Path, err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if _, err := io.WriteString(conn, line); err != nil {
		return nil, fmt.Errorf("failed to send command: %w", err)
	}
	if uc, ok := conn.(*net.UnixConn); ok {
		_ = uc.CloseWrite()
	}

	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return nil, fmt.Errorf("failed to decode reply: %w", err)
	}
	return &resp, nil
}
