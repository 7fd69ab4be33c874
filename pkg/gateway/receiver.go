package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/waggle/pluginmanager/pkg/mailbox"
	"github.com/waggle/pluginmanager/pkg/message"
	"github.com/waggle/pluginmanager/pkg/observability"
)

// ReceiverConfig configures the downlink.
type ReceiverConfig struct {
	// Addr is the collector's downlink endpoint, host:port.
	Addr string

	// NodeID is written as the identity token at the start of every cycle.
	NodeID string

	// RetryInterval is the pause after a failed cycle.
	RetryInterval time.Duration

	// Settle is the pause between sending the identity and reading.
	Settle time.Duration

	// ReadBuffer bounds the single read of a cycle.
	ReadBuffer int

	DialTimeout time.Duration

	Codec message.Codec
}

// Validate fills defaults.
func (c *ReceiverConfig) Validate() error {
	if c.Addr == "" {
		return errors.New("collector downlink address is required")
	}
	if c.NodeID == "" {
		return errors.New("node id is required")
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 3 * time.Second
	}
	if c.Settle <= 0 {
		c.Settle = time.Second
	}
	if c.ReadBuffer <= 0 {
		c.ReadBuffer = 4096
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.Codec == nil {
		c.Codec = message.JSONCodec{}
	}
	return nil
}

// Receiver pulls frames from the collector onto the shared mailbox.
type Receiver struct {
	cfg    ReceiverConfig
	shared mailbox.Mailbox
	deps   Deps

	healthy bool
}

// NewReceiver creates a Receiver feeding shared.
func NewReceiver(cfg ReceiverConfig, shared mailbox.Mailbox, deps Deps) (*Receiver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if shared == nil {
		return nil, errors.New("shared mailbox is required")
	}
	deps.fill("downlink", cfg.DialTimeout)
	return &Receiver{cfg: cfg, shared: shared, deps: deps, healthy: true}, nil
}

// Run repeats connect, identify, settle and read until ctx is done.
func (r *Receiver) Run(ctx context.Context) error {
	ctx = r.deps.bindNode(ctx, r.cfg.NodeID)
	r.deps.Logger.Info("Downlink starting", zap.String("addr", r.cfg.Addr))
	for {
		err := r.Cycle(ctx)
		if ctx.Err() != nil {
			r.deps.Logger.Info("Downlink stopping")
			return nil
		}
		if errors.Is(err, mailbox.ErrClosed) {
			return err
		}
		if err == nil {
			continue
		}

		observability.DownlinkConnectErrorsTotal.Inc()
		r.deps.report(ComponentDownlink, false)
		if r.healthy {
			r.deps.recordFailure(ctx, observability.EventDownlinkFailed, r.cfg.Addr, err)
		}
		r.healthy = false
		r.deps.Logger.Error("Downlink cycle failed", zap.String("addr", r.cfg.Addr), zap.Error(err))
		if !sleep(ctx, r.cfg.RetryInterval) {
			return nil
		}
	}
}

// Cycle performs one connect, identify, settle and read. A frame that does not
// decode is discarded without failing the cycle. Transport errors are returned.
func (r *Receiver) Cycle(ctx context.Context) error {
	conn, err := r.deps.Dialer.DialContext(ctx, "tcp", r.cfg.Addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", r.cfg.Addr, err)
	}
	defer conn.Close()
	// Cancelling ctx is the only way to interrupt the blocking read.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if _, err := io.WriteString(conn, r.cfg.NodeID); err != nil {
		return fmt.Errorf("send node id: %w", err)
	}
	if !sleep(ctx, r.cfg.Settle) {
		return ctx.Err()
	}

	buf := make([]byte, r.cfg.ReadBuffer)
	n, err := conn.Read(buf)
	if n == 0 {
		if err == nil || errors.Is(err, io.EOF) {
			// Collector had nothing for us.
			r.markHealthy()
			sleep(ctx, r.cfg.Settle)
			return nil
		}
		return fmt.Errorf("read: %w", err)
	}
	r.markHealthy()

	env, err := r.cfg.Codec.Decode(buf[:n])
	if err != nil {
		observability.DownlinkFramesTotal.WithLabelValues("malformed").Inc()
		r.deps.Logger.Warn("Discarding undecodable frame",
			zap.Int("bytes", n),
			zap.Error(err),
		)
		return nil
	}

	if err := r.shared.Put(ctx, env); err != nil {
		observability.DownlinkFramesTotal.WithLabelValues("dropped").Inc()
		if errors.Is(err, mailbox.ErrClosed) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.deps.Logger.Warn("Failed to queue downlink message", zap.Error(err))
		return nil
	}
	observability.DownlinkFramesTotal.WithLabelValues("accepted").Inc()
	r.deps.Logger.Debug("Downlink message queued",
		zap.String("plugin", env.Plugin),
		zap.String("category", env.Category),
	)
	return nil
}

func (r *Receiver) markHealthy() {
	if !r.healthy {
		r.deps.Logger.Info("Collector reachable again")
	}
	r.healthy = true
	r.deps.report(ComponentDownlink, true)
}
