package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/waggle/pluginmanager/pkg/mailbox"
	"github.com/waggle/pluginmanager/pkg/message"
	"github.com/waggle/pluginmanager/pkg/observability"
)

// SenderConfig configures the uplink.
type SenderConfig struct {
	// Addr is the collector's uplink endpoint, host:port.
	Addr string

	// NodeID is carried by the registration envelope.
	NodeID string

	// Version is stamped on the registration envelope.
	Version string

	// RetryInterval is the pause between two attempts at the same frame.
	RetryInterval time.Duration

	DialTimeout  time.Duration
	WriteTimeout time.Duration

	// Persistent keeps one connection across frames and redials only after an
	// error. Frames are then newline-terminated. Otherwise each frame gets its
	// own connection and the close marks its end.
	Persistent bool

	Codec message.Codec
}

// Validate fills defaults.
func (c *SenderConfig) Validate() error {
	if c.Addr == "" {
		return errors.New("collector uplink address is required")
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 2 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.Codec == nil {
		c.Codec = message.JSONCodec{}
	}
	return nil
}

// Sender drains the uplink queue into the collector.
type Sender struct {
	cfg   SenderConfig
	queue mailbox.Mailbox
	deps  Deps

	conn    net.Conn
	healthy bool
}

// NewSender creates a Sender draining queue.
func NewSender(cfg SenderConfig, queue mailbox.Mailbox, deps Deps) (*Sender, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if queue == nil {
		return nil, errors.New("uplink queue is required")
	}
	deps.fill("uplink", cfg.DialTimeout)
	return &Sender{cfg: cfg, queue: queue, deps: deps, healthy: true}, nil
}

// RegistrationEnvelope announces the node to the collector.
func RegistrationEnvelope(nodeID, version string) *message.Envelope {
	return message.New("system_send", version, "registration", message.Text(nodeID))
}

// Run registers with the collector and then drains the queue until ctx is done.
// Each dequeued envelope is retried until it is written; the next one is not
// taken before that.
func (s *Sender) Run(ctx context.Context) error {
	defer s.disconnect()
	ctx = s.deps.bindNode(ctx, s.cfg.NodeID)

	s.deps.Logger.Info("Uplink starting", zap.String("addr", s.cfg.Addr), zap.Bool("persistent", s.cfg.Persistent))

	reg, err := s.cfg.Codec.Encode(RegistrationEnvelope(s.cfg.NodeID, s.cfg.Version))
	if err != nil {
		return fmt.Errorf("failed to encode registration: %w", err)
	}
	if !s.deliver(ctx, "registration", reg) {
		return nil
	}
	s.deps.Logger.Info("Registered with collector")
	if s.deps.Events != nil {
		s.deps.Events.RecordEvent(ctx, observability.NewRegistrationEvent(s.cfg.NodeID, s.cfg.Addr))
	}

	for {
		env, err := s.queue.Get(ctx)
		if ctx.Err() != nil {
			s.deps.Logger.Info("Uplink stopping")
			return nil
		}
		if err != nil {
			if errors.Is(err, mailbox.ErrClosed) {
				return err
			}
			s.deps.Logger.Warn("Failed to read uplink queue", zap.Error(err))
			if errors.Is(err, message.ErrMalformed) {
				continue
			}
			if !sleep(ctx, s.cfg.RetryInterval) {
				return nil
			}
			continue
		}

		frame, err := s.cfg.Codec.Encode(env)
		if err != nil {
			// Retrying cannot fix an envelope the codec rejects.
			s.deps.Logger.Error("Discarding unencodable envelope",
				zap.String("plugin", env.Plugin),
				zap.Error(err),
			)
			continue
		}
		if !s.deliver(ctx, "message", frame) {
			s.deps.Logger.Warn("Uplink stopped with an undelivered message",
				zap.String("plugin", env.Plugin),
				zap.String("category", env.Category),
			)
			return nil
		}
		observability.UplinkMessagesSentTotal.Inc()
		s.deps.Logger.Debug("Sent message to collector",
			zap.String("plugin", env.Plugin),
			zap.String("category", env.Category),
		)
	}
}

// deliver writes frame until it succeeds. It returns false only when ctx ends first.
func (s *Sender) deliver(ctx context.Context, kind string, frame []byte) bool {
	for attempt := 1; ; attempt++ {
		err := s.send(ctx, frame)
		if err == nil {
			observability.UplinkAttemptsTotal.WithLabelValues(kind, "success").Inc()
			observability.UplinkConnected.Set(1)
			if !s.healthy {
				s.deps.Logger.Info("Collector reachable again", zap.Int("attempts", attempt))
			}
			s.healthy = true
			s.deps.report(ComponentUplink, true)
			return true
		}
		if ctx.Err() != nil {
			return false
		}

		observability.UplinkAttemptsTotal.WithLabelValues(kind, "failure").Inc()
		observability.UplinkConnected.Set(0)
		s.deps.report(ComponentUplink, false)
		if s.healthy {
			s.deps.recordFailure(ctx, observability.EventUplinkFailed, s.cfg.Addr, err)
		}
		s.healthy = false
		s.deps.Logger.Error("Could not send to collector",
			zap.String("addr", s.cfg.Addr),
			zap.String("kind", kind),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if !sleep(ctx, s.cfg.RetryInterval) {
			return false
		}
	}
}

func (s *Sender) send(ctx context.Context, frame []byte) error {
	conn := s.conn
	if conn == nil {
		var err error
		conn, err = s.deps.Dialer.DialContext(ctx, "tcp", s.cfg.Addr)
		if err != nil {
			return fmt.Errorf("dial %s: %w", s.cfg.Addr, err)
		}
	}

	if s.cfg.Persistent {
		frame = append(frame[:len(frame):len(frame)], '\n')
	}
	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	_, err := conn.Write(frame)

	if !s.cfg.Persistent || err != nil {
		conn.Close()
		s.conn = nil
	} else {
		s.conn = conn
	}
	if err != nil {
		return fmt.Errorf("write to %s: %w", s.cfg.Addr, err)
	}
	return nil
}

func (s *Sender) disconnect() {
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}
