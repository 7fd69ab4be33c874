package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ServerConfig configures the control socket.
type ServerConfig struct {
	// Path of the unix socket. A stale file at the path is removed on start.
	Path string

	// IOTimeout bounds reading the command and writing the reply.
	IOTimeout time.Duration
}

// Validate fills defaults.
func (c *ServerConfig) Validate() error {
	if c.Path == "" {
		c.Path = DefaultSocketPath
	}
	if c.IOTimeout <= 0 {
		c.IOTimeout = 5 * time.Second
	}
	return nil
}

// Server accepts operator commands on a unix socket.
type Server struct {
	cfg     ServerConfig
	handler *Handler
	logger  *zap.Logger

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
}

// NewServer creates a Server dispatching to handler.
func NewServer(cfg ServerConfig, handler *Handler, logger *zap.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, errors.New("command handler is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{cfg: cfg, handler: handler, logger: logger.With(zap.String("component", "control"))}, nil
}

// Path returns the socket path.
func (s *Server) Path() string { return s.cfg.Path }

// Start binds the socket and serves in the background until ctx is done or Stop
// is called.
func (s *Server) Start(ctx context.Context) error {
	if err := os.Remove(s.cfg.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove stale control socket: %w", err)
	}
	ln, err := net.Listen("unix", s.cfg.Path)
	if err != nil {
		return fmt.Errorf("failed to listen on control socket %s: %w", s.cfg.Path, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("Control socket listening", zap.String("path", s.cfg.Path))

	s.wg.Add(1)
	go s.serve(ctx, ln)

	context.AfterFunc(ctx, func() { _ = s.Stop() })
	return nil
}

func (s *Server) serve(ctx context.Context, ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("Control socket accept failed", zap.Error(err))
			continue
		}
		// Commands are executed one at a time, as they arrive.
		s.handle(ctx, conn)
	}
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(s.cfg.IOTimeout))
	buf := make([]byte, MaxCommandSize)
	n, err := conn.Read(buf)
	if err != nil && n == 0 {
		s.logger.Debug("Failed to read control command", zap.Error(err))
		return
	}
	line := strings.TrimSpace(string(buf[:n]))
	s.logger.Debug("Received control command", zap.String("command", line))

	resp := s.handler.Execute(ctx, line)
	reply, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("Failed to encode control reply", zap.Error(err))
		return
	}

	// The command may have run for a while; the reply gets a fresh deadline.
	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.IOTimeout))
	if _, err := conn.Write(append(reply, '\n')); err != nil {
		s.logger.Warn("Could not reply to control client", zap.Error(err))
	}
}

// Stop closes the socket and waits for the command in progress. It is safe to
// call more than once.
func (s *Server) Stop() error {
	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	s.mu.Unlock()
	if ln == nil {
		return nil
	}
	err := ln.Close()
	_ = os.Remove(s.cfg.Path)
	s.logger.Info("Control socket closed")
	return err
}

// Wait blocks until the serving goroutines have exited.
func (s *Server) Wait() { s.wg.Wait() }
