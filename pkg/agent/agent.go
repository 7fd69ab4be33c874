// Package agent wires the plugin manager together: backend, supervisor, the
// compiled-in plugins, the control socket and the health endpoints.
package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/waggle/pluginmanager/pkg/control"
	"github.com/waggle/pluginmanager/pkg/directory"
	"github.com/waggle/pluginmanager/pkg/gateway"
	"github.com/waggle/pluginmanager/pkg/message"
	"github.com/waggle/pluginmanager/pkg/observability"
	"github.com/waggle/pluginmanager/pkg/plugin"
	"github.com/waggle/pluginmanager/pkg/plugins"
	"github.com/waggle/pluginmanager/pkg/router"
	"github.com/waggle/pluginmanager/pkg/supervisor"
)

// SystemStartOrder is the order the system plugins are started in: the router
// first so the uplink queue it feeds is drained, then both gateway halves.
var SystemStartOrder = []string{plugins.SystemRouter, plugins.SystemSend, plugins.SystemReceive}

// Agent manages the plugin manager
type Agent struct {
	config *Config
	logger *zap.Logger

	backend *Backend
	events  *observability.EventStream
	tracer  *observability.TracerProvider
	dir     *directory.Directory
	catalog *plugin.Catalog
	sup     *supervisor.Supervisor

	control    *control.Server
	metrics    *observability.MetricsServer
	health     *health.Server
	grpcServer *grpc.Server
	healthAddr net.Addr

	mu      sync.Mutex
	started bool
	stopped bool
}

// New creates a new agent instance
func New(ctx context.Context, config *Config) (*Agent, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	a := &Agent{
		config: config,
		logger: config.Logger,
		events: observability.NewEventStream(observability.EventStreamConfig{MaxSize: 1000}, config.Logger),
		health: health.NewServer(),
	}

	tracer, err := observability.NewTracerProvider(observability.TracerConfig{
		Enabled:        config.Tracing.Enabled,
		Endpoint:       config.Tracing.Endpoint,
		ServiceName:    "plugin-manager",
		ServiceVersion: config.Version,
		NodeID:         config.NodeID,
		SampleRate:     config.Tracing.SampleRate,
		Insecure:       config.Tracing.Insecure,
	}, config.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	a.tracer = tracer

	backend, err := OpenBackend(ctx, config, config.Logger)
	if err != nil {
		return nil, err
	}
	a.backend = backend

	if err := a.build(); err != nil {
		backend.Close()
		return nil, err
	}
	return a, nil
}

func (a *Agent) build() error {
	cfg := a.config

	catalog, err := Catalog(cfg, a.events, a.setComponentHealth)
	if err != nil {
		return fmt.Errorf("failed to build plugin catalog: %w", err)
	}
	a.catalog = catalog
	a.dir = directory.New(nil)

	blacklist, err := supervisor.LoadNameList(cfg.BlacklistFile)
	if err != nil {
		return fmt.Errorf("failed to load blacklist: %w", err)
	}
	whitelist, err := supervisor.LoadNameList(cfg.WhitelistFile)
	if err != nil {
		return fmt.Errorf("failed to load whitelist: %w", err)
	}

	deps := supervisor.Deps{
		Catalog:   catalog,
		Store:     a.backend.Store,
		Broker:    a.backend.Broker,
		Directory: a.dir,
		Events:    a.events,
		Logger:    a.logger,
	}
	if !cfg.InProcess {
		spawner, err := workerSpawner(cfg, a.logger)
		if err != nil {
			return err
		}
		deps.Exec = spawner
	}

	sup, err := supervisor.New(supervisor.Config{
		StopGrace: cfg.StopGrace,
		KillGrace: cfg.KillGrace,
		InProcess: cfg.InProcess,
		Blacklist: blacklist,
		Whitelist: whitelist,
	}, deps)
	if err != nil {
		return err
	}
	a.sup = sup

	srv, err := control.NewServer(control.ServerConfig{Path: cfg.ControlSocket},
		control.NewHandler(sup, a.events, a.logger), a.logger)
	if err != nil {
		return err
	}
	a.control = srv

	if cfg.MetricsAddr != "" {
		a.metrics = observability.NewMetricsServer(cfg.MetricsAddr, a.logger)
		a.metrics.SetReadiness(a.Ready)
	}
	return nil
}

// Catalog builds the compiled-in plugin catalog for cfg. health receives the
// per-component state of the collector link.
func Catalog(cfg *Config, events *observability.EventStream, health gateway.HealthFunc) (*plugin.Catalog, error) {
	codec, err := message.CodecByName(cfg.Codec)
	if err != nil {
		return nil, err
	}
	return plugins.Builtin(plugins.Options{
		Version: cfg.Version,
		Router: router.Config{
			SweepInterval: cfg.SweepInterval,
		},
		Sender: gateway.SenderConfig{
			Addr:          cfg.UplinkAddr(),
			NodeID:        cfg.NodeID,
			Version:       cfg.Version,
			RetryInterval: cfg.UplinkRetry,
			Persistent:    cfg.PersistentUplink,
			Codec:         codec,
		},
		Receiver: gateway.ReceiverConfig{
			Addr:          cfg.DownlinkAddr(),
			NodeID:        cfg.NodeID,
			RetryInterval: cfg.DownlinkRetry,
			Settle:        cfg.DownlinkSettle,
			ReadBuffer:    cfg.ReadBuffer,
			Codec:         codec,
		},
		Gateway:        gateway.Deps{Health: health},
		Events:         events,
		SensorInterval: cfg.SensorInterval,
		StatusInterval: cfg.StatusInterval,
		StatusDiskPath: cfg.StatusDiskPath,
	})
}

// workerSpawner re-runs the agent binary with the worker subcommand.
func workerSpawner(cfg *Config, logger *zap.Logger) (supervisor.ExecSpawner, error) {
	path := cfg.WorkerPath
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return supervisor.ExecSpawner{}, fmt.Errorf("failed to locate worker executable: %w", err)
		}
		path = exe
	}
	args := []string{"worker"}
	if cfg.ConfigFile != "" {
		args = append(args, "--config", cfg.ConfigFile)
	}
	return supervisor.ExecSpawner{
		Path:   path,
		Args:   args,
		Env:    cfg.WorkerEnv(),
		Logger: logger,
	}, nil
}

// Start starts the system plugins, the whitelisted plugins and the operator
// endpoints.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return errors.New("agent already started")
	}

	a.logger.Info("Starting agent",
		zap.String("node_id", a.config.NodeID),
		zap.String("collector", a.config.CollectorHost),
		zap.String("backend", a.config.Backend),
		zap.Bool("in_process", a.config.InProcess),
	)
	a.health.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	for _, name := range SystemStartOrder {
		pid, err := a.sup.Start(ctx, name)
		if err != nil {
			return fmt.Errorf("failed to start system plugin %s: %w", name, err)
		}
		a.logger.Info("System plugin started", zap.String("plugin", name), zap.Int("pid", pid))
	}

	a.logger.Info("Automatically starting whitelisted plugins")
	if res := a.sup.StartWhitelist(ctx); !res.OK() {
		a.logger.Warn("Some whitelisted plugins failed to start",
			zap.Strings("plugins", res.Failures()),
			zap.Error(res.Err()),
		)
	}

	if err := a.control.Start(ctx); err != nil {
		return err
	}
	if a.metrics != nil {
		if err := a.metrics.Start(); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
	}
	if a.config.HealthAddr != "" {
		if err := a.serveHealth(); err != nil {
			return err
		}
	}

	a.health.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	a.started = true
	a.logger.Info("Agent started successfully")
	return nil
}

func (a *Agent) serveHealth() error {
	lis, err := net.Listen("tcp", a.config.HealthAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.config.HealthAddr, err)
	}
	a.healthAddr = lis.Addr()
	a.grpcServer = grpc.NewServer(observability.HealthServerOptions(a.logger)...)
	grpc_health_v1.RegisterHealthServer(a.grpcServer, a.health)

	go func() {
		a.logger.Info("Starting health server", zap.String("addr", a.config.HealthAddr))
		if err := a.grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			a.logger.Error("Health server error", zap.Error(err))
		}
	}()
	return nil
}

// setComponentHealth is the gateway's health hook.
func (a *Agent) setComponentHealth(component string, serving bool) {
	status := grpc_health_v1.HealthCheckResponse_NOT_SERVING
	if serving {
		status = grpc_health_v1.HealthCheckResponse_SERVING
	}
	a.health.SetServingStatus(component, status)
}

// Ready reports an error unless every system plugin is running.
func (a *Agent) Ready() error {
	statuses, err := a.sup.List(context.Background())
	if err != nil {
		return err
	}
	var down []string
	for _, st := range statuses {
		if st.System && !st.Active {
			down = append(down, st.Name)
		}
	}
	if len(down) > 0 {
		return fmt.Errorf("system plugins not running: %s", strings.Join(down, ", "))
	}
	return nil
}

// Run starts the agent and stops it once ctx is done.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = a.Stop(shutdownCtx)
		return err
	}
	<-ctx.Done()
	a.logger.Info("Starting graceful shutdown...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return a.Stop(shutdownCtx)
}

// Stop stops the agent
func (a *Agent) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return nil
	}
	a.stopped = true
	a.logger.Info("Stopping agent")

	var errs []error
	if err := a.control.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("control socket: %w", err))
	}
	a.control.Wait()

	a.health.Shutdown()
	a.sup.Shutdown(ctx)

	if a.grpcServer != nil {
		a.grpcServer.GracefulStop()
	}
	if a.metrics != nil {
		if err := a.metrics.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := a.tracer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("tracer: %w", err))
	}
	if err := a.backend.Close(); err != nil {
		errs = append(errs, fmt.Errorf("backend: %w", err))
	}

	a.logger.Info("Agent stopped")
	return errors.Join(errs...)
}

// Supervisor returns the process supervisor.
func (a *Agent) Supervisor() *supervisor.Supervisor { return a.sup }

// Events returns the audit event stream.
func (a *Agent) Events() *observability.EventStream { return a.events }

// Health returns the gRPC health service.
func (a *Agent) Health() *health.Server { return a.health }

// HealthAddr returns the bound address of the gRPC health server, or nil.
func (a *Agent) HealthAddr() net.Addr { return a.healthAddr }

// ControlSocket returns the control socket path.
func (a *Agent) ControlSocket() string { return a.control.Path() }
