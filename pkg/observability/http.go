package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// ReadinessFunc reports nil when the agent is ready to serve.
type ReadinessFunc func() error

// MetricsServer serves Prometheus metrics over HTTP
type MetricsServer struct {
	addr   string
	logger *zap.Logger
	server *http.Server
	ready  ReadinessFunc
}

// NewMetricsServer creates a new metrics server
func NewMetricsServer(addr string, logger *zap.Logger) *MetricsServer {
	ms := &MetricsServer{
		addr:   addr,
		logger: logger,
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", healthHandler)
	mux.HandleFunc("/ready", ms.readyHandler)

	ms.server = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return ms
}

// SetReadiness installs the check behind /ready.
func (ms *MetricsServer) SetReadiness(fn ReadinessFunc) {
	ms.ready = fn
}

// Start starts the metrics server
func (ms *MetricsServer) Start() error {
	ms.logger.Info("Starting metrics server",
		zap.String("address", ms.addr),
	)

	// Start server in a goroutine
	go func() {
		if err := ms.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			ms.logger.Error("Metrics server error",
				zap.Error(err),
			)
		}
	}()

	return nil
}

// Stop stops the metrics server gracefully
func (ms *MetricsServer) Stop(ctx context.Context) error {
	ms.logger.Info("Stopping metrics server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := ms.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown metrics server: %w", err)
	}

	return nil
}

// healthHandler handles health check requests
func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// readyHandler handles readiness check requests
func (ms *MetricsServer) readyHandler(w http.ResponseWriter, r *http.Request) {
	if ms.ready != nil {
		if err := ms.ready(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("NOT READY: " + err.Error()))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("READY"))
}
