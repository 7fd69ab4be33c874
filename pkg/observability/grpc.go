package observability

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

// OverallHealthService labels the empty health service name, which reports
// the agent as a whole.
const OverallHealthService = "plugin-manager"

// HealthServiceLabel names a health service for logs, metrics and output.
func HealthServiceLabel(service string) string {
	if service == "" {
		return OverallHealthService
	}
	return service
}

func healthService(req interface{}) string {
	if r, ok := req.(*grpc_health_v1.HealthCheckRequest); ok {
		return HealthServiceLabel(r.GetService())
	}
	return ""
}

// HealthServerOptions chains the interceptors of the agent's gRPC health
// server: request ids first, then tracing, then logging and metrics.
func HealthServerOptions(logger *zap.Logger) []grpc.ServerOption {
	return []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(
			UnaryServerInterceptorWithCorrelation(),
			TracingUnaryInterceptor(),
			HealthUnaryInterceptor(logger),
		),
		grpc.ChainStreamInterceptor(
			StreamServerInterceptorWithCorrelation(),
			TracingStreamInterceptor(),
			HealthStreamInterceptor(logger),
		),
	}
}

// HealthUnaryInterceptor logs and counts health checks per service.
func HealthUnaryInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		service := healthService(req)
		code := status.Code(err)
		HealthCheckDurationSeconds.WithLabelValues(service).Observe(time.Since(start).Seconds())
		HealthChecksTotal.WithLabelValues(service, code.String()).Inc()

		fields := []zap.Field{
			zap.String("method", info.FullMethod),
			zap.String("service", service),
			zap.String("code", code.String()),
			zap.Duration("duration", time.Since(start)),
		}
		if r, ok := resp.(*grpc_health_v1.HealthCheckResponse); ok {
			fields = append(fields, zap.String("status", r.GetStatus().String()))
		}

		log := ContextLogger(ctx, logger)
		switch code {
		case codes.OK, codes.NotFound:
			log.Debug("Health check answered", fields...)
		default:
			log.Warn("Health check failed", append(fields, zap.Error(err))...)
		}
		return resp, err
	}
}

// HealthStreamInterceptor counts the updates sent to each health watcher.
func HealthStreamInterceptor(logger *zap.Logger) grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		w := &watchStream{ServerStream: ss}
		err := handler(srv, w)

		code := status.Code(err)
		fields := []zap.Field{
			zap.String("method", info.FullMethod),
			zap.String("service", w.service),
			zap.Int("updates", w.updates),
			zap.String("code", code.String()),
			zap.Duration("duration", time.Since(start)),
		}
		log := ContextLogger(ss.Context(), logger)
		switch code {
		case codes.OK, codes.Canceled:
			log.Debug("Health watch ended", fields...)
		default:
			log.Warn("Health watch failed", append(fields, zap.Error(err))...)
		}
		return err
	}
}

// watchStream learns the watched service from the request and counts the
// responses sent back.
type watchStream struct {
	grpc.ServerStream
	service string
	updates int
}

func (w *watchStream) RecvMsg(m interface{}) error {
	err := w.ServerStream.RecvMsg(m)
	if err == nil {
		if s := healthService(m); s != "" {
			w.service = s
		}
	}
	return err
}

func (w *watchStream) SendMsg(m interface{}) error {
	err := w.ServerStream.SendMsg(m)
	if err == nil {
		w.updates++
		HealthWatchUpdatesTotal.WithLabelValues(w.service).Inc()
	}
	return err
}
