package observability

import (
	"context"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

type contextKey string

const (
	// RequestIDKey carries the id of the control command or gRPC call being served.
	RequestIDKey contextKey = "request-id"

	// PluginKey carries the plugin a supervisor operation acts on.
	PluginKey contextKey = "plugin"

	// NodeIDKey carries the node id the collector link identifies with.
	NodeIDKey contextKey = "node-id"
)

// RequestIDMetadataKey propagates the request id over gRPC.
const RequestIDMetadataKey = "x-request-id"

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// GetRequestID retrieves the request ID from the context
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(RequestIDKey).(string)
	return id
}

// WithPlugin adds a plugin name to the context
func WithPlugin(ctx context.Context, plugin string) context.Context {
	return context.WithValue(ctx, PluginKey, plugin)
}

// GetPlugin retrieves the plugin name from the context
func GetPlugin(ctx context.Context) string {
	name, _ := ctx.Value(PluginKey).(string)
	return name
}

// WithNodeID adds a node ID to the context
func WithNodeID(ctx context.Context, nodeID string) context.Context {
	return context.WithValue(ctx, NodeIDKey, nodeID)
}

// GetNodeID retrieves the node ID from the context
func GetNodeID(ctx context.Context) string {
	id, _ := ctx.Value(NodeIDKey).(string)
	return id
}

// GenerateRequestID generates a new request ID
func GenerateRequestID() string {
	return uuid.New().String()
}

// ContextLogger returns logger tagged with the request id, plugin, node id and
// trace ids found in ctx.
func ContextLogger(ctx context.Context, logger *zap.Logger) *zap.Logger {
	var fields []zap.Field
	if id := GetRequestID(ctx); id != "" {
		fields = append(fields, zap.String("request_id", id))
	}
	if plugin := GetPlugin(ctx); plugin != "" {
		fields = append(fields, zap.String("plugin", plugin))
	}
	if nodeID := GetNodeID(ctx); nodeID != "" {
		fields = append(fields, zap.String("node_id", nodeID))
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}
	if len(fields) == 0 {
		return logger
	}
	return logger.With(fields...)
}

// incomingRequestID takes the caller's request id from gRPC metadata, or
// generates one.
func incomingRequestID(ctx context.Context) context.Context {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if ids := md.Get(RequestIDMetadataKey); len(ids) > 0 && ids[0] != "" {
			return WithRequestID(ctx, ids[0])
		}
	}
	return WithRequestID(ctx, GenerateRequestID())
}

// UnaryServerInterceptorWithCorrelation puts the caller's request id on the
// handler's context.
func UnaryServerInterceptorWithCorrelation() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		return handler(incomingRequestID(ctx), req)
	}
}

// StreamServerInterceptorWithCorrelation is the stream form of
// UnaryServerInterceptorWithCorrelation.
func StreamServerInterceptorWithCorrelation() grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		return handler(srv, &contextServerStream{ServerStream: ss, ctx: incomingRequestID(ss.Context())})
	}
}

// UnaryClientInterceptorWithCorrelation sends the request id of ctx, if any,
// along with the call.
func UnaryClientInterceptorWithCorrelation() grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		if id := GetRequestID(ctx); id != "" {
			ctx = metadata.AppendToOutgoingContext(ctx, RequestIDMetadataKey, id)
		}
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}
