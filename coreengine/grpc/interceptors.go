package grpc

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/jeeves-cluster-organization/mailpipe/coreengine/logging"
	"github.com/jeeves-cluster-organization/mailpipe/coreengine/observability"
	"github.com/jeeves-cluster-organization/mailpipe/coreengine/recovery"
)

// RequestIDHeader carries the caller's request id, or the one we assigned.
const RequestIDHeader = "x-request-id"

type requestIDKey struct{}

// RequestID returns the id assigned by RequestIDInterceptor, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// RequestIDInterceptor takes the request id from incoming metadata or
// generates one, stores it on the context and echoes it in the response
// header.
func RequestIDInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		var id string
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if vals := md.Get(RequestIDHeader); len(vals) > 0 {
				id = vals[0]
			}
		}
		if id == "" {
			id = uuid.New().String()
		}
		// No transport stream in direct calls; the header is best effort.
		_ = grpc.SetHeader(ctx, metadata.Pairs(RequestIDHeader, id))
		return handler(context.WithValue(ctx, requestIDKey{}, id), req)
	}
}

// ObserveInterceptor logs each RPC and records its latency by method and
// status code. Caller mistakes log at warn, server failures at error.
func ObserveInterceptor(logger logging.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		elapsed := time.Since(start)

		code := status.Code(err)
		observability.RecordGRPCRequest(info.FullMethod, code.String(), elapsed)

		fields := []any{
			"method", info.FullMethod,
			"request_id", RequestID(ctx),
			"code", code.String(),
			"duration_ms", elapsed.Milliseconds(),
		}
		switch {
		case err == nil:
			logger.Debug("grpc_request", fields...)
		case isClientError(code):
			logger.Warn("grpc_request_rejected", append(fields, "error", err.Error())...)
		default:
			logger.Error("grpc_request_failed", append(fields, "error", err.Error())...)
		}
		return resp, err
	}
}

func isClientError(code codes.Code) bool {
	switch code {
	case codes.InvalidArgument, codes.NotFound, codes.Unavailable, codes.Canceled, codes.DeadlineExceeded:
		return true
	}
	return false
}

// RecoveryInterceptor turns a handler panic into an Internal error.
func RecoveryInterceptor(logger logging.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		resp, err := recovery.SafeExecuteWithResult(logger, info.FullMethod, func() (any, error) {
			return handler(ctx, req)
		})
		var pe *recovery.PanicError
		if errors.As(err, &pe) {
			return nil, status.Errorf(codes.Internal, "internal error in %s", info.FullMethod)
		}
		return resp, err
	}
}

// ServerOptions installs OpenTelemetry stats and the interceptor chain.
// Recovery runs innermost so the observe interceptor sees the Internal code.
func ServerOptions(logger logging.Logger) []grpc.ServerOption {
	return []grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			RequestIDInterceptor(),
			ObserveInterceptor(logger),
			RecoveryInterceptor(logger),
		),
	}
}
