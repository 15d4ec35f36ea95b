package api

import (
	"context"
	"time"

	"github.com/cuemby/strata/pkg/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// LoggingInterceptor creates a gRPC unary interceptor that logs every call
// with its method, status code and duration. Health checks are polled
// often and are logged at debug level.
func LoggingInterceptor() grpc.UnaryServerInterceptor {
	logger := log.WithComponent("grpc")

	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		event := logger.Debug()
		if err != nil {
			event = logger.Warn().Err(err)
		}
		event.
			Str("method", info.FullMethod).
			Str("code", status.Code(err).String()).
			Dur("duration", time.Since(start)).
			Msg("gRPC call")

		return resp, err
	}
}
