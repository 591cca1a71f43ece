package api

import (
	"context"
	"errors"
	"strings"
	"time"

	"roombook/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

const (
	requestIDMetadataKey = "x-request-id"
	healthServicePrefix  = "/grpc.health.v1.Health/"
	clientKeyUnknown     = "unknown"
)

// ChainUnaryInterceptors runs interceptors in order, the first one outermost.
func ChainUnaryInterceptors(interceptors ...grpc.UnaryServerInterceptor) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		chained := handler
		for i := len(interceptors) - 1; i >= 0; i-- {
			current := interceptors[i]
			next := chained
			chained = func(currentCtx context.Context, currentReq any) (any, error) {
				return current(currentCtx, currentReq, info, next)
			}
		}
		return chained(ctx, req)
	}
}

// LoggingUnaryInterceptor tags each call with a request id, echoed back in
// the response header, and logs its outcome.
func LoggingUnaryInterceptor(logger *zerolog.Logger) grpc.UnaryServerInterceptor {
	base := zerolog.Nop()
	if logger != nil {
		base = *logger
	}

	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		requestID := requestIDFromMetadata(ctx)
		_ = grpc.SetHeader(ctx, metadata.Pairs(requestIDMetadataKey, requestID))
		ctx = context.WithValue(ctx, requestIDKey, requestID)

		start := time.Now()
		resp, err := handler(ctx, req)
		dur := time.Since(start)

		code := status.Code(err)
		ev := base.Info()
		if code == codes.Internal || code == codes.Unknown {
			ev = base.Error()
		}
		ev.Str("request_id", requestID).
			Str("method", info.FullMethod).
			Str("remote", remoteAddr(ctx)).
			Str("code", code.String()).
			Dur("duration", dur).
			Msg("grpc request")

		return resp, err
	}
}

// AuthUnaryInterceptor resolves the caller from request metadata with the
// same rules as the HTTP API, then applies the per-caller rate limit. Health
// checks stay public.
func AuthUnaryInterceptor(auth *Authenticator, limiter *rateLimiter) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if strings.HasPrefix(info.FullMethod, healthServicePrefix) {
			return handler(ctx, req)
		}

		caller, err := authenticateMetadata(ctx, auth)
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, err.Error())
		}
		if !limiter.Allow(caller.String()) {
			return nil, status.Error(codes.ResourceExhausted, "rate limit exceeded")
		}

		return handler(WithCaller(ctx, caller), req)
	}
}

func authenticateMetadata(ctx context.Context, auth *Authenticator) (models.Caller, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return models.Caller{}, errors.New("missing metadata")
	}
	return auth.authenticate(func(key string) string {
		return first(md.Get(key))
	})
}

func requestIDFromMetadata(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if id := first(md.Get(requestIDMetadataKey)); id != "" {
			return id
		}
	}
	return uuid.NewString()
}

func remoteAddr(ctx context.Context) string {
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		return p.Addr.String()
	}
	return clientKeyUnknown
}

func first(vals []string) string {
	if len(vals) == 0 {
		return ""
	}
	return strings.TrimSpace(vals[0])
}
