package api

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"roombook/internal/config"
	"roombook/internal/models"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const availabilityServiceName = "roombook.availability.v1.AvailabilityService"

// AvailabilityReader is the read side of the reservation service served
// over gRPC.
type AvailabilityReader interface {
	CheckAvailability(ctx context.Context, roomID string, iv models.Interval) ([]int64, error)
	ListActiveForRoom(ctx context.Context, roomID string) ([]*models.Reservation, error)
}

// availabilityServer is the contract of the hand-declared service below.
// Requests and responses use the well-known protobuf types, so no generated
// stubs are needed.
type availabilityServer interface {
	CheckAvailability(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ListActiveForRoom(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error)
}

var availabilityServiceDesc = grpc.ServiceDesc{
	ServiceName: availabilityServiceName,
	HandlerType: (*availabilityServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "CheckAvailability", Handler: checkAvailabilityHandler},
		{MethodName: "ListActiveForRoom", Handler: listActiveForRoomHandler},
	},
	Streams: []grpc.StreamDesc{},
}

func checkAvailabilityHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(availabilityServer).CheckAvailability(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + availabilityServiceName + "/CheckAvailability"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(availabilityServer).CheckAvailability(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func listActiveForRoomHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(availabilityServer).ListActiveForRoom(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + availabilityServiceName + "/ListActiveForRoom"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(availabilityServer).ListActiveForRoom(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

// availabilityService adapts AvailabilityReader to the wire contract.
type availabilityService struct {
	svc    AvailabilityReader
	logger *zerolog.Logger
}

// CheckAvailability expects {room_id, start, end} with RFC 3339 times and
// answers {room_id, available, conflict_ids}.
func (a *availabilityService) CheckAvailability(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.GetFields()
	roomID := strings.TrimSpace(fields["room_id"].GetStringValue())
	if roomID == "" {
		return nil, status.Error(codes.InvalidArgument, "room_id is required")
	}
	start, err := parseField(fields, "start")
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	end, err := parseField(fields, "end")
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	conflicts, err := a.svc.CheckAvailability(ctx, roomID, models.NewInterval(start, end))
	if err != nil {
		return nil, a.statusError(ctx, err)
	}

	ids := make([]any, 0, len(conflicts))
	for _, id := range conflicts {
		ids = append(ids, id)
	}
	return structpb.NewStruct(map[string]any{
		"room_id":      roomID,
		"available":    len(conflicts) == 0,
		"conflict_ids": ids,
	})
}

// ListActiveForRoom answers {room_id, reservations} with the room's pending
// and approved reservations ordered by start.
func (a *availabilityService) ListActiveForRoom(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	roomID := strings.TrimSpace(req.GetValue())
	if roomID == "" {
		return nil, status.Error(codes.InvalidArgument, "room id is required")
	}

	list, err := a.svc.ListActiveForRoom(ctx, roomID)
	if err != nil {
		return nil, a.statusError(ctx, err)
	}

	items := make([]any, 0, len(list))
	for _, r := range list {
		items = append(items, map[string]any{
			"id":           r.ID,
			"room_id":      r.RoomID,
			"requester_id": r.RequesterID,
			"start":        r.Start.UTC().Format(time.RFC3339),
			"end":          r.End.UTC().Format(time.RFC3339),
			"status":       string(r.Status),
			"purpose":      r.Purpose,
		})
	}
	return structpb.NewStruct(map[string]any{
		"room_id":      roomID,
		"reservations": items,
	})
}

// statusError maps service failures onto gRPC codes the way the HTTP API maps
// them onto status codes.
func (a *availabilityService) statusError(ctx context.Context, err error) error {
	switch statusFor(err) {
	case http.StatusBadRequest:
		return status.Error(codes.InvalidArgument, err.Error())
	case http.StatusForbidden:
		return status.Error(codes.PermissionDenied, err.Error())
	case http.StatusNotFound:
		return status.Error(codes.NotFound, err.Error())
	case http.StatusConflict:
		return status.Error(codes.FailedPrecondition, err.Error())
	}
	a.logger.Error().Err(err).Str("request_id", RequestIDFromContext(ctx)).Msg("reservation service failure")
	return status.Error(codes.Internal, "internal error")
}

func parseField(fields map[string]*structpb.Value, name string) (time.Time, error) {
	raw := strings.TrimSpace(fields[name].GetStringValue())
	if raw == "" {
		return time.Time{}, fmt.Errorf("%s is required", name)
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s must be RFC 3339", name)
	}
	return t, nil
}

// GRPCServer serves room availability to other campus systems.
type GRPCServer struct {
	server   *grpc.Server
	health   *health.Server
	listener net.Listener
	logger   *zerolog.Logger
}

// NewGRPCServer listens on cfg.GRPC.Port.
func NewGRPCServer(cfg config.APIConfig, svc AvailabilityReader, logger *zerolog.Logger) (*GRPCServer, error) {
	addr := fmt.Sprintf(":%d", cfg.GRPC.Port)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("grpc listen %s: %w", addr, err)
	}

	srv, err := newGRPCServer(cfg, svc, lis, logger)
	if err != nil {
		_ = lis.Close()
		return nil, err
	}
	return srv, nil
}

func newGRPCServer(cfg config.APIConfig, svc AvailabilityReader, lis net.Listener, logger *zerolog.Logger) (*GRPCServer, error) {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	unary := ChainUnaryInterceptors(
		LoggingUnaryInterceptor(logger),
		AuthUnaryInterceptor(NewAuthenticator(cfg.Auth), newRateLimiter(cfg.RateLimit)),
	)

	serverOpts := []grpc.ServerOption{grpc.UnaryInterceptor(unary)}
	if cfg.GRPC.TLS.Enabled {
		tlsCfg, err := buildTLSConfig(cfg.GRPC.TLS)
		if err != nil {
			return nil, err
		}
		serverOpts = append(serverOpts, grpc.Creds(credentials.NewTLS(tlsCfg)))
	}

	grpcServer := grpc.NewServer(serverOpts...)
	grpcServer.RegisterService(&availabilityServiceDesc, &availabilityService{svc: svc, logger: logger})

	healthServer := health.NewServer()
	healthServer.SetServingStatus(availabilityServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	if cfg.GRPC.Reflection {
		reflection.Register(grpcServer)
	}

	return &GRPCServer{
		server:   grpcServer,
		health:   healthServer,
		listener: lis,
		logger:   logger,
	}, nil
}

func buildTLSConfig(cfg config.APITLSConfig) (*tls.Config, error) {
	if cfg.CertFile == "" || cfg.KeyFile == "" {
		return nil, errors.New("grpc tls enabled but cert_file/key_file not set")
	}

	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load grpc tls keypair: %w", err)
	}

	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	if cfg.RequireClientCert {
		if cfg.ClientCAFile == "" {
			return nil, errors.New("grpc tls require_client_cert=true but client_ca_file not set")
		}
		caPEM, err := os.ReadFile(cfg.ClientCAFile)
		if err != nil {
			return nil, fmt.Errorf("read client_ca_file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, errors.New("failed to parse client_ca_file PEM")
		}
		tlsCfg.ClientAuth = tls.RequireAndVerifyClientCert
		tlsCfg.ClientCAs = pool
	}

	return tlsCfg, nil
}

func (s *GRPCServer) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *GRPCServer) Serve() error {
	s.logger.Info().Str("addr", s.Addr()).Msg("gRPC API listening")
	if err := s.server.Serve(s.listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Shutdown marks the server as not serving, then drains in-flight calls
// until ctx expires.
func (s *GRPCServer) Shutdown(ctx context.Context) {
	if s.server == nil {
		return
	}
	s.health.Shutdown()

	done := make(chan struct{})
	go func() {
		s.server.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn().Msg("gRPC graceful shutdown timed out; forcing stop")
		s.server.Stop()
	}
}
