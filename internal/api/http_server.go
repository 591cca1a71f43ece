package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"roombook/internal/config"
	"roombook/internal/domain"
	"roombook/internal/metrics"
	"roombook/internal/models"
	"roombook/internal/service"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	requestIDHeader = "X-Request-ID"
	maxBodyBytes    = 1 << 20
)

// ReservationService is the lifecycle manager as seen by the HTTP layer.
type ReservationService interface {
	Create(ctx context.Context, req service.CreateRequest) (*models.Reservation, error)
	Approve(ctx context.Context, id int64, caller models.Caller) (*models.Reservation, error)
	Refuse(ctx context.Context, id int64, caller models.Caller) (*models.Reservation, error)
	Cancel(ctx context.Context, id int64, caller models.Caller) (*models.Reservation, error)
	Get(ctx context.Context, id int64, caller models.Caller) (*models.Reservation, error)
	ListActiveForRoom(ctx context.Context, roomID string) ([]*models.Reservation, error)
	ListForRoom(ctx context.Context, roomID string) ([]*models.Reservation, error)
	ListMine(ctx context.Context, caller models.Caller) ([]*models.Reservation, error)
	ListPending(ctx context.Context, caller models.Caller) ([]*models.Reservation, error)
	CheckAvailability(ctx context.Context, roomID string, iv models.Interval) ([]int64, error)
}

// FailedNotifications lists notifications that exhausted their retries.
type FailedNotifications interface {
	GetFailedOutboxTasks(ctx context.Context) ([]*models.OutboxTask, error)
}

// ReadinessCheck reports whether dependencies are usable.
type ReadinessCheck func(ctx context.Context) error

// HTTPServer exposes the booking API.
type HTTPServer struct {
	svc      ReservationService
	rooms    domain.RoomDirectory
	outbox   FailedNotifications
	ready    ReadinessCheck
	location *time.Location
	auth     *Authenticator
	limiter  *rateLimiter
	logger   *zerolog.Logger
	handler  http.Handler
	server   *http.Server
}

func NewHTTPServer(
	cfg config.APIConfig,
	svc ReservationService,
	rooms domain.RoomDirectory,
	outbox FailedNotifications,
	ready ReadinessCheck,
	location *time.Location,
	logger *zerolog.Logger,
) *HTTPServer {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	if location == nil {
		location = time.UTC
	}

	srv := &HTTPServer{
		svc:      svc,
		rooms:    rooms,
		outbox:   outbox,
		ready:    ready,
		location: location,
		auth:     NewAuthenticator(cfg.Auth),
		limiter:  newRateLimiter(cfg.RateLimit),
		logger:   logger,
	}

	mux := http.NewServeMux()
	srv.public(mux, "GET /healthz", srv.handleHealth)
	srv.public(mux, "GET /readyz", srv.handleReady)

	srv.route(mux, "POST /api/v1/reservations", srv.handleCreate)
	srv.route(mux, "GET /api/v1/reservations/mine", srv.handleListMine)
	srv.route(mux, "GET /api/v1/reservations/pending", srv.handleListPending)
	srv.route(mux, "GET /api/v1/reservations/{id}", srv.handleGet)
	srv.route(mux, "POST /api/v1/reservations/{id}/approve", srv.handleApprove)
	srv.route(mux, "POST /api/v1/reservations/{id}/refuse", srv.handleRefuse)
	srv.route(mux, "POST /api/v1/reservations/{id}/cancel", srv.handleCancel)
	srv.route(mux, "GET /api/v1/rooms", srv.handleListRooms)
	srv.route(mux, "GET /api/v1/rooms/{id}", srv.handleGetRoom)
	srv.route(mux, "GET /api/v1/rooms/{id}/reservations", srv.handleRoomReservations)
	srv.route(mux, "GET /api/v1/rooms/{id}/reservations.xlsx", srv.handleRoomExport)
	srv.route(mux, "GET /api/v1/rooms/{id}/availability", srv.handleAvailability)

	if outbox != nil {
		srv.route(mux, "GET /api/v1/notifications/failed", srv.handleFailedNotifications)
	}

	srv.handler = requestIDMiddleware(mux)
	srv.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           srv.handler,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
	}

	return srv
}

// Handler returns the root handler, for tests and embedding.
func (s *HTTPServer) Handler() http.Handler {
	return s.handler
}

func (s *HTTPServer) Start() error {
	if s.server == nil {
		return fmt.Errorf("http server is not initialized")
	}
	s.logger.Info().Str("addr", s.server.Addr).Msg("HTTP API listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

type callerHandler func(w http.ResponseWriter, r *http.Request, caller models.Caller)

func (s *HTTPServer) public(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
	mux.Handle(pattern, s.instrument(pattern, s.recoverPanic(h)))
}

// route registers an authenticated, rate limited endpoint.
func (s *HTTPServer) route(mux *http.ServeMux, pattern string, h callerHandler) {
	mux.Handle(pattern, s.instrument(pattern, s.recoverPanic(s.authenticated(h))))
}

func (s *HTTPServer) authenticated(h callerHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, err := s.auth.Authenticate(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}

		if !s.limiter.Allow(caller.String()) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		h(w, r.WithContext(WithCaller(r.Context(), caller)), caller)
	}
}

func (s *HTTPServer) instrument(endpoint string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		metrics.IncHTTP(endpoint, recorder.status)

		ev := s.logger.Info()
		if recorder.status >= http.StatusInternalServerError {
			ev = s.logger.Error()
		}
		ev.Str("request_id", RequestIDFromContext(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", recorder.status).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

func (s *HTTPServer) recoverPanic(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			s.logger.Error().
				Interface("panic", rec).
				Str("request_id", RequestIDFromContext(r.Context())).
				Str("path", r.URL.Path).
				Msg("recovered from panic in http handler")
			writeError(w, http.StatusInternalServerError, "internal error")
		}()
		next.ServeHTTP(w, r)
	})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

// RequestIDFromContext returns the id assigned to the current request.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
