package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"roombook/internal/api"
	"roombook/internal/clock"
	"roombook/internal/config"
	"roombook/internal/database"
	"roombook/internal/domain"
	"roombook/internal/events"
	"roombook/internal/google"
	"roombook/internal/lock"
	"roombook/internal/logging"
	"roombook/internal/metrics"
	"roombook/internal/notify"
	"roombook/internal/service"
	"roombook/internal/worker"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	cfg, logger, closer, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	if closer != nil {
		defer (func() { _ = closer.Close() })()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := initDatabase(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	redisClient := initRedis(ctx, cfg, logger)
	if redisClient != nil {
		defer redisClient.Close()
	}

	locker := initLocker(cfg, redisClient, logger)
	eventBus := events.NewEventBus(logging.Component(logger, "events"))

	reservations := service.NewReservationService(
		db, db, locker, eventBus, clock.NewRealClock(),
		cfg.Booking.MaxAdvanceDays,
		logging.Component(logger, "reservations"),
	)

	startNotifier(ctx, cfg, db, redisClient, eventBus, logger)
	startSheets(ctx, cfg, db, redisClient, eventBus, logger)

	if cfg.Backup.Enabled {
		backups := database.NewBackupService(db, cfg.Backup, logging.Component(logger, "backup"))
		go backups.Start(ctx)
	}

	startMetrics(ctx, cfg, logger)

	httpServer := api.NewHTTPServer(
		cfg.API, reservations, db, db, db.Ping,
		cfg.Booking.Location(),
		logging.Component(logger, "http"),
	)

	var grpcServer *api.GRPCServer
	if cfg.API.GRPC.Port > 0 {
		grpcServer, err = api.NewGRPCServer(cfg.API, reservations, logging.Component(logger, "grpc"))
		if err != nil {
			return err
		}
	}
	return serve(ctx, httpServer, grpcServer, logger)
}

func loadConfigAndLogger() (*config.Config, *zerolog.Logger, io.Closer, error) {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, logging.Component(baseLogger, "api-main"), closer, nil
}

func initDatabase(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (*database.DB, error) {
	db, err := database.NewDB(cfg.Database.Path, logging.Component(logger, "database"))
	if err != nil {
		logger.Error().Err(err).Str("db_path", cfg.Database.Path).Msg("init database")
		return nil, err
	}

	if err := db.SyncRooms(ctx, cfg.RoomPointers()); err != nil {
		_ = db.Close()
		logger.Error().Err(err).Msg("sync rooms")
		return nil, err
	}
	return db, nil
}

func initRedis(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) *redis.Client {
	if cfg.Redis.Address == "" {
		return nil
	}

	redisClient := lock.NewRedisClient(cfg.Redis)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := lock.Ping(pingCtx, redisClient); err != nil {
		logger.Warn().Err(err).Msg("redis connection failed, continuing without redis")
		_ = lock.Close(redisClient)
		return nil
	}

	logger.Info().Str("addr", cfg.Redis.Address).Msg("redis connected")
	return redisClient
}

func initLocker(cfg *config.Config, redisClient *redis.Client, logger *zerolog.Logger) domain.RoomLocker {
	memory := lock.NewMemoryRoomLocker()
	if redisClient == nil {
		logger.Info().Msg("using in-process room locks")
		return memory
	}

	ttl, err := time.ParseDuration(cfg.Redis.LockTTL)
	if err != nil {
		logger.Warn().Err(err).Str("lock_ttl", cfg.Redis.LockTTL).Msg("invalid lock ttl, using default")
		ttl = 0
	}
	return lock.NewFailoverRoomLocker(
		lock.NewRedisRoomLocker(redisClient, ttl),
		memory,
		logging.Component(logger, "lock"),
	)
}

func startNotifier(
	ctx context.Context,
	cfg *config.Config,
	db *database.DB,
	redisClient *redis.Client,
	eventBus *events.EventBus,
	logger *zerolog.Logger,
) {
	if !cfg.Telegram.Enabled() {
		logger.Info().Msg("telegram notifications disabled")
		return
	}

	bot, err := notify.NewTelegramBot(cfg.Telegram)
	if err != nil {
		logger.Warn().Err(err).Msg("telegram init failed, continuing without notifications")
		return
	}

	notifyLogger := logging.Component(logger, "notify")
	w := worker.NewNotifyWorker(
		db,
		notify.NewTelegramNotifier(bot, notifyLogger),
		redisClient,
		worker.Recipients{
			AdminChatIDs: cfg.Telegram.AdminChatIDs,
			UserChats:    cfg.Telegram.UserChats,
			Location:     cfg.Booking.Location(),
		},
		worker.RetryPolicy{},
		notifyLogger,
	)
	w.Subscribe(eventBus)
	go w.Start(ctx)

	if cfg.Telegram.ReminderTime != "" {
		if err := w.StartReminders(ctx, db, clock.NewRealClock(), cfg.Telegram.ReminderTime); err != nil {
			logger.Warn().Err(err).Msg("reminders disabled")
		}
	}
}

func startSheets(
	ctx context.Context,
	cfg *config.Config,
	db *database.DB,
	redisClient *redis.Client,
	eventBus *events.EventBus,
	logger *zerolog.Logger,
) {
	if !cfg.Google.Enabled() {
		logger.Info().Msg("google sheets mirror disabled")
		return
	}

	sheetsLogger := logging.Component(logger, "sheets")
	sheets, err := google.NewSheetsService(ctx, cfg.Google, cfg.Booking.Location())
	if err != nil {
		sheetsLogger.Warn().Err(err).Msg("sheets init failed, continuing without mirror")
		return
	}
	if err := sheets.TestConnection(ctx); err != nil {
		sheetsLogger.Warn().Err(err).Msg("sheets connection test failed")
	}

	w := worker.NewSheetsWorker(sheets, redisClient, worker.RetryPolicy{}, sheetsLogger)
	w.Subscribe(eventBus)
	if err := w.Resync(ctx, db); err != nil {
		sheetsLogger.Warn().Err(err).Msg("initial sheet resync failed")
	}
	go w.Start(ctx)
}

func startMetrics(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) {
	if !cfg.Monitoring.PrometheusEnabled {
		return
	}

	metrics.Register()
	go startMetricsServer(ctx, cfg.Monitoring.PrometheusPort, logger)
}

func serve(ctx context.Context, httpServer *api.HTTPServer, grpcServer *api.GRPCServer, logger *zerolog.Logger) error {
	errCh := make(chan error, 2)
	go func() {
		errCh <- httpServer.Start()
	}()
	if grpcServer != nil {
		go func() {
			errCh <- grpcServer.Serve()
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error().Err(err).Msg("api server stopped")
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if grpcServer != nil {
		grpcServer.Shutdown(shutdownCtx)
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown")
	}

	logger.Info().Msg("API server stopped")
	return nil
}

func startMetricsServer(ctx context.Context, port int, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("metrics server error")
	}
}
