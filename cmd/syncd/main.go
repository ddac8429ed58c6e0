package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"assetsync/internal/api"
	"assetsync/internal/config"
	"assetsync/internal/database"
	"assetsync/internal/detector"
	"assetsync/internal/domain"
	"assetsync/internal/events"
	"assetsync/internal/locks"
	"assetsync/internal/logging"
	"assetsync/internal/metrics"
	"assetsync/internal/ratelimit"
	"assetsync/internal/remote"
	"assetsync/internal/service"
	"assetsync/internal/worker"

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
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	if closer != nil {
		defer func() { _ = closer.Close() }()
	}
	logger := baseLogger.With().Str("component", "syncd").Logger()

	db, err := database.NewDB(cfg.Database.Path)
	if err != nil {
		logger.Error().Err(err).Msg("init database")
		return err
	}
	defer db.Close()
	logger.Info().Str("path", cfg.Database.Path).Msg("database initialized")

	redisClient := initRedis(cfg, logger)
	if redisClient != nil {
		defer redisClient.Close()
	}

	metrics.Register()

	broadcaster := events.NewBroadcaster(redisClient, *baseLogger)
	remoteClient := remote.NewHTTPClient(cfg.Remote, *baseLogger)
	limiter := ratelimit.New(cfg.RateLimit)
	det := detector.New(remoteClient, detector.FieldEquality{}, *baseLogger)

	var runLock domain.RunLock
	if redisClient != nil {
		runLock = locks.NewRedisRunLock(redisClient, cfg.Sync.LockTTL)
	} else {
		runLock = locks.NewMemoryRunLock(cfg.Sync.LockTTL)
	}

	syncWorker := worker.New(db, remoteClient, det, limiter, runLock, broadcaster, worker.Options{
		Retry: worker.RetryPolicy{
			MaxRetries:   cfg.Sync.MaxRetries,
			InitialDelay: cfg.Sync.RetryBaseDelay,
			MaxDelay:     cfg.Sync.RetryMaxDelay,
		},
		BatchSize: cfg.Sync.BatchSize,
		PoolSize:  cfg.Sync.WorkerPoolSize,
		LockTTL:   cfg.Sync.LockTTL,
	}, *baseLogger)

	svc := service.NewSyncService(db, domain.NopLocalStore{}, broadcaster,
		cfg.Sync.CoalesceUpdates, cfg.Sync.MaxRetries, *baseLogger)

	scheduler := worker.NewScheduler(db, syncWorker, cfg.Sync.Interval, *baseLogger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go scheduler.Start(ctx)
	startMetrics(ctx, cfg, logger)

	if !cfg.API.Enabled {
		logger.Info().Msg("API disabled, running worker only")
		<-ctx.Done()
		return nil
	}

	httpServer := api.NewHTTPServer(cfg.API, svc, syncWorker, broadcaster, *baseLogger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown")
	}
	logger.Info().Msg("shutdown complete")
	return nil
}

func initRedis(cfg *config.Config, logger zerolog.Logger) *redis.Client {
	if !cfg.Redis.Enabled {
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})

	pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn().Err(err).Str("address", cfg.Redis.Address).
			Msg("redis unreachable, falling back to in-process locks and events")
		_ = client.Close()
		return nil
	}

	logger.Info().Str("address", cfg.Redis.Address).Msg("redis connected")
	return client
}

func startMetrics(ctx context.Context, cfg *config.Config, logger zerolog.Logger) {
	if !cfg.Monitoring.PrometheusEnabled {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Monitoring.PrometheusPort),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("metrics listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}
