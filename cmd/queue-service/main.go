package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"waitline/queue-service/internal/config"
	"waitline/queue-service/internal/httpapi"
	"waitline/queue-service/internal/logging"
	"waitline/queue-service/internal/metrics"
	"waitline/queue-service/internal/store/postgres"
	"waitline/queue-service/internal/telemetry"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	shutdownTracing := telemetry.Setup("queue-service", logger)

	pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("db connect", zap.Error(err))
	}
	defer pool.Close()

	st := postgres.NewStore(pool)
	collector := metrics.NewCollector("queue_service")
	limiter := httpapi.NewJoinLimiter(cfg.JoinRateWindow)
	handler := httpapi.NewHandler(st, httpapi.Options{
		JoinLimiter: limiter,
		Metrics:     collector,
	})

	routes := httpapi.AuthMiddleware(st, handler.Routes())
	wrapped := httpapi.LoggingMiddleware(logger, collector, routes)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelhttp.NewHandler(wrapped, "queue-service"),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("queue-service listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	go func() {
		if cfg.ExpireInterval <= 0 {
			return
		}
		ticker := time.NewTicker(cfg.ExpireInterval)
		defer ticker.Stop()
		for range ticker.C {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			cutoff := startOfToday()
			count, err := st.ExpireStale(ctx, cutoff, cfg.ExpireBatchSize)
			cancel()
			if err != nil {
				logger.Error("stale turn sweep", zap.Error(err))
				continue
			}
			if count > 0 {
				collector.TurnsExpired.Add(float64(count))
				logger.Info("expired stale turns", zap.Int("count", count))
			}
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("shutdown", zap.Error(err))
	}
	if err := shutdownTracing(ctx); err != nil {
		logger.Error("tracing shutdown", zap.Error(err))
	}
}

func startOfToday() time.Time {
	now := time.Now().UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}
