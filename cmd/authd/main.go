package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/edgegate/authd/internal/account"
	"github.com/edgegate/authd/internal/app"
	"github.com/edgegate/authd/internal/bus"
	"github.com/edgegate/authd/internal/directory"
	"github.com/edgegate/authd/internal/observability"
	"github.com/edgegate/authd/internal/token"
	"github.com/edgegate/authd/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Warn("redis ping", slog.Any("error", err))
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()

	transport := bus.NewRedis(redisClient, logger, metrics, bus.RedisConfig{
		Queue:   cfg.AuthorityQueue,
		Channel: cfg.FanoutChannel,
		Timeout: cfg.AuthorityTimeout,
	})

	purgeClient, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("init purge client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := purgeClient.Close(); err != nil {
			logger.Warn("purge client close", slog.Any("error", err))
		}
	}()

	dir := directory.NewService(transport, purgeClient, logger, cfg.SyncSettleDelay)
	if err := transport.Listen(ctx, dir.ApplyEvent); err != nil {
		logger.Error("subscribe fanout", slog.Any("error", err))
		os.Exit(1)
	}

	issuer := token.NewIssuer([]byte(cfg.JWTSecret), cfg.TokenTTL)
	accountService := account.NewService(dir, issuer, logger)
	accountHandler := account.NewHandler(logger, accountService, issuer, dir)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:         logger,
		Config:         cfg,
		AccountHandler: accountHandler,
		JobHandler:     jobHandler,
		Metrics:        metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
