package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/marquee/internal/api"
	"github.com/lalithlochan/marquee/internal/config"
	"github.com/lalithlochan/marquee/internal/db"
	"github.com/lalithlochan/marquee/internal/observ"
	"github.com/lalithlochan/marquee/internal/redis"
	"github.com/lalithlochan/marquee/internal/supervisor"
)

const version = "v1.0.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Setup logger
	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting marquee gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.String("version", version),
		zap.String("email_provider", cfg.EmailProvider),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize database connection
	database, err := db.New(ctx, db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	logger.Info("database connection established",
		zap.String("host", cfg.DBHost),
		zap.Int("port", cfg.DBPort),
		zap.String("database", cfg.DBName),
	)

	repo := db.NewRepository(database, logger)

	// Redis backs webhook replay protection and rate limiting. Without it
	// webhooks are processed every time and limited per process.
	redisClient, err := redis.New(ctx, redis.Config{
		URL:      cfg.RedisURL,
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		logger.Warn("redis unavailable, replay protection disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
		redisClient = nil
	} else {
		defer redisClient.Close()
	}

	app, err := build(ctx, cfg, repo, redisClient, logger)
	if err != nil {
		return err
	}

	health := map[string]api.Pinger{
		"database": api.PingFunc(database.Health),
		"redis":    nil,
	}
	if redisClient != nil {
		health["redis"] = redisClient
	}

	router := api.NewRouter(api.RouterConfig{
		Logger:               logger,
		Webhooks:             app.webhooks,
		Operator:             app.operator,
		Limiter:              app.limiter,
		WebhookRatePerMinute: cfg.WebhookRateLimit,
		Health:               health,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second, // operator reconcile runs inline
		IdleTimeout:  60 * time.Second,
	}

	tree := supervisor.New(logger, supervisor.Config{})
	tree.AddEdge(&supervisor.HTTP{Server: srv, ShutdownTimeout: 10 * time.Second})
	if app.consumer != nil {
		tree.AddEdge(supervisor.Func{Name: "inbox", Fn: app.consumer.Serve})
	}
	for _, svc := range app.workers {
		tree.AddWorker(svc)
	}

	logger.Info("server listening", zap.String("addr", srv.Addr), zap.Int("workers", len(app.workers)))

	if err := tree.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("supervisor stopped: %w", err)
	}

	logger.Info("gateway stopped gracefully")
	return nil
}
