package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuongbtq/jobgate/internal/api/handler"
	"github.com/cuongbtq/jobgate/internal/api/router"
	"github.com/cuongbtq/jobgate/internal/archive"
	"github.com/cuongbtq/jobgate/internal/config"
	"github.com/cuongbtq/jobgate/internal/queue"
	"github.com/cuongbtq/jobgate/internal/ratelimit"
	"github.com/cuongbtq/jobgate/shared/logger"
	"github.com/cuongbtq/jobgate/shared/postgresql"
	"github.com/cuongbtq/jobgate/shared/redisstore"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	// Parse command-line flags
	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateAPIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting API service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	initCtx, initCancel := context.WithTimeout(context.Background(), time.Minute)
	defer initCancel()

	// Initialize Redis client
	redisClient, err := initRedis(initCtx, &cfg.Redis, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize redis: %w", err)
	}

	admission := ratelimit.NewController(redisClient.Redis(),
		ratelimit.WithLogger(appLogger.Logger),
		ratelimit.WithTiers(tierTable(&cfg.RateLimit)),
		ratelimit.WithFailOpen(cfg.RateLimit.FailOpen),
		ratelimit.WithConcurrentTTL(cfg.RateLimit.ConcurrentTTL),
	)
	queueOpts := []queue.Option{
		queue.WithLogger(appLogger.Logger),
		queue.WithJobTTL(cfg.Queue.JobTTL),
		queue.WithSlotReleaser(admission),
	}

	// Initialize PostgreSQL archive, if enabled
	var (
		dbClient *postgresql.Client
		store    *archive.Store
	)
	if cfg.Database.Enabled {
		dbClient, err = initPostgreSQL(initCtx, &cfg.Database, appLogger.Logger)
		if err != nil {
			redisClient.Close()
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		store = archive.NewStore(dbClient.DB(), appLogger.Logger)
		if err := store.EnsureSchema(initCtx); err != nil {
			dbClient.Close()
			redisClient.Close()
			return fmt.Errorf("failed to prepare archive schema: %w", err)
		}
		queueOpts = append(queueOpts, queue.WithArchiver(store))
		appLogger.Info("Archive database connection established")
	}

	jobQueue := queue.New(redisClient.Redis(), queueOpts...)

	deps := &handler.Dependencies{
		Logger:            appLogger.Logger,
		Queue:             jobQueue,
		Admission:         admission,
		JobTypes:          cfg.Queue.JobTypes,
		DefaultMaxRetries: cfg.Queue.DefaultMaxRetries,
		Retention:         cfg.Worker.Retention,
		Health:            redisClient.Ping,
	}
	if store != nil {
		deps.Archive = store
		deps.Health = router.HealthChecks(redisClient.Ping, dbClient.HealthCheck)
	}

	// Initialize router
	r := initRouter(cfg, deps)

	// Create HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	appLogger.Info("Starting HTTP server",
		slog.String("address", addr),
		slog.Duration("read_timeout", cfg.Server.ReadTimeout),
		slog.Duration("write_timeout", cfg.Server.WriteTimeout),
		slog.Bool("fail_open", cfg.RateLimit.FailOpen),
	)

	// Start server in goroutine
	serveErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	// Cleanup function to close all resources
	cleanup := func() {
		if dbClient != nil {
			dbClient.Close()
		}
		redisClient.Close()
	}
	defer cleanup()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Shutting down server...", slog.String("signal", sig.String()))
	case err := <-serveErr:
		appLogger.Error("Server failed to start", slog.Any("error", err))
		return err
	}

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
		return err
	}

	appLogger.Info("Server shutdown complete")
	return nil
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableSource,
		TimeFormat:   time.RFC3339,
	}

	return logger.New(loggerCfg)
}

// initRedis initializes the shared Redis client
func initRedis(ctx context.Context, cfg *config.RedisConfig, logger *slog.Logger) (*redisstore.Client, error) {
	return redisstore.NewClient(ctx, &redisstore.Config{
		Addr:          cfg.Addr,
		Password:      cfg.Password,
		DB:            cfg.DB,
		PoolSize:      cfg.PoolSize,
		MinIdleConns:  cfg.MinIdleConns,
		DialTimeout:   cfg.DialTimeout,
		ReadTimeout:   cfg.ReadTimeout,
		WriteTimeout:  cfg.WriteTimeout,
		RetryAttempts: cfg.RetryAttempts,
		RetryInterval: cfg.RetryInterval,
	}, logger)
}

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(ctx context.Context, cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	dbConfig := &postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}

	return postgresql.NewClient(ctx, dbConfig, logger)
}

// tierTable applies configured tier overrides to the built-in table
func tierTable(cfg *config.RateLimitConfig) ratelimit.TierTable {
	tiers := ratelimit.DefaultTiers()
	for name, t := range cfg.Tiers {
		tiers.Override(ratelimit.Tier(name), ratelimit.TierLimits{
			RequestsPerUserPerDay:  t.RequestsPerUserPerDay,
			RequestsPerGroupPerDay: t.RequestsPerGroupPerDay,
			MessagesPerGroupHour:   t.MessagesPerGroupHour,
			ConcurrentJobs:         t.ConcurrentJobs,
			BurstMultiplier:        t.BurstMultiplier,
		})
	}
	return tiers
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter(cfg *config.Config, deps *handler.Dependencies) *gin.Engine {
	// Set Gin mode based on environment
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	return router.SetupRouter(deps, router.Options{
		ClientRPS:   cfg.Server.ClientRPS,
		ClientBurst: cfg.Server.ClientBurst,
	})
}
