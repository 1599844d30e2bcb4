package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuongbtq/jobgate/internal/archive"
	"github.com/cuongbtq/jobgate/internal/config"
	"github.com/cuongbtq/jobgate/internal/executor"
	"github.com/cuongbtq/jobgate/internal/queue"
	"github.com/cuongbtq/jobgate/internal/ratelimit"
	"github.com/cuongbtq/jobgate/internal/worker"
	"github.com/cuongbtq/jobgate/shared/logger"
	"github.com/cuongbtq/jobgate/shared/postgresql"
	"github.com/cuongbtq/jobgate/shared/rabbitmq"
	"github.com/cuongbtq/jobgate/shared/redisstore"
	"github.com/joho/godotenv"
)

const maintenanceLockKey = "worker:maintenance"

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
	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	workerID := cfg.Worker.ID
	if workerID == "" {
		host, _ := os.Hostname()
		workerID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	wlog := appLogger.WithAttrs(slog.String("worker_id", workerID))

	wlog.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	initCtx, initCancel := context.WithTimeout(context.Background(), time.Minute)
	defer initCancel()

	// Resources are closed in reverse order of creation
	var closers []func() error
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				wlog.Warn("Failed to close resource", slog.Any("error", err))
			}
		}
	}
	defer cleanup()

	// Initialize Redis client
	redisClient, err := initRedis(initCtx, &cfg.Redis, wlog.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize redis: %w", err)
	}
	closers = append(closers, redisClient.Close)
	rdb := redisClient.Redis()

	// Jobs finished by the stale sweep give back their slots here too
	slots := ratelimit.NewController(rdb, ratelimit.WithLogger(wlog.Logger))
	queueOpts := []queue.Option{
		queue.WithLogger(wlog.Logger),
		queue.WithJobTTL(cfg.Queue.JobTTL),
		queue.WithSlotReleaser(slots),
	}

	// Initialize PostgreSQL archive, if enabled
	if cfg.Database.Enabled {
		dbClient, err := initPostgreSQL(initCtx, &cfg.Database, wlog.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		closers = append(closers, dbClient.Close)

		store := archive.NewStore(dbClient.DB(), wlog.Component("archive"))
		if err := store.EnsureSchema(initCtx); err != nil {
			return fmt.Errorf("failed to prepare archive schema: %w", err)
		}
		queueOpts = append(queueOpts, queue.WithArchiver(store))
		wlog.Info("Archive database connection established")
	}

	// Initialize RabbitMQ outcome notifications, if enabled
	var notifier worker.Notifier
	if cfg.RabbitMQ.Enabled {
		rabbitClient, err := initRabbitMQ(initCtx, &cfg.RabbitMQ, wlog.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}
		closers = append(closers, rabbitClient.Close)
		notifier = worker.NewRabbitNotifier(rabbitClient, wlog.Logger)
		wlog.Info("RabbitMQ connection established")
	}

	jobQueue := queue.New(rdb, queueOpts...)

	// Register executors
	registry := worker.NewRegistry()
	if err := executor.Register(registry, cfg.Executor.Endpoints, cfg.Executor.Timeout, wlog.Component("executor")); err != nil {
		return fmt.Errorf("failed to register executors: %w", err)
	}

	metrics, err := worker.NewMetrics()
	if err != nil {
		return fmt.Errorf("failed to initialize metrics: %w", err)
	}

	var window *worker.BatchWindow
	if cfg.Worker.BatchWindow.Enabled {
		window, err = worker.ParseBatchWindow(cfg.Worker.BatchWindow.Start, cfg.Worker.BatchWindow.Duration)
		if err != nil {
			return fmt.Errorf("invalid batch window: %w", err)
		}
	}

	maintenance := worker.NewMaintenance(worker.MaintenanceConfig{
		Logger:     wlog.Component("maintenance"),
		Sweeper:    jobQueue,
		Lock:       redisstore.NewLock(rdb, maintenanceLockKey, workerID, cfg.Worker.MaintenanceInterval),
		Interval:   cfg.Worker.MaintenanceInterval,
		StaleAfter: cfg.Worker.StaleAfter,
		Retention:  cfg.Worker.Retention,
	})

	// Create worker instance
	workerInstance, err := worker.NewWorker(&worker.Config{
		Logger:      wlog.Logger,
		Queue:       jobQueue,
		Executors:   registry,
		Slots:       slots,
		Notifier:    notifier,
		Metrics:     metrics,
		Maintenance: maintenance,
		BatchWindow: window,
		WorkerID:    workerID,
		Concurrency: cfg.Worker.Concurrency,
		JobTypes:    cfg.Worker.JobTypes,
		JobTimeout:  cfg.Worker.JobTimeout,
		PollTimeout: cfg.Worker.PollTimeout,
		IdleSleep:   cfg.Worker.IdleSleep,
		Backoff: worker.Backoff{
			Base: cfg.Worker.ErrorBackoffBase,
			Max:  cfg.Worker.ErrorBackoffMax,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create worker: %w", err)
	}

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start worker in a goroutine
	errChan := make(chan error, 1)
	go func() {
		errChan <- workerInstance.Run(ctx)
	}()

	wlog.Info("Worker service started successfully")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		wlog.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case err := <-errChan:
		if err != nil {
			wlog.Error("Worker error", slog.Any("error", err))
		}
		return err
	}

	// Cancel context to stop polling; in-flight jobs run to completion
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
	defer shutdownCancel()

	select {
	case err := <-errChan:
		if err != nil {
			return err
		}
		wlog.Info("Worker stopped gracefully")
	case <-shutdownCtx.Done():
		wlog.Warn("Worker shutdown timeout exceeded, forcing exit",
			slog.Duration("shutdown_timeout", cfg.Worker.ShutdownTimeout),
		)
	}

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

// initRabbitMQ initializes the RabbitMQ client
func initRabbitMQ(ctx context.Context, cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
		Host:              cfg.Host,
		Port:              cfg.Port,
		User:              cfg.User,
		Password:          cfg.Password,
		VHost:             cfg.VHost,
		ExchangeName:      cfg.Exchange,
		ExchangeType:      cfg.ExchangeType,
		ExchangeDurable:   true,
		QueueName:         cfg.Queue,
		BindingKey:        cfg.BindingKey,
		RetryAttempts:     cfg.RetryAttempts,
		RetryInterval:     cfg.RetryInterval,
		Heartbeat:         cfg.Heartbeat,
		PublishRetries:    cfg.PublishRetries,
		PublishRetryDelay: cfg.PublishRetryDelay,
	}

	return rabbitmq.NewClient(ctx, rabbitConfig, logger)
}
