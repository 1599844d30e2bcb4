package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/cuongbtq/jobgate/internal/config"
	"github.com/cuongbtq/jobgate/internal/queue"
	"github.com/cuongbtq/jobgate/internal/ratelimit"
	"github.com/cuongbtq/jobgate/shared/logger"
)

func main() {
	_ = godotenv.Load()

	// Queue operations log through the default logger; keep the CLI quiet.
	level := os.Getenv("LOG_LEVEL")
	if level == "" {
		level = "warn"
	}
	if l, err := logger.New(&logger.Config{Level: level, Format: "console", Output: "stderr"}); err == nil {
		slog.SetDefault(l.Logger)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand(openQueue).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// openQueue connects to the store named by the config file, with
// --redis-addr taking precedence.
func openQueue(ctx context.Context, opts *rootOptions) (Store, func(), error) {
	redisCfg := config.RedisConfig{Addr: opts.redisAddr}
	jobTTL := queue.DefaultJobTTL

	if opts.configPath != "" {
		cfg, err := config.Load(opts.configPath)
		if err != nil {
			return nil, nil, err
		}
		redisCfg = cfg.Redis
		jobTTL = cfg.Queue.JobTTL
		if opts.redisAddr != "" {
			redisCfg.Addr = opts.redisAddr
		}
	}
	if redisCfg.Addr == "" {
		redisCfg.Addr = "localhost:6379"
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:        redisCfg.Addr,
		Password:    redisCfg.Password,
		DB:          redisCfg.DB,
		DialTimeout: 5 * time.Second,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, nil, fmt.Errorf("failed to connect to redis at %s: %w", redisCfg.Addr, err)
	}

	q := queue.New(rdb,
		queue.WithJobTTL(jobTTL),
		queue.WithSlotReleaser(ratelimit.NewController(rdb)),
	)
	return q, func() { rdb.Close() }, nil
}
