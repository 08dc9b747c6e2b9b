package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/runakor/tsds-aggregate/internal/core/config"
	mongostore "github.com/runakor/tsds-aggregate/internal/core/storage/mongo"
	"github.com/runakor/tsds-aggregate/internal/locking"
	"github.com/runakor/tsds-aggregate/internal/publish"
	"github.com/runakor/tsds-aggregate/internal/scheduler"
)

func main() {
	configPath := flag.String("config", "aggd.yaml", "Path to configuration file")
	flag.Parse()

	// 0. Initialize Logger
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// 1. Load Configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	slog.Info("Loaded config", "config", cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 2. Connect Document Store (MongoDB)
	store, err := mongostore.NewAdapter(cfg.Mongo.URI, cfg.Mongo.ConnectTimeoutDuration())
	if err != nil {
		slog.Error("Failed to initialize document store", "error", err)
		os.Exit(1)
	}
	defer store.Close(context.Background())

	// 3. Connect Lock Service (Redis)
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		slog.Error("Failed to ping lock service", "addr", cfg.Redis.Addr, "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()
	locker := locking.NewRedisLocker(redisClient, cfg.Lock.Retries)

	// 4. Connect Message Broker (Kafka)
	publisher, err := publish.NewKafkaPublisher(ctx, cfg.Kafka.Brokers, cfg.Kafka.Topic)
	if err != nil {
		slog.Error("Failed to initialize publisher", "error", err)
		os.Exit(1)
	}
	defer publisher.Close()

	// 5. Write PID file when configured
	if cfg.PidFile != "" {
		pid := fmt.Sprintf("%d\n", os.Getpid())
		if err := os.WriteFile(cfg.PidFile, []byte(pid), 0o644); err != nil {
			slog.Error("Failed to write pid file", "path", cfg.PidFile, "error", err)
			os.Exit(1)
		}
		defer os.Remove(cfg.PidFile)
	}

	// 6. Start Scheduler
	sched := scheduler.New(store, publisher, locker, scheduler.Options{
		IdleSleep:      cfg.Scheduler.IdleSleepDuration(),
		LockTTL:        cfg.Lock.TTLDuration(),
		ChunkSize:      cfg.Scheduler.ChunkSize,
		AdvanceOnEmpty: cfg.Scheduler.AdvanceOnEmpty,
	})

	// Signal handler → cancels the scheduler loop.
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
		<-quit
		slog.Info("Signal received, shutting down...")
		cancel()
	}()

	if err := sched.Run(ctx); err != nil {
		slog.Error("Scheduler stopped with error", "error", err)
		os.Exit(1)
	}

	slog.Info("Shutdown complete")
}
