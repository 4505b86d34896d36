package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/floroz/gavel-auctions/internal/adapters/database"
	redisadapter "github.com/floroz/gavel-auctions/internal/adapters/redis"
	"github.com/floroz/gavel-auctions/internal/auction"
	"github.com/floroz/gavel-auctions/internal/config"
	pkgdb "github.com/floroz/gavel-auctions/pkg/database"
	"github.com/floroz/gavel-auctions/pkg/logger"
)

func main() {
	// Load environment variables (local overrides .env)
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid config", "error", err)
		os.Exit(1)
	}

	log, syncLogger, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		slog.Error("Failed to create logger", "error", err)
		os.Exit(1)
	}
	defer func() { _ = syncLogger() }()
	slog.SetDefault(log)
	log.Info("Configuration loaded", "config", cfg.String())

	if err := run(cfg, log); err != nil {
		log.Error("Auction scheduler stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The pool is created lazily: the scheduler itself waits for the database
	// when it is unreachable, at startup or later.
	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("unable to create connection pool: %w", err)
	}
	defer pool.Close()

	txManager := pkgdb.NewPostgresTransactionManager(pool, cfg.Scheduler.LockTimeout)
	auctionRepo := database.NewPostgresAuctionRepository(pool)
	bidRepo := database.NewPostgresBidRepository(pool)
	listingRepo := database.NewPostgresListingRepository(pool)
	outboxRepo := database.NewPostgresOutboxRepository(pool)

	serviceOpts := []auction.Option{auction.WithLogger(log)}
	schedulerOpts := []auction.SchedulerOption{
		auction.WithSchedulerLogger(log),
		auction.WithInterval(cfg.Scheduler.Interval),
		auction.WithBatchSize(cfg.Scheduler.BatchSize),
		auction.WithReconnectBackoff(500*time.Millisecond, cfg.Scheduler.MaxReconnectDelay),
	}

	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()

		lease := redisadapter.NewLease(rdb, cfg.Scheduler.LeaseKey, cfg.Scheduler.InstanceID, cfg.Scheduler.LeaseTTL)
		schedulerOpts = append(schedulerOpts, auction.WithLeaderLease(lease))
		serviceOpts = append(serviceOpts, auction.WithNotifier(redisadapter.NewNotifier(rdb, time.Second)))
		log.Info("Scheduler lease enabled", "key", cfg.Scheduler.LeaseKey, "instance_id", cfg.Scheduler.InstanceID)
	} else {
		log.Warn("Redis is not configured, running without a leader lease")
	}

	service := auction.NewService(txManager, auctionRepo, bidRepo, listingRepo, outboxRepo, serviceOpts...)
	scheduler := auction.NewScheduler(service, auctionRepo, auctionRepo, schedulerOpts...)

	return scheduler.Run(ctx)
}
