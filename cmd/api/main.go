package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"connectrpc.com/connect"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"

	"github.com/floroz/gavel-auctions/internal/adapters/api"
	"github.com/floroz/gavel-auctions/internal/adapters/database"
	redisadapter "github.com/floroz/gavel-auctions/internal/adapters/redis"
	"github.com/floroz/gavel-auctions/internal/auction"
	"github.com/floroz/gavel-auctions/internal/config"
	"github.com/floroz/gavel-auctions/migrations"
	"github.com/floroz/gavel-auctions/pkg/auth"
	pkgdb "github.com/floroz/gavel-auctions/pkg/database"
	pkgevents "github.com/floroz/gavel-auctions/pkg/events"
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
		log.Error("Auction API stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. Postgres
	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("unable to create connection pool: %w", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("unable to ping database: %w", err)
	}
	log.Info("Postgres connected")

	if cfg.Database.MigrateOnStart {
		if err := migrations.Up(ctx, pool); err != nil {
			return err
		}
		version, err := migrations.Version(ctx, pool)
		if err != nil {
			return err
		}
		log.Info("Migrations applied", "version", version)
	}

	// 2. RabbitMQ
	amqpConn, err := amqp.Dial(cfg.RabbitMQ.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	defer amqpConn.Close()

	publisher, err := pkgevents.NewRabbitMQPublisher(amqpConn, cfg.RabbitMQ.Exchange)
	if err != nil {
		return fmt.Errorf("failed to create RabbitMQ publisher: %w", err)
	}
	defer publisher.Close()
	log.Info("RabbitMQ connected", "exchange", cfg.RabbitMQ.Exchange)

	// 3. Redis (optional): outbid and win notifications
	var opts []auction.Option
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()

		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Warn("Redis connection failed, notifications may be dropped", "error", err)
		} else {
			log.Info("Redis connected")
		}
		opts = append(opts, auction.WithNotifier(redisadapter.NewNotifier(rdb, time.Second)))
	}

	// 4. Repositories
	txManager := pkgdb.NewPostgresTransactionManager(pool, cfg.Bidding.LockTimeout)
	auctionRepo := database.NewPostgresAuctionRepository(pool)
	bidRepo := database.NewPostgresBidRepository(pool)
	listingRepo := database.NewPostgresListingRepository(pool)
	outboxRepo := database.NewPostgresOutboxRepository(pool)

	// 5. Service
	opts = append(opts,
		auction.WithLogger(log),
		auction.WithRetryPolicy(cfg.Bidding.MaxRetries, cfg.Bidding.RetryDelay),
		auction.WithTransitionTransactions(txManager.WithLockTimeout(cfg.Scheduler.LockTimeout)),
	)
	service := auction.NewService(txManager, auctionRepo, bidRepo, listingRepo, outboxRepo, opts...)

	// 6. API handler with auth interceptor
	publicKey, err := os.ReadFile(cfg.Auth.PublicKeyPath)
	if err != nil {
		return fmt.Errorf("failed to read JWT public key: %w", err)
	}
	signer, err := auth.NewSignerFromPublicKey(publicKey, cfg.Auth.Issuer)
	if err != nil {
		return fmt.Errorf("failed to create token validator: %w", err)
	}

	path, handler := api.NewAuctionServiceHandler(
		api.NewAuctionHandler(service, log),
		connect.WithInterceptors(auth.NewAuthInterceptor(signer)),
	)

	mux := http.NewServeMux()
	mux.Handle(path, handler)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	// Use h2c for HTTP/2 without TLS (internal traffic)
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           h2c.NewHandler(mux, &http2.Server{}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// 7. Outbox relay
	relay := pkgevents.NewOutboxRelay(
		outboxRepo,
		publisher,
		txManager,
		cfg.Outbox.BatchSize,
		cfg.Outbox.PollInterval,
		cfg.RabbitMQ.Exchange,
		log,
	)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("Starting outbox relay", "interval", cfg.Outbox.PollInterval)
		return relay.Run(gCtx)
	})

	g.Go(func() error {
		log.Info("Starting auction API", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		log.Info("Shutting down auction API")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
