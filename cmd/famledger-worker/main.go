package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"famledger/internal/amqp"
	"famledger/internal/config"
	"famledger/internal/matcher"
	"famledger/internal/storage"
	"famledger/internal/worker"
)

func main() {
	// Load .env file for local development (ignore errors in production/docker)
	_ = godotenv.Load()

	// Setup structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	logger.Info("Starting famledger-worker")

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logger.Error("Configuration validation failed", "error", err)
		os.Exit(1)
	}

	store, err := storage.NewStore(cfg.DataBackend, cfg.SQLiteDBPath)
	if err != nil {
		logger.Error("Failed to initialize storage backend", "error", err, "backend", cfg.DataBackend)
		os.Exit(1)
	}
	defer store.Close()

	amqpClient, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPSyncQueue, cfg.AMQPProposalsQueue)
	if err != nil {
		logger.Error("Failed to initialize AMQP client", "error", err)
		os.Exit(1)
	}
	defer amqpClient.Close()

	matchService := matcher.NewService(store,
		matcher.WithAmountTolerance(cfg.MatchAmountTolerance),
		matcher.WithDateToleranceDays(cfg.MatchDateToleranceDays))
	matchWorker := worker.NewMatchWorker(matchService, amqpClient, cfg.RescanFamilies)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, ctx := errgroup.WithContext(ctx)

	// Consume bank sync notifications and run matching per message.
	group.Go(func() error {
		return amqpClient.ConsumeBankSync(ctx, func(msg *amqp.BankSyncCompletedMessage) error {
			return matchWorker.HandleBankSync(ctx, msg)
		})
	})

	// Periodic rescan as a backup for lost notifications.
	group.Go(func() error {
		ticker := time.NewTicker(cfg.RescanInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				if err := matchWorker.RescanAll(ctx); err != nil && !errors.Is(err, context.Canceled) {
					logger.Error("Periodic rescan failed", "error", err)
				}
			}
		}
	})

	logger.Info("Worker running",
		"sync_queue", cfg.AMQPSyncQueue,
		"proposals_queue", cfg.AMQPProposalsQueue,
		"rescan_interval", cfg.RescanInterval.String(),
		"rescan_families", len(cfg.RescanFamilies))

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Worker stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("Worker stopped gracefully")
}
