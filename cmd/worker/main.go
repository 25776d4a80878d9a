// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/adiadia/governance-tracker/internal/config"
	"github.com/adiadia/governance-tracker/internal/logging"
	"github.com/adiadia/governance-tracker/internal/persistence/postgres"
	"github.com/adiadia/governance-tracker/internal/repository"
	"github.com/adiadia/governance-tracker/internal/worker"
)

// The worker binary prunes the execution archive. It shares the database
// with the API but holds no live tracker state.
func main() {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := logging.NewLogger(cfg.Env)

	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		log.Fatalf("DATABASE_URL is required for the archive worker")
	}
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer pool.Close()

	if err := postgres.SchemaReady(ctx, pool); err != nil {
		log.Fatalf("archive schema not ready: %v", err)
	}

	w := worker.New(worker.Deps{
		Pruner:        repository.NewExecutionRepository(pool, logger),
		Logger:        logger,
		Interval:      cfg.RetentionInterval,
		ArchiveMaxAge: cfg.ArchiveMaxAge,
	})

	logger.Info("archive worker started", "max_age", cfg.ArchiveMaxAge)

	err = w.Run(ctx, "archive-prune", func(ctx context.Context) error {
		_, err := w.PruneOnce(ctx)
		return err
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("archive worker stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("archive worker stopped")
}
