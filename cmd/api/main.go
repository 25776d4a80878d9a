// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/adiadia/governance-tracker/internal/config"
	"github.com/adiadia/governance-tracker/internal/domain"
	"github.com/adiadia/governance-tracker/internal/logging"
	"github.com/adiadia/governance-tracker/internal/persistence/postgres"
	"github.com/adiadia/governance-tracker/internal/repository"
	"github.com/adiadia/governance-tracker/internal/sse"
	"github.com/adiadia/governance-tracker/internal/tracker"
	httptransport "github.com/adiadia/governance-tracker/internal/transport/http"
	"github.com/adiadia/governance-tracker/internal/worker"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)
	defer stop()

	logger := logging.NewLogger(cfg.Env)

	policy, ok := tracker.ParseContinuePolicy(cfg.ContinuePolicy)
	if !ok {
		log.Fatalf("invalid CONTINUE_POLICY %q", cfg.ContinuePolicy)
	}

	var (
		pool    *pgxpool.Pool
		archive *repository.ExecutionRepository
		health  httptransport.HealthChecker
	)
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		var err error
		pool, err = postgres.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("db connect failed: %v", err)
		}
		defer pool.Close()

		if cfg.AutoMigrate {
			if err := postgres.EnsureSchema(ctx, pool, logger); err != nil {
				log.Fatalf("schema bootstrap failed: %v", err)
			}
		}
		archive = repository.NewExecutionRepository(pool, logger)
		health = postgres.NewSchemaHealthChecker(pool)
	} else {
		logger.Warn("DATABASE_URL not set, finished executions are not archived")
	}

	header := http.Header{}
	if token := strings.TrimSpace(cfg.GovernanceToken); token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	svc := tracker.NewService(tracker.Deps{
		BaseURL: cfg.GovernanceBaseURL,
		Header:  header,
		Store: tracker.NewStore(tracker.StoreOptions{
			Logger:            logger,
			TombstoneCapacity: cfg.TombstoneCapacity,
		}),
		Logger:               logger,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		ReconnectInterval:    cfg.ReconnectInterval,
		ContinuePolicy:       policy,
		OnWorkflowStarted: func(id domain.TaskID) {
			logger.Info("workflow started", "task_id", id)
		},
		OnConnectionState: func(id domain.TaskID, state sse.State) {
			logger.Debug("connection state", "task_id", id, "state", state)
		},
	})

	workerDeps := worker.Deps{
		Tracker:       svc,
		Logger:        logger,
		KeepCompleted: cfg.RetentionKeepCompleted,
		Interval:      cfg.RetentionInterval,
		ArchiveMaxAge: cfg.ArchiveMaxAge,
		WebhookURL:    cfg.WebhookURL,
		WebhookSecret: cfg.WebhookSecret,
	}
	if archive != nil {
		workerDeps.Archive = archive
	}
	retention := worker.New(workerDeps)

	webhookSub := retention.WatchTerminal(ctx, svc.Hub())
	go func() {
		_ = retention.Run(ctx, "retention", retention.ProcessOnce)
	}()

	routerDeps := httptransport.Deps{
		Tracker:              svc,
		Health:               health,
		Logger:               logger,
		AdminToken:           cfg.AdminToken,
		StartRateLimitPerMin: cfg.StartRateLimitPerMin,
		DefaultKeepCompleted: cfg.RetentionKeepCompleted,
		Version:              Version,
		Commit:               Commit,
		BuildDate:            BuildDate,
	}
	if archive != nil {
		routerDeps.Archive = archive
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httptransport.NewRouter(routerDeps),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("api listening",
			"addr", cfg.HTTPAddr,
			"governance_url", cfg.GovernanceBaseURL,
			"version", Version,
			"commit", Commit,
			"build_date", BuildDate,
		)

		if err := srv.ListenAndServe(); err != nil &&
			!errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		5*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	svc.Close()
	webhookSub.Unsubscribe()
	retention.Wait()

	if archive != nil {
		flushCtx, cancelFlush := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelFlush()
		if err := retention.ProcessOnce(flushCtx); err != nil {
			logger.Error("final archive pass failed", "error", err)
		}
	}
}
