// SPDX-License-Identifier: Apache-2.0

// Package worker runs the background jobs around the tracker: archiving and
// evicting finished executions, pruning the archive, and terminal webhooks.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/adiadia/governance-tracker/internal/domain"
	"github.com/adiadia/governance-tracker/internal/metrics"
)

// Retainer is the part of the tracker the retention pass works on.
type Retainer interface {
	Ended() []domain.WorkflowExecution
	CleanupCompleted(keep int) []domain.TaskID
}

type Archiver interface {
	ArchiveExecution(ctx context.Context, exec domain.WorkflowExecution) error
}

type Pruner interface {
	PruneArchived(ctx context.Context, cutoff time.Time) (int64, error)
}

type Deps struct {
	Tracker Retainer
	// Archive is optional. Without it finished executions are evicted
	// without being persisted.
	Archive Archiver
	Pruner  Pruner
	Logger  *slog.Logger

	KeepCompleted int
	Interval      time.Duration
	ArchiveMaxAge time.Duration

	WebhookURL    string
	WebhookSecret string
	HTTPClient    *http.Client
}

type Worker struct {
	tracker Retainer
	archive Archiver
	pruner  Pruner
	logger  *slog.Logger

	keepCompleted int
	interval      time.Duration
	archiveMaxAge time.Duration
	now           func() time.Time

	webhookURL       string
	webhookSecret    string
	webhookRetryBase time.Duration
	httpClient       *http.Client
	inflight         sync.WaitGroup

	mu       sync.Mutex
	archived map[domain.TaskID]time.Time
}

func New(deps Deps) *Worker {
	l := deps.Logger
	if l == nil {
		l = slog.Default()
	}

	keep := deps.KeepCompleted
	if keep < 0 {
		keep = 0
	}

	interval := deps.Interval
	if interval <= 0 {
		interval = time.Minute
	}

	maxAge := deps.ArchiveMaxAge
	if maxAge <= 0 {
		maxAge = 30 * 24 * time.Hour
	}

	client := deps.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	return &Worker{
		tracker:       deps.Tracker,
		archive:       deps.Archive,
		pruner:        deps.Pruner,
		logger:        l,
		keepCompleted: keep,
		interval:      interval,
		archiveMaxAge: maxAge,
		now:           time.Now,
		webhookURL:    deps.WebhookURL,
		webhookSecret: deps.WebhookSecret,
		httpClient:    client,
		archived:      make(map[domain.TaskID]time.Time),
	}
}

// ProcessOnce archives finished executions not archived yet, then evicts all
// but the newest keepCompleted of them. Nothing is evicted when an archive
// write failed, so no finished execution is lost.
func (w *Worker) ProcessOnce(ctx context.Context) error {
	if w.tracker == nil {
		return errors.New("worker has no tracker")
	}

	started := w.now()
	defer func() {
		metrics.ObserveRetentionDuration(w.now().Sub(started))
	}()

	var archiveErr error
	if w.archive != nil {
		for _, exec := range w.tracker.Ended() {
			if w.isArchived(exec) {
				continue
			}
			if err := w.archive.ArchiveExecution(ctx, exec); err != nil {
				w.logger.Error("archive execution failed", "task_id", exec.TaskID, "error", err)
				archiveErr = errors.Join(archiveErr, err)
				continue
			}
			w.markArchived(exec)
		}
	}
	if archiveErr != nil {
		return archiveErr
	}

	evicted := w.tracker.CleanupCompleted(w.keepCompleted)
	if len(evicted) > 0 {
		w.mu.Lock()
		for _, id := range evicted {
			delete(w.archived, id)
		}
		w.mu.Unlock()

		w.logger.Info("retention pass evicted executions",
			"evicted", len(evicted),
			"kept", w.keepCompleted,
		)
	}
	return nil
}

func (w *Worker) isArchived(exec domain.WorkflowExecution) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	at, ok := w.archived[exec.TaskID]
	if !ok || exec.EndTime == nil {
		return false
	}
	return at.Equal(*exec.EndTime)
}

func (w *Worker) markArchived(exec domain.WorkflowExecution) {
	var end time.Time
	if exec.EndTime != nil {
		end = *exec.EndTime
	}

	w.mu.Lock()
	w.archived[exec.TaskID] = end
	w.mu.Unlock()
}

// PruneOnce drops archived executions older than the archive max age.
func (w *Worker) PruneOnce(ctx context.Context) (int64, error) {
	if w.pruner == nil {
		return 0, nil
	}

	cutoff := w.now().Add(-w.archiveMaxAge)
	n, err := w.pruner.PruneArchived(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		w.logger.Info("archive pruned", "deleted", n, "cutoff", cutoff)
	}
	return n, nil
}

// Run calls step every interval until ctx ends. Step errors are logged and
// do not stop the loop.
func (w *Worker) Run(ctx context.Context, name string, step func(context.Context) error) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info("worker loop started", "job", name, "interval", w.interval)
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker loop stopped", "job", name)
			return ctx.Err()
		case <-ticker.C:
			if err := step(ctx); err != nil {
				w.logger.Error("worker job failed", "job", name, "error", err)
			}
		}
	}
}
