// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/adiadia/governance-tracker/internal/domain"
)

const defaultListLimit = 100

// ExecutionRepository archives finished executions so they outlive
// in-memory retention.
type ExecutionRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewExecutionRepository(pool *pgxpool.Pool, logger *slog.Logger) *ExecutionRepository {
	return &ExecutionRepository{
		pool:   pool,
		logger: logger,
	}
}

// ArchiveExecution writes exec with its steps and message log. Archiving the
// same task again replaces the earlier copy.
func (r *ExecutionRepository) ArchiveExecution(ctx context.Context, exec domain.WorkflowExecution) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		r.logger.Error("begin tx failed", "error", err)
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO workflow_executions (task_id, status, progress, error, started_at, ended_at, archived_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (task_id) DO UPDATE
		SET status = EXCLUDED.status,
		    progress = EXCLUDED.progress,
		    error = EXCLUDED.error,
		    started_at = EXCLUDED.started_at,
		    ended_at = EXCLUDED.ended_at,
		    archived_at = NOW()
	`,
		exec.TaskID,
		exec.Status,
		exec.Progress,
		exec.Error,
		exec.StartTime,
		exec.EndTime,
	); err != nil {
		r.logger.Error("upsert execution failed", "task_id", exec.TaskID, "error", err)
		return err
	}

	if _, err := tx.Exec(ctx, `DELETE FROM workflow_steps WHERE task_id = $1`, exec.TaskID); err != nil {
		return fmt.Errorf("clear steps: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM execution_messages WHERE task_id = $1`, exec.TaskID); err != nil {
		return fmt.Errorf("clear messages: %w", err)
	}

	batch := &pgx.Batch{}
	for i, st := range exec.Steps {
		batch.Queue(`
			INSERT INTO workflow_steps (
				task_id, position, step_id, title, description, status,
				enabled, is_automatic, resumable, progress,
				processed_records, total_records, started_at, ended_at, error
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		`,
			exec.TaskID, i, st.ID, st.Title, st.Description, st.Status,
			st.Enabled, st.IsAutomatic, st.Resumable, st.Progress,
			st.ProcessedRecords, st.TotalRecords, st.StartTime, st.EndTime, st.Error,
		)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			r.logger.Error("insert steps failed", "task_id", exec.TaskID, "error", err)
			return err
		}
	}

	if len(exec.Messages) > 0 {
		rows := exec.Messages
		if _, err := tx.CopyFrom(ctx,
			pgx.Identifier{"execution_messages"},
			[]string{"task_id", "seq", "execution_status", "payload", "received_at"},
			pgx.CopyFromSlice(len(rows), func(i int) ([]any, error) {
				return []any{exec.TaskID.String(), rows[i].Seq, rows[i].ExecutionStatus, jsonPayload(rows[i].Payload), rows[i].ReceivedAt}, nil
			}),
		); err != nil {
			r.logger.Error("copy messages failed", "task_id", exec.TaskID, "error", err)
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		r.logger.Error("commit failed", "task_id", exec.TaskID, "error", err)
		return err
	}

	r.logger.Info("execution archived",
		"task_id", exec.TaskID,
		"status", exec.Status,
		"steps", len(exec.Steps),
		"messages", len(exec.Messages),
	)
	return nil
}

func jsonPayload(raw json.RawMessage) any {
	if len(raw) == 0 || !json.Valid(raw) {
		return nil
	}
	return string(raw)
}

// ListArchived returns archived summaries, most recently ended first.
func (r *ExecutionRepository) ListArchived(ctx context.Context, limit int) ([]domain.ExecutionSummary, error) {
	if limit <= 0 || limit > 1000 {
		limit = defaultListLimit
	}

	rows, err := r.pool.Query(ctx, `
		SELECT task_id, status, progress, error, started_at, ended_at
		FROM workflow_executions
		ORDER BY ended_at DESC NULLS LAST, task_id
		LIMIT $1
	`, limit)
	if err != nil {
		r.logger.Error("list archived failed", "error", err)
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.ExecutionSummary, 0, limit)
	for rows.Next() {
		var s domain.ExecutionSummary
		if err := rows.Scan(&s.TaskID, &s.Status, &s.Progress, &s.Error, &s.StartTime, &s.EndTime); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// GetArchived loads one archived execution. It returns an error matching
// pgx.ErrNoRows when the task was never archived.
func (r *ExecutionRepository) GetArchived(ctx context.Context, id domain.TaskID) (domain.WorkflowExecution, error) {
	var exec domain.WorkflowExecution
	err := r.pool.QueryRow(ctx, `
		SELECT task_id, status, progress, error, started_at, ended_at
		FROM workflow_executions
		WHERE task_id = $1
	`, id).Scan(&exec.TaskID, &exec.Status, &exec.Progress, &exec.Error, &exec.StartTime, &exec.EndTime)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			r.logger.Error("get archived failed", "task_id", id, "error", err)
		}
		return domain.WorkflowExecution{}, err
	}

	steps, err := r.pool.Query(ctx, `
		SELECT step_id, title, description, status, enabled, is_automatic, resumable,
		       progress, processed_records, total_records, started_at, ended_at, error
		FROM workflow_steps
		WHERE task_id = $1
		ORDER BY position
	`, id)
	if err != nil {
		return domain.WorkflowExecution{}, err
	}
	exec.Steps, err = pgx.CollectRows(steps, func(row pgx.CollectableRow) (domain.WorkflowStep, error) {
		var st domain.WorkflowStep
		err := row.Scan(
			&st.ID, &st.Title, &st.Description, &st.Status, &st.Enabled, &st.IsAutomatic, &st.Resumable,
			&st.Progress, &st.ProcessedRecords, &st.TotalRecords, &st.StartTime, &st.EndTime, &st.Error,
		)
		return st, err
	})
	if err != nil {
		return domain.WorkflowExecution{}, fmt.Errorf("scan steps: %w", err)
	}

	msgs, err := r.pool.Query(ctx, `
		SELECT seq, execution_status, payload, received_at
		FROM execution_messages
		WHERE task_id = $1
		ORDER BY seq
	`, id)
	if err != nil {
		return domain.WorkflowExecution{}, err
	}
	exec.Messages, err = pgx.CollectRows(msgs, func(row pgx.CollectableRow) (domain.ExecutionMessage, error) {
		var (
			m       domain.ExecutionMessage
			payload []byte
		)
		if err := row.Scan(&m.Seq, &m.ExecutionStatus, &payload, &m.ReceivedAt); err != nil {
			return m, err
		}
		m.TaskID = id
		m.Payload = payload
		return m, nil
	})
	if err != nil {
		return domain.WorkflowExecution{}, fmt.Errorf("scan messages: %w", err)
	}

	return exec, nil
}

// PruneArchived deletes archived executions that ended before cutoff.
func (r *ExecutionRepository) PruneArchived(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM workflow_executions WHERE ended_at < $1`, cutoff)
	if err != nil {
		r.logger.Error("prune archived failed", "error", err)
		return 0, err
	}
	return tag.RowsAffected(), nil
}
