// SPDX-License-Identifier: Apache-2.0

package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	embeddedmigrations "github.com/adiadia/governance-tracker/migrations"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schemaMigrationLockID int64 = 0x4754524b5f4d4752 // "GTRK_MGR"

var requiredTables = []string{
	"workflow_executions",
	"workflow_steps",
	"execution_messages",
}

type requiredColumn struct {
	Table  string
	Column string
}

var requiredColumns = []requiredColumn{
	{Table: "workflow_executions", Column: "ended_at"},
	{Table: "workflow_steps", Column: "processed_records"},
	{Table: "execution_messages", Column: "payload"},
}

type SchemaHealthChecker struct {
	pool *pgxpool.Pool
}

func NewSchemaHealthChecker(pool *pgxpool.Pool) *SchemaHealthChecker {
	return &SchemaHealthChecker{pool: pool}
}

func (h *SchemaHealthChecker) Check(ctx context.Context) error {
	return SchemaReady(ctx, h.pool)
}

// ErrChecksumMismatch means an applied migration file was edited afterwards.
var ErrChecksumMismatch = errors.New("applied migration changed")

type appliedMigration struct {
	Version  int
	Name     string
	Checksum string
}

// EnsureSchema applies pending embedded migrations under an advisory lock so
// concurrent API replicas do not race. Each migration runs in its own
// transaction together with its bookkeeping row.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) error {
	if pool == nil {
		return errors.New("nil database pool")
	}
	if logger == nil {
		logger = slog.Default()
	}

	started := time.Now()
	logger.Info("schema bootstrap starting")

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire db connection for schema bootstrap: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, schemaMigrationLockID); err != nil {
		return fmt.Errorf("acquire schema bootstrap lock: %w", err)
	}
	defer func() {
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, unlockErr := conn.Exec(unlockCtx, `SELECT pg_advisory_unlock($1)`, schemaMigrationLockID); unlockErr != nil {
			logger.Error("schema bootstrap unlock failed", "error", unlockErr)
		}
	}()

	if _, err := conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS tracker_schema_migrations (
			version    INTEGER PRIMARY KEY,
			name       TEXT NOT NULL,
			checksum   TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`); err != nil {
		return fmt.Errorf("create tracker_schema_migrations table: %w", err)
	}

	files, err := embeddedmigrations.Ordered()
	if err != nil {
		return fmt.Errorf("load embedded migrations: %w", err)
	}
	if len(files) == 0 {
		return errors.New("no embedded migrations found")
	}

	rows, err := conn.Query(ctx, `SELECT version, name, checksum FROM tracker_schema_migrations`)
	if err != nil {
		return fmt.Errorf("list applied migrations: %w", err)
	}
	done, err := pgx.CollectRows(rows, pgx.RowToStructByPos[appliedMigration])
	if err != nil {
		return fmt.Errorf("list applied migrations: %w", err)
	}
	applied := make(map[int]appliedMigration, len(done))
	for _, m := range done {
		applied[m.Version] = m
	}

	pending, err := pendingMigrations(files, applied)
	if err != nil {
		return err
	}

	for _, file := range pending {
		logger.Info("applying migration", "version", file.Version, "file", file.Name)
		if err := applyMigration(ctx, conn, file); err != nil {
			return fmt.Errorf("apply migration %s: %w", file.Name, err)
		}
	}

	logger.Info("schema bootstrap complete",
		"applied", len(pending),
		"skipped", len(files)-len(pending),
		"duration_ms", time.Since(started).Milliseconds(),
	)

	return SchemaReady(ctx, pool)
}

// pendingMigrations returns the files not applied yet. An applied file whose
// checksum differs from the embedded one fails the whole bootstrap.
func pendingMigrations(files []embeddedmigrations.File, applied map[int]appliedMigration) ([]embeddedmigrations.File, error) {
	pending := make([]embeddedmigrations.File, 0, len(files))
	for _, file := range files {
		prev, ok := applied[file.Version]
		if !ok {
			pending = append(pending, file)
			continue
		}
		if prev.Checksum != file.Checksum {
			return nil, fmt.Errorf("%w: version %d (%s)", ErrChecksumMismatch, file.Version, file.Name)
		}
	}
	return pending, nil
}

func applyMigration(ctx context.Context, conn *pgxpool.Conn, file embeddedmigrations.File) error {
	tx, err := conn.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if _, err := tx.Exec(ctx, file.SQL, pgx.QueryExecModeSimpleProtocol); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO tracker_schema_migrations (version, name, checksum)
		VALUES ($1, $2, $3)
	`, file.Version, file.Name, file.Checksum); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// SchemaReady reports which archive tables or columns are missing, if any.
func SchemaReady(ctx context.Context, pool *pgxpool.Pool) error {
	if pool == nil {
		return errors.New("nil database pool")
	}

	rows, err := pool.Query(ctx, `
		SELECT t
		FROM unnest($1::text[]) AS t
		WHERE to_regclass('public.' || t) IS NULL
	`, requiredTables)
	if err != nil {
		return fmt.Errorf("check archive tables: %w", err)
	}
	missingTables, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return fmt.Errorf("check archive tables: %w", err)
	}
	if len(missingTables) > 0 {
		return fmt.Errorf("required tables missing: %s", strings.Join(missingTables, ", "))
	}

	var missingColumns []string
	for _, column := range requiredColumns {
		var exists bool
		if err := pool.QueryRow(ctx, `
			SELECT EXISTS (
				SELECT 1
				FROM information_schema.columns
				WHERE table_schema = 'public'
				  AND table_name = $1
				  AND column_name = $2
			)
		`, column.Table, column.Column).Scan(&exists); err != nil {
			return fmt.Errorf("check column %s.%s: %w", column.Table, column.Column, err)
		}
		if !exists {
			missingColumns = append(missingColumns, column.Table+"."+column.Column)
		}
	}
	if len(missingColumns) > 0 {
		return fmt.Errorf("required columns missing: %s", strings.Join(missingColumns, ", "))
	}

	return nil
}
