// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
)

func TestNewExecutionRepository(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	var pool *pgxpool.Pool

	repo := NewExecutionRepository(pool, logger)
	if repo == nil {
		t.Fatal("expected execution repository instance")
	}
	if repo.pool != pool {
		t.Fatal("expected pool reference to be preserved")
	}
	if repo.logger != logger {
		t.Fatal("expected logger reference to be preserved")
	}
}

func TestJSONPayload(t *testing.T) {
	if got := jsonPayload(nil); got != nil {
		t.Fatalf("expected nil for empty payload, got %v", got)
	}
	if got := jsonPayload(json.RawMessage(`not json`)); got != nil {
		t.Fatalf("expected nil for invalid payload, got %v", got)
	}
	if got := jsonPayload(json.RawMessage(`{"taskId":"T"}`)); got != `{"taskId":"T"}` {
		t.Fatalf("expected payload text, got %v", got)
	}
}
