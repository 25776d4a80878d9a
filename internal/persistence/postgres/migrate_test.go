// SPDX-License-Identifier: Apache-2.0

package postgres

import (
	"errors"
	"testing"

	embeddedmigrations "github.com/adiadia/governance-tracker/migrations"
)

func TestPendingMigrations(t *testing.T) {
	files := []embeddedmigrations.File{
		{Version: 1, Name: "0001_a.sql", Checksum: "aa"},
		{Version: 2, Name: "0002_b.sql", Checksum: "bb"},
	}

	pending, err := pendingMigrations(files, map[int]appliedMigration{
		1: {Version: 1, Name: "0001_a.sql", Checksum: "aa"},
	})
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 || pending[0].Version != 2 {
		t.Fatalf("expected only version 2 pending, got %+v", pending)
	}

	all, err := pendingMigrations(files, nil)
	if err != nil || len(all) != 2 {
		t.Fatalf("expected everything pending on an empty database, got %+v, %v", all, err)
	}
}

func TestPendingMigrationsDetectsEditedFile(t *testing.T) {
	files := []embeddedmigrations.File{{Version: 1, Name: "0001_a.sql", Checksum: "new"}}

	_, err := pendingMigrations(files, map[int]appliedMigration{
		1: {Version: 1, Name: "0001_a.sql", Checksum: "old"},
	})
	if !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("expected checksum mismatch, got %v", err)
	}
}
