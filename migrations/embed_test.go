// SPDX-License-Identifier: Apache-2.0

package migrations

import (
	"strings"
	"testing"
	"testing/fstest"
)

func TestOrderedReturnsVersionedSQL(t *testing.T) {
	files, err := Ordered()
	if err != nil {
		t.Fatalf("ordered: %v", err)
	}
	if len(files) < 2 {
		t.Fatalf("expected embedded migrations, got %d", len(files))
	}
	for i, f := range files {
		if f.Version != i+1 {
			t.Fatalf("expected contiguous versions, %s has %d", f.Name, f.Version)
		}
		if len(f.Checksum) != 64 {
			t.Fatalf("expected sha256 checksum for %s, got %q", f.Name, f.Checksum)
		}
	}
	if !strings.Contains(files[0].SQL, "workflow_executions") {
		t.Fatalf("expected first migration to create workflow_executions")
	}
}

func TestLoadSortsNumerically(t *testing.T) {
	files, err := load(fstest.MapFS{
		"10_later.sql": {Data: []byte("SELECT 10;")},
		"9_early.sql":  {Data: []byte("SELECT 9;")},
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if files[0].Version != 9 || files[1].Version != 10 {
		t.Fatalf("unexpected order: %+v", files)
	}
}

func TestLoadRejectsBadNames(t *testing.T) {
	cases := map[string]fstest.MapFS{
		"no version":   {"schema.sql": {Data: []byte("SELECT 1;")}},
		"zero version": {"0000_init.sql": {Data: []byte("SELECT 1;")}},
		"duplicate":    {"0001_a.sql": {Data: []byte("SELECT 1;")}, "1_b.sql": {Data: []byte("SELECT 2;")}},
		"not a number": {"abc_init.sql": {Data: []byte("SELECT 1;")}},
	}
	for name, fsys := range cases {
		if _, err := load(fsys); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}
