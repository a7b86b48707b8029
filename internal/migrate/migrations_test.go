package migrate

import (
	"context"
	"errors"
	"testing"

	"venturegate/internal/db"
)

func TestMigrateIsRepeatable(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()

	if v, err := Version(conn); err != nil || v != 0 {
		t.Fatalf("fresh version = %d, %v", v, err)
	}
	for i := 0; i < 2; i++ {
		if err := Migrate(conn); err != nil {
			t.Fatalf("migrate run %d: %v", i, err)
		}
	}
	latest, err := Latest()
	if err != nil {
		t.Fatal(err)
	}
	v, err := Version(conn)
	if err != nil || v != latest {
		t.Fatalf("version = %d, want %d (%v)", v, latest, err)
	}
	for _, table := range []string{"validation_states", "evidence_containers", "ingest_receipts", "approval_requests", "audit_events"} {
		var n int
		if err := conn.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&n); err != nil || n != 1 {
			t.Fatalf("table %s missing (%v)", table, err)
		}
	}
}

func TestEditedMigrationIsRejected(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()
	if err := Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	applied, err := Status(context.Background(), conn)
	if err != nil || len(applied) == 0 {
		t.Fatalf("status = %v, %v", applied, err)
	}
	if _, err := conn.Exec(`UPDATE schema_migrations SET checksum='stale' WHERE version=?`, applied[0].Version); err != nil {
		t.Fatal(err)
	}
	err = Migrate(conn)
	var mismatch ChecksumMismatch
	if !errors.As(err, &mismatch) || mismatch.Name != applied[0].Name {
		t.Fatalf("expected checksum mismatch for %s, got %v", applied[0].Name, err)
	}
}
