package db

import (
	"os"
	"strings"
	"testing"
)

func TestOpenCreatesWorkspaceInWALMode(t *testing.T) {
	ws := t.TempDir()
	conn, err := Open(Config{Workspace: ws})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()

	if _, err := os.Stat(Path(ws)); err != nil {
		t.Fatalf("database file missing: %v", err)
	}
	var mode string
	if err := conn.QueryRow(`PRAGMA journal_mode`).Scan(&mode); err != nil {
		t.Fatal(err)
	}
	if !strings.EqualFold(mode, "wal") {
		t.Fatalf("journal_mode = %q, want wal", mode)
	}
	var fk int
	if err := conn.QueryRow(`PRAGMA foreign_keys`).Scan(&fk); err != nil || fk != 1 {
		t.Fatalf("foreign_keys = %d (%v)", fk, err)
	}
}

func TestDSNHonoursBusyTimeout(t *testing.T) {
	got := dsn(Config{Path: "/tmp/x.db", BusyTimeout: 1500e6})
	if !strings.Contains(got, "busy_timeout%281500%29") {
		t.Fatalf("dsn %q does not carry busy_timeout(1500)", got)
	}
	if !strings.Contains(got, "_txlock=immediate") {
		t.Fatalf("dsn %q missing immediate tx lock", got)
	}
}
