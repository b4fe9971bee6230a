package db

import (
	"os"
	"path/filepath"
	"testing"
)

func TestOpenCreatesFactoryDatabase(t *testing.T) {
	ws := t.TempDir()
	conn, err := Open(Config{Workspace: ws})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()

	if want := filepath.Join(ws, ".ideafactory", "factory.db"); Path(ws) != want {
		t.Fatalf("path %s, want %s", Path(ws), want)
	}
	if _, err := os.Stat(Path(ws)); err != nil {
		t.Fatalf("database file missing: %v", err)
	}

	var fk int
	if err := conn.QueryRow(`PRAGMA foreign_keys`).Scan(&fk); err != nil || fk != 1 {
		t.Fatalf("foreign keys %d: %v", fk, err)
	}
	var mode string
	if err := conn.QueryRow(`PRAGMA journal_mode`).Scan(&mode); err != nil || mode != "wal" {
		t.Fatalf("journal mode %q: %v", mode, err)
	}
	var timeout int
	if err := conn.QueryRow(`PRAGMA busy_timeout`).Scan(&timeout); err != nil || timeout != 5000 {
		t.Fatalf("busy timeout %d: %v", timeout, err)
	}
}

func TestStateDirDefaultsToCurrentDirectory(t *testing.T) {
	if got := StateDir(""); got != ".ideafactory" {
		t.Fatalf("state dir %q", got)
	}
}
