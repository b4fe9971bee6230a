// Package db locates and opens the factory's SQLite database. Each workspace
// keeps its state under .ideafactory/, next to clones and build output.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const (
	stateDir = ".ideafactory"
	fileName = "factory.db"

	// Pipeline steps of different ideas commit concurrently; a writer waits
	// this long for the lock before SQLITE_BUSY.
	busyTimeout = 5 * time.Second
)

// Config selects the workspace whose factory database is opened.
type Config struct {
	Workspace string
}

func root(workspace string) string {
	if workspace == "" {
		return "."
	}
	return workspace
}

// StateDir is the directory holding a workspace's factory database.
func StateDir(workspace string) string {
	return filepath.Join(root(workspace), stateDir)
}

// Path returns the factory database file of a workspace.
func Path(workspace string) string {
	return filepath.Join(StateDir(workspace), fileName)
}

// EnsureWorkspace creates the state directory and returns it.
func EnsureWorkspace(workspace string) (string, error) {
	dir := StateDir(workspace)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create factory state dir %s: %w", dir, err)
	}
	return dir, nil
}

func dsn(path string) string {
	pragmas := []string{
		"foreign_keys(1)",
		fmt.Sprintf("busy_timeout(%d)", busyTimeout.Milliseconds()),
		"journal_mode(WAL)",
	}
	return "file:" + path + "?_pragma=" + strings.Join(pragmas, "&_pragma=")
}

// Open opens the workspace's factory database, creating the file on first
// use. Foreign keys are enforced and the journal runs in WAL mode.
func Open(cfg Config) (*sql.DB, error) {
	if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
		return nil, err
	}
	conn, err := sql.Open("sqlite", dsn(Path(cfg.Workspace)))
	if err != nil {
		return nil, fmt.Errorf("open factory db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("open factory db %s: %w", Path(cfg.Workspace), err)
	}
	return conn, nil
}
