// Package db opens the per-workspace SQLite store. Unlike a one-shot
// CLI, the engine holds the connection for the lifetime of the server
// process, with the tick loop and persistence goroutines writing
// concurrently, so the database runs in WAL mode with a busy timeout.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const (
	storeDir  = ".raidcore"
	storeName = "raidcore.db"

	// Writers back off up to this long before returning SQLITE_BUSY.
	busyTimeoutMS = 5000
)

type Config struct {
	Workspace string
}

// Path returns the database file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, storeDir, storeName)
}

// EnsureWorkspace creates the store directory if missing.
func EnsureWorkspace(workspace string) (string, error) {
	dir := filepath.Dir(Path(workspace))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// Open opens the workspace store, creating it on first use.
func Open(cfg Config) (*sql.DB, error) {
	if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf(
		"file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)",
		Path(cfg.Workspace), busyTimeoutMS,
	)
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// modernc's driver serializes writes per connection; a single
	// connection avoids SQLITE_BUSY between the loop and the API.
	conn.SetMaxOpenConns(1)
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("open store %s: %w", Path(cfg.Workspace), err)
	}
	return conn, nil
}
