// Package db locates the workspace database and opens it with the pragmas
// every bountyline process relies on.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const (
	workspaceDir = ".bountyline"
	dbName       = "bountyline.db"

	defaultBusyTimeout = 5 * time.Second
)

type Config struct {
	Workspace string
	// BusyTimeout bounds how long a statement waits on another process's
	// write lock. Zero means five seconds.
	BusyTimeout time.Duration
}

// Dir is the hidden workspace directory holding the database and config.
func Dir(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, workspaceDir)
}

// Path returns the database file for the workspace.
func Path(workspace string) string {
	return filepath.Join(Dir(workspace), dbName)
}

// EnsureWorkspace creates the workspace directory if missing.
func EnsureWorkspace(workspace string) (string, error) {
	dir := Dir(workspace)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create workspace %s: %w", dir, err)
	}
	return dir, nil
}

func dsn(cfg Config) string {
	busy := busyOrDefault(cfg.BusyTimeout)
	q := url.Values{}
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	q.Add("_pragma", "journal_mode(WAL)")
	// Write transactions take the lock at BEGIN, so two processes never both
	// read under a deferred lock and then fail to upgrade.
	q.Set("_txlock", "immediate")
	return "file:" + Path(cfg.Workspace) + "?" + q.Encode()
}

// Open opens the workspace database and checks it is reachable. All
// statements share one connection so component writes queue in process.
func Open(cfg Config) (*sql.DB, error) {
	if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
		return nil, err
	}
	conn, err := sql.Open("sqlite", dsn(cfg))
	if err != nil {
		return nil, err
	}
	conn.SetMaxOpenConns(1)
	ctx, cancel := context.WithTimeout(context.Background(), 2*busyOrDefault(cfg.BusyTimeout))
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("open %s: %w", Path(cfg.Workspace), err)
	}
	return conn, nil
}

func busyOrDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return defaultBusyTimeout
	}
	return d
}
