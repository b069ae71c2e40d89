// Package db opens the tower's sqlite database inside a workspace.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const (
	dataDir = ".tower"
	dbName  = "tower.db"
)

type Config struct {
	Workspace string
}

// EnsureWorkspace creates the workspace data directory if missing.
func EnsureWorkspace(workspace string) (string, error) {
	dir := filepath.Join(workspaceOrDot(workspace), dataDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// Open opens the workspace database. WAL mode keeps the webhook
// dispatcher's polling reads from blocking verdict writes, and the
// busy timeout absorbs the brief write locks that remain.
func Open(cfg Config) (*sql.DB, error) {
	if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
		return nil, err
	}
	conn, err := sql.Open("sqlite", dsn(Path(cfg.Workspace)))
	if err != nil {
		return nil, err
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("open %s: %w", Path(cfg.Workspace), err)
	}
	return conn, nil
}

// Path returns the database file path for a workspace.
func Path(workspace string) string {
	return filepath.Join(workspaceOrDot(workspace), dataDir, dbName)
}

func dsn(path string) string {
	return fmt.Sprintf("file:%s?cache=shared&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
}

func workspaceOrDot(workspace string) string {
	if workspace == "" {
		return "."
	}
	return workspace
}
