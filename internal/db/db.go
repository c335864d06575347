// Package db owns the workspace's on-disk state: the hidden .snagline
// directory and the SQLite cache inside it.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const (
	stateDirName  = ".snagline"
	cacheFileName = "snagline.db"
)

func stateDir(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, stateDirName)
}

// EnsureWorkspace creates the workspace's state directory if missing and
// returns its path.
func EnsureWorkspace(workspace string) (string, error) {
	dir := stateDir(workspace)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", dir, err)
	}
	return dir, nil
}

// Open opens the workspace's cache database, creating the state directory
// on first use. Foreign keys are on; busy_timeout covers a watch session
// and a CLI command touching the cache at the same time.
func Open(workspace string) (*sql.DB, error) {
	dir, err := EnsureWorkspace(workspace)
	if err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?cache=shared&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)",
		filepath.Join(dir, cacheFileName))
	return sql.Open("sqlite", dsn)
}
