package db

import (
	"os"
	"path/filepath"
	"testing"
)

func TestOpenCreatesStateDir(t *testing.T) {
	dir := t.TempDir()
	conn, err := Open(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()
	if err := conn.Ping(); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, stateDirName, cacheFileName)); err != nil {
		t.Fatalf("cache file not created: %v", err)
	}
}
