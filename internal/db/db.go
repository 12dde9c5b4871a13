package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const defaultDBName = "rolegate.db"

// Config points at the state directory (usually <workspace>/.rolegate).
type Config struct {
	StateDir string
}

func dbPath(stateDir string) string {
	if stateDir == "" {
		stateDir = ".rolegate"
	}
	return filepath.Join(stateDir, defaultDBName)
}

// EnsureStateDir creates the state directory if missing.
func EnsureStateDir(stateDir string) (string, error) {
	if stateDir == "" {
		stateDir = ".rolegate"
	}
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return "", err
	}
	return stateDir, nil
}

// Open opens the SQLite database with foreign keys on. A single connection
// serialises writers from concurrent runs.
func Open(cfg Config) (*sql.DB, error) {
	if _, err := EnsureStateDir(cfg.StateDir); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", dbPath(cfg.StateDir))
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	conn.SetMaxOpenConns(1)
	return conn, nil
}

// Path returns the db path for the state directory.
func Path(stateDir string) string {
	return dbPath(stateDir)
}
