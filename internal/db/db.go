package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const (
	stateDir      = ".escalator"
	defaultDBName = "escalator.db"
)

type Config struct {
	// Workspace is the directory holding .escalator/. Ignored when Path is set.
	Workspace string
	Path      string
	// BusyTimeout bounds how long a writer waits on a locked database before
	// SQLite reports SQLITE_BUSY.
	BusyTimeout time.Duration
}

func (c Config) path() string {
	if c.Path != "" {
		return c.Path
	}
	ws := c.Workspace
	if ws == "" {
		ws = "."
	}
	return filepath.Join(ws, stateDir, defaultDBName)
}

// Open opens the SQLite database with foreign keys and WAL on, creating the
// parent directory if missing.
func Open(cfg Config) (*sql.DB, error) {
	path := cfg.path()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)", path, busy.Milliseconds())
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Path returns the db path for the config.
func Path(cfg Config) string {
	return cfg.path()
}
