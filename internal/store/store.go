package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/davidkimai/godel-sub001/internal/config"
	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned when an entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConcurrencyConflict is returned when an update carries a stale
	// version. The caller must re-read the entity and retry.
	ErrConcurrencyConflict = errors.New("concurrency conflict: stale version")

	// ErrBudgetExceeded is returned when a consume would push any scope
	// in the chain past its allocation. Nothing is written.
	ErrBudgetExceeded = errors.New("budget exceeded")
)

// Store is the sole source of truth for agents, swarms and budgets.
// Every other component references entities by id only.
type Store struct {
	db *sql.DB
}

func New(cfg config.StoreConfig) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	// WAL for concurrent read/write access and a busy timeout so
	// writers wait instead of returning SQLITE_BUSY. Both pragmas go in
	// the DSN: database/sql pools connections and every one of them
	// needs the timeout, not just whichever an Exec happens to land on.
	dsn := cfg.Path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS swarms (
			id                 TEXT PRIMARY KEY,
			name               TEXT NOT NULL,
			status             TEXT NOT NULL DEFAULT 'creating',
			strategy           TEXT NOT NULL DEFAULT 'parallel',
			target_agent_count INTEGER NOT NULL DEFAULT 0,
			max_agents         INTEGER NOT NULL DEFAULT 0,
			budget_allocated   REAL NOT NULL DEFAULT 0,
			budget_spent       REAL NOT NULL DEFAULT 0,
			version            INTEGER NOT NULL DEFAULT 1,
			created_at         DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at         DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS agents (
			id           TEXT PRIMARY KEY,
			swarm_id     TEXT NOT NULL REFERENCES swarms(id),
			parent_id    TEXT,
			status       TEXT NOT NULL DEFAULT 'pending',
			model        TEXT,
			task         TEXT NOT NULL,
			retry_count  INTEGER NOT NULL DEFAULT 0,
			max_retries  INTEGER NOT NULL DEFAULT 0,
			budget_limit REAL NOT NULL DEFAULT 0,
			cost_so_far  REAL NOT NULL DEFAULT 0,
			output       TEXT,
			last_error   TEXT,
			version      INTEGER NOT NULL DEFAULT 1,
			archived     BOOLEAN NOT NULL DEFAULT FALSE,
			created_at   DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at   DATETIME DEFAULT CURRENT_TIMESTAMP,
			archived_at  DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_agents_swarm ON agents(swarm_id, status)`,
		`CREATE TABLE IF NOT EXISTS budgets (
			scope_type  TEXT NOT NULL,
			scope_id    TEXT NOT NULL,
			parent_type TEXT,
			parent_id   TEXT,
			allocated   REAL NOT NULL DEFAULT 0,
			committed   REAL NOT NULL DEFAULT 0,
			consumed    REAL NOT NULL DEFAULT 0,
			tokens      INTEGER NOT NULL DEFAULT 0,
			currency    TEXT NOT NULL DEFAULT 'USD',
			period      TEXT,
			reset_at    DATETIME,
			warning     REAL NOT NULL DEFAULT 0,
			critical    REAL NOT NULL DEFAULT 0,
			hard_stop   REAL NOT NULL DEFAULT 0,
			created_at  DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at  DATETIME DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (scope_type, scope_id)
		)`,
		`CREATE TABLE IF NOT EXISTS credentials (
			name       TEXT PRIMARY KEY,
			value      BLOB NOT NULL,
			nonce      BLOB NOT NULL,
			salt       BLOB NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	return nil
}
