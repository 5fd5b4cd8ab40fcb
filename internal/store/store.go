// Package store persists contexts, agents and agent events in a
// single-file SQLite database. One writer connection serializes all
// writes; a small read-only pool serves the API layer while monitors
// write, which WAL journaling makes safe.
package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/camdev/cam/internal/common/logger"
)

const (
	busyTimeout = 5 * time.Second
	readerConns = 4
)

// Store is the durable home of all agent and context records.
type Store struct {
	db     *sqlx.DB // single writer
	ro     *sqlx.DB // read-only pool
	logger *logger.Logger
}

// Open creates (if needed) and migrates the database at path.
func Open(path string, log *logger.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to prepare database dir: %w", err)
	}

	// Writer DSN: WAL for read concurrency, busy_timeout to ride out
	// transient locks, foreign keys on for the events cascade.
	writerDSN := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=rwc&_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL&_cache=shared",
		path, int(busyTimeout/time.Millisecond))
	db, err := sqlx.Open("sqlite3", writerDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Single writer connection serializes writes and avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	readerDSN := fmt.Sprintf(
		"file:%s?_foreign_keys=on&mode=ro&_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL&_cache=shared",
		path, int(busyTimeout/time.Millisecond))
	ro, err := sqlx.Open("sqlite3", readerDSN)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open reader pool: %w", err)
	}
	ro.SetMaxOpenConns(readerConns)

	s := &Store{db: db, ro: ro, logger: log}
	if err := s.migrate(); err != nil {
		db.Close()
		ro.Close()
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return s, nil
}

// Close closes both connection pools.
func (s *Store) Close() error {
	roErr := s.ro.Close()
	if err := s.db.Close(); err != nil {
		return err
	}
	return roErr
}

// migration is one forward schema step.
type migration struct {
	version    int
	statements []string
}

var migrations = []migration{
	{
		version: 1,
		statements: []string{
			`CREATE TABLE IF NOT EXISTS contexts (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL UNIQUE,
				path TEXT NOT NULL,
				machine_config_json TEXT NOT NULL DEFAULT '{}',
				tags_json TEXT NOT NULL DEFAULT '[]',
				created_at TEXT NOT NULL,
				last_used_at TEXT NOT NULL DEFAULT ''
			)`,
			`CREATE TABLE IF NOT EXISTS agents (
				id TEXT PRIMARY KEY,
				task_json TEXT NOT NULL,
				context_id TEXT NOT NULL DEFAULT '',
				context_name TEXT NOT NULL DEFAULT '',
				context_path TEXT NOT NULL DEFAULT '',
				transport_type TEXT NOT NULL DEFAULT 'local',
				status TEXT NOT NULL,
				state TEXT NOT NULL,
				tmux_session TEXT NOT NULL DEFAULT '',
				tmux_socket TEXT NOT NULL DEFAULT '',
				pid INTEGER NOT NULL DEFAULT 0,
				started_at TEXT NOT NULL,
				completed_at TEXT,
				exit_reason TEXT NOT NULL DEFAULT '',
				retry_count INTEGER NOT NULL DEFAULT 0,
				cost_estimate REAL NOT NULL DEFAULT 0,
				files_changed_json TEXT NOT NULL DEFAULT '[]',
				created_at TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS agent_events (
				auto_id INTEGER PRIMARY KEY AUTOINCREMENT,
				agent_id TEXT NOT NULL,
				timestamp TEXT NOT NULL,
				event_type TEXT NOT NULL,
				detail_json TEXT NOT NULL DEFAULT '{}'
			)`,
			`CREATE INDEX IF NOT EXISTS idx_agents_status ON agents(status)`,
			`CREATE INDEX IF NOT EXISTS idx_agents_context_id ON agents(context_id)`,
			`CREATE INDEX IF NOT EXISTS idx_agent_events_agent_id ON agent_events(agent_id)`,
		},
	},
	{
		version: 2,
		statements: []string{
			`ALTER TABLE contexts ADD COLUMN pre_command TEXT NOT NULL DEFAULT ''`,
		},
	},
}

// migrate reads max(version) and applies every later migration in order.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at TEXT NOT NULL
	)`); err != nil {
		return err
	}

	var current int
	if err := s.db.Get(&current, `SELECT COALESCE(MAX(version), 0) FROM schema_version`); err != nil {
		return err
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		tx, err := s.db.Beginx()
		if err != nil {
			return err
		}
		for _, stmt := range m.statements {
			if _, err := tx.Exec(stmt); err != nil {
				tx.Rollback()
				return fmt.Errorf("migration %d: %w", m.version, err)
			}
		}
		if _, err := tx.Exec(`INSERT INTO schema_version (version, applied_at) VALUES (?, ?)`,
			m.version, time.Now().UTC().Format(time.RFC3339)); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		if s.logger != nil {
			s.logger.Debug(fmt.Sprintf("applied schema migration %d", m.version))
		}
	}
	return nil
}

// SchemaVersion returns the applied schema version, for diagnostics.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	err := s.ro.GetContext(ctx, &v, `SELECT COALESCE(MAX(version), 0) FROM schema_version`)
	return v, err
}
