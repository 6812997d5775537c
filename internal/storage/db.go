package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

const (
	SchemaVersion = 2
)

// DB represents the database connection.
type DB struct {
	conn *sql.DB
	path string
}

// Open creates or opens the SQLite database at the given path and applies
// migrations. WAL mode and a busy timeout are set through the DSN; the pool
// is capped at one connection so the read-modify-write sequences in the
// record store execute on a single writer.
func Open(dbPath string) (*DB, error) {
	if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=10000&_journal_mode=WAL&_foreign_keys=1")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	conn.SetMaxOpenConns(1)

	db := &DB{conn: conn, path: dbPath}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	return db, nil
}

// migrate applies database migrations incrementally using PRAGMA user_version.
func (db *DB) migrate() error {
	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var version int
	if err := tx.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return err
	}

	for version < SchemaVersion {
		version++
		switch version {
		case 1:
			if err := applySchemaV1(tx); err != nil {
				return fmt.Errorf("failed to apply schema v%d: %w", version, err)
			}
		case 2:
			if err := applySchemaV2(tx); err != nil {
				return fmt.Errorf("failed to apply schema v%d: %w", version, err)
			}
		default:
			return fmt.Errorf("unknown schema version: %d", version)
		}
	}

	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", SchemaVersion)); err != nil {
		return err
	}

	return tx.Commit()
}

// applySchemaV1 creates the memory, version, and lock tables.
func applySchemaV1(tx *sql.Tx) error {
	_, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL,
			project_id TEXT NOT NULL,
			key TEXT NOT NULL,
			content TEXT NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}',
			tags TEXT NOT NULL DEFAULT '[]',
			related_keys TEXT NOT NULL DEFAULT '[]',
			scope TEXT NOT NULL DEFAULT 'project' CHECK(scope IN ('project', 'shared')),
			priority INTEGER NOT NULL DEFAULT 50 CHECK(priority BETWEEN 0 AND 100),
			access_count INTEGER NOT NULL DEFAULT 0,
			last_accessed_at INTEGER,
			helpful_count INTEGER NOT NULL DEFAULT 0,
			unhelpful_count INTEGER NOT NULL DEFAULT 0,
			pinned_at INTEGER,
			archived_at INTEGER,
			expires_at INTEGER,
			created_by TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)
	`)
	if err != nil {
		return err
	}

	// One active memory per (project, key); archived rows do not count.
	_, err = tx.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS idx_memories_active_key
		ON memories(project_id, key) WHERE archived_at IS NULL
	`)
	if err != nil {
		return err
	}

	_, err = tx.Exec(`
		CREATE INDEX IF NOT EXISTS idx_memories_org ON memories(org_id, archived_at)
	`)
	if err != nil {
		return err
	}

	_, err = tx.Exec(`
		CREATE TABLE IF NOT EXISTS memory_versions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			memory_id TEXT NOT NULL REFERENCES memories(id) ON DELETE CASCADE,
			version INTEGER NOT NULL,
			content TEXT NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}',
			changed_by TEXT NOT NULL DEFAULT '',
			change_type TEXT NOT NULL CHECK(change_type IN ('created', 'updated', 'restored')),
			created_at INTEGER NOT NULL,
			UNIQUE(memory_id, version)
		)
	`)
	if err != nil {
		return err
	}

	_, err = tx.Exec(`
		CREATE TABLE IF NOT EXISTS memory_locks (
			project_id TEXT NOT NULL,
			memory_key TEXT NOT NULL,
			locked_by TEXT,
			expires_at INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (project_id, memory_key)
		)
	`)
	return err
}

// applySchemaV2 adds an index for expiry sweeps.
func applySchemaV2(tx *sql.Tx) error {
	_, err := tx.Exec(`
		CREATE INDEX IF NOT EXISTS idx_memories_expires ON memories(expires_at)
		WHERE expires_at IS NOT NULL
	`)
	return err
}

// Close closes the database connection.
func (db *DB) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

// Conn returns the underlying database connection.
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// Begin starts a new transaction.
func (db *DB) Begin() (*sql.Tx, error) {
	return db.conn.Begin()
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Ping verifies database connectivity.
func (db *DB) Ping() error {
	return db.conn.Ping()
}
