// Package statedb persists per-project terminal layouts in SQLite.
// Thread-safe for concurrent use from multiple goroutines within one
// process; multiple OS processes can safely read/write via WAL mode plus a
// busy timeout.
package statedb

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/younghai/automaker/internal/layout"
)

// SchemaVersion tracks the current database schema version.
// Bump this when adding migrations.
const SchemaVersion = 1

// StateDB wraps a SQLite database holding saved layouts.
type StateDB struct {
	db *sql.DB
}

// Open creates or opens a SQLite database at dbPath with WAL mode and busy
// timeout.
func Open(dbPath string) (*StateDB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("statedb: mkdir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("statedb: open: %w", err)
	}

	// WAL mode: allows concurrent readers while writing
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("statedb: wal mode: %w", err)
	}

	// Busy timeout: wait up to 5s if another process holds a lock
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("statedb: busy timeout: %w", err)
	}

	return &StateDB{db: db}, nil
}

// Close checkpoints WAL and closes the database.
func (s *StateDB) Close() error {
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

// Migrate creates tables if they don't exist.
func (s *StateDB) Migrate() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("statedb: begin migrate: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS metadata (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("statedb: create metadata: %w", err)
	}

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS layouts (
			project_path TEXT PRIMARY KEY,
			data         TEXT NOT NULL,
			updated_at   INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("statedb: create layouts: %w", err)
	}

	if _, err := tx.Exec(`
		INSERT OR REPLACE INTO metadata (key, value) VALUES ('schema_version', ?)
	`, fmt.Sprintf("%d", SchemaVersion)); err != nil {
		return fmt.Errorf("statedb: set schema version: %w", err)
	}

	return tx.Commit()
}

// SaveLayout stores the layout for a project path, replacing any previous
// save. A layout with zero tabs is valid and overwrites a non-empty one, so
// closed terminals stay closed after reload.
func (s *StateDB) SaveLayout(projectPath string, p *layout.PersistedLayout) error {
	data, err := p.Encode()
	if err != nil {
		return fmt.Errorf("statedb: encode layout: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO layouts (project_path, data, updated_at)
		VALUES (?, ?, ?)
	`, projectPath, string(data), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("statedb: save layout: %w", err)
	}
	return nil
}

// LoadLayout returns the saved layout for a project path, or nil if none
// exists.
func (s *StateDB) LoadLayout(projectPath string) (*layout.PersistedLayout, error) {
	var data string
	err := s.db.QueryRow(
		"SELECT data FROM layouts WHERE project_path = ?", projectPath,
	).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("statedb: load layout: %w", err)
	}

	p, err := layout.DecodePersisted([]byte(data))
	if err != nil {
		return nil, fmt.Errorf("statedb: decode layout: %w", err)
	}
	return p, nil
}

// DeleteLayout removes the saved layout for a project path.
func (s *StateDB) DeleteLayout(projectPath string) error {
	_, err := s.db.Exec("DELETE FROM layouts WHERE project_path = ?", projectPath)
	return err
}

// ListProjects returns every project path with a saved layout, most
// recently updated first.
func (s *StateDB) ListProjects() ([]string, error) {
	rows, err := s.db.Query("SELECT project_path FROM layouts ORDER BY updated_at DESC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

// SetMeta sets a key-value pair in the metadata table.
func (s *StateDB) SetMeta(key, value string) error {
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO metadata (key, value) VALUES (?, ?)",
		key, value,
	)
	return err
}

// GetMeta gets a value from the metadata table. Returns "" if not found.
func (s *StateDB) GetMeta(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM metadata WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}
