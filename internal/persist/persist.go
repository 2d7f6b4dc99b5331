// Package persist stores the component library's local state in SQLite:
// the component store and the sync queue, keyed by a fixed namespace plus a
// schema version. A version mismatch triggers a one-time destructive reset of
// the namespace's prior contents - deliberate, since local state is a cache
// that can always be rebuilt from the measures and the remote catalogue.
package persist

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"measureforge/internal/logging"
	"measureforge/internal/types"
)

// Namespace is the fixed key prefix for measureforge's local state.
const Namespace = "measureforge.library"

// SchemaVersion is bumped whenever the stored shape changes incompatibly.
const SchemaVersion = 2

// Store is the SQLite-backed local state.
type Store struct {
	db     *sql.DB
	mu     sync.Mutex
	dbPath string
}

// Open initializes the SQLite database at the given path. Use ":memory:" for
// tests.
func Open(path string) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryPersist, "Open")
	defer timer.Stop()

	logging.Persist("Opening local state at %s", path)

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.PersistDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.PersistDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.PersistDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
	}

	s := &Store{db: db, dbPath: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	logging.Persist("Local state ready (namespace=%s, schema=%d)", Namespace, SchemaVersion)
	return s, nil
}

// initialize creates the schema and enforces the version check.
func (s *Store) initialize() error {
	metaTable := `
	CREATE TABLE IF NOT EXISTS schema_meta (
		namespace TEXT PRIMARY KEY,
		version INTEGER NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`
	if _, err := s.db.Exec(metaTable); err != nil {
		return fmt.Errorf("failed to create schema_meta: %w", err)
	}

	var stored int
	err := s.db.QueryRow("SELECT version FROM schema_meta WHERE namespace = ?", Namespace).Scan(&stored)
	switch {
	case err == sql.ErrNoRows:
		// Fresh database.
	case err != nil:
		return fmt.Errorf("failed to read schema version: %w", err)
	case stored != SchemaVersion:
		logging.Get(logging.CategoryPersist).Warn(
			"Schema version mismatch (stored=%d, want=%d): resetting namespace %s", stored, SchemaVersion, Namespace)
		if err := s.reset(); err != nil {
			return err
		}
	}

	tables := `
	CREATE TABLE IF NOT EXISTS library_components (
		id TEXT PRIMARY KEY,
		doc TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE TABLE IF NOT EXISTS pending_sync (
		component_id TEXT PRIMARY KEY,
		operation TEXT NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		timestamp DATETIME
	);
	`
	if _, err := s.db.Exec(tables); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}

	if _, err := s.db.Exec(
		"INSERT INTO schema_meta(namespace, version) VALUES(?, ?) ON CONFLICT(namespace) DO UPDATE SET version = excluded.version",
		Namespace, SchemaVersion); err != nil {
		return fmt.Errorf("failed to record schema version: %w", err)
	}
	return nil
}

// reset drops the namespace's prior contents after a version mismatch.
func (s *Store) reset() error {
	for _, stmt := range []string{
		"DROP TABLE IF EXISTS library_components",
		"DROP TABLE IF EXISTS pending_sync",
		"DELETE FROM schema_meta WHERE namespace = ?",
	} {
		var err error
		if stmt == "DELETE FROM schema_meta WHERE namespace = ?" {
			_, err = s.db.Exec(stmt, Namespace)
		} else {
			_, err = s.db.Exec(stmt)
		}
		if err != nil {
			return fmt.Errorf("failed to reset namespace: %w", err)
		}
	}
	logging.Persist("Namespace %s reset for schema migration", Namespace)
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	logging.Persist("Closing local state database")
	return s.db.Close()
}

// =============================================================================
// COMPONENTS
// =============================================================================

// SaveComponent upserts one component document.
func (s *Store) SaveComponent(c *types.Component) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveComponentLocked(c)
}

func (s *Store) saveComponentLocked(c *types.Component) error {
	doc, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal component %s: %w", c.ID, err)
	}
	_, err = s.db.Exec(
		"INSERT INTO library_components(id, doc, updated_at) VALUES(?, ?, ?) ON CONFLICT(id) DO UPDATE SET doc = excluded.doc, updated_at = excluded.updated_at",
		c.ID, string(doc), time.Now())
	if err != nil {
		return fmt.Errorf("failed to save component %s: %w", c.ID, err)
	}
	return nil
}

// SaveComponents upserts a batch of components in one transaction.
func (s *Store) SaveComponents(cs []*types.Component) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	for _, c := range cs {
		doc, err := json.Marshal(c)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to marshal component %s: %w", c.ID, err)
		}
		if _, err := tx.Exec(
			"INSERT INTO library_components(id, doc, updated_at) VALUES(?, ?, ?) ON CONFLICT(id) DO UPDATE SET doc = excluded.doc, updated_at = excluded.updated_at",
			c.ID, string(doc), time.Now()); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to save component %s: %w", c.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit batch save: %w", err)
	}
	logging.PersistDebug("Saved %d components", len(cs))
	return nil
}

// DeleteComponent removes one component document.
func (s *Store) DeleteComponent(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.Exec("DELETE FROM library_components WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete component %s: %w", id, err)
	}
	return nil
}

// LoadComponents reads every stored component document.
func (s *Store) LoadComponents() ([]*types.Component, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query("SELECT doc FROM library_components ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to query components: %w", err)
	}
	defer rows.Close()

	var out []*types.Component
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var c types.Component
		if err := json.Unmarshal([]byte(doc), &c); err != nil {
			logging.Get(logging.CategoryPersist).Warn("Skipping corrupt component document: %v", err)
			continue
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// =============================================================================
// SYNC QUEUE
// =============================================================================

// SavePending upserts a pending sync entry.
func (s *Store) SavePending(e *types.PendingSyncEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		"INSERT INTO pending_sync(component_id, operation, retry_count, last_error, timestamp) VALUES(?, ?, ?, ?, ?) "+
			"ON CONFLICT(component_id) DO UPDATE SET operation = excluded.operation, retry_count = excluded.retry_count, last_error = excluded.last_error, timestamp = excluded.timestamp",
		e.ComponentID, string(e.Operation), e.RetryCount, e.LastError, e.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to save pending entry for %s: %w", e.ComponentID, err)
	}
	return nil
}

// DeletePending removes the pending entry for a component.
func (s *Store) DeletePending(componentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.Exec("DELETE FROM pending_sync WHERE component_id = ?", componentID); err != nil {
		return fmt.Errorf("failed to delete pending entry for %s: %w", componentID, err)
	}
	return nil
}

// LoadPending reads every pending sync entry.
func (s *Store) LoadPending() ([]*types.PendingSyncEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query("SELECT component_id, operation, retry_count, last_error, timestamp FROM pending_sync ORDER BY component_id")
	if err != nil {
		return nil, fmt.Errorf("failed to query pending entries: %w", err)
	}
	defer rows.Close()

	var out []*types.PendingSyncEntry
	for rows.Next() {
		var e types.PendingSyncEntry
		var op string
		var lastError sql.NullString
		var ts sql.NullTime
		if err := rows.Scan(&e.ComponentID, &op, &e.RetryCount, &lastError, &ts); err != nil {
			return nil, err
		}
		e.Operation = types.SyncOperation(op)
		e.LastError = lastError.String
		if ts.Valid {
			e.Timestamp = ts.Time
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// GetStats returns row counts per table, for the stats command.
func (s *Store) GetStats() (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := make(map[string]int64)
	for _, table := range []string{"library_components", "pending_sync"} {
		var count int64
		if err := s.db.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&count); err != nil {
			logging.PersistDebug("Table %s count failed: %v", table, err)
			continue
		}
		stats[table] = count
	}
	return stats, nil
}
