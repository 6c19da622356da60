// Package memory implements the Atlas task-scoped memory store.
// Every entry belongs to a scope (a task ID, or the shared "global" scope);
// the API only hands out scope-restricted handles, so a task cannot read
// another task's entries.
package memory

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"atlas/internal/logging"
)

// GlobalScope is the one scope shared across tasks.
const GlobalScope = "global"

// Store is the SQLite-backed memory store.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string

	defaultTTL time.Duration // zero = entries never expire

	cleanupStop chan struct{}
	cleanupDone chan struct{}
}

// Options configures the store.
type Options struct {
	DefaultTTL      time.Duration // zero = no expiry
	CleanupInterval time.Duration // zero = no background cleanup
}

// NewStore initializes the SQLite database at the given path.
func NewStore(path string, opts Options) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryStore, "NewStore")
	defer timer.Stop()

	logging.Store("Initializing memory store at path: %s", path)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	// synchronous=NORMAL is safe with WAL and much faster than FULL.
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
	}

	s := &Store{
		db:         db,
		dbPath:     path,
		defaultTTL: opts.DefaultTTL,
	}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	if opts.CleanupInterval > 0 {
		s.cleanupStop = make(chan struct{})
		s.cleanupDone = make(chan struct{})
		go s.cleanupLoop(opts.CleanupInterval)
	}

	return s, nil
}

// initialize creates the schema.
func (s *Store) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS memory_entries (
		scope      TEXT NOT NULL,
		key        TEXT NOT NULL,
		value      TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		expires_at INTEGER,
		PRIMARY KEY (scope, key)
	);
	CREATE INDEX IF NOT EXISTS idx_memory_expires ON memory_entries(expires_at)
		WHERE expires_at IS NOT NULL;
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Close stops the cleanup loop and closes the database.
func (s *Store) Close() error {
	if s.cleanupStop != nil {
		close(s.cleanupStop)
		<-s.cleanupDone
	}
	return s.db.Close()
}

// Scope returns a handle restricted to the given scope.
func (s *Store) Scope(id string) *ScopedStore {
	return &ScopedStore{store: s, scope: id}
}

// Global returns the shared scope handle.
func (s *Store) Global() *ScopedStore {
	return s.Scope(GlobalScope)
}

// DropScope removes every entry in a scope.
func (s *Store) DropScope(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec("DELETE FROM memory_entries WHERE scope = ?", id)
	if err != nil {
		return fmt.Errorf("failed to drop scope %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		logging.MemoryDebug("dropped scope %s (%d entries)", id, n)
	}
	return nil
}

// Scopes lists all scopes that currently hold entries.
func (s *Store) Scopes() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		"SELECT DISTINCT scope FROM memory_entries WHERE expires_at IS NULL OR expires_at > ? ORDER BY scope",
		time.Now().UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to list scopes: %w", err)
	}
	defer rows.Close()

	var scopes []string
	for rows.Next() {
		var scope string
		if err := rows.Scan(&scope); err != nil {
			return nil, err
		}
		scopes = append(scopes, scope)
	}
	return scopes, rows.Err()
}

// PurgeExpired deletes expired entries and returns how many were removed.
func (s *Store) PurgeExpired() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		"DELETE FROM memory_entries WHERE expires_at IS NOT NULL AND expires_at <= ?",
		time.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired entries: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		logging.MemoryDebug("purged %d expired entries", n)
	}
	return n, nil
}

// cleanupLoop purges expired entries on an interval until Close.
func (s *Store) cleanupLoop(interval time.Duration) {
	defer close(s.cleanupDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.cleanupStop:
			return
		case <-ticker.C:
			if _, err := s.PurgeExpired(); err != nil {
				logging.StoreError("cleanup failed: %v", err)
			}
		}
	}
}

// set writes an entry with the store's default TTL.
func (s *Store) set(scope, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()
	var expires *int64
	if ttl > 0 {
		e := now + ttl.Milliseconds()
		expires = &e
	}

	_, err := s.db.Exec(`
		INSERT INTO memory_entries (scope, key, value, created_at, updated_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(scope, key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at,
			expires_at = excluded.expires_at`,
		scope, key, value, now, now, expires)
	if err != nil {
		return fmt.Errorf("failed to set %s/%s: %w", scope, key, err)
	}
	return nil
}

// get reads an entry; expired entries are invisible.
func (s *Store) get(scope, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var value string
	err := s.db.QueryRow(
		"SELECT value FROM memory_entries WHERE scope = ? AND key = ? AND (expires_at IS NULL OR expires_at > ?)",
		scope, key, time.Now().UnixMilli()).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get %s/%s: %w", scope, key, err)
	}
	return value, true, nil
}

func (s *Store) delete(scope, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec("DELETE FROM memory_entries WHERE scope = ? AND key = ?", scope, key); err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", scope, key, err)
	}
	return nil
}

func (s *Store) keys(scope string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		"SELECT key FROM memory_entries WHERE scope = ? AND (expires_at IS NULL OR expires_at > ?) ORDER BY key",
		scope, time.Now().UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to list keys for %s: %w", scope, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// =============================================================================
// SCOPED HANDLE
// =============================================================================

// ScopedStore is a scope-restricted view of the store. It satisfies
// task.MemoryScope.
type ScopedStore struct {
	store *Store
	scope string
}

// ScopeID returns the scope this handle is bound to.
func (ss *ScopedStore) ScopeID() string { return ss.scope }

// Set writes a key with the store's default TTL.
func (ss *ScopedStore) Set(key, value string) error {
	return ss.store.set(ss.scope, key, value, ss.store.defaultTTL)
}

// SetTTL writes a key with an explicit TTL. Zero means no expiry.
func (ss *ScopedStore) SetTTL(key, value string, ttl time.Duration) error {
	return ss.store.set(ss.scope, key, value, ttl)
}

// Get reads a key. The second return is false when absent or expired.
func (ss *ScopedStore) Get(key string) (string, bool, error) {
	return ss.store.get(ss.scope, key)
}

// Delete removes a key. Deleting an absent key is not an error.
func (ss *ScopedStore) Delete(key string) error {
	return ss.store.delete(ss.scope, key)
}

// Keys lists the live keys in this scope, sorted.
func (ss *ScopedStore) Keys() ([]string, error) {
	return ss.store.keys(ss.scope)
}
