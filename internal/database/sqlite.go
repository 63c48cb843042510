package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"wsync-go/internal/database/migrations"
	"wsync-go/internal/wsync"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteStore implements wsync.Store using SQLite.
type SQLiteStore struct {
	db    *sql.DB
	path  string
	clock wsync.Clock
}

// NewSQLiteStore opens the database at path and migrates it to the latest
// schema. path can be a file path or ":memory:" for an in-memory database.
// clock stamps record updates; nil selects the real clock.
func NewSQLiteStore(path string, clock wsync.Clock) (*SQLiteStore, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	if err := migrations.MigrateUp(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating %s: %w", path, err)
	}
	if clock == nil {
		clock = wsync.RealClock{}
	}
	return &SQLiteStore{db: db, path: path, clock: clock}, nil
}

// OpenConnection opens and configures a SQLite database connection with appropriate PRAGMAs.
// path can be a file path or ":memory:" for in-memory database.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if path == ":memory:" {
		// Every pooled connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	if path != ":memory:" {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}
	return db, nil
}

// Sync records

func (s *SQLiteStore) Get(key string) (*wsync.SyncRecord, error) {
	var (
		rec          wsync.SyncRecord
		lastSyncedAt sql.NullTime
	)
	err := s.db.QueryRow(
		`SELECT synced_version, last_synced_at, snapshot FROM sync_records WHERE scope_key = ?`, key,
	).Scan(&rec.SyncedVersion, &lastSyncedAt, &rec.Snapshot)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting sync record: %w", err)
	}
	if lastSyncedAt.Valid {
		rec.LastSyncedAt = lastSyncedAt.Time
	}
	return &rec, nil
}

// Set replaces the record in a single statement.
func (s *SQLiteStore) Set(key string, rec *wsync.SyncRecord) error {
	lastSyncedAt := sql.NullTime{Time: rec.LastSyncedAt, Valid: !rec.LastSyncedAt.IsZero()}
	version := rec.SyncedVersion
	if version == nil {
		version = []byte{}
	}
	snapshot := rec.Snapshot
	if snapshot == nil {
		snapshot = []byte{}
	}
	_, err := s.db.Exec(`
		INSERT INTO sync_records (scope_key, synced_version, last_synced_at, snapshot, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (scope_key) DO UPDATE SET
			synced_version = excluded.synced_version,
			last_synced_at = excluded.last_synced_at,
			snapshot       = excluded.snapshot,
			updated_at     = excluded.updated_at`,
		key, version, lastSyncedAt, snapshot, s.clock.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("saving sync record: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Delete(key string) error {
	if _, err := s.db.Exec(`DELETE FROM sync_records WHERE scope_key = ?`, key); err != nil {
		return fmt.Errorf("deleting sync record: %w", err)
	}
	return nil
}

// Keys returns the scope keys that have a record, in key order.
func (s *SQLiteStore) Keys() ([]string, error) {
	rows, err := s.db.Query(`SELECT scope_key FROM sync_records ORDER BY scope_key`)
	if err != nil {
		return nil, fmt.Errorf("listing sync records: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scanning sync record key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Sync operation tracking

func (s *SQLiteStore) CreateSyncOperation(scopeKey, operation, parameters string, startedAt time.Time) (*wsync.SyncOperation, error) {
	res, err := s.db.Exec(
		`INSERT INTO sync_operations (scope_key, operation, parameters, status, started_at) VALUES (?, ?, ?, ?, ?)`,
		scopeKey, operation, parameters, wsync.StatusRunning, startedAt.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("creating sync operation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("reading sync operation id: %w", err)
	}
	return &wsync.SyncOperation{
		ID:         id,
		ScopeKey:   scopeKey,
		Operation:  operation,
		Parameters: parameters,
		Status:     wsync.StatusRunning,
		StartedAt:  startedAt,
	}, nil
}

func (s *SQLiteStore) FinishSyncOperation(id int64, status string, finishedAt time.Time) error {
	res, err := s.db.Exec(
		`UPDATE sync_operations SET status = ?, finished_at = ? WHERE id = ?`,
		status, finishedAt.UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("finishing sync operation: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("finishing sync operation: no operation with id %d", id)
	}
	return nil
}

func (s *SQLiteStore) ListSyncOperations(limit int) ([]*wsync.SyncOperation, error) {
	rows, err := s.db.Query(`
		SELECT id, scope_key, operation, parameters, status, started_at, finished_at
		FROM sync_operations ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing sync operations: %w", err)
	}
	defer rows.Close()

	var ops []*wsync.SyncOperation
	for rows.Next() {
		var (
			op         wsync.SyncOperation
			finishedAt sql.NullTime
		)
		if err := rows.Scan(&op.ID, &op.ScopeKey, &op.Operation, &op.Parameters, &op.Status, &op.StartedAt, &finishedAt); err != nil {
			return nil, fmt.Errorf("scanning sync operation: %w", err)
		}
		if finishedAt.Valid {
			op.FinishedAt = finishedAt.Time
		}
		ops = append(ops, &op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing sync operations: %w", err)
	}
	return ops, nil
}

// Path returns the database file path (or ":memory:" for in-memory databases).
func (s *SQLiteStore) Path() string {
	return s.path
}

// CheckMigrations verifies the database schema is up-to-date.
func (s *SQLiteStore) CheckMigrations() error {
	return migrations.CheckDBMigrationStatus(s.db)
}

// BackupTo creates a complete copy of the database at destPath using VACUUM INTO.
func (s *SQLiteStore) BackupTo(destPath string) error {
	if _, err := s.db.Exec("VACUUM INTO ?", destPath); err != nil {
		return fmt.Errorf("backing up database: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

var _ wsync.Store = (*SQLiteStore)(nil)
