package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS transfers (
  id                 TEXT PRIMARY KEY,
  direction          TEXT NOT NULL CHECK(direction IN ('download','upload')),
  status             TEXT NOT NULL CHECK(status IN ('queued','connecting','transferring','paused','completed','failed')),
  server             TEXT NOT NULL,
  address            TEXT NOT NULL,
  fingerprint        TEXT NOT NULL DEFAULT '',
  remote_path        TEXT NOT NULL,
  local_path         TEXT NOT NULL,
  root               INTEGER NOT NULL DEFAULT 0,
  bytes_transferred  INTEGER NOT NULL DEFAULT 0,
  total_bytes        INTEGER NOT NULL DEFAULT 0,
  file_count         INTEGER NOT NULL DEFAULT 0,
  files_completed    INTEGER NOT NULL DEFAULT 0,
  server_transfer_id TEXT NOT NULL DEFAULT '',
  error_kind         TEXT NOT NULL DEFAULT '',
  error              TEXT NOT NULL DEFAULT '',
  created_at         INTEGER NOT NULL,
  updated_at         INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_transfers_created_at
ON transfers (created_at, id);
`,
}

// SQLite stores records in a table. Save replaces the whole list in one
// transaction.
type SQLite struct {
	mu        sync.Mutex
	db        *sql.DB
	closeOnce sync.Once
}

// OpenSQLite opens or creates the database at path and migrates it.
func OpenSQLite(path string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000", filepath.ToSlash(path))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	s := &SQLite{db: db}
	if err := s.applyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) applyMigrations() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version >= len(migrations) {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i := version; i < len(migrations); i++ {
		if _, err := tx.Exec(migrations[i]); err != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", i+1)); err != nil {
			return fmt.Errorf("set schema version %d: %w", i+1, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration transaction: %w", err)
	}
	return nil
}

func (s *SQLite) Load() ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT
		id, direction, status, server, address, fingerprint,
		remote_path, local_path, root,
		bytes_transferred, total_bytes, file_count, files_completed,
		server_transfer_id, error_kind, error, created_at, updated_at
	FROM transfers ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("query transfers: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			r                Record
			status           string
			root             int
			created, updated int64
		)
		if err := rows.Scan(
			&r.ID, &r.Direction, &status, &r.Server, &r.Address, &r.Fingerprint,
			&r.RemotePath, &r.LocalPath, &root,
			&r.BytesTransferred, &r.TotalBytes, &r.FileCount, &r.FilesCompleted,
			&r.ServerTransferID, &r.ErrorKind, &r.Error, &created, &updated,
		); err != nil {
			return nil, fmt.Errorf("scan transfer: %w", err)
		}
		r.Status = Status(status)
		r.Root = root != 0
		r.CreatedAt = time.Unix(0, created).UTC()
		r.UpdatedAt = time.Unix(0, updated).UTC()
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfers: %w", err)
	}
	return records, nil
}

func (s *SQLite) Save(records []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin save transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.Exec(`DELETE FROM transfers`); err != nil {
		return fmt.Errorf("clear transfers: %w", err)
	}
	stmt, err := tx.Prepare(`INSERT INTO transfers (
		id, direction, status, server, address, fingerprint,
		remote_path, local_path, root,
		bytes_transferred, total_bytes, file_count, files_completed,
		server_transfer_id, error_kind, error, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		root := 0
		if r.Root {
			root = 1
		}
		if _, err := stmt.Exec(
			r.ID, r.Direction, string(r.Status), r.Server, r.Address, r.Fingerprint,
			r.RemotePath, r.LocalPath, root,
			int64(r.BytesTransferred), int64(r.TotalBytes), int64(r.FileCount), int64(r.FilesCompleted),
			r.ServerTransferID, r.ErrorKind, r.Error, r.CreatedAt.UnixNano(), r.UpdatedAt.UnixNano(),
		); err != nil {
			return fmt.Errorf("insert transfer %q: %w", r.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save transaction: %w", err)
	}
	return nil
}

func (s *SQLite) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.db.Close()
	})
	return err
}
