// Package store keeps the client's transfer list on disk between runs.
package store

import (
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state of a transfer record.
type Status string

const (
	Queued       Status = "queued"
	Connecting   Status = "connecting"
	Transferring Status = "transferring"
	Paused       Status = "paused"
	Completed    Status = "completed"
	Failed       Status = "failed"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case Queued, Connecting, Transferring, Paused, Completed, Failed:
		return true
	}
	return false
}

// Active reports whether a transfer unit owns the record.
func (s Status) Active() bool {
	return s == Connecting || s == Transferring
}

// Terminal reports whether the record has reached an end state.
func (s Status) Terminal() bool {
	return s == Completed || s == Failed
}

// Record is one client side transfer.
type Record struct {
	ID        string `json:"id"`
	Direction string `json:"direction"` // download or upload
	Status    Status `json:"status"`

	// Server is the configured endpoint name, Address its main port at the
	// time the record was created.
	Server      string `json:"server"`
	Address     string `json:"address"`
	Fingerprint string `json:"fingerprint,omitempty"` // SHA-256 of the server leaf certificate

	RemotePath string `json:"remote_path"`
	LocalPath  string `json:"local_path"`
	Root       bool   `json:"root,omitempty"`

	BytesTransferred uint64 `json:"bytes_transferred"`
	TotalBytes       uint64 `json:"total_bytes"`
	FileCount        uint64 `json:"file_count"`
	FilesCompleted   uint64 `json:"files_completed"`
	ServerTransferID string `json:"server_transfer_id,omitempty"`

	ErrorKind string `json:"error_kind,omitempty"`
	Error     string `json:"error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store saves and loads the full record list.
type Store interface {
	Load() ([]Record, error)
	Save(records []Record) error
	Close() error
}

const (
	KindJSON   = "json"
	KindSQLite = "sqlite"
)

// ErrLocked is returned by Open when another process owns the store.
var ErrLocked = errors.New("transfer list is in use by another process")

// Open returns the backend named by kind, backed by path. The caller becomes
// the only owner of the list until Close: a lock file next to path is held
// for that long and a second Open fails with ErrLocked.
func Open(kind, path string) (Store, error) {
	var open func() (Store, error)
	switch kind {
	case KindJSON, "":
		open = func() (Store, error) { return NewJSON(path), nil }
	case KindSQLite:
		open = func() (Store, error) { return OpenSQLite(path) }
	default:
		return nil, fmt.Errorf("unknown store %q", kind)
	}

	lock, err := acquire(path)
	if err != nil {
		return nil, err
	}
	st, err := open()
	if err != nil {
		_ = lock.Unlock()
		return nil, err
	}
	return &owned{Store: st, lock: lock}, nil
}
