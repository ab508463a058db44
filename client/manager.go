package client

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/Mmx233/Courier/client/store"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// TransferRecord is the persisted state of one client transfer.
type TransferRecord = store.Record

var (
	ErrNotFound          = errors.New("transfer not found")
	ErrIllegalTransition = errors.New("illegal status change")
	// ErrTransferRunning means a transfer unit owns the record.
	ErrTransferRunning = errors.New("transfer is running")
)

// transitions lists the status changes a record may go through.
var transitions = map[store.Status][]store.Status{
	store.Queued:       {store.Connecting, store.Paused, store.Failed},
	store.Connecting:   {store.Transferring, store.Paused, store.Failed, store.Queued},
	store.Transferring: {store.Completed, store.Paused, store.Failed, store.Queued},
	store.Paused:       {store.Queued, store.Failed},
	store.Failed:       {store.Queued},
	store.Completed:    {},
}

// CanTransition reports whether a record may move from one status to another.
func CanTransition(from, to store.Status) bool {
	return slices.Contains(transitions[from], to)
}

// Manager owns the transfer list. Every status change is saved before the
// in-memory list is replaced, so after a crash the store holds the older
// status and never a newer one. Progress is kept in memory and reaches the
// store with the next status change.
type Manager struct {
	mu      sync.RWMutex
	store   store.Store
	records []TransferRecord
	now     func() time.Time
	logger  zerolog.Logger
}

// NewManager loads the list once. Records a crash left Connecting or
// Transferring are put back in the queue.
func NewManager(st store.Store, logger zerolog.Logger) (*Manager, error) {
	m := &Manager{
		store:  st,
		now:    time.Now,
		logger: logger.With().Str("com", "transfers").Logger(),
	}
	records, err := st.Load()
	if err != nil {
		return nil, fmt.Errorf("load transfers: %w", err)
	}

	restored := 0
	for i := range records {
		if !records[i].Status.Valid() {
			return nil, fmt.Errorf("transfer %s has unknown status %q", records[i].ID, records[i].Status)
		}
		if records[i].Status.Active() {
			records[i].Status = store.Queued
			restored++
		}
	}
	if restored > 0 {
		if err := st.Save(records); err != nil {
			return nil, fmt.Errorf("save restored transfers: %w", err)
		}
		m.logger.Info().Int("count", restored).Msg("interrupted transfers queued again")
	}
	m.records = records
	return m, nil
}

func (m *Manager) index(id string) int {
	return slices.IndexFunc(m.records, func(r TransferRecord) bool { return r.ID == id })
}

// List returns a copy of all records, oldest first.
func (m *Manager) List() []TransferRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.records)
}

func (m *Manager) Get(id string) (TransferRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i := m.index(id)
	if i < 0 {
		return TransferRecord{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return m.records[i], nil
}

// Create queues a new record. ID, status and timestamps are filled in.
func (m *Manager) Create(r TransferRecord) (TransferRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r.ID = uuid.NewString()
	r.Status = store.Queued
	r.CreatedAt = m.now().UTC()
	r.UpdatedAt = r.CreatedAt

	next := append(slices.Clone(m.records), r)
	if err := m.store.Save(next); err != nil {
		return TransferRecord{}, fmt.Errorf("save transfers: %w", err)
	}
	m.records = next
	m.logger.Info().Str("id", r.ID).Str("direction", r.Direction).Str("path", r.RemotePath).Msg("transfer queued")
	return r, nil
}

// Transition applies fn to a copy of the record and moves it to status to.
// The change is persisted before it becomes visible.
func (m *Manager) Transition(id string, to store.Status, fn func(*TransferRecord)) (TransferRecord, error) {
	return m.transition(id, to, fn, false)
}

func (m *Manager) transition(id string, to store.Status, fn func(*TransferRecord), user bool) (TransferRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	i := m.index(id)
	if i < 0 {
		return TransferRecord{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	from := m.records[i].Status
	if user && from.Active() {
		return m.records[i], fmt.Errorf("%w: %s is %s", ErrTransferRunning, id, from)
	}
	if !CanTransition(from, to) {
		return m.records[i], fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}

	next := slices.Clone(m.records)
	r := &next[i]
	if fn != nil {
		fn(r)
	}
	r.Status = to
	r.UpdatedAt = m.now().UTC()
	if to != store.Failed && to != store.Paused {
		r.ErrorKind, r.Error = "", ""
	}

	if err := m.store.Save(next); err != nil {
		return m.records[i], fmt.Errorf("save transfers: %w", err)
	}
	m.records = next
	m.logger.Debug().Str("id", id).Str("from", string(from)).Str("to", string(to)).Msg("status changed")
	return *r, nil
}

// ControlTransition is Transition for requests from the user. Records a
// transfer unit owns are only changed by that unit.
func (m *Manager) ControlTransition(id string, to store.Status, fn func(*TransferRecord)) (TransferRecord, error) {
	return m.transition(id, to, fn, true)
}

// Progress updates byte and file counters in memory only.
func (m *Manager) Progress(id string, bytes, filesCompleted uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i := m.index(id); i >= 0 {
		m.records[i].BytesTransferred = bytes
		m.records[i].FilesCompleted = filesCompleted
	}
}

// Remove drops a record that no transfer unit owns.
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	i := m.index(id)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if m.records[i].Status.Active() {
		return fmt.Errorf("%w: %s is %s", ErrTransferRunning, id, m.records[i].Status)
	}
	next := slices.Delete(slices.Clone(m.records), i, i+1)
	if err := m.store.Save(next); err != nil {
		return fmt.Errorf("save transfers: %w", err)
	}
	m.records = next
	return nil
}

// Queued returns the ids waiting for a transfer unit, oldest first.
func (m *Manager) Queued() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []string
	for _, r := range m.records {
		if r.Status == store.Queued {
			ids = append(ids, r.ID)
		}
	}
	return ids
}

// Close saves the latest progress and closes the store.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	err := m.store.Save(m.records)
	return errors.Join(err, m.store.Close())
}
