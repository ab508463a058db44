// Package registry tracks the transfers a server is currently running, so an
// admin can list them and a ban can terminate them.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Mmx233/Courier/protocol"
	"github.com/Mmx233/Courier/transfer"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Entry is one active transfer.
type Entry struct {
	ID          string
	User        string
	PeerAddress string
	Direction   transfer.Direction
	Path        string
	TotalSize   uint64
	StartedAt   time.Time

	finished atomic.Uint64 // bytes of completed files
	current  atomic.Uint64 // bytes of the file in flight
	signal   *transfer.Signal
}

var _ transfer.Observer = (*Entry)(nil)

// Signal is fired to terminate the transfer.
func (e *Entry) Signal() *transfer.Signal {
	return e.signal
}

// Attach makes s the entry's stop signal. It must be called before Add.
func (e *Entry) Attach(s *transfer.Signal) {
	e.signal = s
}

// Bytes returns how much of TotalSize has been accounted for.
func (e *Entry) Bytes() uint64 {
	return e.finished.Load() + e.current.Load()
}

func (e *Entry) FileStarted(_ string, _, offset uint64) {
	e.current.Store(offset)
}

func (e *Entry) FileProgress(_ string, done, _ uint64) {
	e.current.Store(done)
}

func (e *Entry) FileFinished(_ string, size uint64, _ transfer.Disposition) {
	e.finished.Add(size)
	e.current.Store(0)
}

// Info is the connection monitor row for this transfer.
func (e *Entry) Info() protocol.TransferInfo {
	return protocol.TransferInfo{
		TransferID:  e.ID,
		Username:    e.User,
		PeerAddress: e.PeerAddress,
		Direction:   e.Direction.String(),
		Path:        e.Path,
		TotalSize:   e.TotalSize,
		Bytes:       e.Bytes(),
	}
}

// Registry is the process wide set of active transfers.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	logger  zerolog.Logger
}

// New creates an empty registry.
func New(logger zerolog.Logger) *Registry {
	return &Registry{
		entries: make(map[string]*Entry),
		logger:  logger,
	}
}

// Add registers a transfer. An empty ID is filled with a fresh UUID and a
// missing signal is created. Callers must defer Remove.
func (r *Registry) Add(e *Entry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.signal == nil {
		e.signal = transfer.NewSignal()
	}
	if e.StartedAt.IsZero() {
		e.StartedAt = time.Now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[e.ID]; exists {
		return fmt.Errorf("transfer %s already registered", e.ID)
	}
	r.entries[e.ID] = e

	r.logger.Info().
		Str("transfer_id", e.ID).
		Str("user", e.User).
		Str("peer", e.PeerAddress).
		Stringer("direction", e.Direction).
		Str("path", e.Path).
		Uint64("total_size", e.TotalSize).
		Msg("transfer registered")
	return nil
}

// Remove forgets a transfer. Removing an unknown id is a no-op.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, exists := r.entries[id]; exists {
		delete(r.entries, id)
		r.logger.Info().
			Str("transfer_id", id).
			Uint64("bytes", e.Bytes()).
			Dur("duration", time.Since(e.StartedAt)).
			Msg("transfer removed")
	}
}

// Get retrieves a transfer by id.
func (r *Registry) Get(id string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, exists := r.entries[id]
	return e, exists
}

// BanUser fires the ban signal of every transfer owned by username and
// returns how many were signalled.
func (r *Registry) BanUser(username string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, e := range r.entries {
		if e.User == username && e.signal.Fire(transfer.ReasonBanned) {
			n++
		}
	}
	if n > 0 {
		r.logger.Warn().Str("user", username).Int("transfers", n).Msg("terminating transfers of banned user")
	}
	return n
}

// Terminate stops one transfer for reason.
func (r *Registry) Terminate(id string, reason transfer.Reason) bool {
	r.mu.RLock()
	e, exists := r.entries[id]
	r.mu.RUnlock()
	return exists && e.signal.Fire(reason)
}

// TerminateAll stops every transfer, used on shutdown.
func (r *Registry) TerminateAll(reason transfer.Reason) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, e := range r.entries {
		if e.signal.Fire(reason) {
			n++
		}
	}
	return n
}

// ListActive returns a snapshot of every transfer, oldest first.
func (r *Registry) ListActive() []protocol.TransferInfo {
	r.mu.RLock()
	entries := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].StartedAt.Equal(entries[j].StartedAt) {
			return entries[i].ID < entries[j].ID
		}
		return entries[i].StartedAt.Before(entries[j].StartedAt)
	})
	infos := make([]protocol.TransferInfo, len(entries))
	for i, e := range entries {
		infos[i] = e.Info()
	}
	return infos
}

// Count returns the number of active transfers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
