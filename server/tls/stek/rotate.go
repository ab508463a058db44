// Package stek rotates TLS session ticket encryption keys shared by every
// listener of a server, so transfer reconnects can resume TLS sessions.
package stek

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Rotator holds the current ticket keys. The first key encrypts new tickets;
// all of them decrypt, so a ticket stays usable for overlap intervals.
type Rotator struct {
	keys     atomic.Pointer[[][32]byte]
	interval time.Duration
	overlap  uint8
	logger   zerolog.Logger
}

// New creates a Rotator with a full set of fresh keys.
func New(interval time.Duration, overlap uint8, logger zerolog.Logger) (*Rotator, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("rotation interval must be positive, got %v", interval)
	}
	if overlap < 1 {
		return nil, fmt.Errorf("overlap must be at least 1, got %d", overlap)
	}

	r := &Rotator{
		interval: interval,
		overlap:  overlap,
		logger:   logger,
	}

	initial := make([][32]byte, overlap)
	for i := range initial {
		if _, err := rand.Read(initial[i][:]); err != nil {
			return nil, fmt.Errorf("generate initial key %d: %w", i, err)
		}
	}
	r.keys.Store(&initial)
	return r, nil
}

// Keys returns the current key set, newest first.
func (r *Rotator) Keys() [][32]byte {
	return *r.keys.Load()
}

// Apply makes conf pick up the current keys on every handshake. conf must not
// be in use yet.
func (r *Rotator) Apply(conf *tls.Config) {
	base := conf.Clone()
	conf.SetSessionTicketKeys(r.Keys())
	conf.GetConfigForClient = func(*tls.ClientHelloInfo) (*tls.Config, error) {
		c := base.Clone()
		c.SetSessionTicketKeys(r.Keys())
		return c, nil
	}
}

func (r *Rotator) rotate() error {
	var key [32]byte
	if _, err := rand.Read(key[:]); err != nil {
		return fmt.Errorf("generate session ticket key: %w", err)
	}

	current := r.Keys()
	size := len(current) + 1
	if size > int(r.overlap) {
		size = int(r.overlap)
	}
	next := make([][32]byte, size)
	next[0] = key
	copy(next[1:], current)
	r.keys.Store(&next)

	r.logger.Debug().Int("keys", len(next)).Msg("rotated session ticket keys")
	return nil
}

// Run rotates the keys every interval until ctx is done.
func (r *Rotator) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info().
		Dur("interval", r.interval).
		Uint8("overlap", r.overlap).
		Msg("session ticket key rotation started")

	for {
		select {
		case <-ticker.C:
			if err := r.rotate(); err != nil {
				r.logger.Error().Err(err).Msg("failed to rotate session ticket keys")
			}
		case <-ctx.Done():
			return
		}
	}
}
