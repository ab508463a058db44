package transfer

import (
	"sync"
	"sync/atomic"
)

// Reason says why a transfer was stopped from the outside.
type Reason int32

const (
	ReasonNone Reason = iota
	ReasonCancelled
	ReasonPaused
	ReasonBanned
	ReasonShutdown
)

func (r Reason) String() string {
	switch r {
	case ReasonCancelled:
		return "cancelled"
	case ReasonPaused:
		return "paused"
	case ReasonBanned:
		return "banned"
	case ReasonShutdown:
		return "shutdown"
	default:
		return "none"
	}
}

// Signal is the cooperative stop flag shared between a transfer and whoever may
// stop it. Stream loops poll Fired between chunks; watchers select on Done to
// abort blocking I/O.
type Signal struct {
	reason atomic.Int32
	done   chan struct{}
	once   sync.Once
}

// NewSignal returns an unfired signal.
func NewSignal() *Signal {
	return &Signal{done: make(chan struct{})}
}

// Fire stops the transfer. Only the first reason sticks.
func (s *Signal) Fire(reason Reason) bool {
	if reason == ReasonNone {
		return false
	}
	if !s.reason.CompareAndSwap(int32(ReasonNone), int32(reason)) {
		return false
	}
	s.once.Do(func() { close(s.done) })
	return true
}

// Fired reports whether the signal has been set.
func (s *Signal) Fired() bool {
	return s != nil && s.reason.Load() != int32(ReasonNone)
}

// Reason returns why the signal fired.
func (s *Signal) Reason() Reason {
	if s == nil {
		return ReasonNone
	}
	return Reason(s.reason.Load())
}

// Done is closed once the signal fires.
func (s *Signal) Done() <-chan struct{} {
	return s.done
}

// Err returns the transfer error matching the reason, or nil.
func (s *Signal) Err() error {
	switch s.Reason() {
	case ReasonCancelled:
		return &Error{Kind: KindCancelled, Msg: "cancelled by user"}
	case ReasonPaused:
		return &Error{Kind: KindPaused, Msg: "paused by user"}
	case ReasonBanned:
		return &Error{Kind: KindBanned, Msg: "terminated: user banned"}
	case ReasonShutdown:
		return &Error{Kind: KindConnection, Msg: "terminated: shutting down"}
	default:
		return nil
	}
}
