// Package transport adapts TLS connections and QUIC streams to the byte
// stream a transfer runs over, and tears them down so the last frame sent
// reaches the peer.
package transport

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/Mmx233/Courier/transfer"
	"github.com/quic-go/quic-go"
)

// ALPN is negotiated on every TLS and QUIC connection.
const ALPN = "courier/1"

// DefaultLinger bounds how long a closing side waits for the peer to read
// the last frame and hang up.
const DefaultLinger = 3 * time.Second

// QUIC application error codes sent when a connection is torn down.
const (
	CodeDone       quic.ApplicationErrorCode = 0
	CodeBanned     quic.ApplicationErrorCode = 1
	CodeShutdown   quic.ApplicationErrorCode = 2
	CodeCancelled  quic.ApplicationErrorCode = 3
	CodeProtocol   quic.ApplicationErrorCode = 4
	codeUnassigned quic.ApplicationErrorCode = 0xff
)

func codeFor(r transfer.Reason) quic.ApplicationErrorCode {
	switch r {
	case transfer.ReasonBanned:
		return CodeBanned
	case transfer.ReasonShutdown:
		return CodeShutdown
	case transfer.ReasonCancelled, transfer.ReasonPaused:
		return CodeCancelled
	default:
		return codeUnassigned
	}
}

// RemoteReason reports why the peer tore a QUIC connection down, if err
// carries that information.
func RemoteReason(err error) (transfer.Reason, bool) {
	var appErr *quic.ApplicationError
	if !errors.As(err, &appErr) || !appErr.Remote {
		return transfer.ReasonNone, false
	}
	switch appErr.ErrorCode {
	case CodeBanned:
		return transfer.ReasonBanned, true
	case CodeShutdown:
		return transfer.ReasonShutdown, true
	case CodeCancelled:
		return transfer.ReasonCancelled, true
	default:
		return transfer.ReasonNone, false
	}
}

// halfCloser is the part of *tls.Conn used for a graceful close.
type halfCloser interface {
	transfer.Transport
	CloseWrite() error
}

// Stream wraps a TLS connection. Close half-closes and drains until the peer
// hangs up or linger passes, so a trailing frame is not lost to a reset. That
// includes the ban and shutdown notices; any other stop closes at once.
type Stream struct {
	halfCloser
	signal *transfer.Signal
	linger time.Duration
	once   sync.Once
	err    error
}

// NewStream wraps conn. A zero linger closes at once.
func NewStream(conn halfCloser, signal *transfer.Signal, linger time.Duration) *Stream {
	return &Stream{halfCloser: conn, signal: signal, linger: linger}
}

func (s *Stream) graceful() bool {
	switch s.signal.Reason() {
	case transfer.ReasonNone, transfer.ReasonBanned, transfer.ReasonShutdown:
		return true
	default:
		return false
	}
}

func (s *Stream) Close() error {
	s.once.Do(func() {
		if s.linger > 0 && s.graceful() {
			if s.signal.Fired() {
				// Fail a write stuck behind a peer that stopped reading; it
				// holds the lock CloseWrite needs.
				_ = s.halfCloser.SetWriteDeadline(time.Now())
			}
			if err := s.halfCloser.CloseWrite(); err == nil {
				_ = s.halfCloser.SetReadDeadline(time.Now().Add(s.linger))
				_, _ = io.Copy(io.Discard, s.halfCloser)
			}
		}
		s.err = s.halfCloser.Close()
	})
	return s.err
}

// QUICStream is the single bidirectional stream of a transfer connection.
// Closing it closes the whole QUIC connection.
type QUICStream struct {
	*quic.Stream
	conn   *quic.Conn
	signal *transfer.Signal
	linger time.Duration
	once   sync.Once
	err    error
}

// NewQUICStream wraps stream of conn. A zero linger closes at once.
func NewQUICStream(conn *quic.Conn, stream *quic.Stream, signal *transfer.Signal, linger time.Duration) *QUICStream {
	return &QUICStream{Stream: stream, conn: conn, signal: signal, linger: linger}
}

func (s *QUICStream) Close() error {
	s.once.Do(func() {
		if reason := s.signal.Reason(); reason != transfer.ReasonNone {
			s.err = s.conn.CloseWithError(codeFor(reason), reason.String())
			return
		}
		_ = s.Stream.Close()
		if s.linger > 0 {
			timer := time.NewTimer(s.linger)
			select {
			case <-s.conn.Context().Done():
			case <-timer.C:
			}
			timer.Stop()
		}
		s.err = s.conn.CloseWithError(CodeDone, "")
	})
	return s.err
}

var (
	_ transfer.Transport = (*Stream)(nil)
	_ transfer.Transport = (*QUICStream)(nil)
)
