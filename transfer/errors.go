package transfer

import (
	"errors"
	"fmt"

	"github.com/Mmx233/Courier/protocol"
)

// ErrorKind tells a caller what kind of retry, if any, makes sense.
type ErrorKind string

const (
	KindConnection   ErrorKind = "connection"    // network trouble, retry later
	KindTimeout      ErrorKind = "timeout"       // peer stalled
	KindProtocol     ErrorKind = "protocol"      // desync or illegal message, a bug
	KindCancelled    ErrorKind = "cancelled"     // user cancelled, do not retry
	KindPaused       ErrorKind = "paused"        // user paused, resumable
	KindBanned       ErrorKind = "banned"        // forcibly terminated by an admin
	KindRemote       ErrorKind = "remote"        // peer refused, see RemoteKind
	KindConflict     ErrorKind = "conflict"      // a finished file differs on the receiving side
	KindHashMismatch ErrorKind = "hash_mismatch" // received bytes do not hash to the announced value
	KindIo           ErrorKind = "io"            // local file system
)

// Error is the error type returned by every transfer operation.
type Error struct {
	Kind       ErrorKind
	RemoteKind string // wire error kind when Kind is KindRemote
	Msg        string
	Err        error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("transfer %s: %s: %v", e.Kind, msg, e.Err)
	}
	return fmt.Sprintf("transfer %s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of a transfer error, or KindIo for foreign errors.
func KindOf(err error) ErrorKind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	if _, ok := protocol.KindOf(err); ok {
		return fromFrame("", err).Kind
	}
	return KindIo
}

// Retryable reports whether a fresh attempt may succeed without user action.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindConnection, KindTimeout, KindPaused:
		return true
	default:
		return false
	}
}

func protocolError(format string, args ...any) *Error {
	return &Error{Kind: KindProtocol, Msg: fmt.Sprintf(format, args...)}
}

func ioError(msg string, err error) *Error {
	return &Error{Kind: KindIo, Msg: msg, Err: err}
}

// RemoteError builds the error for a structured refusal sent by the peer.
func RemoteError(kind, msg string) *Error {
	switch kind {
	case protocol.ErrKindBanned:
		return &Error{Kind: KindBanned, RemoteKind: kind, Msg: msg}
	case protocol.ErrKindConflict:
		return &Error{Kind: KindConflict, RemoteKind: kind, Msg: msg}
	case protocol.ErrKindHashMismatch:
		return &Error{Kind: KindHashMismatch, RemoteKind: kind, Msg: msg}
	case protocol.ErrKindProtocol:
		return &Error{Kind: KindProtocol, RemoteKind: kind, Msg: msg}
	}
	return &Error{Kind: KindRemote, RemoteKind: kind, Msg: msg}
}

func fromFrame(msg string, err error) *Error {
	kind, ok := protocol.KindOf(err)
	if !ok {
		return &Error{Kind: KindConnection, Msg: msg, Err: err}
	}
	switch kind {
	case protocol.KindFrameTimeout:
		return &Error{Kind: KindTimeout, Msg: msg, Err: err}
	case protocol.KindMissingTerminator, protocol.KindMalformedHeader, protocol.KindPayloadTooLarge:
		return &Error{Kind: KindProtocol, Msg: msg, Err: err}
	case protocol.KindShortSource:
		return &Error{Kind: KindIo, Msg: msg, Err: err}
	default:
		return &Error{Kind: KindConnection, Msg: msg, Err: err}
	}
}

// WireKind maps an error onto the kind reported to the peer.
func WireKind(err error) string {
	var te *Error
	if errors.As(err, &te) && te.RemoteKind != "" {
		return te.RemoteKind
	}
	switch KindOf(err) {
	case KindProtocol:
		return protocol.ErrKindProtocol
	case KindBanned:
		return protocol.ErrKindBanned
	case KindConflict:
		return protocol.ErrKindConflict
	case KindHashMismatch:
		return protocol.ErrKindHashMismatch
	default:
		return protocol.ErrKindIo
	}
}
