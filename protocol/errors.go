package protocol

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
)

// FrameErrorKind classifies codec failures. Every kind is fatal to the connection.
type FrameErrorKind int

const (
	KindIo FrameErrorKind = iota
	KindConnectionClosed
	KindFrameTimeout
	KindMissingTerminator
	KindMalformedHeader
	KindPayloadTooLarge
	KindShortSource
)

func (k FrameErrorKind) String() string {
	switch k {
	case KindIo:
		return "io"
	case KindConnectionClosed:
		return "connection closed"
	case KindFrameTimeout:
		return "frame timeout"
	case KindMissingTerminator:
		return "missing terminator"
	case KindMalformedHeader:
		return "malformed header"
	case KindPayloadTooLarge:
		return "payload too large"
	case KindShortSource:
		return "short source"
	default:
		return "unknown"
	}
}

// FrameError is returned by every codec operation that fails.
type FrameError struct {
	Kind FrameErrorKind
	Op   string
	Err  error
}

func (e *FrameError) Error() string {
	if e.Err == nil {
		if e.Op == "" {
			return "protocol: " + e.Kind.String()
		}
		return fmt.Sprintf("protocol: %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("protocol: %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *FrameError) Unwrap() error {
	return e.Err
}

// Is matches any FrameError of the same kind, so the sentinels below work with errors.Is.
func (e *FrameError) Is(target error) bool {
	t, ok := target.(*FrameError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrConnectionClosed  = &FrameError{Kind: KindConnectionClosed}
	ErrFrameTimeout      = &FrameError{Kind: KindFrameTimeout}
	ErrMissingTerminator = &FrameError{Kind: KindMissingTerminator}
	ErrMalformedHeader   = &FrameError{Kind: KindMalformedHeader}
	ErrPayloadTooLarge   = &FrameError{Kind: KindPayloadTooLarge}
	ErrShortSource       = &FrameError{Kind: KindShortSource}
)

// KindOf returns the frame error kind carried by err, if any.
func KindOf(err error) (FrameErrorKind, bool) {
	var fe *FrameError
	if errors.As(err, &fe) {
		return fe.Kind, true
	}
	return 0, false
}

func malformed(op string, format string, args ...any) *FrameError {
	return &FrameError{Kind: KindMalformedHeader, Op: op, Err: fmt.Errorf(format, args...)}
}

// classify maps a transport error onto the frame error taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var fe *FrameError
	if errors.As(err, &fe) {
		return err
	}
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed):
		return &FrameError{Kind: KindConnectionClosed, Op: op, Err: err}
	case errors.Is(err, os.ErrDeadlineExceeded):
		return &FrameError{Kind: KindFrameTimeout, Op: op, Err: err}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &FrameError{Kind: KindFrameTimeout, Op: op, Err: err}
	}
	return &FrameError{Kind: KindIo, Op: op, Err: err}
}
