package transfer

import (
	"errors"
	"io"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/Mmx233/Courier/protocol"
	"github.com/rs/zerolog"
)

// Transport is the byte stream one transfer runs over. Both *tls.Conn and the
// QUIC stream adapter satisfy it.
type Transport interface {
	io.ReadWriteCloser
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// Timeouts bound how long a transfer waits on its peer.
type Timeouts struct {
	Idle     time.Duration // control frames
	Progress time.Duration // each FileData chunk
}

var DefaultTimeouts = Timeouts{
	Idle:     60 * time.Second,
	Progress: 30 * time.Second,
}

// terminationNoticeTimeout bounds the best-effort Error frame written when a
// transfer is stopped from the outside.
const terminationNoticeTimeout = time.Second

// Conn is one transfer connection: a frame reader and writer over a Transport,
// with deadlines applied per read and write and a stop Signal that wins over
// whatever I/O error the stop provoked.
type Conn struct {
	t        Transport
	r        *protocol.Reader
	w        *protocol.Writer
	timeouts Timeouts
	signal   *Signal
	logger   zerolog.Logger
}

// NewConn wraps t. A nil signal gets a private one.
func NewConn(t Transport, timeouts Timeouts, signal *Signal, logger zerolog.Logger) *Conn {
	if signal == nil {
		signal = NewSignal()
	}
	if timeouts.Idle <= 0 {
		timeouts.Idle = DefaultTimeouts.Idle
	}
	if timeouts.Progress <= 0 {
		timeouts.Progress = DefaultTimeouts.Progress
	}
	return &Conn{
		t:        t,
		r:        protocol.NewReader(t),
		w:        protocol.NewWriter(t),
		timeouts: timeouts,
		signal:   signal,
		logger:   logger,
	}
}

// Signal returns the stop signal of this connection.
func (c *Conn) Signal() *Signal {
	return c.signal
}

// Close closes the underlying transport.
func (c *Conn) Close() error {
	return c.t.Close()
}

// Send writes msg under a fresh message id.
func (c *Conn) Send(msg protocol.Message) error {
	return c.SendID(protocol.NewMessageID(), msg)
}

// SendID writes msg under id, used to answer a request with its own id.
func (c *Conn) SendID(id protocol.MessageID, msg protocol.Message) error {
	if err := c.signal.Err(); err != nil {
		return err
	}
	_ = c.t.SetWriteDeadline(time.Now().Add(c.timeouts.Idle))
	if err := c.w.WriteMessage(id, msg); err != nil {
		return c.wrap("send "+msg.TypeName(), err)
	}
	return nil
}

// SendError reports err to the peer as an Error frame.
func (c *Conn) SendError(err error) error {
	return c.Send(protocol.ErrorMsg{Message: err.Error(), ErrorKind: WireKind(err)})
}

// Keepalive tells the peer a long hash is still running.
func (c *Conn) Keepalive(path string) error {
	c.logger.Debug().Str("path", path).Msg("hashing keepalive")
	return c.Send(protocol.FileHashing{Path: path})
}

// Hasher returns a hasher that keeps this connection alive and honours its signal.
func (c *Conn) Hasher() Hasher {
	return Hasher{
		Interval:  HashKeepaliveInterval,
		Keepalive: c.Keepalive,
		Signal:    c.signal,
	}
}

// Receive returns the next substantive frame, which must be one of types.
// FileHashing keepalives are skipped and each one restarts the idle timeout.
// An Error frame from the peer becomes a remote error. The caller owns the
// returned payload and must drain it before the next Receive.
func (c *Conn) Receive(types ...string) (protocol.Header, *protocol.PayloadReader, error) {
	for {
		if err := c.signal.Err(); err != nil {
			return protocol.Header{}, nil, err
		}
		_ = c.t.SetReadDeadline(time.Now().Add(c.timeouts.Idle))
		h, body, err := c.r.Next()
		if err != nil {
			return protocol.Header{}, nil, c.wrap("receive "+strings.Join(types, "|"), err)
		}
		if h.Type != protocol.TypeFileData && h.Length > protocol.MaxControlPayload {
			return h, nil, protocolError("%s payload of %d bytes exceeds the control limit", h.Type, h.Length)
		}

		switch h.Type {
		case protocol.TypeFileHashing:
			if err := body.Discard(); err != nil {
				return h, nil, c.wrap("receive keepalive", err)
			}
			c.logger.Debug().Msg("peer is hashing")
			continue
		case protocol.TypeError:
			payload, err := c.readPayload(body)
			if err != nil {
				return h, nil, err
			}
			var msg protocol.ErrorMsg
			if err := protocol.DecodeMessage(payload, &msg); err != nil {
				return h, nil, protocolError("undecodable Error payload: %v", err)
			}
			return h, nil, RemoteError(msg.ErrorKind, msg.Message)
		}

		if !slices.Contains(types, h.Type) {
			if !protocol.IsKnownType(h.Type) {
				return h, nil, protocolError("unknown message type %q", h.Type)
			}
			return h, nil, protocolError("unexpected %s while waiting for %s", h.Type, strings.Join(types, " or "))
		}
		return h, body, nil
	}
}

// ReceiveFrame is Receive with the payload materialised.
func (c *Conn) ReceiveFrame(types ...string) (protocol.Frame, error) {
	h, body, err := c.Receive(types...)
	if err != nil {
		return protocol.Frame{}, err
	}
	if h.Type == protocol.TypeFileData {
		return protocol.Frame{}, protocolError("FileData cannot be materialised")
	}
	payload, err := c.readPayload(body)
	if err != nil {
		return protocol.Frame{}, err
	}
	return protocol.Frame{Header: h, Payload: payload}, nil
}

// ReceiveAny returns the next frame of any known type. Error frames are
// returned as frames, not errors. FileData payloads are discarded and the
// frame comes back without one.
func (c *Conn) ReceiveAny() (protocol.Frame, error) {
	for {
		if err := c.signal.Err(); err != nil {
			return protocol.Frame{}, err
		}
		_ = c.t.SetReadDeadline(time.Now().Add(c.timeouts.Idle))
		h, body, err := c.r.Next()
		if err != nil {
			return protocol.Frame{}, c.wrap("receive", err)
		}
		if !protocol.IsKnownType(h.Type) {
			return protocol.Frame{Header: h}, protocolError("unknown message type %q", h.Type)
		}

		switch {
		case h.Type == protocol.TypeFileHashing:
			if err := body.Discard(); err != nil {
				return protocol.Frame{Header: h}, c.wrap("receive keepalive", err)
			}
			continue
		case h.Type == protocol.TypeFileData:
			if err := body.Discard(); err != nil {
				return protocol.Frame{Header: h}, c.wrap("discard FileData", err)
			}
			return protocol.Frame{Header: h}, nil
		case h.Length > protocol.MaxControlPayload:
			return protocol.Frame{Header: h}, protocolError("%s payload of %d bytes exceeds the control limit", h.Type, h.Length)
		}
		payload, err := c.readPayload(body)
		if err != nil {
			return protocol.Frame{Header: h}, err
		}
		return protocol.Frame{Header: h, Payload: payload}, nil
	}
}

// ReceiveMessage waits for a frame of msg's type and decodes it into msg,
// which must be a pointer.
func (c *Conn) ReceiveMessage(msg protocol.Message) (protocol.Header, error) {
	f, err := c.ReceiveFrame(msg.TypeName())
	if err != nil {
		return f.Header, err
	}
	return f.Header, Decode(f, msg)
}

// Decode unpacks a control frame, turning bad JSON into a protocol error.
func Decode(f protocol.Frame, msg any) error {
	if err := protocol.DecodeMessage(f.Payload, msg); err != nil {
		return protocolError("undecodable %s payload: %v", f.Type, err)
	}
	return nil
}

func (c *Conn) readPayload(body *protocol.PayloadReader) ([]byte, error) {
	payload := make([]byte, body.Remaining())
	if _, err := io.ReadFull(body, payload); err != nil {
		return nil, c.wrap("read payload", err)
	}
	if err := body.Finish(); err != nil {
		return nil, c.wrap("read payload", err)
	}
	return payload, nil
}

// Watch closes the transport as soon as the signal fires, unblocking any
// pending read or write. A ban or shutdown is announced to the peer first
// when no frame is in flight. The returned function stops the watcher.
func (c *Conn) Watch() (stop func()) {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case <-c.signal.Done():
		case <-done:
			return
		}
		switch c.signal.Reason() {
		case ReasonBanned, ReasonShutdown:
			c.notifyTermination()
		}
		c.logger.Debug().Stringer("reason", c.signal.Reason()).Msg("closing transfer connection")
		_ = c.t.Close()
	}()

	var once sync.Once
	return func() {
		once.Do(func() { close(done) })
		wg.Wait()
	}
}

func (c *Conn) notifyTermination() {
	kind := protocol.ErrKindBanned
	if c.signal.Reason() == ReasonShutdown {
		kind = protocol.ErrKindShutdown
	}
	_ = c.t.SetWriteDeadline(time.Now().Add(terminationNoticeTimeout))
	sent, err := c.w.TryWriteMessage(protocol.NewMessageID(), protocol.ErrorMsg{
		Message:   "transfer terminated by server",
		ErrorKind: kind,
	})
	if err != nil || !sent {
		c.logger.Debug().Bool("sent", sent).Err(err).Msg("termination notice not delivered")
	}
}

// wrap classifies an I/O error. When the signal has fired the stop reason is
// reported instead of the error it provoked.
func (c *Conn) wrap(msg string, err error) error {
	if serr := c.signal.Err(); serr != nil {
		return serr
	}
	var te *Error
	if errors.As(err, &te) {
		return te
	}
	return fromFrame(msg, err)
}
