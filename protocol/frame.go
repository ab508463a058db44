package protocol

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"sync"
)

// Wire format:
// MAGIC | type_name_length | DELIM | type_name | DELIM | message_id | DELIM | payload_length | DELIM | payload | TERMINATOR
const (
	Magic      = "NX"
	Delim      = '|'
	Terminator = '\n'

	MaxTypeNameLength = 64
	MaxControlPayload = 1024 * 1024 // Largest payload ReadFrame will materialise

	maxTypeLengthDigits    = 2
	maxPayloadLengthDigits = 20
	readBufferSize         = 64 * 1024
)

// ErrPayloadOverflow is returned when a stream writer is handed more bytes than it declared.
var ErrPayloadOverflow = errors.New("protocol: write exceeds declared payload length")

// Header is the fixed-format part of a frame that precedes the payload.
type Header struct {
	Type   string
	ID     MessageID
	Length uint64
}

// Frame is a fully materialised frame.
type Frame struct {
	Header
	Payload []byte
}

func validTypeName(name string) error {
	if len(name) == 0 || len(name) > MaxTypeNameLength {
		return fmt.Errorf("type name length %d out of range", len(name))
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9') {
			return fmt.Errorf("type name contains invalid character %q", c)
		}
	}
	return nil
}

func appendHeader(b []byte, id MessageID, typeName string, length uint64) []byte {
	b = append(b, Magic...)
	b = strconv.AppendInt(b, int64(len(typeName)), 10)
	b = append(b, Delim)
	b = append(b, typeName...)
	b = append(b, Delim)
	b = id.appendTo(b)
	b = append(b, Delim)
	b = strconv.AppendUint(b, length, 10)
	b = append(b, Delim)
	return b
}

// WriteFrame writes one complete control frame with a single Write call.
func WriteFrame(w io.Writer, id MessageID, typeName string, payload []byte) error {
	if err := validTypeName(typeName); err != nil {
		return malformed("write frame", "%w", err)
	}

	buf := GetBufferWithSize(HeaderBufferSize + len(payload) + 1)
	defer PutBuffer(buf)

	var header [HeaderBufferSize]byte
	buf.Write(appendHeader(header[:0], id, typeName, uint64(len(payload))))
	buf.Write(payload)
	buf.WriteByte(Terminator)

	if _, err := w.Write(buf.Bytes()); err != nil {
		return classify("write frame", err)
	}
	return nil
}

// StreamWriter carries exactly the declared number of payload bytes for one frame.
// Close writes the terminator only once every declared byte has been written.
type StreamWriter struct {
	w         io.Writer
	remaining uint64
	finished  bool
	release   func()
}

// BeginStream writes the frame header and returns a writer for the payload.
func BeginStream(w io.Writer, id MessageID, typeName string, length uint64) (*StreamWriter, error) {
	return beginStream(w, id, typeName, length, nil)
}

func beginStream(w io.Writer, id MessageID, typeName string, length uint64, release func()) (*StreamWriter, error) {
	if err := validTypeName(typeName); err != nil {
		if release != nil {
			release()
		}
		return nil, malformed("begin stream", "%w", err)
	}
	var header [HeaderBufferSize]byte
	if _, err := w.Write(appendHeader(header[:0], id, typeName, length)); err != nil {
		if release != nil {
			release()
		}
		return nil, classify("write stream header", err)
	}
	return &StreamWriter{w: w, remaining: length, release: release}, nil
}

// Write forwards payload bytes to the wire.
func (s *StreamWriter) Write(p []byte) (int, error) {
	if s.finished {
		return 0, errors.New("protocol: write on finished stream")
	}
	overflow := false
	if uint64(len(p)) > s.remaining {
		p = p[:s.remaining]
		overflow = true
	}
	n, err := s.w.Write(p)
	s.remaining -= uint64(n)
	if err != nil {
		return n, classify("write stream payload", err)
	}
	if overflow {
		return n, ErrPayloadOverflow
	}
	return n, nil
}

// Remaining returns the number of payload bytes still owed.
func (s *StreamWriter) Remaining() uint64 {
	return s.remaining
}

// Close terminates the frame. If payload bytes are still owed nothing more is
// written and a ShortSource error is returned; the connection must then be dropped.
func (s *StreamWriter) Close() error {
	if s.finished {
		return nil
	}
	s.finish()
	if s.remaining > 0 {
		return &FrameError{
			Kind: KindShortSource,
			Op:   "close stream",
			Err:  fmt.Errorf("%d declared payload bytes never written", s.remaining),
		}
	}
	if _, err := s.w.Write([]byte{Terminator}); err != nil {
		return classify("write terminator", err)
	}
	return nil
}

// Abort gives up on the frame without writing a terminator.
func (s *StreamWriter) Abort() {
	if !s.finished {
		s.finish()
	}
}

func (s *StreamWriter) finish() {
	s.finished = true
	if s.release != nil {
		s.release()
		s.release = nil
	}
}

// WriteStreaming copies length bytes from src straight onto the wire as one frame.
// A source that runs dry before length bytes fails with ErrShortSource; when the
// source can report its size the check happens before anything is written.
func WriteStreaming(w io.Writer, id MessageID, typeName string, src io.Reader, length uint64) error {
	if err := checkSourceLength(src, length); err != nil {
		return err
	}
	sw, err := BeginStream(w, id, typeName, length)
	if err != nil {
		return err
	}
	return copyStream(sw, src, length)
}

// sealer is a stream source that gets the last word before the terminator.
// An error from Seal leaves the frame unterminated.
type sealer interface {
	Seal() error
}

func copyStream(sw *StreamWriter, src io.Reader, length uint64) error {
	limit := int64(math.MaxInt64)
	if length < math.MaxInt64 {
		limit = int64(length)
	}
	if _, err := CopyBuffered(sw, io.LimitReader(src, limit)); err != nil {
		sw.Abort()
		var fe *FrameError
		if errors.As(err, &fe) {
			return err
		}
		return &FrameError{Kind: KindShortSource, Op: "read stream source", Err: err}
	}
	if s, ok := src.(sealer); ok && sw.Remaining() == 0 {
		if err := s.Seal(); err != nil {
			sw.Abort()
			return err
		}
	}
	return sw.Close()
}

type lengther interface {
	Len() int
}

func checkSourceLength(src io.Reader, length uint64) error {
	var available int64 = -1
	switch s := src.(type) {
	case lengther:
		available = int64(s.Len())
	case *os.File:
		info, err := s.Stat()
		if err != nil || !info.Mode().IsRegular() {
			return nil
		}
		pos, err := s.Seek(0, io.SeekCurrent)
		if err != nil {
			return nil
		}
		available = info.Size() - pos
	}
	if available >= 0 && uint64(available) < length {
		return &FrameError{
			Kind: KindShortSource,
			Op:   "check stream source",
			Err:  fmt.Errorf("source holds %d bytes, %d declared", available, length),
		}
	}
	return nil
}

// Writer serialises frame writes on one connection.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriter wraps w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteFrame writes one control frame.
func (w *Writer) WriteFrame(id MessageID, typeName string, payload []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return WriteFrame(w.w, id, typeName, payload)
}

// WriteMessage encodes msg and writes it as one frame.
func (w *Writer) WriteMessage(id MessageID, msg Message) error {
	payload, err := EncodeMessage(msg)
	if err != nil {
		return err
	}
	return w.WriteFrame(id, msg.TypeName(), payload)
}

// TryWriteMessage writes msg only if no other frame is in flight.
func (w *Writer) TryWriteMessage(id MessageID, msg Message) (bool, error) {
	payload, err := EncodeMessage(msg)
	if err != nil {
		return false, err
	}
	if !w.mu.TryLock() {
		return false, nil
	}
	defer w.mu.Unlock()
	return true, WriteFrame(w.w, id, msg.TypeName(), payload)
}

// BeginStream holds the writer until the returned stream is closed or aborted.
func (w *Writer) BeginStream(id MessageID, typeName string, length uint64) (*StreamWriter, error) {
	w.mu.Lock()
	return beginStream(w.w, id, typeName, length, w.mu.Unlock)
}

// WriteStreaming is the synchronised form of the package level WriteStreaming.
func (w *Writer) WriteStreaming(id MessageID, typeName string, src io.Reader, length uint64) error {
	if err := checkSourceLength(src, length); err != nil {
		return err
	}
	sw, err := w.BeginStream(id, typeName, length)
	if err != nil {
		return err
	}
	return copyStream(sw, src, length)
}

// Reader decodes frames from a byte stream. It is not safe for concurrent use.
type Reader struct {
	r    *bufio.Reader
	open *PayloadReader
}

// NewReader wraps r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReaderSize(r, readBufferSize)}
}

// Next reads the next frame header and returns a bounded reader over its payload.
// The previous payload must have been drained and finished first.
func (r *Reader) Next() (Header, *PayloadReader, error) {
	if r.open != nil && !r.open.finished {
		if r.open.remaining > 0 {
			return Header{}, nil, errors.New("protocol: previous payload not consumed")
		}
		if err := r.open.Finish(); err != nil {
			return Header{}, nil, err
		}
	}
	h, err := r.readHeader()
	if err != nil {
		return Header{}, nil, err
	}
	r.open = &PayloadReader{r: r.r, remaining: h.Length}
	return h, r.open, nil
}

// ReadFrame reads one frame and materialises its payload, refusing payloads above maxPayload.
func (r *Reader) ReadFrame(maxPayload uint64) (Frame, error) {
	h, body, err := r.Next()
	if err != nil {
		return Frame{}, err
	}
	if h.Length > maxPayload {
		return Frame{}, &FrameError{
			Kind: KindPayloadTooLarge,
			Op:   "read frame",
			Err:  fmt.Errorf("%s payload of %d bytes exceeds %d", h.Type, h.Length, maxPayload),
		}
	}
	payload := make([]byte, h.Length)
	if _, err := io.ReadFull(body, payload); err != nil {
		return Frame{}, classify("read payload", err)
	}
	if err := body.Finish(); err != nil {
		return Frame{}, err
	}
	return Frame{Header: h, Payload: payload}, nil
}

func (r *Reader) readHeader() (Header, error) {
	const op = "read header"
	var magic [len(Magic)]byte
	if _, err := io.ReadFull(r.r, magic[:]); err != nil {
		return Header{}, classify(op, err)
	}
	if string(magic[:]) != Magic {
		return Header{}, malformed(op, "bad magic %q", magic[:])
	}

	typeLen, err := r.readDecimal("type name length", maxTypeLengthDigits)
	if err != nil {
		return Header{}, err
	}
	if typeLen == 0 || typeLen > MaxTypeNameLength {
		return Header{}, malformed(op, "type name length %d out of range", typeLen)
	}
	name := make([]byte, typeLen)
	if _, err := io.ReadFull(r.r, name); err != nil {
		return Header{}, classify(op, err)
	}
	if err := validTypeName(string(name)); err != nil {
		return Header{}, malformed(op, "%w", err)
	}
	if err := r.expectDelim(); err != nil {
		return Header{}, err
	}

	var rawID [MessageIDLength]byte
	if _, err := io.ReadFull(r.r, rawID[:]); err != nil {
		return Header{}, classify(op, err)
	}
	id, err := ParseMessageID(string(rawID[:]))
	if err != nil {
		return Header{}, malformed(op, "%w", err)
	}
	if err := r.expectDelim(); err != nil {
		return Header{}, err
	}

	length, err := r.readDecimal("payload length", maxPayloadLengthDigits)
	if err != nil {
		return Header{}, err
	}
	return Header{Type: string(name), ID: id, Length: length}, nil
}

func (r *Reader) expectDelim() error {
	b, err := r.r.ReadByte()
	if err != nil {
		return classify("read header", err)
	}
	if b != Delim {
		return malformed("read header", "expected delimiter, got %q", b)
	}
	return nil
}

// readDecimal reads ASCII digits up to and including the next delimiter.
func (r *Reader) readDecimal(field string, maxDigits int) (uint64, error) {
	var digits [maxPayloadLengthDigits]byte
	n := 0
	for {
		b, err := r.r.ReadByte()
		if err != nil {
			return 0, classify("read header", err)
		}
		if b == Delim {
			break
		}
		if b < '0' || b > '9' {
			return 0, malformed("read header", "%s: unexpected byte %q", field, b)
		}
		if n == maxDigits {
			return 0, malformed("read header", "%s: more than %d digits", field, maxDigits)
		}
		digits[n] = b
		n++
	}
	if n == 0 {
		return 0, malformed("read header", "%s: empty", field)
	}
	if n > 1 && digits[0] == '0' {
		return 0, malformed("read header", "%s: leading zero", field)
	}
	v, err := strconv.ParseUint(string(digits[:n]), 10, 64)
	if err != nil {
		return 0, malformed("read header", "%s: %w", field, err)
	}
	return v, nil
}

// PayloadReader is a bounded view over one frame payload. It must be drained
// and then finished, which validates the terminator.
type PayloadReader struct {
	r         *bufio.Reader
	remaining uint64
	finished  bool
}

func (p *PayloadReader) Read(b []byte) (int, error) {
	if p.remaining == 0 {
		return 0, io.EOF
	}
	if uint64(len(b)) > p.remaining {
		b = b[:p.remaining]
	}
	n, err := p.r.Read(b)
	p.remaining -= uint64(n)
	if err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return n, classify("read payload", err)
	}
	return n, nil
}

// Remaining returns the number of unread payload bytes.
func (p *PayloadReader) Remaining() uint64 {
	return p.remaining
}

// Finish validates the terminator after the payload has been fully read.
func (p *PayloadReader) Finish() error {
	if p.finished {
		return nil
	}
	if p.remaining > 0 {
		return fmt.Errorf("protocol: finish with %d payload bytes unread", p.remaining)
	}
	p.finished = true
	b, err := p.r.ReadByte()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return &FrameError{Kind: KindMissingTerminator, Op: "read terminator", Err: err}
		}
		return classify("read terminator", err)
	}
	if b != Terminator {
		return &FrameError{
			Kind: KindMissingTerminator,
			Op:   "read terminator",
			Err:  fmt.Errorf("got %q", b),
		}
	}
	return nil
}

// Discard drains whatever payload is left and validates the terminator.
func (p *PayloadReader) Discard() error {
	if _, err := io.Copy(io.Discard, p); err != nil {
		return err
	}
	return p.Finish()
}
