package transfer

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Mmx233/Courier/protocol"
)

// Result summarises the files of one transfer connection.
type Result struct {
	Files     int
	Skipped   int
	Resumed   int
	Conflicts []string
	Bytes     uint64 // FileData payload bytes actually moved

	// Complete is the sender's closing message when the receiving loop ran
	// until TransferComplete.
	Complete *protocol.TransferComplete
}

func (r *Result) add(path string, d Disposition, moved uint64) {
	r.Files++
	r.Bytes += moved
	switch d {
	case Skip:
		r.Skipped++
	case Resume:
		r.Resumed++
	case Conflict:
		r.Conflicts = append(r.Conflicts, path)
	}
}

// SendFiles offers each file in turn and streams whatever the receiver lacks.
// A conflicting file is left out and listed in the result.
func (c *Conn) SendFiles(m *Machine, files []LocalFile, obs Observer) (Result, error) {
	if obs == nil {
		obs = NopObserver{}
	}
	var res Result
	for _, f := range files {
		if err := m.Advance(PhaseNegotiate); err != nil {
			return res, err
		}
		d, moved, err := c.sendFile(m, f, obs)
		if err != nil {
			return res, err
		}
		res.add(f.Rel, d, moved)
	}
	return res, nil
}

func (c *Conn) sendFile(m *Machine, f LocalFile, obs Observer) (Disposition, uint64, error) {
	info, err := os.Stat(f.Abs)
	if err != nil {
		return Proceed, 0, ioError("stat "+f.Abs, err)
	}
	f.Size = uint64(info.Size())

	h := c.Hasher()
	digest, err := h.File(f.Abs)
	if err != nil {
		return Proceed, 0, err
	}
	if err := c.Send(protocol.FileStart{Path: f.Rel, Size: f.Size, SHA256: digest}); err != nil {
		return Proceed, 0, err
	}

	// The receiver may end the transfer instead of answering.
	reply, err := c.ReceiveFrame(protocol.TypeFileStartResponse, protocol.TypeTransferComplete)
	if err != nil {
		return Proceed, 0, err
	}
	if reply.Type == protocol.TypeTransferComplete {
		var done protocol.TransferComplete
		if err := Decode(reply, &done); err != nil {
			return Proceed, 0, err
		}
		if err := CompleteErr(done); err != nil {
			return Proceed, 0, err
		}
		return Proceed, 0, protocolError("transfer completed before %s was negotiated", f.Rel)
	}
	var report protocol.FileStartResponse
	if err := Decode(reply, &report); err != nil {
		return Proceed, 0, err
	}
	d, offset, err := Decide(report, f.Size, func(n uint64) (string, error) {
		return h.Prefix(f.Abs, n)
	})
	if err != nil {
		return d, 0, err
	}
	c.logger.Debug().Str("path", f.Rel).Stringer("disposition", d).Uint64("offset", offset).Msg("file negotiated")

	if d == Skip || d == Conflict {
		obs.FileFinished(f.Rel, f.Size, d)
		return d, 0, nil
	}
	if err := m.Advance(PhaseStream); err != nil {
		return d, 0, err
	}
	obs.FileStarted(f.Rel, f.Size, offset)
	if err := c.sendData(f, offset, obs); err != nil {
		return d, 0, err
	}
	obs.FileFinished(f.Rel, f.Size, d)
	return d, f.Size - offset, nil
}

// sendData streams bytes [offset, size) of f as one FileData frame. The stop
// signal is checked before every chunk and once more before the terminator,
// so a stop after the last byte still leaves the frame unterminated.
func (c *Conn) sendData(f LocalFile, offset uint64, obs Observer) error {
	file, err := os.Open(f.Abs)
	if err != nil {
		return ioError("open "+f.Abs, err)
	}
	defer file.Close()
	if _, err := file.Seek(int64(offset), io.SeekStart); err != nil {
		return ioError("seek "+f.Abs, err)
	}
	info, err := file.Stat()
	if err != nil {
		return ioError("stat "+f.Abs, err)
	}
	if info.Size() < int64(f.Size) {
		return ioError("read "+f.Abs, fmt.Errorf("file shrank to %d of %d bytes before sending", info.Size(), f.Size))
	}

	src := &dataSource{conn: c, file: file, f: f, done: offset, obs: obs, thr: newThrottle(ProgressInterval)}
	_ = c.t.SetWriteDeadline(time.Now().Add(c.timeouts.Progress))
	if err := c.w.WriteStreaming(protocol.NewMessageID(), protocol.TypeFileData, src, f.Size-offset); err != nil {
		return c.wrap("send FileData", err)
	}
	obs.FileProgress(f.Rel, f.Size, f.Size)
	return nil
}

// dataSource feeds one FileData payload from disk. Every read honours the
// stop signal, renews the write deadline and reports throttled progress for
// the bytes already on the wire.
type dataSource struct {
	conn *Conn
	file *os.File
	f    LocalFile
	done uint64
	obs  Observer
	thr  *throttle
}

func (s *dataSource) Read(p []byte) (int, error) {
	if err := s.conn.signal.Err(); err != nil {
		return 0, err
	}
	if s.done > 0 && s.thr.allow() {
		s.obs.FileProgress(s.f.Rel, s.done, s.f.Size)
	}
	n, err := s.file.Read(p)
	s.done += uint64(n)
	if n > 0 {
		_ = s.conn.t.SetWriteDeadline(time.Now().Add(s.conn.timeouts.Progress))
	}
	switch {
	case errors.Is(err, io.EOF) && s.done < s.f.Size:
		return n, ioError("read "+s.f.Abs, fmt.Errorf("file shrank by %d bytes while sending", s.f.Size-s.done))
	case err != nil && !errors.Is(err, io.EOF):
		return n, ioError("read "+s.f.Abs, err)
	}
	return n, err
}

// Seal runs after the last payload byte went out.
func (s *dataSource) Seal() error {
	if s.thr.allow() {
		s.obs.FileProgress(s.f.Rel, s.done, s.f.Size)
	}
	return s.conn.signal.Err()
}

// CompleteErr turns an unsuccessful TransferComplete into the matching error.
func CompleteErr(done protocol.TransferComplete) error {
	if done.Success {
		return nil
	}
	kind := done.ErrorKind
	if kind == "" {
		kind = protocol.ErrKindIo
	}
	return RemoteError(kind, done.Error)
}

// ReceiveFiles accepts files from the sender. With count >= 0 exactly count
// files are expected and the caller ends the transfer. With count < 0 files
// are accepted until the sender's TransferComplete, which ends up in the
// result. place maps the relative path announced by the sender to the local
// final path.
func (c *Conn) ReceiveFiles(m *Machine, count int, place func(rel string) (string, error), obs Observer) (Result, error) {
	if obs == nil {
		obs = NopObserver{}
	}
	types := []string{protocol.TypeFileStart}
	if count < 0 {
		types = append(types, protocol.TypeTransferComplete)
	}

	var res Result
	for count < 0 || res.Files < count {
		f, err := c.ReceiveFrame(types...)
		if err != nil {
			return res, err
		}
		if f.Type == protocol.TypeTransferComplete {
			var done protocol.TransferComplete
			if err := Decode(f, &done); err != nil {
				return res, err
			}
			res.Complete = &done
			return res, m.Advance(PhaseComplete)
		}

		var start protocol.FileStart
		if err := Decode(f, &start); err != nil {
			return res, err
		}
		if err := m.Advance(PhaseNegotiate); err != nil {
			return res, err
		}
		final, err := place(start.Path)
		if err != nil {
			var te *Error
			if errors.As(err, &te) {
				return res, te
			}
			return res, protocolError("refusing path %q: %v", start.Path, err)
		}
		d, moved, err := c.receiveFile(m, start, final, obs)
		if err != nil {
			return res, err
		}
		res.add(start.Path, d, moved)
	}
	return res, nil
}

func (c *Conn) receiveFile(m *Machine, start protocol.FileStart, final string, obs Observer) (Disposition, uint64, error) {
	h := c.Hasher()
	report, err := InspectLocal(final, start, h)
	if err != nil {
		return Proceed, 0, err
	}
	if err := c.Send(report); err != nil {
		return Proceed, 0, err
	}
	switch report.Disposition {
	case protocol.LocalComplete:
		obs.FileFinished(start.Path, start.Size, Skip)
		return Skip, 0, nil
	case protocol.LocalConflict:
		obs.FileFinished(start.Path, start.Size, Conflict)
		return Conflict, 0, nil
	}

	if err := m.Advance(PhaseStream); err != nil {
		return Proceed, 0, err
	}
	hdr, body, err := c.Receive(protocol.TypeFileData)
	if err != nil {
		return Proceed, 0, err
	}
	if hdr.Length > start.Size {
		return Proceed, 0, protocolError("FileData of %d bytes for a %d byte file", hdr.Length, start.Size)
	}
	offset := start.Size - hdr.Length
	if err := acceptOffset(report, offset); err != nil {
		return Proceed, 0, err
	}
	d := Proceed
	if offset > 0 {
		d = Resume
	}

	obs.FileStarted(start.Path, start.Size, offset)
	part := PartPath(final)
	if err := c.receiveData(body, part, start, offset, obs); err != nil {
		return d, 0, err
	}

	digest, err := h.File(part)
	if err != nil {
		return d, 0, err
	}
	if !strings.EqualFold(digest, start.SHA256) {
		return d, 0, &Error{
			Kind:       KindHashMismatch,
			RemoteKind: protocol.ErrKindHashMismatch,
			Msg:        fmt.Sprintf("%s hashes to %s, expected %s", start.Path, digest, start.SHA256),
		}
	}
	if err := os.Rename(part, final); err != nil {
		return d, 0, ioError("rename "+part, err)
	}
	obs.FileFinished(start.Path, start.Size, d)
	return d, hdr.Length, nil
}

// receiveData appends the FileData payload to part starting at offset. A stop
// before the first byte leaves the file system untouched; part is never
// removed on failure.
func (c *Conn) receiveData(body *protocol.PayloadReader, part string, start protocol.FileStart, offset uint64, obs Observer) error {
	if err := c.signal.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(part), 0o755); err != nil {
		return ioError("create directory for "+part, err)
	}
	file, err := os.OpenFile(part, os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return ioError("open "+part, err)
	}
	defer file.Close()
	if err := file.Truncate(int64(offset)); err != nil {
		return ioError("truncate "+part, err)
	}
	if _, err := file.Seek(int64(offset), io.SeekStart); err != nil {
		return ioError("seek "+part, err)
	}

	chunk := protocol.GetChunk()
	defer protocol.PutChunk(chunk)
	buf := *chunk

	thr := newThrottle(ProgressInterval)
	done := offset
	for body.Remaining() > 0 {
		if err := c.signal.Err(); err != nil {
			return err
		}
		_ = c.t.SetReadDeadline(time.Now().Add(c.timeouts.Progress))
		want := min(uint64(len(buf)), body.Remaining())
		n, rerr := body.Read(buf[:want])
		if n > 0 {
			if _, err := file.Write(buf[:n]); err != nil {
				return ioError("write "+part, err)
			}
			done += uint64(n)
			if thr.allow() {
				obs.FileProgress(start.Path, done, start.Size)
			}
		}
		if rerr != nil && body.Remaining() > 0 {
			return c.wrap("receive FileData", rerr)
		}
	}

	if err := c.signal.Err(); err != nil {
		return err
	}
	_ = c.t.SetReadDeadline(time.Now().Add(c.timeouts.Progress))
	if err := body.Finish(); err != nil {
		return c.wrap("receive FileData terminator", err)
	}
	if err := file.Close(); err != nil {
		return ioError("close "+part, err)
	}
	obs.FileProgress(start.Path, start.Size, start.Size)
	return nil
}
