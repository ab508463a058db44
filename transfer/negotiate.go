package transfer

import (
	"errors"
	"io/fs"
	"os"
	"strings"

	"github.com/Mmx233/Courier/protocol"
)

// PartSuffix marks a file that is still being received.
const PartSuffix = ".part"

// PartPath returns where the bytes of final are collected until verified.
func PartPath(final string) string {
	return final + PartSuffix
}

// Disposition is the sender's decision for one file.
type Disposition int

const (
	Proceed  Disposition = iota // send from offset 0
	Resume                      // send from the receiver's verified partial length
	Skip                        // receiver already has the identical file
	Conflict                    // receiver has a different finished file, leave it alone
)

func (d Disposition) String() string {
	switch d {
	case Proceed:
		return "proceed"
	case Resume:
		return "resume"
	case Skip:
		return "skip"
	case Conflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// Decide picks what to send for a file of size bytes given the receiver's
// report. prefix hashes the first n bytes of the source; a partial is only
// resumed when that digest equals the one the receiver reported.
func Decide(report protocol.FileStartResponse, size uint64, prefix func(n uint64) (string, error)) (Disposition, uint64, error) {
	switch report.Disposition {
	case protocol.LocalNone:
		return Proceed, 0, nil
	case protocol.LocalComplete:
		return Skip, 0, nil
	case protocol.LocalConflict:
		return Conflict, 0, nil
	case protocol.LocalPartial:
		if report.Size == 0 || report.Size > size || report.SHA256 == "" {
			return Proceed, 0, nil
		}
		digest, err := prefix(report.Size)
		if err != nil {
			return Proceed, 0, err
		}
		if !strings.EqualFold(digest, report.SHA256) {
			return Proceed, 0, nil
		}
		return Resume, report.Size, nil
	default:
		return Proceed, 0, protocolError("unknown disposition %q", report.Disposition)
	}
}

// InspectLocal reports what the receiving side holds for the announced file
// at final: the finished file, a partial, or nothing.
func InspectLocal(final string, start protocol.FileStart, h Hasher) (protocol.FileStartResponse, error) {
	info, err := os.Lstat(final)
	switch {
	case err == nil:
		if !info.Mode().IsRegular() || uint64(info.Size()) != start.Size {
			return protocol.FileStartResponse{Disposition: protocol.LocalConflict}, nil
		}
		digest, err := h.File(final)
		if err != nil {
			return protocol.FileStartResponse{}, err
		}
		if !strings.EqualFold(digest, start.SHA256) {
			return protocol.FileStartResponse{Disposition: protocol.LocalConflict}, nil
		}
		return protocol.FileStartResponse{Disposition: protocol.LocalComplete, Size: start.Size, SHA256: digest}, nil
	case !errors.Is(err, fs.ErrNotExist):
		return protocol.FileStartResponse{}, ioError("stat "+final, err)
	}

	part := PartPath(final)
	info, err = os.Lstat(part)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return protocol.FileStartResponse{Disposition: protocol.LocalNone}, nil
		}
		return protocol.FileStartResponse{}, ioError("stat "+part, err)
	}
	if !info.Mode().IsRegular() {
		return protocol.FileStartResponse{}, ioError("inspect "+part, errors.New("not a regular file"))
	}
	n := uint64(info.Size())
	if n == 0 || n > start.Size {
		return protocol.FileStartResponse{Disposition: protocol.LocalNone}, nil
	}
	digest, err := h.Prefix(part, n)
	if err != nil {
		return protocol.FileStartResponse{}, err
	}
	return protocol.FileStartResponse{Disposition: protocol.LocalPartial, Size: n, SHA256: digest}, nil
}

// acceptOffset checks the offset a FileData frame implies against the report
// the receiver sent.
func acceptOffset(report protocol.FileStartResponse, offset uint64) error {
	if offset == 0 {
		return nil
	}
	if report.Disposition == protocol.LocalPartial && offset == report.Size {
		return nil
	}
	return protocolError("sender resumed at offset %d, receiver reported %s/%d", offset, report.Disposition, report.Size)
}
