package transfer

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/Mmx233/Courier/protocol"
)

// HashKeepaliveInterval is how often FileHashing is sent while hashing.
const HashKeepaliveInterval = 5 * time.Second

// Hasher computes SHA-256 digests of local files in chunks, calling Keepalive
// at most once per Interval and stopping when Signal fires.
type Hasher struct {
	Interval  time.Duration
	Keepalive func(path string) error
	Signal    *Signal
}

// File returns the hex digest of the whole file.
func (h Hasher) File(path string) (string, error) {
	digest, _, err := h.hash(path, -1)
	return digest, err
}

// Prefix returns the hex digest of the first n bytes of the file. A file
// shorter than n bytes is an error.
func (h Hasher) Prefix(path string, n uint64) (string, error) {
	digest, read, err := h.hash(path, int64(n))
	if err != nil {
		return "", err
	}
	if uint64(read) != n {
		return "", ioError("hash "+path, fmt.Errorf("file holds %d bytes, %d requested", read, n))
	}
	return digest, nil
}

func (h Hasher) hash(path string, limit int64) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, ioError("open "+path, err)
	}
	defer f.Close()

	var src io.Reader = f
	if limit >= 0 {
		src = io.LimitReader(f, limit)
	}

	chunk := protocol.GetChunk()
	defer protocol.PutChunk(chunk)
	buf := *chunk

	digest := sha256.New()
	var total int64
	last := time.Now()
	for {
		if err := h.Signal.Err(); err != nil {
			return "", total, err
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			digest.Write(buf[:n])
			total += int64(n)
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				break
			}
			return "", total, ioError("read "+path, rerr)
		}
		if h.Keepalive != nil && h.Interval > 0 && time.Since(last) >= h.Interval {
			if err := h.Keepalive(path); err != nil {
				return "", total, err
			}
			last = time.Now()
		}
	}
	return hex.EncodeToString(digest.Sum(nil)), total, nil
}

// HashBytes returns the hex digest of b.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
