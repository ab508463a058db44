package transfer

import "time"

// ProgressInterval is the minimum gap between two progress callbacks of a file.
const ProgressInterval = 100 * time.Millisecond

// Observer follows the files of a transfer. Progress calls are throttled to
// one per ProgressInterval, except the final one at 100% which always fires.
type Observer interface {
	FileStarted(path string, size, offset uint64)
	FileProgress(path string, done, size uint64)
	FileFinished(path string, size uint64, d Disposition)
}

// NopObserver ignores everything.
type NopObserver struct{}

func (NopObserver) FileStarted(string, uint64, uint64)       {}
func (NopObserver) FileProgress(string, uint64, uint64)      {}
func (NopObserver) FileFinished(string, uint64, Disposition) {}

type throttle struct {
	interval time.Duration
	last     time.Time
	now      func() time.Time
}

func newThrottle(interval time.Duration) *throttle {
	return &throttle{interval: interval, now: time.Now}
}

// allow reports whether a callback may fire now.
func (t *throttle) allow() bool {
	now := t.now()
	if !t.last.IsZero() && now.Sub(t.last) < t.interval {
		return false
	}
	t.last = now
	return true
}
