package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// LockSuffix names the lock file kept next to the store.
const LockSuffix = ".lock"

func acquire(path string) (*flock.Flock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}
	lock := flock.New(path + LockSuffix)
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", lock.Path(), err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLocked, lock.Path())
	}
	return lock, nil
}

// owned releases the lock once the backend is closed.
type owned struct {
	Store
	lock *flock.Flock
}

func (o *owned) Close() error {
	return errors.Join(o.Store.Close(), o.lock.Unlock())
}
