package config

import (
	"fmt"

	"github.com/gofrs/flock"
)

// RunLock guarantees a single mutating run at a time.
type RunLock struct {
	lock *flock.Flock
}

// AcquireRunLock takes the run lock without waiting. A concurrent run makes
// it fail immediately.
func AcquireRunLock() (*RunLock, error) {
	if err := EnsureConfigDir(); err != nil {
		return nil, err
	}
	lock := flock.New(LockPath())
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("another mediasweep run is in progress (lock %s)", LockPath())
	}
	return &RunLock{lock: lock}, nil
}

// Release releases the lock.
func (l *RunLock) Release() error {
	return l.lock.Unlock()
}
