package sync

import (
	"fmt"

	"github.com/gofrs/flock"
)

// acquireLock takes the run-level lock without blocking
func acquireLock(path string) (*flock.Flock, error) {
	lock := flock.New(path)
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire run lock %s: %w", path, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w (lock held on %s)", ErrRunInProgress, path)
	}
	return lock, nil
}
