package mirror

import (
	"os"
	"syscall"

	"github.com/cockroachdb/errors"
)

// Flock is an advisory exclusive lock on an open file.
type Flock struct {
	f *os.File
}

// Lock acquires the lock without blocking.
// It returns ErrLocked if another process holds it.
func (fl Flock) Lock() error {
	err := syscall.Flock(int(fl.f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
	if errors.Is(err, syscall.EWOULDBLOCK) {
		return ErrLocked
	}
	return errors.Wrap(err, "flock")
}

// Unlock releases the lock.
func (fl Flock) Unlock() error {
	return errors.Wrap(syscall.Flock(int(fl.f.Fd()), syscall.LOCK_UN), "funlock")
}
