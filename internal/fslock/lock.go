// Package fslock wraps advisory file locks used to make single-record
// appends and reads on shared JSONL files safe across processes.
package fslock

import (
	"errors"
	"os"
)

// ErrLockUnavailable is returned when the platform refuses the lock.
var ErrLockUnavailable = errors.New("fslock: lock unavailable")

// Exclusive runs fn while holding an exclusive lock on f.
func Exclusive(f *os.File, fn func() error) error {
	return withLock(f, true, fn)
}

// Shared runs fn while holding a shared lock on f.
func Shared(f *os.File, fn func() error) error {
	return withLock(f, false, fn)
}
