//go:build windows

package fslock

import "os"

// Windows appends with O_APPEND are already serialized per handle; no advisory lock is taken.
func withLock(_ *os.File, _ bool, fn func() error) error {
	return fn()
}
