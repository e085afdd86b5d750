//go:build unix

package pool

import (
	"errors"

	"golang.org/x/sys/unix"
)

type osSignaller struct{}

// OSSignaller signals real processes.
func OSSignaller() Signaller { return osSignaller{} }

func (osSignaller) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	// EPERM means the process exists but belongs to someone else.
	return err == nil || errors.Is(err, unix.EPERM)
}

func (osSignaller) Kill(pid int) error {
	if err := unix.Kill(pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return err
	}
	return nil
}
