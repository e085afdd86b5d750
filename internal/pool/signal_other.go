//go:build !unix

package pool

import "os"

type osSignaller struct{}

// OSSignaller signals real processes.
func OSSignaller() Signaller { return osSignaller{} }

func (osSignaller) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	_, err := os.FindProcess(pid)
	return err == nil
}

func (osSignaller) Kill(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	return p.Kill()
}
