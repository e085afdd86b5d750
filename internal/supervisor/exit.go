package supervisor

import (
	"errors"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

type exitReason int

const (
	exitClean exitReason = iota
	exitFailed
	exitSegfault
	exitKilled
)

// classifyExit maps a Wait error to the counters the manager tracks. The
// kernel OOM killer uses SIGKILL, so OOM kills are counted as killed.
func classifyExit(err error) exitReason {
	if err == nil {
		return exitClean
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return exitFailed
	}
	ws, ok := exitErr.Sys().(syscall.WaitStatus)
	if !ok || !ws.Signaled() {
		return exitFailed
	}
	switch ws.Signal() {
	case unix.SIGSEGV, unix.SIGBUS, unix.SIGABRT, unix.SIGILL, unix.SIGFPE:
		return exitSegfault
	case unix.SIGKILL:
		return exitKilled
	default:
		return exitFailed
	}
}
