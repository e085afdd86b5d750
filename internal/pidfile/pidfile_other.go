//go:build !unix

package pidfile

// isProcessRunning cannot probe without signals; an existing file is
// trusted.
func isProcessRunning(pid int) bool {
	return pid > 0
}
