// Package pidfile keeps a single manager per pid file path.
package pidfile

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrRunning is returned by Acquire when another live process owns the file.
var ErrRunning = errors.New("another kitpool manager is already running")

// Pidfile is a file holding the pid of the process that owns a resource.
type Pidfile struct {
	path string
}

func New(path string) *Pidfile {
	return &Pidfile{path: path}
}

func (p *Pidfile) Path() string { return p.path }

// Acquire claims the file for this process. The file is created
// exclusively; an existing file is replaced only when the pid it names is
// gone or unreadable.
func (p *Pidfile) Acquire() error {
	if err := os.MkdirAll(filepath.Dir(p.path), 0755); err != nil {
		return fmt.Errorf("failed to create pidfile directory: %w", err)
	}

	// Two attempts: the second follows the removal of a stale file.
	for range 2 {
		err := p.create()
		if err == nil || !errors.Is(err, fs.ErrExist) {
			return err
		}
		pid, readErr := p.Read()
		if readErr == nil && pid == os.Getpid() {
			return nil
		}
		if readErr == nil && isProcessRunning(pid) {
			return fmt.Errorf("%w (pid %d, %s)", ErrRunning, pid, p.path)
		}
		if err := p.Remove(); err != nil {
			return err
		}
	}
	return fmt.Errorf("%w (%s keeps reappearing)", ErrRunning, p.path)
}

func (p *Pidfile) create() error {
	f, err := os.OpenFile(p.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return err
	}
	_, werr := fmt.Fprintf(f, "%d\n", os.Getpid())
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		_ = os.Remove(p.path)
		return fmt.Errorf("failed to write pidfile: %w", werr)
	}
	return nil
}

// Write overwrites the file with the current pid, whoever owned it.
func (p *Pidfile) Write() error {
	if err := os.MkdirAll(filepath.Dir(p.path), 0755); err != nil {
		return fmt.Errorf("failed to create pidfile directory: %w", err)
	}
	if err := os.WriteFile(p.path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0644); err != nil {
		return fmt.Errorf("failed to write pidfile: %w", err)
	}
	return nil
}

// Release removes the file if it still names this process.
func (p *Pidfile) Release() error {
	if pid, err := p.Read(); err != nil || pid != os.Getpid() {
		return nil
	}
	return p.Remove()
}

func (p *Pidfile) Read() (int, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return 0, fmt.Errorf("failed to read pidfile: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid pid in %s: %q", p.path, strings.TrimSpace(string(data)))
	}
	return pid, nil
}

// Remove deletes the file. A missing file is not an error.
func (p *Pidfile) Remove() error {
	if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove pidfile: %w", err)
	}
	return nil
}

func (p *Pidfile) Exists() bool {
	_, err := os.Stat(p.path)
	return err == nil
}
