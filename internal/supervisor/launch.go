package supervisor

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// ReadyFDFlag names the flag that carries the launcher pipe descriptor.
const ReadyFDFlag = "ready-fd"

// Process is a launched primordial supervisor.
type Process struct {
	cmd  *exec.Cmd
	done chan struct{}

	mu  sync.Mutex
	err error
}

// Launch starts the primordial supervisor. setPID runs after the process
// has started and before it is allowed to connect, so the manager knows
// the pid when the announce arrives. onExit, if set, runs once the process
// is gone.
func Launch(cmd *exec.Cmd, setPID func(pid int), onExit func(error)) (*Process, error) {
	ready, release, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create launch pipe: %w", err)
	}
	defer release.Close()

	// ExtraFiles[i] becomes descriptor 3+i in the child.
	fd := 3 + len(cmd.ExtraFiles)
	cmd.ExtraFiles = append(cmd.ExtraFiles, ready)
	cmd.Args = append(cmd.Args, "--"+ReadyFDFlag, strconv.Itoa(fd))

	err = cmd.Start()
	_ = ready.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to start supervisor: %w", err)
	}

	setPID(cmd.Process.Pid)
	if _, err := release.Write([]byte{1}); err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, fmt.Errorf("failed to release supervisor: %w", err)
	}

	p := &Process{cmd: cmd, done: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		close(p.done)
		if onExit != nil {
			onExit(err)
		}
	}()
	return p, nil
}

// Pid returns the process id.
func (p *Process) Pid() int { return p.cmd.Process.Pid }

// Done is closed once the process has exited.
func (p *Process) Done() <-chan struct{} { return p.done }

// Err returns the exit error once Done is closed.
func (p *Process) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Stop asks the process to terminate and kills it after timeout.
func (p *Process) Stop(timeout time.Duration) {
	select {
	case <-p.done:
		return
	default:
	}
	_ = p.cmd.Process.Signal(unix.SIGTERM)
	select {
	case <-p.done:
	case <-time.After(timeout):
		_ = p.cmd.Process.Kill()
		<-p.done
	}
}

// ExecChild adapts a started command to Child.
type ExecChild struct{ *exec.Cmd }

// Pid returns the process id.
func (c ExecChild) Pid() int { return c.Process.Pid }

// StartCommand starts cmd and wraps it as a Child.
func StartCommand(cmd *exec.Cmd) (Child, error) {
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return ExecChild{cmd}, nil
}
