// Package supervisor is the forking supervisor process. It registers on
// the control socket and starts worker processes when the manager asks.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codefionn/kitpool/internal/controlsock"
	"github.com/codefionn/kitpool/internal/logger"
	"github.com/codefionn/kitpool/internal/protocol"
	"github.com/codefionn/kitpool/internal/sandbox"
)

// DefaultReportInterval is how often pending exit counts are sent.
const DefaultReportInterval = time.Second

// Child is a started process.
type Child interface {
	Pid() int
	Wait() error
}

// StartWorkerFunc starts one worker process for a jail. jailDir is empty
// when jailing is off.
type StartWorkerFunc func(jailID, jailDir, profile string) (Child, error)

// StartSupervisorFunc starts a profile-scoped supervisor process.
type StartSupervisorFunc func(profile string) (Child, error)

// Options configures a Runtime.
type Options struct {
	SocketPath string
	// Profile is empty for the primordial supervisor.
	Profile string
	Jail    sandbox.Config
	// LoadJail, when set, is called before every spawn so workers pick up
	// jail changes. A failed load keeps the last good settings.
	LoadJail func() (sandbox.Config, error)

	StartWorker     StartWorkerFunc
	StartSupervisor StartSupervisorFunc

	// ReadyFD, when set, is read once before dialing. The launcher writes
	// to it after recording the pid.
	ReadyFD *os.File

	ReportInterval time.Duration
	Logger         *logger.Logger
}

// Runtime is a running supervisor.
type Runtime struct {
	opts Options
	log  *logger.Logger

	mu       sync.Mutex
	client   *controlsock.Client
	children map[int]string
	profiles map[string]Child
	pending  protocol.ExitReport
	jail     sandbox.Config

	wg sync.WaitGroup
}

// New creates a supervisor runtime.
func New(opts Options) *Runtime {
	if opts.ReportInterval <= 0 {
		opts.ReportInterval = DefaultReportInterval
	}
	log := opts.Logger
	if log == nil {
		log = logger.Global()
	}
	name := "forkit"
	if opts.Profile != "" {
		name = "forkit-" + opts.Profile
	}
	return &Runtime{
		opts:     opts,
		log:      log.WithPrefix(name),
		children: make(map[int]string),
		profiles: make(map[string]Child),
		jail:     opts.Jail,
	}
}

var errExitRequested = errors.New("exit requested")

// Run registers with the manager and serves commands until the manager
// says exit, the connection drops or ctx is cancelled.
func (r *Runtime) Run(ctx context.Context) error {
	if r.opts.ReadyFD != nil {
		buf := make([]byte, 1)
		_, err := r.opts.ReadyFD.Read(buf)
		_ = r.opts.ReadyFD.Close()
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("failed to wait for launcher: %w", err)
		}
	}

	client, err := controlsock.Dial(ctx, r.opts.SocketPath)
	if err != nil {
		return err
	}
	defer client.Close()

	r.mu.Lock()
	r.client = client
	r.mu.Unlock()

	if err := client.Announce(protocol.Announce{Role: protocol.RoleSupervisor, Profile: r.opts.Profile}); err != nil {
		return err
	}
	r.log.Info("registered on %s", r.opts.SocketPath)

	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		for {
			line, err := client.ReadLine()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
	}()

	ticker := time.NewTicker(r.opts.ReportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.flushReport()
			return nil
		case err := <-readErr:
			r.log.Warn("control connection closed: %v", err)
			return nil
		case line := <-lines:
			if err := r.handle(line); err != nil {
				if errors.Is(err, errExitRequested) {
					r.flushReport()
					r.log.Info("exiting on request")
					return nil
				}
				r.log.Warn("command %q failed: %v", line, err)
			}
		case <-ticker.C:
			r.flushReport()
		}
	}
}

func (r *Runtime) handle(line string) error {
	verb, arg := protocol.Command(line)
	switch verb {
	case protocol.CmdSpawn:
		n, err := protocol.ParseSpawn(line)
		if err != nil {
			return err
		}
		var errs []error
		for range n {
			if err := r.spawnWorker(); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	case protocol.CmdAddProfile:
		return r.startProfileSupervisor(arg)
	case protocol.CmdExit:
		return errExitRequested
	case protocol.CmdPing:
		return r.send(protocol.CmdPong)
	default:
		r.log.Debug("ignoring %q", line)
		return nil
	}
}

func (r *Runtime) currentJail() sandbox.Config {
	if r.opts.LoadJail != nil {
		jail, err := r.opts.LoadJail()
		r.mu.Lock()
		defer r.mu.Unlock()
		if err != nil {
			r.log.Warn("failed to reload jail settings, keeping %s: %v", r.jail.RootDir, err)
			return r.jail
		}
		r.jail = jail
		return jail
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.jail
}

func (r *Runtime) spawnWorker() error {
	if r.opts.StartWorker == nil {
		return fmt.Errorf("no worker starter configured")
	}
	jail := r.currentJail()
	jailID := uuid.NewString()
	jailDir := ""
	if !jail.Disabled && jail.RootDir != "" {
		jailDir = jail.JailDir(jailID)
		if err := os.MkdirAll(jailDir, 0o750); err != nil {
			return fmt.Errorf("failed to create jail %s: %w", jailID, err)
		}
	}

	child, err := r.opts.StartWorker(jailID, jailDir, r.opts.Profile)
	if err != nil {
		if jailDir != "" {
			_ = os.RemoveAll(jailDir)
		}
		return fmt.Errorf("failed to start worker for jail %s: %w", jailID, err)
	}

	pid := child.Pid()
	r.mu.Lock()
	r.children[pid] = jailID
	r.mu.Unlock()
	r.log.Debug("started worker pid %d in jail %s", pid, jailID)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		err := child.Wait()
		reason := classifyExit(err)

		r.mu.Lock()
		delete(r.children, pid)
		switch reason {
		case exitSegfault:
			r.pending.Segfaults++
		case exitKilled:
			r.pending.Killed++
		}
		r.mu.Unlock()

		if reason != exitClean {
			r.log.Warn("worker pid %d (jail %s) exited abnormally: %v", pid, jailID, err)
		} else {
			r.log.Debug("worker pid %d (jail %s) exited", pid, jailID)
		}
		if jailDir != "" {
			if err := os.RemoveAll(jailDir); err != nil {
				r.log.Warn("failed to remove jail %s: %v", jailDir, err)
			}
		}
	}()
	return nil
}

func (r *Runtime) startProfileSupervisor(profile string) error {
	if r.opts.Profile != "" {
		return fmt.Errorf("only the primordial supervisor starts profile supervisors")
	}
	if profile == "" {
		return fmt.Errorf("empty profile")
	}
	if r.opts.StartSupervisor == nil {
		return fmt.Errorf("no supervisor starter configured")
	}

	r.mu.Lock()
	if _, running := r.profiles[profile]; running {
		r.mu.Unlock()
		r.log.Debug("supervisor for profile %q is already running", profile)
		return nil
	}
	r.mu.Unlock()

	child, err := r.opts.StartSupervisor(profile)
	if err != nil {
		return fmt.Errorf("failed to start supervisor for profile %q: %w", profile, err)
	}

	r.mu.Lock()
	r.profiles[profile] = child
	r.mu.Unlock()
	r.log.Info("started supervisor pid %d for profile %q", child.Pid(), profile)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		err := child.Wait()
		r.mu.Lock()
		delete(r.profiles, profile)
		r.mu.Unlock()
		r.log.Info("supervisor for profile %q exited: %v", profile, err)
	}()
	return nil
}

func (r *Runtime) flushReport() {
	r.mu.Lock()
	report := r.pending
	r.pending = protocol.ExitReport{}
	r.mu.Unlock()

	if report.Empty() {
		return
	}
	if err := r.send(report.String()); err != nil {
		r.log.Warn("failed to report worker exits: %v", err)
		// Keep the counts for the next attempt.
		r.mu.Lock()
		r.pending.Segfaults += report.Segfaults
		r.pending.Killed += report.Killed
		r.pending.OOMKilled += report.OOMKilled
		r.mu.Unlock()
	}
}

func (r *Runtime) send(line string) error {
	r.mu.Lock()
	client := r.client
	r.mu.Unlock()
	if client == nil {
		return fmt.Errorf("not connected")
	}
	return client.WriteLine(line)
}

// Children returns the number of running workers.
func (r *Runtime) Children() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.children)
}

// Wait blocks until every child this runtime started has been reaped.
func (r *Runtime) Wait() {
	r.wg.Wait()
}
