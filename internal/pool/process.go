package pool

import (
	"fmt"
	"maps"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/codefionn/kitpool/internal/logger"
	"github.com/codefionn/kitpool/internal/protocol"
)

// State is where a worker handle is in its lifecycle.
type State int

const (
	StateUnregistered State = iota
	StateSpare
	// StateClaimed is the window between Claim and Bind.
	StateClaimed
	StateBound
	// StateGone means the handle left the pool for good.
	StateGone
)

func (s State) String() string {
	switch s {
	case StateUnregistered:
		return "unregistered"
	case StateSpare:
		return "spare"
	case StateClaimed:
		return "claimed"
	case StateBound:
		return "bound"
	case StateGone:
		return "gone"
	default:
		return "unknown"
	}
}

// process is the part shared by worker and supervisor handles. The pid is
// only for logging and signalling; handles are identified by id.
type process struct {
	id   uint64
	kind string
	pid  int
	sig  Signaller
	log  *logger.Logger

	mu         sync.Mutex
	conn       Conn
	terminated bool
}

// ID returns the handle generation number, unique per manager.
func (p *process) ID() uint64 { return p.id }

// PID returns the process id reported by the peer credentials.
func (p *process) PID() int { return p.pid }

// SendControl queues one control line for the process.
func (p *process) SendControl(msg string) error {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()

	if conn == nil {
		return ErrChannelClosed
	}
	if !strings.HasSuffix(msg, "\n") {
		msg += "\n"
	}
	if err := conn.Send([]byte(msg)); err != nil {
		return fmt.Errorf("failed to send to %s %d: %w", p.kind, p.id, err)
	}
	return nil
}

// RequestGracefulExit asks the process to exit and shuts the channel down.
// It never kills.
func (p *process) RequestGracefulExit() {
	conn := p.detach()
	if conn == nil {
		return
	}
	if err := conn.Send([]byte(protocol.CmdExit + "\n")); err != nil {
		p.log.Debug("%s %d: exit request not sent: %v", p.kind, p.id, err)
	}
	conn.Shutdown()
}

// Terminate kills the process if it is still there. Safe to call repeatedly.
func (p *process) Terminate() {
	p.mu.Lock()
	done := p.terminated
	p.terminated = true
	p.mu.Unlock()

	if done || p.pid <= 1 {
		return
	}
	if p.sig.Alive(p.pid) {
		if err := p.sig.Kill(p.pid); err != nil {
			p.log.Warn("%s %d: failed to kill pid %d: %v", p.kind, p.id, p.pid, err)
			return
		}
		p.log.Info("%s %d: killed pid %d", p.kind, p.id, p.pid)
	}
}

// Close asks the process to exit, then kills it.
func (p *process) Close() {
	p.RequestGracefulExit()
	p.Terminate()
}

// IsAlive reports whether the channel is open and the process answers signal 0.
func (p *process) IsAlive() bool {
	p.mu.Lock()
	open := p.conn != nil && !p.terminated
	p.mu.Unlock()
	return open && p.pid > 1 && p.sig.Alive(p.pid)
}

func (p *process) detach() Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	conn := p.conn
	p.conn = nil
	return conn
}

// Worker is a worker process known to the pool.
type Worker struct {
	process
	m *Manager

	jailID    string
	profile   string
	version   string
	props     map[string]string
	createdAt time.Time

	fdMu      sync.Mutex
	memStats  *os.File
	bridgeIn  *os.File
	bridgeOut *os.File

	// guarded by m.mu
	state State
	owner Owner
}

func (w *Worker) JailID() string  { return w.jailID }
func (w *Worker) Profile() string { return w.profile }
func (w *Worker) Version() string { return w.version }

// CreatedAt returns when the worker announced itself.
func (w *Worker) CreatedAt() time.Time { return w.createdAt }

// Props returns a copy of the passthrough properties from the announce.
func (w *Worker) Props() map[string]string { return maps.Clone(w.props) }

// MemStats returns the memory statistics descriptor the worker sent, if any.
func (w *Worker) MemStats() *os.File {
	w.fdMu.Lock()
	defer w.fdMu.Unlock()
	return w.memStats
}

// BridgeIn returns the pipe end used to write to the worker, if any.
func (w *Worker) BridgeIn() *os.File {
	w.fdMu.Lock()
	defer w.fdMu.Unlock()
	return w.bridgeIn
}

// BridgeOut returns the pipe end used to read from the worker, if any.
func (w *Worker) BridgeOut() *os.File {
	w.fdMu.Lock()
	defer w.fdMu.Unlock()
	return w.bridgeOut
}

// State returns the current lifecycle state.
func (w *Worker) State() State {
	w.m.mu.Lock()
	defer w.m.mu.Unlock()
	return w.state
}

// Owner returns the bound owner, or nil.
func (w *Worker) Owner() Owner {
	w.m.mu.Lock()
	defer w.m.mu.Unlock()
	return w.owner
}

// Bind attaches a claimed worker to its owner. It fails with ErrWorkerGone
// when the worker disconnected after Claim; the caller should claim again.
func (w *Worker) Bind(owner Owner) error {
	if owner == nil {
		return fmt.Errorf("bind %s: nil owner", w)
	}

	m := w.m
	m.mu.Lock()
	switch w.state {
	case StateClaimed:
	case StateGone:
		m.mu.Unlock()
		return ErrWorkerGone
	default:
		state := w.state
		m.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrNotClaimed, w, state)
	}
	w.state = StateBound
	w.owner = owner
	st := m.profileLocked(w.profile)
	st.bound++
	bound := st.bound
	m.mu.Unlock()

	m.metrics.SetBoundWorkers(w.profile, bound)
	m.log.Info("%s bound to document %s", w, owner.DocKey())
	return nil
}

func (w *Worker) String() string {
	return fmt.Sprintf("worker#%d(pid %d, jail %s)", w.id, w.pid, w.jailID)
}

func (w *Worker) releaseFDs() {
	w.fdMu.Lock()
	files := []*os.File{w.memStats, w.bridgeIn, w.bridgeOut}
	w.memStats, w.bridgeIn, w.bridgeOut = nil, nil, nil
	w.fdMu.Unlock()

	for _, f := range files {
		if f != nil {
			_ = f.Close()
		}
	}
}

// Supervisor is a forking supervisor process. The primordial supervisor has
// an empty profile.
type Supervisor struct {
	process
	profile      string
	registeredAt time.Time
}

func (s *Supervisor) Profile() string { return s.profile }

// IsPrimordial reports whether this is the supervisor the manager launched itself.
func (s *Supervisor) IsPrimordial() bool { return s.profile == "" }

// RegisteredAt returns when the supervisor announced itself.
func (s *Supervisor) RegisteredAt() time.Time { return s.registeredAt }

// RequestSpawn asks the supervisor for n more workers.
func (s *Supervisor) RequestSpawn(n int) error {
	return s.SendControl(protocol.Spawn(n))
}

func (s *Supervisor) String() string {
	if s.IsPrimordial() {
		return fmt.Sprintf("supervisor#%d(pid %d, primordial)", s.id, s.pid)
	}
	return fmt.Sprintf("supervisor#%d(pid %d, profile %s)", s.id, s.pid, s.profile)
}
