// Package pool keeps a pool of pre-spawned worker processes ready for
// documents.
//
// Worker and supervisor processes connect to the manager's control socket
// and announce themselves (see package protocol). A Channel classifies each
// connection by its announce and promotes it to a Worker or Supervisor
// handle. The Manager keeps spare workers per profile, asks supervisors to
// spawn more when the spare count drops below target, hands spares to
// document owners through Claim and Bind, and reaps handles when their
// connection goes away.
package pool

import (
	"errors"
	"os"
	"sync/atomic"
	"time"

	"github.com/codefionn/kitpool/internal/logger"
	"github.com/codefionn/kitpool/internal/metrics"
	"github.com/codefionn/kitpool/internal/protocol"
)

var (
	// ErrChannelClosed is returned when sending to a handle whose connection is gone.
	ErrChannelClosed = errors.New("control channel closed")
	// ErrWorkerGone is returned by Bind when the worker disconnected after it was claimed.
	ErrWorkerGone = errors.New("worker disconnected before bind")
	// ErrNotClaimed is returned by Bind for a worker that was not obtained through Claim.
	ErrNotClaimed = errors.New("worker not claimed")
	// ErrNoSupervisor is returned when no supervisor can serve a request.
	ErrNoSupervisor = errors.New("no supervisor")
	// ErrInvalidProfile is returned for profile ids that cannot travel on a control line.
	ErrInvalidProfile = errors.New("invalid profile id")
)

// FDKind identifies an ancillary descriptor sent with a worker announce.
// Workers send them in this order.
type FDKind int

const (
	FDMemStats FDKind = iota
	FDBridgeIn
	FDBridgeOut
)

// Conn is the transport under a control channel. Implementations read on
// their own goroutine and feed Channel.HandleData / Channel.Disconnected.
type Conn interface {
	// Send queues payload for writing and never blocks.
	Send(payload []byte) error
	// PeerPID returns the pid from the socket peer credentials, or 0.
	PeerPID() int
	// TakeAncillaryFD hands over a descriptor received with the handshake.
	// It returns nil when none was received; a second call returns nil.
	TakeAncillaryFD(kind FDKind) *os.File
	// Shutdown flushes queued writes and closes the connection.
	Shutdown()
	String() string
}

// Owner is the document-side user of a bound worker.
type Owner interface {
	DocKey() string
	// HandleInput receives each line the bound worker sends.
	HandleInput(w *Worker, line []byte)
	// DisconnectedFromKit is called once when the bound worker's connection goes away.
	DisconnectedFromKit(unexpected bool)
	// IsUnloading reports whether the owner already asked its worker to go.
	IsUnloading() bool
}

// Observer is told about handle lifecycle events. Calls are made without
// the manager lock held.
type Observer interface {
	NewWorkerObserved(w *Worker)
	NewSupervisorObserved(s *Supervisor)
	WorkerLost(w *Worker, state State)
	SupervisorLost(s *Supervisor)
	KitExitsReported(s *Supervisor, r protocol.ExitReport)
}

// NopObserver ignores every event.
type NopObserver struct{}

func (NopObserver) NewWorkerObserved(*Worker)                         {}
func (NopObserver) NewSupervisorObserved(*Supervisor)                 {}
func (NopObserver) WorkerLost(*Worker, State)                         {}
func (NopObserver) SupervisorLost(*Supervisor)                        {}
func (NopObserver) KitExitsReported(*Supervisor, protocol.ExitReport) {}

// Observers fans events out in order.
type Observers []Observer

func (o Observers) NewWorkerObserved(w *Worker) {
	for _, ob := range o {
		ob.NewWorkerObserved(w)
	}
}

func (o Observers) NewSupervisorObserved(s *Supervisor) {
	for _, ob := range o {
		ob.NewSupervisorObserved(s)
	}
}

func (o Observers) WorkerLost(w *Worker, state State) {
	for _, ob := range o {
		ob.WorkerLost(w, state)
	}
}

func (o Observers) SupervisorLost(s *Supervisor) {
	for _, ob := range o {
		ob.SupervisorLost(s)
	}
}

func (o Observers) KitExitsReported(s *Supervisor, r protocol.ExitReport) {
	for _, ob := range o {
		ob.KitExitsReported(s, r)
	}
}

// Signaller probes and kills processes by pid.
type Signaller interface {
	// Alive reports whether pid exists, using signal 0.
	Alive(pid int) bool
	// Kill sends SIGKILL.
	Kill(pid int) error
}

// Defaults applied by New.
const (
	DefaultSpawnTimeout          = 30 * time.Second
	DefaultSupervisorIdleTimeout = 10 * time.Minute
)

// Options configures a Manager.
type Options struct {
	// Target is the number of spare workers kept per profile. Values below 1 mean 1.
	Target int
	// SpawnTimeout is how long spawn requests count as outstanding.
	SpawnTimeout time.Duration
	// SupervisorIdleTimeout retires profile supervisors without documents.
	// Zero uses the default, negative disables retirement.
	SupervisorIdleTimeout time.Duration

	// Shutdown is the server-wide shutdown flag. New allocates one when nil.
	Shutdown *atomic.Bool

	Observer  Observer
	Metrics   metrics.Collector
	Signaller Signaller
	Logger    *logger.Logger

	// OnPrimordialLost is called when the primordial supervisor goes away
	// outside of shutdown. The pool cannot spawn anything afterwards.
	OnPrimordialLost func(s *Supervisor)

	// Now is the clock, time.Now when nil.
	Now func() time.Time
}
