package pool

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codefionn/kitpool/internal/logger"
	"github.com/codefionn/kitpool/internal/protocol"
)

const primordialPID = 100

type fakeConn struct {
	mu   sync.Mutex
	name string
	pid  int
	sent []string
	fds  map[FDKind]*os.File
	shut bool
}

func newFakeConn(pid int) *fakeConn {
	return &fakeConn{name: fmt.Sprintf("conn_pid%d", pid), pid: pid, fds: map[FDKind]*os.File{}}
}

func (c *fakeConn) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shut {
		return errors.New("connection shut down")
	}
	for _, line := range strings.Split(strings.TrimSuffix(string(payload), "\n"), "\n") {
		c.sent = append(c.sent, line)
	}
	return nil
}

func (c *fakeConn) PeerPID() int { return c.pid }

func (c *fakeConn) TakeAncillaryFD(kind FDKind) *os.File {
	c.mu.Lock()
	defer c.mu.Unlock()
	f := c.fds[kind]
	delete(c.fds, kind)
	return f
}

func (c *fakeConn) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shut = true
}

func (c *fakeConn) String() string { return c.name }

func (c *fakeConn) Sent() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

func (c *fakeConn) IsShut() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shut
}

// countPrefix counts sent lines starting with prefix.
func (c *fakeConn) countPrefix(prefix string) int {
	n := 0
	for _, line := range c.Sent() {
		if strings.HasPrefix(line, prefix) {
			n++
		}
	}
	return n
}

type fakeSignaller struct {
	mu     sync.Mutex
	dead   map[int]bool
	killed []int
}

func newFakeSignaller() *fakeSignaller {
	return &fakeSignaller{dead: map[int]bool{}}
}

func (s *fakeSignaller) Alive(pid int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return pid > 0 && !s.dead[pid]
}

func (s *fakeSignaller) Kill(pid int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.killed = append(s.killed, pid)
	s.dead[pid] = true
	return nil
}

func (s *fakeSignaller) markDead(pid int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dead[pid] = true
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingOwner struct {
	key       string
	unloading atomic.Bool

	mu          sync.Mutex
	disconnects []bool
	inputs      []string
}

func newOwner(key string) *recordingOwner { return &recordingOwner{key: key} }

func (o *recordingOwner) DocKey() string    { return o.key }
func (o *recordingOwner) IsUnloading() bool { return o.unloading.Load() }

func (o *recordingOwner) HandleInput(_ *Worker, line []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.inputs = append(o.inputs, string(line))
}

func (o *recordingOwner) DisconnectedFromKit(unexpected bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.disconnects = append(o.disconnects, unexpected)
}

func (o *recordingOwner) Disconnects() []bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]bool(nil), o.disconnects...)
}

func (o *recordingOwner) Inputs() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.inputs...)
}

type recordingObserver struct {
	mu          sync.Mutex
	workers     []*Worker
	supervisors []*Supervisor
	lost        []State
	supLost     []*Supervisor
	reports     []protocol.ExitReport
}

func (o *recordingObserver) NewWorkerObserved(w *Worker) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.workers = append(o.workers, w)
}

func (o *recordingObserver) NewSupervisorObserved(s *Supervisor) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.supervisors = append(o.supervisors, s)
}

func (o *recordingObserver) WorkerLost(_ *Worker, state State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.lost = append(o.lost, state)
}

func (o *recordingObserver) SupervisorLost(s *Supervisor) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.supLost = append(o.supLost, s)
}

func (o *recordingObserver) KitExitsReported(_ *Supervisor, r protocol.ExitReport) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.reports = append(o.reports, r)
}

func (o *recordingObserver) Lost() []State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]State(nil), o.lost...)
}

// harness drives a Manager through fake connections.
type harness struct {
	m        *Manager
	sig      *fakeSignaller
	obs      *recordingObserver
	clock    *fakeClock
	shutdown *atomic.Bool
	lostPrim atomic.Int32
	nextPID  int
}

func newHarness(target int) *harness {
	h := &harness{
		sig:      newFakeSignaller(),
		obs:      &recordingObserver{},
		clock:    newFakeClock(),
		shutdown: &atomic.Bool{},
		nextPID:  1000,
	}
	h.m = New(Options{
		Target:                target,
		SpawnTimeout:          10 * time.Second,
		SupervisorIdleTimeout: time.Minute,
		Shutdown:              h.shutdown,
		Observer:              h.obs,
		Signaller:             h.sig,
		Logger:                logger.NewWriter(logger.LevelNone, nil, "test"),
		Now:                   h.clock.Now,
		OnPrimordialLost:      func(*Supervisor) { h.lostPrim.Add(1) },
	})
	return h
}

func (h *harness) connect(pid int, data []byte) (*Channel, *fakeConn) {
	conn := newFakeConn(pid)
	ch := h.m.NewChannel(conn)
	ch.HandleData(data)
	return ch, conn
}

func (h *harness) startPrimordial() (*Channel, *fakeConn) {
	h.m.SetPrimordialPID(primordialPID)
	return h.connect(primordialPID, protocol.Announce{Role: protocol.RoleSupervisor}.Encode())
}

func (h *harness) announceSupervisor(profile string) (*Channel, *fakeConn) {
	h.nextPID++
	return h.connect(h.nextPID, protocol.Announce{Role: protocol.RoleSupervisor, Profile: profile}.Encode())
}

func (h *harness) announceWorker(profile string) (*Channel, *fakeConn) {
	h.nextPID++
	return h.connect(h.nextPID, workerHead(h.nextPID, profile))
}

func workerHead(pid int, profile string) []byte {
	return protocol.Announce{
		Role:    protocol.RoleWorker,
		Profile: profile,
		JailID:  fmt.Sprintf("jail-%d", pid),
		Version: "test",
	}.Encode()
}
