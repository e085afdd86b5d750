package docbroker

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/codefionn/kitpool/internal/logger"
	"github.com/codefionn/kitpool/internal/pool"
	"github.com/codefionn/kitpool/internal/protocol"
)

type fakeConn struct {
	pid int

	mu   sync.Mutex
	sent []string
	shut bool
}

func (c *fakeConn) Send(p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shut {
		return pool.ErrChannelClosed
	}
	c.sent = append(c.sent, strings.TrimSuffix(string(p), "\n"))
	return nil
}

func (c *fakeConn) PeerPID() int                         { return c.pid }
func (c *fakeConn) TakeAncillaryFD(pool.FDKind) *os.File { return nil }
func (c *fakeConn) String() string                       { return fmt.Sprintf("fake(%d)", c.pid) }

func (c *fakeConn) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shut = true
}

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

func (c *fakeConn) has(line string) bool {
	for _, s := range c.Sent() {
		if s == line {
			return true
		}
	}
	return false
}

type aliveSignaller struct{}

func (aliveSignaller) Alive(int) bool { return true }
func (aliveSignaller) Kill(int) error { return nil }

type recordingSink struct {
	id   string
	slow bool

	mu     sync.Mutex
	lines  []string
	closed bool
}

func (s *recordingSink) ID() string { return s.id }

func (s *recordingSink) Deliver(line string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.slow || s.closed {
		return false
	}
	s.lines = append(s.lines, line)
	return true
}

func (s *recordingSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *recordingSink) Lines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lines...)
}

func (s *recordingSink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type harness struct {
	m       *pool.Manager
	reg     *Registry
	nextPID int
}

func quiet() *logger.Logger { return logger.NewWriter(logger.LevelNone, nil, "test") }

func newHarness() *harness {
	m := pool.New(pool.Options{
		Target:    1,
		Signaller: aliveSignaller{},
		Logger:    quiet(),
	})
	return &harness{
		m: m,
		reg: NewRegistry(Options{
			Pool:         m,
			ClaimTimeout: 50 * time.Millisecond,
			ClaimPoll:    5 * time.Millisecond,
			Logger:       quiet(),
		}),
		nextPID: 1000,
	}
}

// addWorker registers a spare worker and returns its connection and channel.
func (h *harness) addWorker(profile string) (*fakeConn, *pool.Channel) {
	h.nextPID++
	conn := &fakeConn{pid: h.nextPID}
	ch := h.m.NewChannel(conn)
	ch.HandleData(protocol.Announce{
		Role:    protocol.RoleWorker,
		JailID:  fmt.Sprintf("jail-%d", h.nextPID),
		Profile: profile,
	}.Encode())
	return conn, ch
}
