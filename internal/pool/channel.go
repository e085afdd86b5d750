package pool

import (
	"bytes"
	"errors"
	"sync"

	"github.com/codefionn/kitpool/internal/protocol"
)

// role is what a control connection turned out to be.
type role interface{ roleName() string }

type unregistered struct{}

type supervisorRole struct{ s *Supervisor }

type workerRole struct{ w *Worker }

func (unregistered) roleName() string   { return "unregistered" }
func (supervisorRole) roleName() string { return "supervisor" }
func (workerRole) roleName() string     { return "worker" }

// Channel is one control connection as seen by the pool. Until a valid
// announce arrives it parses handshakes; afterwards it forwards lines to the
// handle it was promoted to.
type Channel struct {
	m    *Manager
	conn Conn

	mu     sync.Mutex
	buf    bytes.Buffer
	role   role
	closed bool
}

// NewChannel wraps a freshly accepted connection.
func (m *Manager) NewChannel(conn Conn) *Channel {
	return &Channel{m: m, conn: conn, role: unregistered{}}
}

// Role returns "unregistered", "supervisor" or "worker".
func (c *Channel) Role() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role.roleName()
}

// Worker returns the worker this channel was promoted to, or nil.
func (c *Channel) Worker() *Worker {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.role.(workerRole); ok {
		return r.w
	}
	return nil
}

// HandleData consumes bytes read from the connection. Partial handshakes
// and partial lines stay buffered until more data arrives.
func (c *Channel) HandleData(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.buf.Write(data)

	for c.buf.Len() > 0 {
		switch r := c.role.(type) {
		case unregistered:
			if !c.dispatchAnnounce() {
				return
			}
		case workerRole:
			line, ok := c.nextLine()
			if !ok {
				return
			}
			c.m.workerFrame(r.w, line)
		case supervisorRole:
			line, ok := c.nextLine()
			if !ok {
				return
			}
			c.m.supervisorFrame(r.s, line)
		}
	}
}

// dispatchAnnounce handles one handshake at the front of the buffer. It
// returns false when more bytes are needed.
func (c *Channel) dispatchAnnounce() bool {
	a, n, err := protocol.ReadAnnounce(c.buf.Bytes())
	if errors.Is(err, protocol.ErrIncomplete) {
		return false
	}
	// The head is gone from the buffer whatever the outcome.
	c.buf.Next(n)

	if err != nil {
		reason := "malformed"
		if errors.Is(err, protocol.ErrUnknownPath) {
			reason = "unknown_path"
		}
		c.m.metrics.IncRejectedAnnounces(reason)
		c.m.log.Warn("%s: dropping announce: %v", c.conn, err)
		return true
	}

	switch a.Role {
	case protocol.RoleSupervisor:
		if s := c.m.registerSupervisor(c.conn, a); s != nil {
			c.role = supervisorRole{s: s}
		}
	case protocol.RoleWorker:
		if w := c.m.registerWorker(c.conn, a); w != nil {
			c.role = workerRole{w: w}
		}
	}
	return true
}

func (c *Channel) nextLine() ([]byte, bool) {
	i := bytes.IndexByte(c.buf.Bytes(), '\n')
	if i < 0 {
		return nil, false
	}
	line := bytes.Clone(c.buf.Next(i + 1)[:i])
	return bytes.TrimSuffix(line, []byte{'\r'}), true
}

// Disconnected is called once the connection is gone. The handle the
// channel was promoted to, if any, is reaped.
func (c *Channel) Disconnected() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	r := c.role
	c.buf.Reset()
	c.mu.Unlock()

	switch r := r.(type) {
	case workerRole:
		c.m.reapWorker(r.w)
	case supervisorRole:
		c.m.reapSupervisor(r.s)
	default:
		c.m.log.Debug("%s: unregistered connection closed", c.conn)
	}
}
