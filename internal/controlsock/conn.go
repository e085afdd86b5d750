//go:build unix

package controlsock

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/codefionn/kitpool/internal/logger"
	"github.com/codefionn/kitpool/internal/pool"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	readBufferSize = 64 << 10
	sendQueueSize  = 256
	// Most descriptors a single message may carry.
	maxFDsPerMessage = 8
)

// ErrSendQueueFull is returned when the peer is not reading fast enough.
var ErrSendQueueFull = errors.New("send queue full")

// Conn is one accepted control connection. It implements pool.Conn.
type Conn struct {
	id      string
	uc      *net.UnixConn
	pid     int
	session Session
	log     *logger.Logger

	sendMu     sync.Mutex
	send       chan []byte
	sendClosed bool

	fdMu sync.Mutex
	fds  []*os.File

	writerDone chan struct{}
}

var _ pool.Conn = (*Conn)(nil)

func newConn(id string, uc *net.UnixConn, log *logger.Logger) *Conn {
	c := &Conn{
		id:         id,
		uc:         uc,
		log:        log,
		send:       make(chan []byte, sendQueueSize),
		writerDone: make(chan struct{}),
	}
	pid, err := peerPID(uc)
	if err != nil {
		log.Warn("%s: no peer credentials: %v", id, err)
	}
	c.pid = pid
	return c
}

// Send queues payload without blocking.
func (c *Conn) Send(payload []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendClosed {
		return pool.ErrChannelClosed
	}
	select {
	case c.send <- payload:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// PeerPID returns the pid from SO_PEERCRED, or 0 if unavailable.
func (c *Conn) PeerPID() int { return c.pid }

// TakeAncillaryFD returns a descriptor received with the handshake. Each
// descriptor can be taken once.
func (c *Conn) TakeAncillaryFD(kind pool.FDKind) *os.File {
	c.fdMu.Lock()
	defer c.fdMu.Unlock()
	i := int(kind)
	if i < 0 || i >= len(c.fds) {
		return nil
	}
	f := c.fds[i]
	c.fds[i] = nil
	return f
}

// Shutdown stops accepting writes; queued payloads are flushed before the
// socket closes.
func (c *Conn) Shutdown() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.sendClosed {
		c.sendClosed = true
		close(c.send)
	}
}

func (c *Conn) String() string {
	return fmt.Sprintf("%s(pid %d)", c.id, c.pid)
}

// run serves the connection until either side closes it.
func (c *Conn) run() {
	go c.writePump()
	c.readPump()

	c.session.Disconnected()
	c.Shutdown()
	<-c.writerDone
	c.closeUntakenFDs()
}

func (c *Conn) readPump() {
	buf := make([]byte, readBufferSize)
	oob := make([]byte, unix.CmsgSpace(maxFDsPerMessage*4))

	for {
		n, oobn, _, _, err := c.uc.ReadMsgUnix(buf, oob)
		if oobn > 0 {
			c.collectFDs(oob[:oobn])
		}
		if n > 0 {
			c.session.HandleData(buf[:n])
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				c.log.Debug("%s: read error: %v", c, err)
			}
			return
		}
		if n == 0 && oobn == 0 {
			return
		}
	}
}

func (c *Conn) writePump() {
	defer func() {
		_ = c.uc.Close()
		close(c.writerDone)
	}()

	for payload := range c.send {
		_ = c.uc.SetWriteDeadline(time.Now().Add(writeWait))
		if _, err := c.uc.Write(payload); err != nil {
			c.log.Debug("%s: write error: %v", c, err)
			// Drain so Send never sees a stuck queue.
			for range c.send {
			}
			return
		}
	}
}

func (c *Conn) collectFDs(oob []byte) {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		c.log.Warn("%s: bad control message: %v", c, err)
		return
	}

	c.fdMu.Lock()
	defer c.fdMu.Unlock()
	for i := range msgs {
		fds, err := unix.ParseUnixRights(&msgs[i])
		if err != nil {
			continue
		}
		for _, fd := range fds {
			f := os.NewFile(uintptr(fd), fmt.Sprintf("%s-fd%d", c.id, len(c.fds)))
			if len(c.fds) >= int(pool.FDBridgeOut)+1 {
				_ = f.Close()
				continue
			}
			c.fds = append(c.fds, f)
		}
	}
}

func (c *Conn) closeUntakenFDs() {
	c.fdMu.Lock()
	defer c.fdMu.Unlock()
	for i, f := range c.fds {
		if f != nil {
			_ = f.Close()
			c.fds[i] = nil
		}
	}
}
