package docbroker

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 << 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

var sessionCounter atomic.Uint64

// Session is one websocket client of a document.
type Session struct {
	id   string
	conn *websocket.Conn
	send chan string

	mu     sync.Mutex
	closed bool
}

func newSession(conn *websocket.Conn) *Session {
	return &Session{
		id:   fmt.Sprintf("session_%d", sessionCounter.Add(1)),
		conn: conn,
		send: make(chan string, 256),
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Deliver queues line for the client.
func (s *Session) Deliver(line string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.send <- line:
		return true
	default:
		return false
	}
}

// Close flushes queued lines and closes the websocket.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.send)
	}
}

// ServeWebSocket upgrades the request and relays it to the document
// docKey until either side goes away.
func (r *Registry) ServeWebSocket(w http.ResponseWriter, req *http.Request, docKey, profile string) {
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.log.Error("WebSocket upgrade failed: %v", err)
		return
	}
	s := newSession(conn)

	// The request context ends with the handler, the document outlives it.
	b, err := r.Open(context.Background(), docKey, profile)
	if err == nil {
		err = b.Attach(s)
	}
	if err != nil {
		r.log.Warn("%s: cannot open %s: %v", s.id, docKey, err)
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(MsgUnavailable))
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "unavailable"))
		_ = conn.Close()
		return
	}

	go s.writePump()
	s.readPump(b)
}

// readPump forwards client frames to the worker.
func (s *Session) readPump(b *Broker) {
	defer func() {
		b.Detach(s.id)
		s.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				b.log.Debug("%s: read error: %v", s.id, err)
			}
			return
		}
		if err := b.Forward(string(message)); err != nil {
			b.log.Warn("%s: cannot forward to worker: %v", s.id, err)
			return
		}
	}
}

// writePump sends worker lines to the client.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case line, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, []byte(line)); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
