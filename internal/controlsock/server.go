//go:build unix

// Package controlsock serves the private unix control socket supervisors
// and workers connect to, and provides the client side they use.
package controlsock

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/codefionn/kitpool/internal/logger"
)

// Session receives the events of one connection, in order, from the
// connection's read goroutine.
type Session interface {
	HandleData(data []byte)
	Disconnected()
}

// AcceptFunc creates the session for a new connection.
type AcceptFunc func(c *Conn) Session

// Config configures a Server.
type Config struct {
	Path           string
	Permissions    string
	MaxConnections int
}

// Server accepts control connections.
type Server struct {
	cfg      Config
	accept   AcceptFunc
	listener *net.UnixListener
	conns    *xsync.Map[string, *Conn]
	log      *logger.Logger

	connIDCounter atomic.Uint64

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewServer creates a server that hands each accepted connection to accept.
func NewServer(cfg Config, accept AcceptFunc) *Server {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 1024
	}
	return &Server{
		cfg:      cfg,
		accept:   accept,
		conns:    xsync.NewMap[string, *Conn](),
		log:      logger.Global().WithPrefix("controlsock"),
		stopChan: make(chan struct{}),
	}
}

// Start listens on the configured path and accepts in the background.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server is already running")
	}
	s.running = true
	s.mu.Unlock()

	if s.cfg.Path == "" {
		return fmt.Errorf("control socket path is not configured")
	}
	absPath, err := prepareSocketPath(s.cfg.Path)
	if err != nil {
		return fmt.Errorf("failed to prepare socket path: %w", err)
	}
	if Active(absPath) {
		return fmt.Errorf("%s: %w", absPath, ErrSocketInUse)
	}
	if err := os.Remove(absPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove existing socket file: %w", err)
	}

	listener, err := net.ListenUnix("unix", &net.UnixAddr{Name: absPath, Net: "unix"})
	if err != nil {
		return fmt.Errorf("failed to listen on unix socket %s: %w", absPath, err)
	}
	listener.SetUnlinkOnClose(true)
	s.listener = listener
	s.cfg.Path = absPath

	if s.cfg.Permissions != "" {
		if err := os.Chmod(absPath, parseFileMode(s.cfg.Permissions)); err != nil {
			s.log.Warn("Failed to set socket permissions: %v", err)
		}
	}

	s.wg.Add(1)
	go s.acceptLoop(ctx)

	s.log.Info("Control socket listening on %s (max connections: %d)", absPath, s.cfg.MaxConnections)
	return nil
}

// Path returns the socket path, absolute once started.
func (s *Server) Path() string {
	return s.cfg.Path
}

// Stop closes the listener and every connection.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		close(s.stopChan)
		if s.listener != nil {
			if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				s.log.Error("Error closing control socket listener: %v", err)
			}
		}
		s.conns.Range(func(_ string, c *Conn) bool {
			c.Shutdown()
			return true
		})
		s.wg.Wait()

		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		s.log.Info("Control socket stopped")
	})
	return nil
}

// ConnCount returns the number of open connections.
func (s *Server) ConnCount() int {
	return s.conns.Size()
}

func (s *Server) acceptLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			s.log.Info("Accept loop stopped via context cancellation")
			return
		case <-s.stopChan:
			return
		default:
		}

		// The deadline lets the loop notice ctx and stopChan.
		_ = s.listener.SetDeadline(time.Now().Add(time.Second))
		uc, err := s.listener.AcceptUnix()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Error("Error accepting connection: %v", err)
			continue
		}

		if s.conns.Size() >= s.cfg.MaxConnections {
			s.log.Warn("Connection limit reached, rejecting connection")
			_ = uc.Close()
			continue
		}

		id := fmt.Sprintf("conn_%d", s.connIDCounter.Add(1))
		c := newConn(id, uc, s.log)
		c.session = s.accept(c)
		s.conns.Store(id, c)

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			c.run()
			s.conns.Delete(id)
		}()
		s.log.Debug("Accepted %s", c)
	}
}

func prepareSocketPath(socketPath string) (string, error) {
	absPath, err := filepath.Abs(socketPath)
	if err != nil {
		return "", fmt.Errorf("failed to get absolute path: %w", err)
	}
	parentDir := filepath.Dir(absPath)
	if err := os.MkdirAll(parentDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create parent directory %s: %w", parentDir, err)
	}
	return absPath, nil
}

func parseFileMode(modeStr string) os.FileMode {
	var mode uint64
	if _, err := fmt.Sscanf(modeStr, "%o", &mode); err != nil {
		return 0600
	}
	return os.FileMode(mode)
}
