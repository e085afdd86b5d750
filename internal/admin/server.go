// Package admin serves the pool's HTTP surface: a JSON status view,
// Prometheus metrics, a websocket stream of pool events and the document
// websocket endpoint.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	netpprof "net/http/pprof"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/codefionn/kitpool/internal/logger"
	"github.com/codefionn/kitpool/internal/pool"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// PoolControl is the part of the pool manager the admin surface uses.
type PoolControl interface {
	Snapshot() pool.Status
	SetTarget(n int)
	TerminateSpares() int
}

// Documents serves document websockets. *docbroker.Registry implements it.
type Documents interface {
	Keys() []string
	ServeWebSocket(w http.ResponseWriter, r *http.Request, docKey, profile string)
}

// Options configures a Server.
type Options struct {
	Addr     string
	Pool     PoolControl
	Docs     Documents
	Hub      *Hub
	Gatherer prometheus.Gatherer
	// Profiling mounts the runtime profiles under /debug/pprof/.
	Profiling bool
	Logger    *logger.Logger
}

// Server is the admin HTTP server.
type Server struct {
	opts     Options
	router   *httprouter.Router
	server   *http.Server
	listener net.Listener
	log      *logger.Logger
}

// NewServer creates the server and its routes.
func NewServer(opts Options) *Server {
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	log := opts.Logger
	if log == nil {
		log = logger.Global()
	}
	s := &Server{
		opts:   opts,
		router: httprouter.New(),
		log:    log.WithPrefix("admin"),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	s.router.GET("/api/pool", s.handlePool)
	s.router.PUT("/api/pool/target", s.handleSetTarget)
	s.router.POST("/api/pool/spares/terminate", s.handleTerminateSpares)

	s.router.Handler(http.MethodGet, "/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))

	if s.opts.Hub != nil {
		s.router.GET("/ws/admin", s.handleAdminWS)
	}
	if s.opts.Docs != nil {
		s.router.GET("/ws/doc/:key", s.handleDocWS)
	}
	if s.opts.Profiling {
		s.router.GET("/debug/pprof/*name", handlePprof)
	}
}

// Handler returns the router, for embedding and tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.opts.Addr, err)
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(logger.NewSlogHandler(s.log), slog.LevelError),
	}

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("Admin server failed: %v", err)
		}
	}()
	s.log.Info("Admin server listening on %s", ln.Addr())
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.opts.Addr
	}
	return s.listener.Addr().String()
}

// Stop stops the HTTP server
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// handleHealth returns health status
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().Format(time.RFC3339),
	})
}

// poolResponse is the body of GET /api/pool.
type poolResponse struct {
	Pool      pool.Status `json:"pool"`
	Documents []string    `json:"documents"`
}

func (s *Server) handlePool(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	resp := poolResponse{Pool: s.opts.Pool.Snapshot(), Documents: []string{}}
	if s.opts.Docs != nil {
		resp.Documents = s.opts.Docs.Keys()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSetTarget(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	n, err := strconv.Atoi(r.URL.Query().Get("n"))
	if err != nil || n < 1 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "n must be a positive integer"})
		return
	}
	s.opts.Pool.SetTarget(n)
	s.log.Info("spare target set to %d via admin", n)
	writeJSON(w, http.StatusOK, map[string]int{"target": n})
}

func (s *Server) handleTerminateSpares(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	n := s.opts.Pool.TerminateSpares()
	s.log.Info("terminated %d spares via admin", n)
	writeJSON(w, http.StatusOK, map[string]int{"terminated": n})
}

func (s *Server) handleDocWS(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	s.opts.Docs.ServeWebSocket(w, r, ps.ByName("key"), r.URL.Query().Get("profile"))
}

func (s *Server) handleAdminWS(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("WebSocket upgrade failed: %v", err)
		return
	}
	sub, ok := s.opts.Hub.subscribe()
	if !ok {
		_ = conn.Close()
		return
	}

	go s.writeEvents(conn, sub)

	// Admin clients only listen; reading notices when they leave.
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	s.opts.Hub.unsubscribe(sub)
}

func (s *Server) writeEvents(conn *websocket.Conn, sub *subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case message, ok := <-sub.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func handlePprof(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	switch ps.ByName("name") {
	case "/cmdline":
		netpprof.Cmdline(w, r)
	case "/profile":
		netpprof.Profile(w, r)
	case "/symbol":
		netpprof.Symbol(w, r)
	case "/trace":
		netpprof.Trace(w, r)
	default:
		// Index serves both the listing and named profiles like heap.
		netpprof.Index(w, r)
	}
}
