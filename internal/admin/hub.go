package admin

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/codefionn/kitpool/internal/logger"
	"github.com/codefionn/kitpool/internal/pool"
	"github.com/codefionn/kitpool/internal/protocol"
)

// Event types streamed to admin clients.
const (
	EventAddKit        = "addkit"
	EventRmKit         = "rmkit"
	EventAddSupervisor = "addsupervisor"
	EventRmSupervisor  = "rmsupervisor"
	EventKitCrash      = "kitcrash"
)

// Event is one pool lifecycle event.
type Event struct {
	Type      string            `json:"type"`
	Time      time.Time         `json:"time"`
	PID       int               `json:"pid,omitempty"`
	JailID    string            `json:"jail_id,omitempty"`
	Profile   string            `json:"profile"`
	Version   string            `json:"version,omitempty"`
	State     string            `json:"state,omitempty"`
	Props     map[string]string `json:"props,omitempty"`
	Segfaults int               `json:"segfaults,omitempty"`
	Killed    int               `json:"killed,omitempty"`
	OOMKilled int               `json:"oom_killed,omitempty"`
}

type subscriber struct {
	send chan []byte
}

// Hub fans pool events out to admin clients. It implements pool.Observer.
type Hub struct {
	subscribers map[*subscriber]bool
	broadcast   chan []byte
	register    chan *subscriber
	unregister  chan *subscriber
	mu          sync.RWMutex
	quit        chan struct{}
	stopOnce    sync.Once
	now         func() time.Time
	log         *logger.Logger
}

var _ pool.Observer = (*Hub)(nil)

// NewHub creates a hub. Run must be started before events flow.
func NewHub(log *logger.Logger) *Hub {
	if log == nil {
		log = logger.Global()
	}
	return &Hub{
		subscribers: make(map[*subscriber]bool),
		broadcast:   make(chan []byte, 256),
		register:    make(chan *subscriber),
		unregister:  make(chan *subscriber),
		quit:        make(chan struct{}),
		now:         time.Now,
		log:         log.WithPrefix("admin"),
	}
}

// Run delivers events until Stop.
func (h *Hub) Run() {
	for {
		select {
		case s := <-h.register:
			h.mu.Lock()
			h.subscribers[s] = true
			h.mu.Unlock()

		case s := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.subscribers[s]; ok {
				delete(h.subscribers, s)
				close(s.send)
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.mu.Lock()
			for s := range h.subscribers {
				select {
				case s.send <- message:
				default:
					// Too slow, drop it.
					delete(h.subscribers, s)
					close(s.send)
				}
			}
			h.mu.Unlock()

		case <-h.quit:
			h.mu.Lock()
			for s := range h.subscribers {
				delete(h.subscribers, s)
				close(s.send)
			}
			h.mu.Unlock()
			return
		}
	}
}

// Stop ends Run and disconnects every subscriber.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.quit) })
}

func (h *Hub) subscribe() (*subscriber, bool) {
	s := &subscriber{send: make(chan []byte, 64)}
	select {
	case h.register <- s:
		return s, true
	case <-h.quit:
		return nil, false
	}
}

func (h *Hub) unsubscribe(s *subscriber) {
	select {
	case h.unregister <- s:
	case <-h.quit:
	}
}

// SubscriberCount returns the number of connected admin clients.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Publish queues e for every subscriber. It never blocks.
func (h *Hub) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = h.now()
	}
	data, err := json.Marshal(e)
	if err != nil {
		h.log.Error("Failed to marshal event: %v", err)
		return
	}
	select {
	case h.broadcast <- data:
	default:
		h.log.Warn("Event channel full, dropping %s event", e.Type)
	}
}

func (h *Hub) NewWorkerObserved(w *pool.Worker) {
	h.Publish(Event{
		Type:    EventAddKit,
		PID:     w.PID(),
		JailID:  w.JailID(),
		Profile: w.Profile(),
		Version: w.Version(),
		Props:   w.Props(),
	})
}

func (h *Hub) WorkerLost(w *pool.Worker, state pool.State) {
	h.Publish(Event{
		Type:    EventRmKit,
		PID:     w.PID(),
		JailID:  w.JailID(),
		Profile: w.Profile(),
		State:   state.String(),
	})
}

func (h *Hub) NewSupervisorObserved(s *pool.Supervisor) {
	h.Publish(Event{Type: EventAddSupervisor, PID: s.PID(), Profile: s.Profile()})
}

func (h *Hub) SupervisorLost(s *pool.Supervisor) {
	h.Publish(Event{Type: EventRmSupervisor, PID: s.PID(), Profile: s.Profile()})
}

func (h *Hub) KitExitsReported(s *pool.Supervisor, r protocol.ExitReport) {
	h.Publish(Event{
		Type:      EventKitCrash,
		PID:       s.PID(),
		Profile:   s.Profile(),
		Segfaults: r.Segfaults,
		Killed:    r.Killed,
		OOMKilled: r.OOMKilled,
	})
}
