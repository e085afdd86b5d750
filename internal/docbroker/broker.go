package docbroker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codefionn/kitpool/internal/logger"
	"github.com/codefionn/kitpool/internal/pool"
	"github.com/codefionn/kitpool/internal/protocol"
)

// Messages sent to clients when the document cannot be served.
const (
	MsgCrashed     = "error: cmd=internal kind=crashed"
	MsgUnavailable = "error: cmd=load kind=unavailable"
)

// Sink is a client of a document.
type Sink interface {
	ID() string
	// Deliver queues line for the client without blocking. It returns
	// false when the client cannot keep up.
	Deliver(line string) bool
	Close()
}

// Broker owns one document. It implements pool.Owner.
type Broker struct {
	key     string
	profile string
	reg     *Registry
	log     *logger.Logger

	// loadMu serialises claiming a worker.
	loadMu sync.Mutex
	// opening counts Open calls in flight. Guarded by Registry.mu.
	opening int

	mu      sync.Mutex
	worker  *pool.Worker
	clients map[string]Sink

	unloading atomic.Bool
}

var _ pool.Owner = (*Broker)(nil)

func newBroker(reg *Registry, key, profile string) *Broker {
	return &Broker{
		key:     key,
		profile: profile,
		reg:     reg,
		log:     reg.log.WithPrefix(key),
		clients: make(map[string]Sink),
	}
}

// DocKey returns the document key.
func (b *Broker) DocKey() string { return b.key }

// Profile returns the profile the document's worker comes from.
func (b *Broker) Profile() string { return b.profile }

// IsUnloading reports whether the broker asked its worker to go.
func (b *Broker) IsUnloading() bool { return b.unloading.Load() }

// Worker returns the bound worker, or nil.
func (b *Broker) Worker() *pool.Worker {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.worker
}

// ClientCount returns the number of attached clients.
func (b *Broker) ClientCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// ensureWorker claims and binds a worker unless one is bound already. It
// polls the pool until ClaimTimeout since Claim never blocks.
func (b *Broker) ensureWorker(ctx context.Context) error {
	b.loadMu.Lock()
	defer b.loadMu.Unlock()

	if b.Worker() != nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, b.reg.opts.ClaimTimeout)
	defer cancel()
	ticker := time.NewTicker(b.reg.opts.ClaimPoll)
	defer ticker.Stop()

	askedSupervisor := false
	for {
		if b.IsUnloading() {
			return ErrUnloading
		}
		w := b.reg.opts.Pool.Claim(b.profile)
		if w != nil {
			err := w.Bind(b)
			if errors.Is(err, pool.ErrWorkerGone) {
				b.log.Warn("claimed %s vanished before bind, retrying", w)
				continue
			}
			if err != nil {
				return fmt.Errorf("failed to bind %s: %w", w, err)
			}

			b.mu.Lock()
			b.worker = w
			b.mu.Unlock()
			b.log.Info("bound to %s", w)
			if err := w.SendControl(protocol.CmdLoad + " " + b.key); err != nil {
				return fmt.Errorf("failed to load document on %s: %w", w, err)
			}
			return nil
		}

		if b.profile != "" && !askedSupervisor {
			askedSupervisor = true
			if err := b.reg.opts.Pool.EnsureSupervisor(b.profile); err != nil {
				b.log.Warn("cannot get a supervisor for profile %q: %v", b.profile, err)
			}
		}

		select {
		case <-ctx.Done():
			b.reg.opts.Metrics.IncClaims(b.profile, "miss")
			b.log.Warn("no spare %q worker within %s", b.profile, b.reg.opts.ClaimTimeout)
			return fmt.Errorf("%w for %s: %v", ErrNoCapacity, b.key, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Attach adds a client.
func (b *Broker) Attach(s Sink) error {
	if b.IsUnloading() {
		return ErrUnloading
	}
	b.mu.Lock()
	b.clients[s.ID()] = s
	n := len(b.clients)
	b.mu.Unlock()
	b.log.Debug("client %s attached (%d clients)", s.ID(), n)
	return nil
}

// Detach removes a client. The document unloads when its last client goes.
func (b *Broker) Detach(id string) {
	b.mu.Lock()
	_, ok := b.clients[id]
	delete(b.clients, id)
	n := len(b.clients)
	b.mu.Unlock()

	if !ok {
		return
	}
	b.log.Debug("client %s detached (%d clients)", id, n)
	if n == 0 {
		b.unload()
	}
}

// Forward sends a client line to the worker.
func (b *Broker) Forward(line string) error {
	w := b.Worker()
	if w == nil {
		return ErrNoWorker
	}
	return w.SendControl(line)
}

// HandleInput relays a worker line to every client.
func (b *Broker) HandleInput(_ *pool.Worker, line []byte) {
	msg := string(line)

	b.mu.Lock()
	var slow []Sink
	for id, s := range b.clients {
		if !s.Deliver(msg) {
			delete(b.clients, id)
			slow = append(slow, s)
		}
	}
	b.mu.Unlock()

	for _, s := range slow {
		b.log.Warn("client %s cannot keep up, dropping it", s.ID())
		s.Close()
	}
}

// DisconnectedFromKit is called once the worker connection is gone.
// Unexpected losses are reported to the clients as a crash.
func (b *Broker) DisconnectedFromKit(unexpected bool) {
	b.mu.Lock()
	w := b.worker
	b.worker = nil
	clients := b.clients
	b.clients = make(map[string]Sink)
	b.mu.Unlock()

	b.unloading.Store(true)
	b.reg.remove(b)

	if unexpected {
		b.log.Error("worker %v died, %d clients lose the document", w, len(clients))
	} else {
		b.log.Info("worker %v finished", w)
	}
	for _, s := range clients {
		if unexpected {
			s.Deliver(MsgCrashed)
		}
		s.Close()
	}
}

// unload asks the worker to exit. Nothing is reported to clients when it goes.
func (b *Broker) unload() {
	if b.unloading.Swap(true) {
		return
	}
	b.reg.remove(b)

	b.mu.Lock()
	w := b.worker
	clients := b.clients
	b.clients = make(map[string]Sink)
	b.mu.Unlock()

	for _, s := range clients {
		s.Close()
	}
	if w != nil {
		b.log.Info("unloading, asking %s to exit", w)
		w.RequestGracefulExit()
	}
}
