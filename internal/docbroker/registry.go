// Package docbroker connects documents to workers. A Broker owns one
// document: it claims a spare worker from the pool, binds to it and relays
// lines between the worker and the document's clients.
package docbroker

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/codefionn/kitpool/internal/logger"
	"github.com/codefionn/kitpool/internal/metrics"
	"github.com/codefionn/kitpool/internal/pool"
)

var (
	// ErrNoCapacity is returned when no worker could be claimed in time.
	ErrNoCapacity = errors.New("no worker available")
	// ErrUnloading is returned when a client joins a document being unloaded.
	ErrUnloading = errors.New("document is unloading")
	// ErrNoWorker is returned when forwarding to a document without a worker.
	ErrNoWorker = errors.New("document has no worker")
)

const (
	DefaultClaimTimeout = 5 * time.Second
	DefaultClaimPoll    = 50 * time.Millisecond
)

// WorkerSource hands out spare workers. *pool.Manager implements it.
type WorkerSource interface {
	Claim(profile string) *pool.Worker
	EnsureSupervisor(profile string) error
}

// Options configures a Registry.
type Options struct {
	Pool WorkerSource
	// ClaimTimeout bounds how long Open waits for a spare worker.
	ClaimTimeout time.Duration
	ClaimPoll    time.Duration
	// Metrics counts Open calls that gave up waiting for a worker.
	Metrics metrics.Collector
	Logger  *logger.Logger
}

// Registry maps document keys to brokers.
type Registry struct {
	opts Options
	log  *logger.Logger

	mu      sync.Mutex
	brokers map[string]*Broker
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options) *Registry {
	if opts.ClaimTimeout <= 0 {
		opts.ClaimTimeout = DefaultClaimTimeout
	}
	if opts.ClaimPoll <= 0 {
		opts.ClaimPoll = DefaultClaimPoll
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewNop()
	}
	log := opts.Logger
	if log == nil {
		log = logger.Global()
	}
	return &Registry{
		opts:    opts,
		log:     log.WithPrefix("docbroker"),
		brokers: make(map[string]*Broker),
	}
}

// Open returns the broker for docKey with a worker loaded, creating it if
// needed. profile selects the worker pool.
func (r *Registry) Open(ctx context.Context, docKey, profile string) (*Broker, error) {
	if docKey == "" {
		return nil, fmt.Errorf("empty document key")
	}

	r.mu.Lock()
	b, ok := r.brokers[docKey]
	if ok && b.IsUnloading() {
		r.mu.Unlock()
		return nil, ErrUnloading
	}
	if !ok {
		b = newBroker(r, docKey, profile)
		r.brokers[docKey] = b
	}
	b.opening++
	r.mu.Unlock()

	err := b.ensureWorker(ctx)
	r.openDone(b, err)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// openDone ends one Open on b. A broker that failed to get a worker is
// dropped only once no other Open is still waiting on it.
func (r *Registry) openDone(b *Broker, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b.opening--
	if err == nil || b.opening > 0 || b.Worker() != nil {
		return
	}
	if r.brokers[b.key] == b {
		delete(r.brokers, b.key)
	}
}

// Get returns the broker for docKey, or nil.
func (r *Registry) Get(docKey string) *Broker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.brokers[docKey]
}

// Keys returns the open document keys, sorted.
func (r *Registry) Keys() []string {
	r.mu.Lock()
	keys := make([]string, 0, len(r.brokers))
	for k := range r.brokers {
		keys = append(keys, k)
	}
	r.mu.Unlock()
	slices.Sort(keys)
	return keys
}

// Len returns the number of open documents.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.brokers)
}

// CloseAll unloads every document.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	brokers := make([]*Broker, 0, len(r.brokers))
	for _, b := range r.brokers {
		brokers = append(brokers, b)
	}
	r.mu.Unlock()

	for _, b := range brokers {
		b.unload()
	}
}

// remove drops b if it is still the broker registered for its key.
func (r *Registry) remove(b *Broker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.brokers[b.key] == b {
		delete(r.brokers, b.key)
	}
}
