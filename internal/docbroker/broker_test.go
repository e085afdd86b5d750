package docbroker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/kitpool/internal/metrics"
	"github.com/codefionn/kitpool/internal/pool"
	"github.com/codefionn/kitpool/internal/protocol"
)

func TestOpenBindsAndLoads(t *testing.T) {
	h := newHarness()
	conn, ch := h.addWorker("")

	b, err := h.reg.Open(context.Background(), "doc-1", "")
	require.NoError(t, err)

	w := ch.Worker()
	assert.Equal(t, pool.StateBound, w.State())
	assert.Same(t, b, w.Owner())
	assert.Same(t, w, b.Worker())
	assert.Equal(t, []string{"load doc-1"}, conn.Sent())
	assert.Same(t, b, h.reg.Get("doc-1"))

	// A second open reuses the loaded document.
	h.addWorker("")
	again, err := h.reg.Open(context.Background(), "doc-1", "")
	require.NoError(t, err)
	assert.Same(t, b, again)
	assert.Equal(t, 1, h.m.SpareCount(""))
	assert.Equal(t, []string{"doc-1"}, h.reg.Keys())
}

func TestOpenNoCapacity(t *testing.T) {
	h := newHarness()

	_, err := h.reg.Open(context.Background(), "doc-1", "")
	assert.ErrorIs(t, err, ErrNoCapacity)
	assert.Zero(t, h.reg.Len(), "failed documents are not kept")

	_, err = h.reg.Open(context.Background(), "", "")
	assert.Error(t, err)
}

type claimCounter struct {
	*metrics.Nop

	mu     sync.Mutex
	counts map[string]int
}

func (c *claimCounter) IncClaims(_ string, result string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[result]++
}

func (c *claimCounter) Count(result string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[result]
}

func TestOpenCountsOneMissPerDocument(t *testing.T) {
	h := newHarness()
	counter := &claimCounter{Nop: metrics.NewNop(), counts: make(map[string]int)}
	reg := NewRegistry(Options{
		Pool:         h.m,
		ClaimTimeout: 50 * time.Millisecond,
		ClaimPoll:    5 * time.Millisecond,
		Metrics:      counter,
		Logger:       quiet(),
	})

	_, err := reg.Open(context.Background(), "doc-1", "")
	assert.ErrorIs(t, err, ErrNoCapacity)
	assert.Equal(t, 1, counter.Count("miss"), "polling the pool is not a miss")
}

// A failed Open must not drop the broker another Open is still waiting on,
// or the document ends up with two brokers and two workers.
func TestFailedOpenKeepsBrokerForWaitingOpen(t *testing.T) {
	h := newHarness()
	reg := NewRegistry(Options{
		Pool:         h.m,
		ClaimTimeout: 5 * time.Second,
		ClaimPoll:    5 * time.Millisecond,
		Logger:       quiet(),
	})
	opening := func() int {
		reg.mu.Lock()
		defer reg.mu.Unlock()
		if b := reg.brokers["doc-1"]; b != nil {
			return b.opening
		}
		return 0
	}

	ctxA, cancelA := context.WithCancel(context.Background())
	defer cancelA()
	errA := make(chan error, 1)
	go func() {
		_, err := reg.Open(ctxA, "doc-1", "")
		errA <- err
	}()
	require.Eventually(t, func() bool { return opening() == 1 }, time.Second, time.Millisecond)
	first := reg.Get("doc-1")

	type result struct {
		b   *Broker
		err error
	}
	resB := make(chan result, 1)
	go func() {
		b, err := reg.Open(context.Background(), "doc-1", "")
		resB <- result{b, err}
	}()
	require.Eventually(t, func() bool { return opening() == 2 }, time.Second, time.Millisecond)

	cancelA()
	assert.ErrorIs(t, <-errA, ErrNoCapacity)
	assert.Same(t, first, reg.Get("doc-1"), "the waiting open still owns the document")

	conn, _ := h.addWorker("")
	var b result
	select {
	case b = <-resB:
	case <-time.After(2 * time.Second):
		t.Fatal("waiting open never got the worker")
	}
	require.NoError(t, b.err)
	assert.Same(t, first, b.b)
	assert.Same(t, b.b, reg.Get("doc-1"))
	assert.Equal(t, []string{"load doc-1"}, conn.Sent())

	// A later open joins the same document instead of claiming again.
	h.addWorker("")
	again, err := reg.Open(context.Background(), "doc-1", "")
	require.NoError(t, err)
	assert.Same(t, first, again)
	assert.Equal(t, 1, h.m.SpareCount(""))
	assert.Zero(t, again.opening)
}

func TestOpenProfileAsksForSupervisor(t *testing.T) {
	h := newHarness()
	h.m.SetPrimordialPID(100)
	sup := &fakeConn{pid: 100}
	h.m.NewChannel(sup).HandleData(protocol.Announce{Role: protocol.RoleSupervisor}.Encode())

	_, err := h.reg.Open(context.Background(), "doc-1", "team-a")
	assert.ErrorIs(t, err, ErrNoCapacity)
	assert.True(t, sup.has("addprofile team-a"))
}

// vanishingSource disconnects the first worker it hands out before the
// broker can bind it.
type vanishingSource struct {
	*pool.Manager
	victim *pool.Channel
	done   bool
}

func (s *vanishingSource) Claim(profile string) *pool.Worker {
	w := s.Manager.Claim(profile)
	if !s.done && w != nil {
		s.done = true
		s.victim.Disconnected()
	}
	return w
}

func TestOpenSkipsWorkerThatVanished(t *testing.T) {
	h := newHarness()
	survivor, _ := h.addWorker("")
	// Claim pops the most recent spare first.
	victim, victimCh := h.addWorker("")

	reg := NewRegistry(Options{Pool: &vanishingSource{Manager: h.m, victim: victimCh}, Logger: quiet()})
	b, err := reg.Open(context.Background(), "doc-1", "")
	require.NoError(t, err)
	require.NotNil(t, b.Worker())
	assert.True(t, survivor.has("load doc-1"))
	assert.False(t, victim.has("load doc-1"))
}

func TestWorkerLinesReachEveryClient(t *testing.T) {
	h := newHarness()
	_, ch := h.addWorker("")
	b, err := h.reg.Open(context.Background(), "doc-1", "")
	require.NoError(t, err)

	a, c := &recordingSink{id: "a"}, &recordingSink{id: "c"}
	require.NoError(t, b.Attach(a))
	require.NoError(t, b.Attach(c))
	assert.Equal(t, 2, b.ClientCount())

	ch.HandleData([]byte("status: loaded doc-1\n"))
	assert.Equal(t, []string{"status: loaded doc-1"}, a.Lines())
	assert.Equal(t, []string{"status: loaded doc-1"}, c.Lines())
}

func TestSlowClientIsDropped(t *testing.T) {
	h := newHarness()
	_, ch := h.addWorker("")
	b, err := h.reg.Open(context.Background(), "doc-1", "")
	require.NoError(t, err)

	slow := &recordingSink{id: "slow", slow: true}
	require.NoError(t, b.Attach(slow))
	ch.HandleData([]byte("tile\n"))

	assert.True(t, slow.Closed())
	assert.Zero(t, b.ClientCount())
}

func TestForward(t *testing.T) {
	h := newHarness()
	conn, _ := h.addWorker("")
	b, err := h.reg.Open(context.Background(), "doc-1", "")
	require.NoError(t, err)

	require.NoError(t, b.Forward("key type=input char=97"))
	assert.Equal(t, []string{"load doc-1", "key type=input char=97"}, conn.Sent())
}

func TestWorkerCrashNotifiesClients(t *testing.T) {
	h := newHarness()
	_, ch := h.addWorker("")
	b, err := h.reg.Open(context.Background(), "doc-1", "")
	require.NoError(t, err)
	s := &recordingSink{id: "s"}
	require.NoError(t, b.Attach(s))

	ch.Disconnected()

	assert.Equal(t, []string{MsgCrashed}, s.Lines())
	assert.True(t, s.Closed())
	assert.True(t, b.IsUnloading())
	assert.Nil(t, h.reg.Get("doc-1"))
	assert.ErrorIs(t, b.Forward("x"), ErrNoWorker)
}

func TestLastClientLeavingUnloads(t *testing.T) {
	h := newHarness()
	conn, ch := h.addWorker("")
	b, err := h.reg.Open(context.Background(), "doc-1", "")
	require.NoError(t, err)
	s := &recordingSink{id: "s"}
	require.NoError(t, b.Attach(s))

	b.Detach("s")

	assert.True(t, b.IsUnloading())
	assert.True(t, conn.has("exit"))
	assert.True(t, conn.IsShut())
	assert.Nil(t, h.reg.Get("doc-1"))
	assert.ErrorIs(t, b.Attach(&recordingSink{id: "late"}), ErrUnloading)

	// The worker leaving afterwards is not a crash.
	ch.Disconnected()
	assert.NotContains(t, s.Lines(), MsgCrashed)
}

func TestCloseAll(t *testing.T) {
	h := newHarness()
	connA, _ := h.addWorker("")
	_, err := h.reg.Open(context.Background(), "doc-a", "")
	require.NoError(t, err)
	connB, _ := h.addWorker("")
	_, err = h.reg.Open(context.Background(), "doc-b", "")
	require.NoError(t, err)

	h.reg.CloseAll()
	assert.Zero(t, h.reg.Len())
	assert.True(t, connA.has("exit"))
	assert.True(t, connB.has("exit"))
}
