package pool

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func boundWorker(t *testing.T, h *harness, key string) (*Channel, *Worker, *recordingOwner) {
	t.Helper()
	ch, _ := h.announceWorker("")
	w := h.m.Claim("")
	require.Same(t, ch.Worker(), w)
	owner := newOwner(key)
	require.NoError(t, w.Bind(owner))
	return ch, w, owner
}

// TestBoundDisconnectUnexpected tests that a crashing bound worker notifies its owner exactly once.
func TestBoundDisconnectUnexpected(t *testing.T) {
	h := newHarness(1)
	h.startPrimordial()
	ch, w, owner := boundWorker(t, h, "doc-1")

	ch.Disconnected()
	ch.Disconnected()

	assert.Equal(t, []bool{true}, owner.Disconnects())
	assert.Equal(t, StateGone, w.State())
	assert.Nil(t, w.Owner())
	assert.Equal(t, []State{StateBound}, h.obs.Lost())
}

// TestBoundDisconnectWhileUnloading tests that an expected exit is reported as such.
func TestBoundDisconnectWhileUnloading(t *testing.T) {
	h := newHarness(1)
	h.startPrimordial()
	ch, w, owner := boundWorker(t, h, "doc-1")

	owner.unloading.Store(true)
	w.RequestGracefulExit()
	ch.Disconnected()

	assert.Equal(t, []bool{false}, owner.Disconnects())
}

// TestBoundDisconnectDuringShutdown tests that workers lost during shutdown are not reported as crashes.
func TestBoundDisconnectDuringShutdown(t *testing.T) {
	h := newHarness(1)
	h.startPrimordial()
	ch, _, owner := boundWorker(t, h, "doc-1")

	h.shutdown.Store(true)
	ch.Disconnected()

	assert.Equal(t, []bool{false}, owner.Disconnects())
}

// TestSpareDisconnectRebalancesOnce tests that losing a spare triggers one rebalance and no owner.
func TestSpareDisconnectRebalancesOnce(t *testing.T) {
	h := newHarness(2)
	_, sup := h.startPrimordial()
	ch, _ := h.announceWorker("")
	h.announceWorker("")
	owner := newOwner("bystander")

	ch.Disconnected()
	ch.Disconnected()

	assert.Equal(t, 1, h.m.SpareCount(""))
	assert.Equal(t, []string{"spawn 2", "spawn 1"}, sup.Sent())
	assert.Equal(t, []State{StateSpare}, h.obs.Lost())
	assert.Empty(t, owner.Disconnects())
}

// TestSpareDisconnectDuringShutdown tests that no replacement is requested while shutting down.
func TestSpareDisconnectDuringShutdown(t *testing.T) {
	h := newHarness(1)
	_, sup := h.startPrimordial()
	ch, _ := h.announceWorker("")

	h.shutdown.Store(true)
	ch.Disconnected()

	assert.Equal(t, []string{"spawn 1"}, sup.Sent())
}

// TestClaimedDisconnectFailsBind tests the window between claim and bind.
func TestClaimedDisconnectFailsBind(t *testing.T) {
	h := newHarness(1)
	h.startPrimordial()
	ch, _ := h.announceWorker("")

	w := h.m.Claim("")
	require.NotNil(t, w)
	ch.Disconnected()

	owner := newOwner("doc-2")
	assert.ErrorIs(t, w.Bind(owner), ErrWorkerGone)
	assert.Empty(t, owner.Disconnects())
	assert.Equal(t, []State{StateClaimed}, h.obs.Lost())
}

// TestClaimRacesDisconnect tests that a worker going away while it is being
// claimed is lost exactly once and is never bound.
func TestClaimRacesDisconnect(t *testing.T) {
	for i := 0; i < 200; i++ {
		h := newHarness(1)
		h.startPrimordial()
		ch, _ := h.announceWorker("")

		var (
			wg sync.WaitGroup
			w  *Worker
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			w = h.m.Claim("")
		}()
		go func() {
			defer wg.Done()
			ch.Disconnected()
		}()
		wg.Wait()

		require.Zero(t, h.m.SpareCount(""))
		lost := h.obs.Lost()
		require.Len(t, lost, 1, "round %d", i)
		if w == nil {
			continue
		}
		owner := newOwner("doc-1")
		require.ErrorIs(t, w.Bind(owner), ErrWorkerGone, "round %d", i)
		require.Equal(t, StateClaimed, lost[0], "round %d", i)
		require.Equal(t, StateGone, w.State())
		require.Empty(t, owner.Disconnects())
	}
}

// TestPrimordialLost tests that losing the primordial supervisor is reported.
func TestPrimordialLost(t *testing.T) {
	h := newHarness(1)
	ch, _ := h.startPrimordial()

	ch.Disconnected()

	assert.Nil(t, h.m.Supervisor(""))
	assert.Equal(t, int32(1), h.lostPrim.Load())
	assert.Equal(t, 0, h.m.Rebalance("", 1), "nothing to ask without a supervisor")
}

// TestPrimordialLostDuringShutdown tests that shutdown is not treated as a failure.
func TestPrimordialLostDuringShutdown(t *testing.T) {
	h := newHarness(1)
	ch, _ := h.startPrimordial()

	h.m.Shutdown()
	ch.Disconnected()

	assert.Equal(t, int32(0), h.lostPrim.Load())
}

// TestProfileSupervisorLostFreezesProfile tests that a lost profile supervisor stops spawning for that profile only.
func TestProfileSupervisorLostFreezesProfile(t *testing.T) {
	h := newHarness(1)
	_, prim := h.startPrimordial()
	ch, _ := h.announceSupervisor("tenant-a")

	ch.Disconnected()

	assert.Nil(t, h.m.Supervisor("tenant-a"))
	assert.NotNil(t, h.m.Supervisor(""))
	assert.Equal(t, int32(0), h.lostPrim.Load())
	assert.Equal(t, 0, h.m.Rebalance("tenant-a", 1))
	assert.Equal(t, []string{"spawn 1"}, prim.Sent())
}

// TestStaleSupervisorDisconnect tests that a replaced supervisor leaving does not remove its successor.
func TestStaleSupervisorDisconnect(t *testing.T) {
	h := newHarness(1)
	h.startPrimordial()
	oldCh, _ := h.announceSupervisor("tenant-a")
	_, newer := h.announceSupervisor("tenant-a")

	oldCh.Disconnected()

	s := h.m.Supervisor("tenant-a")
	require.NotNil(t, s)
	assert.Equal(t, newer.pid, s.PID())
}

// TestRetireIdleSupervisor tests that idle profile supervisors are sent away and the primordial one is kept.
func TestRetireIdleSupervisor(t *testing.T) {
	h := newHarness(1)
	_, prim := h.startPrimordial()
	h.announceWorker("")
	_, sub := h.announceSupervisor("tenant-a")
	_, spare := h.announceWorker("tenant-a")

	h.m.Sweep()
	assert.NotNil(t, h.m.Supervisor("tenant-a"), "not idle yet")

	h.clock.Advance(2 * time.Minute)
	h.m.Sweep()

	assert.Nil(t, h.m.Supervisor("tenant-a"))
	assert.NotNil(t, h.m.Supervisor(""))
	assert.Equal(t, []string{"spawn 1", "exit"}, sub.Sent())
	assert.Equal(t, []string{"exit"}, spare.Sent())
	assert.Equal(t, 0, h.m.SpareCount("tenant-a"))
	assert.Equal(t, []string{"spawn 1"}, prim.Sent())
}

// TestRetireSkipsBusySupervisor tests that a supervisor with bound workers is kept.
func TestRetireSkipsBusySupervisor(t *testing.T) {
	h := newHarness(1)
	h.startPrimordial()
	h.announceSupervisor("tenant-a")
	h.announceWorker("tenant-a")

	w := h.m.Claim("tenant-a")
	require.NotNil(t, w)
	require.NoError(t, w.Bind(newOwner("doc-3")))

	h.clock.Advance(time.Hour)
	h.m.Sweep()
	assert.NotNil(t, h.m.Supervisor("tenant-a"))
}
