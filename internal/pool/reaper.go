package pool

import (
	"time"

	"github.com/codefionn/kitpool/internal/metrics"
)

// reapWorker handles a worker whose connection went away. What happens
// depends on the state the worker was in; each worker is reaped once.
func (m *Manager) reapWorker(w *Worker) {
	m.mu.Lock()
	prev := w.state
	owner := w.owner
	w.state = StateGone
	w.owner = nil

	st := m.profileLocked(w.profile)
	switch prev {
	case StateSpare:
		for i, s := range st.spares {
			if s == w {
				st.spares = append(st.spares[:i], st.spares[i+1:]...)
				break
			}
		}
	case StateBound:
		st.bound = max(st.bound-1, 0)
	}
	spare, bound := len(st.spares), st.bound
	target := m.target
	m.mu.Unlock()

	w.detach()
	w.releaseFDs()

	switch prev {
	case StateSpare:
		m.metrics.IncWorkerLost(metrics.StateSpare)
		m.metrics.SetSpareWorkers(w.profile, spare)
		m.log.Warn("spare %s disconnected (%d spare left)", w, spare)
		m.observer.WorkerLost(w, prev)
		if !m.ShuttingDown() {
			m.Rebalance(w.profile, target)
		}

	case StateClaimed:
		m.metrics.IncWorkerLost(metrics.StateClaimed)
		m.log.Warn("claimed %s disconnected before it was bound", w)
		m.observer.WorkerLost(w, prev)

	case StateBound:
		unexpected := !owner.IsUnloading() && !m.ShuttingDown()
		m.metrics.IncWorkerLost(metrics.StateBound)
		m.metrics.SetBoundWorkers(w.profile, bound)
		if unexpected {
			m.log.Error("%s serving %s disconnected unexpectedly", w, owner.DocKey())
		} else {
			m.log.Info("%s serving %s disconnected", w, owner.DocKey())
		}
		m.observer.WorkerLost(w, prev)
		owner.DisconnectedFromKit(unexpected)

	case StateGone:
		m.log.Debug("%s disconnected after leaving the pool", w)
	}
}

// reapSupervisor handles a supervisor whose connection went away. Losing
// the primordial supervisor is fatal for the pool; losing a profile
// supervisor freezes that profile until a new one announces.
func (m *Manager) reapSupervisor(s *Supervisor) {
	m.mu.Lock()
	current := m.supervisors[s.profile] == s
	if current {
		delete(m.supervisors, s.profile)
		st := m.profileLocked(s.profile)
		st.outstanding = 0
		st.addRequested = time.Time{}
	}
	m.mu.Unlock()

	s.detach()

	if !current {
		m.log.Debug("%s disconnected after it was replaced", s)
		return
	}

	m.metrics.IncSupervisorLost(kindOf(s))
	m.observer.SupervisorLost(s)

	if m.ShuttingDown() {
		m.log.Info("%s disconnected during shutdown", s)
		return
	}
	if s.IsPrimordial() {
		m.log.Fatal("primordial %s lost, no more workers can be spawned", s)
		if m.onPrimordial != nil {
			m.onPrimordial(s)
		}
		return
	}
	m.log.Warn("%s lost, profile %q frozen until a new supervisor announces", s, s.profile)
}
