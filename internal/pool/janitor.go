package pool

import (
	"context"
	"time"
)

// RunJanitor periodically drops dead spares, forgets stale spawn requests,
// retires idle profile supervisors and tops every supervised profile up to
// target. It returns when ctx is done.
func (m *Manager) RunJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.log.Debug("janitor stopped")
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Sweep runs one janitor pass.
func (m *Manager) Sweep() {
	if m.ShuttingDown() {
		return
	}
	m.retireIdleSupervisors()

	target := m.Target()
	for _, p := range m.SupervisedProfiles() {
		m.Rebalance(p, target)
	}
}

// retireIdleSupervisors sends away profile supervisors, and their spares,
// that have not served a document within the idle timeout. The primordial
// supervisor is never retired.
func (m *Manager) retireIdleSupervisors() {
	if m.idleTimeout < 0 {
		return
	}
	now := m.now()

	type retired struct {
		sup    *Supervisor
		spares []*Worker
	}
	var gone []retired

	m.mu.Lock()
	for profile, sup := range m.supervisors {
		if sup.IsPrimordial() {
			continue
		}
		st := m.profileLocked(profile)
		if st.bound > 0 || st.outstanding > 0 {
			continue
		}
		lastUse := sup.registeredAt
		if st.lastClaim.After(lastUse) {
			lastUse = st.lastClaim
		}
		if now.Sub(lastUse) < m.idleTimeout {
			continue
		}

		delete(m.supervisors, profile)
		for _, w := range st.spares {
			w.state = StateGone
		}
		gone = append(gone, retired{sup: sup, spares: st.spares})
		st.spares = nil
	}
	m.mu.Unlock()

	for _, r := range gone {
		m.log.Info("retiring idle %s with %d spares", r.sup, len(r.spares))
		for _, w := range r.spares {
			w.RequestGracefulExit()
			w.releaseFDs()
		}
		m.metrics.SetSpareWorkers(r.sup.profile, 0)
		r.sup.RequestGracefulExit()
	}
}
