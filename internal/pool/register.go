package pool

import (
	"time"

	"github.com/codefionn/kitpool/internal/metrics"
	"github.com/codefionn/kitpool/internal/protocol"
)

// registerWorker turns a worker announce into a spare worker. The pid comes
// from the peer credentials, never from the announce.
func (m *Manager) registerWorker(conn Conn, a protocol.Announce) *Worker {
	pid := conn.PeerPID()
	if pid <= 0 {
		m.metrics.IncRejectedAnnounces("no_pid")
		m.log.Warn("%s: dropping worker announce for jail %s without peer pid", conn, a.JailID)
		return nil
	}

	now := m.now()
	w := &Worker{
		process: process{
			id:   m.nextID.Add(1),
			kind: "worker",
			pid:  pid,
			sig:  m.sig,
			log:  m.log,
			conn: conn,
		},
		m:         m,
		jailID:    a.JailID,
		profile:   a.Profile,
		version:   a.Version,
		props:     a.Props,
		createdAt: now,
		memStats:  conn.TakeAncillaryFD(FDMemStats),
		bridgeIn:  conn.TakeAncillaryFD(FDBridgeIn),
		bridgeOut: conn.TakeAncillaryFD(FDBridgeOut),
	}

	if m.ShuttingDown() {
		m.log.Info("shutting down, sending %s away", w)
		w.RequestGracefulExit()
		w.releaseFDs()
		return nil
	}

	m.mu.Lock()
	st := m.profileLocked(a.Profile)
	w.state = StateSpare
	st.spares = append(st.spares, w)
	if st.outstanding > 0 {
		st.outstanding--
	}
	lastSpawn := st.lastSpawn
	spare := len(st.spares)
	target := m.target
	m.mu.Unlock()

	if !lastSpawn.IsZero() {
		m.metrics.ObserveSpawnLatency(a.Profile, now.Sub(lastSpawn))
	}
	m.metrics.SetSpareWorkers(a.Profile, spare)
	m.log.Info("new %s for profile %q, version %s (%d spare)", w, a.Profile, a.Version, spare)

	m.observer.NewWorkerObserved(w)
	m.Rebalance(a.Profile, target)
	return w
}

// registerSupervisor records a supervisor announce. A primordial announce
// is only accepted from the pid recorded with SetPrimordialPID.
func (m *Manager) registerSupervisor(conn Conn, a protocol.Announce) *Supervisor {
	pid := conn.PeerPID()
	if a.Profile == "" {
		if expected := m.PrimordialPID(); pid <= 0 || pid != expected {
			m.metrics.IncRejectedAnnounces("unexpected_supervisor")
			m.log.Warn("%s: rejecting primordial supervisor announce from pid %d, expected pid %d", conn, pid, expected)
			return nil
		}
	} else if pid <= 0 || !ValidProfile(a.Profile) {
		m.metrics.IncRejectedAnnounces("malformed")
		m.log.Warn("%s: rejecting supervisor announce for profile %q from pid %d", conn, a.Profile, pid)
		return nil
	}

	s := &Supervisor{
		process: process{
			id:   m.nextID.Add(1),
			kind: "supervisor",
			pid:  pid,
			sig:  m.sig,
			log:  m.log,
			conn: conn,
		},
		profile:      a.Profile,
		registeredAt: m.now(),
	}

	m.mu.Lock()
	old := m.supervisors[a.Profile]
	m.supervisors[a.Profile] = s
	st := m.profileLocked(a.Profile)
	st.addRequested = time.Time{}
	// Forks promised by a previous supervisor will not arrive.
	if old != nil {
		st.outstanding = 0
	}
	target := m.target
	m.mu.Unlock()

	if old != nil {
		m.log.Warn("%s replaces %s", s, old)
	}
	m.log.Info("new %s", s)

	m.observer.NewSupervisorObserved(s)
	m.Rebalance(a.Profile, target)
	return s
}

// workerFrame routes a line from a worker. Bound workers talk to their
// owner; anything an unbound worker says is informational.
func (m *Manager) workerFrame(w *Worker, line []byte) {
	m.mu.Lock()
	owner, state := w.owner, w.state
	m.mu.Unlock()

	if state == StateBound && owner != nil {
		owner.HandleInput(w, line)
		return
	}

	verb, arg := protocol.Command(string(line))
	switch verb {
	case protocol.CmdExiting:
		m.log.Info("%s (%s) is exiting: %s", w, state, arg)
	case protocol.CmdPong:
		m.log.Debug("%s: pong", w)
	default:
		m.log.Warn("%s (%s): unexpected message %q", w, state, truncate(line, 80))
	}
}

// supervisorFrame routes a line from a supervisor.
func (m *Manager) supervisorFrame(s *Supervisor, line []byte) {
	r, ok := protocol.ParseExitReport(string(line))
	if !ok {
		m.log.Debug("%s: ignoring message %q", s, truncate(line, 80))
		return
	}

	m.metrics.AddKitExits("segfault", r.Segfaults)
	m.metrics.AddKitExits("killed", r.Killed)
	m.metrics.AddKitExits("oomkilled", r.OOMKilled)
	if r.Segfaults > 0 || r.OOMKilled > 0 {
		m.log.Warn("%s reports abnormal worker exits: %s", s, r)
	} else {
		m.log.Info("%s reports worker exits: %s", s, r)
	}
	m.observer.KitExitsReported(s, r)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

func kindOf(s *Supervisor) string {
	if s.IsPrimordial() {
		return metrics.KindPrimordial
	}
	return metrics.KindProfile
}
