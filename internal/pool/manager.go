package pool

import (
	"fmt"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codefionn/kitpool/internal/logger"
	"github.com/codefionn/kitpool/internal/metrics"
	"github.com/codefionn/kitpool/internal/protocol"
)

// profileState is the per-profile bookkeeping. Guarded by Manager.mu.
type profileState struct {
	spares       []*Worker
	bound        int
	outstanding  int
	lastSpawn    time.Time
	lastClaim    time.Time
	addRequested time.Time
}

// Manager owns the spare pools, the supervisor table and the spawn
// accounting. One mutex guards all of it; no I/O happens under it.
type Manager struct {
	spawnTimeout time.Duration
	idleTimeout  time.Duration
	shutdown     *atomic.Bool
	observer     Observer
	metrics      metrics.Collector
	sig          Signaller
	log          *logger.Logger
	onPrimordial func(s *Supervisor)
	now          func() time.Time

	nextID        atomic.Uint64
	primordialPID atomic.Int64

	mu          sync.Mutex
	target      int
	profiles    map[string]*profileState
	supervisors map[string]*Supervisor
}

// New creates a Manager.
func New(opts Options) *Manager {
	m := &Manager{
		spawnTimeout: opts.SpawnTimeout,
		idleTimeout:  opts.SupervisorIdleTimeout,
		shutdown:     opts.Shutdown,
		observer:     opts.Observer,
		metrics:      opts.Metrics,
		sig:          opts.Signaller,
		log:          opts.Logger,
		onPrimordial: opts.OnPrimordialLost,
		now:          opts.Now,
		target:       max(opts.Target, 1),
		profiles:     make(map[string]*profileState),
		supervisors:  make(map[string]*Supervisor),
	}
	if m.spawnTimeout <= 0 {
		m.spawnTimeout = DefaultSpawnTimeout
	}
	if m.idleTimeout == 0 {
		m.idleTimeout = DefaultSupervisorIdleTimeout
	}
	if m.shutdown == nil {
		m.shutdown = &atomic.Bool{}
	}
	if m.observer == nil {
		m.observer = NopObserver{}
	}
	if m.metrics == nil {
		m.metrics = metrics.NewNop()
	}
	if m.sig == nil {
		m.sig = OSSignaller()
	}
	if m.log == nil {
		m.log = logger.Global().WithPrefix("pool")
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// SetPrimordialPID records the pid of the supervisor this server launched.
// Only that pid may announce itself as primordial supervisor.
func (m *Manager) SetPrimordialPID(pid int) {
	m.primordialPID.Store(int64(pid))
	m.log.Info("expecting primordial supervisor pid %d", pid)
}

// PrimordialPID returns the pid recorded by SetPrimordialPID.
func (m *Manager) PrimordialPID() int {
	return int(m.primordialPID.Load())
}

// ShuttingDown reports the server-wide shutdown flag.
func (m *Manager) ShuttingDown() bool {
	return m.shutdown.Load()
}

// Target returns the spare count kept per profile.
func (m *Manager) Target() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.target
}

// SetTarget changes the spare count kept per profile and rebalances every
// supervised profile. Lower targets only take effect as spares are claimed.
func (m *Manager) SetTarget(n int) {
	n = max(n, 1)
	m.mu.Lock()
	changed := m.target != n
	m.target = n
	m.mu.Unlock()

	if !changed {
		return
	}
	m.log.Info("spare target set to %d", n)
	for _, p := range m.SupervisedProfiles() {
		m.Rebalance(p, n)
	}
}

// SpareCount returns the number of spare workers for profile.
func (m *Manager) SpareCount(profile string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.profiles[profile]; ok {
		return len(st.spares)
	}
	return 0
}

// SupervisedProfiles returns the profiles that currently have a supervisor, sorted.
func (m *Manager) SupervisedProfiles() []string {
	m.mu.Lock()
	profiles := make([]string, 0, len(m.supervisors))
	for p := range m.supervisors {
		profiles = append(profiles, p)
	}
	m.mu.Unlock()
	sort.Strings(profiles)
	return profiles
}

// Supervisor returns the supervisor for profile, or nil.
func (m *Manager) Supervisor(profile string) *Supervisor {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.supervisors[profile]
}

func (m *Manager) profileLocked(profile string) *profileState {
	st, ok := m.profiles[profile]
	if !ok {
		st = &profileState{}
		m.profiles[profile] = st
	}
	return st
}

// Claim removes a spare worker of profile and returns it, or nil when none
// is available. It never blocks. The returned worker must be passed to Bind.
func (m *Manager) Claim(profile string) *Worker {
	var (
		claimed *Worker
		dead    []*Worker
	)

	for claimed == nil {
		m.mu.Lock()
		st := m.profileLocked(profile)
		if len(st.spares) == 0 {
			m.mu.Unlock()
			break
		}
		w := st.spares[len(st.spares)-1]
		st.spares = st.spares[:len(st.spares)-1]
		w.state = StateClaimed
		m.mu.Unlock()

		// Signal 0 is a syscall, keep it off the lock.
		if w.IsAlive() {
			claimed = w
			continue
		}
		m.mu.Lock()
		// The reaper may have got to it first.
		if w.state == StateClaimed {
			w.state = StateGone
			dead = append(dead, w)
		}
		m.mu.Unlock()
	}

	m.mu.Lock()
	st := m.profileLocked(profile)
	if claimed != nil {
		st.lastClaim = m.now()
	}
	spare := len(st.spares)
	target := m.target
	m.mu.Unlock()

	m.discard(dead)
	m.metrics.SetSpareWorkers(profile, spare)
	if claimed == nil {
		m.log.Debug("no spare worker for profile %q", profile)
	} else {
		m.metrics.IncClaims(profile, "hit")
		m.log.Debug("claimed %s for profile %q (%d spare left)", claimed, profile, spare)
	}

	if !m.ShuttingDown() {
		m.Rebalance(profile, target)
	}
	return claimed
}

// Rebalance asks the profile's supervisor for enough workers to bring the
// spare count up to target, counting spawns that are still outstanding. It
// never kills surplus spares. It returns the number of workers requested.
func (m *Manager) Rebalance(profile string, target int) int {
	dead := m.pruneDeadSpares(profile)
	now := m.now()

	m.mu.Lock()
	st := m.profileLocked(profile)
	sup := m.supervisors[profile]
	if sup == nil {
		m.mu.Unlock()
		m.discard(dead)
		m.log.Debug("rebalance %q: no supervisor", profile)
		return 0
	}

	if st.outstanding > 0 && now.Sub(st.lastSpawn) > m.spawnTimeout {
		m.log.Warn("rebalance %q: %d spawns outstanding for %s, requesting again",
			profile, st.outstanding, now.Sub(st.lastSpawn).Round(time.Millisecond))
		m.metrics.IncSpawnTimeouts(profile)
		st.outstanding = 0
	}

	spare := len(st.spares)
	deficit := target - spare - st.outstanding
	if deficit <= 0 {
		m.mu.Unlock()
		m.discard(dead)
		m.metrics.SetSpareWorkers(profile, spare)
		return 0
	}
	st.outstanding += deficit
	st.lastSpawn = now
	m.mu.Unlock()

	m.discard(dead)
	m.metrics.SetSpareWorkers(profile, spare)

	if err := sup.RequestSpawn(deficit); err != nil {
		m.log.Error("rebalance %q: failed to request %d workers from %s: %v", profile, deficit, sup, err)
		m.mu.Lock()
		st.outstanding = max(st.outstanding-deficit, 0)
		m.mu.Unlock()
		return 0
	}
	m.metrics.AddSpawnRequested(profile, deficit)
	m.log.Info("rebalance %q: requested %d workers from %s (spare %d, target %d)", profile, deficit, sup, spare, target)
	return deficit
}

// Prespawn rebalances profile to the current target.
func (m *Manager) Prespawn(profile string) int {
	return m.Rebalance(profile, m.Target())
}

// pruneDeadSpares checks the spares of profile outside the lock and takes
// out the ones that stopped answering and are still spare. The caller
// passes the result to discard.
func (m *Manager) pruneDeadSpares(profile string) []*Worker {
	m.mu.Lock()
	spares := slices.Clone(m.profileLocked(profile).spares)
	m.mu.Unlock()

	var suspects []*Worker
	for _, w := range spares {
		if !w.IsAlive() {
			suspects = append(suspects, w)
		}
	}
	if len(suspects) == 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.profileLocked(profile)
	var dead []*Worker
	for _, w := range suspects {
		if w.state != StateSpare {
			continue
		}
		st.spares = slices.DeleteFunc(st.spares, func(s *Worker) bool { return s == w })
		w.state = StateGone
		dead = append(dead, w)
	}
	return dead
}

// discard releases handles already removed from the pool.
func (m *Manager) discard(workers []*Worker) {
	for _, w := range workers {
		m.log.Info("dropping dead spare %s", w)
		w.RequestGracefulExit()
		w.releaseFDs()
		m.metrics.IncWorkerLost(metrics.StateSpare)
		m.observer.WorkerLost(w, StateSpare)
	}
}

// EnsureSupervisor asks the primordial supervisor for a supervisor serving
// profile, unless one exists or was asked for within the spawn timeout.
func (m *Manager) EnsureSupervisor(profile string) error {
	if profile == "" {
		return nil
	}
	if !ValidProfile(profile) {
		return fmt.Errorf("%w: %q", ErrInvalidProfile, profile)
	}

	now := m.now()
	m.mu.Lock()
	if _, ok := m.supervisors[profile]; ok {
		m.mu.Unlock()
		return nil
	}
	primordial := m.supervisors[""]
	if primordial == nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: cannot start supervisor for profile %q", ErrNoSupervisor, profile)
	}
	st := m.profileLocked(profile)
	if !st.addRequested.IsZero() && now.Sub(st.addRequested) < m.spawnTimeout {
		m.mu.Unlock()
		return nil
	}
	st.addRequested = now
	m.mu.Unlock()

	if err := primordial.SendControl(protocol.AddProfile(profile)); err != nil {
		m.mu.Lock()
		st.addRequested = time.Time{}
		m.mu.Unlock()
		return fmt.Errorf("failed to request supervisor for profile %q: %w", profile, err)
	}
	m.log.Info("requested supervisor for profile %q", profile)
	return nil
}

// ValidProfile reports whether id can be used as a profile id.
func ValidProfile(id string) bool {
	if id == "" || len(id) > 128 {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.':
		default:
			return false
		}
	}
	return true
}

// TerminateSpares asks every spare worker to exit, so replacements pick up
// changed settings, then rebalances. It returns the number of spares asked.
func (m *Manager) TerminateSpares() int {
	var spares []*Worker
	m.mu.Lock()
	for _, st := range m.profiles {
		for _, w := range st.spares {
			w.state = StateGone
			spares = append(spares, w)
		}
		st.spares = nil
	}
	m.mu.Unlock()

	for _, w := range spares {
		m.log.Info("terminating spare %s", w)
		w.RequestGracefulExit()
		w.releaseFDs()
	}
	if !m.ShuttingDown() {
		target := m.Target()
		for _, p := range m.SupervisedProfiles() {
			m.Rebalance(p, target)
		}
	}
	return len(spares)
}

// Shutdown sets the shutdown flag and asks spares and supervisors to exit.
// Bound workers are left to their owners.
func (m *Manager) Shutdown() {
	if m.shutdown.Swap(true) {
		return
	}

	var (
		spares      []*Worker
		supervisors []*Supervisor
	)
	m.mu.Lock()
	for _, st := range m.profiles {
		for _, w := range st.spares {
			w.state = StateGone
			spares = append(spares, w)
		}
		st.spares = nil
		st.outstanding = 0
	}
	for _, s := range m.supervisors {
		supervisors = append(supervisors, s)
	}
	m.mu.Unlock()

	m.log.Info("shutting down: %d spares, %d supervisors", len(spares), len(supervisors))
	for _, w := range spares {
		w.RequestGracefulExit()
		w.releaseFDs()
	}
	for _, s := range supervisors {
		s.RequestGracefulExit()
	}
}

// ProfileStatus describes one profile in a Status.
type ProfileStatus struct {
	Profile       string    `json:"profile"`
	Spare         int       `json:"spare"`
	Bound         int       `json:"bound"`
	Outstanding   int       `json:"outstanding"`
	SupervisorPID int       `json:"supervisor_pid,omitempty"`
	LastSpawn     time.Time `json:"last_spawn,omitzero"`
	LastClaim     time.Time `json:"last_claim,omitzero"`
}

// Status is a point-in-time view of the pool.
type Status struct {
	Target        int             `json:"target"`
	PrimordialPID int             `json:"primordial_pid"`
	ShuttingDown  bool            `json:"shutting_down"`
	Profiles      []ProfileStatus `json:"profiles"`
}

// Snapshot returns the current pool status.
func (m *Manager) Snapshot() Status {
	m.mu.Lock()
	s := Status{
		Target:        m.target,
		PrimordialPID: m.PrimordialPID(),
		ShuttingDown:  m.ShuttingDown(),
		Profiles:      make([]ProfileStatus, 0, len(m.profiles)),
	}
	for name, st := range m.profiles {
		ps := ProfileStatus{
			Profile:     name,
			Spare:       len(st.spares),
			Bound:       st.bound,
			Outstanding: st.outstanding,
			LastSpawn:   st.lastSpawn,
			LastClaim:   st.lastClaim,
		}
		if sup := m.supervisors[name]; sup != nil {
			ps.SupervisorPID = sup.PID()
		}
		s.Profiles = append(s.Profiles, ps)
	}
	m.mu.Unlock()

	sort.Slice(s.Profiles, func(i, j int) bool { return s.Profiles[i].Profile < s.Profiles[j].Profile })
	return s
}
