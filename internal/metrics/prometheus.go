package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus implements Collector with Prometheus vectors. Metrics are
// registered lazily on first use.
type Prometheus struct {
	reg       prometheus.Registerer
	namespace string
	once      sync.Once

	spareWorkers      *prometheus.GaugeVec
	boundWorkers      *prometheus.GaugeVec
	spawnRequested    *prometheus.CounterVec
	spawnLatency      *prometheus.HistogramVec
	spawnTimeouts     *prometheus.CounterVec
	claims            *prometheus.CounterVec
	workerLost        *prometheus.CounterVec
	supervisorLost    *prometheus.CounterVec
	rejectedAnnounces *prometheus.CounterVec
	kitExits          *prometheus.CounterVec
}

var _ Collector = (*Prometheus)(nil)

// NewPrometheus creates a collector registering into reg
// (prometheus.DefaultRegisterer when nil) under namespace ("kitpool" when empty).
func NewPrometheus(reg prometheus.Registerer, namespace string) *Prometheus {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "kitpool"
	}
	return &Prometheus{reg: reg, namespace: namespace}
}

func (p *Prometheus) ensureRegistered() {
	p.once.Do(func() {
		p.spareWorkers = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: p.namespace,
			Subsystem: "pool",
			Name:      "spare_workers",
			Help:      "Spare workers waiting to be claimed, by profile.",
		}, []string{"profile"})
		p.boundWorkers = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: p.namespace,
			Subsystem: "pool",
			Name:      "bound_workers",
			Help:      "Workers bound to a document, by profile.",
		}, []string{"profile"})
		p.spawnRequested = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "pool",
			Name:      "spawn_requested_total",
			Help:      "Workers requested from supervisors, by profile.",
		}, []string{"profile"})
		p.spawnLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Subsystem: "pool",
			Name:      "spawn_latency_seconds",
			Help:      "Delay between a spawn request and the next worker announce.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms .. ~10s
		}, []string{"profile"})
		p.spawnTimeouts = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "pool",
			Name:      "spawn_timeouts_total",
			Help:      "Outstanding spawn requests forgotten after the spawn timeout.",
		}, []string{"profile"})
		p.claims = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "pool",
			Name:      "claims_total",
			Help:      "Spare worker claims by result (hit, miss).",
		}, []string{"profile", "result"})
		p.workerLost = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "pool",
			Name:      "worker_lost_total",
			Help:      "Worker control connections torn down, by worker state.",
		}, []string{"state"})
		p.supervisorLost = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "pool",
			Name:      "supervisor_lost_total",
			Help:      "Supervisor control connections torn down, by kind.",
		}, []string{"kind"})
		p.rejectedAnnounces = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "control",
			Name:      "rejected_announces_total",
			Help:      "Handshakes dropped without creating a handle, by reason.",
		}, []string{"reason"})
		p.kitExits = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "supervisor",
			Name:      "kit_exits_total",
			Help:      "Abnormal worker exits reported by supervisors (segfault, killed, oomkilled).",
		}, []string{"reason"})

		p.reg.MustRegister(
			p.spareWorkers,
			p.boundWorkers,
			p.spawnRequested,
			p.spawnLatency,
			p.spawnTimeouts,
			p.claims,
			p.workerLost,
			p.supervisorLost,
			p.rejectedAnnounces,
			p.kitExits,
		)
	})
}

func (p *Prometheus) SetSpareWorkers(profile string, n int) {
	p.ensureRegistered()
	p.spareWorkers.WithLabelValues(profileLabel(profile)).Set(float64(n))
}

func (p *Prometheus) SetBoundWorkers(profile string, n int) {
	p.ensureRegistered()
	p.boundWorkers.WithLabelValues(profileLabel(profile)).Set(float64(n))
}

func (p *Prometheus) AddSpawnRequested(profile string, n int) {
	p.ensureRegistered()
	p.spawnRequested.WithLabelValues(profileLabel(profile)).Add(float64(n))
}

func (p *Prometheus) ObserveSpawnLatency(profile string, d time.Duration) {
	p.ensureRegistered()
	p.spawnLatency.WithLabelValues(profileLabel(profile)).Observe(d.Seconds())
}

func (p *Prometheus) IncSpawnTimeouts(profile string) {
	p.ensureRegistered()
	p.spawnTimeouts.WithLabelValues(profileLabel(profile)).Inc()
}

func (p *Prometheus) IncClaims(profile, result string) {
	p.ensureRegistered()
	p.claims.WithLabelValues(profileLabel(profile), result).Inc()
}

func (p *Prometheus) IncWorkerLost(state string) {
	p.ensureRegistered()
	p.workerLost.WithLabelValues(state).Inc()
}

func (p *Prometheus) IncSupervisorLost(kind string) {
	p.ensureRegistered()
	p.supervisorLost.WithLabelValues(kind).Inc()
}

func (p *Prometheus) IncRejectedAnnounces(reason string) {
	p.ensureRegistered()
	p.rejectedAnnounces.WithLabelValues(reason).Inc()
}

func (p *Prometheus) AddKitExits(reason string, n int) {
	if n <= 0 {
		return
	}
	p.ensureRegistered()
	p.kitExits.WithLabelValues(reason).Add(float64(n))
}

// profileLabel keeps the primordial profile visible in label values.
func profileLabel(profile string) string {
	if profile == "" {
		return "default"
	}
	return profile
}
