// Package metrics records pool activity. Collector is the seam the pool
// reports through; Nop discards everything and Prometheus exports it.
package metrics

import "time"

// Worker states used as label values when a worker connection goes away.
const (
	StateSpare   = "spare"
	StateClaimed = "claimed"
	StateBound   = "bound"
)

// Supervisor kinds used as label values.
const (
	KindPrimordial = "primordial"
	KindProfile    = "profile"
)

// Collector receives pool events.
type Collector interface {
	// SetSpareWorkers records the current spare count of a profile.
	SetSpareWorkers(profile string, n int)
	// SetBoundWorkers records the current bound count of a profile.
	SetBoundWorkers(profile string, n int)
	// AddSpawnRequested counts workers asked of a supervisor.
	AddSpawnRequested(profile string, n int)
	// ObserveSpawnLatency records the delay between a spawn request and a worker announce.
	ObserveSpawnLatency(profile string, d time.Duration)
	// IncSpawnTimeouts counts outstanding spawn requests that were given up on.
	IncSpawnTimeouts(profile string)
	// IncClaims counts claims by result. A "hit" is a worker handed out, a
	// "miss" is a document that gave up waiting for one.
	IncClaims(profile, result string)
	// IncWorkerLost counts worker disconnects by the state they were in.
	IncWorkerLost(state string)
	// IncSupervisorLost counts supervisor disconnects by kind.
	IncSupervisorLost(kind string)
	// IncRejectedAnnounces counts handshakes that did not produce a handle.
	IncRejectedAnnounces(reason string)
	// AddKitExits counts abnormal worker exits reported by supervisors.
	AddKitExits(reason string, n int)
}
