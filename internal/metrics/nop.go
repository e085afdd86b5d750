package metrics

import "time"

// Nop is a Collector that does nothing.
type Nop struct{}

var _ Collector = (*Nop)(nil)

// NewNop returns a Collector that drops every observation.
func NewNop() *Nop { return &Nop{} }

func (*Nop) SetSpareWorkers(string, int)               {}
func (*Nop) SetBoundWorkers(string, int)               {}
func (*Nop) AddSpawnRequested(string, int)             {}
func (*Nop) ObserveSpawnLatency(string, time.Duration) {}
func (*Nop) IncSpawnTimeouts(string)                   {}
func (*Nop) IncClaims(string, string)                  {}
func (*Nop) IncWorkerLost(string)                      {}
func (*Nop) IncSupervisorLost(string)                  {}
func (*Nop) IncRejectedAnnounces(string)               {}
func (*Nop) AddKitExits(string, int)                   {}
