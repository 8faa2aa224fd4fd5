// Package device describes a point-in-time view of an access concentrator and
// the operations the control loop pushes to it. Transports (RouterOS over SSH,
// SNMP) produce these types; the reconciler and classifier consume them.
package device

import (
	"context"
	"time"
)

// Target is everything a transport needs to reach one router.
type Target struct {
	ID       string
	TenantID string
	Host     string
	Port     uint16
	Username string
	Password string
	// SNMPCommunity enables IF-MIB counter polling when set.
	SNMPCommunity string
}

// Resources is the resource usage block of a snapshot.
type Resources struct {
	CPULoad     int // percent 0-100
	MemoryTotal uint64
	MemoryFree  uint64
	DiskTotal   uint64
	DiskFree    uint64
	Uptime      time.Duration
	Version     string
	BoardName   string
}

// MemoryUsedPercent returns used memory as a percentage, or 0 when the total is unknown.
func (r Resources) MemoryUsedPercent() float64 {
	if r.MemoryTotal == 0 || r.MemoryFree > r.MemoryTotal {
		return 0
	}
	return float64(r.MemoryTotal-r.MemoryFree) * 100 / float64(r.MemoryTotal)
}

type Interface struct {
	Name      string
	Type      string
	Running   bool
	Disabled  bool
	Dynamic   bool
	MTU       int
	MAC       string
	RxBytes   uint64
	TxBytes   uint64
	RxPackets uint64
	TxPackets uint64
	LinkDowns uint64
}

type IPAddress struct {
	Address   string // CIDR form, e.g. 10.0.0.1/24
	Network   string
	Interface string
	Dynamic   bool
	Disabled  bool
}

// Pool is a named IP pool configured on the router.
type Pool struct {
	Name   string
	Ranges string
}

// Secret is a PPPoE secret exactly as the router reports it.
type Secret struct {
	Name          string
	Service       string
	Profile       string
	RemoteAddress string
	Disabled      bool
	Comment       string
}

// HealthReading is one sensor value. Unit is whatever the router reports (C, V, ...).
type HealthReading struct {
	Name  string
	Value float64
	Unit  string
}

type Snapshot struct {
	DeviceID   string
	ObservedAt time.Time
	// RoundTrip is the connection round-trip measured while taking the snapshot.
	RoundTrip  time.Duration
	Resources  Resources
	Interfaces []Interface
	Addresses  []IPAddress
	Pools      []Pool
	Secrets    []Secret
	Health     []HealthReading
}

// SecretByName indexes the live secret list by username.
func (s *Snapshot) SecretByName() map[string]Secret {
	if s == nil {
		return map[string]Secret{}
	}
	out := make(map[string]Secret, len(s.Secrets))
	for _, sec := range s.Secrets {
		out[sec.Name] = sec
	}
	return out
}

// PoolNames returns the names of the router's IP pools.
func (s *Snapshot) PoolNames() map[string]struct{} {
	out := map[string]struct{}{}
	if s == nil {
		return out
	}
	for _, p := range s.Pools {
		out[p.Name] = struct{}{}
	}
	return out
}

// Temperature returns the highest temperature-like health reading.
func (s *Snapshot) Temperature() (float64, bool) {
	if s == nil {
		return 0, false
	}
	var (
		max   float64
		found bool
	)
	for _, h := range s.Health {
		if !isTemperatureSensor(h) {
			continue
		}
		if !found || h.Value > max {
			max = h.Value
			found = true
		}
	}
	return max, found
}

func isTemperatureSensor(h HealthReading) bool {
	if h.Unit == "C" {
		return true
	}
	switch h.Name {
	case "temperature", "cpu-temperature", "board-temperature1", "board-temperature2", "sfp-temperature":
		return true
	}
	return false
}

// Fetcher returns a full point-in-time view of one router.
type Fetcher interface {
	FetchSnapshot(ctx context.Context, t Target) (*Snapshot, error)
}

// Applier pushes a single account operation to one router.
type Applier interface {
	ApplyAccountOp(ctx context.Context, t Target, op AccountOp) error
}

// Transport is the full device collaborator consumed by the control loop.
type Transport interface {
	Fetcher
	Applier
}
