package incident

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"accessgrid/core-go/internal/device"
)

// Thresholds decide when a reading breaches. A zero critical threshold
// disables escalation for that fault.
type Thresholds struct {
	CPUWarning         float64
	CPUCritical        float64
	MemoryWarning      float64
	LatencyWarning     time.Duration
	LatencyCritical    time.Duration
	TemperatureWarning float64
	FlapLinkDowns      uint64
	// WatchedTypes limits interface down/flap checks to these interface
	// types (prefix match, e.g. "ether" covers "ether" and "ether1").
	WatchedTypes []string
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		CPUWarning:         85,
		CPUCritical:        95,
		MemoryWarning:      90,
		LatencyWarning:     150 * time.Millisecond,
		LatencyCritical:    500 * time.Millisecond,
		TemperatureWarning: 75,
		FlapLinkDowns:      3,
		WatchedTypes:       []string{"ether", "sfp", "vlan", "bond", "bridge"},
	}
}

// Evaluation is the classifier output for one snapshot.
type Evaluation struct {
	Breaches []Signal
	Clears   []Clear
}

// Classifier evaluates snapshots against thresholds. It remembers the last
// link-down counter per interface to detect flapping and is safe for
// concurrent use across devices.
type Classifier struct {
	th Thresholds

	mu        sync.Mutex
	linkDowns map[string]uint64
}

func NewClassifier(th Thresholds) *Classifier {
	return &Classifier{th: th, linkDowns: map[string]uint64{}}
}

func (c *Classifier) Thresholds() Thresholds { return c.th }

// Classify turns one successful snapshot into breach and clear results. A
// successful snapshot always clears the offline fault.
func (c *Classifier) Classify(tenantID string, snap *device.Snapshot) Evaluation {
	var ev Evaluation
	at := snap.ObservedAt
	dev := snap.DeviceID

	healthy := func(f FaultType, iface string) {
		ev.Clears = append(ev.Clears, Clear{TenantID: tenantID, DeviceID: dev, Fault: f, Interface: iface, ObservedAt: at})
	}
	breach := func(s Signal) { ev.Breaches = append(ev.Breaches, s) }

	healthy(FaultOffline, "")

	cpu := float64(snap.Resources.CPULoad)
	if c.th.CPUWarning > 0 && cpu >= c.th.CPUWarning {
		sev, th := escalate(FaultCPU, cpu, c.th.CPUWarning, c.th.CPUCritical)
		breach(newSignal(tenantID, dev, FaultCPU, "", sev, fmt.Sprintf("CPU load %.0f%% (threshold %.0f%%)", cpu, th), cpu, th, at))
	} else {
		healthy(FaultCPU, "")
	}

	if snap.Resources.MemoryTotal > 0 {
		mem := snap.Resources.MemoryUsedPercent()
		if c.th.MemoryWarning > 0 && mem >= c.th.MemoryWarning {
			breach(newSignal(tenantID, dev, FaultMemory, "", FaultMemory.BaseSeverity(), fmt.Sprintf("memory %.1f%% used (threshold %.0f%%)", mem, c.th.MemoryWarning), mem, c.th.MemoryWarning, at))
		} else {
			healthy(FaultMemory, "")
		}
	}

	if rtt := snap.RoundTrip; rtt > 0 {
		ms := float64(rtt.Milliseconds())
		warn := float64(c.th.LatencyWarning.Milliseconds())
		crit := float64(c.th.LatencyCritical.Milliseconds())
		if warn > 0 && ms >= warn {
			sev, th := escalate(FaultLatency, ms, warn, crit)
			breach(newSignal(tenantID, dev, FaultLatency, "", sev, fmt.Sprintf("round trip %.0fms (threshold %.0fms)", ms, th), ms, th, at))
		} else {
			healthy(FaultLatency, "")
		}
	}

	if temp, ok := snap.Temperature(); ok {
		if c.th.TemperatureWarning > 0 && temp >= c.th.TemperatureWarning {
			breach(newSignal(tenantID, dev, FaultTemperature, "", FaultTemperature.BaseSeverity(), fmt.Sprintf("temperature %.1fC (threshold %.0fC)", temp, c.th.TemperatureWarning), temp, c.th.TemperatureWarning, at))
		} else {
			healthy(FaultTemperature, "")
		}
	}

	for _, ifc := range snap.Interfaces {
		if !c.watched(ifc) {
			continue
		}
		if !ifc.Disabled && !ifc.Running {
			breach(newSignal(tenantID, dev, FaultInterfaceDown, ifc.Name, FaultInterfaceDown.BaseSeverity(), fmt.Sprintf("%s is not running", ifc.Name), 0, 0, at))
		} else {
			healthy(FaultInterfaceDown, ifc.Name)
		}

		delta, ok := c.linkDownDelta(dev, ifc)
		if !ok {
			continue
		}
		if c.th.FlapLinkDowns > 0 && delta >= c.th.FlapLinkDowns {
			breach(newSignal(tenantID, dev, FaultInterfaceFlap, ifc.Name, FaultInterfaceFlap.BaseSeverity(),
				fmt.Sprintf("%s went down %d times since the last check", ifc.Name, delta), float64(delta), float64(c.th.FlapLinkDowns), at))
		} else if delta == 0 {
			healthy(FaultInterfaceFlap, ifc.Name)
		}
	}
	return ev
}

// Forget drops remembered counters for a device.
func (c *Classifier) Forget(deviceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prefix := deviceID + "\x00"
	for k := range c.linkDowns {
		if strings.HasPrefix(k, prefix) {
			delete(c.linkDowns, k)
		}
	}
}

// linkDownDelta returns how many link-downs happened since the previous
// snapshot. The first observation and counter resets yield ok=false.
func (c *Classifier) linkDownDelta(deviceID string, ifc device.Interface) (uint64, bool) {
	key := deviceID + "\x00" + ifc.Name
	c.mu.Lock()
	defer c.mu.Unlock()
	prev, seen := c.linkDowns[key]
	c.linkDowns[key] = ifc.LinkDowns
	if !seen || ifc.LinkDowns < prev {
		return 0, false
	}
	return ifc.LinkDowns - prev, true
}

func (c *Classifier) watched(ifc device.Interface) bool {
	if ifc.Dynamic {
		return false
	}
	if len(c.th.WatchedTypes) == 0 {
		return true
	}
	for _, t := range c.th.WatchedTypes {
		if strings.HasPrefix(ifc.Type, t) {
			return true
		}
	}
	return false
}

// escalate picks warning or critical severity and the threshold that was crossed.
func escalate(f FaultType, v, warn, crit float64) (Severity, float64) {
	if crit > 0 && v >= crit {
		return SeverityCritical, crit
	}
	return f.BaseSeverity(), warn
}
