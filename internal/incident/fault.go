// Package incident classifies device health into fault signals and keeps at
// most one active incident per fault key while preserving every past
// occurrence.
package incident

import (
	"fmt"
	"strings"
	"time"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

func (s Severity) rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityWarning:
		return 2
	case SeverityInfo:
		return 1
	default:
		return 0
	}
}

func (s Severity) Valid() bool { return s.rank() > 0 }

// Max returns the more severe of s and o.
func (s Severity) Max(o Severity) Severity {
	if o.rank() > s.rank() {
		return o
	}
	return s
}

type Status string

const (
	StatusOpen         Status = "open"
	StatusAcknowledged Status = "acknowledged"
	StatusInProgress   Status = "in_progress"
	StatusResolved     Status = "resolved"
)

func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusAcknowledged, StatusInProgress, StatusResolved:
		return true
	}
	return false
}

// FaultType is the closed set of conditions that raise incidents.
type FaultType string

const (
	FaultOffline       FaultType = "offline"
	FaultCPU           FaultType = "cpu"
	FaultMemory        FaultType = "memory"
	FaultLatency       FaultType = "latency"
	FaultTemperature   FaultType = "temperature"
	FaultInterfaceDown FaultType = "interface_down"
	FaultInterfaceFlap FaultType = "interface_flap"
)

type faultSpec struct {
	severity     Severity
	perInterface bool
	title        string
}

var faults = map[FaultType]faultSpec{
	FaultOffline:       {severity: SeverityCritical, title: "Device offline"},
	FaultCPU:           {severity: SeverityWarning, title: "High CPU load"},
	FaultMemory:        {severity: SeverityWarning, title: "High memory usage"},
	FaultLatency:       {severity: SeverityWarning, title: "High latency"},
	FaultTemperature:   {severity: SeverityWarning, title: "High temperature"},
	FaultInterfaceDown: {severity: SeverityWarning, perInterface: true, title: "Interface down"},
	FaultInterfaceFlap: {severity: SeverityWarning, perInterface: true, title: "Interface flapping"},
}

// FaultTypes returns every known fault type in a stable order.
func FaultTypes() []FaultType {
	return []FaultType{
		FaultOffline,
		FaultCPU,
		FaultMemory,
		FaultLatency,
		FaultTemperature,
		FaultInterfaceDown,
		FaultInterfaceFlap,
	}
}

func (f FaultType) Valid() bool {
	_, ok := faults[f]
	return ok
}

// BaseSeverity is the severity a signal of this type carries before escalation.
func (f FaultType) BaseSeverity() Severity { return faults[f].severity }

// PerInterface reports whether the fault is tracked per interface.
func (f FaultType) PerInterface() bool { return faults[f].perInterface }

func (f FaultType) title(iface string) string {
	t := faults[f].title
	if f.PerInterface() && iface != "" {
		return t + " on " + iface
	}
	return t
}

// DedupKey identifies one ongoing fault: device, fault type and, for
// interface faults, the interface name.
func DedupKey(deviceID string, f FaultType, iface string) string {
	if f.PerInterface() {
		return deviceID + ":" + string(f) + ":" + iface
	}
	return deviceID + ":" + string(f)
}

// Signal is one breach observation. It is never stored by itself.
type Signal struct {
	TenantID   string
	DeviceID   string
	Fault      FaultType
	Interface  string
	Severity   Severity
	Title      string
	Message    string
	Value      *float64
	Threshold  *float64
	ObservedAt time.Time
}

func (s Signal) DedupKey() string { return DedupKey(s.DeviceID, s.Fault, s.Interface) }

func (s Signal) validate() error {
	if !s.Fault.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownFault, s.Fault)
	}
	if strings.TrimSpace(s.TenantID) == "" || strings.TrimSpace(s.DeviceID) == "" {
		return fmt.Errorf("signal for %s is missing tenant or device", s.Fault)
	}
	if s.Fault.PerInterface() && s.Interface == "" {
		return fmt.Errorf("%s signal requires an interface", s.Fault)
	}
	if s.ObservedAt.IsZero() {
		return fmt.Errorf("%s signal has no observation time", s.Fault)
	}
	return nil
}

// Clear reports that a fault condition no longer holds.
type Clear struct {
	TenantID   string
	DeviceID   string
	Fault      FaultType
	Interface  string
	ObservedAt time.Time
}

func (c Clear) DedupKey() string { return DedupKey(c.DeviceID, c.Fault, c.Interface) }

func newSignal(tenantID, deviceID string, f FaultType, iface string, sev Severity, msg string, value, threshold float64, at time.Time) Signal {
	v, th := value, threshold
	return Signal{
		TenantID:   tenantID,
		DeviceID:   deviceID,
		Fault:      f,
		Interface:  iface,
		Severity:   sev,
		Title:      f.title(iface),
		Message:    msg,
		Value:      &v,
		Threshold:  &th,
		ObservedAt: at,
	}
}

// Offline builds the signal raised when a device cannot be reached.
func Offline(tenantID, deviceID string, cause error, at time.Time) Signal {
	msg := "device did not answer"
	if cause != nil {
		msg = cause.Error()
	}
	return Signal{
		TenantID:   tenantID,
		DeviceID:   deviceID,
		Fault:      FaultOffline,
		Severity:   FaultOffline.BaseSeverity(),
		Title:      FaultOffline.title(""),
		Message:    msg,
		ObservedAt: at,
	}
}
