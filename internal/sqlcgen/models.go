package sqlcgen

import "time"

type Device struct {
	ID                string
	TenantID          string
	Name              string
	Host              string
	Port              int32
	Username          string
	Password          string
	SNMPCommunity     *string
	Enabled           bool
	Online            bool
	LatencyMS         *int32
	LastError         *string
	LastSeenAt        *time.Time
	MaintenanceUntil  *time.Time
	MaintenanceReason *string
}

// InMaintenance reports whether the device's maintenance window covers now.
func (d Device) InMaintenance(now time.Time) bool {
	return d.MaintenanceUntil != nil && d.MaintenanceUntil.After(now)
}

type MetricSample struct {
	ID            int64
	DeviceID      string
	CPULoad       int16
	MemoryTotal   int64
	MemoryFree    int64
	DiskTotal     int64
	DiskFree      int64
	UptimeSeconds int64
	ObservedAt    time.Time
}

// PPPoEAccount is a desired subscriber account together with its sync state.
// Secret is stored encrypted; callers decrypt it before pushing to a router.
type PPPoEAccount struct {
	ID            string
	TenantID      string
	RouterID      string
	CustomerRef   *string
	Username      string
	Secret        string
	SecretPending bool
	Profile       string
	RemoteAddress string
	Disabled      bool
	Comment       string
	RouterPresent bool
	LastSyncAt    *time.Time
	LastError     *string
}

type Incident struct {
	ID            string
	TenantID      string
	DeviceID      string
	InterfaceName *string
	FaultType     string
	DedupKey      string
	Severity      string
	Status        string
	Title         string
	Message       string
	Value         *float64
	Threshold     *float64
	FirstSeenAt   time.Time
	LastSeenAt    time.Time
	ResolvedAt    *time.Time
	AckedAt       *time.Time
	AckedBy       *string
}
