package incident

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"accessgrid/core-go/internal/device"
)

var t0 = time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)

type recordingNotifier struct {
	mu     sync.Mutex
	events []EventKind
}

func (n *recordingNotifier) Notify(_ context.Context, ev Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev.Kind)
	return nil
}

func newTestService(now time.Time) (*Service, *MemoryStore, *recordingNotifier) {
	store := NewMemoryStore()
	n := &recordingNotifier{}
	svc := NewService(zerolog.Nop(), store, Options{Notifier: n, Now: func() time.Time { return now }})
	return svc, store, n
}

func cpuSignal(at time.Time, load float64, sev Severity) Signal {
	return newSignal("t1", "r1", FaultCPU, "", sev, fmt.Sprintf("CPU load %.0f%%", load), load, 85, at)
}

func TestDedupKey(t *testing.T) {
	cpu := DedupKey("r1", FaultCPU, "")
	down := DedupKey("r1", FaultInterfaceDown, "ether1")
	assert.NotEqual(t, cpu, down)
	assert.Equal(t, cpu, cpuSignal(t0, 90, SeverityWarning).DedupKey())
	assert.Equal(t, "r1:cpu", DedupKey("r1", FaultCPU, "ignored"))
	assert.NotEqual(t, DedupKey("r1", FaultInterfaceDown, "ether1"), DedupKey("r1", FaultInterfaceDown, "ether2"))
	assert.NotEqual(t, DedupKey("r1", FaultCPU, ""), DedupKey("r2", FaultCPU, ""))
}

func TestFaultTypes_AreClosed(t *testing.T) {
	for _, f := range FaultTypes() {
		assert.True(t, f.Valid(), f)
		assert.True(t, f.BaseSeverity().Valid(), f)
	}
	assert.False(t, FaultType("disk").Valid())
}

func TestObserve_RepeatSignalRefreshesOneIncident(t *testing.T) {
	svc, store, n := newTestService(t0)
	ctx := context.Background()

	first, err := svc.Observe(ctx, cpuSignal(t0, 90, SeverityWarning))
	require.NoError(t, err)
	second, err := svc.Observe(ctx, cpuSignal(t0.Add(30*time.Second), 92, SeverityWarning))
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, t0, second.FirstSeenAt)
	assert.Equal(t, t0.Add(30*time.Second), second.LastSeenAt)
	assert.Equal(t, string(StatusOpen), second.Status)
	require.NotNil(t, second.Value)
	assert.Equal(t, 92.0, *second.Value)
	assert.Equal(t, 1, store.ActiveCount("t1", "r1:cpu"))
	assert.Equal(t, []EventKind{EventOpened}, n.events)
}

func TestObserve_RecurrenceAfterResolveOpensNewRow(t *testing.T) {
	svc, store, _ := newTestService(t0)
	ctx := context.Background()

	first, err := svc.Observe(ctx, cpuSignal(t0, 90, SeverityWarning))
	require.NoError(t, err)

	cleared, err := svc.Clear(ctx, Clear{TenantID: "t1", DeviceID: "r1", Fault: FaultCPU, ObservedAt: t0.Add(60 * time.Second)})
	require.NoError(t, err)
	assert.True(t, cleared)

	second, err := svc.Observe(ctx, cpuSignal(t0.Add(120*time.Second), 91, SeverityWarning))
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	history, err := svc.History(ctx, "t1", "r1:cpu")
	require.NoError(t, err)
	require.Len(t, history, 2)

	assert.Equal(t, first.ID, history[0].ID)
	require.NotNil(t, history[0].ResolvedAt)
	assert.Equal(t, t0.Add(60*time.Second), *history[0].ResolvedAt)
	assert.Equal(t, t0, history[0].LastSeenAt, "resolved row is left unchanged by the recurrence")
	assert.Equal(t, string(StatusResolved), history[0].Status)

	assert.Equal(t, t0.Add(120*time.Second), history[1].FirstSeenAt)
	assert.Nil(t, history[1].ResolvedAt)
	assert.Equal(t, 1, store.ActiveCount("t1", "r1:cpu"))
}

func TestClear_WithoutOpenIncidentIsNoop(t *testing.T) {
	svc, _, n := newTestService(t0)
	cleared, err := svc.Clear(context.Background(), Clear{TenantID: "t1", DeviceID: "r1", Fault: FaultLatency, ObservedAt: t0})
	require.NoError(t, err)
	assert.False(t, cleared)
	assert.Empty(t, n.events)
}

func TestObserve_SeverityOnlyEscalates(t *testing.T) {
	svc, _, n := newTestService(t0)
	ctx := context.Background()

	_, err := svc.Observe(ctx, cpuSignal(t0, 88, SeverityWarning))
	require.NoError(t, err)
	inc, err := svc.Observe(ctx, cpuSignal(t0.Add(time.Minute), 97, SeverityCritical))
	require.NoError(t, err)
	assert.Equal(t, string(SeverityCritical), inc.Severity)

	inc, err = svc.Observe(ctx, cpuSignal(t0.Add(2*time.Minute), 88, SeverityWarning))
	require.NoError(t, err)
	assert.Equal(t, string(SeverityCritical), inc.Severity, "refresh must not downgrade")

	assert.Equal(t, []EventKind{EventOpened, EventEscalated}, n.events)
}

func TestAcknowledge_DoesNotSuppressRefresh(t *testing.T) {
	svc, _, _ := newTestService(t0.Add(5 * time.Second))
	ctx := context.Background()

	inc, err := svc.Observe(ctx, cpuSignal(t0, 90, SeverityWarning))
	require.NoError(t, err)

	acked, err := svc.Acknowledge(ctx, inc.ID, "noc@example.net")
	require.NoError(t, err)
	assert.Equal(t, string(StatusAcknowledged), acked.Status)
	require.NotNil(t, acked.AckedBy)
	assert.Equal(t, "noc@example.net", *acked.AckedBy)

	refreshed, err := svc.Observe(ctx, cpuSignal(t0.Add(time.Minute), 91, SeverityWarning))
	require.NoError(t, err)
	assert.Equal(t, inc.ID, refreshed.ID)
	assert.Equal(t, t0.Add(time.Minute), refreshed.LastSeenAt)
	assert.Equal(t, string(StatusAcknowledged), refreshed.Status)

	_, err = svc.Acknowledge(ctx, inc.ID, "again")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestLifecycle_ExplicitTransitions(t *testing.T) {
	svc, _, _ := newTestService(t0.Add(time.Hour))
	ctx := context.Background()

	inc, err := svc.Observe(ctx, newSignal("t1", "r1", FaultInterfaceDown, "ether1", SeverityWarning, "down", 0, 0, t0))
	require.NoError(t, err)
	require.NotNil(t, inc.InterfaceName)
	assert.Equal(t, "ether1", *inc.InterfaceName)

	started, err := svc.Start(ctx, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, string(StatusInProgress), started.Status)

	resolved, err := svc.Resolve(ctx, inc.ID)
	require.NoError(t, err)
	require.NotNil(t, resolved.ResolvedAt)
	assert.Equal(t, t0.Add(time.Hour), *resolved.ResolvedAt)

	_, err = svc.Resolve(ctx, inc.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = svc.Start(ctx, inc.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = svc.Resolve(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = svc.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestObserve_RejectsMalformedSignals(t *testing.T) {
	svc, _, _ := newTestService(t0)
	ctx := context.Background()

	_, err := svc.Observe(ctx, Signal{TenantID: "t1", DeviceID: "r1", Fault: "disk", ObservedAt: t0})
	assert.ErrorIs(t, err, ErrUnknownFault)

	_, err = svc.Observe(ctx, Signal{TenantID: "t1", DeviceID: "r1", Fault: FaultInterfaceFlap, ObservedAt: t0})
	assert.Error(t, err)
}

func TestListOpen_Filters(t *testing.T) {
	svc, _, _ := newTestService(t0)
	ctx := context.Background()

	_, err := svc.Observe(ctx, cpuSignal(t0, 90, SeverityWarning))
	require.NoError(t, err)
	_, err = svc.Observe(ctx, Offline("t1", "r2", nil, t0.Add(time.Second)))
	require.NoError(t, err)
	_, err = svc.Observe(ctx, Offline("t2", "r9", nil, t0))
	require.NoError(t, err)
	lat := newSignal("t1", "r1", FaultLatency, "", SeverityWarning, "slow", 200, 150, t0)
	_, err = svc.Observe(ctx, lat)
	require.NoError(t, err)
	_, err = svc.Clear(ctx, Clear{TenantID: "t1", DeviceID: "r1", Fault: FaultLatency, ObservedAt: t0.Add(time.Minute)})
	require.NoError(t, err)

	all, err := svc.ListOpen(ctx, "t1", Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.Equal(t, "r2", all[0].DeviceID, "most recently seen first")

	crit, err := svc.ListOpen(ctx, "t1", Filter{Severity: SeverityCritical})
	require.NoError(t, err)
	require.Len(t, crit, 1)
	assert.Equal(t, string(FaultOffline), crit[0].FaultType)

	byDevice, err := svc.ListOpen(ctx, "t1", Filter{DeviceID: "r1", IncludeResolved: true})
	require.NoError(t, err)
	assert.Len(t, byDevice, 2)

	resolved, err := svc.ListOpen(ctx, "t1", Filter{Status: StatusResolved})
	require.NoError(t, err)
	require.Len(t, resolved, 1)
	assert.Equal(t, string(FaultLatency), resolved[0].FaultType)

	_, err = svc.ListOpen(ctx, "t1", Filter{FaultType: "disk"})
	assert.ErrorIs(t, err, ErrUnknownFault)
}

// Signals, clears and resolves for one key arrive from many goroutines; at no
// point may two active rows exist for the key.
func TestDedupInvariant_UnderConcurrentSignals(t *testing.T) {
	svc, store, _ := newTestService(t0)
	ctx := context.Background()

	const workers = 16
	const iterations = 200
	var (
		wg         sync.WaitGroup
		violations int64
		mu         sync.Mutex
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < iterations; i++ {
				at := t0.Add(time.Duration(i) * time.Second)
				switch (w + i) % 5 {
				case 0:
					_, _ = svc.Clear(ctx, Clear{TenantID: "t1", DeviceID: "r1", Fault: FaultCPU, ObservedAt: at})
				default:
					_, err := svc.Observe(ctx, cpuSignal(at, 90, SeverityWarning))
					if err != nil {
						t.Errorf("observe: %v", err)
						return
					}
				}
				if store.ActiveCount("t1", "r1:cpu") > 1 {
					mu.Lock()
					violations++
					mu.Unlock()
				}
			}
		}(w)
	}
	wg.Wait()

	assert.Zero(t, violations)
	assert.LessOrEqual(t, store.ActiveCount("t1", "r1:cpu"), 1)

	history, err := svc.History(ctx, "t1", "r1:cpu")
	require.NoError(t, err)
	active := 0
	for _, inc := range history {
		if inc.ResolvedAt == nil {
			active++
		}
	}
	assert.LessOrEqual(t, active, 1)
}

func TestDedupInvariant_ConcurrentFirstSignalsOpenOnce(t *testing.T) {
	svc, store, n := newTestService(t0)
	ctx := context.Background()

	ids := make(chan string, 64)
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			inc, err := svc.Observe(ctx, cpuSignal(t0.Add(time.Duration(i)*time.Millisecond), 90, SeverityWarning))
			if err != nil {
				t.Errorf("observe: %v", err)
				return
			}
			ids <- inc.ID
		}(i)
	}
	wg.Wait()
	close(ids)

	seen := map[string]struct{}{}
	for id := range ids {
		seen[id] = struct{}{}
	}
	assert.Len(t, seen, 1)
	assert.Equal(t, 1, store.ActiveCount("t1", "r1:cpu"))
	assert.Equal(t, []EventKind{EventOpened}, n.events)
}

func snapshotAt(at time.Time, cpu int, ifaces ...device.Interface) *device.Snapshot {
	return &device.Snapshot{
		DeviceID:   "r1",
		ObservedAt: at,
		RoundTrip:  20 * time.Millisecond,
		Resources:  device.Resources{CPULoad: cpu, MemoryTotal: 1000, MemoryFree: 800},
		Interfaces: ifaces,
	}
}

func faultsOf(signals []Signal) []string {
	var out []string
	for _, s := range signals {
		out = append(out, s.DedupKey())
	}
	return out
}

func TestClassifier_Thresholds(t *testing.T) {
	c := NewClassifier(DefaultThresholds())

	ev := c.Classify("t1", snapshotAt(t0, 50))
	assert.Empty(t, ev.Breaches)
	var cleared []FaultType
	for _, cl := range ev.Clears {
		cleared = append(cleared, cl.Fault)
	}
	assert.ElementsMatch(t, []FaultType{FaultOffline, FaultCPU, FaultMemory, FaultLatency}, cleared)

	ev = c.Classify("t1", snapshotAt(t0, 90))
	require.Len(t, ev.Breaches, 1)
	assert.Equal(t, SeverityWarning, ev.Breaches[0].Severity)
	assert.Equal(t, 85.0, *ev.Breaches[0].Threshold)

	ev = c.Classify("t1", snapshotAt(t0, 99))
	require.Len(t, ev.Breaches, 1)
	assert.Equal(t, SeverityCritical, ev.Breaches[0].Severity)
	assert.Equal(t, 95.0, *ev.Breaches[0].Threshold)

	slow := snapshotAt(t0, 10)
	slow.RoundTrip = 600 * time.Millisecond
	slow.Resources.MemoryFree = 50
	slow.Health = []device.HealthReading{{Name: "cpu-temperature", Value: 80, Unit: "C"}}
	ev = c.Classify("t1", slow)
	assert.ElementsMatch(t, []string{"r1:latency", "r1:memory", "r1:temperature"}, faultsOf(ev.Breaches))
	for _, b := range ev.Breaches {
		if b.Fault == FaultLatency {
			assert.Equal(t, SeverityCritical, b.Severity)
		}
	}
}

func TestClassifier_InterfaceDownAndFlap(t *testing.T) {
	c := NewClassifier(DefaultThresholds())

	ether := device.Interface{Name: "ether1", Type: "ether", Running: true, LinkDowns: 10}
	session := device.Interface{Name: "<pppoe-alice>", Type: "pppoe-in", Dynamic: true, Running: false}
	spare := device.Interface{Name: "ether5", Type: "ether", Disabled: true}

	ev := c.Classify("t1", snapshotAt(t0, 10, ether, session, spare))
	assert.Empty(t, ev.Breaches, "first observation never flaps, dynamic and disabled interfaces are ignored")

	ether.LinkDowns = 14
	ether.Running = false
	ev = c.Classify("t1", snapshotAt(t0.Add(time.Minute), 10, ether, session, spare))
	assert.ElementsMatch(t, []string{"r1:interface_down:ether1", "r1:interface_flap:ether1"}, faultsOf(ev.Breaches))

	ether.Running = true
	ev = c.Classify("t1", snapshotAt(t0.Add(2*time.Minute), 10, ether))
	assert.Empty(t, ev.Breaches)
	var cleared []string
	for _, cl := range ev.Clears {
		cleared = append(cleared, cl.DedupKey())
	}
	assert.Contains(t, cleared, "r1:interface_flap:ether1")
	assert.Contains(t, cleared, "r1:interface_down:ether1")

	// A counter reset after reboot is not a flap.
	ether.LinkDowns = 0
	ev = c.Classify("t1", snapshotAt(t0.Add(3*time.Minute), 10, ether))
	assert.Empty(t, ev.Breaches)
}

func TestOffline_CarriesCause(t *testing.T) {
	sig := Offline("t1", "r1", fmt.Errorf("dial tcp: i/o timeout"), t0)
	assert.Equal(t, FaultOffline, sig.Fault)
	assert.Equal(t, SeverityCritical, sig.Severity)
	assert.Equal(t, "r1:offline", sig.DedupKey())
	assert.Contains(t, sig.Message, "i/o timeout")
}
