package syncworker

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"accessgrid/core-go/internal/device"
	"accessgrid/core-go/internal/incident"
	"accessgrid/core-go/internal/metrics"
	"accessgrid/core-go/internal/reconcile"
	"accessgrid/core-go/internal/sqlcgen"
)

type fakeQueries struct {
	mu      sync.Mutex
	devices map[string]sqlcgen.Device
	listErr error
	online  []sqlcgen.MarkDeviceOnlineParams
	offline []sqlcgen.MarkDeviceOfflineParams
	samples []sqlcgen.InsertMetricSampleParams
}

func newFakeQueries(devices ...sqlcgen.Device) *fakeQueries {
	q := &fakeQueries{devices: map[string]sqlcgen.Device{}}
	for _, d := range devices {
		q.devices[d.ID] = d
	}
	return q
}

func (f *fakeQueries) ListEnabledDevices(_ context.Context) ([]sqlcgen.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []sqlcgen.Device
	for _, d := range f.devices {
		if d.Enabled {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeQueries) GetDevice(_ context.Context, id string) (sqlcgen.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.devices[id]
	if !ok {
		return sqlcgen.Device{}, pgx.ErrNoRows
	}
	return d, nil
}

func (f *fakeQueries) MarkDeviceOnline(_ context.Context, arg sqlcgen.MarkDeviceOnlineParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.online = append(f.online, arg)
	return nil
}

func (f *fakeQueries) MarkDeviceOffline(_ context.Context, arg sqlcgen.MarkDeviceOfflineParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offline = append(f.offline, arg)
	return nil
}

func (f *fakeQueries) InsertMetricSample(_ context.Context, arg sqlcgen.InsertMetricSampleParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.samples = append(f.samples, arg)
	return nil
}

func (f *fakeQueries) counts() (online, offline, samples int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.online), len(f.offline), len(f.samples)
}

type fakeFetcher struct {
	mu    sync.Mutex
	fn    func(ctx context.Context, t device.Target) (*device.Snapshot, error)
	calls map[string]int
}

func (f *fakeFetcher) FetchSnapshot(ctx context.Context, t device.Target) (*device.Snapshot, error) {
	f.mu.Lock()
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[t.ID]++
	fn := f.fn
	f.mu.Unlock()
	return fn(ctx, t)
}

func (f *fakeFetcher) callsFor(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

type fakeAccounts struct {
	mu      sync.Mutex
	runs    []reconcile.Mode
	removed []string
	targets []device.Target
}

func (f *fakeAccounts) Run(_ context.Context, t device.Target, _ *device.Snapshot, mode reconcile.Mode) (reconcile.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, mode)
	f.targets = append(f.targets, t)
	return reconcile.Result{Mode: mode}, nil
}

func (f *fakeAccounts) RemoveAccount(_ context.Context, t device.Target, accountID string) (reconcile.OpResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, accountID)
	f.targets = append(f.targets, t)
	return reconcile.OpResult{AccountID: accountID, Op: string(device.OpRemove)}, nil
}

func (f *fakeAccounts) modes() []reconcile.Mode {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]reconcile.Mode(nil), f.runs...)
}

type harness struct {
	w       *Worker
	q       *fakeQueries
	f       *fakeFetcher
	acc     *fakeAccounts
	store   *incident.MemoryStore
	service *incident.Service
}

func newHarness(t *testing.T, q *fakeQueries, fn func(ctx context.Context, t device.Target) (*device.Snapshot, error), opts Options) *harness {
	t.Helper()
	store := incident.NewMemoryStore()
	svc := incident.NewService(zerolog.Nop(), store, incident.Options{})
	f := &fakeFetcher{fn: fn}
	acc := &fakeAccounts{}
	w := New(zerolog.Nop(), q, Deps{
		Fetcher:   f,
		Accounts:  acc,
		Incidents: svc,
	}, opts)
	return &harness{w: w, q: q, f: f, acc: acc, store: store, service: svc}
}

func router(id string) sqlcgen.Device {
	return sqlcgen.Device{ID: id, TenantID: "t1", Name: id, Host: "192.0.2.1", Port: 22, Username: "admin", Password: "pw", Enabled: true}
}

func healthy(at time.Time, cpu int, rx uint64) *device.Snapshot {
	return &device.Snapshot{
		ObservedAt: at,
		RoundTrip:  5 * time.Millisecond,
		Resources:  device.Resources{CPULoad: cpu, MemoryTotal: 1000, MemoryFree: 600, Uptime: time.Hour},
		Interfaces: []device.Interface{{Name: "ether1", Type: "ether", Running: true, RxBytes: rx, TxBytes: rx / 2}},
	}
}

func hang(ctx context.Context, _ device.Target) (*device.Snapshot, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestFetchTimeoutRaisesExactlyOneOfflineIncident(t *testing.T) {
	q := newFakeQueries(router("r1"))
	h := newHarness(t, q, hang, Options{DeviceTimeout: 20 * time.Millisecond})

	sum, err := h.w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if sum.Offline != 1 || sum.Online != 0 {
		t.Fatalf("summary=%+v", sum)
	}

	online, offline, samples := q.counts()
	if samples != 0 {
		t.Fatalf("metric samples written for an unreachable device: %d", samples)
	}
	if online != 0 || offline != 1 {
		t.Fatalf("online=%d offline=%d", online, offline)
	}
	if got := h.acc.modes(); len(got) != 0 {
		t.Fatalf("accounts touched while offline: %v", got)
	}
	if n := h.store.ActiveCount("t1", "r1:offline"); n != 1 {
		t.Fatalf("active offline incidents=%d want 1", n)
	}

	// A second failing tick refreshes the same incident.
	if _, err := h.w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	hist, err := h.service.History(context.Background(), "t1", "r1:offline")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist) != 1 || hist[0].ResolvedAt != nil {
		t.Fatalf("history=%+v", hist)
	}
}

func TestSuccessfulPassRecordsStatusSampleRatesAndReconciles(t *testing.T) {
	base := time.Now().Add(-time.Minute).Truncate(time.Second)
	var mu sync.Mutex
	tick := 0
	fetch := func(_ context.Context, _ device.Target) (*device.Snapshot, error) {
		mu.Lock()
		defer mu.Unlock()
		snap := healthy(base.Add(time.Duration(tick)*10*time.Second), 20, uint64(tick)*12500)
		tick++
		return snap, nil
	}
	q := newFakeQueries(router("r1"))
	h := newHarness(t, q, fetch, Options{})

	for i := 0; i < 2; i++ {
		if _, err := h.w.RunOnce(context.Background()); err != nil {
			t.Fatalf("RunOnce: %v", err)
		}
	}

	online, offline, samples := q.counts()
	if online != 2 || offline != 0 || samples != 2 {
		t.Fatalf("online=%d offline=%d samples=%d", online, offline, samples)
	}
	if q.samples[1].CPULoad != 20 || q.samples[1].UptimeSeconds != 3600 || q.samples[1].MemoryFree != 600 {
		t.Fatalf("sample=%+v", q.samples[1])
	}
	if q.online[0].LatencyMS != 5 {
		t.Fatalf("latency=%d", q.online[0].LatencyMS)
	}

	cur, ok := h.w.Rates().Current("r1", "ether1")
	if !ok || cur.RxBps == nil || *cur.RxBps != 10000 {
		t.Fatalf("rate=%+v ok=%v", cur, ok)
	}
	if cur.TxBps == nil || *cur.TxBps != 5000 {
		t.Fatalf("tx rate=%+v", cur.TxBps)
	}

	modes := h.acc.modes()
	if len(modes) != 2 || modes[0] != reconcile.ModeReconcile {
		t.Fatalf("modes=%v want reconcile-only on scheduled passes", modes)
	}
}

func TestSubscriberInterfacesStayOutOfRateGauge(t *testing.T) {
	base := time.Now().Add(-time.Minute).Truncate(time.Second)
	var mu sync.Mutex
	tick := 0
	fetch := func(_ context.Context, _ device.Target) (*device.Snapshot, error) {
		mu.Lock()
		defer mu.Unlock()
		snap := healthy(base.Add(time.Duration(tick)*10*time.Second), 20, uint64(tick)*12500)
		snap.Interfaces = append(snap.Interfaces, device.Interface{
			Name: "<pppoe-alice>", Type: "pppoe-in", Running: true, Dynamic: true,
			RxBytes: uint64(tick) * 2500, TxBytes: uint64(tick) * 2500,
		})
		tick++
		return snap, nil
	}
	m := metrics.New()
	h := newHarness(t, newFakeQueries(router("r1")), fetch, Options{Metrics: m})

	for i := 0; i < 2; i++ {
		if _, err := h.w.RunOnce(context.Background()); err != nil {
			t.Fatalf("RunOnce: %v", err)
		}
	}

	cur, ok := h.w.Rates().Current("r1", "<pppoe-alice>")
	if !ok || cur.RxBps == nil || *cur.RxBps != 2000 {
		t.Fatalf("subscriber rate=%+v ok=%v", cur, ok)
	}

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rr.Body.String()
	if !strings.Contains(body, `accessgrid_interface_bits_per_second{device_id="r1",direction="rx",interface="ether1"} 10000`) {
		t.Fatalf("expected ether1 gauge in scrape; body=%s", body)
	}
	if strings.Contains(body, "pppoe-alice") {
		t.Fatalf("dynamic interface exported as a gauge series; body=%s", body)
	}
}

func TestScheduledPassAppliesWhenAutoApply(t *testing.T) {
	q := newFakeQueries(router("r1"))
	h := newHarness(t, q, func(context.Context, device.Target) (*device.Snapshot, error) {
		return healthy(time.Now(), 10, 0), nil
	}, Options{AutoApply: true})

	if _, err := h.w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if modes := h.acc.modes(); len(modes) != 1 || modes[0] != reconcile.ModeApply {
		t.Fatalf("modes=%v", modes)
	}
}

func TestRecoveryResolvesOfflineIncident(t *testing.T) {
	var mu sync.Mutex
	down := true
	fetch := func(_ context.Context, t device.Target) (*device.Snapshot, error) {
		mu.Lock()
		defer mu.Unlock()
		if down {
			return nil, &device.TransportError{Kind: device.KindUnreachable, DeviceID: t.ID, Err: errors.New("no route to host")}
		}
		return healthy(time.Now(), 10, 0), nil
	}
	q := newFakeQueries(router("r1"))
	h := newHarness(t, q, fetch, Options{})
	ctx := context.Background()

	if _, err := h.w.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	mu.Lock()
	down = false
	mu.Unlock()

	rep, err := h.w.ManualTrigger(ctx, "r1", TriggerReconcile)
	if err != nil {
		t.Fatalf("ManualTrigger: %v", err)
	}
	if !rep.Online || rep.Cleared != 1 {
		t.Fatalf("report=%+v", rep)
	}
	if n := h.store.ActiveCount("t1", "r1:offline"); n != 0 {
		t.Fatalf("offline incident still active")
	}
	hist, _ := h.service.History(ctx, "t1", "r1:offline")
	if len(hist) != 1 || hist[0].ResolvedAt == nil {
		t.Fatalf("history=%+v", hist)
	}
}

func TestMaintenanceSuppressesBreachesButStillClears(t *testing.T) {
	until := time.Now().Add(time.Hour)
	d := router("r1")
	d.MaintenanceUntil = &until

	var mu sync.Mutex
	cpu := 99
	fetch := func(context.Context, device.Target) (*device.Snapshot, error) {
		mu.Lock()
		defer mu.Unlock()
		return healthy(time.Now(), cpu, 0), nil
	}
	q := newFakeQueries(d)
	h := newHarness(t, q, fetch, Options{})
	ctx := context.Background()

	rep, err := h.w.ManualTrigger(ctx, "r1", TriggerReconcile)
	if err != nil {
		t.Fatalf("ManualTrigger: %v", err)
	}
	if rep.Suppressed != 1 || rep.Breaches != 0 {
		t.Fatalf("report=%+v", rep)
	}
	if n := h.store.ActiveCount("t1", "r1:cpu"); n != 0 {
		t.Fatalf("cpu incident opened during maintenance")
	}

	// An incident opened before the window still resolves inside it.
	if _, err := h.service.Observe(ctx, incident.Signal{
		TenantID: "t1", DeviceID: "r1", Fault: incident.FaultCPU, ObservedAt: time.Now(),
	}); err != nil {
		t.Fatalf("Observe: %v", err)
	}
	mu.Lock()
	cpu = 5
	mu.Unlock()
	rep, err = h.w.ManualTrigger(ctx, "r1", TriggerReconcile)
	if err != nil {
		t.Fatalf("ManualTrigger: %v", err)
	}
	if rep.Cleared != 1 || h.store.ActiveCount("t1", "r1:cpu") != 0 {
		t.Fatalf("report=%+v", rep)
	}
}

func TestMaintenanceSuppressesOfflineIncident(t *testing.T) {
	until := time.Now().Add(time.Hour)
	d := router("r1")
	d.MaintenanceUntil = &until
	q := newFakeQueries(d)
	h := newHarness(t, q, hang, Options{DeviceTimeout: 10 * time.Millisecond})

	if _, err := h.w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if _, offline, _ := q.counts(); offline != 1 {
		t.Fatalf("device status not recorded")
	}
	if n := h.store.ActiveCount("t1", "r1:offline"); n != 0 {
		t.Fatalf("offline incident opened during maintenance")
	}
}

func TestManualTestOnlyUpdatesStatus(t *testing.T) {
	q := newFakeQueries(router("r1"))
	h := newHarness(t, q, func(context.Context, device.Target) (*device.Snapshot, error) {
		return healthy(time.Now(), 99, 0), nil
	}, Options{})

	rep, err := h.w.ManualTrigger(context.Background(), "r1", TriggerTest)
	if err != nil {
		t.Fatalf("ManualTrigger: %v", err)
	}
	if !rep.Online || rep.Reconcile != nil || rep.Breaches != 0 {
		t.Fatalf("report=%+v", rep)
	}
	online, _, samples := q.counts()
	if online != 1 || samples != 0 {
		t.Fatalf("online=%d samples=%d", online, samples)
	}
	if len(h.acc.modes()) != 0 {
		t.Fatalf("test trigger reconciled accounts")
	}
}

func TestManualTestTracksOfflineIncident(t *testing.T) {
	var mu sync.Mutex
	down := true
	fetch := func(_ context.Context, t device.Target) (*device.Snapshot, error) {
		mu.Lock()
		defer mu.Unlock()
		if down {
			return nil, &device.TransportError{Kind: device.KindAuth, DeviceID: t.ID, Err: errors.New("permission denied")}
		}
		return healthy(time.Now(), 99, 0), nil
	}
	q := newFakeQueries(router("r1"))
	h := newHarness(t, q, fetch, Options{})
	ctx := context.Background()

	rep, err := h.w.ManualTrigger(ctx, "r1", TriggerTest)
	if err != nil {
		t.Fatalf("ManualTrigger: %v", err)
	}
	if !rep.Offline || rep.Breaches != 1 {
		t.Fatalf("report=%+v", rep)
	}
	if n := h.store.ActiveCount("t1", "r1:offline"); n != 1 {
		t.Fatalf("active offline incidents=%d want 1", n)
	}

	mu.Lock()
	down = false
	mu.Unlock()

	rep, err = h.w.ManualTrigger(ctx, "r1", TriggerTest)
	if err != nil {
		t.Fatalf("ManualTrigger: %v", err)
	}
	// Only reachability is judged; the high cpu reading raises nothing.
	if !rep.Online || rep.Cleared != 1 || rep.Breaches != 0 {
		t.Fatalf("report=%+v", rep)
	}
	if n := h.store.ActiveCount("t1", "r1:offline"); n != 0 {
		t.Fatalf("offline incident still active")
	}
}

func TestManualApplyUsesApplyMode(t *testing.T) {
	q := newFakeQueries(router("r1"))
	h := newHarness(t, q, func(context.Context, device.Target) (*device.Snapshot, error) {
		return healthy(time.Now(), 10, 0), nil
	}, Options{})

	rep, err := h.w.ManualTrigger(context.Background(), "r1", TriggerApply)
	if err != nil {
		t.Fatalf("ManualTrigger: %v", err)
	}
	if rep.Reconcile == nil || rep.Reconcile.Mode != reconcile.ModeApply {
		t.Fatalf("report=%+v", rep)
	}
	if h.acc.targets[0].Password != "pw" || h.acc.targets[0].Port != 22 {
		t.Fatalf("target=%+v", h.acc.targets[0])
	}
}

func TestManualTriggerErrors(t *testing.T) {
	disabled := router("r2")
	disabled.Enabled = false
	q := newFakeQueries(router("r1"), disabled)
	h := newHarness(t, q, hang, Options{})
	ctx := context.Background()

	if _, err := h.w.ManualTrigger(ctx, "missing", TriggerTest); !errors.Is(err, ErrDeviceNotFound) {
		t.Fatalf("err=%v want ErrDeviceNotFound", err)
	}
	if _, err := h.w.ManualTrigger(ctx, "r2", TriggerTest); !errors.Is(err, ErrDeviceDisabled) {
		t.Fatalf("err=%v want ErrDeviceDisabled", err)
	}
	if _, err := h.w.ManualTrigger(ctx, "r1", TriggerScheduled); !errors.Is(err, ErrUnknownTrigger) {
		t.Fatalf("err=%v want ErrUnknownTrigger", err)
	}
	if _, err := ParseTrigger("reboot"); !errors.Is(err, ErrUnknownTrigger) {
		t.Fatalf("err=%v", err)
	}
}

func TestManualTriggerIsTimeBoxedWhileDeviceBusy(t *testing.T) {
	q := newFakeQueries(router("r1"))
	h := newHarness(t, q, hang, Options{ManualTimeout: 30 * time.Millisecond})

	unlock, ok := h.w.tryLock("r1")
	if !ok {
		t.Fatalf("tryLock failed")
	}
	defer unlock()

	start := time.Now()
	_, err := h.w.ManualTrigger(context.Background(), "r1", TriggerApply)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err=%v want deadline exceeded", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("manual trigger was not time-boxed")
	}
}

func TestScheduledPassSkipsBusyDevice(t *testing.T) {
	q := newFakeQueries(router("r1"))
	h := newHarness(t, q, hang, Options{})

	unlock, _ := h.w.tryLock("r1")
	sum, err := h.w.RunOnce(context.Background())
	unlock()
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if sum.Skipped != 1 || h.f.callsFor("r1") != 0 {
		t.Fatalf("summary=%+v calls=%d", sum, h.f.callsFor("r1"))
	}
}

func TestSlowDeviceDoesNotBlockOthers(t *testing.T) {
	q := newFakeQueries(router("r1"), router("r2"), router("r3"))
	h := newHarness(t, q, func(ctx context.Context, tg device.Target) (*device.Snapshot, error) {
		if tg.ID == "r1" {
			return hang(ctx, tg)
		}
		return healthy(time.Now(), 10, 0), nil
	}, Options{Workers: 3, DeviceTimeout: 200 * time.Millisecond})

	start := time.Now()
	sum, err := h.w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if sum.Online != 2 || sum.Offline != 1 {
		t.Fatalf("summary=%+v", sum)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("pass took %s", time.Since(start))
	}
}

func TestListFailureIsReported(t *testing.T) {
	q := newFakeQueries()
	q.listErr = errors.New("db down")
	h := newHarness(t, q, hang, Options{})
	if _, err := h.w.RunOnce(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
}

func TestRemoveAccountDelegatesWithDecryptedTarget(t *testing.T) {
	q := newFakeQueries(router("r1"))
	h := newHarness(t, q, hang, Options{})

	res, err := h.w.RemoveAccount(context.Background(), "r1", "acc-1")
	if err != nil {
		t.Fatalf("RemoveAccount: %v", err)
	}
	if res.AccountID != "acc-1" || len(h.acc.removed) != 1 || h.acc.targets[0].ID != "r1" {
		t.Fatalf("res=%+v removed=%v", res, h.acc.removed)
	}
	if _, err := h.w.RemoveAccount(context.Background(), "nope", "acc-1"); !errors.Is(err, ErrDeviceNotFound) {
		t.Fatalf("err=%v", err)
	}
}

func TestDisabledDeviceStateIsForgotten(t *testing.T) {
	q := newFakeQueries(router("r1"))
	h := newHarness(t, q, func(context.Context, device.Target) (*device.Snapshot, error) {
		return healthy(time.Now(), 10, 100), nil
	}, Options{})
	ctx := context.Background()

	if _, err := h.w.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(h.w.Rates().Device("r1")) == 0 {
		t.Fatalf("expected tracked interfaces")
	}

	q.mu.Lock()
	d := q.devices["r1"]
	d.Enabled = false
	q.devices["r1"] = d
	q.mu.Unlock()

	if _, err := h.w.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if got := h.w.Rates().Device("r1"); len(got) != 0 {
		t.Fatalf("rates not forgotten: %+v", got)
	}
}

func TestBackoffDuration(t *testing.T) {
	cases := []struct {
		interval time.Duration
		failures int
		want     time.Duration
	}{
		{time.Minute, 0, time.Minute},
		{time.Minute, 1, time.Second},
		{time.Minute, 3, 4 * time.Second},
		{time.Minute, 20, 32 * time.Second},
		{5 * time.Second, 6, 5 * time.Second},
	}
	for _, tc := range cases {
		if got := backoffDuration(tc.interval, tc.failures); got != tc.want {
			t.Fatalf("backoffDuration(%s, %d)=%s want %s", tc.interval, tc.failures, got, tc.want)
		}
	}
}
