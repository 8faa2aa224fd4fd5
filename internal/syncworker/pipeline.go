package syncworker

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog"

	"accessgrid/core-go/internal/device"
	"accessgrid/core-go/internal/incident"
	"accessgrid/core-go/internal/rate"
	"accessgrid/core-go/internal/reconcile"
	"accessgrid/core-go/internal/sqlcgen"
)

// Report describes one pass over one device.
type Report struct {
	DeviceID   string    `json:"device_id"`
	Trigger    Trigger   `json:"trigger"`
	Online     bool      `json:"online"`
	Offline    bool      `json:"offline"`
	Error      string    `json:"error,omitempty"`
	LatencyMS  int64     `json:"latency_ms,omitempty"`
	ObservedAt time.Time `json:"observed_at"`
	Breaches   int       `json:"breaches"`
	Cleared    int       `json:"cleared"`
	// Suppressed counts breaches ignored because of a maintenance window.
	Suppressed int               `json:"suppressed"`
	Reconcile  *reconcile.Result `json:"reconcile,omitempty"`
}

// pass runs the pipeline for one device. The caller holds the device lock.
func (w *Worker) pass(ctx context.Context, d sqlcgen.Device, trig Trigger) Report {
	start := w.opts.Now()
	rep := Report{DeviceID: d.ID, Trigger: trig, ObservedAt: start}
	log := w.log.With().Str("device_id", d.ID).Str("trigger", string(trig)).Logger()

	result := "error"
	defer func() {
		w.opts.Metrics.ObserveDevicePass(string(trig), result, w.opts.Now().Sub(start))
	}()

	target, err := w.target(d)
	if err != nil {
		log.Error().Err(err).Msg("cannot build device target")
		rep.Error = err.Error()
		return rep
	}

	fetchCtx, cancel := context.WithTimeout(ctx, w.opts.DeviceTimeout)
	snap, err := w.deps.Fetcher.FetchSnapshot(fetchCtx, target)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			// Shutdown or an expired manual request, not a device fault.
			rep.Error = ctx.Err().Error()
			return rep
		}
		err = device.WrapTransport(d.ID, "fetch", err)
		rep.Offline = true
		rep.Error = err.Error()
		result = "offline"
		w.offline(ctx, log, d, err, &rep)
		return rep
	}
	if snap.ObservedAt.IsZero() {
		snap.ObservedAt = w.opts.Now()
	}
	snap.DeviceID = d.ID
	rep.Online = true
	rep.ObservedAt = snap.ObservedAt
	rep.LatencyMS = snap.RoundTrip.Milliseconds()
	result = "online"

	w.markOnline(ctx, log, d, snap)
	if trig == TriggerTest {
		w.clearOffline(ctx, log, d, snap, &rep)
		return rep
	}

	w.recordSample(ctx, log, d, snap)
	w.observeRates(d.ID, snap)
	w.classify(ctx, log, d, snap, &rep)

	mode := reconcile.ModeReconcile
	if trig == TriggerApply || (trig == TriggerScheduled && w.opts.AutoApply) {
		mode = reconcile.ModeApply
	}
	if w.deps.Accounts != nil {
		res, err := w.deps.Accounts.Run(ctx, target, snap, mode)
		rep.Reconcile = &res
		if err != nil {
			log.Error().Err(err).Str("mode", string(mode)).Msg("account reconciliation failed")
			rep.Error = err.Error()
		} else {
			log.Debug().
				Str("mode", string(mode)).
				Int("accounts", res.Accounts).
				Int("pending", res.Pending).
				Int("applied", len(res.Applied)).
				Int("failed", len(res.Failed)).
				Int("rejected", len(res.Rejected)).
				Msg("accounts reconciled")
		}
	}
	return rep
}

// offline handles a failed fetch: the device is marked offline and, outside a
// maintenance window, exactly one offline signal is raised. No metric sample is
// written and account sync state is left alone.
func (w *Worker) offline(ctx context.Context, log zerolog.Logger, d sqlcgen.Device, cause error, rep *Report) {
	log.Warn().Err(cause).Msg("device unreachable")

	if err := w.withStore(ctx, func(ctx context.Context) error {
		return w.q.MarkDeviceOffline(ctx, sqlcgen.MarkDeviceOfflineParams{ID: d.ID, LastError: cause.Error()})
	}); err != nil {
		log.Error().Err(err).Msg("failed to record device offline")
	}

	if w.deps.Incidents == nil {
		return
	}
	now := w.opts.Now()
	if d.InMaintenance(now) {
		rep.Suppressed++
		return
	}
	rep.Breaches++
	if err := w.withStore(ctx, func(ctx context.Context) error {
		_, err := w.deps.Incidents.Observe(ctx, incident.Offline(d.TenantID, d.ID, cause, now))
		return err
	}); err != nil {
		log.Error().Err(err).Msg("failed to record offline incident")
	}
}

// clearOffline resolves the offline incident after a successful test trigger,
// which checks reachability only.
func (w *Worker) clearOffline(ctx context.Context, log zerolog.Logger, d sqlcgen.Device, snap *device.Snapshot, rep *Report) {
	if w.deps.Incidents == nil {
		return
	}
	c := incident.Clear{TenantID: d.TenantID, DeviceID: d.ID, Fault: incident.FaultOffline, ObservedAt: snap.ObservedAt}
	var cleared bool
	if err := w.withStore(ctx, func(ctx context.Context) error {
		var err error
		cleared, err = w.deps.Incidents.Clear(ctx, c)
		return err
	}); err != nil {
		log.Error().Err(err).Str("dedup_key", c.DedupKey()).Msg("failed to resolve incident")
		return
	}
	if cleared {
		rep.Cleared++
	}
}

func (w *Worker) markOnline(ctx context.Context, log zerolog.Logger, d sqlcgen.Device, snap *device.Snapshot) {
	if err := w.withStore(ctx, func(ctx context.Context) error {
		return w.q.MarkDeviceOnline(ctx, sqlcgen.MarkDeviceOnlineParams{
			ID:        d.ID,
			LatencyMS: int32(snap.RoundTrip.Milliseconds()),
			SeenAt:    snap.ObservedAt,
		})
	}); err != nil {
		log.Error().Err(err).Msg("failed to record device online")
	}
}

func (w *Worker) recordSample(ctx context.Context, log zerolog.Logger, d sqlcgen.Device, snap *device.Snapshot) {
	res := snap.Resources
	if err := w.withStore(ctx, func(ctx context.Context) error {
		return w.q.InsertMetricSample(ctx, sqlcgen.InsertMetricSampleParams{
			DeviceID:      d.ID,
			CPULoad:       int16(res.CPULoad),
			MemoryTotal:   clampInt64(res.MemoryTotal),
			MemoryFree:    clampInt64(res.MemoryFree),
			DiskTotal:     clampInt64(res.DiskTotal),
			DiskFree:      clampInt64(res.DiskFree),
			UptimeSeconds: int64(res.Uptime / time.Second),
			ObservedAt:    snap.ObservedAt,
		})
	}); err != nil {
		log.Error().Err(err).Msg("failed to write metric sample")
	}
}

// observeRates feeds every interface into the rate store. Dynamic interfaces
// (one pppoe-in per subscriber session) stay out of the Prometheus gauge.
func (w *Worker) observeRates(deviceID string, snap *device.Snapshot) {
	for _, ifc := range snap.Interfaces {
		for _, c := range []struct {
			dir   rate.Direction
			value uint64
		}{
			{rate.RX, ifc.RxBytes},
			{rate.TX, ifc.TxBytes},
		} {
			bps, ok := w.deps.Rates.Observe(
				rate.Key{DeviceID: deviceID, Interface: ifc.Name, Direction: c.dir},
				rate.Sample{Value: c.value, ObservedAt: snap.ObservedAt},
			)
			if !ifc.Dynamic {
				w.opts.Metrics.SetInterfaceRate(deviceID, ifc.Name, string(c.dir), bps, ok)
			}
		}
	}
}

// classify feeds breaches and clears to the incident service. During a
// maintenance window breaches are dropped but clears still resolve.
func (w *Worker) classify(ctx context.Context, log zerolog.Logger, d sqlcgen.Device, snap *device.Snapshot, rep *Report) {
	if w.deps.Incidents == nil {
		return
	}
	ev := w.deps.Classifier.Classify(d.TenantID, snap)
	inMaintenance := d.InMaintenance(w.opts.Now())

	for _, sig := range ev.Breaches {
		if inMaintenance {
			rep.Suppressed++
			continue
		}
		rep.Breaches++
		if err := w.withStore(ctx, func(ctx context.Context) error {
			_, err := w.deps.Incidents.Observe(ctx, sig)
			return err
		}); err != nil {
			log.Error().Err(err).Str("dedup_key", sig.DedupKey()).Msg("failed to record incident")
		}
	}
	for _, c := range ev.Clears {
		var cleared bool
		if err := w.withStore(ctx, func(ctx context.Context) error {
			var err error
			cleared, err = w.deps.Incidents.Clear(ctx, c)
			return err
		}); err != nil {
			log.Error().Err(err).Str("dedup_key", c.DedupKey()).Msg("failed to resolve incident")
			continue
		}
		if cleared {
			rep.Cleared++
		}
	}
}

func clampInt64(v uint64) int64 {
	if v > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(v)
}
