// Package syncworker runs the per-device control loop: fetch a snapshot,
// record status and metrics, feed the rate store, classify health into
// incidents and reconcile PPPoE accounts. Scheduled ticks and operator
// triggers share the same pipeline.
package syncworker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"accessgrid/core-go/internal/device"
	"accessgrid/core-go/internal/incident"
	"accessgrid/core-go/internal/metrics"
	"accessgrid/core-go/internal/rate"
	"accessgrid/core-go/internal/reconcile"
	"accessgrid/core-go/internal/secrets"
	"accessgrid/core-go/internal/sqlcgen"
)

var (
	ErrDeviceNotFound = errors.New("device not found")
	ErrDeviceDisabled = errors.New("device is disabled")
	ErrUnknownTrigger = errors.New("unknown trigger")
)

// Queries is the minimal DB interface the worker needs. *sqlcgen.Queries
// satisfies it.
type Queries interface {
	ListEnabledDevices(ctx context.Context) ([]sqlcgen.Device, error)
	GetDevice(ctx context.Context, id string) (sqlcgen.Device, error)
	MarkDeviceOnline(ctx context.Context, arg sqlcgen.MarkDeviceOnlineParams) error
	MarkDeviceOffline(ctx context.Context, arg sqlcgen.MarkDeviceOfflineParams) error
	InsertMetricSample(ctx context.Context, arg sqlcgen.InsertMetricSampleParams) error
}

// Incidents receives classified signals. *incident.Service satisfies it.
type Incidents interface {
	Observe(ctx context.Context, sig incident.Signal) (sqlcgen.Incident, error)
	Clear(ctx context.Context, c incident.Clear) (bool, error)
}

// Accounts reconciles PPPoE secrets. *reconcile.Reconciler satisfies it.
type Accounts interface {
	Run(ctx context.Context, target device.Target, snap *device.Snapshot, mode reconcile.Mode) (reconcile.Result, error)
	RemoveAccount(ctx context.Context, target device.Target, accountID string) (reconcile.OpResult, error)
}

type Trigger string

const (
	TriggerScheduled Trigger = "scheduled"
	TriggerTest      Trigger = "test"
	TriggerApply     Trigger = "apply"
	TriggerReconcile Trigger = "reconcile"
)

// ParseTrigger accepts the operator trigger names test, apply and reconcile.
func ParseTrigger(s string) (Trigger, error) {
	switch t := Trigger(s); t {
	case TriggerTest, TriggerApply, TriggerReconcile:
		return t, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownTrigger, s)
}

type Deps struct {
	Fetcher    device.Fetcher
	Accounts   Accounts
	Incidents  Incidents
	Classifier *incident.Classifier
	Rates      *rate.Store
	Box        *secrets.Box
}

type Options struct {
	Interval      time.Duration
	Workers       int
	DeviceTimeout time.Duration
	StoreTimeout  time.Duration
	ManualTimeout time.Duration
	// AutoApply makes scheduled passes push corrective ops instead of only
	// refreshing sync state.
	AutoApply bool
	Metrics   *metrics.Metrics
	Now       func() time.Time
}

type Worker struct {
	log  zerolog.Logger
	q    Queries
	deps Deps
	opts Options

	locks sync.Map // device id -> chan struct{}

	mu    sync.Mutex
	known map[string]struct{}
}

func New(log zerolog.Logger, q Queries, deps Deps, opts Options) *Worker {
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	if opts.Workers <= 0 {
		opts.Workers = 8
	}
	if opts.DeviceTimeout <= 0 {
		opts.DeviceTimeout = 45 * time.Second
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 5 * time.Second
	}
	if opts.ManualTimeout <= 0 {
		opts.ManualTimeout = 90 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if deps.Classifier == nil {
		deps.Classifier = incident.NewClassifier(incident.DefaultThresholds())
	}
	if deps.Rates == nil {
		deps.Rates = rate.NewStore(3 * opts.Interval)
	}
	return &Worker{
		log:   log,
		q:     q,
		deps:  deps,
		opts:  opts,
		known: map[string]struct{}{},
	}
}

// Run drives scheduled passes until ctx is cancelled. The first pass starts
// immediately.
func (w *Worker) Run(ctx context.Context) {
	if w == nil || w.q == nil {
		return
	}

	timer := time.NewTimer(0)
	defer timer.Stop()

	var consecutiveFailures int
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if _, err := w.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			consecutiveFailures++
			w.log.Error().Err(err).Int("failures", consecutiveFailures).Msg("scheduled pass failed")
		} else {
			consecutiveFailures = 0
		}
		timer.Reset(backoffDuration(w.opts.Interval, consecutiveFailures))
	}
}

// backoffDuration retries a failed tick sooner than the interval, growing
// from one second back up to the interval.
func backoffDuration(interval time.Duration, failures int) time.Duration {
	if failures <= 0 {
		return interval
	}
	if failures > 6 {
		failures = 6
	}
	d := time.Second * time.Duration(1<<(failures-1))
	if d > interval {
		return interval
	}
	return d
}

// Summary counts the outcomes of one scheduled pass.
type Summary struct {
	Devices int
	Online  int
	Offline int
	Skipped int
	Failed  int
}

// RunOnce runs one scheduled pass over every enabled device with at most
// Workers devices in flight. A device whose previous pass is still running is
// skipped.
func (w *Worker) RunOnce(ctx context.Context) (Summary, error) {
	var devices []sqlcgen.Device
	err := w.withStore(ctx, func(ctx context.Context) error {
		var err error
		devices, err = w.q.ListEnabledDevices(ctx)
		return err
	})
	if err != nil {
		return Summary{}, fmt.Errorf("list devices: %w", err)
	}
	w.forgetRemoved(devices)

	var (
		mu  sync.Mutex
		sum = Summary{Devices: len(devices)}
	)
	g := new(errgroup.Group)
	g.SetLimit(w.opts.Workers)
	for _, d := range devices {
		g.Go(func() error {
			unlock, ok := w.tryLock(d.ID)
			if !ok {
				w.log.Debug().Str("device_id", d.ID).Msg("previous pass still running, skipping")
				w.opts.Metrics.ObserveDevicePass(string(TriggerScheduled), "skipped", 0)
				mu.Lock()
				sum.Skipped++
				mu.Unlock()
				return nil
			}
			defer unlock()

			rep := w.pass(ctx, d, TriggerScheduled)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case rep.Online:
				sum.Online++
			case rep.Offline:
				sum.Offline++
			default:
				sum.Failed++
			}
			return nil
		})
	}
	_ = g.Wait()

	w.log.Info().
		Int("devices", sum.Devices).
		Int("online", sum.Online).
		Int("offline", sum.Offline).
		Int("skipped", sum.Skipped).
		Int("failed", sum.Failed).
		Msg("scheduled pass completed")
	return sum, ctx.Err()
}

// ManualTrigger runs the pipeline for one device on operator request. It
// waits for an in-flight pass on the same device and is bounded by
// ManualTimeout.
func (w *Worker) ManualTrigger(ctx context.Context, deviceID string, trig Trigger) (Report, error) {
	if _, err := ParseTrigger(string(trig)); err != nil {
		return Report{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, w.opts.ManualTimeout)
	defer cancel()

	d, err := w.device(ctx, deviceID)
	if err != nil {
		return Report{}, err
	}
	unlock, err := w.lock(ctx, d.ID)
	if err != nil {
		return Report{}, err
	}
	defer unlock()

	return w.pass(ctx, d, trig), nil
}

// RemoveAccount deletes one account's secret from its router.
func (w *Worker) RemoveAccount(ctx context.Context, deviceID, accountID string) (reconcile.OpResult, error) {
	ctx, cancel := context.WithTimeout(ctx, w.opts.ManualTimeout)
	defer cancel()

	d, err := w.device(ctx, deviceID)
	if err != nil {
		return reconcile.OpResult{}, err
	}
	target, err := w.target(d)
	if err != nil {
		return reconcile.OpResult{}, err
	}
	unlock, err := w.lock(ctx, d.ID)
	if err != nil {
		return reconcile.OpResult{}, err
	}
	defer unlock()

	return w.deps.Accounts.RemoveAccount(ctx, target, accountID)
}

// Rates exposes the worker's rate store for readers such as the HTTP API.
func (w *Worker) Rates() *rate.Store { return w.deps.Rates }

func (w *Worker) device(ctx context.Context, id string) (sqlcgen.Device, error) {
	var d sqlcgen.Device
	err := w.withStore(ctx, func(ctx context.Context) error {
		var err error
		d, err = w.q.GetDevice(ctx, id)
		return err
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return sqlcgen.Device{}, ErrDeviceNotFound
	}
	if err != nil {
		return sqlcgen.Device{}, err
	}
	if !d.Enabled {
		return sqlcgen.Device{}, ErrDeviceDisabled
	}
	return d, nil
}

func (w *Worker) target(d sqlcgen.Device) (device.Target, error) {
	password, err := w.deps.Box.Open(d.Password)
	if err != nil {
		return device.Target{}, fmt.Errorf("decrypt device credentials: %w", err)
	}
	t := device.Target{
		ID:       d.ID,
		TenantID: d.TenantID,
		Host:     d.Host,
		Port:     uint16(d.Port),
		Username: d.Username,
		Password: password,
	}
	if d.SNMPCommunity != nil {
		t.SNMPCommunity = *d.SNMPCommunity
	}
	return t, nil
}

func (w *Worker) lockFor(deviceID string) chan struct{} {
	v, _ := w.locks.LoadOrStore(deviceID, make(chan struct{}, 1))
	return v.(chan struct{})
}

func (w *Worker) tryLock(deviceID string) (func(), bool) {
	ch := w.lockFor(deviceID)
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, true
	default:
		return nil, false
	}
}

func (w *Worker) lock(ctx context.Context, deviceID string) (func(), error) {
	ch := w.lockFor(deviceID)
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for device %s: %w", deviceID, ctx.Err())
	}
}

// forgetRemoved drops cached state of devices that are no longer enabled.
func (w *Worker) forgetRemoved(devices []sqlcgen.Device) {
	current := make(map[string]struct{}, len(devices))
	for _, d := range devices {
		current[d.ID] = struct{}{}
	}

	w.mu.Lock()
	var gone []string
	for id := range w.known {
		if _, ok := current[id]; !ok {
			gone = append(gone, id)
		}
	}
	w.known = current
	w.mu.Unlock()

	for _, id := range gone {
		w.deps.Rates.Forget(id)
		w.deps.Classifier.Forget(id)
		if f, ok := w.deps.Fetcher.(interface{ Forget(string) }); ok {
			f.Forget(id)
		}
		w.log.Info().Str("device_id", id).Msg("device no longer enabled, state dropped")
	}
}

func (w *Worker) withStore(ctx context.Context, fn func(context.Context) error) error {
	storeCtx, cancel := context.WithTimeout(ctx, w.opts.StoreTimeout)
	defer cancel()
	return fn(storeCtx)
}
