package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"accessgrid/core-go/internal/config"
	"accessgrid/core-go/internal/db"
	"accessgrid/core-go/internal/incident"
	"accessgrid/core-go/internal/metrics"
	"accessgrid/core-go/internal/notify"
	"accessgrid/core-go/internal/rate"
	"accessgrid/core-go/internal/reconcile"
	"accessgrid/core-go/internal/secrets"
	"accessgrid/core-go/internal/syncworker"
	"accessgrid/core-go/internal/transport/resolve"
	"accessgrid/core-go/internal/transport/routeros"
	"accessgrid/core-go/internal/transport/snmp"
)

var errNoDatabase = errors.New("database_url is not configured")

// app holds the wired control loop. worker is nil when no database is
// configured; incidents then live in memory.
type app struct {
	log       zerolog.Logger
	pool      *db.Pool
	metrics   *metrics.Metrics
	transport *routeros.Transport
	notifier  *notify.NATS
	incidents *incident.Service
	worker    *syncworker.Worker
}

func buildApp(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*app, error) {
	a := &app{log: log, metrics: metrics.New()}

	box, err := secrets.NewBox(cfg.EncryptionKey)
	if err != nil {
		return nil, err
	}
	if !box.Enabled() {
		log.Warn().Msg("encryption_key not set, stored credentials are read as plaintext")
	}

	var notifier incident.Notifier
	if cfg.NATS.URL != "" {
		n, err := notify.Connect(log.With().Str("component", "notify").Logger(), notify.Config{
			URL:           cfg.NATS.URL,
			SubjectPrefix: cfg.NATS.SubjectPrefix,
		})
		if err != nil {
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		a.notifier = n
		notifier = n
	}

	var store incident.Store = incident.NewMemoryStore()
	if cfg.DatabaseURL != "" {
		pool, err := db.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("connect database: %w", err)
		}
		a.pool = pool
		store = pool.Queries()
	}

	a.incidents = incident.NewService(log.With().Str("component", "incident").Logger(), store, incident.Options{
		Notifier: notifier,
		Metrics:  a.metrics,
	})

	if a.pool == nil {
		return a, nil
	}

	var counters routeros.CounterSource
	if cfg.SNMP.Enabled {
		counters = snmp.NewClient(snmp.Config{
			Version: cfg.SNMP.Version,
			Port:    cfg.SNMP.Port,
			Timeout: cfg.SNMP.Timeout,
			Retries: cfg.SNMP.Retries,
		})
	}

	tr, err := routeros.New(log.With().Str("component", "routeros").Logger(), routeros.Config{
		DialTimeout:    cfg.RouterOS.DialTimeout,
		CommandTimeout: cfg.RouterOS.CommandTimeout,
		KnownHostsFile: cfg.RouterOS.KnownHostsFile,
		Resolver: resolve.New(resolve.Config{
			Nameserver: cfg.DNS.Nameserver,
			Timeout:    cfg.DNS.Timeout,
			MaxTTL:     cfg.DNS.MaxTTL,
		}),
		Counters: counters,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("routeros transport: %w", err)
	}
	a.transport = tr

	q := a.pool.Queries()
	accounts := reconcile.New(log.With().Str("component", "reconcile").Logger(), q, tr, box, reconcile.Options{
		StoreTimeout: cfg.Scheduler.StoreTimeout,
		Metrics:      a.metrics,
	})

	a.worker = syncworker.New(log.With().Str("component", "syncworker").Logger(), q, syncworker.Deps{
		Fetcher:    tr,
		Accounts:   accounts,
		Incidents:  a.incidents,
		Classifier: incident.NewClassifier(cfg.IncidentThresholds()),
		Rates:      rate.NewStore(cfg.StaleAfter()),
		Box:        box,
	}, syncworker.Options{
		Interval:      cfg.Scheduler.Interval,
		Workers:       cfg.Scheduler.Workers,
		DeviceTimeout: cfg.Scheduler.DeviceTimeout,
		StoreTimeout:  cfg.Scheduler.StoreTimeout,
		ManualTimeout: cfg.Manual.Timeout,
		AutoApply:     cfg.Scheduler.AutoApply,
		Metrics:       a.metrics,
	})
	return a, nil
}

func (a *app) Close() {
	if a.transport != nil {
		if err := a.transport.Close(); err != nil {
			a.log.Warn().Err(err).Msg("closing router sessions")
		}
	}
	a.notifier.Close()
	a.pool.Close()
}
