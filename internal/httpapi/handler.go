// Package httpapi exposes the operator surface of the control loop: manual
// device actions, live interface rates, maintenance windows and the incident
// lifecycle.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"accessgrid/core-go/internal/incident"
	"accessgrid/core-go/internal/metrics"
	"accessgrid/core-go/internal/rate"
	"accessgrid/core-go/internal/reconcile"
	"accessgrid/core-go/internal/sqlcgen"
	"accessgrid/core-go/internal/syncworker"
)

// Pinger reports database readiness. *db.Pool satisfies it.
type Pinger interface {
	Ping(ctx context.Context) error
}

type DeviceQueries interface {
	GetDevice(ctx context.Context, id string) (sqlcgen.Device, error)
	SetDeviceMaintenance(ctx context.Context, arg sqlcgen.SetDeviceMaintenanceParams) (sqlcgen.Device, error)
	ListMetricSamples(ctx context.Context, deviceID string, limit int32) ([]sqlcgen.MetricSample, error)
}

// Worker runs operator-triggered passes. *syncworker.Worker satisfies it.
type Worker interface {
	ManualTrigger(ctx context.Context, deviceID string, trig syncworker.Trigger) (syncworker.Report, error)
	RemoveAccount(ctx context.Context, deviceID, accountID string) (reconcile.OpResult, error)
}

type RateReader interface {
	Current(deviceID, iface string) (rate.InterfaceRate, bool)
	Device(deviceID string) []rate.InterfaceRate
}

// Incidents is the operator side of the incident lifecycle. *incident.Service
// satisfies it.
type Incidents interface {
	ListOpen(ctx context.Context, tenantID string, f incident.Filter) ([]sqlcgen.Incident, error)
	History(ctx context.Context, tenantID, dedupKey string) ([]sqlcgen.Incident, error)
	Get(ctx context.Context, id string) (sqlcgen.Incident, error)
	Acknowledge(ctx context.Context, id, by string) (sqlcgen.Incident, error)
	Start(ctx context.Context, id string) (sqlcgen.Incident, error)
	Resolve(ctx context.Context, id string) (sqlcgen.Incident, error)
}

// Deps wires the handler. Nil dependencies make the matching routes answer
// 503 instead of panicking.
type Deps struct {
	Pool      Pinger
	Devices   DeviceQueries
	Worker    Worker
	Rates     RateReader
	Incidents Incidents
	Metrics   *metrics.Metrics
	// RequestTimeout bounds every request. Manual actions need more than the
	// 15s default when devices are slow.
	RequestTimeout time.Duration
}

type Handler struct {
	log       zerolog.Logger
	pool      Pinger
	devices   DeviceQueries
	worker    Worker
	rates     RateReader
	incidents Incidents
	metrics   *metrics.Metrics
	timeout   time.Duration
}

func NewHandler(log zerolog.Logger, deps Deps) *Handler {
	if deps.RequestTimeout <= 0 {
		deps.RequestTimeout = 15 * time.Second
	}
	return &Handler{
		log:       log,
		pool:      deps.Pool,
		devices:   deps.Devices,
		worker:    deps.Worker,
		rates:     deps.Rates,
		incidents: deps.Incidents,
		metrics:   deps.Metrics,
		timeout:   deps.RequestTimeout,
	}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(h.timeout))
	r.Use(h.accessLog)

	// Health
	r.Get("/healthz", h.handleHealthz)
	r.Get("/readyz", h.handleReadyZ)
	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics.Handler())
	}

	// API
	r.Route("/api", func(r chi.Router) {
		r.Route("/v1", func(r chi.Router) {
			r.Route("/devices/{id}", func(r chi.Router) {
				r.Get("/", h.handleGetDevice)
				r.Get("/samples", h.handleListSamples)
				r.Get("/rates", h.handleDeviceRates)
				r.Get("/rates/{iface}", h.handleInterfaceRate)
				r.Post("/actions/{mode}", h.handleDeviceAction)
				r.Post("/accounts/{account_id}/remove", h.handleRemoveAccount)
				r.Put("/maintenance", h.handleSetMaintenance)
			})

			r.Route("/incidents", func(r chi.Router) {
				r.Get("/", h.handleListIncidents)
				r.Get("/history", h.handleIncidentHistory)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", h.handleGetIncident)
					r.Post("/ack", h.handleAcknowledgeIncident)
					r.Post("/start", h.handleStartIncident)
					r.Post("/resolve", h.handleResolveIncident)
				})
			})
		})
	})

	return r
}

func (h *Handler) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		h.metrics.ObserveHTTPRequest(r.Method, route, ww.Status(), time.Since(start))

		h.log.Info().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Int64("duration_ms", time.Since(start).Milliseconds()).
			Msg("http_request")
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, msg string, details map[string]any) {
	resp := map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": msg,
		},
	}
	if details != nil {
		resp["error"].(map[string]any)["details"] = details
	}
	h.writeJSON(w, status, resp)
}

func decodeJSONStrict(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return errors.New("unexpected extra data after JSON body")
		}
		return err
	}
	return nil
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) handleReadyZ(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if h.pool == nil {
		h.writeError(w, http.StatusServiceUnavailable, "db_unavailable", "database not configured", nil)
		return
	}

	if err := h.pool.Ping(ctx); err != nil {
		h.writeError(w, http.StatusServiceUnavailable, "db_unavailable", "database not ready", map[string]any{"error": err.Error()})
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"ready": true})
}

func (h *Handler) unavailable(w http.ResponseWriter, what string) {
	h.writeError(w, http.StatusServiceUnavailable, what+"_unavailable", what+" not configured", nil)
}

func isInvalidUUID(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "22P02"
	}
	return false
}

// queryLimit parses ?limit= within [1, upper], falling back to def.
func queryLimit(r *http.Request, def, upper int32) (int32, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(raw, 10, 32)
	if err != nil || n < 1 || int32(n) > upper {
		return 0, errors.New("limit must be an integer between 1 and " + strconv.Itoa(int(upper)))
	}
	return int32(n), nil
}
