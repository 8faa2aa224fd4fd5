package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"

	"accessgrid/core-go/internal/rate"
	"accessgrid/core-go/internal/reconcile"
	"accessgrid/core-go/internal/sqlcgen"
	"accessgrid/core-go/internal/syncworker"
)

type device struct {
	ID                string     `json:"id"`
	TenantID          string     `json:"tenant_id"`
	Name              string     `json:"name"`
	Host              string     `json:"host"`
	Port              int32      `json:"port"`
	Enabled           bool       `json:"enabled"`
	Online            bool       `json:"online"`
	LatencyMS         *int32     `json:"latency_ms,omitempty"`
	LastError         *string    `json:"last_error,omitempty"`
	LastSeenAt        *time.Time `json:"last_seen_at,omitempty"`
	MaintenanceUntil  *time.Time `json:"maintenance_until,omitempty"`
	MaintenanceReason *string    `json:"maintenance_reason,omitempty"`
	InMaintenance     bool       `json:"in_maintenance"`
}

// toDevice never carries credentials.
func toDevice(d sqlcgen.Device) device {
	return device{
		ID:                d.ID,
		TenantID:          d.TenantID,
		Name:              d.Name,
		Host:              d.Host,
		Port:              d.Port,
		Enabled:           d.Enabled,
		Online:            d.Online,
		LatencyMS:         d.LatencyMS,
		LastError:         d.LastError,
		LastSeenAt:        d.LastSeenAt,
		MaintenanceUntil:  d.MaintenanceUntil,
		MaintenanceReason: d.MaintenanceReason,
		InMaintenance:     d.InMaintenance(time.Now()),
	}
}

type metricSample struct {
	CPULoad       int16     `json:"cpu_load"`
	MemoryTotal   int64     `json:"memory_total"`
	MemoryFree    int64     `json:"memory_free"`
	DiskTotal     int64     `json:"disk_total"`
	DiskFree      int64     `json:"disk_free"`
	UptimeSeconds int64     `json:"uptime_seconds"`
	ObservedAt    time.Time `json:"observed_at"`
}

type interfaceRate struct {
	Interface string     `json:"interface"`
	RxBps     *int64     `json:"rx_bps"`
	TxBps     *int64     `json:"tx_bps"`
	Known     bool       `json:"known"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

func toInterfaceRate(r rate.InterfaceRate) interfaceRate {
	out := interfaceRate{
		Interface: r.Interface,
		RxBps:     r.RxBps,
		TxBps:     r.TxBps,
		Known:     r.RxBps != nil || r.TxBps != nil,
	}
	if out.Known && !r.UpdatedAt.IsZero() {
		at := r.UpdatedAt
		out.UpdatedAt = &at
	}
	return out
}

type maintenanceUpdate struct {
	Until  *time.Time `json:"until"`
	Reason *string    `json:"reason,omitempty"`
}

func (h *Handler) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if h.devices == nil {
		h.unavailable(w, "db")
		return
	}

	row, err := h.devices.GetDevice(r.Context(), id)
	if err != nil {
		h.writeDeviceError(w, id, err, "get device failed")
		return
	}

	h.writeJSON(w, http.StatusOK, toDevice(row))
}

func (h *Handler) handleListSamples(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	limit, err := queryLimit(r, 60, 1000)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_failed", err.Error(), nil)
		return
	}
	if h.devices == nil {
		h.unavailable(w, "db")
		return
	}

	rows, err := h.devices.ListMetricSamples(r.Context(), id, limit)
	if err != nil {
		h.writeDeviceError(w, id, err, "list metric samples failed")
		return
	}

	resp := make([]metricSample, 0, len(rows))
	for _, s := range rows {
		resp = append(resp, metricSample{
			CPULoad:       s.CPULoad,
			MemoryTotal:   s.MemoryTotal,
			MemoryFree:    s.MemoryFree,
			DiskTotal:     s.DiskTotal,
			DiskFree:      s.DiskFree,
			UptimeSeconds: s.UptimeSeconds,
			ObservedAt:    s.ObservedAt,
		})
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleDeviceRates(w http.ResponseWriter, r *http.Request) {
	if h.rates == nil {
		h.unavailable(w, "worker")
		return
	}
	rates := h.rates.Device(chi.URLParam(r, "id"))
	resp := make([]interfaceRate, 0, len(rates))
	for _, ir := range rates {
		resp = append(resp, toInterfaceRate(ir))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// handleInterfaceRate answers 200 with known=false when no fresh rate exists;
// an unknown rate is a normal state right after startup.
func (h *Handler) handleInterfaceRate(w http.ResponseWriter, r *http.Request) {
	if h.rates == nil {
		h.unavailable(w, "worker")
		return
	}
	ir, _ := h.rates.Current(chi.URLParam(r, "id"), chi.URLParam(r, "iface"))
	h.writeJSON(w, http.StatusOK, toInterfaceRate(ir))
}

func (h *Handler) handleDeviceAction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	trig, err := syncworker.ParseTrigger(chi.URLParam(r, "mode"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_mode", "mode must be one of test, apply, reconcile", map[string]any{"mode": chi.URLParam(r, "mode")})
		return
	}
	if h.worker == nil {
		h.unavailable(w, "worker")
		return
	}

	rep, err := h.worker.ManualTrigger(r.Context(), id, trig)
	if err != nil {
		h.writeDeviceError(w, id, err, "manual trigger failed")
		return
	}
	h.writeJSON(w, http.StatusOK, rep)
}

func (h *Handler) handleRemoveAccount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	accountID := chi.URLParam(r, "account_id")
	if h.worker == nil {
		h.unavailable(w, "worker")
		return
	}

	res, err := h.worker.RemoveAccount(r.Context(), id, accountID)
	switch {
	case err == nil:
		h.writeJSON(w, http.StatusOK, res)
	case res.Op != "":
		// The router refused or could not be reached.
		h.writeError(w, http.StatusBadGateway, "device_error", "router rejected the remove operation", map[string]any{
			"account_id": res.AccountID,
			"username":   res.Username,
			"error":      res.Error,
		})
	case errors.Is(err, pgx.ErrNoRows):
		h.writeError(w, http.StatusNotFound, "not_found", "account not found", map[string]any{"account_id": accountID})
	case errors.Is(err, reconcile.ErrAccountNotOnDevice):
		h.writeError(w, http.StatusConflict, "account_mismatch", err.Error(), map[string]any{"id": id, "account_id": accountID})
	default:
		h.writeDeviceError(w, id, err, "remove account failed")
	}
}

func (h *Handler) handleSetMaintenance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req maintenanceUpdate
	if err := decodeJSONStrict(r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_failed", "invalid json body", map[string]any{"error": err.Error()})
		return
	}
	if req.Until != nil && !req.Until.After(time.Now()) {
		h.writeError(w, http.StatusBadRequest, "validation_failed", "until must be in the future; send null to end maintenance", nil)
		return
	}
	if req.Reason != nil {
		reason := strings.TrimSpace(*req.Reason)
		req.Reason = &reason
		if reason == "" || req.Until == nil {
			req.Reason = nil
		}
	}
	if h.devices == nil {
		h.unavailable(w, "db")
		return
	}

	row, err := h.devices.SetDeviceMaintenance(r.Context(), sqlcgen.SetDeviceMaintenanceParams{
		ID:     id,
		Until:  req.Until,
		Reason: req.Reason,
	})
	if err != nil {
		h.writeDeviceError(w, id, err, "set maintenance failed")
		return
	}

	h.log.Info().
		Str("device_id", row.ID).
		Bool("in_maintenance", row.InMaintenance(time.Now())).
		Msg("maintenance window updated")
	h.writeJSON(w, http.StatusOK, toDevice(row))
}

func (h *Handler) writeDeviceError(w http.ResponseWriter, id string, err error, logMsg string) {
	switch {
	case errors.Is(err, pgx.ErrNoRows), errors.Is(err, syncworker.ErrDeviceNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", "device not found", map[string]any{"id": id})
	case isInvalidUUID(err):
		h.writeError(w, http.StatusBadRequest, "invalid_id", "device id is not a valid uuid", map[string]any{"id": id})
	case errors.Is(err, syncworker.ErrDeviceDisabled):
		h.writeError(w, http.StatusConflict, "device_disabled", "device is disabled", map[string]any{"id": id})
	case errors.Is(err, context.DeadlineExceeded):
		h.writeError(w, http.StatusGatewayTimeout, "timeout", "device did not finish in time", map[string]any{"id": id})
	default:
		h.log.Error().Err(err).Str("device_id", id).Msg(logMsg)
		h.writeError(w, http.StatusInternalServerError, "internal_error", logMsg, nil)
	}
}
