package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"accessgrid/core-go/internal/incident"
	"accessgrid/core-go/internal/sqlcgen"
)

type incidentView struct {
	ID          string     `json:"id"`
	TenantID    string     `json:"tenant_id"`
	DeviceID    string     `json:"device_id"`
	Interface   *string    `json:"interface,omitempty"`
	FaultType   string     `json:"fault_type"`
	DedupKey    string     `json:"dedup_key"`
	Severity    string     `json:"severity"`
	Status      string     `json:"status"`
	Title       string     `json:"title"`
	Message     string     `json:"message"`
	Value       *float64   `json:"value,omitempty"`
	Threshold   *float64   `json:"threshold,omitempty"`
	FirstSeenAt time.Time  `json:"first_seen_at"`
	LastSeenAt  time.Time  `json:"last_seen_at"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
	AckedAt     *time.Time `json:"acked_at,omitempty"`
	AckedBy     *string    `json:"acked_by,omitempty"`
}

func toIncident(i sqlcgen.Incident) incidentView {
	return incidentView{
		ID:          i.ID,
		TenantID:    i.TenantID,
		DeviceID:    i.DeviceID,
		Interface:   i.InterfaceName,
		FaultType:   i.FaultType,
		DedupKey:    i.DedupKey,
		Severity:    i.Severity,
		Status:      i.Status,
		Title:       i.Title,
		Message:     i.Message,
		Value:       i.Value,
		Threshold:   i.Threshold,
		FirstSeenAt: i.FirstSeenAt,
		LastSeenAt:  i.LastSeenAt,
		ResolvedAt:  i.ResolvedAt,
		AckedAt:     i.AckedAt,
		AckedBy:     i.AckedBy,
	}
}

func toIncidents(rows []sqlcgen.Incident) []incidentView {
	out := make([]incidentView, 0, len(rows))
	for _, i := range rows {
		out = append(out, toIncident(i))
	}
	return out
}

type acknowledgeRequest struct {
	By string `json:"by"`
}

// parseIncidentFilter reads the list query. tenant is required; every other
// parameter narrows the result.
func parseIncidentFilter(r *http.Request) (string, incident.Filter, map[string]any) {
	q := r.URL.Query()
	problems := map[string]any{}

	tenant := strings.TrimSpace(q.Get("tenant"))
	if tenant == "" {
		problems["tenant"] = "required"
	}

	f := incident.Filter{
		DeviceID:  strings.TrimSpace(q.Get("device")),
		FaultType: incident.FaultType(q.Get("fault_type")),
		Severity:  incident.Severity(q.Get("severity")),
		Status:    incident.Status(q.Get("status")),
	}
	if f.FaultType != "" && !f.FaultType.Valid() {
		problems["fault_type"] = "unknown fault type"
	}
	if f.Severity != "" && !f.Severity.Valid() {
		problems["severity"] = "must be info, warning or critical"
	}
	if f.Status != "" && !f.Status.Valid() {
		problems["status"] = "must be open, acknowledged, in_progress or resolved"
	}
	if raw := q.Get("include_resolved"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			problems["include_resolved"] = "must be a boolean"
		}
		f.IncludeResolved = v
	}
	limit, err := queryLimit(r, 100, 500)
	if err != nil {
		problems["limit"] = err.Error()
	}
	f.Limit = limit

	if len(problems) == 0 {
		problems = nil
	}
	return tenant, f, problems
}

func (h *Handler) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	tenant, f, problems := parseIncidentFilter(r)
	if problems != nil {
		h.writeError(w, http.StatusBadRequest, "validation_failed", "invalid query parameters", problems)
		return
	}
	if h.incidents == nil {
		h.unavailable(w, "incidents")
		return
	}

	rows, err := h.incidents.ListOpen(r.Context(), tenant, f)
	if err != nil {
		h.writeIncidentError(w, "", err, "list incidents failed")
		return
	}
	h.writeJSON(w, http.StatusOK, toIncidents(rows))
}

func (h *Handler) handleIncidentHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tenant := strings.TrimSpace(q.Get("tenant"))
	key := strings.TrimSpace(q.Get("dedup_key"))
	if tenant == "" || key == "" {
		h.writeError(w, http.StatusBadRequest, "validation_failed", "tenant and dedup_key are required", nil)
		return
	}
	if h.incidents == nil {
		h.unavailable(w, "incidents")
		return
	}

	rows, err := h.incidents.History(r.Context(), tenant, key)
	if err != nil {
		h.writeIncidentError(w, "", err, "incident history failed")
		return
	}
	h.writeJSON(w, http.StatusOK, toIncidents(rows))
}

func (h *Handler) handleGetIncident(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if h.incidents == nil {
		h.unavailable(w, "incidents")
		return
	}
	inc, err := h.incidents.Get(r.Context(), id)
	if err != nil {
		h.writeIncidentError(w, id, err, "get incident failed")
		return
	}
	h.writeJSON(w, http.StatusOK, toIncident(inc))
}

func (h *Handler) handleAcknowledgeIncident(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req acknowledgeRequest
	if err := decodeJSONStrict(r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_failed", "invalid json body", map[string]any{"error": err.Error()})
		return
	}
	req.By = strings.TrimSpace(req.By)
	if req.By == "" {
		h.writeError(w, http.StatusBadRequest, "validation_failed", "by is required", nil)
		return
	}
	if h.incidents == nil {
		h.unavailable(w, "incidents")
		return
	}

	inc, err := h.incidents.Acknowledge(r.Context(), id, req.By)
	if err != nil {
		h.writeIncidentError(w, id, err, "acknowledge incident failed")
		return
	}
	h.writeJSON(w, http.StatusOK, toIncident(inc))
}

func (h *Handler) handleStartIncident(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if h.incidents == nil {
		h.unavailable(w, "incidents")
		return
	}
	inc, err := h.incidents.Start(r.Context(), id)
	if err != nil {
		h.writeIncidentError(w, id, err, "start incident failed")
		return
	}
	h.writeJSON(w, http.StatusOK, toIncident(inc))
}

func (h *Handler) handleResolveIncident(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if h.incidents == nil {
		h.unavailable(w, "incidents")
		return
	}
	inc, err := h.incidents.Resolve(r.Context(), id)
	if err != nil {
		h.writeIncidentError(w, id, err, "resolve incident failed")
		return
	}
	h.writeJSON(w, http.StatusOK, toIncident(inc))
}

func (h *Handler) writeIncidentError(w http.ResponseWriter, id string, err error, logMsg string) {
	switch {
	case errors.Is(err, incident.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", "incident not found", map[string]any{"id": id})
	case errors.Is(err, incident.ErrInvalidTransition):
		h.writeError(w, http.StatusConflict, "invalid_transition", err.Error(), map[string]any{"id": id})
	case errors.Is(err, incident.ErrUnknownFault):
		h.writeError(w, http.StatusBadRequest, "validation_failed", err.Error(), nil)
	case isInvalidUUID(err):
		h.writeError(w, http.StatusBadRequest, "invalid_id", "id is not a valid uuid", map[string]any{"id": id})
	default:
		h.log.Error().Err(err).Str("incident_id", id).Msg(logMsg)
		h.writeError(w, http.StatusInternalServerError, "internal_error", logMsg, nil)
	}
}
