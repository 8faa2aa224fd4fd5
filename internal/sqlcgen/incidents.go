package sqlcgen

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
)

const incidentColumns = `id, tenant_id, device_id, interface_name, fault_type, dedup_key, severity, status,
       title, message, value, threshold, first_seen_at, last_seen_at, resolved_at, acked_at, acked_by`

func incidentDest(i *Incident) []any {
	return []any{
		&i.ID,
		&i.TenantID,
		&i.DeviceID,
		&i.InterfaceName,
		&i.FaultType,
		&i.DedupKey,
		&i.Severity,
		&i.Status,
		&i.Title,
		&i.Message,
		&i.Value,
		&i.Threshold,
		&i.FirstSeenAt,
		&i.LastSeenAt,
		&i.ResolvedAt,
		&i.AckedAt,
		&i.AckedBy,
	}
}

func scanIncident(row pgx.Row) (Incident, error) {
	var i Incident
	err := row.Scan(incidentDest(&i)...)
	return i, err
}

func collectIncidents(rows pgx.Rows) ([]Incident, error) {
	defer rows.Close()
	var items []Incident
	for rows.Next() {
		var i Incident
		if err := rows.Scan(incidentDest(&i)...); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

// openOrRefreshIncident relies on incidents_active_dedup_uq: the conflict
// target only matches the single active row for (tenant_id, dedup_key), so a
// resolved history row never absorbs a new occurrence. Severity only moves up.
const openOrRefreshIncident = `-- name: OpenOrRefreshIncident :one
WITH prev AS (
  SELECT severity
  FROM incidents
  WHERE tenant_id = $1 AND dedup_key = $5 AND resolved_at IS NULL
), upserted AS (
  INSERT INTO incidents (
    tenant_id,
    device_id,
    interface_name,
    fault_type,
    dedup_key,
    severity,
    status,
    title,
    message,
    value,
    threshold,
    first_seen_at,
    last_seen_at
  )
  VALUES ($1, $2, $3, $4, $5, $6, 'open', $7, $8, $9, $10, $11, $11)
  ON CONFLICT (tenant_id, dedup_key) WHERE resolved_at IS NULL
  DO UPDATE SET
    last_seen_at = GREATEST(incidents.last_seen_at, EXCLUDED.last_seen_at),
    severity = CASE
      WHEN (CASE EXCLUDED.severity WHEN 'critical' THEN 3 WHEN 'warning' THEN 2 ELSE 1 END)
         > (CASE incidents.severity WHEN 'critical' THEN 3 WHEN 'warning' THEN 2 ELSE 1 END)
      THEN EXCLUDED.severity
      ELSE incidents.severity
    END,
    message = EXCLUDED.message,
    value = EXCLUDED.value,
    threshold = EXCLUDED.threshold
  RETURNING ` + incidentColumns + `, (xmax = 0) AS inserted
)
SELECT u.*,
       COALESCE((SELECT p.severity FROM prev p) <> u.severity, false) AS escalated
FROM upserted u
`

type OpenOrRefreshIncidentParams struct {
	TenantID      string
	DeviceID      string
	InterfaceName *string
	FaultType     string
	DedupKey      string
	Severity      string
	Title         string
	Message       string
	Value         *float64
	Threshold     *float64
	ObservedAt    time.Time
}

type OpenOrRefreshIncidentRow struct {
	Incident
	Inserted  bool
	Escalated bool
}

func (q *Queries) OpenOrRefreshIncident(ctx context.Context, arg OpenOrRefreshIncidentParams) (OpenOrRefreshIncidentRow, error) {
	row := q.db.QueryRow(ctx, openOrRefreshIncident,
		arg.TenantID,
		arg.DeviceID,
		arg.InterfaceName,
		arg.FaultType,
		arg.DedupKey,
		arg.Severity,
		arg.Title,
		arg.Message,
		arg.Value,
		arg.Threshold,
		arg.ObservedAt,
	)
	var i OpenOrRefreshIncidentRow
	dest := append(incidentDest(&i.Incident), &i.Inserted, &i.Escalated)
	err := row.Scan(dest...)
	return i, err
}

const resolveOpenIncidentByKey = `-- name: ResolveOpenIncidentByKey :one
UPDATE incidents
SET status = 'resolved',
    resolved_at = $3
WHERE tenant_id = $1 AND dedup_key = $2 AND resolved_at IS NULL
RETURNING ` + incidentColumns + `
`

type ResolveOpenIncidentByKeyParams struct {
	TenantID   string
	DedupKey   string
	ResolvedAt time.Time
}

// ResolveOpenIncidentByKey returns pgx.ErrNoRows when nothing is open for the key.
func (q *Queries) ResolveOpenIncidentByKey(ctx context.Context, arg ResolveOpenIncidentByKeyParams) (Incident, error) {
	return scanIncident(q.db.QueryRow(ctx, resolveOpenIncidentByKey, arg.TenantID, arg.DedupKey, arg.ResolvedAt))
}

const resolveIncident = `-- name: ResolveIncident :one
UPDATE incidents
SET status = 'resolved',
    resolved_at = $2
WHERE id = $1 AND resolved_at IS NULL
RETURNING ` + incidentColumns + `
`

func (q *Queries) ResolveIncident(ctx context.Context, id string, resolvedAt time.Time) (Incident, error) {
	return scanIncident(q.db.QueryRow(ctx, resolveIncident, id, resolvedAt))
}

const acknowledgeIncident = `-- name: AcknowledgeIncident :one
UPDATE incidents
SET status = 'acknowledged',
    acked_at = $2,
    acked_by = $3
WHERE id = $1 AND status = 'open'
RETURNING ` + incidentColumns + `
`

type AcknowledgeIncidentParams struct {
	ID      string
	AckedAt time.Time
	AckedBy string
}

func (q *Queries) AcknowledgeIncident(ctx context.Context, arg AcknowledgeIncidentParams) (Incident, error) {
	return scanIncident(q.db.QueryRow(ctx, acknowledgeIncident, arg.ID, arg.AckedAt, arg.AckedBy))
}

const startIncident = `-- name: StartIncident :one
UPDATE incidents
SET status = 'in_progress'
WHERE id = $1 AND status IN ('open', 'acknowledged')
RETURNING ` + incidentColumns + `
`

func (q *Queries) StartIncident(ctx context.Context, id string) (Incident, error) {
	return scanIncident(q.db.QueryRow(ctx, startIncident, id))
}

const getIncident = `-- name: GetIncident :one
SELECT ` + incidentColumns + `
FROM incidents
WHERE id = $1
`

func (q *Queries) GetIncident(ctx context.Context, id string) (Incident, error) {
	return scanIncident(q.db.QueryRow(ctx, getIncident, id))
}

const listIncidents = `-- name: ListIncidents :many
SELECT ` + incidentColumns + `
FROM incidents
WHERE
	tenant_id = $1::uuid
	AND ($2::uuid IS NULL OR device_id = $2::uuid)
	AND ($3::text IS NULL OR fault_type = $3::text)
	AND ($4::text IS NULL OR severity = $4::text)
	AND ($5::text IS NULL OR status = $5::text)
	AND (NOT $6::boolean OR resolved_at IS NULL)
ORDER BY last_seen_at DESC, id DESC
LIMIT $7
`

type ListIncidentsParams struct {
	TenantID  string
	DeviceID  *string
	FaultType *string
	Severity  *string
	Status    *string
	OpenOnly  bool
	Limit     int32
}

func (q *Queries) ListIncidents(ctx context.Context, arg ListIncidentsParams) ([]Incident, error) {
	rows, err := q.db.Query(ctx, listIncidents,
		arg.TenantID,
		arg.DeviceID,
		arg.FaultType,
		arg.Severity,
		arg.Status,
		arg.OpenOnly,
		arg.Limit,
	)
	if err != nil {
		return nil, err
	}
	return collectIncidents(rows)
}

const listIncidentHistory = `-- name: ListIncidentHistory :many
SELECT ` + incidentColumns + `
FROM incidents
WHERE tenant_id = $1 AND dedup_key = $2
ORDER BY first_seen_at, id
`

// ListIncidentHistory returns every occurrence of a fault, oldest first.
func (q *Queries) ListIncidentHistory(ctx context.Context, tenantID, dedupKey string) ([]Incident, error) {
	rows, err := q.db.Query(ctx, listIncidentHistory, tenantID, dedupKey)
	if err != nil {
		return nil, err
	}
	return collectIncidents(rows)
}
