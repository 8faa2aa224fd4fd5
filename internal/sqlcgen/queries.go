package sqlcgen

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX matches the minimal interface needed from pgxpool.Pool or pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, optionsAndArgs ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, optionsAndArgs ...any) pgx.Row
}

type Queries struct {
	db DBTX
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

func (q *Queries) WithTx(tx pgx.Tx) *Queries {
	return &Queries{db: tx}
}

const deviceColumns = `id, tenant_id, name, host, port, username, password, snmp_community, enabled,
       online, latency_ms, last_error, last_seen_at, maintenance_until, maintenance_reason`

func scanDevice(row pgx.Row) (Device, error) {
	var i Device
	err := row.Scan(
		&i.ID,
		&i.TenantID,
		&i.Name,
		&i.Host,
		&i.Port,
		&i.Username,
		&i.Password,
		&i.SNMPCommunity,
		&i.Enabled,
		&i.Online,
		&i.LatencyMS,
		&i.LastError,
		&i.LastSeenAt,
		&i.MaintenanceUntil,
		&i.MaintenanceReason,
	)
	return i, err
}

const listEnabledDevices = `-- name: ListEnabledDevices :many
SELECT ` + deviceColumns + `
FROM devices
WHERE enabled
ORDER BY id
`

func (q *Queries) ListEnabledDevices(ctx context.Context) ([]Device, error) {
	rows, err := q.db.Query(ctx, listEnabledDevices)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Device
	for rows.Next() {
		i, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const getDevice = `-- name: GetDevice :one
SELECT ` + deviceColumns + `
FROM devices
WHERE id = $1
`

func (q *Queries) GetDevice(ctx context.Context, id string) (Device, error) {
	return scanDevice(q.db.QueryRow(ctx, getDevice, id))
}

const markDeviceOnline = `-- name: MarkDeviceOnline :exec
UPDATE devices
SET online = true,
    latency_ms = $2,
    last_error = NULL,
    last_seen_at = $3,
    updated_at = now()
WHERE id = $1
`

type MarkDeviceOnlineParams struct {
	ID        string
	LatencyMS int32
	SeenAt    time.Time
}

func (q *Queries) MarkDeviceOnline(ctx context.Context, arg MarkDeviceOnlineParams) error {
	_, err := q.db.Exec(ctx, markDeviceOnline, arg.ID, arg.LatencyMS, arg.SeenAt)
	return err
}

const markDeviceOffline = `-- name: MarkDeviceOffline :exec
UPDATE devices
SET online = false,
    latency_ms = NULL,
    last_error = $2,
    updated_at = now()
WHERE id = $1
`

type MarkDeviceOfflineParams struct {
	ID        string
	LastError string
}

func (q *Queries) MarkDeviceOffline(ctx context.Context, arg MarkDeviceOfflineParams) error {
	_, err := q.db.Exec(ctx, markDeviceOffline, arg.ID, arg.LastError)
	return err
}

const setDeviceMaintenance = `-- name: SetDeviceMaintenance :one
UPDATE devices
SET maintenance_until = $2,
    maintenance_reason = $3,
    updated_at = now()
WHERE id = $1
RETURNING ` + deviceColumns + `
`

type SetDeviceMaintenanceParams struct {
	ID     string
	Until  *time.Time
	Reason *string
}

func (q *Queries) SetDeviceMaintenance(ctx context.Context, arg SetDeviceMaintenanceParams) (Device, error) {
	return scanDevice(q.db.QueryRow(ctx, setDeviceMaintenance, arg.ID, arg.Until, arg.Reason))
}

const insertMetricSample = `-- name: InsertMetricSample :exec
INSERT INTO metric_samples (
  device_id,
  cpu_load,
  memory_total,
  memory_free,
  disk_total,
  disk_free,
  uptime_seconds,
  observed_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
`

type InsertMetricSampleParams struct {
	DeviceID      string
	CPULoad       int16
	MemoryTotal   int64
	MemoryFree    int64
	DiskTotal     int64
	DiskFree      int64
	UptimeSeconds int64
	ObservedAt    time.Time
}

func (q *Queries) InsertMetricSample(ctx context.Context, arg InsertMetricSampleParams) error {
	_, err := q.db.Exec(ctx, insertMetricSample,
		arg.DeviceID,
		arg.CPULoad,
		arg.MemoryTotal,
		arg.MemoryFree,
		arg.DiskTotal,
		arg.DiskFree,
		arg.UptimeSeconds,
		arg.ObservedAt,
	)
	return err
}

const listMetricSamples = `-- name: ListMetricSamples :many
SELECT id, device_id, cpu_load, memory_total, memory_free, disk_total, disk_free, uptime_seconds, observed_at
FROM metric_samples
WHERE device_id = $1
ORDER BY observed_at DESC
LIMIT $2
`

func (q *Queries) ListMetricSamples(ctx context.Context, deviceID string, limit int32) ([]MetricSample, error) {
	rows, err := q.db.Query(ctx, listMetricSamples, deviceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []MetricSample
	for rows.Next() {
		var i MetricSample
		if err := rows.Scan(
			&i.ID,
			&i.DeviceID,
			&i.CPULoad,
			&i.MemoryTotal,
			&i.MemoryFree,
			&i.DiskTotal,
			&i.DiskFree,
			&i.UptimeSeconds,
			&i.ObservedAt,
		); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}
