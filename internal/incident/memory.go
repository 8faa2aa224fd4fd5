package incident

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"accessgrid/core-go/internal/sqlcgen"
)

// MemoryStore is an in-process Store with the same partial-uniqueness rule as
// the incidents table: one active row per (tenant, dedup key), unlimited
// resolved rows. It backs the service when no database is configured.
type MemoryStore struct {
	mu     sync.Mutex
	rows   map[string]*sqlcgen.Incident
	active map[activeKey]string
	order  []string
}

type activeKey struct {
	tenantID string
	dedupKey string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rows:   map[string]*sqlcgen.Incident{},
		active: map[activeKey]string{},
	}
}

func (m *MemoryStore) OpenOrRefreshIncident(_ context.Context, arg sqlcgen.OpenOrRefreshIncidentParams) (sqlcgen.OpenOrRefreshIncidentRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := activeKey{tenantID: arg.TenantID, dedupKey: arg.DedupKey}
	if id, ok := m.active[key]; ok {
		inc := m.rows[id]
		if arg.ObservedAt.After(inc.LastSeenAt) {
			inc.LastSeenAt = arg.ObservedAt
		}
		prev := Severity(inc.Severity)
		next := prev.Max(Severity(arg.Severity))
		inc.Severity = string(next)
		inc.Message = arg.Message
		inc.Value = copyFloat(arg.Value)
		inc.Threshold = copyFloat(arg.Threshold)
		return sqlcgen.OpenOrRefreshIncidentRow{Incident: clone(inc), Escalated: next != prev}, nil
	}

	inc := &sqlcgen.Incident{
		ID:            uuid.NewString(),
		TenantID:      arg.TenantID,
		DeviceID:      arg.DeviceID,
		InterfaceName: copyString(arg.InterfaceName),
		FaultType:     arg.FaultType,
		DedupKey:      arg.DedupKey,
		Severity:      arg.Severity,
		Status:        string(StatusOpen),
		Title:         arg.Title,
		Message:       arg.Message,
		Value:         copyFloat(arg.Value),
		Threshold:     copyFloat(arg.Threshold),
		FirstSeenAt:   arg.ObservedAt,
		LastSeenAt:    arg.ObservedAt,
	}
	m.rows[inc.ID] = inc
	m.active[key] = inc.ID
	m.order = append(m.order, inc.ID)
	return sqlcgen.OpenOrRefreshIncidentRow{Incident: clone(inc), Inserted: true}, nil
}

func (m *MemoryStore) ResolveOpenIncidentByKey(_ context.Context, arg sqlcgen.ResolveOpenIncidentByKeyParams) (sqlcgen.Incident, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.active[activeKey{tenantID: arg.TenantID, dedupKey: arg.DedupKey}]
	if !ok {
		return sqlcgen.Incident{}, pgx.ErrNoRows
	}
	return m.resolveLocked(id, arg.ResolvedAt), nil
}

func (m *MemoryStore) ResolveIncident(_ context.Context, id string, resolvedAt time.Time) (sqlcgen.Incident, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inc, ok := m.rows[id]
	if !ok || inc.ResolvedAt != nil {
		return sqlcgen.Incident{}, pgx.ErrNoRows
	}
	return m.resolveLocked(id, resolvedAt), nil
}

func (m *MemoryStore) resolveLocked(id string, at time.Time) sqlcgen.Incident {
	inc := m.rows[id]
	inc.Status = string(StatusResolved)
	inc.ResolvedAt = &at
	delete(m.active, activeKey{tenantID: inc.TenantID, dedupKey: inc.DedupKey})
	return clone(inc)
}

func (m *MemoryStore) AcknowledgeIncident(_ context.Context, arg sqlcgen.AcknowledgeIncidentParams) (sqlcgen.Incident, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inc, ok := m.rows[arg.ID]
	if !ok || inc.Status != string(StatusOpen) {
		return sqlcgen.Incident{}, pgx.ErrNoRows
	}
	at, by := arg.AckedAt, arg.AckedBy
	inc.Status = string(StatusAcknowledged)
	inc.AckedAt = &at
	inc.AckedBy = &by
	return clone(inc), nil
}

func (m *MemoryStore) StartIncident(_ context.Context, id string) (sqlcgen.Incident, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inc, ok := m.rows[id]
	if !ok || (inc.Status != string(StatusOpen) && inc.Status != string(StatusAcknowledged)) {
		return sqlcgen.Incident{}, pgx.ErrNoRows
	}
	inc.Status = string(StatusInProgress)
	return clone(inc), nil
}

func (m *MemoryStore) GetIncident(_ context.Context, id string) (sqlcgen.Incident, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inc, ok := m.rows[id]
	if !ok {
		return sqlcgen.Incident{}, pgx.ErrNoRows
	}
	return clone(inc), nil
}

func (m *MemoryStore) ListIncidents(_ context.Context, arg sqlcgen.ListIncidentsParams) ([]sqlcgen.Incident, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []sqlcgen.Incident
	for _, id := range m.order {
		inc := m.rows[id]
		switch {
		case inc.TenantID != arg.TenantID,
			arg.DeviceID != nil && inc.DeviceID != *arg.DeviceID,
			arg.FaultType != nil && inc.FaultType != *arg.FaultType,
			arg.Severity != nil && inc.Severity != *arg.Severity,
			arg.Status != nil && inc.Status != *arg.Status,
			arg.OpenOnly && inc.ResolvedAt != nil:
			continue
		}
		out = append(out, clone(inc))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].LastSeenAt.After(out[j].LastSeenAt) })
	if arg.Limit > 0 && len(out) > int(arg.Limit) {
		out = out[:arg.Limit]
	}
	return out, nil
}

func (m *MemoryStore) ListIncidentHistory(_ context.Context, tenantID, dedupKey string) ([]sqlcgen.Incident, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []sqlcgen.Incident
	for _, id := range m.order {
		inc := m.rows[id]
		if inc.TenantID == tenantID && inc.DedupKey == dedupKey {
			out = append(out, clone(inc))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].FirstSeenAt.Before(out[j].FirstSeenAt) })
	return out, nil
}

// ActiveCount returns how many unresolved rows exist for a key.
func (m *MemoryStore) ActiveCount(tenantID, dedupKey string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, inc := range m.rows {
		if inc.TenantID == tenantID && inc.DedupKey == dedupKey && inc.ResolvedAt == nil {
			n++
		}
	}
	return n
}

func clone(inc *sqlcgen.Incident) sqlcgen.Incident {
	out := *inc
	out.InterfaceName = copyString(inc.InterfaceName)
	out.Value = copyFloat(inc.Value)
	out.Threshold = copyFloat(inc.Threshold)
	out.ResolvedAt = copyTime(inc.ResolvedAt)
	out.AckedAt = copyTime(inc.AckedAt)
	out.AckedBy = copyString(inc.AckedBy)
	return out
}

func copyString(v *string) *string {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func copyFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func copyTime(v *time.Time) *time.Time {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
