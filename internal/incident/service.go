package incident

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"accessgrid/core-go/internal/metrics"
	"accessgrid/core-go/internal/sqlcgen"
)

var (
	ErrNotFound          = errors.New("incident not found")
	ErrInvalidTransition = errors.New("incident cannot move to the requested status")
	ErrUnknownFault      = errors.New("unknown fault type")
)

// Store persists incidents. Implementations must make OpenOrRefreshIncident
// a single atomic insert-or-refresh so two concurrent callers can never both
// open the same dedup key.
type Store interface {
	OpenOrRefreshIncident(ctx context.Context, arg sqlcgen.OpenOrRefreshIncidentParams) (sqlcgen.OpenOrRefreshIncidentRow, error)
	ResolveOpenIncidentByKey(ctx context.Context, arg sqlcgen.ResolveOpenIncidentByKeyParams) (sqlcgen.Incident, error)
	ResolveIncident(ctx context.Context, id string, resolvedAt time.Time) (sqlcgen.Incident, error)
	AcknowledgeIncident(ctx context.Context, arg sqlcgen.AcknowledgeIncidentParams) (sqlcgen.Incident, error)
	StartIncident(ctx context.Context, id string) (sqlcgen.Incident, error)
	GetIncident(ctx context.Context, id string) (sqlcgen.Incident, error)
	ListIncidents(ctx context.Context, arg sqlcgen.ListIncidentsParams) ([]sqlcgen.Incident, error)
	ListIncidentHistory(ctx context.Context, tenantID, dedupKey string) ([]sqlcgen.Incident, error)
}

type EventKind string

const (
	EventOpened       EventKind = "opened"
	EventEscalated    EventKind = "escalated"
	EventAcknowledged EventKind = "acknowledged"
	EventResolved     EventKind = "resolved"
)

type Event struct {
	Kind     EventKind        `json:"kind"`
	Incident sqlcgen.Incident `json:"incident"`
}

// Notifier fans incident events out to subscribers. Delivery is best effort.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

type Options struct {
	Notifier Notifier
	Metrics  *metrics.Metrics
	Now      func() time.Time
}

type Service struct {
	log   zerolog.Logger
	store Store
	opts  Options
}

func NewService(log zerolog.Logger, store Store, opts Options) *Service {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{log: log, store: store, opts: opts}
}

// Observe opens an incident for the signal's dedup key, or refreshes the one
// already active. Severity can only rise on refresh.
func (s *Service) Observe(ctx context.Context, sig Signal) (sqlcgen.Incident, error) {
	if err := sig.validate(); err != nil {
		return sqlcgen.Incident{}, err
	}
	sev := sig.Severity
	if !sev.Valid() {
		sev = sig.Fault.BaseSeverity()
	}
	title := sig.Title
	if title == "" {
		title = sig.Fault.title(sig.Interface)
	}
	var iface *string
	if sig.Interface != "" {
		v := sig.Interface
		iface = &v
	}

	row, err := s.store.OpenOrRefreshIncident(ctx, sqlcgen.OpenOrRefreshIncidentParams{
		TenantID:      sig.TenantID,
		DeviceID:      sig.DeviceID,
		InterfaceName: iface,
		FaultType:     string(sig.Fault),
		DedupKey:      sig.DedupKey(),
		Severity:      string(sev),
		Title:         title,
		Message:       sig.Message,
		Value:         sig.Value,
		Threshold:     sig.Threshold,
		ObservedAt:    sig.ObservedAt,
	})
	if err != nil {
		return sqlcgen.Incident{}, fmt.Errorf("open or refresh %s: %w", sig.DedupKey(), err)
	}

	switch {
	case row.Inserted:
		s.emit(ctx, EventOpened, row.Incident)
	case row.Escalated:
		s.emit(ctx, EventEscalated, row.Incident)
	}
	return row.Incident, nil
}

// Clear resolves the active incident for the key, if there is one.
func (s *Service) Clear(ctx context.Context, c Clear) (bool, error) {
	at := c.ObservedAt
	if at.IsZero() {
		at = s.opts.Now()
	}
	inc, err := s.store.ResolveOpenIncidentByKey(ctx, sqlcgen.ResolveOpenIncidentByKeyParams{
		TenantID:   c.TenantID,
		DedupKey:   c.DedupKey(),
		ResolvedAt: at,
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("resolve %s: %w", c.DedupKey(), err)
	}
	s.emit(ctx, EventResolved, inc)
	return true, nil
}

// Resolve closes an incident on explicit operator request.
func (s *Service) Resolve(ctx context.Context, id string) (sqlcgen.Incident, error) {
	inc, err := s.store.ResolveIncident(ctx, id, s.opts.Now())
	if err != nil {
		return sqlcgen.Incident{}, s.transitionError(ctx, id, err)
	}
	s.emit(ctx, EventResolved, inc)
	return inc, nil
}

// Acknowledge marks an open incident as seen by an operator. New signals keep
// refreshing last_seen_at afterwards.
func (s *Service) Acknowledge(ctx context.Context, id, by string) (sqlcgen.Incident, error) {
	inc, err := s.store.AcknowledgeIncident(ctx, sqlcgen.AcknowledgeIncidentParams{ID: id, AckedAt: s.opts.Now(), AckedBy: by})
	if err != nil {
		return sqlcgen.Incident{}, s.transitionError(ctx, id, err)
	}
	s.emit(ctx, EventAcknowledged, inc)
	return inc, nil
}

// Start marks an incident as being worked on.
func (s *Service) Start(ctx context.Context, id string) (sqlcgen.Incident, error) {
	inc, err := s.store.StartIncident(ctx, id)
	if err != nil {
		return sqlcgen.Incident{}, s.transitionError(ctx, id, err)
	}
	return inc, nil
}

func (s *Service) Get(ctx context.Context, id string) (sqlcgen.Incident, error) {
	inc, err := s.store.GetIncident(ctx, id)
	if errors.Is(err, pgx.ErrNoRows) {
		return sqlcgen.Incident{}, ErrNotFound
	}
	return inc, err
}

// Filter narrows ListOpen. Empty fields match everything.
type Filter struct {
	DeviceID  string
	FaultType FaultType
	Severity  Severity
	Status    Status
	// IncludeResolved also returns historical rows.
	IncludeResolved bool
	Limit           int32
}

// ListOpen returns a tenant's incidents, active ones only unless the filter
// asks for history.
func (s *Service) ListOpen(ctx context.Context, tenantID string, f Filter) ([]sqlcgen.Incident, error) {
	if f.FaultType != "" && !f.FaultType.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFault, f.FaultType)
	}
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 100
	}
	arg := sqlcgen.ListIncidentsParams{
		TenantID:  tenantID,
		DeviceID:  optional(f.DeviceID),
		FaultType: optional(string(f.FaultType)),
		Severity:  optional(string(f.Severity)),
		Status:    optional(string(f.Status)),
		OpenOnly:  !f.IncludeResolved && f.Status != StatusResolved,
		Limit:     f.Limit,
	}
	return s.store.ListIncidents(ctx, arg)
}

// History returns every occurrence of one fault key, oldest first.
func (s *Service) History(ctx context.Context, tenantID, dedupKey string) ([]sqlcgen.Incident, error) {
	return s.store.ListIncidentHistory(ctx, tenantID, dedupKey)
}

func (s *Service) transitionError(ctx context.Context, id string, err error) error {
	if !errors.Is(err, pgx.ErrNoRows) {
		return err
	}
	if _, getErr := s.store.GetIncident(ctx, id); errors.Is(getErr, pgx.ErrNoRows) {
		return ErrNotFound
	} else if getErr != nil {
		return getErr
	}
	return ErrInvalidTransition
}

func (s *Service) emit(ctx context.Context, kind EventKind, inc sqlcgen.Incident) {
	s.opts.Metrics.IncIncidentEvent(inc.FaultType, string(kind))
	s.log.Info().
		Str("event", string(kind)).
		Str("incident_id", inc.ID).
		Str("tenant_id", inc.TenantID).
		Str("device_id", inc.DeviceID).
		Str("dedup_key", inc.DedupKey).
		Str("severity", inc.Severity).
		Msg("incident " + string(kind))

	if s.opts.Notifier == nil {
		return
	}
	if err := s.opts.Notifier.Notify(ctx, Event{Kind: kind, Incident: inc}); err != nil {
		s.log.Warn().Err(err).Str("incident_id", inc.ID).Msg("incident notification failed")
	}
}

func optional(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
