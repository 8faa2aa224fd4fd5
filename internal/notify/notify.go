// Package notify publishes incident lifecycle events to NATS.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"accessgrid/core-go/internal/incident"
	"accessgrid/core-go/internal/sqlcgen"
)

const schemaVersion = "accessgrid.incident.v1"

// Publisher is the subset of *nats.Conn used here.
type Publisher interface {
	PublishMsg(m *nats.Msg) error
}

type Config struct {
	URL           string
	SubjectPrefix string
	Name          string
}

// NATS implements incident.Notifier.
type NATS struct {
	log    zerolog.Logger
	pub    Publisher
	prefix string
	conn   *nats.Conn
	now    func() time.Time
}

// Connect dials the NATS server and returns a notifier bound to it.
func Connect(log zerolog.Logger, cfg Config) (*NATS, error) {
	name := cfg.Name
	if name == "" {
		name = "accessgrid-core"
	}
	nc, err := nats.Connect(cfg.URL,
		nats.Name(name),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			log.Error().Err(err).Msg("nats error")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", cfg.URL, err)
	}
	n := New(log, nc, cfg.SubjectPrefix)
	n.conn = nc
	return n, nil
}

func New(log zerolog.Logger, pub Publisher, prefix string) *NATS {
	if prefix == "" {
		prefix = "accessgrid.incidents"
	}
	return &NATS{log: log, pub: pub, prefix: prefix, now: time.Now}
}

type message struct {
	Schema     string          `json:"schema"`
	Event      string          `json:"event"`
	OccurredAt time.Time       `json:"occurred_at"`
	Incident   incidentPayload `json:"incident"`
}

type incidentPayload struct {
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
	AckedBy     *string    `json:"acked_by,omitempty"`
}

func payload(inc sqlcgen.Incident) incidentPayload {
	return incidentPayload{
		ID:          inc.ID,
		TenantID:    inc.TenantID,
		DeviceID:    inc.DeviceID,
		Interface:   inc.InterfaceName,
		FaultType:   inc.FaultType,
		DedupKey:    inc.DedupKey,
		Severity:    inc.Severity,
		Status:      inc.Status,
		Title:       inc.Title,
		Message:     inc.Message,
		Value:       inc.Value,
		Threshold:   inc.Threshold,
		FirstSeenAt: inc.FirstSeenAt,
		LastSeenAt:  inc.LastSeenAt,
		ResolvedAt:  inc.ResolvedAt,
		AckedBy:     inc.AckedBy,
	}
}

// Notify publishes ev on <prefix>.<tenant>.<event>.
func (n *NATS) Notify(ctx context.Context, ev incident.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := json.Marshal(message{
		Schema:     schemaVersion,
		Event:      string(ev.Kind),
		OccurredAt: n.now().UTC(),
		Incident:   payload(ev.Incident),
	})
	if err != nil {
		return fmt.Errorf("encode incident event: %w", err)
	}

	msg := nats.NewMsg(Subject(n.prefix, ev.Incident.TenantID, string(ev.Kind)))
	msg.Data = body
	msg.Header.Set("Content-Type", "application/json")
	msg.Header.Set(nats.MsgIdHdr, msgID(ev))
	if err := n.pub.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Subject, err)
	}
	n.log.Debug().Str("subject", msg.Subject).Str("incident_id", ev.Incident.ID).Msg("incident event published")
	return nil
}

// Close flushes pending messages and closes the connection opened by Connect.
func (n *NATS) Close() {
	if n == nil || n.conn == nil {
		return
	}
	if err := n.conn.FlushTimeout(2 * time.Second); err != nil {
		n.log.Warn().Err(err).Msg("nats flush on close failed")
	}
	n.conn.Close()
}

// Subject builds a publish subject, replacing characters that have meaning
// in NATS subjects.
func Subject(prefix, tenantID, event string) string {
	return prefix + "." + token(tenantID) + "." + token(event)
}

func token(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}

func msgID(ev incident.Event) string {
	at := ev.Incident.LastSeenAt
	if ev.Incident.ResolvedAt != nil {
		at = *ev.Incident.ResolvedAt
	}
	return ev.Incident.ID + ":" + string(ev.Kind) + ":" + at.UTC().Format(time.RFC3339Nano)
}
