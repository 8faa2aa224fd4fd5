// Package snmp reads 64-bit IF-MIB interface counters and link state.
package snmp

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gosnmp/gosnmp"
)

type Config struct {
	Version        string // "2c" (default) | "1"
	Port           uint16
	Timeout        time.Duration
	Retries        int
	MaxRepetitions uint32
}

// Counters is the IF-MIB view of one interface.
type Counters struct {
	IfIndex   int
	Name      string
	RxBytes   uint64
	TxBytes   uint64
	RxPackets uint64
	TxPackets uint64
	OperUp    *bool
}

type Client struct {
	cfg Config
}

func NewClient(cfg Config) *Client {
	if strings.TrimSpace(cfg.Version) == "" {
		cfg.Version = "2c"
	}
	if cfg.Port == 0 {
		cfg.Port = 161
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 900 * time.Millisecond
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.MaxRepetitions == 0 {
		cfg.MaxRepetitions = 10
	}
	return &Client{cfg: cfg}
}

func (c *Client) connect(ctx context.Context, address, community string) (*gosnmp.GoSNMP, error) {
	version := strings.ToLower(strings.TrimSpace(c.cfg.Version))
	var snmpVersion gosnmp.SnmpVersion
	switch version {
	case "2c", "v2c", "":
		snmpVersion = gosnmp.Version2c
	case "1", "v1":
		snmpVersion = gosnmp.Version1
	default:
		return nil, fmt.Errorf("unsupported snmp version %q", c.cfg.Version)
	}

	s := &gosnmp.GoSNMP{
		Target:         address,
		Port:           c.cfg.Port,
		Community:      community,
		Version:        snmpVersion,
		Timeout:        c.cfg.Timeout,
		Retries:        c.cfg.Retries,
		MaxRepetitions: c.cfg.MaxRepetitions,
		Context:        ctx,
	}
	if err := s.Connect(); err != nil {
		return nil, err
	}
	return s, nil
}

const (
	oidIfOperStatus = "1.3.6.1.2.1.2.2.1.8"

	oidIfName          = "1.3.6.1.2.1.31.1.1.1.1"
	oidIfHCInOctets    = "1.3.6.1.2.1.31.1.1.1.6"
	oidIfHCInUcastPkts = "1.3.6.1.2.1.31.1.1.1.7"
	oidIfHCOutOctets   = "1.3.6.1.2.1.31.1.1.1.10"
	oidIfHCOutUcastPkt = "1.3.6.1.2.1.31.1.1.1.11"
)

func pduString(pdu gosnmp.SnmpPDU) (string, bool) {
	switch v := pdu.Value.(type) {
	case string:
		return strings.TrimSpace(v), true
	case []byte:
		return strings.TrimSpace(string(v)), true
	default:
		return "", false
	}
}

func pduUint64(pdu gosnmp.SnmpPDU) (uint64, bool) {
	switch v := pdu.Value.(type) {
	case uint64:
		return v, true
	case uint32:
		return uint64(v), true
	case uint:
		return uint64(v), true
	case int:
		if v < 0 {
			return 0, false
		}
		return uint64(v), true
	case int64:
		if v < 0 {
			return 0, false
		}
		return uint64(v), true
	default:
		return 0, false
	}
}

func lastOIDIndexInt(oid string) (int, bool) {
	oid = strings.TrimSpace(oid)
	if oid == "" {
		return 0, false
	}
	parts := strings.Split(oid, ".")
	n, err := strconv.Atoi(parts[len(parts)-1])
	if err != nil {
		return 0, false
	}
	return n, true
}

// InterfaceCounters walks the IF-MIB counter columns and returns them keyed by
// ifName. Rows without a name are dropped.
func (c *Client) InterfaceCounters(ctx context.Context, address, community string) (map[string]Counters, error) {
	if c == nil {
		return nil, errors.New("snmp client is nil")
	}
	if community == "" {
		return nil, errors.New("snmp community is empty")
	}

	s, err := c.connect(ctx, address, community)
	if err != nil {
		return nil, err
	}
	defer s.Conn.Close()

	walks := make(map[string][]gosnmp.SnmpPDU, 6)
	for _, base := range []string{oidIfName, oidIfHCInOctets, oidIfHCOutOctets, oidIfHCInUcastPkts, oidIfHCOutUcastPkt, oidIfOperStatus} {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		pdus, err := s.BulkWalkAll(base)
		if err != nil {
			if base == oidIfName {
				return nil, err
			}
			// Older agents lack some HC columns; keep what we have.
			continue
		}
		walks[base] = pdus
	}
	return assemble(walks), nil
}

// assemble joins per-column walks on ifIndex.
func assemble(walks map[string][]gosnmp.SnmpPDU) map[string]Counters {
	byIndex := map[int]*Counters{}
	row := func(idx int) *Counters {
		r, ok := byIndex[idx]
		if !ok {
			r = &Counters{IfIndex: idx}
			byIndex[idx] = r
		}
		return r
	}

	for base, pdus := range walks {
		for _, p := range pdus {
			idx, ok := lastOIDIndexInt(p.Name)
			if !ok {
				continue
			}
			r := row(idx)
			switch base {
			case oidIfName:
				r.Name, _ = pduString(p)
			case oidIfOperStatus:
				if n, ok := pduUint64(p); ok {
					up := n == 1
					r.OperUp = &up
				}
			case oidIfHCInOctets:
				r.RxBytes, _ = pduUint64(p)
			case oidIfHCOutOctets:
				r.TxBytes, _ = pduUint64(p)
			case oidIfHCInUcastPkts:
				r.RxPackets, _ = pduUint64(p)
			case oidIfHCOutUcastPkt:
				r.TxPackets, _ = pduUint64(p)
			}
		}
	}

	out := make(map[string]Counters, len(byIndex))
	for _, r := range byIndex {
		if r.Name == "" {
			continue
		}
		out[r.Name] = *r
	}
	return out
}
