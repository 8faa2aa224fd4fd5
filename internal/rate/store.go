package rate

import (
	"sort"
	"sync"
	"time"
)

type Direction string

const (
	RX Direction = "rx"
	TX Direction = "tx"
)

// Key identifies one counter: a direction on one interface of one device.
type Key struct {
	DeviceID  string
	Interface string
	Direction Direction
}

// slot holds the latest sample and the rate derived from it. Each key owns
// its own lock so parallel interface updates never contend with each other.
type slot struct {
	mu         sync.Mutex
	last       Sample
	hasLast    bool
	bps        int64
	known      bool
	computedAt time.Time
}

// Store keeps the most recent sample per key and the last rate computed from it.
// It is safe for concurrent use.
type Store struct {
	slots      sync.Map // Key -> *slot
	staleAfter time.Duration
	now        func() time.Time
}

// NewStore returns an empty Store. Rates older than staleAfter are reported as
// unknown; staleAfter <= 0 disables the check.
func NewStore(staleAfter time.Duration) *Store {
	return &Store{staleAfter: staleAfter, now: time.Now}
}

func (s *Store) slotFor(k Key) *slot {
	if v, ok := s.slots.Load(k); ok {
		return v.(*slot)
	}
	v, _ := s.slots.LoadOrStore(k, &slot{})
	return v.(*slot)
}

// Observe records curr as the latest sample for k and returns the rate
// against the previous sample, if one can be derived.
func (s *Store) Observe(k Key, curr Sample) (int64, bool) {
	sl := s.slotFor(k)
	sl.mu.Lock()
	defer sl.mu.Unlock()

	var prev *Sample
	if sl.hasLast {
		p := sl.last
		prev = &p
	}
	bps, ok := Rate(prev, curr)

	sl.last = curr
	sl.hasLast = true
	sl.bps = bps
	sl.known = ok
	sl.computedAt = curr.ObservedAt
	return bps, ok
}

// InterfaceRate is the current throughput of one interface. A nil field means unknown.
type InterfaceRate struct {
	Interface string
	RxBps     *int64
	TxBps     *int64
	UpdatedAt time.Time
}

func (s *Store) read(k Key) (int64, time.Time, bool) {
	v, ok := s.slots.Load(k)
	if !ok {
		return 0, time.Time{}, false
	}
	sl := v.(*slot)
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if !sl.known {
		return 0, sl.computedAt, false
	}
	if s.staleAfter > 0 && s.now().Sub(sl.computedAt) > s.staleAfter {
		return 0, sl.computedAt, false
	}
	return sl.bps, sl.computedAt, true
}

// Current returns the latest rx/tx rate for one interface. ok is false when
// neither direction is known.
func (s *Store) Current(deviceID, iface string) (InterfaceRate, bool) {
	out := InterfaceRate{Interface: iface}
	if bps, at, ok := s.read(Key{DeviceID: deviceID, Interface: iface, Direction: RX}); ok {
		v := bps
		out.RxBps = &v
		out.UpdatedAt = at
	}
	if bps, at, ok := s.read(Key{DeviceID: deviceID, Interface: iface, Direction: TX}); ok {
		v := bps
		out.TxBps = &v
		if at.After(out.UpdatedAt) {
			out.UpdatedAt = at
		}
	}
	return out, out.RxBps != nil || out.TxBps != nil
}

// Device returns the current rates of every tracked interface on a device,
// sorted by interface name. Interfaces with no known rate are included with
// nil fields so callers can tell "tracked but unknown" from "never seen".
func (s *Store) Device(deviceID string) []InterfaceRate {
	names := map[string]struct{}{}
	s.slots.Range(func(k, _ any) bool {
		key := k.(Key)
		if key.DeviceID == deviceID {
			names[key.Interface] = struct{}{}
		}
		return true
	})

	out := make([]InterfaceRate, 0, len(names))
	for name := range names {
		r, _ := s.Current(deviceID, name)
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Interface < out[j].Interface })
	return out
}

// Forget drops every key for a device, e.g. after it was disabled.
func (s *Store) Forget(deviceID string) {
	s.slots.Range(func(k, _ any) bool {
		if k.(Key).DeviceID == deviceID {
			s.slots.Delete(k)
		}
		return true
	})
}
