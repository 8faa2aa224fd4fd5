package rate

import (
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)

func TestRate(t *testing.T) {
	tests := []struct {
		name   string
		prev   *Sample
		curr   Sample
		want   int64
		wantOK bool
	}{
		{
			name: "first observation",
			prev: nil,
			curr: Sample{Value: 1000, ObservedAt: t0},
		},
		{
			name: "zero elapsed",
			prev: &Sample{Value: 1000, ObservedAt: t0},
			curr: Sample{Value: 5000, ObservedAt: t0},
		},
		{
			name: "clock went backwards",
			prev: &Sample{Value: 1000, ObservedAt: t0},
			curr: Sample{Value: 5000, ObservedAt: t0.Add(-time.Second)},
		},
		{
			name: "sub-millisecond elapsed",
			prev: &Sample{Value: 1000, ObservedAt: t0},
			curr: Sample{Value: 5000, ObservedAt: t0.Add(500 * time.Microsecond)},
		},
		{
			name: "counter reset",
			prev: &Sample{Value: 10_000, ObservedAt: t0},
			curr: Sample{Value: 10, ObservedAt: t0.Add(5 * time.Second)},
		},
		{
			name:   "idle counter",
			prev:   &Sample{Value: 10_000, ObservedAt: t0},
			curr:   Sample{Value: 10_000, ObservedAt: t0.Add(5 * time.Second)},
			want:   0,
			wantOK: true,
		},
		{
			name:   "one megabyte per second",
			prev:   &Sample{Value: 0, ObservedAt: t0},
			curr:   Sample{Value: 5_000_000, ObservedAt: t0.Add(5 * time.Second)},
			want:   8_000_000,
			wantOK: true,
		},
		{
			name:   "rounds to nearest bit",
			prev:   &Sample{Value: 0, ObservedAt: t0},
			curr:   Sample{Value: 1, ObservedAt: t0.Add(3 * time.Millisecond)},
			want:   2667,
			wantOK: true,
		},
		{
			name:   "huge delta does not overflow",
			prev:   &Sample{Value: 0, ObservedAt: t0},
			curr:   Sample{Value: math.MaxUint64, ObservedAt: t0.Add(time.Millisecond)},
			want:   math.MaxInt64,
			wantOK: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Rate(tt.prev, tt.curr)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
			assert.GreaterOrEqual(t, got, int64(0))
		})
	}
}

func TestRate_NeverNegativeOnDecreasingCounters(t *testing.T) {
	for prevValue := uint64(1); prevValue < 1<<40; prevValue *= 7 {
		for _, currValue := range []uint64{0, prevValue / 2, prevValue - 1} {
			got, ok := Rate(
				&Sample{Value: prevValue, ObservedAt: t0},
				Sample{Value: currValue, ObservedAt: t0.Add(10 * time.Second)},
			)
			require.False(t, ok, "prev=%d curr=%d", prevValue, currValue)
			require.Zero(t, got)
		}
	}
}

func TestStore_ObserveAndCurrent(t *testing.T) {
	s := NewStore(0)

	rx := Key{DeviceID: "r1", Interface: "ether1", Direction: RX}
	tx := Key{DeviceID: "r1", Interface: "ether1", Direction: TX}

	_, ok := s.Observe(rx, Sample{Value: 1000, ObservedAt: t0})
	require.False(t, ok)
	_, ok = s.Observe(tx, Sample{Value: 500, ObservedAt: t0})
	require.False(t, ok)

	_, known := s.Current("r1", "ether1")
	assert.False(t, known, "a single sample must not produce a rate")

	bps, ok := s.Observe(rx, Sample{Value: 2000, ObservedAt: t0.Add(time.Second)})
	require.True(t, ok)
	assert.Equal(t, int64(8000), bps)

	cur, known := s.Current("r1", "ether1")
	require.True(t, known)
	require.NotNil(t, cur.RxBps)
	assert.Equal(t, int64(8000), *cur.RxBps)
	assert.Nil(t, cur.TxBps)

	// Counter reset: rate becomes unknown, and the next delta is measured from the reset value.
	_, ok = s.Observe(rx, Sample{Value: 100, ObservedAt: t0.Add(2 * time.Second)})
	require.False(t, ok)
	cur, _ = s.Current("r1", "ether1")
	assert.Nil(t, cur.RxBps)

	bps, ok = s.Observe(rx, Sample{Value: 1100, ObservedAt: t0.Add(3 * time.Second)})
	require.True(t, ok)
	assert.Equal(t, int64(8000), bps)
}

func TestStore_StaleRatesAreUnknown(t *testing.T) {
	s := NewStore(time.Minute)
	now := t0.Add(2 * time.Second)
	s.now = func() time.Time { return now }

	k := Key{DeviceID: "r1", Interface: "sfp1", Direction: TX}
	s.Observe(k, Sample{Value: 0, ObservedAt: t0})
	s.Observe(k, Sample{Value: 1000, ObservedAt: t0.Add(time.Second)})

	_, known := s.Current("r1", "sfp1")
	require.True(t, known)

	now = t0.Add(5 * time.Minute)
	_, known = s.Current("r1", "sfp1")
	assert.False(t, known)
}

func TestStore_DeviceAndForget(t *testing.T) {
	s := NewStore(0)
	for _, iface := range []string{"ether2", "ether1"} {
		k := Key{DeviceID: "r1", Interface: iface, Direction: RX}
		s.Observe(k, Sample{Value: 0, ObservedAt: t0})
		s.Observe(k, Sample{Value: 125, ObservedAt: t0.Add(time.Second)})
	}
	s.Observe(Key{DeviceID: "r2", Interface: "ether1", Direction: RX}, Sample{Value: 0, ObservedAt: t0})

	rates := s.Device("r1")
	require.Len(t, rates, 2)
	assert.Equal(t, "ether1", rates[0].Interface)
	assert.Equal(t, "ether2", rates[1].Interface)
	require.NotNil(t, rates[0].RxBps)
	assert.Equal(t, int64(1000), *rates[0].RxBps)

	s.Forget("r1")
	assert.Empty(t, s.Device("r1"))
	assert.Len(t, s.Device("r2"), 1)
}

func TestStore_ConcurrentInterfaces(t *testing.T) {
	s := NewStore(0)
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			k := Key{DeviceID: "r1", Interface: fmt.Sprintf("ether%d", i), Direction: RX}
			for n := 0; n < 100; n++ {
				s.Observe(k, Sample{Value: uint64(n * 1000), ObservedAt: t0.Add(time.Duration(n) * time.Second)})
			}
		}(i)
	}
	wg.Wait()

	rates := s.Device("r1")
	require.Len(t, rates, 32)
	for _, r := range rates {
		require.NotNil(t, r.RxBps, r.Interface)
		assert.Equal(t, int64(8000), *r.RxBps)
	}
}
