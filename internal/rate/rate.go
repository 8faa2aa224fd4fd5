// Package rate turns cumulative interface byte counters into bits per second.
package rate

import (
	"math"
	"math/bits"
	"time"
)

// Sample is one observation of a monotonically increasing counter.
type Sample struct {
	Value      uint64
	ObservedAt time.Time
}

// Rate derives bits per second from two byte-counter samples.
//
// ok is false when no rate can be inferred: no previous sample, a clock that
// did not move forward (or moved less than a millisecond), or a counter that
// went backwards after a reset or wrap. Callers must treat that as unknown,
// not zero.
func Rate(prev *Sample, curr Sample) (bps int64, ok bool) {
	if prev == nil {
		return 0, false
	}
	if !curr.ObservedAt.After(prev.ObservedAt) {
		return 0, false
	}
	if curr.Value < prev.Value {
		return 0, false
	}
	elapsedMS := curr.ObservedAt.Sub(prev.ObservedAt).Milliseconds()
	if elapsedMS <= 0 {
		return 0, false
	}
	return bitsPerSecond(curr.Value-prev.Value, uint64(elapsedMS)), true
}

// bitsPerSecond computes round(delta*8*1000/ms) without overflowing on large deltas.
func bitsPerSecond(delta, ms uint64) int64 {
	hi, lo := bits.Mul64(delta, 8000)
	var carry uint64
	lo, carry = bits.Add64(lo, ms/2, 0)
	hi += carry
	if hi >= ms {
		return math.MaxInt64
	}
	q, _ := bits.Div64(hi, lo, ms)
	if q > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(q)
}
