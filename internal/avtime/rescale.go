// Package avtime provides rational stream time bases and timestamp
// rescaling between them.
package avtime

import (
	"math"
	"math/bits"
)

// Rational is a time base expressed as Num/Den seconds per tick.
type Rational struct {
	Num int64
	Den int64
}

// Millis is the canonical bridge time base: one tick per millisecond.
// Sessions default to it but accept any valid base in their config.
var Millis = Rational{Num: 1, Den: 1000}

// Valid reports whether the time base has positive components.
func (r Rational) Valid() bool {
	return r.Num > 0 && r.Den > 0
}

// Rescale converts v from time base `from` to time base `to`, rounding to
// the nearest representable value with halves away from zero. Results
// that do not fit in int64 are clamped to math.MinInt64/MaxInt64 instead
// of wrapping, and the extreme values themselves pass through unchanged
// so a "no timestamp" marker survives conversion. Identical time bases
// are an exact passthrough.
func Rescale(v int64, from, to Rational) int64 {
	if from == to {
		return v
	}
	if v == math.MinInt64 || v == math.MaxInt64 {
		return v
	}

	// v * (from.Num * to.Den) / (from.Den * to.Num). Time base components
	// are small (denominators up to ~90kHz clocks), so the cross products
	// fit in int64; the product with v needs 128 bits.
	num := from.Num * to.Den
	den := from.Den * to.Num
	if num == den {
		return v
	}

	neg := v < 0
	mag := uint64(v)
	if neg {
		mag = uint64(-v)
	}

	hi, lo := bits.Mul64(mag, uint64(num))
	var carry uint64
	lo, carry = bits.Add64(lo, uint64(den)/2, 0)
	hi += carry
	if hi >= uint64(den) {
		if neg {
			return math.MinInt64
		}
		return math.MaxInt64
	}
	q, _ := bits.Div64(hi, lo, uint64(den))

	if neg {
		if q >= 1<<63 {
			return math.MinInt64
		}
		return -int64(q)
	}
	if q > uint64(math.MaxInt64) {
		return math.MaxInt64
	}
	return int64(q)
}
