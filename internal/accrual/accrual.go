// Package accrual computes offline earnings. The same functions back the
// authoritative claim path and the client-side predictor so the two can never
// disagree on the formula.
package accrual

import (
	"math"
	"math/bits"
	"time"
)

// DefaultMaxWindow is the backlog cap used when no window is configured.
const DefaultMaxWindow = 8 * time.Hour

// Quote is the amount owed for one accrual window. It is never persisted.
type Quote struct {
	Elapsed     time.Duration // clamped to [0, maxWindow]
	Amount      int64         // floor(ratePerHour * elapsed hours)
	Capped      bool          // true when elapsed was clamped to maxWindow
	WindowStart time.Time
	WindowEnd   time.Time
}

// Compute quotes the amount accrued between last and now at ratePerHour.
// Elapsed time is clamped before multiplying, so the cap bounds the amount
// instead of rounding an unbounded one. A now earlier than last (clock skew)
// yields a zero quote.
func Compute(now, last time.Time, ratePerHour int64, maxWindow time.Duration) Quote {
	if maxWindow < 0 {
		maxWindow = 0
	}
	elapsed := now.Sub(last)
	capped := false
	if elapsed < 0 {
		elapsed = 0
	}
	if elapsed > maxWindow {
		elapsed = maxWindow
		capped = true
	}
	return Quote{
		Elapsed:     elapsed,
		Amount:      amountFor(ratePerHour, elapsed),
		Capped:      capped,
		WindowStart: now.Add(-elapsed),
		WindowEnd:   now,
	}
}

// amountFor returns floor(rate * elapsed / 1h) with 128-bit intermediate
// precision, saturating at math.MaxInt64.
func amountFor(ratePerHour int64, elapsed time.Duration) int64 {
	if ratePerHour <= 0 || elapsed <= 0 {
		return 0
	}
	hi, lo := bits.Mul64(uint64(ratePerHour), uint64(elapsed))
	if hi >= uint64(time.Hour) {
		return math.MaxInt64
	}
	q, _ := bits.Div64(hi, lo, uint64(time.Hour))
	if q > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(q)
}

// PerUnit returns how long it takes to accrue one unit at ratePerHour.
// ok is false when the rate is not positive.
func PerUnit(ratePerHour int64) (d time.Duration, ok bool) {
	if ratePerHour <= 0 {
		return 0, false
	}
	hour := int64(time.Hour)
	if ratePerHour >= hour {
		return time.Nanosecond, true
	}
	return time.Duration((hour + ratePerHour - 1) / ratePerHour), true
}

// NextUnitAt returns the earliest instant at which at least one unit is owed
// for an account last credited at last.
func NextUnitAt(last time.Time, ratePerHour int64) (time.Time, bool) {
	d, ok := PerUnit(ratePerHour)
	if !ok {
		return time.Time{}, false
	}
	return last.Add(d), true
}
