// Package clock provides UTC time, the US market calendar, and slice
// alignment for the orchestrator. All internal comparisons use UTC; the
// America/New_York zone is consulted only to classify market days.
package clock

import (
	"time"

	"github.com/barwatch/barwatch/internal/domain"
)

// eastern is the US market zone. Falls back to a fixed UTC-5 zone if the
// tzdata lookup fails, so classification stays deterministic.
var eastern = func() *time.Location {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return time.FixedZone("ET", -5*60*60)
	}
	return loc
}()

// Clock exposes the time operations the orchestrator and readers depend on.
type Clock interface {
	NowUTC() time.Time
	MarketDayET(t time.Time) time.Time
	IsMarketHours(t time.Time) bool
	AlignSliceEnd(t time.Time, tf domain.Timeframe) time.Time
}

// Real is the production clock.
type Real struct{}

// New returns the production clock.
func New() Real {
	return Real{}
}

// NowUTC returns the current time in UTC.
func (Real) NowUTC() time.Time {
	return time.Now().UTC()
}

// MarketDayET returns t's market day: midnight of t's civil date in
// America/New_York. Two instants share a market day iff this value is equal.
func (Real) MarketDayET(t time.Time) time.Time {
	return MarketDayET(t)
}

// IsMarketHours reports whether t falls inside US equity market hours,
// 09:30-16:00 ET Monday through Friday. Exchange holidays are not modeled;
// a holiday behaves like a quiet trading day.
func (Real) IsMarketHours(t time.Time) bool {
	return IsMarketHours(t)
}

// AlignSliceEnd floors t to the nearest boundary of the timeframe.
func (Real) AlignSliceEnd(t time.Time, tf domain.Timeframe) time.Time {
	return AlignSliceEnd(t, tf)
}

// Fixed is a test clock pinned to a single instant.
type Fixed struct {
	Now time.Time
}

// NewFixed returns a clock whose NowUTC always reports now.
func NewFixed(now time.Time) Fixed {
	return Fixed{Now: now.UTC()}
}

// NowUTC returns the pinned instant.
func (f Fixed) NowUTC() time.Time { return f.Now }

// MarketDayET behaves exactly like the production clock.
func (Fixed) MarketDayET(t time.Time) time.Time { return MarketDayET(t) }

// IsMarketHours behaves exactly like the production clock.
func (Fixed) IsMarketHours(t time.Time) bool { return IsMarketHours(t) }

// AlignSliceEnd behaves exactly like the production clock.
func (Fixed) AlignSliceEnd(t time.Time, tf domain.Timeframe) time.Time {
	return AlignSliceEnd(t, tf)
}

// MarketDayET returns midnight of t's civil date in America/New_York.
func MarketDayET(t time.Time) time.Time {
	et := t.In(eastern)
	return time.Date(et.Year(), et.Month(), et.Day(), 0, 0, 0, 0, eastern)
}

// SameMarketDay reports whether a and b fall on the same ET calendar day.
func SameMarketDay(a, b time.Time) bool {
	return MarketDayET(a).Equal(MarketDayET(b))
}

// IsMarketHours reports whether t is inside 09:30-16:00 ET on a weekday.
func IsMarketHours(t time.Time) bool {
	et := t.In(eastern)
	switch et.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	minutes := et.Hour()*60 + et.Minute()
	return minutes >= 9*60+30 && minutes < 16*60
}

// AlignSliceEnd floors t (UTC) to the covering boundary of the timeframe:
// m15 to the 15-minute mark, h1 to the top of the hour, h4 to
// 00/04/08/12/16/20 UTC, d1 and w1 to UTC midnight.
func AlignSliceEnd(t time.Time, tf domain.Timeframe) time.Time {
	u := t.UTC()
	switch tf {
	case domain.TimeframeM15:
		return u.Truncate(15 * time.Minute)
	case domain.TimeframeH1:
		return u.Truncate(time.Hour)
	case domain.TimeframeH4:
		h := u.Truncate(time.Hour)
		return h.Add(-time.Duration(h.Hour()%4) * time.Hour)
	case domain.TimeframeD1, domain.TimeframeW1:
		return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
	default:
		return u
	}
}

// BucketStart floors ts to the start of its aggregation bucket for the given
// timeframe. Used by the chart-read aggregator to roll m15 bars into UTC
// aligned h1/h4 buckets.
func BucketStart(ts time.Time, tf domain.Timeframe) time.Time {
	return AlignSliceEnd(ts, tf)
}
