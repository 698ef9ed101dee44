// Package orchestrator coordinates the ingestion loop: each tick scans
// enabled job definitions, turns coverage gaps into queued slice runs, and
// dispatches a bounded pool of workers that claim and execute them.
package orchestrator

import (
	"time"

	"github.com/barwatch/barwatch/internal/domain"
)

// SplitGap cuts a coverage gap into request-sized slices. Intraday
// timeframes split at UTC day boundaries, d1/w1 at month boundaries, so
// repeated ticks over the same gap produce identical slices and the queue's
// idempotency hash can dedup them. Slices come back oldest first.
func SplitGap(gap domain.Interval, tf domain.Timeframe) []domain.Interval {
	from := gap.From.UTC()
	to := gap.To.UTC()
	if !from.Before(to) {
		return nil
	}

	next := nextDay
	if tf == domain.TimeframeD1 || tf == domain.TimeframeW1 {
		next = nextMonth
	}

	var out []domain.Interval
	for from.Before(to) {
		cut := next(from)
		if cut.After(to) {
			cut = to
		}
		out = append(out, domain.Interval{From: from, To: cut})
		from = cut
	}
	return out
}

// SliceGaps splits every gap for a definition and caps slice ends at end.
func SliceGaps(gaps []domain.Interval, tf domain.Timeframe, end time.Time) []domain.Interval {
	var out []domain.Interval
	for _, gap := range gaps {
		if gap.To.After(end) {
			gap.To = end
		}
		out = append(out, SplitGap(gap, tf)...)
	}
	return out
}

func nextDay(t time.Time) time.Time {
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return day.AddDate(0, 0, 1)
}

func nextMonth(t time.Time) time.Time {
	month := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return month.AddDate(0, 1, 0)
}
