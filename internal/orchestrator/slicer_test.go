package orchestrator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/barwatch/barwatch/internal/domain"
)

func interval(from, to time.Time) domain.Interval {
	return domain.Interval{From: from, To: to}
}

func TestSplitGapIntradayCutsAtDayBoundaries(t *testing.T) {
	from := time.Date(2026, 8, 18, 14, 30, 0, 0, time.UTC)
	to := time.Date(2026, 8, 21, 14, 30, 0, 0, time.UTC)

	slices := SplitGap(interval(from, to), domain.TimeframeM15)
	require.Len(t, slices, 4)

	assert.Equal(t, from, slices[0].From)
	assert.Equal(t, time.Date(2026, 8, 19, 0, 0, 0, 0, time.UTC), slices[0].To)
	assert.Equal(t, time.Date(2026, 8, 19, 0, 0, 0, 0, time.UTC), slices[1].From)
	assert.Equal(t, time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC), slices[1].To)
	assert.Equal(t, time.Date(2026, 8, 21, 0, 0, 0, 0, time.UTC), slices[3].From)
	assert.Equal(t, to, slices[3].To)

	// Oldest first, contiguous.
	for i := 1; i < len(slices); i++ {
		assert.Equal(t, slices[i-1].To, slices[i].From)
		assert.True(t, slices[i-1].From.Before(slices[i].From))
	}
}

func TestSplitGapDailyCutsAtMonthBoundaries(t *testing.T) {
	from := time.Date(2026, 6, 10, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 8, 21, 0, 0, 0, 0, time.UTC)

	slices := SplitGap(interval(from, to), domain.TimeframeD1)
	require.Len(t, slices, 3)

	assert.Equal(t, from, slices[0].From)
	assert.Equal(t, time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC), slices[0].To)
	assert.Equal(t, time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC), slices[1].To)
	assert.Equal(t, to, slices[2].To)
}

func TestSplitGapWeeklyUsesMonthSlices(t *testing.T) {
	from := time.Date(2026, 7, 15, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 8, 2, 0, 0, 0, 0, time.UTC)

	slices := SplitGap(interval(from, to), domain.TimeframeW1)
	require.Len(t, slices, 2)
	assert.Equal(t, time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC), slices[0].To)
}

func TestSplitGapWithinOneBoundaryIsSingleSlice(t *testing.T) {
	from := time.Date(2026, 8, 21, 9, 0, 0, 0, time.UTC)
	to := time.Date(2026, 8, 21, 14, 30, 0, 0, time.UTC)

	slices := SplitGap(interval(from, to), domain.TimeframeH1)
	require.Len(t, slices, 1)
	assert.Equal(t, from, slices[0].From)
	assert.Equal(t, to, slices[0].To)
}

func TestSplitGapEmptyOrInverted(t *testing.T) {
	ts := time.Date(2026, 8, 21, 0, 0, 0, 0, time.UTC)

	assert.Nil(t, SplitGap(interval(ts, ts), domain.TimeframeM15))
	assert.Nil(t, SplitGap(interval(ts, ts.Add(-time.Hour)), domain.TimeframeM15))
}

func TestSplitGapIsDeterministic(t *testing.T) {
	gap := interval(
		time.Date(2026, 8, 18, 14, 30, 0, 0, time.UTC),
		time.Date(2026, 8, 21, 14, 30, 0, 0, time.UTC),
	)

	first := SplitGap(gap, domain.TimeframeM15)
	second := SplitGap(gap, domain.TimeframeM15)
	assert.Equal(t, first, second)
}

func TestSliceGapsCapsAtEnd(t *testing.T) {
	end := time.Date(2026, 8, 21, 0, 0, 0, 0, time.UTC)
	gaps := []domain.Interval{
		interval(time.Date(2026, 8, 19, 0, 0, 0, 0, time.UTC), time.Date(2026, 8, 21, 14, 30, 0, 0, time.UTC)),
	}

	slices := SliceGaps(gaps, domain.TimeframeM15, end)
	require.Len(t, slices, 2)
	assert.Equal(t, end, slices[1].To)
}

func TestSliceGapsDropsGapsEntirelyPastEnd(t *testing.T) {
	end := time.Date(2026, 8, 21, 0, 0, 0, 0, time.UTC)
	gaps := []domain.Interval{
		interval(end.Add(time.Hour), end.Add(2*time.Hour)),
	}

	assert.Empty(t, SliceGaps(gaps, domain.TimeframeM15, end))
}
