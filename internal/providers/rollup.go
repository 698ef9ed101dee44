package providers

import (
	"sort"

	"github.com/barwatch/barwatch/internal/clock"
	"github.com/barwatch/barwatch/internal/domain"
)

// RollUp aggregates bars of a finer timeframe into target buckets: open of
// the first member, max high, min low, close of the last member, summed
// volume. Adapters use this when a provider has no native interval for the
// requested timeframe. Input order does not matter; output is ascending.
func RollUp(bars []domain.Bar, target domain.Timeframe) []domain.Bar {
	if len(bars) == 0 {
		return nil
	}

	grouped := make(map[int64][]domain.Bar)
	for _, b := range bars {
		key := clock.BucketStart(b.TS, target).Unix()
		grouped[key] = append(grouped[key], b)
	}

	out := make([]domain.Bar, 0, len(grouped))
	for _, members := range grouped {
		sort.Slice(members, func(i, j int) bool { return members[i].TS.Before(members[j].TS) })

		rolled := members[0]
		rolled.TS = clock.BucketStart(members[0].TS, target)
		rolled.Timeframe = target
		rolled.Close = members[len(members)-1].Close
		rolled.Volume = 0
		for _, m := range members {
			if m.High > rolled.High {
				rolled.High = m.High
			}
			if m.Low < rolled.Low {
				rolled.Low = m.Low
			}
			rolled.Volume += m.Volume
		}
		out = append(out, rolled)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].TS.Before(out[j].TS) })
	return out
}
