package bars

import (
	"sort"
	"time"

	"github.com/barwatch/barwatch/internal/clock"
	"github.com/barwatch/barwatch/internal/domain"
)

// Provider preference when several providers hold a bar for the same
// timestamp. Historical reads may fall back to yfinance; intraday reads
// never do (yfinance intraday data lags too far behind the tape).
var (
	historicalOrder = []domain.Provider{
		domain.ProviderPolygon,
		domain.ProviderAlpaca,
		domain.ProviderYFinance,
		domain.ProviderTradier,
	}
	intradayOrder = []domain.Provider{
		domain.ProviderPolygon,
		domain.ProviderAlpaca,
		domain.ProviderTradier,
	}
)

// providerRank returns the preference rank of p (lower is better).
// Providers absent from the preference list rank last.
func providerRank(p domain.Provider, intraday bool) int {
	order := historicalOrder
	if intraday {
		order = intradayOrder
	}
	for i, candidate := range order {
		if candidate == p {
			return i
		}
	}
	return len(order)
}

// barRank ranks a bar using the intraday preference list when the bar's
// ET market day is today, and the historical list otherwise.
func barRank(b domain.Bar, todayET time.Time) int {
	intraday := clock.MarketDayET(b.TS).Equal(todayET)
	return providerRank(b.Provider, intraday)
}

// dedupByTimestamp collapses bars that share a timestamp down to the
// best-ranked provider's row. Result is sorted ascending by time.
func dedupByTimestamp(in []domain.Bar, todayET time.Time) []domain.Bar {
	if len(in) == 0 {
		return nil
	}

	best := make(map[int64]domain.Bar, len(in))
	for _, b := range in {
		key := b.TS.Unix()
		cur, ok := best[key]
		if !ok || barRank(b, todayET) < barRank(cur, todayET) {
			best[key] = b
		}
	}

	out := make([]domain.Bar, 0, len(best))
	for _, b := range best {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TS.Before(out[j].TS) })

	return out
}

// aggregateBuckets rolls finer-grained source bars up into target-timeframe
// buckets (UTC-aligned). Each bucket uses members from a single provider,
// chosen by preference rank among the providers present in that bucket:
// open of the first member, max high, min low, close of the last member,
// summed volume. Result is sorted ascending by bucket start.
func aggregateBuckets(src []domain.Bar, target domain.Timeframe, todayET time.Time) []domain.Bar {
	if len(src) == 0 {
		return nil
	}

	grouped := make(map[int64]map[domain.Provider][]domain.Bar)
	for _, b := range src {
		start := clock.BucketStart(b.TS, target).Unix()
		if grouped[start] == nil {
			grouped[start] = make(map[domain.Provider][]domain.Bar)
		}
		grouped[start][b.Provider] = append(grouped[start][b.Provider], b)
	}

	out := make([]domain.Bar, 0, len(grouped))
	for start, byProvider := range grouped {
		bucketStart := time.Unix(start, 0).UTC()
		intraday := clock.MarketDayET(bucketStart).Equal(todayET)

		var chosen domain.Provider
		chosenRank := -1
		for p := range byProvider {
			if r := providerRank(p, intraday); chosenRank < 0 || r < chosenRank {
				chosen = p
				chosenRank = r
			}
		}

		members := byProvider[chosen]
		sort.Slice(members, func(i, j int) bool { return members[i].TS.Before(members[j].TS) })

		agg := domain.Bar{
			SymbolID:   members[0].SymbolID,
			Symbol:     members[0].Symbol,
			Timeframe:  target,
			TS:         bucketStart,
			Open:       members[0].Open,
			High:       members[0].High,
			Low:        members[0].Low,
			Close:      members[len(members)-1].Close,
			Provider:   chosen,
			IsIntraday: intraday,
			DataStatus: members[len(members)-1].DataStatus,
			FetchedAt:  members[len(members)-1].FetchedAt,
		}
		for _, m := range members {
			if m.High > agg.High {
				agg.High = m.High
			}
			if m.Low < agg.Low {
				agg.Low = m.Low
			}
			agg.Volume += m.Volume
		}

		out = append(out, agg)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].TS.Before(out[j].TS) })

	return out
}
