package bars

import (
	"fmt"
	"time"

	"github.com/barwatch/barwatch/internal/clock"
	"github.com/barwatch/barwatch/internal/domain"
)

// ValidationError reports a bar that violates the write partition rules.
// Rows that fail validation are dropped individually; sibling rows in the
// same batch are unaffected.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "bar validation failed: " + e.Reason
}

func validationErrorf(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// ValidateBar checks a bar against the write partition rules before it may
// enter the store. now must be current UTC time.
//
// The partition keeps the three layers disjoint at write time:
//   - alpaca/polygon/yfinance write completed bars strictly before today
//     (UTC), or explicitly intraday rows;
//   - tradier writes only intraday rows for the current ET market day;
//   - ml_forecast writes only future rows with both confidence bands.
func ValidateBar(b domain.Bar, now time.Time) error {
	if b.Symbol == "" {
		return validationErrorf("symbol is empty")
	}
	if !b.Timeframe.Valid() {
		return validationErrorf("invalid timeframe %q", b.Timeframe)
	}
	if !b.Provider.Valid() {
		return validationErrorf("invalid provider %q", b.Provider)
	}
	if b.TS.IsZero() {
		return validationErrorf("%s %s: timestamp is zero", b.Symbol, b.Timeframe)
	}
	if b.Volume < 0 {
		return validationErrorf("%s %s @ %s: negative volume %d", b.Symbol, b.Timeframe, b.TS.Format(time.RFC3339), b.Volume)
	}

	switch b.Provider {
	case domain.ProviderAlpaca, domain.ProviderPolygon, domain.ProviderYFinance:
		if b.IsForecast {
			return validationErrorf("%s: provider %s must not write forecast rows", b.Symbol, b.Provider)
		}
		if !b.IsIntraday {
			barDay := b.TS.UTC().Truncate(24 * time.Hour)
			today := now.UTC().Truncate(24 * time.Hour)
			if !barDay.Before(today) {
				return validationErrorf("%s %s @ %s: %s historical bar must be strictly before today (UTC)",
					b.Symbol, b.Timeframe, b.TS.Format(time.RFC3339), b.Provider)
			}
		}

	case domain.ProviderTradier:
		if b.IsForecast {
			return validationErrorf("%s: tradier must not write forecast rows", b.Symbol)
		}
		if !b.IsIntraday {
			return validationErrorf("%s @ %s: tradier rows must be intraday", b.Symbol, b.TS.Format(time.RFC3339))
		}
		if !clock.SameMarketDay(b.TS, now) {
			return validationErrorf("%s @ %s: tradier rows must fall on today's ET market day",
				b.Symbol, b.TS.Format(time.RFC3339))
		}

	case domain.ProviderMLForecast:
		if !b.IsForecast {
			return validationErrorf("%s: ml_forecast rows must set is_forecast", b.Symbol)
		}
		if b.IsIntraday {
			return validationErrorf("%s: forecast rows must not be intraday", b.Symbol)
		}
		if !b.TS.After(now) {
			return validationErrorf("%s @ %s: forecast timestamp must be strictly in the future",
				b.Symbol, b.TS.Format(time.RFC3339))
		}
		if b.UpperBand == nil || b.LowerBand == nil {
			return validationErrorf("%s @ %s: forecast rows require both confidence bands",
				b.Symbol, b.TS.Format(time.RFC3339))
		}
		if b.ConfidenceScore != nil && (*b.ConfidenceScore < 0 || *b.ConfidenceScore > 1) {
			return validationErrorf("%s @ %s: confidence score %f outside [0,1]",
				b.Symbol, b.TS.Format(time.RFC3339), *b.ConfidenceScore)
		}
	}

	return nil
}
