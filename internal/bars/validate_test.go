package bars

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/barwatch/barwatch/internal/domain"
)

func validHistorical() domain.Bar {
	return domain.Bar{
		Symbol:    "AAPL",
		Timeframe: domain.TimeframeD1,
		TS:        fixedNow.AddDate(0, 0, -2),
		Open:      100, High: 101, Low: 99, Close: 100.5,
		Volume:   1000,
		Provider: domain.ProviderAlpaca,
	}
}

func TestValidateHistoricalBar(t *testing.T) {
	assert.NoError(t, ValidateBar(validHistorical(), fixedNow))
}

func TestValidateRejectsHistoricalToday(t *testing.T) {
	b := validHistorical()
	b.TS = fixedNow.Truncate(24 * time.Hour) // today 00:00 UTC

	err := ValidateBar(b, fixedNow)
	require.Error(t, err)

	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestValidateAllowsIntradayToday(t *testing.T) {
	b := validHistorical()
	b.Timeframe = domain.TimeframeM15
	b.TS = fixedNow.Add(-time.Hour)
	b.IsIntraday = true

	assert.NoError(t, ValidateBar(b, fixedNow))
}

func TestValidateRejectsForecastFromDataProvider(t *testing.T) {
	for _, p := range []domain.Provider{
		domain.ProviderAlpaca, domain.ProviderPolygon,
		domain.ProviderYFinance, domain.ProviderTradier,
	} {
		b := validHistorical()
		b.Provider = p
		b.IsForecast = true
		assert.Error(t, ValidateBar(b, fixedNow), "provider %s", p)
	}
}

func TestValidateTradierRules(t *testing.T) {
	b := validHistorical()
	b.Provider = domain.ProviderTradier
	b.Timeframe = domain.TimeframeM15
	b.TS = fixedNow.Add(-time.Hour) // same ET day as fixedNow
	b.IsIntraday = true
	assert.NoError(t, ValidateBar(b, fixedNow))

	// Not intraday
	b.IsIntraday = false
	assert.Error(t, ValidateBar(b, fixedNow))

	// Intraday but yesterday
	b.IsIntraday = true
	b.TS = fixedNow.AddDate(0, 0, -1)
	assert.Error(t, ValidateBar(b, fixedNow))
}

func TestValidateForecastRules(t *testing.T) {
	upper, lower := 110.0, 90.0
	b := domain.Bar{
		Symbol:    "AAPL",
		Timeframe: domain.TimeframeD1,
		TS:        fixedNow.AddDate(0, 0, 1),
		Open:      100, High: 101, Low: 99, Close: 100.5,
		Provider:   domain.ProviderMLForecast,
		IsForecast: true,
		UpperBand:  &upper,
		LowerBand:  &lower,
	}
	assert.NoError(t, ValidateBar(b, fixedNow))

	// Past timestamp
	past := b
	past.TS = fixedNow.Add(-time.Hour)
	assert.Error(t, ValidateBar(past, fixedNow))

	// Missing band
	noBand := b
	noBand.LowerBand = nil
	assert.Error(t, ValidateBar(noBand, fixedNow))

	// is_forecast not set
	notFlagged := b
	notFlagged.IsForecast = false
	assert.Error(t, ValidateBar(notFlagged, fixedNow))

	// Confidence outside [0,1]
	badConf := b
	conf := 1.5
	badConf.ConfidenceScore = &conf
	assert.Error(t, ValidateBar(badConf, fixedNow))
}

func TestValidateRejectsMalformedFields(t *testing.T) {
	empty := validHistorical()
	empty.Symbol = ""
	assert.Error(t, ValidateBar(empty, fixedNow))

	badTF := validHistorical()
	badTF.Timeframe = "m5"
	assert.Error(t, ValidateBar(badTF, fixedNow))

	badProvider := validHistorical()
	badProvider.Provider = "bloomberg"
	assert.Error(t, ValidateBar(badProvider, fixedNow))

	negVolume := validHistorical()
	negVolume.Volume = -1
	assert.Error(t, ValidateBar(negVolume, fixedNow))
}
