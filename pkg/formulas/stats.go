package formulas

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// Mean calculates the arithmetic mean of a slice of float64 values
func Mean(data []float64) float64 {
	if len(data) == 0 {
		return 0
	}
	return stat.Mean(data, nil)
}

// StdDev calculates the standard deviation of a slice of float64 values
func StdDev(data []float64) float64 {
	if len(data) < 2 {
		return 0
	}
	return stat.StdDev(data, nil)
}

// CalculateReturns converts prices to percentage returns
// Returns[i] = (Price[i] - Price[i-1]) / Price[i-1]
func CalculateReturns(prices []float64) []float64 {
	if len(prices) < 2 {
		return []float64{}
	}

	returns := make([]float64, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		if prices[i-1] != 0 {
			returns[i-1] = (prices[i] - prices[i-1]) / prices[i-1]
		}
	}

	return returns
}

// AnnualizedVolatility calculates annualized volatility from daily returns
// using 252 trading days per year.
func AnnualizedVolatility(dailyReturns []float64) float64 {
	if len(dailyReturns) == 0 {
		return 0
	}
	return StdDev(dailyReturns) * math.Sqrt(252)
}

// TrendSlope fits an ordinary least squares line through the series
// (x = bar index) and returns the slope per bar, or nil for series shorter
// than two points.
func TrendSlope(values []float64) *float64 {
	if len(values) < 2 {
		return nil
	}

	xs := make([]float64, len(values))
	for i := range xs {
		xs[i] = float64(i)
	}

	_, slope := stat.LinearRegression(xs, values, nil, false)
	if isNaN(slope) {
		return nil
	}
	return &slope
}

// Momentum calculates the fractional price change over the last n bars.
// Returns nil when the series is shorter than n+1 bars.
func Momentum(prices []float64, n int) *float64 {
	if n <= 0 || len(prices) < n+1 {
		return nil
	}

	past := prices[len(prices)-1-n]
	if past == 0 {
		return nil
	}

	m := (prices[len(prices)-1] - past) / past
	return &m
}
