package indicators

import (
	"math"

	"reversal-core/pkg/exchanges/common"
)

// TrueRange is max(high-low, |high-prevClose|, |low-prevClose|).
func TrueRange(high, low, prevClose float64) float64 {
	return math.Max(high-low, math.Max(math.Abs(high-prevClose), math.Abs(low-prevClose)))
}

// TrueRanges returns one value per candle; the first candle has no previous
// close and uses its own range.
func TrueRanges(candles []common.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		if i == 0 {
			out[i] = c.High - c.Low
			continue
		}
		out[i] = TrueRange(c.High, c.Low, candles[i-1].Close)
	}
	return out
}

// ATR is the mean of the last period true ranges.
func ATR(candles []common.Candle, period int) float64 {
	return SMA(TrueRanges(candles), period)
}
