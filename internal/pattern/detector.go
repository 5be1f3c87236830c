// Package pattern detects U-shaped reversals: a local minimum preceded by a
// steep decline and followed by a shallow recovery that is close to breaking
// out above the local high.
package pattern

import (
	"math"

	"reversal-core/internal/indicators"
	"reversal-core/pkg/exchanges/common"
)

// Signal is a buy signal located at the final bar of the window.
type Signal struct {
	Symbol       string  `json:"symbol,omitempty"`
	Timeframe    string  `json:"timeframe"`
	EntryPrice   float64 `json:"entry_price"`
	Strength     float64 `json:"strength"`
	LocalMin     float64 `json:"local_min"`
	LocalHigh    float64 `json:"local_high"`
	MinIndex     int     `json:"min_index"`
	Width        int     `json:"width"`
	ATR          float64 `json:"atr"`
	Factor       float64 `json:"factor"`
	Depth        float64 `json:"depth"`
	CurrentPrice float64 `json:"current_price"`
	PreSlope     float64 `json:"pre_slope"`
	RecentSlope  float64 `json:"recent_slope"`
	Momentum     float64 `json:"momentum"`
}

// LocalMin is a qualifying local minimum of the window.
type LocalMin struct {
	Index     int
	Low       float64
	LocalHigh float64
	Depth     float64
}

// LocalMinima returns the qualifying minima in chronological order.
func LocalMinima(w []common.Candle, p Params) []LocalMin {
	n := len(w)
	k := p.Lookaround
	var out []LocalMin
	for i := k; i <= n-1-k; i++ {
		low := w[i].Low
		isMin := true
		high := math.Inf(-1)
		volSum := 0.0
		for j := i - k; j <= i+k; j++ {
			if w[j].Low < low {
				isMin = false
				break
			}
			high = math.Max(high, w[j].High)
			volSum += w[j].Volume
		}
		if !isMin || high <= 0 {
			continue
		}
		depth := (high - low) / high
		if depth < p.MinDepth {
			continue
		}
		volMean := volSum / float64(2*k+1)
		if !(w[i].Volume > p.VolumeRatio*volMean || depth >= p.StrongDepth) {
			continue
		}
		out = append(out, LocalMin{Index: i, Low: low, LocalHigh: high, Depth: depth})
	}
	return out
}

// Detect runs the detector over candles (oldest first). Only the last
// p.Window bars are used. At most one signal is returned.
func Detect(candles []common.Candle, p Params) []Signal {
	w := candles
	if p.Window > 0 && len(w) > p.Window {
		w = w[len(w)-p.Window:]
	}
	n := len(w)
	if n < 2*p.Lookaround+1 {
		return nil
	}

	lows := LocalMinima(w, p)
	if len(lows) > p.Candidates {
		lows = lows[len(lows)-p.Candidates:]
	}
	if len(lows) == 0 {
		return nil
	}

	closes := make([]float64, n)
	for i, c := range w {
		closes[i] = c.Close
	}
	current := closes[n-1]
	atr := indicators.ATR(w, p.ATRPeriod)
	atrPct := 0.0
	if current > 0 {
		atrPct = atr / current
	}
	factor := p.RuptureFactor(atrPct)
	recent := indicators.NormalizedSlope(tail(closes, p.RecentBars))
	momentum := indicators.NormalizedSlope(tail(closes, p.MomentumBars))

	for _, low := range lows {
		breakout := low.LocalHigh * factor
		width := n - 1 - low.Index
		if width <= p.MinWidth || width >= p.MaxWidth {
			continue
		}
		if low.Index < p.PreSlopeBars {
			continue
		}
		pre := indicators.NormalizedSlope(closes[low.Index-p.PreSlopeBars : low.Index])

		if pre >= p.PreSlopeMax ||
			current < breakout*p.Proximity ||
			recent <= p.RecentSlopeMin ||
			low.Depth < p.MinDepth ||
			momentum <= p.MomentumMin {
			continue
		}
		return []Signal{{
			Timeframe:    p.Timeframe,
			EntryPrice:   breakout,
			Strength:     math.Abs(pre),
			LocalMin:     low.Low,
			LocalHigh:    low.LocalHigh,
			MinIndex:     low.Index,
			Width:        width,
			ATR:          atr,
			Factor:       factor,
			Depth:        low.Depth,
			CurrentPrice: current,
			PreSlope:     pre,
			RecentSlope:  recent,
			Momentum:     momentum,
		}}
	}
	return nil
}

func tail(v []float64, n int) []float64 {
	if n <= 0 || n >= len(v) {
		return v
	}
	return v[len(v)-n:]
}
