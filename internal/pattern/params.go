package pattern

import "fmt"

// Params is the detector configuration for one timeframe.
type Params struct {
	Timeframe      string
	Window         int     // bars fed to the detector
	Lookaround     int     // w, bars each side of a local minimum
	MinDepth       float64 // (local_high - low) / local_high
	MinWidth       int     // exclusive
	MaxWidth       int     // exclusive
	PreSlopeMax    float64 // pre_slope must be below
	PreSlopeBars   int
	RecentSlopeMin float64 // recent_slope must be above
	RecentBars     int
	Proximity      float64 // current >= breakout * Proximity
	MomentumBars   int
	MomentumMin    float64
	FactorBase     float64
	FactorCap      float64
	FactorLow      float64 // atr% below which the base factor is used
	FactorHigh     float64 // atr% where the 0.3 slope gives way to 0.5
	ATRPeriod      int
	Candidates     int     // last K minima considered
	VolumeRatio    float64 // bar volume must exceed ratio * window mean
	StrongDepth    float64 // depth that waives the volume check
}

// Params4h is the 4h preset.
var Params4h = Params{
	Timeframe:      "4h",
	Window:         120,
	Lookaround:     6,
	MinDepth:       0.025,
	MinWidth:       4,
	MaxWidth:       45,
	PreSlopeMax:    -0.12,
	PreSlopeBars:   6,
	RecentSlopeMin: -0.03,
	RecentBars:     6,
	Proximity:      0.97,
	MomentumBars:   20,
	MomentumMin:    -0.10,
	FactorBase:     1.015,
	FactorCap:      1.05,
	FactorLow:      0.015,
	FactorHigh:     0.03,
	ATRPeriod:      14,
	Candidates:     4,
	VolumeRatio:    0.8,
	StrongDepth:    0.04,
}

// Params30m is the 30m preset.
var Params30m = Params{
	Timeframe:      "30m",
	Window:         48,
	Lookaround:     3,
	MinDepth:       0.015,
	MinWidth:       2,
	MaxWidth:       24,
	PreSlopeMax:    -0.08,
	PreSlopeBars:   6,
	RecentSlopeMin: -0.02,
	RecentBars:     3,
	Proximity:      0.98,
	MomentumBars:   10,
	MomentumMin:    -0.05,
	FactorBase:     1.008,
	FactorCap:      1.025,
	FactorLow:      0.008,
	FactorHigh:     0.015,
	ATRPeriod:      7,
	Candidates:     2,
	VolumeRatio:    0.7,
	StrongDepth:    0.025,
}

// ParamsFor returns the preset of a timeframe.
func ParamsFor(timeframe string) (Params, error) {
	switch timeframe {
	case "4h":
		return Params4h, nil
	case "30m":
		return Params30m, nil
	default:
		return Params{}, fmt.Errorf("unsupported timeframe %q", timeframe)
	}
}

// RuptureFactor maps atr/price to the breakout multiplier, clamped to [base, cap].
func (p Params) RuptureFactor(atrPct float64) float64 {
	var f float64
	switch {
	case atrPct < p.FactorLow:
		f = p.FactorBase
	case atrPct < p.FactorHigh:
		f = p.FactorBase + atrPct*0.3
	default:
		f = p.FactorBase + atrPct*0.5
	}
	if f < p.FactorBase {
		f = p.FactorBase
	}
	if f > p.FactorCap {
		f = p.FactorCap
	}
	return f
}
