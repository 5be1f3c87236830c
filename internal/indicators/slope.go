package indicators

// Slope returns the degree-1 least-squares coefficient of values against
// x = 0..n-1, matching polyfit(x, y, 1)[0].
func Slope(values []float64) float64 {
	n := len(values)
	if n < 2 {
		return 0
	}
	xMean := float64(n-1) / 2
	yMean := Mean(values)
	var num, den float64
	for i, y := range values {
		dx := float64(i) - xMean
		num += dx * (y - yMean)
		den += dx * dx
	}
	return num / den
}

// NormalizedSlope is Slope over values expressed as percent of the first
// value, so thresholds do not depend on the price level.
func NormalizedSlope(values []float64) float64 {
	if len(values) < 2 || values[0] == 0 {
		return 0
	}
	norm := make([]float64, len(values))
	for i, v := range values {
		norm[i] = v / values[0] * 100
	}
	return Slope(norm)
}
