package indicators

// SMA calculates the simple moving average for the last period values.
// With fewer values than period it averages what is available.
func SMA(values []float64, period int) float64 {
	if period <= 0 || len(values) == 0 {
		return 0
	}
	if len(values) < period {
		period = len(values)
	}
	sum := 0.0
	for i := len(values) - period; i < len(values); i++ {
		sum += values[i]
	}
	return sum / float64(period)
}

// Mean returns the arithmetic mean of values.
func Mean(values []float64) float64 {
	return SMA(values, len(values))
}
