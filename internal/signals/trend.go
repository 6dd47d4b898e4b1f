package signals

// TrendFit is the least-squares fit of one metric window.
type TrendFit struct {
	Slope float64 `json:"slope"`
	R2    float64 `json:"r2"`
}

// FitTrend computes the closed-form OLS slope and R-squared over
// (day-index, value) pairs. Fewer than two points, or a degenerate
// sum-of-squares denominator, yields a zero fit rather than an error.
func FitTrend(xs, ys []float64) TrendFit {
	n := len(xs)
	if len(ys) < n {
		n = len(ys)
	}
	if n < 2 {
		return TrendFit{}
	}

	var sumX, sumY, sumXY, sumXX float64
	for i := 0; i < n; i++ {
		sumX += xs[i]
		sumY += ys[i]
		sumXY += xs[i] * ys[i]
		sumXX += xs[i] * xs[i]
	}

	fn := float64(n)
	denom := fn*sumXX - sumX*sumX
	if denom == 0 {
		return TrendFit{}
	}

	slope := (fn*sumXY - sumX*sumY) / denom
	intercept := (sumY - slope*sumX) / fn
	meanY := sumY / fn

	var ssRes, ssTot float64
	for i := 0; i < n; i++ {
		pred := intercept + slope*xs[i]
		ssRes += (ys[i] - pred) * (ys[i] - pred)
		ssTot += (ys[i] - meanY) * (ys[i] - meanY)
	}

	if ssTot == 0 {
		// Constant y: slope already 0, no variance to explain.
		return TrendFit{Slope: slope}
	}

	r2 := 1.0 - ssRes/ssTot
	if r2 < 0 {
		r2 = 0
	}

	return TrendFit{Slope: slope, R2: r2}
}
