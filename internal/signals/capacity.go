package signals

import (
	"fmt"
	"math"

	"github.com/regimenhq/biovelocity/internal/config"
	"github.com/regimenhq/biovelocity/internal/domain"
)

// Extractor turns raw daily metric series into model signals. It holds only
// calibration and the polarity map; every extraction is a pure pass over the
// caller's series.
type Extractor struct {
	config   *config.CalibrationConfig
	polarity domain.PolarityMap
}

// NewExtractor creates a signal extractor. A nil config gets the shipped
// defaults; a nil polarity map gets the default assignments.
func NewExtractor(cfg *config.CalibrationConfig, polarity domain.PolarityMap) *Extractor {
	if cfg == nil {
		cfg = config.DefaultCalibrationConfig()
	}
	if polarity == nil {
		polarity = domain.DefaultPolarityMap()
	}
	return &Extractor{
		config:   cfg,
		polarity: polarity,
	}
}

// ExtractCapacitySignals produces polarity-corrected trend signals for every
// configured capacity metric with enough history. Metrics with too few
// points or too short a span are skipped silently; the returned error only
// reports shape violations (unsorted or duplicate dates).
func (e *Extractor) ExtractCapacitySignals(seriesByMetric map[string]domain.MetricSeries) ([]domain.CapacitySignal, error) {
	cfg := e.config.Capacity
	signals := make([]domain.CapacitySignal, 0, len(cfg.Metrics))

	for _, metric := range cfg.Metrics {
		series, exists := seriesByMetric[metric]
		if !exists {
			continue
		}
		if err := series.Validate(); err != nil {
			return nil, fmt.Errorf("metric %s: %w", metric, err)
		}

		if len(series) < cfg.MinDataPoints {
			continue
		}
		span := series.SpanDays()
		if span < cfg.MinWindowDays {
			continue
		}

		typicalRange, exists := cfg.TypicalRanges[metric]
		if !exists || typicalRange <= 0 {
			continue
		}
		sign := e.polarity[metric].Sign()
		if sign == 0 {
			continue
		}

		xs, ys := seriesToPairs(series)
		fit := FitTrend(xs, ys)

		// Percent of the metric's typical range per 28-day period,
		// sign-corrected so positive always means improving.
		normalizedSlope := fit.Slope * 28.0 / typicalRange * 100.0 * sign

		signals = append(signals, domain.CapacitySignal{
			Metric:          metric,
			NormalizedSlope: normalizedSlope,
			Confidence:      trendConfidence(span, fit.R2, cfg),
			WindowDays:      span,
			DataPoints:      len(series),
			TrendDirection:  classifyTrend(normalizedSlope, cfg.TrendThreshold),
		})
	}

	return signals, nil
}

// trendConfidence grows monotonically with window length and fit quality,
// capped at 1.0. The window term saturates asymptotically so a longer
// window always scores strictly higher below the cap.
func trendConfidence(windowDays, r2 float64, cfg config.CapacityConfig) float64 {
	windowFactor := windowDays / (windowDays + cfg.WindowHalfSatDays)
	return math.Min(1.0, cfg.WindowWeight*windowFactor+cfg.R2Weight*r2)
}

// classifyTrend buckets a normalized slope against the calibrated threshold.
func classifyTrend(normalizedSlope, threshold float64) domain.TrendDirection {
	switch {
	case normalizedSlope > threshold:
		return domain.Improving
	case normalizedSlope < -threshold:
		return domain.Declining
	default:
		return domain.Stable
	}
}

// seriesToPairs converts a series to regression pairs with x as day offset
// from the first observation.
func seriesToPairs(series domain.MetricSeries) ([]float64, []float64) {
	xs := make([]float64, len(series))
	ys := make([]float64, len(series))
	start := series[0].Date
	for i, point := range series {
		xs[i] = point.Date.Sub(start).Hours() / 24.0
		ys[i] = point.Value
	}
	return xs, ys
}
