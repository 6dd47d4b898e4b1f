package signals

import (
	"fmt"
	"math"

	"github.com/regimenhq/biovelocity/internal/domain"
)

// ExtractFatigueSignals measures each configured recovery metric's
// recent-vs-baseline deviation against the deviation current training load
// predicts. A dip fully explained by elevated load yields zero excess; only
// the unexplained remainder counts as fatigue.
func (e *Extractor) ExtractFatigueSignals(seriesByMetric map[string]domain.MetricSeries, loadSignals []domain.LoadSignal) ([]domain.FatigueSignal, error) {
	cfg := e.config.Fatigue
	expected := expectedDeviation(loadSignals, cfg.LoadDeviationCoeff)
	signals := make([]domain.FatigueSignal, 0, len(cfg.Metrics))

	for _, metric := range cfg.Metrics {
		series, exists := seriesByMetric[metric]
		if !exists {
			continue
		}
		if err := series.Validate(); err != nil {
			return nil, fmt.Errorf("metric %s: %w", metric, err)
		}

		sign := e.polarity[metric].Sign()
		if sign == 0 {
			continue
		}

		recentMean, baselineMean, ok := windowMeans(series, e.config.Load.RecentDays, e.config.Load.BaselineDays)
		if !ok {
			continue
		}

		deviation := 0.0
		if baselineMean != 0 {
			// Percent change, sign-corrected so negative always means
			// worse than baseline.
			deviation = (recentMean - baselineMean) / baselineMean * 100.0 * sign
		}

		signals = append(signals, domain.FatigueSignal{
			Metric:            metric,
			Deviation:         deviation,
			ExpectedDeviation: expected,
			ExcessFatigue:     math.Max(0, expected-deviation),
		})
	}

	return signals, nil
}

// expectedDeviation converts the mean load ratio into the recovery dip that
// training alone would explain. Load at or below baseline predicts no dip.
func expectedDeviation(loadSignals []domain.LoadSignal, coeff float64) float64 {
	if len(loadSignals) == 0 {
		return 0
	}

	var sum float64
	for _, sig := range loadSignals {
		sum += sig.LoadRatio
	}
	meanRatio := sum / float64(len(loadSignals))

	return -coeff * math.Max(0, meanRatio-1.0)
}
