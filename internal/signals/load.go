package signals

import (
	"fmt"

	"github.com/regimenhq/biovelocity/internal/domain"
)

// ExtractLoadSignals compares each configured load metric's recent trailing
// window against its preceding baseline window. Metrics that cannot fill
// both windows are skipped; a zero baseline mean resolves to ratio 1.0.
func (e *Extractor) ExtractLoadSignals(seriesByMetric map[string]domain.MetricSeries) ([]domain.LoadSignal, error) {
	cfg := e.config.Load
	signals := make([]domain.LoadSignal, 0, len(cfg.Metrics))

	for _, metric := range cfg.Metrics {
		series, exists := seriesByMetric[metric]
		if !exists {
			continue
		}
		if err := series.Validate(); err != nil {
			return nil, fmt.Errorf("metric %s: %w", metric, err)
		}

		recentMean, baselineMean, ok := windowMeans(series, cfg.RecentDays, cfg.BaselineDays)
		if !ok {
			continue
		}

		loadRatio := 1.0
		if baselineMean != 0 {
			loadRatio = recentMean / baselineMean
		}

		signals = append(signals, domain.LoadSignal{
			Metric:        metric,
			RecentValue:   recentMean,
			BaselineValue: baselineMean,
			LoadRatio:     loadRatio,
		})
	}

	return signals, nil
}

// windowMeans splits a series into a recent trailing window and the
// baseline window preceding it, anchored at the last observation. Returns
// ok=false when either window holds no points.
func windowMeans(series domain.MetricSeries, recentDays, baselineDays int) (recentMean, baselineMean float64, ok bool) {
	if len(series) == 0 {
		return 0, 0, false
	}

	end := series[len(series)-1].Date
	recentCut := end.AddDate(0, 0, -recentDays)
	baselineCut := recentCut.AddDate(0, 0, -baselineDays)

	var recentSum, baselineSum float64
	var recentN, baselineN int
	for _, point := range series {
		switch {
		case point.Date.After(recentCut):
			recentSum += point.Value
			recentN++
		case point.Date.After(baselineCut):
			baselineSum += point.Value
			baselineN++
		}
	}

	if recentN == 0 || baselineN == 0 {
		return 0, 0, false
	}
	return recentSum / float64(recentN), baselineSum / float64(baselineN), true
}
