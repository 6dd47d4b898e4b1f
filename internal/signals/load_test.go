package signals

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/regimenhq/biovelocity/internal/domain"
)

// stepSeries builds baselineDays points at baseValue followed by
// recentDays points at recentValue, one per day.
func stepSeries(baselineDays, recentDays int, baseValue, recentValue float64) domain.MetricSeries {
	values := make([]float64, 0, baselineDays+recentDays)
	for i := 0; i < baselineDays; i++ {
		values = append(values, baseValue)
	}
	for i := 0; i < recentDays; i++ {
		values = append(values, recentValue)
	}
	return makeDailySeries(testStart, values...)
}

func TestExtractor_LoadRatioDoubled(t *testing.T) {
	extractor := NewExtractor(nil, nil)

	// 28 days at 30 min/day, then a week at 60.
	input := map[string]domain.MetricSeries{
		domain.MetricExerciseMin: stepSeries(28, 7, 30.0, 60.0),
	}

	signals, err := extractor.ExtractLoadSignals(input)
	require.NoError(t, err)
	require.Len(t, signals, 1)

	sig := signals[0]
	assert.Equal(t, domain.MetricExerciseMin, sig.Metric)
	assert.InDelta(t, 60.0, sig.RecentValue, 0.01)
	assert.InDelta(t, 30.0, sig.BaselineValue, 0.01)
	assert.InDelta(t, 2.0, sig.LoadRatio, 0.01, "Doubled recent load should read as ratio 2.0")
}

func TestExtractor_LoadRatioReduced(t *testing.T) {
	extractor := NewExtractor(nil, nil)

	input := map[string]domain.MetricSeries{
		domain.MetricActiveKcal: stepSeries(28, 7, 500.0, 200.0),
	}

	signals, err := extractor.ExtractLoadSignals(input)
	require.NoError(t, err)
	require.Len(t, signals, 1)

	assert.InDelta(t, 0.4, signals[0].LoadRatio, 0.01)
}

func TestExtractor_ZeroBaselineReadsNeutral(t *testing.T) {
	extractor := NewExtractor(nil, nil)

	// Fully sedentary baseline, then some activity.
	input := map[string]domain.MetricSeries{
		domain.MetricExerciseMin: stepSeries(28, 7, 0.0, 45.0),
	}

	signals, err := extractor.ExtractLoadSignals(input)
	require.NoError(t, err)
	require.Len(t, signals, 1)

	assert.Equal(t, 1.0, signals[0].LoadRatio, "Zero baseline cannot support a ratio, fall back to neutral")
}

func TestExtractor_LoadSkipsShortSeries(t *testing.T) {
	extractor := NewExtractor(nil, nil)

	// Five days of data: everything lands in the recent window,
	// leaving the baseline empty.
	input := map[string]domain.MetricSeries{
		domain.MetricSteps: rampSeries(testStart, 5, 8000, 100),
	}

	signals, err := extractor.ExtractLoadSignals(input)
	require.NoError(t, err)
	assert.Empty(t, signals, "No baseline window means no load signal")
}

func TestExtractor_LoadRejectsMalformedSeries(t *testing.T) {
	extractor := NewExtractor(nil, nil)

	series := stepSeries(28, 7, 30.0, 60.0)
	series[10].Date = series[12].Date // Out of order

	input := map[string]domain.MetricSeries{
		domain.MetricExerciseMin: series,
	}

	_, err := extractor.ExtractLoadSignals(input)
	require.Error(t, err)
	assert.Contains(t, err.Error(), domain.MetricExerciseMin)
}
