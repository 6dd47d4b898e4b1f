package velocity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/regimenhq/biovelocity/internal/domain"
)

// rampSeries builds n daily points starting at a fixed date: base + step*i.
func rampSeries(n int, base, step float64) domain.MetricSeries {
	start := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	series := make(domain.MetricSeries, 0, n)
	for i := 0; i < n; i++ {
		series = append(series, domain.MetricPoint{
			Date:  start.AddDate(0, 0, i),
			Value: base + step*float64(i),
		})
	}
	return series
}

func capacitySig(metric string, slope, confidence, windowDays float64, direction domain.TrendDirection) domain.CapacitySignal {
	return domain.CapacitySignal{
		Metric:          metric,
		NormalizedSlope: slope,
		Confidence:      confidence,
		WindowDays:      windowDays,
		DataPoints:      int(windowDays) + 1,
		TrendDirection:  direction,
	}
}

func fatigueSig(metric string, excess float64) domain.FatigueSignal {
	return domain.FatigueSignal{
		Metric:            metric,
		Deviation:         -excess,
		ExpectedDeviation: 0,
		ExcessFatigue:     excess,
	}
}

func assertWithinBounds(t *testing.T, result domain.VelocityResult) {
	t.Helper()
	assert.GreaterOrEqual(t, result.OverallVelocity, domain.VelocityV3Min)
	assert.LessOrEqual(t, result.OverallVelocity, domain.VelocityV3Max)
	require.Len(t, result.SystemVelocities, len(domain.AllSystems))
	for _, system := range domain.AllSystems {
		sv := result.SystemVelocities[system]
		assert.GreaterOrEqual(t, sv.Velocity, domain.VelocityV3Min, "System %s below floor", system)
		assert.LessOrEqual(t, sv.Velocity, domain.VelocityV3Max, "System %s above ceiling", system)
	}
}

func TestEngine_ComputeVelocity_NoSignalsIsExactlyNeutral(t *testing.T) {
	engine := NewEngine(nil, nil) // Default calibration

	result := engine.ComputeVelocity(domain.VelocityModelInput{})

	assert.Equal(t, 1.0, result.OverallVelocity, "No evidence must land exactly on neutral")
	assert.Equal(t, 1.0, result.CapacityVelocity)
	assert.Equal(t, 0.0, result.ExcessFatiguePenalty)
	assert.Equal(t, 0.0, result.LabModulation)
	assert.Equal(t, 0.0, result.ShrinkageFactor)
	assert.False(t, result.HardConstraintApplied)
	assert.Equal(t, domain.InsufficientData, result.Explainability.DominantFactor)

	require.Len(t, result.SystemVelocities, len(domain.AllSystems))
	for _, system := range domain.AllSystems {
		sv := result.SystemVelocities[system]
		assert.Equal(t, 1.0, sv.Velocity, "System %s should be neutral with no data", system)
		assert.Equal(t, domain.Stable, sv.TrendDirection)
	}
}

func TestEngine_ComputeVelocity_TrainingHardCannotReadAsFasterAging(t *testing.T) {
	engine := NewEngine(nil, nil)

	// Marathon block: VO2 max clearly improving while every recovery
	// channel is deep in deficit and load is 2.25x baseline.
	input := domain.VelocityModelInput{
		CapacitySignals: []domain.CapacitySignal{
			capacitySig(domain.MetricVO2Max, 3.0, 0.5, 56, domain.Improving),
		},
		FatigueSignals: []domain.FatigueSignal{
			fatigueSig(domain.MetricHRV, 40),
			fatigueSig(domain.MetricRestingHR, 40),
			fatigueSig(domain.MetricSleepScore, 40),
			fatigueSig(domain.MetricReadiness, 40),
			fatigueSig("respiratory_rate", 40),
		},
		LoadSignals: []domain.LoadSignal{
			{Metric: domain.MetricExerciseMin, LoadRatio: 2.25},
		},
	}

	result := engine.ComputeVelocity(input)

	assert.LessOrEqual(t, result.OverallVelocity, 1.0,
		"Evidenced VO2 improvement must cap velocity at neutral no matter the fatigue")
	assert.Equal(t, 1.0, result.OverallVelocity)
	assert.True(t, result.HardConstraintApplied)
	assert.Contains(t, result.HardConstraintReason, "vo2max_improving")
	assert.Equal(t, "VO2 max improving - velocity capped at neutral", result.Explainability.ConstraintNarrative)
	// Extreme fatigue still shows in the components, bounded by the cap.
	assert.Equal(t, 0.05, result.ExcessFatiguePenalty)
	assertWithinBounds(t, result)
}

func TestEngine_ComputeVelocity_SedentaryDeclineReadsAboveNeutral(t *testing.T) {
	engine := NewEngine(nil, nil)

	// Six sedentary months: all capacity trends down, mild unexplained
	// fatigue, mediocre labs from three weeks ago.
	input := domain.VelocityModelInput{
		CapacitySignals: []domain.CapacitySignal{
			capacitySig(domain.MetricVO2Max, -2.5, 0.7, 180, domain.Declining),
			capacitySig(domain.MetricBodyFatPct, -2.0, 0.7, 180, domain.Declining),
			capacitySig(domain.MetricHRV, -1.5, 0.6, 180, domain.Declining),
			capacitySig(domain.MetricRestingHR, -1.2, 0.6, 180, domain.Declining),
		},
		FatigueSignals: []domain.FatigueSignal{
			fatigueSig(domain.MetricHRV, 8),
			fatigueSig(domain.MetricRestingHR, 6),
			fatigueSig(domain.MetricSleepScore, 5),
		},
		LabScores: []domain.LabScore{
			{Biomarker: "apob", Score: 50},
			{Biomarker: "hba1c", Score: 50},
			{Biomarker: "hs_crp", Score: 50},
			{Biomarker: "fasting_glucose", Score: 50},
		},
		LabRecencyDays: 20,
	}

	result := engine.ComputeVelocity(input)

	assert.Greater(t, result.OverallVelocity, 1.0, "Broad decline should age faster than calendar")
	assert.InDelta(t, 1.063, result.OverallVelocity, 0.01)
	assert.False(t, result.HardConstraintApplied, "No improvement evidence, nothing to cap")
	assert.Greater(t, result.LabModulation, 0.0, "Below-neutral labs push up")
	assert.Equal(t, domain.CapacityFactor, result.Explainability.DominantFactor)
	assert.Contains(t, result.Explainability.CapacityNarrative, "capacity declining")
	assertWithinBounds(t, result)
}

func TestEngine_ComputeVelocity_SparseNewUserStaysNearNeutral(t *testing.T) {
	engine := NewEngine(nil, nil)

	// Two weeks of HRV and nothing else.
	input := domain.VelocityModelInput{
		CapacitySignals: []domain.CapacitySignal{
			capacitySig(domain.MetricHRV, 1.2, 0.3, 14, domain.Improving),
		},
	}

	result := engine.ComputeVelocity(input)

	assert.Less(t, result.ShrinkageFactor, 0.5, "One channel of six is far from complete")
	assert.Greater(t, result.OverallVelocity, 0.96)
	assert.Less(t, result.OverallVelocity, 1.04)
	assert.InDelta(t, 0.9998, result.OverallVelocity, 0.001)
}

func TestEngine_ComputeVelocity_GoodLabsCounteractFatigue(t *testing.T) {
	engine := NewEngine(nil, nil)

	input := domain.VelocityModelInput{
		FatigueSignals: []domain.FatigueSignal{
			fatigueSig(domain.MetricHRV, 8),
			fatigueSig(domain.MetricSleepScore, 6),
		},
		LabScores: []domain.LabScore{
			{Biomarker: "apob", Score: 86},
			{Biomarker: "ldl_c", Score: 86},
			{Biomarker: "hdl_c", Score: 86},
			{Biomarker: "hba1c", Score: 86},
			{Biomarker: "hs_crp", Score: 86},
			{Biomarker: "triglycerides", Score: 86},
		},
		LabRecencyDays: 30,
	}

	result := engine.ComputeVelocity(input)

	assert.Less(t, result.LabModulation, 0.0, "Strong panel should slow the composite")
	assert.Less(t, result.OverallVelocity, 1.10)
	assert.InDelta(t, 0.9969, result.OverallVelocity, 0.001)
}

func TestEngine_ComputeVelocity_ExtremeSlopesStayClamped(t *testing.T) {
	engine := NewEngine(nil, nil)

	// HRV so it trips no improvement gate in either direction.
	crash := engine.ComputeVelocity(domain.VelocityModelInput{
		CapacitySignals: []domain.CapacitySignal{
			capacitySig(domain.MetricHRV, 1e6, 1.0, 90, domain.Improving),
		},
	})
	assert.Equal(t, domain.VelocityV3Min, crash.OverallVelocity, "Absurd improvement slope pins the floor")
	assertWithinBounds(t, crash)

	collapse := engine.ComputeVelocity(domain.VelocityModelInput{
		CapacitySignals: []domain.CapacitySignal{
			capacitySig(domain.MetricHRV, -1e6, 1.0, 90, domain.Declining),
		},
	})
	assert.Equal(t, domain.VelocityV3Max, collapse.OverallVelocity, "Absurd decline slope pins the ceiling")
	assertWithinBounds(t, collapse)
}

func TestEngine_ComputeVelocity_FatiguePenaltyCapAndNoiseFloor(t *testing.T) {
	engine := NewEngine(nil, nil)

	// Catastrophic fatigue across all channels caps the penalty.
	capped := engine.ComputeVelocity(domain.VelocityModelInput{
		FatigueSignals: []domain.FatigueSignal{
			fatigueSig(domain.MetricHRV, 50),
			fatigueSig(domain.MetricRestingHR, 50),
			fatigueSig(domain.MetricSleepScore, 50),
			fatigueSig(domain.MetricReadiness, 50),
		},
	})
	assert.Equal(t, 0.05, capped.ExcessFatiguePenalty)
	assert.Contains(t, capped.Explainability.FatigueNarrative, "penalty cap")

	// Sub-noise wobble contributes nothing.
	quiet := engine.ComputeVelocity(domain.VelocityModelInput{
		FatigueSignals: []domain.FatigueSignal{
			fatigueSig(domain.MetricHRV, 0.5),
			fatigueSig(domain.MetricSleepScore, 0.8),
		},
	})
	assert.Equal(t, 0.0, quiet.ExcessFatiguePenalty)
	assert.Equal(t, "recovery in line with training load", quiet.Explainability.FatigueNarrative)
}

func TestEngine_ComputeVelocity_ImprovingCapacityAttenuatesFatigue(t *testing.T) {
	engine := NewEngine(nil, nil)

	fatigue := []domain.FatigueSignal{fatigueSig(domain.MetricHRV, 10)}

	// Weighted slope +3 sits inside the high-capacity deadband.
	strong := engine.ComputeVelocity(domain.VelocityModelInput{
		CapacitySignals: []domain.CapacitySignal{
			capacitySig(domain.MetricHRV, 3.0, 1.0, 56, domain.Improving),
		},
		FatigueSignals: fatigue,
	})

	weak := engine.ComputeVelocity(domain.VelocityModelInput{
		CapacitySignals: []domain.CapacitySignal{
			capacitySig(domain.MetricHRV, 0.5, 1.0, 56, domain.Stable),
		},
		FatigueSignals: fatigue,
	})

	assert.Less(t, strong.ExcessFatiguePenalty, weak.ExcessFatiguePenalty,
		"Fatigue while measurably gaining fitness should cost less")
	assert.InDelta(t, 0.005, strong.ExcessFatiguePenalty, 1e-9)
	assert.InDelta(t, 0.010, weak.ExcessFatiguePenalty, 1e-9)
}

func TestEngine_ComputeVelocity_DominantFactorSelection(t *testing.T) {
	engine := NewEngine(nil, nil)

	fatigueOnly := engine.ComputeVelocity(domain.VelocityModelInput{
		FatigueSignals: []domain.FatigueSignal{fatigueSig(domain.MetricHRV, 12)},
	})
	assert.Equal(t, domain.FatigueFactor, fatigueOnly.Explainability.DominantFactor)

	labsOnly := engine.ComputeVelocity(domain.VelocityModelInput{
		LabScores:      []domain.LabScore{{Biomarker: "apob", Score: 30}},
		LabRecencyDays: 5,
	})
	assert.Equal(t, domain.LabsFactor, labsOnly.Explainability.DominantFactor)

	capacityOnly := engine.ComputeVelocity(domain.VelocityModelInput{
		CapacitySignals: []domain.CapacitySignal{
			capacitySig(domain.MetricVO2Max, -4.0, 0.8, 90, domain.Declining),
		},
	})
	assert.Equal(t, domain.CapacityFactor, capacityOnly.Explainability.DominantFactor)
}

func TestEngine_ComputeVelocity_Deterministic(t *testing.T) {
	engine := NewEngine(nil, nil)

	input := domain.VelocityModelInput{
		CapacitySignals: []domain.CapacitySignal{
			capacitySig(domain.MetricVO2Max, -1.8, 0.6, 60, domain.Declining),
			capacitySig(domain.MetricHRV, 0.4, 0.5, 60, domain.Stable),
		},
		FatigueSignals: []domain.FatigueSignal{
			fatigueSig(domain.MetricSleepScore, 4),
		},
		LabScores: []domain.LabScore{
			{Biomarker: "hba1c", Score: 62},
			{Biomarker: "hs_crp", Score: 81},
		},
		LabRecencyDays: 45,
	}

	first := engine.ComputeVelocity(input)
	second := engine.ComputeVelocity(input)

	assert.Equal(t, first, second, "Same input must produce the identical result")
}

func TestEngine_ComputeFromSeries_EndToEnd(t *testing.T) {
	engine := NewEngine(nil, nil)

	seriesByMetric := map[string]domain.MetricSeries{
		domain.MetricVO2Max:      rampSeries(28, 40.0, 0.05),
		domain.MetricHRV:         rampSeries(42, 62.0, 0.0),
		domain.MetricExerciseMin: rampSeries(42, 35.0, 0.0),
	}
	labScores := []domain.LabScore{{Biomarker: "apob", Score: 82}}

	result, err := engine.ComputeFromSeries(seriesByMetric, labScores, 14)
	require.NoError(t, err)

	assertWithinBounds(t, result)
	assert.NotEmpty(t, result.Explainability.CapacityNarrative)
	assert.Greater(t, result.ShrinkageFactor, 0.0, "Three channels plus labs should register as partial completeness")
}

func TestEngine_ComputeFromSeries_MalformedSeriesErrors(t *testing.T) {
	engine := NewEngine(nil, nil)

	series := rampSeries(28, 40.0, 0.05)
	series[3].Date = series[7].Date // Out of order

	_, err := engine.ComputeFromSeries(map[string]domain.MetricSeries{
		domain.MetricVO2Max: series,
	}, nil, 0)

	require.Error(t, err, "Shape violations are the one loud failure")
	assert.Contains(t, err.Error(), domain.MetricVO2Max)
}

func TestVelocityBoundsContract(t *testing.T) {
	assert.Equal(t, 0.60, domain.VelocityV3Min)
	assert.Equal(t, 1.80, domain.VelocityV3Max)
	assert.Equal(t, 1.00, domain.NeutralVelocity)
	assert.Less(t, domain.VelocityV3Min, domain.NeutralVelocity)
	assert.Greater(t, domain.VelocityV3Max, domain.NeutralVelocity)
}
