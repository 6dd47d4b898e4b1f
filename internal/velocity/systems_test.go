package velocity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/regimenhq/biovelocity/internal/domain"
)

func TestComputeSystemVelocities_AllSevenAlwaysPresent(t *testing.T) {
	engine := NewEngine(nil, nil)

	inputs := []domain.VelocityModelInput{
		{},
		{CapacitySignals: []domain.CapacitySignal{capacitySig(domain.MetricVO2Max, 3.0, 0.8, 56, domain.Improving)}},
		{LabScores: []domain.LabScore{{Biomarker: BiomarkerHsCRP, Score: 40}}, LabRecencyDays: 10},
	}

	for _, input := range inputs {
		result := engine.ComputeVelocity(input)
		require.Len(t, result.SystemVelocities, 7)
		for _, system := range domain.AllSystems {
			_, exists := result.SystemVelocities[system]
			assert.True(t, exists, "System %s missing from the map", system)
		}
	}
}

func TestComputeSystemVelocities_SignalsRouteToRelevantSystems(t *testing.T) {
	engine := NewEngine(nil, nil)

	input := domain.VelocityModelInput{
		CapacitySignals: []domain.CapacitySignal{
			capacitySig(domain.MetricVO2Max, 3.0, 0.8, 56, domain.Improving),
			capacitySig(domain.MetricHRV, -2.0, 0.6, 42, domain.Declining),
		},
		LabScores: []domain.LabScore{
			{Biomarker: BiomarkerHsCRP, Score: 40},
			{Biomarker: BiomarkerApoB, Score: 85},
		},
		LabRecencyDays: 10,
	}

	result := engine.ComputeVelocity(input)
	systems := result.SystemVelocities

	// Fitness sees only the improving VO2 max.
	fitness := systems[domain.Fitness]
	assert.Less(t, fitness.Velocity, 1.0)
	assert.InDelta(t, 0.990, fitness.Velocity, 0.001)
	assert.Equal(t, domain.Improving, fitness.TrendDirection)
	assert.Equal(t, 0.0, fitness.LabComponent, "No biomarkers route to fitness")

	// Cardiovascular sees the declining HRV but also the strong ApoB.
	cardio := systems[domain.Cardiovascular]
	assert.Equal(t, domain.Declining, cardio.TrendDirection)
	assert.Less(t, cardio.LabComponent, 0.0, "ApoB at 85 should pull cardiovascular down")
	assert.Less(t, cardio.Velocity, 1.0)

	// Inflammatory is labs-only here: poor CRP pushes it above neutral.
	inflammatory := systems[domain.Inflammatory]
	assert.Greater(t, inflammatory.Velocity, 1.0)
	assert.InDelta(t, 1.054, inflammatory.Velocity, 0.002)
	assert.Equal(t, domain.Stable, inflammatory.TrendDirection)

	// Nothing in this input touches hormones.
	hormonal := systems[domain.Hormonal]
	assert.Equal(t, 1.0, hormonal.Velocity)
	assert.Equal(t, domain.Stable, hormonal.TrendDirection)
	assert.Equal(t, 0.0, hormonal.LabComponent)
}

func TestComputeSystemVelocities_GlobalGateDoesNotReachSystems(t *testing.T) {
	engine := NewEngine(nil, nil)

	// VO2 improvement fires the global cap while HRV collapses, so the
	// cardiovascular system should still read above neutral.
	input := domain.VelocityModelInput{
		CapacitySignals: []domain.CapacitySignal{
			capacitySig(domain.MetricVO2Max, 3.0, 0.8, 56, domain.Improving),
			capacitySig(domain.MetricHRV, -20.0, 0.9, 42, domain.Declining),
		},
	}

	result := engine.ComputeVelocity(input)

	assert.True(t, result.HardConstraintApplied)
	assert.LessOrEqual(t, result.OverallVelocity, 1.0)

	cardio := result.SystemVelocities[domain.Cardiovascular]
	assert.Greater(t, cardio.Velocity, 1.0,
		"Per-system velocities run without the global improvement cap")
}

func TestComputeSystemVelocities_LabsOnlySystemFullyComplete(t *testing.T) {
	engine := NewEngine(nil, nil)

	// A hormonal panel with no wearable data at all: the system expects
	// only labs, so presence of labs means full completeness, no dilution.
	input := domain.VelocityModelInput{
		LabScores: []domain.LabScore{
			{Biomarker: BiomarkerTestosterone, Score: 45},
			{Biomarker: BiomarkerCortisol, Score: 50},
		},
		LabRecencyDays: 0,
	}

	result := engine.ComputeVelocity(input)

	hormonal := result.SystemVelocities[domain.Hormonal]
	// Mean 22.5 below neutral * -0.002, undecayed, unshrunk.
	assert.InDelta(t, 1.045, hormonal.Velocity, 0.001)
	assert.Greater(t, hormonal.LabComponent, 0.0)

	// Body composition expects wearable channels it does not have.
	bodyComp := result.SystemVelocities[domain.BodyComposition]
	assert.Equal(t, 1.0, bodyComp.Velocity)
}

func TestComputeSystemVelocities_SharedMetricFeedsMultipleSystems(t *testing.T) {
	engine := NewEngine(nil, nil)

	input := domain.VelocityModelInput{
		CapacitySignals: []domain.CapacitySignal{
			capacitySig(domain.MetricHRV, -3.0, 0.7, 56, domain.Declining),
		},
	}

	result := engine.ComputeVelocity(input)

	// HRV routes to cardiovascular and sleep/recovery alike.
	assert.Greater(t, result.SystemVelocities[domain.Cardiovascular].Velocity, 1.0)
	assert.Greater(t, result.SystemVelocities[domain.SleepRecovery].Velocity, 1.0)
	// It does not touch metabolic.
	assert.Equal(t, 1.0, result.SystemVelocities[domain.Metabolic].Velocity)
}

func TestRelevanceTable_CoversEverySystem(t *testing.T) {
	for _, system := range domain.AllSystems {
		relevance, exists := relevanceTable[system]
		require.True(t, exists, "System %s missing from the relevance table", system)
		hasAny := len(relevance.capacityMetrics) > 0 || len(relevance.recoveryMetrics) > 0 || len(relevance.biomarkers) > 0
		assert.True(t, hasAny, "System %s routes no signals at all", system)
	}
}
