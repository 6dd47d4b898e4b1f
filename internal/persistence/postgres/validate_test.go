package postgres

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/regimenhq/biovelocity/internal/persistence"
)

func validSnapshot() persistence.VelocitySnapshot {
	return persistence.VelocitySnapshot{
		UserID:          "user-123",
		Timestamp:       time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC),
		OverallVelocity: 1.07,
		ShrinkageFactor: 0.8,
		DominantFactor:  "capacity",
		Systems: map[string]float64{
			"cardiovascular": 1.05,
			"fitness":        0.98,
		},
	}
}

func TestValidateSnapshot_AcceptsInBoundsVelocity(t *testing.T) {
	err := validateSnapshot(validSnapshot())
	assert.NoError(t, err, "snapshot within contract bounds should validate")
}

func TestValidateSnapshot_RejectsOutOfBoundsVelocity(t *testing.T) {
	snapshot := validSnapshot()
	snapshot.OverallVelocity = 2.5

	err := validateSnapshot(snapshot)
	require.Error(t, err, "velocity above the published maximum must be rejected")
	assert.Contains(t, err.Error(), "outside contract bounds")
}

func TestValidateSnapshot_RejectsOutOfBoundsSystem(t *testing.T) {
	snapshot := validSnapshot()
	snapshot.Systems["metabolic"] = 0.1

	err := validateSnapshot(snapshot)
	require.Error(t, err, "system velocity below the published minimum must be rejected")
	assert.Contains(t, err.Error(), "metabolic")
}

func TestValidateSnapshot_RejectsMissingUser(t *testing.T) {
	snapshot := validSnapshot()
	snapshot.UserID = ""

	err := validateSnapshot(snapshot)
	assert.Error(t, err, "snapshot without a user must be rejected")
}

func TestValidateObservation(t *testing.T) {
	obs := persistence.Observation{
		UserID:    "user-123",
		Metric:    "hrv",
		Timestamp: time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC),
		Value:     62.0,
	}
	assert.NoError(t, validateObservation(obs), "complete observation should validate")

	obs.Metric = ""
	assert.Error(t, validateObservation(obs), "observation without metric name must be rejected")

	obs.Metric = "hrv"
	obs.Timestamp = time.Time{}
	assert.Error(t, validateObservation(obs), "observation without timestamp must be rejected")
}

func TestValidateLabResult(t *testing.T) {
	result := persistence.LabResult{
		UserID:      "user-123",
		Biomarker:   "apob",
		Score:       82,
		CollectedAt: time.Date(2026, 6, 15, 0, 0, 0, 0, time.UTC),
	}
	assert.NoError(t, validateLabResult(result), "complete lab result should validate")

	result.Score = 140
	err := validateLabResult(result)
	require.Error(t, err, "score above the 0-100 scale must be rejected")
	assert.Contains(t, err.Error(), "0-100 scale")
}

func TestMarshalSystems(t *testing.T) {
	payload, err := marshalSystems(map[string]float64{"sleep_recovery": 1.12})
	require.NoError(t, err)

	var decoded map[string]float64
	require.NoError(t, json.Unmarshal(payload, &decoded))
	assert.Equal(t, 1.12, decoded["sleep_recovery"])

	nilPayload, err := marshalSystems(nil)
	require.NoError(t, err)
	assert.Nil(t, nilPayload, "nil systems map should marshal to a nil column value")
}
