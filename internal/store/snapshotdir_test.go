package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/regimenhq/biovelocity/internal/domain"
)

func writeSnapshotFile(t *testing.T, dir, userID string, snapshot UserSnapshot) {
	t.Helper()
	data, err := json.Marshal(snapshot)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, userID+".json"), data, 0644))
}

func dailySeries(start time.Time, values ...float64) domain.MetricSeries {
	series := make(domain.MetricSeries, 0, len(values))
	for i, v := range values {
		series = append(series, domain.MetricPoint{Date: start.AddDate(0, 0, i), Value: v})
	}
	return series
}

func TestDirSource_ListUsers(t *testing.T) {
	dir := t.TempDir()
	start := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	writeSnapshotFile(t, dir, "user-b", UserSnapshot{Series: map[string]domain.MetricSeries{
		"hrv": dailySeries(start, 60, 61, 62),
	}})
	writeSnapshotFile(t, dir, "user-a", UserSnapshot{Series: map[string]domain.MetricSeries{
		"hrv": dailySeries(start, 55, 56),
	}})
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignore me"), 0644))

	source := NewDirSource(dir)
	users, err := source.ListUsers(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"user-a", "user-b"}, users,
		"users should come back sorted and non-JSON files should be skipped")
}

func TestDirSource_FetchSnapshotFillsDefaults(t *testing.T) {
	dir := t.TempDir()
	start := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	// No user_id and no as_of in the file; both should be inferred
	writeSnapshotFile(t, dir, "user-a", UserSnapshot{
		Series: map[string]domain.MetricSeries{
			"hrv":     dailySeries(start, 60, 61, 62),
			"vo2_max": dailySeries(start, 41, 41.2),
		},
		LabScores:      []domain.LabScore{{Biomarker: "apob", Score: 82}},
		LabRecencyDays: 30,
	})

	source := NewDirSource(dir)
	snapshot, err := source.FetchSnapshot(context.Background(), "user-a")
	require.NoError(t, err)

	assert.Equal(t, "user-a", snapshot.UserID, "user ID should default from the filename")
	assert.Equal(t, start.AddDate(0, 0, 2), snapshot.AsOf,
		"as-of should default to the newest reading across all series")
	assert.Equal(t, 5, snapshot.PointCount())
	assert.Equal(t, 30.0, snapshot.LabRecencyDays)
}

func TestDirSource_FetchSnapshotMissingUser(t *testing.T) {
	source := NewDirSource(t.TempDir())

	_, err := source.FetchSnapshot(context.Background(), "ghost")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read snapshot file")
}

func TestDirSource_FetchSnapshotMalformedJSON(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "user-a.json"), []byte("{not json"), 0644))

	source := NewDirSource(dir)
	_, err := source.FetchSnapshot(context.Background(), "user-a")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse snapshot JSON")
}

func TestDirSink_SaveResultRoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "results")
	sink := NewDirSink(dir)

	snapshot := &UserSnapshot{
		UserID: "user-a",
		AsOf:   time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC),
	}
	result := domain.VelocityResult{
		OverallVelocity: 1.07,
		ShrinkageFactor: 0.8,
	}

	err := sink.SaveResult(context.Background(), snapshot, result, 12*time.Millisecond)
	require.NoError(t, err, "sink should create the output directory on demand")

	data, err := os.ReadFile(filepath.Join(dir, "user-a.json"))
	require.NoError(t, err)

	var saved savedResult
	require.NoError(t, json.Unmarshal(data, &saved))
	assert.Equal(t, "user-a", saved.UserID)
	assert.Equal(t, domain.ModelVersion, saved.ModelVersion)
	assert.Equal(t, int64(12), saved.ComputeTimeMS)
	assert.Equal(t, 1.07, saved.Result.OverallVelocity)
}

func TestSnapshotRow_FlattensResult(t *testing.T) {
	snapshot := &UserSnapshot{
		UserID: "user-a",
		AsOf:   time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC),
	}
	result := domain.VelocityResult{
		OverallVelocity:       1.00,
		CapacityVelocity:      1.04,
		ExcessFatiguePenalty:  0.02,
		LabModulation:         -0.01,
		HardConstraintApplied: true,
		HardConstraintReason:  "vo2max_improving (confidence 0.80, window 56d)",
		ShrinkageFactor:       0.9,
		SystemVelocities: map[domain.System]domain.SystemVelocity{
			domain.Fitness:       {Velocity: 0.97},
			domain.SleepRecovery: {Velocity: 1.05},
		},
		Explainability: domain.Explainability{DominantFactor: domain.CapacityFactor},
	}

	row := SnapshotRow(snapshot, result, 7*time.Millisecond)

	assert.Equal(t, "user-a", row.UserID)
	assert.Equal(t, 1.00, row.OverallVelocity)
	assert.Equal(t, 1.04, row.CapacityComponent)
	assert.Equal(t, "capacity", row.DominantFactor)
	assert.Equal(t, domain.ModelVersion, row.EngineVersion)

	require.NotNil(t, row.ConstraintReason)
	assert.Contains(t, *row.ConstraintReason, "vo2max_improving")

	require.NotNil(t, row.ComputeLatencyMS)
	assert.Equal(t, 7, *row.ComputeLatencyMS)

	assert.Equal(t, 0.97, row.Systems["fitness"], "system keys should use wire names")
	assert.Equal(t, 1.05, row.Systems["sleep_recovery"])
}

func TestSnapshotRow_NoConstraintLeavesReasonNil(t *testing.T) {
	snapshot := &UserSnapshot{UserID: "user-a", AsOf: time.Now()}
	result := domain.VelocityResult{OverallVelocity: 1.0}

	row := SnapshotRow(snapshot, result, 0)
	assert.Nil(t, row.ConstraintReason, "clean results should not carry an empty reason string")
}
