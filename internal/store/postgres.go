package store

import (
	"context"
	"fmt"
	"time"

	"github.com/regimenhq/biovelocity/internal/domain"
	"github.com/regimenhq/biovelocity/internal/persistence"
)

// fetchLimit bounds a single user's observation pull. 11 metrics at
// daily cadence over a 90 day lookback stays well under this.
const fetchLimit = 10000

// PostgresSource loads user histories from the observation and lab
// repositories. Read-only: the batch runner owns the write path.
type PostgresSource struct {
	repo         *persistence.Repository
	lookbackDays int
	now          func() time.Time
}

// NewPostgresSource creates a source over the shared repository with
// the given history lookback window.
func NewPostgresSource(repo *persistence.Repository, lookbackDays int) *PostgresSource {
	if lookbackDays <= 0 {
		lookbackDays = 90
	}
	return &PostgresSource{
		repo:         repo,
		lookbackDays: lookbackDays,
		now:          time.Now,
	}
}

// Name identifies the backend for logs, metrics, and rate limiting
func (s *PostgresSource) Name() string {
	return "postgres"
}

// ListUsers returns the IDs of all users with history in the source
func (s *PostgresSource) ListUsers(ctx context.Context) ([]string, error) {
	tr := s.lookbackRange()
	users, err := s.repo.Observations.ListUsers(ctx, tr)
	if err != nil {
		return nil, fmt.Errorf("failed to list users from postgres: %w", err)
	}
	return users, nil
}

// FetchSnapshot loads one user's series and lab panel
func (s *PostgresSource) FetchSnapshot(ctx context.Context, userID string) (*UserSnapshot, error) {
	asOf := s.now().UTC()
	tr := s.lookbackRange()

	observations, err := s.repo.Observations.ListByUser(ctx, userID, tr, fetchLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch observations for %s: %w", userID, err)
	}

	series := make(map[string]domain.MetricSeries)
	for _, obs := range observations {
		series[obs.Metric] = append(series[obs.Metric], domain.MetricPoint{
			Date:  obs.Timestamp,
			Value: obs.Value,
		})
	}

	snapshot := &UserSnapshot{
		UserID: userID,
		AsOf:   asOf,
		Series: series,
	}

	panel, err := s.repo.Labs.LatestPanel(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch lab panel for %s: %w", userID, err)
	}
	if len(panel) > 0 {
		for _, lab := range panel {
			snapshot.LabScores = append(snapshot.LabScores, domain.LabScore{
				Biomarker: lab.Biomarker,
				Score:     lab.Score,
			})
		}
		// All rows in the latest panel share one collection date
		snapshot.LabRecencyDays = asOf.Sub(panel[0].CollectedAt).Hours() / 24
	}

	return snapshot, nil
}

func (s *PostgresSource) lookbackRange() persistence.TimeRange {
	now := s.now().UTC()
	return persistence.TimeRange{
		From: now.AddDate(0, 0, -s.lookbackDays),
		To:   now,
	}
}

// PostgresSink upserts computed results into the velocity_snapshots
// table, one row per user per run timestamp.
type PostgresSink struct {
	repo *persistence.Repository
}

// NewPostgresSink creates a sink over the shared repository
func NewPostgresSink(repo *persistence.Repository) *PostgresSink {
	return &PostgresSink{repo: repo}
}

// Name identifies the backend for logs and metrics
func (s *PostgresSink) Name() string {
	return "postgres"
}

// SaveResult records the outcome of one user's computation
func (s *PostgresSink) SaveResult(ctx context.Context, snapshot *UserSnapshot, result domain.VelocityResult, computeTime time.Duration) error {
	row := SnapshotRow(snapshot, result, computeTime)
	if err := s.repo.Snapshots.Upsert(ctx, row); err != nil {
		return fmt.Errorf("failed to persist velocity snapshot for %s: %w", snapshot.UserID, err)
	}
	return nil
}

// SnapshotRow flattens a velocity result into its persisted row shape.
// Exported so the batch runner can build rows for UpsertBatch.
func SnapshotRow(snapshot *UserSnapshot, result domain.VelocityResult, computeTime time.Duration) persistence.VelocitySnapshot {
	systems := make(map[string]float64, len(result.SystemVelocities))
	for system, sv := range result.SystemVelocities {
		systems[system.String()] = sv.Velocity
	}

	latencyMS := int(computeTime.Milliseconds())
	row := persistence.VelocitySnapshot{
		UserID:            snapshot.UserID,
		Timestamp:         snapshot.AsOf,
		OverallVelocity:   result.OverallVelocity,
		CapacityComponent: result.CapacityVelocity,
		FatiguePenalty:    result.ExcessFatiguePenalty,
		LabModulation:     result.LabModulation,
		ShrinkageFactor:   result.ShrinkageFactor,
		ConstraintApplied: result.HardConstraintApplied,
		DominantFactor:    result.Explainability.DominantFactor.String(),
		Systems:           systems,
		EngineVersion:     domain.ModelVersion,
		ComputeLatencyMS:  &latencyMS,
	}
	if result.HardConstraintReason != "" {
		reason := result.HardConstraintReason
		row.ConstraintReason = &reason
	}
	return row
}
