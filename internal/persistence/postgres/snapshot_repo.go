package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/regimenhq/biovelocity/internal/domain"
	"github.com/regimenhq/biovelocity/internal/persistence"
)

// snapshotRepo implements SnapshotsRepo interface for PostgreSQL
type snapshotRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewSnapshotRepo creates a new PostgreSQL velocity snapshot repository
func NewSnapshotRepo(db *sqlx.DB, timeout time.Duration) persistence.SnapshotsRepo {
	return &snapshotRepo{
		db:      db,
		timeout: timeout,
	}
}

// Upsert inserts or updates a snapshot (unique per user/ts)
func (r *snapshotRepo) Upsert(ctx context.Context, snapshot persistence.VelocitySnapshot) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if err := validateSnapshot(snapshot); err != nil {
		return err
	}

	systemsJSON, err := marshalSystems(snapshot.Systems)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO velocity_snapshots
		(user_id, ts, overall_velocity, capacity_component, fatigue_penalty,
		 lab_modulation, shrinkage_factor, constraint_applied, constraint_reason,
		 dominant_factor, systems, engine_version, compute_latency_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (user_id, ts) DO UPDATE SET
			overall_velocity = EXCLUDED.overall_velocity,
			capacity_component = EXCLUDED.capacity_component,
			fatigue_penalty = EXCLUDED.fatigue_penalty,
			lab_modulation = EXCLUDED.lab_modulation,
			shrinkage_factor = EXCLUDED.shrinkage_factor,
			constraint_applied = EXCLUDED.constraint_applied,
			constraint_reason = EXCLUDED.constraint_reason,
			dominant_factor = EXCLUDED.dominant_factor,
			systems = EXCLUDED.systems,
			engine_version = EXCLUDED.engine_version,
			compute_latency_ms = EXCLUDED.compute_latency_ms
		RETURNING id, created_at`

	err = r.db.QueryRowxContext(ctx, query,
		snapshot.UserID, snapshot.Timestamp, snapshot.OverallVelocity,
		snapshot.CapacityComponent, snapshot.FatiguePenalty, snapshot.LabModulation,
		snapshot.ShrinkageFactor, snapshot.ConstraintApplied, snapshot.ConstraintReason,
		snapshot.DominantFactor, systemsJSON, snapshot.EngineVersion,
		snapshot.ComputeLatencyMS).
		Scan(&snapshot.ID, &snapshot.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to upsert velocity snapshot: %w", err)
	}

	return nil
}

// UpsertBatch processes multiple snapshots atomically
func (r *snapshotRepo) UpsertBatch(ctx context.Context, snapshots []persistence.VelocitySnapshot) error {
	if len(snapshots) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout*time.Duration(len(snapshots)/50+1))
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO velocity_snapshots
		(user_id, ts, overall_velocity, capacity_component, fatigue_penalty,
		 lab_modulation, shrinkage_factor, constraint_applied, constraint_reason,
		 dominant_factor, systems, engine_version, compute_latency_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (user_id, ts) DO UPDATE SET
			overall_velocity = EXCLUDED.overall_velocity,
			capacity_component = EXCLUDED.capacity_component,
			fatigue_penalty = EXCLUDED.fatigue_penalty,
			lab_modulation = EXCLUDED.lab_modulation,
			shrinkage_factor = EXCLUDED.shrinkage_factor,
			constraint_applied = EXCLUDED.constraint_applied,
			constraint_reason = EXCLUDED.constraint_reason,
			dominant_factor = EXCLUDED.dominant_factor,
			systems = EXCLUDED.systems,
			engine_version = EXCLUDED.engine_version,
			compute_latency_ms = EXCLUDED.compute_latency_ms`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, snapshot := range snapshots {
		if err := validateSnapshot(snapshot); err != nil {
			return fmt.Errorf("invalid snapshot in batch: %w", err)
		}

		systemsJSON, err := marshalSystems(snapshot.Systems)
		if err != nil {
			return fmt.Errorf("failed to marshal systems in batch: %w", err)
		}

		_, err = stmt.ExecContext(ctx,
			snapshot.UserID, snapshot.Timestamp, snapshot.OverallVelocity,
			snapshot.CapacityComponent, snapshot.FatiguePenalty, snapshot.LabModulation,
			snapshot.ShrinkageFactor, snapshot.ConstraintApplied, snapshot.ConstraintReason,
			snapshot.DominantFactor, systemsJSON, snapshot.EngineVersion,
			snapshot.ComputeLatencyMS)
		if err != nil {
			return fmt.Errorf("failed to upsert snapshot in batch: %w", err)
		}
	}

	return tx.Commit()
}

// Window retrieves snapshots within time range for cohort analysis
func (r *snapshotRepo) Window(ctx context.Context, tr persistence.TimeRange) ([]persistence.VelocitySnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT id, user_id, ts, overall_velocity, capacity_component, fatigue_penalty,
		       lab_modulation, shrinkage_factor, constraint_applied, constraint_reason,
		       dominant_factor, systems, engine_version, compute_latency_ms, created_at
		FROM velocity_snapshots
		WHERE ts >= $1 AND ts <= $2
		ORDER BY ts DESC`

	rows, err := r.db.QueryxContext(ctx, query, tr.From, tr.To)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshot window: %w", err)
	}
	defer rows.Close()

	return r.scanSnapshots(rows)
}

// ListByUser retrieves snapshots for a specific user, newest first
func (r *snapshotRepo) ListByUser(ctx context.Context, userID string, tr persistence.TimeRange, limit int) ([]persistence.VelocitySnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT id, user_id, ts, overall_velocity, capacity_component, fatigue_penalty,
		       lab_modulation, shrinkage_factor, constraint_applied, constraint_reason,
		       dominant_factor, systems, engine_version, compute_latency_ms, created_at
		FROM velocity_snapshots
		WHERE user_id = $1 AND ts >= $2 AND ts <= $3
		ORDER BY ts DESC
		LIMIT $4`

	rows, err := r.db.QueryxContext(ctx, query, userID, tr.From, tr.To, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots by user: %w", err)
	}
	defer rows.Close()

	return r.scanSnapshots(rows)
}

// Latest returns the most recent snapshot for a user
func (r *snapshotRepo) Latest(ctx context.Context, userID string) (*persistence.VelocitySnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT id, user_id, ts, overall_velocity, capacity_component, fatigue_penalty,
		       lab_modulation, shrinkage_factor, constraint_applied, constraint_reason,
		       dominant_factor, systems, engine_version, compute_latency_ms, created_at
		FROM velocity_snapshots
		WHERE user_id = $1
		ORDER BY ts DESC
		LIMIT 1`

	rows, err := r.db.QueryxContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest snapshot: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, nil
	}

	return r.scanSnapshotFromRows(rows)
}

// ListConstrained retrieves snapshots where a hard constraint fired
func (r *snapshotRepo) ListConstrained(ctx context.Context, tr persistence.TimeRange, limit int) ([]persistence.VelocitySnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT id, user_id, ts, overall_velocity, capacity_component, fatigue_penalty,
		       lab_modulation, shrinkage_factor, constraint_applied, constraint_reason,
		       dominant_factor, systems, engine_version, compute_latency_ms, created_at
		FROM velocity_snapshots
		WHERE ts >= $1 AND ts <= $2
		  AND constraint_applied = true
		ORDER BY ts DESC
		LIMIT $3`

	rows, err := r.db.QueryxContext(ctx, query, tr.From, tr.To, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query constrained snapshots: %w", err)
	}
	defer rows.Close()

	return r.scanSnapshots(rows)
}

// ListAboveVelocity retrieves snapshots at or above a velocity threshold
func (r *snapshotRepo) ListAboveVelocity(ctx context.Context, minVelocity float64, tr persistence.TimeRange, limit int) ([]persistence.VelocitySnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT id, user_id, ts, overall_velocity, capacity_component, fatigue_penalty,
		       lab_modulation, shrinkage_factor, constraint_applied, constraint_reason,
		       dominant_factor, systems, engine_version, compute_latency_ms, created_at
		FROM velocity_snapshots
		WHERE ts >= $1 AND ts <= $2
		  AND overall_velocity >= $3
		ORDER BY overall_velocity DESC, ts DESC
		LIMIT $4`

	rows, err := r.db.QueryxContext(ctx, query, tr.From, tr.To, minVelocity, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots by velocity: %w", err)
	}
	defer rows.Close()

	return r.scanSnapshots(rows)
}

// ListByDominantFactor retrieves snapshots attributed to a specific factor
func (r *snapshotRepo) ListByDominantFactor(ctx context.Context, factor string, tr persistence.TimeRange, limit int) ([]persistence.VelocitySnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT id, user_id, ts, overall_velocity, capacity_component, fatigue_penalty,
		       lab_modulation, shrinkage_factor, constraint_applied, constraint_reason,
		       dominant_factor, systems, engine_version, compute_latency_ms, created_at
		FROM velocity_snapshots
		WHERE dominant_factor = $1 AND ts >= $2 AND ts <= $3
		ORDER BY ts DESC
		LIMIT $4`

	rows, err := r.db.QueryxContext(ctx, query, factor, tr.From, tr.To, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots by dominant factor: %w", err)
	}
	defer rows.Close()

	return r.scanSnapshots(rows)
}

// GetConstraintStats returns constraint fired/clean counts by reason
func (r *snapshotRepo) GetConstraintStats(ctx context.Context, tr persistence.TimeRange) (map[string]map[string]int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT
			COUNT(CASE WHEN constraint_applied = true THEN 1 END) as fired,
			COUNT(CASE WHEN constraint_applied = false THEN 1 END) as clean,
			COUNT(CASE WHEN constraint_reason LIKE 'vo2max_improving%' THEN 1 END) as vo2max_fired,
			COUNT(CASE WHEN constraint_reason LIKE 'body_fat_improving%' THEN 1 END) as body_comp_fired
		FROM velocity_snapshots
		WHERE ts >= $1 AND ts <= $2`

	var stats struct {
		Fired         int64 `db:"fired"`
		Clean         int64 `db:"clean"`
		VO2MaxFired   int64 `db:"vo2max_fired"`
		BodyCompFired int64 `db:"body_comp_fired"`
	}

	err := r.db.GetContext(ctx, &stats, query, tr.From, tr.To)
	if err != nil {
		return nil, fmt.Errorf("failed to query constraint stats: %w", err)
	}

	result := map[string]map[string]int64{
		"overall":            {"fired": stats.Fired, "clean": stats.Clean},
		"vo2max_improving":   {"fired": stats.VO2MaxFired},
		"body_fat_improving": {"fired": stats.BodyCompFired},
	}

	return result, nil
}

// GetVelocityDistribution returns velocity histogram for cohort analysis
func (r *snapshotRepo) GetVelocityDistribution(ctx context.Context, tr persistence.TimeRange) (map[string]int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		WITH velocity_buckets AS (
			SELECT
				CASE
					WHEN overall_velocity < 0.80 THEN '0.60-0.80'
					WHEN overall_velocity < 0.95 THEN '0.80-0.95'
					WHEN overall_velocity < 1.05 THEN '0.95-1.05'
					WHEN overall_velocity < 1.20 THEN '1.05-1.20'
					WHEN overall_velocity < 1.40 THEN '1.20-1.40'
					ELSE '1.40-1.80'
				END as bucket,
				COUNT(*) as count
			FROM velocity_snapshots
			WHERE ts >= $1 AND ts <= $2
			GROUP BY bucket
		)
		SELECT bucket, count FROM velocity_buckets ORDER BY bucket`

	rows, err := r.db.QueryxContext(ctx, query, tr.From, tr.To)
	if err != nil {
		return nil, fmt.Errorf("failed to query velocity distribution: %w", err)
	}
	defer rows.Close()

	distribution := make(map[string]int64)
	for rows.Next() {
		var bucket string
		var count int64
		if err := rows.Scan(&bucket, &count); err != nil {
			return nil, fmt.Errorf("failed to scan velocity distribution: %w", err)
		}
		distribution[bucket] = count
	}

	return distribution, nil
}

// GetLatencyStats returns compute latency percentiles
func (r *snapshotRepo) GetLatencyStats(ctx context.Context, tr persistence.TimeRange) (map[string]float64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT
			percentile_cont(0.50) WITHIN GROUP (ORDER BY compute_latency_ms) as p50,
			percentile_cont(0.95) WITHIN GROUP (ORDER BY compute_latency_ms) as p95,
			percentile_cont(0.99) WITHIN GROUP (ORDER BY compute_latency_ms) as p99,
			AVG(compute_latency_ms::float) as mean,
			MIN(compute_latency_ms) as min,
			MAX(compute_latency_ms) as max
		FROM velocity_snapshots
		WHERE ts >= $1 AND ts <= $2 AND compute_latency_ms IS NOT NULL`

	var stats struct {
		P50  *float64 `db:"p50"`
		P95  *float64 `db:"p95"`
		P99  *float64 `db:"p99"`
		Mean *float64 `db:"mean"`
		Min  *int     `db:"min"`
		Max  *int     `db:"max"`
	}

	err := r.db.GetContext(ctx, &stats, query, tr.From, tr.To)
	if err != nil {
		return nil, fmt.Errorf("failed to query latency stats: %w", err)
	}

	result := make(map[string]float64)
	if stats.P50 != nil {
		result["p50"] = *stats.P50
	}
	if stats.P95 != nil {
		result["p95"] = *stats.P95
	}
	if stats.P99 != nil {
		result["p99"] = *stats.P99
	}
	if stats.Mean != nil {
		result["mean"] = *stats.Mean
	}
	if stats.Min != nil {
		result["min"] = float64(*stats.Min)
	}
	if stats.Max != nil {
		result["max"] = float64(*stats.Max)
	}

	return result, nil
}

// Helper methods

// validateSnapshot enforces the published velocity contract before writes
func validateSnapshot(snapshot persistence.VelocitySnapshot) error {
	if snapshot.UserID == "" {
		return fmt.Errorf("snapshot missing user_id")
	}
	if snapshot.OverallVelocity < domain.VelocityV3Min || snapshot.OverallVelocity > domain.VelocityV3Max {
		return fmt.Errorf("overall velocity %.4f outside contract bounds [%.2f, %.2f]",
			snapshot.OverallVelocity, domain.VelocityV3Min, domain.VelocityV3Max)
	}
	for system, v := range snapshot.Systems {
		if v < domain.VelocityV3Min || v > domain.VelocityV3Max {
			return fmt.Errorf("system %s velocity %.4f outside contract bounds", system, v)
		}
	}
	return nil
}

func marshalSystems(systems map[string]float64) ([]byte, error) {
	if systems == nil {
		return nil, nil
	}
	systemsJSON, err := json.Marshal(systems)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal systems: %w", err)
	}
	return systemsJSON, nil
}

func (r *snapshotRepo) scanSnapshots(rows *sqlx.Rows) ([]persistence.VelocitySnapshot, error) {
	var snapshots []persistence.VelocitySnapshot

	for rows.Next() {
		snapshot, err := r.scanSnapshotFromRows(rows)
		if err != nil {
			return nil, err
		}
		snapshots = append(snapshots, *snapshot)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return snapshots, nil
}

func (r *snapshotRepo) scanSnapshotFromRows(rows *sqlx.Rows) (*persistence.VelocitySnapshot, error) {
	var snapshot persistence.VelocitySnapshot
	var systemsJSON []byte

	err := rows.Scan(
		&snapshot.ID, &snapshot.UserID, &snapshot.Timestamp,
		&snapshot.OverallVelocity, &snapshot.CapacityComponent, &snapshot.FatiguePenalty,
		&snapshot.LabModulation, &snapshot.ShrinkageFactor,
		&snapshot.ConstraintApplied, &snapshot.ConstraintReason,
		&snapshot.DominantFactor, &systemsJSON, &snapshot.EngineVersion,
		&snapshot.ComputeLatencyMS, &snapshot.CreatedAt)

	if err != nil {
		return nil, err
	}

	if len(systemsJSON) > 0 {
		if err := json.Unmarshal(systemsJSON, &snapshot.Systems); err != nil {
			return nil, fmt.Errorf("failed to unmarshal systems: %w", err)
		}
	} else {
		snapshot.Systems = make(map[string]float64)
	}

	return &snapshot, nil
}
