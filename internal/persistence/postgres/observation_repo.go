package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/regimenhq/biovelocity/internal/persistence"
)

// observationRepo implements ObservationsRepo interface for PostgreSQL
type observationRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewObservationRepo creates a new PostgreSQL observation repository
func NewObservationRepo(db *sqlx.DB, timeout time.Duration) persistence.ObservationsRepo {
	return &observationRepo{
		db:      db,
		timeout: timeout,
	}
}

// Insert adds a new observation with timestamp validation
func (r *observationRepo) Insert(ctx context.Context, obs persistence.Observation) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if err := validateObservation(obs); err != nil {
		return err
	}

	var attributesJSON []byte
	var err error
	if obs.Attributes != nil {
		attributesJSON, err = json.Marshal(obs.Attributes)
		if err != nil {
			return fmt.Errorf("failed to marshal attributes: %w", err)
		}
	}

	query := `
		INSERT INTO observations (user_id, metric, ts, value, source, attributes)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id, metric, ts) DO UPDATE SET
			value = EXCLUDED.value,
			source = EXCLUDED.source,
			attributes = EXCLUDED.attributes
		RETURNING id, created_at`

	err = r.db.QueryRowxContext(ctx, query,
		obs.UserID, obs.Metric, obs.Timestamp, obs.Value, obs.Source, attributesJSON).
		Scan(&obs.ID, &obs.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to insert observation: %w", err)
	}

	return nil
}

// InsertBatch adds multiple observations atomically for device sync bursts
func (r *observationRepo) InsertBatch(ctx context.Context, observations []persistence.Observation) error {
	if len(observations) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout*time.Duration(len(observations)/100+1))
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO observations (user_id, metric, ts, value, source, attributes)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id, metric, ts) DO UPDATE SET
			value = EXCLUDED.value,
			source = EXCLUDED.source,
			attributes = EXCLUDED.attributes`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, obs := range observations {
		if err := validateObservation(obs); err != nil {
			return fmt.Errorf("invalid observation in batch: %w", err)
		}

		var attributesJSON []byte
		if obs.Attributes != nil {
			attributesJSON, err = json.Marshal(obs.Attributes)
			if err != nil {
				return fmt.Errorf("failed to marshal attributes in batch: %w", err)
			}
		}

		_, err = stmt.ExecContext(ctx,
			obs.UserID, obs.Metric, obs.Timestamp, obs.Value, obs.Source, attributesJSON)
		if err != nil {
			return fmt.Errorf("failed to insert observation in batch: %w", err)
		}
	}

	return tx.Commit()
}

// ListByMetric retrieves one user's readings for a metric within time range
func (r *observationRepo) ListByMetric(ctx context.Context, userID, metric string, tr persistence.TimeRange, limit int) ([]persistence.Observation, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT id, user_id, metric, ts, value, source, attributes, created_at
		FROM observations
		WHERE user_id = $1 AND metric = $2 AND ts >= $3 AND ts <= $4
		ORDER BY ts ASC
		LIMIT $5`

	rows, err := r.db.QueryxContext(ctx, query, userID, metric, tr.From, tr.To, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query observations by metric: %w", err)
	}
	defer rows.Close()

	return r.scanObservations(rows)
}

// ListByUser retrieves all readings for a user within time range
func (r *observationRepo) ListByUser(ctx context.Context, userID string, tr persistence.TimeRange, limit int) ([]persistence.Observation, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT id, user_id, metric, ts, value, source, attributes, created_at
		FROM observations
		WHERE user_id = $1 AND ts >= $2 AND ts <= $3
		ORDER BY metric ASC, ts ASC
		LIMIT $4`

	rows, err := r.db.QueryxContext(ctx, query, userID, tr.From, tr.To, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query observations by user: %w", err)
	}
	defer rows.Close()

	return r.scanObservations(rows)
}

// GetLatest returns most recent readings across all metrics for a user
func (r *observationRepo) GetLatest(ctx context.Context, userID string, limit int) ([]persistence.Observation, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT id, user_id, metric, ts, value, source, attributes, created_at
		FROM observations
		WHERE user_id = $1
		ORDER BY ts DESC
		LIMIT $2`

	rows, err := r.db.QueryxContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest observations: %w", err)
	}
	defer rows.Close()

	return r.scanObservations(rows)
}

// ListUsers returns distinct user IDs with readings in time range
func (r *observationRepo) ListUsers(ctx context.Context, tr persistence.TimeRange) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT DISTINCT user_id
		FROM observations
		WHERE ts >= $1 AND ts <= $2
		ORDER BY user_id`

	var users []string
	err := r.db.SelectContext(ctx, &users, query, tr.From, tr.To)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}

	return users, nil
}

// Count returns total observations in time range for statistics
func (r *observationRepo) Count(ctx context.Context, tr persistence.TimeRange) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var count int64
	query := `SELECT COUNT(*) FROM observations WHERE ts >= $1 AND ts <= $2`

	err := r.db.GetContext(ctx, &count, query, tr.From, tr.To)
	if err != nil {
		return 0, fmt.Errorf("failed to count observations: %w", err)
	}

	return count, nil
}

// CountByMetric returns observation counts grouped by metric for a user
func (r *observationRepo) CountByMetric(ctx context.Context, userID string, tr persistence.TimeRange) (map[string]int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT metric, COUNT(*) as count
		FROM observations
		WHERE user_id = $1 AND ts >= $2 AND ts <= $3
		GROUP BY metric
		ORDER BY metric`

	rows, err := r.db.QueryxContext(ctx, query, userID, tr.From, tr.To)
	if err != nil {
		return nil, fmt.Errorf("failed to count observations by metric: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var metric string
		var count int64
		if err := rows.Scan(&metric, &count); err != nil {
			return nil, fmt.Errorf("failed to scan metric count: %w", err)
		}
		counts[metric] = count
	}

	return counts, nil
}

// Helper methods

func validateObservation(obs persistence.Observation) error {
	if obs.UserID == "" {
		return fmt.Errorf("observation missing user_id")
	}
	if obs.Metric == "" {
		return fmt.Errorf("observation missing metric name")
	}
	if obs.Timestamp.IsZero() {
		return fmt.Errorf("observation missing timestamp")
	}
	return nil
}

func (r *observationRepo) scanObservations(rows *sqlx.Rows) ([]persistence.Observation, error) {
	var observations []persistence.Observation

	for rows.Next() {
		var obs persistence.Observation
		var attributesJSON []byte

		err := rows.Scan(
			&obs.ID, &obs.UserID, &obs.Metric, &obs.Timestamp,
			&obs.Value, &obs.Source, &attributesJSON, &obs.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan observation: %w", err)
		}

		if len(attributesJSON) > 0 {
			if err := json.Unmarshal(attributesJSON, &obs.Attributes); err != nil {
				return nil, fmt.Errorf("failed to unmarshal attributes: %w", err)
			}
		}

		observations = append(observations, obs)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return observations, nil
}
