package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/regimenhq/biovelocity/internal/persistence"
)

// labRepo implements LabsRepo interface for PostgreSQL
type labRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewLabRepo creates a new PostgreSQL lab result repository
func NewLabRepo(db *sqlx.DB, timeout time.Duration) persistence.LabsRepo {
	return &labRepo{
		db:      db,
		timeout: timeout,
	}
}

// Upsert inserts or updates a lab result (unique per user/biomarker/collected_at)
func (r *labRepo) Upsert(ctx context.Context, result persistence.LabResult) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if err := validateLabResult(result); err != nil {
		return err
	}

	query := `
		INSERT INTO lab_results (user_id, biomarker, score, collected_at, panel_id)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id, biomarker, collected_at) DO UPDATE SET
			score = EXCLUDED.score,
			panel_id = EXCLUDED.panel_id
		RETURNING id, created_at`

	err := r.db.QueryRowxContext(ctx, query,
		result.UserID, result.Biomarker, result.Score, result.CollectedAt, result.PanelID).
		Scan(&result.ID, &result.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to upsert lab result: %w", err)
	}

	return nil
}

// UpsertBatch processes a full panel atomically
func (r *labRepo) UpsertBatch(ctx context.Context, results []persistence.LabResult) error {
	if len(results) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO lab_results (user_id, biomarker, score, collected_at, panel_id)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id, biomarker, collected_at) DO UPDATE SET
			score = EXCLUDED.score,
			panel_id = EXCLUDED.panel_id`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, result := range results {
		if err := validateLabResult(result); err != nil {
			return fmt.Errorf("invalid lab result in batch: %w", err)
		}

		_, err = stmt.ExecContext(ctx,
			result.UserID, result.Biomarker, result.Score, result.CollectedAt, result.PanelID)
		if err != nil {
			return fmt.Errorf("failed to upsert lab result in batch: %w", err)
		}
	}

	return tx.Commit()
}

// LatestPanel returns the most recent collection's results for a user
func (r *labRepo) LatestPanel(ctx context.Context, userID string) ([]persistence.LabResult, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT id, user_id, biomarker, score, collected_at, panel_id, created_at
		FROM lab_results
		WHERE user_id = $1
		  AND collected_at = (
			SELECT MAX(collected_at) FROM lab_results WHERE user_id = $1
		  )
		ORDER BY biomarker ASC`

	rows, err := r.db.QueryxContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest panel: %w", err)
	}
	defer rows.Close()

	return r.scanLabResults(rows)
}

// ListByUser retrieves lab history within time window
func (r *labRepo) ListByUser(ctx context.Context, userID string, tr persistence.TimeRange) ([]persistence.LabResult, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT id, user_id, biomarker, score, collected_at, panel_id, created_at
		FROM lab_results
		WHERE user_id = $1 AND collected_at >= $2 AND collected_at <= $3
		ORDER BY collected_at DESC, biomarker ASC`

	rows, err := r.db.QueryxContext(ctx, query, userID, tr.From, tr.To)
	if err != nil {
		return nil, fmt.Errorf("failed to query lab results by user: %w", err)
	}
	defer rows.Close()

	return r.scanLabResults(rows)
}

// ListByBiomarker retrieves one biomarker's history for trend review
func (r *labRepo) ListByBiomarker(ctx context.Context, userID, biomarker string, limit int) ([]persistence.LabResult, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT id, user_id, biomarker, score, collected_at, panel_id, created_at
		FROM lab_results
		WHERE user_id = $1 AND biomarker = $2
		ORDER BY collected_at DESC
		LIMIT $3`

	rows, err := r.db.QueryxContext(ctx, query, userID, biomarker, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query lab results by biomarker: %w", err)
	}
	defer rows.Close()

	return r.scanLabResults(rows)
}

// GetBiomarkerStats returns result counts grouped by biomarker
func (r *labRepo) GetBiomarkerStats(ctx context.Context, userID string, tr persistence.TimeRange) (map[string]int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT biomarker, COUNT(*) as count
		FROM lab_results
		WHERE user_id = $1 AND collected_at >= $2 AND collected_at <= $3
		GROUP BY biomarker
		ORDER BY biomarker`

	rows, err := r.db.QueryxContext(ctx, query, userID, tr.From, tr.To)
	if err != nil {
		return nil, fmt.Errorf("failed to query biomarker stats: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var biomarker string
		var count int64
		if err := rows.Scan(&biomarker, &count); err != nil {
			return nil, fmt.Errorf("failed to scan biomarker count: %w", err)
		}
		counts[biomarker] = count
	}

	return counts, nil
}

// Helper methods

func validateLabResult(result persistence.LabResult) error {
	if result.UserID == "" {
		return fmt.Errorf("lab result missing user_id")
	}
	if result.Biomarker == "" {
		return fmt.Errorf("lab result missing biomarker name")
	}
	if result.Score < 0 || result.Score > 100 {
		return fmt.Errorf("lab score %.2f outside 0-100 scale", result.Score)
	}
	if result.CollectedAt.IsZero() {
		return fmt.Errorf("lab result missing collection date")
	}
	return nil
}

func (r *labRepo) scanLabResults(rows *sqlx.Rows) ([]persistence.LabResult, error) {
	var results []persistence.LabResult

	for rows.Next() {
		var result persistence.LabResult
		err := rows.Scan(
			&result.ID, &result.UserID, &result.Biomarker, &result.Score,
			&result.CollectedAt, &result.PanelID, &result.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan lab result: %w", err)
		}
		results = append(results, result)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return results, nil
}
