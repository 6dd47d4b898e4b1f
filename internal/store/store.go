// Package store defines where user histories come from and where
// computed velocity results go. The model core stays pure; every
// durable concern lives behind these two interfaces.
package store

import (
	"context"
	"time"

	"github.com/regimenhq/biovelocity/internal/domain"
)

// UserSnapshot is one user's full model input as of a point in time:
// daily metric series keyed by metric name plus the most recent lab
// panel. This is the unit of work for a batch recompute.
type UserSnapshot struct {
	UserID         string                         `json:"user_id"`
	AsOf           time.Time                      `json:"as_of"`
	Series         map[string]domain.MetricSeries `json:"series"`
	LabScores      []domain.LabScore              `json:"lab_scores,omitempty"`
	LabRecencyDays float64                        `json:"lab_recency_days"`
}

// PointCount returns the total number of metric readings in the snapshot
func (s *UserSnapshot) PointCount() int {
	total := 0
	for _, series := range s.Series {
		total += len(series)
	}
	return total
}

// HistorySource lists users and loads their model inputs.
type HistorySource interface {
	// Name identifies the backend for logs, metrics, and rate limiting
	Name() string

	// ListUsers returns the IDs of all users with history in the source
	ListUsers(ctx context.Context) ([]string, error)

	// FetchSnapshot loads one user's series and lab panel
	FetchSnapshot(ctx context.Context, userID string) (*UserSnapshot, error)
}

// ResultSink persists computed velocity results.
type ResultSink interface {
	// Name identifies the backend for logs and metrics
	Name() string

	// SaveResult records the outcome of one user's computation
	SaveResult(ctx context.Context, snapshot *UserSnapshot, result domain.VelocityResult, computeTime time.Duration) error
}
