package persistence

import (
	"context"
	"time"
)

// TimeRange represents a time window for data queries
type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Observation represents a single wearable metric reading as ingested
type Observation struct {
	ID         int64                  `json:"id" db:"id"`
	UserID     string                 `json:"user_id" db:"user_id"`
	Metric     string                 `json:"metric" db:"metric"`
	Timestamp  time.Time              `json:"ts" db:"ts"`
	Value      float64                `json:"value" db:"value"`
	Source     string                 `json:"source" db:"source"`
	Attributes map[string]interface{} `json:"attributes" db:"attributes"`
	CreatedAt  time.Time              `json:"created_at" db:"created_at"`
}

// LabResult represents a scored lab biomarker from a collected panel
type LabResult struct {
	ID          int64     `json:"id" db:"id"`
	UserID      string    `json:"user_id" db:"user_id"`
	Biomarker   string    `json:"biomarker" db:"biomarker"`
	Score       float64   `json:"score" db:"score"`
	CollectedAt time.Time `json:"collected_at" db:"collected_at"`
	PanelID     *string   `json:"panel_id,omitempty" db:"panel_id"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// VelocitySnapshot represents a persisted velocity computation for one user
type VelocitySnapshot struct {
	ID        int64     `json:"id" db:"id"`
	UserID    string    `json:"user_id" db:"user_id"`
	Timestamp time.Time `json:"ts" db:"ts"`

	// Composition breakdown (pre-clamp components)
	OverallVelocity   float64 `json:"overall_velocity" db:"overall_velocity"`
	CapacityComponent float64 `json:"capacity_component" db:"capacity_component"`
	FatiguePenalty    float64 `json:"fatigue_penalty" db:"fatigue_penalty"`
	LabModulation     float64 `json:"lab_modulation" db:"lab_modulation"`
	ShrinkageFactor   float64 `json:"shrinkage_factor" db:"shrinkage_factor"`

	// Hard constraint outcome
	ConstraintApplied bool    `json:"constraint_applied" db:"constraint_applied"`
	ConstraintReason  *string `json:"constraint_reason,omitempty" db:"constraint_reason"`

	// Attribution and context
	DominantFactor   string             `json:"dominant_factor" db:"dominant_factor"`
	Systems          map[string]float64 `json:"systems" db:"systems"`
	EngineVersion    string             `json:"engine_version" db:"engine_version"`
	ComputeLatencyMS *int               `json:"compute_latency_ms,omitempty" db:"compute_latency_ms"`
	CreatedAt        time.Time          `json:"created_at" db:"created_at"`
}

// ObservationsRepo provides wearable observation persistence
type ObservationsRepo interface {
	// Insert adds a new observation with timestamp validation
	Insert(ctx context.Context, obs Observation) error

	// InsertBatch adds multiple observations atomically for device sync bursts
	InsertBatch(ctx context.Context, obs []Observation) error

	// ListByMetric retrieves one user's readings for a metric within time range
	ListByMetric(ctx context.Context, userID, metric string, tr TimeRange, limit int) ([]Observation, error)

	// ListByUser retrieves all readings for a user within time range
	ListByUser(ctx context.Context, userID string, tr TimeRange, limit int) ([]Observation, error)

	// GetLatest returns most recent readings across all metrics for a user
	GetLatest(ctx context.Context, userID string, limit int) ([]Observation, error)

	// ListUsers returns distinct user IDs with readings in time range
	ListUsers(ctx context.Context, tr TimeRange) ([]string, error)

	// Count returns total observations in time range for statistics
	Count(ctx context.Context, tr TimeRange) (int64, error)

	// CountByMetric returns observation counts grouped by metric for a user
	CountByMetric(ctx context.Context, userID string, tr TimeRange) (map[string]int64, error)
}

// LabsRepo provides lab biomarker persistence keyed by collection date
type LabsRepo interface {
	// Upsert inserts or updates a lab result (unique per user/biomarker/collected_at)
	Upsert(ctx context.Context, result LabResult) error

	// UpsertBatch processes a full panel atomically
	UpsertBatch(ctx context.Context, results []LabResult) error

	// LatestPanel returns the most recent collection's results for a user
	LatestPanel(ctx context.Context, userID string) ([]LabResult, error)

	// ListByUser retrieves lab history within time window
	ListByUser(ctx context.Context, userID string, tr TimeRange) ([]LabResult, error)

	// ListByBiomarker retrieves one biomarker's history for trend review
	ListByBiomarker(ctx context.Context, userID, biomarker string, limit int) ([]LabResult, error)

	// GetBiomarkerStats returns result counts grouped by biomarker
	GetBiomarkerStats(ctx context.Context, userID string, tr TimeRange) (map[string]int64, error)
}

// SnapshotsRepo provides velocity snapshot persistence with scoring history
type SnapshotsRepo interface {
	// Upsert inserts or updates a snapshot (unique per user/ts)
	Upsert(ctx context.Context, snapshot VelocitySnapshot) error

	// UpsertBatch processes multiple snapshots atomically
	UpsertBatch(ctx context.Context, snapshots []VelocitySnapshot) error

	// Window retrieves snapshots within time range for cohort analysis
	Window(ctx context.Context, tr TimeRange) ([]VelocitySnapshot, error)

	// ListByUser retrieves snapshots for a specific user, newest first
	ListByUser(ctx context.Context, userID string, tr TimeRange, limit int) ([]VelocitySnapshot, error)

	// Latest returns the most recent snapshot for a user
	Latest(ctx context.Context, userID string) (*VelocitySnapshot, error)

	// ListConstrained retrieves snapshots where a hard constraint fired
	ListConstrained(ctx context.Context, tr TimeRange, limit int) ([]VelocitySnapshot, error)

	// ListAboveVelocity retrieves snapshots at or above a velocity threshold
	ListAboveVelocity(ctx context.Context, minVelocity float64, tr TimeRange, limit int) ([]VelocitySnapshot, error)

	// ListByDominantFactor retrieves snapshots attributed to a specific factor
	ListByDominantFactor(ctx context.Context, factor string, tr TimeRange, limit int) ([]VelocitySnapshot, error)

	// GetConstraintStats returns constraint fired/clean counts by reason
	GetConstraintStats(ctx context.Context, tr TimeRange) (map[string]map[string]int64, error)

	// GetVelocityDistribution returns velocity histogram for cohort analysis
	GetVelocityDistribution(ctx context.Context, tr TimeRange) (map[string]int64, error)

	// GetLatencyStats returns compute latency percentiles
	GetLatencyStats(ctx context.Context, tr TimeRange) (map[string]float64, error)
}

// Repository aggregates all persistence interfaces
type Repository struct {
	Observations ObservationsRepo
	Labs         LabsRepo
	Snapshots    SnapshotsRepo
}

// HealthCheck represents repository health status
type HealthCheck struct {
	Healthy        bool           `json:"healthy"`
	Errors         []string       `json:"errors,omitempty"`
	ConnectionPool map[string]int `json:"connection_pool"`
	LastCheck      time.Time      `json:"last_check"`
	ResponseTimeMS int64          `json:"response_time_ms"`
}

// RepositoryHealth provides health monitoring for persistence layer
type RepositoryHealth interface {
	// Health returns current repository health status
	Health(ctx context.Context) HealthCheck

	// Ping tests basic connectivity to database
	Ping(ctx context.Context) error

	// Stats returns connection pool and query statistics
	Stats(ctx context.Context) map[string]interface{}
}
