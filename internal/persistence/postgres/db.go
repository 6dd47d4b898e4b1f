package postgres

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/regimenhq/biovelocity/internal/persistence"
)

// Config holds PostgreSQL connection settings
type Config struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"ssl_mode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	QueryTimeout    time.Duration `yaml:"query_timeout"`
}

// DefaultConfig returns connection settings suitable for local development
func DefaultConfig() Config {
	return Config{
		Host:            "localhost",
		Port:            5432,
		Database:        "biovelocity",
		User:            "biovelocity",
		Password:        "",
		SSLMode:         "disable",
		MaxOpenConns:    16,
		MaxIdleConns:    4,
		ConnMaxLifetime: 30 * time.Minute,
		QueryTimeout:    5 * time.Second,
	}
}

// ConfigFromEnv overlays the standard lib/pq environment variables on the
// defaults, so a CLI run against a non-local database needs no flags.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()
	if host := os.Getenv("PGHOST"); host != "" {
		cfg.Host = host
	}
	if portStr := os.Getenv("PGPORT"); portStr != "" {
		if p, err := strconv.Atoi(portStr); err == nil {
			cfg.Port = p
		}
	}
	if database := os.Getenv("PGDATABASE"); database != "" {
		cfg.Database = database
	}
	if user := os.Getenv("PGUSER"); user != "" {
		cfg.User = user
	}
	if password := os.Getenv("PGPASSWORD"); password != "" {
		cfg.Password = password
	}
	if sslMode := os.Getenv("PGSSLMODE"); sslMode != "" {
		cfg.SSLMode = sslMode
	}
	return cfg
}

// DSN builds a lib/pq connection string from the config
func (c Config) DSN() string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.Host, c.Port, c.Database, c.User, c.Password, c.SSLMode)
}

// Connect opens a pooled connection and verifies it with a ping
func Connect(ctx context.Context, cfg Config) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	return db, nil
}

// NewRepository wires all repositories against a single connection pool
func NewRepository(db *sqlx.DB, queryTimeout time.Duration) *persistence.Repository {
	return &persistence.Repository{
		Observations: NewObservationRepo(db, queryTimeout),
		Labs:         NewLabRepo(db, queryTimeout),
		Snapshots:    NewSnapshotRepo(db, queryTimeout),
	}
}

// schema creates the three core tables. Idempotent, safe to run at startup.
const schema = `
CREATE TABLE IF NOT EXISTS observations (
	id         BIGSERIAL PRIMARY KEY,
	user_id    TEXT NOT NULL,
	metric     TEXT NOT NULL,
	ts         TIMESTAMPTZ NOT NULL,
	value      DOUBLE PRECISION NOT NULL,
	source     TEXT NOT NULL DEFAULT '',
	attributes JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (user_id, metric, ts)
);
CREATE INDEX IF NOT EXISTS idx_observations_user_metric_ts
	ON observations (user_id, metric, ts);

CREATE TABLE IF NOT EXISTS lab_results (
	id           BIGSERIAL PRIMARY KEY,
	user_id      TEXT NOT NULL,
	biomarker    TEXT NOT NULL,
	score        DOUBLE PRECISION NOT NULL,
	collected_at TIMESTAMPTZ NOT NULL,
	panel_id     TEXT,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (user_id, biomarker, collected_at)
);
CREATE INDEX IF NOT EXISTS idx_lab_results_user_collected
	ON lab_results (user_id, collected_at DESC);

CREATE TABLE IF NOT EXISTS velocity_snapshots (
	id                 BIGSERIAL PRIMARY KEY,
	user_id            TEXT NOT NULL,
	ts                 TIMESTAMPTZ NOT NULL,
	overall_velocity   DOUBLE PRECISION NOT NULL,
	capacity_component DOUBLE PRECISION NOT NULL,
	fatigue_penalty    DOUBLE PRECISION NOT NULL,
	lab_modulation     DOUBLE PRECISION NOT NULL,
	shrinkage_factor   DOUBLE PRECISION NOT NULL,
	constraint_applied BOOLEAN NOT NULL DEFAULT false,
	constraint_reason  TEXT,
	dominant_factor    TEXT NOT NULL,
	systems            JSONB,
	engine_version     TEXT NOT NULL DEFAULT '',
	compute_latency_ms INTEGER,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (user_id, ts)
);
CREATE INDEX IF NOT EXISTS idx_velocity_snapshots_user_ts
	ON velocity_snapshots (user_id, ts DESC);
CREATE INDEX IF NOT EXISTS idx_velocity_snapshots_velocity
	ON velocity_snapshots (overall_velocity);
`

// EnsureSchema creates tables and indexes if they do not exist
func EnsureSchema(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}

// healthMonitor implements RepositoryHealth for PostgreSQL
type healthMonitor struct {
	db *sqlx.DB
}

// NewHealthMonitor creates a health monitor over the shared pool
func NewHealthMonitor(db *sqlx.DB) persistence.RepositoryHealth {
	return &healthMonitor{db: db}
}

// Health returns current repository health status
func (h *healthMonitor) Health(ctx context.Context) persistence.HealthCheck {
	start := time.Now()
	check := persistence.HealthCheck{
		Healthy:   true,
		LastCheck: start,
	}

	if err := h.Ping(ctx); err != nil {
		check.Healthy = false
		check.Errors = append(check.Errors, err.Error())
	}

	stats := h.db.Stats()
	check.ConnectionPool = map[string]int{
		"open":    stats.OpenConnections,
		"in_use":  stats.InUse,
		"idle":    stats.Idle,
		"max":     stats.MaxOpenConnections,
		"waiting": int(stats.WaitCount),
	}
	check.ResponseTimeMS = time.Since(start).Milliseconds()

	return check
}

// Ping tests basic connectivity to database
func (h *healthMonitor) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := h.db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres ping failed: %w", err)
	}
	return nil
}

// Stats returns connection pool and query statistics
func (h *healthMonitor) Stats(ctx context.Context) map[string]interface{} {
	stats := h.db.Stats()
	return map[string]interface{}{
		"open_connections":     stats.OpenConnections,
		"in_use":               stats.InUse,
		"idle":                 stats.Idle,
		"max_open_connections": stats.MaxOpenConnections,
		"wait_count":           stats.WaitCount,
		"wait_duration_ms":     stats.WaitDuration.Milliseconds(),
		"max_idle_closed":      stats.MaxIdleClosed,
		"max_lifetime_closed":  stats.MaxLifetimeClosed,
	}
}
