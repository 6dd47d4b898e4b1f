// Package batch schedules and executes recurring velocity jobs: full
// cohort recomputes, lab-driven refreshes, calibration audits, and
// cohort reports. Jobs are declared in a YAML file and either run on
// their schedule by the daemon or fired once from the CLI.
package batch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/regimenhq/biovelocity/internal/config"
	"github.com/regimenhq/biovelocity/internal/persistence"
	"github.com/regimenhq/biovelocity/internal/store"
	"github.com/regimenhq/biovelocity/internal/velocity"
)

// Job is one scheduled entry from the YAML job file.
type Job struct {
	Name        string    `yaml:"name"`
	Schedule    string    `yaml:"schedule"` // cron format: "*/30 * * * *" for every 30 minutes
	Type        string    `yaml:"type"`     // "velocity.recompute", "labs.refresh", "calibration.audit", "cohort.report"
	Description string    `yaml:"description"`
	Enabled     bool      `yaml:"enabled"`
	Config      JobConfig `yaml:"config"`
}

// JobConfig carries the per-job knobs. Zero values defer to the runner
// defaults.
type JobConfig struct {
	Source          string   `yaml:"source"`            // "snapshotdir" or "postgres"
	SnapshotDir     string   `yaml:"snapshot_dir"`      // history directory for the snapshotdir source
	LookbackDays    int      `yaml:"lookback_days"`     // observation window for the postgres source
	Users           []string `yaml:"users"`             // explicit user list, empty means everyone
	MaxUsers        int      `yaml:"max_users"`         // cap on users per run, 0 means no cap
	Workers         int      `yaml:"workers"`           // worker pool size
	SourceRPS       float64  `yaml:"source_rps"`        // rate limit toward the history source
	SourceBurst     int      `yaml:"source_burst"`      // burst allowance toward the history source
	CalibrationFile string   `yaml:"calibration_file"`  // empty means the shipped defaults
	FreshWithinDays int      `yaml:"fresh_within_days"` // labs.refresh: only users with labs this recent
	PersistResults  bool     `yaml:"persist_results"`   // write snapshots back through the postgres sink
	OutputDir       string   `yaml:"output_dir"`        // overrides the global artifacts dir
}

// Config is the parsed job file.
type Config struct {
	Jobs   []Job        `yaml:"jobs"`
	Global GlobalConfig `yaml:"global"`
}

// GlobalConfig applies across jobs unless a job overrides it. Schedules
// are evaluated in Timezone, so "30 2 * * *" means 02:30 in that zone.
type GlobalConfig struct {
	ArtifactsDir string `yaml:"artifacts_dir"`
	LogLevel     string `yaml:"log_level"`
	Timezone     string `yaml:"timezone"`
}

// Status summarizes the daemon state for the status command.
type Status struct {
	Running      bool
	EnabledJobs  int
	DisabledJobs int
	NextRun      time.Time
	LastRun      time.Time
	Uptime       time.Duration
}

// JobResult captures one job firing.
type JobResult struct {
	JobName   string
	StartTime time.Time
	Duration  time.Duration
	Success   bool
	Error     string
	Artifacts []string
}

// Scheduler owns the job table and fires due jobs once a minute.
type Scheduler struct {
	config       Config
	loc          *time.Location
	repo         *persistence.Repository
	startTime    time.Time
	running      bool
	showProgress bool

	mu       sync.Mutex
	lastRuns map[string]time.Time
}

// NewScheduler loads the job file and resolves the schedule timezone.
func NewScheduler(configPath string) (*Scheduler, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	loc, err := time.LoadLocation(cfg.Global.Timezone)
	if err != nil {
		return nil, fmt.Errorf("unknown timezone %q: %w", cfg.Global.Timezone, err)
	}

	return &Scheduler{
		config:   cfg,
		loc:      loc,
		lastRuns: make(map[string]time.Time),
	}, nil
}

// loadConfig reads the YAML job file and fills in global defaults.
func loadConfig(path string) (Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.Global.ArtifactsDir == "" {
		cfg.Global.ArtifactsDir = "artifacts/velocity"
	}
	if cfg.Global.LogLevel == "" {
		cfg.Global.LogLevel = "info"
	}
	if cfg.Global.Timezone == "" {
		cfg.Global.Timezone = "UTC"
	}
	return cfg, nil
}

// SetProgress enables terminal progress output during job runs. The
// daemon leaves it off; the CLI turns it on when stderr is a TTY.
func (s *Scheduler) SetProgress(show bool) {
	s.showProgress = show
}

// AttachRepository wires a Postgres repository for jobs whose source or
// sink is "postgres". Jobs that need it fail at run time without one.
func (s *Scheduler) AttachRepository(repo *persistence.Repository) {
	s.repo = repo
}

// ListJobs returns the job table in file order.
func (s *Scheduler) ListJobs() ([]Job, error) {
	return s.config.Jobs, nil
}

// GetStatus reports job counts plus the nearest upcoming and most
// recent run across enabled jobs.
func (s *Scheduler) GetStatus() (*Status, error) {
	status := &Status{Running: s.running}
	if s.running {
		status.Uptime = time.Since(s.startTime)
	}

	now := time.Now().In(s.loc)

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, job := range s.config.Jobs {
		if !job.Enabled {
			status.DisabledJobs++
			continue
		}
		status.EnabledJobs++

		last := s.lastRuns[job.Name]
		if last.After(status.LastRun) {
			status.LastRun = last
		}

		schedule, err := parseSchedule(job.Schedule)
		if err != nil {
			continue
		}
		if next := schedule.next(now, last.In(s.loc)); status.NextRun.IsZero() || next.Before(status.NextRun) {
			status.NextRun = next
		}
	}
	return status, nil
}

// Start runs the due-job loop until the context is cancelled. The tick
// is one minute, matching the finest schedule granularity.
func (s *Scheduler) Start(ctx context.Context) error {
	if lvl, err := zerolog.ParseLevel(s.config.Global.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	s.running = true
	s.startTime = time.Now()
	defer func() { s.running = false }()

	log.Info().
		Int("jobs", len(s.config.Jobs)).
		Str("timezone", s.config.Global.Timezone).
		Msg("Batch scheduler starting")

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.runDueJobs(ctx)
		}
	}
}

// runDueJobs fires every enabled job whose schedule has come due.
func (s *Scheduler) runDueJobs(ctx context.Context) {
	now := time.Now().In(s.loc)

	for _, job := range s.config.Jobs {
		if !job.Enabled {
			continue
		}

		schedule, err := parseSchedule(job.Schedule)
		if err != nil {
			log.Warn().Str("job", job.Name).Err(err).Msg("Skipping job with unusable schedule")
			continue
		}

		s.mu.Lock()
		last := s.lastRuns[job.Name]
		s.mu.Unlock()

		if !schedule.due(now, last.In(s.loc)) {
			continue
		}

		result, err := s.RunJob(ctx, job.Name, false)
		if err != nil {
			log.Error().Str("job", job.Name).Err(err).Msg("Scheduled job could not start")
			continue
		}

		if result.Success {
			log.Info().
				Str("job", job.Name).
				Int("artifacts", len(result.Artifacts)).
				Dur("duration", result.Duration).
				Msg("Scheduled job completed")
		} else {
			log.Error().
				Str("job", job.Name).
				Str("error", result.Error).
				Dur("duration", result.Duration).
				Msg("Scheduled job failed")
		}
	}
}

// RunJob fires one job by name, immediately. With dryRun the job only
// reports what it would produce.
func (s *Scheduler) RunJob(ctx context.Context, jobName string, dryRun bool) (*JobResult, error) {
	job := s.findJob(jobName)
	if job == nil {
		return nil, fmt.Errorf("job not found: %s", jobName)
	}

	started := time.Now()
	if !dryRun {
		s.mu.Lock()
		s.lastRuns[jobName] = started
		s.mu.Unlock()
	}

	log.Info().Str("job", jobName).Str("type", job.Type).Bool("dry_run", dryRun).Msg("Executing job")

	result := &JobResult{
		JobName:   jobName,
		StartTime: started,
		Success:   true,
		Artifacts: []string{},
	}

	artifacts, err := s.execute(ctx, job, dryRun)
	if err != nil {
		result.Success = false
		result.Error = err.Error()
	} else {
		result.Artifacts = artifacts
	}
	result.Duration = time.Since(started)

	return result, nil
}

func (s *Scheduler) findJob(name string) *Job {
	for i := range s.config.Jobs {
		if s.config.Jobs[i].Name == name {
			return &s.config.Jobs[i]
		}
	}
	return nil
}

// execute dispatches on the job type.
func (s *Scheduler) execute(ctx context.Context, job *Job, dryRun bool) ([]string, error) {
	switch job.Type {
	case "velocity.recompute":
		return s.runRecompute(ctx, job, dryRun)
	case "labs.refresh":
		return s.runLabsRefresh(ctx, job, dryRun)
	case "calibration.audit":
		return s.runCalibrationAudit(ctx, job, dryRun)
	case "cohort.report":
		return s.runCohortReport(ctx, job, dryRun)
	default:
		return nil, fmt.Errorf("unknown job type: %s", job.Type)
	}
}

// runRecompute executes a full cohort velocity recompute
func (s *Scheduler) runRecompute(ctx context.Context, job *Job, dryRun bool) ([]string, error) {
	log.Info().
		Str("source", job.Config.Source).
		Int("workers", job.Config.Workers).
		Int("max_users", job.Config.MaxUsers).
		Msg("Running velocity recompute")

	if dryRun {
		log.Info().Msg("Dry run - would list users, recompute velocities across the worker pool, and write artifacts")
		stamp := time.Now().Format("20060102_150405")
		return []string{
			filepath.Join(s.artifactsDir(job), fmt.Sprintf("%s_velocities.csv", stamp)),
			filepath.Join(s.artifactsDir(job), fmt.Sprintf("%s_summary.json", stamp)),
		}, nil
	}

	runner, err := s.buildRunner(job, nil)
	if err != nil {
		return nil, err
	}

	report, err := runner.Run(ctx)
	if err != nil {
		return nil, fmt.Errorf("recompute failed: %w", err)
	}

	log.Info().
		Str("run_id", report.RunID).
		Int("computed", report.UsersComputed).
		Int("failed", report.UsersFailed).
		Msg("Velocity recompute completed, generating artifacts")

	return s.writeRunArtifacts(job, report)
}

// runLabsRefresh recomputes only users with a recent enough lab panel
func (s *Scheduler) runLabsRefresh(ctx context.Context, job *Job, dryRun bool) ([]string, error) {
	freshDays := job.Config.FreshWithinDays
	if freshDays <= 0 {
		freshDays = 30
	}

	log.Info().Int("fresh_within_days", freshDays).Msg("Running lab-driven refresh")

	if dryRun {
		log.Info().Msg("Dry run - would recompute only users whose latest lab panel is recent enough to move velocity")
		stamp := time.Now().Format("20060102_150405")
		return []string{
			filepath.Join(s.artifactsDir(job), fmt.Sprintf("%s_velocities.csv", stamp)),
			filepath.Join(s.artifactsDir(job), fmt.Sprintf("%s_summary.json", stamp)),
		}, nil
	}

	filter := func(snapshot *store.UserSnapshot) bool {
		return len(snapshot.LabScores) > 0 && snapshot.LabRecencyDays <= float64(freshDays)
	}

	runner, err := s.buildRunner(job, filter)
	if err != nil {
		return nil, err
	}

	report, err := runner.Run(ctx)
	if err != nil {
		return nil, fmt.Errorf("lab-driven refresh failed: %w", err)
	}

	log.Info().
		Str("run_id", report.RunID).
		Int("refreshed", report.UsersComputed).
		Int("skipped", report.UsersSkipped).
		Msg("Lab-driven refresh completed, generating artifacts")

	return s.writeRunArtifacts(job, report)
}

// runCalibrationAudit validates the active calibration and records it
func (s *Scheduler) runCalibrationAudit(ctx context.Context, job *Job, dryRun bool) ([]string, error) {
	log.Info().Str("calibration", job.Config.CalibrationFile).Msg("Running calibration audit")

	if dryRun {
		log.Info().Msg("Dry run - would load the calibration, validate it, and write the audit record")
		stamp := time.Now().Format("20060102_150405")
		return []string{
			filepath.Join(s.artifactsDir(job), fmt.Sprintf("%s_calibration_audit.json", stamp)),
		}, nil
	}

	calibration := config.DefaultCalibrationConfig()
	source := "defaults"
	if job.Config.CalibrationFile != "" {
		loaded, err := config.LoadCalibrationConfig(job.Config.CalibrationFile)
		if err != nil {
			return nil, err
		}
		calibration = loaded
		source = job.Config.CalibrationFile
	}

	violations := calibration.Validate()
	if len(violations) > 0 {
		log.Warn().
			Str("calibration", source).
			Int("violations", len(violations)).
			Msg("Calibration audit found violations")
	}

	outputDir := filepath.Join(s.artifactsDir(job), time.Now().Format("20060102_150405"))
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	auditPath := filepath.Join(outputDir, "calibration_audit.json")
	if err := s.writeCalibrationAuditJSON(auditPath, source, calibration, violations); err != nil {
		return nil, fmt.Errorf("failed to write calibration audit JSON: %w", err)
	}

	return []string{auditPath}, nil
}

// runCohortReport recomputes the cohort and writes a distribution report
func (s *Scheduler) runCohortReport(ctx context.Context, job *Job, dryRun bool) ([]string, error) {
	log.Info().Str("source", job.Config.Source).Msg("Running cohort report")

	if dryRun {
		log.Info().Msg("Dry run - would recompute the cohort and write the distribution report")
		stamp := time.Now().Format("20060102_150405")
		return []string{
			filepath.Join(s.artifactsDir(job), fmt.Sprintf("%s_cohort_report.json", stamp)),
		}, nil
	}

	runner, err := s.buildRunner(job, nil)
	if err != nil {
		return nil, err
	}

	report, err := runner.Run(ctx)
	if err != nil {
		return nil, fmt.Errorf("cohort report failed: %w", err)
	}

	outputDir := filepath.Join(s.artifactsDir(job), time.Now().Format("20060102_150405"))
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	reportPath := filepath.Join(outputDir, "cohort_report.json")
	if err := s.writeCohortReportJSON(reportPath, job, report); err != nil {
		return nil, fmt.Errorf("failed to write cohort report JSON: %w", err)
	}

	log.Info().Str("path", reportPath).Int("cohort", report.UsersComputed).Msg("Cohort report completed")
	return []string{reportPath}, nil
}

// buildRunner assembles engine, source, sinks, and options for one job
func (s *Scheduler) buildRunner(job *Job, filter func(*store.UserSnapshot) bool) (*Runner, error) {
	engine, err := s.buildEngine(job)
	if err != nil {
		return nil, err
	}

	source, err := s.buildSource(job)
	if err != nil {
		return nil, err
	}

	runner := NewRunner(engine, source, RunOptions{
		Workers:     job.Config.Workers,
		MaxUsers:    job.Config.MaxUsers,
		Users:       job.Config.Users,
		SourceRPS:   job.Config.SourceRPS,
		SourceBurst: job.Config.SourceBurst,
		Quiet:       !s.showProgress,
		Filter:      filter,
	})

	if job.Config.PersistResults {
		if s.repo == nil {
			return nil, fmt.Errorf("job %s persists results but no repository is attached", job.Name)
		}
		runner.AddSink(store.NewPostgresSink(s.repo))
	}

	return runner, nil
}

// buildEngine loads and validates the job's calibration
func (s *Scheduler) buildEngine(job *Job) (*velocity.Engine, error) {
	if job.Config.CalibrationFile == "" {
		return velocity.NewEngine(nil, nil), nil
	}

	calibration, err := config.LoadCalibrationConfig(job.Config.CalibrationFile)
	if err != nil {
		return nil, err
	}
	if violations := calibration.Validate(); len(violations) > 0 {
		return nil, fmt.Errorf("calibration %s is invalid: %s", job.Config.CalibrationFile, strings.Join(violations, "; "))
	}

	return velocity.NewEngine(calibration, nil), nil
}

// buildSource resolves the job's history source
func (s *Scheduler) buildSource(job *Job) (store.HistorySource, error) {
	switch job.Config.Source {
	case "", "snapshotdir":
		if job.Config.SnapshotDir == "" {
			return nil, fmt.Errorf("job %s uses the snapshotdir source but sets no snapshot_dir", job.Name)
		}
		return store.NewDirSource(job.Config.SnapshotDir), nil
	case "postgres":
		if s.repo == nil {
			return nil, fmt.Errorf("job %s uses the postgres source but no repository is attached", job.Name)
		}
		return store.NewPostgresSource(s.repo, job.Config.LookbackDays), nil
	default:
		return nil, fmt.Errorf("unknown history source: %s", job.Config.Source)
	}
}

// artifactsDir returns the artifact root for a job
func (s *Scheduler) artifactsDir(job *Job) string {
	if job.Config.OutputDir != "" {
		return job.Config.OutputDir
	}
	return s.config.Global.ArtifactsDir
}
