package main

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	httpmetrics "github.com/regimenhq/biovelocity/internal/interfaces/http"
)

const (
	appName = "BioVelocity"
	version = "v3.0.0"
)

// buildStamp is set at link time: -ldflags "-X main.buildStamp=..."
var buildStamp = "dev"

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	// Console output for humans, JSON lines for everything else
	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}

	httpmetrics.InitializeMetrics()

	rootCmd := &cobra.Command{
		Use:     "biovelocity",
		Short:   "Biological velocity model over wearable and lab data",
		Version: version,
		Long: `BioVelocity computes a calibrated biological aging velocity from daily
wearable series and lab biomarker scores. 1.00 means aging at calendar
rate; below 1.00 is slower, above is faster, always within [0.60, 1.80].

Run 'biovelocity compute' for a single snapshot, 'biovelocity serve' for
the HTTP API, or 'biovelocity batch' for scheduled cohort recomputes.`,
	}

	// Add compute command for single-snapshot runs
	computeCmd := &cobra.Command{
		Use:   "compute",
		Short: "Compute velocity for one user snapshot",
		Long:  "Reads a snapshot JSON file (series plus lab scores) and prints the full velocity result",
		RunE:  runCompute,
	}

	computeCmd.Flags().String("input", "", "Snapshot JSON file (required)")
	computeCmd.Flags().String("calibration", "", "Calibration YAML file (defaults when empty)")
	computeCmd.Flags().String("format", "json", "Output format (json|text)")
	computeCmd.Flags().String("out", "", "Directory to also persist the result JSON")
	computeCmd.Flags().Bool("quiet", false, "Suppress progress output")
	computeCmd.MarkFlagRequired("input")

	// Add serve command for the HTTP API
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the velocity HTTP server",
		Long:  "Starts the HTTP server with /health, /metrics, and /v1 velocity endpoints",
		RunE:  runServe,
	}

	serveCmd.Flags().String("host", "", "Bind host (default 127.0.0.1, HTTP_PORT env honored)")
	serveCmd.Flags().Int("port", 0, "Bind port (0 keeps the default)")
	serveCmd.Flags().String("calibration", "", "Calibration YAML file (defaults when empty)")
	serveCmd.Flags().Bool("postgres", false, "Attach the PostgreSQL store (PG* env vars honored)")

	// Add batch command for scheduled cohort jobs
	batchCmd := &cobra.Command{
		Use:   "batch",
		Short: "Scheduled cohort recomputes and reports",
		Long:  "Manage batch jobs: full recomputes, lab-driven refreshes, calibration audits, and cohort reports",
	}

	batchListCmd := &cobra.Command{
		Use:   "list",
		Short: "List all configured batch jobs",
		Long:  "Display all jobs with their schedules, status, and descriptions",
		RunE:  runBatchList,
	}

	batchStartCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the batch scheduler daemon",
		Long:  "Run the scheduler in the foreground, executing jobs on their configured schedules",
		RunE:  runBatchStart,
	}

	batchStatusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show batch scheduler status",
		Long:  "Display configured jobs, next run, and last run information",
		RunE:  runBatchStatus,
	}

	batchRunCmd := &cobra.Command{
		Use:   "run [job-name]",
		Short: "Execute a specific job immediately",
		Long:  "Run a configured job immediately for testing or manual execution",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runBatchRun,
	}

	batchRunCmd.Flags().Bool("dry-run", false, "Preview job execution without creating artifacts")

	for _, cmd := range []*cobra.Command{batchListCmd, batchStartCmd, batchStatusCmd, batchRunCmd} {
		cmd.Flags().String("config", "config/batch.yaml", "Batch jobs config file")
		cmd.Flags().Bool("postgres", false, "Attach the PostgreSQL store (PG* env vars honored)")
	}

	batchCmd.AddCommand(batchListCmd)
	batchCmd.AddCommand(batchStartCmd)
	batchCmd.AddCommand(batchStatusCmd)
	batchCmd.AddCommand(batchRunCmd)

	// Add calibration command for config inspection
	calibrationCmd := &cobra.Command{
		Use:   "calibration",
		Short: "Inspect and validate calibration files",
		Long:  "Show the active calibration or validate a calibration file against the model's bounds",
	}

	calibrationShowCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the active calibration",
		Long:  "Print the calibration the model would run with, shipped defaults when no file is given",
		RunE:  runCalibrationShow,
	}

	calibrationShowCmd.Flags().String("file", "", "Calibration YAML file (defaults when empty)")

	calibrationValidateCmd := &cobra.Command{
		Use:   "validate [file]",
		Short: "Validate a calibration file",
		Long:  "Check a calibration file's bounds and scales, listing every violation",
		Args:  cobra.ExactArgs(1),
		RunE:  runCalibrationValidate,
	}

	calibrationCmd.AddCommand(calibrationShowCmd)
	calibrationCmd.AddCommand(calibrationValidateCmd)

	rootCmd.AddCommand(computeCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(batchCmd)
	rootCmd.AddCommand(calibrationCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}
