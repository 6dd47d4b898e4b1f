package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/regimenhq/biovelocity/internal/config"
	"github.com/regimenhq/biovelocity/internal/domain"
	httpmetrics "github.com/regimenhq/biovelocity/internal/interfaces/http"
	logprogress "github.com/regimenhq/biovelocity/internal/log"
	"github.com/regimenhq/biovelocity/internal/store"
	"github.com/regimenhq/biovelocity/internal/velocity"
)

// computeOutput is the JSON printed to stdout for one snapshot
type computeOutput struct {
	UserID       string                `json:"user_id,omitempty"`
	ModelVersion string                `json:"model_version"`
	ComputedAt   time.Time             `json:"computed_at"`
	LatencyMS    float64               `json:"latency_ms"`
	Result       domain.VelocityResult `json:"result"`
}

// runCompute computes velocity for one snapshot file and prints the result
func runCompute(cmd *cobra.Command, args []string) error {
	input, _ := cmd.Flags().GetString("input")
	calibrationPath, _ := cmd.Flags().GetString("calibration")
	format, _ := cmd.Flags().GetString("format")
	outDir, _ := cmd.Flags().GetString("out")
	quiet, _ := cmd.Flags().GetBool("quiet")

	if format != "json" && format != "text" {
		return fmt.Errorf("unknown format: %s (json|text)", format)
	}

	// Progress only makes sense on an interactive terminal
	if !term.IsTerminal(int(os.Stderr.Fd())) {
		quiet = true
	}

	var steps *logprogress.StepLogger
	if !quiet {
		stepNames := []string{"load snapshot", "compute velocity"}
		if outDir != "" {
			stepNames = append(stepNames, "persist result")
		}
		steps = logprogress.NewStepLogger("compute", stepNames)
	}

	engine, err := buildComputeEngine(calibrationPath)
	if err != nil {
		return err
	}

	if steps != nil {
		steps.StartStep("load snapshot")
	}
	snapshot, err := store.LoadSnapshotFile(input)
	if err != nil {
		if steps != nil {
			steps.Fail(err.Error())
		}
		return fmt.Errorf("failed to load snapshot: %w", err)
	}
	if steps != nil {
		steps.CompleteStep()
		steps.StartStep("compute velocity")
	}

	start := time.Now()
	result, err := engine.ComputeFromSeries(snapshot.Series, snapshot.LabScores, snapshot.LabRecencyDays)
	latency := time.Since(start)
	if err != nil {
		if steps != nil {
			steps.Fail(err.Error())
		}
		return fmt.Errorf("failed to compute velocity: %w", err)
	}

	if m := httpmetrics.DefaultMetrics; m != nil {
		m.RecordComputation("cli", result.Explainability.DominantFactor.String(), result.OverallVelocity, latency)
	}

	if outDir != "" {
		if steps != nil {
			steps.CompleteStep()
			steps.StartStep("persist result")
		}
		sink := store.NewDirSink(outDir)
		if err := sink.SaveResult(context.Background(), snapshot, result, latency); err != nil {
			if steps != nil {
				steps.Fail(err.Error())
			}
			return fmt.Errorf("failed to persist result: %w", err)
		}
	}

	if steps != nil {
		steps.CompleteStep()
		steps.Finish()
	}

	if format == "text" {
		fmt.Printf("User: %s\n\n", snapshot.UserID)
		fmt.Println(result.GetDetailedBreakdown())
	} else {
		output := computeOutput{
			UserID:       snapshot.UserID,
			ModelVersion: domain.ModelVersion,
			ComputedAt:   time.Now().UTC(),
			LatencyMS:    float64(latency.Microseconds()) / 1000.0,
			Result:       result,
		}

		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(output); err != nil {
			return fmt.Errorf("failed to encode result: %w", err)
		}
	}

	log.Info().
		Str("user", snapshot.UserID).
		Float64("velocity", result.OverallVelocity).
		Str("dominant_factor", result.Explainability.DominantFactor.String()).
		Bool("constrained", result.HardConstraintApplied).
		Msg("Velocity computed")

	return nil
}

// buildComputeEngine loads the calibration or falls back to defaults
func buildComputeEngine(calibrationPath string) (*velocity.Engine, error) {
	calibration, err := loadCalibration(calibrationPath)
	if err != nil {
		return nil, err
	}
	return velocity.NewEngine(calibration, nil), nil
}

// loadCalibration reads and validates a calibration file. An empty path
// returns nil, which every consumer treats as the shipped defaults.
func loadCalibration(calibrationPath string) (*config.CalibrationConfig, error) {
	if calibrationPath == "" {
		return nil, nil
	}

	calibration, err := config.LoadCalibrationConfig(calibrationPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load calibration: %w", err)
	}
	if violations := calibration.Validate(); len(violations) > 0 {
		return nil, fmt.Errorf("calibration %s is invalid: %s", calibrationPath, strings.Join(violations, "; "))
	}

	return calibration, nil
}
