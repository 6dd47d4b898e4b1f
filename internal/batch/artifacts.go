package batch

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/regimenhq/biovelocity/internal/config"
	"github.com/regimenhq/biovelocity/internal/domain"
)

// writeRunArtifacts writes the per-user CSV and the run summary JSON
func (s *Scheduler) writeRunArtifacts(job *Job, report *RunReport) ([]string, error) {
	outputDir := filepath.Join(s.artifactsDir(job), time.Now().Format("20060102_150405"))
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	csvPath := filepath.Join(outputDir, "velocities.csv")
	if err := s.writeVelocitiesCSV(csvPath, report); err != nil {
		return nil, fmt.Errorf("failed to write velocities CSV: %w", err)
	}

	summaryPath := filepath.Join(outputDir, "summary.json")
	if err := s.writeRunSummaryJSON(summaryPath, job, report); err != nil {
		return nil, fmt.Errorf("failed to write run summary JSON: %w", err)
	}

	return []string{csvPath, summaryPath}, nil
}

// writeVelocitiesCSV writes one row per non-skipped user
func (s *Scheduler) writeVelocitiesCSV(path string, report *RunReport) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %w", err)
	}
	defer file.Close()

	header := "timestamp,user_id,velocity,capacity,fatigue_penalty,lab_modulation,shrinkage,constrained,dominant_factor,points,latency_ms,error\n"
	if _, err := file.WriteString(header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	timestamp := time.Now().Format(time.RFC3339)

	for _, outcome := range report.Outcomes {
		if outcome.Skipped {
			continue
		}

		var line string
		if outcome.Err != nil {
			line = fmt.Sprintf("%s,%s,,,,,,,,%d,,%q\n",
				timestamp,
				outcome.UserID,
				outcome.Points,
				outcome.Err.Error(),
			)
		} else {
			result := outcome.Result
			line = fmt.Sprintf("%s,%s,%.4f,%.4f,%.4f,%.4f,%.4f,%t,%s,%d,%.2f,\n",
				timestamp,
				outcome.UserID,
				result.OverallVelocity,
				result.CapacityVelocity,
				result.ExcessFatiguePenalty,
				result.LabModulation,
				result.ShrinkageFactor,
				result.HardConstraintApplied,
				result.Explainability.DominantFactor.String(),
				outcome.Points,
				float64(outcome.Latency.Microseconds())/1000.0,
			)
		}

		if _, err := file.WriteString(line); err != nil {
			return fmt.Errorf("failed to write user row: %w", err)
		}
	}

	log.Info().Str("path", path).Int("users", len(report.Outcomes)).Msg("Velocities CSV written")
	return nil
}

// writeRunSummaryJSON writes run counters, factor counts, and failures
func (s *Scheduler) writeRunSummaryJSON(path string, job *Job, report *RunReport) error {
	summary := map[string]interface{}{
		"timestamp":     time.Now().Format(time.RFC3339),
		"run_id":        report.RunID,
		"job":           job.Name,
		"job_type":      job.Type,
		"source":        report.Source,
		"model_version": domain.ModelVersion,
		"duration_ms":   report.Duration.Milliseconds(),
		"users": map[string]interface{}{
			"listed":   report.UsersListed,
			"computed": report.UsersComputed,
			"skipped":  report.UsersSkipped,
			"failed":   report.UsersFailed,
		},
		"mean_velocity":    report.MeanVelocity(),
		"constrained":      report.ConstrainedCount(),
		"dominant_factors": report.FactorCounts(),
		"failures":         []map[string]interface{}{},
	}

	for _, outcome := range report.Outcomes {
		if outcome.Err == nil {
			continue
		}
		summary["failures"] = append(summary["failures"].([]map[string]interface{}), map[string]interface{}{
			"user_id": outcome.UserID,
			"error":   outcome.Err.Error(),
		})
	}

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create summary JSON file: %w", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(summary); err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}

	log.Info().Str("path", path).Msg("Run summary JSON written")
	return nil
}

// writeCalibrationAuditJSON records the effective calibration and its validity
func (s *Scheduler) writeCalibrationAuditJSON(path, source string, calibration *config.CalibrationConfig, violations []string) error {
	if violations == nil {
		violations = []string{}
	}

	audit := map[string]interface{}{
		"timestamp":     time.Now().Format(time.RFC3339),
		"model_version": domain.ModelVersion,
		"source":        source,
		"valid":         len(violations) == 0,
		"violations":    violations,
		"velocity_bounds": map[string]interface{}{
			"min":     calibration.Velocity.Min,
			"max":     calibration.Velocity.Max,
			"neutral": domain.NeutralVelocity,
		},
		"gates": map[string]interface{}{
			"vo2_min_confidence":  calibration.Gates.VO2MinConfidence,
			"vo2_min_window_days": calibration.Gates.VO2MinWindowDays,
		},
		"fatigue": map[string]interface{}{
			"penalty_cap":               calibration.Fatigue.PenaltyCap,
			"penalty_scale":             calibration.Fatigue.PenaltyScale,
			"high_capacity_attenuation": calibration.Fatigue.HighCapacityAttenuation,
		},
		"labs": map[string]interface{}{
			"scale":          calibration.Labs.Scale,
			"decay_days":     calibration.Labs.DecayDays,
			"neutral_score":  calibration.Labs.NeutralScore,
			"modulation_cap": calibration.Labs.ModulationCap,
		},
		"completeness": map[string]interface{}{
			"capacity_weight": calibration.Completeness.CapacityWeight,
			"fatigue_weight":  calibration.Completeness.FatigueWeight,
			"lab_weight":      calibration.Completeness.LabWeight,
		},
	}

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create audit JSON file: %w", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(audit); err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}

	log.Info().Str("path", path).Msg("Calibration audit JSON written")
	return nil
}

// writeCohortReportJSON writes the cohort distribution and top movers
func (s *Scheduler) writeCohortReportJSON(path string, job *Job, report *RunReport) error {
	// Bucket boundaries match the Postgres distribution query so the
	// two reports line up.
	bucketFor := func(v float64) string {
		switch {
		case v < 0.80:
			return "0.60-0.80"
		case v < 0.95:
			return "0.80-0.95"
		case v < 1.05:
			return "0.95-1.05"
		case v < 1.20:
			return "1.05-1.20"
		case v < 1.40:
			return "1.20-1.40"
		default:
			return "1.40-1.80"
		}
	}

	buckets := make(map[string]int)
	systemSums := make(map[string]float64)
	systemCounts := make(map[string]int)

	var computed []Outcome
	for _, outcome := range report.Outcomes {
		if outcome.Err != nil || outcome.Skipped {
			continue
		}
		computed = append(computed, outcome)

		buckets[bucketFor(outcome.Result.OverallVelocity)]++
		for system, sv := range outcome.Result.SystemVelocities {
			systemSums[system.String()] += sv.Velocity
			systemCounts[system.String()]++
		}
	}

	systemMeans := make(map[string]float64)
	for name, sum := range systemSums {
		systemMeans[name] = sum / float64(systemCounts[name])
	}

	// Rank by distance from neutral
	sort.Slice(computed, func(i, j int) bool {
		di := math.Abs(computed[i].Result.OverallVelocity - domain.NeutralVelocity)
		dj := math.Abs(computed[j].Result.OverallVelocity - domain.NeutralVelocity)
		return di > dj
	})

	movers := []map[string]interface{}{}
	for i, outcome := range computed {
		if i >= 5 {
			break
		}
		movers = append(movers, map[string]interface{}{
			"user_id":         outcome.UserID,
			"velocity":        outcome.Result.OverallVelocity,
			"dominant_factor": outcome.Result.Explainability.DominantFactor.String(),
			"constrained":     outcome.Result.HardConstraintApplied,
		})
	}

	cohortReport := map[string]interface{}{
		"timestamp":        time.Now().Format(time.RFC3339),
		"run_id":           report.RunID,
		"job":              job.Name,
		"source":           report.Source,
		"model_version":    domain.ModelVersion,
		"cohort_size":      len(computed),
		"mean_velocity":    report.MeanVelocity(),
		"constrained":      report.ConstrainedCount(),
		"distribution":     buckets,
		"system_means":     systemMeans,
		"dominant_factors": report.FactorCounts(),
		"top_movers":       movers,
	}

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create cohort report file: %w", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(cohortReport); err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}

	log.Info().Str("path", path).Msg("Cohort report JSON written")
	return nil
}
