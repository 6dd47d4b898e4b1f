package config

import (
	"fmt"
	"io/ioutil"
	"path/filepath"

	"gopkg.in/yaml.v2"

	"github.com/regimenhq/biovelocity/internal/domain"
)

// CalibrationConfig holds every tunable constant of the velocity model.
// The zero value is not usable; start from DefaultCalibrationConfig or a
// loaded file.
type CalibrationConfig struct {
	Velocity     VelocityBounds     `yaml:"velocity"`
	Capacity     CapacityConfig     `yaml:"capacity"`
	Load         LoadConfig         `yaml:"load"`
	Fatigue      FatigueConfig      `yaml:"fatigue"`
	Labs         LabConfig          `yaml:"labs"`
	Gates        GateConfig         `yaml:"gates"`
	Aggregator   AggregatorConfig   `yaml:"aggregator"`
	Completeness CompletenessConfig `yaml:"completeness"`
}

// VelocityBounds is the hard clamp every emitted velocity respects.
type VelocityBounds struct {
	Min float64 `yaml:"min"` // 0.60
	Max float64 `yaml:"max"` // 1.80
}

// CapacityConfig tunes the capacity signal extractor.
type CapacityConfig struct {
	MinDataPoints     int                `yaml:"min_data_points"`      // 14
	MinWindowDays     float64            `yaml:"min_window_days"`      // 21
	TrendThreshold    float64            `yaml:"trend_threshold"`      // 1.0 normalized units
	WindowWeight      float64            `yaml:"window_weight"`        // 0.6
	WindowHalfSatDays float64            `yaml:"window_half_sat_days"` // 60
	R2Weight          float64            `yaml:"r2_weight"`            // 0.5
	Metrics           []string           `yaml:"metrics"`
	TypicalRanges     map[string]float64 `yaml:"typical_ranges"` // slope normalization denominators
}

// LoadConfig tunes the recent-vs-baseline load comparison.
type LoadConfig struct {
	RecentDays   int      `yaml:"recent_days"`   // 7
	BaselineDays int      `yaml:"baseline_days"` // 28
	Metrics      []string `yaml:"metrics"`
}

// FatigueConfig tunes excess-fatigue extraction and its penalty.
type FatigueConfig struct {
	Metrics                 []string `yaml:"metrics"`
	LoadDeviationCoeff      float64  `yaml:"load_deviation_coeff"`      // 10.0 %/unit excess load ratio
	NoiseFloor              float64  `yaml:"noise_floor"`               // 1.0 excess units ignored
	PenaltyScale            float64  `yaml:"penalty_scale"`             // 0.004 velocity per excess unit
	PenaltyCap              float64  `yaml:"penalty_cap"`               // 0.05
	HighCapacityDeadband    float64  `yaml:"high_capacity_deadband"`    // 2.0 mean slope
	HighCapacityAttenuation float64  `yaml:"high_capacity_attenuation"` // 0.5
}

// LabConfig tunes lab score modulation.
type LabConfig struct {
	NeutralScore      float64  `yaml:"neutral_score"`      // 70
	Scale             float64  `yaml:"scale"`              // -0.002, negative: good labs push down
	DecayDays         float64  `yaml:"decay_days"`         // 90
	ModulationCap     float64  `yaml:"modulation_cap"`     // 0.10
	AllowedBiomarkers []string `yaml:"allowed_biomarkers"` // empty = all
}

// GateConfig tunes the hard constraint gate thresholds.
type GateConfig struct {
	VO2MinConfidence float64 `yaml:"vo2_min_confidence"`  // 0.3
	VO2MinWindowDays float64 `yaml:"vo2_min_window_days"` // 21
}

// AggregatorConfig tunes how signals combine into the composite.
type AggregatorConfig struct {
	SlopeVelocityScale   float64 `yaml:"slope_velocity_scale"`  // 0.02 velocity per slope unit
	ConfidenceSaturation float64 `yaml:"confidence_saturation"` // 3.0 summed confidence for full pull
}

// CompletenessConfig weights channel coverage for shrinkage.
type CompletenessConfig struct {
	CapacityWeight float64 `yaml:"capacity_weight"` // 0.5
	FatigueWeight  float64 `yaml:"fatigue_weight"`  // 0.3
	LabWeight      float64 `yaml:"lab_weight"`      // 0.2
}

// LoadCalibrationConfig loads calibration from a YAML file.
func LoadCalibrationConfig(configPath string) (*CalibrationConfig, error) {
	data, err := ioutil.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read calibration config: %w", err)
	}

	var config CalibrationConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse calibration YAML: %w", err)
	}

	return &config, nil
}

// SaveCalibrationConfig writes the active calibration to a YAML file.
func SaveCalibrationConfig(config *CalibrationConfig, configPath string) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal calibration config: %w", err)
	}

	if err := ioutil.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write calibration config: %w", err)
	}

	return nil
}

// Validate checks the calibration for consistency and returns every
// violation found. An empty slice means the calibration is usable.
func (cc *CalibrationConfig) Validate() []string {
	var errors []string

	if cc.Velocity.Min >= domain.NeutralVelocity || cc.Velocity.Max <= domain.NeutralVelocity {
		errors = append(errors, fmt.Sprintf("velocity bounds [%.2f, %.2f] must bracket neutral 1.00", cc.Velocity.Min, cc.Velocity.Max))
	}

	if cc.Capacity.MinDataPoints < 2 {
		errors = append(errors, fmt.Sprintf("capacity min_data_points %d below regression minimum 2", cc.Capacity.MinDataPoints))
	}
	if cc.Capacity.MinWindowDays <= 0 {
		errors = append(errors, "capacity min_window_days must be positive")
	}
	if cc.Capacity.TrendThreshold <= 0 {
		errors = append(errors, "capacity trend_threshold must be positive")
	}
	if cc.Capacity.WindowHalfSatDays <= 0 {
		errors = append(errors, "capacity window_half_sat_days must be positive")
	}
	for _, metric := range cc.Capacity.Metrics {
		if r, exists := cc.Capacity.TypicalRanges[metric]; !exists || r <= 0 {
			errors = append(errors, fmt.Sprintf("capacity metric %s missing a positive typical range", metric))
		}
	}

	if cc.Load.RecentDays < 1 {
		errors = append(errors, "load recent_days must be at least 1")
	}
	if cc.Load.BaselineDays <= cc.Load.RecentDays {
		errors = append(errors, fmt.Sprintf("load baseline_days %d must exceed recent_days %d", cc.Load.BaselineDays, cc.Load.RecentDays))
	}

	if cc.Fatigue.PenaltyCap < 0 || cc.Fatigue.PenaltyCap > 0.2 {
		errors = append(errors, fmt.Sprintf("fatigue penalty_cap %.3f outside [0, 0.2] range", cc.Fatigue.PenaltyCap))
	}
	if cc.Fatigue.PenaltyScale < 0 {
		errors = append(errors, "fatigue penalty_scale must not be negative")
	}
	if cc.Fatigue.HighCapacityAttenuation <= 0 || cc.Fatigue.HighCapacityAttenuation > 1 {
		errors = append(errors, fmt.Sprintf("fatigue high_capacity_attenuation %.2f outside (0, 1] range", cc.Fatigue.HighCapacityAttenuation))
	}

	if cc.Labs.Scale > 0 {
		errors = append(errors, fmt.Sprintf("lab scale %.4f must be negative so scores above neutral lower velocity", cc.Labs.Scale))
	}
	if cc.Labs.DecayDays <= 0 {
		errors = append(errors, "lab decay_days must be positive")
	}
	if cc.Labs.NeutralScore < 0 || cc.Labs.NeutralScore > 100 {
		errors = append(errors, fmt.Sprintf("lab neutral_score %.0f outside [0, 100] range", cc.Labs.NeutralScore))
	}
	if cc.Labs.ModulationCap < 0 {
		errors = append(errors, "lab modulation_cap must not be negative")
	}

	if cc.Gates.VO2MinConfidence < 0 || cc.Gates.VO2MinConfidence > 1 {
		errors = append(errors, fmt.Sprintf("gate vo2_min_confidence %.2f outside [0, 1] range", cc.Gates.VO2MinConfidence))
	}
	if cc.Gates.VO2MinWindowDays < 0 {
		errors = append(errors, "gate vo2_min_window_days must not be negative")
	}

	if cc.Aggregator.SlopeVelocityScale <= 0 {
		errors = append(errors, "aggregator slope_velocity_scale must be positive")
	}
	if cc.Aggregator.ConfidenceSaturation <= 0 {
		errors = append(errors, "aggregator confidence_saturation must be positive")
	}

	weightSum := cc.Completeness.CapacityWeight + cc.Completeness.FatigueWeight + cc.Completeness.LabWeight
	if weightSum < 0.99 || weightSum > 1.01 {
		errors = append(errors, fmt.Sprintf("completeness weights sum to %.2f, expected 1.00", weightSum))
	}

	return errors
}

// DefaultCalibrationConfig returns the shipped v3 calibration.
func DefaultCalibrationConfig() *CalibrationConfig {
	return &CalibrationConfig{
		Velocity: VelocityBounds{
			Min: domain.VelocityV3Min,
			Max: domain.VelocityV3Max,
		},
		Capacity: CapacityConfig{
			MinDataPoints:     14,
			MinWindowDays:     21,
			TrendThreshold:    1.0,
			WindowWeight:      0.6,
			WindowHalfSatDays: 60,
			R2Weight:          0.5,
			Metrics: []string{
				domain.MetricVO2Max,
				domain.MetricBodyFatPct,
				domain.MetricLeanMass,
				domain.MetricHRV,
				domain.MetricRestingHR,
				domain.MetricSleepScore,
			},
			TypicalRanges: map[string]float64{
				domain.MetricVO2Max:     20.0, // ml/kg/min across adult fitness levels
				domain.MetricBodyFatPct: 30.0,
				domain.MetricLeanMass:   40.0, // kg
				domain.MetricHRV:        100.0,
				domain.MetricRestingHR:  40.0, // bpm
				domain.MetricSleepScore: 60.0,
			},
		},
		Load: LoadConfig{
			RecentDays:   7,
			BaselineDays: 28,
			Metrics: []string{
				domain.MetricExerciseMin,
				domain.MetricActiveKcal,
				domain.MetricSteps,
				domain.MetricTrainingLoad,
			},
		},
		Fatigue: FatigueConfig{
			Metrics: []string{
				domain.MetricHRV,
				domain.MetricRestingHR,
				domain.MetricSleepScore,
				domain.MetricReadiness,
			},
			LoadDeviationCoeff:      10.0,
			NoiseFloor:              1.0,
			PenaltyScale:            0.004,
			PenaltyCap:              0.05,
			HighCapacityDeadband:    2.0,
			HighCapacityAttenuation: 0.5,
		},
		Labs: LabConfig{
			NeutralScore:      70.0,
			Scale:             -0.002,
			DecayDays:         90.0,
			ModulationCap:     0.10,
			AllowedBiomarkers: nil, // all scored biomarkers count
		},
		Gates: GateConfig{
			VO2MinConfidence: 0.3,
			VO2MinWindowDays: 21,
		},
		Aggregator: AggregatorConfig{
			SlopeVelocityScale:   0.02,
			ConfidenceSaturation: 3.0,
		},
		Completeness: CompletenessConfig{
			CapacityWeight: 0.5,
			FatigueWeight:  0.3,
			LabWeight:      0.2,
		},
	}
}

// GetCalibrationConfigPath returns the default calibration file location.
func GetCalibrationConfigPath() string {
	return filepath.Join("config", "calibration.yaml")
}
