package domain

import (
	"fmt"
	"time"
)

// Velocity clamp bounds for the v3 model. Every velocity the pipeline emits,
// overall and per system, lies inside [VelocityV3Min, VelocityV3Max].
// Exposed so contract tests can assert the bound without importing config.
const (
	VelocityV3Min = 0.60
	VelocityV3Max = 1.80

	// NeutralVelocity is the "aging at calendar rate" reference point.
	NeutralVelocity = 1.00
)

// ModelVersion tags persisted snapshots and API responses with the
// model generation that produced them.
const ModelVersion = "v3"

// Metric keys supplied by the ingestion layer.
const (
	MetricVO2Max       = "vo2_max"
	MetricBodyFatPct   = "body_fat_pct"
	MetricLeanMass     = "lean_mass"
	MetricHRV          = "hrv"
	MetricRestingHR    = "resting_heart_rate"
	MetricSleepScore   = "sleep_score"
	MetricReadiness    = "readiness"
	MetricExerciseMin  = "exercise_minutes"
	MetricActiveKcal   = "active_calories"
	MetricSteps        = "steps"
	MetricTrainingLoad = "training_volume"
)

// Polarity declares whether a higher or lower value of a metric is better.
type Polarity int

const (
	HigherBetter Polarity = iota
	LowerBetter
	NeutralPolarity
)

func (p Polarity) String() string {
	switch p {
	case HigherBetter:
		return "higher_better"
	case LowerBetter:
		return "lower_better"
	case NeutralPolarity:
		return "neutral"
	default:
		return "unknown"
	}
}

// Sign returns the correction factor applied to raw slopes and deviations so
// that positive always means improving. Neutral metrics carry no direction.
func (p Polarity) Sign() float64 {
	switch p {
	case HigherBetter:
		return 1.0
	case LowerBetter:
		return -1.0
	default:
		return 0.0
	}
}

// PolarityMap maps metric keys to their polarity. Process-wide, immutable.
type PolarityMap map[string]Polarity

// DefaultPolarityMap returns the polarity assignments for the supported
// wearable metrics. Load-volume metrics are neutral: the load extractor
// compares windows, it does not score direction.
func DefaultPolarityMap() PolarityMap {
	return PolarityMap{
		MetricVO2Max:       HigherBetter,
		MetricBodyFatPct:   LowerBetter,
		MetricLeanMass:     HigherBetter,
		MetricHRV:          HigherBetter,
		MetricRestingHR:    LowerBetter,
		MetricSleepScore:   HigherBetter,
		MetricReadiness:    HigherBetter,
		MetricExerciseMin:  NeutralPolarity,
		MetricActiveKcal:   NeutralPolarity,
		MetricSteps:        NeutralPolarity,
		MetricTrainingLoad: NeutralPolarity,
	}
}

// TrendDirection classifies a polarity-corrected capacity trend.
type TrendDirection int

const (
	Stable TrendDirection = iota
	Improving
	Declining
)

func (d TrendDirection) String() string {
	switch d {
	case Improving:
		return "improving"
	case Declining:
		return "declining"
	case Stable:
		return "stable"
	default:
		return "unknown"
	}
}

// MarshalText renders the direction as its string form in JSON payloads.
func (d TrendDirection) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText parses the string form back into the enum.
func (d *TrendDirection) UnmarshalText(text []byte) error {
	switch string(text) {
	case "improving":
		*d = Improving
	case "declining":
		*d = Declining
	case "stable":
		*d = Stable
	default:
		return fmt.Errorf("unknown trend direction %q", string(text))
	}
	return nil
}

// DominantFactor labels the component that contributed most to the velocity.
type DominantFactor int

const (
	InsufficientData DominantFactor = iota
	CapacityFactor
	FatigueFactor
	LabsFactor
)

func (f DominantFactor) String() string {
	switch f {
	case CapacityFactor:
		return "capacity"
	case FatigueFactor:
		return "fatigue"
	case LabsFactor:
		return "labs"
	case InsufficientData:
		return "insufficient_data"
	default:
		return "unknown"
	}
}

func (f DominantFactor) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

func (f *DominantFactor) UnmarshalText(text []byte) error {
	switch string(text) {
	case "capacity":
		*f = CapacityFactor
	case "fatigue":
		*f = FatigueFactor
	case "labs":
		*f = LabsFactor
	case "insufficient_data":
		*f = InsufficientData
	default:
		return fmt.Errorf("unknown dominant factor %q", string(text))
	}
	return nil
}

// System identifies one of the seven physiological systems the model scores.
// The set is closed: adding a system is a compile-time change here, in
// AllSystems, and in the relevance table.
type System int

const (
	Cardiovascular System = iota
	Fitness
	Hormonal
	Metabolic
	Inflammatory
	BodyComposition
	SleepRecovery
)

// AllSystems lists every system in presentation order. The system velocity
// computer emits exactly one entry per element.
var AllSystems = []System{
	Cardiovascular,
	Fitness,
	Hormonal,
	Metabolic,
	Inflammatory,
	BodyComposition,
	SleepRecovery,
}

func (s System) String() string {
	switch s {
	case Cardiovascular:
		return "cardiovascular"
	case Fitness:
		return "fitness"
	case Hormonal:
		return "hormonal"
	case Metabolic:
		return "metabolic"
	case Inflammatory:
		return "inflammatory"
	case BodyComposition:
		return "body_composition"
	case SleepRecovery:
		return "sleep_recovery"
	default:
		return "unknown"
	}
}

func (s System) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *System) UnmarshalText(text []byte) error {
	for _, sys := range AllSystems {
		if sys.String() == string(text) {
			*s = sys
			return nil
		}
	}
	return fmt.Errorf("unknown system %q", string(text))
}

// MetricPoint is one daily observation of a metric.
type MetricPoint struct {
	Date  time.Time `json:"date"`
	Value float64   `json:"value"`
}

// MetricSeries is the ordered daily history of one metric. The ingestion
// layer supplies it deduplicated and unit-normalized; the model never
// mutates it.
type MetricSeries []MetricPoint

// Validate checks the shape contract: dates strictly ascending, no
// duplicates. A violation indicates an ingestion bug, not sparse data,
// and is the only condition the model surfaces as an error.
func (s MetricSeries) Validate() error {
	for i := 1; i < len(s); i++ {
		if !s[i].Date.After(s[i-1].Date) {
			return fmt.Errorf("series dates not strictly ascending: point %d (%s) does not follow %s",
				i, s[i].Date.Format("2006-01-02"), s[i-1].Date.Format("2006-01-02"))
		}
	}
	return nil
}

// SpanDays returns the day distance between the first and last point.
func (s MetricSeries) SpanDays() float64 {
	if len(s) < 2 {
		return 0
	}
	return s[len(s)-1].Date.Sub(s[0].Date).Hours() / 24.0
}

// CapacitySignal is a polarity-corrected long-window trend in a capacity
// metric. NormalizedSlope is percent of the metric's typical range per
// 28-day period, sign-corrected so positive always means improving.
type CapacitySignal struct {
	Metric          string         `json:"metric"`
	NormalizedSlope float64        `json:"normalized_slope"`
	Confidence      float64        `json:"confidence"`
	WindowDays      float64        `json:"window_days"`
	DataPoints      int            `json:"data_points"`
	TrendDirection  TrendDirection `json:"trend_direction"`
}

// LoadSignal compares a short recent window of a training metric against a
// longer baseline window. Ratio 1.0 means unchanged load.
type LoadSignal struct {
	Metric        string  `json:"metric"`
	RecentValue   float64 `json:"recent_value"`
	BaselineValue float64 `json:"baseline_value"`
	LoadRatio     float64 `json:"load_ratio"`
}

// FatigueSignal is a recovery metric's deviation beyond what current load
// predicts. Deviation is polarity-corrected so negative always means worse
// than baseline; ExcessFatigue is never negative.
type FatigueSignal struct {
	Metric            string  `json:"metric"`
	Deviation         float64 `json:"deviation"`
	ExpectedDeviation float64 `json:"expected_deviation"`
	ExcessFatigue     float64 `json:"excess_fatigue"`
}

// LabScore is one biomarker's 0-100 goodness score from the most recent
// draw. Recency is shared across the draw and carried on the input.
type LabScore struct {
	Biomarker string  `json:"biomarker"`
	Score     float64 `json:"score"`
}

// VelocityModelInput carries pre-extracted signals into the aggregator.
// LabScores may be nil when the user has no lab history.
type VelocityModelInput struct {
	CapacitySignals []CapacitySignal `json:"capacity_signals"`
	FatigueSignals  []FatigueSignal  `json:"fatigue_signals"`
	LoadSignals     []LoadSignal     `json:"load_signals"`
	LabScores       []LabScore       `json:"lab_scores,omitempty"`
	LabRecencyDays  float64          `json:"lab_recency_days"`
}

// SystemVelocity is the reduced composition for one physiological system.
type SystemVelocity struct {
	Velocity       float64        `json:"velocity"`
	TrendDirection TrendDirection `json:"trend_direction"`
	LabComponent   float64        `json:"lab_component"`
}

// Explainability carries the dominant factor and short narrative fragments
// the presentation layer renders verbatim.
type Explainability struct {
	DominantFactor      DominantFactor `json:"dominant_factor"`
	CapacityNarrative   string         `json:"capacity_narrative"`
	FatigueNarrative    string         `json:"fatigue_narrative"`
	ConstraintNarrative string         `json:"constraint_narrative,omitempty"`
}

// VelocityResult is the pipeline's sole output. OverallVelocity and every
// SystemVelocity.Velocity lie in [VelocityV3Min, VelocityV3Max]; 1.00 is
// neutral, above it the user is aging faster than calendar time.
type VelocityResult struct {
	OverallVelocity       float64                   `json:"overall_velocity"`
	CapacityVelocity      float64                   `json:"capacity_velocity"`
	ExcessFatiguePenalty  float64                   `json:"excess_fatigue_penalty"`
	LabModulation         float64                   `json:"lab_modulation"`
	HardConstraintApplied bool                      `json:"hard_constraint_applied"`
	HardConstraintReason  string                    `json:"hard_constraint_reason,omitempty"`
	ShrinkageFactor       float64                   `json:"shrinkage_factor"`
	SystemVelocities      map[System]SystemVelocity `json:"system_velocities"`
	Explainability        Explainability            `json:"explainability"`
}
