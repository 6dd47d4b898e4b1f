package velocity

import (
	"math"

	"github.com/regimenhq/biovelocity/internal/config"
	"github.com/regimenhq/biovelocity/internal/domain"
	"github.com/regimenhq/biovelocity/internal/gates"
	"github.com/regimenhq/biovelocity/internal/labs"
	"github.com/regimenhq/biovelocity/internal/signals"
)

// Engine computes the v3 biological velocity. It holds calibration only;
// every computation is a pure function of its input, so one engine serves
// any number of concurrent callers.
type Engine struct {
	config    *config.CalibrationConfig
	extractor *signals.Extractor
}

// NewEngine creates a velocity engine. A nil config gets the shipped
// defaults; the polarity map may be nil for the default assignments.
func NewEngine(cfg *config.CalibrationConfig, polarity domain.PolarityMap) *Engine {
	if cfg == nil {
		cfg = config.DefaultCalibrationConfig()
	}
	return &Engine{
		config:    cfg,
		extractor: signals.NewExtractor(cfg, polarity),
	}
}

// ComputeFromSeries runs signal extraction over raw daily series and then
// the full composition. The only error path is a malformed series shape;
// sparse data degrades silently toward neutral.
func (e *Engine) ComputeFromSeries(seriesByMetric map[string]domain.MetricSeries, labScores []domain.LabScore, labRecencyDays float64) (domain.VelocityResult, error) {
	capacitySignals, err := e.extractor.ExtractCapacitySignals(seriesByMetric)
	if err != nil {
		return domain.VelocityResult{}, err
	}
	loadSignals, err := e.extractor.ExtractLoadSignals(seriesByMetric)
	if err != nil {
		return domain.VelocityResult{}, err
	}
	fatigueSignals, err := e.extractor.ExtractFatigueSignals(seriesByMetric, loadSignals)
	if err != nil {
		return domain.VelocityResult{}, err
	}

	input := domain.VelocityModelInput{
		CapacitySignals: capacitySignals,
		FatigueSignals:  fatigueSignals,
		LoadSignals:     loadSignals,
		LabScores:       labScores,
		LabRecencyDays:  labRecencyDays,
	}
	return e.ComputeVelocity(input), nil
}

// ComputeVelocity runs the full composition on pre-extracted signals:
// capacity velocity plus fatigue penalty plus lab modulation, then the hard
// constraint gate, then shrinkage, then the clamp. The gate runs before
// shrinkage so strong evidence caps the raw value even at moderate
// completeness; shrinkage runs last so low completeness pulls even a capped
// value toward neutral.
func (e *Engine) ComputeVelocity(input domain.VelocityModelInput) domain.VelocityResult {
	capacityVelocity, weightedSlope, _ := e.capacityVelocity(input.CapacitySignals)
	penalty := e.fatiguePenalty(input.FatigueSignals, weightedSlope, len(e.config.Fatigue.Metrics))
	labModulation := labs.ComputeModulation(input.LabScores, input.LabRecencyDays, &e.config.Labs)

	raw := capacityVelocity + penalty + labModulation

	gateResult := gates.EvaluateHardConstraints(raw, input.CapacitySignals, &e.config.Gates)
	completeness := Completeness(input, e.config)
	shrunk := ApplyShrinkage(gateResult.Velocity, completeness)
	overall := e.clamp(shrunk)

	return domain.VelocityResult{
		OverallVelocity:       overall,
		CapacityVelocity:      capacityVelocity,
		ExcessFatiguePenalty:  penalty,
		LabModulation:         labModulation,
		HardConstraintApplied: gateResult.Applied,
		HardConstraintReason:  gateResult.Reason,
		ShrinkageFactor:       completeness,
		SystemVelocities:      e.computeSystemVelocities(input),
		Explainability:        e.buildExplainability(input, capacityVelocity, penalty, labModulation, weightedSlope, gateResult),
	}
}

// capacityVelocity converts capacity signals into the composite's base
// term. The confidence-weighted mean slope sets the direction; the summed
// confidence mass scales how far the pull moves off neutral, so more
// signals and higher confidence both strengthen it. No signals means
// exactly neutral.
func (e *Engine) capacityVelocity(capacitySignals []domain.CapacitySignal) (velocity, weightedMeanSlope, totalConfidence float64) {
	if len(capacitySignals) == 0 {
		return domain.NeutralVelocity, 0, 0
	}

	var weightedSum, totalWeight float64
	for _, sig := range capacitySignals {
		weightedSum += sig.NormalizedSlope * sig.Confidence
		totalWeight += sig.Confidence
	}
	if totalWeight == 0 {
		return domain.NeutralVelocity, 0, 0
	}

	weightedMeanSlope = weightedSum / totalWeight
	mass := math.Min(1.0, totalWeight/e.config.Aggregator.ConfidenceSaturation)
	velocity = domain.NeutralVelocity - weightedMeanSlope*e.config.Aggregator.SlopeVelocityScale*mass

	return velocity, weightedMeanSlope, totalWeight
}

// fatiguePenalty converts excess fatigue into a small capped velocity
// addition. Per-metric excess below the noise floor is ignored, coverage
// scales the penalty by how many recovery channels actually reported, and
// strongly improving capacity attenuates the whole penalty: a user getting
// measurably fitter is not penalized fully for transient fatigue.
func (e *Engine) fatiguePenalty(fatigueSignals []domain.FatigueSignal, weightedMeanSlope float64, expectedChannels int) float64 {
	if len(fatigueSignals) == 0 {
		return 0
	}

	cfg := e.config.Fatigue
	var total float64
	counted := 0
	for _, sig := range fatigueSignals {
		if sig.ExcessFatigue < cfg.NoiseFloor {
			continue
		}
		total += sig.ExcessFatigue
		counted++
	}
	if counted == 0 {
		return 0
	}

	coverage := 1.0
	if expectedChannels > 0 {
		coverage = math.Min(1.0, float64(counted)/float64(expectedChannels))
	}

	penalty := total / float64(counted) * cfg.PenaltyScale * coverage
	if weightedMeanSlope >= cfg.HighCapacityDeadband {
		penalty *= cfg.HighCapacityAttenuation
	}

	return math.Min(cfg.PenaltyCap, penalty)
}

// clamp bounds a velocity to the calibrated floor and ceiling.
func (e *Engine) clamp(velocity float64) float64 {
	return math.Max(e.config.Velocity.Min, math.Min(e.config.Velocity.Max, velocity))
}
