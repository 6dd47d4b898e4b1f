package velocity

import (
	"fmt"
	"math"

	"github.com/regimenhq/biovelocity/internal/domain"
	"github.com/regimenhq/biovelocity/internal/gates"
)

// buildExplainability selects the dominant factor and assembles the short
// narrative fragments the presentation layer renders verbatim.
func (e *Engine) buildExplainability(input domain.VelocityModelInput, capacityVelocity, penalty, labModulation, weightedSlope float64, gateResult gates.Result) domain.Explainability {
	hasSignals := len(input.CapacitySignals) > 0 || len(input.FatigueSignals) > 0 || len(input.LabScores) > 0

	explainability := domain.Explainability{
		DominantFactor:      domain.InsufficientData,
		CapacityNarrative:   e.interpretCapacity(weightedSlope, len(input.CapacitySignals)),
		FatigueNarrative:    e.interpretFatigue(penalty, len(input.FatigueSignals)),
		ConstraintNarrative: interpretConstraint(gateResult),
	}

	if hasSignals {
		explainability.DominantFactor = dominantFactor(capacityVelocity, penalty, labModulation)
	}

	return explainability
}

// dominantFactor picks the component with the largest absolute pull on the
// composite. Ties resolve toward capacity, then fatigue.
func dominantFactor(capacityVelocity, penalty, labModulation float64) domain.DominantFactor {
	capacityPull := math.Abs(capacityVelocity - domain.NeutralVelocity)
	labPull := math.Abs(labModulation)

	if capacityPull >= penalty && capacityPull >= labPull {
		return domain.CapacityFactor
	}
	if penalty >= labPull {
		return domain.FatigueFactor
	}
	return domain.LabsFactor
}

func (e *Engine) interpretCapacity(weightedSlope float64, signalCount int) string {
	if signalCount == 0 {
		return "no capacity trends with sufficient data"
	}

	threshold := e.config.Capacity.TrendThreshold
	switch {
	case weightedSlope > threshold:
		return fmt.Sprintf("capacity improving (%+.1f per 28d across %d metrics)", weightedSlope, signalCount)
	case weightedSlope < -threshold:
		return fmt.Sprintf("capacity declining (%+.1f per 28d across %d metrics)", weightedSlope, signalCount)
	default:
		return fmt.Sprintf("capacity stable across %d metrics", signalCount)
	}
}

func (e *Engine) interpretFatigue(penalty float64, signalCount int) string {
	if signalCount == 0 {
		return "no recovery deviation data"
	}

	switch {
	case penalty <= 0:
		return "recovery in line with training load"
	case penalty >= e.config.Fatigue.PenaltyCap:
		return fmt.Sprintf("excess fatigue at penalty cap (+%.3f)", penalty)
	default:
		return fmt.Sprintf("unexplained recovery deficit (+%.3f velocity)", penalty)
	}
}

func interpretConstraint(gateResult gates.Result) string {
	if !gateResult.Applied {
		return ""
	}

	for _, check := range gateResult.Checks {
		if !check.Fired {
			continue
		}
		switch check.Name {
		case "vo2max_improving":
			return "VO2 max improving - velocity capped at neutral"
		case "body_composition_improving":
			return "body composition improving - velocity capped at neutral"
		}
	}

	return "strong improvement evidence - velocity capped at neutral"
}
