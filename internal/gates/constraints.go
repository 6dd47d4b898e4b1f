package gates

import (
	"fmt"

	"github.com/regimenhq/biovelocity/internal/config"
	"github.com/regimenhq/biovelocity/internal/domain"
)

// GateCheck records one hard constraint rule evaluation.
type GateCheck struct {
	Name        string  `json:"name"`
	Fired       bool    `json:"fired"`
	Value       float64 `json:"value"`
	Threshold   float64 `json:"threshold"`
	Description string  `json:"description"`
}

// Result is the hard constraint decision for one composite velocity.
// Applied is true when a rule capped the velocity at neutral; Reason then
// carries the first qualifying rule's short description.
type Result struct {
	Velocity float64      `json:"velocity"`
	Applied  bool         `json:"applied"`
	Reason   string       `json:"reason,omitempty"`
	Checks   []*GateCheck `json:"checks"`
}

// EvaluateHardConstraints applies the non-negotiable improvement rules to a
// pre-shrinkage velocity. Rules only cap at neutral, never raise, and only
// engage when the incoming velocity already exceeds neutral. The first
// qualifying rule wins.
func EvaluateHardConstraints(velocity float64, capacitySignals []domain.CapacitySignal, cfg *config.GateConfig) Result {
	result := Result{
		Velocity: velocity,
		Checks:   []*GateCheck{},
	}

	if velocity <= domain.NeutralVelocity {
		return result
	}

	vo2Check := evaluateVO2Gate(capacitySignals, cfg)
	result.Checks = append(result.Checks, vo2Check)
	if vo2Check.Fired {
		result.Velocity = domain.NeutralVelocity
		result.Applied = true
		result.Reason = vo2Check.Description
		return result
	}

	bodyCompCheck := evaluateBodyCompGate(capacitySignals)
	result.Checks = append(result.Checks, bodyCompCheck)
	if bodyCompCheck.Fired {
		result.Velocity = domain.NeutralVelocity
		result.Applied = true
		result.Reason = bodyCompCheck.Description
	}

	return result
}

// evaluateVO2Gate checks for a well-evidenced aerobic capacity improvement:
// VO2max trend improving with confidence and window above the calibrated
// floors.
func evaluateVO2Gate(signals []domain.CapacitySignal, cfg *config.GateConfig) *GateCheck {
	check := &GateCheck{
		Name:      "vo2max_improving",
		Threshold: cfg.VO2MinConfidence,
	}

	sig, exists := findSignal(signals, domain.MetricVO2Max)
	if !exists {
		check.Description = "no vo2_max signal"
		return check
	}

	check.Value = sig.Confidence
	if sig.TrendDirection != domain.Improving {
		check.Description = fmt.Sprintf("vo2_max %s, not improving", sig.TrendDirection)
		return check
	}
	if sig.Confidence < cfg.VO2MinConfidence {
		check.Description = fmt.Sprintf("vo2_max confidence %.2f below %.2f", sig.Confidence, cfg.VO2MinConfidence)
		return check
	}
	if sig.WindowDays < cfg.VO2MinWindowDays {
		check.Description = fmt.Sprintf("vo2_max window %.0fd below %.0fd", sig.WindowDays, cfg.VO2MinWindowDays)
		return check
	}

	check.Fired = true
	check.Description = fmt.Sprintf("vo2max_improving (confidence %.2f >= %.2f, window %.0fd >= %.0fd)",
		sig.Confidence, cfg.VO2MinConfidence, sig.WindowDays, cfg.VO2MinWindowDays)
	return check
}

// evaluateBodyCompGate checks for body fat improving while lean mass is not
// declining. The lean mass exclusion keeps muscle-wasting weight loss from
// counting as improvement.
func evaluateBodyCompGate(signals []domain.CapacitySignal) *GateCheck {
	check := &GateCheck{
		Name: "body_composition_improving",
	}

	bodyFat, exists := findSignal(signals, domain.MetricBodyFatPct)
	if !exists {
		check.Description = "no body_fat_pct signal"
		return check
	}

	check.Value = bodyFat.NormalizedSlope
	if bodyFat.TrendDirection != domain.Improving {
		check.Description = fmt.Sprintf("body_fat_pct %s, not improving", bodyFat.TrendDirection)
		return check
	}

	leanMassState := "absent"
	if leanMass, exists := findSignal(signals, domain.MetricLeanMass); exists {
		if leanMass.TrendDirection == domain.Declining {
			check.Description = fmt.Sprintf("body_fat_pct improving but lean_mass declining (%.1f)", leanMass.NormalizedSlope)
			return check
		}
		leanMassState = leanMass.TrendDirection.String()
	}

	check.Fired = true
	check.Description = fmt.Sprintf("body_fat_improving (slope %+.1f, lean_mass %s)", bodyFat.NormalizedSlope, leanMassState)
	return check
}

func findSignal(signals []domain.CapacitySignal, metric string) (domain.CapacitySignal, bool) {
	for _, sig := range signals {
		if sig.Metric == metric {
			return sig, true
		}
	}
	return domain.CapacitySignal{}, false
}
