package velocity

import (
	"math"

	"github.com/regimenhq/biovelocity/internal/config"
	"github.com/regimenhq/biovelocity/internal/domain"
)

// ApplyShrinkage pulls a raw velocity toward neutral in proportion to data
// completeness. Zero completeness lands exactly on neutral; full
// completeness leaves the raw value untouched.
func ApplyShrinkage(raw, completeness float64) float64 {
	if completeness < 0 {
		completeness = 0
	}
	if completeness > 1 {
		completeness = 1
	}
	return domain.NeutralVelocity + (raw-domain.NeutralVelocity)*completeness
}

// Completeness measures how much of the expected signal set is populated:
// the weighted fraction of capacity channels, fatigue channels, and the lab
// channel actually present in the input.
func Completeness(input domain.VelocityModelInput, cfg *config.CalibrationConfig) float64 {
	capacityFrac := channelFraction(capacityMetricNames(input.CapacitySignals), len(cfg.Capacity.Metrics))
	fatigueFrac := channelFraction(fatigueMetricNames(input.FatigueSignals), len(cfg.Fatigue.Metrics))

	labFrac := 0.0
	if len(input.LabScores) > 0 {
		labFrac = 1.0
	}

	weights := cfg.Completeness
	completeness := weights.CapacityWeight*capacityFrac + weights.FatigueWeight*fatigueFrac + weights.LabWeight*labFrac

	return math.Max(0, math.Min(1, completeness))
}

// channelFraction is the share of expected channels covered by the distinct
// metrics present, capped at full coverage.
func channelFraction(present []string, expected int) float64 {
	if expected == 0 {
		return 0
	}

	seen := make(map[string]struct{}, len(present))
	for _, metric := range present {
		seen[metric] = struct{}{}
	}

	return math.Min(1.0, float64(len(seen))/float64(expected))
}

func capacityMetricNames(signals []domain.CapacitySignal) []string {
	names := make([]string, len(signals))
	for i, sig := range signals {
		names[i] = sig.Metric
	}
	return names
}

func fatigueMetricNames(signals []domain.FatigueSignal) []string {
	names := make([]string, len(signals))
	for i, sig := range signals {
		names[i] = sig.Metric
	}
	return names
}
