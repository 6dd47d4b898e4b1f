package labs

import (
	"math"

	"github.com/regimenhq/biovelocity/internal/config"
	"github.com/regimenhq/biovelocity/internal/domain"
)

// ComputeModulation converts biomarker goodness scores into a small
// velocity nudge. Scores above the neutral score push velocity down, below
// it push velocity up, and the whole effect decays exponentially with draw
// staleness. Nil or empty scores contribute exactly zero.
func ComputeModulation(scores []domain.LabScore, recencyDays float64, cfg *config.LabConfig) float64 {
	if len(scores) == 0 {
		return 0
	}

	allowed := allowedSet(cfg.AllowedBiomarkers)

	var sum float64
	counted := 0
	for _, score := range scores {
		if allowed != nil {
			if _, exists := allowed[score.Biomarker]; !exists {
				continue
			}
		}
		sum += score.Score - cfg.NeutralScore
		counted++
	}
	if counted == 0 {
		return 0
	}

	if recencyDays < 0 {
		recencyDays = 0
	}
	decay := math.Exp(-recencyDays / cfg.DecayDays)

	mod := sum / float64(counted) * cfg.Scale * decay

	return math.Max(-cfg.ModulationCap, math.Min(cfg.ModulationCap, mod))
}

// FilterForBiomarkers returns the subset of scores whose biomarker appears
// in keys, preserving order. Used by the per-system composition.
func FilterForBiomarkers(scores []domain.LabScore, keys []string) []domain.LabScore {
	if len(scores) == 0 || len(keys) == 0 {
		return nil
	}

	wanted := allowedSet(keys)
	var subset []domain.LabScore
	for _, score := range scores {
		if _, exists := wanted[score.Biomarker]; exists {
			subset = append(subset, score)
		}
	}
	return subset
}

func allowedSet(keys []string) map[string]struct{} {
	if len(keys) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		set[key] = struct{}{}
	}
	return set
}
