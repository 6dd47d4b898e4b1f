package velocity

import (
	"github.com/regimenhq/biovelocity/internal/domain"
	"github.com/regimenhq/biovelocity/internal/labs"
)

// Biomarker keys the lab-scoring layer emits. Listed here because the
// relevance table is the only place the model routes individual biomarkers.
const (
	BiomarkerApoB           = "apob"
	BiomarkerLDL            = "ldl_c"
	BiomarkerHDL            = "hdl_c"
	BiomarkerTriglycerides  = "triglycerides"
	BiomarkerLpA            = "lp_a"
	BiomarkerFastingGlucose = "fasting_glucose"
	BiomarkerHbA1c          = "hba1c"
	BiomarkerFastingInsulin = "fasting_insulin"
	BiomarkerHsCRP          = "hs_crp"
	BiomarkerHomocysteine   = "homocysteine"
	BiomarkerIL6            = "il_6"
	BiomarkerFerritin       = "ferritin"
	BiomarkerTestosterone   = "testosterone"
	BiomarkerEstradiol      = "estradiol"
	BiomarkerCortisol       = "cortisol"
	BiomarkerDHEAS          = "dhea_s"
	BiomarkerIGF1           = "igf_1"
	BiomarkerSHBG           = "shbg"
	BiomarkerTSH            = "tsh"
	BiomarkerVitaminD       = "vitamin_d"
	BiomarkerMagnesium      = "magnesium"
)

// systemRelevance names the signal subset that feeds one system. Systems
// with no entry in a class simply carry no term from it.
type systemRelevance struct {
	capacityMetrics []string
	recoveryMetrics []string
	biomarkers      []string
}

// relevanceTable routes signals to the seven systems. Closed set: a new
// system must be added to domain.AllSystems and here.
var relevanceTable = map[domain.System]systemRelevance{
	domain.Cardiovascular: {
		capacityMetrics: []string{domain.MetricRestingHR, domain.MetricHRV},
		recoveryMetrics: []string{domain.MetricRestingHR, domain.MetricHRV},
		biomarkers:      []string{BiomarkerApoB, BiomarkerLDL, BiomarkerHDL, BiomarkerTriglycerides, BiomarkerLpA},
	},
	domain.Fitness: {
		capacityMetrics: []string{domain.MetricVO2Max},
		recoveryMetrics: []string{domain.MetricReadiness},
	},
	domain.Hormonal: {
		biomarkers: []string{BiomarkerTestosterone, BiomarkerEstradiol, BiomarkerCortisol, BiomarkerDHEAS, BiomarkerIGF1, BiomarkerSHBG, BiomarkerTSH},
	},
	domain.Metabolic: {
		capacityMetrics: []string{domain.MetricBodyFatPct},
		biomarkers:      []string{BiomarkerFastingGlucose, BiomarkerHbA1c, BiomarkerFastingInsulin, BiomarkerTriglycerides},
	},
	domain.Inflammatory: {
		biomarkers: []string{BiomarkerHsCRP, BiomarkerHomocysteine, BiomarkerIL6, BiomarkerFerritin},
	},
	domain.BodyComposition: {
		capacityMetrics: []string{domain.MetricBodyFatPct, domain.MetricLeanMass},
	},
	domain.SleepRecovery: {
		capacityMetrics: []string{domain.MetricSleepScore, domain.MetricHRV},
		recoveryMetrics: []string{domain.MetricSleepScore, domain.MetricReadiness, domain.MetricHRV},
		biomarkers:      []string{BiomarkerCortisol, BiomarkerVitaminD, BiomarkerMagnesium},
	},
}

// computeSystemVelocities reruns the reduced composition once per system
// over its relevant signal subset. The global hard constraint gate is not
// re-applied per system; shrinkage and the clamp are.
func (e *Engine) computeSystemVelocities(input domain.VelocityModelInput) map[domain.System]domain.SystemVelocity {
	out := make(map[domain.System]domain.SystemVelocity, len(domain.AllSystems))

	for _, system := range domain.AllSystems {
		relevance := relevanceTable[system]

		capacitySubset := filterCapacitySignals(input.CapacitySignals, relevance.capacityMetrics)
		fatigueSubset := filterFatigueSignals(input.FatigueSignals, relevance.recoveryMetrics)
		labSubset := labs.FilterForBiomarkers(input.LabScores, relevance.biomarkers)

		capacityVelocity, weightedSlope, _ := e.capacityVelocity(capacitySubset)
		penalty := e.fatiguePenalty(fatigueSubset, weightedSlope, len(relevance.recoveryMetrics))
		labComponent := labs.ComputeModulation(labSubset, input.LabRecencyDays, &e.config.Labs)

		raw := capacityVelocity + penalty + labComponent
		completeness := e.systemCompleteness(relevance, capacitySubset, fatigueSubset, labSubset)
		shrunk := ApplyShrinkage(raw, completeness)

		out[system] = domain.SystemVelocity{
			Velocity:       e.clamp(shrunk),
			TrendDirection: systemTrend(capacitySubset, weightedSlope, e.config.Capacity.TrendThreshold),
			LabComponent:   labComponent,
		}
	}

	return out
}

// systemCompleteness weights channel coverage over the system's own
// expected channels, renormalized so a labs-only system with labs present
// is fully complete rather than diluted by channels it never expects.
func (e *Engine) systemCompleteness(relevance systemRelevance, capacitySubset []domain.CapacitySignal, fatigueSubset []domain.FatigueSignal, labSubset []domain.LabScore) float64 {
	weights := e.config.Completeness

	var covered, total float64
	if len(relevance.capacityMetrics) > 0 {
		total += weights.CapacityWeight
		covered += weights.CapacityWeight * channelFraction(capacityMetricNames(capacitySubset), len(relevance.capacityMetrics))
	}
	if len(relevance.recoveryMetrics) > 0 {
		total += weights.FatigueWeight
		covered += weights.FatigueWeight * channelFraction(fatigueMetricNames(fatigueSubset), len(relevance.recoveryMetrics))
	}
	if len(relevance.biomarkers) > 0 {
		total += weights.LabWeight
		if len(labSubset) > 0 {
			covered += weights.LabWeight
		}
	}

	if total == 0 {
		return 0
	}
	return covered / total
}

// systemTrend classifies a system's direction from its confidence-weighted
// mean capacity slope. Systems with no capacity signals read stable.
func systemTrend(capacitySubset []domain.CapacitySignal, weightedSlope, threshold float64) domain.TrendDirection {
	if len(capacitySubset) == 0 {
		return domain.Stable
	}
	switch {
	case weightedSlope > threshold:
		return domain.Improving
	case weightedSlope < -threshold:
		return domain.Declining
	default:
		return domain.Stable
	}
}

func filterCapacitySignals(capacitySignals []domain.CapacitySignal, metrics []string) []domain.CapacitySignal {
	if len(metrics) == 0 {
		return nil
	}
	wanted := make(map[string]struct{}, len(metrics))
	for _, metric := range metrics {
		wanted[metric] = struct{}{}
	}

	var subset []domain.CapacitySignal
	for _, sig := range capacitySignals {
		if _, exists := wanted[sig.Metric]; exists {
			subset = append(subset, sig)
		}
	}
	return subset
}

func filterFatigueSignals(fatigueSignals []domain.FatigueSignal, metrics []string) []domain.FatigueSignal {
	if len(metrics) == 0 {
		return nil
	}
	wanted := make(map[string]struct{}, len(metrics))
	for _, metric := range metrics {
		wanted[metric] = struct{}{}
	}

	var subset []domain.FatigueSignal
	for _, sig := range fatigueSignals {
		if _, exists := wanted[sig.Metric]; exists {
			subset = append(subset, sig)
		}
	}
	return subset
}
