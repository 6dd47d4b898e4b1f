package domain

import "fmt"

// GetVelocitySummary returns a one-line summary for logs and CLI output.
func (vr *VelocityResult) GetVelocitySummary() string {
	gateNote := ""
	if vr.HardConstraintApplied {
		gateNote = " [capped]"
	}

	return fmt.Sprintf("velocity %.3f%s (capacity %.3f, fatigue +%.3f, labs %+.3f, shrinkage %.2f, dominant %s)",
		vr.OverallVelocity, gateNote, vr.CapacityVelocity, vr.ExcessFatiguePenalty,
		vr.LabModulation, vr.ShrinkageFactor, vr.Explainability.DominantFactor)
}

// GetDetailedBreakdown returns a multi-line attribution report.
func (vr *VelocityResult) GetDetailedBreakdown() string {
	report := fmt.Sprintf("Biological Velocity v3: %.3f (neutral %.2f)\n", vr.OverallVelocity, NeutralVelocity)
	report += fmt.Sprintf("Dominant factor: %s\n\n", vr.Explainability.DominantFactor)

	report += "Components:\n"
	report += fmt.Sprintf("  capacity velocity:      %.3f\n", vr.CapacityVelocity)
	report += fmt.Sprintf("  excess fatigue penalty: +%.3f\n", vr.ExcessFatiguePenalty)
	report += fmt.Sprintf("  lab modulation:         %+.3f\n", vr.LabModulation)
	report += fmt.Sprintf("  shrinkage factor:       %.2f\n", vr.ShrinkageFactor)

	if vr.HardConstraintApplied {
		report += fmt.Sprintf("\nHard constraint: %s\n", vr.HardConstraintReason)
	}

	report += "\nSystems:\n"
	for _, system := range AllSystems {
		sv, exists := vr.SystemVelocities[system]
		if !exists {
			continue
		}
		report += fmt.Sprintf("  %-16s %.3f (%s, labs %+.3f)\n", system.String()+":", sv.Velocity, sv.TrendDirection, sv.LabComponent)
	}

	report += "\nNarratives:\n"
	report += fmt.Sprintf("  capacity: %s\n", vr.Explainability.CapacityNarrative)
	report += fmt.Sprintf("  fatigue:  %s\n", vr.Explainability.FatigueNarrative)
	if vr.Explainability.ConstraintNarrative != "" {
		report += fmt.Sprintf("  gate:     %s\n", vr.Explainability.ConstraintNarrative)
	}

	return report
}
