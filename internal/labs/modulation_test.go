package labs

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/regimenhq/biovelocity/internal/config"
	"github.com/regimenhq/biovelocity/internal/domain"
)

func defaultLabConfig() *config.LabConfig {
	cfg := config.DefaultCalibrationConfig()
	return &cfg.Labs
}

func panelAt(score float64, biomarkers ...string) []domain.LabScore {
	scores := make([]domain.LabScore, 0, len(biomarkers))
	for _, b := range biomarkers {
		scores = append(scores, domain.LabScore{Biomarker: b, Score: score})
	}
	return scores
}

func TestComputeModulation_EmptyScoresAreNeutral(t *testing.T) {
	cfg := defaultLabConfig()

	assert.Equal(t, 0.0, ComputeModulation(nil, 30, cfg))
	assert.Equal(t, 0.0, ComputeModulation([]domain.LabScore{}, 30, cfg))
}

func TestComputeModulation_GoodLabsPushDown(t *testing.T) {
	cfg := defaultLabConfig()

	// Six markers at 86 from a draw 30 days ago.
	scores := panelAt(86, "apob", "ldl_c", "hdl_c", "hba1c", "hs_crp", "triglycerides")
	mod := ComputeModulation(scores, 30, cfg)

	assert.Less(t, mod, 0.0, "Above-neutral panel should slow the velocity")
	// 16 over neutral * -0.002 * exp(-30/90)
	assert.InDelta(t, -0.0229, mod, 0.0005)
}

func TestComputeModulation_PoorLabsPushUp(t *testing.T) {
	cfg := defaultLabConfig()

	scores := panelAt(50, "apob", "ldl_c", "hba1c", "hs_crp")
	mod := ComputeModulation(scores, 30, cfg)

	assert.Greater(t, mod, 0.0, "Below-neutral panel should raise the velocity")
	assert.InDelta(t, 0.0287, mod, 0.0005)
}

func TestComputeModulation_FreshDrawUndecayed(t *testing.T) {
	cfg := defaultLabConfig()

	scores := panelAt(86, "apob", "hba1c")
	mod := ComputeModulation(scores, 0, cfg)

	assert.InDelta(t, -0.032, mod, 1e-9, "Same-day draw should apply at full strength")
}

func TestComputeModulation_StalenessDecaysEffect(t *testing.T) {
	cfg := defaultLabConfig()
	scores := panelAt(86, "apob", "hba1c")

	fresh := ComputeModulation(scores, 0, cfg)
	stale := ComputeModulation(scores, 180, cfg)

	assert.Greater(t, math.Abs(fresh), math.Abs(stale),
		"A six-month-old draw should carry less weight than a fresh one")
	assert.Less(t, stale, 0.0, "Decay shrinks the effect but never flips its sign")
}

func TestComputeModulation_NegativeRecencyTreatedAsFresh(t *testing.T) {
	cfg := defaultLabConfig()
	scores := panelAt(86, "apob", "hba1c")

	assert.Equal(t, ComputeModulation(scores, 0, cfg), ComputeModulation(scores, -5, cfg))
}

func TestComputeModulation_AllowListFiltersUnknownMarkers(t *testing.T) {
	cfg := defaultLabConfig()
	cfg.AllowedBiomarkers = []string{"apob"}

	scores := []domain.LabScore{
		{Biomarker: "apob", Score: 90},
		{Biomarker: "vibes", Score: 10},
	}
	mod := ComputeModulation(scores, 0, cfg)

	assert.Less(t, mod, 0.0, "Only the allow-listed marker should count")
	assert.InDelta(t, -0.04, mod, 1e-9)

	noneAllowed := ComputeModulation([]domain.LabScore{{Biomarker: "vibes", Score: 10}}, 0, cfg)
	assert.Equal(t, 0.0, noneAllowed, "A panel of unknown markers contributes nothing")
}

func TestComputeModulation_CapBindsBothDirections(t *testing.T) {
	cfg := defaultLabConfig()

	// Catastrophic panel: raw effect would be +0.14.
	worst := ComputeModulation(panelAt(0, "apob", "hba1c"), 0, cfg)
	assert.Equal(t, cfg.ModulationCap, worst)

	// Steeper scale to hit the downside cap with perfect scores.
	cfg.Scale = -0.01
	best := ComputeModulation(panelAt(100, "apob", "hba1c"), 0, cfg)
	assert.Equal(t, -cfg.ModulationCap, best)
}

func TestFilterForBiomarkers(t *testing.T) {
	scores := []domain.LabScore{
		{Biomarker: "apob", Score: 80},
		{Biomarker: "hba1c", Score: 60},
		{Biomarker: "hs_crp", Score: 75},
	}

	subset := FilterForBiomarkers(scores, []string{"hs_crp", "apob"})
	assert.Len(t, subset, 2)
	assert.Equal(t, "apob", subset[0].Biomarker, "Input order is preserved")
	assert.Equal(t, "hs_crp", subset[1].Biomarker)

	assert.Nil(t, FilterForBiomarkers(scores, nil))
	assert.Nil(t, FilterForBiomarkers(nil, []string{"apob"}))
}
