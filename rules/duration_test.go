package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ramqval.facturis.org/models"
)

func durationRefs() *RefData {
	return BuildRefData([]models.Code{
		{Code: "00103", TopLevel: "B - CONSULTATION, EXAMEN ET VISITE"},
		{Code: "00105", TopLevel: "B - CONSULTATION, EXAMEN ET VISITE"},
		{Code: "19928", TopLevel: "X - FORFAITS"},
	}, nil)
}

func TestDurationOptimization(t *testing.T) {
	// 75-minute visit billed 40,00$: 45 minutes beyond the first 30 round up
	// to 3 extra periods, so the intervention equivalent is
	// 59,70$ + 3 x 29,85$ = 149,25$ and the gain 109,25$.
	visit := rec(drGagnon, "P-001", "00103", "2025-04-01",
		paid("40.00"), withTimes("09:00", "10:15"))

	drafts, err := (&DurationRule{}).Validate(input(durationRefs(), visit))
	require.NoError(t, err)

	opts := bySeverity(drafts, models.SeverityOptimization)
	require.Len(t, opts, 1)
	data := opts[0].RuleData.(DurationData)
	assert.Equal(t, 75, data.DurationMinutes)
	assert.InDelta(t, 149.25, data.EquivalentAmount, 1e-9)
	assert.InDelta(t, 109.25, data.MonetaryImpact, 1e-9)
	assert.Equal(t, []string{"8857", "8859"}, data.SuggestedCodes)
}

func TestDurationExactlyThirtyMinutes(t *testing.T) {
	// 30 minutes has no extra period: only 8857 is suggested.
	visit := rec(drGagnon, "P-001", "00103", "2025-04-01",
		paid("40.00"), withTimes("09:00", "09:30"))

	drafts, err := (&DurationRule{}).Validate(input(durationRefs(), visit))
	require.NoError(t, err)

	opts := bySeverity(drafts, models.SeverityOptimization)
	require.Len(t, opts, 1)
	data := opts[0].RuleData.(DurationData)
	assert.InDelta(t, 59.70, data.EquivalentAmount, 1e-9)
	assert.Equal(t, []string{"8857"}, data.SuggestedCodes)
}

func TestDurationSkipsShortAndUnprofitable(t *testing.T) {
	t.Run("UnderThirtyMinutes", func(t *testing.T) {
		visit := rec(drGagnon, "P-001", "00103", "2025-04-01",
			paid("40.00"), withTimes("09:00", "09:20"))
		drafts, err := (&DurationRule{}).Validate(input(durationRefs(), visit))
		require.NoError(t, err)
		assert.Empty(t, bySeverity(drafts, models.SeverityOptimization))
	})

	t.Run("AlreadyBilledHigher", func(t *testing.T) {
		visit := rec(drGagnon, "P-001", "00103", "2025-04-01",
			paid("200.00"), withTimes("09:00", "09:45"))
		drafts, err := (&DurationRule{}).Validate(input(durationRefs(), visit))
		require.NoError(t, err)
		assert.Empty(t, bySeverity(drafts, models.SeverityOptimization))
	})

	t.Run("MissingTimes", func(t *testing.T) {
		visit := rec(drGagnon, "P-001", "00103", "2025-04-01", paid("40.00"))
		drafts, err := (&DurationRule{}).Validate(input(durationRefs(), visit))
		require.NoError(t, err)
		assert.Empty(t, drafts)
	})

	t.Run("NonConsultationCode", func(t *testing.T) {
		visit := rec(drGagnon, "P-001", "19928", "2025-04-01",
			paid("32.10"), withTimes("09:00", "10:00"))
		drafts, err := (&DurationRule{}).Validate(input(durationRefs(), visit))
		require.NoError(t, err)
		assert.Empty(t, drafts)
	})

	t.Run("InterventionCodesExcluded", func(t *testing.T) {
		visit := rec(drGagnon, "P-001", "8857", "2025-04-01",
			paid("59.70"), withTimes("09:00", "10:00"))
		drafts, err := (&DurationRule{}).Validate(input(durationRefs(), visit))
		require.NoError(t, err)
		assert.Empty(t, drafts)
	})
}

func TestDurationMidnightCrossing(t *testing.T) {
	// 23:30 to 00:30 is one hour, not negative.
	visit := rec(drGagnon, "P-001", "00103", "2025-04-01",
		paid("40.00"), withTimes("23:30", "00:30"))

	drafts, err := (&DurationRule{}).Validate(input(durationRefs(), visit))
	require.NoError(t, err)

	opts := bySeverity(drafts, models.SeverityOptimization)
	require.Len(t, opts, 1)
	assert.Equal(t, 60, opts[0].RuleData.(DurationData).DurationMinutes)
}

func TestDurationInfoSummary(t *testing.T) {
	records := []models.BillingRecord{
		rec(drGagnon, "P-001", "00103", "2025-04-01", paid("40.00"), withTimes("09:00", "10:15")),
		rec(drGagnon, "P-002", "00105", "2025-04-01", paid("49.15"), withTimes("10:30", "10:45")),
	}

	drafts, err := (&DurationRule{}).Validate(input(durationRefs(), records...))
	require.NoError(t, err)

	infos := bySeverity(drafts, models.SeverityInfo)
	require.Len(t, infos, 1)
	data := infos[0].RuleData.(DurationData)
	assert.Equal(t, 2, data.VisitsAnalyzed)
	assert.Equal(t, 1, data.Opportunities)
	assert.InDelta(t, 109.25, data.TotalPotential, 1e-9)
}
