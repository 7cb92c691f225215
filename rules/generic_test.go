package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ramqval.facturis.org/models"
)

func genericRule(t *testing.T, id, ruleType string, condition models.JSONMap, threshold *float64) *GenericRule {
	t.Helper()
	g, err := NewGenericRule(models.Rule{
		ID:        id,
		Name:      id,
		RuleType:  ruleType,
		Condition: condition,
		Threshold: threshold,
		Enabled:   true,
	})
	require.NoError(t, err)
	return g
}

func f64(v float64) *float64 { return &v }

func TestNewGenericRuleUnknownType(t *testing.T) {
	_, err := NewGenericRule(models.Rule{ID: "r-1", RuleType: "telepathy"})
	require.Error(t, err)
	var unknown *ErrUnknownRuleType
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "telepathy", unknown.RuleType)
}

func TestGenericProhibition(t *testing.T) {
	g := genericRule(t, "prohib-1", TypeProhibition,
		models.JSONMap{"codes": []interface{}{"15815", "15816"}}, nil)

	a := rec(drGagnon, "P-001", "15815", "2025-02-05", paid("100.00"))
	b := rec(drGagnon, "P-001", "15816", "2025-02-05", paid("100.00"))
	b.Facture = a.Facture

	drafts, err := g.Validate(input(nil, a, b))
	require.NoError(t, err)
	require.Len(t, drafts, 1)
	assert.Equal(t, models.SeverityError, drafts[0].Severity)
	assert.ElementsMatch(t, []string{a.ID, b.ID}, drafts[0].AffectedRecords)

	// Different invoices do not collide.
	c := rec(drGagnon, "P-002", "15815", "2025-02-06", paid("100.00"))
	d := rec(drGagnon, "P-002", "15816", "2025-02-06", paid("100.00"))
	drafts, err = g.Validate(input(nil, c, d))
	require.NoError(t, err)
	assert.Empty(t, drafts)
}

func TestGenericTimeRestriction(t *testing.T) {
	g := genericRule(t, "time-1", TypeTimeRestriction,
		models.JSONMap{"codes": []interface{}{"19950"}, "after": "07:00", "before": "17:00"}, nil)

	inside := rec(drGagnon, "P-001", "19950", "2025-02-05", paid("50.00"), withTimes("08:00", "09:00"))
	outside := rec(drGagnon, "P-002", "19950", "2025-02-05", paid("50.00"), withTimes("19:30", "20:00"))

	drafts, err := g.Validate(input(nil, inside, outside))
	require.NoError(t, err)
	require.Len(t, drafts, 1)
	require.NotNil(t, drafts[0].BillingRecordID)
	assert.Equal(t, outside.ID, *drafts[0].BillingRecordID)
	assert.Contains(t, drafts[0].Message, "19:30")
}

func TestGenericRequirement(t *testing.T) {
	g := genericRule(t, "req-1", TypeRequirement,
		models.JSONMap{"codes": []interface{}{"19928"}, "requiredContext": "#G160"}, nil)

	tagged := rec(drGagnon, "P-001", "19928", "2025-02-05", paid("32.10"), withContext("#G160"))
	missing := rec(drGagnon, "P-002", "19928", "2025-02-06", paid("32.10"))

	drafts, err := g.Validate(input(nil, tagged, missing))
	require.NoError(t, err)
	require.Len(t, drafts, 1)
	assert.Equal(t, []string{missing.ID}, drafts[0].AffectedRecords)
}

func TestGenericLocationRestriction(t *testing.T) {
	g := genericRule(t, "loc-1", TypeLocationRestriction,
		models.JSONMap{"codes": []interface{}{"8875"}, "requireEp33": true}, nil)

	gmf := rec(drGagnon, "P-001", "8875", "2025-02-05", paid("9.35"), withLieu("55369"))
	other := rec(drGagnon, "P-002", "8875", "2025-02-05", paid("9.35"), withLieu("10001"))

	drafts, err := g.Validate(input(gmfRefs(), gmf, other))
	require.NoError(t, err)
	require.Len(t, drafts, 1)
	assert.Equal(t, []string{other.ID}, drafts[0].AffectedRecords)
}

func TestGenericAgeRestriction(t *testing.T) {
	min := 80
	g := genericRule(t, "age-1", TypeAgeRestriction,
		models.JSONMap{"codes": []interface{}{"15838"}, "minAge": min}, nil)

	// Born 1985: 40 years old in 2025, under the minimum of 80.
	tooYoung := rec(drGagnon, "TREM 85010112", "15838", "2025-06-15", paid("30.00"))
	// Born 1940: 85 years old, fine.
	oldEnough := rec(drGagnon, "ROYJ 40010100", "15838", "2025-06-15", paid("30.00"))
	// No NAM in the patient field: skipped, never guessed.
	noNAM := rec(drGagnon, "Tremblay, Marie", "15838", "2025-06-15", paid("30.00"))

	drafts, err := g.Validate(input(nil, tooYoung, oldEnough, noNAM))
	require.NoError(t, err)
	require.Len(t, drafts, 1)
	assert.Equal(t, []string{tooYoung.ID}, drafts[0].AffectedRecords)
	data := drafts[0].RuleData.(GenericData)
	assert.Equal(t, 40.0, data.Actual)
}

func TestGenericAmountLimit(t *testing.T) {
	g := genericRule(t, "amt-1", TypeAmountLimit,
		models.JSONMap{"groupBy": "doctor_day"}, f64(100.00))

	records := []models.BillingRecord{
		rec(drGagnon, "P-001", "00103", "2025-02-05", paid("60.00")),
		rec(drGagnon, "P-002", "00103", "2025-02-05", paid("70.00")),
		rec(drGagnon, "P-003", "00103", "2025-02-06", paid("70.00")),
	}

	drafts, err := g.Validate(input(nil, records...))
	require.NoError(t, err)
	require.Len(t, drafts, 1)
	data := drafts[0].RuleData.(GenericData)
	assert.InDelta(t, -30.00, data.MonetaryImpact, 1e-9)
	assert.InDelta(t, 130.00, data.Actual, 1e-9)
	assert.InDelta(t, 100.00, data.Threshold, 1e-9)
}

func TestGenericAmountLimitRequiresThreshold(t *testing.T) {
	g := genericRule(t, "amt-2", TypeAmountLimit, models.JSONMap{"groupBy": "facture"}, nil)
	_, err := g.Validate(input(nil))
	assert.Error(t, err)
}

func TestGenericMutualExclusion(t *testing.T) {
	g := genericRule(t, "mutex-1", TypeMutualExclusion,
		models.JSONMap{
			"groupA": []interface{}{"15815"},
			"groupB": []interface{}{"15817"},
			"window": "same_day",
		}, nil)

	a := rec(drGagnon, "P-001", "15815", "2025-02-05", paid("100.00"))
	b := rec(drGagnon, "P-001", "15817", "2025-02-05", paid("120.00"))
	elsewhere := rec(drGagnon, "P-001", "15817", "2025-03-05", paid("120.00"))

	drafts, err := g.Validate(input(nil, a, b, elsewhere))
	require.NoError(t, err)
	require.Len(t, drafts, 1)
	assert.ElementsMatch(t, []string{a.ID, b.ID}, drafts[0].AffectedRecords)
}

func TestGenericMissingAnnual(t *testing.T) {
	g := genericRule(t, "annual-opp-1", TypeMissingAnnual,
		models.JSONMap{
			"targetCode":      "8875",
			"qualifyingCodes": []interface{}{"8857"},
			"amount":          9.35,
			"requireEp33":     true,
		}, nil)

	visit := rec(drGagnon, "P-001", "8857", "2025-05-10", paid("59.70"), withLieu("55369"))
	coveredVisit := rec(drGagnon, "P-002", "8857", "2025-05-10", paid("59.70"), withLieu("55369"))
	covered := rec(drGagnon, "P-002", "8875", "2025-05-10", paid("9.35"))

	drafts, err := g.Validate(input(gmfRefs(), visit, coveredVisit, covered))
	require.NoError(t, err)
	require.Len(t, drafts, 1)
	assert.Equal(t, models.SeverityOptimization, drafts[0].Severity)
	assert.Equal(t, []string{visit.ID}, drafts[0].AffectedRecords)
	data := drafts[0].RuleData.(GenericData)
	assert.InDelta(t, 9.35, data.MonetaryImpact, 1e-9)
}

func TestGenericAnnualLimit(t *testing.T) {
	g := genericRule(t, "annual-lim-1", TypeAnnualLimit,
		models.JSONMap{"codes": []interface{}{"15815"}, "maxPerYear": 1}, nil)

	a := rec(drGagnon, "P-001", "15815", "2025-01-10", paid("100.00"))
	b := rec(drGagnon, "P-001", "15815", "2025-06-10", unpaid("100.00"))
	other := rec(drGagnon, "P-002", "15815", "2025-06-10", paid("100.00"))

	drafts, err := g.Validate(input(nil, a, b, other))
	require.NoError(t, err)
	require.Len(t, drafts, 1)
	assert.ElementsMatch(t, []string{a.ID, b.ID}, drafts[0].AffectedRecords)
	data := drafts[0].RuleData.(GenericData)
	assert.Equal(t, 2.0, data.Actual)
}
