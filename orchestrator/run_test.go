package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ramqval.facturis.org/ingest"
	"ramqval.facturis.org/models"
	"ramqval.facturis.org/rules"
)

func TestIngestSummary(t *testing.T) {
	result := &ingest.Result{
		TotalRows: 120,
		Encoding:  "latin-1",
		Delimiter: ';',
		ParseErrors: []ingest.ParseError{
			{Row: 3, Reason: "code de facturation manquant"},
		},
	}

	meta := ingestSummary(result, 119)
	require.NotNil(t, meta)
	assert.Equal(t, ";", meta.Delimiter)
	assert.Equal(t, "latin-1", meta.Encoding)
	require.NotNil(t, meta.RowCount)
	assert.Equal(t, 119, *meta.RowCount)
	require.NotNil(t, meta.TotalRows)
	assert.Equal(t, 120, *meta.TotalRows)
	require.NotNil(t, meta.ErrorCount)
	assert.Equal(t, 1, *meta.ErrorCount)
}

func TestDraftsToResults(t *testing.T) {
	recordID := "rec-1"
	idRamq := "F-0001"
	solution := "Annulez la facture en double."

	drafts := []rules.Draft{
		{
			RuleID:          "gmf_forfait_8875",
			BillingRecordID: &recordID,
			IDRamq:          &idRamq,
			Severity:        models.SeverityError,
			Category:        "gmf",
			Message:         "Le forfait 8875 a déjà été payé cette année.",
			Solution:        &solution,
			AffectedRecords: []string{"rec-1", "rec-2"},
			RuleData:        rules.GMFData{Year: 2025, FirstPaidDate: "2025-01-15", MonetaryImpact: -9.35},
		},
		{
			RuleID:   "duration_optimization",
			Severity: models.SeverityInfo,
			Category: "optimization",
			Message:  "2 visite(s) analysée(s).",
		},
	}

	results := draftsToResults("run-1", drafts)
	require.Len(t, results, 2)

	first := results[0]
	assert.Equal(t, "run-1", first.ValidationRunID)
	assert.Equal(t, "gmf_forfait_8875", first.RuleID)
	require.NotNil(t, first.BillingRecordID)
	assert.Equal(t, "rec-1", *first.BillingRecordID)
	require.NotNil(t, first.IDRamq)
	assert.Equal(t, "F-0001", *first.IDRamq)
	assert.Equal(t, models.SeverityError, first.Severity)
	assert.Equal(t, []string{"rec-1", "rec-2"}, []string(first.AffectedRecords))

	// Typed payloads flatten to their JSON field names.
	require.NotNil(t, first.RuleData)
	assert.Equal(t, "2025-01-15", first.RuleData["firstPaidDate"])
	assert.Equal(t, float64(2025), first.RuleData["year"])
	assert.InDelta(t, -9.35, first.RuleData["monetaryImpact"].(float64), 1e-9)

	second := results[1]
	assert.Nil(t, second.BillingRecordID)
	assert.Nil(t, second.Solution)
	assert.Nil(t, second.RuleData)
	assert.Empty(t, second.AffectedRecords)
}

func TestToJSONMap(t *testing.T) {
	assert.Nil(t, toJSONMap(nil))

	m := toJSONMap(rules.InterventionData{TotalMinutes: 210, ExcessMinutes: 30})
	require.NotNil(t, m)
	assert.Equal(t, float64(210), m["totalMinutes"])
	assert.Equal(t, float64(30), m["excessMinutes"])

	// Unmarshalable values degrade to nil rather than failing the run.
	assert.Nil(t, toJSONMap(make(chan int)))
}
