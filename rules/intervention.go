package rules

import (
	"fmt"

	"ramqval.facturis.org/models"
)

// Intervention clinique daily limit: time-measured consultations (8857 fixed
// 30 minutes, 8859 at `unites` minutes) are capped at 180 minutes per doctor
// per day unless an excluded program context applies.

const (
	InterventionRuleID   = "intervention_clinique_limit"
	interventionCategory = "intervention_clinique"

	dailyInterventionCapMinutes = 180
	code8857Minutes             = 30
)

// interventionExcludedTags exempt a record from the daily cap.
var interventionExcludedTags = []string{"ICEP", "ICSM", "ICTOX"}

// InterventionData is the rule-specific payload for daily-limit findings.
type InterventionData struct {
	MonetaryImpact float64 `json:"monetaryImpact"`
	Doctor         string  `json:"doctor,omitempty"`
	Date           string  `json:"date,omitempty"`
	TotalMinutes   int     `json:"totalMinutes,omitempty"`
	ExcessMinutes  int     `json:"excessMinutes,omitempty"`
	UnpaidAmount   float64 `json:"unpaidAmount,omitempty"`
	GroupsOverCap  int     `json:"groupsOverCap,omitempty"`
	GroupsAnalyzed int     `json:"groupsAnalyzed,omitempty"`
}

// InterventionRule validates the 180-minute daily intervention cap.
type InterventionRule struct{}

func (r *InterventionRule) ID() string       { return InterventionRuleID }
func (r *InterventionRule) Name() string     { return "Limite quotidienne d'intervention clinique" }
func (r *InterventionRule) Category() string { return interventionCategory }

// Validate sums intervention minutes per (doctor, day) and flags totals over
// the cap: error when unpaid amounts are at risk, info when RAMQ already paid
// everything.
func (r *InterventionRule) Validate(in *Input) ([]Draft, error) {
	groups := map[string][]models.BillingRecord{}
	for _, rec := range in.Records {
		if rec.Code != "8857" && rec.Code != "8859" {
			continue
		}
		if rec.HasContext(interventionExcludedTags...) {
			continue
		}
		if rec.DoctorInfo == "" || rec.DateService.IsZero() {
			continue
		}
		key := groupKey(rec.DoctorInfo, dayKey(rec.DateService))
		groups[key] = append(groups[key], rec)
	}
	if len(groups) == 0 {
		return nil, nil
	}

	var drafts []Draft
	overCap := 0

	for _, key := range sortedKeys(groups) {
		recs := groups[key]
		total := 0
		var unpaidAmount models.Money
		anyUnpaid := false
		ids := make([]string, 0, len(recs))
		for _, rec := range recs {
			total += interventionMinutes(rec)
			ids = append(ids, rec.ID)
			if !rec.Paid() {
				anyUnpaid = true
				unpaidAmount += amount(rec.MontantPreliminaire)
			}
		}
		if total <= dailyInterventionCapMinutes {
			continue
		}
		overCap++

		doctor := redactDoctorName(recs[0].DoctorInfo)
		day := dayKey(recs[0].DateService)
		excess := total - dailyInterventionCapMinutes
		data := InterventionData{
			Doctor:        doctor,
			Date:          day,
			TotalMinutes:  total,
			ExcessMinutes: excess,
		}

		if anyUnpaid {
			data.MonetaryImpact = -unpaidAmount.Float()
			data.UnpaidAmount = unpaidAmount.Float()
			drafts = append(drafts, Draft{
				RuleID:   InterventionRuleID,
				Severity: models.SeverityError,
				Category: interventionCategory,
				Message: fmt.Sprintf(
					"%s: %d minutes d'intervention clinique le %s, dépassement de %d minutes sur la limite de %d.",
					doctor, total, day, excess, dailyInterventionCapMinutes),
				Solution: strptr(
					"Ajoutez un contexte de programme exclu (ICEP, ICSM, ICTOX) si applicable, ou annulez les interventions impayées en excédent."),
				AffectedRecords: ids,
				RuleData:        data,
			})
		} else {
			// RAMQ accepted everything despite the cap; informational only.
			data.MonetaryImpact = 0
			drafts = append(drafts, Draft{
				RuleID:   InterventionRuleID,
				Severity: models.SeverityInfo,
				Category: interventionCategory,
				Message: fmt.Sprintf(
					"%s: %d minutes d'intervention clinique payées le %s malgré un dépassement de %d minutes.",
					doctor, total, day, excess),
				AffectedRecords: sampleIDs(ids),
				RuleData:        data,
			})
		}
	}

	drafts = append(drafts, Draft{
		RuleID:   InterventionRuleID,
		Severity: models.SeverityInfo,
		Category: interventionCategory,
		Message: fmt.Sprintf(
			"Intervention clinique: %d groupe(s) médecin-jour analysé(s), %d au-delà de la limite de %d minutes.",
			len(groups), overCap, dailyInterventionCapMinutes),
		RuleData: InterventionData{
			MonetaryImpact: 0,
			GroupsAnalyzed: len(groups),
			GroupsOverCap:  overCap,
		},
	})
	return drafts, nil
}

// interventionMinutes returns the time value of one intervention record.
func interventionMinutes(rec models.BillingRecord) int {
	if rec.Code == "8857" {
		return code8857Minutes
	}
	if rec.Unites != nil {
		return int(*rec.Unites)
	}
	return 0
}
