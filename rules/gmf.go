package rules

import (
	"fmt"
	"sort"

	"ramqval.facturis.org/models"
)

// GMF forfait 8875 rule: the forfait is payable once per patient per calendar
// year, and only in a GMF establishment (ep33). Two sub-validations run:
// duplicate detection over billed 8875s, and missed-opportunity detection over
// patient-years with qualifying GMF visits but no 8875.

const (
	GMFRuleID   = "gmf_forfait_8875"
	gmfCategory = "gmf_forfait"

	codeForfait8875 = "8875"
)

var forfait8875Amount = models.Money(935) // 9,35$

// gmfQualifyingGroups are the level1Group cohorts whose visits qualify for the
// forfait alongside codes 8857/8859.
var gmfQualifyingGroups = map[string]bool{
	"Visites sur rendez-vous (patient de 80 ans ou plus)":  true,
	"Visites sur rendez-vous (patient de moins de 80 ans)": true,
}

// gmfExcludedTags disqualify a visit, matched exactly after comma split.
var gmfExcludedTags = []string{"MTA13", "GMFU", "GAP", "G160", "AR"}

// GMFData is the rule-specific payload for forfait-8875 findings.
type GMFData struct {
	MonetaryImpact float64 `json:"monetaryImpact"`
	Year           int     `json:"year,omitempty"`
	FirstPaidDate  string  `json:"firstPaidDate,omitempty"`
	VisitDate      string  `json:"visitDate,omitempty"`
	Duplicates     int     `json:"duplicates,omitempty"`
	Opportunities  int     `json:"opportunities,omitempty"`
	PatientYears   int     `json:"patientYears,omitempty"`
}

// GMFRule validates forfait 8875 billing.
type GMFRule struct{}

func (r *GMFRule) ID() string       { return GMFRuleID }
func (r *GMFRule) Name() string     { return "Forfait GMF 8875" }
func (r *GMFRule) Category() string { return gmfCategory }

// Validate runs duplicate detection then missed-opportunity detection, and
// always closes with an info summary of both counts.
func (r *GMFRule) Validate(in *Input) ([]Draft, error) {
	// Patient-year partitions of 8875 billings and of candidate visits.
	forfaits := map[string][]models.BillingRecord{}
	visits := map[string][]models.BillingRecord{}

	for _, rec := range in.Records {
		if rec.Patient == "" || rec.DateService.IsZero() {
			continue
		}
		key := groupKey(rec.Patient, fmt.Sprintf("%d", rec.DateService.Year()))
		if rec.Code == codeForfait8875 {
			forfaits[key] = append(forfaits[key], rec)
		} else {
			visits[key] = append(visits[key], rec)
		}
	}
	if len(forfaits) == 0 && len(visits) == 0 {
		return nil, nil
	}

	var drafts []Draft
	duplicates := 0
	opportunities := 0

	for _, key := range sortedKeys(forfaits) {
		found := r.validateDuplicates(forfaits[key])
		duplicates += len(found)
		drafts = append(drafts, found...)
	}

	for _, key := range sortedKeys(visits) {
		if _, billed := forfaits[key]; billed {
			continue
		}
		if draft, ok := r.findOpportunity(in.Refs, visits[key]); ok {
			opportunities++
			drafts = append(drafts, draft)
		}
	}

	patientYears := len(visits)
	for key := range forfaits {
		if _, ok := visits[key]; !ok {
			patientYears++
		}
	}
	drafts = append(drafts, Draft{
		RuleID:   GMFRuleID,
		Severity: models.SeverityInfo,
		Category: gmfCategory,
		Message: fmt.Sprintf(
			"Forfait 8875: %d patient-année(s) analysé(s), %d duplicata(s), %d occasion(s) manquée(s).",
			patientYears, duplicates, opportunities),
		RuleData: GMFData{
			MonetaryImpact: 0,
			Duplicates:     duplicates,
			Opportunities:  opportunities,
			PatientYears:   patientYears,
		},
	})
	return drafts, nil
}

// validateDuplicates flags every 8875 occurrence after the first paid one in a
// patient-year.
func (r *GMFRule) validateDuplicates(recs []models.BillingRecord) []Draft {
	if len(recs) < 2 {
		return nil
	}
	anyPaid := false
	for _, rec := range recs {
		if rec.Paid() {
			anyPaid = true
			break
		}
	}
	if !anyPaid {
		return nil
	}

	sorted := make([]models.BillingRecord, len(recs))
	copy(sorted, recs)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].DateService.Before(sorted[j].DateService)
	})

	firstPaid := -1
	for i, rec := range sorted {
		if rec.Paid() {
			firstPaid = i
			break
		}
	}
	firstPaidDate := dayKey(sorted[firstPaid].DateService)
	year := sorted[firstPaid].DateService.Year()

	var drafts []Draft
	for i := firstPaid + 1; i < len(sorted); i++ {
		rec := sorted[i]
		recID := rec.ID
		drafts = append(drafts, Draft{
			RuleID:          GMFRuleID,
			BillingRecordID: &recID,
			IDRamq:          idRamqPtr(rec),
			Severity:        models.SeverityError,
			Category:        gmfCategory,
			Message: fmt.Sprintf(
				"Forfait 8875 facturé de nouveau le %s alors qu'il est déjà payé pour l'année %d.",
				dayKey(rec.DateService), year),
			Solution: strptr(fmt.Sprintf(
				"Annulez cette facturation: le forfait 8875 a été payé une première fois le %s.",
				firstPaidDate)),
			AffectedRecords: []string{recID},
			RuleData: GMFData{
				MonetaryImpact: 0,
				Year:           year,
				FirstPaidDate:  firstPaidDate,
			},
		})
	}
	return drafts
}

// findOpportunity looks for a qualifying GMF visit in a patient-year with no
// 8875 billed, and suggests the forfait on the earliest one.
func (r *GMFRule) findOpportunity(refs *RefData, recs []models.BillingRecord) (Draft, bool) {
	var qualifying []models.BillingRecord
	for _, rec := range recs {
		if !r.qualifies(refs, rec) {
			continue
		}
		qualifying = append(qualifying, rec)
	}
	if len(qualifying) == 0 {
		return Draft{}, false
	}

	sort.SliceStable(qualifying, func(i, j int) bool {
		return qualifying[i].DateService.Before(qualifying[j].DateService)
	})
	earliest := qualifying[0]
	recID := earliest.ID
	ids := make([]string, 0, len(qualifying))
	for _, rec := range qualifying {
		ids = append(ids, rec.ID)
	}

	return Draft{
		RuleID:          GMFRuleID,
		BillingRecordID: &recID,
		IDRamq:          idRamqPtr(earliest),
		Severity:        models.SeverityOptimization,
		Category:        gmfCategory,
		Message: fmt.Sprintf(
			"Visite GMF admissible le %s sans forfait 8875 facturé pour l'année %d.",
			dayKey(earliest.DateService), earliest.DateService.Year()),
		Solution: strptr(fmt.Sprintf(
			"Facturez le forfait 8875 (%s) avec la visite du %s.",
			forfait8875Amount.French(), dayKey(earliest.DateService))),
		AffectedRecords: ids,
		RuleData: GMFData{
			MonetaryImpact: forfait8875Amount.Float(),
			Year:           earliest.DateService.Year(),
			VisitDate:      dayKey(earliest.DateService),
		},
	}, true
}

// qualifies applies the three-part GMF visit test: qualifying code or code
// group, ep33 establishment, no excluding context tag.
func (r *GMFRule) qualifies(refs *RefData, rec models.BillingRecord) bool {
	codeOK := rec.Code == "8857" || rec.Code == "8859"
	if !codeOK {
		if ref, ok := refs.CodesByCode[rec.Code]; ok {
			codeOK = gmfQualifyingGroups[ref.Level1Group]
		}
	}
	if !codeOK {
		return false
	}

	est, ok := refs.EstablishmentsByNumero[rec.LieuPratique]
	if !ok || !est.EP33 {
		return false
	}

	return !rec.HasContext(gmfExcludedTags...)
}
