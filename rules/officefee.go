package rules

import (
	"fmt"
	"strings"

	"ramqval.facturis.org/models"
)

// Office-fee rule: codes 19928/19929 ("forfait de prise en charge"). A
// physician may bill at most one such forfait per calendar day, eligibility
// depends on distinct-patient counts split into registered and walk-in, and
// the daily office-fee total is capped at 64,80$.

const (
	OfficeFeeRuleID   = "office_fee_validation"
	officeFeeCategory = "office_fees"

	code19928 = "19928"
	code19929 = "19929"
)

var (
	tariff19928 = models.Money(3210) // 32,10$
	tariff19929 = models.Money(6420) // 64,20$
	dailyFeeCap = models.Money(6480) // 64,80$
)

// Walk-in visits carry one of these context tags.
var walkInTags = []string{"#G160", "#AR"}

// Thresholds of distinct patients required per code and visit type.
var officeFeeThresholds = map[string]struct{ registered, walkIn int }{
	code19928: {registered: 6, walkIn: 10},
	code19929: {registered: 12, walkIn: 20},
}

// VisitStats is the per-group patient breakdown attached to every office-fee
// finding.
type VisitStats struct {
	RegisteredPaid   int `json:"registeredPaid"`
	RegisteredUnpaid int `json:"registeredUnpaid"`
	WalkInPaid       int `json:"walkInPaid"`
	WalkInUnpaid     int `json:"walkInUnpaid"`
}

func (v VisitStats) registered() int { return v.RegisteredPaid + v.RegisteredUnpaid }
func (v VisitStats) walkIn() int     { return v.WalkInPaid + v.WalkInUnpaid }

// OfficeFeeData is the rule-specific payload for office-fee findings.
type OfficeFeeData struct {
	MonetaryImpact float64    `json:"monetaryImpact"`
	Doctor         string     `json:"doctor"`
	Date           string     `json:"date"`
	Code           string     `json:"code,omitempty"`
	SuggestedCode  string     `json:"suggestedCode,omitempty"`
	DailyTotal     string     `json:"dailyTotal,omitempty"`
	Overage        string     `json:"overage,omitempty"`
	UnpaidInvoices []string   `json:"unpaidInvoices,omitempty"`
	VisitStats     VisitStats `json:"visitStats"`
}

// OfficeFeeRule validates forfait-de-prise-en-charge billing.
type OfficeFeeRule struct{}

func (r *OfficeFeeRule) ID() string       { return OfficeFeeRuleID }
func (r *OfficeFeeRule) Name() string     { return "Validation des frais de bureau (19928/19929)" }
func (r *OfficeFeeRule) Category() string { return officeFeeCategory }

type officeFeeGroup struct {
	doctor string
	day    string
	fees   []models.BillingRecord
	visits []models.BillingRecord
	stats  VisitStats
	recIDs []string
}

// Validate groups records by (doctor, day) and checks thresholds, the daily
// cap and missed billing opportunities. Group order is deterministic (sorted
// key); fee order inside a group follows insertion order.
func (r *OfficeFeeRule) Validate(in *Input) ([]Draft, error) {
	groups := map[string]*officeFeeGroup{}
	feeSeen := false

	for _, rec := range in.Records {
		if rec.DoctorInfo == "" || rec.DateService.IsZero() {
			continue
		}
		key := groupKey(rec.DoctorInfo, dayKey(rec.DateService))
		g, ok := groups[key]
		if !ok {
			g = &officeFeeGroup{doctor: rec.DoctorInfo, day: dayKey(rec.DateService)}
			groups[key] = g
		}
		g.recIDs = append(g.recIDs, rec.ID)
		if rec.Code == code19928 || rec.Code == code19929 {
			g.fees = append(g.fees, rec)
			feeSeen = true
		} else {
			g.visits = append(g.visits, rec)
		}
	}
	if len(groups) == 0 {
		return nil, nil
	}

	var drafts []Draft
	groupCount := 0
	feeCount := 0
	for _, key := range sortedKeys(groups) {
		g := groups[key]
		g.stats = visitStats(g.visits)
		if len(g.fees) == 0 && g.stats.registered() == 0 && g.stats.walkIn() == 0 {
			continue
		}
		groupCount++
		feeCount += len(g.fees)
		drafts = append(drafts, r.validateGroup(g)...)
	}

	if feeSeen || groupCount > 0 {
		summary := fmt.Sprintf(
			"Frais de bureau: %d groupe(s) médecin-jour analysé(s), %d forfait(s) 19928/19929 facturé(s).",
			groupCount, feeCount)
		drafts = append(drafts, Draft{
			RuleID:   OfficeFeeRuleID,
			Severity: models.SeverityInfo,
			Category: officeFeeCategory,
			Message:  summary,
			RuleData: OfficeFeeData{MonetaryImpact: 0},
		})
	}
	return drafts, nil
}

// visitStats classifies distinct patients of one doctor-day. A patient with
// any walk-in tagged record that day counts as walk-in; a patient with any
// paid record counts as paid.
func visitStats(visits []models.BillingRecord) VisitStats {
	type patientState struct {
		walkIn bool
		paid   bool
	}
	patients := map[string]*patientState{}
	for _, rec := range visits {
		if rec.Patient == "" {
			continue
		}
		st, ok := patients[rec.Patient]
		if !ok {
			st = &patientState{}
			patients[rec.Patient] = st
		}
		if rec.HasContext(walkInTags...) {
			st.walkIn = true
		}
		if rec.Paid() {
			st.paid = true
		}
	}

	var stats VisitStats
	for _, st := range patients {
		switch {
		case st.walkIn && st.paid:
			stats.WalkInPaid++
		case st.walkIn:
			stats.WalkInUnpaid++
		case st.paid:
			stats.RegisteredPaid++
		default:
			stats.RegisteredUnpaid++
		}
	}
	return stats
}

func (r *OfficeFeeRule) validateGroup(g *officeFeeGroup) []Draft {
	var drafts []Draft
	doctor := redactDoctorName(g.doctor)

	billed := map[string]bool{}
	var dailyTotal models.Money
	allPaid := len(g.fees) > 0
	var unpaidInvoices []string
	var feeIDs []string

	for _, fee := range g.fees {
		billed[fee.Code] = true
		dailyTotal += amount(fee.MontantPreliminaire)
		feeIDs = append(feeIDs, fee.ID)
		if !fee.Paid() {
			allPaid = false
			unpaidInvoices = append(unpaidInvoices, invoiceRef(fee))
		}

		drafts = append(drafts, r.validateFee(g, fee, doctor)...)
	}

	// Daily cap on the office-fee total.
	if dailyTotal > dailyFeeCap {
		overage := dailyTotal - dailyFeeCap
		data := OfficeFeeData{
			Doctor:     doctor,
			Date:       g.day,
			DailyTotal: dailyTotal.String(),
			Overage:    overage.French(),
			VisitStats: g.stats,
		}
		if allPaid {
			data.MonetaryImpact = 0
			drafts = append(drafts, Draft{
				RuleID:   OfficeFeeRuleID,
				Severity: models.SeverityWarning,
				Category: officeFeeCategory,
				Message: fmt.Sprintf(
					"%s: total des frais de bureau de %s le %s dépasse le maximum quotidien de %s, mais tous les forfaits sont payés. Vérifiez la qualité des données: la RAMQ ne paie normalement pas au-delà du plafond.",
					doctor, dailyTotal.French(), g.day, dailyFeeCap.French()),
				AffectedRecords: feeIDs,
				RuleData:        data,
			})
		} else {
			data.MonetaryImpact = -overage.Float()
			data.UnpaidInvoices = unpaidInvoices
			drafts = append(drafts, Draft{
				RuleID:   OfficeFeeRuleID,
				Severity: models.SeverityError,
				Category: officeFeeCategory,
				Message: fmt.Sprintf(
					"%s: total des frais de bureau de %s le %s dépasse le maximum quotidien de %s (excédent de %s).",
					doctor, dailyTotal.French(), g.day, dailyFeeCap.French(), overage.French()),
				Solution: strptr(fmt.Sprintf(
					"Annulez les factures impayées en excédent: %s.",
					strings.Join(unpaidInvoices, ", "))),
				AffectedRecords: feeIDs,
				RuleData:        data,
			})
		}
	}

	drafts = append(drafts, r.optimizations(g, doctor, billed)...)
	return drafts
}

// validateFee checks the eligibility threshold of one billed forfait.
func (r *OfficeFeeRule) validateFee(g *officeFeeGroup, fee models.BillingRecord, doctor string) []Draft {
	thresholds := officeFeeThresholds[fee.Code]
	isWalkIn := fee.HasContext(walkInTags...)
	recID := fee.ID

	var drafts []Draft
	if isWalkIn {
		if g.stats.walkIn() < thresholds.walkIn {
			drafts = append(drafts, Draft{
				RuleID:          OfficeFeeRuleID,
				BillingRecordID: &recID,
				IDRamq:          idRamqPtr(fee),
				Severity:        models.SeverityError,
				Category:        officeFeeCategory,
				Message: fmt.Sprintf(
					"%s: forfait %s facturé le %s en sans rendez-vous avec %d patient(s), seuil requis de %d.",
					doctor, fee.Code, g.day, g.stats.walkIn(), thresholds.walkIn),
				Solution:        strptr("Annulez le forfait ou vérifiez le nombre de patients sans rendez-vous de la journée."),
				AffectedRecords: []string{recID},
				RuleData: OfficeFeeData{
					MonetaryImpact: 0,
					Doctor:         doctor,
					Date:           g.day,
					Code:           fee.Code,
					VisitStats:     g.stats,
				},
			})
		}
		return drafts
	}

	if g.stats.registered() < thresholds.registered {
		draft := Draft{
			RuleID:          OfficeFeeRuleID,
			BillingRecordID: &recID,
			IDRamq:          idRamqPtr(fee),
			Severity:        models.SeverityError,
			Category:        officeFeeCategory,
			Message: fmt.Sprintf(
				"%s: forfait %s facturé le %s avec %d patient(s) inscrits, seuil requis de %d.",
				doctor, fee.Code, g.day, g.stats.registered(), thresholds.registered),
			Solution:        strptr("Annulez le forfait ou vérifiez le nombre de patients inscrits de la journée."),
			AffectedRecords: []string{recID},
			RuleData: OfficeFeeData{
				MonetaryImpact: 0,
				Doctor:         doctor,
				Date:           g.day,
				Code:           fee.Code,
				VisitStats:     g.stats,
			},
		}

		// The registered threshold is unmet, but the walk-in volume would
		// qualify this forfait if it carried the required context tag.
		if g.stats.walkIn() >= thresholds.walkIn {
			draft.Severity = models.SeverityOptimization
			impact := amount(fee.MontantPreliminaire)
			draft.Message = fmt.Sprintf(
				"%s: forfait %s du %s facturé sans contexte sans rendez-vous alors que %d patient(s) sans rendez-vous le qualifient.",
				doctor, fee.Code, g.day, g.stats.walkIn())
			draft.Solution = strptr("Ajoutez l'élément de contexte #G160 ou #AR au forfait pour refléter la clientèle sans rendez-vous.")
			draft.RuleData = OfficeFeeData{
				MonetaryImpact: impact.Float(),
				Doctor:         doctor,
				Date:           g.day,
				Code:           fee.Code,
				VisitStats:     g.stats,
			}
		}
		drafts = append(drafts, draft)
	}
	return drafts
}

// optimizations flags eligibility that exceeds what was billed.
func (r *OfficeFeeRule) optimizations(g *officeFeeGroup, doctor string, billed map[string]bool) []Draft {
	var drafts []Draft
	stats := g.stats
	sample := sampleIDs(g.recIDs)

	suggest := func(code string, gain models.Money, walkIn bool, message string) {
		data := OfficeFeeData{
			MonetaryImpact: gain.Float(),
			Doctor:         doctor,
			Date:           g.day,
			SuggestedCode:  code,
			VisitStats:     stats,
		}
		solution := fmt.Sprintf("Facturez le forfait %s (%s) pour cette journée.", code, gain.French())
		if walkIn {
			solution += " N'oubliez pas l'élément de contexte #G160 ou #AR."
		}
		drafts = append(drafts, Draft{
			RuleID:          OfficeFeeRuleID,
			Severity:        models.SeverityOptimization,
			Category:        officeFeeCategory,
			Message:         message,
			Solution:        strptr(solution),
			AffectedRecords: sample,
			RuleData:        data,
		})
	}

	if !billed[code19928] && !billed[code19929] {
		switch {
		case stats.registered() >= officeFeeThresholds[code19929].registered:
			suggest(code19929, tariff19929, false, fmt.Sprintf(
				"%s: %d patients inscrits le %s, admissible au forfait 19929 non facturé.",
				doctor, stats.registered(), g.day))
		case stats.registered() >= officeFeeThresholds[code19928].registered:
			suggest(code19928, tariff19928, false, fmt.Sprintf(
				"%s: %d patients inscrits le %s, admissible au forfait 19928 non facturé.",
				doctor, stats.registered(), g.day))
		}
		switch {
		case stats.walkIn() >= officeFeeThresholds[code19929].walkIn:
			suggest(code19929, tariff19929, true, fmt.Sprintf(
				"%s: %d patients sans rendez-vous le %s, admissible au forfait 19929 non facturé.",
				doctor, stats.walkIn(), g.day))
		case stats.walkIn() >= officeFeeThresholds[code19928].walkIn:
			suggest(code19928, tariff19928, true, fmt.Sprintf(
				"%s: %d patients sans rendez-vous le %s, admissible au forfait 19928 non facturé.",
				doctor, stats.walkIn(), g.day))
		}
		return drafts
	}

	// 19928 billed while the volume qualifies the higher 19929.
	if billed[code19928] && !billed[code19929] {
		if stats.registered() >= officeFeeThresholds[code19929].registered ||
			stats.walkIn() >= officeFeeThresholds[code19929].walkIn {
			gain := tariff19929 - tariff19928
			suggest(code19929, gain, stats.registered() < officeFeeThresholds[code19929].registered, fmt.Sprintf(
				"%s: volume du %s admissible au forfait 19929, seul le 19928 a été facturé.",
				doctor, g.day))
		}
	}
	return drafts
}

func invoiceRef(rec models.BillingRecord) string {
	if rec.IDRamq != "" {
		return rec.IDRamq
	}
	return rec.Facture
}

func idRamqPtr(rec models.BillingRecord) *string {
	if rec.IDRamq == "" {
		return nil
	}
	v := rec.IDRamq
	return &v
}
