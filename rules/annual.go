package rules

import (
	"fmt"
	"sort"
	"strings"

	"ramqval.facturis.org/models"
)

// Annual billing-code rule: codes whose leaf marks them as annual ("Visite de
// prise en charge", "Visite périodique") may be billed once per patient per
// calendar year.

const (
	AnnualRuleID   = "annual_billing_code"
	annualCategory = "annual_codes"
)

// annualLeaves selects the annual code cohort from the reference data.
var annualLeaves = map[string]bool{
	"Visite de prise en charge": true,
	"Visite périodique":         true,
}

// AnnualData is the rule-specific payload for annual-code findings.
type AnnualData struct {
	MonetaryImpact    float64  `json:"monetaryImpact"`
	Code              string   `json:"code"`
	Year              int      `json:"year"`
	PaidInvoices      []string `json:"paidInvoices,omitempty"`
	UnpaidInvoices    []string `json:"unpaidInvoices,omitempty"`
	PaidDates         []string `json:"paidDates,omitempty"`
	UnpaidDates       []string `json:"unpaidDates,omitempty"`
	TotalUnpaidAmount float64  `json:"totalUnpaidAmount,omitempty"`
	Occurrences       int      `json:"occurrences"`
}

// AnnualRule validates once-per-year billing codes.
type AnnualRule struct{}

func (r *AnnualRule) ID() string       { return AnnualRuleID }
func (r *AnnualRule) Name() string     { return "Codes de facturation annuels" }
func (r *AnnualRule) Category() string { return annualCategory }

// Validate groups annual-code records by (patient, calendar year). Singles
// aggregate into the info summary; duplicates classify by payment status.
func (r *AnnualRule) Validate(in *Input) ([]Draft, error) {
	annualCodes := map[string]models.Code{}
	for code, ref := range in.Refs.CodesByCode {
		if annualLeaves[ref.Leaf] {
			annualCodes[code] = ref
		}
	}
	if len(annualCodes) == 0 {
		return nil, nil
	}

	groups := map[string][]models.BillingRecord{}
	for _, rec := range in.Records {
		if _, ok := annualCodes[rec.Code]; !ok {
			continue
		}
		if rec.Patient == "" || rec.DateService.IsZero() {
			continue
		}
		key := groupKey(rec.Patient, fmt.Sprintf("%d", rec.DateService.Year()), rec.Code)
		groups[key] = append(groups[key], rec)
	}
	if len(groups) == 0 {
		return nil, nil
	}

	var drafts []Draft
	singleCount := 0
	var singleIDs []string

	for _, key := range sortedKeys(groups) {
		recs := groups[key]
		sort.SliceStable(recs, func(i, j int) bool {
			return recs[i].DateService.Before(recs[j].DateService)
		})

		if len(recs) == 1 {
			singleCount++
			singleIDs = append(singleIDs, recs[0].ID)
			continue
		}
		drafts = append(drafts, r.validateDuplicates(recs, annualCodes[recs[0].Code])...)
	}

	summary := fmt.Sprintf(
		"Codes annuels: %d groupe(s) patient-année analysé(s), %d conforme(s) avec facturation unique.",
		len(groups), singleCount)
	drafts = append(drafts, Draft{
		RuleID:          AnnualRuleID,
		Severity:        models.SeverityInfo,
		Category:        annualCategory,
		Message:         summary,
		AffectedRecords: sampleIDs(singleIDs),
		RuleData:        AnnualData{MonetaryImpact: 0, Occurrences: singleCount},
	})
	return drafts, nil
}

func (r *AnnualRule) validateDuplicates(recs []models.BillingRecord, ref models.Code) []Draft {
	var paid, unpaid []models.BillingRecord
	for _, rec := range recs {
		if rec.Paid() {
			paid = append(paid, rec)
		} else {
			unpaid = append(unpaid, rec)
		}
	}

	year := recs[0].DateService.Year()
	code := recs[0].Code
	ids := make([]string, 0, len(recs))
	for _, rec := range recs {
		ids = append(ids, rec.ID)
	}

	data := AnnualData{
		Code:        code,
		Year:        year,
		Occurrences: len(recs),
	}
	for _, rec := range paid {
		data.PaidInvoices = append(data.PaidInvoices, invoiceRef(rec))
		data.PaidDates = append(data.PaidDates, dayKey(rec.DateService))
	}
	var totalUnpaid models.Money
	for _, rec := range unpaid {
		data.UnpaidInvoices = append(data.UnpaidInvoices, invoiceRef(rec))
		data.UnpaidDates = append(data.UnpaidDates, dayKey(rec.DateService))
		totalUnpaid += amount(rec.MontantPreliminaire)
	}
	data.TotalUnpaidAmount = totalUnpaid.Float()

	first := recs[0]
	recID := first.ID

	switch {
	case len(paid) > 1:
		// Multiple payments of an annual code: RAMQ already overpaid.
		data.MonetaryImpact = 0
		return []Draft{{
			RuleID:          AnnualRuleID,
			BillingRecordID: &recID,
			IDRamq:          idRamqPtr(first),
			Severity:        models.SeverityError,
			Category:        annualCategory,
			Message: fmt.Sprintf(
				"Code annuel %s payé %d fois en %d pour le même patient.",
				code, len(paid), year),
			Solution:        strptr("Contactez la RAMQ: un code annuel ne devrait être payé qu'une fois par année civile."),
			AffectedRecords: ids,
			RuleData:        data,
		}}
	case len(paid) == 1:
		data.MonetaryImpact = 0
		return []Draft{{
			RuleID:          AnnualRuleID,
			BillingRecordID: &recID,
			IDRamq:          idRamqPtr(first),
			Severity:        models.SeverityError,
			Category:        annualCategory,
			Message: fmt.Sprintf(
				"Code annuel %s facturé %d fois en %d; une seule facture est payée.",
				code, len(recs), year),
			Solution: strptr(fmt.Sprintf(
				"Annulez les factures impayées: %s.",
				strings.Join(data.UnpaidInvoices, ", "))),
			AffectedRecords: ids,
			RuleData:        data,
		}}
	default:
		// All unpaid: one of them may still be payable.
		tariff := amount(ref.TariffValue)
		data.MonetaryImpact = tariff.Float()
		return []Draft{{
			RuleID:          AnnualRuleID,
			BillingRecordID: &recID,
			IDRamq:          idRamqPtr(first),
			Severity:        models.SeverityError,
			Category:        annualCategory,
			Message: fmt.Sprintf(
				"Code annuel %s facturé %d fois en %d, aucune facture payée.",
				code, len(recs), year),
			Solution:        strptr("Validez la raison du refus auprès de la RAMQ; une facturation demeure potentiellement payable."),
			AffectedRecords: ids,
			RuleData:        data,
		}}
	}
}
