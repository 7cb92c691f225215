package rules

import (
	"fmt"
	"strconv"
	"strings"

	"ramqval.facturis.org/models"
)

// Visit-duration revenue optimization: consultation/visit codes with recorded
// start and end times lasting 30 minutes or more may pay better billed as an
// intervention clinique (8857 base, 8859 per additional period).

const (
	DurationRuleID   = "visit_duration_optimization"
	durationCategory = "visit_duration"

	consultationTopLevel = "B - CONSULTATION, EXAMEN ET VISITE"

	minOptimizableMinutes = 30
	periodMinutes         = 15
)

var (
	interventionBase   = models.Money(5970) // 59,70$ covers the first 30 minutes
	interventionPeriod = models.Money(2985) // 29,85$ per additional 15 minutes
)

// DurationData is the rule-specific payload for visit-duration findings.
type DurationData struct {
	MonetaryImpact   float64  `json:"monetaryImpact"`
	DurationMinutes  int      `json:"durationMinutes,omitempty"`
	BilledAmount     float64  `json:"billedAmount,omitempty"`
	EquivalentAmount float64  `json:"equivalentAmount,omitempty"`
	SuggestedCodes   []string `json:"suggestedCodes,omitempty"`
	VisitsAnalyzed   int      `json:"visitsAnalyzed,omitempty"`
	Opportunities    int      `json:"opportunities,omitempty"`
	TotalPotential   float64  `json:"totalPotential,omitempty"`
}

// DurationRule suggests intervention-clinique billing for long visits.
type DurationRule struct{}

func (r *DurationRule) ID() string       { return DurationRuleID }
func (r *DurationRule) Name() string     { return "Optimisation des visites longues" }
func (r *DurationRule) Category() string { return durationCategory }

// Validate scans consultation-cohort records with both times present, in
// insertion order.
func (r *DurationRule) Validate(in *Input) ([]Draft, error) {
	var drafts []Draft
	analyzed := 0
	opportunities := 0
	var totalPotential models.Money

	for _, rec := range in.Records {
		if rec.Code == "8857" || rec.Code == "8859" {
			continue
		}
		ref, ok := in.Refs.CodesByCode[rec.Code]
		if !ok || ref.TopLevel != consultationTopLevel {
			continue
		}
		if rec.Debut == "" || rec.Fin == "" {
			continue
		}
		minutes, ok := durationMinutes(rec.Debut, rec.Fin)
		if !ok {
			continue
		}
		analyzed++
		if minutes < minOptimizableMinutes {
			continue
		}

		extraPeriods := (minutes - minOptimizableMinutes + periodMinutes - 1) / periodMinutes
		equivalent := interventionBase + interventionPeriod*models.Money(extraPeriods)
		billed := amount(rec.MontantPreliminaire)
		if equivalent <= billed {
			continue
		}

		gain := equivalent - billed
		opportunities++
		totalPotential += gain

		suggested := []string{"8857"}
		if extraPeriods > 0 {
			suggested = []string{"8857", "8859"}
		}

		recID := rec.ID
		drafts = append(drafts, Draft{
			RuleID:          DurationRuleID,
			BillingRecordID: &recID,
			IDRamq:          idRamqPtr(rec),
			Severity:        models.SeverityOptimization,
			Category:        durationCategory,
			Message: fmt.Sprintf(
				"Visite de %d minutes le %s facturée %s; l'équivalent en intervention clinique vaut %s.",
				minutes, dayKey(rec.DateService), billed.French(), equivalent.French()),
			Solution: strptr(fmt.Sprintf(
				"Facturez en intervention clinique (codes %s) pour un gain de %s.",
				strings.Join(suggested, ", "), gain.French())),
			AffectedRecords: []string{recID},
			RuleData: DurationData{
				MonetaryImpact:   gain.Float(),
				DurationMinutes:  minutes,
				BilledAmount:     billed.Float(),
				EquivalentAmount: equivalent.Float(),
				SuggestedCodes:   suggested,
			},
		})
	}

	if analyzed == 0 {
		return drafts, nil
	}
	drafts = append(drafts, Draft{
		RuleID:   DurationRuleID,
		Severity: models.SeverityInfo,
		Category: durationCategory,
		Message: fmt.Sprintf(
			"Durée des visites: %d visite(s) analysée(s), %d occasion(s) d'optimisation pour un potentiel de %s.",
			analyzed, opportunities, totalPotential.French()),
		RuleData: DurationData{
			MonetaryImpact: 0,
			VisitsAnalyzed: analyzed,
			Opportunities:  opportunities,
			TotalPotential: totalPotential.Float(),
		},
	})
	return drafts, nil
}

// durationMinutes computes end-start in minutes, adding 24h on midnight
// crossing.
func durationMinutes(debut, fin string) (int, bool) {
	start, ok := minutesOfDay(debut)
	if !ok {
		return 0, false
	}
	end, ok := minutesOfDay(fin)
	if !ok {
		return 0, false
	}
	d := end - start
	if d < 0 {
		d += 24 * 60
	}
	return d, true
}

func minutesOfDay(s string) (int, bool) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, false
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, false
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, false
	}
	return h*60 + m, true
}
