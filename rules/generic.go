package rules

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"ramqval.facturis.org/models"
)

// Generic data-driven rule handlers. Rows of the rules table carry a ruleType
// discriminator; each type has its own parameter shape inside the row's
// condition JSON. Unknown types fail construction so the engine can log and
// skip them.

// Supported ruleType discriminators.
const (
	TypeProhibition         = "prohibition"
	TypeTimeRestriction     = "time_restriction"
	TypeRequirement         = "requirement"
	TypeLocationRestriction = "location_restriction"
	TypeAgeRestriction      = "age_restriction"
	TypeAmountLimit         = "amount_limit"
	TypeMutualExclusion     = "mutual_exclusion"
	TypeMissingAnnual       = "missing_annual_opportunity"
	TypeAnnualLimit         = "annual_limit"
)

// ErrUnknownRuleType marks a rules-table row the engine cannot execute.
type ErrUnknownRuleType struct {
	RuleID   string
	RuleType string
}

func (e *ErrUnknownRuleType) Error() string {
	return fmt.Sprintf("unknown rule type %q on rule %s", e.RuleType, e.RuleID)
}

// GenericData is the payload attached to findings of data-driven rules.
type GenericData struct {
	MonetaryImpact float64  `json:"monetaryImpact"`
	RuleType       string   `json:"ruleType"`
	Codes          []string `json:"codes,omitempty"`
	GroupValue     string   `json:"groupValue,omitempty"`
	Threshold      float64  `json:"threshold,omitempty"`
	Actual         float64  `json:"actual,omitempty"`
	Detail         string   `json:"detail,omitempty"`
}

type prohibitionParams struct {
	Codes []string `json:"codes"`
}

type timeRestrictionParams struct {
	Codes  []string `json:"codes"`
	After  string   `json:"after"`  // earliest allowed debut, HH:MM
	Before string   `json:"before"` // latest allowed debut, HH:MM
}

type requirementParams struct {
	Codes           []string `json:"codes"`
	RequiredContext string   `json:"requiredContext"`
}

type locationParams struct {
	Codes                 []string `json:"codes"`
	RequireEP33           *bool    `json:"requireEp33,omitempty"`
	AllowedEstablishments []string `json:"allowedEstablishments,omitempty"`
}

type ageParams struct {
	Codes  []string `json:"codes"`
	MinAge *int     `json:"minAge,omitempty"`
	MaxAge *int     `json:"maxAge,omitempty"`
}

type amountLimitParams struct {
	Codes   []string `json:"codes"`
	GroupBy string   `json:"groupBy"` // doctor_day, patient_day or facture
}

type mutualExclusionParams struct {
	GroupA []string `json:"groupA"`
	GroupB []string `json:"groupB"`
	Window string   `json:"window"` // facture or same_day
}

type missingAnnualParams struct {
	TargetCode       string   `json:"targetCode"`
	QualifyingCodes  []string `json:"qualifyingCodes"`
	Amount           float64  `json:"amount"`
	ExcludedContexts []string `json:"excludedContexts,omitempty"`
	RequireEP33      bool     `json:"requireEp33,omitempty"`
}

type annualLimitParams struct {
	Codes      []string `json:"codes"`
	MaxPerYear int      `json:"maxPerYear"`
}

// GenericRule executes one data-driven rules-table row.
type GenericRule struct {
	rule     models.Rule
	validate func(in *Input) ([]Draft, error)
}

func (r *GenericRule) ID() string       { return r.rule.ID }
func (r *GenericRule) Name() string     { return r.rule.Name }
func (r *GenericRule) Category() string { return r.rule.RuleType }

// Validate runs the type-specific handler.
func (r *GenericRule) Validate(in *Input) ([]Draft, error) {
	return r.validate(in)
}

// NewGenericRule builds the handler for one rules-table row, parsing its
// condition JSON against the shape its ruleType demands.
func NewGenericRule(rule models.Rule) (*GenericRule, error) {
	decode := func(dest interface{}) error {
		data, err := json.Marshal(map[string]interface{}(rule.Condition))
		if err != nil {
			return fmt.Errorf("rule %s: bad condition: %w", rule.ID, err)
		}
		if err := json.Unmarshal(data, dest); err != nil {
			return fmt.Errorf("rule %s: bad condition: %w", rule.ID, err)
		}
		return nil
	}

	g := &GenericRule{rule: rule}
	switch rule.RuleType {
	case TypeProhibition:
		var p prohibitionParams
		if err := decode(&p); err != nil {
			return nil, err
		}
		g.validate = func(in *Input) ([]Draft, error) { return g.prohibition(in, p) }
	case TypeTimeRestriction:
		var p timeRestrictionParams
		if err := decode(&p); err != nil {
			return nil, err
		}
		g.validate = func(in *Input) ([]Draft, error) { return g.timeRestriction(in, p) }
	case TypeRequirement:
		var p requirementParams
		if err := decode(&p); err != nil {
			return nil, err
		}
		g.validate = func(in *Input) ([]Draft, error) { return g.requirement(in, p) }
	case TypeLocationRestriction:
		var p locationParams
		if err := decode(&p); err != nil {
			return nil, err
		}
		g.validate = func(in *Input) ([]Draft, error) { return g.location(in, p) }
	case TypeAgeRestriction:
		var p ageParams
		if err := decode(&p); err != nil {
			return nil, err
		}
		g.validate = func(in *Input) ([]Draft, error) { return g.age(in, p) }
	case TypeAmountLimit:
		var p amountLimitParams
		if err := decode(&p); err != nil {
			return nil, err
		}
		g.validate = func(in *Input) ([]Draft, error) { return g.amountLimit(in, p) }
	case TypeMutualExclusion:
		var p mutualExclusionParams
		if err := decode(&p); err != nil {
			return nil, err
		}
		g.validate = func(in *Input) ([]Draft, error) { return g.mutualExclusion(in, p) }
	case TypeMissingAnnual:
		var p missingAnnualParams
		if err := decode(&p); err != nil {
			return nil, err
		}
		g.validate = func(in *Input) ([]Draft, error) { return g.missingAnnual(in, p) }
	case TypeAnnualLimit:
		var p annualLimitParams
		if err := decode(&p); err != nil {
			return nil, err
		}
		g.validate = func(in *Input) ([]Draft, error) { return g.annualLimit(in, p) }
	default:
		return nil, &ErrUnknownRuleType{RuleID: rule.ID, RuleType: rule.RuleType}
	}
	return g, nil
}

func codeSet(codes []string) map[string]bool {
	set := make(map[string]bool, len(codes))
	for _, c := range codes {
		set[c] = true
	}
	return set
}

func (g *GenericRule) draft(severity models.Severity, message string, solution *string, ids []string, data GenericData) Draft {
	data.RuleType = g.rule.RuleType
	var recID *string
	if len(ids) == 1 {
		recID = &ids[0]
	}
	return Draft{
		RuleID:          g.rule.ID,
		BillingRecordID: recID,
		Severity:        severity,
		Category:        g.rule.RuleType,
		Message:         message,
		Solution:        solution,
		AffectedRecords: ids,
		RuleData:        data,
	}
}

// prohibition: the listed codes may not coexist on the same invoice.
func (g *GenericRule) prohibition(in *Input, p prohibitionParams) ([]Draft, error) {
	set := codeSet(p.Codes)
	byFacture := map[string][]models.BillingRecord{}
	for _, rec := range in.Records {
		if set[rec.Code] && rec.Facture != "" {
			byFacture[rec.Facture] = append(byFacture[rec.Facture], rec)
		}
	}

	var drafts []Draft
	for _, facture := range sortedKeys(byFacture) {
		recs := byFacture[facture]
		distinct := map[string]bool{}
		ids := make([]string, 0, len(recs))
		for _, rec := range recs {
			distinct[rec.Code] = true
			ids = append(ids, rec.ID)
		}
		if len(distinct) < 2 {
			continue
		}
		codes := sortedKeys(distinct)
		drafts = append(drafts, g.draft(models.SeverityError,
			fmt.Sprintf("Les codes %s ne peuvent pas coexister sur la facture %s.",
				strings.Join(codes, ", "), facture),
			strptr("Retirez l'un des codes prohibés de la facture."),
			ids,
			GenericData{MonetaryImpact: 0, Codes: codes, GroupValue: facture}))
	}
	return drafts, nil
}

// timeRestriction: debut must fall inside [After, Before].
func (g *GenericRule) timeRestriction(in *Input, p timeRestrictionParams) ([]Draft, error) {
	set := codeSet(p.Codes)
	after, afterOK := minutesOfDay(p.After)
	before, beforeOK := minutesOfDay(p.Before)

	var drafts []Draft
	for _, rec := range in.Records {
		if !set[rec.Code] || rec.Debut == "" {
			continue
		}
		start, ok := minutesOfDay(rec.Debut)
		if !ok {
			continue
		}
		violation := (afterOK && start < after) || (beforeOK && start > before)
		if !violation {
			continue
		}
		drafts = append(drafts, g.draft(models.SeverityError,
			fmt.Sprintf("Le code %s facturé à %s est hors de la plage horaire permise (%s à %s).",
				rec.Code, rec.Debut, p.After, p.Before),
			strptr("Vérifiez l'heure de service ou utilisez le code approprié à cette plage horaire."),
			[]string{rec.ID},
			GenericData{MonetaryImpact: 0, Codes: []string{rec.Code}, Detail: rec.Debut}))
	}
	return drafts, nil
}

// requirement: the listed codes demand a context tag.
func (g *GenericRule) requirement(in *Input, p requirementParams) ([]Draft, error) {
	set := codeSet(p.Codes)
	var drafts []Draft
	for _, rec := range in.Records {
		if !set[rec.Code] {
			continue
		}
		if rec.HasContext(p.RequiredContext) {
			continue
		}
		drafts = append(drafts, g.draft(models.SeverityError,
			fmt.Sprintf("Le code %s requiert l'élément de contexte %s.", rec.Code, p.RequiredContext),
			strptr(fmt.Sprintf("Ajoutez l'élément de contexte %s à la facture.", p.RequiredContext)),
			[]string{rec.ID},
			GenericData{MonetaryImpact: 0, Codes: []string{rec.Code}, Detail: p.RequiredContext}))
	}
	return drafts, nil
}

// location: the listed codes are restricted to matching establishments.
func (g *GenericRule) location(in *Input, p locationParams) ([]Draft, error) {
	set := codeSet(p.Codes)
	allowed := codeSet(p.AllowedEstablishments)

	var drafts []Draft
	for _, rec := range in.Records {
		if !set[rec.Code] || rec.LieuPratique == "" {
			continue
		}
		ok := true
		if len(allowed) > 0 {
			ok = allowed[rec.LieuPratique]
		}
		if ok && p.RequireEP33 != nil {
			est, found := in.Refs.EstablishmentsByNumero[rec.LieuPratique]
			ok = found && est.EP33 == *p.RequireEP33
		}
		if ok {
			continue
		}
		drafts = append(drafts, g.draft(models.SeverityError,
			fmt.Sprintf("Le code %s n'est pas permis au lieu de pratique %s.", rec.Code, rec.LieuPratique),
			strptr("Vérifiez le lieu de pratique ou le code de facturation."),
			[]string{rec.ID},
			GenericData{MonetaryImpact: 0, Codes: []string{rec.Code}, GroupValue: rec.LieuPratique}))
	}
	return drafts, nil
}

// age: the listed codes demand a patient-age range. Records whose patient
// identifier carries no parseable NAM are skipped.
func (g *GenericRule) age(in *Input, p ageParams) ([]Draft, error) {
	set := codeSet(p.Codes)
	var drafts []Draft
	for _, rec := range in.Records {
		if !set[rec.Code] || rec.DateService.IsZero() {
			continue
		}
		age, ok := ageFromPatient(rec.Patient, rec.DateService)
		if !ok {
			continue
		}
		if (p.MinAge != nil && age < *p.MinAge) || (p.MaxAge != nil && age > *p.MaxAge) {
			drafts = append(drafts, g.draft(models.SeverityError,
				fmt.Sprintf("Le code %s exige un âge entre %s et %s; le patient a %d ans à la date de service.",
					rec.Code, ageBound(p.MinAge, "0"), ageBound(p.MaxAge, "∞"), age),
				strptr("Vérifiez le code de facturation pour ce groupe d'âge."),
				[]string{rec.ID},
				GenericData{MonetaryImpact: 0, Codes: []string{rec.Code}, Actual: float64(age)}))
		}
	}
	return drafts, nil
}

func ageBound(v *int, def string) string {
	if v == nil {
		return def
	}
	return fmt.Sprintf("%d", *v)
}

// amountLimit: the preliminary-amount sum per grouping key must not exceed the
// rule threshold.
func (g *GenericRule) amountLimit(in *Input, p amountLimitParams) ([]Draft, error) {
	if g.rule.Threshold == nil {
		return nil, fmt.Errorf("rule %s: amount_limit requires a threshold", g.rule.ID)
	}
	threshold := models.MoneyFromFloat(*g.rule.Threshold)
	set := codeSet(p.Codes)

	key := func(rec models.BillingRecord) string {
		switch p.GroupBy {
		case "patient_day":
			return groupKey(rec.Patient, dayKey(rec.DateService))
		case "facture":
			return rec.Facture
		default: // doctor_day
			return groupKey(rec.DoctorInfo, dayKey(rec.DateService))
		}
	}

	groups := map[string][]models.BillingRecord{}
	for _, rec := range in.Records {
		if len(set) > 0 && !set[rec.Code] {
			continue
		}
		groups[key(rec)] = append(groups[key(rec)], rec)
	}

	var drafts []Draft
	for _, k := range sortedKeys(groups) {
		recs := groups[k]
		var total models.Money
		ids := make([]string, 0, len(recs))
		for _, rec := range recs {
			total += amount(rec.MontantPreliminaire)
			ids = append(ids, rec.ID)
		}
		if total <= threshold {
			continue
		}
		overage := total - threshold
		drafts = append(drafts, g.draft(models.SeverityError,
			fmt.Sprintf("Total facturé de %s dépasse la limite de %s (excédent de %s).",
				total.French(), threshold.French(), overage.French()),
			strptr("Annulez ou corrigez les factures en excédent."),
			ids,
			GenericData{
				MonetaryImpact: -overage.Float(),
				Threshold:      threshold.Float(),
				Actual:         total.Float(),
				GroupValue:     k,
			}))
	}
	return drafts, nil
}

// mutualExclusion: two code sets may not both appear inside the grouping
// window.
func (g *GenericRule) mutualExclusion(in *Input, p mutualExclusionParams) ([]Draft, error) {
	setA := codeSet(p.GroupA)
	setB := codeSet(p.GroupB)

	key := func(rec models.BillingRecord) string {
		if p.Window == "facture" {
			return rec.Facture
		}
		return groupKey(rec.Patient, dayKey(rec.DateService)) // same_day
	}

	type bucket struct {
		a, b []models.BillingRecord
	}
	groups := map[string]*bucket{}
	for _, rec := range in.Records {
		inA, inB := setA[rec.Code], setB[rec.Code]
		if !inA && !inB {
			continue
		}
		k := key(rec)
		if k == "" {
			continue
		}
		bkt, ok := groups[k]
		if !ok {
			bkt = &bucket{}
			groups[k] = bkt
		}
		if inA {
			bkt.a = append(bkt.a, rec)
		}
		if inB {
			bkt.b = append(bkt.b, rec)
		}
	}

	var drafts []Draft
	for _, k := range sortedKeys(groups) {
		bkt := groups[k]
		if len(bkt.a) == 0 || len(bkt.b) == 0 {
			continue
		}
		var ids []string
		for _, rec := range append(append([]models.BillingRecord{}, bkt.a...), bkt.b...) {
			ids = append(ids, rec.ID)
		}
		drafts = append(drafts, g.draft(models.SeverityError,
			fmt.Sprintf("Les codes %s et %s sont mutuellement exclusifs dans la même période.",
				strings.Join(p.GroupA, "/"), strings.Join(p.GroupB, "/")),
			strptr("Conservez un seul des deux groupes de codes."),
			ids,
			GenericData{MonetaryImpact: 0, GroupValue: k}))
	}
	return drafts, nil
}

// missingAnnual: generalized forfait missed-opportunity pattern.
func (g *GenericRule) missingAnnual(in *Input, p missingAnnualParams) ([]Draft, error) {
	qualifying := codeSet(p.QualifyingCodes)
	gain := models.MoneyFromFloat(p.Amount)

	billed := map[string]bool{}
	candidates := map[string][]models.BillingRecord{}
	for _, rec := range in.Records {
		if rec.Patient == "" || rec.DateService.IsZero() {
			continue
		}
		k := groupKey(rec.Patient, fmt.Sprintf("%d", rec.DateService.Year()))
		if rec.Code == p.TargetCode {
			billed[k] = true
			continue
		}
		if !qualifying[rec.Code] {
			continue
		}
		if len(p.ExcludedContexts) > 0 && rec.HasContext(p.ExcludedContexts...) {
			continue
		}
		if p.RequireEP33 {
			est, ok := in.Refs.EstablishmentsByNumero[rec.LieuPratique]
			if !ok || !est.EP33 {
				continue
			}
		}
		candidates[k] = append(candidates[k], rec)
	}

	var drafts []Draft
	for _, k := range sortedKeys(candidates) {
		if billed[k] {
			continue
		}
		recs := candidates[k]
		sort.SliceStable(recs, func(i, j int) bool {
			return recs[i].DateService.Before(recs[j].DateService)
		})
		earliest := recs[0]
		ids := make([]string, 0, len(recs))
		for _, rec := range recs {
			ids = append(ids, rec.ID)
		}
		drafts = append(drafts, g.draft(models.SeverityOptimization,
			fmt.Sprintf("Visite admissible le %s sans code %s facturé pour l'année %d.",
				dayKey(earliest.DateService), p.TargetCode, earliest.DateService.Year()),
			strptr(fmt.Sprintf("Facturez le code %s (%s) avec la visite du %s.",
				p.TargetCode, gain.French(), dayKey(earliest.DateService))),
			ids,
			GenericData{MonetaryImpact: gain.Float(), Codes: []string{p.TargetCode}}))
	}
	return drafts, nil
}

// annualLimit: generalized once-per-year constraint.
func (g *GenericRule) annualLimit(in *Input, p annualLimitParams) ([]Draft, error) {
	maxPerYear := p.MaxPerYear
	if maxPerYear < 1 {
		maxPerYear = 1
	}
	set := codeSet(p.Codes)

	groups := map[string][]models.BillingRecord{}
	for _, rec := range in.Records {
		if !set[rec.Code] || rec.Patient == "" || rec.DateService.IsZero() {
			continue
		}
		k := groupKey(rec.Patient, fmt.Sprintf("%d", rec.DateService.Year()), rec.Code)
		groups[k] = append(groups[k], rec)
	}

	var drafts []Draft
	for _, k := range sortedKeys(groups) {
		recs := groups[k]
		if len(recs) <= maxPerYear {
			continue
		}
		ids := make([]string, 0, len(recs))
		for _, rec := range recs {
			ids = append(ids, rec.ID)
		}
		drafts = append(drafts, g.draft(models.SeverityError,
			fmt.Sprintf("Le code %s est facturé %d fois dans l'année; maximum permis de %d.",
				recs[0].Code, len(recs), maxPerYear),
			strptr("Annulez les facturations en excédent."),
			ids,
			GenericData{
				MonetaryImpact: 0,
				Codes:          []string{recs[0].Code},
				Threshold:      float64(maxPerYear),
				Actual:         float64(len(recs)),
			}))
	}
	return drafts, nil
}
