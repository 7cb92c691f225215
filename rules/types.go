// Package rules implements the RAMQ billing-rule catalogue: the hard-coded
// domain rules (office fees, annual codes, GMF forfait 8875, intervention
// clinique limits, visit-duration optimization) and the generic handlers that
// execute data-driven rows from the rules table.
//
// Conventions shared by every rule: messages are in Quebec French; every
// finding carries a monetary impact whose sign reflects direction (positive =
// potential gain, negative = loss, zero = informational); dates are compared
// by calendar day; context tags are matched by exact equality after splitting
// on commas — substring matching is forbidden. Each rule emits at least one
// info summary whenever its domain is represented in the data.
package rules

import (
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"

	"ramqval.facturis.org/models"
)

// Input is the read-only data set a rule validates. Rules must not mutate
// Records.
type Input struct {
	RunID   string
	Records []models.BillingRecord
	Refs    *RefData
}

// RefData is the reference-data snapshot consulted by rules, built from the
// cache before an engine run.
type RefData struct {
	CodesByCode            map[string]models.Code
	EstablishmentsByNumero map[string]models.Establishment
}

// BuildRefData indexes reference collections for rule lookups.
func BuildRefData(codes []models.Code, establishments []models.Establishment) *RefData {
	refs := &RefData{
		CodesByCode:            make(map[string]models.Code, len(codes)),
		EstablishmentsByNumero: make(map[string]models.Establishment, len(establishments)),
	}
	for _, c := range codes {
		refs.CodesByCode[c.Code] = c
	}
	for _, e := range establishments {
		refs.EstablishmentsByNumero[e.Numero] = e
	}
	return refs
}

// Draft is a validation result before persistence (no id, no timestamp).
//
// AffectedRecords carries the complete implicated record set for
// error/warning/optimization findings; for info summaries it is a
// representative sample capped at ten ids.
type Draft struct {
	RuleID          string
	BillingRecordID *string
	IDRamq          *string
	Severity        models.Severity
	Category        string
	Message         string
	Solution        *string
	AffectedRecords []string
	RuleData        interface{}
}

// infoSampleLimit caps AffectedRecords on info summaries.
const infoSampleLimit = 10

// sampleIDs truncates a record-id list for info summaries.
func sampleIDs(ids []string) []string {
	if len(ids) <= infoSampleLimit {
		return ids
	}
	return ids[:infoSampleLimit]
}

func strptr(s string) *string { return &s }

// dayKey formats a service date as a calendar-day grouping key.
func dayKey(t time.Time) string {
	return t.Format("2006-01-02")
}

// amount parses a stored decimal string, treating malformed values as zero so
// one bad row never aborts a whole rule.
func amount(s string) models.Money {
	m, err := models.ParseMoney(s)
	if err != nil {
		return 0
	}
	return m
}

// redactDoctorName reduces a doctor display string to "Dr. X***" for use in
// result messages. The raw identifier stays out of every message body.
func redactDoctorName(doctorInfo string) string {
	initial := byte('X')
	for _, token := range strings.Fields(doctorInfo) {
		clean := strings.TrimFunc(token, func(r rune) bool { return !unicode.IsLetter(r) })
		if clean == "" {
			continue
		}
		lower := strings.ToLower(clean)
		if lower == "dr" || lower == "dre" || lower == "dr." {
			continue
		}
		initial = clean[0]
		break
	}
	return fmt.Sprintf("Dr. %c***", unicode.ToUpper(rune(initial)))
}

// sortedKeys returns map keys in deterministic order so rule output order is
// stable for a given input.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// groupKey joins grouping fields.
func groupKey(parts ...string) string {
	return strings.Join(parts, "|")
}
