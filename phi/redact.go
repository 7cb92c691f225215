// Package phi is the PHI protection layer. The rule engine always sees full
// data; this package redacts at the API boundary and scrubs outbound telemetry.
//
// Patient identifiers are replaced by deterministic salted-hash tokens so the
// same patient always yields the same token, enabling grouping analytics
// without identity leak. The RAMQ invoice id is never redacted: it is
// business-critical for billing corrections.
package phi

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"ramqval.facturis.org/models"
)

// RedactedDoctor replaces physician identifiers at the boundary.
const RedactedDoctor = "[REDACTED]"

// Redactor holds the process-wide hashing salt, read once from configuration.
type Redactor struct {
	salt string
}

// NewRedactor builds a redactor with the configured salt.
func NewRedactor(salt string) *Redactor {
	return &Redactor{salt: salt}
}

// PatientToken derives the boundary token for a patient identifier:
// "[PATIENT-xxxxxxxx]" where xxxxxxxx is the first 8 hex characters of
// SHA-256(salt || patient). Deterministic per (salt, patient).
func (r *Redactor) PatientToken(patient string) string {
	sum := sha256.Sum256([]byte(r.salt + patient))
	return fmt.Sprintf("[PATIENT-%s]", hex.EncodeToString(sum[:])[:8])
}

// RedactRecord returns a copy of the record with PHI fields replaced when
// enabled. IDRamq is left intact.
func (r *Redactor) RedactRecord(rec models.BillingRecord, enabled bool) models.BillingRecord {
	if !enabled {
		return rec
	}
	out := rec
	if out.Patient != "" {
		out.Patient = r.PatientToken(rec.Patient)
	}
	if out.DoctorInfo != "" {
		out.DoctorInfo = RedactedDoctor
	}
	// Unknown CSV columns may carry anything; they never cross the boundary
	// redacted reads.
	out.CustomFields = nil
	return out
}

// RedactRecords redacts a slice of records.
func (r *Redactor) RedactRecords(records []models.BillingRecord, enabled bool) []models.BillingRecord {
	if !enabled {
		return records
	}
	out := make([]models.BillingRecord, len(records))
	for i, rec := range records {
		out[i] = r.RedactRecord(rec, true)
	}
	return out
}

// RedactResult returns a copy of the result with PHI-bearing message text
// swept when enabled. Rule messages are written PHI-safe by construction
// (doctor names already reduced to "Dr. X***"), so only the pattern sweep is
// applied as a second line of defense.
func (r *Redactor) RedactResult(res models.ValidationResult, enabled bool) models.ValidationResult {
	if !enabled {
		return res
	}
	out := res
	out.Message = SweepMessage(res.Message)
	if res.Solution != nil {
		swept := SweepMessage(*res.Solution)
		out.Solution = &swept
	}
	return out
}

// RedactResults redacts a slice of results.
func (r *Redactor) RedactResults(results []models.ValidationResult, enabled bool) []models.ValidationResult {
	if !enabled {
		return results
	}
	out := make([]models.ValidationResult, len(results))
	for i, res := range results {
		out[i] = r.RedactResult(res, true)
	}
	return out
}
