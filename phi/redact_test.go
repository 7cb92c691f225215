package phi

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ramqval.facturis.org/models"
)

func TestPatientToken(t *testing.T) {
	r := NewRedactor("test-salt")

	t.Run("Deterministic", func(t *testing.T) {
		assert.Equal(t, r.PatientToken("PATIENT-001"), r.PatientToken("PATIENT-001"))
	})

	t.Run("Format", func(t *testing.T) {
		token := r.PatientToken("PATIENT-001")
		assert.Regexp(t, regexp.MustCompile(`^\[PATIENT-[0-9a-f]{8}\]$`), token)
	})

	t.Run("DistinctPatientsDistinctTokens", func(t *testing.T) {
		assert.NotEqual(t, r.PatientToken("PATIENT-001"), r.PatientToken("PATIENT-002"))
	})

	t.Run("SaltChangesToken", func(t *testing.T) {
		other := NewRedactor("other-salt")
		assert.NotEqual(t, r.PatientToken("PATIENT-001"), other.PatientToken("PATIENT-001"))
	})
}

func TestRedactRecord(t *testing.T) {
	r := NewRedactor("test-salt")
	rec := models.BillingRecord{
		ID:         "rec-1",
		Facture:    "F-100",
		IDRamq:     "INV-2025-001",
		Patient:    "Tremblay, Marie",
		DoctorInfo: "1234567 - Dr. Gagnon",
		Diagnostic: "J06.9",
		CustomFields: models.JSONMap{
			"note": "patient fragile",
		},
	}

	t.Run("Enabled", func(t *testing.T) {
		out := r.RedactRecord(rec, true)
		assert.Regexp(t, `^\[PATIENT-[0-9a-f]{8}\]$`, out.Patient)
		assert.Equal(t, RedactedDoctor, out.DoctorInfo)
		assert.Nil(t, out.CustomFields)
		// Invoice id is business-critical and never redacted.
		assert.Equal(t, "INV-2025-001", out.IDRamq)
		// Original is untouched.
		assert.Equal(t, "Tremblay, Marie", rec.Patient)
	})

	t.Run("Disabled", func(t *testing.T) {
		out := r.RedactRecord(rec, false)
		assert.Equal(t, rec, out)
	})

	t.Run("SamePatientSameToken", func(t *testing.T) {
		a := r.RedactRecord(models.BillingRecord{Patient: "Tremblay, Marie"}, true)
		b := r.RedactRecord(models.BillingRecord{Patient: "Tremblay, Marie"}, true)
		assert.Equal(t, a.Patient, b.Patient)
	})
}

func TestRedactResults(t *testing.T) {
	r := NewRedactor("test-salt")
	solution := "Vérifiez le dossier du patient 12345."
	results := []models.ValidationResult{
		{Message: "NAM ABCD12345678 détecté", Solution: &solution},
	}

	out := r.RedactResults(results, true)
	require.Len(t, out, 1)
	assert.NotContains(t, out[0].Message, "ABCD12345678")
	require.NotNil(t, out[0].Solution)
	assert.NotContains(t, *out[0].Solution, "patient 12345")

	// Originals stay intact.
	assert.Contains(t, results[0].Message, "ABCD12345678")
}
