package rules

import (
	"regexp"
	"strconv"
	"time"
)

// Quebec health-insurance numbers (NAM) encode the birth date: four letters
// then YYMMDDxx, with the month field offset by 50 for women. Age-restricted
// rules derive the patient age from the NAM when the patient field carries
// one; unparseable identifiers make the rule skip the record rather than
// guess.

var namPattern = regexp.MustCompile(`[A-Za-z]{4}\s?(\d{2})(\d{2})(\d{2})\d{2}`)

// ageFromPatient returns the patient age at the service date, or false when no
// NAM is recognizable.
func ageFromPatient(patient string, at time.Time) (int, bool) {
	m := namPattern.FindStringSubmatch(patient)
	if m == nil {
		return 0, false
	}
	yy, _ := strconv.Atoi(m[1])
	mm, _ := strconv.Atoi(m[2])
	dd, _ := strconv.Atoi(m[3])

	if mm > 50 {
		mm -= 50
	}
	if mm < 1 || mm > 12 || dd < 1 || dd > 31 {
		return 0, false
	}

	year := 1900 + yy
	// A birth year that would make the patient "not yet born" belongs to the
	// following century.
	if year+100 <= at.Year() {
		year += 100
	}

	birth := time.Date(year, time.Month(mm), dd, 0, 0, 0, 0, time.UTC)
	if birth.After(at) {
		return 0, false
	}
	age := at.Year() - birth.Year()
	if at.YearDay() < birth.YearDay() {
		age--
	}
	return age, true
}
