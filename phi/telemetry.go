package phi

import (
	"regexp"
	"strings"
)

// Telemetry scrubbing: outbound events (error payloads, breadcrumbs, extra
// context) are rebuilt from scratch. Only whitelisted technical keys pass;
// nested objects recurse against the PHI blocklist; free-text messages are
// swept for patterns resembling health-card numbers and patient/doctor
// references. On any sanitizer panic the event is dropped entirely.

// allowedEventKeys is the whitelist of technical metadata keys that may leave
// the process on telemetry events.
var allowedEventKeys = map[string]bool{
	"runid": true, "validationrunid": true, "jobid": true, "ruleid": true,
	"filename": true, "rowcount": true, "totalrows": true, "batchsize": true,
	"errorcount": true, "resultcount": true, "rulecount": true,
	"progress": true, "durationms": true, "encoding": true, "delimiter": true,
	"errorcode": true, "status": true, "severity": true, "category": true,
	"attempt": true, "component": true, "level": true, "timestamp": true,
	"message": true, "endpoint": true, "method": true, "statuscode": true,
}

// blockedFieldNames are known PHI-bearing field names, matched
// case-insensitively anywhere an event key appears.
var blockedFieldNames = map[string]bool{
	"patient": true, "patientname": true, "patientid": true, "nam": true,
	"doctor": true, "doctorinfo": true, "doctorname": true, "physician": true,
	"diagnostic": true, "diagnosis": true, "healthcard": true,
	"dateofbirth": true, "dob": true, "address": true, "phone": true,
	"email": true,
}

const redactionMarker = "[REDACTED]"

var (
	// 12-digit sequences resemble Quebec health-card numbers.
	reHealthCard = regexp.MustCompile(`\b\d{12}\b`)
	// NAM format: four letters followed by eight digits.
	reNAM       = regexp.MustCompile(`\b[A-Za-z]{4}\s?\d{8}\b`)
	rePatientID = regexp.MustCompile(`(?i)patient\s+\d+`)
	reDoctor    = regexp.MustCompile(`(?i)doctor:\s*[^\s,;]+(\s+[^\s,;]+)?`)
)

// SweepMessage replaces PHI-resembling substrings in free text with the
// redaction marker.
func SweepMessage(msg string) string {
	msg = reNAM.ReplaceAllString(msg, redactionMarker)
	msg = reHealthCard.ReplaceAllString(msg, redactionMarker)
	msg = rePatientID.ReplaceAllString(msg, redactionMarker)
	msg = reDoctor.ReplaceAllString(msg, "doctor: "+redactionMarker)
	return msg
}

// SanitizeEvent rebuilds an outbound telemetry payload keeping only
// whitelisted keys. Returns nil when the event cannot be sanitized safely;
// callers must drop nil events.
func SanitizeEvent(event map[string]interface{}) (out map[string]interface{}) {
	defer func() {
		if recover() != nil {
			// Fail-safe: a broken payload is dropped, never sent as-is.
			out = nil
		}
	}()
	if event == nil {
		return nil
	}
	return sanitizeMap(event, 0)
}

const maxSanitizeDepth = 8

func sanitizeMap(m map[string]interface{}, depth int) map[string]interface{} {
	if depth > maxSanitizeDepth {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for key, value := range m {
		lower := strings.ToLower(key)
		if blockedFieldNames[lower] {
			continue
		}
		switch v := value.(type) {
		case map[string]interface{}:
			if nested := sanitizeMap(v, depth+1); len(nested) > 0 {
				out[key] = nested
			}
		case string:
			if allowedEventKeys[lower] {
				out[key] = SweepMessage(v)
			}
		default:
			if allowedEventKeys[lower] {
				out[key] = v
			}
		}
	}
	return out
}

// SanitizeError produces a PHI-safe, user-facing failure message. The swept
// text is safe to persist on the run row and to transmit.
func SanitizeError(err error) string {
	if err == nil {
		return ""
	}
	return SweepMessage(err.Error())
}
