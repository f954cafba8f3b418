package query

import "regexp"

// redacted replaces any cell fragment that looks like PII.
const redacted = "[REDACTED]"

// PII shapes scrubbed from result cells when the profile's sanitize policy
// is on. Telemetry rows routinely leak user emails and client addresses in
// free-form message columns.
var piiPatterns = []*regexp.Regexp{
	// Email addresses.
	regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`),
	// IPv4 addresses.
	regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`),
	// Bare GUIDs, which identify users and sessions in BC telemetry.
	regexp.MustCompile(`\b[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}\b`),
}

// scrubResult masks PII-shaped fragments in every string cell, in place.
// Column names and types are schema, not data, and stay untouched.
func scrubResult(result *Result) {
	for _, row := range result.Rows {
		for i, cell := range row {
			if s, ok := cell.(string); ok {
				row[i] = scrubString(s)
			}
		}
	}
}

func scrubString(s string) string {
	for _, pattern := range piiPatterns {
		s = pattern.ReplaceAllString(s, redacted)
	}
	return s
}
