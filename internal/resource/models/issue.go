package models

// IssueSeverity grades a validation or processing finding.
type IssueSeverity string

const (
	SeverityError       IssueSeverity = "error"
	SeverityWarning     IssueSeverity = "warning"
	SeverityInformation IssueSeverity = "information"
)

// Issue is one finding reported back to the client.
type Issue struct {
	Severity    IssueSeverity
	Code        string
	Diagnostics string
	Expression  string
}

// HasErrors reports whether any issue is an error.
func HasErrors(issues []Issue) bool {
	for _, i := range issues {
		if i.Severity == SeverityError {
			return true
		}
	}
	return false
}
