package model

// IssueSeverity mirrors the FHIR OperationOutcome severity codes
type IssueSeverity string

const (
	SeverityFatal       IssueSeverity = "fatal"
	SeverityError       IssueSeverity = "error"
	SeverityWarning     IssueSeverity = "warning"
	SeverityInformation IssueSeverity = "information"
)

// Issue is a diagnostic attached to a batch, core or job outcome. Diagnostics
// carry "TypeName: message" of the root cause and never a stack trace.
type Issue struct {
	Severity    IssueSeverity `bson:"severity" json:"severity"`
	Msg         string        `bson:"msg" json:"msg"`
	Diagnostics string        `bson:"diagnostics,omitempty" json:"diagnostics,omitempty"`
}

func NewIssue(severity IssueSeverity, msg, diagnostics string) Issue {
	return Issue{Severity: severity, Msg: msg, Diagnostics: diagnostics}
}

// MergeIssues concatenates two issue lists into a new slice, preserving order
func MergeIssues(a, b []Issue) []Issue {
	merged := make([]Issue, 0, len(a)+len(b))
	merged = append(merged, a...)
	merged = append(merged, b...)
	return merged
}
