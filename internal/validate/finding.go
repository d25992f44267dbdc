package validate

// Kind identifies what a finding is about
type Kind string

const (
	KindRowCountMismatch  Kind = "row_count_mismatch"
	KindOrphanedReference Kind = "orphaned_reference"
	KindSampleDiff        Kind = "sample_diff"

	// KindRejectedRecord is produced by the transform/load path, not the
	// validator: it reports a quarantined or integrity-rejected record.
	KindRejectedRecord Kind = "rejected_record"
)

// Severity grades a finding. An error-severity finding fails the entity's
// step even when the load itself succeeded.
type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Finding is one post-load check result attached to a migration step
type Finding struct {
	Entity   string   `json:"entity"`
	Kind     Kind     `json:"kind"`
	Severity Severity `json:"severity"`
	Detail   string   `json:"detail"`
}

// HasErrors reports whether any finding carries error severity
func HasErrors(findings []Finding) bool {
	for _, f := range findings {
		if f.Severity == SeverityError {
			return true
		}
	}
	return false
}
