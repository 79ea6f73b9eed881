package document

// QCStatus is the overall verdict of a quality-control analysis.
type QCStatus string

const (
	// QCPassed indicates the content met the bar with no blocking problems.
	QCPassed QCStatus = "passed"
	// QCPartialSuccess indicates usable content with non-blocking problems.
	QCPartialSuccess QCStatus = "partial_success"
	// QCFailed indicates the content must be refined or discarded.
	QCFailed QCStatus = "failed"
)

// String returns the string representation of the status.
func (s QCStatus) String() string {
	return string(s)
}

// IsValid returns true if the status is a recognized QC verdict.
func (s QCStatus) IsValid() bool {
	return s == QCPassed || s == QCPartialSuccess || s == QCFailed
}

// ProblemType classifies a QC finding.
type ProblemType string

const (
	// ProblemMathError is an incorrect statement, proof step, or computation.
	ProblemMathError ProblemType = "math_error"
	// ProblemClarity is confusing or ambiguous exposition.
	ProblemClarity ProblemType = "clarity_issue"
	// ProblemStyleMismatch deviates from the project's rhetorical style.
	ProblemStyleMismatch ProblemType = "style_mismatch"
	// ProblemCoherence conflicts with surrounding blocks.
	ProblemCoherence ProblemType = "coherence_issue"
	// ProblemPedagogic is unsuitable for the target level.
	ProblemPedagogic ProblemType = "pedagogic_pitfall"
)

// Severity ranks how blocking a QC problem is.
type Severity string

const (
	// SeverityCritical forces the report status to failed.
	SeverityCritical Severity = "critical"
	// SeverityMajor should be fixed before validation.
	SeverityMajor Severity = "major"
	// SeverityMinor is worth fixing but not blocking.
	SeverityMinor Severity = "minor"
	// SeverityWarning is informational.
	SeverityWarning Severity = "warning"
)

// Problem is a single QC finding.
type Problem struct {
	// Type classifies the finding
	Type ProblemType `json:"type"`

	// Severity ranks how blocking it is
	Severity Severity `json:"severity"`

	// Description explains the finding
	Description string `json:"description"`

	// Location optionally narrows the finding to a span of the block
	Location string `json:"location,omitempty"`

	// SuggestedFix optionally proposes a correction
	SuggestedFix string `json:"suggested_fix,omitempty"`
}

// QCReport is the result of analyzing one block's content.
type QCReport struct {
	// OverallScore is in [0, 100]
	OverallScore float64 `json:"overall_score"`

	// Status is the overall verdict. Any critical problem forces failed.
	Status QCStatus `json:"status"`

	// Problems lists the findings
	Problems []Problem `json:"problems,omitempty"`
}

// HasCritical returns true if any problem has critical severity.
func (r *QCReport) HasCritical() bool {
	for _, p := range r.Problems {
		if p.Severity == SeverityCritical {
			return true
		}
	}
	return false
}

// Validate checks the report invariants: score range, known status, and
// critical problems forcing a failed status.
func (r *QCReport) Validate() error {
	if r.OverallScore < 0 || r.OverallScore > 100 {
		return &ValidationError{Field: "overall_score", Message: "must be in [0, 100]"}
	}
	if !r.Status.IsValid() {
		return &ValidationError{Field: "status", Message: "unknown status " + r.Status.String()}
	}
	if r.HasCritical() && r.Status != QCFailed {
		return &ValidationError{Field: "status", Message: "critical problem requires failed status"}
	}
	return nil
}

// Normalize rewrites the status to failed when a critical problem exists.
// Workers apply this to collaborator responses before posting completions.
func (r *QCReport) Normalize() {
	if r.HasCritical() {
		r.Status = QCFailed
	}
}
