package policy

// Severity classifies a violation. Only SeverityBlock affects the
// allow/block outcome; warn and info are score-only annotations.
type Severity string

const (
	SeverityBlock Severity = "block"
	SeverityWarn  Severity = "warn"
	SeverityInfo  Severity = "info"
)

// Violation is one policy rule the input broke.
type Violation struct {
	Code     string   `json:"code"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	FilePath string   `json:"file_path,omitempty"`
}

// DangerReason is one contribution to the danger score.
type DangerReason struct {
	Code    string `json:"code"`
	Weight  int    `json:"weight"`
	Message string `json:"message"`
}

// Labels applied to the eventual PR based on the danger score.
const (
	LabelSafe        = "safe"
	LabelNeedsReview = "needs-review"
)

// Decision is the engine's verdict on a plan or patch. Immutable once
// produced; stored verbatim on the run for audit. Violation and reason
// ordering is deterministic for identical inputs.
type Decision struct {
	Allowed       bool           `json:"allowed"`
	Violations    []Violation    `json:"violations,omitempty"`
	DangerScore   int            `json:"danger_score"`
	DangerReasons []DangerReason `json:"danger_reasons,omitempty"`
	Label         string         `json:"label"`
}

// BlockingViolations returns the violations that caused a block.
func (d Decision) BlockingViolations() []Violation {
	var out []Violation
	for _, v := range d.Violations {
		if v.Severity == SeverityBlock {
			out = append(out, v)
		}
	}
	return out
}
