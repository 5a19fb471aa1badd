package moderation

import (
	"sort"
	"strings"
)

// Severity classifies a local policy violation.
type Severity string

const (
	SeverityLow  Severity = "low"  // banned term; rejected
	SeverityHigh Severity = "high" // contact details or severe phrase; rejected, escalates
)

// Violation describes the first policy hit found in a message.
type Violation struct {
	Term     string   `json:"term"`
	Severity Severity `json:"severity"`
}

// Evaluation is the outcome of running the local filter over one message.
type Evaluation struct {
	Accepted      bool
	SanitizedText string
	Violation     *Violation
}

// Reason returns the short user-facing explanation for a rejection.
func (e Evaluation) Reason() string {
	switch {
	case e.Accepted:
		return ""
	case e.Violation == nil:
		return "Message cannot be empty"
	case e.Violation.Severity == SeverityHigh:
		return "Message contains personal or contact information"
	default:
		return "Message contains inappropriate content"
	}
}

// Classification is the normalized response of an external classifier.
type Classification struct {
	Flagged    bool
	Categories []string
	Scores     map[string]float64
}

// Verdict is what the adapter eventually resolves to. Err is set when the
// classifier failed and the verdict fell open.
type Verdict struct {
	Classification
	Err error
}

// Reason joins the triggered category names into a readable flag reason.
func (v Verdict) Reason() string {
	if !v.Flagged {
		return ""
	}
	if len(v.Categories) == 0 {
		return "flagged by moderation"
	}
	cats := make([]string, len(v.Categories))
	copy(cats, v.Categories)
	sort.Strings(cats)
	return strings.Join(cats, ", ")
}
