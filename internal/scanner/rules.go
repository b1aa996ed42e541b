package scanner

import (
	"github.com/vandah/analyzer/internal/config"
	"github.com/vandah/analyzer/internal/lifetime"
)

// Rule describes how a finding kind is presented
type Rule struct {
	ID          string
	Title       string
	Description string
	Severity    config.SeverityLevel
	CWE         string
	Remediation string
	// Advisory findings are reported as notes rather than errors
	Advisory bool
}

var rules = map[lifetime.FindingKind]Rule{
	lifetime.FindingUseAfterFree: {
		ID:          "UAF001",
		Title:       "Use after free",
		Description: "Heap storage is read or written after it was released",
		Severity:    config.SeverityHigh,
		CWE:         "CWE-416",
		Remediation: "Do not dereference a pointer after passing it to free; reset it or restructure ownership so the last use precedes the release.",
	},
	lifetime.FindingUseAfterFreeViaFormat: {
		ID:          "UAF002",
		Title:       "Released storage passed to formatted output",
		Description: "A formatted-output call reads heap storage that was already released",
		Severity:    config.SeverityLow,
		CWE:         "CWE-416",
		Remediation: "Print the value before the buffer is freed, or copy it out first.",
		Advisory:    true,
	},
	lifetime.FindingDoubleFree: {
		ID:          "UAF003",
		Title:       "Double free",
		Description: "Heap storage is released more than once",
		Severity:    config.SeverityHigh,
		CWE:         "CWE-415",
		Remediation: "Release each allocation exactly once; set the pointer to NULL after free when it may be released again.",
	},
	lifetime.FindingFreeOfUnknownBlock: {
		ID:          "UAF004",
		Title:       "Free of untracked storage",
		Description: "free is called on a pointer that does not refer to a known heap allocation",
		Severity:    config.SeverityMedium,
		CWE:         "CWE-590",
		Remediation: "Only pass pointers returned by an allocation routine to free.",
	},
}

// RuleFor returns the presentation rule of a finding kind
func RuleFor(kind lifetime.FindingKind) Rule {
	if r, ok := rules[kind]; ok {
		return r
	}
	return Rule{ID: "UAF000", Title: kind.String(), Severity: config.SeverityMedium}
}
