package lifetime

import (
	"fmt"
	"sort"

	"github.com/vandah/analyzer/internal/hir"
)

// FindingKind enumerates reportable defects in the analyzed program
type FindingKind int

const (
	FindingUseAfterFree FindingKind = iota
	FindingUseAfterFreeViaFormat
	FindingDoubleFree
	FindingFreeOfUnknownBlock
)

func (k FindingKind) String() string {
	switch k {
	case FindingUseAfterFree:
		return "UseAfterFree"
	case FindingUseAfterFreeViaFormat:
		return "UseAfterFreeViaFormat"
	case FindingDoubleFree:
		return "DoubleFreeDetected"
	case FindingFreeOfUnknownBlock:
		return "FreeOfUnknownBlock"
	default:
		return "Unknown"
	}
}

// ParseFindingKind parses the name produced by String
func ParseFindingKind(s string) (FindingKind, error) {
	for k := FindingUseAfterFree; k <= FindingFreeOfUnknownBlock; k++ {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown finding kind %q", s)
}

func (k FindingKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *FindingKind) UnmarshalText(b []byte) error {
	parsed, err := ParseFindingKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Finding is one reported defect
type Finding struct {
	Location  hir.Location `json:"location"`
	Kind      FindingKind  `json:"kind"`
	Identity  hir.Identity `json:"identity"`
	Procedure string       `json:"procedure"`
	Variable  string       `json:"variable,omitempty"`
	Offset    int64        `json:"offset"`
	Message   string       `json:"message"`
}

func (f Finding) String() string {
	return fmt.Sprintf("%s: %s %s (%s)", f.Location, f.Kind, f.Identity, f.Message)
}

// Report is the result of analyzing one procedure
type Report struct {
	Procedure       string           `json:"procedure"`
	File            string           `json:"file"`
	Findings        []Finding        `json:"findings"`
	Classifications []Classification `json:"classifications"`
	// Suppressed counts format-read findings withheld by configuration
	Suppressed     int           `json:"suppressed"`
	Iterations     int           `json:"iterations"`
	CapExceeded    bool          `json:"cap_exceeded"`
	UnstableBlocks []hir.BlockID `json:"unstable_blocks,omitempty"`
}

// Count returns how many accesses received verdict v
func (r *Report) Count(v Verdict) int {
	n := 0
	for _, c := range r.Classifications {
		if c.Verdict == v {
			n++
		}
	}
	return n
}

// FindingsOf returns the findings of one kind in report order
func (r *Report) FindingsOf(kind FindingKind) []Finding {
	var out []Finding
	for _, f := range r.Findings {
		if f.Kind == kind {
			out = append(out, f)
		}
	}
	return out
}

// sort orders findings and classifications by source location. Entries at
// the same location keep the order the reporting pass produced them in.
func (r *Report) sort() {
	sort.SliceStable(r.Findings, func(i, j int) bool {
		return r.Findings[i].Location.Before(r.Findings[j].Location)
	})
	sort.SliceStable(r.Classifications, func(i, j int) bool {
		return r.Classifications[i].Location.Before(r.Classifications[j].Location)
	})
}

// SortFindings orders findings collected from several reports by location,
// then procedure, then kind
func SortFindings(findings []Finding) {
	sort.SliceStable(findings, func(i, j int) bool {
		a, b := findings[i], findings[j]
		if a.Location != b.Location {
			return a.Location.Before(b.Location)
		}
		if a.Procedure != b.Procedure {
			return a.Procedure < b.Procedure
		}
		return a.Kind < b.Kind
	})
}
