package lifetime

import (
	"fmt"

	"github.com/vandah/analyzer/internal/heap"
	"github.com/vandah/analyzer/internal/hir"
)

// Verdict is the outcome of classifying one memory access
type Verdict int

const (
	Safe Verdict = iota
	Indeterminate
	UseAfterFree
	UseAfterFreeViaFormat
)

func (v Verdict) String() string {
	switch v {
	case Safe:
		return "Safe"
	case Indeterminate:
		return "Indeterminate"
	case UseAfterFree:
		return "UseAfterFree"
	case UseAfterFreeViaFormat:
		return "UseAfterFreeViaFormat"
	default:
		return "Unknown"
	}
}

// MarshalText lets verdicts serialize by name
func (v Verdict) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// AccessEvent is produced for every dereference statement
type AccessEvent struct {
	Variable string
	Binding  *heap.Binding
	Kind     hir.AccessKind
	Offset   int64
	Pos      hir.Location
	Stmt     hir.StmtID
}

// Classification is the verdict for one access event
type Classification struct {
	Variable string         `json:"variable"`
	Kind     hir.AccessKind `json:"access"`
	Offset   int64          `json:"offset"`
	Location hir.Location   `json:"location"`
	Verdict  Verdict        `json:"verdict"`
	Identity hir.Identity   `json:"identity,omitempty"`
	Reason   string         `json:"reason,omitempty"`
	Stmt     hir.StmtID     `json:"-"`
}

// Classify decides whether an access is safe, a use-after-free or
// indeterminate. The offset is carried through but never consulted.
func Classify(h *heap.ShadowHeap, ev AccessEvent) Classification {
	c := Classification{
		Variable: ev.Variable,
		Kind:     ev.Kind,
		Offset:   ev.Offset,
		Location: ev.Pos,
		Stmt:     ev.Stmt,
	}

	if ev.Binding == nil || len(ev.Binding.Targets) == 0 {
		c.Verdict = Indeterminate
		c.Reason = fmt.Sprintf("%s does not refer to tracked heap storage", ev.Variable)
		return c
	}

	untracked := false
	for _, t := range ev.Binding.Targets {
		state, ok := h.Resolve(t)
		if !ok {
			untracked = true
			continue
		}
		if state == heap.Freed {
			c.Identity = t.Identity
			if ev.Kind == hir.AccessFormatRead {
				c.Verdict = UseAfterFreeViaFormat
				c.Reason = fmt.Sprintf("%s passed to formatted output after %s was freed", ev.Variable, t.Identity)
			} else {
				c.Verdict = UseAfterFree
				c.Reason = fmt.Sprintf("%s of %s after %s was freed", ev.Kind, ev.Variable, t.Identity)
			}
			return c
		}
	}

	c.Identity = ev.Binding.Targets[0].Identity
	switch {
	case untracked:
		c.Verdict = Indeterminate
		c.Reason = fmt.Sprintf("%s refers to storage that is no longer tracked", ev.Variable)
	case ev.Binding.Partial:
		c.Verdict = Indeterminate
		c.Reason = fmt.Sprintf("%s may be unbound on some path", ev.Variable)
	default:
		c.Verdict = Safe
	}
	return c
}
