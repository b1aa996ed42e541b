package lifetime

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vandah/analyzer/internal/heap"
	"github.com/vandah/analyzer/internal/hir"
)

func TestClassify(t *testing.T) {
	newHeap := func(freed bool) *heap.ShadowHeap {
		h := heap.New()
		_, err := h.Allocate("B", 40)
		require.NoError(t, err)
		h.Bind("a", "B", 0)
		if freed {
			require.NoError(t, h.Free("B"))
		}
		return h
	}

	tests := []struct {
		name     string
		freed    bool
		variable string
		kind     hir.AccessKind
		want     Verdict
	}{
		{"live read", false, "a", hir.AccessRead, Safe},
		{"live write", false, "a", hir.AccessWrite, Safe},
		{"live format read", false, "a", hir.AccessFormatRead, Safe},
		{"freed read", true, "a", hir.AccessRead, UseAfterFree},
		{"freed write", true, "a", hir.AccessWrite, UseAfterFree},
		{"freed format read", true, "a", hir.AccessFormatRead, UseAfterFreeViaFormat},
		{"unbound variable", false, "stack", hir.AccessRead, Indeterminate},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHeap(tt.freed)
			binding, _ := h.Binding(tt.variable)
			c := Classify(h, AccessEvent{Variable: tt.variable, Binding: binding, Kind: tt.kind})
			assert.Equal(t, tt.want, c.Verdict)
			if tt.want == UseAfterFree || tt.want == UseAfterFreeViaFormat {
				assert.Equal(t, hir.Identity("B"), c.Identity)
			}
		})
	}
}

func TestClassify_OffsetDoesNotMatter(t *testing.T) {
	for _, freed := range []bool{false, true} {
		h := heap.New()
		_, _ = h.Allocate("B", 40)
		h.Bind("a", "B", 0)
		if freed {
			require.NoError(t, h.Free("B"))
		}
		binding, _ := h.Binding("a")

		base := Classify(h, AccessEvent{Variable: "a", Binding: binding, Kind: hir.AccessRead})
		for _, offset := range []int64{0, 1, 9, 10, 1 << 20, hir.UnknownOffset} {
			c := Classify(h, AccessEvent{Variable: "a", Binding: binding, Kind: hir.AccessRead, Offset: offset})
			assert.Equal(t, base.Verdict, c.Verdict, "offset %d", offset)
			assert.Equal(t, offset, c.Offset)
		}
	}
}

func TestClassify_UntrackedTarget(t *testing.T) {
	h := heap.New()
	h.Bind("p", "forgotten", 0)
	binding, _ := h.Binding("p")

	c := Classify(h, AccessEvent{Variable: "p", Binding: binding, Kind: hir.AccessRead})
	assert.Equal(t, Indeterminate, c.Verdict, "a binding to untracked storage is never silently safe")
}

func TestClassify_PartialBinding(t *testing.T) {
	live := heap.New()
	_, _ = live.Allocate("B", 4)
	bound := live.Clone()
	bound.Bind("p", "B", 0)

	merged := heap.Join(live, bound)
	binding, _ := merged.Binding("p")
	c := Classify(merged, AccessEvent{Variable: "p", Binding: binding, Kind: hir.AccessRead})
	assert.Equal(t, Indeterminate, c.Verdict)

	require.NoError(t, merged.Free("B"))
	c = Classify(merged, AccessEvent{Variable: "p", Binding: binding, Kind: hir.AccessRead})
	assert.Equal(t, UseAfterFree, c.Verdict, "freed dominates even when the binding is partial")
}
