package heap

import "github.com/vandah/analyzer/internal/hir"

// Join merges the states flowing into a control-flow join point.
//
// A block is Freed if it is Freed on any incoming path. A binding present on
// only some paths is marked Partial; bindings present on all paths keep the
// union of their targets. A nil heap is the unreachable state.
func Join(a, b *ShadowHeap) *ShadowHeap {
	if a == nil && b == nil {
		return nil
	}
	if a == nil {
		return b.Clone()
	}
	if b == nil {
		return a.Clone()
	}

	out := a.Clone()

	for id, ob := range b.blocks {
		mine, ok := out.blocks[id]
		if !ok {
			out.blocks[id] = ob.clone()
			continue
		}
		mine.state = mine.state.join(ob.state)
		if mine.size != ob.size {
			mine.size = hir.UnknownSize
		}
		if ob.site < mine.site {
			mine.site = ob.site
		}
	}

	for id, s := range b.retired {
		if mine, ok := out.retired[id]; ok {
			out.retired[id] = mine.join(s)
		} else {
			out.retired[id] = s
		}
	}

	for v, mine := range out.bindings {
		if _, ok := b.bindings[v]; !ok {
			mine.Partial = true
		}
	}
	for v, ob := range b.bindings {
		mine, ok := out.bindings[v]
		if !ok {
			c := ob.clone()
			c.Partial = true
			out.bindings[v] = c
			continue
		}
		mine.Targets = normalizeTargets(append(mine.Targets, ob.Targets...))
		if mine.Offset != ob.Offset {
			mine.Offset = hir.UnknownOffset
		}
		mine.Partial = mine.Partial || ob.Partial
	}

	return out
}
