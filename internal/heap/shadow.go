package heap

import (
	"fmt"
	"sort"
	"strings"

	"github.com/vandah/analyzer/internal/hir"
)

// Target is one block a pointer binding may refer to. Stale targets point at
// an earlier lifetime of the identity's allocation site, one that was
// replaced when the same allocating statement ran again (loop iterations).
type Target struct {
	Identity hir.Identity
	Stale    bool
}

func (t Target) less(o Target) bool {
	if t.Identity != o.Identity {
		return t.Identity < o.Identity
	}
	return !t.Stale && o.Stale
}

// Binding is a non-owning reference from a variable to heap blocks.
// More than one target appears only after control-flow joins.
type Binding struct {
	Targets []Target
	Offset  int64
	// Partial is set when the variable was unbound on some incoming path
	Partial bool
}

func (b *Binding) clone() *Binding {
	c := *b
	c.Targets = append([]Target(nil), b.Targets...)
	return &c
}

func (b *Binding) equal(o *Binding) bool {
	if b.Offset != o.Offset || b.Partial != o.Partial || len(b.Targets) != len(o.Targets) {
		return false
	}
	for i := range b.Targets {
		if b.Targets[i] != o.Targets[i] {
			return false
		}
	}
	return true
}

// ShadowHeap maps allocation identities to blocks and variables to bindings.
// One instance is owned by a single in-flight analysis state.
type ShadowHeap struct {
	blocks   map[hir.Identity]*Block
	retired  map[hir.Identity]State
	bindings map[string]*Binding
}

// New creates an empty shadow heap
func New() *ShadowHeap {
	return &ShadowHeap{
		blocks:   make(map[hir.Identity]*Block),
		retired:  make(map[hir.Identity]State),
		bindings: make(map[string]*Binding),
	}
}

// Allocate inserts a new Live block for an allocation with no known site
func (h *ShadowHeap) Allocate(identity hir.Identity, size int64) (*Block, error) {
	return h.AllocateAt(identity, size, 0, hir.Location{})
}

// AllocateAt inserts a new Live block created by statement site.
//
// Re-running the statement that created an existing block starts a new
// lifetime: the old one is retired and bindings to it become stale. Any other
// statement claiming a tracked identity is a front-end contract violation.
func (h *ShadowHeap) AllocateAt(identity hir.Identity, size int64, site hir.StmtID, pos hir.Location) (*Block, error) {
	if existing, ok := h.blocks[identity]; ok {
		if site == 0 || existing.site != site {
			return nil, fmt.Errorf("%s allocated at %s and again at %s: %w",
				identity, existing.pos, pos, ErrDuplicateAllocationIdentity)
		}
		h.retire(existing)
	}

	block := &Block{
		identity: identity,
		size:     size,
		site:     site,
		pos:      pos,
		state:    Live,
	}
	h.blocks[identity] = block
	return block, nil
}

func (h *ShadowHeap) retire(b *Block) {
	if prev, ok := h.retired[b.identity]; ok {
		h.retired[b.identity] = prev.join(b.state)
	} else {
		h.retired[b.identity] = b.state
	}
	for _, binding := range h.bindings {
		for i, t := range binding.Targets {
			if t.Identity == b.identity && !t.Stale {
				binding.Targets[i].Stale = true
			}
		}
		binding.Targets = normalizeTargets(binding.Targets)
	}
}

// Free transitions the named block to Freed
func (h *ShadowHeap) Free(identity hir.Identity) error {
	block, ok := h.blocks[identity]
	if !ok {
		return fmt.Errorf("%s: %w", identity, ErrFreeOfUnknownBlock)
	}
	return block.MarkFreed()
}

// FreeTarget frees whatever lifetime a binding target refers to
func (h *ShadowHeap) FreeTarget(t Target) error {
	if !t.Stale {
		return h.Free(t.Identity)
	}
	state, ok := h.retired[t.Identity]
	if !ok {
		return fmt.Errorf("%s (previous lifetime): %w", t.Identity, ErrFreeOfUnknownBlock)
	}
	if state == Freed {
		return fmt.Errorf("%s (previous lifetime): %w", t.Identity, ErrDoubleFree)
	}
	h.retired[t.Identity] = Freed
	return nil
}

// Lookup returns the current block for identity. Absence is a valid answer:
// the storage is not tracked here.
func (h *ShadowHeap) Lookup(identity hir.Identity) (*Block, bool) {
	block, ok := h.blocks[identity]
	return block, ok
}

// Resolve returns the state of the lifetime a target refers to
func (h *ShadowHeap) Resolve(t Target) (State, bool) {
	if t.Stale {
		state, ok := h.retired[t.Identity]
		return state, ok
	}
	block, ok := h.blocks[t.Identity]
	if !ok {
		return Live, false
	}
	return block.state, true
}

// Bind points variable at the current lifetime of identity
func (h *ShadowHeap) Bind(variable string, identity hir.Identity, offset int64) {
	h.bindings[variable] = &Binding{
		Targets: []Target{{Identity: identity}},
		Offset:  offset,
	}
}

// Copy makes dst refer to whatever src refers to, shifted by delta.
// Copying an unbound source leaves dst unbound.
func (h *ShadowHeap) Copy(dst, src string, delta int64) {
	from, ok := h.bindings[src]
	if !ok {
		delete(h.bindings, dst)
		return
	}
	binding := from.clone()
	if binding.Offset != hir.UnknownOffset && delta != hir.UnknownOffset {
		binding.Offset += delta
	} else {
		binding.Offset = hir.UnknownOffset
	}
	h.bindings[dst] = binding
}

// Unbind forgets variable's binding
func (h *ShadowHeap) Unbind(variable string) {
	delete(h.bindings, variable)
}

// Binding returns the binding of variable
func (h *ShadowHeap) Binding(variable string) (*Binding, bool) {
	binding, ok := h.bindings[variable]
	return binding, ok
}

// Blocks returns current blocks ordered by identity
func (h *ShadowHeap) Blocks() []*Block {
	blocks := make([]*Block, 0, len(h.blocks))
	for _, b := range h.blocks {
		blocks = append(blocks, b)
	}
	sort.Slice(blocks, func(i, j int) bool { return blocks[i].identity < blocks[j].identity })
	return blocks
}

// Clone returns a deep copy so successor states never alias
func (h *ShadowHeap) Clone() *ShadowHeap {
	c := &ShadowHeap{
		blocks:   make(map[hir.Identity]*Block, len(h.blocks)),
		retired:  make(map[hir.Identity]State, len(h.retired)),
		bindings: make(map[string]*Binding, len(h.bindings)),
	}
	for id, b := range h.blocks {
		c.blocks[id] = b.clone()
	}
	for id, s := range h.retired {
		c.retired[id] = s
	}
	for v, b := range h.bindings {
		c.bindings[v] = b.clone()
	}
	return c
}

// Equal reports whether two heaps hold the same abstract state
func (h *ShadowHeap) Equal(o *ShadowHeap) bool {
	if len(h.blocks) != len(o.blocks) || len(h.retired) != len(o.retired) || len(h.bindings) != len(o.bindings) {
		return false
	}
	for id, b := range h.blocks {
		ob, ok := o.blocks[id]
		if !ok || b.state != ob.state || b.size != ob.size || b.site != ob.site {
			return false
		}
	}
	for id, s := range h.retired {
		if os, ok := o.retired[id]; !ok || os != s {
			return false
		}
	}
	for v, b := range h.bindings {
		ob, ok := o.bindings[v]
		if !ok || !b.equal(ob) {
			return false
		}
	}
	return true
}

func (h *ShadowHeap) String() string {
	var sb strings.Builder
	sb.WriteString("{")
	for i, b := range h.Blocks() {
		if i > 0 {
			sb.WriteString(" ")
		}
		sb.WriteString(b.String())
	}
	sb.WriteString("}")
	return sb.String()
}

func normalizeTargets(targets []Target) []Target {
	sort.Slice(targets, func(i, j int) bool { return targets[i].less(targets[j]) })
	out := targets[:0]
	for i, t := range targets {
		if i > 0 && t == out[len(out)-1] {
			continue
		}
		out = append(out, t)
	}
	return out
}
