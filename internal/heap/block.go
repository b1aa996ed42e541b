package heap

import (
	"errors"
	"fmt"

	"github.com/vandah/analyzer/internal/hir"
)

var (
	// ErrDoubleFree is returned when a block that is already Freed is freed again
	ErrDoubleFree = errors.New("double free detected")
	// ErrFreeOfUnknownBlock is returned when a free names an identity that is not tracked
	ErrFreeOfUnknownBlock = errors.New("free of unknown block")
	// ErrDuplicateAllocationIdentity is returned when two allocating statements
	// claim the same identity on one path
	ErrDuplicateAllocationIdentity = errors.New("duplicate allocation identity")
)

// State is the lifetime state of a heap block
type State int

const (
	Live State = iota
	Freed
)

func (s State) String() string {
	switch s {
	case Live:
		return "live"
	case Freed:
		return "freed"
	default:
		return "unknown"
	}
}

// join returns Freed when either side is Freed
func (s State) join(o State) State {
	if s == Freed || o == Freed {
		return Freed
	}
	return Live
}

// Block models one dynamic allocation. Identity, size and site never change
// after creation; state only moves Live -> Freed.
type Block struct {
	identity hir.Identity
	size     int64
	site     hir.StmtID
	pos      hir.Location
	state    State
}

func (b *Block) Identity() hir.Identity { return b.identity }
func (b *Block) Size() int64            { return b.size }
func (b *Block) State() State           { return b.state }

// Site is the allocating statement, zero when unknown
func (b *Block) Site() hir.StmtID { return b.site }

// Pos is where the block was allocated
func (b *Block) Pos() hir.Location { return b.pos }

// MarkFreed performs the single allowed transition
func (b *Block) MarkFreed() error {
	if b.state == Freed {
		return fmt.Errorf("%s: %w", b.identity, ErrDoubleFree)
	}
	b.state = Freed
	return nil
}

func (b *Block) clone() *Block {
	c := *b
	return &c
}

func (b *Block) String() string {
	return fmt.Sprintf("%s[%d]=%s", b.identity, b.size, b.state)
}
