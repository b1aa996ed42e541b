package hir

import (
	"fmt"
	"sort"
)

// HIR (High-level Intermediate Representation) for allocation-lifetime analysis.
// Front-ends lower source programs into procedures whose control flow graphs
// carry only the statements that matter to heap lifetimes: allocations, frees,
// pointer bindings and pointer dereferences.

// Program is the top-level unit handed to the analysis engine
type Program struct {
	File       string
	Language   string
	Procedures []*Procedure
}

// Procedure is one function body lowered into a CFG
type Procedure struct {
	Name string
	File string
	CFG  *CFG
}

// Identity names one allocation event (allocation site)
type Identity string

// UnknownOffset marks an access whose index the front-end could not evaluate
const UnknownOffset int64 = -1

// UnknownSize marks an allocation whose byte count could not be evaluated
const UnknownSize int64 = -1

type BlockID int
type StmtID int

// Location is a source position used for reporting and ordering
type Location struct {
	File   string `json:"file" yaml:"file"`
	Line   int    `json:"line" yaml:"line"`
	Column int    `json:"column" yaml:"column"`
}

func (l Location) String() string {
	if l.File == "" {
		return fmt.Sprintf("%d:%d", l.Line, l.Column)
	}
	return fmt.Sprintf("%s:%d:%d", l.File, l.Line, l.Column)
}

// Before orders locations by file, line, then column
func (l Location) Before(o Location) bool {
	if l.File != o.File {
		return l.File < o.File
	}
	if l.Line != o.Line {
		return l.Line < o.Line
	}
	return l.Column < o.Column
}

type StmtKind int

const (
	StmtAllocate StmtKind = iota // Allocate(identity, size)
	StmtFree                     // Free(identity) or free through a variable
	StmtBind                     // Bind(variable, identity|source, offset)
	StmtAccess                   // Access(variable, kind, offset)
	StmtUnbind                   // variable no longer refers to tracked storage
)

func (k StmtKind) String() string {
	switch k {
	case StmtAllocate:
		return "allocate"
	case StmtFree:
		return "free"
	case StmtBind:
		return "bind"
	case StmtAccess:
		return "access"
	case StmtUnbind:
		return "unbind"
	default:
		return "unknown"
	}
}

// ParseStmtKind parses the serialized statement kind
func ParseStmtKind(s string) (StmtKind, error) {
	switch s {
	case "allocate", "alloc":
		return StmtAllocate, nil
	case "free":
		return StmtFree, nil
	case "bind", "copy":
		return StmtBind, nil
	case "access":
		return StmtAccess, nil
	case "unbind":
		return StmtUnbind, nil
	default:
		return 0, fmt.Errorf("unknown statement kind %q", s)
	}
}

type AccessKind int

const (
	AccessRead AccessKind = iota
	AccessWrite
	AccessFormatRead // argument of a formatted-output routine
)

func (k AccessKind) String() string {
	switch k {
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	case AccessFormatRead:
		return "format-read"
	default:
		return "unknown"
	}
}

func (k AccessKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// ParseAccessKind parses the serialized access kind
func ParseAccessKind(s string) (AccessKind, error) {
	switch s {
	case "read", "":
		return AccessRead, nil
	case "write":
		return AccessWrite, nil
	case "format-read", "format_read", "formatread":
		return AccessFormatRead, nil
	default:
		return 0, fmt.Errorf("unknown access kind %q", s)
	}
}

// Stmt is a single lifetime-relevant statement.
//
// Allocate uses Identity and Size. Free uses Identity, or Variable when the
// freed pointer is only known through a binding. Bind sets Variable to
// Identity, or to whatever Source is bound to, shifted by Offset. Access
// dereferences Variable at Offset. Unbind forgets Variable's binding, as
// after `p = NULL` or an assignment from storage the front-end cannot name.
type Stmt struct {
	ID       StmtID
	Kind     StmtKind
	Identity Identity
	Size     int64
	Variable string
	Source   string
	Offset   int64
	Access   AccessKind
	Pos      Location
}

func (s *Stmt) String() string {
	switch s.Kind {
	case StmtAllocate:
		return fmt.Sprintf("allocate(%s, %d)", s.Identity, s.Size)
	case StmtFree:
		if s.Identity == "" {
			return fmt.Sprintf("free(*%s)", s.Variable)
		}
		return fmt.Sprintf("free(%s)", s.Identity)
	case StmtBind:
		if s.Source != "" {
			return fmt.Sprintf("bind(%s, %s+%d)", s.Variable, s.Source, s.Offset)
		}
		return fmt.Sprintf("bind(%s, %s, %d)", s.Variable, s.Identity, s.Offset)
	case StmtAccess:
		return fmt.Sprintf("access(%s, %s, %d)", s.Variable, s.Access, s.Offset)
	case StmtUnbind:
		return fmt.Sprintf("unbind(%s)", s.Variable)
	default:
		return "unknown"
	}
}

// CFG represents a control flow graph
type CFG struct {
	Entry *CFGNode
	Exit  *CFGNode
	Nodes map[BlockID]*CFGNode
	Edges []*CFGEdge
}

// CFGNode represents a basic block in the control flow graph
type CFGNode struct {
	ID    BlockID
	Kind  CFGNodeKind
	Stmts []*Stmt
}

type CFGNodeKind int

const (
	CFGEntry CFGNodeKind = iota
	CFGExit
	CFGBasic
	CFGConditional
	CFGLoop
)

// CFGEdge represents an edge in the control flow graph
type CFGEdge struct {
	From *CFGNode
	To   *CFGNode
	Kind CFGEdgeKind
}

type CFGEdgeKind int

const (
	CFGFallthrough CFGEdgeKind = iota
	CFGTrue
	CFGFalse
	CFGReturn
	CFGBreak
	CFGContinue
	CFGBack
)

// SortedNodeIDs returns node IDs in ascending order
func (cfg *CFG) SortedNodeIDs() []BlockID {
	ids := make([]BlockID, 0, len(cfg.Nodes))
	for id := range cfg.Nodes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Validate checks the front-end contract: an entry node, edges between known
// nodes and statements whose fields match their kind.
func (p *Procedure) Validate() error {
	if p.CFG == nil || p.CFG.Entry == nil {
		return fmt.Errorf("procedure %s: missing CFG entry", p.Name)
	}
	cfg := p.CFG
	if _, ok := cfg.Nodes[cfg.Entry.ID]; !ok {
		return fmt.Errorf("procedure %s: entry node %d not in graph", p.Name, cfg.Entry.ID)
	}
	for _, edge := range cfg.Edges {
		if edge.From == nil || edge.To == nil {
			return fmt.Errorf("procedure %s: dangling edge", p.Name)
		}
		if cfg.Nodes[edge.From.ID] != edge.From || cfg.Nodes[edge.To.ID] != edge.To {
			return fmt.Errorf("procedure %s: edge %d->%d references unknown node", p.Name, edge.From.ID, edge.To.ID)
		}
	}
	for _, id := range cfg.SortedNodeIDs() {
		for _, stmt := range cfg.Nodes[id].Stmts {
			if err := stmt.validate(); err != nil {
				return fmt.Errorf("procedure %s: block %d: %w", p.Name, id, err)
			}
		}
	}
	return nil
}

func (s *Stmt) validate() error {
	switch s.Kind {
	case StmtAllocate:
		if s.Identity == "" {
			return fmt.Errorf("%s at %s: allocation without identity", s, s.Pos)
		}
		if s.Size < UnknownSize {
			return fmt.Errorf("%s at %s: negative size", s, s.Pos)
		}
	case StmtFree:
		if s.Identity == "" && s.Variable == "" {
			return fmt.Errorf("free at %s names neither identity nor variable", s.Pos)
		}
	case StmtBind:
		if s.Variable == "" {
			return fmt.Errorf("bind at %s without variable", s.Pos)
		}
		if (s.Identity == "") == (s.Source == "") {
			return fmt.Errorf("%s at %s: exactly one of identity or source is required", s, s.Pos)
		}
	case StmtAccess, StmtUnbind:
		if s.Variable == "" {
			return fmt.Errorf("%s at %s without variable", s.Kind, s.Pos)
		}
	default:
		return fmt.Errorf("statement %d: unknown kind %d", s.ID, s.Kind)
	}
	return nil
}
