package parser

import (
	"context"
	"fmt"
	"strings"

	"gopkg.in/yaml.v2"

	"github.com/vandah/analyzer/internal/hir"
)

// YAMLGraph is the serialized form of a lowered program. It lets other
// front-ends hand pre-built control flow graphs to the engine.
type YAMLGraph struct {
	Language   string          `yaml:"language"`
	Procedures []YAMLProcedure `yaml:"procedures"`
}

// YAMLProcedure represents one procedure in YAML
type YAMLProcedure struct {
	Name   string      `yaml:"name"`
	Entry  string      `yaml:"entry"` // defaults to the first block
	Blocks []YAMLBlock `yaml:"blocks"`
}

// YAMLBlock represents a basic block in YAML
type YAMLBlock struct {
	ID    string     `yaml:"id"`
	Kind  string     `yaml:"kind"`
	Stmts []YAMLStmt `yaml:"stmts"`
	Succs []string   `yaml:"succs"`
}

// YAMLStmt represents a statement in YAML
type YAMLStmt struct {
	Op       string `yaml:"op"`
	Identity string `yaml:"identity"`
	Size     *int64 `yaml:"size"`
	Var      string `yaml:"var"`
	Source   string `yaml:"source"`
	Kind     string `yaml:"kind"`
	Offset   *int64 `yaml:"offset"`
	Repeat   int    `yaml:"repeat"` // expands an access into consecutive offsets
	Line     int    `yaml:"line"`
	Column   int    `yaml:"column"`
}

// maxRepeat bounds how many accesses a single repeated statement expands to
const maxRepeat = 1 << 16

// YAMLParser loads lowered programs from *.cfg.yaml files
type YAMLParser struct{}

// NewYAMLParser creates a new YAML graph loader
func NewYAMLParser() *YAMLParser {
	return &YAMLParser{}
}

// GetLanguage returns the parser language
func (p *YAMLParser) GetLanguage() string {
	return "hir"
}

// GetSupportedExtensions returns supported file extensions
func (p *YAMLParser) GetSupportedExtensions() []string {
	return []string{".cfg.yaml", ".cfg.yml"}
}

// Parse decodes a YAML graph and builds the procedures it describes
func (p *YAMLParser) Parse(ctx context.Context, filePath string, content []byte) (*hir.Program, error) {
	var graph YAMLGraph
	if err := yaml.Unmarshal(content, &graph); err != nil {
		return nil, fmt.Errorf("failed to parse YAML graph %s: %w", filePath, err)
	}

	language := graph.Language
	if language == "" {
		language = "hir"
	}
	program := &hir.Program{File: filePath, Language: language}
	for i := range graph.Procedures {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		proc, err := graph.Procedures[i].build(filePath)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filePath, err)
		}
		program.Procedures = append(program.Procedures, proc)
	}
	return program, nil
}

func (yp *YAMLProcedure) build(file string) (*hir.Procedure, error) {
	if yp.Name == "" {
		return nil, fmt.Errorf("procedure without name")
	}
	if len(yp.Blocks) == 0 {
		return nil, fmt.Errorf("procedure %s has no blocks", yp.Name)
	}

	cb := hir.NewCFGBuilder()
	nodes := make(map[string]*hir.CFGNode, len(yp.Blocks))
	for _, b := range yp.Blocks {
		if _, dup := nodes[b.ID]; dup {
			return nil, fmt.Errorf("procedure %s: duplicate block %q", yp.Name, b.ID)
		}
		nodes[b.ID] = cb.CreateNode(parseNodeKind(b.Kind))
	}

	entry := yp.Entry
	if entry == "" {
		entry = yp.Blocks[0].ID
	}
	first, ok := nodes[entry]
	if !ok {
		return nil, fmt.Errorf("procedure %s: unknown entry block %q", yp.Name, entry)
	}
	cb.AddEdge(cb.Entry(), first, hir.CFGFallthrough)

	for _, b := range yp.Blocks {
		node := nodes[b.ID]
		for _, ys := range b.Stmts {
			stmts, err := ys.lower(file)
			if err != nil {
				return nil, fmt.Errorf("procedure %s: block %s: %w", yp.Name, b.ID, err)
			}
			for _, stmt := range stmts {
				cb.Append(node, stmt)
			}
		}
		if len(b.Succs) == 0 {
			cb.AddEdge(node, cb.Exit(), hir.CFGReturn)
			continue
		}
		for _, succ := range b.Succs {
			to, ok := nodes[succ]
			if !ok {
				return nil, fmt.Errorf("procedure %s: block %s: unknown successor %q", yp.Name, b.ID, succ)
			}
			cb.AddEdge(node, to, hir.CFGFallthrough)
		}
	}

	return &hir.Procedure{Name: yp.Name, File: file, CFG: cb.Build()}, nil
}

func (ys YAMLStmt) lower(file string) ([]*hir.Stmt, error) {
	kind, err := hir.ParseStmtKind(strings.ToLower(ys.Op))
	if err != nil {
		return nil, err
	}
	access, err := hir.ParseAccessKind(strings.ToLower(ys.Kind))
	if err != nil {
		return nil, err
	}

	stmt := hir.Stmt{
		Kind:     kind,
		Identity: hir.Identity(ys.Identity),
		Size:     hir.UnknownSize,
		Variable: ys.Var,
		Source:   ys.Source,
		Access:   access,
		Pos:      hir.Location{File: file, Line: ys.Line, Column: ys.Column},
	}
	if ys.Size != nil {
		stmt.Size = *ys.Size
	}
	if ys.Offset != nil {
		stmt.Offset = *ys.Offset
	}

	if ys.Repeat <= 1 {
		return []*hir.Stmt{&stmt}, nil
	}
	if kind != hir.StmtAccess {
		return nil, fmt.Errorf("repeat is only valid on access statements")
	}
	if ys.Repeat > maxRepeat {
		return nil, fmt.Errorf("repeat %d exceeds the limit of %d", ys.Repeat, maxRepeat)
	}
	if stmt.Offset == hir.UnknownOffset {
		return nil, fmt.Errorf("repeat needs a known starting offset")
	}
	out := make([]*hir.Stmt, 0, ys.Repeat)
	for i := 0; i < ys.Repeat; i++ {
		s := stmt
		s.Offset = stmt.Offset + int64(i)
		out = append(out, &s)
	}
	return out, nil
}

func parseNodeKind(s string) hir.CFGNodeKind {
	switch strings.ToLower(s) {
	case "loop":
		return hir.CFGLoop
	case "cond", "conditional":
		return hir.CFGConditional
	default:
		return hir.CFGBasic
	}
}
