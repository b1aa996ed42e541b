package parser

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vandah/analyzer/internal/config"
	"github.com/vandah/analyzer/internal/hir"
	"github.com/vandah/analyzer/internal/lifetime"
)

func parseTestdata(t *testing.T, name string) *hir.Program {
	t.Helper()
	path := filepath.Join("testdata", name)
	content, err := os.ReadFile(path)
	require.NoError(t, err)

	registry := NewParserRegistry(config.Load(), zap.NewNop())
	program, err := registry.ParseFile(context.Background(), path, content)
	require.NoError(t, err)
	return program
}

func stmtsOf(proc *hir.Procedure, kind hir.StmtKind) []*hir.Stmt {
	var out []*hir.Stmt
	for _, id := range proc.CFG.SortedNodeIDs() {
		for _, stmt := range proc.CFG.Nodes[id].Stmts {
			if stmt.Kind == kind {
				out = append(out, stmt)
			}
		}
	}
	return out
}

func procedure(t *testing.T, program *hir.Program, name string) *hir.Procedure {
	t.Helper()
	for _, proc := range program.Procedures {
		if proc.Name == name {
			return proc
		}
	}
	t.Fatalf("procedure %s not found", name)
	return nil
}

func TestCParserLowersPrintAfterFree(t *testing.T) {
	program := parseTestdata(t, "15-Use_after_free_print.c")
	require.Len(t, program.Procedures, 1)
	main := program.Procedures[0]
	assert.Equal(t, "main", main.Name)
	assert.Equal(t, "c", program.Language)

	allocs := stmtsOf(main, hir.StmtAllocate)
	require.Len(t, allocs, 1)
	assert.Equal(t, hir.Identity("main:6:12"), allocs[0].Identity)
	assert.Equal(t, int64(40), allocs[0].Size)

	frees := stmtsOf(main, hir.StmtFree)
	require.Len(t, frees, 1)
	assert.Equal(t, "a", frees[0].Variable)
	assert.Equal(t, 11, frees[0].Pos.Line)

	var writes, prints []*hir.Stmt
	for _, access := range stmtsOf(main, hir.StmtAccess) {
		switch access.Access {
		case hir.AccessWrite:
			writes = append(writes, access)
		case hir.AccessFormatRead:
			prints = append(prints, access)
		}
	}
	require.Len(t, writes, 10)
	require.Len(t, prints, 10)
	for i := 0; i < 10; i++ {
		assert.Equal(t, int64(i), writes[i].Offset)
		assert.Equal(t, 8, writes[i].Pos.Line)
		assert.Equal(t, int64(i), prints[i].Offset)
		assert.Equal(t, 14, prints[i].Pos.Line)
		assert.Equal(t, "a", prints[i].Variable)
	}
}

func TestCParserFixtureFindings(t *testing.T) {
	program := parseTestdata(t, "15-Use_after_free_print.c")
	engine := lifetime.NewEngine(lifetime.DefaultOptions(), zap.NewNop())

	reports, err := engine.AnalyzeProgram(program)
	require.NoError(t, err)
	require.Len(t, reports, 1)

	report := reports[0]
	require.Len(t, report.Findings, 10)
	for i, f := range report.Findings {
		assert.Equal(t, lifetime.FindingUseAfterFreeViaFormat, f.Kind)
		assert.Equal(t, 14, f.Location.Line)
		assert.Equal(t, int64(i), f.Offset)
		assert.Equal(t, hir.Identity("main:6:12"), f.Identity)
	}
	assert.Equal(t, 10, report.Count(lifetime.Safe))
	assert.Equal(t, 0, report.Count(lifetime.Indeterminate))
}

func TestCParserLifetimes(t *testing.T) {
	program := parseTestdata(t, "lifetimes.c")
	engine := lifetime.NewEngine(lifetime.DefaultOptions(), zap.NewNop())

	tests := []struct {
		name      string
		findings  map[lifetime.FindingKind][]int // kind -> lines
		undecided int
	}{
		{
			name:     "branch",
			findings: map[lifetime.FindingKind][]int{lifetime.FindingUseAfterFree: {9}},
		},
		{
			name: "shifted",
			findings: map[lifetime.FindingKind][]int{
				lifetime.FindingUseAfterFree: {16},
				lifetime.FindingDoubleFree:   {17},
			},
		},
		{
			name:      "reset",
			findings:  map[lifetime.FindingKind][]int{},
			undecided: 1,
		},
		{
			name: "looped",
			findings: map[lifetime.FindingKind][]int{
				lifetime.FindingUseAfterFree: {30},
				lifetime.FindingDoubleFree:   {31},
			},
		},
		{
			name:     "fine",
			findings: map[lifetime.FindingKind][]int{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report, err := engine.AnalyzeProcedure(procedure(t, program, tt.name))
			require.NoError(t, err)

			got := make(map[lifetime.FindingKind][]int)
			for _, f := range report.Findings {
				got[f.Kind] = append(got[f.Kind], f.Location.Line)
			}
			assert.Equal(t, tt.findings, got)
			assert.Equal(t, tt.undecided, report.Count(lifetime.Indeterminate))
		})
	}
}

func TestCParserCopiesKeepOffsets(t *testing.T) {
	program := parseTestdata(t, "lifetimes.c")
	proc := procedure(t, program, "shifted")

	binds := stmtsOf(proc, hir.StmtBind)
	require.Len(t, binds, 2)
	assert.Equal(t, "q", binds[1].Variable)
	assert.Equal(t, "p", binds[1].Source)
	assert.Equal(t, int64(2), binds[1].Offset)

	unbinds := stmtsOf(procedure(t, program, "reset"), hir.StmtUnbind)
	require.Len(t, unbinds, 1)
	assert.Equal(t, "p", unbinds[0].Variable)
}

func TestCParserLoopsKeepBackEdges(t *testing.T) {
	program := parseTestdata(t, "lifetimes.c")
	proc := procedure(t, program, "looped")

	ca := hir.NewCFGAnalyzer(proc.CFG)
	assert.True(t, ca.HasCycle())
	assert.Len(t, ca.GetLoops(), 1)
}

func TestYAMLParserLoop(t *testing.T) {
	program := parseTestdata(t, "loop.cfg.yaml")
	require.Len(t, program.Procedures, 1)
	proc := program.Procedures[0]
	assert.Equal(t, "loop_free", proc.Name)
	require.NoError(t, proc.Validate())

	engine := lifetime.NewEngine(lifetime.DefaultOptions(), zap.NewNop())
	report, err := engine.AnalyzeProcedure(proc)
	require.NoError(t, err)

	assert.Len(t, report.FindingsOf(lifetime.FindingUseAfterFree), 1)
	assert.Len(t, report.FindingsOf(lifetime.FindingDoubleFree), 1)
	format := report.FindingsOf(lifetime.FindingUseAfterFreeViaFormat)
	require.Len(t, format, 3)
	for i, f := range format {
		assert.Equal(t, int64(i), f.Offset)
		assert.Equal(t, 8, f.Location.Line)
	}
}

func TestYAMLParserErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"malformed", "procedures: [\n"},
		{"unknown successor", "procedures:\n  - name: f\n    blocks:\n      - id: a\n        succs: [b]\n"},
		{"unknown op", "procedures:\n  - name: f\n    blocks:\n      - id: a\n        stmts:\n          - {op: realloc}\n"},
		{"repeat on free", "procedures:\n  - name: f\n    blocks:\n      - id: a\n        stmts:\n          - {op: free, var: p, repeat: 2}\n"},
		{"no blocks", "procedures:\n  - name: f\n"},
		{"repeat over limit", "procedures:\n  - name: f\n    blocks:\n      - id: a\n        stmts:\n          - {op: access, var: p, kind: read, repeat: 100000}\n"},
		{"repeat from unknown offset", "procedures:\n  - name: f\n    blocks:\n      - id: a\n        stmts:\n          - {op: access, var: p, kind: read, offset: -1, repeat: 3}\n"},
	}

	p := NewYAMLParser()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.Parse(context.Background(), "bad.cfg.yaml", []byte(tt.content))
			assert.Error(t, err)
		})
	}
}

func TestParserForPrefersLongestExtension(t *testing.T) {
	registry := NewParserRegistry(config.Load(), nil)

	assert.Equal(t, "hir", registry.ParserFor("graphs/loop.cfg.yaml").GetLanguage())
	assert.Equal(t, "c", registry.ParserFor("src/main.c").GetLanguage())
	assert.Equal(t, "c", registry.ParserFor("include/util.H").GetLanguage())
	assert.Nil(t, registry.ParserFor("config.yaml"))
	assert.Equal(t, []string{".c", ".cfg.yaml", ".cfg.yml", ".h"}, registry.GetSupportedExtensions())
}

func TestFormatConversions(t *testing.T) {
	tests := []struct {
		lit  string
		want string
	}{
		{`"%d "`, "d"},
		{`"%s=%d\n"`, "sd"},
		{`"100%% %s"`, "s"},
		{`"%-*.*s|%lu"`, "**su"},
		{`"\n"`, ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, string(formatConversions(tt.lit)), tt.lit)
	}
}

func TestSizeOfType(t *testing.T) {
	tests := []struct {
		typ  string
		want int64
		ok   bool
	}{
		{"int", 4, true},
		{"char", 1, true},
		{"unsigned  long", 8, true},
		{"char *", 8, true},
		{"const double", 8, true},
		{"struct node", 0, false},
	}
	for _, tt := range tests {
		got, ok := sizeOfType(tt.typ)
		assert.Equal(t, tt.ok, ok, tt.typ)
		assert.Equal(t, tt.want, got, tt.typ)
	}
}
