package scanner

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vandah/analyzer/internal/config"
	"github.com/vandah/analyzer/internal/lifetime"
)

const doubleFreeGraph = `procedures:
  - name: twice
    blocks:
      - id: b0
        stmts:
          - {op: allocate, identity: "twice:1", size: 8, line: 1, column: 1}
          - {op: bind, var: p, identity: "twice:1", line: 1, column: 1}
          - {op: free, var: p, line: 2, column: 3}
          - {op: free, var: p, line: 3, column: 3}
`

// setupTree lays out a small source tree:
//
//	print.c             use after free through printf
//	graphs/df.cfg.yaml  double free
//	graphs/bad.cfg.yaml malformed
//	build/ignored.c     excluded directory
//	notes.txt           unsupported
func setupTree(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	fixture, err := os.ReadFile(filepath.Join("..", "parser", "testdata", "15-Use_after_free_print.c"))
	require.NoError(t, err)

	files := map[string]string{
		"print.c":             string(fixture),
		"graphs/df.cfg.yaml":  doubleFreeGraph,
		"graphs/bad.cfg.yaml": "procedures: [\n",
		"build/ignored.c":     string(fixture),
		"notes.txt":           "nothing to see",
	}
	for name, content := range files {
		path := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	}
	return dir
}

func testConfig(dir string) *config.Config {
	cfg := config.Load()
	cfg.ScanPath = dir
	cfg.Parallel = 2
	cfg.Cache.Enabled = false
	return cfg
}

func TestScanFindsLifetimeDefects(t *testing.T) {
	dir := setupTree(t)
	s := New(testConfig(dir), zap.NewNop())

	result, err := s.Scan(context.Background())
	require.NoError(t, err)

	// Findings are ordered by file, and graphs/ sorts before print.c
	require.Len(t, result.Findings, 11)
	df := result.Findings[0]
	assert.Equal(t, lifetime.FindingDoubleFree, df.Kind)
	assert.Equal(t, filepath.Join(dir, "graphs", "df.cfg.yaml"), df.File)
	assert.Equal(t, 3, df.Line)
	assert.Equal(t, "twice", df.Procedure)
	assert.Equal(t, config.SeverityHigh, df.Severity)
	assert.Equal(t, "CWE-415", df.CWE)
	assert.Empty(t, df.Code)

	for i, f := range result.Findings[1:] {
		assert.Equal(t, lifetime.FindingUseAfterFreeViaFormat, f.Kind)
		assert.Equal(t, filepath.Join(dir, "print.c"), f.File)
		assert.Equal(t, 14, f.Line)
		assert.Equal(t, int64(i), f.Offset)
		assert.Equal(t, "main", f.Procedure)
		assert.Equal(t, config.SeverityLow, f.Severity)
		assert.True(t, f.Advisory)
		assert.Equal(t, "CWE-416", f.CWE)
		assert.True(t, strings.HasPrefix(f.Code, `printf("%d ", a[i]);`))
		assert.Len(t, f.Context, 5)
	}

	stats := result.Statistics
	assert.Equal(t, 2, stats.FilesScanned)
	assert.Equal(t, 2, stats.ProceduresAnalyzed)
	assert.Equal(t, 20, stats.AccessesClassified)
	assert.Equal(t, 10, stats.ByKind[lifetime.FindingUseAfterFreeViaFormat])
	assert.Equal(t, 1, stats.ByKind[lifetime.FindingDoubleFree])
	assert.Equal(t, 10, stats.BySeverity[config.SeverityLow])
	assert.Equal(t, 11, stats.FindingsCount)

	assert.Equal(t, []string{filepath.Join(dir, "graphs", "df.cfg.yaml"), filepath.Join(dir, "print.c")}, result.ScannedFiles)
	assert.Contains(t, result.SkippedFiles, filepath.Join(dir, "graphs", "bad.cfg.yaml"))
	assert.Contains(t, result.SkippedFiles, filepath.Join(dir, "notes.txt"))
	assert.NotContains(t, result.SkippedFiles, filepath.Join(dir, "build", "ignored.c"))
	require.Len(t, result.Errors, 1)
	assert.Equal(t, filepath.Join(dir, "graphs", "bad.cfg.yaml"), result.Errors[0].File)
}

func TestScanWithFormatReportingDisabled(t *testing.T) {
	dir := setupTree(t)
	cfg := testConfig(dir)
	cfg.Analysis.EnableFormatAccessReporting = false

	result, err := New(cfg, zap.NewNop()).Scan(context.Background())
	require.NoError(t, err)

	require.Len(t, result.Findings, 1)
	assert.Equal(t, lifetime.FindingDoubleFree, result.Findings[0].Kind)
	assert.Equal(t, 10, result.Statistics.Suppressed)
}

func TestScanUsesResultCache(t *testing.T) {
	dir := setupTree(t)
	cfg := testConfig(dir)
	cfg.Cache.Enabled = true
	cfg.Cache.Directory = t.TempDir()

	first, err := New(cfg, zap.NewNop()).Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, first.Statistics.CacheHits)

	second, err := New(cfg, zap.NewNop()).Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, second.Statistics.CacheHits)

	require.Len(t, second.Findings, len(first.Findings))
	for i := range first.Findings {
		assert.Equal(t, first.Findings[i].ID, second.Findings[i].ID)
		assert.Equal(t, first.Findings[i].Kind, second.Findings[i].Kind)
		assert.Equal(t, first.Findings[i].Severity, second.Findings[i].Severity)
	}

	// A different option set must not reuse entries
	cfg.Analysis.EnableFormatAccessReporting = false
	third, err := New(cfg, zap.NewNop()).Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, third.Statistics.CacheHits)
	assert.Len(t, third.Findings, 1)
}

func TestScanSingleFile(t *testing.T) {
	dir := setupTree(t)
	cfg := testConfig(filepath.Join(dir, "print.c"))

	result, err := New(cfg, zap.NewNop()).Scan(context.Background())
	require.NoError(t, err)
	assert.Len(t, result.Findings, 10)
	assert.Equal(t, 1, result.Statistics.FilesScanned)
}

func TestScanMissingPath(t *testing.T) {
	cfg := testConfig(filepath.Join(t.TempDir(), "missing"))
	_, err := New(cfg, zap.NewNop()).Scan(context.Background())
	assert.Error(t, err)
}

func TestPathMatchesPattern(t *testing.T) {
	tests := []struct {
		path    string
		pattern string
		want    bool
	}{
		{"src/build/x", "build", true},
		{"src/builder", "build", false},
		{"a/third_party/lib", "third_party/lib", true},
		{"a/third_party/other", "third_party/lib", false},
		{"/abs/vendor", "/abs/vendor", true},
		{"/abs/vendored", "/abs/vendor", false},
		{"src/.cache-x", ".cache*", true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, pathMatchesPattern(filepath.FromSlash(tt.path), filepath.FromSlash(tt.pattern)), tt.path)
	}
}

func TestRuleFor(t *testing.T) {
	assert.Equal(t, config.SeverityHigh, RuleFor(lifetime.FindingUseAfterFree).Severity)
	assert.Equal(t, config.SeverityMedium, RuleFor(lifetime.FindingFreeOfUnknownBlock).Severity)
	assert.Equal(t, "CWE-590", RuleFor(lifetime.FindingFreeOfUnknownBlock).CWE)
	assert.False(t, RuleFor(lifetime.FindingDoubleFree).Advisory)
}
