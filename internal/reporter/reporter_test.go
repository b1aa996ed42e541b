package reporter

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vandah/analyzer/internal/config"
	"github.com/vandah/analyzer/internal/lifetime"
	"github.com/vandah/analyzer/internal/scanner"
)

func finding(kind lifetime.FindingKind, line int, offset int64) *scanner.Finding {
	rule := scanner.RuleFor(kind)
	return &scanner.Finding{
		ID:          rule.ID + "-print.c-" + string(rune('0'+line)),
		RuleID:      rule.ID,
		Kind:        kind,
		Severity:    rule.Severity,
		Title:       rule.Title,
		Description: rule.Description,
		Message:     "a passed to formatted output after main:6:12 was freed",
		File:        "print.c",
		Line:        line,
		Column:      19,
		Procedure:   "main",
		Variable:    "a",
		Identity:    "main:6:12",
		Offset:      offset,
		Code:        `printf("%d ", a[i]);`,
		Remediation: rule.Remediation,
		CWE:         rule.CWE,
		Advisory:    rule.Advisory,
	}
}

func sampleResult() *scanner.ScanResult {
	findings := []*scanner.Finding{
		finding(lifetime.FindingUseAfterFreeViaFormat, 14, 0),
		finding(lifetime.FindingUseAfterFreeViaFormat, 14, 1),
		finding(lifetime.FindingDoubleFree, 20, 0),
	}
	return &scanner.ScanResult{
		Findings:  findings,
		StartTime: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		EndTime:   time.Date(2024, 1, 1, 0, 0, 1, 0, time.UTC),
		Duration:  time.Second,
		Statistics: &scanner.ScanStatistics{
			FilesScanned:       1,
			ProceduresAnalyzed: 1,
			AccessesClassified: 20,
			FindingsCount:      3,
			BySeverity:         map[config.SeverityLevel]int{config.SeverityLow: 2, config.SeverityHigh: 1},
			ByKind: map[lifetime.FindingKind]int{
				lifetime.FindingUseAfterFreeViaFormat: 2,
				lifetime.FindingDoubleFree:            1,
			},
		},
	}
}

func render(t *testing.T, format, severity string) string {
	t.Helper()
	cfg := config.Load()
	cfg.Format = format
	cfg.Severity = severity

	var buf bytes.Buffer
	require.NoError(t, New(cfg, zap.NewNop()).Write(&buf, sampleResult()))
	return buf.String()
}

func TestTextReport(t *testing.T) {
	out := render(t, "text", "low")

	assert.Contains(t, out, "Procedures analyzed: 1")
	assert.Contains(t, out, "UseAfterFreeViaFormat: 2")
	assert.Contains(t, out, "DoubleFreeDetected: 1")
	assert.Contains(t, out, "Severity: LOW (advisory)")
	assert.Contains(t, out, "Access: a[1]")
	assert.Contains(t, out, "Allocation: main:6:12")

	// High severity findings are listed first
	assert.Less(t, strings.Index(out, "[1] Double free"), strings.Index(out, "[2] Released storage"))
}

func TestTextReportSeverityFilter(t *testing.T) {
	out := render(t, "text", "high")
	assert.Contains(t, out, "[1] Double free")
	assert.NotContains(t, out, "[2]")

	out = render(t, "text", "critical")
	assert.Contains(t, out, "No findings match the specified severity criteria.")
}

func TestJSONReport(t *testing.T) {
	out := render(t, "json", "medium")

	var decoded struct {
		Findings []struct {
			Kind     string `json:"kind"`
			Severity string `json:"severity"`
			Line     int    `json:"line"`
		} `json:"findings"`
		Statistics struct {
			ByKind map[string]int `json:"by_kind"`
		} `json:"statistics"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	require.Len(t, decoded.Findings, 1)
	assert.Equal(t, "DoubleFreeDetected", decoded.Findings[0].Kind)
	assert.Equal(t, "high", decoded.Findings[0].Severity)
	assert.Equal(t, 2, decoded.Statistics.ByKind["UseAfterFreeViaFormat"])
}

func TestSARIFReport(t *testing.T) {
	out := render(t, "sarif", "low")

	var decoded struct {
		Version string `json:"version"`
		Runs    []struct {
			Tool struct {
				Driver struct {
					Name  string `json:"name"`
					Rules []struct {
						ID string `json:"id"`
					} `json:"rules"`
				} `json:"driver"`
			} `json:"tool"`
			Results []struct {
				RuleID string `json:"ruleId"`
				Level  string `json:"level"`
			} `json:"results"`
		} `json:"runs"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	assert.Equal(t, "2.1.0", decoded.Version)
	require.Len(t, decoded.Runs, 1)

	run := decoded.Runs[0]
	assert.Equal(t, "uafcheck", run.Tool.Driver.Name)
	require.Len(t, run.Tool.Driver.Rules, 2)
	assert.Equal(t, "UAF002", run.Tool.Driver.Rules[0].ID)
	assert.Equal(t, "UAF003", run.Tool.Driver.Rules[1].ID)

	require.Len(t, run.Results, 3)
	assert.Equal(t, "note", run.Results[0].Level)
	assert.Equal(t, "error", run.Results[2].Level)
}

func TestUnsupportedFormat(t *testing.T) {
	cfg := config.Load()
	cfg.Format = "xml"
	var buf bytes.Buffer
	assert.Error(t, New(cfg, nil).Write(&buf, sampleResult()))
}

func TestGenerateWritesOutputFile(t *testing.T) {
	cfg := config.Load()
	cfg.Format = "json"
	cfg.OutputFile = filepath.Join(t.TempDir(), "report.json")

	require.NoError(t, New(cfg, zap.NewNop()).Generate(sampleResult()))
	data, err := os.ReadFile(cfg.OutputFile)
	require.NoError(t, err)
	assert.True(t, json.Valid(data))
}
