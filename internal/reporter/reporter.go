package reporter

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/vandah/analyzer/internal/config"
	"github.com/vandah/analyzer/internal/lifetime"
	"github.com/vandah/analyzer/internal/scanner"
)

const (
	toolName    = "uafcheck"
	toolVersion = "1.0.0"
)

// Reporter generates scan reports
type Reporter struct {
	config *config.Config
	logger *zap.Logger
}

// New creates a new reporter instance
func New(cfg *config.Config, logger *zap.Logger) *Reporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reporter{
		config: cfg,
		logger: logger,
	}
}

// Generate writes the report to the configured output file or stdout
func (r *Reporter) Generate(results *scanner.ScanResult) error {
	if r.config.OutputFile == "" {
		return r.Write(os.Stdout, results)
	}

	f, err := os.Create(r.config.OutputFile)
	if err != nil {
		return fmt.Errorf("failed to write report to file: %w", err)
	}
	defer f.Close()

	if err := r.Write(f, results); err != nil {
		return err
	}
	r.logger.Info("Report written", zap.String("file", r.config.OutputFile))
	return nil
}

// Write renders results in the configured format
func (r *Reporter) Write(w io.Writer, results *scanner.ScanResult) error {
	var output string
	var err error

	switch strings.ToLower(r.config.Format) {
	case "json":
		output, err = r.generateJSON(results)
	case "sarif":
		output, err = r.generateSARIF(results)
	case "text", "":
		output, err = r.generateText(results)
	default:
		return fmt.Errorf("unsupported output format: %s", r.config.Format)
	}
	if err != nil {
		return fmt.Errorf("failed to generate report: %w", err)
	}

	_, err = io.WriteString(w, output)
	return err
}

// generateText generates a human-readable text report
func (r *Reporter) generateText(results *scanner.ScanResult) (string, error) {
	var sb strings.Builder
	stats := results.Statistics

	sb.WriteString("=== Allocation Lifetime Report ===\n\n")
	sb.WriteString(fmt.Sprintf("Scan completed at: %s\n", results.EndTime.Format(time.RFC3339)))
	sb.WriteString(fmt.Sprintf("Scan duration: %s\n", results.Duration.String()))
	sb.WriteString(fmt.Sprintf("Files scanned: %d\n", stats.FilesScanned))
	sb.WriteString(fmt.Sprintf("Files skipped: %d\n", stats.FilesSkipped))
	sb.WriteString(fmt.Sprintf("Procedures analyzed: %d\n", stats.ProceduresAnalyzed))
	sb.WriteString(fmt.Sprintf("Accesses classified: %d (%d indeterminate)\n", stats.AccessesClassified, stats.Indeterminate))
	if stats.Suppressed > 0 {
		sb.WriteString(fmt.Sprintf("Format findings suppressed: %d\n", stats.Suppressed))
	}
	if stats.CapExceeded > 0 {
		sb.WriteString(fmt.Sprintf("Procedures over iteration cap: %d\n", stats.CapExceeded))
	}
	sb.WriteString(fmt.Sprintf("Total findings: %d\n\n", len(results.Findings)))

	sb.WriteString("Findings by Severity:\n")
	for severity := config.SeverityCritical; severity >= config.SeverityLow; severity-- {
		if count := stats.BySeverity[severity]; count > 0 {
			sb.WriteString(fmt.Sprintf("  %s: %d\n", strings.ToUpper(severity.String()), count))
		}
	}
	sb.WriteString("\nFindings by Kind:\n")
	for kind := lifetime.FindingUseAfterFree; kind <= lifetime.FindingFreeOfUnknownBlock; kind++ {
		if count := stats.ByKind[kind]; count > 0 {
			sb.WriteString(fmt.Sprintf("  %s: %d\n", kind, count))
		}
	}
	sb.WriteString("\n")

	minSeverity := config.ParseSeverity(r.config.Severity)
	filteredFindings := filterBySeverity(results.Findings, minSeverity)

	if len(filteredFindings) == 0 {
		sb.WriteString("No findings match the specified severity criteria.\n")
		return sb.String(), nil
	}

	// Most severe first; scanner order (file, position) is kept within a level
	sort.SliceStable(filteredFindings, func(i, j int) bool {
		return filteredFindings[i].Severity > filteredFindings[j].Severity
	})

	sb.WriteString("=== Detailed Findings ===\n\n")
	for i, finding := range filteredFindings {
		sb.WriteString(fmt.Sprintf("[%d] %s\n", i+1, finding.Title))
		sb.WriteString(fmt.Sprintf("    Severity: %s", strings.ToUpper(finding.Severity.String())))
		if finding.Advisory {
			sb.WriteString(" (advisory)")
		}
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("    File: %s:%d:%d\n", finding.File, finding.Line, finding.Column))
		sb.WriteString(fmt.Sprintf("    Kind: %s\n", finding.Kind))
		sb.WriteString(fmt.Sprintf("    Rule: %s\n", finding.RuleID))
		sb.WriteString(fmt.Sprintf("    Procedure: %s\n", finding.Procedure))

		if finding.Variable != "" {
			sb.WriteString(fmt.Sprintf("    Access: %s", finding.Variable))
			if finding.Offset >= 0 {
				sb.WriteString(fmt.Sprintf("[%d]", finding.Offset))
			}
			sb.WriteString("\n")
		}
		if finding.Identity != "" {
			sb.WriteString(fmt.Sprintf("    Allocation: %s\n", finding.Identity))
		}
		if finding.CWE != "" {
			sb.WriteString(fmt.Sprintf("    CWE: %s\n", finding.CWE))
		}

		sb.WriteString(fmt.Sprintf("    Description: %s\n", finding.Description))
		if finding.Message != "" {
			sb.WriteString(fmt.Sprintf("    Detail: %s\n", finding.Message))
		}

		if finding.Code != "" {
			sb.WriteString(fmt.Sprintf("    Code: %s\n", finding.Code))
		}

		if len(finding.Context) > 0 {
			sb.WriteString("    Context:\n")
			for _, line := range finding.Context {
				sb.WriteString(fmt.Sprintf("      %s\n", line))
			}
		}

		if finding.Remediation != "" {
			sb.WriteString(fmt.Sprintf("    Remediation: %s\n", finding.Remediation))
		}
		sb.WriteString("\n")
	}

	if len(results.Errors) > 0 {
		sb.WriteString("=== Analysis Errors ===\n\n")
		for _, e := range results.Errors {
			sb.WriteString(fmt.Sprintf("  %s: %s\n", e.File, e.Message))
		}
	}

	return sb.String(), nil
}

// generateJSON generates a JSON report
func (r *Reporter) generateJSON(results *scanner.ScanResult) (string, error) {
	minSeverity := config.ParseSeverity(r.config.Severity)
	filteredResults := *results
	filteredResults.Findings = filterBySeverity(results.Findings, minSeverity)
	if filteredResults.Findings == nil {
		filteredResults.Findings = []*scanner.Finding{}
	}

	data, err := json.MarshalIndent(filteredResults, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal JSON: %w", err)
	}

	return string(data), nil
}

// generateSARIF generates a SARIF format report
func (r *Reporter) generateSARIF(results *scanner.ScanResult) (string, error) {
	minSeverity := config.ParseSeverity(r.config.Severity)
	filteredFindings := filterBySeverity(results.Findings, minSeverity)

	sarif := map[string]interface{}{
		"version": "2.1.0",
		"$schema": "https://json.schemastore.org/sarif-2.1.0.json",
		"runs": []map[string]interface{}{
			{
				"tool": map[string]interface{}{
					"driver": map[string]interface{}{
						"name":    toolName,
						"version": toolVersion,
						"shortDescription": map[string]interface{}{
							"text": "Allocation lifetime checker for C",
						},
						"fullDescription": map[string]interface{}{
							"text": "Tracks heap allocations through each procedure's control flow and reports use after free, double free and frees of untracked storage",
						},
						"rules": buildSARIFRules(filteredFindings),
					},
				},
				"results": buildSARIFResults(filteredFindings),
			},
		},
	}

	data, err := json.MarshalIndent(sarif, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal SARIF: %w", err)
	}

	return string(data), nil
}

// buildSARIFRules builds SARIF rule definitions ordered by rule ID
func buildSARIFRules(findings []*scanner.Finding) []map[string]interface{} {
	ruleMap := make(map[string]*scanner.Finding)
	for _, finding := range findings {
		if _, exists := ruleMap[finding.RuleID]; !exists {
			ruleMap[finding.RuleID] = finding
		}
	}

	ids := make([]string, 0, len(ruleMap))
	for id := range ruleMap {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	rules := make([]map[string]interface{}, 0, len(ids))
	for _, id := range ids {
		finding := ruleMap[id]
		properties := map[string]interface{}{
			"tags": []string{
				finding.Kind.String(),
				finding.Severity.String(),
			},
		}
		if finding.CWE != "" {
			properties["cwe"] = finding.CWE
		}

		rules = append(rules, map[string]interface{}{
			"id":   finding.RuleID,
			"name": finding.Kind.String(),
			"shortDescription": map[string]interface{}{
				"text": finding.Title,
			},
			"fullDescription": map[string]interface{}{
				"text": finding.Description,
			},
			"help": map[string]interface{}{
				"text": finding.Remediation,
			},
			"defaultConfiguration": map[string]interface{}{
				"level": sarifLevel(finding),
			},
			"properties": properties,
		})
	}

	return rules
}

// buildSARIFResults builds SARIF result entries
func buildSARIFResults(findings []*scanner.Finding) []map[string]interface{} {
	results := make([]map[string]interface{}, 0, len(findings))

	for _, finding := range findings {
		physical := map[string]interface{}{
			"artifactLocation": map[string]interface{}{
				"uri": finding.File,
			},
			"region": map[string]interface{}{
				"startLine":   finding.Line,
				"startColumn": finding.Column,
			},
		}
		if finding.Code != "" {
			physical["contextRegion"] = map[string]interface{}{
				"startLine": finding.Line,
				"snippet": map[string]interface{}{
					"text": finding.Code,
				},
			}
		}

		message := finding.Description
		if finding.Message != "" {
			message = finding.Message
		}

		results = append(results, map[string]interface{}{
			"ruleId": finding.RuleID,
			"message": map[string]interface{}{
				"text": message,
			},
			"locations": []map[string]interface{}{
				{
					"physicalLocation": physical,
					"logicalLocations": []map[string]interface{}{
						{"name": finding.Procedure, "kind": "function"},
					},
				},
			},
			"partialFingerprints": map[string]interface{}{
				"findingId": finding.ID,
			},
			"level": sarifLevel(finding),
		})
	}

	return results
}

// sarifLevel converts a finding's severity to a SARIF level. Advisory
// findings are always notes.
func sarifLevel(finding *scanner.Finding) string {
	if finding.Advisory {
		return "note"
	}
	switch finding.Severity {
	case config.SeverityCritical, config.SeverityHigh:
		return "error"
	case config.SeverityMedium:
		return "warning"
	case config.SeverityLow:
		return "note"
	default:
		return "warning"
	}
}

// filterBySeverity filters findings by minimum severity level
func filterBySeverity(findings []*scanner.Finding, minSeverity config.SeverityLevel) []*scanner.Finding {
	var filtered []*scanner.Finding
	for _, finding := range findings {
		if finding.Severity >= minSeverity {
			filtered = append(filtered, finding)
		}
	}
	return filtered
}
