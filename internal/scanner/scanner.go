package scanner

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vandah/analyzer/internal/cache"
	"github.com/vandah/analyzer/internal/config"
	"github.com/vandah/analyzer/internal/hir"
	"github.com/vandah/analyzer/internal/lifetime"
	"github.com/vandah/analyzer/internal/parser"
)

// analysisVersion is mixed into cache keys; bump it when lowering or engine
// semantics change
const analysisVersion = "1"

// Scanner walks source trees and runs the lifetime engine on every procedure
type Scanner struct {
	config         *config.Config
	logger         *zap.Logger
	engine         *lifetime.Engine
	parserRegistry *parser.ParserRegistry
	cache          *cache.ResultCache
	fingerprint    string
}

// New creates a new scanner instance
func New(cfg *config.Config, logger *zap.Logger) *Scanner {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := lifetime.Options{
		EnableFormatAccessReporting: cfg.Analysis.EnableFormatAccessReporting,
		IterationCap:                cfg.Analysis.IterationCap,
	}

	s := &Scanner{
		config:         cfg,
		logger:         logger,
		engine:         lifetime.NewEngine(opts, logger),
		parserRegistry: parser.NewParserRegistry(cfg, logger),
		fingerprint: fmt.Sprintf("v%s %s unroll=%d fmt=%s alloc=%s free=%s",
			analysisVersion, opts, cfg.Analysis.UnrollLimit,
			strings.Join(cfg.Analysis.FormatFunctions, ","),
			strings.Join(cfg.Analysis.AllocFunctions, ","),
			strings.Join(cfg.Analysis.FreeFunctions, ",")),
	}

	if cfg.Cache.Enabled {
		resultCache, err := cache.NewResultCache(cfg.Cache.Directory, time.Duration(cfg.Cache.MaxAge)*time.Hour, logger)
		if err != nil {
			logger.Warn("Failed to initialize result cache", zap.Error(err))
		} else {
			s.cache = resultCache
		}
	}

	return s
}

// ScanResult represents the result of a scan
type ScanResult struct {
	Findings     []*Finding      `json:"findings"`
	Statistics   *ScanStatistics `json:"statistics"`
	StartTime    time.Time       `json:"start_time"`
	EndTime      time.Time       `json:"end_time"`
	Duration     time.Duration   `json:"duration"`
	ScannedFiles []string        `json:"scanned_files"`
	SkippedFiles []string        `json:"skipped_files"`
	Errors       []FileError     `json:"errors,omitempty"`
}

// FileError records a file that could not be analyzed, fully or in part
type FileError struct {
	File    string `json:"file"`
	Message string `json:"message"`
}

// Finding represents one lifetime defect
type Finding struct {
	ID          string               `json:"id"`
	RuleID      string               `json:"rule_id"`
	Kind        lifetime.FindingKind `json:"kind"`
	Severity    config.SeverityLevel `json:"severity"`
	Title       string               `json:"title"`
	Description string               `json:"description"`
	Message     string               `json:"message"`
	File        string               `json:"file"`
	Line        int                  `json:"line"`
	Column      int                  `json:"column"`
	Procedure   string               `json:"procedure"`
	Variable    string               `json:"variable,omitempty"`
	Identity    hir.Identity         `json:"identity,omitempty"`
	Offset      int64                `json:"offset"`
	Code        string               `json:"code,omitempty"`
	Context     []string             `json:"context,omitempty"`
	Remediation string               `json:"remediation"`
	CWE         string               `json:"cwe"`
	Advisory    bool                 `json:"advisory,omitempty"`
}

// ScanStatistics contains scan statistics
type ScanStatistics struct {
	FilesScanned       int                          `json:"files_scanned"`
	FilesSkipped       int                          `json:"files_skipped"`
	LinesScanned       int                          `json:"lines_scanned"`
	FindingsCount      int                          `json:"findings_count"`
	ProceduresAnalyzed int                          `json:"procedures_analyzed"`
	AccessesClassified int                          `json:"accesses_classified"`
	Indeterminate      int                          `json:"indeterminate"`
	Suppressed         int                          `json:"suppressed"`
	CapExceeded        int                          `json:"cap_exceeded"`
	CacheHits          int                          `json:"cache_hits"`
	BySeverity         map[config.SeverityLevel]int `json:"by_severity"`
	ByKind             map[lifetime.FindingKind]int `json:"by_kind"`
	ProcessingTime     time.Duration                `json:"processing_time"`
	Workers            int                          `json:"workers"`
}

// FileJob represents a file to be scanned
type FileJob struct {
	Path    string
	Content []byte
}

// FileAnalysis is the per-file outcome. It is what the result cache stores.
type FileAnalysis struct {
	File          string     `json:"file"`
	Findings      []*Finding `json:"findings"`
	Procedures    int        `json:"procedures"`
	Accesses      int        `json:"accesses"`
	Indeterminate int        `json:"indeterminate"`
	Suppressed    int        `json:"suppressed"`
	CapExceeded   int        `json:"cap_exceeded"`
	Errors        []string   `json:"errors,omitempty"`
	// Failed is set when the file could not be parsed at all
	Failed bool `json:"failed,omitempty"`

	cached bool
}

// Scan analyzes every supported file under the configured path
func (s *Scanner) Scan(ctx context.Context) (*ScanResult, error) {
	startTime := time.Now()

	if _, err := os.Stat(s.config.ScanPath); err != nil {
		return nil, fmt.Errorf("cannot scan %s: %w", s.config.ScanPath, err)
	}

	s.logger.Info("Starting lifetime scan",
		zap.String("path", s.config.ScanPath),
		zap.Int("workers", s.config.Parallel),
		zap.Stringer("options", s.engineOptions()))

	result := &ScanResult{
		Findings:     make([]*Finding, 0),
		StartTime:    startTime,
		ScannedFiles: make([]string, 0),
		SkippedFiles: make([]string, 0),
		Statistics: &ScanStatistics{
			BySeverity: make(map[config.SeverityLevel]int),
			ByKind:     make(map[lifetime.FindingKind]int),
			Workers:    s.config.Parallel,
		},
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	workers := s.config.Parallel
	if workers <= 0 {
		workers = 1
	}

	// Set up parallel processing pipeline
	fileJobs := make(chan *FileJob, workers*2)
	analyses := make(chan *FileAnalysis, workers*2)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go s.worker(ctx, &wg, fileJobs, analyses)
	}

	var failed []string
	var collectorWg sync.WaitGroup
	collectorWg.Add(1)
	go s.collector(&collectorWg, analyses, result, &failed)

	walkErr := s.walkDirectory(ctx, fileJobs, result)

	close(fileJobs)
	wg.Wait()

	close(analyses)
	collectorWg.Wait()
	s.markFailed(result, failed)

	sortFindings(result.Findings)
	sort.Strings(result.ScannedFiles)
	sort.Strings(result.SkippedFiles)
	sort.Slice(result.Errors, func(i, j int) bool {
		if result.Errors[i].File != result.Errors[j].File {
			return result.Errors[i].File < result.Errors[j].File
		}
		return result.Errors[i].Message < result.Errors[j].Message
	})

	result.EndTime = time.Now()
	result.Duration = result.EndTime.Sub(result.StartTime)
	result.Statistics.ProcessingTime = result.Duration
	result.Statistics.FindingsCount = len(result.Findings)

	if s.cache != nil {
		if err := s.cache.Cleanup(); err != nil {
			s.logger.Warn("Result cache cleanup failed", zap.Error(err))
		}
	}

	s.logger.Info("Scan completed",
		zap.Int("findings", len(result.Findings)),
		zap.Int("files_scanned", result.Statistics.FilesScanned),
		zap.Int("procedures", result.Statistics.ProceduresAnalyzed),
		zap.Duration("duration", result.Duration))

	if walkErr != nil {
		if ctx.Err() != nil {
			return nil, walkErr
		}
		s.logger.Warn("Directory walk completed with warnings", zap.Error(walkErr))
	}

	return result, nil
}

func (s *Scanner) engineOptions() lifetime.Options {
	return lifetime.Options{
		EnableFormatAccessReporting: s.config.Analysis.EnableFormatAccessReporting,
		IterationCap:                s.config.Analysis.IterationCap,
	}
}

// worker processes file jobs in parallel
func (s *Scanner) worker(ctx context.Context, wg *sync.WaitGroup, jobs <-chan *FileJob, analyses chan<- *FileAnalysis) {
	defer wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-jobs:
			if !ok {
				return
			}
			analyses <- s.processFile(ctx, job)
		}
	}
}

// processFile lowers one file and analyzes each of its procedures with a
// fresh shadow heap
func (s *Scanner) processFile(ctx context.Context, job *FileJob) *FileAnalysis {
	s.logger.Debug("Processing file", zap.String("file", job.Path))

	key := cache.Key(job.Content, s.fingerprint+"\x00"+job.Path)
	if s.cache != nil {
		var cached FileAnalysis
		if s.cache.Get(key, &cached) {
			cached.cached = true
			return &cached
		}
	}

	analysis := &FileAnalysis{File: job.Path, Findings: make([]*Finding, 0)}

	program, err := s.parserRegistry.ParseFile(ctx, job.Path, job.Content)
	if err != nil {
		s.logger.Warn("Failed to parse file",
			zap.String("file", job.Path),
			zap.Error(err))
		analysis.Failed = true
		analysis.Errors = append(analysis.Errors, err.Error())
		return analysis
	}

	var lines []string
	if program.Language == "c" {
		lines = strings.Split(string(job.Content), "\n")
	}

	for _, proc := range program.Procedures {
		report, err := s.engine.AnalyzeProcedure(proc)
		if err != nil {
			s.logger.Warn("Procedure skipped",
				zap.String("file", job.Path),
				zap.String("procedure", proc.Name),
				zap.Error(err))
			analysis.Errors = append(analysis.Errors, err.Error())
			continue
		}

		analysis.Procedures++
		analysis.Accesses += len(report.Classifications)
		analysis.Indeterminate += report.Count(lifetime.Indeterminate)
		analysis.Suppressed += report.Suppressed
		if report.CapExceeded {
			analysis.CapExceeded++
		}
		for _, f := range report.Findings {
			analysis.Findings = append(analysis.Findings, s.newFinding(job.Path, f, lines))
		}
	}

	if s.cache != nil {
		if err := s.cache.Set(key, job.Path, analysis); err != nil {
			s.logger.Warn("Failed to cache analysis result",
				zap.String("file", job.Path),
				zap.Error(err))
		}
	}
	return analysis
}

func (s *Scanner) newFinding(file string, f lifetime.Finding, lines []string) *Finding {
	rule := RuleFor(f.Kind)
	finding := &Finding{
		ID:          fmt.Sprintf("%s-%s-%d-%d-%s-%d", rule.ID, file, f.Location.Line, f.Location.Column, f.Variable, f.Offset),
		RuleID:      rule.ID,
		Kind:        f.Kind,
		Severity:    rule.Severity,
		Title:       rule.Title,
		Description: rule.Description,
		Message:     f.Message,
		File:        file,
		Line:        f.Location.Line,
		Column:      f.Location.Column,
		Procedure:   f.Procedure,
		Variable:    f.Variable,
		Identity:    f.Identity,
		Offset:      f.Offset,
		Remediation: rule.Remediation,
		CWE:         rule.CWE,
		Advisory:    rule.Advisory,
	}
	if idx := f.Location.Line - 1; idx >= 0 && idx < len(lines) {
		finding.Code = strings.TrimSpace(lines[idx])
		finding.Context = getLineContext(lines, idx, 2)
	}
	return finding
}

// getLineContext gets surrounding lines for context
func getLineContext(lines []string, lineNum, contextSize int) []string {
	start := lineNum - contextSize
	end := lineNum + contextSize + 1
	if start < 0 {
		start = 0
	}
	if end > len(lines) {
		end = len(lines)
	}

	context := make([]string, 0, end-start)
	for i := start; i < end; i++ {
		prefix := "   "
		if i == lineNum {
			prefix = ">> "
		}
		context = append(context, fmt.Sprintf("%s%4d: %s", prefix, i+1, lines[i]))
	}
	return context
}

// walkDirectory walks the scan path and sends supported files for processing
func (s *Scanner) walkDirectory(ctx context.Context, jobs chan<- *FileJob, result *ScanResult) error {
	var processedFiles int

	return filepath.WalkDir(s.config.ScanPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			s.logger.Warn("Error accessing path", zap.String("path", path), zap.Error(err))
			return nil // Continue walking
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if d.IsDir() {
			if path != s.config.ScanPath && s.shouldIgnorePath(path) {
				return filepath.SkipDir
			}
			return nil
		}

		// Check file limit (0 = unlimited)
		if s.config.MaxFiles > 0 && processedFiles >= s.config.MaxFiles {
			s.logger.Info("Reached maximum file limit, stopping scan",
				zap.Int("max_files", s.config.MaxFiles),
				zap.Int("processed", processedFiles))
			return filepath.SkipAll
		}

		if s.parserRegistry.ParserFor(path) == nil {
			result.SkippedFiles = append(result.SkippedFiles, path)
			result.Statistics.FilesSkipped++
			return nil
		}

		content, err := os.ReadFile(path)
		if err != nil {
			s.logger.Warn("Failed to read file", zap.String("file", path), zap.Error(err))
			result.SkippedFiles = append(result.SkippedFiles, path)
			result.Statistics.FilesSkipped++
			return nil
		}
		result.Statistics.LinesScanned += bytes.Count(content, []byte("\n"))
		if len(content) > 0 && content[len(content)-1] != '\n' {
			result.Statistics.LinesScanned++
		}

		select {
		case jobs <- &FileJob{Path: path, Content: content}:
			result.ScannedFiles = append(result.ScannedFiles, path)
			result.Statistics.FilesScanned++
			processedFiles++
		case <-ctx.Done():
			return ctx.Err()
		}

		return nil
	})
}

// shouldIgnorePath checks if a directory should be skipped
func (s *Scanner) shouldIgnorePath(path string) bool {
	normalizedPath := filepath.Clean(path)
	for _, excludedDir := range s.config.ExcludedDirs {
		if pathMatchesPattern(normalizedPath, excludedDir) {
			return true
		}
	}
	return false
}

// pathMatchesPattern checks if a path matches a directory pattern
func pathMatchesPattern(path, pattern string) bool {
	normalizedPath := filepath.Clean(path)
	normalizedPattern := filepath.Clean(pattern)

	if filepath.IsAbs(normalizedPattern) {
		return normalizedPath == normalizedPattern ||
			strings.HasPrefix(normalizedPath, normalizedPattern+string(filepath.Separator))
	}

	pathParts := strings.Split(normalizedPath, string(filepath.Separator))
	patternParts := strings.Split(normalizedPattern, string(filepath.Separator))

	// Any run of path components equal to the pattern's components
	for i := 0; i+len(patternParts) <= len(pathParts); i++ {
		match := true
		for j, patternPart := range patternParts {
			if pathParts[i+j] != patternPart {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}

	// Simple glob support on single components
	if strings.Contains(normalizedPattern, "*") {
		for _, part := range pathParts {
			if matched, _ := filepath.Match(normalizedPattern, part); matched {
				return true
			}
		}
	}

	return false
}

// collector merges per-file analyses into the scan result. Files that could
// not be parsed are handed back through failed, since the walker still owns
// the file lists.
func (s *Scanner) collector(wg *sync.WaitGroup, analyses <-chan *FileAnalysis, result *ScanResult, failed *[]string) {
	defer wg.Done()

	for analysis := range analyses {
		stats := result.Statistics
		if analysis.cached {
			stats.CacheHits++
		}
		for _, msg := range analysis.Errors {
			result.Errors = append(result.Errors, FileError{File: analysis.File, Message: msg})
		}
		if analysis.Failed {
			*failed = append(*failed, analysis.File)
			continue
		}

		stats.ProceduresAnalyzed += analysis.Procedures
		stats.AccessesClassified += analysis.Accesses
		stats.Indeterminate += analysis.Indeterminate
		stats.Suppressed += analysis.Suppressed
		stats.CapExceeded += analysis.CapExceeded
		for _, finding := range analysis.Findings {
			result.Findings = append(result.Findings, finding)
			stats.BySeverity[finding.Severity]++
			stats.ByKind[finding.Kind]++
		}
	}
}

// markFailed moves files that could not be parsed from scanned to skipped
func (s *Scanner) markFailed(result *ScanResult, failed []string) {
	if len(failed) == 0 {
		return
	}
	isFailed := make(map[string]bool, len(failed))
	for _, path := range failed {
		isFailed[path] = true
	}
	scanned := result.ScannedFiles[:0]
	for _, path := range result.ScannedFiles {
		if !isFailed[path] {
			scanned = append(scanned, path)
		}
	}
	result.ScannedFiles = scanned
	result.SkippedFiles = append(result.SkippedFiles, failed...)
	result.Statistics.FilesScanned -= len(failed)
	result.Statistics.FilesSkipped += len(failed)
}

// sortFindings orders findings by file, position, kind and offset so output
// does not depend on worker scheduling
func sortFindings(findings []*Finding) {
	sort.SliceStable(findings, func(i, j int) bool {
		a, b := findings[i], findings[j]
		if a.File != b.File {
			return a.File < b.File
		}
		if a.Line != b.Line {
			return a.Line < b.Line
		}
		if a.Column != b.Column {
			return a.Column < b.Column
		}
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		if a.Procedure != b.Procedure {
			return a.Procedure < b.Procedure
		}
		return a.Offset < b.Offset
	})
}
