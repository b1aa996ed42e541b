package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/vandah/analyzer/internal/baseline"
	"github.com/vandah/analyzer/internal/cache"
	"github.com/vandah/analyzer/internal/config"
	"github.com/vandah/analyzer/internal/lifetime"
	"github.com/vandah/analyzer/internal/reporter"
	"github.com/vandah/analyzer/internal/scanner"
)

// ErrNewFindings is returned when a scan reports findings missing from the baseline
var ErrNewFindings = errors.New("new findings not present in baseline")

type options struct {
	cfgFile           string
	outputFile        string
	format            string
	severity          string
	parallel          int
	verbose           bool
	excludedDirs      []string
	maxFiles          int
	noFormatReporting bool
	iterationCap      int
	unrollLimit       int
	noCache           bool
	clearCache        bool
	cacheStatus       bool
	baselinePath      string
	updateBaseline    bool
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:   "uafcheck [path]",
		Short: "Allocation lifetime checker for C sources",
		Long: `uafcheck follows every heap allocation through the control flow of each
procedure and reports accesses to released storage, double frees and frees of
pointers that never referred to a tracked allocation. It reads C sources and
hand-written control flow graphs (.cfg.yaml).`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			initConfig(cmd.ErrOrStderr(), opts.cfgFile)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScan(cmd, opts, args)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.cfgFile, "config", "", "config file (default is .uafcheck.yaml)")
	flags.StringVarP(&opts.outputFile, "output", "o", "", "output file (default: stdout)")
	flags.StringVarP(&opts.format, "format", "f", "text", "output format (text, json, sarif)")
	flags.StringVarP(&opts.severity, "severity", "s", "low", "minimum severity level (low, medium, high, critical)")
	flags.IntVarP(&opts.parallel, "parallel", "p", 0, "number of parallel workers (0 = auto)")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "verbose output")
	flags.StringSliceVar(&opts.excludedDirs, "exclude-dir", []string{}, "directories to exclude from scanning")
	flags.IntVar(&opts.maxFiles, "max-files", 0, "maximum number of files to process (0 = unlimited)")
	flags.BoolVar(&opts.noFormatReporting, "no-format-reporting", false, "do not report released storage passed to formatted output")
	flags.IntVar(&opts.iterationCap, "iteration-cap", 0, "fixed-point iteration limit per procedure (0 = config default)")
	flags.IntVar(&opts.unrollLimit, "unroll-limit", 0, "unroll constant-trip loops up to this many iterations (0 = config default)")
	flags.BoolVar(&opts.noCache, "no-cache", false, "disable the per-file result cache")
	flags.BoolVar(&opts.clearCache, "clear-cache", false, "remove all cached results and exit")
	flags.BoolVar(&opts.cacheStatus, "cache-status", false, "print result cache statistics and exit")
	flags.StringVar(&opts.baselinePath, "baseline", "", "baseline database; only findings missing from it are reported")
	flags.BoolVar(&opts.updateBaseline, "update-baseline", false, "record this scan's findings as the new baseline")

	return rootCmd
}

// Execute runs the root command
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	return newRootCmd().ExecuteContext(ctx)
}

func initConfig(stderr io.Writer, cfgFile string) {
	viper.Reset()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(home)
		}
		viper.SetConfigType("yaml")
		viper.SetConfigName(".uafcheck")
	}

	viper.SetEnvPrefix("UAFCHECK")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(stderr, "Using config file:", viper.ConfigFileUsed())
	} else if cfgFile != "" {
		fmt.Fprintf(stderr, "Failed to read config file %s: %v\n", cfgFile, err)
	}
}

// buildConfig layers explicitly set flags over the file/env configuration
func buildConfig(cmd *cobra.Command, opts *options, scanPath string) *config.Config {
	cfg := config.Load()
	cfg.ScanPath = scanPath
	cfg.OutputFile = opts.outputFile

	changed := cmd.Flags().Changed
	if changed("format") {
		cfg.Format = opts.format
	}
	if changed("severity") {
		cfg.Severity = opts.severity
	}
	if opts.parallel > 0 {
		cfg.Parallel = opts.parallel
	}
	if changed("verbose") {
		cfg.Verbose = opts.verbose
	}
	if changed("exclude-dir") {
		cfg.ExcludedDirs = append(cfg.ExcludedDirs, opts.excludedDirs...)
	}
	if opts.maxFiles > 0 {
		cfg.MaxFiles = opts.maxFiles
	}
	if opts.noFormatReporting {
		cfg.Analysis.EnableFormatAccessReporting = false
	}
	if opts.iterationCap > 0 {
		cfg.Analysis.IterationCap = opts.iterationCap
	}
	if opts.unrollLimit > 0 {
		cfg.Analysis.UnrollLimit = opts.unrollLimit
	}
	if opts.noCache {
		cfg.Cache.Enabled = false
	}
	if opts.baselinePath != "" {
		cfg.Baseline.Path = opts.baselinePath
	}
	if opts.updateBaseline {
		cfg.Baseline.Update = true
	}
	return cfg
}

func runScan(cmd *cobra.Command, opts *options, args []string) error {
	scanPath := "."
	if len(args) > 0 {
		scanPath = args[0]
	}

	absPath, err := filepath.Abs(scanPath)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}

	cfg := buildConfig(cmd, opts, absPath)

	logger := initLogger(cfg.Verbose)
	defer logger.Sync()

	if opts.clearCache || opts.cacheStatus {
		return handleCacheOperations(cmd.OutOrStdout(), cfg, opts, logger)
	}

	s := scanner.New(cfg, logger)
	results, err := s.Scan(cmd.Context())
	if err != nil {
		return fmt.Errorf("scan failed: %w", err)
	}

	var diff *baseline.Diff
	if cfg.Baseline.Path != "" {
		diff, err = applyBaseline(cmd.Context(), cfg, logger, results)
		if err != nil {
			return err
		}
	}

	r := reporter.New(cfg, logger)
	if cfg.OutputFile == "" {
		err = r.Write(cmd.OutOrStdout(), results)
	} else {
		err = r.Generate(results)
	}
	if err != nil {
		return fmt.Errorf("failed to generate report: %w", err)
	}

	if diff != nil && len(diff.New) > 0 {
		return fmt.Errorf("%w: %d", ErrNewFindings, len(diff.New))
	}
	return nil
}

// applyBaseline records or compares against the baseline. When comparing,
// results are narrowed to the findings the baseline does not know.
func applyBaseline(ctx context.Context, cfg *config.Config, logger *zap.Logger, results *scanner.ScanResult) (*baseline.Diff, error) {
	store, err := baseline.Open(cfg.Baseline.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open baseline: %w", err)
	}
	defer store.Close()

	if cfg.Baseline.Update {
		if err := store.Record(ctx, results.Findings); err != nil {
			return nil, fmt.Errorf("failed to record baseline: %w", err)
		}
		return nil, nil
	}

	diff, err := store.Compare(ctx, results.Findings)
	if err != nil {
		return nil, err
	}
	logger.Info("Compared against baseline",
		zap.String("baseline", cfg.Baseline.Path),
		zap.Int("new", len(diff.New)),
		zap.Int("fixed", len(diff.Fixed)),
		zap.Int("unchanged", diff.Unchanged))

	restrictFindings(results, diff.New)
	return diff, nil
}

// restrictFindings replaces the findings of results and recounts the
// per-finding statistics
func restrictFindings(results *scanner.ScanResult, findings []*scanner.Finding) {
	if findings == nil {
		findings = []*scanner.Finding{}
	}
	results.Findings = findings

	stats := results.Statistics
	stats.FindingsCount = len(findings)
	stats.BySeverity = make(map[config.SeverityLevel]int)
	stats.ByKind = make(map[lifetime.FindingKind]int)
	for _, f := range findings {
		stats.BySeverity[f.Severity]++
		stats.ByKind[f.Kind]++
	}
}

func handleCacheOperations(out io.Writer, cfg *config.Config, opts *options, logger *zap.Logger) error {
	rc, err := cache.NewResultCache(cfg.Cache.Directory, time.Duration(cfg.Cache.MaxAge)*time.Hour, logger)
	if err != nil {
		return fmt.Errorf("failed to open result cache: %w", err)
	}

	if opts.clearCache {
		if err := rc.Clear(); err != nil {
			return fmt.Errorf("failed to clear cache: %w", err)
		}
		fmt.Fprintf(out, "Cache cleared: %s\n", cfg.Cache.Directory)
		return nil
	}

	stats, err := rc.GetStats()
	if err != nil {
		return fmt.Errorf("failed to read cache status: %w", err)
	}
	keys := make([]string, 0, len(stats))
	for k := range stats {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(out, "%s: %v\n", k, stats[k])
	}
	return nil
}

func initLogger(verbose bool) *zap.Logger {
	var logger *zap.Logger
	var err error

	if verbose {
		logger, err = zap.NewDevelopment()
	} else {
		cfg := zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
		logger, err = cfg.Build()
	}

	if err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}

	return logger
}
