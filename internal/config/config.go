package config

import (
	"fmt"
	"runtime"

	"github.com/spf13/viper"
)

// Config holds the application configuration
type Config struct {
	ScanPath     string
	OutputFile   string
	Format       string
	Severity     string
	Parallel     int
	Verbose      bool
	ExcludedDirs []string
	MaxFiles     int // Maximum number of files to process (0 = unlimited)
	Analysis     AnalysisConfig `mapstructure:"analysis"`
	Cache        CacheConfig    `mapstructure:"cache"`
	Baseline     BaselineConfig `mapstructure:"baseline"`
}

// AnalysisConfig holds lifetime engine and front-end settings
type AnalysisConfig struct {
	EnableFormatAccessReporting bool     `mapstructure:"enable_format_access_reporting"`
	IterationCap                int      `mapstructure:"iteration_cap"`
	UnrollLimit                 int      `mapstructure:"unroll_limit"` // constant-trip loops up to this many iterations are unrolled
	FormatFunctions             []string `mapstructure:"format_functions"`
	AllocFunctions              []string `mapstructure:"alloc_functions"`
	FreeFunctions               []string `mapstructure:"free_functions"`
}

// CacheConfig holds result cache configuration
type CacheConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Directory string `mapstructure:"directory"`
	MaxAge    int    `mapstructure:"max_age"` // in hours
}

// BaselineConfig holds regression baseline configuration
type BaselineConfig struct {
	Path   string `mapstructure:"path"`
	Update bool   `mapstructure:"update"`
}

// Load loads configuration from various sources
func Load() *Config {
	cfg := &Config{
		Format:   "text",
		Severity: "low",
		Parallel: runtime.NumCPU(),
		MaxFiles: 0, // Default: unlimited
		Analysis: AnalysisConfig{
			EnableFormatAccessReporting: true,
			IterationCap:                1000,
			UnrollLimit:                 64,
			FormatFunctions: []string{
				"printf", "fprintf", "sprintf", "snprintf",
				"dprintf", "vprintf", "vfprintf", "vsprintf", "vsnprintf",
				"syslog", "err", "warn", "errx", "warnx",
			},
			AllocFunctions: []string{"malloc", "calloc", "realloc", "strdup", "strndup"},
			FreeFunctions:  []string{"free"},
		},
		Cache: CacheConfig{
			Enabled:   true,
			Directory: ".uafcheck-cache",
			MaxAge:    168, // 7 days in hours
		},
		ExcludedDirs: []string{
			".git",
			".svn",
			".hg",
			"build",
			"dist",
			"vendor",
			"node_modules",
			".uafcheck-cache",
		},
	}

	// Override with viper values
	if viper.IsSet("format") {
		cfg.Format = viper.GetString("format")
	}
	if viper.IsSet("severity") {
		cfg.Severity = viper.GetString("severity")
	}
	if viper.IsSet("parallel") {
		cfg.Parallel = viper.GetInt("parallel")
	}
	if viper.IsSet("verbose") {
		cfg.Verbose = viper.GetBool("verbose")
	}
	if viper.IsSet("excluded_dirs") {
		cfg.ExcludedDirs = viper.GetStringSlice("excluded_dirs")
	}

	if viper.IsSet("analysis") {
		viper.UnmarshalKey("analysis", &cfg.Analysis)
	}
	if viper.IsSet("cache") {
		viper.UnmarshalKey("cache", &cfg.Cache)
	}
	if viper.IsSet("baseline") {
		viper.UnmarshalKey("baseline", &cfg.Baseline)
	}

	// Auto-detect parallel workers
	if cfg.Parallel <= 0 {
		cfg.Parallel = runtime.NumCPU()
	}
	if cfg.Analysis.IterationCap <= 0 {
		cfg.Analysis.IterationCap = 1000
	}

	return cfg
}

// SeverityLevel represents finding severity levels
type SeverityLevel int

const (
	SeverityLow SeverityLevel = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// String returns string representation of severity level
func (s SeverityLevel) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// MarshalText serializes severities by name
func (s SeverityLevel) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses severities by name
func (s *SeverityLevel) UnmarshalText(b []byte) error {
	switch string(b) {
	case "low", "medium", "high", "critical":
		*s = ParseSeverity(string(b))
		return nil
	}
	return fmt.Errorf("unknown severity %q", b)
}

// ParseSeverity parses severity level from string
func ParseSeverity(s string) SeverityLevel {
	switch s {
	case "low":
		return SeverityLow
	case "medium":
		return SeverityMedium
	case "high":
		return SeverityHigh
	case "critical":
		return SeverityCritical
	default:
		return SeverityMedium
	}
}
