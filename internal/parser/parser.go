package parser

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/vandah/analyzer/internal/config"
	"github.com/vandah/analyzer/internal/hir"
)

// Parser lowers source files of one language into HIR programs
type Parser interface {
	Parse(ctx context.Context, filePath string, content []byte) (*hir.Program, error)
	GetLanguage() string
	GetSupportedExtensions() []string
}

// ParserRegistry manages language front-ends
type ParserRegistry struct {
	parsers map[string]Parser
	config  *config.Config
	logger  *zap.Logger
}

// NewParserRegistry creates a new parser registry with the default front-ends
func NewParserRegistry(cfg *config.Config, logger *zap.Logger) *ParserRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	registry := &ParserRegistry{
		parsers: make(map[string]Parser),
		config:  cfg,
		logger:  logger,
	}

	registry.RegisterParser(NewCParser(cfg.Analysis, logger))
	registry.RegisterParser(NewYAMLParser())

	return registry
}

// RegisterParser registers a new parser
func (pr *ParserRegistry) RegisterParser(parser Parser) {
	for _, ext := range parser.GetSupportedExtensions() {
		pr.parsers[ext] = parser
	}
}

// GetParser returns a parser for the given file extension
func (pr *ParserRegistry) GetParser(extension string) Parser {
	return pr.parsers[extension]
}

// ParserFor picks the parser for a file. Multi-part extensions such as
// .cfg.yaml win over the plain extension.
func (pr *ParserRegistry) ParserFor(filePath string) Parser {
	name := strings.ToLower(filePath)
	best := ""
	for ext := range pr.parsers {
		if strings.HasSuffix(name, ext) && len(ext) > len(best) {
			best = ext
		}
	}
	if best == "" {
		return nil
	}
	return pr.parsers[best]
}

// GetSupportedExtensions returns all supported file extensions
func (pr *ParserRegistry) GetSupportedExtensions() []string {
	var extensions []string
	for ext := range pr.parsers {
		extensions = append(extensions, ext)
	}
	sort.Strings(extensions)
	return extensions
}

// ParseFile lowers one file with the matching front-end
func (pr *ParserRegistry) ParseFile(ctx context.Context, filePath string, content []byte) (*hir.Program, error) {
	parser := pr.ParserFor(filePath)
	if parser == nil {
		return nil, fmt.Errorf("no parser for %s", filePath)
	}

	program, err := parser.Parse(ctx, filePath, content)
	if err != nil {
		return nil, err
	}

	pr.logger.Debug("Parsed file",
		zap.String("file", filePath),
		zap.String("language", parser.GetLanguage()),
		zap.Int("procedures", len(program.Procedures)))
	return program, nil
}
