package parser

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/c"
	"go.uber.org/zap"

	"github.com/vandah/analyzer/internal/config"
	"github.com/vandah/analyzer/internal/hir"
)

// CParser lowers C translation units into HIR procedures using tree-sitter
type CParser struct {
	settings    config.AnalysisConfig
	logger      *zap.Logger
	formatFuncs map[string]bool
	allocFuncs  map[string]bool
	freeFuncs   map[string]bool
}

// formatArgIndex is the position of the format string for known printf-family routines
var formatArgIndex = map[string]int{
	"printf": 0, "vprintf": 0, "warn": 0, "warnx": 0,
	"fprintf": 1, "vfprintf": 1, "dprintf": 1, "sprintf": 1, "vsprintf": 1,
	"syslog": 1, "err": 1, "errx": 1,
	"snprintf": 2, "vsnprintf": 2,
}

// formatWritesDest lists format routines whose first argument is an output buffer
var formatWritesDest = map[string]bool{
	"sprintf": true, "vsprintf": true, "snprintf": true, "vsnprintf": true,
}

// memoryFuncs describes which pointer arguments libc routines write and read
var memoryFuncs = map[string]struct{ writes, reads []int }{
	"memset":  {writes: []int{0}},
	"memcpy":  {writes: []int{0}, reads: []int{1}},
	"memmove": {writes: []int{0}, reads: []int{1}},
	"strcpy":  {writes: []int{0}, reads: []int{1}},
	"strncpy": {writes: []int{0}, reads: []int{1}},
	"strcat":  {writes: []int{0}, reads: []int{0, 1}},
	"strncat": {writes: []int{0}, reads: []int{0, 1}},
	"strlen":  {reads: []int{0}},
	"strcmp":  {reads: []int{0, 1}},
	"strncmp": {reads: []int{0, 1}},
	"memcmp":  {reads: []int{0, 1}},
	"puts":    {reads: []int{0}},
	"fputs":   {reads: []int{0}},
}

var typeSizes = map[string]int64{
	"char": 1, "signed char": 1, "unsigned char": 1, "bool": 1, "_Bool": 1,
	"int8_t": 1, "uint8_t": 1,
	"short": 2, "unsigned short": 2, "int16_t": 2, "uint16_t": 2,
	"int": 4, "unsigned": 4, "unsigned int": 4, "float": 4, "int32_t": 4, "uint32_t": 4,
	"long": 8, "unsigned long": 8, "long long": 8, "unsigned long long": 8,
	"double": 8, "size_t": 8, "ssize_t": 8, "int64_t": 8, "uint64_t": 8, "intptr_t": 8, "uintptr_t": 8,
}

// NewCParser creates a C front-end
func NewCParser(settings config.AnalysisConfig, logger *zap.Logger) *CParser {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CParser{
		settings:    settings,
		logger:      logger,
		formatFuncs: toSet(settings.FormatFunctions),
		allocFuncs:  toSet(settings.AllocFunctions),
		freeFuncs:   toSet(settings.FreeFunctions),
	}
}

// GetLanguage returns the parser language
func (p *CParser) GetLanguage() string {
	return "c"
}

// GetSupportedExtensions returns supported file extensions
func (p *CParser) GetSupportedExtensions() []string {
	return []string{".c", ".h"}
}

// Parse lowers every function definition of a C file
func (p *CParser) Parse(ctx context.Context, filePath string, content []byte) (*hir.Program, error) {
	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(c.GetLanguage())

	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", filePath, err)
	}
	defer tree.Close()

	root := tree.RootNode()
	if root.HasError() {
		p.logger.Warn("Syntax errors in C source, lowering what parsed",
			zap.String("file", filePath))
	}

	program := &hir.Program{File: filePath, Language: "c"}
	for i := 0; i < int(root.NamedChildCount()); i++ {
		child := root.NamedChild(i)
		if child == nil || child.Type() != "function_definition" {
			continue
		}
		proc, err := p.lowerFunction(filePath, content, child)
		if err != nil {
			return nil, err
		}
		if proc != nil {
			program.Procedures = append(program.Procedures, proc)
		}
	}
	return program, nil
}

func (p *CParser) lowerFunction(filePath string, src []byte, fn *sitter.Node) (*hir.Procedure, error) {
	declarator := fn.ChildByFieldName("declarator")
	for declarator != nil && declarator.Type() != "function_declarator" {
		declarator = declarator.ChildByFieldName("declarator")
	}
	if declarator == nil {
		return nil, nil
	}
	nameNode := declarator.ChildByFieldName("declarator")
	if nameNode == nil {
		return nil, nil
	}

	l := &lowerer{
		p:        p,
		src:      src,
		file:     filePath,
		proc:     nameNode.Content(src),
		cb:       hir.NewCFGBuilder(),
		consts:   make(map[string]int64),
		pointers: make(map[string]bool),
	}

	if params := declarator.ChildByFieldName("parameters"); params != nil {
		for _, param := range namedChildren(params) {
			if d := param.ChildByFieldName("declarator"); d != nil {
				if name, isPtr := declaratorName(d, src); name != "" && isPtr {
					l.pointers[name] = true
				}
			}
		}
	}

	l.cur = l.cb.CreateNode(hir.CFGBasic)
	l.cb.AddEdge(l.cb.Entry(), l.cur, hir.CFGFallthrough)
	if body := fn.ChildByFieldName("body"); body != nil {
		l.stmt(body)
	}
	if l.cur != nil {
		l.cb.AddEdge(l.cur, l.cb.Exit(), hir.CFGFallthrough)
	}

	p.logger.Debug("Lowered function",
		zap.String("file", filePath),
		zap.String("procedure", l.proc),
		zap.Int("blocks", len(l.cb.Build().Nodes)))

	return &hir.Procedure{Name: l.proc, File: filePath, CFG: l.cb.Build()}, nil
}

// lowerer walks one function body. cur is the block receiving statements;
// nil after return/break/continue until a new block is started.
type lowerer struct {
	p         *CParser
	src       []byte
	file      string
	proc      string
	cb        *hir.CFGBuilder
	cur       *hir.CFGNode
	consts    map[string]int64
	pointers  map[string]bool
	breaks    []*hir.CFGNode
	continues []*hir.CFGNode
	suffix    string
}

func (l *lowerer) block() *hir.CFGNode {
	if l.cur == nil {
		// Statements after a jump are unreachable
		l.cur = l.cb.CreateNode(hir.CFGBasic)
	}
	return l.cur
}

func (l *lowerer) emit(stmt *hir.Stmt) {
	l.cb.Append(l.block(), stmt)
}

func (l *lowerer) pos(n *sitter.Node) hir.Location {
	pt := n.StartPoint()
	return hir.Location{File: l.file, Line: int(pt.Row) + 1, Column: int(pt.Column) + 1}
}

func (l *lowerer) text(n *sitter.Node) string {
	return n.Content(l.src)
}

func (l *lowerer) stmt(n *sitter.Node) {
	switch n.Type() {
	case "compound_statement":
		for _, child := range namedChildren(n) {
			l.stmt(child)
		}
	case "declaration":
		l.declaration(n)
	case "expression_statement":
		if n.NamedChildCount() > 0 {
			l.expr(n.NamedChild(0))
		}
	case "if_statement":
		l.ifStmt(n)
	case "while_statement":
		l.whileStmt(n)
	case "do_statement":
		l.doStmt(n)
	case "for_statement":
		if !l.unrollFor(n) {
			l.forStmt(n)
		}
	case "switch_statement":
		l.switchStmt(n)
	case "return_statement":
		if n.NamedChildCount() > 0 {
			l.expr(n.NamedChild(0))
		}
		l.jump(l.cb.Exit(), hir.CFGReturn)
	case "break_statement":
		if len(l.breaks) > 0 {
			l.jump(l.breaks[len(l.breaks)-1], hir.CFGBreak)
		}
	case "continue_statement":
		if len(l.continues) > 0 {
			l.jump(l.continues[len(l.continues)-1], hir.CFGContinue)
		}
	case "labeled_statement":
		if count := int(n.NamedChildCount()); count > 0 {
			l.stmt(n.NamedChild(count - 1))
		}
	case "goto_statement":
		l.p.logger.Debug("goto is not modeled, treating as fallthrough",
			zap.String("procedure", l.proc), zap.String("location", l.pos(n).String()))
	case "comment", "type_definition", "struct_specifier", "enum_specifier", "union_specifier":
	default:
		l.reads(n, hir.AccessRead)
	}
}

func (l *lowerer) jump(target *hir.CFGNode, kind hir.CFGEdgeKind) {
	l.cb.AddEdge(l.block(), target, kind)
	l.cur = nil
}

func (l *lowerer) declaration(n *sitter.Node) {
	for _, child := range namedChildren(n) {
		switch child.Type() {
		case "init_declarator":
			name, isPtr := declaratorName(child.ChildByFieldName("declarator"), l.src)
			if name == "" {
				continue
			}
			if isPtr {
				l.pointers[name] = true
			}
			if value := child.ChildByFieldName("value"); value != nil {
				l.assign(name, value, l.pos(child))
			}
		case "pointer_declarator":
			if name, _ := declaratorName(child, l.src); name != "" {
				l.pointers[name] = true
			}
		}
	}
}

// expr lowers an expression evaluated for its effects
func (l *lowerer) expr(n *sitter.Node) {
	n = unwrapParens(n)
	switch n.Type() {
	case "assignment_expression":
		l.assignment(n)
	case "call_expression":
		l.call(n)
	case "update_expression":
		l.update(n)
	case "comma_expression":
		for _, child := range namedChildren(n) {
			l.expr(child)
		}
	default:
		l.reads(n, hir.AccessRead)
	}
}

func (l *lowerer) assignment(n *sitter.Node) {
	left := unwrapParens(n.ChildByFieldName("left"))
	right := n.ChildByFieldName("right")
	op := ""
	if opNode := n.ChildByFieldName("operator"); opNode != nil {
		op = opNode.Type()
	}
	if left == nil || right == nil {
		return
	}

	if left.Type() == "identifier" {
		name := l.text(left)
		switch op {
		case "=":
			l.assign(name, right, l.pos(n))
		case "+=", "-=":
			l.reads(right, hir.AccessRead)
			if l.pointers[name] {
				delta := hir.UnknownOffset
				if v, ok := l.eval(right); ok {
					delta = v
					if op == "-=" {
						delta = -v
					}
				}
				l.emit(&hir.Stmt{Kind: hir.StmtBind, Variable: name, Source: name, Offset: delta, Pos: l.pos(n)})
			}
		default:
			l.reads(right, hir.AccessRead)
		}
		return
	}

	// Right-hand side is evaluated before the store
	l.reads(right, hir.AccessRead)
	if op != "=" {
		l.deref(left, hir.AccessRead)
	}
	l.deref(left, hir.AccessWrite)
}

// assign lowers `name = value`
func (l *lowerer) assign(name string, value *sitter.Node, pos hir.Location) {
	v := unwrapCasts(value)

	switch v.Type() {
	case "call_expression":
		if fn := calleeName(v, l.src); l.p.allocFuncs[fn] {
			l.pointers[name] = true
			identity := l.allocate(v, fn)
			l.emit(&hir.Stmt{Kind: hir.StmtBind, Variable: name, Identity: identity, Pos: pos})
			return
		}
		l.call(v)
		if l.pointers[name] {
			l.emit(&hir.Stmt{Kind: hir.StmtUnbind, Variable: name, Pos: pos})
		}
		return

	case "identifier":
		src := l.text(v)
		if src == "NULL" {
			l.emit(&hir.Stmt{Kind: hir.StmtUnbind, Variable: name, Pos: pos})
			return
		}
		if l.pointers[src] {
			l.pointers[name] = true
			l.emit(&hir.Stmt{Kind: hir.StmtBind, Variable: name, Source: src, Pos: pos})
			return
		}

	case "binary_expression":
		left := unwrapCasts(v.ChildByFieldName("left"))
		op := v.ChildByFieldName("operator")
		if left != nil && left.Type() == "identifier" && op != nil && (op.Type() == "+" || op.Type() == "-") && l.pointers[l.text(left)] {
			l.reads(v.ChildByFieldName("right"), hir.AccessRead)
			delta := hir.UnknownOffset
			if k, ok := l.eval(v.ChildByFieldName("right")); ok {
				delta = k
				if op.Type() == "-" {
					delta = -k
				}
			}
			l.pointers[name] = true
			l.emit(&hir.Stmt{Kind: hir.StmtBind, Variable: name, Source: l.text(left), Offset: delta, Pos: pos})
			return
		}

	case "pointer_expression":
		// &p[k] keeps pointing into p's block
		if op := v.ChildByFieldName("operator"); op != nil && op.Type() == "&" {
			arg := unwrapParens(v.ChildByFieldName("argument"))
			if arg != nil && arg.Type() == "subscript_expression" {
				base := unwrapParens(arg.ChildByFieldName("argument"))
				if base != nil && base.Type() == "identifier" && l.pointers[l.text(base)] {
					index := arg.ChildByFieldName("index")
					l.reads(index, hir.AccessRead)
					l.pointers[name] = true
					l.emit(&hir.Stmt{Kind: hir.StmtBind, Variable: name, Source: l.text(base), Offset: l.offset(index), Pos: pos})
					return
				}
			}
		}

	case "number_literal":
		if l.text(v) == "0" && l.pointers[name] {
			l.emit(&hir.Stmt{Kind: hir.StmtUnbind, Variable: name, Pos: pos})
			return
		}
	}

	l.expr(value)
	if l.pointers[name] {
		// The pointer now refers to storage this front-end cannot name
		l.emit(&hir.Stmt{Kind: hir.StmtUnbind, Variable: name, Pos: pos})
	}
}

// allocate emits the allocation performed by call and returns its identity
func (l *lowerer) allocate(call *sitter.Node, fn string) hir.Identity {
	args := callArgs(call)
	for _, arg := range args {
		l.reads(arg, hir.AccessRead)
	}

	size := hir.UnknownSize
	switch fn {
	case "malloc":
		if len(args) == 1 {
			if v, ok := l.eval(args[0]); ok {
				size = v
			}
		}
	case "calloc":
		if len(args) == 2 {
			n, ok1 := l.eval(args[0])
			s, ok2 := l.eval(args[1])
			if ok1 && ok2 {
				size = n * s
			}
		}
	case "realloc":
		if len(args) == 2 {
			if old := unwrapCasts(args[0]); old.Type() == "identifier" && l.pointers[l.text(old)] {
				l.emit(&hir.Stmt{Kind: hir.StmtFree, Variable: l.text(old), Pos: l.pos(call)})
			}
			if v, ok := l.eval(args[1]); ok {
				size = v
			}
		}
	}

	pos := l.pos(call)
	identity := hir.Identity(fmt.Sprintf("%s:%d:%d%s", l.proc, pos.Line, pos.Column, l.suffix))
	l.emit(&hir.Stmt{Kind: hir.StmtAllocate, Identity: identity, Size: size, Pos: pos})
	return identity
}

func (l *lowerer) call(n *sitter.Node) {
	fn := calleeName(n, l.src)
	args := callArgs(n)

	switch {
	case l.p.allocFuncs[fn]:
		l.allocate(n, fn)

	case l.p.freeFuncs[fn]:
		if len(args) == 0 {
			return
		}
		arg := unwrapCasts(args[0])
		if arg.Type() == "identifier" {
			l.emit(&hir.Stmt{Kind: hir.StmtFree, Variable: l.text(arg), Pos: l.pos(n)})
			return
		}
		l.reads(arg, hir.AccessRead)
		l.p.logger.Debug("free of an expression that does not name a pointer",
			zap.String("procedure", l.proc), zap.String("location", l.pos(n).String()))

	case l.p.formatFuncs[fn]:
		l.formatCall(fn, args)

	default:
		sig, known := memoryFuncs[fn]
		for i, arg := range args {
			l.reads(arg, hir.AccessRead)
			if !known {
				continue
			}
			if containsInt(sig.reads, i) {
				l.pointerArg(arg, hir.AccessRead)
			}
			if containsInt(sig.writes, i) {
				l.pointerArg(arg, hir.AccessWrite)
			}
		}
	}
}

// formatCall classifies every dereference inside the arguments of a
// formatted-output routine as a format read. Bare pointers consumed by %s are
// format reads of the pointed-to buffer.
func (l *lowerer) formatCall(fn string, args []*sitter.Node) {
	fmtIndex, ok := formatArgIndex[fn]
	if !ok {
		fmtIndex = 0
	}
	var conversions []byte
	if fmtIndex < len(args) {
		if lit := unwrapParens(args[fmtIndex]); lit.Type() == "string_literal" {
			conversions = formatConversions(l.text(lit))
		}
	}

	for i, arg := range args {
		switch {
		case i < fmtIndex:
			l.reads(arg, hir.AccessRead)
			if i == 0 && formatWritesDest[fn] {
				l.pointerArg(arg, hir.AccessWrite)
			}
		case i == fmtIndex:
			l.reads(arg, hir.AccessFormatRead)
		default:
			l.reads(arg, hir.AccessFormatRead)
			conv := i - fmtIndex - 1
			if conv < len(conversions) && conversions[conv] == 's' {
				l.pointerArg(arg, hir.AccessFormatRead)
			}
		}
	}
}

// pointerArg emits an access through a pointer passed by value
func (l *lowerer) pointerArg(arg *sitter.Node, kind hir.AccessKind) {
	arg = unwrapCasts(arg)
	switch arg.Type() {
	case "identifier":
		if name := l.text(arg); l.pointers[name] {
			l.emit(&hir.Stmt{Kind: hir.StmtAccess, Variable: name, Access: kind, Offset: 0, Pos: l.pos(arg)})
		}
	case "binary_expression":
		left := unwrapCasts(arg.ChildByFieldName("left"))
		op := arg.ChildByFieldName("operator")
		if left != nil && left.Type() == "identifier" && op != nil && op.Type() == "+" && l.pointers[l.text(left)] {
			l.emit(&hir.Stmt{Kind: hir.StmtAccess, Variable: l.text(left), Access: kind, Offset: l.offset(arg.ChildByFieldName("right")), Pos: l.pos(arg)})
		}
	}
}

func (l *lowerer) update(n *sitter.Node) {
	arg := unwrapParens(n.ChildByFieldName("argument"))
	if arg == nil {
		return
	}
	if arg.Type() == "identifier" {
		name := l.text(arg)
		if l.pointers[name] {
			delta := int64(1)
			if op := n.ChildByFieldName("operator"); op != nil && op.Type() == "--" {
				delta = -1
			}
			l.emit(&hir.Stmt{Kind: hir.StmtBind, Variable: name, Source: name, Offset: delta, Pos: l.pos(n)})
		}
		return
	}
	l.deref(arg, hir.AccessRead)
	l.deref(arg, hir.AccessWrite)
}

// deref emits the access performed by an lvalue/rvalue dereference and the
// reads needed to compute its address
func (l *lowerer) deref(n *sitter.Node, kind hir.AccessKind) {
	n = unwrapParens(n)
	if n == nil {
		return
	}
	switch n.Type() {
	case "subscript_expression":
		base := unwrapParens(n.ChildByFieldName("argument"))
		index := n.ChildByFieldName("index")
		l.reads(index, hir.AccessRead)
		if base != nil && base.Type() == "identifier" {
			l.emit(&hir.Stmt{Kind: hir.StmtAccess, Variable: l.text(base), Access: kind, Offset: l.offset(index), Pos: l.pos(n)})
			return
		}
		l.reads(base, hir.AccessRead)

	case "pointer_expression":
		op := n.ChildByFieldName("operator")
		arg := unwrapCasts(n.ChildByFieldName("argument"))
		if op == nil || op.Type() != "*" || arg == nil {
			l.reads(arg, hir.AccessRead)
			return
		}
		switch arg.Type() {
		case "identifier":
			l.emit(&hir.Stmt{Kind: hir.StmtAccess, Variable: l.text(arg), Access: kind, Offset: 0, Pos: l.pos(n)})
			return
		case "binary_expression":
			left := unwrapCasts(arg.ChildByFieldName("left"))
			if left != nil && left.Type() == "identifier" && l.pointers[l.text(left)] {
				right := arg.ChildByFieldName("right")
				l.reads(right, hir.AccessRead)
				l.emit(&hir.Stmt{Kind: hir.StmtAccess, Variable: l.text(left), Access: kind, Offset: l.offset(right), Pos: l.pos(n)})
				return
			}
		}
		l.reads(arg, hir.AccessRead)

	case "field_expression":
		arg := unwrapCasts(n.ChildByFieldName("argument"))
		op := n.ChildByFieldName("operator")
		if op != nil && op.Type() == "->" && arg != nil && arg.Type() == "identifier" {
			l.emit(&hir.Stmt{Kind: hir.StmtAccess, Variable: l.text(arg), Access: kind, Offset: hir.UnknownOffset, Pos: l.pos(n)})
			return
		}
		l.deref(arg, hir.AccessRead)

	default:
		l.reads(n, hir.AccessRead)
	}
}

// reads lowers every dereference evaluated inside an rvalue expression
func (l *lowerer) reads(n *sitter.Node, kind hir.AccessKind) {
	if n == nil {
		return
	}
	switch n.Type() {
	case "subscript_expression", "field_expression":
		l.deref(n, kind)
	case "pointer_expression":
		if op := n.ChildByFieldName("operator"); op != nil && op.Type() == "&" {
			// Taking an address does not dereference
			arg := unwrapParens(n.ChildByFieldName("argument"))
			if arg != nil && arg.Type() == "subscript_expression" {
				l.reads(arg.ChildByFieldName("index"), hir.AccessRead)
				return
			}
			l.reads(arg, hir.AccessRead)
			return
		}
		l.deref(n, kind)
	case "call_expression":
		l.call(n)
	case "assignment_expression":
		l.assignment(n)
	case "update_expression":
		l.update(n)
	case "sizeof_expression", "string_literal", "number_literal", "char_literal", "identifier", "comment":
	default:
		for _, child := range namedChildren(n) {
			l.reads(child, kind)
		}
	}
}

func (l *lowerer) offset(index *sitter.Node) int64 {
	if index == nil {
		return 0
	}
	if v, ok := l.eval(index); ok {
		return v
	}
	return hir.UnknownOffset
}

// eval folds integer constant expressions, including unrolled loop counters
func (l *lowerer) eval(n *sitter.Node) (int64, bool) {
	if n == nil {
		return 0, false
	}
	switch n.Type() {
	case "number_literal":
		s := strings.TrimRight(strings.ToLower(l.text(n)), "ul")
		v, err := strconv.ParseInt(s, 0, 64)
		return v, err == nil
	case "identifier":
		v, ok := l.consts[l.text(n)]
		return v, ok
	case "parenthesized_expression":
		if n.NamedChildCount() == 0 {
			return 0, false
		}
		return l.eval(n.NamedChild(0))
	case "cast_expression":
		return l.eval(n.ChildByFieldName("value"))
	case "unary_expression":
		v, ok := l.eval(n.ChildByFieldName("argument"))
		op := n.ChildByFieldName("operator")
		if !ok || op == nil {
			return 0, false
		}
		switch op.Type() {
		case "-":
			return -v, true
		case "+":
			return v, true
		}
		return 0, false
	case "sizeof_expression":
		if t := n.ChildByFieldName("type"); t != nil {
			return sizeOfType(l.text(t))
		}
		return 0, false
	case "binary_expression":
		a, ok1 := l.eval(n.ChildByFieldName("left"))
		b, ok2 := l.eval(n.ChildByFieldName("right"))
		op := n.ChildByFieldName("operator")
		if !ok1 || !ok2 || op == nil {
			return 0, false
		}
		switch op.Type() {
		case "+":
			return a + b, true
		case "-":
			return a - b, true
		case "*":
			return a * b, true
		case "/":
			if b == 0 {
				return 0, false
			}
			return a / b, true
		case "%":
			if b == 0 {
				return 0, false
			}
			return a % b, true
		case "<<":
			return a << uint(b), true
		case ">>":
			return a >> uint(b), true
		}
	}
	return 0, false
}

func sizeOfType(t string) (int64, bool) {
	t = strings.Join(strings.Fields(t), " ")
	if strings.Contains(t, "*") {
		return 8, true
	}
	t = strings.TrimPrefix(strings.TrimPrefix(t, "const "), "volatile ")
	v, ok := typeSizes[t]
	return v, ok
}

// formatConversions returns the conversion letter of each argument-consuming
// directive in a printf format literal
func formatConversions(lit string) []byte {
	var convs []byte
	for i := 0; i < len(lit); i++ {
		if lit[i] != '%' {
			continue
		}
		i++
		if i < len(lit) && lit[i] == '%' {
			continue
		}
		for ; i < len(lit); i++ {
			ch := lit[i]
			if ch == '*' {
				convs = append(convs, '*')
				continue
			}
			if strings.IndexByte("diouxXeEfFgGaAcspn", ch) >= 0 {
				convs = append(convs, ch)
				break
			}
		}
	}
	return convs
}

func declaratorName(n *sitter.Node, src []byte) (string, bool) {
	isPtr := false
	for n != nil {
		switch n.Type() {
		case "identifier":
			return n.Content(src), isPtr
		case "pointer_declarator", "array_declarator":
			isPtr = isPtr || n.Type() == "pointer_declarator"
			n = n.ChildByFieldName("declarator")
		case "parenthesized_declarator", "attributed_declarator":
			if n.NamedChildCount() == 0 {
				return "", false
			}
			n = n.NamedChild(0)
		default:
			return "", false
		}
	}
	return "", false
}

func calleeName(call *sitter.Node, src []byte) string {
	fn := unwrapParens(call.ChildByFieldName("function"))
	if fn == nil || fn.Type() != "identifier" {
		return ""
	}
	return fn.Content(src)
}

func callArgs(call *sitter.Node) []*sitter.Node {
	args := call.ChildByFieldName("arguments")
	if args == nil {
		return nil
	}
	var out []*sitter.Node
	for _, arg := range namedChildren(args) {
		if arg.Type() != "comment" {
			out = append(out, arg)
		}
	}
	return out
}

func namedChildren(n *sitter.Node) []*sitter.Node {
	if n == nil {
		return nil
	}
	count := int(n.NamedChildCount())
	out := make([]*sitter.Node, 0, count)
	for i := 0; i < count; i++ {
		if child := n.NamedChild(i); child != nil {
			out = append(out, child)
		}
	}
	return out
}

func unwrapParens(n *sitter.Node) *sitter.Node {
	for n != nil && n.Type() == "parenthesized_expression" && n.NamedChildCount() > 0 {
		n = n.NamedChild(0)
	}
	return n
}

func unwrapCasts(n *sitter.Node) *sitter.Node {
	for n != nil {
		switch n.Type() {
		case "parenthesized_expression":
			if n.NamedChildCount() == 0 {
				return n
			}
			n = n.NamedChild(0)
		case "cast_expression":
			n = n.ChildByFieldName("value")
		default:
			return n
		}
	}
	return n
}

func containsInt(list []int, v int) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, item := range items {
		set[item] = true
	}
	return set
}
