package parser

import (
	"fmt"

	sitter "github.com/smacker/go-tree-sitter"

	"github.com/vandah/analyzer/internal/hir"
)

func (l *lowerer) ifStmt(n *sitter.Node) {
	l.reads(n.ChildByFieldName("condition"), hir.AccessRead)
	cond := l.block()

	thenNode := l.cb.CreateNode(hir.CFGBasic)
	elseNode := l.cb.CreateNode(hir.CFGBasic)
	join := l.cb.CreateNode(hir.CFGBasic)
	l.cb.AddEdge(cond, thenNode, hir.CFGTrue)
	l.cb.AddEdge(cond, elseNode, hir.CFGFalse)

	l.cur = thenNode
	if body := n.ChildByFieldName("consequence"); body != nil {
		l.stmt(body)
	}
	l.fallInto(join)

	l.cur = elseNode
	if alt := n.ChildByFieldName("alternative"); alt != nil {
		if alt.Type() == "else_clause" && alt.NamedChildCount() > 0 {
			alt = alt.NamedChild(0)
		}
		l.stmt(alt)
	}
	l.fallInto(join)

	l.cur = join
}

// fallInto links the current block to next unless control already left it
func (l *lowerer) fallInto(next *hir.CFGNode) {
	if l.cur != nil {
		l.cb.AddEdge(l.cur, next, hir.CFGFallthrough)
	}
}

func (l *lowerer) whileStmt(n *sitter.Node) {
	header := l.cb.CreateNode(hir.CFGLoop)
	l.cb.AddEdge(l.block(), header, hir.CFGFallthrough)
	l.cur = header
	l.reads(n.ChildByFieldName("condition"), hir.AccessRead)

	body := l.cb.CreateNode(hir.CFGBasic)
	exit := l.cb.CreateNode(hir.CFGBasic)
	l.cb.AddEdge(l.cur, body, hir.CFGTrue)
	l.cb.AddEdge(l.cur, exit, hir.CFGFalse)

	l.loopBody(n.ChildByFieldName("body"), body, exit, header)
	if l.cur != nil {
		l.cb.AddEdge(l.cur, header, hir.CFGBack)
	}
	l.cur = exit
}

func (l *lowerer) doStmt(n *sitter.Node) {
	body := l.cb.CreateNode(hir.CFGBasic)
	latch := l.cb.CreateNode(hir.CFGLoop)
	exit := l.cb.CreateNode(hir.CFGBasic)
	l.cb.AddEdge(l.block(), body, hir.CFGFallthrough)

	l.loopBody(n.ChildByFieldName("body"), body, exit, latch)
	l.fallInto(latch)

	l.cur = latch
	l.reads(n.ChildByFieldName("condition"), hir.AccessRead)
	l.cb.AddEdge(l.cur, body, hir.CFGBack)
	l.cb.AddEdge(l.cur, exit, hir.CFGFalse)
	l.cur = exit
}

func (l *lowerer) forStmt(n *sitter.Node) {
	if init := n.ChildByFieldName("initializer"); init != nil {
		if init.Type() == "declaration" {
			l.declaration(init)
		} else {
			l.expr(init)
		}
	}

	header := l.cb.CreateNode(hir.CFGLoop)
	l.cb.AddEdge(l.block(), header, hir.CFGFallthrough)
	l.cur = header
	l.reads(n.ChildByFieldName("condition"), hir.AccessRead)

	body := l.cb.CreateNode(hir.CFGBasic)
	latch := l.cb.CreateNode(hir.CFGBasic)
	exit := l.cb.CreateNode(hir.CFGBasic)
	l.cb.AddEdge(l.cur, body, hir.CFGTrue)
	l.cb.AddEdge(l.cur, exit, hir.CFGFalse)

	l.loopBody(forBody(n), body, exit, latch)
	l.fallInto(latch)

	l.cur = latch
	if update := n.ChildByFieldName("update"); update != nil {
		l.expr(update)
	}
	l.cb.AddEdge(l.cur, header, hir.CFGBack)
	l.cur = exit
}

// loopBody lowers body starting in entry with break and continue targets set
func (l *lowerer) loopBody(body *sitter.Node, entry, brk, cont *hir.CFGNode) {
	l.breaks = append(l.breaks, brk)
	l.continues = append(l.continues, cont)
	l.cur = entry
	if body != nil {
		l.stmt(body)
	}
	l.breaks = l.breaks[:len(l.breaks)-1]
	l.continues = l.continues[:len(l.continues)-1]
}

func (l *lowerer) switchStmt(n *sitter.Node) {
	l.reads(n.ChildByFieldName("condition"), hir.AccessRead)
	dispatch := l.block()
	dispatch.Kind = hir.CFGConditional
	join := l.cb.CreateNode(hir.CFGBasic)

	l.breaks = append(l.breaks, join)
	l.cur = nil
	hasDefault := false
	for _, child := range namedChildren(n.ChildByFieldName("body")) {
		if child.Type() != "case_statement" {
			continue
		}
		value := child.ChildByFieldName("value")
		if value == nil {
			hasDefault = true
		}

		caseNode := l.cb.CreateNode(hir.CFGBasic)
		l.cb.AddEdge(dispatch, caseNode, hir.CFGTrue)
		// Fallthrough from the previous case
		l.fallInto(caseNode)
		l.cur = caseNode

		for _, s := range namedChildren(child) {
			if value != nil && sameNode(s, value) {
				continue
			}
			l.stmt(s)
		}
	}
	l.breaks = l.breaks[:len(l.breaks)-1]

	l.fallInto(join)
	if !hasDefault {
		l.cb.AddEdge(dispatch, join, hir.CFGFalse)
	}
	l.cur = join
}

// counterLoop is a for loop with a constant trip count
type counterLoop struct {
	variable string
	values   []int64
}

// unrollFor lowers a constant-trip counting loop as straight-line copies of
// its body, one per iteration, with the counter folded to a constant. This
// keeps per-index offsets precise.
func (l *lowerer) unrollFor(n *sitter.Node) bool {
	loop, ok := l.counter(n)
	if !ok {
		return false
	}

	body := forBody(n)
	prevValue, shadowed := l.consts[loop.variable]
	prevSuffix := l.suffix
	for i, v := range loop.values {
		l.consts[loop.variable] = v
		l.suffix = fmt.Sprintf("%s#%d", prevSuffix, i)
		if body != nil {
			l.stmt(body)
		}
	}
	l.suffix = prevSuffix
	if shadowed {
		l.consts[loop.variable] = prevValue
	} else {
		delete(l.consts, loop.variable)
	}
	return true
}

func (l *lowerer) counter(n *sitter.Node) (counterLoop, bool) {
	limit := l.p.settings.UnrollLimit
	if limit <= 0 {
		return counterLoop{}, false
	}

	name, start, ok := l.counterInit(n.ChildByFieldName("initializer"))
	if !ok {
		return counterLoop{}, false
	}

	cond := unwrapParens(n.ChildByFieldName("condition"))
	if cond == nil || cond.Type() != "binary_expression" {
		return counterLoop{}, false
	}
	left := unwrapParens(cond.ChildByFieldName("left"))
	op := cond.ChildByFieldName("operator")
	if left == nil || left.Type() != "identifier" || l.text(left) != name || op == nil {
		return counterLoop{}, false
	}
	bound, ok := l.eval(cond.ChildByFieldName("right"))
	if !ok {
		return counterLoop{}, false
	}

	step, ok := l.counterStep(n.ChildByFieldName("update"), name)
	if !ok || step == 0 {
		return counterLoop{}, false
	}

	body := forBody(n)
	if body == nil || l.escapes(body) || l.mutates(body, name) {
		return counterLoop{}, false
	}

	var values []int64
	for v := start; holds(op.Type(), v, bound); v += step {
		if len(values) >= limit {
			return counterLoop{}, false
		}
		values = append(values, v)
	}
	if len(values) == 0 {
		return counterLoop{}, false
	}
	return counterLoop{variable: name, values: values}, true
}

func (l *lowerer) counterInit(init *sitter.Node) (string, int64, bool) {
	if init == nil {
		return "", 0, false
	}
	switch init.Type() {
	case "declaration":
		for _, child := range namedChildren(init) {
			if child.Type() != "init_declarator" {
				continue
			}
			d := child.ChildByFieldName("declarator")
			if d == nil || d.Type() != "identifier" {
				return "", 0, false
			}
			v, ok := l.eval(child.ChildByFieldName("value"))
			return l.text(d), v, ok
		}
	case "assignment_expression":
		left := unwrapParens(init.ChildByFieldName("left"))
		op := init.ChildByFieldName("operator")
		if left == nil || left.Type() != "identifier" || op == nil || op.Type() != "=" {
			return "", 0, false
		}
		v, ok := l.eval(init.ChildByFieldName("right"))
		return l.text(left), v, ok
	}
	return "", 0, false
}

func (l *lowerer) counterStep(update *sitter.Node, name string) (int64, bool) {
	update = unwrapParens(update)
	if update == nil {
		return 0, false
	}
	switch update.Type() {
	case "update_expression":
		arg := unwrapParens(update.ChildByFieldName("argument"))
		op := update.ChildByFieldName("operator")
		if arg == nil || l.text(arg) != name || op == nil {
			return 0, false
		}
		if op.Type() == "--" {
			return -1, true
		}
		return 1, true
	case "assignment_expression":
		left := unwrapParens(update.ChildByFieldName("left"))
		op := update.ChildByFieldName("operator")
		if left == nil || l.text(left) != name || op == nil {
			return 0, false
		}
		k, ok := l.eval(update.ChildByFieldName("right"))
		if !ok {
			return 0, false
		}
		switch op.Type() {
		case "+=":
			return k, true
		case "-=":
			return -k, true
		}
	}
	return 0, false
}

func holds(op string, v, bound int64) bool {
	switch op {
	case "<":
		return v < bound
	case "<=":
		return v <= bound
	case ">":
		return v > bound
	case ">=":
		return v >= bound
	case "!=":
		return v != bound
	}
	return false
}

// escapes reports whether body can leave the loop other than by finishing
func (l *lowerer) escapes(body *sitter.Node) bool {
	switch body.Type() {
	case "break_statement", "continue_statement", "return_statement", "goto_statement":
		return true
	}
	for _, child := range namedChildren(body) {
		if l.escapes(child) {
			return true
		}
	}
	return false
}

// mutates reports whether body assigns name
func (l *lowerer) mutates(body *sitter.Node, name string) bool {
	switch body.Type() {
	case "assignment_expression":
		if left := unwrapParens(body.ChildByFieldName("left")); left != nil && left.Type() == "identifier" && l.text(left) == name {
			return true
		}
	case "update_expression":
		if arg := unwrapParens(body.ChildByFieldName("argument")); arg != nil && arg.Type() == "identifier" && l.text(arg) == name {
			return true
		}
	case "pointer_expression":
		// &name lets the body change it behind our back
		if op := body.ChildByFieldName("operator"); op != nil && op.Type() == "&" {
			if arg := unwrapParens(body.ChildByFieldName("argument")); arg != nil && arg.Type() == "identifier" && l.text(arg) == name {
				return true
			}
		}
	}
	for _, child := range namedChildren(body) {
		if l.mutates(child, name) {
			return true
		}
	}
	return false
}

// forBody returns the loop body. Older C grammars leave it without a field
// name, as the last named child.
func forBody(n *sitter.Node) *sitter.Node {
	if body := n.ChildByFieldName("body"); body != nil {
		return body
	}
	if count := int(n.NamedChildCount()); count > 0 {
		return n.NamedChild(count - 1)
	}
	return nil
}

func sameNode(a, b *sitter.Node) bool {
	return a.StartByte() == b.StartByte() && a.EndByte() == b.EndByte() && a.Type() == b.Type()
}
