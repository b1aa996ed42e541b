package lifetime

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/vandah/analyzer/internal/heap"
	"github.com/vandah/analyzer/internal/hir"
)

// ConsistencyError reports a front-end contract violation. It aborts the
// analysis of the affected procedure and is never turned into a finding.
type ConsistencyError struct {
	Procedure string
	Block     hir.BlockID
	Stmt      *hir.Stmt
	Err       error
}

func (e *ConsistencyError) Error() string {
	if e.Stmt == nil {
		return fmt.Sprintf("procedure %s: %v", e.Procedure, e.Err)
	}
	return fmt.Sprintf("procedure %s: block %d: %s at %s: %v", e.Procedure, e.Block, e.Stmt, e.Stmt.Pos, e.Err)
}

func (e *ConsistencyError) Unwrap() error { return e.Err }

// transfer applies statements to a shadow heap. With a nil report it only
// computes successor states; the reporting pass sets report to collect
// classifications and findings.
type transfer struct {
	opts      Options
	logger    *zap.Logger
	procedure string
	report    *Report
}

// apply runs every statement of node against state, which is updated in place.
// When indeterminate is set, accesses are classified Indeterminate because the
// enclosing loop never reached a fixed point.
func (t *transfer) apply(state *heap.ShadowHeap, node *hir.CFGNode, indeterminate bool) error {
	for _, stmt := range node.Stmts {
		switch stmt.Kind {
		case hir.StmtAllocate:
			if _, err := state.AllocateAt(stmt.Identity, stmt.Size, stmt.ID, stmt.Pos); err != nil {
				return &ConsistencyError{Procedure: t.procedure, Block: node.ID, Stmt: stmt, Err: err}
			}

		case hir.StmtFree:
			t.free(state, stmt)

		case hir.StmtBind:
			if stmt.Source != "" {
				state.Copy(stmt.Variable, stmt.Source, stmt.Offset)
			} else {
				state.Bind(stmt.Variable, stmt.Identity, stmt.Offset)
			}

		case hir.StmtAccess:
			t.access(state, stmt, indeterminate)

		case hir.StmtUnbind:
			state.Unbind(stmt.Variable)

		default:
			return &ConsistencyError{
				Procedure: t.procedure,
				Block:     node.ID,
				Stmt:      stmt,
				Err:       fmt.Errorf("unknown statement kind %d", stmt.Kind),
			}
		}
	}
	return nil
}

func (t *transfer) free(state *heap.ShadowHeap, stmt *hir.Stmt) {
	if stmt.Identity != "" {
		t.freeResult(stmt, stmt.Identity, state.Free(stmt.Identity))
		return
	}

	binding, ok := state.Binding(stmt.Variable)
	if !ok || len(binding.Targets) == 0 {
		t.addFinding(stmt, FindingFreeOfUnknownBlock, "",
			fmt.Sprintf("free of %s, which does not refer to tracked heap storage", stmt.Variable))
		return
	}

	if len(binding.Targets) == 1 {
		target := binding.Targets[0]
		t.freeResult(stmt, target.Identity, state.FreeTarget(target))
		return
	}

	// The pointer may refer to several blocks: free every live one and only
	// report a double free when all of them were already freed.
	allFreed := true
	for _, target := range binding.Targets {
		if err := state.FreeTarget(target); err == nil || !errors.Is(err, heap.ErrDoubleFree) {
			allFreed = false
		}
	}
	if allFreed {
		t.addFinding(stmt, FindingDoubleFree, binding.Targets[0].Identity,
			fmt.Sprintf("%s is freed again on every path", stmt.Variable))
	}
}

func (t *transfer) freeResult(stmt *hir.Stmt, identity hir.Identity, err error) {
	switch {
	case err == nil:
	case errors.Is(err, heap.ErrDoubleFree):
		t.addFinding(stmt, FindingDoubleFree, identity, err.Error())
	case errors.Is(err, heap.ErrFreeOfUnknownBlock):
		t.addFinding(stmt, FindingFreeOfUnknownBlock, identity, err.Error())
	default:
		t.logger.Warn("Unexpected free failure",
			zap.String("procedure", t.procedure),
			zap.String("identity", string(identity)),
			zap.Error(err))
	}
}

func (t *transfer) access(state *heap.ShadowHeap, stmt *hir.Stmt, indeterminate bool) {
	if t.report == nil {
		return
	}

	binding, _ := state.Binding(stmt.Variable)
	c := Classify(state, AccessEvent{
		Variable: stmt.Variable,
		Binding:  binding,
		Kind:     stmt.Access,
		Offset:   stmt.Offset,
		Pos:      stmt.Pos,
		Stmt:     stmt.ID,
	})
	if indeterminate {
		c.Verdict = Indeterminate
		c.Reason = "enclosing loop did not reach a fixed point"
	}
	t.report.Classifications = append(t.report.Classifications, c)

	switch c.Verdict {
	case UseAfterFree:
		t.addAccessFinding(c, FindingUseAfterFree)
	case UseAfterFreeViaFormat:
		if !t.opts.EnableFormatAccessReporting {
			t.report.Suppressed++
			t.logger.Debug("Format access finding suppressed",
				zap.String("procedure", t.procedure),
				zap.String("location", c.Location.String()))
			return
		}
		t.addAccessFinding(c, FindingUseAfterFreeViaFormat)
	}
}

func (t *transfer) addAccessFinding(c Classification, kind FindingKind) {
	t.report.Findings = append(t.report.Findings, Finding{
		Location:  c.Location,
		Kind:      kind,
		Identity:  c.Identity,
		Procedure: t.procedure,
		Variable:  c.Variable,
		Offset:    c.Offset,
		Message:   c.Reason,
	})
}

func (t *transfer) addFinding(stmt *hir.Stmt, kind FindingKind, identity hir.Identity, msg string) {
	if t.report == nil {
		return
	}
	t.report.Findings = append(t.report.Findings, Finding{
		Location:  stmt.Pos,
		Kind:      kind,
		Identity:  identity,
		Procedure: t.procedure,
		Variable:  stmt.Variable,
		Offset:    stmt.Offset,
		Message:   msg,
	})
}
