package lifetime

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/tools/container/intsets"

	"github.com/vandah/analyzer/internal/heap"
	"github.com/vandah/analyzer/internal/hir"
)

// DefaultIterationCap bounds fixed-point passes over cyclic graphs
const DefaultIterationCap = 1000

// Options configures the engine
type Options struct {
	// EnableFormatAccessReporting emits UseAfterFreeViaFormat findings
	EnableFormatAccessReporting bool
	// IterationCap bounds the number of passes over a cyclic graph
	IterationCap int
}

// DefaultOptions returns the documented defaults
func DefaultOptions() Options {
	return Options{
		EnableFormatAccessReporting: true,
		IterationCap:                DefaultIterationCap,
	}
}

// Engine is the fixed-point driver. It holds no per-procedure state: every
// call builds a fresh shadow heap.
type Engine struct {
	opts   Options
	logger *zap.Logger
}

// NewEngine creates an engine; a nil logger disables logging
func NewEngine(opts Options, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.IterationCap <= 0 {
		opts.IterationCap = DefaultIterationCap
	}
	return &Engine{opts: opts, logger: logger}
}

// AnalyzeProgram analyzes every procedure independently. Procedures that
// violate the front-end contract are skipped and their errors joined.
func (e *Engine) AnalyzeProgram(prog *hir.Program) ([]*Report, error) {
	var reports []*Report
	var errs []error
	for _, proc := range prog.Procedures {
		report, err := e.AnalyzeProcedure(proc)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		reports = append(reports, report)
	}
	return reports, errors.Join(errs...)
}

// AnalyzeProcedure runs the lifetime analysis over one procedure
func (e *Engine) AnalyzeProcedure(proc *hir.Procedure) (*Report, error) {
	if err := proc.Validate(); err != nil {
		return nil, &ConsistencyError{Procedure: proc.Name, Err: err}
	}

	ca := hir.NewCFGAnalyzer(proc.CFG)
	order := ca.ReversePostorder()
	report := &Report{Procedure: proc.Name, File: proc.File}

	var in map[hir.BlockID]*heap.ShadowHeap
	var unstable intsets.Sparse
	var err error
	if ca.HasCycle() {
		in, err = e.iterate(proc, ca, order, report, &unstable)
	} else {
		in, err = e.singlePass(proc, ca, order)
		report.Iterations = 1
	}
	if err != nil {
		return nil, err
	}

	forced := e.offendingLoops(ca, &unstable)
	report.UnstableBlocks = blockIDs(forced)

	// Reporting pass over the stable in-states
	t := &transfer{opts: e.opts, logger: e.logger, procedure: proc.Name, report: report}
	for _, node := range order {
		state, ok := in[node.ID]
		if !ok {
			continue
		}
		if err := t.apply(state.Clone(), node, forced.Has(int(node.ID))); err != nil {
			return nil, err
		}
	}
	report.sort()

	e.logger.Debug("Procedure analyzed",
		zap.String("procedure", proc.Name),
		zap.Int("iterations", report.Iterations),
		zap.Int("findings", len(report.Findings)),
		zap.Bool("cap_exceeded", report.CapExceeded))

	return report, nil
}

// singlePass visits an acyclic graph once in reverse postorder
func (e *Engine) singlePass(proc *hir.Procedure, ca *hir.CFGAnalyzer, order []*hir.CFGNode) (map[hir.BlockID]*heap.ShadowHeap, error) {
	t := &transfer{opts: e.opts, logger: e.logger, procedure: proc.Name}
	in := make(map[hir.BlockID]*heap.ShadowHeap, len(order))
	out := make(map[hir.BlockID]*heap.ShadowHeap, len(order))

	for _, node := range order {
		state := e.joinPredecessors(proc, ca, node, out)
		if state == nil {
			continue
		}
		in[node.ID] = state
		next := state.Clone()
		if err := t.apply(next, node, false); err != nil {
			return nil, err
		}
		out[node.ID] = next
	}
	return in, nil
}

// iterate runs forward passes until no in-state changes or the cap is hit.
// Blocks still changing on the last pass are left in unstable.
func (e *Engine) iterate(proc *hir.Procedure, ca *hir.CFGAnalyzer, order []*hir.CFGNode, report *Report, unstable *intsets.Sparse) (map[hir.BlockID]*heap.ShadowHeap, error) {
	t := &transfer{opts: e.opts, logger: e.logger, procedure: proc.Name}
	in := make(map[hir.BlockID]*heap.ShadowHeap, len(order))
	out := make(map[hir.BlockID]*heap.ShadowHeap, len(order))

	for iteration := 1; ; iteration++ {
		var changed intsets.Sparse
		for _, node := range order {
			incoming := e.joinPredecessors(proc, ca, node, out)
			if incoming == nil {
				continue
			}
			prev, seen := in[node.ID]
			next := heap.Join(prev, incoming)
			if seen && prev.Equal(next) {
				continue
			}
			changed.Insert(int(node.ID))
			in[node.ID] = next

			succ := next.Clone()
			if err := t.apply(succ, node, false); err != nil {
				return nil, err
			}
			out[node.ID] = succ
		}

		report.Iterations = iteration
		if changed.IsEmpty() {
			e.logger.Debug("Fixed point reached",
				zap.String("procedure", proc.Name),
				zap.Int("iteration", iteration))
			return in, nil
		}
		if iteration >= e.opts.IterationCap {
			report.CapExceeded = true
			unstable.Copy(&changed)
			e.logger.Warn("Iteration cap exceeded, loop accesses are indeterminate",
				zap.String("procedure", proc.Name),
				zap.Int("iteration_cap", e.opts.IterationCap),
				zap.Int("unstable_blocks", changed.Len()))
			return in, nil
		}
	}
}

// joinPredecessors merges the out-states flowing into node. The entry node
// additionally receives the empty heap. nil means node is not reached yet.
func (e *Engine) joinPredecessors(proc *hir.Procedure, ca *hir.CFGAnalyzer, node *hir.CFGNode, out map[hir.BlockID]*heap.ShadowHeap) *heap.ShadowHeap {
	var state *heap.ShadowHeap
	if node.ID == proc.CFG.Entry.ID {
		state = heap.New()
	}
	for _, pred := range ca.Predecessors(node.ID) {
		if predOut, ok := out[pred.ID]; ok {
			state = heap.Join(state, predOut)
		}
	}
	return state
}

// offendingLoops widens the unstable blocks to every natural loop containing
// one of them. Unstable blocks outside any natural loop (irreducible cycles)
// are kept as they are.
func (e *Engine) offendingLoops(ca *hir.CFGAnalyzer, unstable *intsets.Sparse) *intsets.Sparse {
	forced := new(intsets.Sparse)
	if unstable.IsEmpty() {
		return forced
	}
	var inLoop intsets.Sparse
	for _, loop := range ca.GetLoops() {
		hit := false
		for id := range loop.Nodes {
			inLoop.Insert(int(id))
			if unstable.Has(int(id)) {
				hit = true
			}
		}
		if !hit {
			continue
		}
		for id := range loop.Nodes {
			forced.Insert(int(id))
		}
	}

	var outside intsets.Sparse
	outside.Difference(unstable, &inLoop)
	if forced.IsEmpty() {
		forced.UnionWith(&outside)
	}
	return forced
}

func blockIDs(s *intsets.Sparse) []hir.BlockID {
	if s.IsEmpty() {
		return nil
	}
	var ids []hir.BlockID
	for _, id := range s.AppendTo(nil) {
		ids = append(ids, hir.BlockID(id))
	}
	return ids
}

func (o Options) String() string {
	return fmt.Sprintf("format=%t cap=%d", o.EnableFormatAccessReporting, o.IterationCap)
}
