package hir

// CFGBuilder builds Control Flow Graphs for lowered procedures
type CFGBuilder struct {
	nextNodeID int
	nextStmtID int
	cfg        *CFG
}

// NewCFGBuilder creates a new CFG builder with entry and exit nodes in place
func NewCFGBuilder() *CFGBuilder {
	cb := &CFGBuilder{
		nextNodeID: 1,
		nextStmtID: 1,
		cfg: &CFG{
			Nodes: make(map[BlockID]*CFGNode),
			Edges: make([]*CFGEdge, 0),
		},
	}
	cb.cfg.Entry = cb.CreateNode(CFGEntry)
	cb.cfg.Exit = cb.CreateNode(CFGExit)
	return cb
}

// Entry returns the entry node
func (cb *CFGBuilder) Entry() *CFGNode { return cb.cfg.Entry }

// Exit returns the exit node
func (cb *CFGBuilder) Exit() *CFGNode { return cb.cfg.Exit }

// CreateNode creates a new CFG node
func (cb *CFGBuilder) CreateNode(kind CFGNodeKind) *CFGNode {
	node := &CFGNode{
		ID:   BlockID(cb.nextNodeID),
		Kind: kind,
	}
	cb.nextNodeID++
	cb.cfg.Nodes[node.ID] = node
	return node
}

// AddEdge adds an edge between two CFG nodes
func (cb *CFGBuilder) AddEdge(from, to *CFGNode, kind CFGEdgeKind) {
	cb.cfg.Edges = append(cb.cfg.Edges, &CFGEdge{
		From: from,
		To:   to,
		Kind: kind,
	})
}

// Append adds a statement to a node and assigns its ID
func (cb *CFGBuilder) Append(node *CFGNode, stmt *Stmt) *Stmt {
	stmt.ID = StmtID(cb.nextStmtID)
	cb.nextStmtID++
	node.Stmts = append(node.Stmts, stmt)
	return stmt
}

// Build returns the graph under construction
func (cb *CFGBuilder) Build() *CFG {
	return cb.cfg
}

// NewLinearCFG builds entry -> body -> exit holding stmts in order
func NewLinearCFG(stmts ...*Stmt) *CFG {
	cb := NewCFGBuilder()
	body := cb.CreateNode(CFGBasic)
	for _, stmt := range stmts {
		cb.Append(body, stmt)
	}
	cb.AddEdge(cb.Entry(), body, CFGFallthrough)
	cb.AddEdge(body, cb.Exit(), CFGFallthrough)
	return cb.Build()
}

// CFGAnalyzer provides analysis capabilities for CFGs
type CFGAnalyzer struct {
	cfg   *CFG
	preds map[BlockID][]*CFGNode
	succs map[BlockID][]*CFGNode
}

// NewCFGAnalyzer creates a new CFG analyzer
func NewCFGAnalyzer(cfg *CFG) *CFGAnalyzer {
	ca := &CFGAnalyzer{
		cfg:   cfg,
		preds: make(map[BlockID][]*CFGNode),
		succs: make(map[BlockID][]*CFGNode),
	}
	for _, edge := range cfg.Edges {
		ca.succs[edge.From.ID] = append(ca.succs[edge.From.ID], edge.To)
		ca.preds[edge.To.ID] = append(ca.preds[edge.To.ID], edge.From)
	}
	return ca
}

// Predecessors returns predecessor nodes in edge order
func (ca *CFGAnalyzer) Predecessors(id BlockID) []*CFGNode {
	return ca.preds[id]
}

// ReversePostorder returns the nodes reachable from entry in reverse postorder
func (ca *CFGAnalyzer) ReversePostorder() []*CFGNode {
	visited := make(map[BlockID]bool)
	var post []*CFGNode

	var dfs func(*CFGNode)
	dfs = func(node *CFGNode) {
		visited[node.ID] = true
		for _, succ := range ca.succs[node.ID] {
			if !visited[succ.ID] {
				dfs(succ)
			}
		}
		post = append(post, node)
	}
	dfs(ca.cfg.Entry)

	order := make([]*CFGNode, len(post))
	for i, node := range post {
		order[len(post)-1-i] = node
	}
	return order
}

// HasCycle reports whether any cycle is reachable from entry
func (ca *CFGAnalyzer) HasCycle() bool {
	const (
		white = iota
		grey
		black
	)
	color := make(map[BlockID]int)
	var dfs func(*CFGNode) bool
	dfs = func(node *CFGNode) bool {
		color[node.ID] = grey
		for _, succ := range ca.succs[node.ID] {
			switch color[succ.ID] {
			case grey:
				return true
			case white:
				if dfs(succ) {
					return true
				}
			}
		}
		color[node.ID] = black
		return false
	}
	return dfs(ca.cfg.Entry)
}

// GetDominators computes dominator sets for all reachable nodes
func (ca *CFGAnalyzer) GetDominators() map[BlockID]map[BlockID]bool {
	order := ca.ReversePostorder()
	dominators := make(map[BlockID]map[BlockID]bool)

	// Entry dominates only itself; every other node starts dominated by all
	for _, node := range order {
		dominators[node.ID] = make(map[BlockID]bool)
		if node.ID == ca.cfg.Entry.ID {
			dominators[node.ID][node.ID] = true
			continue
		}
		for _, other := range order {
			dominators[node.ID][other.ID] = true
		}
	}

	changed := true
	for changed {
		changed = false
		for _, node := range order {
			if node.ID == ca.cfg.Entry.ID {
				continue
			}

			// New dominator set = {node} ∪ (∩ dominators of reachable predecessors)
			newDoms := map[BlockID]bool{node.ID: true}
			var preds []*CFGNode
			for _, pred := range ca.preds[node.ID] {
				if _, ok := dominators[pred.ID]; ok {
					preds = append(preds, pred)
				}
			}
			if len(preds) > 0 {
				for domID := range dominators[preds[0].ID] {
					dominatedByAll := true
					for _, pred := range preds[1:] {
						if !dominators[pred.ID][domID] {
							dominatedByAll = false
							break
						}
					}
					if dominatedByAll {
						newDoms[domID] = true
					}
				}
			}

			if !dominatorSetsEqual(dominators[node.ID], newDoms) {
				dominators[node.ID] = newDoms
				changed = true
			}
		}
	}

	return dominators
}

// Loop represents a natural loop in the CFG
type Loop struct {
	Header *CFGNode             // Loop header (dominates all nodes in loop)
	Latch  *CFGNode             // Loop latch (has back edge to header)
	Nodes  map[BlockID]*CFGNode // All nodes in the loop
}

// GetLoops identifies natural loops in the CFG
func (ca *CFGAnalyzer) GetLoops() []*Loop {
	loops := make([]*Loop, 0)
	dominators := ca.GetDominators()

	// Back edges are edges whose target dominates their source
	for _, edge := range ca.cfg.Edges {
		if dominators[edge.From.ID][edge.To.ID] {
			loop := &Loop{
				Header: edge.To,
				Latch:  edge.From,
				Nodes:  make(map[BlockID]*CFGNode),
			}
			ca.findLoopNodes(loop)
			loops = append(loops, loop)
		}
	}

	return loops
}

// findLoopNodes walks predecessors backwards from the latch up to the header
func (ca *CFGAnalyzer) findLoopNodes(loop *Loop) {
	loop.Nodes[loop.Header.ID] = loop.Header
	loop.Nodes[loop.Latch.ID] = loop.Latch

	worklist := []*CFGNode{loop.Latch}
	for len(worklist) > 0 {
		node := worklist[0]
		worklist = worklist[1:]
		if node.ID == loop.Header.ID {
			continue
		}
		for _, pred := range ca.preds[node.ID] {
			if _, inLoop := loop.Nodes[pred.ID]; !inLoop {
				loop.Nodes[pred.ID] = pred
				worklist = append(worklist, pred)
			}
		}
	}
}

func dominatorSetsEqual(set1, set2 map[BlockID]bool) bool {
	if len(set1) != len(set2) {
		return false
	}
	for id := range set1 {
		if !set2[id] {
			return false
		}
	}
	return true
}
