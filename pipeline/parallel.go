// ABOUTME: Parallel fan-out regions: branch target detection, join node discovery, and branch results.
// ABOUTME: Branches run on isolated context clones and merge in declaration order at the join.
package pipeline

import (
	"github.com/basin-run/basin/dot"
)

// BranchResult captures one branch's terminal state within a parallel
// region. Context holds the branch's isolated clone, merged into the
// parent only when the whole region succeeds.
type BranchResult struct {
	NodeID  string
	Outcome *Outcome
	Context *Context
	Err     error
}

// Failed reports whether the branch ended in failure.
func (b BranchResult) Failed() bool {
	return b.Err != nil || b.Outcome == nil || b.Outcome.Status == StatusFail
}

// parallelTargets returns the branch entry nodes when the stage fans out,
// or nil for ordinary routing. A fan-out is either a node typed
// "parallel" (all condition-satisfied outgoing edges branch) or a node
// with two or more outgoing edges marked parallel=true. Fewer than two
// targets is not a region.
func parallelTargets(g *dot.Graph, node *dot.Node, outcome *Outcome, ctx *Context) []string {
	var marked []string
	for _, e := range g.OutgoingEdges(node.ID) {
		if e.Attrs.GetBool("parallel") && EvaluateCondition(e.Attrs.Get("condition"), outcome, ctx) {
			marked = append(marked, e.To)
		}
	}
	if len(marked) >= 2 {
		return marked
	}
	if node.Type() == "parallel" {
		var all []string
		for _, e := range g.OutgoingEdges(node.ID) {
			if EvaluateCondition(e.Attrs.Get("condition"), outcome, ctx) {
				all = append(all, e.To)
			}
		}
		if len(all) >= 2 {
			return all
		}
	}
	return nil
}

// findJoinNode locates where branches converge: the first node typed
// "join" (or "fan_in") reachable from every branch entry, else the first
// common reachable node in BFS order from the first branch. Returns ""
// when the branches never converge; they then run to their own ends.
func findJoinNode(g *dot.Graph, targets []string) string {
	if len(targets) == 0 {
		return ""
	}
	reach := make([]map[string]bool, len(targets))
	for i, t := range targets {
		reach[i] = reachableFrom(g, t)
	}

	isTarget := make(map[string]bool, len(targets))
	for _, t := range targets {
		isTarget[t] = true
	}
	common := func(id string) bool {
		for _, set := range reach {
			if !set[id] {
				return false
			}
		}
		return true
	}

	order := bfsOrder(g, targets[0])
	for _, id := range order {
		n := g.FindNode(id)
		if n == nil || isTarget[id] {
			continue
		}
		if t := n.Type(); (t == "join" || t == "fan_in") && common(id) {
			return id
		}
	}
	for _, id := range order {
		if !isTarget[id] && common(id) {
			return id
		}
	}
	return ""
}

// reachableFrom returns the set of nodes reachable from start, inclusive.
func reachableFrom(g *dot.Graph, start string) map[string]bool {
	seen := map[string]bool{start: true}
	queue := []string{start}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, e := range g.OutgoingEdges(id) {
			if !seen[e.To] {
				seen[e.To] = true
				queue = append(queue, e.To)
			}
		}
	}
	return seen
}

// bfsOrder returns nodes in breadth-first order from start, inclusive.
func bfsOrder(g *dot.Graph, start string) []string {
	seen := map[string]bool{start: true}
	order := []string{start}
	queue := []string{start}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, e := range g.OutgoingEdges(id) {
			if !seen[e.To] {
				seen[e.To] = true
				order = append(order, e.To)
				queue = append(queue, e.To)
			}
		}
	}
	return order
}

// resolveMaxParallel bounds concurrent branches: the graph's
// "parallel.max_parallel" attribute, then the configured limit, then the
// branch count (unbounded).
func resolveMaxParallel(g *dot.Graph, configLimit, branches int) int {
	if n := g.Attrs.GetInt("parallel.max_parallel"); n > 0 {
		return n
	}
	if configLimit > 0 {
		return configLimit
	}
	return branches
}
