// ABOUTME: Routing protocol: selects the next stage after an outcome is applied.
// ABOUTME: Order: suggested next IDs, condition-filtered candidates, preferred label, priority, insertion order.
package pipeline

import (
	"strings"

	"github.com/basin-run/basin/dot"
)

// NormalizeLabel lowercases a label, trims and collapses whitespace, and
// strips accelerator markers ("&" and bracketed prefixes like "[Y] ") so
// "&Yes" matches "yes".
func NormalizeLabel(label string) string {
	s := strings.TrimSpace(strings.ToLower(label))
	s = strings.ReplaceAll(s, "&", "")
	if len(s) >= 4 && s[0] == '[' && s[2] == ']' {
		s = strings.TrimSpace(s[3:])
	}
	return strings.Join(strings.Fields(s), " ")
}

// SelectNext resolves the next node ID from a finished stage:
//
//  1. The first SuggestedNextID that exists as a node wins outright.
//  2. Candidate edges are the stage's outgoing edges whose condition
//     evaluates true (empty condition means true). A fail outcome only
//     routes through an explicit failure edge: label "failure" or a
//     non-empty satisfied condition.
//  3. A non-empty PreferredLabel picks the first candidate whose label
//     matches after normalization.
//  4. Otherwise the candidate with the highest priority wins; ties break
//     by edge declaration order.
//
// Returns ("", false) when no candidate remains; the caller terminates the
// branch (completed for exit nodes, failed otherwise).
func SelectNext(g *dot.Graph, node *dot.Node, outcome *Outcome, ctx *Context) (string, bool) {
	for _, id := range outcome.SuggestedNextIDs {
		if g.FindNode(id) != nil {
			return id, true
		}
	}

	candidates := candidateEdges(g, node, outcome, ctx)
	if len(candidates) == 0 {
		return "", false
	}

	if outcome.PreferredLabel != "" {
		pref := NormalizeLabel(outcome.PreferredLabel)
		for _, e := range candidates {
			if label := e.Attrs.Get("label"); label != "" && NormalizeLabel(label) == pref {
				return e.To, true
			}
		}
	}

	best := candidates[0]
	for _, e := range candidates[1:] {
		if e.Attrs.GetInt("priority") > best.Attrs.GetInt("priority") {
			best = e
		}
	}
	return best.To, true
}

// candidateEdges filters outgoing edges by condition evaluation. Fail
// outcomes never follow unconditional edges; they require an explicit
// failure edge.
func candidateEdges(g *dot.Graph, node *dot.Node, outcome *Outcome, ctx *Context) []*dot.Edge {
	var candidates []*dot.Edge
	for _, e := range g.OutgoingEdges(node.ID) {
		cond := e.Attrs.Get("condition")
		if outcome.Status == StatusFail {
			if isFailureEdge(e, outcome, ctx) {
				candidates = append(candidates, e)
			}
			continue
		}
		if EvaluateCondition(cond, outcome, ctx) {
			candidates = append(candidates, e)
		}
	}
	return candidates
}

// isFailureEdge reports whether an edge is an explicit failure route:
// labelled "failure" or carrying a non-empty condition satisfied by the
// failed outcome (typically "outcome = fail").
func isFailureEdge(e *dot.Edge, outcome *Outcome, ctx *Context) bool {
	if NormalizeLabel(e.Attrs.Get("label")) == "failure" {
		return true
	}
	cond := strings.TrimSpace(e.Attrs.Get("condition"))
	return cond != "" && EvaluateCondition(cond, outcome, ctx)
}
