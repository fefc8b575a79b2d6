// ABOUTME: Graph data model for the basin pipeline runner: Graph, Node, Edge, and typed attributes.
// ABOUTME: Edge order is insertion order and is authoritative for routing tie-breaks.
package dot

import (
	"sort"
	"strconv"
	"strings"
)

// Attrs is an attribute map. Values are stored as strings; the accessor
// family interprets them as typed values and returns zero values for
// missing keys, so missing and empty are indistinguishable to callers.
type Attrs map[string]string

// Get returns the string value for key, or "" when absent.
func (a Attrs) Get(key string) string {
	if a == nil {
		return ""
	}
	return a[key]
}

// GetInt returns the integer value for key, or 0 when absent or unparseable.
func (a Attrs) GetInt(key string) int {
	n, err := strconv.Atoi(strings.TrimSpace(a.Get(key)))
	if err != nil {
		return 0
	}
	return n
}

// GetBool returns the boolean value for key, or false when absent or unparseable.
func (a Attrs) GetBool(key string) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(a.Get(key)))
	if err != nil {
		return false
	}
	return b
}

// GetList splits a comma-separated value into a list, or returns an empty
// list when the key is absent. Entries are trimmed; empty entries dropped.
func (a Attrs) GetList(key string) []string {
	raw := a.Get(key)
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			result = append(result, s)
		}
	}
	return result
}

// Has reports whether the key is present, even with an empty value.
func (a Attrs) Has(key string) bool {
	if a == nil {
		return false
	}
	_, ok := a[key]
	return ok
}

// Clone returns an independent copy of the attribute map.
func (a Attrs) Clone() Attrs {
	c := make(Attrs, len(a))
	for k, v := range a {
		c[k] = v
	}
	return c
}

// Graph is a parsed digraph: nodes keyed by ID, edges in declaration order,
// and graph-level attributes.
type Graph struct {
	Name  string
	Nodes map[string]*Node
	Edges []*Edge
	Attrs Attrs
}

// Node is a graph node with an ID and attributes. The "type" attribute
// selects the handler that executes the node.
type Node struct {
	ID    string
	Attrs Attrs
}

// Edge is a directed edge with optional attributes. Recognized attributes
// are "label", "condition", "priority", and "parallel".
type Edge struct {
	From  string
	To    string
	Attrs Attrs
}

// NewGraph creates an empty named graph.
func NewGraph(name string) *Graph {
	return &Graph{
		Name:  name,
		Nodes: make(map[string]*Node),
		Attrs: make(Attrs),
	}
}

// AddNode inserts a node, creating it if needed, and merges attrs into it.
// Returns the node so callers can chain attribute setup.
func (g *Graph) AddNode(id string, attrs Attrs) *Node {
	n, ok := g.Nodes[id]
	if !ok {
		n = &Node{ID: id, Attrs: make(Attrs)}
		g.Nodes[id] = n
	}
	for k, v := range attrs {
		n.Attrs[k] = v
	}
	return n
}

// AddEdge appends an edge in declaration order, creating endpoint nodes
// implicitly the way DOT does.
func (g *Graph) AddEdge(from, to string, attrs Attrs) *Edge {
	if _, ok := g.Nodes[from]; !ok {
		g.AddNode(from, nil)
	}
	if _, ok := g.Nodes[to]; !ok {
		g.AddNode(to, nil)
	}
	if attrs == nil {
		attrs = make(Attrs)
	}
	e := &Edge{From: from, To: to, Attrs: attrs}
	g.Edges = append(g.Edges, e)
	return e
}

// FindNode returns the node with the given ID, or nil.
func (g *Graph) FindNode(id string) *Node {
	if g.Nodes == nil {
		return nil
	}
	return g.Nodes[id]
}

// OutgoingEdges returns edges originating at nodeID, in declaration order.
func (g *Graph) OutgoingEdges(nodeID string) []*Edge {
	var result []*Edge
	for _, e := range g.Edges {
		if e.From == nodeID {
			result = append(result, e)
		}
	}
	return result
}

// IncomingEdges returns edges terminating at nodeID, in declaration order.
func (g *Graph) IncomingEdges(nodeID string) []*Edge {
	var result []*Edge
	for _, e := range g.Edges {
		if e.To == nodeID {
			result = append(result, e)
		}
	}
	return result
}

// NodeIDs returns all node IDs in sorted order for deterministic output.
func (g *Graph) NodeIDs() []string {
	ids := make([]string, 0, len(g.Nodes))
	for id := range g.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Type returns the node's handler type, falling back to the Graphviz shape
// mapping when no explicit "type" attribute is present.
func (n *Node) Type() string {
	if t := n.Attrs.Get("type"); t != "" {
		return t
	}
	if t := n.Attrs.Get("node_type"); t != "" {
		return t
	}
	return shapeToType[n.Attrs.Get("shape")]
}

// shapeToType maps Graphviz shapes to handler type strings for graphs
// authored with shapes instead of explicit type attributes.
var shapeToType = map[string]string{
	"Mdiamond":      "start",
	"Msquare":       "exit",
	"box":           "codergen",
	"diamond":       "conditional",
	"component":     "parallel",
	"tripleoctagon": "join",
	"hexagon":       "wait.human",
}

// IsStart reports whether the node is the pipeline entry point.
func (n *Node) IsStart() bool { return n.Type() == "start" }

// IsExit reports whether the node is a terminal node.
func (n *Node) IsExit() bool { return n.Type() == "exit" }

// FindStartNode returns the node with type "start", or nil. If no node is
// typed start, the unique node with zero incoming edges is returned; when
// several or none qualify, nil is returned and the caller decides.
func (g *Graph) FindStartNode() *Node {
	for _, id := range g.NodeIDs() {
		if g.Nodes[id].IsStart() {
			return g.Nodes[id]
		}
	}
	var orphan *Node
	for _, id := range g.NodeIDs() {
		if len(g.IncomingEdges(id)) == 0 {
			if orphan != nil {
				return nil
			}
			orphan = g.Nodes[id]
		}
	}
	return orphan
}

// FindExitNode returns the first node with type "exit" (sorted by ID), or nil.
func (g *Graph) FindExitNode() *Node {
	for _, id := range g.NodeIDs() {
		if g.Nodes[id].IsExit() {
			return g.Nodes[id]
		}
	}
	return nil
}
