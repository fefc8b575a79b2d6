// ABOUTME: Canonical DOT serialization for Graph values.
// ABOUTME: Deterministic output (sorted nodes and attributes, declaration-order edges) also feeds the graph identity hash.
package dot

import (
	"fmt"
	"sort"
	"strings"
)

// Serialize renders the graph as canonical DOT source: graph attributes
// first (sorted), then nodes (sorted by ID), then edges in declaration
// order. Two graphs with identical structure serialize identically.
func Serialize(g *Graph) string {
	var sb strings.Builder

	name := g.Name
	if name == "" {
		name = "pipeline"
	}
	fmt.Fprintf(&sb, "digraph %s {\n", quoteIfNeeded(name))

	for _, k := range sortedKeys(g.Attrs) {
		fmt.Fprintf(&sb, "  %s=%s;\n", quoteIfNeeded(k), quoteIfNeeded(g.Attrs[k]))
	}

	for _, id := range g.NodeIDs() {
		n := g.Nodes[id]
		fmt.Fprintf(&sb, "  %s%s;\n", quoteIfNeeded(id), formatAttrs(n.Attrs))
	}

	for _, e := range g.Edges {
		fmt.Fprintf(&sb, "  %s -> %s%s;\n", quoteIfNeeded(e.From), quoteIfNeeded(e.To), formatAttrs(e.Attrs))
	}

	sb.WriteString("}\n")
	return sb.String()
}

func formatAttrs(attrs Attrs) string {
	if len(attrs) == 0 {
		return ""
	}
	parts := make([]string, 0, len(attrs))
	for _, k := range sortedKeys(attrs) {
		parts = append(parts, fmt.Sprintf("%s=%s", quoteIfNeeded(k), quoteIfNeeded(attrs[k])))
	}
	return " [" + strings.Join(parts, ", ") + "]"
}

func sortedKeys(attrs Attrs) []string {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// quoteIfNeeded wraps a value in double quotes unless it is a bare
// identifier that DOT accepts unquoted.
func quoteIfNeeded(s string) string {
	if s == "" {
		return `""`
	}
	bare := true
	for _, r := range s {
		if !(r == '_' || r == '.' || r == '-' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
			bare = false
			break
		}
	}
	if bare {
		return s
	}
	escaped := strings.ReplaceAll(s, `\`, `\\`)
	escaped = strings.ReplaceAll(escaped, `"`, `\"`)
	escaped = strings.ReplaceAll(escaped, "\n", `\n`)
	return `"` + escaped + `"`
}
