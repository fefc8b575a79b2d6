// ABOUTME: Condition expression evaluator for edge guards.
// ABOUTME: Grammar: Clause ('&&' Clause)*, Clause = key (!=|=) literal, or a bare key (true iff non-empty).
package pipeline

import (
	"encoding/json"
	"strings"
)

// EvaluateCondition evaluates a condition expression against an outcome and
// context. An empty or whitespace-only condition is unconditionally true.
// The evaluator is pure and total: it never errors, and malformed input
// degrades to comparisons against "".
func EvaluateCondition(condition string, outcome *Outcome, ctx *Context) bool {
	trimmed := strings.TrimSpace(condition)
	if trimmed == "" {
		return true
	}

	for _, clause := range strings.Split(trimmed, "&&") {
		if !evaluateClause(strings.TrimSpace(clause), outcome, ctx) {
			return false
		}
	}
	return true
}

// evaluateClause evaluates "key op literal" or a bare key. The != operator
// is checked before =, and only the first occurrence delimits.
func evaluateClause(clause string, outcome *Outcome, ctx *Context) bool {
	if clause == "" {
		return true
	}

	if idx := strings.Index(clause, "!="); idx >= 0 {
		key := strings.TrimSpace(clause[:idx])
		literal := parseLiteral(clause[idx+2:])
		return resolveKey(key, outcome, ctx) != literal
	}

	if idx := strings.Index(clause, "="); idx >= 0 {
		key := strings.TrimSpace(clause[:idx])
		literal := parseLiteral(clause[idx+1:])
		return resolveKey(key, outcome, ctx) == literal
	}

	// Bare key: true iff the resolved value is a non-empty string.
	return resolveKey(clause, outcome, ctx) != ""
}

// parseLiteral interprets the right-hand side of a comparison. A
// double-quoted JSON string is parsed; anything else is the trimmed bare
// text. A malformed quoted string yields "".
func parseLiteral(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, `"`) {
		var s string
		if err := json.Unmarshal([]byte(trimmed), &s); err != nil {
			return ""
		}
		return s
	}
	return trimmed
}

// resolveKey resolves a clause key to its string value.
//
//	outcome          -> outcome.Status
//	preferred_label  -> outcome.PreferredLabel
//	context.<rest>   -> context["context.<rest>"], falling back to context["<rest>"]
//	anything else    -> context[key]
//
// Missing keys resolve to "".
func resolveKey(key string, outcome *Outcome, ctx *Context) string {
	switch key {
	case "outcome":
		return string(outcome.Status)
	case "preferred_label":
		return outcome.PreferredLabel
	default:
		if strings.HasPrefix(key, "context.") {
			if val := ctx.GetString(key, ""); val != "" {
				return val
			}
			return ctx.GetString(key[len("context."):], "")
		}
		return ctx.GetString(key, "")
	}
}
