// ABOUTME: Human gate handler: builds a question from outgoing edge labels and routes on the answer.
// ABOUTME: Supports &-accelerators, timeout defaults via the human.default_choice attribute, and skip-as-fail.
package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/basin-run/basin/dot"
)

// HumanGateHandler suspends the run on an interviewer. The outgoing edges
// of the gate node are the choices; the selected edge's target becomes
// the suggested next stage.
type HumanGateHandler struct {
	Interviewer Interviewer
}

// gateChoice pairs an outgoing edge with its presentation.
type gateChoice struct {
	edge  *dot.Edge
	key   string
	label string
}

// Execute asks the gate question and converts the answer into an outcome.
func (h *HumanGateHandler) Execute(ctx context.Context, req *StageRequest) (*Outcome, error) {
	if h.Interviewer == nil {
		return nil, fmt.Errorf("no interviewer configured for human gate %q", req.Node.ID)
	}

	choices := gateChoices(req.Graph, req.Node)
	q := Question{
		ID:             req.Node.ID,
		Text:           questionText(req.Node),
		Stage:          req.Node.ID,
		DefaultAnswer:  gateDefaultChoice(req.Node),
		TimeoutSeconds: req.Node.Attrs.GetInt("timeout_ms") / 1000,
	}
	if len(choices) > 0 {
		q.Type = QuestionMultipleChoice
		for _, c := range choices {
			q.Options = append(q.Options, Option{Key: c.key, Label: c.label})
		}
	} else {
		q.Type = QuestionFreeform
	}

	answer, err := h.Interviewer.Ask(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("human gate %q: %w", req.Node.ID, err)
	}

	if answer.IsSkipped() {
		return &Outcome{
			Status:        StatusFail,
			FailureReason: fmt.Sprintf("human gate %q was skipped", req.Node.ID),
		}, nil
	}

	if answer.IsTimeout() {
		if c := resolveDefaultChoice(choices, gateDefaultChoice(req.Node)); c != nil {
			return gateOutcome(c, "timed out, took default choice"), nil
		}
		return &Outcome{
			Status:        StatusFail,
			FailureReason: fmt.Sprintf("human gate %q timed out with no default choice", req.Node.ID),
		}, nil
	}

	if len(choices) == 0 {
		updates := map[string]Value{
			"human.gate.selected": StringValue(answer.Value),
		}
		if answer.Text != "" {
			updates["human.gate.text"] = StringValue(answer.Text)
		}
		return &Outcome{Status: StatusSuccess, ContextUpdates: updates, Notes: answer.Text}, nil
	}

	selected := matchChoice(choices, answer)
	if selected == nil {
		return &Outcome{
			Status:        StatusFail,
			FailureReason: fmt.Sprintf("answer %q matches no choice at gate %q", answer.Value, req.Node.ID),
		}, nil
	}
	return gateOutcome(selected, ""), nil
}

// gateOutcome routes through the selected edge and records the selection
// in the shared context.
func gateOutcome(c *gateChoice, notes string) *Outcome {
	return &Outcome{
		Status:           StatusSuccess,
		SuggestedNextIDs: []string{c.edge.To},
		PreferredLabel:   c.edge.Attrs.Get("label"),
		ContextUpdates: map[string]Value{
			"human.gate.selected": StringValue(c.key),
			"human.gate.label":    StringValue(c.edge.Attrs.Get("label")),
		},
		Notes: notes,
	}
}

// gateChoices derives the selectable choices from the gate's outgoing
// edges in declaration order. The accelerator key is the letter after "&"
// in the label; unlabelled or unmarked edges fall back to the first letter
// or a positional digit.
func gateChoices(g *dot.Graph, node *dot.Node) []*gateChoice {
	edges := g.OutgoingEdges(node.ID)
	choices := make([]*gateChoice, 0, len(edges))
	used := make(map[string]bool)
	for i, e := range edges {
		label := e.Attrs.Get("label")
		display := strings.ReplaceAll(label, "&", "")
		if display == "" {
			display = e.To
		}
		key := acceleratorKey(label)
		if key == "" && display != "" {
			key = strings.ToUpper(display[:1])
		}
		if key == "" || used[strings.ToUpper(key)] {
			key = fmt.Sprintf("%d", i+1)
		}
		used[strings.ToUpper(key)] = true
		choices = append(choices, &gateChoice{edge: e, key: key, label: display})
	}
	return choices
}

// acceleratorKey extracts the letter following "&" in a label, so "&No"
// yields "N". Returns "" when the label carries no marker.
func acceleratorKey(label string) string {
	idx := strings.Index(label, "&")
	if idx < 0 || idx+1 >= len(label) {
		return ""
	}
	return strings.ToUpper(string(label[idx+1]))
}

// matchChoice resolves an answer to a choice by accelerator key, then by
// normalized label, then by target node ID.
func matchChoice(choices []*gateChoice, a Answer) *gateChoice {
	value := strings.TrimSpace(a.Value)
	if a.SelectedOption != nil {
		value = a.SelectedOption.Key
	}
	for _, c := range choices {
		if strings.EqualFold(c.key, value) {
			return c
		}
	}
	normalized := NormalizeLabel(value)
	if normalized != "" {
		for _, c := range choices {
			if NormalizeLabel(c.label) == normalized {
				return c
			}
		}
	}
	for _, c := range choices {
		if c.edge.To == value {
			return c
		}
	}
	return nil
}

// gateDefaultChoice reads the gate's default selection. The namespaced
// human.default_choice attribute wins over the bare default_choice form.
func gateDefaultChoice(node *dot.Node) string {
	if v := node.Attrs.Get("human.default_choice"); v != "" {
		return v
	}
	return node.Attrs.Get("default_choice")
}

// resolveDefaultChoice matches the default choice by key, label, or
// target node ID.
func resolveDefaultChoice(choices []*gateChoice, dflt string) *gateChoice {
	if strings.TrimSpace(dflt) == "" {
		return nil
	}
	return matchChoice(choices, Answer{Value: dflt})
}

// questionText picks the gate's prompt: the "prompt" attribute, then the
// label, then a generated fallback.
func questionText(node *dot.Node) string {
	if p := node.Attrs.Get("prompt"); p != "" {
		return p
	}
	if l := node.Attrs.Get("label"); l != "" {
		return l
	}
	return fmt.Sprintf("Choose how to proceed at %s", node.ID)
}
