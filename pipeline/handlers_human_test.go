// ABOUTME: Tests for the human gate: choice derivation, accelerators, timeout defaults, skip handling.
package pipeline

import (
	"context"
	"strings"
	"testing"
)

const gateGraph = `digraph {
	start [type=start];
	review [type="wait.human", prompt="Ship this change?", default_choice="N"];
	ship [type=after];
	rework [type=after];
	done [type=exit];
	start -> review;
	review -> ship [label="&Yes, ship it"];
	review -> rework [label="&No, rework"];
	ship -> done;
	rework -> done;
}`

func runGate(t *testing.T, interviewer Interviewer) (*RunResult, *scriptHandler) {
	t.Helper()
	after := &scriptHandler{outcomes: []*Outcome{{Status: StatusSuccess}}}
	handlers := DefaultHandlerRegistry(&StubBackend{}, interviewer)
	handlers.Register("after", after)
	r := NewRunner(RunnerConfig{
		LogsRoot: t.TempDir(),
		Handlers: handlers,
		Retry:    fastRetry(),
	})
	g := mustParse(t, gateGraph)
	result, err := r.Run(context.Background(), g)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return result, after
}

func TestHumanGateAcceleratorSelection(t *testing.T) {
	result, _ := runGate(t, NewQueueInterviewer("Y"))
	if result.FinalStatus != StatusSuccess {
		t.Fatalf("result = %v (%s)", result.FinalStatus, result.FailureReason)
	}
	if !containsNode(result.CompletedNodes, "ship") {
		t.Errorf("expected ship path, got %v", result.CompletedNodes)
	}
	if got := result.Context.GetString("human.gate.selected", ""); got != "Y" {
		t.Errorf("human.gate.selected = %q", got)
	}
	if got := result.Context.GetString("human.gate.label", ""); got != "&Yes, ship it" {
		t.Errorf("human.gate.label = %q, want raw label", got)
	}
}

func TestHumanGateLabelSelection(t *testing.T) {
	result, _ := runGate(t, NewQueueInterviewer("no, rework"))
	if !containsNode(result.CompletedNodes, "rework") {
		t.Errorf("expected rework path, got %v", result.CompletedNodes)
	}
}

func TestHumanGateTimeoutTakesDefaultChoice(t *testing.T) {
	result, _ := runGate(t, NewQueueInterviewer(AnswerTimeout))
	if result.FinalStatus != StatusSuccess {
		t.Fatalf("result = %v (%s)", result.FinalStatus, result.FailureReason)
	}
	if !containsNode(result.CompletedNodes, "rework") {
		t.Errorf("timeout should take default choice N (rework), got %v", result.CompletedNodes)
	}
}

func TestHumanGateTimeoutTakesNamespacedDefaultChoice(t *testing.T) {
	g := mustParse(t, `digraph {
		start [type=start];
		gate [type="wait.human", "human.default_choice"="no"];
		yes; no;
		done [type=exit];
		start -> gate;
		gate -> yes [label="&Yes"];
		gate -> no [label="&No"];
		yes -> done;
		no -> done;
	}`)
	handlers := DefaultHandlerRegistry(&StubBackend{}, NewQueueInterviewer(AnswerTimeout))
	r := NewRunner(RunnerConfig{LogsRoot: t.TempDir(), Handlers: handlers})
	result, err := r.Run(context.Background(), g)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.FinalStatus != StatusSuccess {
		t.Fatalf("result = %v (%s)", result.FinalStatus, result.FailureReason)
	}
	if !containsNode(result.CompletedNodes, "no") {
		t.Errorf("expected the No edge, got %v", result.CompletedNodes)
	}
	if got := result.Context.GetString("human.gate.selected", ""); got != "N" {
		t.Errorf("human.gate.selected = %q, want N", got)
	}
}

func TestGateDefaultChoicePrecedence(t *testing.T) {
	g := mustParse(t, `digraph {
		both [type="wait.human", "human.default_choice"="a", default_choice="b"];
		bare [type="wait.human", default_choice="b"];
		none [type="wait.human"];
	}`)
	cases := []struct {
		node string
		want string
	}{
		{"both", "a"},
		{"bare", "b"},
		{"none", ""},
	}
	for _, tc := range cases {
		if got := gateDefaultChoice(g.FindNode(tc.node)); got != tc.want {
			t.Errorf("gateDefaultChoice(%s) = %q, want %q", tc.node, got, tc.want)
		}
	}
}

func TestHumanGateSkippedFails(t *testing.T) {
	result, _ := runGate(t, NewQueueInterviewer(AnswerSkipped))
	if result.FinalStatus != StatusFail || !strings.Contains(result.FailureReason, "skipped") {
		t.Fatalf("result = %v (%s)", result.FinalStatus, result.FailureReason)
	}
}

func TestHumanGateUnmatchedAnswerFails(t *testing.T) {
	result, _ := runGate(t, NewQueueInterviewer("bogus"))
	if result.FinalStatus != StatusFail || !strings.Contains(result.FailureReason, "matches no choice") {
		t.Fatalf("result = %v (%s)", result.FinalStatus, result.FailureReason)
	}
}

func TestHumanGateTimeoutWithoutDefaultFails(t *testing.T) {
	g := mustParse(t, `digraph {
		start [type=start];
		gate [type="wait.human"];
		a; b;
		done [type=exit];
		start -> gate;
		gate -> a [label="&One"];
		gate -> b [label="&Two"];
		a -> done;
		b -> done;
	}`)
	handlers := DefaultHandlerRegistry(&StubBackend{}, NewQueueInterviewer(AnswerTimeout))
	r := NewRunner(RunnerConfig{LogsRoot: t.TempDir(), Handlers: handlers})
	result, err := r.Run(context.Background(), g)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.FinalStatus != StatusFail || !strings.Contains(result.FailureReason, "timed out") {
		t.Fatalf("result = %v (%s)", result.FinalStatus, result.FailureReason)
	}
}

func TestGateChoicesAccelerators(t *testing.T) {
	g := mustParse(t, `digraph {
		gate;
		gate -> x [label="&Approve"];
		gate -> y [label="Decline"];
		gate -> z;
	}`)
	choices := gateChoices(g, g.FindNode("gate"))
	if len(choices) != 3 {
		t.Fatalf("choices = %d", len(choices))
	}
	if choices[0].key != "A" || choices[0].label != "Approve" {
		t.Errorf("choice 0 = %q/%q", choices[0].key, choices[0].label)
	}
	if choices[1].key != "D" {
		t.Errorf("choice 1 key = %q, want first letter fallback", choices[1].key)
	}
	// Unlabelled edge displays its target and gets a non-colliding key.
	if choices[2].label != "z" || choices[2].key == "" {
		t.Errorf("choice 2 = %q/%q", choices[2].key, choices[2].label)
	}
}

func TestGateChoiceKeyCollision(t *testing.T) {
	g := mustParse(t, `digraph {
		gate -> x [label="&Retry"];
		gate -> y [label="&Rollback"];
	}`)
	choices := gateChoices(g, g.FindNode("gate"))
	if choices[0].key == choices[1].key {
		t.Errorf("accelerator keys collide: %q", choices[0].key)
	}
	if choices[1].key != "2" {
		t.Errorf("colliding key = %q, want positional fallback 2", choices[1].key)
	}
}

func TestHumanGateSingleEdgeChoice(t *testing.T) {
	g := mustParse(t, `digraph {
		start [type=start];
		note [type="wait.human", prompt="Any remarks?"];
		done [type=exit];
		start -> note;
		note -> done;
	}`)
	// A single unlabeled edge still yields one choice keyed by its target.
	handlers := DefaultHandlerRegistry(&StubBackend{}, NewQueueInterviewer("D"))
	r := NewRunner(RunnerConfig{LogsRoot: t.TempDir(), Handlers: handlers})
	result, err := r.Run(context.Background(), g)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.FinalStatus != StatusSuccess {
		t.Fatalf("result = %v (%s)", result.FinalStatus, result.FailureReason)
	}
}

func containsNode(ids []string, want string) bool {
	for _, id := range ids {
		if id == want {
			return true
		}
	}
	return false
}
