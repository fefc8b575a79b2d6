// ABOUTME: Tests for parallel fan-out regions: isolation, join detection, merge order, branch failure.
package pipeline

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

const fanOutGraph = `digraph {
	start [type=start];
	fan [type=parallel];
	left [type=branch];
	right [type=branch2];
	join [type=join];
	done [type=exit];
	start -> fan;
	fan -> left;
	fan -> right;
	left -> join;
	right -> join;
	join -> done;
}`

func TestParallelTargets(t *testing.T) {
	t.Run("parallel node type", func(t *testing.T) {
		g := mustParse(t, fanOutGraph)
		targets := parallelTargets(g, g.FindNode("fan"), &Outcome{Status: StatusSuccess}, NewContext())
		if len(targets) != 2 || targets[0] != "left" || targets[1] != "right" {
			t.Fatalf("targets = %v", targets)
		}
	})
	t.Run("parallel edges", func(t *testing.T) {
		g := mustParse(t, `digraph {
			a -> b [parallel="true"];
			a -> c [parallel="true"];
			a -> d;
		}`)
		targets := parallelTargets(g, g.FindNode("a"), &Outcome{Status: StatusSuccess}, NewContext())
		if len(targets) != 2 {
			t.Fatalf("targets = %v, want marked edges only", targets)
		}
	})
	t.Run("single target is not a region", func(t *testing.T) {
		g := mustParse(t, `digraph { a -> b [parallel="true"]; a -> c; }`)
		if targets := parallelTargets(g, g.FindNode("a"), &Outcome{Status: StatusSuccess}, NewContext()); targets != nil {
			t.Fatalf("targets = %v, want nil", targets)
		}
	})
}

func TestFindJoinNode(t *testing.T) {
	g := mustParse(t, fanOutGraph)
	if got := findJoinNode(g, []string{"left", "right"}); got != "join" {
		t.Errorf("findJoinNode = %q, want join", got)
	}

	// Without an explicit join type the first common reachable node wins.
	g2 := mustParse(t, `digraph {
		l1 -> l2 -> merge;
		r1 -> merge;
		merge -> end;
	}`)
	if got := findJoinNode(g2, []string{"l1", "r1"}); got != "merge" {
		t.Errorf("findJoinNode = %q, want merge", got)
	}

	g3 := mustParse(t, `digraph { a -> a2; b -> b2; }`)
	if got := findJoinNode(g3, []string{"a", "b"}); got != "" {
		t.Errorf("findJoinNode = %q, want none", got)
	}
}

func TestParallelRegionMergeOrder(t *testing.T) {
	g := mustParse(t, fanOutGraph)
	// Both branches write the same key; the later-declared branch wins.
	left := &scriptHandler{outcomes: []*Outcome{{
		Status: StatusSuccess,
		ContextUpdates: map[string]Value{
			"shared":    StringValue("from-left"),
			"left.only": StringValue("l"),
		},
	}}}
	right := &scriptHandler{outcomes: []*Outcome{{
		Status: StatusSuccess,
		ContextUpdates: map[string]Value{
			"shared":     StringValue("from-right"),
			"right.only": StringValue("r"),
		},
	}}}
	sink := NewBufferSink()
	r := newTestRunner(t, sink, func(h *HandlerRegistry) {
		h.Register("branch", left)
		h.Register("branch2", right)
	})

	result, err := r.Run(context.Background(), g)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.FinalStatus != StatusSuccess {
		t.Fatalf("result = %v (%s)", result.FinalStatus, result.FailureReason)
	}
	if got := result.Context.GetString("shared", ""); got != "from-right" {
		t.Errorf("shared = %q, want from-right (declaration-order merge, later wins)", got)
	}
	if result.Context.GetString("left.only", "") != "l" || result.Context.GetString("right.only", "") != "r" {
		t.Errorf("branch-specific keys lost: %+v", result.Context.SnapshotAny())
	}

	var kinds []EventKind
	for _, e := range sink.Events() {
		kinds = append(kinds, e.Kind)
	}
	for _, want := range []EventKind{EventParallelStarted, EventParallelBranchStarted, EventParallelBranchCompleted, EventParallelCompleted} {
		found := false
		for _, k := range kinds {
			if k == want {
				found = true
			}
		}
		if !found {
			t.Errorf("missing event %s in %v", want, kinds)
		}
	}
}

func TestParallelBranchIsolation(t *testing.T) {
	g := mustParse(t, fanOutGraph)
	var observed atomic.Value
	left := HandlerFunc(func(ctx context.Context, req *StageRequest) (*Outcome, error) {
		req.Context.SetString("left.scratch", "visible-in-left")
		return &Outcome{Status: StatusSuccess}, nil
	})
	right := HandlerFunc(func(ctx context.Context, req *StageRequest) (*Outcome, error) {
		// Give the left branch time to write its clone.
		time.Sleep(30 * time.Millisecond)
		observed.Store(req.Context.GetString("left.scratch", "unset"))
		return &Outcome{Status: StatusSuccess}, nil
	})
	r := newTestRunner(t, nil, func(h *HandlerRegistry) {
		h.Register("branch", left)
		h.Register("branch2", right)
	})
	if _, err := r.Run(context.Background(), g); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := observed.Load(); got != "unset" {
		t.Errorf("right branch observed sibling write: %v", got)
	}
}

func TestParallelBranchFailureFailsRegion(t *testing.T) {
	g := mustParse(t, fanOutGraph)
	left := &scriptHandler{outcomes: []*Outcome{{
		Status:         StatusSuccess,
		ContextUpdates: map[string]Value{"left.done": BoolValue(true)},
	}}}
	right := &scriptHandler{outcomes: []*Outcome{{Status: StatusFail, FailureReason: "right broke"}}}
	r := newTestRunner(t, nil, func(h *HandlerRegistry) {
		h.Register("branch", left)
		h.Register("branch2", right)
	})

	result, err := r.Run(context.Background(), g)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.FinalStatus != StatusFail {
		t.Fatalf("result = %v, want region failure", result.FinalStatus)
	}
	if !strings.Contains(result.FailureReason, "right") {
		t.Errorf("FailureReason = %q", result.FailureReason)
	}
	// Sibling results are discarded wholesale on region failure.
	if _, ok := result.Context.Get("left.done"); ok {
		t.Errorf("successful sibling's context leaked into parent")
	}
	// The sibling still ran to completion.
	if left.calls.Load() != 1 {
		t.Errorf("left calls = %d, want 1", left.calls.Load())
	}
}

func TestParallelMaxParallelLimit(t *testing.T) {
	g := mustParse(t, `digraph {
		"parallel.max_parallel" = 1;
		start [type=start];
		fan [type=parallel];
		a [type=branch];
		b [type=branch];
		join [type=join];
		done [type=exit];
		start -> fan;
		fan -> a;
		fan -> b;
		a -> join;
		b -> join;
		join -> done;
	}`)
	var running, peak atomic.Int64
	branch := HandlerFunc(func(ctx context.Context, req *StageRequest) (*Outcome, error) {
		cur := running.Add(1)
		defer running.Add(-1)
		for {
			old := peak.Load()
			if cur <= old || peak.CompareAndSwap(old, cur) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		return &Outcome{Status: StatusSuccess}, nil
	})
	r := newTestRunner(t, nil, func(h *HandlerRegistry) { h.Register("branch", branch) })
	result, err := r.Run(context.Background(), g)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.FinalStatus != StatusSuccess {
		t.Fatalf("result = %v (%s)", result.FinalStatus, result.FailureReason)
	}
	if peak.Load() > 1 {
		t.Errorf("peak concurrency = %d, want 1", peak.Load())
	}
}

func TestResolveMaxParallel(t *testing.T) {
	g := mustParse(t, `digraph { "parallel.max_parallel" = 2; }`)
	if got := resolveMaxParallel(g, 8, 5); got != 2 {
		t.Errorf("graph attr = %d, want 2", got)
	}
	plain := mustParse(t, `digraph { a; }`)
	if got := resolveMaxParallel(plain, 8, 5); got != 8 {
		t.Errorf("config = %d, want 8", got)
	}
	if got := resolveMaxParallel(plain, 0, 5); got != 5 {
		t.Errorf("unbounded = %d, want branch count", got)
	}
}
