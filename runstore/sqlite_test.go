// ABOUTME: Tests for the SQLite run store: run lifecycle, event append/replay, listing.
package runstore

import (
	"context"
	"testing"
	"time"

	"github.com/basin-run/basin/pipeline"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRunLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.CreateRun(ctx, "run-1", "pipeline.dot"); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	r, err := s.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if r.Status != RunStatusRunning || r.Source != "pipeline.dot" {
		t.Errorf("run = %+v", r)
	}
	if r.CompletedAt != nil {
		t.Errorf("CompletedAt set on running run")
	}

	snapshot := map[string]any{"outcome": "success", "build.count": int64(3)}
	if err := s.FinishRun(ctx, "run-1", RunStatusCompleted, "", snapshot); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}

	r, err = s.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun after finish: %v", err)
	}
	if r.Status != RunStatusCompleted || r.CompletedAt == nil {
		t.Errorf("finished run = %+v", r)
	}
	if r.Context["outcome"] != "success" {
		t.Errorf("Context = %+v", r.Context)
	}
}

func TestFinishRunFailure(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	s.CreateRun(ctx, "run-2", "inline")
	if err := s.FinishRun(ctx, "run-2", RunStatusFailed, "deploy broke", nil); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}
	r, _ := s.GetRun(ctx, "run-2")
	if r.Status != RunStatusFailed || r.Error != "deploy broke" {
		t.Errorf("run = %+v", r)
	}
}

func TestGetRunMissing(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.GetRun(context.Background(), "ghost"); err == nil {
		t.Error("missing run loaded")
	}
}

func TestEventsAppendAndReplay(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	s.CreateRun(ctx, "run-3", "inline")

	kinds := []pipeline.EventKind{
		pipeline.EventPipelineStarted,
		pipeline.EventStageStarted,
		pipeline.EventStageCompleted,
		pipeline.EventPipelineCompleted,
	}
	for i, k := range kinds {
		e := pipeline.Event{
			Kind:       k,
			Timestamp:  time.Now().UTC(),
			PipelineID: "run-3",
			NodeID:     "n",
			Data:       map[string]any{"seq": float64(i)},
		}
		if err := s.AppendEvent(ctx, e); err != nil {
			t.Fatalf("AppendEvent: %v", err)
		}
	}

	events, err := s.Events(ctx, "run-3")
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(events) != len(kinds) {
		t.Fatalf("len = %d, want %d", len(events), len(kinds))
	}
	for i, e := range events {
		if e.Kind != kinds[i] {
			t.Errorf("events[%d] = %v, want %v", i, e.Kind, kinds[i])
		}
		if e.Data["seq"] != float64(i) {
			t.Errorf("events[%d] data = %v", i, e.Data)
		}
	}
}

func TestEventSink(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	s.CreateRun(ctx, "run-4", "inline")

	sink := s.Sink(ctx)
	sink.Emit(pipeline.Event{
		Kind:       pipeline.EventStageStarted,
		Timestamp:  time.Now().UTC(),
		PipelineID: "run-4",
		NodeID:     "build",
	})

	events, err := s.Events(ctx, "run-4")
	if err != nil || len(events) != 1 || events[0].NodeID != "build" {
		t.Fatalf("events = %+v, %v", events, err)
	}
}

func TestListRunsNewestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	// Distinct started_at values need real wall-clock spacing.
	s.CreateRun(ctx, "old", "a")
	time.Sleep(5 * time.Millisecond)
	s.CreateRun(ctx, "new", "b")

	runs, err := s.ListRuns(ctx, 10)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "new" {
		ids := []string{}
		for _, r := range runs {
			ids = append(ids, r.ID)
		}
		t.Errorf("order = %v, want newest first", ids)
	}
}
