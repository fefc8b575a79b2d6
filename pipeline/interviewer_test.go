// ABOUTME: Tests for the interviewer variants: auto-approve, queue, recording replay, console, web rendezvous.
package pipeline

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"
)

func TestAutoApproveInterviewer(t *testing.T) {
	a := NewAutoApproveInterviewer()
	ctx := context.Background()

	withDefault := Question{Text: "q", DefaultAnswer: "B", Options: []Option{{Key: "A", Label: "first"}, {Key: "B", Label: "second"}}}
	ans, err := a.Ask(ctx, withDefault)
	if err != nil || ans.Value != "B" || ans.SelectedOption == nil || ans.SelectedOption.Key != "B" {
		t.Errorf("default answer = %+v, %v", ans, err)
	}

	withOptions := Question{Text: "q", Options: []Option{{Key: "X", Label: "only"}}}
	ans, _ = a.Ask(ctx, withOptions)
	if ans.Value != "X" {
		t.Errorf("first option = %+v", ans)
	}

	yesNo := Question{Text: "q", Type: QuestionYesNo}
	ans, _ = a.Ask(ctx, yesNo)
	if ans.Value != "YES" {
		t.Errorf("yes/no = %+v", ans)
	}
}

func TestQueueInterviewerExhaustion(t *testing.T) {
	q := NewQueueInterviewer("one")
	ctx := context.Background()
	if _, err := q.Ask(ctx, Question{Text: "first"}); err != nil {
		t.Fatalf("first Ask: %v", err)
	}
	if _, err := q.Ask(ctx, Question{Text: "second"}); err == nil || !strings.Contains(err.Error(), "queue empty") {
		t.Fatalf("exhausted queue err = %v", err)
	}
	if q.Remaining() != 0 {
		t.Errorf("Remaining = %d", q.Remaining())
	}
}

func TestRecordingInterviewerReplay(t *testing.T) {
	rec := NewRecordingInterviewer(NewQueueInterviewer("A", "hello"))
	ctx := context.Background()
	q1 := Question{Text: "pick", Options: []Option{{Key: "A", Label: "Alpha"}}}
	q2 := Question{Text: "say", Type: QuestionFreeform}

	if _, err := rec.Ask(ctx, q1); err != nil {
		t.Fatalf("Ask q1: %v", err)
	}
	if _, err := rec.Ask(ctx, q2); err != nil {
		t.Fatalf("Ask q2: %v", err)
	}

	exchanges := rec.Exchanges()
	if len(exchanges) != 2 || exchanges[0].Answer.Value != "A" || exchanges[1].Answer.Value != "hello" {
		t.Fatalf("exchanges = %+v", exchanges)
	}

	replay := rec.Replay()
	a1, err := replay.Ask(ctx, q1)
	if err != nil || a1.Value != "A" {
		t.Errorf("replayed a1 = %+v, %v", a1, err)
	}
	a2, err := replay.Ask(ctx, q2)
	if err != nil || a2.Value != "hello" {
		t.Errorf("replayed a2 = %+v, %v", a2, err)
	}
}

func TestConsoleInterviewerMultipleChoice(t *testing.T) {
	in := strings.NewReader("x\nB\n")
	var out strings.Builder
	c := NewConsoleInterviewer(in, &out, 0)
	q := Question{
		Text:    "pick one",
		Type:    QuestionMultipleChoice,
		Options: []Option{{Key: "A", Label: "Alpha"}, {Key: "B", Label: "Beta"}},
	}
	ans, err := c.Ask(context.Background(), q)
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if ans.Value != "B" {
		t.Errorf("answer = %+v, want B after one invalid try", ans)
	}
	if !strings.Contains(out.String(), "invalid selection") {
		t.Errorf("no invalid-input feedback in output: %q", out.String())
	}
}

func TestConsoleInterviewerInvalidFallback(t *testing.T) {
	in := strings.NewReader("x\ny\nz\n")
	var out strings.Builder
	c := NewConsoleInterviewer(in, &out, 0)
	q := Question{
		Text:    "pick one",
		Type:    QuestionMultipleChoice,
		Options: []Option{{Key: "A", Label: "Alpha"}, {Key: "B", Label: "Beta"}},
	}
	ans, err := c.Ask(context.Background(), q)
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if ans.Value != "A" {
		t.Errorf("answer = %+v, want first option after three invalid tries", ans)
	}
}

func TestConsoleInterviewerEOF(t *testing.T) {
	t.Run("with default", func(t *testing.T) {
		c := NewConsoleInterviewer(strings.NewReader(""), io.Discard, 0)
		q := Question{Text: "q", Type: QuestionYesNo, DefaultAnswer: "YES"}
		ans, err := c.Ask(context.Background(), q)
		if err != nil || ans.Value != "YES" {
			t.Errorf("EOF with default = %+v, %v", ans, err)
		}
	})
	t.Run("without default is skipped, not timeout", func(t *testing.T) {
		c := NewConsoleInterviewer(strings.NewReader(""), io.Discard, 0)
		ans, err := c.Ask(context.Background(), Question{Text: "q", Type: QuestionFreeform})
		if err != nil {
			t.Fatalf("Ask: %v", err)
		}
		if !ans.IsSkipped() || ans.IsTimeout() {
			t.Errorf("EOF answer = %+v, want SKIPPED", ans)
		}
	})
	t.Run("latches across questions", func(t *testing.T) {
		c := NewConsoleInterviewer(strings.NewReader("first\n"), io.Discard, 0)
		ans, err := c.Ask(context.Background(), Question{Text: "q1", Type: QuestionFreeform})
		if err != nil || ans.Value != "first" {
			t.Fatalf("first Ask = %+v, %v", ans, err)
		}
		// The stream is exhausted; every later question resolves at once.
		for i := 0; i < 2; i++ {
			ans, err = c.Ask(context.Background(), Question{Text: "q", Type: QuestionFreeform})
			if err != nil {
				t.Fatalf("Ask after EOF: %v", err)
			}
			if !ans.IsSkipped() {
				t.Errorf("answer after EOF = %+v, want SKIPPED", ans)
			}
		}
	})
}

func TestConsoleInterviewerTimeout(t *testing.T) {
	// A reader that never produces input.
	pr, _ := io.Pipe()
	c := NewConsoleInterviewer(pr, io.Discard, 0)
	q := Question{Text: "q", Type: QuestionFreeform, TimeoutSeconds: 1}
	start := time.Now()
	ans, err := c.Ask(context.Background(), q)
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if !ans.IsTimeout() {
		t.Errorf("answer = %+v, want TIMEOUT", ans)
	}
	if elapsed := time.Since(start); elapsed < 900*time.Millisecond {
		t.Errorf("timed out too early: %v", elapsed)
	}
}

func TestWebInterviewerRendezvous(t *testing.T) {
	w := NewWebInterviewer(0)
	q := Question{ID: "gate-1", Text: "proceed?", Options: []Option{{Key: "Y", Label: "Yes"}}}

	got := make(chan Answer, 1)
	go func() {
		a, err := w.Ask(context.Background(), q)
		if err != nil {
			t.Errorf("Ask: %v", err)
		}
		got <- a
	}()

	// Poll until the question is parked.
	deadline := time.After(2 * time.Second)
	for w.PendingQuestion() == nil {
		select {
		case <-deadline:
			t.Fatal("question never became pending")
		case <-time.After(time.Millisecond):
		}
	}

	if err := w.SubmitAnswer("gate-1", Answer{Value: "Y"}); err != nil {
		t.Fatalf("SubmitAnswer: %v", err)
	}
	a := <-got
	if a.Value != "Y" || a.SelectedOption == nil {
		t.Errorf("answer = %+v", a)
	}
	if w.PendingQuestion() != nil {
		t.Error("question still pending after answer")
	}
}

func TestWebInterviewerSingleSlot(t *testing.T) {
	w := NewWebInterviewer(0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go w.Ask(ctx, Question{ID: "one", Text: "first"})
	deadline := time.After(2 * time.Second)
	for w.PendingQuestion() == nil {
		select {
		case <-deadline:
			t.Fatal("first question never parked")
		case <-time.After(time.Millisecond):
		}
	}

	// Overlapping gates are a contract violation.
	if _, err := w.Ask(ctx, Question{ID: "two", Text: "second"}); err == nil {
		t.Fatal("second concurrent Ask succeeded")
	}
}

func TestWebInterviewerSubmitWithoutPending(t *testing.T) {
	w := NewWebInterviewer(0)
	if err := w.SubmitAnswer("", Answer{Value: "Y"}); err == nil {
		t.Fatal("SubmitAnswer with nothing pending succeeded")
	}
}

func TestWebInterviewerWrongQuestionID(t *testing.T) {
	w := NewWebInterviewer(0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Ask(ctx, Question{ID: "real", Text: "q"})
	deadline := time.After(2 * time.Second)
	for w.PendingQuestion() == nil {
		select {
		case <-deadline:
			t.Fatal("question never parked")
		case <-time.After(time.Millisecond):
		}
	}
	if err := w.SubmitAnswer("other", Answer{Value: "Y"}); err == nil {
		t.Fatal("answer for wrong question accepted")
	}
}

func TestWebInterviewerTimeoutDefault(t *testing.T) {
	w := NewWebInterviewer(10 * time.Millisecond)
	q := Question{ID: "slow", Text: "q", DefaultAnswer: "N", Options: []Option{{Key: "N", Label: "No"}}}
	a, err := w.Ask(context.Background(), q)
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if a.Value != "N" {
		t.Errorf("timed-out answer = %+v, want default", a)
	}
}
