// ABOUTME: Web interviewer: a single-slot rendezvous between a blocked human gate and HTTP polling.
// ABOUTME: PendingQuestion exposes the open question; SubmitAnswer resolves it and unblocks the run.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// WebInterviewer holds at most one open question at a time. The runner
// blocks in Ask while an HTTP surface polls PendingQuestion and posts a
// response through SubmitAnswer. A second concurrent Ask is a contract
// violation: human gates never overlap within one run.
type WebInterviewer struct {
	mu             sync.Mutex
	pending        *Question
	reply          chan Answer
	defaultTimeout time.Duration
}

// NewWebInterviewer creates a web interviewer. A zero defaultTimeout
// means questions without their own timeout wait forever.
func NewWebInterviewer(defaultTimeout time.Duration) *WebInterviewer {
	return &WebInterviewer{defaultTimeout: defaultTimeout}
}

// Ask parks the question and blocks until an answer is submitted, the
// question times out, or the context is cancelled.
func (w *WebInterviewer) Ask(ctx context.Context, q Question) (Answer, error) {
	w.mu.Lock()
	if w.pending != nil {
		w.mu.Unlock()
		return Answer{}, fmt.Errorf("question %q already pending: overlapping human gates", w.pending.Text)
	}
	parked := q
	w.pending = &parked
	reply := make(chan Answer, 1)
	w.reply = reply
	w.mu.Unlock()

	clear := func() {
		w.mu.Lock()
		if w.reply == reply {
			w.pending = nil
			w.reply = nil
		}
		w.mu.Unlock()
	}

	timeout := resolveQuestionTimeout(q, w.defaultTimeout)
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	select {
	case a := <-reply:
		clear()
		if a.SelectedOption == nil {
			a.SelectedOption = matchOption(q, a.Value)
		}
		return a, nil
	case <-deadline:
		clear()
		return timeoutAnswer(q), nil
	case <-ctx.Done():
		clear()
		return Answer{}, ctx.Err()
	}
}

// AskMultiple poses questions one at a time; the slot holds one question.
func (w *WebInterviewer) AskMultiple(ctx context.Context, qs []Question) ([]Answer, error) {
	return askSequentially(ctx, w, qs)
}

// Inform is a no-op; the web surface reads the event stream instead.
func (w *WebInterviewer) Inform(ctx context.Context, message, stage string) {}

// PendingQuestion returns the open question, or nil when the run is not
// waiting on a human.
func (w *WebInterviewer) PendingQuestion() *Question {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pending == nil {
		return nil
	}
	q := *w.pending
	return &q
}

// SubmitAnswer resolves the open question. It fails when no question is
// pending or when the answer targets a different question ID.
func (w *WebInterviewer) SubmitAnswer(questionID string, a Answer) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pending == nil {
		return fmt.Errorf("no question pending")
	}
	if questionID != "" && w.pending.ID != "" && questionID != w.pending.ID {
		return fmt.Errorf("answer targets question %q but %q is pending", questionID, w.pending.ID)
	}
	w.reply <- a
	w.pending = nil
	w.reply = nil
	return nil
}
