// ABOUTME: Interview protocol: Question/Answer contract and the Interviewer abstraction for human gates.
// ABOUTME: Ships auto-approve, queue, and recording variants; console and web variants live in sibling files.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// QuestionType classifies how a question is posed and validated.
type QuestionType string

const (
	QuestionMultipleChoice QuestionType = "multiple_choice"
	QuestionYesNo          QuestionType = "yes_no"
	QuestionConfirmation   QuestionType = "confirmation"
	QuestionFreeform       QuestionType = "freeform"
)

// Option is one selectable choice: a short accelerator key and a label.
type Option struct {
	Key   string `json:"key"`
	Label string `json:"label"`
}

// Question is a structured question posed to a human during a run.
type Question struct {
	ID             string       `json:"id"`
	Text           string       `json:"text"`
	Type           QuestionType `json:"type"`
	Options        []Option     `json:"options,omitempty"`
	Stage          string       `json:"stage"`
	DefaultAnswer  string       `json:"default_answer,omitempty"`
	TimeoutSeconds int          `json:"timeout_seconds,omitempty"`
}

// Answer is the response to a Question. Value carries the selection (or a
// sentinel); Text carries freeform input when it differs from Value.
type Answer struct {
	Value          string  `json:"value"`
	Text           string  `json:"text,omitempty"`
	SelectedOption *Option `json:"selected_option,omitempty"`
}

// Reserved sentinel answer values.
const (
	AnswerTimeout = "TIMEOUT"
	AnswerSkipped = "SKIPPED"
)

// IsTimeout reports whether the answer is the timeout sentinel.
func (a Answer) IsTimeout() bool { return a.Value == AnswerTimeout }

// IsSkipped reports whether the answer is the skipped sentinel.
func (a Answer) IsSkipped() bool { return a.Value == AnswerSkipped }

// Interviewer is the abstraction a human-gate stage suspends on. Ask may
// block arbitrarily but must eventually resolve or produce a TIMEOUT
// answer; timeouts are converted at this boundary, never raised as errors.
type Interviewer interface {
	Ask(ctx context.Context, q Question) (Answer, error)

	// AskMultiple poses questions sequentially; it is never parallelized.
	AskMultiple(ctx context.Context, qs []Question) ([]Answer, error)

	// Inform is a side channel with no response expected.
	Inform(ctx context.Context, message, stage string)
}

// resolveQuestionTimeout applies the per-question override to the
// interviewer's default. Zero means no timeout.
func resolveQuestionTimeout(q Question, fallback time.Duration) time.Duration {
	if q.TimeoutSeconds > 0 {
		return time.Duration(q.TimeoutSeconds) * time.Second
	}
	return fallback
}

// timeoutAnswer is what a timed-out question resolves to: the question's
// default answer when present, the TIMEOUT sentinel otherwise.
func timeoutAnswer(q Question) Answer {
	if q.DefaultAnswer != "" {
		a := Answer{Value: q.DefaultAnswer}
		if opt := matchOption(q, q.DefaultAnswer); opt != nil {
			a.SelectedOption = opt
		}
		return a
	}
	return Answer{Value: AnswerTimeout}
}

// matchOption resolves a raw value against a question's options by key
// (case-insensitive) or by normalized label. Returns nil when nothing
// matches.
func matchOption(q Question, value string) *Option {
	for i := range q.Options {
		if strings.EqualFold(q.Options[i].Key, strings.TrimSpace(value)) {
			return &q.Options[i]
		}
	}
	normalized := NormalizeLabel(value)
	if normalized == "" {
		return nil
	}
	for i := range q.Options {
		if NormalizeLabel(q.Options[i].Label) == normalized {
			return &q.Options[i]
		}
	}
	return nil
}

// askSequentially implements AskMultiple in terms of Ask.
func askSequentially(ctx context.Context, i Interviewer, qs []Question) ([]Answer, error) {
	answers := make([]Answer, 0, len(qs))
	for _, q := range qs {
		a, err := i.Ask(ctx, q)
		if err != nil {
			return answers, err
		}
		answers = append(answers, a)
	}
	return answers, nil
}

// --- AutoApproveInterviewer ---

// AutoApproveInterviewer answers immediately without blocking: the
// question's default if present, else the first option, else YES for
// yes/no and confirmation, else "".
type AutoApproveInterviewer struct{}

// NewAutoApproveInterviewer creates an AutoApproveInterviewer.
func NewAutoApproveInterviewer() *AutoApproveInterviewer {
	return &AutoApproveInterviewer{}
}

// Ask resolves the question instantly.
func (a *AutoApproveInterviewer) Ask(ctx context.Context, q Question) (Answer, error) {
	if err := ctx.Err(); err != nil {
		return Answer{}, err
	}
	if q.DefaultAnswer != "" {
		ans := Answer{Value: q.DefaultAnswer}
		ans.SelectedOption = matchOption(q, q.DefaultAnswer)
		return ans, nil
	}
	if len(q.Options) > 0 {
		return Answer{Value: q.Options[0].Key, SelectedOption: &q.Options[0]}, nil
	}
	switch q.Type {
	case QuestionYesNo, QuestionConfirmation:
		return Answer{Value: "YES"}, nil
	default:
		return Answer{Value: ""}, nil
	}
}

// AskMultiple answers each question in order.
func (a *AutoApproveInterviewer) AskMultiple(ctx context.Context, qs []Question) ([]Answer, error) {
	return askSequentially(ctx, a, qs)
}

// Inform discards the message.
func (a *AutoApproveInterviewer) Inform(ctx context.Context, message, stage string) {}

// --- QueueInterviewer ---

// QueueInterviewer answers from a pre-seeded FIFO. An exhausted queue is a
// contract violation and fatal for the run.
type QueueInterviewer struct {
	mu      sync.Mutex
	answers []Answer
}

// NewQueueInterviewer seeds the queue with raw answer values.
func NewQueueInterviewer(values ...string) *QueueInterviewer {
	answers := make([]Answer, len(values))
	for i, v := range values {
		answers[i] = Answer{Value: v}
	}
	return &QueueInterviewer{answers: answers}
}

// NewQueueInterviewerAnswers seeds the queue with full Answer records.
func NewQueueInterviewerAnswers(answers ...Answer) *QueueInterviewer {
	return &QueueInterviewer{answers: append([]Answer{}, answers...)}
}

// Ask dequeues the next answer, resolving its option against the question.
func (q *QueueInterviewer) Ask(ctx context.Context, question Question) (Answer, error) {
	if err := ctx.Err(); err != nil {
		return Answer{}, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.answers) == 0 {
		return Answer{}, fmt.Errorf("answer queue empty: no answer for question %q", question.Text)
	}
	a := q.answers[0]
	q.answers = q.answers[1:]
	if a.SelectedOption == nil {
		a.SelectedOption = matchOption(question, a.Value)
	}
	return a, nil
}

// AskMultiple dequeues one answer per question, in order.
func (q *QueueInterviewer) AskMultiple(ctx context.Context, qs []Question) ([]Answer, error) {
	return askSequentially(ctx, q, qs)
}

// Inform discards the message.
func (q *QueueInterviewer) Inform(ctx context.Context, message, stage string) {}

// Remaining returns how many answers are still queued.
func (q *QueueInterviewer) Remaining() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.answers)
}

// --- RecordingInterviewer ---

// Exchange is one recorded question/answer pair.
type Exchange struct {
	Question Question `json:"question"`
	Answer   Answer   `json:"answer"`
}

// RecordingInterviewer wraps another interviewer and records every
// exchange in order for audit and replay.
type RecordingInterviewer struct {
	inner     Interviewer
	mu        sync.Mutex
	exchanges []Exchange
}

// NewRecordingInterviewer wraps inner with recording.
func NewRecordingInterviewer(inner Interviewer) *RecordingInterviewer {
	return &RecordingInterviewer{inner: inner}
}

// Ask delegates and records the exchange.
func (r *RecordingInterviewer) Ask(ctx context.Context, q Question) (Answer, error) {
	a, err := r.inner.Ask(ctx, q)
	if err != nil {
		return a, err
	}
	r.mu.Lock()
	r.exchanges = append(r.exchanges, Exchange{Question: q, Answer: a})
	r.mu.Unlock()
	return a, nil
}

// AskMultiple delegates question by question so each exchange is recorded.
func (r *RecordingInterviewer) AskMultiple(ctx context.Context, qs []Question) ([]Answer, error) {
	return askSequentially(ctx, r, qs)
}

// Inform delegates to the wrapped interviewer.
func (r *RecordingInterviewer) Inform(ctx context.Context, message, stage string) {
	r.inner.Inform(ctx, message, stage)
}

// Exchanges returns a copy of all recorded exchanges.
func (r *RecordingInterviewer) Exchanges() []Exchange {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Exchange, len(r.exchanges))
	copy(out, r.exchanges)
	return out
}

// Replay returns a queue interviewer seeded with the recorded answers, so
// a captured session can be re-run deterministically.
func (r *RecordingInterviewer) Replay() *QueueInterviewer {
	r.mu.Lock()
	defer r.mu.Unlock()
	answers := make([]Answer, len(r.exchanges))
	for i, ex := range r.exchanges {
		answers[i] = ex.Answer
	}
	return NewQueueInterviewerAnswers(answers...)
}
