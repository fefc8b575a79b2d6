// ABOUTME: Console interviewer: prompts a human on a terminal with lipgloss styling.
// ABOUTME: Handles per-question timeouts, invalid-input retries, and EOF fallback distinctly from timeout.
package pipeline

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

var (
	questionStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	optionStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	keyStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	stageStyle    = lipgloss.NewStyle().Faint(true)
	errorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	informStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
)

// maxInvalidSelections bounds re-prompting on invalid multiple-choice
// input before falling back to the first option.
const maxInvalidSelections = 3

// ConsoleInterviewer poses questions on a terminal and reads answers from
// an input stream. Reads happen on a dedicated goroutine so timeouts and
// cancellation are honored even while blocked on input.
type ConsoleInterviewer struct {
	out            io.Writer
	lines          chan lineResult
	defaultTimeout time.Duration
}

type lineResult struct {
	text string
}

// NewConsoleInterviewer reads from in and writes to out. A zero
// defaultTimeout means questions without their own timeout wait forever.
func NewConsoleInterviewer(in io.Reader, out io.Writer, defaultTimeout time.Duration) *ConsoleInterviewer {
	if in == nil {
		in = os.Stdin
	}
	if out == nil {
		out = os.Stdout
	}
	c := &ConsoleInterviewer{
		out:            out,
		lines:          make(chan lineResult),
		defaultTimeout: defaultTimeout,
	}
	go c.readLoop(in)
	return c
}

func (c *ConsoleInterviewer) readLoop(in io.Reader) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		c.lines <- lineResult{text: scanner.Text()}
	}
	// Closing latches end-of-input: every later Ask resolves immediately
	// instead of parking this goroutine.
	close(c.lines)
}

// Ask renders the question and collects an answer. On timeout the
// question's default (or the TIMEOUT sentinel) is returned; on EOF the
// default (or SKIPPED) is returned so a closed stdin does not masquerade
// as a human timing out.
func (c *ConsoleInterviewer) Ask(ctx context.Context, q Question) (Answer, error) {
	timeout := resolveQuestionTimeout(q, c.defaultTimeout)
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	c.render(q)

	invalid := 0
	for {
		fmt.Fprint(c.out, "> ")
		select {
		case <-ctx.Done():
			return Answer{}, ctx.Err()
		case <-deadline:
			fmt.Fprintln(c.out, stageStyle.Render("(timed out)"))
			return timeoutAnswer(q), nil
		case line, ok := <-c.lines:
			if !ok {
				return eofAnswer(q), nil
			}
			answer, ok := c.interpret(q, strings.TrimSpace(line.text))
			if ok {
				return answer, nil
			}
			invalid++
			if q.Type == QuestionMultipleChoice && invalid >= maxInvalidSelections && len(q.Options) > 0 {
				fmt.Fprintln(c.out, errorStyle.Render("too many invalid selections, taking the first option"))
				return Answer{Value: q.Options[0].Key, SelectedOption: &q.Options[0]}, nil
			}
			fmt.Fprintln(c.out, errorStyle.Render("invalid selection, try again"))
		}
	}
}

// eofAnswer is the resolution for a closed input stream: the question's
// default if present, otherwise the SKIPPED sentinel.
func eofAnswer(q Question) Answer {
	if q.DefaultAnswer != "" {
		a := Answer{Value: q.DefaultAnswer}
		a.SelectedOption = matchOption(q, q.DefaultAnswer)
		return a
	}
	return Answer{Value: AnswerSkipped}
}

func (c *ConsoleInterviewer) render(q Question) {
	if q.Stage != "" {
		fmt.Fprintln(c.out, stageStyle.Render("["+q.Stage+"]"))
	}
	fmt.Fprintln(c.out, questionStyle.Render(q.Text))
	switch q.Type {
	case QuestionMultipleChoice:
		for _, opt := range q.Options {
			fmt.Fprintf(c.out, "  %s  %s\n", keyStyle.Render(opt.Key), optionStyle.Render(opt.Label))
		}
	case QuestionYesNo, QuestionConfirmation:
		fmt.Fprintln(c.out, optionStyle.Render("  yes / no"))
	}
	if q.DefaultAnswer != "" {
		fmt.Fprintln(c.out, stageStyle.Render("default: "+q.DefaultAnswer))
	}
}

// interpret validates raw input against the question type. Empty input
// takes the default when one exists.
func (c *ConsoleInterviewer) interpret(q Question, raw string) (Answer, bool) {
	if raw == "" {
		if q.DefaultAnswer != "" {
			a := Answer{Value: q.DefaultAnswer}
			a.SelectedOption = matchOption(q, q.DefaultAnswer)
			return a, true
		}
		if q.Type == QuestionFreeform {
			return Answer{Value: ""}, true
		}
		return Answer{}, false
	}
	switch q.Type {
	case QuestionMultipleChoice:
		if opt := matchOption(q, raw); opt != nil {
			return Answer{Value: opt.Key, SelectedOption: opt}, true
		}
		return Answer{}, false
	case QuestionYesNo, QuestionConfirmation:
		switch strings.ToLower(raw) {
		case "y", "yes":
			return Answer{Value: "YES"}, true
		case "n", "no":
			return Answer{Value: "NO"}, true
		}
		return Answer{}, false
	default:
		return Answer{Value: raw, Text: raw}, true
	}
}

// AskMultiple poses questions one at a time.
func (c *ConsoleInterviewer) AskMultiple(ctx context.Context, qs []Question) ([]Answer, error) {
	return askSequentially(ctx, c, qs)
}

// Inform prints the message without expecting a response.
func (c *ConsoleInterviewer) Inform(ctx context.Context, message, stage string) {
	if stage != "" {
		fmt.Fprintln(c.out, stageStyle.Render("["+stage+"]"))
	}
	fmt.Fprintln(c.out, informStyle.Render(message))
}
