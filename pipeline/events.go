// ABOUTME: Pipeline event taxonomy, the EventSink abstraction, and the cursor-replayable buffer sink.
// ABOUTME: The event stream is the authoritative observability surface; persistence is incidental.
package pipeline

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// EventKind identifies the kind of pipeline lifecycle event.
type EventKind string

const (
	EventPipelineStarted   EventKind = "pipeline.started"
	EventPipelineCompleted EventKind = "pipeline.completed"
	EventPipelineFailed    EventKind = "pipeline.failed"
	EventPipelineRestarted EventKind = "pipeline.restarted"

	EventStageStarted   EventKind = "stage.started"
	EventStageCompleted EventKind = "stage.completed"
	EventStageFailed    EventKind = "stage.failed"
	EventStageRetrying  EventKind = "stage.retrying"

	EventParallelStarted         EventKind = "parallel.started"
	EventParallelBranchStarted   EventKind = "parallel.branch.started"
	EventParallelBranchCompleted EventKind = "parallel.branch.completed"
	EventParallelCompleted       EventKind = "parallel.completed"

	EventCheckpointSaved EventKind = "checkpoint.saved"
)

// Event is one entry in the run's event stream. Events from parallel
// branches may interleave but are always tagged with their stage ID.
type Event struct {
	Kind       EventKind      `json:"kind"`
	Timestamp  time.Time      `json:"timestamp"`
	PipelineID string         `json:"pipeline_id"`
	NodeID     string         `json:"node_id,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}

// JSON renders the event for wire transport (SSE frames, event log rows).
// The timestamp is normalized to UTC.
func (e Event) JSON() []byte {
	e.Timestamp = e.Timestamp.UTC()
	data, err := json.Marshal(e)
	if err != nil {
		return []byte("{}")
	}
	return data
}

// EventSink receives pipeline events. Implementations must be safe for
// concurrent use: parallel branches emit from their own goroutines.
type EventSink interface {
	Emit(Event)
}

// SinkFunc adapts a function to the EventSink interface.
type SinkFunc func(Event)

// Emit calls the function.
func (f SinkFunc) Emit(e Event) { f(e) }

// MultiSink fans an event out to several sinks in order.
type MultiSink []EventSink

// Emit delivers the event to every sink.
func (m MultiSink) Emit(e Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(e)
		}
	}
}

// BufferSink records events in order and supports lazy, restartable
// consumption from a cursor. Closing the sink ends all subscriptions;
// cancelling a subscriber's context detaches only that subscriber.
type BufferSink struct {
	mu     sync.Mutex
	events []Event
	subs   map[int]chan Event
	nextID int
	closed bool
}

// NewBufferSink creates an empty buffer sink.
func NewBufferSink() *BufferSink {
	return &BufferSink{subs: make(map[int]chan Event)}
}

// Emit appends the event and forwards it to live subscribers. A
// subscriber whose buffer is full is detached; it can resume from its
// cursor rather than stall the runner.
func (b *BufferSink) Emit(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.events = append(b.events, e)
	for id, ch := range b.subs {
		select {
		case ch <- e:
		default:
			close(ch)
			delete(b.subs, id)
		}
	}
}

// Events returns a copy of all recorded events.
func (b *BufferSink) Events() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Event, len(b.events))
	copy(out, b.events)
	return out
}

// EventsSince returns events at or after the cursor (an index into the
// stream) along with the next cursor value.
func (b *BufferSink) EventsSince(cursor int) ([]Event, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cursor < 0 {
		cursor = 0
	}
	if cursor >= len(b.events) {
		return nil, len(b.events)
	}
	out := make([]Event, len(b.events)-cursor)
	copy(out, b.events[cursor:])
	return out, len(b.events)
}

// Subscribe replays events from the cursor, then streams new events until
// the context is cancelled or the sink is closed. The returned channel is
// closed when the subscription ends.
func (b *BufferSink) Subscribe(ctx context.Context, cursor int) <-chan Event {
	out := make(chan Event)

	b.mu.Lock()
	replay := make([]Event, 0)
	if cursor < len(b.events) {
		if cursor < 0 {
			cursor = 0
		}
		replay = append(replay, b.events[cursor:]...)
	}
	if b.closed {
		b.mu.Unlock()
		go func() {
			defer close(out)
			for _, e := range replay {
				select {
				case out <- e:
				case <-ctx.Done():
					return
				}
			}
		}()
		return out
	}
	id := b.nextID
	b.nextID++
	// Buffered so Emit never blocks on a slow consumer before the pump
	// goroutine drains it.
	live := make(chan Event, 256)
	b.subs[id] = live
	b.mu.Unlock()

	go func() {
		defer close(out)
		defer func() {
			b.mu.Lock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
			}
			b.mu.Unlock()
		}()

		for _, e := range replay {
			select {
			case out <- e:
			case <-ctx.Done():
				return
			}
		}
		for {
			select {
			case e, ok := <-live:
				if !ok {
					return
				}
				select {
				case out <- e:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}

// Close ends the stream: subscribers drain and their channels close.
func (b *BufferSink) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}
