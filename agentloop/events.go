package agentloop

import (
	"context"
	"sync"
	"time"
)

// EventKind identifies the type of execution event.
type EventKind string

const (
	EventStepStart   EventKind = "step_start"
	EventToolCall    EventKind = "tool_call"
	EventToolResult  EventKind = "tool_result"
	EventPlanUpdated EventKind = "plan_updated"
	EventAnswerToken EventKind = "answer_token"
	EventFinalAnswer EventKind = "final_answer"
	EventError       EventKind = "error"
)

// Event is one entry of the streaming channel.
type Event struct {
	Kind      EventKind `json:"kind"`
	SessionID string    `json:"session_id"`
	Iteration int       `json:"iteration"`
	Timestamp time.Time `json:"timestamp"`

	Invocation *ToolInvocation `json:"invocation,omitempty"`
	Result     *ToolResult     `json:"result,omitempty"`
	Plan       []PlanStep      `json:"plan,omitempty"`
	Token      string          `json:"token,omitempty"`
	Answer     string          `json:"answer,omitempty"`
	Reason     FailureReason   `json:"reason,omitempty"`
	Err        error           `json:"-"`
}

// Terminal reports whether the event ends the stream.
func (e Event) Terminal() bool {
	return e.Kind == EventFinalAnswer || e.Kind == EventError
}

// eventEmitter delivers events in order on one channel. Intermediate events
// are dropped once ctx is done; the single terminal event is always sent,
// so consumers must drain the channel until it closes.
type eventEmitter struct {
	sessionID string
	ch        chan Event
	mu        sync.Mutex
	closed    bool
}

func newEventEmitter(sessionID string, buffer int) *eventEmitter {
	if buffer < 0 {
		buffer = 0
	}
	return &eventEmitter{sessionID: sessionID, ch: make(chan Event, buffer)}
}

func (e *eventEmitter) stamp(ev Event) Event {
	ev.SessionID = e.sessionID
	ev.Timestamp = time.Now()
	return ev
}

// emit is nil-safe so the loop can run without a stream.
func (e *eventEmitter) emit(ctx context.Context, ev Event) {
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	select {
	case e.ch <- e.stamp(ev):
	case <-ctx.Done():
	}
}

// finish sends the terminal event and closes the channel. Later calls are no-ops.
func (e *eventEmitter) finish(ev Event) {
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.ch <- e.stamp(ev)
	e.closed = true
	close(e.ch)
}

func (e *eventEmitter) events() <-chan Event {
	return e.ch
}
