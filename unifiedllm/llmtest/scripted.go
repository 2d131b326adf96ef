// Package llmtest provides a deterministic provider adapter for tests.
package llmtest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/martinemde/reactor/unifiedllm"
)

// Step configures one model turn in a scripted sequence.
type Step struct {
	Text      string
	ToolCalls []unifiedllm.ToolCall
	Usage     unifiedllm.Usage
	Err       error

	// Delay holds the reply back until it elapses or the context ends.
	Delay time.Duration
	// StreamErr is sent after the text deltas when streaming.
	StreamErr error
}

// Reply is a final-answer step.
func Reply(text string) Step {
	return Step{Text: text}
}

// Call is a step that invokes one capability per call.
func Call(calls ...unifiedllm.ToolCall) Step {
	return Step{ToolCalls: calls}
}

// Fail is a step that returns err.
func Fail(err error) Step {
	return Step{Err: err}
}

// ToolCall builds a call with JSON-encoded arguments.
func ToolCall(id, name string, args map[string]any) unifiedllm.ToolCall {
	if args == nil {
		args = map[string]any{}
	}
	raw, err := json.Marshal(args)
	if err != nil {
		panic(fmt.Sprintf("llmtest: marshal args for %s: %v", name, err))
	}
	return unifiedllm.ToolCall{ID: id, Name: name, Arguments: raw}
}

// ScriptedAdapter replays Steps in order and records every request.
type ScriptedAdapter struct {
	name string

	mu       sync.Mutex
	index    int
	steps    []Step
	requests []unifiedllm.Request
}

var _ unifiedllm.ProviderAdapter = (*ScriptedAdapter)(nil)

// NewScriptedAdapter returns an adapter named "scripted".
func NewScriptedAdapter(steps ...Step) *ScriptedAdapter {
	cloned := make([]Step, len(steps))
	copy(cloned, steps)
	return &ScriptedAdapter{name: "scripted", steps: cloned}
}

// Client wraps the adapter in a unifiedllm.Client.
func (s *ScriptedAdapter) Client() *unifiedllm.Client {
	return unifiedllm.NewClient(unifiedllm.WithProvider(s.name, s))
}

func (s *ScriptedAdapter) Name() string { return s.name }

// Requests returns a copy of the requests seen so far.
func (s *ScriptedAdapter) Requests() []unifiedllm.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]unifiedllm.Request, len(s.requests))
	copy(out, s.requests)
	return out
}

// Calls reports how many requests were made.
func (s *ScriptedAdapter) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func (s *ScriptedAdapter) next(req unifiedllm.Request) (Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests = append(s.requests, req)
	if s.index >= len(s.steps) {
		return Step{}, fmt.Errorf("script exhausted at step %d", s.index+1)
	}
	step := s.steps[s.index]
	s.index++
	return step, nil
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (s *ScriptedAdapter) Complete(ctx context.Context, req unifiedllm.Request) (*unifiedllm.Response, error) {
	step, err := s.next(req)
	if err != nil {
		return nil, err
	}
	if err := wait(ctx, step.Delay); err != nil {
		return nil, err
	}
	if step.Err != nil {
		return nil, step.Err
	}
	return s.response(req, step), nil
}

// Stream sends the text word by word, then tool calls, then finish.
func (s *ScriptedAdapter) Stream(ctx context.Context, req unifiedllm.Request) (<-chan unifiedllm.StreamEvent, error) {
	step, err := s.next(req)
	if err != nil {
		return nil, err
	}
	if step.Err != nil {
		return nil, step.Err
	}

	ch := make(chan unifiedllm.StreamEvent)
	go func() {
		defer close(ch)
		send := func(ev unifiedllm.StreamEvent) bool {
			select {
			case ch <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		if err := wait(ctx, step.Delay); err != nil {
			send(unifiedllm.StreamEvent{Type: unifiedllm.StreamError, Error: err})
			return
		}
		if !send(unifiedllm.StreamEvent{Type: unifiedllm.StreamStart}) {
			return
		}
		for _, delta := range splitDeltas(step.Text) {
			if !send(unifiedllm.StreamEvent{Type: unifiedllm.TextDelta, Delta: delta}) {
				return
			}
		}
		if step.StreamErr != nil {
			send(unifiedllm.StreamEvent{Type: unifiedllm.StreamError, Error: step.StreamErr})
			return
		}
		for i := range step.ToolCalls {
			tc := step.ToolCalls[i]
			if !send(unifiedllm.StreamEvent{Type: unifiedllm.ToolCallEnd, ToolCall: &tc}) {
				return
			}
		}
		resp := s.response(req, step)
		send(unifiedllm.StreamEvent{
			Type:         unifiedllm.StreamFinish,
			FinishReason: &resp.FinishReason,
			Usage:        &resp.Usage,
		})
	}()
	return ch, nil
}

func (s *ScriptedAdapter) response(req unifiedllm.Request, step Step) *unifiedllm.Response {
	msg := unifiedllm.AssistantMessage(step.Text)
	for _, tc := range step.ToolCalls {
		msg.Content = append(msg.Content, unifiedllm.ToolCallPart(tc.ID, tc.Name, tc.Arguments))
	}

	finish := unifiedllm.FinishReason{Reason: "stop"}
	if len(step.ToolCalls) > 0 {
		finish = unifiedllm.FinishReason{Reason: "tool_calls"}
	}
	usage := step.Usage
	if usage == (unifiedllm.Usage{}) {
		usage = unifiedllm.Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15}
	}
	return &unifiedllm.Response{
		ID:           fmt.Sprintf("scripted_%d", s.Calls()),
		Model:        req.Model,
		Provider:     s.name,
		Message:      msg,
		FinishReason: finish,
		Usage:        usage,
	}
}

// splitDeltas breaks text into word-sized chunks that rejoin to the input.
func splitDeltas(text string) []string {
	if text == "" {
		return nil
	}
	words := strings.SplitAfter(text, " ")
	out := words[:0]
	for _, w := range words {
		if w != "" {
			out = append(out, w)
		}
	}
	return out
}
