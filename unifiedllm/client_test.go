package unifiedllm

import (
	"context"
	"errors"
	"testing"
	"time"
)

// stubAdapter is a fixed-response ProviderAdapter.
type stubAdapter struct {
	name     string
	response *Response
	err      error
	events   []StreamEvent
	requests []Request
	closed   bool
}

func (s *stubAdapter) Name() string { return s.name }

func (s *stubAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	s.requests = append(s.requests, req)
	if s.err != nil {
		return nil, s.err
	}
	resp := *s.response
	return &resp, nil
}

func (s *stubAdapter) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	if s.err != nil {
		return nil, s.err
	}
	ch := make(chan StreamEvent, len(s.events))
	for _, e := range s.events {
		ch <- e
	}
	close(ch)
	return ch, nil
}

func (s *stubAdapter) Close() error {
	s.closed = true
	return nil
}

func newStubAdapter(name, text string) *stubAdapter {
	return &stubAdapter{
		name: name,
		response: &Response{
			ID:           "test_resp",
			Model:        "test-model",
			Provider:     name,
			Message:      AssistantMessage(text),
			FinishReason: FinishReason{Reason: "stop"},
			Usage:        Usage{InputTokens: 10, OutputTokens: 20, TotalTokens: 30},
		},
	}
}

func TestClientComplete(t *testing.T) {
	stub := newStubAdapter("test-provider", "Hello!")
	client := NewClient(
		WithProvider("test-provider", stub),
		WithDefaultProvider("test-provider"),
	)

	resp, err := client.Complete(context.Background(), Request{
		Messages: []Message{UserMessage("Hi")},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text() != "Hello!" {
		t.Errorf("expected text %q, got %q", "Hello!", resp.Text())
	}
	if stub.requests[0].Provider != "test-provider" {
		t.Errorf("expected provider to be filled in, got %q", stub.requests[0].Provider)
	}
}

func TestClientStampsLatency(t *testing.T) {
	stub := newStubAdapter("test", "ok")
	client := NewClient(WithProvider("test", stub))

	resp, err := client.Complete(context.Background(), Request{Messages: []Message{UserMessage("Hi")}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Latency <= 0 {
		t.Errorf("expected positive latency, got %v", resp.Latency)
	}

	stub.response.Latency = 3 * time.Second
	resp, _ = client.Complete(context.Background(), Request{Messages: []Message{UserMessage("Hi")}})
	if resp.Latency != 3*time.Second {
		t.Errorf("adapter-reported latency should be kept, got %v", resp.Latency)
	}
}

func TestClientProviderRouting(t *testing.T) {
	openai := newStubAdapter("openai", "OpenAI response")
	anthropic := newStubAdapter("anthropic", "Anthropic response")

	client := NewClient(
		WithProvider("openai", openai),
		WithProvider("anthropic", anthropic),
		WithDefaultProvider("openai"),
	)

	resp, err := client.Complete(context.Background(), Request{
		Messages: []Message{UserMessage("Hi")},
		Provider: "anthropic",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text() != "Anthropic response" {
		t.Errorf("expected Anthropic response, got %q", resp.Text())
	}

	resp, err = client.Complete(context.Background(), Request{
		Messages: []Message{UserMessage("Hi")},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text() != "OpenAI response" {
		t.Errorf("expected OpenAI response, got %q", resp.Text())
	}

	if got := client.Providers(); len(got) != 2 || got[0] != "anthropic" || got[1] != "openai" {
		t.Errorf("unexpected providers %v", got)
	}
}

func TestClientNoProvider(t *testing.T) {
	client := NewClient()
	_, err := client.Complete(context.Background(), Request{
		Messages: []Message{UserMessage("Hi")},
	})
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Errorf("expected ConfigurationError, got %T", err)
	}
}

func TestClientUnknownProvider(t *testing.T) {
	client := NewClient(WithProvider("openai", newStubAdapter("openai", "x")))
	_, err := client.Complete(context.Background(), Request{Provider: "mistral"})
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Errorf("expected ConfigurationError, got %T", err)
	}
}

func TestClientMiddlewareOrder(t *testing.T) {
	stub := newStubAdapter("test", "response")
	var order []int

	mw1 := func(ctx context.Context, req Request, next func(context.Context, Request) (*Response, error)) (*Response, error) {
		order = append(order, 1)
		resp, err := next(ctx, req)
		order = append(order, -1)
		return resp, err
	}
	mw2 := func(ctx context.Context, req Request, next func(context.Context, Request) (*Response, error)) (*Response, error) {
		order = append(order, 2)
		resp, err := next(ctx, req)
		order = append(order, -2)
		return resp, err
	}

	client := NewClient(
		WithProvider("test", stub),
		WithMiddleware(mw1, mw2),
	)

	if _, err := client.Complete(context.Background(), Request{Messages: []Message{UserMessage("Hi")}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expected := []int{1, 2, -2, -1}
	if len(order) != len(expected) {
		t.Fatalf("expected %d middleware calls, got %d", len(expected), len(order))
	}
	for i, v := range expected {
		if order[i] != v {
			t.Errorf("position %d: expected %d, got %d", i, v, order[i])
		}
	}
}

func TestClientStream(t *testing.T) {
	stub := &stubAdapter{
		name: "test",
		events: []StreamEvent{
			{Type: StreamStart},
			{Type: TextDelta, Delta: "Hello"},
			{Type: TextDelta, Delta: " world"},
			{Type: StreamFinish, FinishReason: &FinishReason{Reason: "stop"}},
		},
	}

	var wrapped bool
	client := NewClient(
		WithProvider("test", stub),
		WithStreamMiddleware(func(ctx context.Context, req Request, next func(context.Context, Request) (<-chan StreamEvent, error)) (<-chan StreamEvent, error) {
			wrapped = true
			return next(ctx, req)
		}),
	)
	ch, err := client.Stream(context.Background(), Request{Messages: []Message{UserMessage("Hi")}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	acc := NewStreamAccumulator()
	for event := range ch {
		acc.Process(event)
	}
	if !wrapped {
		t.Error("stream middleware was not called")
	}
	if got := acc.Response().Text(); got != "Hello world" {
		t.Errorf("expected %q, got %q", "Hello world", got)
	}
}

func TestClientRegisterProviderBecomesDefault(t *testing.T) {
	client := NewClient()
	client.RegisterProvider("dynamic", newStubAdapter("dynamic", "dynamic response"))

	resp, err := client.Complete(context.Background(), Request{Messages: []Message{UserMessage("Hi")}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text() != "dynamic response" {
		t.Errorf("expected %q, got %q", "dynamic response", resp.Text())
	}
}

func TestClientClose(t *testing.T) {
	stub := newStubAdapter("test", "x")
	client := NewClient(WithProvider("test", stub))
	if err := client.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !stub.closed {
		t.Error("expected adapter to be closed")
	}
}

func TestStreamAccumulatorToolCalls(t *testing.T) {
	acc := NewStreamAccumulator()
	acc.Process(StreamEvent{Type: TextDelta, Delta: "checking"})
	acc.Process(StreamEvent{Type: ToolCallEnd, ToolCall: &ToolCall{ID: "c1", Name: "search", Arguments: []byte(`{}`)}})
	acc.Process(StreamEvent{Type: StreamFinish, Usage: &Usage{InputTokens: 3}})

	resp := acc.Response()
	calls := resp.ToolCalls()
	if len(calls) != 1 || calls[0].ID != "c1" {
		t.Fatalf("expected one tool call c1, got %+v", calls)
	}
	if resp.Usage.InputTokens != 3 {
		t.Errorf("expected usage from finish event, got %+v", resp.Usage)
	}
}

func TestStreamAccumulatorKeepsFirstError(t *testing.T) {
	acc := NewStreamAccumulator()
	first := errors.New("first")
	acc.Process(StreamEvent{Type: StreamError, Error: first})
	acc.Process(StreamEvent{Type: StreamError, Error: errors.New("second")})
	if acc.Err() != first {
		t.Errorf("expected first error, got %v", acc.Err())
	}
}
