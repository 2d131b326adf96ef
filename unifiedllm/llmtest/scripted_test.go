package llmtest

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/martinemde/reactor/unifiedllm"
)

func TestScriptedAdapterReplaysSteps(t *testing.T) {
	adapter := NewScriptedAdapter(
		Call(ToolCall("c1", "lookup", map[string]any{"q": "go"})),
		Reply("done"),
	)
	client := adapter.Client()
	ctx := context.Background()

	resp, err := client.Complete(ctx, unifiedllm.Request{Model: "m", Messages: []unifiedllm.Message{unifiedllm.UserMessage("hi")}})
	if err != nil {
		t.Fatal(err)
	}
	calls := resp.ToolCalls()
	if len(calls) != 1 || calls[0].Name != "lookup" || string(calls[0].Arguments) != `{"q":"go"}` {
		t.Errorf("unexpected tool calls: %+v", calls)
	}
	if resp.FinishReason.Reason != "tool_calls" {
		t.Errorf("expected tool_calls finish, got %q", resp.FinishReason.Reason)
	}

	resp, err = client.Complete(ctx, unifiedllm.Request{Model: "m"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Text() != "done" || resp.FinishReason.Reason != "stop" {
		t.Errorf("unexpected reply: %q %q", resp.Text(), resp.FinishReason.Reason)
	}

	if _, err := client.Complete(ctx, unifiedllm.Request{Model: "m"}); err == nil || !strings.Contains(err.Error(), "script exhausted") {
		t.Errorf("expected exhaustion error, got %v", err)
	}
	if adapter.Calls() != 3 || len(adapter.Requests()) != 3 {
		t.Errorf("expected 3 recorded requests, got %d", adapter.Calls())
	}
}

func TestScriptedAdapterStream(t *testing.T) {
	adapter := NewScriptedAdapter(Step{
		Text:      "hello streaming world",
		ToolCalls: []unifiedllm.ToolCall{ToolCall("c1", "t", nil)},
	})
	stream, err := adapter.Client().Stream(context.Background(), unifiedllm.Request{Model: "m"})
	if err != nil {
		t.Fatal(err)
	}

	acc := unifiedllm.NewStreamAccumulator()
	deltas := 0
	for ev := range stream {
		if ev.Type == unifiedllm.TextDelta {
			deltas++
		}
		acc.Process(ev)
	}
	if deltas != 3 {
		t.Errorf("expected 3 word deltas, got %d", deltas)
	}
	resp := acc.Response()
	if resp.Text() != "hello streaming world" || len(resp.ToolCalls()) != 1 {
		t.Errorf("unexpected accumulated response: %q %+v", resp.Text(), resp.ToolCalls())
	}
}

func TestScriptedAdapterStreamError(t *testing.T) {
	boom := errors.New("cut off")
	adapter := NewScriptedAdapter(Step{Text: "partial", StreamErr: boom})
	stream, err := adapter.Stream(context.Background(), unifiedllm.Request{})
	if err != nil {
		t.Fatal(err)
	}
	acc := unifiedllm.NewStreamAccumulator()
	for ev := range stream {
		acc.Process(ev)
	}
	if !errors.Is(acc.Err(), boom) {
		t.Errorf("expected stream error, got %v", acc.Err())
	}
}

func TestScriptedAdapterDelayHonorsContext(t *testing.T) {
	adapter := NewScriptedAdapter(Step{Text: "slow", Delay: time.Minute})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if _, err := adapter.Complete(ctx, unifiedllm.Request{}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestScriptedAdapterFail(t *testing.T) {
	boom := errors.New("provider down")
	adapter := NewScriptedAdapter(Fail(boom))
	if _, err := adapter.Stream(context.Background(), unifiedllm.Request{}); !errors.Is(err, boom) {
		t.Errorf("expected step error from Stream, got %v", err)
	}
}
