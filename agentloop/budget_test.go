package agentloop

import (
	"fmt"
	"strings"
	"testing"
)

func TestBudgeterEstimate(t *testing.T) {
	b := NewBudgeter(BudgetConfig{}, nil)
	tests := []struct {
		content string
		want    int
	}{
		{"", 0},
		{"a", 1},
		{"abcd", 1},
		{"abcde", 2},
		{strings.Repeat("x", 400), 100},
	}
	for _, tt := range tests {
		if got := b.Estimate(tt.content); got != tt.want {
			t.Errorf("Estimate(%d chars) = %d, want %d", len(tt.content), got, tt.want)
		}
	}

	msg := UserMessage("abcd")
	if got := b.EstimateMessage(msg); got != 1+b.Config().MessageOverhead {
		t.Errorf("expected content plus overhead, got %d", got)
	}
}

func TestBudgeterThresholds(t *testing.T) {
	b := NewBudgeter(BudgetConfig{HardCeiling: 1000, CompressionRatio: 0.5}, nil)
	small := b.State("sys", []Message{UserMessage("hi")})
	if b.ShouldCompress(small) || b.IsOverCeiling(small) {
		t.Errorf("small history should be under every threshold: %+v", small)
	}
	if small.CompressionThreshold != 500 {
		t.Errorf("expected threshold 500, got %d", small.CompressionThreshold)
	}

	mid := b.State("sys", []Message{UserMessage(strings.Repeat("x", 2400))})
	if !b.ShouldCompress(mid) || b.IsOverCeiling(mid) {
		t.Errorf("expected compress without ceiling breach: %+v", mid)
	}

	big := b.State("sys", []Message{UserMessage(strings.Repeat("x", 8000))})
	if !b.IsOverCeiling(big) {
		t.Errorf("expected ceiling breach: %+v", big)
	}
}

func TestPreflightUnderCeilingIsNoop(t *testing.T) {
	b := NewBudgeter(BudgetConfig{}, nil)
	history := []Message{UserMessage("hello"), AssistantMessage("hi", nil)}
	out, _, changed := b.Preflight("sys", history)
	if changed || len(out) != 2 {
		t.Errorf("expected untouched history, got changed=%v len=%d", changed, len(out))
	}
}

// toolTurn returns an assistant message with one invocation and its result.
func toolTurn(id, output string) []Message {
	inv := ToolInvocation{ID: id, CapabilityName: "fetch", Arguments: map[string]any{"n": id}}
	return []Message{
		AssistantMessage("", []ToolInvocation{inv}),
		ToolMessage(ToolResult{InvocationID: id, CapabilityName: "fetch", Succeeded: true, Output: output}),
	}
}

func TestPreflightFiveHundredMessages(t *testing.T) {
	cfg := BudgetConfig{HardCeiling: 4000, KeepRecent: 6}
	b := NewBudgeter(cfg, nil)
	system := "You are a test agent."

	history := []Message{SystemMessage("pinned instructions"), UserMessage("mission")}
	for i := 0; len(history) < 500; i++ {
		history = append(history, toolTurn(fmt.Sprintf("c%d", i), strings.Repeat("payload ", 200))...)
	}

	out, state, changed := b.Preflight(system, history)
	if !changed {
		t.Fatal("expected preflight to truncate")
	}
	if b.IsOverCeiling(state) {
		t.Errorf("expected estimate under ceiling, got %+v", state)
	}
	if got := b.State(system, out); got.EstimatedTokens != state.EstimatedTokens {
		t.Errorf("returned state should match returned history: %d vs %d", got.EstimatedTokens, state.EstimatedTokens)
	}

	if out[0].Role != RoleSystem || out[0].Content != "pinned instructions" {
		t.Errorf("system messages must survive, got %+v", out[0])
	}

	tail := history[len(history)-cfg.KeepRecent:]
	gotTail := out[len(out)-cfg.KeepRecent:]
	for i := range tail {
		if gotTail[i].Role != tail[i].Role || gotTail[i].ToolInvocationID != tail[i].ToolInvocationID {
			t.Errorf("recent message %d not retained: %+v", i, gotTail[i])
		}
	}

	issued := map[string]bool{}
	for _, m := range out {
		for _, inv := range m.ToolInvocations {
			issued[inv.ID] = true
		}
		if m.Role == RoleTool && !issued[m.ToolInvocationID] {
			t.Errorf("orphaned tool result %q survived", m.ToolInvocationID)
		}
	}
}

func TestPreflightShrinksOversizedTail(t *testing.T) {
	cfg := BudgetConfig{HardCeiling: 2000, KeepRecent: 4, MaxMessageChars: 50000, MaxToolResultChars: 50000}
	b := NewBudgeter(cfg, nil)

	var history []Message
	for i := 0; i < 4; i++ {
		history = append(history, UserMessage(strings.Repeat("big ", 5000)))
	}
	out, state, changed := b.Preflight("sys", history)
	if !changed || b.IsOverCeiling(state) {
		t.Fatalf("expected tail bodies shrunk under the ceiling, got %+v", state)
	}
	if len(out) != 4 {
		t.Errorf("the protected tail should keep all 4 messages, got %d", len(out))
	}
	for _, m := range out {
		if !strings.HasSuffix(m.Content, TruncatedMarker) {
			t.Errorf("shrunk body should carry the marker: %q", m.Content[len(m.Content)-20:])
		}
	}
}

func TestPreflightCapsOversizedArguments(t *testing.T) {
	b := NewBudgeter(BudgetConfig{HardCeiling: 2000, KeepRecent: 4}, nil)
	content := strings.Repeat("x", 100000)
	write := ToolInvocation{ID: "w1", CapabilityName: "write_file", Arguments: map[string]any{
		"path":    "notes.txt",
		"content": content,
		"extra":   map[string]any{"lines": []any{content}},
	}}
	history := []Message{
		UserMessage("save the notes"),
		AssistantMessage("", []ToolInvocation{write}),
		ToolMessage(ToolResult{InvocationID: "w1", CapabilityName: "write_file", Succeeded: true, Output: "ok"}),
	}

	out, state, changed := b.Preflight("sys", history)
	if !changed || b.IsOverCeiling(state) {
		t.Fatalf("expected the request under the ceiling, got %+v", state)
	}
	if got := b.State("sys", out); got.EstimatedTokens > got.HardCeiling {
		t.Errorf("estimate of the returned request is over the ceiling: %+v", got)
	}
	if len(out) != 3 {
		t.Fatalf("expected the protected tail intact, got %d messages", len(out))
	}
	args := out[1].ToolInvocations[0].Arguments
	if args["path"] != "notes.txt" {
		t.Errorf("short arguments should be untouched, got %v", args["path"])
	}
	if s, _ := args["content"].(string); !strings.HasSuffix(s, TruncatedMarker) || len(s) >= len(content) {
		t.Errorf("expected the large argument capped, got %d chars", len(s))
	}
	nested := args["extra"].(map[string]any)["lines"].([]any)[0].(string)
	if len(nested) >= len(content) {
		t.Errorf("expected nested string arguments capped, got %d chars", len(nested))
	}
	if history[1].ToolInvocations[0].Arguments["content"] != content {
		t.Error("recorded history must keep the original arguments")
	}
}

func TestProtectedTailStartSkipsToolMessages(t *testing.T) {
	msgs := append([]Message{UserMessage("u")}, toolTurn("a", "x")...)
	msgs = append(msgs, UserMessage("next"))
	// keep=2 would start at the tool result; the tail must include its call.
	if got := protectedTailStart(msgs, 2); got != 1 {
		t.Errorf("expected tail to start at the assistant message, got %d", got)
	}
	if got := protectedTailStart(msgs, 10); got != 0 {
		t.Errorf("expected 0 for keep beyond length, got %d", got)
	}
}

func TestSanitizeHistoryIdempotent(t *testing.T) {
	b := NewBudgeter(BudgetConfig{MaxMessageChars: 100, MaxToolResultChars: 50}, nil)
	history := append([]Message{UserMessage(strings.Repeat("u", 500))}, toolTurn("a", strings.Repeat("t", 500))...)

	once := b.SanitizeHistory(history)
	twice := b.SanitizeHistory(once)
	for i := range once {
		if once[i].Content != twice[i].Content {
			t.Errorf("message %d changed on second pass", i)
		}
	}
	if len(once[2].Content) != 50 || len(once[0].Content) != 100 {
		t.Errorf("unexpected caps: user=%d tool=%d", len(once[0].Content), len(once[2].Content))
	}
	if len(history[0].Content) != 500 {
		t.Error("SanitizeHistory must not mutate its input")
	}
}
