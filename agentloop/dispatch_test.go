package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/martinemde/reactor/unifiedllm"
)

func TestNormalizeInvocations(t *testing.T) {
	calls := []unifiedllm.ToolCall{
		{ID: "x", Name: "a", Arguments: json.RawMessage(`{"k":1}`)},
		{ID: "x", Name: "b", Arguments: json.RawMessage(`{}`)},
		{ID: "", Name: "c"},
		{ID: "y", Name: "", Arguments: json.RawMessage(`{}`)},
		{ID: "z", Name: "d", Arguments: json.RawMessage(`[1,2]`)},
		{ID: "w", Name: "e", Arguments: json.RawMessage(`"{\"q\":\"v\"}"`)},
	}
	invs, prefailed := normalizeInvocations(calls)

	if invs[0].ID != "x" || invs[1].ID != "x_2" {
		t.Errorf("duplicate ids should be re-keyed, got %q and %q", invs[0].ID, invs[1].ID)
	}
	if !strings.HasPrefix(invs[2].ID, "call_") {
		t.Errorf("empty id should be generated, got %q", invs[2].ID)
	}
	seen := map[string]bool{}
	for _, inv := range invs {
		if seen[inv.ID] {
			t.Errorf("id %q is not unique", inv.ID)
		}
		seen[inv.ID] = true
	}

	if _, ok := prefailed[3]; !ok {
		t.Error("empty capability name should be prefailed")
	}
	if r, ok := prefailed[4]; !ok || !strings.Contains(r.Error, "invalid arguments") {
		t.Errorf("non-object arguments should be prefailed, got %+v", r)
	}
	if _, ok := prefailed[5]; ok {
		t.Error("a JSON string holding an object should decode")
	}
	if invs[5].Arguments["q"] != "v" {
		t.Errorf("unexpected nested arguments: %v", invs[5].Arguments)
	}
	if len(prefailed) != 2 {
		t.Errorf("expected 2 prefailed invocations, got %d", len(prefailed))
	}
}

func TestDispatchPreservesOrder(t *testing.T) {
	registry := NewRegistry()
	var running, peak atomic.Int32
	registry.Register(funcCapability("sleep", func(_ context.Context, args map[string]any) (string, error) {
		n := running.Add(1)
		defer running.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		ms, err := IntArg(args, "ms")
		if err != nil {
			return "", err
		}
		time.Sleep(time.Duration(ms) * time.Millisecond)
		return fmt.Sprintf("slept %d", ms), nil
	}))

	a := &Agent{registry: registry, cfg: Config{MaxParallelTools: 2}}
	delays := []int{40, 5, 30, 1, 20}
	invs := make([]ToolInvocation, len(delays))
	for i, d := range delays {
		invs[i] = ToolInvocation{ID: fmt.Sprintf("c%d", i), CapabilityName: "sleep", Arguments: map[string]any{"ms": d}}
	}
	prefailed := map[int]ToolResult{2: failedResult(invs[2], "rejected")}

	results := a.dispatch(context.Background(), invs, prefailed)
	for i, r := range results {
		if r.InvocationID != invs[i].ID {
			t.Errorf("result %d has id %q, want %q", i, r.InvocationID, invs[i].ID)
		}
	}
	if results[2].Succeeded || results[2].Error != "rejected" {
		t.Errorf("prefailed result should be used as-is, got %+v", results[2])
	}
	if results[0].Output != "slept 40" {
		t.Errorf("unexpected output: %+v", results[0])
	}
	if peak.Load() > 2 {
		t.Errorf("expected at most 2 concurrent invocations, saw %d", peak.Load())
	}
}
