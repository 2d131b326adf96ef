package agentloop

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"

	"github.com/martinemde/reactor/unifiedllm"
)

// normalizeInvocations converts model tool calls into invocations with
// unique, non-empty ids. Calls that cannot be dispatched get a
// pre-computed failed result keyed by position.
func normalizeInvocations(calls []unifiedllm.ToolCall) ([]ToolInvocation, map[int]ToolResult) {
	if len(calls) == 0 {
		return nil, nil
	}
	invocations := make([]ToolInvocation, len(calls))
	prefailed := make(map[int]ToolResult)
	seen := make(map[string]bool, len(calls))

	for i, call := range calls {
		id := call.ID
		if id == "" {
			id = "call_" + uuid.New().String()[:8]
		}
		base := id
		for n := 2; seen[id]; n++ {
			id = fmt.Sprintf("%s_%d", base, n)
		}
		seen[id] = true

		inv := ToolInvocation{ID: id, CapabilityName: call.Name}
		args, err := decodeArguments(call.Arguments)
		inv.Arguments = args
		invocations[i] = inv

		switch {
		case call.Name == "":
			prefailed[i] = failedResult(inv, "invocation has no capability name")
		case err != nil:
			prefailed[i] = failedResult(inv, Sanitize("invalid arguments: "+err.Error(), defaultErrorLimit))
		}
	}
	return invocations, prefailed
}

// decodeArguments accepts an object or a JSON string holding an object.
func decodeArguments(raw json.RawMessage) (map[string]any, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return map[string]any{}, nil
	}
	var args map[string]any
	err := json.Unmarshal(raw, &args)
	if err == nil {
		if args == nil {
			args = map[string]any{}
		}
		return args, nil
	}
	var nested string
	if json.Unmarshal(raw, &nested) == nil {
		if nestedErr := json.Unmarshal([]byte(nested), &args); nestedErr == nil && args != nil {
			return args, nil
		}
	}
	return nil, fmt.Errorf("arguments must be a JSON object: %w", err)
}

// dispatch runs invocations on a bounded pool and returns results in
// invocation order regardless of completion order.
func (a *Agent) dispatch(ctx context.Context, invocations []ToolInvocation, prefailed map[int]ToolResult) []ToolResult {
	results := make([]ToolResult, len(invocations))
	workers := a.cfg.MaxParallelTools
	if workers < 1 {
		workers = 1
	}

	p := pool.New().WithMaxGoroutines(workers)
	for i, inv := range invocations {
		if r, ok := prefailed[i]; ok {
			results[i] = r
			continue
		}
		p.Go(func() {
			results[i] = a.registry.Invoke(ctx, inv)
		})
	}
	p.Wait()
	return results
}
