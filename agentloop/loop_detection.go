package agentloop

import (
	"encoding/json"
	"fmt"

	"github.com/OneOfOne/xxhash"
)

// invocationSignature identifies an invocation by name and argument hash.
// json.Marshal sorts map keys, so equal arguments hash equally.
func invocationSignature(inv ToolInvocation) string {
	args, err := json.Marshal(inv.Arguments)
	if err != nil {
		args = []byte(fmt.Sprint(inv.Arguments))
	}
	return fmt.Sprintf("%s:%016x", inv.CapabilityName, xxhash.Checksum64(args))
}

// recentSignatures returns up to count signatures in chronological order.
func recentSignatures(history []Message, count int) []string {
	var sigs []string
	for i := len(history) - 1; i >= 0 && len(sigs) < count; i-- {
		m := history[i]
		if m.Role != RoleAssistant {
			continue
		}
		for j := len(m.ToolInvocations) - 1; j >= 0 && len(sigs) < count; j-- {
			sigs = append(sigs, invocationSignature(m.ToolInvocations[j]))
		}
	}
	for i, j := 0, len(sigs)-1; i < j; i, j = i+1, j-1 {
		sigs[i], sigs[j] = sigs[j], sigs[i]
	}
	return sigs
}

// DetectLoop reports whether the last windowSize invocations repeat with a
// period of 1, 2 or 3.
func DetectLoop(history []Message, windowSize int) bool {
	if windowSize < 2 {
		return false
	}
	sigs := recentSignatures(history, windowSize)
	if len(sigs) < windowSize {
		return false
	}

	for period := 1; period <= 3; period++ {
		if windowSize%period != 0 || windowSize == period {
			continue
		}
		repeating := true
		for i := period; i < windowSize && repeating; i++ {
			repeating = sigs[i] == sigs[i-period]
		}
		if repeating {
			return true
		}
	}
	return false
}

func loopWarning(window int) string {
	return fmt.Sprintf("Loop detected: your last %d capability calls repeat the same pattern. "+
		"Change approach or give your final answer.", window)
}
