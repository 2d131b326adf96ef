package agentloop

import (
	"go.uber.org/zap"
)

// BudgetConfig tunes the Budgeter. Token counts are estimates.
type BudgetConfig struct {
	HardCeiling        int     `json:"hard_ceiling"`
	CompressionRatio   float64 `json:"compression_ratio"`
	KeepRecent         int     `json:"keep_recent"`
	MaxMessageChars    int     `json:"max_message_chars"`
	MaxToolResultChars int     `json:"max_tool_result_chars"`
	MessageOverhead    int     `json:"message_overhead"`
	MinBodyChars       int     `json:"min_body_chars"`
}

// DefaultBudgetConfig returns the defaults used when a field is unset.
func DefaultBudgetConfig() BudgetConfig {
	return BudgetConfig{
		HardCeiling:        100000,
		CompressionRatio:   0.8,
		KeepRecent:         6,
		MaxMessageChars:    12000,
		MaxToolResultChars: 8000,
		MessageOverhead:    4,
		MinBodyChars:       256,
	}
}

func (c BudgetConfig) withDefaults() BudgetConfig {
	d := DefaultBudgetConfig()
	if c.HardCeiling <= 0 {
		c.HardCeiling = d.HardCeiling
	}
	if c.CompressionRatio <= 0 || c.CompressionRatio > 1 {
		c.CompressionRatio = d.CompressionRatio
	}
	if c.KeepRecent <= 0 {
		c.KeepRecent = d.KeepRecent
	}
	if c.MaxMessageChars <= 0 {
		c.MaxMessageChars = d.MaxMessageChars
	}
	if c.MaxToolResultChars <= 0 {
		c.MaxToolResultChars = d.MaxToolResultChars
	}
	if c.MessageOverhead < 0 {
		c.MessageOverhead = 0
	}
	if c.MinBodyChars <= 0 {
		c.MinBodyChars = d.MinBodyChars
	}
	return c
}

// BudgetState is recomputed from content on every iteration.
type BudgetState struct {
	EstimatedTokens      int `json:"estimated_tokens"`
	HardCeiling          int `json:"hard_ceiling"`
	CompressionThreshold int `json:"compression_threshold"`
}

// Budgeter estimates context size and enforces the hard input ceiling.
type Budgeter struct {
	cfg    BudgetConfig
	logger *zap.Logger
}

// NewBudgeter creates a Budgeter; zero fields of cfg take defaults.
func NewBudgeter(cfg BudgetConfig, logger *zap.Logger) *Budgeter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Budgeter{cfg: cfg.withDefaults(), logger: logger}
}

// Config returns the effective configuration.
func (b *Budgeter) Config() BudgetConfig { return b.cfg }

// Estimate approximates the token count of content at four bytes per token.
func (b *Budgeter) Estimate(content string) int {
	return (len(content) + 3) / 4
}

// EstimateMessage includes the fixed per-message overhead and any
// invocation names and arguments.
func (b *Budgeter) EstimateMessage(m Message) int {
	n := b.cfg.MessageOverhead + b.Estimate(m.Content)
	for _, inv := range m.ToolInvocations {
		n += b.Estimate(inv.ID) + b.Estimate(inv.CapabilityName) + estimateArgs(inv.Arguments)
	}
	return n
}

func estimateArgs(args map[string]any) int {
	chars := 0
	for k, v := range args {
		chars += len(k) + approxLen(v)
	}
	return (chars + 3) / 4
}

func approxLen(v any) int {
	switch t := v.(type) {
	case string:
		return len(t) + 2
	case map[string]any:
		n := 2
		for k, val := range t {
			n += len(k) + approxLen(val) + 4
		}
		return n
	case []any:
		n := 2
		for _, val := range t {
			n += approxLen(val) + 1
		}
		return n
	default:
		return 8
	}
}

// EstimateMessages sums EstimateMessage over msgs.
func (b *Budgeter) EstimateMessages(msgs []Message) int {
	total := 0
	for _, m := range msgs {
		total += b.EstimateMessage(m)
	}
	return total
}

// State computes the budget for a system prompt plus history.
func (b *Budgeter) State(system string, history []Message) BudgetState {
	return BudgetState{
		EstimatedTokens:      b.cfg.MessageOverhead + b.Estimate(system) + b.EstimateMessages(history),
		HardCeiling:          b.cfg.HardCeiling,
		CompressionThreshold: int(float64(b.cfg.HardCeiling) * b.cfg.CompressionRatio),
	}
}

// IsOverCeiling reports whether the estimate exceeds the hard ceiling.
func (b *Budgeter) IsOverCeiling(s BudgetState) bool {
	return s.EstimatedTokens > s.HardCeiling
}

// ShouldCompress reports whether the estimate exceeds the compression threshold.
func (b *Budgeter) ShouldCompress(s BudgetState) bool {
	return s.EstimatedTokens > s.CompressionThreshold
}

// Sanitize caps text; see the package-level Sanitize.
func (b *Budgeter) Sanitize(text string, limit int) string {
	return Sanitize(text, limit)
}

// SanitizeHistory caps every message body to the configured ceilings.
// It is idempotent.
func (b *Budgeter) SanitizeHistory(history []Message) []Message {
	return capBodies(history, b.cfg.MaxMessageChars, b.cfg.MaxToolResultChars, 0)
}

// capBodies caps message contents and, when argCap is positive, every string
// argument of recorded invocations. history is not modified.
func capBodies(history []Message, messageCap, toolCap, argCap int) []Message {
	out := CloneMessages(history)
	for i := range out {
		limit := messageCap
		if out[i].Role == RoleTool {
			limit = toolCap
		}
		out[i].Content = Sanitize(out[i].Content, limit)
		if argCap <= 0 {
			continue
		}
		for j := range out[i].ToolInvocations {
			inv := &out[i].ToolInvocations[j]
			inv.Arguments = capArguments(inv.Arguments, argCap)
		}
	}
	return out
}

// capArguments returns a copy of args with every string value, nested ones
// included, capped at limit.
func capArguments(args map[string]any, limit int) map[string]any {
	if args == nil {
		return nil
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = capValue(v, limit)
	}
	return out
}

func capValue(v any, limit int) any {
	switch t := v.(type) {
	case string:
		return Sanitize(t, limit)
	case map[string]any:
		return capArguments(t, limit)
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = capValue(val, limit)
		}
		return out
	default:
		return v
	}
}

// Preflight guarantees the request fits under the hard ceiling when that is
// achievable. It drops the oldest non-system messages outside the most
// recent KeepRecent, drops tool results orphaned by that, caps every body
// and invocation argument, and finally shrinks the caps of what remains.
// Only the returned copy is shortened; history is left as recorded. The
// system prompt is never touched. The returned bool reports whether anything was changed.
func (b *Budgeter) Preflight(system string, history []Message) ([]Message, BudgetState, bool) {
	state := b.State(system, history)
	if !b.IsOverCeiling(state) {
		return history, state, false
	}

	msgCap, toolCap := b.cfg.MaxMessageChars, b.cfg.MaxToolResultChars
	msgs := capBodies(history, msgCap, toolCap, toolCap)
	if s := b.State(system, msgs); !b.IsOverCeiling(s) {
		b.logger.Info("preflight capped message bodies",
			zap.Int("before", state.EstimatedTokens), zap.Int("after", s.EstimatedTokens))
		return msgs, s, true
	}

	tailStart := protectedTailStart(msgs, b.cfg.KeepRecent)
	fixed := b.cfg.MessageOverhead + b.Estimate(system)
	total := fixed + b.EstimateMessages(msgs)

	keep := make([]bool, len(msgs))
	for i := range keep {
		keep[i] = true
	}
	for i := 0; i < tailStart && total > b.cfg.HardCeiling; i++ {
		if msgs[i].Role == RoleSystem {
			continue
		}
		keep[i] = false
		total -= b.EstimateMessage(msgs[i])
	}

	kept := make([]Message, 0, len(msgs))
	for i, m := range msgs {
		if keep[i] {
			kept = append(kept, m)
		}
	}
	kept = dropOrphanedResults(kept)

	for b.IsOverCeiling(b.State(system, kept)) {
		if msgCap <= b.cfg.MinBodyChars && toolCap <= b.cfg.MinBodyChars {
			break
		}
		msgCap = max(msgCap/2, b.cfg.MinBodyChars)
		toolCap = max(toolCap/2, b.cfg.MinBodyChars)
		kept = capBodies(kept, msgCap, toolCap, toolCap)
	}

	final := b.State(system, kept)
	if b.IsOverCeiling(final) {
		b.logger.Warn("preflight could not reach the hard ceiling",
			zap.Int("estimated_tokens", final.EstimatedTokens),
			zap.Int("hard_ceiling", final.HardCeiling))
	}
	b.logger.Info("preflight truncated history",
		zap.Int("messages_before", len(history)),
		zap.Int("messages_after", len(kept)),
		zap.Int("tokens_before", state.EstimatedTokens),
		zap.Int("tokens_after", final.EstimatedTokens))
	return kept, final, true
}

// protectedTailStart returns the index where the most recent keep messages
// begin, moved back so the tail never starts with a tool result whose
// assistant message would fall outside it.
func protectedTailStart(msgs []Message, keep int) int {
	start := len(msgs) - keep
	if start <= 0 {
		return 0
	}
	for start > 0 && msgs[start].Role == RoleTool {
		start--
	}
	return start
}

// dropOrphanedResults removes tool messages whose invocation id was not
// issued by a retained assistant message.
func dropOrphanedResults(msgs []Message) []Message {
	issued := make(map[string]bool)
	out := msgs[:0:0]
	for _, m := range msgs {
		switch m.Role {
		case RoleAssistant:
			for _, inv := range m.ToolInvocations {
				issued[inv.ID] = true
			}
		case RoleTool:
			if !issued[m.ToolInvocationID] {
				continue
			}
		}
		out = append(out, m)
	}
	return out
}
