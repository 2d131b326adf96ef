package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/martinemde/reactor/unifiedllm"
)

// Summarizer condenses a transcript into a short summary.
type Summarizer interface {
	Summarize(ctx context.Context, input string) (string, error)
}

// SummarizerFunc adapts a function to Summarizer.
type SummarizerFunc func(ctx context.Context, input string) (string, error)

func (f SummarizerFunc) Summarize(ctx context.Context, input string) (string, error) {
	return f(ctx, input)
}

const summarizeInstruction = `Condense the following agent transcript into a short summary.
Keep decisions, facts learned from capability results, open questions and
progress toward the mission. Do not invent details.`

// ModelSummarizer asks the model for the condensation.
type ModelSummarizer struct {
	Client    *unifiedllm.Client
	Model     string
	Provider  string
	MaxTokens int
}

func (s *ModelSummarizer) Summarize(ctx context.Context, input string) (string, error) {
	req := unifiedllm.Request{
		Model:    s.Model,
		Provider: s.Provider,
		Messages: []unifiedllm.Message{
			unifiedllm.SystemMessage(summarizeInstruction),
			unifiedllm.UserMessage(input),
		},
		ToolChoice: &unifiedllm.ToolChoice{Mode: "none"},
	}
	if s.MaxTokens > 0 {
		maxTokens := s.MaxTokens
		req.MaxTokens = &maxTokens
	}
	resp, err := s.Client.Complete(ctx, req)
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", fmt.Errorf("model returned an empty summary")
	}
	return text, nil
}

// CompressorConfig tunes the Compressor.
type CompressorConfig struct {
	KeepRecent      int
	TurnChars       int // cap for each aging turn's text
	PreviewChars    int // cap for each tool result preview
	MaxSummaryChars int
}

func (c CompressorConfig) withDefaults() CompressorConfig {
	if c.KeepRecent <= 0 {
		c.KeepRecent = DefaultBudgetConfig().KeepRecent
	}
	if c.TurnChars <= 0 {
		c.TurnChars = 2000
	}
	if c.PreviewChars <= 0 {
		c.PreviewChars = 300
	}
	if c.MaxSummaryChars <= 0 {
		c.MaxSummaryChars = 6000
	}
	return c
}

// Compressor replaces aging history with one synthetic summary message.
type Compressor struct {
	summarizer Summarizer
	plan       *PlanStore
	cfg        CompressorConfig
	logger     *zap.Logger
}

// NewCompressor creates a Compressor. A nil summarizer uses the deterministic
// concatenation only; plan may be nil.
func NewCompressor(summarizer Summarizer, plan *PlanStore, cfg CompressorConfig, logger *zap.Logger) *Compressor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Compressor{summarizer: summarizer, plan: plan, cfg: cfg.withDefaults(), logger: logger}
}

const summaryPrefix = "Summary of earlier work:\n"

// Compress never fails. Degradation order: model summary, deterministic
// concatenation, then system messages plus the recent tail and the plan.
func (c *Compressor) Compress(ctx context.Context, history []Message) (out []Message) {
	split := protectedTailStart(history, c.cfg.KeepRecent)
	if split == 0 {
		return history
	}
	aging, recent := history[:split], history[split:]

	defer func() {
		if p := recover(); p != nil {
			c.logger.Error("compression panicked, using minimal context", zap.Any("panic", p))
			out = c.minimal(aging, recent)
		}
	}()

	input := c.summaryInput(aging)
	summary := c.summarize(ctx, input)
	if summary == "" {
		c.logger.Warn("compression produced no summary, using minimal context",
			zap.Int("dropped", len(aging)))
		return c.minimal(aging, recent)
	}

	msg := SystemMessage(summaryPrefix + Sanitize(summary, c.cfg.MaxSummaryChars))
	msg.Synthetic = true

	out = make([]Message, 0, len(recent)+1)
	out = append(out, msg)
	out = append(out, CloneMessages(recent)...)
	c.logger.Info("history compressed",
		zap.Int("compressed", len(aging)),
		zap.Int("kept", len(recent)))
	return out
}

func (c *Compressor) summarize(ctx context.Context, input string) string {
	if strings.TrimSpace(input) == "" {
		return ""
	}
	if c.summarizer != nil {
		summary, err := c.summarizer.Summarize(ctx, input)
		if err == nil && strings.TrimSpace(summary) != "" {
			return summary
		}
		c.logger.Warn("summarizer failed, concatenating instead", zap.Error(err))
	}
	return input
}

// previewPair is the only form in which a tool result enters the
// summarization input.
type previewPair struct {
	CapabilityName   string `json:"capability_name"`
	TruncatedPreview string `json:"truncated_preview"`
}

// summaryInput renders aging messages as capped text lines.
func (c *Compressor) summaryInput(aging []Message) string {
	var lines []string
	for _, m := range aging {
		switch m.Role {
		case RoleTool:
			pair, err := json.Marshal(previewPair{
				CapabilityName:   m.CapabilityName,
				TruncatedPreview: Sanitize(m.Content, c.cfg.PreviewChars),
			})
			if err != nil {
				continue
			}
			lines = append(lines, "tool: "+string(pair))
		case RoleAssistant:
			if text := strings.TrimSpace(m.Content); text != "" {
				lines = append(lines, "assistant: "+Sanitize(text, c.cfg.TurnChars))
			}
			for _, inv := range m.ToolInvocations {
				lines = append(lines, "assistant called "+inv.CapabilityName)
			}
		case RoleSystem:
			text := strings.TrimPrefix(m.Content, summaryPrefix)
			if m.Synthetic {
				lines = append(lines, "earlier summary: "+Sanitize(text, c.cfg.TurnChars))
			} else {
				lines = append(lines, "system: "+Sanitize(text, c.cfg.TurnChars))
			}
		default:
			lines = append(lines, string(m.Role)+": "+Sanitize(m.Content, c.cfg.TurnChars))
		}
	}
	return strings.Join(lines, "\n")
}

// minimal keeps non-synthetic system messages, the recent tail and a plan block.
func (c *Compressor) minimal(aging, recent []Message) []Message {
	var out []Message
	for _, m := range aging {
		if m.Role == RoleSystem && !m.Synthetic {
			out = append(out, m)
		}
	}
	if c.plan != nil {
		if plan := c.plan.ReadPlan(); plan != NoPlan {
			msg := SystemMessage("Plan so far:\n" + plan)
			msg.Synthetic = true
			out = append(out, msg)
		}
	}
	return append(out, CloneMessages(recent)...)
}
