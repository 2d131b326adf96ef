package agentloop

import (
	"encoding/json"
	"time"

	"github.com/martinemde/reactor/unifiedllm"
)

// Role aliases the model-facing roles.
type Role = unifiedllm.Role

const (
	RoleSystem    = unifiedllm.RoleSystem
	RoleUser      = unifiedllm.RoleUser
	RoleAssistant = unifiedllm.RoleAssistant
	RoleTool      = unifiedllm.RoleTool
)

// Message is a single entry in the execution history.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content,omitempty"`

	// Assistant only.
	ToolInvocations []ToolInvocation `json:"tool_invocations,omitempty"`

	// Tool only.
	ToolInvocationID string `json:"tool_invocation_id,omitempty"`
	CapabilityName   string `json:"capability_name,omitempty"`
	Succeeded        bool   `json:"succeeded,omitempty"`

	// Synthetic marks a compression summary.
	Synthetic bool      `json:"synthetic,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ToolInvocation is a model-issued request to run a capability.
type ToolInvocation struct {
	ID             string         `json:"id"`
	CapabilityName string         `json:"capability_name"`
	Arguments      map[string]any `json:"arguments,omitempty"`
}

// ToolResult is the outcome of one invocation. Output and Error are always
// sanitized text.
type ToolResult struct {
	InvocationID   string        `json:"invocation_id"`
	CapabilityName string        `json:"capability_name"`
	Succeeded      bool          `json:"succeeded"`
	Output         string        `json:"output,omitempty"`
	Error          string        `json:"error,omitempty"`
	Duration       time.Duration `json:"duration"`
}

// Content is the text the model sees for this result.
func (r ToolResult) Content() string {
	if r.Succeeded {
		return r.Output
	}
	return "error: " + r.Error
}

func failedResult(inv ToolInvocation, msg string) ToolResult {
	return ToolResult{
		InvocationID:   inv.ID,
		CapabilityName: inv.CapabilityName,
		Error:          msg,
	}
}

// SystemMessage creates a system Message.
func SystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content, Timestamp: time.Now()}
}

// UserMessage creates a user Message.
func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content, Timestamp: time.Now()}
}

// AssistantMessage creates an assistant Message, optionally carrying invocations.
func AssistantMessage(content string, invocations []ToolInvocation) Message {
	return Message{
		Role:            RoleAssistant,
		Content:         content,
		ToolInvocations: invocations,
		Timestamp:       time.Now(),
	}
}

// ToolMessage records a ToolResult in history.
func ToolMessage(result ToolResult) Message {
	return Message{
		Role:             RoleTool,
		Content:          result.Content(),
		ToolInvocationID: result.InvocationID,
		CapabilityName:   result.CapabilityName,
		Succeeded:        result.Succeeded,
		Timestamp:        time.Now(),
	}
}

// CloneMessages returns a copy of msgs that shares no invocation slices.
func CloneMessages(msgs []Message) []Message {
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m
		if m.ToolInvocations != nil {
			out[i].ToolInvocations = append([]ToolInvocation(nil), m.ToolInvocations...)
		}
	}
	return out
}

// ToLLMMessages converts history into model messages.
func ToLLMMessages(history []Message) []unifiedllm.Message {
	messages := make([]unifiedllm.Message, 0, len(history))
	for _, m := range history {
		switch m.Role {
		case RoleSystem:
			messages = append(messages, unifiedllm.SystemMessage(m.Content))
		case RoleUser:
			messages = append(messages, unifiedllm.UserMessage(m.Content))
		case RoleAssistant:
			msg := unifiedllm.AssistantMessage(m.Content)
			for _, inv := range m.ToolInvocations {
				args, err := json.Marshal(inv.Arguments)
				if err != nil || inv.Arguments == nil {
					args = json.RawMessage(`{}`)
				}
				msg.Content = append(msg.Content, unifiedllm.ToolCallPart(inv.ID, inv.CapabilityName, args))
			}
			messages = append(messages, msg)
		case RoleTool:
			messages = append(messages, unifiedllm.ToolResultMessage(m.ToolInvocationID, m.Content, !m.Succeeded))
		}
	}
	return messages
}
