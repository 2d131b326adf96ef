package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/martinemde/reactor/agentloop"
)

// remoteCapability forwards invocations to a tool on a connected server.
type remoteCapability struct {
	server *Server
	tool   string
	desc   agentloop.Descriptor
}

var _ agentloop.Capability = (*remoteCapability)(nil)

func newRemoteCapability(s *Server, tool *sdk.Tool) *remoteCapability {
	schema := schemaOf(tool.InputSchema)
	if schema == nil {
		schema = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	risk, approval := riskOf(tool.Annotations)
	return &remoteCapability{
		server: s,
		tool:   tool.Name,
		desc: agentloop.Descriptor{
			Name:             CapabilityName(s.Spec, tool.Name),
			Description:      tool.Description,
			ParameterSchema:  schema,
			RequiresApproval: approval,
			RiskLevel:        risk,
			Origin:           agentloop.OriginExternal,
			Server:           s.Spec.Name,
		},
	}
}

// schemaOf converts a tool's input schema to its generic JSON form.
func schemaOf(v any) map[string]any {
	switch s := v.(type) {
	case nil:
		return nil
	case map[string]any:
		return s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}

// riskOf maps tool hints onto a risk level. Unannotated tools are medium.
func riskOf(a *sdk.ToolAnnotations) (agentloop.RiskLevel, bool) {
	switch {
	case a == nil:
		return agentloop.RiskMedium, false
	case a.DestructiveHint != nil && *a.DestructiveHint:
		return agentloop.RiskHigh, true
	case a.ReadOnlyHint:
		return agentloop.RiskLow, false
	default:
		return agentloop.RiskMedium, false
	}
}

func (c *remoteCapability) Descriptor() agentloop.Descriptor { return c.desc }

func (c *remoteCapability) Invoke(ctx context.Context, args map[string]any) (string, error) {
	session, err := c.server.connectedSession()
	if err != nil {
		return "", err
	}
	ctx, cancel := c.server.withCallTimeout(ctx)
	defer cancel()

	if args == nil {
		args = map[string]any{}
	}
	result, err := session.CallTool(ctx, &sdk.CallToolParams{Name: c.tool, Arguments: args})
	if err != nil {
		return "", fmt.Errorf("%s on %s: %w", c.tool, c.server.Spec.Name, err)
	}
	text := resultText(result)
	if result.IsError {
		if text == "" {
			text = "remote tool reported an error"
		}
		return "", errors.New(text)
	}
	return text, nil
}

// resultText renders a tool result as plain text. Binary blocks are
// replaced by a placeholder.
func resultText(r *sdk.CallToolResult) string {
	var parts []string
	for _, content := range r.Content {
		switch c := content.(type) {
		case *sdk.TextContent:
			parts = append(parts, c.Text)
		case *sdk.ImageContent, *sdk.AudioContent:
			parts = append(parts, "[binary content omitted]")
		default:
			if data, err := json.Marshal(c); err == nil {
				parts = append(parts, string(data))
			}
		}
	}
	if len(parts) == 0 && r.StructuredContent != nil {
		if data, err := json.Marshal(r.StructuredContent); err == nil {
			return string(data)
		}
	}
	return strings.Join(parts, "\n")
}
