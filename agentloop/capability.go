package agentloop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
)

// Origin tells whether a capability runs in-process or on an external server.
type Origin string

const (
	OriginNative   Origin = "native"
	OriginExternal Origin = "external"
)

// RiskLevel is advisory metadata for approval policies.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Descriptor is the catalog entry for a capability. It never carries
// connection details or credentials.
type Descriptor struct {
	Name             string         `json:"name"`
	Description      string         `json:"description"`
	ParameterSchema  map[string]any `json:"parameter_schema"`
	RequiresApproval bool           `json:"requires_approval"`
	RiskLevel        RiskLevel      `json:"risk_level"`
	Origin           Origin         `json:"origin"`
	Server           string         `json:"server,omitempty"`
}

// Capability is the common contract for native and external tools.
type Capability interface {
	Descriptor() Descriptor
	Invoke(ctx context.Context, args map[string]any) (string, error)
}

// NativeFunc implements a native capability.
type NativeFunc func(ctx context.Context, args map[string]any) (string, error)

// NativeCapability adapts a plain function to Capability.
type NativeCapability struct {
	desc Descriptor
	fn   NativeFunc
}

// NewNativeCapability builds a native capability. Empty schema and risk
// level default to an open object and RiskLow.
func NewNativeCapability(desc Descriptor, fn NativeFunc) *NativeCapability {
	desc.Origin = OriginNative
	desc.Server = ""
	if desc.RiskLevel == "" {
		desc.RiskLevel = RiskLow
	}
	if desc.ParameterSchema == nil {
		desc.ParameterSchema = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return &NativeCapability{desc: desc, fn: fn}
}

func (c *NativeCapability) Descriptor() Descriptor { return c.desc }

func (c *NativeCapability) Invoke(ctx context.Context, args map[string]any) (string, error) {
	if c.fn == nil {
		return "", fmt.Errorf("capability %q has no implementation", c.desc.Name)
	}
	return c.fn(ctx, args)
}

var (
	ErrMissingArgument = errors.New("missing argument")
	ErrInvalidArgument = errors.New("invalid argument")
)

// StringArg returns a required string argument.
func StringArg(args map[string]any, key string) (string, error) {
	v, ok := args[key]
	if !ok || v == nil {
		return "", fmt.Errorf("%w: %s", ErrMissingArgument, key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: %s must be a string, got %T", ErrInvalidArgument, key, v)
	}
	return s, nil
}

// IntArg returns a required integer argument. JSON numbers decode as
// float64, so integral floats and numeric strings are accepted.
func IntArg(args map[string]any, key string) (int, error) {
	v, ok := args[key]
	if !ok || v == nil {
		return 0, fmt.Errorf("%w: %s", ErrMissingArgument, key)
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("%w: %s must be an integer, got %v", ErrInvalidArgument, key, n)
		}
		return int(n), nil
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, fmt.Errorf("%w: %s: %v", ErrInvalidArgument, key, err)
		}
		return int(i), nil
	case string:
		i, err := strconv.Atoi(n)
		if err != nil {
			return 0, fmt.Errorf("%w: %s must be an integer, got %q", ErrInvalidArgument, key, n)
		}
		return i, nil
	default:
		return 0, fmt.Errorf("%w: %s must be an integer, got %T", ErrInvalidArgument, key, v)
	}
}

// BoolArg returns a required boolean argument.
func BoolArg(args map[string]any, key string) (bool, error) {
	v, ok := args[key]
	if !ok || v == nil {
		return false, fmt.Errorf("%w: %s", ErrMissingArgument, key)
	}
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		parsed, err := strconv.ParseBool(b)
		if err != nil {
			return false, fmt.Errorf("%w: %s must be a boolean, got %q", ErrInvalidArgument, key, b)
		}
		return parsed, nil
	default:
		return false, fmt.Errorf("%w: %s must be a boolean, got %T", ErrInvalidArgument, key, v)
	}
}

// cloneSchema deep-copies a JSON schema value.
func cloneSchema(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = cloneSchema(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = cloneSchema(val)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}
