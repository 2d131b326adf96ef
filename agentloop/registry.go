package agentloop

import (
	"context"
	"errors"
	"fmt"
	"html"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"go.uber.org/zap"

	"github.com/martinemde/reactor/unifiedllm"
)

// DefaultToolTimeout bounds an invocation unless WithToolTimeout says otherwise.
const DefaultToolTimeout = 60 * time.Second

const (
	defaultOutputLimit    = 30000
	defaultErrorLimit     = 2000
	defaultOutputMaxLines = 0
)

// Registry holds the capabilities of one agent. Registration happens during
// construction; after Seal the catalog is immutable and safe for concurrent
// reads and invocations.
type Registry struct {
	mu           sync.RWMutex
	capabilities map[string]Capability
	sealed       bool

	timeout     time.Duration
	outputLimit int
	errorLimit  int
	maxLines    int
	limits      map[string]int
	logger      *zap.Logger
	scrub       *bluemonday.Policy
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithToolTimeout bounds every invocation. Zero disables the bound.
func WithToolTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) { r.timeout = d }
}

// WithOutputLimit caps successful outputs at n bytes.
func WithOutputLimit(n int) RegistryOption {
	return func(r *Registry) { r.outputLimit = n }
}

// WithOutputLineLimit caps successful outputs at n lines.
func WithOutputLineLimit(n int) RegistryOption {
	return func(r *Registry) { r.maxLines = n }
}

// WithCapabilityOutputLimit overrides the output cap for one capability.
func WithCapabilityOutputLimit(name string, n int) RegistryOption {
	return func(r *Registry) { r.limits[name] = n }
}

// WithRegistryLogger sets the logger.
func WithRegistryLogger(logger *zap.Logger) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRegistry creates an empty Registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		capabilities: make(map[string]Capability),
		timeout:      DefaultToolTimeout,
		outputLimit:  defaultOutputLimit,
		errorLimit:   defaultErrorLimit,
		maxLines:     defaultOutputMaxLines,
		limits:       make(map[string]int),
		logger:       zap.NewNop(),
		scrub:        bluemonday.StrictPolicy(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a capability. Names are case-sensitive and must be unique.
func (r *Registry) Register(c Capability) error {
	if c == nil {
		return fmt.Errorf("%w: nil capability", ErrCapabilityNameEmpty)
	}
	name := c.Descriptor().Name
	if strings.TrimSpace(name) == "" {
		return ErrCapabilityNameEmpty
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return fmt.Errorf("%w: cannot register %q", ErrRegistrySealed, name)
	}
	if _, exists := r.capabilities[name]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateCapability, name)
	}
	r.capabilities[name] = c
	return nil
}

// RegisterAll registers every capability and reports all failures together.
func (r *Registry) RegisterAll(caps ...Capability) error {
	var errs []error
	for _, c := range caps {
		if err := r.Register(c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Seal freezes the registry.
func (r *Registry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = true
}

// Sealed reports whether Seal has been called.
func (r *Registry) Sealed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sealed
}

// Lookup returns the capability registered under name.
func (r *Registry) Lookup(name string) (Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.capabilities[name]
	return c, ok
}

// Names returns registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.capabilities))
	for name := range r.capabilities {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered capabilities.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.capabilities)
}

// Catalog returns every descriptor sorted by name. Schemas are deep copies.
func (r *Registry) Catalog() []Descriptor {
	names := r.Names()
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(names))
	for _, name := range names {
		d := r.capabilities[name].Descriptor()
		if d.ParameterSchema != nil {
			d.ParameterSchema = cloneSchema(d.ParameterSchema).(map[string]any)
		}
		out = append(out, d)
	}
	return out
}

// ToolDefinitions returns the catalog in the model-facing shape.
func (r *Registry) ToolDefinitions() []unifiedllm.ToolDefinition {
	catalog := r.Catalog()
	defs := make([]unifiedllm.ToolDefinition, len(catalog))
	for i, d := range catalog {
		defs[i] = unifiedllm.ToolDefinition{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  d.ParameterSchema,
		}
	}
	return defs
}

type invokeOutcome struct {
	output string
	err    error
}

// Invoke runs one invocation. It never panics and never returns an error:
// every failure is reported as a ToolResult with Succeeded=false.
func (r *Registry) Invoke(ctx context.Context, inv ToolInvocation) ToolResult {
	start := time.Now()
	result := r.invoke(ctx, inv)
	result.Duration = time.Since(start)

	fields := []zap.Field{
		zap.String("capability", inv.CapabilityName),
		zap.String("invocation_id", inv.ID),
		zap.Duration("duration", result.Duration),
	}
	if result.Succeeded {
		r.logger.Debug("capability invoked", fields...)
	} else {
		r.logger.Info("capability failed", append(fields, zap.String("error", result.Error))...)
	}
	return result
}

func (r *Registry) invoke(ctx context.Context, inv ToolInvocation) ToolResult {
	if inv.CapabilityName == "" {
		return failedResult(inv, "invocation has no capability name")
	}
	c, ok := r.Lookup(inv.CapabilityName)
	if !ok {
		return failedResult(inv, r.sanitizeError(fmt.Sprintf("unknown capability %q", inv.CapabilityName)))
	}
	if err := ctx.Err(); err != nil {
		return failedResult(inv, r.sanitizeError("cancelled before start: "+err.Error()))
	}

	callCtx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	args := inv.Arguments
	if args == nil {
		args = map[string]any{}
	}

	done := make(chan invokeOutcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				r.logger.Error("capability panicked",
					zap.String("capability", inv.CapabilityName),
					zap.Any("panic", p),
					zap.ByteString("stack", debug.Stack()))
				done <- invokeOutcome{err: fmt.Errorf("capability panicked: %v", p)}
			}
		}()
		out, err := c.Invoke(callCtx, args)
		done <- invokeOutcome{output: out, err: err}
	}()

	var outcome invokeOutcome
	select {
	case outcome = <-done:
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return failedResult(inv, r.sanitizeError("cancelled: "+ctx.Err().Error()))
		}
		return failedResult(inv, fmt.Sprintf("timed out after %s", r.timeout))
	}

	if outcome.err != nil {
		return failedResult(inv, r.sanitizeError(outcome.err.Error()))
	}

	output := outcome.output
	limit := r.outputLimit
	if n, ok := r.limits[inv.CapabilityName]; ok {
		limit = n
	}
	output = TruncateOutput(output, limit, TruncateHeadTail)
	output = TruncateLines(output, r.maxLines)

	return ToolResult{
		InvocationID:   inv.ID,
		CapabilityName: inv.CapabilityName,
		Succeeded:      true,
		Output:         Sanitize(output, limit),
	}
}

// sanitizeError strips markup from an error message, collapses whitespace
// and caps its length.
func (r *Registry) sanitizeError(msg string) string {
	clean := html.UnescapeString(r.scrub.Sanitize(msg))
	clean = strings.Join(strings.Fields(clean), " ")
	if clean == "" {
		clean = "capability failed"
	}
	return Sanitize(clean, r.errorLimit)
}
