package unifiedllm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/teilomillet/gollm"
)

// Fallback models per provider when none is configured.
var defaultModels = map[string]string{
	"openai":    "gpt-4o-mini",
	"anthropic": "claude-sonnet-4-5",
	"groq":      "llama-3.3-70b-versatile",
	"ollama":    "llama3.1",
}

// envelopeMarker opens a tool-call envelope in model output.
const envelopeMarker = `{"tool_calls"`

// toolCallEnvelope is the JSON shape the adapter asks models to emit when
// they want to invoke capabilities and gollm returns the reply as plain text.
type toolCallEnvelope struct {
	ToolCalls []struct {
		ID        string          `json:"id"`
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"tool_calls"`
}

// GollmAdapter wraps a gollm.LLM instance and implements ProviderAdapter.
type GollmAdapter struct {
	provider string
	llm      gollm.LLM
	model    string
}

// GollmAdapterOption configures a GollmAdapter.
type GollmAdapterOption func(*gollmAdapterConfig)

type gollmAdapterConfig struct {
	apiKey      string
	model       string
	maxTokens   int
	temperature float64
	extraOpts   []gollm.ConfigOption
}

// WithAPIKey sets the API key for the adapter.
func WithAPIKey(key string) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.apiKey = key
	}
}

// WithModel sets the default model for the adapter.
func WithModel(model string) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.model = model
	}
}

// WithMaxTokens sets the default max tokens.
func WithMaxTokens(n int) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.maxTokens = n
	}
}

// WithTemperature sets the default temperature.
func WithTemperature(t float64) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.temperature = t
	}
}

// WithGollmOptions adds extra gollm configuration options.
func WithGollmOptions(opts ...gollm.ConfigOption) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.extraOpts = append(c.extraOpts, opts...)
	}
}

// NewGollmAdapter creates a GollmAdapter for the given provider. If no API
// key is supplied gollm reads it from the provider's environment variable.
func NewGollmAdapter(provider string, opts ...GollmAdapterOption) (*GollmAdapter, error) {
	cfg := &gollmAdapterConfig{
		maxTokens:   4096,
		temperature: 0.2,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	model := cfg.model
	if model == "" {
		model = defaultModels[provider]
	}
	if model == "" {
		return nil, &ConfigurationError{SDKError: SDKError{
			Message: fmt.Sprintf("no model configured for provider %q", provider),
		}}
	}

	gollmOpts := []gollm.ConfigOption{
		gollm.SetProvider(provider),
		gollm.SetModel(model),
		gollm.SetMaxTokens(cfg.maxTokens),
		gollm.SetTemperature(cfg.temperature),
		gollm.SetMaxRetries(0), // retries belong to RetryPolicy
		gollm.SetLogLevel(gollm.LogLevelWarn),
	}
	if cfg.apiKey != "" {
		gollmOpts = append(gollmOpts, gollm.SetAPIKey(cfg.apiKey))
	}
	gollmOpts = append(gollmOpts, cfg.extraOpts...)

	llm, err := gollm.NewLLM(gollmOpts...)
	if err != nil {
		return nil, &ConfigurationError{SDKError: SDKError{
			Message: fmt.Sprintf("create gollm LLM for provider %s", provider),
			Cause:   err,
		}}
	}

	return &GollmAdapter{provider: provider, llm: llm, model: model}, nil
}

// NewGollmAdapterFromLLM wraps an existing gollm.LLM instance.
func NewGollmAdapterFromLLM(provider, model string, llm gollm.LLM) *GollmAdapter {
	return &GollmAdapter{provider: provider, llm: llm, model: model}
}

// Name returns the provider identifier.
func (a *GollmAdapter) Name() string {
	return a.provider
}

// Complete sends a blocking request and returns the full response.
func (a *GollmAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	prompt := a.buildPrompt(req)
	a.applyRequestOptions(req)

	text, err := a.llm.Generate(ctx, prompt)
	if err != nil {
		return nil, a.translateError(ctx, err)
	}
	return a.buildResponse(req, text), nil
}

// Stream emits text deltas as gollm produces them. Tool calls are only known
// once the whole reply is in, so they arrive on the finish event's Response.
func (a *GollmAdapter) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	prompt := a.buildPrompt(req)
	a.applyRequestOptions(req)

	ch := make(chan StreamEvent, 64)
	send := func(ev StreamEvent) bool {
		select {
		case ch <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	if !a.llm.SupportsStreaming() {
		go func() {
			defer close(ch)
			if !send(StreamEvent{Type: StreamStart}) {
				return
			}
			text, err := a.llm.Generate(ctx, prompt)
			if err != nil {
				send(StreamEvent{Type: StreamError, Error: a.translateError(ctx, err)})
				return
			}
			resp := a.buildResponse(req, text)
			if answer := resp.Text(); answer != "" {
				if !send(StreamEvent{Type: TextDelta, Delta: answer}) {
					return
				}
			}
			send(finishEvent(resp))
		}()
		return ch, nil
	}

	stream, err := a.llm.Stream(ctx, prompt)
	if err != nil {
		return nil, a.translateError(ctx, err)
	}

	go func() {
		defer close(ch)
		defer stream.Close()

		if !send(StreamEvent{Type: StreamStart}) {
			return
		}

		var filter answerFilter
		for {
			token, err := stream.Next(ctx)
			if err == io.EOF {
				break
			}
			if err != nil {
				send(StreamEvent{Type: StreamError, Error: a.translateError(ctx, err)})
				return
			}
			if token == nil || token.Text == "" {
				continue
			}
			if delta := filter.push(token.Text); delta != "" {
				if !send(StreamEvent{Type: TextDelta, Delta: delta}) {
					return
				}
			}
		}
		if delta := filter.flush(); delta != "" {
			if !send(StreamEvent{Type: TextDelta, Delta: delta}) {
				return
			}
		}

		send(finishEvent(a.buildResponse(req, filter.text())))
	}()

	return ch, nil
}

// answerFilter forwards streamed answer text until the reply turns into a
// tool-call envelope. A tail that could still begin the envelope is held
// back until later tokens decide it.
type answerFilter struct {
	full    strings.Builder
	sent    int
	stopped bool
}

// push records token and returns the text that is safe to forward.
func (f *answerFilter) push(token string) string {
	f.full.WriteString(token)
	if f.stopped {
		return ""
	}
	pending := f.full.String()[f.sent:]
	if i := strings.Index(pending, envelopeMarker); i >= 0 {
		f.stopped = true
		f.sent += i
		return pending[:i]
	}
	hold := 0
	for n := min(len(pending), len(envelopeMarker)-1); n > 0; n-- {
		if strings.HasSuffix(pending, envelopeMarker[:n]) {
			hold = n
			break
		}
	}
	out := pending[:len(pending)-hold]
	f.sent += len(out)
	return out
}

// flush releases held text once the stream ended without an envelope.
func (f *answerFilter) flush() string {
	if f.stopped {
		return ""
	}
	rest := f.full.String()[f.sent:]
	f.sent += len(rest)
	return rest
}

func (f *answerFilter) text() string { return f.full.String() }

func finishEvent(resp *Response) StreamEvent {
	return StreamEvent{
		Type:         StreamFinish,
		FinishReason: &resp.FinishReason,
		Usage:        &resp.Usage,
		Response:     resp,
	}
}

// buildPrompt flattens the conversation into a single gollm prompt. System
// messages become the system prompt; the rest is rendered as a transcript so
// earlier tool calls and their results stay visible to the model.
func (a *GollmAdapter) buildPrompt(req Request) *gollm.Prompt {
	var system []string
	var transcript []string

	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleSystem:
			system = append(system, msg.TextContent())
		case RoleUser:
			transcript = append(transcript, "[User]: "+msg.TextContent())
		case RoleAssistant:
			if text := msg.TextContent(); text != "" {
				transcript = append(transcript, "[Assistant]: "+text)
			}
			for _, tc := range msg.ToolCalls() {
				transcript = append(transcript, fmt.Sprintf("[Tool Call %s]: %s %s", tc.ID, tc.Name, string(tc.Arguments)))
			}
		case RoleTool:
			for _, part := range msg.Content {
				if part.Kind != ContentToolResult || part.ToolResult == nil {
					continue
				}
				label := "Tool Result"
				if part.ToolResult.IsError {
					label = "Tool Error"
				}
				transcript = append(transcript, fmt.Sprintf("[%s %s]: %s", label, part.ToolResult.ToolCallID, part.ToolResult.Content))
			}
		}
	}

	if len(req.ToolDefs) > 0 && (req.ToolChoice == nil || req.ToolChoice.Mode != "none") {
		system = append(system, toolCallInstructions)
	}

	text := strings.Join(transcript, "\n")
	if text == "" {
		text = "Begin."
	}

	var promptOpts []gollm.PromptOption
	if len(system) > 0 {
		promptOpts = append(promptOpts, gollm.WithSystemPrompt(strings.Join(system, "\n\n"), gollm.CacheTypeEphemeral))
	}
	if req.MaxTokens != nil {
		promptOpts = append(promptOpts, gollm.WithMaxLength(*req.MaxTokens))
	}
	if len(req.ToolDefs) > 0 {
		tools := make([]gollm.Tool, 0, len(req.ToolDefs))
		for _, t := range req.ToolDefs {
			tools = append(tools, gollm.Tool{
				Type: "function",
				Function: gollm.Function{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  t.Parameters,
				},
			})
		}
		promptOpts = append(promptOpts, gollm.WithTools(tools))
	}
	if req.ToolChoice != nil {
		promptOpts = append(promptOpts, gollm.WithToolChoice(req.ToolChoice.Mode))
	}

	return gollm.NewPrompt(text, promptOpts...)
}

const toolCallInstructions = `To use tools, reply with only this JSON and nothing after it:
{"tool_calls":[{"id":"<unique id>","name":"<tool name>","arguments":{...}}]}
To finish, reply with your final answer as plain text.`

func (a *GollmAdapter) applyRequestOptions(req Request) {
	if req.Model != "" {
		a.llm.SetOption("model", req.Model)
	}
	if req.Temperature != nil {
		a.llm.SetOption("temperature", *req.Temperature)
	}
	if req.MaxTokens != nil {
		a.llm.SetOption("max_tokens", *req.MaxTokens)
	}
}

func (a *GollmAdapter) buildResponse(req Request, text string) *Response {
	model := req.Model
	if model == "" {
		model = a.model
	}

	answer, calls := splitToolCalls(text)

	var content []ContentPart
	if answer != "" {
		content = append(content, TextPart(answer))
	}
	for _, tc := range calls {
		content = append(content, ToolCallPart(tc.ID, tc.Name, tc.Arguments))
	}

	finish := FinishReason{Reason: "stop", Raw: "stop"}
	if len(calls) > 0 {
		finish = FinishReason{Reason: "tool_calls", Raw: "tool_calls"}
	}

	// gollm does not surface provider usage, so approximate it.
	in := estimateTokens(req)
	out := (len(text) + 3) / 4
	return &Response{
		ID:           "resp_" + uuid.New().String()[:8],
		Model:        model,
		Provider:     a.provider,
		Message:      Message{Role: RoleAssistant, Content: content},
		FinishReason: finish,
		Usage:        Usage{InputTokens: in, OutputTokens: out, TotalTokens: in + out},
	}
}

// splitToolCalls separates a leading answer from a trailing tool-call
// envelope. Text without a parseable envelope is returned unchanged.
func splitToolCalls(text string) (string, []ToolCall) {
	idx := strings.Index(text, envelopeMarker)
	if idx == -1 {
		return strings.TrimSpace(text), nil
	}

	var env toolCallEnvelope
	dec := json.NewDecoder(strings.NewReader(text[idx:]))
	if err := dec.Decode(&env); err != nil || len(env.ToolCalls) == 0 {
		return strings.TrimSpace(text), nil
	}

	calls := make([]ToolCall, 0, len(env.ToolCalls))
	for _, raw := range env.ToolCalls {
		args := raw.Arguments
		if len(args) == 0 {
			args = json.RawMessage(`{}`)
		}
		calls = append(calls, ToolCall{ID: raw.ID, Name: raw.Name, Arguments: args})
	}
	return strings.TrimSpace(text[:idx]), calls
}

// errorRule maps a message fragment to a status code understood by
// ErrorFromStatusCode.
type errorRule struct {
	fragments []string
	status    int
}

var errorRules = []errorRule{
	{[]string{"401", "unauthorized", "invalid api key", "invalid key"}, 401},
	{[]string{"403", "forbidden"}, 403},
	{[]string{"404", "not found"}, 404},
	{[]string{"429", "rate limit"}, 429},
	{[]string{"context length", "too many tokens", "maximum context"}, 413},
	{[]string{"400", "bad request", "invalid request"}, 400},
	{[]string{"500", "502", "503", "504", "internal server", "overloaded", "unavailable"}, 503},
}

// retryAfterPattern matches hints such as "Retry-After: 20" and
// "Please try again in 1.5s".
var retryAfterPattern = regexp.MustCompile(`(?i)(?:retry[- ]after:?|try again in)\s*(\d+(?:\.\d+)?)\s*(ms|s)?`)

// retryAfterHint extracts a provider's requested wait from an error message.
func retryAfterHint(msg string) time.Duration {
	m := retryAfterPattern.FindStringSubmatch(msg)
	if m == nil {
		return 0
	}
	n, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0
	}
	unit := time.Second
	if strings.EqualFold(m[2], "ms") {
		unit = time.Millisecond
	}
	return time.Duration(n * float64(unit))
}

// translateError classifies a gollm error into the unified taxonomy. gollm
// flattens provider errors to strings, so classification is by content.
func (a *GollmAdapter) translateError(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return &AbortError{SDKError: SDKError{Message: "request cancelled", Cause: ctx.Err()}}
	}

	msg := err.Error()
	lower := strings.ToLower(msg)

	switch {
	case strings.Contains(lower, "content filter") || strings.Contains(lower, "safety"):
		return &ContentFilterError{ProviderError: ProviderError{
			SDKError: SDKError{Message: msg, Cause: err}, Provider: a.provider,
		}}
	case strings.Contains(lower, "timeout") || strings.Contains(lower, "deadline exceeded"):
		return &RequestTimeoutError{SDKError: SDKError{Message: msg, Cause: err}}
	case strings.Contains(lower, "connection refused") || strings.Contains(lower, "no such host") ||
		strings.Contains(lower, "connection reset"):
		return &NetworkError{SDKError: SDKError{Message: msg, Cause: err}}
	}

	for _, rule := range errorRules {
		for _, frag := range rule.fragments {
			if strings.Contains(lower, frag) {
				return withCause(ErrorFromStatusCode(rule.status, msg, a.provider, retryAfterHint(msg)), err)
			}
		}
	}

	return &ProviderError{
		SDKError:  SDKError{Message: msg, Cause: err},
		Provider:  a.provider,
		Retryable: true,
	}
}

// withCause attaches the original error to a classified provider error.
func withCause(classified, cause error) error {
	switch e := classified.(type) {
	case *AuthenticationError:
		e.Cause = cause
	case *AccessDeniedError:
		e.Cause = cause
	case *NotFoundError:
		e.Cause = cause
	case *InvalidRequestError:
		e.Cause = cause
	case *RateLimitError:
		e.Cause = cause
	case *ServerError:
		e.Cause = cause
	case *ContextLengthError:
		e.Cause = cause
	case *RequestTimeoutError:
		e.Cause = cause
	case *ProviderError:
		e.Cause = cause
	}
	return classified
}

// estimateTokens approximates prompt size at four characters per token.
func estimateTokens(req Request) int {
	chars := 0
	for _, msg := range req.Messages {
		for _, part := range msg.Content {
			switch part.Kind {
			case ContentText:
				chars += len(part.Text)
			case ContentToolCall:
				if part.ToolCall != nil {
					chars += len(part.ToolCall.Name) + len(part.ToolCall.Arguments)
				}
			case ContentToolResult:
				if part.ToolResult != nil {
					chars += len(part.ToolResult.Content)
				}
			}
		}
	}
	if chars == 0 {
		return 1
	}
	return (chars + 3) / 4
}
