package mcp

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

type echoArgs struct {
	Text string `json:"text"`
}

type noArgs struct{}

func textResult(text string, isError bool) *sdk.CallToolResult {
	return &sdk.CallToolResult{Content: []sdk.Content{&sdk.TextContent{Text: text}}, IsError: isError}
}

// newFakeServer serves three tools: echo (read-only), fail (always reports
// a tool error) and wipe (destructive).
func newFakeServer(opts *sdk.ServerOptions) *sdk.Server {
	s := sdk.NewServer(&sdk.Implementation{Name: "fake", Version: "1.0.0"}, opts)
	destructive := true
	sdk.AddTool(s, &sdk.Tool{
		Name:        "echo",
		Description: "Echo text.",
		Annotations: &sdk.ToolAnnotations{ReadOnlyHint: true},
	}, func(ctx context.Context, req *sdk.CallToolRequest, in echoArgs) (*sdk.CallToolResult, any, error) {
		return textResult(in.Text, false), nil, nil
	})
	sdk.AddTool(s, &sdk.Tool{
		Name:        "fail",
		Description: "Always fails.",
	}, func(ctx context.Context, req *sdk.CallToolRequest, in noArgs) (*sdk.CallToolResult, any, error) {
		return textResult("boom", true), nil, nil
	})
	sdk.AddTool(s, &sdk.Tool{
		Name:        "wipe",
		Description: "Deletes everything.",
		Annotations: &sdk.ToolAnnotations{DestructiveHint: &destructive},
	}, func(ctx context.Context, req *sdk.CallToolRequest, in noArgs) (*sdk.CallToolResult, any, error) {
		return textResult("wiped", false), nil, nil
	})
	return s
}

// httpFake fronts the fake server with the streamable HTTP handler. It
// records request headers and can answer tools/call with 503 a set number
// of times.
type httpFake struct {
	failCalls atomic.Int32
	calls     atomic.Int32

	mu   sync.Mutex
	auth []string
}

func newHTTPFake(t *testing.T, opts *sdk.ServerOptions) (*httpFake, *httptest.Server) {
	t.Helper()
	h := &httpFake{}
	server := newFakeServer(opts)
	handler := sdk.NewStreamableHTTPHandler(func(*http.Request) *sdk.Server { return server }, nil)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.mu.Lock()
		h.auth = append(h.auth, r.Header.Get("Authorization"))
		h.mu.Unlock()

		if r.Method == http.MethodPost {
			body, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewReader(body))
			if bytes.Contains(body, []byte(`"tools/call"`)) {
				h.calls.Add(1)
				if h.failCalls.Add(-1) >= 0 {
					http.Error(w, "overloaded", http.StatusServiceUnavailable)
					return
				}
			}
		}
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(ts.Close)
	return h, ts
}

func (h *httpFake) authHeaders() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.auth...)
}
