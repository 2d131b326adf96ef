package mcp

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/martinemde/reactor/unifiedllm"
)

const maxErrorBody = 512

// httpTransport adds the configured headers to every request and retries
// 429, 502, 503, 504 and connection failures with backoff, so the protocol
// session above it only sees a failure once the retries are spent.
type httpTransport struct {
	server  string
	base    http.RoundTripper
	headers map[string]string
	retry   unifiedllm.RetryPolicy
}

func newHTTPTransport(spec ServerSpec, o options) *httpTransport {
	base := http.DefaultTransport
	if o.httpClient != nil && o.httpClient.Transport != nil {
		base = o.httpClient.Transport
	}
	retry := o.retry
	retry.ShouldRetry = isTransient
	if retry.OnRetry == nil {
		logger := o.logger.With(zap.String("server", spec.Name))
		retry.OnRetry = func(err error, attempt int, delay time.Duration) {
			logger.Warn("retrying mcp request",
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(err))
		}
	}
	return &httpTransport{server: spec.Name, base: base, headers: spec.Headers, retry: retry}
}

// client returns an http.Client without an overall timeout; event streams
// stay open for the life of the session.
func (t *httpTransport) client(o options) *http.Client {
	c := &http.Client{Transport: t}
	if o.httpClient != nil {
		c.Jar = o.httpClient.Jar
	}
	return c
}

func (t *httpTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	replayable := req.Body == nil || req.Body == http.NoBody || req.GetBody != nil
	if !replayable {
		return t.base.RoundTrip(t.prepare(req.Context(), req))
	}

	first := true
	return unifiedllm.Retry(req.Context(), t.retry, func(ctx context.Context) (*http.Response, error) {
		attempt := t.prepare(ctx, req)
		if !first && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, err
			}
			attempt.Body = body
		}
		first = false

		resp, err := t.base.RoundTrip(attempt)
		if err != nil {
			return nil, &TransportError{Server: t.server, Op: req.Method, Temporary: ctx.Err() == nil, Err: err}
		}
		if transientStatus(resp.StatusCode) {
			return nil, &TransportError{Server: t.server, Op: req.Method, Temporary: true,
				Err: fmt.Errorf("%s: %s", resp.Status, drain(resp))}
		}
		return resp, nil
	})
}

func (t *httpTransport) prepare(ctx context.Context, req *http.Request) *http.Request {
	r := req.Clone(ctx)
	for k, v := range t.headers {
		r.Header.Set(k, v)
	}
	return r
}

func transientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// drain reads a short error body and closes it.
func drain(resp *http.Response) string {
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	io.Copy(io.Discard, resp.Body)
	return strings.TrimSpace(string(data))
}
