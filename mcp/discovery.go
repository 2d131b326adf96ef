package mcp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"github.com/martinemde/reactor/agentloop"
	"github.com/martinemde/reactor/unifiedllm"
)

// DefaultTimeout bounds connect, initialize and tools/list for one server.
const DefaultTimeout = 10 * time.Second

const (
	clientName    = "reactor"
	clientVersion = "0.1.0"
	nameSeparator = "__"
	maxToolPages  = 100
)

type options struct {
	logger     *zap.Logger
	retry      unifiedllm.RetryPolicy
	httpClient *http.Client
	timeout    time.Duration
	parallel   int
}

// Option configures discovery.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithRetryPolicy sets the backoff used for transient http failures.
func WithRetryPolicy(p unifiedllm.RetryPolicy) Option {
	return func(o *options) { o.retry = p }
}

// WithHTTPClient sets the client whose transport and cookie jar carry http
// traffic. Its Timeout is ignored; per-call timeouts come from the spec.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithTimeout sets the per-server discovery timeout used by DiscoverAll.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithParallelism bounds how many servers DiscoverAll contacts at once.
func WithParallelism(n int) Option {
	return func(o *options) { o.parallel = n }
}

func buildOptions(opts []Option) options {
	o := options{
		logger:   zap.NewNop(),
		retry:    unifiedllm.DefaultRetryPolicy(),
		timeout:  DefaultTimeout,
		parallel: 4,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Discover connects to one server, performs the handshake and wraps every
// remote tool as a capability. On failure the server is closed, marked
// failed and returned with the error.
func Discover(ctx context.Context, spec ServerSpec, timeout time.Duration, opts ...Option) (*Server, []agentloop.Capability, error) {
	o := buildOptions(opts)
	s := newServer(spec, o.logger)

	fail := func(err error) (*Server, []agentloop.Capability, error) {
		s.Close()
		s.setState(StateFailed, err)
		return s, nil, err
	}

	if err := spec.validate(); err != nil {
		return fail(err)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	s.setState(StateConnecting, nil)
	t, err := s.transport(o)
	if err != nil {
		return fail(fmt.Errorf("connect %s: %w", spec.Name, err))
	}

	client := sdk.NewClient(&sdk.Implementation{Name: clientName, Version: clientVersion}, nil)
	session, err := client.Connect(dctx, t, nil)
	if err != nil {
		return fail(fmt.Errorf("connect %s: %w", spec.Name, err))
	}
	s.mu.Lock()
	s.session = session
	s.mu.Unlock()

	tools, err := listTools(dctx, session)
	if err != nil {
		return fail(fmt.Errorf("server %s: %w", spec.Name, err))
	}

	s.mu.Lock()
	if res := session.InitializeResult(); res != nil {
		s.protocol = res.ProtocolVersion
		if res.ServerInfo != nil {
			s.info = ServerInfo{Name: res.ServerInfo.Name, Version: res.ServerInfo.Version}
		}
	}
	s.state = StateConnected
	info, protocol := s.info, s.protocol
	s.mu.Unlock()

	caps := make([]agentloop.Capability, 0, len(tools))
	for _, tool := range tools {
		if tool == nil || strings.TrimSpace(tool.Name) == "" {
			s.logger.Warn("skipping tool without a name")
			continue
		}
		caps = append(caps, newRemoteCapability(s, tool))
	}
	s.logger.Info("server connected",
		zap.String("implementation", info.Name),
		zap.String("protocol", protocol),
		zap.Int("tools", len(caps)))
	return s, caps, nil
}

// listTools follows pagination cursors until the server has no more pages.
func listTools(ctx context.Context, session *sdk.ClientSession) ([]*sdk.Tool, error) {
	var tools []*sdk.Tool
	params := &sdk.ListToolsParams{}
	for range maxToolPages {
		res, err := session.ListTools(ctx, params)
		if err != nil {
			return nil, fmt.Errorf("list tools: %w", err)
		}
		tools = append(tools, res.Tools...)
		if res.NextCursor == "" {
			return tools, nil
		}
		params = &sdk.ListToolsParams{Cursor: res.NextCursor}
	}
	return nil, fmt.Errorf("list tools: more than %d pages", maxToolPages)
}

// Discovery is the outcome of DiscoverAll.
type Discovery struct {
	Servers      []*Server
	Capabilities []agentloop.Capability
}

// Names returns the capability names in discovery order.
func (d *Discovery) Names() []string {
	names := make([]string, len(d.Capabilities))
	for i, c := range d.Capabilities {
		names[i] = c.Descriptor().Name
	}
	return names
}

// Connected returns the servers that completed discovery.
func (d *Discovery) Connected() []*Server {
	var out []*Server
	for _, s := range d.Servers {
		if s.State() == StateConnected {
			out = append(out, s)
		}
	}
	return out
}

// Close closes every server.
func (d *Discovery) Close() error {
	var errs []error
	for _, s := range d.Servers {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type discovered struct {
	server *Server
	caps   []agentloop.Capability
}

// DiscoverAll discovers every server concurrently. Unreachable servers are
// logged and skipped. A non-empty allowList must name only discovered
// capabilities, and then only those are returned; otherwise the error wraps
// ErrInvalidAllowList and every server is closed.
func DiscoverAll(ctx context.Context, specs []ServerSpec, allowList []string, logger *zap.Logger, opts ...Option) (*Discovery, error) {
	if logger != nil {
		opts = append(opts, WithLogger(logger))
	}
	o := buildOptions(opts)

	results := make([]discovered, len(specs))
	p := pool.New().WithMaxGoroutines(max(1, o.parallel))
	for i, spec := range specs {
		p.Go(func() {
			s, caps, err := Discover(ctx, spec, o.timeout, opts...)
			if err != nil {
				o.logger.Warn("external capability server unavailable",
					zap.String("server", spec.Name),
					zap.String("transport", string(spec.Transport)),
					zap.Error(err))
			}
			results[i] = discovered{server: s, caps: caps}
		})
	}
	p.Wait()

	d := &Discovery{}
	for _, r := range results {
		d.Servers = append(d.Servers, r.server)
		d.Capabilities = append(d.Capabilities, r.caps...)
	}

	if len(allowList) == 0 {
		return d, nil
	}

	byName := make(map[string]agentloop.Capability, len(d.Capabilities))
	for _, c := range d.Capabilities {
		byName[c.Descriptor().Name] = c
	}
	var missing []string
	allowed := make(map[string]bool, len(allowList))
	for _, name := range allowList {
		if _, ok := byName[name]; !ok {
			missing = append(missing, fmt.Sprintf("%q", name))
			continue
		}
		allowed[name] = true
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		d.Close()
		return nil, fmt.Errorf("%w: not discovered: %s", ErrInvalidAllowList, strings.Join(missing, ", "))
	}

	kept := d.Capabilities[:0]
	for _, c := range d.Capabilities {
		if allowed[c.Descriptor().Name] {
			kept = append(kept, c)
		}
	}
	d.Capabilities = kept
	return d, nil
}

// CapabilityName returns the registered name of a remote tool.
func CapabilityName(spec ServerSpec, tool string) string {
	if spec.Prefix {
		return spec.Name + nameSeparator + tool
	}
	return tool
}
