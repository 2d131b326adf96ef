package mcp

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zapio"
)

// Transport selects how a server is reached.
type Transport string

const (
	TransportStdio Transport = "stdio"
	TransportHTTP  Transport = "http"
)

// ServerSpec configures one external capability server. Env and Headers
// may carry credentials and never leave this package.
type ServerSpec struct {
	Name      string
	Transport Transport

	// stdio
	Command string
	Args    []string
	Env     map[string]string
	Dir     string

	// http
	URL     string
	Headers map[string]string

	// CallTimeout bounds each tools/call. Zero leaves it to the caller.
	CallTimeout time.Duration
	// Prefix names capabilities "<server>__<tool>" instead of the raw tool name.
	Prefix bool
}

func (s ServerSpec) validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return errors.New("server name is required")
	}
	switch s.Transport {
	case TransportStdio:
		if s.Command == "" {
			return fmt.Errorf("server %s: command is required for stdio", s.Name)
		}
	case TransportHTTP:
		if s.URL == "" {
			return fmt.Errorf("server %s: url is required for http", s.Name)
		}
	default:
		return fmt.Errorf("server %s: %w %q", s.Name, ErrUnsupportedTransport, s.Transport)
	}
	return nil
}

// State is the connection lifecycle of a Server.
type State string

const (
	StateUnconnected State = "unconnected"
	StateConnecting  State = "connecting"
	StateConnected   State = "connected"
	StateFailed      State = "failed"
)

// ServerInfo identifies the remote implementation.
type ServerInfo struct {
	Name    string
	Version string
}

// Server is one connection to an external capability server. A failed
// server is never reconnected.
type Server struct {
	Spec ServerSpec

	mu       sync.Mutex
	state    State
	err      error
	info     ServerInfo
	protocol string
	session  *sdk.ClientSession
	stderr   *zapio.Writer
	logger   *zap.Logger
}

func newServer(spec ServerSpec, logger *zap.Logger) *Server {
	return &Server{
		Spec:   spec,
		state:  StateUnconnected,
		logger: logger.With(zap.String("server", spec.Name)),
	}
}

// State returns the current lifecycle state.
func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the error that moved the server to StateFailed.
func (s *Server) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Info returns what the server reported during initialize.
func (s *Server) Info() ServerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

// ProtocolVersion is the revision negotiated during initialize.
func (s *Server) ProtocolVersion() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.protocol
}

func (s *Server) setState(state State, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
	s.err = err
}

func (s *Server) connectedSession() (*sdk.ClientSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnected || s.session == nil {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotConnected, s.Spec.Name, s.state)
	}
	return s.session, nil
}

// transport builds the client transport for the spec. A stdio server is
// started by the session, without a context, so the process outlives the
// discovery deadline; its stderr goes to the log.
func (s *Server) transport(o options) (sdk.Transport, error) {
	switch s.Spec.Transport {
	case TransportStdio:
		cmd := exec.Command(s.Spec.Command, s.Spec.Args...)
		cmd.Dir = s.Spec.Dir
		cmd.Env = os.Environ()
		for k, v := range s.Spec.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		stderr := &zapio.Writer{Log: s.logger.Named("stderr"), Level: zapcore.DebugLevel}
		cmd.Stderr = stderr
		s.mu.Lock()
		s.stderr = stderr
		s.mu.Unlock()
		return &sdk.CommandTransport{Command: cmd}, nil
	case TransportHTTP:
		return &sdk.StreamableClientTransport{
			Endpoint:   s.Spec.URL,
			HTTPClient: newHTTPTransport(s.Spec, o).client(o),
		}, nil
	default:
		return nil, fmt.Errorf("%w %q", ErrUnsupportedTransport, s.Spec.Transport)
	}
}

// Close ends the session. For stdio this closes the server's stdin and
// waits for the process, killing it if it does not exit.
func (s *Server) Close() error {
	s.mu.Lock()
	session, stderr := s.session, s.stderr
	s.session, s.stderr = nil, nil
	if s.state == StateConnected || s.state == StateConnecting {
		s.state = StateUnconnected
	}
	s.mu.Unlock()

	var err error
	if session != nil {
		err = session.Close()
	}
	if stderr != nil {
		stderr.Close()
	}
	return err
}

// withCallTimeout applies the server's per-call timeout.
func (s *Server) withCallTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.Spec.CallTimeout > 0 {
		return context.WithTimeout(ctx, s.Spec.CallTimeout)
	}
	return ctx, func() {}
}
