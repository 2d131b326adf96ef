package mcp

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidAllowList is returned by DiscoverAll when an allow-listed
	// name was not discovered.
	ErrInvalidAllowList = errors.New("invalid external capability allow-list")
	// ErrUnsupportedTransport is returned for unknown transport kinds.
	ErrUnsupportedTransport = errors.New("unsupported mcp transport")
	// ErrNotConnected is returned when invoking a tool on a server that is
	// not in the connected state.
	ErrNotConnected = errors.New("mcp server not connected")
)

// TransportError is a failed HTTP exchange with a server. Temporary marks
// failures that are worth retrying.
type TransportError struct {
	Server    string
	Op        string
	Temporary bool
	Err       error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("mcp %s %s: %v", e.Server, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// isTransient reports whether err is a temporary transport failure.
func isTransient(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.Temporary
}
