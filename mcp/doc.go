// Package mcp discovers external capability servers that speak the Model
// Context Protocol and exposes their tools as agentloop capabilities.
//
// Sessions are built on the official Go SDK. Two transports are supported:
// stdio, which spawns the server as a child process, and http, which uses
// the streamable HTTP transport. HTTP requests carry the configured headers
// and are retried on rate limits, gateway errors and dropped connections.
//
// DiscoverAll contacts every configured server concurrently. A server that
// cannot be reached is logged and skipped; the remaining capabilities are
// still returned. An allow-list, when given, must name only capabilities
// that were actually discovered.
package mcp
