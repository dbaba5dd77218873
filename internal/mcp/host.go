// Package mcp defines the tool host used by the reasoning service.
//
// A Host aggregates built-in tools and tools imported from external Model
// Context Protocol servers, executes tool calls requested by the model and
// tracks per-tool latency so the fastest tools are offered first.
//
// Lifecycle:
//
//  1. Register built-in tools and call [Host.RegisterServer] for each
//     external MCP server.
//  2. Optionally call [Host.Calibrate] to measure tool latencies up front.
//  3. Offer [Host.Tools] to the model and run its calls with
//     [Host.ExecuteTool].
//  4. Call [Host.Close] to release all connections.
//
// All methods must be safe for concurrent use.
package mcp

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/voxline/pkg/types"
)

// ErrToolNotFound is returned by ExecuteTool for an unknown tool name.
var ErrToolNotFound = errors.New("mcp: tool not found")

// Transport is how the host reaches an external MCP server.
type Transport string

const (
	// TransportStdio runs Command as a child process and speaks MCP over its
	// stdin and stdout.
	TransportStdio Transport = "stdio"

	// TransportStreamableHTTP posts to URL using streamable HTTP.
	TransportStreamableHTTP Transport = "streamable-http"
)

// IsValid reports whether t names a supported transport.
func (t Transport) IsValid() bool {
	switch t {
	case TransportStdio, TransportStreamableHTTP:
		return true
	}
	return false
}

// ServerConfig describes how to connect to a single MCP server.
type ServerConfig struct {
	// Name identifies the server in logs and errors. Must be unique within
	// a Host.
	Name string `yaml:"name"`

	// Transport is the connection mechanism.
	Transport Transport `yaml:"transport"`

	// Command is the executable and its arguments for stdio servers.
	Command string `yaml:"command"`

	// URL is the endpoint of a streamable-http server.
	URL string `yaml:"url"`

	// Env holds additional environment variables for stdio servers.
	Env map[string]string `yaml:"env"`
}

// ToolResult holds the outcome of a single tool execution.
type ToolResult struct {
	// Content is the tool's text output, ready to be shown to the model.
	Content string

	// IsError marks an application-level failure reported by the tool.
	// Content then carries the explanation.
	IsError bool

	// Duration is the wall-clock time of the call.
	Duration time.Duration
}

// ToolHealth is the measured performance of a single tool over its most
// recent calls.
type ToolHealth struct {
	Name      string
	Server    string
	P50       time.Duration
	P99       time.Duration
	CallCount int
	ErrorRate float64
}

// Host manages tool registration and execution.
type Host interface {
	// RegisterServer connects to the MCP server described by cfg and imports
	// its tools. Registering a name again replaces the earlier connection.
	RegisterServer(ctx context.Context, cfg ServerConfig) error

	// Tools returns every registered tool, fastest first.
	Tools() []types.ToolDefinition

	// ExecuteTool calls the named tool with JSON-encoded args. A tool-level
	// failure is reported through ToolResult.IsError; a Go error means the
	// tool could not be reached at all.
	ExecuteTool(ctx context.Context, name, args string) (*ToolResult, error)

	// Health returns the measured performance of every tool.
	Health() []ToolHealth

	// Calibrate probes every tool concurrently to seed its latency window.
	Calibrate(ctx context.Context) error

	// Close shuts down all server connections.
	Close() error
}
