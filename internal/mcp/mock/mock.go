// Package mock provides an in-memory test double for [mcp.Host].
//
// Typical usage:
//
//	h := &mock.Host{ToolsResult: []types.ToolDefinition{{Name: "get_user_balance"}}}
//	h.ExecuteToolResult = &mcp.ToolResult{Content: "The balance of 7 user account is 3.00"}
//
//	// inject h into the system under test
//
//	if got := h.CallCount("ExecuteTool"); got != 1 {
//	    t.Errorf("want 1 ExecuteTool call, got %d", got)
//	}
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/voxline/internal/mcp"
	"github.com/MrWong99/voxline/pkg/types"
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	Method string
	Args   []any
}

// Host is a configurable test double for [mcp.Host]. Zero values mean
// success with empty results.
type Host struct {
	mu    sync.Mutex
	calls []Call

	RegisterServerErr error

	// ToolsResult is returned by Tools.
	ToolsResult []types.ToolDefinition

	// ExecuteToolFunc, if set, answers ExecuteTool and takes precedence over
	// ExecuteToolResult and ExecuteToolErr.
	ExecuteToolFunc func(ctx context.Context, name, args string) (*mcp.ToolResult, error)

	ExecuteToolResult *mcp.ToolResult
	ExecuteToolErr    error

	HealthResult []mcp.ToolHealth
	CalibrateErr error
	CloseErr     error
}

var _ mcp.Host = (*Host)(nil)

func (h *Host) record(method string, args ...any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, Call{Method: method, Args: args})
}

// Calls returns a copy of all recorded invocations.
func (h *Host) Calls() []Call {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.calls)
}

// CallCount returns how many times the named method was invoked.
func (h *Host) CallCount(method string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, c := range h.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// RegisterServer implements [mcp.Host].
func (h *Host) RegisterServer(_ context.Context, cfg mcp.ServerConfig) error {
	h.record("RegisterServer", cfg)
	return h.RegisterServerErr
}

// Tools implements [mcp.Host].
func (h *Host) Tools() []types.ToolDefinition {
	h.record("Tools")
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.ToolsResult)
}

// ExecuteTool implements [mcp.Host].
func (h *Host) ExecuteTool(ctx context.Context, name, args string) (*mcp.ToolResult, error) {
	h.record("ExecuteTool", name, args)
	h.mu.Lock()
	fn, res, err := h.ExecuteToolFunc, h.ExecuteToolResult, h.ExecuteToolErr
	h.mu.Unlock()

	if fn != nil {
		return fn(ctx, name, args)
	}
	if err != nil {
		return nil, err
	}
	if res == nil {
		return &mcp.ToolResult{}, nil
	}
	cp := *res
	return &cp, nil
}

// Health implements [mcp.Host].
func (h *Host) Health() []mcp.ToolHealth {
	h.record("Health")
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.HealthResult)
}

// Calibrate implements [mcp.Host].
func (h *Host) Calibrate(context.Context) error {
	h.record("Calibrate")
	return h.CalibrateErr
}

// Close implements [mcp.Host].
func (h *Host) Close() error {
	h.record("Close")
	return h.CloseErr
}
