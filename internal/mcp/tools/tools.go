// Package tools defines the [Tool] type shared by the built-in tool
// packages. Each sub-package exports a constructor that returns tools ready
// for registration with the MCP host.
package tools

import (
	"context"

	"github.com/MrWong99/voxline/pkg/types"
)

// Tool is a built-in tool: its model-facing schema plus the Go handler that
// runs when the model calls it.
type Tool struct {
	Definition types.ToolDefinition

	// Handler executes the tool with JSON-encoded args. A returned error is
	// reported to the model as a tool failure, with the error text as the
	// content. Handlers must be safe for concurrent use and respect ctx.
	Handler func(ctx context.Context, args string) (string, error)

	// DeclaredP50 is the author's estimate of the median latency. It orders
	// the tool until real measurements exist.
	DeclaredP50 int64
}
