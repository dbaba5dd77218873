package mcphost

import (
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/voxline/internal/mcp/tools"
)

// RegisterBuiltin registers a tool that runs in-process. Built-in tools skip
// the protocol round-trip but are otherwise measured like external ones. A
// tool with the same name is replaced.
func (h *Host) RegisterBuiltin(tool tools.Tool) error {
	if tool.Definition.Name == "" {
		return errors.New("mcp host: builtin tool must have a non-empty name")
	}
	if tool.Handler == nil {
		return fmt.Errorf("mcp host: builtin tool %q must have a non-nil handler", tool.Definition.Name)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.tools[tool.Definition.Name] = toolEntry{
		def:          tool.Definition,
		serverName:   builtinServerName,
		declaredP50:  time.Duration(tool.DeclaredP50) * time.Millisecond,
		measurements: newRollingWindow(defaultWindowSize),
		builtinFn:    tool.Handler,
	}
	return nil
}

func metricAttrs(tool, server string) metric.MeasurementOption {
	return metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("server", server),
	)
}
