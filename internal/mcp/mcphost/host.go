// Package mcphost provides the concrete [mcp.Host].
//
// It connects to MCP servers over stdio or streamable HTTP using the official
// Go SDK, runs built-in tools in-process, and keeps a rolling latency window
// per tool so that [Host.Tools] lists the fastest tools first.
//
// Typical usage:
//
//	h := mcphost.New(mcphost.WithMetrics(metrics))
//	for _, t := range balancetool.Tools(client) {
//	    h.RegisterBuiltin(t)
//	}
//	err := h.RegisterServer(ctx, mcp.ServerConfig{
//	    Name:      "crm",
//	    Transport: mcp.TransportStreamableHTTP,
//	    URL:       "http://crm:8000/mcp",
//	})
//	res, err := h.ExecuteTool(ctx, "get_user_balance", `{"user_id":7}`)
//	defer h.Close()
package mcphost

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/voxline/internal/mcp"
	"github.com/MrWong99/voxline/internal/observe"
	"github.com/MrWong99/voxline/pkg/types"
)

// defaultWindowSize is the capacity of each tool's rolling window.
const defaultWindowSize = 100

// builtinServerName is the pseudo server name of in-process tools.
const builtinServerName = "builtin"

type toolEntry struct {
	def          types.ToolDefinition
	serverName   string
	declaredP50  time.Duration
	measurements *rollingWindow

	// builtinFn is non-nil for in-process tools.
	builtinFn func(ctx context.Context, args string) (string, error)
}

// effectiveP50 prefers measured latency over the declared estimate.
func (e toolEntry) effectiveP50() time.Duration {
	if e.measurements.Count() > 0 {
		return e.measurements.P50()
	}
	return e.declaredP50
}

// Host is the concrete [mcp.Host]. Create instances with [New].
type Host struct {
	mu      sync.RWMutex
	tools   map[string]toolEntry
	servers map[string]*mcpsdk.ClientSession

	// client is shared by all server sessions.
	client  *mcpsdk.Client
	metrics *observe.Metrics
	logger  *slog.Logger
}

var _ mcp.Host = (*Host)(nil)

// Option configures a Host.
type Option func(*Host)

// WithMetrics records tool calls on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(h *Host) { h.metrics = m }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(h *Host) { h.logger = l }
}

// New creates a ready-to-use Host.
func New(opts ...Option) *Host {
	h := &Host{
		tools:   make(map[string]toolEntry),
		servers: make(map[string]*mcpsdk.ClientSession),
		client:  mcpsdk.NewClient(&mcpsdk.Implementation{Name: "voxline-mcphost", Version: "1.0.0"}, nil),
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// RegisterServer implements [mcp.Host].
//
// For stdio servers cfg.Command is split on whitespace into executable and
// arguments and cfg.Env is appended to the inherited environment.
func (h *Host) RegisterServer(ctx context.Context, cfg mcp.ServerConfig) error {
	if cfg.Name == "" {
		return errors.New("mcp host: server config must have a non-empty name")
	}
	if cfg.Name == builtinServerName {
		return fmt.Errorf("mcp host: server name %q is reserved", cfg.Name)
	}

	var transport mcpsdk.Transport
	switch cfg.Transport {
	case mcp.TransportStdio:
		parts := strings.Fields(cfg.Command)
		if len(parts) == 0 {
			return fmt.Errorf("mcp host: stdio server %q requires a non-empty command", cfg.Name)
		}
		cmd := exec.Command(parts[0], parts[1:]...)
		if len(cfg.Env) > 0 {
			cmd.Env = os.Environ()
			for k, v := range cfg.Env {
				cmd.Env = append(cmd.Env, k+"="+v)
			}
		}
		transport = &mcpsdk.CommandTransport{Command: cmd}
	case mcp.TransportStreamableHTTP:
		if cfg.URL == "" {
			return fmt.Errorf("mcp host: streamable-http server %q requires a non-empty url", cfg.Name)
		}
		transport = &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}
	default:
		return fmt.Errorf("mcp host: unknown transport %q for server %q", cfg.Transport, cfg.Name)
	}
	return h.connect(ctx, cfg.Name, transport)
}

// connect opens a session over transport and imports its tools.
func (h *Host) connect(ctx context.Context, name string, transport mcpsdk.Transport) error {
	session, err := h.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("mcp host: connect to server %q: %w", name, err)
	}

	var discovered []*mcpsdk.Tool
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return fmt.Errorf("mcp host: list tools of server %q: %w", name, err)
		}
		discovered = append(discovered, tool)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if old, ok := h.servers[name]; ok {
		_ = old.Close()
		for toolName, t := range h.tools {
			if t.serverName == name {
				delete(h.tools, toolName)
			}
		}
	}
	h.servers[name] = session
	for _, t := range discovered {
		if existing, ok := h.tools[t.Name]; ok && existing.serverName != name {
			h.logger.Warn("mcp host: tool name already registered, skipping",
				"tool", t.Name, "server", name, "registered_by", existing.serverName)
			continue
		}
		h.tools[t.Name] = toolEntry{
			def: types.ToolDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  schemaToMap(t.InputSchema),
			},
			serverName:   name,
			measurements: newRollingWindow(defaultWindowSize),
		}
	}
	h.logger.Info("mcp host: server registered", "server", name, "tools", len(discovered))
	return nil
}

// schemaToMap converts a tool input schema to the generic map form offered
// to the model.
func schemaToMap(schema any) map[string]any {
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	fallback := map[string]any{"type": "object"}
	if schema == nil {
		return fallback
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return fallback
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil || m == nil {
		return fallback
	}
	return m
}

// Tools implements [mcp.Host].
func (h *Host) Tools() []types.ToolDefinition {
	h.mu.RLock()
	entries := make([]toolEntry, 0, len(h.tools))
	for _, e := range h.tools {
		entries = append(entries, e)
	}
	h.mu.RUnlock()

	slices.SortFunc(entries, func(a, b toolEntry) int {
		if c := cmp.Compare(a.effectiveP50(), b.effectiveP50()); c != 0 {
			return c
		}
		return cmp.Compare(a.def.Name, b.def.Name)
	})
	defs := make([]types.ToolDefinition, len(entries))
	for i, e := range entries {
		defs[i] = e.def
	}
	return defs
}

// ExecuteTool implements [mcp.Host]. A tool declaring MaxDurationMs runs
// under that timeout.
func (h *Host) ExecuteTool(ctx context.Context, name, args string) (*mcp.ToolResult, error) {
	h.mu.RLock()
	entry, ok := h.tools[name]
	h.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("mcp host: %q: %w", name, mcp.ErrToolNotFound)
	}

	if entry.def.MaxDurationMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, entry.def.Timeout())
		defer cancel()
	}

	ctx, span := observe.StartSpan(ctx, "tool."+name)
	defer span.End()

	start := time.Now()
	result, err := h.call(ctx, entry, args)
	elapsed := time.Since(start)

	failed := err != nil || result.IsError
	entry.measurements.Record(elapsed, failed)
	if h.metrics != nil {
		status := "ok"
		if failed {
			status = "error"
		}
		h.metrics.RecordToolCall(ctx, name, status)
		h.metrics.ToolExecutionDuration.Record(ctx, elapsed.Seconds(),
			metricAttrs(name, entry.serverName))
	}
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	result.Duration = elapsed
	return result, nil
}

func (h *Host) call(ctx context.Context, entry toolEntry, args string) (*mcp.ToolResult, error) {
	if entry.builtinFn != nil {
		out, err := entry.builtinFn(ctx, args)
		if err != nil {
			return &mcp.ToolResult{Content: err.Error(), IsError: true}, nil
		}
		return &mcp.ToolResult{Content: out}, nil
	}

	h.mu.RLock()
	session, ok := h.servers[entry.serverName]
	h.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("mcp host: server %q of tool %q is gone", entry.serverName, entry.def.Name)
	}

	var argMap map[string]any
	if strings.TrimSpace(args) != "" {
		if err := json.Unmarshal([]byte(args), &argMap); err != nil {
			return &mcp.ToolResult{Content: fmt.Sprintf("invalid arguments: %v", err), IsError: true}, nil
		}
	}

	res, err := session.CallTool(ctx, &mcpsdk.CallToolParams{Name: entry.def.Name, Arguments: argMap})
	if err != nil {
		return nil, fmt.Errorf("mcp host: call tool %q: %w", entry.def.Name, err)
	}
	var sb strings.Builder
	for _, c := range res.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	return &mcp.ToolResult{Content: sb.String(), IsError: res.IsError}, nil
}

// Health implements [mcp.Host]. Results are sorted by tool name.
func (h *Host) Health() []mcp.ToolHealth {
	h.mu.RLock()
	out := make([]mcp.ToolHealth, 0, len(h.tools))
	for name, e := range h.tools {
		out = append(out, mcp.ToolHealth{
			Name:      name,
			Server:    e.serverName,
			P50:       e.measurements.P50(),
			P99:       e.measurements.P99(),
			CallCount: e.measurements.Count(),
			ErrorRate: e.measurements.ErrorRate(),
		})
	}
	h.mu.RUnlock()
	slices.SortFunc(out, func(a, b mcp.ToolHealth) int { return cmp.Compare(a.Name, b.Name) })
	return out
}

// Close implements [mcp.Host].
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var errs []error
	for name, session := range h.servers {
		if err := session.Close(); err != nil {
			errs = append(errs, fmt.Errorf("mcp host: close server %q: %w", name, err))
		}
		delete(h.servers, name)
	}
	h.tools = make(map[string]toolEntry)
	return errors.Join(errs...)
}
