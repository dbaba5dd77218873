package balance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// ToolPath is the JSON tool endpoint served by [NewHandler].
const ToolPath = "/tools/" + ToolName

// MCPPath is the streamable-HTTP MCP endpoint served by [NewHandler].
const MCPPath = "/mcp"

const maxRequestBody = 1 << 16

// Request is the JSON body of a tool call.
type Request struct {
	UserID *int64 `json:"user_id"`
}

// Response is the JSON body of a successful tool call.
type Response struct {
	Content string `json:"content"`
}

// ErrorResponse is the JSON body of a failed tool call.
type ErrorResponse struct {
	Detail string `json:"detail"`
}

// HandlerOption configures [NewHandler].
type HandlerOption func(*handlerConfig)

type handlerConfig struct {
	logger *slog.Logger
}

// WithLogger sets the logger for request failures. Defaults to slog.Default().
func WithLogger(l *slog.Logger) HandlerOption {
	return func(c *handlerConfig) { c.logger = l }
}

// NewHandler returns a mux serving the JSON tool endpoint at ToolPath and
// the MCP server at MCPPath, both backed by store.
func NewHandler(store Store, opts ...HandlerOption) http.Handler {
	cfg := handlerConfig{logger: slog.Default()}
	for _, o := range opts {
		o(&cfg)
	}
	server := NewMCPServer(store, cfg.logger)

	mux := http.NewServeMux()
	mux.Handle("POST "+ToolPath, toolHandler(store, cfg.logger))
	mux.Handle(MCPPath, mcpsdk.NewStreamableHTTPHandler(func(*http.Request) *mcpsdk.Server { return server }, nil))
	return mux
}

func toolHandler(store Store, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req Request
		dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
		if err := dec.Decode(&req); err != nil {
			writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{Detail: "invalid request body: " + err.Error()})
			return
		}
		if req.UserID == nil {
			writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{Detail: "user_id is required"})
			return
		}

		text, err := Describe(r.Context(), store, *req.UserID)
		if err != nil {
			logger.LogAttrs(r.Context(), slog.LevelError, "balance lookup failed",
				slog.Int64("user_id", *req.UserID),
				slog.Any("err", err),
			)
			writeJSON(w, http.StatusInternalServerError, ErrorResponse{Detail: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, Response{Content: text})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// toolInput is the MCP argument schema of the balance tool.
type toolInput struct {
	UserID int64 `json:"user_id" jsonschema:"numeric id of the caller's account"`
}

// NewMCPServer returns an MCP server offering the balance lookup as a tool.
// Store failures are reported as tool errors, not protocol errors.
func NewMCPServer(store Store, logger *slog.Logger) *mcpsdk.Server {
	if logger == nil {
		logger = slog.Default()
	}
	server := mcpsdk.NewServer(&mcpsdk.Implementation{Name: "voxline-balance", Version: "1.0.0"}, nil)
	mcpsdk.AddTool(server, &mcpsdk.Tool{
		Name:        ToolName,
		Description: ToolDescription,
	}, func(ctx context.Context, _ *mcpsdk.CallToolRequest, in toolInput) (*mcpsdk.CallToolResult, any, error) {
		text, err := Describe(ctx, store, in.UserID)
		if err != nil {
			logger.LogAttrs(ctx, slog.LevelError, "balance lookup failed",
				slog.Int64("user_id", in.UserID),
				slog.Any("err", err),
			)
			return &mcpsdk.CallToolResult{
				IsError: true,
				Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: FailureText(err)}},
			}, nil, nil
		}
		return &mcpsdk.CallToolResult{
			Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: text}},
		}, nil, nil
	})
	return server
}

// FailureText is the sentence reported to the model when a lookup fails.
func FailureText(err error) string {
	return fmt.Sprintf("Balance lookup failed: %v", err)
}
