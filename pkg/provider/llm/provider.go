// Package llm defines the Provider interface for Large Language Model backends.
//
// A provider wraps a remote or local model API (OpenAI, an Ollama instance,
// Anthropic through any-llm) and exposes a uniform completion call to the
// reasoning service without coupling it to any specific SDK.
//
// Implementations must be safe for concurrent use.
package llm

import (
	"context"

	"github.com/MrWong99/voxline/pkg/types"
)

// Usage holds token accounting returned by the backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the model needs to produce a reply.
// Messages must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation history. The last message is
	// usually the caller's transcript or a tool result.
	Messages []types.Message

	// Tools is the set of tool definitions offered to the model. Providers
	// whose model cannot call tools ignore it.
	Tools []types.ToolDefinition

	// Temperature controls randomness in [0, 2]. Zero leaves the provider
	// default in place.
	Temperature float64

	// MaxTokens caps the completion length. Zero means provider default.
	MaxTokens int

	// SystemPrompt is sent ahead of Messages in the provider's native form.
	SystemPrompt string
}

// CompletionResponse is the model's full reply.
type CompletionResponse struct {
	// Content is the reply text. Empty when the model answered only with
	// tool calls.
	Content string

	// ToolCalls lists the tool invocations the model requested. The caller
	// executes them and sends the results back in a follow-up request.
	ToolCalls []types.ToolCall

	Usage Usage
}

// ModelCapabilities describes what a model supports.
type ModelCapabilities struct {
	// ContextWindow is the maximum token count for input and output.
	ContextWindow int

	// MaxOutputTokens is the maximum completion length.
	MaxOutputTokens int

	// SupportsToolCalling reports native function calling.
	SupportsToolCalling bool
}

// Provider is the abstraction over any LLM backend.
type Provider interface {
	// Complete sends req to the model and waits for the full response.
	// It returns promptly with ctx.Err() when ctx is cancelled.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// Capabilities returns static metadata about the underlying model.
	Capabilities() ModelCapabilities
}
