// Package anyllm drives Ollama, Anthropic, Gemini, Mistral, Groq, DeepSeek
// and local llama.cpp servers through github.com/mozilla-ai/any-llm-go.
//
//	p, err := anyllm.New("ollama", "llama3.1", anyllm.WithBaseURL("http://ollama:11434"))
package anyllm

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/MrWong99/voxline/pkg/provider/llm"
	"github.com/MrWong99/voxline/pkg/types"
)

var _ llm.Provider = (*Provider)(nil)

// toolType is the only tool kind any-llm knows.
const toolType = "function"

type constructor func(...anyllmlib.Option) (anyllmlib.Provider, error)

var constructors = map[string]constructor{
	"anthropic": func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return anthropic.New(o...) },
	"deepseek":  func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return deepseek.New(o...) },
	"gemini":    func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return gemini.New(o...) },
	"groq":      func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return groq.New(o...) },
	"llamacpp":  func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return llamacpp.New(o...) },
	"llamafile": func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return llamafile.New(o...) },
	"mistral":   func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return mistral.New(o...) },
	"ollama":    func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return ollama.New(o...) },
	"openai":    func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return anyllmoai.New(o...) },
}

// Backends returns the accepted backend names in sorted order.
func Backends() []string { return slices.Sorted(maps.Keys(constructors)) }

// Provider implements llm.Provider.
type Provider struct {
	backend anyllmlib.Provider
	model   string
	caps    llm.ModelCapabilities
}

type settings struct {
	lib  []anyllmlib.Option
	caps *llm.ModelCapabilities
}

// Option configures New.
type Option func(*settings)

// WithAPIKey sets the key. Without it the backend reads its usual
// environment variable such as ANTHROPIC_API_KEY.
func WithAPIKey(key string) Option {
	return func(s *settings) { s.lib = append(s.lib, anyllmlib.WithAPIKey(key)) }
}

// WithBaseURL points the backend at another server.
func WithBaseURL(url string) Option {
	return func(s *settings) { s.lib = append(s.lib, anyllmlib.WithBaseURL(url)) }
}

// WithCapabilities overrides [llm.CapabilitiesFor].
func WithCapabilities(c llm.ModelCapabilities) Option {
	return func(s *settings) { s.caps = &c }
}

// New creates a Provider for model on the named backend. Names are matched
// without regard to case.
func New(backend, model string, opts ...Option) (*Provider, error) {
	switch {
	case backend == "":
		return nil, errors.New("anyllm: backend name must not be empty")
	case model == "":
		return nil, errors.New("anyllm: model must not be empty")
	}
	newBackend, ok := constructors[strings.ToLower(backend)]
	if !ok {
		return nil, fmt.Errorf("anyllm: unsupported backend %q (want one of %s)", backend, strings.Join(Backends(), ", "))
	}
	var s settings
	for _, o := range opts {
		o(&s)
	}
	b, err := newBackend(s.lib...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: %s: %w", backend, err)
	}
	p := &Provider{backend: b, model: model, caps: llm.CapabilitiesFor(model)}
	if s.caps != nil {
		p.caps = *s.caps
	}
	return p, nil
}

// Capabilities implements llm.Provider.
func (p *Provider) Capabilities() llm.ModelCapabilities { return p.caps }

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	resp, err := p.backend.Completion(ctx, p.toParams(req))
	if err != nil {
		return nil, fmt.Errorf("anyllm: completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("anyllm: response has no choices")
	}
	msg := resp.Choices[0].Message
	out := &llm.CompletionResponse{Content: msg.ContentString()}
	if u := resp.Usage; u != nil {
		out.Usage = llm.Usage{PromptTokens: u.PromptTokens, CompletionTokens: u.CompletionTokens, TotalTokens: u.TotalTokens}
	}
	for _, tc := range msg.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, types.ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: tc.Function.Arguments})
	}
	return out, nil
}

func (p *Provider) toParams(req llm.CompletionRequest) anyllmlib.CompletionParams {
	params := anyllmlib.CompletionParams{
		Model:    p.model,
		Messages: make([]anyllmlib.Message, 0, len(req.Messages)+1),
	}
	if req.SystemPrompt != "" {
		params.Messages = append(params.Messages, anyllmlib.Message{Role: anyllmlib.RoleSystem, Content: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		params.Messages = append(params.Messages, toMessage(m))
	}
	if req.Temperature != 0 {
		params.Temperature = &req.Temperature
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = &req.MaxTokens
	}
	if !p.caps.SupportsToolCalling {
		return params
	}
	for _, td := range req.Tools {
		params.Tools = append(params.Tools, anyllmlib.Tool{
			Type:     toolType,
			Function: anyllmlib.Function{Name: td.Name, Description: td.Description, Parameters: td.Parameters},
		})
	}
	return params
}

func toMessage(m types.Message) anyllmlib.Message {
	out := anyllmlib.Message{Role: m.Role, Content: m.Content, Name: m.Name, ToolCallID: m.ToolCallID}
	for _, tc := range m.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, anyllmlib.ToolCall{
			ID:       tc.ID,
			Type:     toolType,
			Function: anyllmlib.FunctionCall{Name: tc.Name, Arguments: tc.Arguments},
		})
	}
	return out
}
