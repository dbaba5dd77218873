// Package reasoning produces the reply text for a caller's transcript.
//
// [Service] is the boundary the dialogue controller calls. [LLM] implements
// it on top of an [llm.Provider], running the tool calls the model requests
// through an [mcp.Host] for a bounded number of rounds.
//
// Tool failures never fail a reply: the failure is explained to the model
// in the tool message and reported through the fault hook as a ToolFault.
// Provider failures are returned as errors classified as [fault.ErrReasoning].
package reasoning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/MrWong99/voxline/internal/fault"
	"github.com/MrWong99/voxline/internal/mcp"
	"github.com/MrWong99/voxline/internal/observe"
	"github.com/MrWong99/voxline/pkg/provider/llm"
	"github.com/MrWong99/voxline/pkg/types"
)

// DefaultSystemPrompt frames the model as a phone agent.
const DefaultSystemPrompt = "You are a voice assistant integrated with SIP calls. " +
	"Use the account tools for caller context. Greet callers and handle their queries. " +
	"Keep answers short: they are spoken aloud."

const (
	defaultTemperature   = 0.7
	defaultMaxToolRounds = 3
	component            = "reasoning"
)

// Request is one reply request.
type Request struct {
	// TurnID tags faults reported while answering.
	TurnID uint64

	// History holds earlier completed exchanges, oldest first.
	History []types.Message

	// Transcript is what the caller just said.
	Transcript string

	// Tools overrides the tools offered to the model. Nil offers every tool
	// of the host.
	Tools []types.ToolDefinition
}

// Response is the reply to a Request.
type Response struct {
	// Text is the reply to speak. It may be empty.
	Text string

	// ToolResults holds the output of every tool call made while answering,
	// in call order.
	ToolResults []string
}

// Service produces replies.
type Service interface {
	Reply(ctx context.Context, req Request) (Response, error)
}

var _ Service = (*LLM)(nil)

// Option configures an LLM.
type Option func(*LLM)

// WithHost sets the tool host. Without one no tools are offered.
func WithHost(h mcp.Host) Option {
	return func(l *LLM) { l.host = h }
}

// WithSystemPrompt replaces DefaultSystemPrompt.
func WithSystemPrompt(p string) Option {
	return func(l *LLM) { l.systemPrompt = p }
}

// WithTemperature sets the sampling temperature. Defaults to 0.7.
func WithTemperature(t float64) Option {
	return func(l *LLM) { l.temperature = t }
}

// WithMaxTokens caps the reply length. Zero keeps the provider default.
func WithMaxTokens(n int) Option {
	return func(l *LLM) { l.maxTokens = n }
}

// WithMaxToolRounds bounds how many rounds of tool calls one reply may run.
// Defaults to 3. Zero disables tools.
func WithMaxToolRounds(n int) Option {
	return func(l *LLM) { l.maxToolRounds = max(n, 0) }
}

// WithFaultHook receives tool faults.
func WithFaultHook(h fault.Hook) Option {
	return func(l *LLM) { l.hook = h }
}

// WithMetrics records reasoning latency and provider counters on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(l *LLM) { l.metrics = m }
}

// WithProviderName sets the provider label used in metrics. Defaults to "llm".
func WithProviderName(name string) Option {
	return func(l *LLM) { l.providerName = name }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(lg *slog.Logger) Option {
	return func(l *LLM) { l.logger = lg }
}

// LLM is a Service backed by a language model. Safe for concurrent use.
type LLM struct {
	provider      llm.Provider
	host          mcp.Host
	systemPrompt  string
	temperature   float64
	maxTokens     int
	maxToolRounds int
	hook          fault.Hook
	metrics       *observe.Metrics
	providerName  string
	logger        *slog.Logger
}

// New creates an LLM service.
func New(provider llm.Provider, opts ...Option) *LLM {
	l := &LLM{
		provider:      provider,
		systemPrompt:  DefaultSystemPrompt,
		temperature:   defaultTemperature,
		maxToolRounds: defaultMaxToolRounds,
		providerName:  "llm",
		logger:        slog.Default(),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Reply implements Service. Each round sends the conversation to the model;
// when the model asks for tools they are executed and their results sent
// back. After the last tool round the model is asked once more without
// tools so it has to answer in text.
func (l *LLM) Reply(ctx context.Context, req Request) (Response, error) {
	ctx, span := observe.StartTurnSpan(ctx, "reasoning.reply", req.TurnID)
	defer span.End()
	start := time.Now()

	messages := make([]types.Message, 0, len(req.History)+1)
	messages = append(messages, req.History...)
	messages = append(messages, types.Message{Role: types.RoleUser, Content: req.Transcript})

	tools := l.offeredTools(req)

	var out Response
	for round := 0; ; round++ {
		offer := tools
		if round >= l.maxToolRounds {
			offer = nil
		}

		resp, err := l.complete(ctx, messages, offer)
		if err != nil {
			span.RecordError(err)
			return out, fault.New(fault.ErrReasoning, component, req.TurnID, err)
		}

		if len(resp.ToolCalls) == 0 || offer == nil {
			out.Text = strings.TrimSpace(resp.Content)
			break
		}

		messages = append(messages, types.Message{
			Role:      types.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		for _, call := range resp.ToolCalls {
			content := l.runTool(ctx, req.TurnID, call)
			out.ToolResults = append(out.ToolResults, content)
			messages = append(messages, types.Message{
				Role:       types.RoleTool,
				Content:    content,
				ToolCallID: call.ID,
			})
		}
	}

	if l.metrics != nil {
		l.metrics.ReasoningDuration.Record(ctx, time.Since(start).Seconds())
	}
	observe.Logger(ctx, l.logger).LogAttrs(ctx, slog.LevelDebug, "reasoning: reply ready",
		slog.Uint64("turn_id", req.TurnID),
		slog.Int("tool_calls", len(out.ToolResults)),
		slog.Duration("elapsed", time.Since(start)),
	)
	return out, nil
}

func (l *LLM) offeredTools(req Request) []types.ToolDefinition {
	if l.maxToolRounds == 0 || !l.provider.Capabilities().SupportsToolCalling {
		return nil
	}
	if req.Tools != nil {
		return req.Tools
	}
	if l.host == nil {
		return nil
	}
	return l.host.Tools()
}

func (l *LLM) complete(ctx context.Context, messages []types.Message, tools []types.ToolDefinition) (*llm.CompletionResponse, error) {
	resp, err := l.provider.Complete(ctx, llm.CompletionRequest{
		Messages:     messages,
		Tools:        tools,
		Temperature:  l.temperature,
		MaxTokens:    l.maxTokens,
		SystemPrompt: l.systemPrompt,
	})
	if l.metrics != nil {
		status := "ok"
		if err != nil {
			status = "error"
			l.metrics.RecordProviderError(ctx, l.providerName, "llm")
		}
		l.metrics.RecordProviderRequest(ctx, l.providerName, "llm", status)
	}
	if err != nil {
		return nil, fmt.Errorf("reasoning: complete: %w", err)
	}
	if resp == nil {
		return nil, errors.New("reasoning: complete: provider returned no response")
	}
	return resp, nil
}

// runTool executes one tool call and returns the text fed back to the model.
func (l *LLM) runTool(ctx context.Context, turnID uint64, call types.ToolCall) string {
	if l.host == nil {
		err := fmt.Errorf("tool %q is not available", call.Name)
		l.report(turnID, call.Name, err)
		return err.Error()
	}
	res, err := l.host.ExecuteTool(ctx, call.Name, call.Arguments)
	switch {
	case err != nil:
		l.report(turnID, call.Name, err)
		return fmt.Sprintf("Tool %s failed: %v", call.Name, err)
	case res == nil:
		return ""
	case res.IsError:
		l.report(turnID, call.Name, errors.New(res.Content))
		return res.Content
	}
	return res.Content
}

func (l *LLM) report(turnID uint64, tool string, err error) {
	l.logger.Warn("reasoning: tool failed", "turn_id", turnID, "tool", tool, "err", err)
	if l.hook != nil {
		l.hook(fault.New(fault.ErrTool, tool, turnID, err))
	}
}
