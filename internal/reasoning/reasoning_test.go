package reasoning_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voxline/internal/balance"
	"github.com/MrWong99/voxline/internal/fault"
	"github.com/MrWong99/voxline/internal/mcp"
	mcpmock "github.com/MrWong99/voxline/internal/mcp/mock"
	"github.com/MrWong99/voxline/internal/reasoning"
	"github.com/MrWong99/voxline/pkg/provider/llm"
	llmmock "github.com/MrWong99/voxline/pkg/provider/llm/mock"
	"github.com/MrWong99/voxline/pkg/types"
)

var balanceTool = types.ToolDefinition{
	Name:        balance.ToolName,
	Description: balance.ToolDescription,
	Parameters: map[string]any{
		"type":       "object",
		"properties": map[string]any{"user_id": map[string]any{"type": "integer"}},
	},
}

func toolCall(id, args string) *llm.CompletionResponse {
	return &llm.CompletionResponse{ToolCalls: []types.ToolCall{{ID: id, Name: balance.ToolName, Arguments: args}}}
}

func text(s string) *llm.CompletionResponse {
	return &llm.CompletionResponse{Content: s}
}

type faultSink struct {
	mu     sync.Mutex
	faults []*fault.Error
}

func (s *faultSink) hook(f *fault.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = append(s.faults, f)
}

func (s *faultSink) all() []*fault.Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*fault.Error(nil), s.faults...)
}

func toolCapable() llm.ModelCapabilities {
	return llm.ModelCapabilities{ContextWindow: 8192, SupportsToolCalling: true}
}

func TestReply_PlainText(t *testing.T) {
	t.Parallel()

	p := &llmmock.Provider{Response: text("  Hello, how can I help?  "), ModelCapabilities: toolCapable()}
	svc := reasoning.New(p)

	history := []types.Message{
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "hello"},
	}
	resp, err := svc.Reply(context.Background(), reasoning.Request{TurnID: 1, History: history, Transcript: "good morning"})
	if err != nil {
		t.Fatalf("Reply: %v", err)
	}
	if resp.Text != "Hello, how can I help?" {
		t.Errorf("want trimmed reply, got %q", resp.Text)
	}

	reqs := p.Requests()
	if len(reqs) != 1 {
		t.Fatalf("want 1 completion, got %d", len(reqs))
	}
	req := reqs[0]
	if req.SystemPrompt != reasoning.DefaultSystemPrompt {
		t.Errorf("want default system prompt, got %q", req.SystemPrompt)
	}
	if req.Temperature != 0.7 {
		t.Errorf("want temperature 0.7, got %v", req.Temperature)
	}
	if len(req.Messages) != 3 {
		t.Fatalf("want 3 messages, got %d", len(req.Messages))
	}
	last := req.Messages[2]
	if last.Role != "user" || last.Content != "good morning" {
		t.Errorf("want transcript as last user message, got %+v", last)
	}
	if len(req.Tools) != 0 {
		t.Errorf("want no tools without a host, got %d", len(req.Tools))
	}
}

func TestReply_ToolRoundTrip(t *testing.T) {
	t.Parallel()

	p := &llmmock.Provider{
		Responses: []*llm.CompletionResponse{
			toolCall("call-1", `{"user_id": 7}`),
			text("Your balance is 12.50."),
		},
		ModelCapabilities: toolCapable(),
	}
	host := &mcpmock.Host{
		ToolsResult: []types.ToolDefinition{balanceTool},
		ExecuteToolFunc: func(_ context.Context, name, args string) (*mcp.ToolResult, error) {
			if name != balance.ToolName {
				t.Errorf("want tool %q, got %q", balance.ToolName, name)
			}
			if args != `{"user_id": 7}` {
				t.Errorf("want args passed through, got %q", args)
			}
			return &mcp.ToolResult{Content: balance.FoundText(7, "12.50")}, nil
		},
	}
	sink := &faultSink{}
	svc := reasoning.New(p, reasoning.WithHost(host), reasoning.WithFaultHook(sink.hook))

	resp, err := svc.Reply(context.Background(), reasoning.Request{TurnID: 2, Transcript: "what is the balance of account 7"})
	if err != nil {
		t.Fatalf("Reply: %v", err)
	}
	if resp.Text != "Your balance is 12.50." {
		t.Errorf("want final text, got %q", resp.Text)
	}
	if len(resp.ToolResults) != 1 || resp.ToolResults[0] != "The balance of 7 user account is 12.50" {
		t.Errorf("want one tool result, got %q", resp.ToolResults)
	}
	if n := len(sink.all()); n != 0 {
		t.Errorf("want no faults, got %d", n)
	}

	reqs := p.Requests()
	if len(reqs) != 2 {
		t.Fatalf("want 2 completions, got %d", len(reqs))
	}
	if len(reqs[0].Tools) != 1 {
		t.Errorf("want tools offered on first round, got %d", len(reqs[0].Tools))
	}
	msgs := reqs[1].Messages
	if len(msgs) != 3 {
		t.Fatalf("want user, assistant and tool messages, got %d", len(msgs))
	}
	if msgs[1].Role != "assistant" || len(msgs[1].ToolCalls) != 1 {
		t.Errorf("want assistant tool call message, got %+v", msgs[1])
	}
	if msgs[2].Role != "tool" || msgs[2].ToolCallID != "call-1" {
		t.Errorf("want tool result for call-1, got %+v", msgs[2])
	}
}

func TestReply_ToolFailuresFeedBack(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		result   *mcp.ToolResult
		err      error
		wantText string
	}{
		{
			name:     "execution error",
			err:      errors.New("connection refused"),
			wantText: "connection refused",
		},
		{
			name:     "tool error result",
			result:   &mcp.ToolResult{Content: "Balance lookup failed: timeout", IsError: true},
			wantText: "Balance lookup failed: timeout",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			p := &llmmock.Provider{
				Responses:         []*llm.CompletionResponse{toolCall("c", `{"user_id": 1}`), text("Sorry, I cannot check that now.")},
				ModelCapabilities: toolCapable(),
			}
			host := &mcpmock.Host{
				ToolsResult:       []types.ToolDefinition{balanceTool},
				ExecuteToolResult: tt.result,
				ExecuteToolErr:    tt.err,
			}
			sink := &faultSink{}
			svc := reasoning.New(p, reasoning.WithHost(host), reasoning.WithFaultHook(sink.hook))

			resp, err := svc.Reply(context.Background(), reasoning.Request{TurnID: 5, Transcript: "balance of 1"})
			if err != nil {
				t.Fatalf("want tool failure absorbed, got %v", err)
			}
			if resp.Text != "Sorry, I cannot check that now." {
				t.Errorf("want model reply, got %q", resp.Text)
			}

			msgs := p.Requests()[1].Messages
			toolMsg := msgs[len(msgs)-1]
			if !strings.Contains(toolMsg.Content, tt.wantText) {
				t.Errorf("want tool message to contain %q, got %q", tt.wantText, toolMsg.Content)
			}

			faults := sink.all()
			if len(faults) != 1 {
				t.Fatalf("want 1 fault, got %d", len(faults))
			}
			f := faults[0]
			if !errors.Is(f, fault.ErrTool) {
				t.Errorf("want ErrTool, got %v", f)
			}
			if f.TurnID != 5 {
				t.Errorf("want turn 5, got %d", f.TurnID)
			}
			if f.Component != balance.ToolName {
				t.Errorf("want component %q, got %q", balance.ToolName, f.Component)
			}
		})
	}
}

func TestReply_AbsentRecordIsNotAFault(t *testing.T) {
	t.Parallel()

	p := &llmmock.Provider{
		Responses:         []*llm.CompletionResponse{toolCall("c", `{"user_id": 99}`), text("There is no such account.")},
		ModelCapabilities: toolCapable(),
	}
	host := &mcpmock.Host{
		ToolsResult:       []types.ToolDefinition{balanceTool},
		ExecuteToolResult: &mcp.ToolResult{Content: balance.NotFoundText(99)},
	}
	sink := &faultSink{}
	svc := reasoning.New(p, reasoning.WithHost(host), reasoning.WithFaultHook(sink.hook))

	resp, err := svc.Reply(context.Background(), reasoning.Request{TurnID: 3, Transcript: "balance of 99"})
	if err != nil {
		t.Fatalf("Reply: %v", err)
	}
	if resp.ToolResults[0] != "There is no user account with id 99" {
		t.Errorf("want not-found sentence, got %q", resp.ToolResults[0])
	}
	if n := len(sink.all()); n != 0 {
		t.Errorf("want no faults for an absent record, got %d", n)
	}
}

func TestReply_ToolRoundsBounded(t *testing.T) {
	t.Parallel()

	p := &llmmock.Provider{
		Responses: []*llm.CompletionResponse{
			toolCall("a", "{}"),
			toolCall("b", "{}"),
			text("done"),
		},
		ModelCapabilities: toolCapable(),
	}
	host := &mcpmock.Host{
		ToolsResult:       []types.ToolDefinition{balanceTool},
		ExecuteToolResult: &mcp.ToolResult{Content: "ok"},
	}
	svc := reasoning.New(p, reasoning.WithHost(host), reasoning.WithMaxToolRounds(2))

	resp, err := svc.Reply(context.Background(), reasoning.Request{Transcript: "loop"})
	if err != nil {
		t.Fatalf("Reply: %v", err)
	}
	if resp.Text != "done" {
		t.Errorf("want done, got %q", resp.Text)
	}

	reqs := p.Requests()
	if len(reqs) != 3 {
		t.Fatalf("want 3 completions, got %d", len(reqs))
	}
	if len(reqs[2].Tools) != 0 {
		t.Errorf("want final round without tools, got %d tools", len(reqs[2].Tools))
	}
	if got := host.CallCount("ExecuteTool"); got != 2 {
		t.Errorf("want 2 tool executions, got %d", got)
	}
}

func TestReply_NoToolsWithoutCapability(t *testing.T) {
	t.Parallel()

	p := &llmmock.Provider{Response: text("fine"), ModelCapabilities: llm.ModelCapabilities{ContextWindow: 4096}}
	host := &mcpmock.Host{ToolsResult: []types.ToolDefinition{balanceTool}}
	svc := reasoning.New(p, reasoning.WithHost(host))

	if _, err := svc.Reply(context.Background(), reasoning.Request{Transcript: "hi"}); err != nil {
		t.Fatalf("Reply: %v", err)
	}
	if n := len(p.Requests()[0].Tools); n != 0 {
		t.Errorf("want no tools offered, got %d", n)
	}
}

func TestReply_RequestToolsOverrideHost(t *testing.T) {
	t.Parallel()

	p := &llmmock.Provider{Response: text("fine"), ModelCapabilities: toolCapable()}
	host := &mcpmock.Host{ToolsResult: []types.ToolDefinition{balanceTool, {Name: "other"}}}
	svc := reasoning.New(p, reasoning.WithHost(host))

	_, err := svc.Reply(context.Background(), reasoning.Request{Transcript: "hi", Tools: []types.ToolDefinition{balanceTool}})
	if err != nil {
		t.Fatalf("Reply: %v", err)
	}
	tools := p.Requests()[0].Tools
	if len(tools) != 1 || tools[0].Name != balance.ToolName {
		t.Errorf("want only the requested tool, got %+v", tools)
	}
	if got := host.CallCount("Tools"); got != 0 {
		t.Errorf("want host tools not consulted, got %d calls", got)
	}
}

func TestReply_ProviderError(t *testing.T) {
	t.Parallel()

	cause := errors.New("503 upstream")
	p := &llmmock.Provider{Err: cause}
	svc := reasoning.New(p)

	_, err := svc.Reply(context.Background(), reasoning.Request{TurnID: 11, Transcript: "hi"})
	if err == nil {
		t.Fatal("want error, got nil")
	}
	if !errors.Is(err, fault.ErrReasoning) {
		t.Errorf("want ErrReasoning, got %v", err)
	}
	if !errors.Is(err, cause) {
		t.Errorf("want cause preserved, got %v", err)
	}
	var fe *fault.Error
	if !errors.As(err, &fe) || fe.TurnID != 11 {
		t.Errorf("want fault for turn 11, got %v", err)
	}
}

func TestReply_ContextCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := &llmmock.Provider{Response: text("late"), Delay: time.Second}
	svc := reasoning.New(p)

	_, err := svc.Reply(ctx, reasoning.Request{Transcript: "hi"})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("want context.Canceled, got %v", err)
	}
}
