// Package mock provides a test double for the llm.Provider interface.
//
// Responses are consumed one per Complete call, in order, which lets a test
// script a tool-calling round followed by a final answer:
//
//	p := &mock.Provider{Responses: []*llm.CompletionResponse{
//	    {ToolCalls: []types.ToolCall{{ID: "1", Name: "get_user_balance", Arguments: `{"user_id":7}`}}},
//	    {Content: "Your balance is 12 euros."},
//	}}
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/voxline/pkg/provider/llm"
)

// CompleteCall records a single invocation of Complete.
type CompleteCall struct {
	Ctx context.Context
	Req llm.CompletionRequest
}

// Provider is a mock implementation of llm.Provider.
type Provider struct {
	mu sync.Mutex

	// Responses are returned in order, one per call.
	Responses []*llm.CompletionResponse

	// Response is returned once Responses is exhausted. May be nil.
	Response *llm.CompletionResponse

	// Err, if non-nil, is returned by every call.
	Err error

	// Delay, if positive, makes Complete wait before answering. The wait is
	// abandoned with ctx.Err() when ctx is cancelled.
	Delay time.Duration

	// ModelCapabilities is returned by Capabilities.
	ModelCapabilities llm.ModelCapabilities

	// Calls records every invocation of Complete in order.
	Calls []CompleteCall
}

var _ llm.Provider = (*Provider)(nil)

// Complete records the call and returns the next scripted response.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	req.Messages = append(req.Messages[:0:0], req.Messages...)
	p.Calls = append(p.Calls, CompleteCall{Ctx: ctx, Req: req})
	resp := p.Response
	if len(p.Responses) > 0 {
		resp = p.Responses[0]
		p.Responses = p.Responses[1:]
	}
	err, delay := p.Err, p.Delay
	p.mu.Unlock()

	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// Capabilities returns ModelCapabilities.
func (p *Provider) Capabilities() llm.ModelCapabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ModelCapabilities
}

// CallCount returns the number of Complete calls so far.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}

// Requests returns a copy of the requests received so far.
func (p *Provider) Requests() []llm.CompletionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]llm.CompletionRequest, len(p.Calls))
	for i, c := range p.Calls {
		out[i] = c.Req
	}
	return out
}
