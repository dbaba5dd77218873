// Package mock provides a scripted reasoning.Service for tests.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/voxline/internal/reasoning"
)

var _ reasoning.Service = (*Service)(nil)

// Service is a mock reasoning.Service.
type Service struct {
	mu sync.Mutex

	// Response is returned for every request unless ReplyFunc or Err is set.
	Response reasoning.Response

	// ReplyFunc, if set, answers every request.
	ReplyFunc func(ctx context.Context, req reasoning.Request) (reasoning.Response, error)

	// Err is returned by every request when non-nil.
	Err error

	// Delay makes Reply wait before answering. The wait ends early with
	// ctx.Err() when ctx is cancelled.
	Delay time.Duration

	// Requests records every request.
	Requests []reasoning.Request
}

// Reply implements reasoning.Service.
func (s *Service) Reply(ctx context.Context, req reasoning.Request) (reasoning.Response, error) {
	s.mu.Lock()
	s.Requests = append(s.Requests, req)
	fn, resp, err, delay := s.ReplyFunc, s.Response, s.Err, s.Delay
	s.mu.Unlock()

	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return reasoning.Response{}, ctx.Err()
		}
	}
	if fn != nil {
		return fn(ctx, req)
	}
	if err != nil {
		return reasoning.Response{}, err
	}
	return resp, nil
}

// CallCount returns the number of Reply calls so far.
func (s *Service) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Requests)
}

// LastRequest returns the most recent request and whether there was one.
func (s *Service) LastRequest() (reasoning.Request, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.Requests) == 0 {
		return reasoning.Request{}, false
	}
	return s.Requests[len(s.Requests)-1], true
}
