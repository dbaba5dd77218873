// Package mock provides in-memory implementations of [audio.Platform],
// [audio.Connection] and [audio.Sink] for use in unit tests.
//
// All mocks are safe for concurrent use. They record every call so that
// tests can assert on what was written and when.
//
// Typical usage:
//
//	conn := mock.NewConnection("caller-1", 64)
//	conn.Feed(frames...)
//	... run a session against conn ...
//	chunks := conn.Sink.Chunks()
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voxline/pkg/audio"
	"github.com/MrWong99/voxline/pkg/types"
)

// ─── Sink ─────────────────────────────────────────────────────────────────────

// Sink is a mock [audio.Sink] that records every chunk written to it.
type Sink struct {
	mu sync.Mutex

	// WriteErr, if non-nil, is returned by every Write call.
	WriteErr error

	// OnWrite, if set, is called synchronously for every chunk before it is
	// recorded. Tests use it to inject speech at a precise point of playback.
	OnWrite func(types.SynthesisChunk)

	chunks []types.SynthesisChunk
	notify chan struct{}
}

// Write implements [audio.Sink].
func (s *Sink) Write(ctx context.Context, chunk types.SynthesisChunk) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	hook := s.OnWrite
	err := s.WriteErr
	s.mu.Unlock()
	if hook != nil {
		hook(chunk)
	}
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.chunks = append(s.chunks, chunk)
	n := s.notify
	s.mu.Unlock()
	if n != nil {
		select {
		case n <- struct{}{}:
		default:
		}
	}
	return nil
}

// Chunks returns a copy of every chunk written so far.
func (s *Sink) Chunks() []types.SynthesisChunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.SynthesisChunk, len(s.chunks))
	copy(out, s.chunks)
	return out
}

// Written returns a channel that receives a value after each successful
// Write. Only one notification is buffered.
func (s *Sink) Written() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.notify == nil {
		s.notify = make(chan struct{}, 1)
	}
	return s.notify
}

// Reset drops all recorded chunks.
func (s *Sink) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = nil
}

var _ audio.Sink = (*Sink)(nil)

// ─── Connection ───────────────────────────────────────────────────────────────

// Connection is a mock [audio.Connection] backed by a buffered channel.
type Connection struct {
	// Sink records reply audio written by the session.
	Sink *Sink

	// CloseErr is returned by Close.
	CloseErr error

	id    string
	input chan audio.AudioFrame
	done  chan struct{}

	feedMu     sync.RWMutex
	mu         sync.Mutex
	closed     bool
	closeCalls int
}

// NewConnection returns a connection whose Input channel buffers up to
// buffer frames.
func NewConnection(id string, buffer int) *Connection {
	return &Connection{
		Sink:  &Sink{},
		id:    id,
		input: make(chan audio.AudioFrame, buffer),
		done:  make(chan struct{}),
	}
}

// ID implements [audio.Connection].
func (c *Connection) ID() string { return c.id }

// Input implements [audio.Connection].
func (c *Connection) Input() <-chan audio.AudioFrame { return c.input }

// Output implements [audio.Connection].
func (c *Connection) Output() audio.Sink { return c.Sink }

// Feed pushes frames onto the input stream. It blocks while the buffer is
// full and silently drops frames once the connection is closed.
func (c *Connection) Feed(frames ...audio.AudioFrame) {
	c.feedMu.RLock()
	defer c.feedMu.RUnlock()
	for _, f := range frames {
		select {
		case <-c.done:
			return
		default:
		}
		select {
		case c.input <- f:
		case <-c.done:
			return
		}
	}
}

// Close implements [audio.Connection]. It closes the input stream once.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCalls++
	if !c.closed {
		c.closed = true
		close(c.done)
		c.feedMu.Lock()
		close(c.input)
		c.feedMu.Unlock()
	}
	return c.CloseErr
}

// CloseCalls returns how many times Close was called.
func (c *Connection) CloseCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCalls
}

var _ audio.Connection = (*Connection)(nil)

// ─── Platform ─────────────────────────────────────────────────────────────────

// Platform is a mock [audio.Platform] handing out queued connections.
type Platform struct {
	// AcceptErr, if non-nil, is returned by Accept instead of a connection.
	AcceptErr error

	// RedialErr, if non-nil, is returned by Redial.
	RedialErr error

	// RedialConn is returned by Redial when RedialErr is nil.
	RedialConn audio.Connection

	queue chan audio.Connection

	mu          sync.Mutex
	acceptCalls int
	redialCalls []string
}

// NewPlatform returns a platform with the given connections already queued.
func NewPlatform(conns ...audio.Connection) *Platform {
	p := &Platform{queue: make(chan audio.Connection, len(conns)+16)}
	for _, c := range conns {
		p.queue <- c
	}
	return p
}

// Push queues another connection for Accept.
func (p *Platform) Push(c audio.Connection) { p.queue <- c }

// Accept implements [audio.Platform].
func (p *Platform) Accept(ctx context.Context) (audio.Connection, error) {
	p.mu.Lock()
	p.acceptCalls++
	err := p.AcceptErr
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}
	select {
	case c := <-p.queue:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Redial implements [audio.Redialer].
func (p *Platform) Redial(_ context.Context, id string) (audio.Connection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.redialCalls = append(p.redialCalls, id)
	if p.RedialErr != nil {
		return nil, p.RedialErr
	}
	return p.RedialConn, nil
}

// AcceptCalls returns how many times Accept was called.
func (p *Platform) AcceptCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.acceptCalls
}

// RedialCalls returns the ids passed to Redial in order.
func (p *Platform) RedialCalls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.redialCalls...)
}

var (
	_ audio.Platform = (*Platform)(nil)
	_ audio.Redialer = (*Platform)(nil)
)
