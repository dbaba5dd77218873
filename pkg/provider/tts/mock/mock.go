// Package mock provides a test double for the tts.Synthesizer interface.
//
// Use Synthesizer to script the audio an engine produces, delay or fail it
// mid-reply, and check that readers are closed.
//
// Example:
//
//	s := &mock.Synthesizer{
//	    Chunks:     [][]byte{make([]byte, 640), make([]byte, 640)},
//	    ChunkDelay: 20 * time.Millisecond,
//	}
//	r, _ := s.Synthesize(ctx, "hello", "")
package mock

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/MrWong99/voxline/pkg/audio"
	"github.com/MrWong99/voxline/pkg/provider/tts"
)

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	Text  string
	Voice string
}

// Synthesizer is a mock implementation of tts.Synthesizer.
type Synthesizer struct {
	mu sync.Mutex

	// Chunks is the audio every reader yields, in order.
	Chunks [][]byte

	// Generate, if set, replaces Chunks and derives the audio from the text.
	Generate func(text string) [][]byte

	// ChunkDelay makes every Next call wait before returning. The wait is
	// abandoned with ctx.Err() when ctx is cancelled.
	ChunkDelay time.Duration

	// SynthesizeErr, if non-nil, is returned by Synthesize.
	SynthesizeErr error

	// NextErr, if non-nil, is returned by Next once FailAfter chunks have
	// been delivered.
	NextErr   error
	FailAfter int

	// OutputFormat is returned by Format. Defaults to 16kHz mono.
	OutputFormat audio.Format

	// Calls records every call to Synthesize.
	Calls []SynthesizeCall

	readers []*Reader
}

var _ tts.Synthesizer = (*Synthesizer)(nil)

// Synthesize records the call and returns a scripted reader.
func (s *Synthesizer) Synthesize(_ context.Context, text, voice string) (tts.ChunkReader, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Calls = append(s.Calls, SynthesizeCall{Text: text, Voice: voice})
	if s.SynthesizeErr != nil {
		return nil, s.SynthesizeErr
	}
	chunks := s.Chunks
	if s.Generate != nil {
		chunks = s.Generate(text)
	}
	r := &Reader{
		chunks:    append([][]byte(nil), chunks...),
		delay:     s.ChunkDelay,
		err:       s.NextErr,
		failAfter: s.FailAfter,
	}
	s.readers = append(s.readers, r)
	return r, nil
}

// Format returns OutputFormat or 16kHz mono.
func (s *Synthesizer) Format() audio.Format {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.OutputFormat.SampleRate == 0 {
		return audio.Format{SampleRate: 16000, Channels: 1}
	}
	return s.OutputFormat
}

// CallCount returns the number of Synthesize calls so far.
func (s *Synthesizer) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Calls)
}

// Readers returns every reader handed out, oldest first.
func (s *Synthesizer) Readers() []*Reader {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Reader(nil), s.readers...)
}

// Reader is the ChunkReader returned by Synthesizer.
type Reader struct {
	mu        sync.Mutex
	chunks    [][]byte
	delay     time.Duration
	err       error
	failAfter int
	delivered int
	closed    bool
}

// Next returns the next scripted chunk.
func (r *Reader) Next(ctx context.Context) ([]byte, error) {
	r.mu.Lock()
	delay := r.delay
	r.mu.Unlock()

	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	} else if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, audio.ErrClosed
	}
	if r.err != nil && r.delivered >= r.failAfter {
		return nil, r.err
	}
	if len(r.chunks) == 0 {
		return nil, io.EOF
	}
	c := r.chunks[0]
	r.chunks = r.chunks[1:]
	r.delivered++
	return c, nil
}

// Close marks the reader closed.
func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

// Closed reports whether Close was called.
func (r *Reader) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Delivered returns the number of chunks returned by Next.
func (r *Reader) Delivered() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.delivered
}
