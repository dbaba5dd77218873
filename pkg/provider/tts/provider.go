// Package tts defines the Synthesizer interface for Text-to-Speech backends.
//
// A Synthesizer turns one complete reply into 16-bit PCM audio delivered in
// pieces through a [ChunkReader]. Engines that can stream (ElevenLabs,
// OpenAI) hand out audio as it arrives; batch engines (Coqui) fetch it one
// sentence at a time. Either way the caller pulls, so an abandoned reply
// costs nothing beyond the request in flight.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"
	"errors"
	"io"

	"github.com/MrWong99/voxline/pkg/audio"
)

// ErrEmptyText is returned by engines that refuse blank input.
var ErrEmptyText = errors.New("tts: empty text")

// Synthesizer is the abstraction over any TTS backend.
type Synthesizer interface {
	// Synthesize starts synthesis of text in the given voice. An empty voice
	// selects the engine default. The returned reader must be closed.
	Synthesize(ctx context.Context, text, voice string) (ChunkReader, error)

	// Format reports the PCM format of every chunk the engine produces.
	Format() audio.Format
}

// ChunkReader yields synthesized PCM.
type ChunkReader interface {
	// Next blocks until the next piece of audio is available. It returns
	// io.EOF after the last piece. Returned slices are never empty and are
	// owned by the caller.
	Next(ctx context.Context) ([]byte, error)

	// Close releases the engine resources. It is safe to call more than
	// once and from another goroutine than Next.
	Close() error
}

// SliceReader is a ChunkReader over chunks already in memory.
type SliceReader struct {
	chunks [][]byte
}

var _ ChunkReader = (*SliceReader)(nil)

// NewSliceReader returns a reader that yields the non-empty chunks in order.
func NewSliceReader(chunks ...[]byte) *SliceReader {
	r := &SliceReader{}
	for _, c := range chunks {
		if len(c) > 0 {
			r.chunks = append(r.chunks, c)
		}
	}
	return r
}

// Next returns the next chunk or io.EOF.
func (r *SliceReader) Next(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(r.chunks) == 0 {
		return nil, io.EOF
	}
	c := r.chunks[0]
	r.chunks = r.chunks[1:]
	return c, nil
}

// Close is a no-op.
func (r *SliceReader) Close() error { return nil }
