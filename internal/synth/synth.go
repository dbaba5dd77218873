// Package synth adapts a TTS engine to the dialogue loop.
//
// [Adapter.Synthesize] turns one reply into a [Stream] of
// [types.SynthesisChunk] values numbered from 0 without gaps. Chunks are
// re-cut to a fixed size so that cancelling a stream never waits longer
// than one chunk.
package synth

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/MrWong99/voxline/internal/fault"
	"github.com/MrWong99/voxline/internal/observe"
	"github.com/MrWong99/voxline/pkg/provider/tts"
	"github.com/MrWong99/voxline/pkg/types"
)

// DefaultChunkBytes is the default size of every chunk but the last.
const DefaultChunkBytes = 4096

// Error reports a failed synthesis. It matches [fault.ErrEngine] and the
// underlying cause with errors.Is.
type Error struct {
	TurnID uint64
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("synth: turn %d: %v", e.TurnID, e.Err)
}

func (e *Error) Unwrap() []error { return []error{fault.ErrEngine, e.Err} }

// Option configures an [Adapter].
type Option func(*Adapter)

// WithChunkBytes sets the chunk size. It is rounded down to whole sample
// frames. Default [DefaultChunkBytes].
func WithChunkBytes(n int) Option {
	return func(a *Adapter) { a.chunkBytes = n }
}

// WithVoice sets the voice passed to the engine.
func WithVoice(voice string) Option {
	return func(a *Adapter) { a.voice = voice }
}

// WithMetrics records first-chunk latency and request counters on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *Adapter) { a.metrics = m }
}

// WithProviderName sets the provider label used in metrics. Default "tts".
func WithProviderName(name string) Option {
	return func(a *Adapter) { a.provider = name }
}

// WithLogger sets the logger. Default slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *Adapter) { a.log = l }
}

// Adapter is safe for concurrent use when the engine is.
type Adapter struct {
	engine     tts.Synthesizer
	voice      string
	chunkBytes int
	metrics    *observe.Metrics
	provider   string
	log        *slog.Logger
}

// New returns an Adapter around engine.
func New(engine tts.Synthesizer, opts ...Option) *Adapter {
	a := &Adapter{
		engine:     engine,
		chunkBytes: DefaultChunkBytes,
		provider:   "tts",
		log:        slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}
	frame := 2 * max(engine.Format().Channels, 1)
	if a.chunkBytes < frame {
		a.chunkBytes = DefaultChunkBytes
	}
	a.chunkBytes -= a.chunkBytes % frame
	return a
}

// Stream is one reply being synthesized.
type Stream struct {
	turnID uint64
	chunks chan types.SynthesisChunk
	done   chan struct{}
	cancel context.CancelFunc
	err    error
}

// Chunks returns the chunk channel. It is closed when the stream ends for
// any reason.
func (s *Stream) Chunks() <-chan types.SynthesisChunk { return s.chunks }

// Done is closed once the producer has exited.
func (s *Stream) Done() <-chan struct{} { return s.done }

// TurnID returns the turn the stream belongs to.
func (s *Stream) TurnID() uint64 { return s.turnID }

// Err returns the reason the stream ended: nil after the last chunk, a
// *Error on engine failure, or the context error when cancelled. It
// returns nil while the stream is still running.
func (s *Stream) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Cancel stops production and waits for the producer to exit. No chunk is
// sent on Chunks after Cancel returns. It is safe to call more than once.
func (s *Stream) Cancel() {
	s.cancel()
	<-s.done
}

// Synthesize starts synthesizing text for turn turnID. Blank text yields a
// stream that is already complete with zero chunks.
func (a *Adapter) Synthesize(ctx context.Context, turnID uint64, text string) *Stream {
	ctx, cancel := context.WithCancel(ctx)
	s := &Stream{
		turnID: turnID,
		chunks: make(chan types.SynthesisChunk),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	if strings.TrimSpace(text) == "" {
		close(s.chunks)
		close(s.done)
		return s
	}
	go a.produce(ctx, s, text)
	return s
}

func (a *Adapter) produce(ctx context.Context, s *Stream, text string) {
	var reader tts.ChunkReader
	// finish releases the engine before the stream reports done.
	finish := func(err error) {
		if reader != nil {
			_ = reader.Close()
		}
		s.err = err
		close(s.chunks)
		close(s.done)
	}

	ctx, span := observe.StartTurnSpan(ctx, "synthesize", s.turnID)
	defer span.End()

	start := time.Now()
	format := a.engine.Format()
	r, err := a.engine.Synthesize(ctx, text, a.voice)
	if err != nil {
		a.record(ctx, "error")
		finish(a.failure(ctx, s.turnID, err))
		return
	}
	reader = r

	var (
		seq     int
		pending []byte
	)
	emit := func(data []byte) bool {
		chunk := types.SynthesisChunk{
			TurnID:     s.turnID,
			Seq:        seq,
			Data:       data,
			SampleRate: format.SampleRate,
			Channels:   format.Channels,
		}
		select {
		case s.chunks <- chunk:
		case <-ctx.Done():
			return false
		}
		if seq == 0 && a.metrics != nil {
			a.metrics.SynthesisFirstChunk.Record(ctx, time.Since(start).Seconds())
		}
		seq++
		return true
	}

	for {
		data, err := reader.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			a.record(ctx, "error")
			finish(a.failure(ctx, s.turnID, err))
			return
		}
		pending = append(pending, data...)
		for len(pending) >= a.chunkBytes {
			if !emit(bytes.Clone(pending[:a.chunkBytes])) {
				finish(ctx.Err())
				return
			}
			pending = pending[a.chunkBytes:]
		}
	}
	if len(pending) > 0 && !emit(bytes.Clone(pending)) {
		finish(ctx.Err())
		return
	}
	a.record(ctx, "ok")
	observe.Logger(ctx, a.log).Debug("reply synthesized",
		slog.Uint64("turn_id", s.turnID),
		slog.Int("chunks", seq),
		slog.Duration("elapsed", time.Since(start)),
	)
	finish(nil)
}

// failure maps an engine error to the stream error. Errors caused by
// cancellation are reported as the context error.
func (a *Adapter) failure(ctx context.Context, turnID uint64, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if a.metrics != nil {
		a.metrics.RecordProviderError(ctx, a.provider, "tts")
	}
	return &Error{TurnID: turnID, Err: err}
}

func (a *Adapter) record(ctx context.Context, status string) {
	if a.metrics != nil {
		a.metrics.RecordProviderRequest(ctx, a.provider, "tts", status)
	}
}
