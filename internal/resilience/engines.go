package resilience

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/MrWong99/voxline/pkg/audio"
	"github.com/MrWong99/voxline/pkg/provider/llm"
	"github.com/MrWong99/voxline/pkg/provider/stt"
	"github.com/MrWong99/voxline/pkg/provider/tts"
)

var (
	_ stt.Recognizer  = (*RecognizerFallback)(nil)
	_ tts.Synthesizer = (*SynthesizerFallback)(nil)
	_ llm.Provider    = (*LLMFallback)(nil)
)

// RecognizerFallback is a [stt.Recognizer] that fails over across engines.
type RecognizerFallback struct {
	*FallbackGroup[stt.Recognizer]
}

// NewRecognizerFallback creates a RecognizerFallback with primary first.
func NewRecognizerFallback(primary stt.Recognizer, primaryName string, cfg FallbackConfig) *RecognizerFallback {
	return &RecognizerFallback{NewFallbackGroup(primary, primaryName, cfg)}
}

// Transcribe asks each healthy engine in turn.
func (f *RecognizerFallback) Transcribe(ctx context.Context, a stt.Audio, languageHint string) (stt.Result, error) {
	if len(a.PCM) == 0 {
		return stt.Result{}, stt.ErrEmptyAudio
	}
	return ExecuteWithResult(ctx, f.FallbackGroup, func(r stt.Recognizer) (stt.Result, error) {
		return r.Transcribe(ctx, a, languageHint)
	})
}

// SynthesizerFallback is a [tts.Synthesizer] that fails over across engines.
//
// An engine counts as failed when it cannot start or fails before yielding
// its first chunk. Once audio has been produced the stream is committed to
// that engine: a later failure ends the stream instead of restarting the
// reply on another voice. Audio from a fallback whose format differs from
// the primary's is converted to the primary's format.
type SynthesizerFallback struct {
	*FallbackGroup[tts.Synthesizer]
}

// NewSynthesizerFallback creates a SynthesizerFallback with primary first.
func NewSynthesizerFallback(primary tts.Synthesizer, primaryName string, cfg FallbackConfig) *SynthesizerFallback {
	return &SynthesizerFallback{NewFallbackGroup(primary, primaryName, cfg)}
}

// Format returns the primary's output format.
func (f *SynthesizerFallback) Format() audio.Format {
	return f.Primary().Format()
}

// Synthesize opens a stream on the first engine that produces audio.
func (f *SynthesizerFallback) Synthesize(ctx context.Context, text, voice string) (tts.ChunkReader, error) {
	target := f.Format()
	return ExecuteWithResult(ctx, f.FallbackGroup, func(s tts.Synthesizer) (tts.ChunkReader, error) {
		r, err := s.Synthesize(ctx, text, voice)
		if err != nil {
			return nil, err
		}
		first, err := r.Next(ctx)
		if err != nil && !errors.Is(err, io.EOF) {
			_ = r.Close()
			return nil, err
		}
		return &committedReader{
			inner:  r,
			first:  first,
			eof:    errors.Is(err, io.EOF),
			from:   s.Format(),
			target: target,
		}, nil
	})
}

// committedReader replays the chunk read while choosing the engine and
// converts audio to the target format.
type committedReader struct {
	mu     sync.Mutex
	inner  tts.ChunkReader
	first  []byte
	eof    bool
	from   audio.Format
	target audio.Format
}

func (r *committedReader) Next(ctx context.Context) ([]byte, error) {
	r.mu.Lock()
	first, eof := r.first, r.eof
	r.first = nil
	r.mu.Unlock()

	if first != nil {
		return r.convert(first), nil
	}
	if eof {
		return nil, io.EOF
	}
	data, err := r.inner.Next(ctx)
	if err != nil {
		return nil, err
	}
	return r.convert(data), nil
}

func (r *committedReader) convert(pcm []byte) []byte {
	if r.from == r.target {
		return pcm
	}
	return audio.Convert(pcm, r.from, r.target)
}

func (r *committedReader) Close() error {
	return r.inner.Close()
}

// LLMFallback is an [llm.Provider] that fails over across providers.
type LLMFallback struct {
	*FallbackGroup[llm.Provider]
}

// NewLLMFallback creates an LLMFallback with primary first.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	return &LLMFallback{NewFallbackGroup(primary, primaryName, cfg)}
}

// Complete asks each healthy provider in turn.
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return ExecuteWithResult(ctx, f.FallbackGroup, func(p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}

// Capabilities returns the primary's capabilities.
func (f *LLMFallback) Capabilities() llm.ModelCapabilities {
	return f.Primary().Capabilities()
}
