// NativeRecognizer links whisper.cpp through cgo. Building it needs
// libwhisper.a on LIBRARY_PATH and whisper.h on C_INCLUDE_PATH.

package whisper

import (
	"cmp"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/MrWong99/voxline/pkg/audio"
	"github.com/MrWong99/voxline/pkg/provider/stt"
)

var _ stt.Recognizer = (*NativeRecognizer)(nil)

// NativeRecognizer runs whisper.cpp in process. The model is loaded once;
// each utterance gets a fresh inference context since contexts must not be
// shared between goroutines.
type NativeRecognizer struct {
	model    whisperlib.Model
	language string
	prompt   string
	logger   *slog.Logger

	// slots bounds concurrent inferences.
	slots chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// NativeOption configures a NativeRecognizer.
type NativeOption func(*NativeRecognizer)

// WithNativeLanguage sets the language used when a call carries no hint.
// Default "en".
func WithNativeLanguage(lang string) NativeOption {
	return func(r *NativeRecognizer) { r.language = lang }
}

// WithNativeConcurrency sets how many utterances are decoded at once.
// Default 1.
func WithNativeConcurrency(n int) NativeOption {
	return func(r *NativeRecognizer) { r.slots = make(chan struct{}, max(n, 1)) }
}

// WithNativeVocabulary primes the decoder with domain terms such as account
// or product names.
func WithNativeVocabulary(terms ...string) NativeOption {
	return func(r *NativeRecognizer) { r.prompt = strings.Join(terms, ", ") }
}

// WithNativeLogger sets the logger. Default slog.Default().
func WithNativeLogger(l *slog.Logger) NativeOption {
	return func(r *NativeRecognizer) { r.logger = l }
}

// NewNative loads the model file at modelPath. Close releases it.
func NewNative(modelPath string, opts ...NativeOption) (*NativeRecognizer, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}
	r := &NativeRecognizer{
		model:    model,
		language: defaultLanguage,
		logger:   slog.Default(),
		slots:    make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// Close releases the model. Later calls return the first result.
func (r *NativeRecognizer) Close() error {
	r.closeOnce.Do(func() { r.closeErr = r.model.Close() })
	return r.closeErr
}

// Transcribe decodes one utterance. A running inference cannot be
// interrupted, so ctx only bounds the wait for a slot and discards a result
// that arrives after cancellation.
func (r *NativeRecognizer) Transcribe(ctx context.Context, a stt.Audio, languageHint string) (stt.Result, error) {
	if len(a.PCM) == 0 {
		return stt.Result{}, stt.ErrEmptyAudio
	}
	select {
	case r.slots <- struct{}{}:
		defer func() { <-r.slots }()
	case <-ctx.Done():
		return stt.Result{}, fmt.Errorf("whisper: wait for inference slot: %w", ctx.Err())
	}

	lang := cmp.Or(languageHint, r.language)
	samples := floatSamples(audio.Convert(a.PCM, a.Format(), targetFormat))

	wctx, err := r.model.NewContext()
	if err != nil {
		return stt.Result{}, fmt.Errorf("whisper: create context: %w", err)
	}
	if err := wctx.SetLanguage(lang); err != nil {
		r.logger.Warn("whisper: language not supported by model", "language", lang, "err", err)
	}
	if r.prompt != "" {
		wctx.SetInitialPrompt(r.prompt)
	}
	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return stt.Result{}, fmt.Errorf("whisper: process audio: %w", err)
	}

	var (
		text    []string
		sumProb float64
		tokens  int
	)
	for {
		seg, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return stt.Result{}, fmt.Errorf("whisper: read segment: %w", err)
		}
		if s := strings.TrimSpace(seg.Text); s != "" {
			text = append(text, s)
		}
		for _, tok := range seg.Tokens {
			sumProb += float64(tok.P)
			tokens++
		}
	}
	if err := ctx.Err(); err != nil {
		return stt.Result{}, fmt.Errorf("whisper: transcribe: %w", err)
	}

	res := stt.Result{Text: strings.Join(text, " "), Language: lang}
	if tokens > 0 {
		res.Confidence = sumProb / float64(tokens)
	}
	return res, nil
}

// floatSamples scales 16-bit PCM to [-1, 1]. A trailing odd byte is ignored.
func floatSamples(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(pcm[2*i:]))) / 32768
	}
	return out
}
