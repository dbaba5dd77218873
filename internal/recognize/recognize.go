// Package recognize adapts a batch speech recognizer to the dialogue loop.
//
// The [Adapter] submits one complete utterance per call, normalises the
// engine's answer into a [types.Transcript] tagged with the turn id, and
// optionally corrects domain vocabulary. [Adapter.Start] offers the same
// call as a single-result channel so the controller never blocks on it.
package recognize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/MrWong99/voxline/internal/fault"
	"github.com/MrWong99/voxline/internal/observe"
	"github.com/MrWong99/voxline/internal/segment"
	"github.com/MrWong99/voxline/internal/transcript"
	"github.com/MrWong99/voxline/pkg/provider/stt"
	"github.com/MrWong99/voxline/pkg/types"
)

// ErrNoUtterance is returned when Recognize is called with a nil or empty
// utterance.
var ErrNoUtterance = errors.New("recognize: no utterance")

// Error reports a failed recognition. It matches [fault.ErrEngine] and the
// underlying cause with errors.Is.
type Error struct {
	TurnID uint64
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("recognize: turn %d: %v", e.TurnID, e.Err)
}

func (e *Error) Unwrap() []error { return []error{fault.ErrEngine, e.Err} }

// Result is what [Adapter.Start] delivers. Exactly one of Transcript and
// Err is meaningful.
type Result struct {
	Transcript types.Transcript
	Err        error
}

// Option configures an [Adapter].
type Option func(*Adapter)

// WithLanguage sets the language hint passed to the engine and used when
// the engine reports no language.
func WithLanguage(lang string) Option {
	return func(a *Adapter) { a.language = lang }
}

// WithCorrector enables vocabulary correction of transcript text.
func WithCorrector(c *transcript.Corrector) Option {
	return func(a *Adapter) { a.corrector = c }
}

// WithMetrics records latency and request counters on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *Adapter) { a.metrics = m }
}

// WithProviderName sets the provider label used in metrics. Default "stt".
func WithProviderName(name string) Option {
	return func(a *Adapter) { a.provider = name }
}

// WithLogger sets the logger. Default slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *Adapter) { a.log = l }
}

// Adapter is safe for concurrent use when the engine is.
type Adapter struct {
	engine    stt.Recognizer
	language  string
	corrector *transcript.Corrector
	metrics   *observe.Metrics
	provider  string
	log       *slog.Logger
}

// New returns an Adapter around engine.
func New(engine stt.Recognizer, opts ...Option) *Adapter {
	a := &Adapter{
		engine:   engine,
		provider: "stt",
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Recognize transcribes utt for turn turnID. An engine answer with no text
// is a valid empty transcript, not an error.
func (a *Adapter) Recognize(ctx context.Context, turnID uint64, utt *segment.Utterance) (types.Transcript, error) {
	if utt == nil || len(utt.Frames) == 0 {
		return types.Transcript{}, &Error{TurnID: turnID, Err: ErrNoUtterance}
	}

	ctx, span := observe.StartTurnSpan(ctx, "recognize", turnID)
	defer span.End()

	start := time.Now()
	res, err := a.engine.Transcribe(ctx, stt.Audio{
		PCM:        utt.PCM(),
		SampleRate: utt.SampleRate,
		Channels:   utt.Channels,
	}, a.language)
	elapsed := time.Since(start)

	if a.metrics != nil {
		a.metrics.RecognitionDuration.Record(ctx, elapsed.Seconds())
		status := "ok"
		if err != nil {
			status = "error"
			a.metrics.RecordProviderError(ctx, a.provider, "stt")
		}
		a.metrics.RecordProviderRequest(ctx, a.provider, "stt", status)
	}
	if err != nil {
		span.RecordError(err)
		return types.Transcript{}, &Error{TurnID: turnID, Err: err}
	}

	t := types.Transcript{
		Text:       strings.TrimSpace(res.Text),
		Confidence: min(max(res.Confidence, 0), 1),
		Language:   res.Language,
		TurnID:     turnID,
		Duration:   utt.Duration(),
	}
	if t.Language == "" {
		t.Language = a.language
	}
	if t.Text != "" && a.corrector != nil {
		corrected, fixes := a.corrector.Correct(t.Text)
		if len(fixes) > 0 {
			a.log.Debug("transcript corrected",
				slog.Uint64("turn_id", turnID),
				slog.String("original", t.Text),
				slog.String("corrected", corrected),
				slog.Int("corrections", len(fixes)),
			)
			t.Text = corrected
		}
	}
	observe.Logger(ctx, a.log).Debug("utterance recognized",
		slog.Uint64("turn_id", turnID),
		slog.Duration("latency", elapsed),
		slog.Duration("speech", t.Duration),
		slog.Int("chars", len(t.Text)),
	)
	return t, nil
}

// Start runs Recognize in a new goroutine. The returned channel delivers
// exactly one Result and is then closed. Start never blocks.
func (a *Adapter) Start(ctx context.Context, turnID uint64, utt *segment.Utterance) <-chan Result {
	ch := make(chan Result, 1)
	go func() {
		defer close(ch)
		t, err := a.Recognize(ctx, turnID, utt)
		ch <- Result{Transcript: t, Err: err}
	}()
	return ch
}
