// Package stt defines the Recognizer interface for Speech-to-Text backends.
//
// A recognizer is a batch engine: it receives the complete PCM of one
// utterance and returns one result. There are no partials; the dialogue
// layer decides what an utterance is before recognition starts.
//
// Implementations must be safe for concurrent use. Every call must honour
// ctx cancellation so that an interrupted dialogue turn releases the engine
// promptly.
package stt

import (
	"context"
	"errors"

	"github.com/MrWong99/voxline/pkg/audio"
)

// ErrEmptyAudio is returned when Transcribe is called without PCM.
var ErrEmptyAudio = errors.New("stt: empty audio")

// Audio is the input to a recognition call.
type Audio struct {
	// PCM is 16-bit little-endian audio.
	PCM []byte

	SampleRate int
	Channels   int
}

// Format returns the audio's sample rate and channel count.
func (a Audio) Format() audio.Format {
	return audio.Format{SampleRate: a.SampleRate, Channels: a.Channels}
}

// Result is the raw engine output. Text may be empty when the engine found
// nothing parsable; that is not an error.
type Result struct {
	Text string

	// Confidence in [0, 1], or 0 when the engine reports none.
	Confidence float64

	// Language is the detected language, or empty when the engine does not
	// detect languages.
	Language string
}

// Recognizer is the abstraction over any STT backend.
type Recognizer interface {
	// Transcribe recognises the whole of a. languageHint is a BCP-47 code
	// (e.g. "en") or empty for auto-detection where supported.
	Transcribe(ctx context.Context, a Audio, languageHint string) (Result, error)
}

// RecognizerFunc adapts a function to the [Recognizer] interface.
type RecognizerFunc func(ctx context.Context, a Audio, languageHint string) (Result, error)

// Transcribe calls f(ctx, a, languageHint).
func (f RecognizerFunc) Transcribe(ctx context.Context, a Audio, languageHint string) (Result, error) {
	return f(ctx, a, languageHint)
}
