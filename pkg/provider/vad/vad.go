// Package vad defines the frame classifier the voice activity gate runs on
// every inbound frame of a call.
//
// An [Engine] hands out one [SessionHandle] per call. Handles keep their own
// hysteresis state, so calls never influence each other; a single handle is
// only driven from the call's ingest goroutine.
package vad

import (
	"errors"
	"fmt"
)

// Config describes the frames a session will see.
type Config struct {
	// SampleRate of the PCM passed to ProcessFrame, in Hz.
	SampleRate int

	// FrameSizeMs is the frame length. Engines with a fixed window reject
	// frames of any other size.
	FrameSizeMs int

	// SpeechThreshold is the score at which silence turns into speech.
	SpeechThreshold float64

	// SilenceThreshold is the score below which speech turns back into
	// silence. It must not exceed SpeechThreshold.
	SilenceThreshold float64
}

// Validate checks the ranges every engine shares. Engines fill their own
// defaults before calling it.
func (c Config) Validate() error {
	var errs []error
	if c.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("sample rate %d must be positive", c.SampleRate))
	}
	if c.FrameSizeMs < 0 {
		errs = append(errs, fmt.Errorf("frame size %d ms must not be negative", c.FrameSizeMs))
	}
	if c.SpeechThreshold < 0 || c.SpeechThreshold > 1 {
		errs = append(errs, fmt.Errorf("speech threshold %v out of range [0,1]", c.SpeechThreshold))
	}
	if c.SilenceThreshold < 0 || c.SilenceThreshold > c.SpeechThreshold {
		errs = append(errs, fmt.Errorf("silence threshold %v must be in [0, %v]", c.SilenceThreshold, c.SpeechThreshold))
	}
	return errors.Join(errs...)
}

// FrameBytes is the size of one mono 16-bit frame, or 0 when FrameSizeMs is
// unset.
func (c Config) FrameBytes() int {
	return c.SampleRate * c.FrameSizeMs / 1000 * 2
}

// SessionHandle classifies the frames of one call.
type SessionHandle interface {
	// ProcessFrame classifies one frame of little-endian 16-bit PCM. It runs
	// inline on the ingest path and must not block.
	ProcessFrame(frame []byte) (VADEvent, error)

	// Reset forgets whether the caller was speaking.
	Reset()

	// Close releases the session. It is idempotent.
	Close() error
}

// Engine creates sessions and is safe for concurrent use.
type Engine interface {
	NewSession(cfg Config) (SessionHandle, error)
}

// VADEvent is the classification of a single frame.
type VADEvent struct {
	Type VADEventType

	// Probability is the speech score in [0, 1].
	Probability float64
}

// IsSpeech reports whether the frame belongs to speech.
func (e VADEvent) IsSpeech() bool {
	return e.Type == VADSpeechStart || e.Type == VADSpeechContinue
}

// VADEventType is the speech state transition a frame caused.
type VADEventType int

const (
	VADSpeechStart VADEventType = iota
	VADSpeechContinue
	VADSpeechEnd
	VADSilence
)

func (t VADEventType) String() string {
	switch t {
	case VADSpeechStart:
		return "speech_start"
	case VADSpeechContinue:
		return "speech_continue"
	case VADSpeechEnd:
		return "speech_end"
	case VADSilence:
		return "silence"
	}
	return fmt.Sprintf("VADEventType(%d)", int(t))
}
