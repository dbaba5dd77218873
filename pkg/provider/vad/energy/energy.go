// Package energy provides a pure-Go [vad.Engine] that classifies frames by
// their RMS energy.
//
// Classification uses hysteresis: a frame starts speech when its level
// reaches SpeechThreshold and, once speaking, only a level below
// SilenceThreshold counts as silence. Thresholds are on the normalised RMS
// scale [0, 1]; a quiet room sits around 0.002 and conversational speech
// well above 0.02.
package energy

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/voxline/pkg/audio"
	"github.com/MrWong99/voxline/pkg/provider/vad"
)

const (
	defaultSpeechThreshold  = 0.015
	defaultSilenceThreshold = 0.008
)

// ErrClosed is returned by ProcessFrame after Close.
var ErrClosed = errors.New("energy vad: session closed")

// Engine creates energy-based VAD sessions. The zero value is ready to use.
type Engine struct{}

// New returns an energy VAD engine.
func New() *Engine { return &Engine{} }

// NewSession validates cfg and returns a session. Zero thresholds select the
// package defaults.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.SpeechThreshold == 0 {
		cfg.SpeechThreshold = defaultSpeechThreshold
	}
	if cfg.SilenceThreshold == 0 {
		cfg.SilenceThreshold = min(defaultSilenceThreshold, cfg.SpeechThreshold)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("energy vad: %w", err)
	}
	return &session{cfg: cfg}, nil
}

var _ vad.Engine = (*Engine)(nil)

type session struct {
	mu       sync.Mutex
	cfg      vad.Config
	inSpeech bool
	closed   bool
}

func (s *session) ProcessFrame(frame []byte) (vad.VADEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return vad.VADEvent{}, ErrClosed
	}
	if len(frame)%2 != 0 {
		return vad.VADEvent{}, fmt.Errorf("energy vad: odd frame length %d", len(frame))
	}

	level := audio.RMS(frame)
	prob := min(level/s.cfg.SpeechThreshold, 1)

	if s.inSpeech {
		if level < s.cfg.SilenceThreshold {
			s.inSpeech = false
			return vad.VADEvent{Type: vad.VADSpeechEnd, Probability: prob}, nil
		}
		return vad.VADEvent{Type: vad.VADSpeechContinue, Probability: prob}, nil
	}
	if level >= s.cfg.SpeechThreshold {
		s.inSpeech = true
		return vad.VADEvent{Type: vad.VADSpeechStart, Probability: prob}, nil
	}
	return vad.VADEvent{Type: vad.VADSilence, Probability: prob}, nil
}

func (s *session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inSpeech = false
}

func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
