// Package mock has scriptable [vad.Engine] and [vad.SessionHandle] doubles.
//
//	sess := &mock.Session{Classify: mock.ByEnergy(0.02)}
//	eng := &mock.Engine{Session: sess}
package mock

import (
	"sync"

	"github.com/MrWong99/voxline/pkg/audio"
	"github.com/MrWong99/voxline/pkg/provider/vad"
)

var (
	_ vad.Engine        = (*Engine)(nil)
	_ vad.SessionHandle = (*Session)(nil)
)

// Speech and Silence are ready-made classifications for Script.
var (
	Speech  = vad.VADEvent{Type: vad.VADSpeechContinue, Probability: 0.9}
	Silence = vad.VADEvent{Type: vad.VADSilence, Probability: 0.05}
)

// ByEnergy classifies a frame as speech when its RMS level reaches
// threshold. Tests synthesise speech as loud frames and silence as zeros.
func ByEnergy(threshold float64) func([]byte) (vad.VADEvent, error) {
	return func(frame []byte) (vad.VADEvent, error) {
		if audio.RMS(frame) >= threshold {
			return vad.VADEvent{Type: vad.VADSpeechContinue, Probability: 1}, nil
		}
		return vad.VADEvent{Type: vad.VADSilence}, nil
	}
}

// Engine hands out Session, or a fresh *Session when it is nil.
type Engine struct {
	Session vad.SessionHandle
	Err     error

	mu      sync.Mutex
	configs []vad.Config
}

// NewSession records cfg.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.configs = append(e.configs, cfg)
	switch {
	case e.Err != nil:
		return nil, e.Err
	case e.Session != nil:
		return e.Session, nil
	}
	return &Session{}, nil
}

// Configs returns the config of every NewSession call.
func (e *Engine) Configs() []vad.Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]vad.Config(nil), e.configs...)
}

// Session answers ProcessFrame from, in order of precedence, Err, Classify,
// the head of Script, and Default. The zero Default is a speech start.
type Session struct {
	Err      error
	Classify func(frame []byte) (vad.VADEvent, error)
	Script   []vad.VADEvent
	Default  vad.VADEvent
	CloseErr error

	mu     sync.Mutex
	frames int
	resets int
	closes int
}

func (s *Session) ProcessFrame(frame []byte) (vad.VADEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames++
	switch {
	case s.Err != nil:
		return vad.VADEvent{}, s.Err
	case s.Classify != nil:
		return s.Classify(frame)
	case len(s.Script) > 0:
		ev := s.Script[0]
		s.Script = s.Script[1:]
		return ev, nil
	}
	return s.Default, nil
}

func (s *Session) Reset() {
	s.mu.Lock()
	s.resets++
	s.mu.Unlock()
}

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return s.CloseErr
}

// FrameCount returns the number of ProcessFrame calls.
func (s *Session) FrameCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

// Resets returns the number of Reset calls.
func (s *Session) Resets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resets
}

// Closes returns the number of Close calls.
func (s *Session) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}
