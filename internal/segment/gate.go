// Package segment turns the caller's continuous audio stream into discrete
// utterances suitable for batch recognition.
//
// Three pieces cooperate on the ingest goroutine:
//
//   - [Gate] wraps a VAD session and reduces its per-frame classifications
//     to speech edges, ignoring silence dropouts shorter than min_silence.
//   - [Segmenter] accumulates the frames of one speech interval, seeded with
//     a short pre-roll, and closes it into an [Utterance].
//   - [Ingest] reads the transport, drives both, and forwards edges and
//     utterances to the dialogue controller without ever blocking on it.
package segment

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/voxline/internal/fault"
	"github.com/MrWong99/voxline/pkg/audio"
	"github.com/MrWong99/voxline/pkg/provider/vad"
)

// DefaultMinSilence is the silence run that ends speech.
const DefaultMinSilence = 300 * time.Millisecond

// Edge is a speech boundary reported by the [Gate].
type Edge int

const (
	// NoEdge: the frame continues the current run.
	NoEdge Edge = iota

	// SpeechStarted: first speech frame after a silence run.
	SpeechStarted

	// SpeechEnded: the silence frame completing a silence run of at least
	// min_silence after speech.
	SpeechEnded
)

// String returns the edge name.
func (e Edge) String() string {
	switch e {
	case NoEdge:
		return "none"
	case SpeechStarted:
		return "speech_started"
	case SpeechEnded:
		return "speech_ended"
	default:
		return fmt.Sprintf("Edge(%d)", int(e))
	}
}

// Decision is the gate's verdict for one frame.
type Decision struct {
	// Edge is the speech boundary this frame crosses, if any.
	Edge Edge

	// Speech is the raw classification of this frame.
	Speech bool
}

// Gate converts VAD classifications into speech edges.
//
// A Gate is owned by a single goroutine and is not safe for concurrent use.
type Gate struct {
	vad        vad.SessionHandle
	minSilence time.Duration
	onFault    fault.Hook
	logger     *slog.Logger

	inSpeech bool
	silence  time.Duration
}

// GateOption configures a [Gate].
type GateOption func(*Gate)

// WithMinSilence sets the silence run that ends speech. Non-positive values
// end speech on the first silence frame.
func WithMinSilence(d time.Duration) GateOption {
	return func(g *Gate) { g.minSilence = d }
}

// WithFaultHook registers a hook receiving VAD engine failures.
func WithFaultHook(h fault.Hook) GateOption {
	return func(g *Gate) { g.onFault = h }
}

// WithGateLogger sets the logger used for engine failures.
func WithGateLogger(l *slog.Logger) GateOption {
	return func(g *Gate) { g.logger = l }
}

// NewGate returns a gate over the given VAD session.
func NewGate(h vad.SessionHandle, opts ...GateOption) *Gate {
	g := &Gate{
		vad:        h,
		minSilence: DefaultMinSilence,
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Process classifies frame and reports the speech edge it crosses.
//
// An engine error classifies the frame as silence; the error is logged and
// handed to the fault hook but never returned.
func (g *Gate) Process(frame audio.AudioFrame) Decision {
	speech := false
	ev, err := g.vad.ProcessFrame(frame.Data)
	if err != nil {
		g.logger.Warn("vad: classify failed, treating frame as silence", "err", err, "at", frame.Timestamp)
		if g.onFault != nil {
			g.onFault(fault.New(fault.ErrEngine, "vad", 0, err))
		}
	} else {
		speech = ev.IsSpeech()
	}

	if speech {
		g.silence = 0
		if !g.inSpeech {
			g.inSpeech = true
			return Decision{Edge: SpeechStarted, Speech: true}
		}
		return Decision{Speech: true}
	}

	if !g.inSpeech {
		return Decision{}
	}
	g.silence += frame.Duration()
	if g.silence >= g.minSilence {
		g.inSpeech = false
		g.silence = 0
		return Decision{Edge: SpeechEnded}
	}
	return Decision{}
}

// InSpeech reports whether the gate is inside a speech run.
func (g *Gate) InSpeech() bool { return g.inSpeech }

// Reset clears the gate and its VAD session.
func (g *Gate) Reset() {
	g.inSpeech = false
	g.silence = 0
	g.vad.Reset()
}
