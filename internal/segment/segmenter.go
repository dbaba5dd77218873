package segment

import (
	"fmt"
	"time"

	"github.com/MrWong99/voxline/pkg/audio"
)

// Segmenter defaults.
const (
	DefaultPreRoll      = 200 * time.Millisecond
	DefaultMinUtterance = 300 * time.Millisecond
	DefaultMaxUtterance = 30 * time.Second
)

// Discard reasons.
const (
	ReasonTooShort     = "too_short"
	ReasonFormatChange = "format_change"
)

// Config holds the segmenter's timing parameters. Zero values select the
// package defaults; a negative PreRoll disables pre-roll.
type Config struct {
	PreRoll      time.Duration
	MinUtterance time.Duration
	MaxUtterance time.Duration
}

func (c Config) withDefaults() Config {
	if c.PreRoll == 0 {
		c.PreRoll = DefaultPreRoll
	}
	if c.MinUtterance == 0 {
		c.MinUtterance = DefaultMinUtterance
	}
	if c.MaxUtterance == 0 {
		c.MaxUtterance = DefaultMaxUtterance
	}
	return c
}

// Utterance is the audio of one speech interval plus its pre-roll. It is
// never empty and never spans more than one speech interval.
type Utterance struct {
	// Frames holds the pre-roll frames followed by the speech frames, with
	// trailing silence trimmed.
	Frames []audio.AudioFrame

	// Start is the timestamp of the first speech frame; End is the end of
	// the last speech frame.
	Start, End time.Duration

	SampleRate int
	Channels   int

	// PreRoll is the number of leading frames taken from before speech
	// started.
	PreRoll int

	pcm []byte
}

// Duration returns the speech length, End - Start.
func (u *Utterance) Duration() time.Duration { return u.End - u.Start }

// PCM returns the utterance audio as one contiguous buffer. It is built
// from Frames on first use when the Utterance was not produced by a
// Segmenter.
func (u *Utterance) PCM() []byte {
	if u.pcm == nil {
		u.pcm = joinFrames(u.Frames)
	}
	return u.pcm
}

func joinFrames(frames []audio.AudioFrame) []byte {
	size := 0
	for _, f := range frames {
		size += len(f.Data)
	}
	pcm := make([]byte, 0, size)
	for _, f := range frames {
		pcm = append(pcm, f.Data...)
	}
	return pcm
}

// Format returns the utterance's sample rate and channel count.
func (u *Utterance) Format() audio.Format {
	return audio.Format{SampleRate: u.SampleRate, Channels: u.Channels}
}

// Discarded describes a closed speech interval that will not be recognised.
type Discarded struct {
	Reason   string
	Duration time.Duration
}

// Result is the outcome of [Segmenter.Push]. At most one field is set.
type Result struct {
	Utterance *Utterance
	Discarded *Discarded
}

// Segmenter groups frames into utterances.
//
// A Segmenter is owned by a single goroutine and is not safe for concurrent use.
type Segmenter struct {
	cfg  Config
	ring *audio.Ring
	buf  audio.FrameBuffer

	open       bool
	preRoll    int
	lastSpeech int
	start      time.Duration

	// resume is set after a forced close while the caller is still
	// speaking; the next speech frame opens a new utterance without an edge.
	resume bool
}

// NewSegmenter returns a segmenter with the given configuration.
func NewSegmenter(cfg Config) *Segmenter {
	cfg = cfg.withDefaults()
	return &Segmenter{cfg: cfg, ring: audio.NewRing(cfg.PreRoll)}
}

// Push feeds one frame and the gate's decision for it.
func (s *Segmenter) Push(frame audio.AudioFrame, d Decision) Result {
	if !s.open {
		if d.Edge == SpeechEnded {
			s.resume = false
		}
		if d.Edge == SpeechStarted || (s.resume && d.Speech) {
			return s.openWith(frame)
		}
		s.ring.Push(frame)
		return Result{}
	}

	// A second start while open cannot happen with a well-behaved gate;
	// treat it as a continuation.
	if err := s.buf.Append(frame); err != nil {
		s.abandon()
		return Result{Discarded: &Discarded{Reason: ReasonFormatChange}}
	}
	if d.Speech {
		s.lastSpeech = s.buf.Len() - 1
	}

	switch {
	case d.Edge == SpeechEnded:
		s.resume = false
		return s.close()
	case frame.End()-s.start >= s.cfg.MaxUtterance:
		s.resume = true
		return s.close()
	}
	return Result{}
}

// Open reports whether an utterance is being accumulated.
func (s *Segmenter) Open() bool { return s.open }

// Reset drops any open utterance and the pre-roll.
func (s *Segmenter) Reset() {
	s.abandon()
	s.resume = false
	s.ring.Reset()
}

func (s *Segmenter) openWith(frame audio.AudioFrame) Result {
	s.buf.Reset()
	s.preRoll = 0
	for _, f := range s.ring.Frames() {
		if f.Format() != frame.Format() {
			continue
		}
		if err := s.buf.Append(f); err == nil {
			s.preRoll++
		}
	}
	s.ring.Reset()
	if err := s.buf.Append(frame); err != nil {
		// Unreachable: pre-roll frames of another format were skipped.
		s.abandon()
		return Result{Discarded: &Discarded{Reason: ReasonFormatChange}}
	}
	s.open = true
	s.start = frame.Timestamp
	s.lastSpeech = s.buf.Len() - 1
	s.resume = false
	return Result{}
}

func (s *Segmenter) close() Result {
	frames := s.buf.Frames()
	speech := frames[:s.lastSpeech+1]
	trailing := frames[s.lastSpeech+1:]
	format := s.buf.Format()

	u := &Utterance{
		Frames:     append([]audio.AudioFrame(nil), speech...),
		Start:      s.start,
		End:        speech[len(speech)-1].End(),
		SampleRate: format.SampleRate,
		Channels:   format.Channels,
		PreRoll:    s.preRoll,
	}
	u.pcm = joinFrames(u.Frames)

	s.abandon()
	// Trimmed silence is the freshest context for the next pre-roll.
	for _, f := range trailing {
		s.ring.Push(f)
	}

	if u.Duration() < s.cfg.MinUtterance {
		return Result{Discarded: &Discarded{Reason: ReasonTooShort, Duration: u.Duration()}}
	}
	return Result{Utterance: u}
}

func (s *Segmenter) abandon() {
	s.buf.Reset()
	s.open = false
	s.preRoll = 0
	s.lastSpeech = 0
}

// String summarises the result for logs.
func (r Result) String() string {
	switch {
	case r.Utterance != nil:
		return fmt.Sprintf("utterance(%v)", r.Utterance.Duration())
	case r.Discarded != nil:
		return fmt.Sprintf("discarded(%s, %v)", r.Discarded.Reason, r.Discarded.Duration)
	default:
		return "none"
	}
}
