package segment_test

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voxline/internal/eventbus"
	"github.com/MrWong99/voxline/internal/fault"
	"github.com/MrWong99/voxline/internal/segment"
	"github.com/MrWong99/voxline/pkg/audio"
	audiomock "github.com/MrWong99/voxline/pkg/audio/mock"
	vadmock "github.com/MrWong99/voxline/pkg/provider/vad/mock"
)

const frameLen = 20 * time.Millisecond

// stream builds 16kHz mono 20ms frames. Each run is (speech, duration).
type run struct {
	speech bool
	d      time.Duration
}

func stream(runs ...run) []audio.AudioFrame {
	var out []audio.AudioFrame
	var ts time.Duration
	for _, r := range runs {
		for n := r.d / frameLen; n > 0; n-- {
			out = append(out, frame(ts, r.speech))
			ts += frameLen
		}
	}
	return out
}

func frame(ts time.Duration, speech bool) audio.AudioFrame {
	data := make([]byte, 640)
	if speech {
		for i := 0; i < len(data); i += 2 {
			binary.LittleEndian.PutUint16(data[i:], uint16(int16(3000)))
		}
	}
	return audio.AudioFrame{Data: data, SampleRate: 16000, Channels: 1, Timestamp: ts}
}

func newGate(opts ...segment.GateOption) *segment.Gate {
	return segment.NewGate(&vadmock.Session{Classify: vadmock.ByEnergy(0.02)}, opts...)
}

// segmentAll runs frames through a fresh gate and segmenter.
func segmentAll(frames []audio.AudioFrame, cfg segment.Config) (utts []*segment.Utterance, discards []*segment.Discarded, edges []segment.Edge) {
	g := newGate()
	s := segment.NewSegmenter(cfg)
	for _, f := range frames {
		d := g.Process(f)
		if d.Edge != segment.NoEdge {
			edges = append(edges, d.Edge)
		}
		res := s.Push(f, d)
		if res.Utterance != nil {
			utts = append(utts, res.Utterance)
		}
		if res.Discarded != nil {
			discards = append(discards, res.Discarded)
		}
	}
	return utts, discards, edges
}

// sized returns a silent 16kHz mono frame of length d.
func sized(ts, d time.Duration) audio.AudioFrame {
	n := int(d * 16000 / time.Second)
	return audio.AudioFrame{Data: make([]byte, 2*n), SampleRate: 16000, Channels: 1, Timestamp: ts}
}

func TestSegmenter_PreRollByDuration(t *testing.T) {
	t.Parallel()

	ms := time.Millisecond
	tests := []struct {
		name     string
		sizes    []time.Duration
		frames   int
		min, max time.Duration
	}{
		{"small first frame", append([]time.Duration{10 * ms}, repeat(80*ms, 20)...), 3, 200 * ms, 280 * ms},
		{"large first frame", append([]time.Duration{100 * ms}, repeat(10*ms, 50)...), 20, 200 * ms, 210 * ms},
		{"mixed sizes", []time.Duration{40 * ms, 10 * ms, 100 * ms, 20 * ms, 60 * ms, 30 * ms}, 4, 210 * ms, 210 * ms},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			s := segment.NewSegmenter(segment.Config{PreRoll: 200 * ms, MinUtterance: ms})
			var ts time.Duration
			for _, d := range tt.sizes {
				s.Push(sized(ts, d), segment.Decision{})
				ts += d
			}
			s.Push(frame(ts, true), segment.Decision{Edge: segment.SpeechStarted, Speech: true})
			ts += frameLen
			res := s.Push(frame(ts, false), segment.Decision{Edge: segment.SpeechEnded})
			if res.Utterance == nil {
				t.Fatalf("Push() = %s, want an utterance", res)
			}

			u := res.Utterance
			var pre time.Duration
			for _, f := range u.Frames[:u.PreRoll] {
				pre += f.Duration()
			}
			if u.PreRoll != tt.frames {
				t.Errorf("PreRoll = %d, want %d", u.PreRoll, tt.frames)
			}
			if pre < tt.min || pre > tt.max {
				t.Errorf("pre-roll duration = %v, want within [%v, %v]", pre, tt.min, tt.max)
			}
		})
	}
}

func repeat(d time.Duration, n int) []time.Duration {
	out := make([]time.Duration, n)
	for i := range out {
		out[i] = d
	}
	return out
}

func TestGate_Edges(t *testing.T) {
	t.Parallel()

	g := newGate(segment.WithMinSilence(60 * time.Millisecond))
	// speech, 2 silence (dropout), speech, 3 silence (end)
	pattern := []bool{false, true, true, false, false, true, false, false, false, false}
	want := []segment.Edge{
		segment.NoEdge, segment.SpeechStarted, segment.NoEdge,
		segment.NoEdge, segment.NoEdge, segment.NoEdge,
		segment.NoEdge, segment.NoEdge, segment.SpeechEnded, segment.NoEdge,
	}
	for i, speech := range pattern {
		d := g.Process(frame(time.Duration(i)*frameLen, speech))
		if d.Edge != want[i] {
			t.Errorf("frame %d: want %s, got %s", i, want[i], d.Edge)
		}
		if d.Speech != speech {
			t.Errorf("frame %d: want speech=%v, got %v", i, speech, d.Speech)
		}
	}
}

func TestGate_FailOpen(t *testing.T) {
	t.Parallel()

	sess := &vadmock.Session{Err: errors.New("model crashed")}
	var faults []*fault.Error
	g := segment.NewGate(sess, segment.WithFaultHook(func(e *fault.Error) { faults = append(faults, e) }))

	d := g.Process(frame(0, true))
	if d.Speech || d.Edge != segment.NoEdge {
		t.Errorf("want silence on engine error, got %+v", d)
	}
	if len(faults) != 1 {
		t.Fatalf("want 1 fault, got %d", len(faults))
	}
	if !errors.Is(faults[0], fault.ErrEngine) || faults[0].Component != "vad" {
		t.Errorf("want engine fault from vad, got %v", faults[0])
	}
}

func TestGate_FailOpenEndsSpeech(t *testing.T) {
	t.Parallel()

	sess := &vadmock.Session{Classify: vadmock.ByEnergy(0.02)}
	g := segment.NewGate(sess, segment.WithMinSilence(40*time.Millisecond))
	g.Process(frame(0, true))

	sess.Classify = nil
	sess.Err = errors.New("gone")
	g.Process(frame(frameLen, true))
	if d := g.Process(frame(2*frameLen, true)); d.Edge != segment.SpeechEnded {
		t.Errorf("want failing engine to end speech like silence, got %s", d.Edge)
	}
}

func TestGate_Reset(t *testing.T) {
	t.Parallel()

	sess := &vadmock.Session{Classify: vadmock.ByEnergy(0.02)}
	g := segment.NewGate(sess)
	g.Process(frame(0, true))
	g.Reset()
	if g.InSpeech() {
		t.Error("want not in speech after Reset")
	}
	if sess.Resets() != 1 {
		t.Errorf("want VAD session reset once, got %d", sess.Resets())
	}
	if d := g.Process(frame(frameLen, true)); d.Edge != segment.SpeechStarted {
		t.Errorf("want fresh start after Reset, got %s", d.Edge)
	}
}

func TestSegmenter_NoSpeechNoUtterance(t *testing.T) {
	t.Parallel()

	// Scenario A: five seconds of silence.
	utts, discards, edges := segmentAll(stream(run{false, 5 * time.Second}), segment.Config{})
	if len(utts) != 0 || len(discards) != 0 || len(edges) != 0 {
		t.Errorf("want nothing, got %d utterances %d discards %d edges", len(utts), len(discards), len(edges))
	}
}

func TestSegmenter_SingleUtterance(t *testing.T) {
	t.Parallel()

	// Scenario B: 1.2s speech followed by 0.5s silence.
	frames := stream(run{false, 200 * time.Millisecond}, run{true, 1200 * time.Millisecond}, run{false, 500 * time.Millisecond})
	utts, discards, _ := segmentAll(frames, segment.Config{})

	if len(discards) != 0 {
		t.Fatalf("want no discards, got %d", len(discards))
	}
	if len(utts) != 1 {
		t.Fatalf("want exactly 1 utterance, got %d", len(utts))
	}
	u := utts[0]
	if got := u.Duration(); got != 1200*time.Millisecond {
		t.Errorf("want 1.2s, got %v", got)
	}
	if u.Start != 200*time.Millisecond {
		t.Errorf("want start 200ms, got %v", u.Start)
	}
	if u.PreRoll != 10 {
		t.Errorf("want 10 pre-roll frames, got %d", u.PreRoll)
	}
	if len(u.Frames) != 70 {
		t.Errorf("want 70 frames (pre-roll + speech, silence trimmed), got %d", len(u.Frames))
	}
	if len(u.PCM()) != 70*640 {
		t.Errorf("want %d PCM bytes, got %d", 70*640, len(u.PCM()))
	}
	if u.Format() != (audio.Format{SampleRate: 16000, Channels: 1}) {
		t.Errorf("want 16000Hz mono, got %s", u.Format())
	}
}

func TestSegmenter_ShortSpeechDiscarded(t *testing.T) {
	t.Parallel()

	frames := stream(run{false, 100 * time.Millisecond}, run{true, 200 * time.Millisecond}, run{false, 500 * time.Millisecond})
	utts, discards, _ := segmentAll(frames, segment.Config{})
	if len(utts) != 0 {
		t.Fatalf("want no utterance for short speech, got %d", len(utts))
	}
	if len(discards) != 1 || discards[0].Reason != segment.ReasonTooShort {
		t.Fatalf("want one too_short discard, got %+v", discards)
	}
	if discards[0].Duration != 200*time.Millisecond {
		t.Errorf("want discarded duration 200ms, got %v", discards[0].Duration)
	}
}

func TestSegmenter_DropoutDoesNotSplit(t *testing.T) {
	t.Parallel()

	frames := stream(
		run{true, 500 * time.Millisecond},
		run{false, 200 * time.Millisecond},
		run{true, 500 * time.Millisecond},
		run{false, 400 * time.Millisecond},
	)
	utts, _, _ := segmentAll(frames, segment.Config{})
	if len(utts) != 1 {
		t.Fatalf("want dropout bridged into 1 utterance, got %d", len(utts))
	}
	if got := utts[0].Duration(); got != 1200*time.Millisecond {
		t.Errorf("want 1.2s including dropout, got %v", got)
	}
}

func TestSegmenter_TwoIntervals(t *testing.T) {
	t.Parallel()

	frames := stream(
		run{true, 600 * time.Millisecond},
		run{false, 600 * time.Millisecond},
		run{true, 800 * time.Millisecond},
		run{false, 600 * time.Millisecond},
	)
	utts, _, _ := segmentAll(frames, segment.Config{})
	if len(utts) != 2 {
		t.Fatalf("want 2 utterances, got %d", len(utts))
	}
	if utts[0].End > utts[1].Start {
		t.Errorf("want non-overlapping speech intervals, got %v > %v", utts[0].End, utts[1].Start)
	}
	for i, u := range utts {
		for _, f := range u.Frames[u.PreRoll:] {
			if f.Timestamp < u.Start || f.End() > u.End {
				t.Errorf("utterance %d: frame at %v outside [%v,%v]", i, f.Timestamp, u.Start, u.End)
			}
		}
	}
}

func TestSegmenter_MaxUtteranceSplits(t *testing.T) {
	t.Parallel()

	frames := stream(run{true, 2500 * time.Millisecond}, run{false, 500 * time.Millisecond})
	utts, _, _ := segmentAll(frames, segment.Config{MaxUtterance: time.Second})
	if len(utts) != 3 {
		t.Fatalf("want 3 utterances from forced splits, got %d", len(utts))
	}
	if got := utts[0].Duration(); got != time.Second {
		t.Errorf("want first utterance capped at 1s, got %v", got)
	}
	if utts[1].Start != utts[0].End {
		t.Errorf("want continuation to start at %v, got %v", utts[0].End, utts[1].Start)
	}
}

func TestSegmenter_PropertyNeverEmpty(t *testing.T) {
	t.Parallel()

	// Deterministic pseudo-random speech patterns.
	seed := uint32(7)
	next := func() uint32 {
		seed = seed*1664525 + 1013904223
		return seed >> 16
	}
	for trial := range 50 {
		var runs []run
		for range 12 {
			runs = append(runs, run{next()%2 == 0, time.Duration(next()%40+1) * frameLen})
		}
		utts, discards, _ := segmentAll(stream(runs...), segment.Config{})
		for _, u := range utts {
			if len(u.Frames) == 0 || len(u.PCM()) == 0 {
				t.Fatalf("trial %d: empty utterance", trial)
			}
			if u.Duration() < segment.DefaultMinUtterance {
				t.Fatalf("trial %d: utterance of %v below min", trial, u.Duration())
			}
		}
		for _, d := range discards {
			if d.Duration >= segment.DefaultMinUtterance {
				t.Fatalf("trial %d: discarded %v which meets min", trial, d.Duration)
			}
		}
	}
}

// collector records delivered signals.
type collector struct {
	mu      sync.Mutex
	signals []segment.Signal
}

func (c *collector) Deliver(s segment.Signal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.signals = append(c.signals, s)
}

func (c *collector) kinds() []segment.SignalKind {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []segment.SignalKind
	for _, s := range c.signals {
		out = append(out, s.Kind)
	}
	return out
}

func TestIngest_ForwardsAndPublishes(t *testing.T) {
	t.Parallel()

	frames := stream(
		run{true, 100 * time.Millisecond}, run{false, 400 * time.Millisecond},
		run{true, 600 * time.Millisecond}, run{false, 400 * time.Millisecond},
	)
	conn := audiomock.NewConnection("c", len(frames))
	conn.Feed(frames...)

	bus := eventbus.New()
	events, cancel := bus.Subscribe(32)
	defer cancel()

	out := &collector{}
	ctx, stop := context.WithCancel(context.Background())
	in := &segment.Ingest{
		Input:     conn.Input(),
		Gate:      newGate(),
		Segmenter: segment.NewSegmenter(segment.Config{}),
		Out:       out,
		Events:    bus,
	}
	done := make(chan error, 1)
	go func() { done <- in.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for len(out.kinds()) < 5 {
		select {
		case <-deadline:
			t.Fatalf("timed out, got signals %v", out.kinds())
		case <-time.After(5 * time.Millisecond):
		}
	}
	stop()
	if err := <-done; err != nil {
		t.Fatalf("want nil on cancel, got %v", err)
	}

	want := []segment.SignalKind{
		segment.SignalSpeechStarted, segment.SignalSpeechEnded,
		segment.SignalSpeechStarted, segment.SignalSpeechEnded, segment.SignalUtterance,
	}
	got := out.kinds()
	if len(got) != len(want) {
		t.Fatalf("want %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("signal %d: want %d, got %d", i, want[i], got[i])
		}
	}

	var types []eventbus.Type
	for len(events) > 0 {
		types = append(types, (<-events).Type)
	}
	wantTypes := []eventbus.Type{
		eventbus.SpeechStarted, eventbus.SpeechStopped, eventbus.UtteranceDiscarded,
		eventbus.SpeechStarted, eventbus.SpeechStopped,
	}
	if len(types) != len(wantTypes) {
		t.Fatalf("want events %v, got %v", wantTypes, types)
	}
	for i := range wantTypes {
		if types[i] != wantTypes[i] {
			t.Errorf("event %d: want %s, got %s", i, wantTypes[i], types[i])
		}
	}
}

func TestIngest_InputClosedIsTransportFault(t *testing.T) {
	t.Parallel()

	conn := audiomock.NewConnection("c", 1)
	bus := eventbus.New()
	events, cancel := bus.Subscribe(4)
	defer cancel()
	in := &segment.Ingest{
		Input:     conn.Input(),
		Gate:      newGate(),
		Segmenter: segment.NewSegmenter(segment.Config{}),
		Out:       segment.DelivererFunc(func(segment.Signal) {}),
		Events:    bus,
	}
	conn.Close()

	err := in.Run(context.Background())
	if !errors.Is(err, fault.ErrTransport) {
		t.Errorf("want transport fault, got %v", err)
	}
	if !errors.Is(err, segment.ErrInputClosed) {
		t.Errorf("want ErrInputClosed cause, got %v", err)
	}
	select {
	case ev := <-events:
		if ev.Type != eventbus.Fault || ev.Component != "transport" || ev.Fault != fault.ErrTransport {
			t.Errorf("want transport fault event, got %+v", ev)
		}
	default:
		t.Error("want a fault event, got none")
	}
}
