package segment

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/MrWong99/voxline/internal/eventbus"
	"github.com/MrWong99/voxline/internal/fault"
	"github.com/MrWong99/voxline/pkg/audio"
)

// ErrInputClosed is the cause of the transport fault returned by
// [Ingest.Run] when the input stream ends while the session is live.
var ErrInputClosed = errors.New("segment: input stream closed")

// SignalKind classifies a [Signal].
type SignalKind int

const (
	// SignalSpeechStarted carries the timestamp of the first speech frame.
	SignalSpeechStarted SignalKind = iota + 1

	// SignalSpeechEnded carries the timestamp of the frame that ended speech.
	SignalSpeechEnded

	// SignalUtterance carries a completed utterance.
	SignalUtterance
)

// Signal is what ingest forwards to the dialogue controller.
type Signal struct {
	Kind      SignalKind
	At        time.Duration
	Utterance *Utterance
}

// Deliverer accepts signals from ingest. Deliver must not block.
type Deliverer interface {
	Deliver(Signal)
}

// Ingest reads the transport input, runs the gate and segmenter and forwards
// the results.
type Ingest struct {
	Input     <-chan audio.AudioFrame
	Gate      *Gate
	Segmenter *Segmenter
	Out       Deliverer

	// Format, when set, is the format frames are converted to before
	// classification. Frames that cannot be converted are dropped.
	Format audio.Format

	// Events receives speech.started, speech.stopped and
	// utterance.discarded. Nil disables publishing.
	Events eventbus.Publisher
	Logger *slog.Logger
}

// Run processes frames until ctx is cancelled (returns nil) or the input
// stream closes on its own (publishes and returns a transport fault).
func (in *Ingest) Run(ctx context.Context) error {
	events := in.Events
	if events == nil {
		events = eventbus.Discard
	}
	logger := in.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var conv *audio.FormatConverter
	if in.Format != (audio.Format{}) {
		conv = &audio.FormatConverter{Target: in.Format, Logger: logger}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case frame, ok := <-in.Input:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				f := fault.New(fault.ErrTransport, "transport", 0, ErrInputClosed)
				eventbus.FaultHook(events)(f)
				return f
			}
			if conv != nil {
				if frame = conv.Convert(frame); len(frame.Data) == 0 {
					continue
				}
			}
			in.process(frame, events, logger)
		}
	}
}

func (in *Ingest) process(frame audio.AudioFrame, events eventbus.Publisher, logger *slog.Logger) {
	d := in.Gate.Process(frame)

	switch d.Edge {
	case SpeechStarted:
		events.Publish(eventbus.Event{Type: eventbus.SpeechStarted, Duration: frame.Timestamp})
		in.Out.Deliver(Signal{Kind: SignalSpeechStarted, At: frame.Timestamp})
	case SpeechEnded:
		events.Publish(eventbus.Event{Type: eventbus.SpeechStopped, Duration: frame.Timestamp})
		in.Out.Deliver(Signal{Kind: SignalSpeechEnded, At: frame.Timestamp})
	}

	res := in.Segmenter.Push(frame, d)
	switch {
	case res.Utterance != nil:
		logger.Debug("segment: utterance closed",
			"duration", res.Utterance.Duration(),
			"frames", len(res.Utterance.Frames),
			"pre_roll", res.Utterance.PreRoll,
		)
		in.Out.Deliver(Signal{Kind: SignalUtterance, At: res.Utterance.End, Utterance: res.Utterance})
	case res.Discarded != nil:
		events.Publish(eventbus.Event{
			Type:     eventbus.UtteranceDiscarded,
			Text:     res.Discarded.Reason,
			Duration: res.Discarded.Duration,
		})
	}
}

// DelivererFunc adapts a function to the [Deliverer] interface.
type DelivererFunc func(Signal)

// Deliver calls f(s).
func (f DelivererFunc) Deliver(s Signal) { f(s) }
