// Package eventbus fans session events out to observers.
//
// Publishing never blocks the pipeline: every subscriber owns a bounded
// channel and an event that does not fit is dropped for that subscriber and
// counted. Observers therefore see a best-effort view; the pipeline's own
// behaviour never depends on the bus.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Type names an event.
type Type string

// Event types.
const (
	StateChanged       Type = "state.changed"
	SpeechStarted      Type = "speech.started"
	SpeechStopped      Type = "speech.stopped"
	UtteranceDiscarded Type = "utterance.discarded"
	TranscriptReady    Type = "transcript"
	TranscriptEmpty    Type = "transcript.empty"
	ReplyReady         Type = "reply"
	TurnCompleted      Type = "turn.completed"
	TurnInterrupted    Type = "turn.interrupted"
	Fault              Type = "fault"
)

// Event is a single observation published by a session.
type Event struct {
	Type      Type
	Time      time.Time
	SessionID string
	TurnID    uint64

	// From and To are set on StateChanged.
	From string
	To   string

	// Component, Err and Fault are set on Fault events. Fault is the kind
	// sentinel from the fault package.
	Component string
	Err       error
	Fault     error

	// Text carries the transcript, reply or discard reason.
	Text string

	// Duration carries an utterance length or a stage latency.
	Duration time.Duration
}

// Bus is a non-blocking publish/subscribe hub. The zero value is ready to use.
type Bus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	nextID  uint64
	dropped atomic.Uint64
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{}
}

// Publish delivers ev to every subscriber with room in its buffer. A zero
// Time is stamped with the current time.
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribe registers a subscriber with the given buffer size. The returned
// cancel function unregisters it and closes the channel; it is safe to call
// more than once.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, max(buffer, 0))
	b.mu.Lock()
	if b.subs == nil {
		b.subs = make(map[uint64]chan Event)
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Dropped returns the number of deliveries lost to full subscriber buffers.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Publisher is the narrow interface pipeline stages publish through.
type Publisher interface {
	Publish(Event)
}

// Discard is a Publisher that drops every event.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Event) {}

// WithSession returns a Publisher that stamps every event with sessionID
// before forwarding it to p.
func WithSession(p Publisher, sessionID string) Publisher {
	return PublisherFunc(func(ev Event) {
		if ev.SessionID == "" {
			ev.SessionID = sessionID
		}
		p.Publish(ev)
	})
}

// PublisherFunc adapts a function to the [Publisher] interface.
type PublisherFunc func(Event)

// Publish calls f(ev).
func (f PublisherFunc) Publish(ev Event) { f(ev) }

var (
	_ Publisher = (*Bus)(nil)
	_ Publisher = PublisherFunc(nil)
)
