package eventbus

import (
	"context"
	"time"

	"github.com/MrWong99/voxline/internal/fault"
	"github.com/MrWong99/voxline/pkg/audio"
)

// Payload is the client-facing form of an [Event]. It is what transports
// that can push events back to the caller serialise.
type Payload struct {
	SessionID  string  `json:"session_id"`
	TurnID     uint64  `json:"turn_id,omitempty"`
	From       string  `json:"from,omitempty"`
	To         string  `json:"to,omitempty"`
	Component  string  `json:"component,omitempty"`
	Kind       string  `json:"kind,omitempty"`
	Error      string  `json:"error,omitempty"`
	Text       string  `json:"text,omitempty"`
	DurationMs float64 `json:"duration_ms,omitempty"`
	Time       string  `json:"time"`
}

// NewPayload converts ev to its client-facing form.
func NewPayload(ev Event) Payload {
	p := Payload{
		SessionID:  ev.SessionID,
		TurnID:     ev.TurnID,
		From:       ev.From,
		To:         ev.To,
		Component:  ev.Component,
		Text:       ev.Text,
		DurationMs: float64(ev.Duration) / float64(time.Millisecond),
		Time:       ev.Time.UTC().Format(time.RFC3339Nano),
	}
	if ev.Fault != nil {
		p.Kind = fault.Label(ev.Fault)
	}
	if ev.Err != nil {
		p.Error = ev.Err.Error()
	}
	return p
}

// Tee returns a Publisher that forwards every event to each of ps in order.
// Nil publishers are skipped.
func Tee(ps ...Publisher) Publisher {
	out := make([]Publisher, 0, len(ps))
	for _, p := range ps {
		if p != nil {
			out = append(out, p)
		}
	}
	return PublisherFunc(func(ev Event) {
		if ev.Time.IsZero() {
			ev.Time = time.Now()
		}
		for _, p := range out {
			p.Publish(ev)
		}
	})
}

// NotifyPublisher returns a Publisher that forwards events to the notifier
// returned by current at publish time. A nil notifier drops the event, and
// delivery errors are ignored. The notifier must not block.
func NotifyPublisher(ctx context.Context, current func() audio.Notifier) Publisher {
	return PublisherFunc(func(ev Event) {
		n := current()
		if n == nil {
			return
		}
		_ = n.Notify(ctx, string(ev.Type), NewPayload(ev))
	})
}
