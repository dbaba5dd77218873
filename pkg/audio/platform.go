// Package audio defines the transport boundary of voxline and the PCM
// primitives shared by every stage of the pipeline.
//
// The two primary abstractions are:
//
//   - [Platform]: yields one [Connection] per incoming call.
//   - [Connection]: a single bidirectional call. Caller audio arrives on
//     [Connection.Input]; synthesised reply audio is written to
//     [Connection.Output].
//
// Implementations live in platform-specific sub-packages (audio/discord,
// audio/websocket). The interfaces are intentionally narrow to keep the
// dialogue layer decoupled from signalling and codec details.
package audio

import (
	"context"
	"errors"

	"github.com/MrWong99/voxline/pkg/types"
)

// ErrClosed is returned by operations on a connection or platform that has
// been closed.
var ErrClosed = errors.New("audio: closed")

// ErrHungUp is returned by [Redialer.Redial] when the caller ended the call
// deliberately and there is nothing to reconnect.
var ErrHungUp = errors.New("audio: caller hung up")

// Sink receives synthesised reply audio for playback to the caller.
type Sink interface {
	// Write plays chunk to the caller. It may block for flow control and
	// must return promptly once ctx is cancelled.
	Write(ctx context.Context, chunk types.SynthesisChunk) error
}

// SinkFunc adapts a function to the [Sink] interface.
type SinkFunc func(ctx context.Context, chunk types.SynthesisChunk) error

// Write calls f(ctx, chunk).
func (f SinkFunc) Write(ctx context.Context, chunk types.SynthesisChunk) error {
	return f(ctx, chunk)
}

// Connection represents one active call.
//
// Implementations must be safe for concurrent use.
type Connection interface {
	// ID identifies the call for logging (caller id, channel id).
	ID() string

	// Input returns the caller's audio. The channel is closed when the
	// transport ends; a close the caller did not request is a transport
	// fault.
	Input() <-chan AudioFrame

	// Output returns the sink for reply audio.
	Output() Sink

	// Close tears the call down and closes the Input channel. It is safe to
	// call Close more than once; subsequent calls return nil.
	Close() error
}

// Platform is the entry point for a call provider.
//
// Implementations must be safe for concurrent use.
type Platform interface {
	// Accept blocks until the next call arrives and returns it. It returns
	// ctx.Err() when ctx is cancelled and [ErrClosed] once the platform is
	// shut down.
	Accept(ctx context.Context) (Connection, error)
}

// Redialer is implemented by platforms that can re-establish a call that
// dropped because of a transport failure. Redial returns [ErrHungUp] when the
// call ended normally.
type Redialer interface {
	Redial(ctx context.Context, id string) (Connection, error)
}

// Notifier is implemented by connections that can push session events back
// to the caller's client. Notify must not block on a slow client; payload is
// JSON-encodable.
type Notifier interface {
	Notify(ctx context.Context, kind string, payload any) error
}
