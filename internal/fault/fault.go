// Package fault classifies the failures a voice session can suffer.
//
// Every error that crosses a pipeline stage boundary is tagged with one of
// four kinds. Only [ErrTransport] terminates a session; engine, reasoning and
// tool faults are reported as events and the session keeps listening.
//
//	err := fault.New(fault.ErrEngine, "recognizer", turnID, cause)
//	errors.Is(err, fault.ErrEngine)    // true
//	errors.Is(err, cause)              // true
//	fault.KindOf(err) == fault.ErrEngine
package fault

import (
	"errors"
	"fmt"
)

// Fault kinds. Use [errors.Is] to test an error's kind.
var (
	// ErrTransport: the audio connection failed or closed unexpectedly.
	ErrTransport = errors.New("transport fault")

	// ErrEngine: the VAD, recognition or synthesis engine failed.
	ErrEngine = errors.New("engine fault")

	// ErrReasoning: the reasoning service failed or timed out.
	ErrReasoning = errors.New("reasoning service fault")

	// ErrTool: a tool invoked by the reasoning service failed.
	ErrTool = errors.New("tool fault")
)

var kinds = []error{ErrTransport, ErrEngine, ErrReasoning, ErrTool}

// Error is a classified failure.
type Error struct {
	// Kind is one of the package-level sentinels.
	Kind error

	// Component names the stage that failed (vad, recognizer, synthesizer,
	// reasoning, transport, or a tool name).
	Component string

	// TurnID is the dialogue turn the failure belongs to, or 0 when it
	// happened outside a turn.
	TurnID uint64

	// Err is the underlying cause.
	Err error
}

// New returns a classified error. A nil cause yields a nil *Error.
func New(kind error, component string, turnID uint64, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Component: component, TurnID: turnID, Err: err}
}

func (e *Error) Error() string {
	if e.TurnID != 0 {
		return fmt.Sprintf("%s: %s (turn %d): %v", e.Kind, e.Component, e.TurnID, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Component, e.Err)
}

// Unwrap exposes both the kind sentinel and the cause.
func (e *Error) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// KindOf returns the kind sentinel err is classified as, or nil when err
// carries no kind.
func KindOf(err error) error {
	if err == nil {
		return nil
	}
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// Label returns a short, metric-safe name for a kind: transport, engine,
// reasoning, tool, or unknown.
func Label(kind error) string {
	switch kind {
	case ErrTransport:
		return "transport"
	case ErrEngine:
		return "engine"
	case ErrReasoning:
		return "reasoning"
	case ErrTool:
		return "tool"
	default:
		return "unknown"
	}
}

// Hook receives faults that are reported rather than returned.
type Hook func(*Error)
