// Package types holds the values passed between engines, the dialogue
// controller, the reasoning service and the transports.
package types

import "time"

// Transcript is the text produced by recognising one utterance.
type Transcript struct {
	// Text is the recognised speech with surrounding whitespace removed.
	// An empty Text means the engine found nothing parsable.
	Text string

	// Confidence is the overall confidence score in [0, 1]. Zero when the
	// engine does not report one.
	Confidence float64

	// Language is the BCP-47 code reported by the engine, or the configured
	// hint when the engine reports none.
	Language string

	// TurnID identifies the dialogue turn this transcript belongs to.
	TurnID uint64

	// Duration is the speech length of the recognised utterance.
	Duration time.Duration
}

// Empty reports whether the transcript carries no text.
func (t Transcript) Empty() bool { return t.Text == "" }

// SynthesisChunk is one piece of synthesised reply audio.
//
// Seq starts at 0 for every reply and increases by one per chunk without
// gaps. Data is 16-bit little-endian PCM.
type SynthesisChunk struct {
	TurnID     uint64
	Seq        int
	Data       []byte
	SampleRate int
	Channels   int
}

// Duration returns the playback length of the chunk.
func (c SynthesisChunk) Duration() time.Duration {
	if c.SampleRate <= 0 || c.Channels <= 0 {
		return 0
	}
	samples := len(c.Data) / (2 * c.Channels)
	return time.Duration(samples) * time.Second / time.Duration(c.SampleRate)
}

// Conversation roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one entry of an LLM conversation.
type Message struct {
	Role    string
	Content string
	Name    string // optional participant name

	// ToolCalls are the tools an assistant message asked for.
	ToolCalls []ToolCall

	// ToolCallID links a RoleTool message to the call it answers.
	ToolCallID string
}

// ToolCall is one tool invocation requested by the model. ID is assigned by
// the provider and Arguments is a JSON object.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// ToolDefinition describes a tool offered to the model. Parameters is a
// JSON Schema for the arguments.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any

	// MaxDurationMs bounds a single execution. Zero leaves only the caller's
	// deadline.
	MaxDurationMs int
}

// Timeout returns MaxDurationMs as a duration.
func (d ToolDefinition) Timeout() time.Duration {
	return time.Duration(d.MaxDurationMs) * time.Millisecond
}
