package types

import (
	"testing"
	"time"
)

func TestSynthesisChunk_Duration(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		chunk SynthesisChunk
		want  time.Duration
	}{
		{"20ms mono 16k", SynthesisChunk{Data: make([]byte, 640), SampleRate: 16000, Channels: 1}, 20 * time.Millisecond},
		{"10ms stereo 48k", SynthesisChunk{Data: make([]byte, 1920), SampleRate: 48000, Channels: 2}, 10 * time.Millisecond},
		{"no format", SynthesisChunk{Data: make([]byte, 640)}, 0},
	}
	for _, tt := range tests {
		if got := tt.chunk.Duration(); got != tt.want {
			t.Errorf("%s: Duration() = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestTranscript_Empty(t *testing.T) {
	t.Parallel()

	if !(Transcript{Confidence: 0.4}).Empty() {
		t.Error("Empty() = false for a transcript without text")
	}
	if (Transcript{Text: "balance"}).Empty() {
		t.Error("Empty() = true for a transcript with text")
	}
}

func TestToolDefinition_Timeout(t *testing.T) {
	t.Parallel()

	if got := (ToolDefinition{MaxDurationMs: 1500}).Timeout(); got != 1500*time.Millisecond {
		t.Errorf("Timeout() = %v, want 1.5s", got)
	}
	if got := (ToolDefinition{}).Timeout(); got != 0 {
		t.Errorf("Timeout() = %v, want 0", got)
	}
}
