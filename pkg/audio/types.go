package audio

import (
	"fmt"
	"time"
)

// Format is the sample rate and channel count of 16-bit PCM.
type Format struct {
	SampleRate int
	Channels   int
}

// AudioFrame represents a single frame of audio data flowing through the pipeline.
// Frames are the atomic unit of audio transport: captured from the caller,
// classified by VAD, buffered into utterances and handed to recognition.
// A frame is immutable once produced.
type AudioFrame struct {
	// PCM audio data, 16-bit little-endian samples.
	Data []byte

	// SampleRate in Hz (e.g., 48000 for Discord Opus, 16000 for STT).
	SampleRate int

	// Channels: 1 for mono (STT input), 2 for stereo (Discord output).
	Channels int

	// Timestamp marks when this frame was captured, relative to session start.
	Timestamp time.Duration
}

// Format returns the frame's sample rate and channel count.
func (f AudioFrame) Format() Format {
	return Format{SampleRate: f.SampleRate, Channels: f.Channels}
}

// Duration derives the frame's playback length from its byte length and format.
func (f AudioFrame) Duration() time.Duration {
	return f.Format().Duration(len(f.Data))
}

// End returns the timestamp just past the frame's last sample.
func (f AudioFrame) End() time.Duration {
	return f.Timestamp + f.Duration()
}

// Duration returns the playback length of n bytes of 16-bit PCM in this format.
func (f Format) Duration(n int) time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	samples := n / (2 * f.Channels)
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}

// Bytes returns the number of PCM bytes covering d in this format.
func (f Format) Bytes(d time.Duration) int {
	samples := int(d * time.Duration(f.SampleRate) / time.Second)
	return samples * 2 * f.Channels
}

// String returns e.g. "16000Hz mono".
func (f Format) String() string {
	switch f.Channels {
	case 1:
		return fmt.Sprintf("%dHz mono", f.SampleRate)
	case 2:
		return fmt.Sprintf("%dHz stereo", f.SampleRate)
	}
	return fmt.Sprintf("%dHz %dch", f.SampleRate, f.Channels)
}
