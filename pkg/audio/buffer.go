package audio

import (
	"errors"
	"fmt"
	"time"
)

// ErrFormatMismatch is returned by [FrameBuffer.Append] when a frame's format
// differs from the first buffered frame.
var ErrFormatMismatch = errors.New("audio: frame format mismatch")

// FrameBuffer accumulates frames into one contiguous PCM buffer. It is owned
// by a single goroutine and is not safe for concurrent use.
type FrameBuffer struct {
	format Format
	pcm    []byte
	frames []AudioFrame
}

// Append adds frame to the buffer. The first frame fixes the buffer's format.
func (b *FrameBuffer) Append(frame AudioFrame) error {
	if len(b.frames) == 0 {
		b.format = frame.Format()
	} else if frame.Format() != b.format {
		return fmt.Errorf("%w: buffer is %s, frame is %s", ErrFormatMismatch, b.format, frame.Format())
	}
	b.frames = append(b.frames, frame)
	b.pcm = append(b.pcm, frame.Data...)
	return nil
}

// Bytes returns the concatenated PCM of all buffered frames. The slice is
// shared with the buffer until the next Append or Reset.
func (b *FrameBuffer) Bytes() []byte { return b.pcm }

// Frames returns the buffered frames in arrival order.
func (b *FrameBuffer) Frames() []AudioFrame { return b.frames }

// Format returns the format fixed by the first frame. Zero when empty.
func (b *FrameBuffer) Format() Format { return b.format }

// Len returns the number of buffered frames.
func (b *FrameBuffer) Len() int { return len(b.frames) }

// Duration returns the playback length of the buffered PCM.
func (b *FrameBuffer) Duration() time.Duration { return b.format.Duration(len(b.pcm)) }

// Reset empties the buffer and forgets its format.
func (b *FrameBuffer) Reset() {
	b.pcm = nil
	b.frames = nil
	b.format = Format{}
}

// Ring holds the most recent frames covering a fixed span of audio. Frames
// may differ in size: the oldest frame is evicted once the newer ones alone
// cover the span, so the ring holds at least the span (when that much was
// pushed) and less than one extra frame beyond it.
type Ring struct {
	window time.Duration
	frames []AudioFrame
	total  time.Duration
}

// NewRing returns a ring holding window worth of audio. A window of zero or
// less retains nothing.
func NewRing(window time.Duration) *Ring {
	return &Ring{window: window}
}

// Push appends frame and evicts frames that are no longer needed to cover
// the window.
func (r *Ring) Push(frame AudioFrame) {
	if r.window <= 0 {
		return
	}
	r.frames = append(r.frames, frame)
	r.total += frame.Duration()
	for len(r.frames) > 1 && r.total-r.frames[0].Duration() >= r.window {
		r.total -= r.frames[0].Duration()
		r.frames[0] = AudioFrame{}
		r.frames = r.frames[1:]
	}
}

// Frames returns the retained frames, oldest first.
func (r *Ring) Frames() []AudioFrame {
	return append([]AudioFrame(nil), r.frames...)
}

// Len returns the number of retained frames.
func (r *Ring) Len() int { return len(r.frames) }

// Duration returns the audio length of the retained frames.
func (r *Ring) Duration() time.Duration { return r.total }

// Reset drops all retained frames.
func (r *Ring) Reset() {
	clear(r.frames)
	r.frames = r.frames[:0]
	r.total = 0
}
