package audio

import (
	"encoding/binary"
	"log/slog"
	"math"
	"sync"
)

// FormatConverter brings the frames of one inbound stream to Target. The
// first mismatch and the first malformed frame are logged once each. It is
// not safe for concurrent use.
type FormatConverter struct {
	Target Format

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	mismatch sync.Once
	corrupt  sync.Once
}

func (c *FormatConverter) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// Convert returns frame in the target format. A frame that already matches
// is returned as is. A frame with a dangling byte cannot be 16-bit PCM and
// comes back with no data; callers drop it.
func (c *FormatConverter) Convert(frame AudioFrame) AudioFrame {
	if len(frame.Data)%2 != 0 {
		c.corrupt.Do(func() {
			c.logger().Warn("audio: dropping frame with odd byte count",
				"bytes", len(frame.Data), "format", frame.Format())
		})
		return AudioFrame{SampleRate: c.Target.SampleRate, Channels: c.Target.Channels, Timestamp: frame.Timestamp}
	}
	if frame.Format() == c.Target {
		return frame
	}
	c.mismatch.Do(func() {
		c.logger().Info("audio: converting inbound stream", "from", frame.Format(), "to", c.Target)
	})
	return AudioFrame{
		Data:       Convert(frame.Data, frame.Format(), c.Target),
		SampleRate: c.Target.SampleRate,
		Channels:   c.Target.Channels,
		Timestamp:  frame.Timestamp,
	}
}

// Convert changes 16-bit PCM from one format to another. The rate changes
// first, on the source layout, then mono and stereo are converted into each
// other. Other channel count changes are not supported and only resample.
func Convert(pcm []byte, from, to Format) []byte {
	if from == to {
		return pcm
	}
	pcm = Resample(pcm, from, to.SampleRate)
	switch {
	case from.Channels == 1 && to.Channels == 2:
		return MonoToStereo(pcm)
	case from.Channels == 2 && to.Channels == 1:
		return StereoToMono(pcm)
	}
	return pcm
}

// Resample changes the rate of interleaved 16-bit PCM by linear
// interpolation between neighbouring frames. A trailing partial frame is
// ignored. Non-positive rates leave pcm untouched.
func Resample(pcm []byte, from Format, dstRate int) []byte {
	ch := max(from.Channels, 1)
	srcRate := from.SampleRate
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate {
		return pcm
	}
	frameBytes := 2 * ch
	srcFrames := len(pcm) / frameBytes
	if srcFrames == 0 {
		return pcm
	}
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	sample := func(frame, c int) float64 {
		return float64(int16(binary.LittleEndian.Uint16(pcm[frame*frameBytes+2*c:])))
	}
	out := make([]byte, 0, dstFrames*frameBytes)
	step := float64(srcRate) / float64(dstRate)
	for i := range dstFrames {
		pos := float64(i) * step
		lo := int(pos)
		hi := min(lo+1, srcFrames-1)
		frac := pos - float64(lo)
		for c := range ch {
			v := sample(lo, c)*(1-frac) + sample(hi, c)*frac
			out = binary.LittleEndian.AppendUint16(out, uint16(int16(math.Round(v))))
		}
	}
	return out
}

// MonoToStereo copies every sample to both channels.
func MonoToStereo(pcm []byte) []byte {
	n := len(pcm) / 2
	out := make([]byte, 0, n*4)
	for i := range n {
		s := binary.LittleEndian.Uint16(pcm[2*i:])
		out = binary.LittleEndian.AppendUint16(out, s)
		out = binary.LittleEndian.AppendUint16(out, s)
	}
	return out
}

// StereoToMono averages left and right. A trailing partial frame is dropped.
func StereoToMono(pcm []byte) []byte {
	n := len(pcm) / 4
	out := make([]byte, 0, n*2)
	for i := range n {
		l := int32(int16(binary.LittleEndian.Uint16(pcm[4*i:])))
		r := int32(int16(binary.LittleEndian.Uint16(pcm[4*i+2:])))
		avg := min(max((l+r)/2, math.MinInt16), math.MaxInt16)
		out = binary.LittleEndian.AppendUint16(out, uint16(int16(avg)))
	}
	return out
}
