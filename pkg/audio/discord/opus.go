package discord

import (
	"encoding/binary"
	"fmt"

	"layeh.com/gopus"
)

// Discord voice is 48 kHz stereo Opus in 20 ms frames.
const (
	opusSampleRate = 48000
	opusChannels   = 2

	// opusFrameSize is samples per channel in one 20 ms frame.
	opusFrameSize = opusSampleRate / 50

	// opusFrameBytes is the PCM size of one frame: 960 × 2 channels × 2 bytes.
	opusFrameBytes = opusFrameSize * opusChannels * 2
)

// opusDecoder decodes one speaker's stream. Decoders carry state between
// packets, so each SSRC needs its own.
type opusDecoder struct {
	dec *gopus.Decoder
}

func newOpusDecoder() (*opusDecoder, error) {
	dec, err := gopus.NewDecoder(opusSampleRate, opusChannels)
	if err != nil {
		return nil, fmt.Errorf("discord: create opus decoder: %w", err)
	}
	return &opusDecoder{dec: dec}, nil
}

// decode returns the packet as little-endian 16-bit PCM.
func (d *opusDecoder) decode(packet []byte) ([]byte, error) {
	samples, err := d.dec.Decode(packet, opusFrameSize, false)
	if err != nil {
		return nil, fmt.Errorf("discord: opus decode: %w", err)
	}
	out := make([]byte, 0, len(samples)*2)
	for _, s := range samples {
		out = binary.LittleEndian.AppendUint16(out, uint16(s))
	}
	return out, nil
}

// opusEncoder encodes reply audio. Its input must be exactly opusFrameBytes.
type opusEncoder struct {
	enc *gopus.Encoder
}

func newOpusEncoder() (*opusEncoder, error) {
	enc, err := gopus.NewEncoder(opusSampleRate, opusChannels, gopus.Audio)
	if err != nil {
		return nil, fmt.Errorf("discord: create opus encoder: %w", err)
	}
	return &opusEncoder{enc: enc}, nil
}

func (e *opusEncoder) encode(frame []byte) ([]byte, error) {
	if len(frame) != opusFrameBytes {
		return nil, fmt.Errorf("discord: opus frame is %d bytes, want %d", len(frame), opusFrameBytes)
	}
	samples := make([]int16, len(frame)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(frame[2*i:]))
	}
	packet, err := e.enc.Encode(samples, opusFrameSize, len(frame))
	if err != nil {
		return nil, fmt.Errorf("discord: opus encode: %w", err)
	}
	return packet, nil
}
