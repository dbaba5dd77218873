package audio

import (
	"encoding/binary"
	"errors"
	"math"
)

var (
	errWAVShort   = errors.New("audio: WAV too short to be a valid RIFF file")
	errWAVNoRIFF  = errors.New("audio: WAV missing RIFF/WAVE header")
	errWAVNoFmt   = errors.New("audio: WAV data chunk before fmt chunk")
	errWAVNoData  = errors.New("audio: WAV missing data chunk")
	errWAVBadFmt  = errors.New("audio: WAV fmt chunk is truncated")
	wavHeaderSize = binary.Size(wavHeader{})
)

// wavHeader is the canonical 44-byte header of a PCM WAV file.
type wavHeader struct {
	RIFF          [4]byte
	RIFFSize      uint32
	WAVE          [4]byte
	Fmt           [4]byte
	FmtSize       uint32
	AudioFormat   uint16
	Channels      uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Data          [4]byte
	DataSize      uint32
}

// EncodeWAV prefixes 16-bit little-endian PCM with a WAV header.
func EncodeWAV(pcm []byte, sampleRate, channels int) []byte {
	frame := channels * 2
	h := wavHeader{
		RIFF:          [4]byte{'R', 'I', 'F', 'F'},
		RIFFSize:      uint32(wavHeaderSize - 8 + len(pcm)),
		WAVE:          [4]byte{'W', 'A', 'V', 'E'},
		Fmt:           [4]byte{'f', 'm', 't', ' '},
		FmtSize:       16,
		AudioFormat:   1,
		Channels:      uint16(channels),
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate * frame),
		BlockAlign:    uint16(frame),
		BitsPerSample: 16,
		Data:          [4]byte{'d', 'a', 't', 'a'},
		DataSize:      uint32(len(pcm)),
	}
	out := make([]byte, wavHeaderSize, wavHeaderSize+len(pcm))
	_, _ = binary.Encode(out, binary.LittleEndian, h)
	return append(out, pcm...)
}

// WAVInfo is where the samples of a WAV file start and how they are laid out.
type WAVInfo struct {
	Format
	DataOffset int

	// DataSize is the size declared by the data chunk. Streaming servers
	// often declare more than they have sent so far, or 0xFFFFFFFF.
	DataSize int
}

// ParseWAVHeader walks the RIFF chunks of wav until the data chunk. Chunks
// such as LIST or fact may precede it, so the header is not assumed to be
// 44 bytes.
func ParseWAVHeader(wav []byte) (WAVInfo, error) {
	if len(wav) < 12 {
		return WAVInfo{}, errWAVShort
	}
	if string(wav[:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		return WAVInfo{}, errWAVNoRIFF
	}
	var info WAVInfo
	haveFmt := false
	for off := 12; off+8 <= len(wav); {
		id, size := string(wav[off:off+4]), int(binary.LittleEndian.Uint32(wav[off+4:]))
		body := wav[off+8:]
		switch id {
		case "fmt ":
			if size < 16 || len(body) < 16 {
				return WAVInfo{}, errWAVBadFmt
			}
			info.Channels = int(binary.LittleEndian.Uint16(body[2:]))
			info.SampleRate = int(binary.LittleEndian.Uint32(body[4:]))
			haveFmt = true
		case "data":
			if !haveFmt {
				return WAVInfo{}, errWAVNoFmt
			}
			info.DataOffset, info.DataSize = off+8, size
			return info, nil
		}
		off += 8 + size + size&1 // chunks are word aligned
	}
	return WAVInfo{}, errWAVNoData
}

// DecodeWAV returns the samples and format of a complete WAV file. Bytes
// after the declared data chunk are dropped.
func DecodeWAV(wav []byte) ([]byte, Format, error) {
	info, err := ParseWAVHeader(wav)
	if err != nil {
		return nil, Format{}, err
	}
	end := len(wav)
	if info.DataSize > 0 {
		end = min(end, info.DataOffset+info.DataSize)
	}
	return wav[info.DataOffset:end], info.Format, nil
}

// RMS returns the root-mean-square level of 16-bit little-endian PCM,
// scaled to [0, 1].
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[2*i:])))
		sum += s * s
	}
	return math.Sqrt(sum/float64(n)) / 32768
}
