// Package elevenlabs provides a TTS synthesizer backed by the ElevenLabs
// stream-input WebSocket API. Audio arrives as base64 PCM messages while the
// reply is still being generated.
package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxline/pkg/audio"
	"github.com/MrWong99/voxline/pkg/provider/tts"
)

const (
	defaultBaseURL   = "wss://api.elevenlabs.io"
	defaultModel     = "eleven_flash_v2_5"
	defaultOutputFmt = "pcm_16000"
	defaultVoice     = "21m00Tcm4TlvDq8ikWAM"
)

var _ tts.Synthesizer = (*Synthesizer)(nil)

// Option is a functional option for configuring the Synthesizer.
type Option func(*Synthesizer)

// WithModel sets the ElevenLabs model ID (e.g., "eleven_flash_v2_5").
func WithModel(model string) Option {
	return func(s *Synthesizer) {
		s.model = model
	}
}

// WithOutputFormat sets the PCM output format ("pcm_16000", "pcm_24000", ...).
func WithOutputFormat(format string) Option {
	return func(s *Synthesizer) {
		s.outputFormat = format
	}
}

// WithVoice sets the voice used when Synthesize is called without one.
func WithVoice(id string) Option {
	return func(s *Synthesizer) {
		s.voice = id
	}
}

// WithBaseURL overrides the WebSocket base URL.
func WithBaseURL(url string) Option {
	return func(s *Synthesizer) {
		s.baseURL = strings.TrimRight(url, "/")
	}
}

// Synthesizer implements tts.Synthesizer backed by the ElevenLabs streaming API.
type Synthesizer struct {
	apiKey       string
	model        string
	outputFormat string
	voice        string
	baseURL      string
	format       audio.Format
}

// New creates a Synthesizer. apiKey must be non-empty and the output format
// must be one of the pcm_<rate> formats.
func New(apiKey string, opts ...Option) (*Synthesizer, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	s := &Synthesizer{
		apiKey:       apiKey,
		model:        defaultModel,
		outputFormat: defaultOutputFmt,
		voice:        defaultVoice,
		baseURL:      defaultBaseURL,
	}
	for _, o := range opts {
		o(s)
	}
	rate, err := pcmRate(s.outputFormat)
	if err != nil {
		return nil, err
	}
	s.format = audio.Format{SampleRate: rate, Channels: 1}
	return s, nil
}

func pcmRate(format string) (int, error) {
	rest, ok := strings.CutPrefix(format, "pcm_")
	if !ok {
		return 0, fmt.Errorf("elevenlabs: output format %q is not raw PCM", format)
	}
	rate, err := strconv.Atoi(rest)
	if err != nil || rate <= 0 {
		return 0, fmt.Errorf("elevenlabs: output format %q has no valid sample rate", format)
	}
	return rate, nil
}

// Format returns mono PCM at the rate of the output format.
func (s *Synthesizer) Format() audio.Format { return s.format }

// textMessage is the JSON payload sent for each text fragment. An empty
// Text flushes the stream.
type textMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
	XiAPIKey      string         `json:"xi_api_key,omitempty"`
}

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

// audioResponse is a message received from ElevenLabs.
type audioResponse struct {
	Audio   string `json:"audio"`
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (s *Synthesizer) streamURL(voice string) string {
	return fmt.Sprintf("%s/v1/text-to-speech/%s/stream-input?model_id=%s&output_format=%s",
		s.baseURL, voice, s.model, s.outputFormat)
}

// Synthesize opens a stream, sends text followed by a flush and returns a
// reader over the audio messages. Blank text yields a reader with no chunks
// and opens no connection.
func (s *Synthesizer) Synthesize(ctx context.Context, text, voice string) (tts.ChunkReader, error) {
	if strings.TrimSpace(text) == "" {
		return tts.NewSliceReader(), nil
	}
	if voice == "" {
		voice = s.voice
	}

	conn, _, err := websocket.Dial(ctx, s.streamURL(voice), nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: dial: %w", err)
	}

	// The first message must carry a single space.
	msgs := []textMessage{
		{Text: " ", VoiceSettings: &voiceSettings{Stability: 0.5, SimilarityBoost: 0.75}, XiAPIKey: s.apiKey},
		{Text: text + " "},
		{Text: ""},
	}
	for _, m := range msgs {
		data, err := json.Marshal(m)
		if err != nil {
			conn.CloseNow()
			return nil, fmt.Errorf("elevenlabs: marshal message: %w", err)
		}
		if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
			conn.CloseNow()
			return nil, fmt.Errorf("elevenlabs: send text: %w", err)
		}
	}
	return &streamReader{conn: conn}, nil
}

type streamReader struct {
	conn *websocket.Conn

	mu   sync.Mutex
	done bool

	closeOnce sync.Once
}

func (r *streamReader) Next(ctx context.Context) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for {
		if r.done {
			return nil, io.EOF
		}
		_, msg, err := r.conn.Read(ctx)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("elevenlabs: read: %w", err)
		}
		var resp audioResponse
		if err := json.Unmarshal(msg, &resp); err != nil {
			return nil, fmt.Errorf("elevenlabs: decode message: %w", err)
		}
		if resp.Error != "" {
			return nil, fmt.Errorf("elevenlabs: %s: %s", resp.Error, resp.Message)
		}
		r.done = resp.IsFinal
		if resp.Audio == "" {
			continue
		}
		pcm, err := base64.StdEncoding.DecodeString(resp.Audio)
		if err != nil {
			return nil, fmt.Errorf("elevenlabs: decode audio: %w", err)
		}
		if len(pcm) > 0 {
			return pcm, nil
		}
	}
}

// Close drops the connection without a close handshake so a concurrent
// Next returns immediately.
func (r *streamReader) Close() error {
	r.closeOnce.Do(func() {
		_ = r.conn.CloseNow()
	})
	return nil
}
