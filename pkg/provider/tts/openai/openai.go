// Package openai provides a TTS synthesizer backed by the OpenAI
// audio/speech endpoint or any server that speaks the same API.
//
// Speech is requested as raw PCM (24 kHz, 16-bit, mono) and the response
// body is read as it streams in.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MrWong99/voxline/pkg/audio"
	"github.com/MrWong99/voxline/pkg/provider/tts"
)

const (
	defaultModel = "tts-1"
	defaultVoice = "alloy"
	pcmRate      = 24000
)

var _ tts.Synthesizer = (*Synthesizer)(nil)

// Synthesizer implements tts.Synthesizer using the OpenAI speech API.
type Synthesizer struct {
	client   oai.Client
	model    string
	voice    string
	speed    float64
	readSize int
}

type config struct {
	baseURL    string
	timeout    time.Duration
	maxRetries int
	voice      string
	speed      float64
	readSize   int
}

// Option is a functional option for Synthesizer.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithTimeout sets a per-request HTTP timeout. It bounds the whole
// response body, so keep it above the longest expected reply.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithMaxRetries sets how often the SDK retries a failed request.
func WithMaxRetries(n int) Option {
	return func(c *config) { c.maxRetries = n }
}

// WithVoice sets the voice used when Synthesize is called without one.
// Defaults to "alloy".
func WithVoice(voice string) Option {
	return func(c *config) { c.voice = voice }
}

// WithSpeed sets the speaking rate (0.25 to 4.0). Zero uses the API default.
func WithSpeed(speed float64) Option {
	return func(c *config) { c.speed = speed }
}

// WithReadSize sets the body read size per chunk. Defaults to
// [tts.DefaultReadSize].
func WithReadSize(n int) Option {
	return func(c *config) { c.readSize = n }
}

// New constructs a Synthesizer. An empty model selects tts-1.
func New(apiKey, model string, opts ...Option) (*Synthesizer, error) {
	if apiKey == "" {
		return nil, errors.New("openai tts: apiKey must not be empty")
	}
	if model == "" {
		model = defaultModel
	}
	cfg := &config{maxRetries: -1, voice: defaultVoice}
	for _, o := range opts {
		o(cfg)
	}
	if cfg.speed != 0 && (cfg.speed < 0.25 || cfg.speed > 4) {
		return nil, fmt.Errorf("openai tts: speed %.2f out of range [0.25, 4]", cfg.speed)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}
	if cfg.maxRetries >= 0 {
		reqOpts = append(reqOpts, option.WithMaxRetries(cfg.maxRetries))
	}
	return &Synthesizer{
		client:   oai.NewClient(reqOpts...),
		model:    model,
		voice:    cfg.voice,
		speed:    cfg.speed,
		readSize: cfg.readSize,
	}, nil
}

// Format returns 24 kHz mono, the rate of the API's pcm format.
func (s *Synthesizer) Format() audio.Format {
	return audio.Format{SampleRate: pcmRate, Channels: 1}
}

// Synthesize requests speech for text. Blank text yields a reader with no
// chunks and sends no request.
func (s *Synthesizer) Synthesize(ctx context.Context, text, voice string) (tts.ChunkReader, error) {
	if strings.TrimSpace(text) == "" {
		return tts.NewSliceReader(), nil
	}
	if voice == "" {
		voice = s.voice
	}

	params := oai.AudioSpeechNewParams{
		Input:          text,
		Model:          oai.SpeechModel(s.model),
		Voice:          oai.AudioSpeechNewParamsVoice(voice),
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormatPCM,
	}
	if s.speed != 0 {
		params.Speed = oai.Float(s.speed)
	}

	resp, err := s.client.Audio.Speech.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai tts: synthesize: %w", err)
	}
	return tts.NewBodyReader(resp.Body, s.readSize), nil
}
