// Package openai provides an STT recognizer backed by the OpenAI
// audio/transcriptions endpoint or any server that speaks the same API
// (faster-whisper-server, LocalAI, vLLM).
//
// whisper-1 style models are asked for verbose_json, which reports the
// detected language. gpt-4o-transcribe style models are asked for json with
// token logprobs, from which a confidence is derived.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MrWong99/voxline/pkg/audio"
	"github.com/MrWong99/voxline/pkg/provider/stt"
)

const defaultModel = "whisper-1"

var _ stt.Recognizer = (*Recognizer)(nil)

// Recognizer implements stt.Recognizer using the OpenAI transcription API.
type Recognizer struct {
	client oai.Client
	model  string
}

type config struct {
	baseURL    string
	timeout    time.Duration
	maxRetries int
}

// Option is a functional option for Recognizer.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithMaxRetries sets how often the SDK retries a failed request. Defaults
// to the SDK default.
func WithMaxRetries(n int) Option {
	return func(c *config) { c.maxRetries = n }
}

// New constructs a Recognizer. An empty model selects whisper-1.
func New(apiKey, model string, opts ...Option) (*Recognizer, error) {
	if apiKey == "" {
		return nil, errors.New("openai stt: apiKey must not be empty")
	}
	if model == "" {
		model = defaultModel
	}
	cfg := &config{maxRetries: -1}
	for _, o := range opts {
		o(cfg)
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
	return &Recognizer{client: oai.NewClient(reqOpts...), model: model}, nil
}

// transcriptionBody is the union of the json and verbose_json response shapes.
type transcriptionBody struct {
	Text     string `json:"text"`
	Language string `json:"language"`
	Logprobs []struct {
		Logprob float64 `json:"logprob"`
	} `json:"logprobs"`
}

// Transcribe uploads a as a WAV file.
func (r *Recognizer) Transcribe(ctx context.Context, a stt.Audio, languageHint string) (stt.Result, error) {
	if len(a.PCM) == 0 {
		return stt.Result{}, stt.ErrEmptyAudio
	}
	wav := audio.EncodeWAV(a.PCM, a.SampleRate, a.Channels)

	params := oai.AudioTranscriptionNewParams{
		File:  oai.File(bytes.NewReader(wav), "audio.wav", "audio/wav"),
		Model: oai.AudioModel(r.model),
	}
	if languageHint != "" {
		params.Language = oai.String(languageHint)
	}
	verbose := strings.HasPrefix(r.model, "whisper")
	if verbose {
		params.ResponseFormat = oai.AudioResponseFormatVerboseJSON
	} else {
		params.ResponseFormat = oai.AudioResponseFormatJSON
		params.Include = []oai.TranscriptionInclude{oai.TranscriptionIncludeLogprobs}
	}

	resp, err := r.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return stt.Result{}, fmt.Errorf("openai stt: transcribe: %w", err)
	}

	res := stt.Result{Text: resp.Text, Language: languageHint}
	var body transcriptionBody
	if raw := resp.RawJSON(); raw != "" {
		if err := json.Unmarshal([]byte(raw), &body); err != nil {
			return stt.Result{}, fmt.Errorf("openai stt: parse response: %w", err)
		}
	}
	if body.Language != "" {
		res.Language = languageCode(body.Language)
	}
	if n := len(body.Logprobs); n > 0 {
		var sum float64
		for _, lp := range body.Logprobs {
			sum += lp.Logprob
		}
		res.Confidence = math.Exp(sum / float64(n))
	}
	return res, nil
}

// verbose_json reports full language names.
var languageNames = map[string]string{
	"english": "en",
	"german":  "de",
	"french":  "fr",
	"spanish": "es",
	"italian": "it",
}

func languageCode(name string) string {
	if code, ok := languageNames[strings.ToLower(name)]; ok {
		return code
	}
	return name
}
