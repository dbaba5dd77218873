// Package whisper provides whisper.cpp-backed STT recognizers.
//
// [Recognizer] talks to a running whisper-server binary, which exposes a
// REST API at POST /inference. [NativeRecognizer] runs the model in-process
// through the cgo bindings. Both are batch engines: each Transcribe call
// uploads or processes one complete utterance.
//
// whisper.cpp expects 16 kHz mono audio. Input in any other format is
// converted before inference.
//
// Usage:
//
//	r, err := whisper.New("http://localhost:8080", whisper.WithLanguage("en"))
//	res, err := r.Transcribe(ctx, stt.Audio{PCM: pcm, SampleRate: 16000, Channels: 1}, "")
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/voxline/pkg/audio"
	"github.com/MrWong99/voxline/pkg/provider/stt"
)

const (
	defaultLanguage   = "en"
	defaultSampleRate = 16000
	defaultTimeout    = 30 * time.Second
)

// targetFormat is the only format whisper.cpp accepts.
var targetFormat = audio.Format{SampleRate: defaultSampleRate, Channels: 1}

var _ stt.Recognizer = (*Recognizer)(nil)

// Option is a functional option for configuring a Recognizer.
type Option func(*Recognizer)

// WithModel sets the model identifier forwarded to the whisper.cpp server
// (e.g., "base.en", "small"). When empty the server uses whichever model it
// was started with. This is the default.
func WithModel(model string) Option {
	return func(r *Recognizer) {
		r.model = model
	}
}

// WithLanguage sets the language used when a call carries no hint.
// Defaults to "en". Use "auto" to let whisper detect the language.
func WithLanguage(lang string) Option {
	return func(r *Recognizer) {
		r.language = lang
	}
}

// WithHTTPClient replaces the HTTP client. The default client has a 30s
// timeout.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Recognizer) {
		r.httpClient = c
	}
}

// Recognizer implements stt.Recognizer backed by a whisper.cpp HTTP server.
type Recognizer struct {
	serverURL  string
	model      string
	language   string
	httpClient *http.Client
}

// New creates a Recognizer for the whisper.cpp HTTP server at serverURL
// (e.g., "http://localhost:8080"). serverURL must be non-empty.
func New(serverURL string, opts ...Option) (*Recognizer, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	r := &Recognizer{
		serverURL:  strings.TrimRight(serverURL, "/"),
		language:   defaultLanguage,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// verboseResponse is the subset of whisper-server's verbose_json output we read.
type verboseResponse struct {
	Text     string           `json:"text"`
	Language string           `json:"language"`
	Segments []verboseSegment `json:"segments"`
}

type verboseSegment struct {
	AvgLogprob *float64 `json:"avg_logprob"`
}

// Transcribe uploads a as a WAV file and returns the server's transcription.
func (r *Recognizer) Transcribe(ctx context.Context, a stt.Audio, languageHint string) (stt.Result, error) {
	if len(a.PCM) == 0 {
		return stt.Result{}, stt.ErrEmptyAudio
	}
	lang := languageHint
	if lang == "" {
		lang = r.language
	}

	pcm := audio.Convert(a.PCM, a.Format(), targetFormat)
	wav := audio.EncodeWAV(pcm, targetFormat.SampleRate, targetFormat.Channels)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return stt.Result{}, fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return stt.Result{}, fmt.Errorf("whisper: write wav data: %w", err)
	}
	fields := map[string]string{
		"response_format": "verbose_json",
		"language":        lang,
		"model":           r.model,
	}
	for k, v := range fields {
		if v == "" {
			continue
		}
		if err := mw.WriteField(k, v); err != nil {
			return stt.Result{}, fmt.Errorf("whisper: write %s field: %w", k, err)
		}
	}
	if err := mw.Close(); err != nil {
		return stt.Result{}, fmt.Errorf("whisper: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.serverURL+"/inference", &body)
	if err != nil {
		return stt.Result{}, fmt.Errorf("whisper: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return stt.Result{}, fmt.Errorf("whisper: http request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return stt.Result{}, fmt.Errorf("whisper: read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return stt.Result{}, fmt.Errorf("whisper: server returned HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}

	var out verboseResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return stt.Result{}, fmt.Errorf("whisper: parse JSON response: %w", err)
	}

	res := stt.Result{
		Text:       out.Text,
		Language:   languageCode(out.Language),
		Confidence: segmentConfidence(out.Segments),
	}
	if res.Language == "" && lang != "auto" {
		res.Language = lang
	}
	return res, nil
}

// segmentConfidence converts the mean per-segment average log probability to
// a probability. Segments without a logprob are ignored.
func segmentConfidence(segs []verboseSegment) float64 {
	var sum float64
	var n int
	for _, s := range segs {
		if s.AvgLogprob == nil {
			continue
		}
		sum += *s.AvgLogprob
		n++
	}
	if n == 0 {
		return 0
	}
	return math.Exp(sum / float64(n))
}

// whisper-server reports full language names ("english"); map the common
// ones to BCP-47 codes and pass anything else through.
var languageNames = map[string]string{
	"english":    "en",
	"german":     "de",
	"french":     "fr",
	"spanish":    "es",
	"italian":    "it",
	"portuguese": "pt",
	"dutch":      "nl",
	"russian":    "ru",
	"polish":     "pl",
	"turkish":    "tr",
	"chinese":    "zh",
	"japanese":   "ja",
	"korean":     "ko",
}

func languageCode(name string) string {
	if code, ok := languageNames[strings.ToLower(name)]; ok {
		return code
	}
	return name
}
