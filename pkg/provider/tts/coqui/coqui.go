// Package coqui provides a TTS synthesizer backed by a local Coqui TTS
// server, either the standard server (ghcr.io/coqui-ai/tts-cpu) or the
// XTTS v2 API server.
//
//   - APIModeStandard (default): GET /api/tts with URL query parameters.
//   - APIModeXTTS: POST /tts_to_audio/ with a JSON body. A voice (the
//     speaker_wav reference) is required.
//
// Both servers are batch engines returning one WAV file per request. A reply
// is split into sentences and each sentence is fetched on demand, with the
// following sentence prefetched while the current one is played.
package coqui

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/voxline/pkg/audio"
	"github.com/MrWong99/voxline/pkg/provider/tts"
)

var _ tts.Synthesizer = (*Synthesizer)(nil)

const (
	defaultLanguage   = "en"
	defaultTimeout    = 30 * time.Second
	defaultSampleRate = 22050
	ttsEndpoint       = "/tts_to_audio/"
	apiTTSEndpoint    = "/api/tts"
)

// APIMode selects which Coqui server API the synthesizer targets.
type APIMode string

const (
	// APIModeXTTS targets the Coqui XTTS v2 API server (/tts_to_audio/).
	APIModeXTTS APIMode = "xtts"

	// APIModeStandard targets the standard Coqui TTS server (/api/tts).
	APIModeStandard APIMode = "standard"
)

// Option is a functional option for configuring a Synthesizer.
type Option func(*Synthesizer)

// WithLanguage sets the language code sent to the server. Defaults to "en".
func WithLanguage(lang string) Option {
	return func(s *Synthesizer) {
		s.language = lang
	}
}

// WithTimeout sets the per-request HTTP timeout. Defaults to 30s.
func WithTimeout(d time.Duration) Option {
	return func(s *Synthesizer) {
		s.httpClient.Timeout = d
	}
}

// WithAPIMode sets the server API mode. Defaults to APIModeStandard.
func WithAPIMode(mode APIMode) Option {
	return func(s *Synthesizer) {
		s.apiMode = mode
	}
}

// WithOutputSampleRate sets the rate every chunk is converted to. Defaults
// to 22050, the rate of the common Coqui VITS models.
func WithOutputSampleRate(rate int) Option {
	return func(s *Synthesizer) {
		s.sampleRate = rate
	}
}

// Synthesizer implements tts.Synthesizer. It is safe for concurrent use.
type Synthesizer struct {
	serverURL  string
	language   string
	httpClient *http.Client
	apiMode    APIMode
	sampleRate int
}

// New creates a Synthesizer for the server at serverURL
// (e.g., "http://localhost:5002").
func New(serverURL string, opts ...Option) (*Synthesizer, error) {
	if serverURL == "" {
		return nil, errors.New("coqui: serverURL must not be empty")
	}
	s := &Synthesizer{
		serverURL:  strings.TrimRight(serverURL, "/"),
		language:   defaultLanguage,
		apiMode:    APIModeStandard,
		sampleRate: defaultSampleRate,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(s)
	}
	if s.apiMode != APIModeStandard && s.apiMode != APIModeXTTS {
		return nil, fmt.Errorf("coqui: unknown API mode %q", s.apiMode)
	}
	return s, nil
}

// Format returns mono PCM at the configured output rate.
func (s *Synthesizer) Format() audio.Format {
	return audio.Format{SampleRate: s.sampleRate, Channels: 1}
}

// Synthesize returns a reader that fetches text one sentence at a time.
// Blank text yields a reader with no chunks.
func (s *Synthesizer) Synthesize(ctx context.Context, text, voice string) (tts.ChunkReader, error) {
	if voice == "" && s.apiMode == APIModeXTTS {
		return nil, errors.New("coqui: voice must not be empty in XTTS mode")
	}
	sentences := tts.SplitSentences(text)
	if len(sentences) == 0 {
		return tts.NewSliceReader(), nil
	}
	rctx, cancel := context.WithCancel(ctx)
	return &sentenceReader{
		s:         s,
		voice:     voice,
		sentences: sentences,
		ctx:       rctx,
		cancel:    cancel,
	}, nil
}

type fetchResult struct {
	pcm []byte
	err error
}

// sentenceReader yields the PCM of one sentence per Next call.
type sentenceReader struct {
	s         *Synthesizer
	voice     string
	sentences []string
	ctx       context.Context
	cancel    context.CancelFunc

	mu      sync.Mutex
	pending chan fetchResult
}

// prefetch starts fetching the next sentence unless one is in flight.
func (r *sentenceReader) prefetch() {
	if r.pending != nil || len(r.sentences) == 0 {
		return
	}
	sentence := r.sentences[0]
	r.sentences = r.sentences[1:]
	ch := make(chan fetchResult, 1)
	r.pending = ch
	go func() {
		pcm, err := r.s.synthesize(r.ctx, sentence, r.voice)
		ch <- fetchResult{pcm: pcm, err: err}
	}()
}

func (r *sentenceReader) Next(ctx context.Context) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for {
		if err := r.ctx.Err(); err != nil {
			return nil, err
		}
		r.prefetch()
		if r.pending == nil {
			return nil, io.EOF
		}
		var res fetchResult
		select {
		case res = <-r.pending:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-r.ctx.Done():
			return nil, r.ctx.Err()
		}
		r.pending = nil
		if res.err != nil {
			return nil, res.err
		}
		r.prefetch()
		if len(res.pcm) > 0 {
			return res.pcm, nil
		}
	}
}

func (r *sentenceReader) Close() error {
	r.cancel()
	return nil
}

// ttsRequest is the JSON body sent to POST /tts_to_audio/ (XTTS mode).
type ttsRequest struct {
	Text       string `json:"text"`
	SpeakerWav string `json:"speaker_wav"`
	Language   string `json:"language"`
}

// synthesize performs one request and returns PCM in the output format.
func (s *Synthesizer) synthesize(ctx context.Context, sentence, voice string) ([]byte, error) {
	var (
		req      *http.Request
		err      error
		endpoint string
	)
	if s.apiMode == APIModeXTTS {
		endpoint = ttsEndpoint
		data, merr := json.Marshal(ttsRequest{Text: sentence, SpeakerWav: voice, Language: s.language})
		if merr != nil {
			return nil, fmt.Errorf("coqui: marshal tts request: %w", merr)
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, s.serverURL+endpoint, bytes.NewReader(data))
		if err == nil {
			req.Header.Set("Content-Type", "application/json")
		}
	} else {
		endpoint = apiTTSEndpoint
		params := url.Values{}
		params.Set("text", sentence)
		if voice != "" {
			params.Set("speaker_id", voice)
		}
		if s.language != "" {
			params.Set("language_id", s.language)
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, s.serverURL+endpoint+"?"+params.Encode(), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("coqui: create tts request: %w", err)
	}
	req.Header.Set("Accept", "audio/wav")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("coqui: %s %s: %w", req.Method, endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("coqui: %s %s returned status %d", req.Method, endpoint, resp.StatusCode)
	}

	wav, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("coqui: read WAV response: %w", err)
	}
	pcm, format, err := audio.DecodeWAV(wav)
	if err != nil {
		return nil, fmt.Errorf("coqui: %w", err)
	}
	return audio.Convert(pcm, format, s.Format()), nil
}
