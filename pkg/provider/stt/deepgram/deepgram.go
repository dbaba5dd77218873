// Package deepgram provides a Deepgram-backed [stt.Recognizer]. Each
// utterance is streamed over one WebSocket session of the live listen API;
// the final segments Deepgram returns are joined into one result.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxline/pkg/audio"
	"github.com/MrWong99/voxline/pkg/provider/stt"
)

var _ stt.Recognizer = (*Recognizer)(nil)

const (
	defaultEndpoint = "wss://api.deepgram.com/v1/listen"
	defaultModel    = "nova-3"
	defaultLanguage = "en"

	// sendChunkBytes is 100 ms of 16 kHz mono PCM.
	sendChunkBytes = 3200
)

// targetFormat is what the recognizer streams; input is converted first.
var targetFormat = audio.Format{SampleRate: 16000, Channels: 1}

// Option is a functional option for configuring the Recognizer.
type Option func(*Recognizer)

// WithModel sets the Deepgram model (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(r *Recognizer) { r.model = model }
}

// WithLanguage sets the language used when a call carries no hint.
func WithLanguage(language string) Option {
	return func(r *Recognizer) { r.language = language }
}

// WithKeyterms boosts domain terms the model should prefer.
func WithKeyterms(terms ...string) Option {
	return func(r *Recognizer) { r.keyterms = terms }
}

// WithEndpoint overrides the listen endpoint.
func WithEndpoint(endpoint string) Option {
	return func(r *Recognizer) { r.endpoint = endpoint }
}

// Recognizer implements stt.Recognizer. It is safe for concurrent use.
type Recognizer struct {
	apiKey   string
	endpoint string
	model    string
	language string
	keyterms []string
}

// New creates a Recognizer. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Recognizer, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	r := &Recognizer{
		apiKey:   apiKey,
		endpoint: defaultEndpoint,
		model:    defaultModel,
		language: defaultLanguage,
	}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// buildURL constructs the listen URL for one utterance.
func (r *Recognizer) buildURL(lang string) (string, error) {
	u, err := url.Parse(r.endpoint)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("model", r.model)
	q.Set("language", lang)
	q.Set("punctuate", "true")
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(targetFormat.SampleRate))
	q.Set("channels", strconv.Itoa(targetFormat.Channels))
	for _, term := range r.keyterms {
		q.Add("keyterm", term)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// response is the subset of a Deepgram message we read.
type response struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// Transcribe streams a to Deepgram, closes the stream and joins the final
// segments.
func (r *Recognizer) Transcribe(ctx context.Context, a stt.Audio, languageHint string) (stt.Result, error) {
	if len(a.PCM) == 0 {
		return stt.Result{}, stt.ErrEmptyAudio
	}
	lang := languageHint
	if lang == "" {
		lang = r.language
	}
	wsURL, err := r.buildURL(lang)
	if err != nil {
		return stt.Result{}, fmt.Errorf("deepgram: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+r.apiKey)
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: headers})
	if err != nil {
		return stt.Result{}, fmt.Errorf("deepgram: dial: %w", err)
	}
	defer conn.CloseNow()

	pcm := audio.Convert(a.PCM, a.Format(), targetFormat)
	for off := 0; off < len(pcm); off += sendChunkBytes {
		end := min(off+sendChunkBytes, len(pcm))
		if err := conn.Write(ctx, websocket.MessageBinary, pcm[off:end]); err != nil {
			return stt.Result{}, fmt.Errorf("deepgram: send audio: %w", err)
		}
	}
	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"CloseStream"}`)); err != nil {
		return stt.Result{}, fmt.Errorf("deepgram: close stream: %w", err)
	}

	var (
		parts []string
		conf  float64
	)
	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				break
			}
			return stt.Result{}, fmt.Errorf("deepgram: read: %w", err)
		}
		var resp response
		if err := json.Unmarshal(msg, &resp); err != nil {
			continue
		}
		if resp.Type == "Metadata" {
			break
		}
		if resp.Type != "Results" || !resp.IsFinal || len(resp.Channel.Alternatives) == 0 {
			continue
		}
		alt := resp.Channel.Alternatives[0]
		if text := strings.TrimSpace(alt.Transcript); text != "" {
			parts = append(parts, text)
			conf += alt.Confidence
		}
	}
	_ = conn.Close(websocket.StatusNormalClosure, "")

	res := stt.Result{Text: strings.Join(parts, " ")}
	if len(parts) > 0 {
		res.Confidence = conf / float64(len(parts))
		res.Language = lang
	}
	return res, nil
}
