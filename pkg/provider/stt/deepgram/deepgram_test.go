package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxline/pkg/provider/stt"
)

// ---- URL / query-param tests ----

func TestBuildURL_Defaults(t *testing.T) {
	t.Parallel()

	r, err := New("test-key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rawURL, err := r.buildURL("en")
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse URL: %v", err)
	}
	q := u.Query()

	assertEqual(t, "model", "nova-3", q.Get("model"))
	assertEqual(t, "language", "en", q.Get("language"))
	assertEqual(t, "punctuate", "true", q.Get("punctuate"))
	assertEqual(t, "encoding", "linear16", q.Get("encoding"))
	assertEqual(t, "sample_rate", "16000", q.Get("sample_rate"))
	assertEqual(t, "channels", "1", q.Get("channels"))
}

func TestBuildURL_Keyterms(t *testing.T) {
	t.Parallel()

	r, _ := New("key", WithModel("base"), WithKeyterms("balance", "account"))
	rawURL, err := r.buildURL("de-DE")
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}
	u, _ := url.Parse(rawURL)
	q := u.Query()
	assertEqual(t, "model", "base", q.Get("model"))
	assertEqual(t, "language", "de-DE", q.Get("language"))
	if got := q["keyterm"]; len(got) != 2 || got[0] != "balance" || got[1] != "account" {
		t.Errorf("keyterm = %v, want [balance account]", got)
	}
}

func TestNew_RequiresAPIKey(t *testing.T) {
	t.Parallel()

	if _, err := New(""); err == nil {
		t.Error("New(\"\") should fail")
	}
}

// ---- streaming tests ----

type serverLog struct {
	mu     sync.Mutex
	auth   string
	query  url.Values
	bytes  int
	closed bool
}

// newServer accepts one session, counts the audio it receives and answers
// CloseStream with messages followed by Metadata.
func newServer(t *testing.T, messages ...any) (*httptest.Server, *serverLog) {
	t.Helper()
	log := &serverLog{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.mu.Lock()
		log.auth = r.Header.Get("Authorization")
		log.query = r.URL.Query()
		log.mu.Unlock()

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		ctx := r.Context()
		for {
			typ, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			if typ == websocket.MessageBinary {
				log.mu.Lock()
				log.bytes += len(data)
				log.mu.Unlock()
				continue
			}
			if strings.Contains(string(data), "CloseStream") {
				log.mu.Lock()
				log.closed = true
				log.mu.Unlock()
				break
			}
		}
		for _, m := range messages {
			data, _ := json.Marshal(m)
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				return
			}
		}
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"type":"Metadata"}`))
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}))
	t.Cleanup(srv.Close)
	return srv, log
}

func result(text string, conf float64, final bool) map[string]any {
	return map[string]any{
		"type":     "Results",
		"is_final": final,
		"channel": map[string]any{
			"alternatives": []map[string]any{{"transcript": text, "confidence": conf}},
		},
	}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/listen"
}

func TestTranscribe_JoinsFinals(t *testing.T) {
	t.Parallel()

	srv, log := newServer(t,
		result("what is", 0.5, false),
		result("What is my", 0.8, true),
		result("balance?", 1.0, true),
		result("", 0, true),
	)
	r, _ := New("secret", WithEndpoint(wsURL(srv)))

	// One second of 8 kHz mono, converted to 16 kHz before sending.
	a := stt.Audio{PCM: make([]byte, 16000), SampleRate: 8000, Channels: 1}
	res, err := r.Transcribe(context.Background(), a, "en-US")
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	assertEqual(t, "Text", "What is my balance?", res.Text)
	assertEqual(t, "Language", "en-US", res.Language)
	if res.Confidence < 0.89 || res.Confidence > 0.91 {
		t.Errorf("Confidence = %v, want 0.9", res.Confidence)
	}

	log.mu.Lock()
	defer log.mu.Unlock()
	assertEqual(t, "Authorization", "Token secret", log.auth)
	assertEqual(t, "language", "en-US", log.query.Get("language"))
	if log.bytes != 32000 {
		t.Errorf("server received %d bytes, want 32000", log.bytes)
	}
	if !log.closed {
		t.Error("CloseStream was not sent")
	}
}

func TestTranscribe_NothingRecognised(t *testing.T) {
	t.Parallel()

	srv, _ := newServer(t)
	r, _ := New("secret", WithEndpoint(wsURL(srv)), WithLanguage("de"))
	res, err := r.Transcribe(context.Background(), stt.Audio{PCM: make([]byte, 640), SampleRate: 16000, Channels: 1}, "")
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if res.Text != "" || res.Language != "" || res.Confidence != 0 {
		t.Errorf("Transcribe() = %+v, want empty result", res)
	}
}

func TestTranscribe_EmptyAudio(t *testing.T) {
	t.Parallel()

	r, _ := New("secret")
	if _, err := r.Transcribe(context.Background(), stt.Audio{}, ""); !errors.Is(err, stt.ErrEmptyAudio) {
		t.Errorf("Transcribe() error = %v, want %v", err, stt.ErrEmptyAudio)
	}
}

func TestTranscribe_DialError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	r, _ := New("bad", WithEndpoint(wsURL(srv)))
	_, err := r.Transcribe(context.Background(), stt.Audio{PCM: make([]byte, 640), SampleRate: 16000, Channels: 1}, "")
	if err == nil || !strings.Contains(err.Error(), "dial") {
		t.Errorf("Transcribe() error = %v, want dial error", err)
	}
}

func TestTranscribe_ContextCancelled(t *testing.T) {
	t.Parallel()

	srv, _ := newServer(t)
	r, _ := New("secret", WithEndpoint(wsURL(srv)))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := r.Transcribe(ctx, stt.Audio{PCM: make([]byte, 640), SampleRate: 16000, Channels: 1}, ""); err == nil {
		t.Error("Transcribe() with a cancelled context should fail")
	}
}

// ---- helpers ----

func assertEqual(t *testing.T, field, want, got string) {
	t.Helper()
	if got != want {
		t.Errorf("%s = %q, want %q", field, got, want)
	}
}
