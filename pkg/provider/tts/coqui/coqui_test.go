package coqui_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/MrWong99/voxline/pkg/audio"
	"github.com/MrWong99/voxline/pkg/provider/tts"
	"github.com/MrWong99/voxline/pkg/provider/tts/coqui"
)

type fakeServer struct {
	mu    sync.Mutex
	texts []string
	voice []string
}

func (f *fakeServer) record(text, voice string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	f.voice = append(f.voice, voice)
}

func (f *fakeServer) voices() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.voice...)
}

func (f *fakeServer) requests() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

// newServer answers every synthesis request with samples of 16-bit mono
// PCM at rate, wrapped in a WAV file.
func newServer(t *testing.T, rate, samples, status int) (*httptest.Server, *fakeServer) {
	t.Helper()
	f := &fakeServer{}
	wav := audio.EncodeWAV(make([]byte, samples*2), rate, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/api/tts":
			f.record(r.URL.Query().Get("text"), r.URL.Query().Get("speaker_id"))
		case r.Method == http.MethodPost && r.URL.Path == "/tts_to_audio/":
			var body struct {
				Text       string `json:"text"`
				SpeakerWav string `json:"speaker_wav"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			f.record(body.Text, body.SpeakerWav)
		default:
			http.NotFound(w, r)
			return
		}
		if status != http.StatusOK {
			http.Error(w, "synthesis failed", status)
			return
		}
		w.Header().Set("Content-Type", "audio/wav")
		_, _ = w.Write(wav)
	}))
	t.Cleanup(srv.Close)
	return srv, f
}

func readAll(t *testing.T, r tts.ChunkReader) ([][]byte, error) {
	t.Helper()
	var out [][]byte
	for {
		c, err := r.Next(context.Background())
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, c)
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	if _, err := coqui.New(""); err == nil {
		t.Error("want error for empty server URL")
	}
	if _, err := coqui.New("http://x", coqui.WithAPIMode("bogus")); err == nil {
		t.Error("want error for unknown API mode")
	}
}

func TestSynthesize_OneRequestPerSentence(t *testing.T) {
	t.Parallel()

	srv, f := newServer(t, 22050, 2205, http.StatusOK)
	s, _ := coqui.New(srv.URL)

	r, err := s.Synthesize(context.Background(), "Hello there. Your balance is 42 dollars!", "p225")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	defer r.Close()

	chunks, err := readAll(t, r)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("want 2 chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if len(c) != 2205*2 {
			t.Errorf("chunk %d: want %d bytes, got %d", i, 2205*2, len(c))
		}
	}
	got := f.requests()
	if len(got) != 2 || got[0] != "Hello there." || got[1] != "Your balance is 42 dollars!" {
		t.Errorf("want two sentence requests in order, got %q", got)
	}
	if f.voices()[0] != "p225" {
		t.Errorf("want speaker_id p225, got %q", f.voices()[0])
	}
}

func TestSynthesize_ResamplesToOutputRate(t *testing.T) {
	t.Parallel()

	srv, _ := newServer(t, 16000, 1600, http.StatusOK)
	s, _ := coqui.New(srv.URL, coqui.WithOutputSampleRate(48000))
	if got := s.Format(); got != (audio.Format{SampleRate: 48000, Channels: 1}) {
		t.Fatalf("want 48000Hz mono, got %s", got)
	}

	r, _ := s.Synthesize(context.Background(), "Hi.", "")
	chunks, err := readAll(t, r)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(chunks) != 1 || len(chunks[0]) != 4800*2 {
		t.Errorf("want one chunk of %d bytes, got %d chunks", 4800*2, len(chunks))
	}
}

func TestSynthesize_FetchesLazily(t *testing.T) {
	t.Parallel()

	srv, f := newServer(t, 22050, 100, http.StatusOK)
	s, _ := coqui.New(srv.URL)

	r, _ := s.Synthesize(context.Background(), "One. Two. Three. Four.", "")
	if _, err := r.Next(context.Background()); err != nil {
		t.Fatalf("Next: %v", err)
	}
	_ = r.Close()

	if n := len(f.requests()); n > 2 {
		t.Errorf("want at most the current and one prefetched sentence requested, got %d", n)
	}
	if _, err := r.Next(context.Background()); err == nil {
		t.Error("want error after Close")
	}
}

func TestSynthesize_XTTS(t *testing.T) {
	t.Parallel()

	srv, f := newServer(t, 24000, 240, http.StatusOK)
	s, _ := coqui.New(srv.URL, coqui.WithAPIMode(coqui.APIModeXTTS), coqui.WithOutputSampleRate(24000))

	if _, err := s.Synthesize(context.Background(), "Hi.", ""); err == nil {
		t.Error("want error for missing voice in XTTS mode")
	}
	r, err := s.Synthesize(context.Background(), "Hi.", "speaker.wav")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if _, err := readAll(t, r); err != nil {
		t.Fatalf("read: %v", err)
	}
	if f.voices()[0] != "speaker.wav" {
		t.Errorf("want speaker_wav forwarded, got %q", f.voices()[0])
	}
}

func TestSynthesize_EmptyText(t *testing.T) {
	t.Parallel()

	srv, f := newServer(t, 22050, 100, http.StatusOK)
	s, _ := coqui.New(srv.URL)

	r, err := s.Synthesize(context.Background(), "   ", "")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if _, err := r.Next(context.Background()); !errors.Is(err, io.EOF) {
		t.Errorf("want io.EOF, got %v", err)
	}
	if n := len(f.requests()); n != 0 {
		t.Errorf("want no requests, got %d", n)
	}
}

func TestSynthesize_ServerError(t *testing.T) {
	t.Parallel()

	srv, _ := newServer(t, 22050, 100, http.StatusInternalServerError)
	s, _ := coqui.New(srv.URL)

	r, _ := s.Synthesize(context.Background(), "Hi.", "")
	if _, err := readAll(t, r); err == nil {
		t.Error("want error for HTTP 500")
	}
}
