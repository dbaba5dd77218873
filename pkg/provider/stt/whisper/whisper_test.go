package whisper_test

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voxline/pkg/audio"
	"github.com/MrWong99/voxline/pkg/provider/stt"
	"github.com/MrWong99/voxline/pkg/provider/stt/whisper"
)

// capturedRequest records what the fake server received.
type capturedRequest struct {
	fields map[string]string
	wav    []byte
}

// newFakeServer answers POST /inference with body and records each request.
func newFakeServer(t *testing.T, status int, body any) (*httptest.Server, *[]capturedRequest) {
	t.Helper()
	var (
		mu   sync.Mutex
		reqs []capturedRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/inference" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if err := r.ParseMultipartForm(10 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		cr := capturedRequest{fields: map[string]string{}}
		for k, v := range r.MultipartForm.Value {
			cr.fields[k] = v[0]
		}
		if f, _, err := r.FormFile("file"); err == nil {
			cr.wav, _ = io.ReadAll(f)
			f.Close()
		}
		mu.Lock()
		reqs = append(reqs, cr)
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(srv.Close)
	return srv, &reqs
}

// speechPCM returns n samples of a 440 Hz tone at the given rate.
func speechPCM(n, rate int) []byte {
	buf := make([]byte, n*2)
	for i := range n {
		v := int16(10_000 * math.Sin(2*math.Pi*440*float64(i)/float64(rate)))
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(v))
	}
	return buf
}

func TestNew_EmptyServerURL(t *testing.T) {
	t.Parallel()
	if _, err := whisper.New(""); err == nil {
		t.Fatal("want error for empty server URL, got nil")
	}
}

func TestTranscribe_VerboseJSON(t *testing.T) {
	t.Parallel()

	srv, reqs := newFakeServer(t, http.StatusOK, map[string]any{
		"text":     " what is my balance ",
		"language": "english",
		"segments": []map[string]any{
			{"avg_logprob": math.Log(0.8)},
			{"avg_logprob": math.Log(0.8)},
		},
	})
	r, err := whisper.New(srv.URL+"/", whisper.WithModel("base.en"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	res, err := r.Transcribe(context.Background(), stt.Audio{PCM: speechPCM(1600, 16000), SampleRate: 16000, Channels: 1}, "")
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if res.Text != " what is my balance " {
		t.Errorf("want raw text passed through, got %q", res.Text)
	}
	if res.Language != "en" {
		t.Errorf("want language en, got %q", res.Language)
	}
	if math.Abs(res.Confidence-0.8) > 1e-9 {
		t.Errorf("want confidence 0.8, got %f", res.Confidence)
	}

	if len(*reqs) != 1 {
		t.Fatalf("want 1 request, got %d", len(*reqs))
	}
	got := (*reqs)[0]
	for k, want := range map[string]string{"response_format": "verbose_json", "language": "en", "model": "base.en"} {
		if got.fields[k] != want {
			t.Errorf("field %s: want %q, got %q", k, want, got.fields[k])
		}
	}
	if _, format, err := audio.DecodeWAV(got.wav); err != nil || format != (audio.Format{SampleRate: 16000, Channels: 1}) {
		t.Errorf("want 16kHz mono WAV upload, got %s (err %v)", format, err)
	}
}

func TestTranscribe_ConvertsTo16kMono(t *testing.T) {
	t.Parallel()

	srv, reqs := newFakeServer(t, http.StatusOK, map[string]any{"text": "hi"})
	r, _ := whisper.New(srv.URL)

	// 100ms of 48kHz stereo.
	pcm := audio.MonoToStereo(speechPCM(4800, 48000))
	if _, err := r.Transcribe(context.Background(), stt.Audio{PCM: pcm, SampleRate: 48000, Channels: 2}, "de"); err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	data, format, err := audio.DecodeWAV((*reqs)[0].wav)
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if format.SampleRate != 16000 || format.Channels != 1 {
		t.Errorf("want 16000Hz mono, got %s", format)
	}
	if len(data) != 1600*2 {
		t.Errorf("want %d bytes, got %d", 1600*2, len(data))
	}
	if (*reqs)[0].fields["language"] != "de" {
		t.Errorf("want hint de forwarded, got %q", (*reqs)[0].fields["language"])
	}
}

func TestTranscribe_NoLanguageFallsBackToHint(t *testing.T) {
	t.Parallel()

	srv, _ := newFakeServer(t, http.StatusOK, map[string]any{"text": ""})
	r, _ := whisper.New(srv.URL, whisper.WithLanguage("fr"))
	res, err := r.Transcribe(context.Background(), stt.Audio{PCM: speechPCM(160, 16000), SampleRate: 16000, Channels: 1}, "")
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if res.Text != "" {
		t.Errorf("want empty text, got %q", res.Text)
	}
	if res.Language != "fr" {
		t.Errorf("want fr, got %q", res.Language)
	}
	if res.Confidence != 0 {
		t.Errorf("want 0 confidence without segments, got %f", res.Confidence)
	}
}

func TestTranscribe_ServerError(t *testing.T) {
	t.Parallel()

	srv, _ := newFakeServer(t, http.StatusInternalServerError, map[string]string{"error": "model not loaded"})
	r, _ := whisper.New(srv.URL)
	_, err := r.Transcribe(context.Background(), stt.Audio{PCM: speechPCM(160, 16000), SampleRate: 16000, Channels: 1}, "")
	if err == nil {
		t.Fatal("want error for HTTP 500, got nil")
	}
}

func TestTranscribe_EmptyAudio(t *testing.T) {
	t.Parallel()

	r, _ := whisper.New("http://127.0.0.1:1")
	if _, err := r.Transcribe(context.Background(), stt.Audio{}, ""); !errors.Is(err, stt.ErrEmptyAudio) {
		t.Errorf("want ErrEmptyAudio, got %v", err)
	}
}

func TestTranscribe_ContextCancelled(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	r, _ := whisper.New(srv.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := r.Transcribe(ctx, stt.Audio{PCM: speechPCM(160, 16000), SampleRate: 16000, Channels: 1}, "")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("want deadline exceeded, got %v", err)
	}
}
