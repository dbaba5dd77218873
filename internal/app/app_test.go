package app_test

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MrWong99/voxline/internal/app"
	"github.com/MrWong99/voxline/internal/balance"
	"github.com/MrWong99/voxline/internal/config"
	"github.com/MrWong99/voxline/internal/mcp"
	mcpmock "github.com/MrWong99/voxline/internal/mcp/mock"
	"github.com/MrWong99/voxline/pkg/audio"
	audiomock "github.com/MrWong99/voxline/pkg/audio/mock"
	"github.com/MrWong99/voxline/pkg/provider/llm"
	llmmock "github.com/MrWong99/voxline/pkg/provider/llm/mock"
	"github.com/MrWong99/voxline/pkg/provider/stt"
	sttmock "github.com/MrWong99/voxline/pkg/provider/stt/mock"
	ttsmock "github.com/MrWong99/voxline/pkg/provider/tts/mock"
	vadmock "github.com/MrWong99/voxline/pkg/provider/vad/mock"
)

// testConfig returns a config without listeners or external services.
func testConfig() *config.Config {
	return &config.Config{
		Server:   config.ServerConfig{LogLevel: config.LogInfo},
		Dialogue: config.DialogueConfig{ReplyTimeout: time.Second, ChunkBytes: 640},
	}
}

// testProviders returns mock engines that turn any loud speech into a
// two-chunk reply.
func testProviders() (*app.Providers, *audiomock.Platform) {
	platform := audiomock.NewPlatform()
	return &app.Providers{
		VAD:      &vadmock.Engine{Session: &vadmock.Session{Classify: vadmock.ByEnergy(0.02)}},
		STT:      &sttmock.Recognizer{Result: stt.Result{Text: "what is my balance"}},
		TTS:      &ttsmock.Synthesizer{Chunks: [][]byte{make([]byte, 640), make([]byte, 640)}},
		LLM:      &llmmock.Provider{Response: &llm.CompletionResponse{Content: "It is 12.50."}},
		Platform: platform,
		STTName:  "mock",
		TTSName:  "mock",
		LLMName:  "mock",
	}, platform
}

type describerFunc func(ctx context.Context, userID int64) (string, error)

func (f describerFunc) Describe(ctx context.Context, userID int64) (string, error) {
	return f(ctx, userID)
}

// speech returns d of loud 16 kHz frames followed by enough silence to end
// the utterance.
func speech(d time.Duration) []audio.AudioFrame {
	const frame = 20 * time.Millisecond
	var out []audio.AudioFrame
	var ts time.Duration
	add := func(n time.Duration, loud bool) {
		for ; n > 0; n -= frame {
			data := make([]byte, 640)
			if loud {
				for i := 0; i < len(data); i += 2 {
					binary.LittleEndian.PutUint16(data[i:], uint16(int16(3000)))
				}
			}
			out = append(out, audio.AudioFrame{Data: data, SampleRate: 16000, Channels: 1, Timestamp: ts})
			ts += frame
		}
	}
	add(d, true)
	add(500*time.Millisecond, false)
	return out
}

func runApp(t *testing.T, a *app.App) <-chan error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		_ = a.Shutdown(context.Background())
	})
	return done
}

func TestNew_MissingProviders(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*app.Providers)
	}{
		{"no vad", func(p *app.Providers) { p.VAD = nil }},
		{"no stt", func(p *app.Providers) { p.STT = nil }},
		{"no tts", func(p *app.Providers) { p.TTS = nil }},
		{"no llm", func(p *app.Providers) { p.LLM = nil }},
		{"no platform", func(p *app.Providers) { p.Platform = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p, _ := testProviders()
			tt.mutate(p)
			if _, err := app.New(context.Background(), testConfig(), p, app.WithMCPHost(&mcpmock.Host{})); err == nil {
				t.Fatal("New() should fail")
			}
		})
	}
	if _, err := app.New(context.Background(), testConfig(), nil); err == nil {
		t.Error("New() with nil providers should fail")
	}
}

func TestNew_WithMocks(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.MCP = config.MCPConfig{
		Servers: []mcp.ServerConfig{
			{Name: "crm", Transport: mcp.TransportStreamableHTTP, URL: "http://crm.local/mcp"},
			{Name: "docs", Transport: mcp.TransportStreamableHTTP, URL: "http://docs.local/mcp"},
		},
		Calibrate: true,
	}
	p, _ := testProviders()
	host := &mcpmock.Host{}

	a, err := app.New(context.Background(), cfg, p, app.WithMCPHost(host))
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	if a == nil {
		t.Fatal("New() returned nil app")
	}
	if got := host.CallCount("RegisterServer"); got != 2 {
		t.Errorf("RegisterServer call count = %d, want 2", got)
	}
	if got := host.CallCount("Calibrate"); got != 1 {
		t.Errorf("Calibrate call count = %d, want 1", got)
	}
}

func TestNew_BalanceTool(t *testing.T) {
	t.Parallel()

	p, _ := testProviders()
	d := describerFunc(func(context.Context, int64) (string, error) { return "12.50", nil })

	a, err := app.New(context.Background(), testConfig(), p, app.WithBalance(d))
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })

	var found bool
	for _, def := range a.Tools() {
		if def.Name == balance.ToolName {
			found = true
		}
	}
	if !found {
		t.Errorf("tool %q not offered, got %+v", balance.ToolName, a.Tools())
	}
}

func TestNew_BalanceToolNeedsBuiltinHost(t *testing.T) {
	t.Parallel()

	p, _ := testProviders()
	d := describerFunc(func(context.Context, int64) (string, error) { return "0", nil })
	if _, err := app.New(context.Background(), testConfig(), p, app.WithMCPHost(&mcpmock.Host{}), app.WithBalance(d)); err == nil {
		t.Fatal("New() should fail when the host cannot run built-in tools")
	}
}

func TestApp_RunCompletesCall(t *testing.T) {
	t.Parallel()

	p, platform := testProviders()
	a, err := app.New(context.Background(), testConfig(), p, app.WithMCPHost(&mcpmock.Host{}))
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	runApp(t, a)

	conn := audiomock.NewConnection("caller-1", 256)
	platform.Push(conn)
	eventually(t, func() bool {
		info := a.Sessions().Info()
		return len(info) == 1 && info[0].State == "listening"
	})

	conn.Feed(speech(800 * time.Millisecond)...)
	eventually(t, func() bool { return len(conn.Sink.Chunks()) == 2 })

	llmProv := p.LLM.(*llmmock.Provider)
	if len(llmProv.Calls) == 0 {
		t.Fatal("LLM was never called")
	}
}

func TestApp_RunStopsWhenPlatformCloses(t *testing.T) {
	t.Parallel()

	p, platform := testProviders()
	platform.AcceptErr = audio.ErrClosed
	a, err := app.New(context.Background(), testConfig(), p, app.WithMCPHost(&mcpmock.Host{}))
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}

	select {
	case err := <-runApp(t, a):
		if err != nil {
			t.Errorf("Run() = %v, want nil", err)
		}
	case <-time.After(waitFor):
		t.Fatal("Run() did not return")
	}
}

func TestApp_RunAcceptError(t *testing.T) {
	t.Parallel()

	p, platform := testProviders()
	boom := errors.New("listener broke")
	platform.AcceptErr = boom
	a, err := app.New(context.Background(), testConfig(), p, app.WithMCPHost(&mcpmock.Host{}))
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	if err := <-runApp(t, a); !errors.Is(err, boom) {
		t.Errorf("Run() = %v, want %v", err, boom)
	}
}

func TestApp_Handler(t *testing.T) {
	t.Parallel()

	p, _ := testProviders()
	a, err := app.New(context.Background(), testConfig(), p, app.WithMCPHost(&mcpmock.Host{}))
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)

	for _, path := range []string{"/healthz", "/readyz", "/metrics", "/sessions"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s status = %d, want %d", path, resp.StatusCode, http.StatusOK)
		}
	}

	resp, err := http.Get(srv.URL + "/sessions")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var sessions []app.SessionInfo
	if err := json.NewDecoder(resp.Body).Decode(&sessions); err != nil {
		t.Fatalf("decode /sessions: %v", err)
	}
	if len(sessions) != 0 {
		t.Errorf("len(sessions) = %d, want 0", len(sessions))
	}
}

func TestApp_Shutdown(t *testing.T) {
	t.Parallel()

	p, platform := testProviders()
	a, err := app.New(context.Background(), testConfig(), p, app.WithMCPHost(&mcpmock.Host{}))
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = a.Run(ctx) }()

	conn := audiomock.NewConnection("caller-1", 1)
	platform.Push(conn)
	eventually(t, func() bool { return a.Sessions().Count() == 1 })

	sctx, scancel := context.WithTimeout(context.Background(), waitFor)
	defer scancel()
	if err := a.Shutdown(sctx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
	if got := a.Sessions().Count(); got != 0 {
		t.Errorf("Count() after Shutdown = %d, want 0", got)
	}
	if got := conn.CloseCalls(); got != 1 {
		t.Errorf("CloseCalls() = %d, want 1", got)
	}

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("/readyz after Shutdown = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}

	// Second Shutdown is a no-op.
	if err := a.Shutdown(sctx); err != nil {
		t.Errorf("second Shutdown() error: %v", err)
	}
}

func TestApp_ShutdownExpiredContext(t *testing.T) {
	t.Parallel()

	p, _ := testProviders()
	a, err := app.New(context.Background(), testConfig(), p)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := a.Shutdown(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Shutdown() = %v, want %v", err, context.Canceled)
	}
}

func TestApp_Reload(t *testing.T) {
	t.Parallel()

	p, _ := testProviders()
	var level slog.LevelVar
	a, err := app.New(context.Background(), testConfig(), p, app.WithMCPHost(&mcpmock.Host{}), app.WithLevel(&level))
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}

	next := testConfig()
	next.Server.LogLevel = config.LogDebug
	next.Dialogue.FallbackReply = "One moment please."
	a.Reload(next)

	if got := level.Level(); got != slog.LevelDebug {
		t.Errorf("level = %v, want %v", got, slog.LevelDebug)
	}
	if got := a.Config().Dialogue.FallbackReply; got != "One moment please." {
		t.Errorf("FallbackReply = %q, want %q", got, "One moment please.")
	}

	restart := testConfig()
	restart.Server.LogLevel = config.LogDebug
	restart.Dialogue.FallbackReply = "One moment please."
	restart.Server.ListenAddr = ":9999"
	a.Reload(restart)
	if got := a.Config().Server.ListenAddr; got != "" {
		t.Errorf("ListenAddr = %q, want it unchanged until restart", got)
	}
}
