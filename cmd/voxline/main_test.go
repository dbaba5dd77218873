package main

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/voxline/internal/config"
)

func TestRegisterBuiltinProviders(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	registerBuiltinProviders(reg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	names := reg.Names()

	want := map[string][]string{
		"vad":       {"energy"},
		"stt":       {"whisper", "whisper-native", "openai", "deepgram"},
		"tts":       {"openai", "coqui", "elevenlabs"},
		"llm":       {"openai", "ollama", "anthropic", "gemini"},
		"transport": {"websocket", "discord"},
	}
	for kind, list := range want {
		for _, name := range list {
			if !slices.Contains(names[kind], name) {
				t.Errorf("%s provider %q not registered; have %v", kind, name, names[kind])
			}
		}
	}
}

func TestRegisteredFactoriesValidate(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	registerBuiltinProviders(reg, slog.New(slog.NewTextHandler(io.Discard, nil)))

	if _, err := reg.CreateTTS(config.ProviderEntry{Name: "coqui"}); err == nil {
		t.Error("coqui without base_url should fail")
	}
	if _, err := reg.CreateTTS(config.ProviderEntry{Name: "elevenlabs"}); err == nil {
		t.Error("elevenlabs without api_key should fail")
	}
	if _, err := reg.CreateLLM(config.ProviderEntry{Name: "ollama"}); err == nil {
		t.Error("ollama without model should fail")
	}
	if _, err := reg.CreateTransport(config.TransportConfig{Kind: config.TransportDiscord}); err == nil {
		t.Error("discord without token should fail")
	}
	eng, err := reg.CreateVAD(config.ProviderEntry{Name: "energy"})
	if err != nil || eng == nil {
		t.Errorf("CreateVAD(energy) = %v, %v", eng, err)
	}
}

func TestOptionHelpers(t *testing.T) {
	t.Parallel()

	opts := map[string]any{
		"language":    "de",
		"concurrency": 4,
		"sample_rate": 24000.0,
		"speed":       1,
		"timeout":     "30s",
		"bad":         []string{"x"},
		"keyterms":    []any{"balance", 3, "account"},
	}
	if got := optString(opts, "language"); got != "de" {
		t.Errorf("optString = %q, want de", got)
	}
	if got := optString(opts, "concurrency"); got != "" {
		t.Errorf("optString(int) = %q, want empty", got)
	}
	if got := optInt(opts, "concurrency"); got != 4 {
		t.Errorf("optInt = %d, want 4", got)
	}
	if got := optInt(opts, "sample_rate"); got != 24000 {
		t.Errorf("optInt(float) = %d, want 24000", got)
	}
	if got := optFloat(opts, "speed"); got != 1 {
		t.Errorf("optFloat(int) = %v, want 1", got)
	}
	if got := optDuration(opts, "timeout"); got != 30*time.Second {
		t.Errorf("optDuration = %v, want 30s", got)
	}
	if got := optDuration(opts, "bad"); got != 0 {
		t.Errorf("optDuration(bad) = %v, want 0", got)
	}
	if got := optStrings(opts, "keyterms"); len(got) != 2 || got[0] != "balance" || got[1] != "account" {
		t.Errorf("optStrings = %v, want [balance account]", got)
	}
	if b, ok := optBool(map[string]any{"tool_calling": false}, "tool_calling"); !ok || b {
		t.Errorf("optBool = %v, %v, want false, true", b, ok)
	}
	if _, ok := optBool(opts, "language"); ok {
		t.Error("optBool(string) reported a value")
	}
	if got := optInt(nil, "missing"); got != 0 {
		t.Errorf("optInt(nil) = %d, want 0", got)
	}
}

func TestCapabilityOverride(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		entry     config.ProviderEntry
		wantOK    bool
		wantTools bool
		wantCtx   int
	}{
		{"no options", config.ProviderEntry{Model: "phi3"}, false, true, 8_192},
		{"tools off", config.ProviderEntry{Model: "phi3", Options: map[string]any{"tool_calling": false}}, true, false, 8_192},
		{"window only", config.ProviderEntry{Model: "gpt-4o", Options: map[string]any{"context_window": 32000}}, true, true, 32_000},
	}
	for _, tt := range tests {
		caps, ok := capabilityOverride(tt.entry)
		if ok != tt.wantOK {
			t.Errorf("%s: ok = %v, want %v", tt.name, ok, tt.wantOK)
		}
		if caps.SupportsToolCalling != tt.wantTools || caps.ContextWindow != tt.wantCtx {
			t.Errorf("%s: caps = %+v, want tools %v and window %d", tt.name, caps, tt.wantTools, tt.wantCtx)
		}
	}
}

func TestProviderLabel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		entry config.ProviderEntry
		want  string
	}{
		{config.ProviderEntry{Name: "ollama"}, "ollama"},
		{config.ProviderEntry{Name: "ollama", Model: "llama3.1"}, "ollama / llama3.1"},
		{config.ProviderEntry{Name: "whisper", Fallbacks: []config.ProviderEntry{{Name: "openai"}}}, "whisper (+1 fallbacks)"},
	}
	for _, tt := range tests {
		if got := providerLabel(tt.entry); got != tt.want {
			t.Errorf("providerLabel(%+v) = %q, want %q", tt.entry, got, tt.want)
		}
	}
}

func TestSlogLevel(t *testing.T) {
	t.Parallel()

	tests := map[config.LogLevel]slog.Level{
		config.LogDebug: slog.LevelDebug,
		config.LogInfo:  slog.LevelInfo,
		config.LogWarn:  slog.LevelWarn,
		config.LogError: slog.LevelError,
		"":              slog.LevelInfo,
	}
	for in, want := range tests {
		if got := slogLevel(in); got != want {
			t.Errorf("slogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestRootCommand(t *testing.T) {
	t.Parallel()

	root := newRootCmd()
	for _, name := range []string{"serve", "balance-server", "migrate"} {
		cmd, _, err := root.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Errorf("Find(%q) = %v, %v", name, cmd, err)
		}
	}
	if f := root.PersistentFlags().Lookup("config"); f == nil || f.DefValue != "config.yaml" {
		t.Errorf("--config flag = %+v, want default config.yaml", f)
	}
}

func TestMigrateRequiresDSN(t *testing.T) {
	// Not parallel: loadConfig replaces the default logger.
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  log_level: error\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("VOXLINE_DATABASE_DSN", "")
	t.Setenv("DB_HOST", "")

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"migrate", "--config", path})
	err := root.Execute()
	if err == nil || !strings.Contains(err.Error(), "balance.dsn") {
		t.Errorf("Execute() error = %v, want missing dsn", err)
	}
}

func TestMissingConfig(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"serve", "--config", filepath.Join(t.TempDir(), "absent.yaml")})
	err := root.Execute()
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("Execute() error = %v, want config not found", err)
	}
}
