package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MrWong99/voxline/internal/config"
)

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"invalid log level", "server:\n  log_level: verbose\n", "log_level"},
		{"negative reply timeout", "dialogue:\n  reply_timeout: -1s\n", "reply_timeout"},
		{"negative history", "dialogue:\n  history_turns: -1\n", "history_turns"},
		{"temperature out of range", "dialogue:\n  temperature: 3\n", "temperature"},
		{"odd chunk bytes", "dialogue:\n  chunk_bytes: 641\n", "chunk_bytes"},
		{"max below min utterance", "segmenter:\n  min_utterance: 1s\n  max_utterance: 500ms\n", "max_utterance"},
		{"silence above speech threshold", "segmenter:\n  speech_threshold: 0.4\n  silence_threshold: 0.6\n", "silence_threshold"},
		{"unknown transport", "transport:\n  kind: sip\n", "transport.kind"},
		{"discord without token", "transport:\n  kind: discord\n  discord:\n    guild_id: g\n    channels: [c]\n", "token"},
		{"discord without channels", "transport:\n  kind: discord\n  discord:\n    token: t\n    guild_id: g\n", "channels"},
		{"mcp stdio without command", "mcp:\n  servers:\n    - name: x\n      transport: stdio\n", "command"},
		{"mcp http without url", "mcp:\n  servers:\n    - name: x\n      transport: streamable-http\n", "url"},
		{"mcp invalid transport", "mcp:\n  servers:\n    - name: x\n      transport: grpc\n      command: /bin/x\n", "transport"},
		{"mcp duplicate name", "mcp:\n  servers:\n    - {name: x, transport: stdio, command: a}\n    - {name: x, transport: stdio, command: b}\n", "duplicate"},
		{"relative balance url", "balance:\n  url: tools:8000/x\n", "balance.url"},
		{"negative breaker reset", "resilience:\n  reset_timeout: -5s\n", "resilience"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tt.yaml))
			if err == nil {
				t.Fatalf("want error mentioning %q, got nil", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("want error mentioning %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestValidate_JoinsAllProblems(t *testing.T) {
	t.Parallel()

	_, err := config.LoadFromReader(strings.NewReader("server:\n  log_level: loud\ndialogue:\n  history_turns: -2\n"))
	if err == nil {
		t.Fatal("want error, got nil")
	}
	for _, want := range []string{"log_level", "history_turns"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("want error mentioning %q, got %v", want, err)
		}
	}
}

func TestApplyEnv(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		cfg         config.Config
		env         map[string]string
		wantKey     string
		wantBaseURL string
		wantDSN     string
	}{
		{
			name:        "explicit variables",
			env:         map[string]string{"VOXLINE_LLM_API_KEY": "sk", "VOXLINE_LLM_BASE_URL": "http://llm:1", "VOXLINE_DATABASE_DSN": "postgres://x/y"},
			wantKey:     "sk",
			wantBaseURL: "http://llm:1",
			wantDSN:     "postgres://x/y",
		},
		{
			name:        "ollama url",
			env:         map[string]string{"OLLAMA_URL": "http://ollama:11434"},
			wantBaseURL: "http://ollama:11434",
		},
		{
			name:        "ollama url does not override the file",
			cfg:         config.Config{Providers: config.ProvidersConfig{LLM: config.ProviderEntry{BaseURL: "http://file"}}},
			env:         map[string]string{"OLLAMA_URL": "http://ollama:11434"},
			wantBaseURL: "http://file",
		},
		{
			name:    "database parts",
			env:     map[string]string{"DB_HOST": "db", "DB_USER": "postgres", "DB_PASS": "p@ss", "DB_NAME": "postgres"},
			wantDSN: "postgres://postgres:p%40ss@db:5432/postgres?sslmode=disable",
		},
		{
			name:    "database parts do not override the file",
			cfg:     config.Config{Balance: config.BalanceConfig{DSN: "postgres://file/db"}},
			env:     map[string]string{"DB_HOST": "db"},
			wantDSN: "postgres://file/db",
		},
		{
			name: "nothing set",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := tt.cfg
			config.ApplyEnv(&cfg, func(k string) string { return tt.env[k] })

			if cfg.Providers.LLM.APIKey != tt.wantKey {
				t.Errorf("want api key %q, got %q", tt.wantKey, cfg.Providers.LLM.APIKey)
			}
			if cfg.Providers.LLM.BaseURL != tt.wantBaseURL {
				t.Errorf("want base url %q, got %q", tt.wantBaseURL, cfg.Providers.LLM.BaseURL)
			}
			if cfg.Balance.DSN != tt.wantDSN {
				t.Errorf("want dsn %q, got %q", tt.wantDSN, cfg.Balance.DSN)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("providers:\n  llm:\n    name: ollama\n    model: llama3.1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("VOXLINE_LLM_BASE_URL", "http://ollama:11434")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("want nil, got %v", err)
	}
	if cfg.Providers.LLM.BaseURL != "http://ollama:11434" {
		t.Errorf("want base url from env, got %q", cfg.Providers.LLM.BaseURL)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	if _, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("want os.ErrNotExist, got %v", err)
	}
}
