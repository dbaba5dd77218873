package config_test

import (
	"slices"
	"testing"

	"github.com/MrWong99/voxline/internal/config"
	"github.com/MrWong99/voxline/internal/mcp"
)

func baseConfig() *config.Config {
	return &config.Config{
		Server:      config.ServerConfig{ListenAddr: ":9090", LogLevel: config.LogInfo},
		Providers:   config.ProvidersConfig{LLM: config.ProviderEntry{Name: "ollama", Model: "llama3.1"}},
		Dialogue:    config.DialogueConfig{FallbackReply: "Sorry?"},
		Recognition: config.RecognitionConfig{Vocabulary: []string{"balance"}},
	}
}

func TestDiff(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		mutate      func(*config.Config)
		hot         bool
		wantRestart []string
	}{
		{"identical", func(*config.Config) {}, false, nil},
		{"log level", func(c *config.Config) { c.Server.LogLevel = config.LogDebug }, true, nil},
		{"dialogue", func(c *config.Config) { c.Dialogue.FallbackReply = "Pardon?" }, true, nil},
		{"segmenter", func(c *config.Config) { c.Segmenter.MinSilence = 1 }, true, nil},
		{"vocabulary", func(c *config.Config) { c.Recognition.Vocabulary = append(c.Recognition.Vocabulary, "account") }, true, nil},
		{"language", func(c *config.Config) { c.Recognition.Language = "de" }, true, nil},
		{"provider model", func(c *config.Config) { c.Providers.LLM.Model = "qwen2.5" }, false, []string{"providers"}},
		{"listen addr", func(c *config.Config) { c.Server.ListenAddr = ":9091" }, false, []string{"server.listen_addr"}},
		{"transport", func(c *config.Config) { c.Transport.Kind = config.TransportDiscord }, false, []string{"transport"}},
		{"balance", func(c *config.Config) { c.Balance.URL = "http://tools:8000" }, false, []string{"balance"}},
		{"mcp", func(c *config.Config) {
			c.MCP.Servers = []mcp.ServerConfig{{Name: "x", Transport: mcp.TransportStdio, Command: "x"}}
		}, false, []string{"mcp"}},
		{"resilience", func(c *config.Config) { c.Resilience.MaxFailures = 2 }, false, []string{"resilience"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			old, updated := baseConfig(), baseConfig()
			tt.mutate(updated)

			d := config.Diff(old, updated)
			if d.HotReloadable() != tt.hot {
				t.Errorf("want hot reloadable %v, got %+v", tt.hot, d)
			}
			if !slices.Equal(d.RestartRequired, tt.wantRestart) {
				t.Errorf("want restart %v, got %v", tt.wantRestart, d.RestartRequired)
			}
		})
	}
}

func TestDiff_NewLogLevel(t *testing.T) {
	t.Parallel()
	old, updated := baseConfig(), baseConfig()
	updated.Server.LogLevel = config.LogWarn

	d := config.Diff(old, updated)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogWarn {
		t.Errorf("want log level changed to warn, got %+v", d)
	}
}
