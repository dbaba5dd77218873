package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/voxline/internal/mcp"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"vad": {"energy"},
	"stt": {"whisper", "whisper-native", "openai", "deepgram"},
	"tts": {"openai", "coqui", "elevenlabs"},
	"llm": {"openai", "ollama", "anthropic", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
}

// Load reads the YAML configuration file at path, applies environment
// overrides and returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := decode(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	ApplyEnv(cfg, os.Getenv)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Environment overrides are not applied.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg, err := decode(r)
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overlays secrets and deployment settings from the environment.
// getenv is usually [os.Getenv].
//
//   - VOXLINE_LLM_API_KEY sets providers.llm.api_key.
//   - VOXLINE_LLM_BASE_URL, or OLLAMA_URL, sets providers.llm.base_url.
//   - VOXLINE_DATABASE_DSN sets balance.dsn.
//   - DB_HOST, DB_PORT, DB_USER, DB_PASS and DB_NAME assemble balance.dsn
//     when neither the file nor VOXLINE_DATABASE_DSN provide one.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	if v := getenv("VOXLINE_LLM_API_KEY"); v != "" {
		cfg.Providers.LLM.APIKey = v
	}
	if v := getenv("VOXLINE_LLM_BASE_URL"); v != "" {
		cfg.Providers.LLM.BaseURL = v
	} else if v := getenv("OLLAMA_URL"); v != "" && cfg.Providers.LLM.BaseURL == "" {
		cfg.Providers.LLM.BaseURL = v
	}
	if v := getenv("VOXLINE_DATABASE_DSN"); v != "" {
		cfg.Balance.DSN = v
	} else if cfg.Balance.DSN == "" {
		cfg.Balance.DSN = dsnFromParts(getenv)
	}
}

func dsnFromParts(getenv func(string) string) string {
	host := getenv("DB_HOST")
	if host == "" {
		return ""
	}
	port := getenv("DB_PORT")
	if port == "" {
		port = "5432"
	}
	u := url.URL{
		Scheme:   "postgres",
		Host:     net.JoinHostPort(host, port),
		Path:     "/" + getenv("DB_NAME"),
		RawQuery: "sslmode=disable",
	}
	if user := getenv("DB_USER"); user != "" {
		if pass := getenv("DB_PASS"); pass != "" {
			u.User = url.UserPassword(user, pass)
		} else {
			u.User = url.User(user)
		}
	}
	return u.String()
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.ShutdownTimeout < 0 {
		errs = append(errs, fmt.Errorf("server.shutdown_timeout %s must not be negative", cfg.Server.ShutdownTimeout))
	}

	validateProvider("vad", cfg.Providers.VAD)
	validateProvider("stt", cfg.Providers.STT)
	validateProvider("tts", cfg.Providers.TTS)
	validateProvider("llm", cfg.Providers.LLM)

	d := cfg.Dialogue
	if d.ReplyTimeout < 0 {
		errs = append(errs, fmt.Errorf("dialogue.reply_timeout %s must not be negative", d.ReplyTimeout))
	}
	if d.HistoryTurns < 0 {
		errs = append(errs, fmt.Errorf("dialogue.history_turns %d must not be negative", d.HistoryTurns))
	}
	if d.Temperature != nil && (*d.Temperature < 0 || *d.Temperature > 2) {
		errs = append(errs, fmt.Errorf("dialogue.temperature %.2f is out of range [0, 2]", *d.Temperature))
	}
	if d.MaxToolRounds != nil && *d.MaxToolRounds < 0 {
		errs = append(errs, fmt.Errorf("dialogue.max_tool_rounds %d must not be negative", *d.MaxToolRounds))
	}
	if d.ChunkBytes < 0 || d.ChunkBytes%2 != 0 {
		errs = append(errs, fmt.Errorf("dialogue.chunk_bytes %d must be a non-negative even number", d.ChunkBytes))
	}

	r := cfg.Resilience
	if r.MaxFailures < 0 || r.HalfOpenProbes < 0 || r.ResetTimeout < 0 {
		errs = append(errs, errors.New("resilience: max_failures, reset_timeout and half_open_probes must not be negative"))
	}

	s := cfg.Segmenter
	if s.MinSilence < 0 {
		errs = append(errs, fmt.Errorf("segmenter.min_silence %s must not be negative", s.MinSilence))
	}
	if s.MinUtterance < 0 {
		errs = append(errs, fmt.Errorf("segmenter.min_utterance %s must not be negative", s.MinUtterance))
	}
	if s.MaxUtterance < 0 || (s.MaxUtterance > 0 && s.MaxUtterance < s.MinUtterance) {
		errs = append(errs, fmt.Errorf("segmenter.max_utterance %s must be at least min_utterance", s.MaxUtterance))
	}
	if s.SpeechThreshold < 0 || s.SpeechThreshold > 1 {
		errs = append(errs, fmt.Errorf("segmenter.speech_threshold %.2f is out of range [0, 1]", s.SpeechThreshold))
	}
	if s.SilenceThreshold < 0 || s.SilenceThreshold > 1 {
		errs = append(errs, fmt.Errorf("segmenter.silence_threshold %.2f is out of range [0, 1]", s.SilenceThreshold))
	}
	if s.SpeechThreshold > 0 && s.SilenceThreshold > s.SpeechThreshold {
		errs = append(errs, fmt.Errorf("segmenter.silence_threshold %.2f must not exceed speech_threshold %.2f", s.SilenceThreshold, s.SpeechThreshold))
	}

	t := cfg.Transport
	if t.Kind != "" && !t.Kind.IsValid() {
		errs = append(errs, fmt.Errorf("transport.kind %q is invalid; valid values: websocket, discord", t.Kind))
	}
	if t.Kind == TransportDiscord {
		if t.Discord.Token == "" {
			errs = append(errs, errors.New("transport.discord.token is required when transport.kind is discord"))
		}
		if t.Discord.GuildID == "" {
			errs = append(errs, errors.New("transport.discord.guild_id is required when transport.kind is discord"))
		}
		if len(t.Discord.Channels) == 0 {
			errs = append(errs, errors.New("transport.discord.channels must list at least one channel"))
		}
	}

	seen := make(map[string]int, len(cfg.MCP.Servers))
	for i, srv := range cfg.MCP.Servers {
		prefix := fmt.Sprintf("mcp.servers[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := seen[srv.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of mcp.servers[%d]", prefix, srv.Name, prev))
			}
			seen[srv.Name] = i
		}
		if srv.Transport != "" && !srv.Transport.IsValid() {
			errs = append(errs, fmt.Errorf("%s.transport %q is invalid; valid values: stdio, streamable-http", prefix, srv.Transport))
		}
		if srv.Transport == mcp.TransportStdio && srv.Command == "" {
			errs = append(errs, fmt.Errorf("%s.command is required when transport is stdio", prefix))
		}
		if srv.Transport == mcp.TransportStreamableHTTP && srv.URL == "" {
			errs = append(errs, fmt.Errorf("%s.url is required when transport is streamable-http", prefix))
		}
	}

	if cfg.Balance.URL != "" {
		if u, err := url.Parse(cfg.Balance.URL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("balance.url %q is not an absolute URL", cfg.Balance.URL))
		}
	}

	return errors.Join(errs...)
}

// validateProvider logs a warning for unknown provider names, including
// those of fallback entries.
func validateProvider(kind string, entry ProviderEntry) {
	validateProviderName(kind, entry.Name)
	for _, fb := range entry.Fallbacks {
		validateProvider(kind, fb)
	}
}

func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok || slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name; may be a typo or a third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
