// Package config provides the configuration schema, loader, environment
// overrides and provider registry for the voxline agent.
package config

import (
	"time"

	"github.com/MrWong99/voxline/internal/mcp"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// TransportKind selects the call transport.
type TransportKind string

const (
	// TransportWebSocket accepts calls as WebSocket connections carrying PCM.
	TransportWebSocket TransportKind = "websocket"

	// TransportDiscord joins Discord voice channels; each channel is a call.
	TransportDiscord TransportKind = "discord"
)

// IsValid reports whether k is a recognised transport.
func (k TransportKind) IsValid() bool {
	return k == TransportWebSocket || k == TransportDiscord
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Providers   ProvidersConfig   `yaml:"providers"`
	Dialogue    DialogueConfig    `yaml:"dialogue"`
	Segmenter   SegmenterConfig   `yaml:"segmenter"`
	Transport   TransportConfig   `yaml:"transport"`
	Balance     BalanceConfig     `yaml:"balance"`
	MCP         MCPConfig         `yaml:"mcp"`
	Recognition RecognitionConfig `yaml:"recognition"`
	Resilience  ResilienceConfig  `yaml:"resilience"`
}

// ServerConfig holds the HTTP listener for health and metrics and the log
// level.
type ServerConfig struct {
	// ListenAddr is the TCP address of the health and metrics server
	// (e.g., ":9090").
	ListenAddr string `yaml:"listen_addr"`

	LogLevel LogLevel `yaml:"log_level"`

	// ShutdownTimeout bounds graceful shutdown. Defaults to 15s.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// ProvidersConfig selects the engine for each pipeline stage.
type ProvidersConfig struct {
	VAD ProviderEntry `yaml:"vad"`
	STT ProviderEntry `yaml:"stt"`
	TTS ProviderEntry `yaml:"tts"`
	LLM ProviderEntry `yaml:"llm"`
}

// ProviderEntry is the configuration block shared by all provider types.
// Name is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered implementation (e.g., "whisper", "ollama").
	Name string `yaml:"name"`

	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default endpoint. Leave empty for the
	// built-in default.
	BaseURL string `yaml:"base_url"`

	Model string `yaml:"model"`

	// Options holds provider-specific values not covered above.
	Options map[string]any `yaml:"options"`

	// Fallbacks are tried in order when this engine fails.
	Fallbacks []ProviderEntry `yaml:"fallbacks"`
}

// DialogueConfig tunes the turn controller and the reasoning service.
type DialogueConfig struct {
	// ReplyTimeout bounds one reasoning call. Defaults to 10s.
	ReplyTimeout time.Duration `yaml:"reply_timeout"`

	// FallbackReply is spoken when reasoning fails or times out.
	FallbackReply string `yaml:"fallback_reply"`

	// AllowInterruptions enables barge-in. Defaults to true.
	AllowInterruptions *bool `yaml:"allow_interruptions"`

	// HistoryTurns is how many completed turns are handed to the reasoning
	// service. Defaults to 10.
	HistoryTurns int `yaml:"history_turns"`

	SystemPrompt string `yaml:"system_prompt"`

	// Temperature defaults to 0.7.
	Temperature *float64 `yaml:"temperature"`

	MaxTokens int `yaml:"max_tokens"`

	// MaxToolRounds defaults to 3.
	MaxToolRounds *int `yaml:"max_tool_rounds"`

	// Voice is the synthesizer voice; empty selects the engine default.
	Voice string `yaml:"voice"`

	// ChunkBytes is the synthesized chunk size. Defaults to 4096.
	ChunkBytes int `yaml:"chunk_bytes"`
}

// Interruptions reports whether barge-in is enabled.
func (d DialogueConfig) Interruptions() bool {
	return d.AllowInterruptions == nil || *d.AllowInterruptions
}

// SegmenterConfig tunes the voice activity gate and the utterance segmenter.
type SegmenterConfig struct {
	// MinSilence is the silence run that ends speech. Defaults to 300ms.
	MinSilence time.Duration `yaml:"min_silence"`

	// PreRoll defaults to 200ms.
	PreRoll time.Duration `yaml:"pre_roll"`

	// MinUtterance defaults to 300ms.
	MinUtterance time.Duration `yaml:"min_utterance"`

	// MaxUtterance defaults to 30s.
	MaxUtterance time.Duration `yaml:"max_utterance"`

	// FrameSizeMs is the VAD frame length. Defaults to 20.
	FrameSizeMs int `yaml:"frame_size_ms"`

	// SpeechThreshold and SilenceThreshold are passed to the VAD engine.
	// Zero selects the engine default.
	SpeechThreshold float64 `yaml:"speech_threshold"`

	SilenceThreshold float64 `yaml:"silence_threshold"`
}

// TransportConfig selects and configures the call transport.
type TransportConfig struct {
	Kind TransportKind `yaml:"kind"`

	WebSocket WebSocketConfig `yaml:"websocket"`
	Discord   DiscordConfig   `yaml:"discord"`

	// Reconnect enables redial with backoff after a transport fault on
	// platforms that support it. Defaults to true.
	Reconnect *bool `yaml:"reconnect"`
}

// Redial reports whether dropped calls are redialled.
func (t TransportConfig) Redial() bool {
	return t.Reconnect == nil || *t.Reconnect
}

// WebSocketConfig configures the WebSocket call transport.
type WebSocketConfig struct {
	// ListenAddr defaults to ":8080".
	ListenAddr string `yaml:"listen_addr"`

	// Path defaults to "/call".
	Path string `yaml:"path"`

	// SampleRate is assumed when the client's hello omits it. Defaults
	// to 16000.
	SampleRate int `yaml:"sample_rate"`
}

// DiscordConfig configures the Discord voice transport.
type DiscordConfig struct {
	Token   string `yaml:"token"`
	GuildID string `yaml:"guild_id"`

	// Channels lists the voice channel IDs to join. Each channel is one call.
	Channels []string `yaml:"channels"`
}

// BalanceConfig configures the account balance tool.
type BalanceConfig struct {
	// DSN is the PostgreSQL connection string of the users table. It is
	// also assembled from DB_HOST, DB_PORT, DB_USER, DB_PASS and DB_NAME.
	DSN string `yaml:"dsn"`

	// ListenAddr is where balance-server serves the HTTP tool endpoint and
	// the MCP server. Defaults to ":8000".
	ListenAddr string `yaml:"listen_addr"`

	// URL is the base URL of the balance tool endpoint the agent calls.
	// When empty and DSN is set, the agent queries the database directly.
	// With neither, the built-in get_user_balance tool is not offered.
	URL string `yaml:"url"`
}

// MCPConfig lists the external Model Context Protocol servers whose tools
// are offered to the model.
type MCPConfig struct {
	Servers []mcp.ServerConfig `yaml:"servers"`

	// Calibrate probes every tool at startup to seed its latency window.
	Calibrate bool `yaml:"calibrate"`
}

// RecognitionConfig tunes the recognition adapter.
type RecognitionConfig struct {
	// Language is the BCP-47 hint passed to the engine; empty auto-detects.
	Language string `yaml:"language"`

	// Vocabulary lists domain terms misrecognised words are snapped to.
	Vocabulary []string `yaml:"vocabulary"`
}

// ResilienceConfig tunes the circuit breaker in front of every engine that
// has fallbacks. Zero values take the breaker defaults.
type ResilienceConfig struct {
	// MaxFailures is the run of failures that opens a breaker. Default 5.
	MaxFailures int `yaml:"max_failures"`

	// ResetTimeout is how long an open breaker rejects calls. Default 30s.
	ResetTimeout time.Duration `yaml:"reset_timeout"`

	// HalfOpenProbes is the number of trial calls that must succeed before
	// the breaker closes again. Default 3.
	HalfOpenProbes int `yaml:"half_open_probes"`
}
