package main

import (
	"log/slog"
	"slices"
	"time"

	"github.com/MrWong99/voxline/internal/config"
	"github.com/MrWong99/voxline/pkg/audio"
	"github.com/MrWong99/voxline/pkg/audio/discord"
	"github.com/MrWong99/voxline/pkg/audio/websocket"
	"github.com/MrWong99/voxline/pkg/provider/llm"
	"github.com/MrWong99/voxline/pkg/provider/llm/anyllm"
	oallm "github.com/MrWong99/voxline/pkg/provider/llm/openai"
	"github.com/MrWong99/voxline/pkg/provider/stt"
	"github.com/MrWong99/voxline/pkg/provider/stt/deepgram"
	oastt "github.com/MrWong99/voxline/pkg/provider/stt/openai"
	"github.com/MrWong99/voxline/pkg/provider/stt/whisper"
	"github.com/MrWong99/voxline/pkg/provider/tts"
	"github.com/MrWong99/voxline/pkg/provider/tts/coqui"
	"github.com/MrWong99/voxline/pkg/provider/tts/elevenlabs"
	oatts "github.com/MrWong99/voxline/pkg/provider/tts/openai"
	"github.com/MrWong99/voxline/pkg/provider/vad"
	"github.com/MrWong99/voxline/pkg/provider/vad/energy"
)

const defaultCallAddr = ":8080"

// registerBuiltinProviders wires every engine and transport that ships with
// voxline into reg.
func registerBuiltinProviders(reg *config.Registry, logger *slog.Logger) {
	// ── VAD ───────────────────────────────────────────────────────────────────

	reg.RegisterVAD("energy", func(config.ProviderEntry) (vad.Engine, error) {
		return energy.New(), nil
	})

	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Recognizer, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	reg.RegisterSTT("whisper-native", func(entry config.ProviderEntry) (stt.Recognizer, error) {
		modelPath := entry.Model
		if modelPath == "" {
			modelPath = optString(entry.Options, "model_path")
		}
		var opts []whisper.NativeOption
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithNativeLanguage(lang))
		}
		if n := optInt(entry.Options, "concurrency"); n > 0 {
			opts = append(opts, whisper.WithNativeConcurrency(n))
		}
		if terms := optStrings(entry.Options, "vocabulary"); len(terms) > 0 {
			opts = append(opts, whisper.WithNativeVocabulary(terms...))
		}
		opts = append(opts, whisper.WithNativeLogger(logger.With("provider", "whisper-native")))
		return whisper.NewNative(modelPath, opts...)
	})

	reg.RegisterSTT("openai", func(entry config.ProviderEntry) (stt.Recognizer, error) {
		var opts []oastt.Option
		if entry.BaseURL != "" {
			opts = append(opts, oastt.WithBaseURL(entry.BaseURL))
		}
		if d := optDuration(entry.Options, "timeout"); d > 0 {
			opts = append(opts, oastt.WithTimeout(d))
		}
		return oastt.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Recognizer, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if terms := optStrings(entry.Options, "keyterms"); len(terms) > 0 {
			opts = append(opts, deepgram.WithKeyterms(terms...))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("openai", func(entry config.ProviderEntry) (tts.Synthesizer, error) {
		var opts []oatts.Option
		if entry.BaseURL != "" {
			opts = append(opts, oatts.WithBaseURL(entry.BaseURL))
		}
		if voice := optString(entry.Options, "voice"); voice != "" {
			opts = append(opts, oatts.WithVoice(voice))
		}
		if speed := optFloat(entry.Options, "speed"); speed > 0 {
			opts = append(opts, oatts.WithSpeed(speed))
		}
		return oatts.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterTTS("coqui", func(entry config.ProviderEntry) (tts.Synthesizer, error) {
		var opts []coqui.Option
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, coqui.WithLanguage(lang))
		}
		if mode := optString(entry.Options, "api_mode"); mode != "" {
			opts = append(opts, coqui.WithAPIMode(coqui.APIMode(mode)))
		}
		if rate := optInt(entry.Options, "sample_rate"); rate > 0 {
			opts = append(opts, coqui.WithOutputSampleRate(rate))
		}
		return coqui.New(entry.BaseURL, opts...)
	})

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Synthesizer, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, elevenlabs.WithBaseURL(entry.BaseURL))
		}
		if outputFmt := optString(entry.Options, "output_format"); outputFmt != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(outputFmt))
		}
		if voice := optString(entry.Options, "voice"); voice != "" {
			opts = append(opts, elevenlabs.WithVoice(voice))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	// ── LLM ───────────────────────────────────────────────────────────────────

	// openai talks to the API directly; every other backend goes through
	// any-llm. ollama, llamacpp and llamafile are local servers and only
	// need BaseURL.
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []oallm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oallm.WithBaseURL(entry.BaseURL))
		}
		if d := optDuration(entry.Options, "timeout"); d > 0 {
			opts = append(opts, oallm.WithTimeout(d))
		}
		if caps, ok := capabilityOverride(entry); ok {
			opts = append(opts, oallm.WithCapabilities(caps))
		}
		return oallm.New(entry.APIKey, entry.Model, opts...)
	})
	for _, backend := range anyllm.Backends() {
		if backend == "openai" {
			continue
		}
		reg.RegisterLLM(backend, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllm.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllm.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllm.WithBaseURL(entry.BaseURL))
			}
			if caps, ok := capabilityOverride(entry); ok {
				opts = append(opts, anyllm.WithCapabilities(caps))
			}
			return anyllm.New(backend, entry.Model, opts...)
		})
	}

	// ── Transports ────────────────────────────────────────────────────────────

	reg.RegisterTransport(config.TransportWebSocket, func(tc config.TransportConfig) (audio.Platform, error) {
		ws := tc.WebSocket
		var opts []websocket.Option
		if ws.Path != "" {
			opts = append(opts, websocket.WithPath(ws.Path))
		}
		if ws.SampleRate > 0 {
			opts = append(opts, websocket.WithSampleRate(ws.SampleRate))
		}
		opts = append(opts, websocket.WithLogger(logger.With("transport", "websocket")))
		p := websocket.New(opts...)
		addr := ws.ListenAddr
		if addr == "" {
			addr = defaultCallAddr
		}
		if err := p.Start(addr); err != nil {
			return nil, err
		}
		return p, nil
	})

	reg.RegisterTransport(config.TransportDiscord, func(tc config.TransportConfig) (audio.Platform, error) {
		dc := tc.Discord
		p, err := discord.Open(dc.Token, dc.GuildID, dc.Channels, discord.WithLogger(logger.With("transport", "discord")))
		if err != nil {
			return nil, err
		}
		logger.Info("discord connected", "guild_id", dc.GuildID, "channels", len(dc.Channels))
		return p, nil
	})

	for kind, names := range reg.Names() {
		slices.Sort(names)
		logger.Debug("registered providers", "kind", kind, "names", names)
	}
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map.
// Returns "" if the key is absent or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optStrings extracts a YAML list of strings. Non-string items are skipped.
func optStrings(opts map[string]any, key string) []string {
	list, _ := opts[key].([]any)
	out := make([]string, 0, len(list))
	for _, v := range list {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// optInt accepts both YAML integers and whole floats.
func optInt(opts map[string]any, key string) int {
	switch v := opts[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

func optFloat(opts map[string]any, key string) float64 {
	switch v := opts[key].(type) {
	case int:
		return float64(v)
	case float64:
		return v
	}
	return 0
}

// optBool reports the boolean at key and whether it was set.
func optBool(opts map[string]any, key string) (bool, bool) {
	b, ok := opts[key].(bool)
	return b, ok
}

// capabilityOverride reads tool_calling, context_window and
// max_output_tokens. Options that are absent keep the value guessed from the
// model name; ok is false when none is set.
func capabilityOverride(entry config.ProviderEntry) (caps llm.ModelCapabilities, ok bool) {
	caps = llm.CapabilitiesFor(entry.Model)
	if tools, set := optBool(entry.Options, "tool_calling"); set {
		caps.SupportsToolCalling, ok = tools, true
	}
	if n := optInt(entry.Options, "context_window"); n > 0 {
		caps.ContextWindow, ok = n, true
	}
	if n := optInt(entry.Options, "max_output_tokens"); n > 0 {
		caps.MaxOutputTokens, ok = n, true
	}
	return caps, ok
}

// optDuration parses a Go duration string such as "30s".
func optDuration(opts map[string]any, key string) time.Duration {
	d, err := time.ParseDuration(optString(opts, key))
	if err != nil {
		return 0
	}
	return d
}
