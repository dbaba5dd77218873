package app

import (
	"fmt"
	"log/slog"

	"github.com/MrWong99/voxline/internal/config"
	"github.com/MrWong99/voxline/internal/health"
	"github.com/MrWong99/voxline/internal/resilience"
	"github.com/MrWong99/voxline/pkg/audio"
	"github.com/MrWong99/voxline/pkg/provider/llm"
	"github.com/MrWong99/voxline/pkg/provider/stt"
	"github.com/MrWong99/voxline/pkg/provider/tts"
	"github.com/MrWong99/voxline/pkg/provider/vad"
)

// Providers holds the engines and the transport a running agent uses. It is
// populated from config by [BuildProviders] or assembled by hand in tests.
type Providers struct {
	VAD      vad.Engine
	STT      stt.Recognizer
	TTS      tts.Synthesizer
	LLM      llm.Provider
	Platform audio.Platform

	// STTName, TTSName and LLMName label metrics. Empty means "unknown".
	STTName string
	TTSName string
	LLMName string

	// Checks report the breaker health of engines configured with
	// fallbacks.
	Checks []health.Checker
}

func (p *Providers) validate() error {
	switch {
	case p == nil:
		return fmt.Errorf("app: providers are required")
	case p.VAD == nil:
		return fmt.Errorf("app: a VAD engine is required")
	case p.STT == nil:
		return fmt.Errorf("app: a speech recognizer is required")
	case p.TTS == nil:
		return fmt.Errorf("app: a speech synthesizer is required")
	case p.LLM == nil:
		return fmt.Errorf("app: an LLM provider is required")
	case p.Platform == nil:
		return fmt.Errorf("app: a transport platform is required")
	}
	return nil
}

// BuildProviders instantiates every configured engine and the transport
// through reg. An engine with fallbacks is wrapped in a resilience group
// that fails over when its breaker opens. A nil logger means slog.Default.
func BuildProviders(cfg *config.Config, reg *config.Registry, logger *slog.Logger) (*Providers, error) {
	p := &Providers{
		STTName: cfg.Providers.STT.Name,
		TTSName: cfg.Providers.TTS.Name,
		LLMName: cfg.Providers.LLM.Name,
	}
	fb := fallbackConfig(cfg.Resilience, logger)
	var err error

	vadEntry := cfg.Providers.VAD
	if vadEntry.Name == "" {
		vadEntry.Name = "energy"
	}
	if p.VAD, err = reg.CreateVAD(vadEntry); err != nil {
		return nil, fmt.Errorf("app: vad: %w", err)
	}

	if p.STT, err = reg.CreateSTT(cfg.Providers.STT); err != nil {
		return nil, fmt.Errorf("app: stt: %w", err)
	}
	if fallbacks := cfg.Providers.STT.Fallbacks; len(fallbacks) > 0 {
		group := resilience.NewRecognizerFallback(p.STT, p.STTName, fb)
		for _, e := range fallbacks {
			eng, err := reg.CreateSTT(e)
			if err != nil {
				return nil, fmt.Errorf("app: stt fallback %q: %w", e.Name, err)
			}
			group.AddFallback(e.Name, eng)
		}
		p.STT = group
		p.Checks = append(p.Checks, health.Engines("stt", group))
	}

	if p.TTS, err = reg.CreateTTS(cfg.Providers.TTS); err != nil {
		return nil, fmt.Errorf("app: tts: %w", err)
	}
	if fallbacks := cfg.Providers.TTS.Fallbacks; len(fallbacks) > 0 {
		group := resilience.NewSynthesizerFallback(p.TTS, p.TTSName, fb)
		for _, e := range fallbacks {
			eng, err := reg.CreateTTS(e)
			if err != nil {
				return nil, fmt.Errorf("app: tts fallback %q: %w", e.Name, err)
			}
			group.AddFallback(e.Name, eng)
		}
		p.TTS = group
		p.Checks = append(p.Checks, health.Engines("tts", group))
	}

	if p.LLM, err = reg.CreateLLM(cfg.Providers.LLM); err != nil {
		return nil, fmt.Errorf("app: llm: %w", err)
	}
	if fallbacks := cfg.Providers.LLM.Fallbacks; len(fallbacks) > 0 {
		group := resilience.NewLLMFallback(p.LLM, p.LLMName, fb)
		for _, e := range fallbacks {
			eng, err := reg.CreateLLM(e)
			if err != nil {
				return nil, fmt.Errorf("app: llm fallback %q: %w", e.Name, err)
			}
			group.AddFallback(e.Name, eng)
		}
		p.LLM = group
		p.Checks = append(p.Checks, health.Engines("llm", group))
	}

	tc := cfg.Transport
	if tc.Kind == "" {
		tc.Kind = config.TransportWebSocket
	}
	if p.Platform, err = reg.CreateTransport(tc); err != nil {
		return nil, fmt.Errorf("app: transport: %w", err)
	}
	return p, nil
}

// fallbackConfig turns the resilience section into the breaker settings of
// every fallback group.
func fallbackConfig(rc config.ResilienceConfig, logger *slog.Logger) resilience.FallbackConfig {
	if logger == nil {
		logger = slog.Default()
	}
	return resilience.FallbackConfig{CircuitBreaker: resilience.CircuitBreakerConfig{
		MaxFailures:  rc.MaxFailures,
		ResetTimeout: rc.ResetTimeout,
		HalfOpenMax:  rc.HalfOpenProbes,
		Logger:       logger.With("component", "resilience"),
	}}
}
