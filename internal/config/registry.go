package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/voxline/pkg/audio"
	"github.com/MrWong99/voxline/pkg/provider/llm"
	"github.com/MrWong99/voxline/pkg/provider/stt"
	"github.com/MrWong99/voxline/pkg/provider/tts"
	"github.com/MrWong99/voxline/pkg/provider/vad"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	vad       map[string]func(ProviderEntry) (vad.Engine, error)
	stt       map[string]func(ProviderEntry) (stt.Recognizer, error)
	tts       map[string]func(ProviderEntry) (tts.Synthesizer, error)
	llm       map[string]func(ProviderEntry) (llm.Provider, error)
	transport map[TransportKind]func(TransportConfig) (audio.Platform, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		vad:       make(map[string]func(ProviderEntry) (vad.Engine, error)),
		stt:       make(map[string]func(ProviderEntry) (stt.Recognizer, error)),
		tts:       make(map[string]func(ProviderEntry) (tts.Synthesizer, error)),
		llm:       make(map[string]func(ProviderEntry) (llm.Provider, error)),
		transport: make(map[TransportKind]func(TransportConfig) (audio.Platform, error)),
	}
}

// RegisterVAD registers a VAD engine factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterVAD(name string, factory func(ProviderEntry) (vad.Engine, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vad[name] = factory
}

// RegisterSTT registers a recognizer factory under name.
func (r *Registry) RegisterSTT(name string, factory func(ProviderEntry) (stt.Recognizer, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stt[name] = factory
}

// RegisterTTS registers a synthesizer factory under name.
func (r *Registry) RegisterTTS(name string, factory func(ProviderEntry) (tts.Synthesizer, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tts[name] = factory
}

// RegisterLLM registers an LLM provider factory under name.
func (r *Registry) RegisterLLM(name string, factory func(ProviderEntry) (llm.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm[name] = factory
}

// RegisterTransport registers a call platform factory for kind.
func (r *Registry) RegisterTransport(kind TransportKind, factory func(TransportConfig) (audio.Platform, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transport[kind] = factory
}

// CreateVAD instantiates a VAD engine using the factory registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateVAD(entry ProviderEntry) (vad.Engine, error) {
	return create(r, r.vad, "vad", entry)
}

// CreateSTT instantiates a recognizer using the factory registered under entry.Name.
func (r *Registry) CreateSTT(entry ProviderEntry) (stt.Recognizer, error) {
	return create(r, r.stt, "stt", entry)
}

// CreateTTS instantiates a synthesizer using the factory registered under entry.Name.
func (r *Registry) CreateTTS(entry ProviderEntry) (tts.Synthesizer, error) {
	return create(r, r.tts, "tts", entry)
}

// CreateLLM instantiates an LLM provider using the factory registered under entry.Name.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	return create(r, r.llm, "llm", entry)
}

// CreateTransport instantiates the call platform selected by cfg.Kind.
func (r *Registry) CreateTransport(cfg TransportConfig) (audio.Platform, error) {
	r.mu.RLock()
	factory, ok := r.transport[cfg.Kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: transport/%q", ErrProviderNotRegistered, cfg.Kind)
	}
	return factory(cfg)
}

// Names returns the registered provider names per kind.
func (r *Registry) Names() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := map[string][]string{}
	for name := range r.vad {
		out["vad"] = append(out["vad"], name)
	}
	for name := range r.stt {
		out["stt"] = append(out["stt"], name)
	}
	for name := range r.tts {
		out["tts"] = append(out["tts"], name)
	}
	for name := range r.llm {
		out["llm"] = append(out["llm"], name)
	}
	for kind := range r.transport {
		out["transport"] = append(out["transport"], string(kind))
	}
	return out
}

func create[T any](r *Registry, factories map[string]func(ProviderEntry) (T, error), kind string, entry ProviderEntry) (T, error) {
	r.mu.RLock()
	factory, ok := factories[entry.Name]
	r.mu.RUnlock()
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %s/%q", ErrProviderNotRegistered, kind, entry.Name)
	}
	return factory(entry)
}
