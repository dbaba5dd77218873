package llm

import "strings"

// families maps model name prefixes to their limits. Lookup takes the first
// match, so a prefix must come before any shorter prefix of it.
var families = []struct {
	prefix string
	caps   ModelCapabilities
}{
	{"gpt-4.1", ModelCapabilities{ContextWindow: 1_047_576, MaxOutputTokens: 32_768, SupportsToolCalling: true}},
	{"gpt-4o", ModelCapabilities{ContextWindow: 128_000, MaxOutputTokens: 16_384, SupportsToolCalling: true}},
	{"o1-mini", ModelCapabilities{ContextWindow: 128_000, MaxOutputTokens: 65_536}},
	{"o1", ModelCapabilities{ContextWindow: 200_000, MaxOutputTokens: 100_000, SupportsToolCalling: true}},
	{"o3", ModelCapabilities{ContextWindow: 200_000, MaxOutputTokens: 100_000, SupportsToolCalling: true}},
	{"o4", ModelCapabilities{ContextWindow: 200_000, MaxOutputTokens: 100_000, SupportsToolCalling: true}},
	{"claude", ModelCapabilities{ContextWindow: 200_000, MaxOutputTokens: 8_192, SupportsToolCalling: true}},
	{"gemini", ModelCapabilities{ContextWindow: 1_048_576, MaxOutputTokens: 8_192, SupportsToolCalling: true}},
	{"llama3", ModelCapabilities{ContextWindow: 128_000, MaxOutputTokens: 4_096, SupportsToolCalling: true}},
	{"qwen", ModelCapabilities{ContextWindow: 32_768, MaxOutputTokens: 8_192, SupportsToolCalling: true}},
	{"mistral", ModelCapabilities{ContextWindow: 32_768, MaxOutputTokens: 4_096, SupportsToolCalling: true}},
	{"gemma", ModelCapabilities{ContextWindow: 8_192, MaxOutputTokens: 4_096}},
}

// CapabilitiesFor guesses the limits of model from its name, ignoring case
// and any "vendor/" prefix. Unknown models get an 8k window and are assumed
// to call tools; a model that cannot will ignore them.
func CapabilitiesFor(model string) ModelCapabilities {
	name := strings.ToLower(model)
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}
	for _, f := range families {
		if strings.HasPrefix(name, f.prefix) {
			return f.caps
		}
	}
	return ModelCapabilities{ContextWindow: 8_192, MaxOutputTokens: 4_096, SupportsToolCalling: true}
}
