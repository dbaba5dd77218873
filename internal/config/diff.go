package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs. Log level,
// dialogue and recognition settings apply to new calls without a restart;
// every other section only takes effect after one.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	DialogueChanged   bool
	VocabularyChanged bool

	// RestartRequired names the changed sections that are read only at
	// startup.
	RestartRequired []string
}

// HotReloadable reports whether anything changed that new calls pick up.
func (d ConfigDiff) HotReloadable() bool {
	return d.LogLevelChanged || d.DialogueChanged || d.VocabularyChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	d.DialogueChanged = !reflect.DeepEqual(old.Dialogue, new.Dialogue) ||
		!reflect.DeepEqual(old.Segmenter, new.Segmenter)
	d.VocabularyChanged = old.Recognition.Language != new.Recognition.Language ||
		!slices.Equal(old.Recognition.Vocabulary, new.Recognition.Vocabulary)

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if !reflect.DeepEqual(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if !reflect.DeepEqual(old.Transport, new.Transport) {
		d.RestartRequired = append(d.RestartRequired, "transport")
	}
	if old.Balance != new.Balance {
		d.RestartRequired = append(d.RestartRequired, "balance")
	}
	if !reflect.DeepEqual(old.MCP, new.MCP) {
		d.RestartRequired = append(d.RestartRequired, "mcp")
	}
	if old.Resilience != new.Resilience {
		d.RestartRequired = append(d.RestartRequired, "resilience")
	}
	return d
}
