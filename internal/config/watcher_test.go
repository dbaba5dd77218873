package config_test

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voxline/internal/config"
)

const watcherValidYAML = `
server:
  log_level: info
dialogue:
  fallback_reply: "Sorry?"
recognition:
  vocabulary: [balance]
`

const watcherUpdatedYAML = `
server:
  log_level: debug
dialogue:
  fallback_reply: "Pardon?"
recognition:
  vocabulary: [balance, account]
`

const watcherInvalidYAML = `
server:
  log_level: bananas
`

const pollEvery = 20 * time.Millisecond

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %q: %v", path, err)
	}
}

func noEnv(string) string { return "" }

// reload is one callback invocation.
type reload struct{ old, new *config.Config }

// syncBuffer lets the watcher goroutine log while the test reads.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// watch writes content to a fresh file and watches it. Reloads are sent on
// the returned channel; the watcher is stopped on cleanup.
func watch(t *testing.T, content string, opts ...config.WatcherOption) (string, *config.Watcher, <-chan reload) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, content)

	reloads := make(chan reload, 4)
	opts = append([]config.WatcherOption{config.WithInterval(pollEvery), config.WithGetenv(noEnv)}, opts...)
	w, err := config.NewWatcher(path, func(old, new *config.Config) {
		reloads <- reload{old, new}
	}, opts...)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	t.Cleanup(w.Stop)
	return path, w, reloads
}

// rewrite replaces the file content with a modification time that is
// guaranteed to differ from the previous one.
func rewrite(t *testing.T, path, content string, age int) {
	t.Helper()
	writeFile(t, path, content)
	ts := time.Now().Add(time.Duration(age) * time.Second)
	if err := os.Chtimes(path, ts, ts); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()

	_, w, _ := watch(t, watcherValidYAML)
	cfg := w.Current()
	if cfg == nil {
		t.Fatal("Current() = nil after initial load")
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log_level = %q, want %q", cfg.Server.LogLevel, config.LogInfo)
	}
	if cfg.Dialogue.FallbackReply != "Sorry?" {
		t.Errorf("fallback_reply = %q, want Sorry?", cfg.Dialogue.FallbackReply)
	}
}

func TestWatcher_AppliesEnv(t *testing.T) {
	t.Parallel()

	env := map[string]string{"VOXLINE_DATABASE_DSN": "postgres://db/users"}
	_, w, _ := watch(t, watcherValidYAML, config.WithGetenv(func(k string) string { return env[k] }))
	if got := w.Current().Balance.DSN; got != "postgres://db/users" {
		t.Errorf("balance.dsn = %q, want value from env", got)
	}
}

func TestWatcher_DetectsChange(t *testing.T) {
	t.Parallel()

	path, w, reloads := watch(t, watcherValidYAML)
	rewrite(t, path, watcherUpdatedYAML, 1)

	var r reload
	select {
	case r = <-reloads:
	case <-time.After(2 * time.Second):
		t.Fatal("no reload within 2s")
	}
	if r.old.Server.LogLevel != config.LogInfo {
		t.Errorf("old log_level = %q, want %q", r.old.Server.LogLevel, config.LogInfo)
	}
	if r.new.Dialogue.FallbackReply != "Pardon?" {
		t.Errorf("new fallback_reply = %q, want Pardon?", r.new.Dialogue.FallbackReply)
	}
	d := config.Diff(r.old, r.new)
	if !d.LogLevelChanged || !d.DialogueChanged || !d.VocabularyChanged {
		t.Errorf("Diff = %+v, want log level, dialogue and vocabulary changed", d)
	}
	if got := w.Current().Server.LogLevel; got != config.LogDebug {
		t.Errorf("Current log_level = %q, want %q", got, config.LogDebug)
	}
}

func TestWatcher_IgnoredChanges(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
		wantLog string
	}{
		{"invalid file", watcherInvalidYAML, "keeping previous config"},
		{"truncated file", "", "file is empty"},
		{"whitespace only", "  \n\t\n", "file is empty"},
		{"touch only", watcherValidYAML, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var logs syncBuffer
			logger := slog.New(slog.NewTextHandler(&logs, nil))
			path, w, reloads := watch(t, watcherValidYAML, config.WithWatchLogger(logger))
			rewrite(t, path, tt.content, 1)

			select {
			case r := <-reloads:
				t.Fatalf("unexpected reload to log_level %q", r.new.Server.LogLevel)
			case <-time.After(15 * pollEvery):
			}
			if got := w.Current().Server.LogLevel; got != config.LogInfo {
				t.Errorf("Current log_level = %q, want previous %q", got, config.LogInfo)
			}
			if tt.wantLog != "" && !strings.Contains(logs.String(), tt.wantLog) {
				t.Errorf("logs = %q, want %q", logs.String(), tt.wantLog)
			}
		})
	}
}

func TestWatcher_RecoversAfterInvalidFile(t *testing.T) {
	t.Parallel()

	path, _, reloads := watch(t, watcherValidYAML)
	rewrite(t, path, watcherInvalidYAML, 1)
	time.Sleep(5 * pollEvery)
	rewrite(t, path, watcherUpdatedYAML, 2)

	select {
	case r := <-reloads:
		if r.old.Server.LogLevel != config.LogInfo || r.new.Server.LogLevel != config.LogDebug {
			t.Errorf("reload %q -> %q, want info -> debug", r.old.Server.LogLevel, r.new.Server.LogLevel)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no reload after the file was fixed")
	}
}

func TestWatcher_RecoversAfterTruncate(t *testing.T) {
	t.Parallel()

	path, _, reloads := watch(t, watcherValidYAML)
	rewrite(t, path, "", 1)
	time.Sleep(5 * pollEvery)
	rewrite(t, path, watcherUpdatedYAML, 2)

	select {
	case r := <-reloads:
		if r.old.Server.LogLevel != config.LogInfo || r.new.Server.LogLevel != config.LogDebug {
			t.Errorf("reload %q -> %q, want info -> debug with no blank config between", r.old.Server.LogLevel, r.new.Server.LogLevel)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no reload after the file was written")
	}
}

func TestWatcher_EmptyInitialFile(t *testing.T) {
	t.Parallel()

	_, w, _ := watch(t, "")
	if w.Current() == nil {
		t.Fatal("Current() = nil, want defaults for an empty initial file")
	}
}

func TestWatcher_InitialLoadFails(t *testing.T) {
	t.Parallel()

	if _, err := config.NewWatcher(filepath.Join(t.TempDir(), "missing.yaml"), nil); err == nil {
		t.Fatal("NewWatcher(missing) error = nil, want error")
	}
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	t.Parallel()

	_, w, _ := watch(t, watcherValidYAML)
	w.Stop()
	w.Stop()
}
