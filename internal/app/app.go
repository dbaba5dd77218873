// Package app wires all voxline subsystems into a running agent.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run accepts calls until its context is cancelled, and Shutdown
// tears everything down in order.
//
// For testing, inject mock implementations through [Providers] and the
// functional options (WithMCPHost, WithBalance, etc.). When an option is not
// provided, New creates real implementations from the config.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/voxline/internal/balance"
	"github.com/MrWong99/voxline/internal/config"
	"github.com/MrWong99/voxline/internal/dialogue"
	"github.com/MrWong99/voxline/internal/eventbus"
	"github.com/MrWong99/voxline/internal/health"
	"github.com/MrWong99/voxline/internal/mcp"
	"github.com/MrWong99/voxline/internal/mcp/mcphost"
	"github.com/MrWong99/voxline/internal/mcp/tools"
	"github.com/MrWong99/voxline/internal/mcp/tools/balancetool"
	"github.com/MrWong99/voxline/internal/observe"
	"github.com/MrWong99/voxline/internal/reasoning"
	"github.com/MrWong99/voxline/internal/recognize"
	"github.com/MrWong99/voxline/internal/segment"
	"github.com/MrWong99/voxline/internal/session"
	"github.com/MrWong99/voxline/internal/synth"
	"github.com/MrWong99/voxline/internal/transcript"
	"github.com/MrWong99/voxline/pkg/audio"
	"github.com/MrWong99/voxline/pkg/provider/vad"
	"github.com/MrWong99/voxline/pkg/types"
)

// eventBuffer is the subscriber buffer of the log and metrics consumers.
const eventBuffer = 256

// builtinRegistrar is implemented by hosts that run tools in-process.
type builtinRegistrar interface {
	RegisterBuiltin(tools.Tool) error
}

// App owns all subsystem lifetimes and runs the call accept loop.
type App struct {
	cfg       atomic.Pointer[config.Config]
	providers *Providers
	logger    *slog.Logger
	level     *slog.LevelVar

	// Subsystems, initialised in New and torn down in Shutdown.
	mcpHost   mcp.Host
	describer balance.Describer
	corrector atomic.Pointer[transcript.Corrector]
	bus       *eventbus.Bus
	metrics   *observe.Metrics
	health    *health.Handler
	sessions  *SessionManager

	mu     sync.Mutex
	server *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithMCPHost injects an MCP host instead of creating one from config.
func WithMCPHost(h mcp.Host) Option {
	return func(a *App) { a.mcpHost = h }
}

// WithBalance injects the balance lookup behind the get_user_balance tool
// instead of building one from the balance config section.
func WithBalance(d balance.Describer) Option {
	return func(a *App) { a.describer = d }
}

// WithMetrics records pipeline metrics on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogger sets the base logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.logger = l }
}

// WithLevel lets [App.Reload] change the log level of the logger passed to
// WithLogger.
func WithLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// New creates an App by wiring all subsystems together. providers usually
// comes from [BuildProviders].
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if err := providers.validate(); err != nil {
		return nil, err
	}
	a := &App{
		providers: providers,
		bus:       eventbus.New(),
	}
	a.cfg.Store(cfg)
	for _, o := range opts {
		o(a)
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	a.setCorrector(cfg.Recognition)

	a.health = health.New(providers.Checks...)
	a.consumeEvents()

	if err := a.initBalance(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init balance: %w", err)
	}
	if err := a.initMCP(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init mcp: %w", err)
	}

	var redialer audio.Redialer
	if cfg.Transport.Redial() {
		redialer, _ = providers.Platform.(audio.Redialer)
	}
	a.sessions = NewSessionManager(SessionManagerConfig{
		NewSession: a.newSession,
		Reconnect:  session.ReconnectorConfig{Redialer: redialer, Logger: a.logger},
		Metrics:    a.metrics,
		Logger:     a.logger,
	})
	return a, nil
}

// initBalance chooses how the get_user_balance tool reaches the database:
// through the balance server when a URL is configured, directly otherwise.
func (a *App) initBalance(ctx context.Context) error {
	if a.describer != nil {
		return nil
	}
	cfg := a.cfg.Load().Balance
	switch {
	case cfg.URL != "":
		client, err := balance.NewClient(cfg.URL)
		if err != nil {
			return err
		}
		a.describer = client
	case cfg.DSN != "":
		store, err := balance.NewPostgresStore(ctx, cfg.DSN)
		if err != nil {
			return err
		}
		a.describer = balance.Local{Store: store}
		a.health.Add(health.Ping("balance_db", store))
		a.closers = append(a.closers, func() error {
			store.Close()
			return nil
		})
	}
	return nil
}

// initMCP sets up the MCP host, registers the built-in tool and the
// configured servers, and calibrates.
func (a *App) initMCP(ctx context.Context) error {
	if a.mcpHost == nil {
		host := mcphost.New(mcphost.WithMetrics(a.metrics), mcphost.WithLogger(a.logger))
		a.mcpHost = host
		a.closers = append(a.closers, host.Close)
	}

	if a.describer != nil {
		reg, ok := a.mcpHost.(builtinRegistrar)
		if !ok {
			return errors.New("mcp host does not support built-in tools")
		}
		for _, t := range balancetool.Tools(a.describer) {
			if err := reg.RegisterBuiltin(t); err != nil {
				return fmt.Errorf("register tool %q: %w", t.Definition.Name, err)
			}
		}
	}

	cfg := a.cfg.Load().MCP
	for _, srv := range cfg.Servers {
		if err := a.mcpHost.RegisterServer(ctx, srv); err != nil {
			return fmt.Errorf("register mcp server %q: %w", srv.Name, err)
		}
		a.logger.Info("registered MCP server", "name", srv.Name)
	}

	if cfg.Calibrate {
		if err := a.mcpHost.Calibrate(ctx); err != nil {
			a.logger.Warn("MCP calibration failed, using declared latencies", "err", err)
		}
	}
	return nil
}

// consumeEvents logs every session event and feeds the metrics.
func (a *App) consumeEvents() {
	var wg sync.WaitGroup
	logCh, stopLog := a.bus.Subscribe(eventBuffer)
	wg.Go(func() { eventbus.LogEvents(context.Background(), logCh, a.logger) })
	stopMetrics := func() {}
	if a.metrics != nil {
		var metCh <-chan eventbus.Event
		metCh, stopMetrics = a.bus.Subscribe(eventBuffer)
		wg.Go(func() { a.metrics.RecordEvents(context.Background(), metCh) })
	}
	a.closers = append(a.closers, func() error {
		stopLog()
		stopMetrics()
		wg.Wait()
		return nil
	})
}

func (a *App) setCorrector(rc config.RecognitionConfig) {
	if len(rc.Vocabulary) == 0 {
		a.corrector.Store(nil)
		return
	}
	a.corrector.Store(transcript.NewCorrector(rc.Vocabulary))
}

// newSession builds the pipeline for one call from the current config.
func (a *App) newSession(conn audio.Connection) (*session.Session, error) {
	cfg := a.cfg.Load()
	p := a.providers
	d := cfg.Dialogue
	seg := cfg.Segmenter

	recOpts := []recognize.Option{
		recognize.WithLanguage(cfg.Recognition.Language),
		recognize.WithMetrics(a.metrics),
		recognize.WithProviderName(p.STTName),
		recognize.WithLogger(a.logger),
	}
	if c := a.corrector.Load(); c != nil {
		recOpts = append(recOpts, recognize.WithCorrector(c))
	}

	synOpts := []synth.Option{
		synth.WithVoice(d.Voice),
		synth.WithMetrics(a.metrics),
		synth.WithProviderName(p.TTSName),
		synth.WithLogger(a.logger),
	}
	if d.ChunkBytes > 0 {
		synOpts = append(synOpts, synth.WithChunkBytes(d.ChunkBytes))
	}

	dlgOpts := []dialogue.Option{
		dialogue.WithInterruptions(d.Interruptions()),
		dialogue.WithMetrics(a.metrics),
	}
	if d.ReplyTimeout > 0 {
		dlgOpts = append(dlgOpts, dialogue.WithReplyTimeout(d.ReplyTimeout))
	}
	if d.FallbackReply != "" {
		dlgOpts = append(dlgOpts, dialogue.WithFallbackReply(d.FallbackReply))
	}
	if d.HistoryTurns > 0 {
		dlgOpts = append(dlgOpts, dialogue.WithHistoryTurns(d.HistoryTurns))
	}

	return session.New(conn, session.Config{
		VAD: p.VAD,
		VADConfig: vad.Config{
			FrameSizeMs:      seg.FrameSizeMs,
			SpeechThreshold:  seg.SpeechThreshold,
			SilenceThreshold: seg.SilenceThreshold,
		},
		MinSilence: seg.MinSilence,
		Segmenter: segment.Config{
			PreRoll:      seg.PreRoll,
			MinUtterance: seg.MinUtterance,
			MaxUtterance: seg.MaxUtterance,
		},
		Recognizer:  recognize.New(p.STT, recOpts...),
		Synthesizer: synth.New(p.TTS, synOpts...),
		Reasoning:   a.reasoningService(cfg),
		Dialogue:    dlgOpts,
		Events:      a.bus,
		Logger:      a.logger,
	})
}

func (a *App) reasoningService(cfg *config.Config) reasoning.Service {
	d := cfg.Dialogue
	opts := []reasoning.Option{
		reasoning.WithHost(a.mcpHost),
		reasoning.WithFaultHook(eventbus.FaultHook(a.bus)),
		reasoning.WithMetrics(a.metrics),
		reasoning.WithProviderName(a.providers.LLMName),
		reasoning.WithLogger(a.logger),
	}
	if d.SystemPrompt != "" {
		opts = append(opts, reasoning.WithSystemPrompt(d.SystemPrompt))
	}
	if d.Temperature != nil {
		opts = append(opts, reasoning.WithTemperature(*d.Temperature))
	}
	if d.MaxTokens > 0 {
		opts = append(opts, reasoning.WithMaxTokens(d.MaxTokens))
	}
	if d.MaxToolRounds != nil {
		opts = append(opts, reasoning.WithMaxToolRounds(*d.MaxToolRounds))
	}
	return reasoning.New(a.providers.LLM, opts...)
}

// Config returns the configuration new calls are built from.
func (a *App) Config() *config.Config { return a.cfg.Load() }

// Tools returns the tool definitions offered to the model.
func (a *App) Tools() []types.ToolDefinition { return a.mcpHost.Tools() }

// Bus returns the event bus every session publishes on.
func (a *App) Bus() *eventbus.Bus { return a.bus }

// Sessions returns the session manager.
func (a *App) Sessions() *SessionManager { return a.sessions }

// Handler returns the operational HTTP routes: /healthz, /readyz, /metrics
// and /sessions.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	a.health.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /sessions", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_ = json.NewEncoder(w).Encode(a.sessions.Info())
	})
	return observe.Middleware(a.metrics,
		observe.WithRequestLogger(a.logger),
		observe.WithQuietPaths("/healthz", "/readyz", "/metrics"),
	)(mux)
}

// Run serves the operational endpoints and accepts calls until ctx is
// cancelled. It returns nil on cancellation or when the platform is closed.
func (a *App) Run(ctx context.Context) error {
	if addr := a.cfg.Load().Server.ListenAddr; addr != "" {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("app: listen %s: %w", addr, err)
		}
		srv := &http.Server{Handler: a.Handler()}
		a.mu.Lock()
		a.server = srv
		a.mu.Unlock()
		go func() {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("http server error", "err", err)
			}
		}()
		a.logger.Info("http server listening", "addr", ln.Addr().String())
	}

	a.logger.Info("accepting calls")
	for {
		conn, err := a.providers.Platform.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, audio.ErrClosed) {
				return nil
			}
			return fmt.Errorf("app: accept: %w", err)
		}
		if _, err := a.sessions.Start(conn); err != nil {
			a.logger.Error("failed to start session", "caller", conn.ID(), "err", err)
		}
	}
}

// Reload applies a changed configuration. Log level, dialogue, segmenter
// and recognition settings take effect for the next call; everything else
// is reported and needs a restart.
func (a *App) Reload(next *config.Config) {
	prev := a.cfg.Load()
	d := config.Diff(prev, next)
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(slogLevel(d.NewLogLevel))
		a.logger.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.VocabularyChanged {
		a.setCorrector(next.Recognition)
	}
	if len(d.RestartRequired) > 0 {
		a.logger.Warn("config changes need a restart to apply", "sections", d.RestartRequired)
	}
	if !d.HotReloadable() {
		return
	}
	merged := *prev
	merged.Server.LogLevel = next.Server.LogLevel
	merged.Dialogue = next.Dialogue
	merged.Segmenter = next.Segmenter
	merged.Recognition = next.Recognition
	a.cfg.Store(&merged)
	a.logger.Info("config reloaded", "dialogue", d.DialogueChanged, "vocabulary", d.VocabularyChanged)
}

// Shutdown marks the process as draining, ends every call and tears down
// all subsystems. It respects the context deadline: if ctx expires, the
// remaining steps are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.logger.Info("shutting down", "sessions", a.sessions.Count(), "closers", len(a.closers))
		a.health.SetDraining()

		if err := a.sessions.CloseAll(ctx); err != nil {
			a.logger.Warn("sessions did not end before the deadline", "remaining", a.sessions.Count())
			shutdownErr = err
		}
		if c, ok := a.providers.Platform.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				a.logger.Warn("platform close error", "err", err)
			}
		}
		a.mu.Lock()
		srv := a.server
		a.mu.Unlock()
		if srv != nil {
			if err := srv.Shutdown(ctx); err != nil {
				a.logger.Warn("http server shutdown error", "err", err)
			}
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.logger.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				a.logger.Warn("closer error", "index", i, "err", err)
			}
		}
		a.logger.Info("shutdown complete")
	})
	return shutdownErr
}

func (a *App) closeAll() {
	for _, c := range a.closers {
		_ = c()
	}
}

func slogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
