package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/MrWong99/voxline/internal/app"
	"github.com/MrWong99/voxline/internal/config"
	"github.com/MrWong99/voxline/internal/observe"
)

const defaultShutdownTimeout = 15 * time.Second

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Answer calls on the configured transport",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), *configPath)
		},
	}
}

func serve(parent context.Context, configPath string) error {
	cfg, logger, level, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger.Info("voxline starting",
		"version", version,
		"config", configPath,
		"transport", cfg.Transport.Kind,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownOTel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if err := shutdownOTel(context.Background()); err != nil {
			logger.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg, logger)
	providers, err := app.BuildProviders(cfg, reg, logger)
	if err != nil {
		return err
	}
	logger.Info("providers ready",
		"vad", cfg.Providers.VAD.Name,
		"stt", providerLabel(cfg.Providers.STT),
		"tts", providerLabel(cfg.Providers.TTS),
		"llm", providerLabel(cfg.Providers.LLM),
		"mcp_servers", len(cfg.MCP.Servers),
	)

	application, err := app.New(ctx, cfg, providers,
		app.WithMetrics(metrics),
		app.WithLogger(logger),
		app.WithLevel(level),
	)
	if err != nil {
		if c, ok := providers.Platform.(interface{ Close() error }); ok {
			_ = c.Close()
		}
		return fmt.Errorf("init application: %w", err)
	}

	// ── Hot reload ────────────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(configPath, func(_, next *config.Config) {
		application.Reload(next)
	}, config.WithWatchLogger(logger))
	if err != nil {
		logger.Warn("config hot reload disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	logger.Info("ready, press Ctrl+C to shut down")
	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		logger.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	timeout := cfg.Server.ShutdownTimeout
	if timeout == 0 {
		timeout = defaultShutdownTimeout
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	logger.Info("stopping", "timeout", timeout)
	if err := application.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	logger.Info("goodbye")
	return nil
}

// providerLabel renders "name / model" and the number of fallbacks.
func providerLabel(e config.ProviderEntry) string {
	label := e.Name
	if e.Model != "" {
		label += " / " + e.Model
	}
	if n := len(e.Fallbacks); n > 0 {
		label += fmt.Sprintf(" (+%d fallbacks)", n)
	}
	return label
}
