package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/MrWong99/voxline/internal/balance"
	"github.com/MrWong99/voxline/internal/health"
	"github.com/MrWong99/voxline/internal/observe"
)

const defaultBalanceAddr = ":8000"

func newBalanceServerCmd(configPath *string) *cobra.Command {
	var migrate bool
	cmd := &cobra.Command{
		Use:   "balance-server",
		Short: "Serve the account balance tool over HTTP and MCP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serveBalance(cmd.Context(), *configPath, migrate)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", true, "create the users table on start")
	return cmd
}

func serveBalance(parent context.Context, configPath string, migrate bool) error {
	cfg, logger, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if cfg.Balance.DSN == "" {
		return errors.New("balance.dsn (or DB_HOST and friends) is required")
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "voxline-balance", ServiceVersion: version})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() { _ = shutdownOTel(context.Background()) }()
	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	store, err := balance.NewPostgresStore(ctx, cfg.Balance.DSN)
	if err != nil {
		return err
	}
	defer store.Close()
	if migrate {
		if err := store.Migrate(ctx); err != nil {
			return err
		}
	}

	checks := health.New(health.Ping("balance_db", store))
	mux := http.NewServeMux()
	checks.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.Handle("/", balance.NewHandler(store, balance.WithLogger(logger)))

	addr := cfg.Balance.ListenAddr
	if addr == "" {
		addr = defaultBalanceAddr
	}
	handler := observe.Middleware(metrics,
		observe.WithRequestLogger(logger),
		observe.WithQuietPaths("/healthz", "/readyz", "/metrics"),
	)(mux)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("balance server listening", "addr", addr, "tool", balance.ToolPath, "mcp", balance.MCPPath)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("balance server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	checks.SetDraining()
	timeout := cfg.Server.ShutdownTimeout
	if timeout == 0 {
		timeout = defaultShutdownTimeout
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("balance server shutdown: %w", err)
	}
	logger.Info("balance server stopped")
	return nil
}

func newMigrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the users table of the balance store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, _, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if cfg.Balance.DSN == "" {
				return errors.New("balance.dsn (or DB_HOST and friends) is required")
			}
			store, err := balance.NewPostgresStore(cmd.Context(), cfg.Balance.DSN)
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.Migrate(cmd.Context()); err != nil {
				return err
			}
			logger.Info("balance schema is up to date")
			return nil
		},
	}
}
