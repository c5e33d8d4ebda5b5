// Amplifierd is the session and notification orchestration daemon.
//
// It hosts agent sessions, keeps duplex links to user devices, routes
// incoming notifications through the rule engine and serves the HTTP API.
//
// Configuration is read from ~/.config/amplifierd/config.yaml (or --config)
// and AMPLIFIER_* environment variables. See internal/config for details.
//
// Usage:
//
//	# Start the daemon
//	amplifierd serve
//
//	# Serve MCP tools on stdio
//	amplifierd mcp
//
//	# Override the port
//	AMPLIFIER_SERVER_HTTP_PORT=9000 amplifierd serve
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/amplifierd/internal/config"
	httpserver "github.com/fyrsmithlabs/amplifierd/internal/http"
	"github.com/fyrsmithlabs/amplifierd/internal/logging"
	"github.com/fyrsmithlabs/amplifierd/internal/services"
	"github.com/fyrsmithlabs/amplifierd/internal/telemetry"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "amplifierd",
		Short: "Session, device and notification orchestration daemon",
		Long: `amplifierd hosts long-lived agent sessions, keeps websocket links to
user devices and routes incoming notifications to push, summarize or
suppress according to a rule file.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.config/amplifierd/config.yaml)")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), configPath)
		},
	})
	root.AddCommand(newMCPCmd(&configPath))
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			printVersion(cmd.OutOrStdout())
		},
	})
	return root
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "amplifierd by Fyrsmith Labs\n")
	fmt.Fprintf(w, "Version:    %s\n", version)
	fmt.Fprintf(w, "Commit:     %s\n", gitCommit)
	fmt.Fprintf(w, "Build Date: %s\n", buildDate)
}

// runtime is everything a command needs after configuration.
type runtime struct {
	cfg       *config.Config
	logger    *logging.Logger
	telemetry *telemetry.Telemetry
	services  services.Registry
}

// bootstrap loads config, then sets up telemetry, logging and services.
// Services are built but not started.
func bootstrap(ctx context.Context, configPath string, stdio bool) (*runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	tel, err := telemetry.New(ctx, telemetry.FromSettings(cfg.Observability, version))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	logCfg, err := logging.FromSettings(cfg.Logging)
	if err != nil {
		return nil, err
	}
	logCfg.Output.OTEL = cfg.Observability.EnableTelemetry
	logCfg.Output.Stderr = stdio
	logger, err := logging.NewLogger(logCfg, tel.LoggerProvider())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	reg, err := services.Build(cfg, logger.Underlying())
	if err != nil {
		_ = tel.Shutdown(ctx)
		return nil, fmt.Errorf("failed to build services: %w", err)
	}
	return &runtime{cfg: cfg, logger: logger, telemetry: tel, services: reg}, nil
}

// close shuts services and telemetry down within the configured timeout.
func (r *runtime) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.Server.ShutdownTimeout.Duration())
	defer cancel()

	err := errors.Join(
		r.services.Shutdown(ctx),
		r.telemetry.Shutdown(ctx),
	)
	_ = r.logger.Sync()
	return err
}

// runServe starts every service and the HTTP server, and blocks until ctx
// is canceled or the listener fails.
func runServe(ctx context.Context, configPath string) (err error) {
	rt, err := bootstrap(ctx, configPath, false)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, rt.close()) }()

	zl := rt.logger.Underlying()
	zl.Info("starting amplifierd",
		zap.String("version", version),
		zap.String("addr", rt.cfg.Server.Addr()),
		zap.Strings("startup_bundles", rt.cfg.Sessions.StartupBundles),
		zap.Bool("nats", rt.services.Bus() != nil))

	if err := rt.services.Start(ctx); err != nil {
		return fmt.Errorf("failed to start services: %w", err)
	}

	srv, err := httpserver.NewServer(rt.services, zl.Named("http"), &httpserver.Config{
		Host:    rt.cfg.Server.Host,
		Port:    rt.cfg.Server.Port,
		APIKey:  rt.cfg.Server.APIKey.Value(),
		Version: version,
	})
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	zl.Info("shutting down", zap.Duration("timeout", rt.cfg.Server.ShutdownTimeout.Duration()))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), rt.cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zl.Warn("http shutdown incomplete", zap.Error(err))
	}
	<-errCh
	zl.Info("amplifierd stopped")
	return nil
}
