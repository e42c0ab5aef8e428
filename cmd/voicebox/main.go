// Command voicebox runs the push-to-talk voice device: it listens for speech
// after the start button, streams segments to the server, and plays back the
// replies.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrWong99/voicebox/internal/app"
	"github.com/MrWong99/voicebox/internal/config"
	"github.com/MrWong99/voicebox/internal/observe"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "voicebox: %v\n", err)
		return 1
	}
	return 0
}

type options struct {
	configPath string
	endpoint   string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:   "voicebox",
		Short: "Push-to-talk voice device",
		Long: `voicebox captures speech after the start button is pressed, streams each
spoken segment to the server, and plays back the spoken reply.

Without --config the built-in defaults are used: simulated audio, a console
display, and a server on tcp://127.0.0.1:5000.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDevice(opts)
		},
	}
	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "", "path to the YAML configuration file; watched for changes")
	cmd.Flags().StringVar(&opts.endpoint, "endpoint", "", "server address, overrides device.endpoint")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "", "log level override: debug, info, warn, error")

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "voicebox", version)
		},
	})
	return cmd
}

func runDevice(opts options) error {
	// ── Load configuration ────────────────────────────────────────────────────
	var (
		cfg     *config.Config
		watcher *config.Watcher
	)
	if opts.configPath == "" {
		cfg = config.Default()
	} else {
		w, err := config.NewWatcher(opts.configPath)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("config file %q not found, copy configs/example.yaml to get started", opts.configPath)
			}
			return err
		}
		watcher = w
		cfg = w.Current()
	}
	if opts.endpoint != "" {
		cfg.Device.Endpoint = opts.endpoint
	}
	if opts.logLevel != "" {
		cfg.LogLevel = config.LogLevel(opts.logLevel)
	}
	if err := config.Validate(cfg); err != nil {
		return err
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.LogLevel.Level())
	slog.SetDefault(newLogger(level))

	slog.Info("voicebox starting",
		"version", version,
		"config", opts.configPath,
		"endpoint", cfg.Device.Endpoint,
		"backend", cfg.Device.Audio.Backend,
		"log_level", cfg.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	telemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Device ────────────────────────────────────────────────────────────────
	application, err := app.New(ctx, cfg, app.WithLogLevel(level), app.WithTelemetry(telemetry))
	if err != nil {
		return err
	}

	if watcher != nil {
		go func() { _ = watcher.Run(ctx) }()
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case diff := <-watcher.Changes():
					application.ApplyConfig(diff)
				}
			}
		}()
	}

	slog.Info("device ready, press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	slog.Info("goodbye")
	if errors.Is(runErr, context.Canceled) {
		return nil
	}
	return runErr
}

// newLogger writes text records to stderr at the level held by level.
func newLogger(level *slog.LevelVar) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
