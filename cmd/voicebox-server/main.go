// Command voicebox-server is the reference server for voicebox devices. It
// accepts device connections over TCP (and optionally WebSocket), collects
// each spoken segment, and answers with the configured responder.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voicebox/internal/config"
	"github.com/MrWong99/voicebox/internal/health"
	"github.com/MrWong99/voicebox/internal/observe"
	"github.com/MrWong99/voicebox/internal/resilience"
	"github.com/MrWong99/voicebox/internal/server"
	"github.com/MrWong99/voicebox/internal/server/assistant"
	"github.com/MrWong99/voicebox/internal/server/echo"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "voicebox-server: %v\n", err)
		return 1
	}
	return 0
}

type options struct {
	configPath string
	listenAddr string
	responder  string
	recordDir  string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:   "voicebox-server",
		Short: "Reference server for voicebox devices",
		Long: `voicebox-server accepts voicebox device connections, collects every spoken
segment, and answers it with the configured responder:

  echo       plays the segment back
  assistant  transcribes, asks a chat model, and speaks the answer`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServer(opts)
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "path to the YAML configuration file")
	flags.StringVar(&opts.listenAddr, "listen", "", "TCP listen address, overrides server.listen_addr")
	flags.StringVar(&opts.responder, "responder", "", "responder name, overrides server.responder")
	flags.StringVar(&opts.recordDir, "record-dir", "", "directory receiving one WAV file per segment")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level override: debug, info, warn, error")

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "voicebox-server", version)
		},
	})
	return cmd
}

func runServer(opts options) error {
	// ── Load configuration ────────────────────────────────────────────────────
	cfg := config.Default()
	if opts.configPath != "" {
		loaded, err := config.Load(opts.configPath)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("config file %q not found, copy configs/example.yaml to get started", opts.configPath)
			}
			return err
		}
		cfg = loaded
	}
	if opts.listenAddr != "" {
		cfg.Server.ListenAddr = opts.listenAddr
	}
	if opts.responder != "" {
		cfg.Server.Responder = opts.responder
	}
	if opts.recordDir != "" {
		cfg.Server.RecordDir = opts.recordDir
	}
	if opts.logLevel != "" {
		cfg.LogLevel = config.LogLevel(opts.logLevel)
	}
	if err := config.Validate(cfg); err != nil {
		return err
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	slog.SetDefault(newLogger(cfg.LogLevel))

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	serviceName := cfg.Telemetry.ServiceName + "-server"
	telemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    serviceName,
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
	metrics, err := telemetry.Metrics()
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	// ── Responder ─────────────────────────────────────────────────────────────
	registerResponders(ctx, cfg)
	responder, closeResponder, err := buildResponder(cfg)
	if err != nil {
		return fmt.Errorf("build responder: %w", err)
	}
	defer closeResponder()

	srvOpts := []server.Option{server.WithMetrics(metrics)}
	if cfg.Server.RecordDir != "" {
		rec, err := server.NewRecorder(cfg.Server.RecordDir)
		if err != nil {
			return err
		}
		srvOpts = append(srvOpts, server.WithRecorder(rec))
	}
	srv := server.New(server.Config{
		MaxSegmentBytes: cfg.Server.MaxSegmentBytes,
		SampleRate:      cfg.Server.SampleRate,
		ResponderName:   cfg.Server.Responder,
		ResponseTimeout: cfg.Server.ResponseTimeout,
	}, responder, srvOpts...)

	printStartupSummary(cfg)

	// ── Listeners ─────────────────────────────────────────────────────────────
	ln, err := net.Listen("tcp", cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Serve(gctx, ln) })

	if addr := cfg.Server.WebSocketAddr; addr != "" {
		mux := http.NewServeMux()
		mux.Handle(server.WebSocketPath, srv.WebSocketHandler(gctx))
		serveHTTP(gctx, g, "websocket", addr, mux)
	}
	if addr := cfg.Telemetry.ListenAddr; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", telemetry.Handler())
		health.New(srv.ReadyChecker()).Register(mux)
		serveHTTP(gctx, g, "admin", addr, observe.AdminMiddleware(metrics, observe.WithStateAttrs(func() []attribute.KeyValue {
			return []attribute.KeyValue{attribute.Bool("server.ready", srv.Ready())}
		}))(mux))
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	err = g.Wait()
	slog.Info("goodbye")
	return err
}

// serveHTTP runs an HTTP server in g until ctx is done.
func serveHTTP(ctx context.Context, g *errgroup.Group, name, addr string, h http.Handler) {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	g.Go(func() error {
		slog.Info("http listener started", "name", name, "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("%s listener: %w", name, err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

// ── Responder wiring ──────────────────────────────────────────────────────────

// registerResponders wires the built-in responder factories into
// [server.Responders].
func registerResponders(ctx context.Context, cfg *config.Config) {
	server.Responders.Register("echo", echo.New)

	assistant.RegisterDefaults()
	server.Responders.Register("assistant", func(config.ProviderEntry) (server.Responder, error) {
		return assistant.FromConfig(ctx, cfg.Server.Assistant, cfg.Server.History)
	})
}

// buildResponder creates the configured responder. When the assistant names a
// fallback, both are chained so that a failing upstream still gets the device
// an answer.
func buildResponder(cfg *config.Config) (server.Responder, func(), error) {
	name := cfg.Server.Responder
	primary, err := server.Responders.Create(config.ProviderEntry{Name: name})
	if err != nil {
		return nil, nil, err
	}
	slog.Info("provider created", "kind", "responder", "name", name)

	closeFn := func() {}
	if c, ok := primary.(interface{ Close() }); ok {
		closeFn = c.Close
	}

	fbName := cfg.Server.Assistant.Fallback
	if name != "assistant" || fbName == "" || fbName == name {
		return primary, closeFn, nil
	}
	fallback, err := server.Responders.Create(config.ProviderEntry{Name: fbName})
	if err != nil {
		closeFn()
		return nil, nil, fmt.Errorf("fallback: %w", err)
	}
	metrics, err := telemetry.Metrics()
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	chain := server.NewFallback(name, primary, resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:   3,
			ResetTimeout:  30 * time.Second,
			OnStateChange: metrics.BreakerObserver(),
		},
	}).Add(fbName, fallback)
	slog.Info("fallback configured", "chain", chain.Names())
	return chain, closeFn, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	s := cfg.Server
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║    voicebox-server: startup summary   ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Responder", s.Responder)
	if s.Responder == "assistant" {
		printRow("STT", s.Assistant.STT.Name+" / "+s.Assistant.STT.Model)
		printRow("LLM", s.Assistant.LLM.Name+" / "+s.Assistant.LLM.Model)
		printRow("TTS", s.Assistant.TTS.Name+" / "+s.Assistant.TTS.Model)
		if s.History.PostgresDSN != "" {
			printRow("History", "postgres")
		} else {
			printRow("History", "memory")
		}
		if s.Assistant.Fallback != "" {
			printRow("Fallback", s.Assistant.Fallback)
		}
	}
	printRow("TCP", s.ListenAddr)
	if s.WebSocketAddr != "" {
		printRow("WebSocket", s.WebSocketAddr+server.WebSocketPath)
	}
	if s.RecordDir != "" {
		printRow("Recordings", s.RecordDir)
	}
	if cfg.Telemetry.ListenAddr != "" {
		printRow("Admin", cfg.Telemetry.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if len(value) > 19 {
		value = value[:18] + "…"
	}
	fmt.Printf("║  %-14s : %-19s ║\n", label, value)
}

func newLogger(level config.LogLevel) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level.Level()}))
}
