// Command bitserved is a torrent catalog server: it archives torrent
// descriptors, keeps a bounded working set loaded in the transfer
// engine and exposes a lifecycle HTTP API.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	"github.com/bitserve/bitserve/archive"
	"github.com/bitserve/bitserve/catalog"
	"github.com/bitserve/bitserve/engine"
	"github.com/bitserve/bitserve/events"
	"github.com/bitserve/bitserve/lifecycle"
	"github.com/bitserve/bitserve/server"
	"github.com/bitserve/bitserve/sysinfo"
	"github.com/bitserve/bitserve/telemetry"
)

var version = "dev"

type cli struct {
	Address   string `help:"Address to listen on." default:":8080"`
	DataDir   string `help:"Root directory for catalog, descriptors and payloads." default:"./data"`
	AuthToken string `help:"Bearer token for API authentication (empty disables auth)." env:"BITSERVE_AUTH_TOKEN"`

	ActiveLimit   int           `help:"Maximum torrents loaded in the engine (0 for unbounded)." default:"50"`
	FlushInterval time.Duration `help:"Stats flush interval (0 flushes only on pause, eviction and shutdown)." default:"0"`

	ListenPort int  `help:"BitTorrent listen port (0 picks a free port)." default:"6881"`
	DisableDHT bool `help:"Disable DHT peer discovery."`

	Webhook []string `help:"Webhook URL notified of every lifecycle event (repeatable)."`

	OTLPEndpoint string `help:"OTLP gRPC endpoint for metrics export (empty disables)."`
	Prometheus   bool   `help:"Serve Prometheus metrics on /metrics." default:"true"`

	LogLevel  string `help:"Log level (debug, info, warn, error)." enum:"debug,info,warn,error" default:"info"`
	LogFormat string `help:"Log format (text, json)." enum:"text,json" default:"text"`

	Version kong.VersionFlag `help:"Print version and exit."`
}

func main() {
	var flags cli
	kong.Parse(&flags,
		kong.Name("bitserved"),
		kong.Description("Torrent catalog server with a bounded active set."),
		kong.Vars{"version": version},
	)

	if err := run(flags); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(flags cli) error {
	logger, err := buildLogger(flags.LogLevel, flags.LogFormat)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metricsShutdown, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "bitserved",
		ServiceVersion:   version,
		OTLPEndpoint:     flags.OTLPEndpoint,
		EnablePrometheus: flags.Prometheus,
	})
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}

	// Durable stores.
	store := catalog.NewBoltStore(catalog.WithLogger(logger.With("component", "catalog")))
	if err := os.MkdirAll(flags.DataDir, 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	if err := store.Open(filepath.Join(flags.DataDir, "catalog.db")); err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	descriptors, err := archive.New(filepath.Join(flags.DataDir, "descriptors"),
		archive.WithLogger(logger.With("component", "archive")))
	if err != nil {
		return err
	}
	defer descriptors.Close()

	sessions, err := archive.NewSessionStore(filepath.Join(flags.DataDir, "session.dat"))
	if err != nil {
		return err
	}
	defer sessions.Close()

	// Transfer engine.
	eng, err := engine.NewClient(engine.Config{
		DownloadRoot: filepath.Join(flags.DataDir, "downloads"),
		ListenPort:   flags.ListenPort,
		DisableDHT:   flags.DisableDHT,
		Logger:       logger.With("component", "engine"),
	})
	if err != nil {
		return fmt.Errorf("creating engine: %w", err)
	}
	defer func() { _ = eng.Close() }()

	// Webhook event delivery.
	registry := events.NewRegistry()
	for _, url := range flags.Webhook {
		if err := registry.Register(events.TypeAll, url); err != nil {
			return fmt.Errorf("registering webhook: %w", err)
		}
	}
	sink := events.NewWebhookSink(registry,
		events.WithSinkLogger(logger.With("component", "webhooks")),
		events.WithHTTPClient(&http.Client{
			Transport: telemetry.NewInstrumentedTransport(nil),
			Timeout:   10 * time.Second,
		}),
	)
	dispatcher := events.NewDispatcher([]events.Sink{sink},
		events.WithLogger(logger.With("component", "events")))

	controller := lifecycle.New(lifecycle.Config{
		Catalog:       store,
		Archive:       descriptors,
		Sessions:      sessions,
		Engine:        eng,
		Capacity:      flags.ActiveLimit,
		FlushInterval: flags.FlushInterval,
		Dispatcher:    dispatcher,
		Logger:        logger.With("component", "lifecycle"),
	})

	// Rebuild the active set from durable state before serving.
	if err := controller.Reconcile(ctx); err != nil {
		return fmt.Errorf("reconciling catalog: %w", err)
	}
	controller.Start()

	srv, err := server.New(server.Config{
		Address:    flags.Address,
		AuthToken:  flags.AuthToken,
		Controller: controller,
		Webhooks:   registry,
		SysInfo:    sysinfo.NewCollector(eng.DownloadRoot()),
		Logger:     logger.With("component", "server"),
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	logger.Info("server started",
		"version", version,
		"address", srv.Address(),
		"data_dir", flags.DataDir,
		"active_limit", flags.ActiveLimit,
		"resident", controller.ResidentCount(),
	)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	// Graceful shutdown: stop accepting requests, flush stats and the
	// engine session, then drain pending events.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}
	if err := controller.Shutdown(shutdownCtx); err != nil {
		logger.Error("lifecycle shutdown failed", "error", err)
	}
	dispatcher.Close()

	return metricsShutdown(shutdownCtx)
}

func buildLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("invalid log level: %s", level)
	}

	var handler slog.Handler
	switch format {
	case "text":
		handler = tint.NewHandler(os.Stdout, &tint.Options{Level: lvl})
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}
	return slog.New(handler), nil
}
